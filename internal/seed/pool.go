package seed

// ============================================================================
// Worker Pool - 有界並發任務執行器
// ============================================================================
//
// 設計模式:
//   固定數量的 worker goroutine 從共享任務 channel 取任務執行。
//   pool 大小獨立於單一請求要求的 threadCount —— 一個要 N 執行緒的
//   請求只會佔用 N 個 pool 槽位，pool 飽和時靠 channel 排隊形成背壓。
//
// 優雅關閉（Stop）：
//   1. 關閉 stopCh：不再接受新任務
//   2. 關閉 taskCh：worker 的 range 迴圈在清空佇列後結束
//   3. 有界等待所有 worker 退出（輪詢 in-flight 任務觀察取消）
//   4. 等待逾時則取消 pool context，強制中斷所有任務的檢查點
//
// Submit 與 Stop 之間的時序：Submit 的發送區持讀鎖，Stop 先關
// stopCh 解除阻塞中的發送，取得寫鎖等所有發送區淨空後才關 taskCh，
// 不會對已關閉的 channel 發送。
// ============================================================================

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrPoolClosed Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("seed worker pool is closed")
	// ErrPoolNotStarted Pool 尚未啟動
	ErrPoolNotStarted = errors.New("seed worker pool not started")
)

// Pool 有界 worker pool，執行 Task
type Pool struct {
	taskCh chan Task
	stopCh chan struct{}

	ctx    context.Context    // 傳給每個任務的執行 context
	cancel context.CancelFunc // 強制中斷（關閉逾時的升級手段）

	wg      sync.WaitGroup
	mu      sync.Mutex
	subMu   sync.RWMutex // 發送區讀鎖；Stop 以寫鎖等發送淨空
	started bool
	stopped bool
}

// NewPool 建立 Pool
//
// 參數：
//   - queueDepth: 任務 channel 的緩衝大小（排隊背壓的上限）
func NewPool(queueDepth int) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		taskCh: make(chan Task, queueDepth),
		stopCh: make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start 啟動指定數量的 worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("seed worker pool already started")
	}
	if workerCount < 1 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for task := range p.taskCh {
				task.Run(p.ctx)
			}
		}()
	}

	p.started = true
	return nil
}

// Submit 提交任務
//
// 返回值：
//   - error: ErrPoolNotStarted / ErrPoolClosed
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	p.mu.Unlock()

	p.subMu.RLock()
	defer p.subMu.RUnlock()

	// taskCh 只會在所有讀鎖釋放後才被關閉；拿到讀鎖後 stopCh 仍未
	// 關閉，發送就是安全的
	select {
	case <-p.stopCh:
		return ErrPoolClosed
	default:
	}
	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// Stop 優雅關閉
//
// 參數：
//   - grace: 等待 in-flight 任務觀察取消的時間上限；逾時升級為
//     強制中斷（取消 pool context），再無界等待 worker 退出
func (p *Pool) Stop(grace time.Duration) {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	// 先解除阻塞中的發送，再等所有發送區淨空，taskCh 才能安全關閉
	close(p.stopCh)
	p.subMu.Lock()
	p.subMu.Unlock()
	close(p.taskCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		log.Warn("Seed pool drain timed out, escalating to forced interruption", "grace", grace)
		p.cancel()
		<-done
	}
	p.cancel() // 釋放 context 資源
}
