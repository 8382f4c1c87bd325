package quota

// ============================================================================
// Aggregator - 通用批次化鍵值聚合管線
// ============================================================================
//
// 設計模式:
//   有界佇列 + 單一消費者 goroutine。生產者（storage 事件監聽）把小型
//   不可變事件放入佇列；消費者在記憶體中按鍵累積差額，達到提交條件時
//   成批提交。單一消費者意味著累積 map 完全不需要鎖。
//
// 提交條件（兩者先到先提交）：
//   1. 自該鍵第一筆累積起算的靜默逾時（預設 100ms）—— 限制陳舊度
//   2. 該鍵累積的事件數達到上限 —— 限制記憶體成長
//
// 背壓策略：
//   佇列滿時生產者阻塞至逾時（預設 5 分鐘），逾時即回傳致命錯誤。
//   悄悄丟棄事件會破壞帳本不變量，寧可大聲失敗。
//
// 同一抽象實例化兩次：變更差額管線（上限 1000）與讀取統計管線
// （上限 3000，讀取量通常遠高於寫入量）。
// ============================================================================

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPipelineStalled 佇列滿且生產者等待逾時，系統性背壓
	ErrPipelineStalled = errors.New("usage event pipeline stalled: queue full past timeout")
	// ErrPipelineClosed 管線已關閉
	ErrPipelineClosed = errors.New("usage event pipeline closed")
)

// AggregatorConfig 聚合管線配置
type AggregatorConfig struct {
	QueueDepth     int           // 有界佇列深度
	Quiescence     time.Duration // 每鍵首筆累積後的提交靜默逾時
	PerKeyCap      int           // 每鍵事件數上限，達到即提交該鍵
	ProduceTimeout time.Duration // 佇列滿時生產者的最長等待
}

// DefaultMutationConfig 變更差額管線的預設配置
func DefaultMutationConfig() AggregatorConfig {
	return AggregatorConfig{
		QueueDepth:     4096,
		Quiescence:     100 * time.Millisecond,
		PerKeyCap:      1000,
		ProduceTimeout: 5 * time.Minute,
	}
}

// DefaultAccessConfig 讀取統計管線的預設配置（讀取量較高，上限放寬）
func DefaultAccessConfig() AggregatorConfig {
	cfg := DefaultMutationConfig()
	cfg.PerKeyCap = 3000
	return cfg
}

type event[K comparable, D any] struct {
	key   K
	delta D
}

type pending[D any] struct {
	acc     D
	count   int
	firstAt time.Time
}

// Aggregator 批次化鍵值聚合器
//
// 型別參數：
//   - K: 聚合鍵（例如頁面識別）
//   - D: 差額型別，以 merge 結合
type Aggregator[K comparable, D any] struct {
	name   string
	config AggregatorConfig
	merge  func(D, D) D
	commit func(K, D)

	queue   chan event[K, D]
	flushCh chan chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewAggregator 建立聚合器（需呼叫 Start 才開始消費）
//
// 參數：
//   - name: 日誌識別名
//   - merge: 差額結合函式（必須符合交換律，提交順序即到達順序）
//   - commit: 批次提交回呼，由唯一的消費者 goroutine 呼叫
func NewAggregator[K comparable, D any](name string, config AggregatorConfig,
	merge func(D, D) D, commit func(K, D)) *Aggregator[K, D] {

	return &Aggregator[K, D]{
		name:    name,
		config:  config,
		merge:   merge,
		commit:  commit,
		queue:   make(chan event[K, D], config.QueueDepth),
		flushCh: make(chan chan struct{}),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start 啟動消費者 goroutine
func (a *Aggregator[K, D]) Start() {
	go a.consume()
}

// Stop 關閉管線：排掉佇列餘量、提交所有未完成的累積，然後返回
func (a *Aggregator[K, D]) Stop() {
	select {
	case <-a.stopCh:
		return // 已關閉
	default:
	}
	close(a.stopCh)
	<-a.doneCh
}

// Produce 投遞一筆事件
//
// 返回值：
//   - error: ErrPipelineStalled（背壓逾時，致命）/ ErrPipelineClosed
func (a *Aggregator[K, D]) Produce(key K, delta D) error {
	ev := event[K, D]{key: key, delta: delta}

	select {
	case a.queue <- ev:
		return nil
	case <-a.stopCh:
		return ErrPipelineClosed
	default:
	}

	timer := time.NewTimer(a.config.ProduceTimeout)
	defer timer.Stop()
	select {
	case a.queue <- ev:
		return nil
	case <-a.stopCh:
		return ErrPipelineClosed
	case <-timer.C:
		return fmt.Errorf("%w (pipeline %s)", ErrPipelineStalled, a.name)
	}
}

// Flush 同步提交所有未完成的累積
//
// 消費者先排空佇列中已到達的事件再提交，因此 Flush 返回後，
// Flush 呼叫前投遞成功的事件都已反映在提交目標上。
func (a *Aggregator[K, D]) Flush() {
	ack := make(chan struct{})
	select {
	case a.flushCh <- ack:
		<-ack
	case <-a.stopCh:
	}
}

// consume 唯一的消費者迴圈
func (a *Aggregator[K, D]) consume() {
	defer close(a.doneCh)

	acc := make(map[K]*pending[D])
	timer := time.NewTimer(a.config.Quiescence)
	if !timer.Stop() {
		<-timer.C
	}
	timerArmed := false

	armTimer := func() {
		if !timerArmed && len(acc) > 0 {
			timer.Reset(a.config.Quiescence)
			timerArmed = true
		}
	}

	for {
		select {
		case ev := <-a.queue:
			a.accumulate(acc, ev)
			armTimer()

		case <-timer.C:
			timerArmed = false
			a.commitStale(acc)
			armTimer()

		case ack := <-a.flushCh:
			a.drainQueue(acc)
			a.commitAll(acc)
			close(ack)

		case <-a.stopCh:
			if timerArmed {
				timer.Stop()
			}
			a.drainQueue(acc)
			a.commitAll(acc)
			log.Info("Usage event pipeline stopped", "pipeline", a.name)
			return
		}
	}
}

// accumulate 把事件併入累積表；該鍵達到上限即提交
func (a *Aggregator[K, D]) accumulate(acc map[K]*pending[D], ev event[K, D]) {
	p, ok := acc[ev.key]
	if !ok {
		acc[ev.key] = &pending[D]{acc: ev.delta, count: 1, firstAt: time.Now()}
		return
	}
	p.acc = a.merge(p.acc, ev.delta)
	p.count++
	if p.count >= a.config.PerKeyCap {
		a.commitKey(ev.key, p.acc)
		delete(acc, ev.key)
	}
}

// commitStale 提交所有累積時間已超過靜默逾時的鍵
func (a *Aggregator[K, D]) commitStale(acc map[K]*pending[D]) {
	deadline := time.Now().Add(-a.config.Quiescence)
	for key, p := range acc {
		if !p.firstAt.After(deadline) {
			a.commitKey(key, p.acc)
			delete(acc, key)
		}
	}
}

func (a *Aggregator[K, D]) commitAll(acc map[K]*pending[D]) {
	for key, p := range acc {
		a.commitKey(key, p.acc)
		delete(acc, key)
	}
}

// drainQueue 非阻塞地吸收佇列中已到達的事件
func (a *Aggregator[K, D]) drainQueue(acc map[K]*pending[D]) {
	for {
		select {
		case ev := <-a.queue:
			a.accumulate(acc, ev)
		default:
			return
		}
	}
}

// commitKey 單鍵提交；提交失敗只記錄，不終止消費迴圈
func (a *Aggregator[K, D]) commitKey(key K, delta D) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Pipeline commit failed", "pipeline", a.name, "key", key, "panic", r)
		}
	}()
	a.commit(key, delta)
}
