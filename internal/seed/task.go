package seed

// ============================================================================
// Task 狀態機 - 所有任務變體共用的骨架
// ============================================================================
//
// 狀態轉換 (State Machine):
//   Unset (建構預設)
//      ↓ 加入 TaskGroup
//   Ready (等待 dispatch)
//      ↓ worker 取走（恰好一次）
//   Running
//      ↓
//   Done (工作迴圈正常跑完) / Dead (致命錯誤、失敗預算耗盡、行程中斷)
//   / Interrupted (在檢查點觀察到明確取消請求)
//
// 終態皆為最終狀態，不再轉移。Interrupted 與 Dead 的區別：前者來自
// 明確的取消請求，後者來自操作性失敗 —— 恢復/稽核邏輯靠這個區別
// 分辨「被停掉」與「掛掉」。
//
// runTask 契約（所有變體共用）：
//   1. 記錄開始時間（群組活躍計數在建構時已初始化為成員數）
//   2. 在受保護的範圍內執行變體工作迴圈
//   3. 無論哪條退出路徑都釋放範圍資源（SourceScope.Close）
//   4. 遞減活躍計數；觀察到歸零的那個成員（恰好一個）記錄群組完成
//
// 檢查點（checkInterrupted）必須出現在每圈迭代邊界，以及任何可能
// 緩慢的外部呼叫前後；觀察到中斷立即展開，不吞掉取消條件。
// ============================================================================

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/GeoWebCache/geowebcache-sub001/pkg/types"
)

var log = slog.Default()

// 工作迴圈的展開哨兵，由 runTask 映射為終態
var (
	// errTerminated 合作式取消（terminate 旗標）→ Interrupted
	errTerminated = errors.New("task terminate flag observed")
	// errInterrupted 行程層級中斷（pool 關閉 / context 取消）→ Dead
	errInterrupted = errors.New("task interrupted")
	// errAborted 共享失敗預算耗盡 → Dead
	errAborted = errors.New("task group failure budget exhausted")
)

// Observer 任務生命週期的監控掛鉤（Prometheus collector 實作它）
//
// 所有方法都可能被多個 worker 並發呼叫。
type Observer interface {
	TaskDispatched(taskType types.TaskType)
	TaskFinished(taskType types.TaskType, state types.TaskState)
	TilesProcessed(taskType types.TaskType, n int64)
}

// noopObserver Observer 的空實作
type noopObserver struct{}

func (noopObserver) TaskDispatched(types.TaskType) {}

func (noopObserver) TaskFinished(types.TaskType, types.TaskState) {}

func (noopObserver) TilesProcessed(types.TaskType, int64) {}

// Task 排程單元
type Task interface {
	// ID dispatch 時分配的單調遞增識別碼
	ID() types.TaskID
	// Layer 所屬圖層
	Layer() string
	// Type 任務類型（封閉變體：Seed | Reseed | Truncate）
	Type() types.TaskType
	// State 當前狀態（快照）
	State() types.TaskState
	// Status 進度快照
	Status() types.TaskStatus
	// Terminate 設定合作式取消旗標；在任務自己的檢查點生效
	Terminate()
	// Run 由 worker 執行（恰好一次）
	Run(ctx context.Context)

	// assignID 僅供 Breeder 在 dispatch 時使用
	assignID(id types.TaskID)
}

// baseTask 變體共用的欄位與 runTask 骨架
type baseTask struct {
	id           types.TaskID // dispatch 前由 Breeder 寫入，之後唯讀
	layerName    string
	taskType     types.TaskType
	group        *TaskGroup
	threadOffset int
	tracker      ThroughputTracker
	obs          Observer

	stateMu sync.Mutex
	state   types.TaskState

	termFlag chan struct{} // 關閉表示收到取消請求
	termOnce sync.Once
}

func newBaseTask(layerName string, taskType types.TaskType, group *TaskGroup, threadOffset int, obs Observer) baseTask {
	if obs == nil {
		obs = noopObserver{}
	}
	return baseTask{
		layerName:    layerName,
		taskType:     taskType,
		group:        group,
		threadOffset: threadOffset,
		obs:          obs,
		state:        types.StateUnset,
		termFlag:     make(chan struct{}),
	}
}

func (b *baseTask) ID() types.TaskID { return b.id }

func (b *baseTask) Layer() string { return b.layerName }

func (b *baseTask) Type() types.TaskType { return b.taskType }

func (b *baseTask) assignID(id types.TaskID) { b.id = id }

// State 讀取當前狀態
func (b *baseTask) State() types.TaskState {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.state
}

// setState 寫入狀態；終態只寫一次，之後的轉移被忽略
func (b *baseTask) setState(s types.TaskState) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	if b.state.Terminal() {
		return
	}
	b.state = s
}

// markReady 加入群組後由 Breeder 呼叫
func (b *baseTask) markReady() { b.setState(types.StateReady) }

// Terminate 設定合作式取消旗標
func (b *baseTask) Terminate() {
	b.termOnce.Do(func() { close(b.termFlag) })
}

// terminated 旗標是否已設定
func (b *baseTask) terminated() bool {
	select {
	case <-b.termFlag:
		return true
	default:
		return false
	}
}

// Status 進度快照
func (b *baseTask) Status() types.TaskStatus {
	return types.TaskStatus{
		ID:            b.id,
		Layer:         b.layerName,
		Type:          b.taskType,
		State:         b.State(),
		TilesDone:     b.tracker.TilesDone(),
		TilesTotal:    b.group.TilesTotal(),
		TimeSpentSec:  int64(b.tracker.TimeSpent().Seconds()),
		TimeRemainSec: b.tracker.EstimateRemaining(b.group.TilesTotal(), b.group.Size()),
		ThreadOffset:  b.threadOffset,
		GroupSize:     b.group.Size(),
	}
}

// checkInterrupted 檢查點：每圈迭代邊界與緩慢外部呼叫前後必須呼叫
func (b *baseTask) checkInterrupted(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errInterrupted
	}
	if b.terminated() {
		return errTerminated
	}
	return nil
}

// runTask 所有變體共用的頂層契約
//
// loop 是變體工作迴圈；其回傳值映射終態：
//   - nil            → Done
//   - errTerminated  → Interrupted
//   - 其他（含 errInterrupted、errAborted）→ Dead
func (b *baseTask) runTask(ctx context.Context, loop func(ctx context.Context) error) {
	b.setState(types.StateRunning)
	b.tracker.Start()

	final := types.StateDead
	defer func() {
		b.setState(final)
		b.obs.TaskFinished(b.taskType, b.State())

		if b.group.leave() {
			// 恰好一個成員觀察到歸零，群組完成只記錄一次
			log.Info("Task group finished",
				"layer", b.layerName,
				"type", b.taskType,
				"members", b.group.Size(),
				"failures", b.group.Failures())
		}
	}()

	err := loop(ctx)
	switch {
	case err == nil:
		final = types.StateDone
	case errors.Is(err, errTerminated):
		final = types.StateInterrupted
		log.Info("Task interrupted by termination request", "task", b.id, "layer", b.layerName)
	case errors.Is(err, errAborted):
		final = types.StateDead
		log.Warn("Task aborted: group failure budget exhausted",
			"task", b.id, "layer", b.layerName, "failures", b.group.Failures())
	default:
		final = types.StateDead
		log.Error("Task died", "task", b.id, "layer", b.layerName, "error", err)
	}
}
