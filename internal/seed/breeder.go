package seed

// ============================================================================
// TileBreeder - 播種排程器核心
// ============================================================================
//
// 職責說明：
//   1. 把高階請求（圖層、網格集、縮放範圍、執行緒數、類型）變成
//      共享同一 CoordinateRangeIterator 與 TaskGroup 的 N 個任務
//   2. dispatch 時分配單調遞增 id，提交到有界 worker pool，
//      登記到註冊表
//   3. 對所有曾提交的任務提供查詢/取消介面（直到被清除）
//
// 註冊表清理策略：
//   每 purgeThreshold（預設 50）次 dispatch 之間若沒有任何狀態查詢，
//   主動清除已終結的項目以限制記憶體；每次狀態查詢本身也觸發清理。
// ============================================================================

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/GeoWebCache/geowebcache-sub001/internal/grid"
	"github.com/GeoWebCache/geowebcache-sub001/internal/layer"
	"github.com/GeoWebCache/geowebcache-sub001/internal/storage"
	"github.com/GeoWebCache/geowebcache-sub001/pkg/types"
)

// 重新導出目錄層的錯誤，呼叫端以 errors.Is 判斷即可
var (
	ErrUnknownLayer   = layer.ErrUnknownLayer
	ErrInvalidGridSet = layer.ErrInvalidGridSet
)

// Config Breeder 配置（不可變，建構時一次傳入）
type Config struct {
	PoolSize       int           // worker 數量
	QueueDepth     int           // 任務佇列深度（背壓上限）
	StopGrace      time.Duration // Stop 時等待任務觀察取消的上限
	Retry          RetryPolicy   // 行程層級的失敗策略預設值
	PurgeThreshold int           // 幾次 dispatch 未經查詢後觸發清理
}

// DefaultConfig 預設配置
func DefaultConfig() Config {
	return Config{
		PoolSize:       16,
		QueueDepth:     1024,
		StopGrace:      5 * time.Second,
		Retry:          DefaultRetryPolicy(),
		PurgeThreshold: 50,
	}
}

// Request 一次播種/截斷請求（已解析，不含 HTTP/XML 層）
type Request struct {
	Layer     string          // 圖層名稱
	GridSet   string          // 網格集識別碼；空字串時改用 SRS 解析
	SRS       int             // SRS 代碼（GridSet 為空時生效）
	Format    string          // blob 格式；空字串時取圖層第一個格式
	ParamsID  string          // 參數集識別碼
	ZoomStart int             // 起始縮放層級
	ZoomStop  int             // 結束縮放層級
	Bounds    []grid.Coverage // 外部 GridIndex 算好的每層級限制範圍（可為 nil = 全覆蓋）
	Threads   int             // 要求的執行緒數（<1 視為 1；truncate 強制 1）
	Type      types.TaskType  // seed | reseed | truncate
	Filter    bool            // 完成後是否刷新請求過濾器
	Mask      grid.RasterMask // 稀疏遮罩（可為 nil）
	Retry     *RetryPolicy    // 單一請求的策略覆寫（nil 用預設）
}

// Breeder 播種排程器
type Breeder struct {
	config  Config
	catalog *layer.Catalog
	store   storage.Storage
	source  storage.TileSource
	pool    *Pool
	reg     *registry
	obs     Observer

	nextID            atomic.Int64
	dispatchesNoQuery atomic.Int64 // 距離上次狀態查詢的 dispatch 次數
}

// NewBreeder 建立播種排程器
//
// 參數：
//   - config: 不可變配置（取代全域可變預設值）
//   - catalog: 圖層目錄
//   - store: tile 儲存
//   - source: tile 物化來源
//   - obs: 監控掛鉤（nil 表示不監控）
func NewBreeder(config Config, catalog *layer.Catalog, store storage.Storage,
	source storage.TileSource, obs Observer) *Breeder {

	if obs == nil {
		obs = noopObserver{}
	}
	if config.PurgeThreshold <= 0 {
		config.PurgeThreshold = 50
	}
	return &Breeder{
		config:  config,
		catalog: catalog,
		store:   store,
		source:  source,
		pool:    NewPool(config.QueueDepth),
		reg:     newRegistry(),
		obs:     obs,
	}
}

// Start 啟動 worker pool
func (b *Breeder) Start() error {
	if err := b.pool.Start(b.config.PoolSize); err != nil {
		return fmt.Errorf("start seed pool: %w", err)
	}
	log.Info("Tile breeder started", "workers", b.config.PoolSize)
	return nil
}

// Stop 優雅關閉：拒收新工作，有界等待 in-flight 任務觀察取消
func (b *Breeder) Stop() {
	b.pool.Stop(b.config.StopGrace)
	log.Info("Tile breeder stopped")
}

// ============================================================================
// 任務建立
// ============================================================================

// CreateTasks 把請求拆成共享游標與群組的任務集合
//
// 返回值：
//   - []Task: 建立的任務（尚未 dispatch）
//   - error: ErrUnknownLayer / ErrInvalidGridSet / 設定錯誤
func (b *Breeder) CreateTasks(req Request) ([]Task, error) {
	handle, err := b.catalog.Lookup(req.Layer)
	if err != nil {
		return nil, err
	}
	subset, err := handle.ResolveGridSubset(req.GridSet, req.SRS)
	if err != nil {
		return nil, err
	}

	format := req.Format
	if format == "" {
		formats := handle.Formats()
		if len(formats) == 0 {
			return nil, fmt.Errorf("layer %q declares no formats", req.Layer)
		}
		format = formats[0]
	}

	taskType := req.Type
	threads := req.Threads
	if threads < 1 {
		threads = 1
	}
	if taskType == types.TypeTruncate {
		// 截斷由單趟驅動，不做平行刪除競爭
		threads = 1
	}

	tr, err := b.buildTileRange(handle, subset, req, format, taskType)
	if err != nil {
		return nil, err
	}

	tilesTotal := tr.TileCount()
	policy := b.config.Retry
	if req.Retry != nil {
		policy = *req.Retry
	}

	group := NewTaskGroup(threads, tilesTotal, policy, nil)

	if taskType == types.TypeTruncate {
		task := NewTruncateTask(tr, b.store, handle, group, req.Filter, b.obs)
		return []Task{task}, nil
	}

	it := grid.NewTileRangeIterator(tr, req.Mask)
	tasks := make([]Task, threads)
	for offset := 0; offset < threads; offset++ {
		tasks[offset] = NewSeedTask(taskType, it, b.source, handle, group, offset, req.Filter, b.obs)
	}
	return tasks, nil
}

// buildTileRange 由子集覆蓋與請求限制建出 meta 對齊的 TileRange
func (b *Breeder) buildTileRange(handle *layer.Handle, subset *layer.GridSubset,
	req Request, format string, taskType types.TaskType) (*grid.TileRange, error) {

	zoomStart, zoomStop := req.ZoomStart, req.ZoomStop
	if zoomStart > zoomStop {
		return nil, fmt.Errorf("zoom range inverted: %d > %d", zoomStart, zoomStop)
	}
	// 裁切到子集宣告的範圍
	if zoomStart < subset.ZoomStart {
		zoomStart = subset.ZoomStart
	}
	if zoomStop > subset.ZoomStop {
		zoomStop = subset.ZoomStop
	}

	metaX, metaY := handle.MetaFactors()
	if taskType == types.TypeTruncate {
		// 截斷不經過渲染，無 meta 對齊需求
		metaX, metaY = 1, 1
	}

	// 展開版供游標以完整 meta 方塊步進；未展開版供物化與計數裁切
	coverages := make([]grid.Coverage, 0, zoomStop-zoomStart+1)
	bounds := make([]grid.Coverage, 0, zoomStop-zoomStart+1)
	for z := zoomStart; z <= zoomStop; z++ {
		cov, ok := subset.CoverageAt(z)
		if !ok {
			continue
		}
		for _, bound := range req.Bounds {
			if bound.Zoom == z {
				cov = cov.Intersect(bound)
			}
		}
		if cov.Empty() {
			continue
		}
		bounds = append(bounds, cov)
		coverages = append(coverages, cov.ExpandToMetaTiles(metaX, metaY))
	}

	return &grid.TileRange{
		Layer:     handle.Name(),
		GridSet:   subset.Name,
		Format:    format,
		ParamsID:  req.ParamsID,
		ZoomStart: zoomStart,
		ZoomStop:  zoomStop,
		Coverages: coverages,
		Bounds:    bounds,
		MetaX:     metaX,
		MetaY:     metaY,
	}, nil
}

// ============================================================================
// dispatch 與查詢
// ============================================================================

// DispatchTasks 分配 id、登記並提交任務
func (b *Breeder) DispatchTasks(tasks []Task) error {
	for _, task := range tasks {
		task.assignID(types.TaskID(b.nextID.Add(1)))
		b.reg.add(task)

		if err := b.pool.Submit(task); err != nil {
			b.reg.remove(task.ID())
			return fmt.Errorf("dispatch task %d: %w", task.ID(), err)
		}
		b.obs.TaskDispatched(task.Type())
	}

	// 連續 dispatch 未經查詢達門檻時主動清理註冊表
	if b.dispatchesNoQuery.Add(int64(len(tasks))) >= int64(b.config.PurgeThreshold) {
		b.dispatchesNoQuery.Store(0)
		if purged := b.reg.purge(); purged > 0 {
			log.Debug("Purged finished tasks from registry", "purged", purged)
		}
	}
	return nil
}

// Seed 建立並立即 dispatch，一步完成
//
// 返回值：
//   - []types.TaskID: 已提交任務的 id 列表
func (b *Breeder) Seed(req Request) ([]types.TaskID, error) {
	tasks, err := b.CreateTasks(req)
	if err != nil {
		return nil, err
	}
	if err := b.DispatchTasks(tasks); err != nil {
		return nil, err
	}
	ids := make([]types.TaskID, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID()
	}
	return ids, nil
}

// RunTruncate 建立單執行緒截斷任務並在呼叫者的 goroutine 上同步執行
//
// 配額執行器逐犧牲頁呼叫；任務在執行期間照常登記於註冊表，
// 狀態查詢看得到，結束後立即移除。
//
// 返回值：
//   - types.TaskStatus: 任務結束時的快照
//   - error: 建立失敗，或任務未以 Done 結束
func (b *Breeder) RunTruncate(ctx context.Context, req Request) (types.TaskStatus, error) {
	req.Type = types.TypeTruncate
	tasks, err := b.CreateTasks(req)
	if err != nil {
		return types.TaskStatus{}, err
	}

	task := tasks[0]
	task.assignID(types.TaskID(b.nextID.Add(1)))
	b.reg.add(task)
	b.obs.TaskDispatched(task.Type())
	defer b.reg.remove(task.ID())

	task.Run(ctx)

	st := task.Status()
	if st.State != types.StateDone {
		return st, fmt.Errorf("truncate task %d for layer %q ended %s", st.ID, req.Layer, st.State)
	}
	return st, nil
}

// StatusList 註冊表快照，依圖層過濾（空字串 = 全部）
//
// 副作用：觸發一次註冊表清理並重置 dispatch 計數。
// 注意快照先於清理取得，呼叫者仍看得到剛終結的任務這一次。
func (b *Breeder) StatusList(layerName string) []types.TaskStatus {
	tasks := b.reg.list(layerName)
	out := make([]types.TaskStatus, len(tasks))
	for i, t := range tasks {
		out[i] = t.Status()
	}

	b.dispatchesNoQuery.Store(0)
	b.reg.purge()
	return out
}

// Terminate 設定任務的合作式取消旗標並將其移出註冊表
//
// 返回值：
//   - bool: false 表示任務不存在（已清除或從未提交）
//
// 不強制中斷 worker —— 取消在任務自己的檢查點生效。
func (b *Breeder) Terminate(id types.TaskID) bool {
	task, ok := b.reg.remove(id)
	if !ok {
		return false
	}
	task.Terminate()
	log.Info("Task termination requested", "task", id, "layer", task.Layer())
	return true
}

// RunningTasks 執行中任務的進度快照
func (b *Breeder) RunningTasks() []types.TaskStatus {
	return statuses(b.reg.byState(types.StateRunning))
}

// PendingTasks 等待中任務的進度快照
func (b *Breeder) PendingTasks() []types.TaskStatus {
	return statuses(b.reg.byState(types.StateUnset, types.StateReady))
}

// RunningAndPendingTasks 執行中與等待中任務的進度快照
func (b *Breeder) RunningAndPendingTasks() []types.TaskStatus {
	return statuses(b.reg.byState(types.StateUnset, types.StateReady, types.StateRunning))
}

func statuses(tasks []Task) []types.TaskStatus {
	out := make([]types.TaskStatus, len(tasks))
	for i, t := range tasks {
		out[i] = t.Status()
	}
	return out
}
