package seed

// ============================================================================
// SeedTask - seed / reseed 工作迴圈
// 職責：
// 1. 反覆從共享游標取下一個 meta 方塊直到耗盡或收到取消
// 2. 對每個方塊套用重試策略（§重試語意見 RetryPolicy）
// 3. 每處理完一個方塊就本地更新 tilesDone / timeSpent / ETA
//    （本地 meta 方塊數 × meta 因子，刻意不查共享計數器）
// 4. thread-offset 0 的成員在游標耗盡後執行一次性的請求過濾器刷新
// ============================================================================

import (
	"context"
	"fmt"
	"time"

	"github.com/GeoWebCache/geowebcache-sub001/internal/grid"
	"github.com/GeoWebCache/geowebcache-sub001/internal/layer"
	"github.com/GeoWebCache/geowebcache-sub001/internal/storage"
	"github.com/GeoWebCache/geowebcache-sub001/pkg/types"
)

// SeedTask 播種任務（taskType 區分 seed / reseed）
type SeedTask struct {
	baseTask

	it           *grid.TileRangeIterator
	source       storage.TileSource
	layerHandle  *layer.Handle
	filterUpdate bool
}

// NewSeedTask 建立播種任務
func NewSeedTask(taskType types.TaskType, it *grid.TileRangeIterator, source storage.TileSource,
	handle *layer.Handle, group *TaskGroup, threadOffset int, filterUpdate bool, obs Observer) *SeedTask {

	t := &SeedTask{
		baseTask:     newBaseTask(handle.Name(), taskType, group, threadOffset, obs),
		it:           it,
		source:       source,
		layerHandle:  handle,
		filterUpdate: filterUpdate,
	}
	t.markReady()
	return t
}

// Run 實作 Task
func (s *SeedTask) Run(ctx context.Context) {
	s.runTask(ctx, s.loop)
}

// loop 變體工作迴圈
func (s *SeedTask) loop(ctx context.Context) error {
	scope, err := s.source.Acquire(s.layerName)
	if err != nil {
		return fmt.Errorf("acquire tile source: %w", err)
	}
	// 範圍資源在每條退出路徑上確定性釋放
	defer func() {
		if cerr := scope.Close(); cerr != nil {
			log.Warn("Tile source scope close failed", "task", s.id, "error", cerr)
		}
	}()

	reseed := s.taskType == types.TypeReseed
	tilesPerBlock := s.it.MetaX() * s.it.MetaY()

	for {
		if err := s.checkInterrupted(ctx); err != nil {
			return err
		}

		origin, ok := s.it.Next()
		if !ok {
			break // 游標耗盡，正常完成
		}

		if err := s.seedWithRetry(ctx, scope, origin, reseed); err != nil {
			return err
		}

		// 本地進度：meta 方塊數 × meta 因子（邊緣方塊可能高估，政策如此）
		s.tracker.AddTiles(tilesPerBlock)
		s.obs.TilesProcessed(s.taskType, tilesPerBlock)
	}

	if s.threadOffset == 0 && s.filterUpdate {
		if err := s.checkInterrupted(ctx); err != nil {
			return err
		}
		if err := s.layerHandle.UpdateFilters(); err != nil {
			// 過濾器刷新失敗不影響已完成的播種
			log.Warn("Request filter refresh failed", "layer", s.layerName, "error", err)
		}
	}
	return nil
}

// seedWithRetry 物化單一 meta 方塊並套用重試策略
//
// 語意：
//   - 策略停用（retryCount = -1）：第一個錯誤直接致命
//   - 每次失敗嘗試都計入共享失敗預算；預算耗盡回傳 errAborted
//   - 單一方塊重試耗盡後記 warning 並放棄該方塊（繼續下一個）
func (s *SeedTask) seedWithRetry(ctx context.Context, scope storage.SourceScope,
	origin types.TileIndex, reseed bool) error {

	policy := s.group.Policy()

	for attempt := 0; ; attempt++ {
		if err := s.checkInterrupted(ctx); err != nil {
			return err
		}

		_, err := scope.SeedMetaTile(ctx, s.it.Range(), origin, reseed)
		if err == nil {
			return nil
		}
		if ctxErr := s.checkInterrupted(ctx); ctxErr != nil {
			// 緩慢外部呼叫之後的檢查點：取消優先於失敗記帳
			return ctxErr
		}

		if policy.Disabled() {
			return fmt.Errorf("seed meta tile %s: %w", origin, err)
		}

		if s.group.recordFailure() {
			return errAborted
		}

		if attempt >= policy.TileFailureRetryCount {
			log.Warn("Giving up on meta tile after retries",
				"task", s.id, "tile", origin, "attempts", attempt+1, "error", err)
			return nil
		}

		log.Debug("Retrying meta tile",
			"task", s.id, "tile", origin, "attempt", attempt+1, "error", err)
		if err := s.sleepRetryWait(ctx, policy.TileFailureRetryWait); err != nil {
			return err
		}
	}
}

// sleepRetryWait 重試退避，期間仍回應取消
func (s *SeedTask) sleepRetryWait(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return errInterrupted
	case <-s.termFlag:
		return errTerminated
	}
}
