package seed

// ============================================================================
// TruncateTask - 截斷工作迴圈
// 職責：單趟執行，對整個 TileRange 直接下整段刪除（不逐 tile 迭代），
// 之後視需要執行請求過濾器刷新。截斷永遠以單執行緒驅動 —— 平行
// 競爭刪除沒有意義，Breeder 在 createTasks 時已強制 threadCount=1。
// ============================================================================

import (
	"context"
	"fmt"

	"github.com/GeoWebCache/geowebcache-sub001/internal/grid"
	"github.com/GeoWebCache/geowebcache-sub001/internal/layer"
	"github.com/GeoWebCache/geowebcache-sub001/internal/storage"
	"github.com/GeoWebCache/geowebcache-sub001/pkg/types"
)

// TruncateTask 截斷任務
type TruncateTask struct {
	baseTask

	tr           *grid.TileRange
	store        storage.Storage
	layerHandle  *layer.Handle
	filterUpdate bool
}

// NewTruncateTask 建立截斷任務
func NewTruncateTask(tr *grid.TileRange, store storage.Storage, handle *layer.Handle,
	group *TaskGroup, filterUpdate bool, obs Observer) *TruncateTask {

	t := &TruncateTask{
		baseTask:     newBaseTask(handle.Name(), types.TypeTruncate, group, 0, obs),
		tr:           tr,
		store:        store,
		layerHandle:  handle,
		filterUpdate: filterUpdate,
	}
	t.markReady()
	return t
}

// Run 實作 Task
func (t *TruncateTask) Run(ctx context.Context) {
	t.runTask(ctx, t.loop)
}

func (t *TruncateTask) loop(ctx context.Context) error {
	if err := t.checkInterrupted(ctx); err != nil {
		return err
	}

	deleted, err := t.store.DeleteRange(t.tr)
	if err != nil {
		return fmt.Errorf("truncate range %s: %w", t.tr, err)
	}

	if err := t.checkInterrupted(ctx); err != nil {
		return err
	}

	total := t.group.TilesTotal()
	if total > 0 {
		t.tracker.AddTiles(total)
		t.obs.TilesProcessed(types.TypeTruncate, total)
	}
	log.Info("Truncate pass finished", "task", t.id, "range", t.tr, "deleted_any", deleted)

	if t.filterUpdate {
		if err := t.layerHandle.UpdateFilters(); err != nil {
			log.Warn("Request filter refresh failed", "layer", t.layerName, "error", err)
		}
	}
	return nil
}
