package quota

// ============================================================================
// UsageListener - storage 事件到聚合管線的橋接
// ============================================================================
//
// 事件分流：
//   - 逐 tile 變更（stored/updated/deleted）→ 變更差額管線（熱路徑）
//   - 逐 tile 讀取（requested）→ 讀取統計管線（熱路徑）
//   - 結構性事件（刪圖層/網格集/參數集、改名）→ 同步套用帳本
//     （罕見操作，繞過佇列以保證立即一致）
//
// 頁面定位：
//   tile 座標經 PageIndex 映射到所屬頁。索引按 (layer, gridset) 惰性
//   建立並快取；目錄查不到的圖層事件丟棄並記 warning（帳本只為已知
//   圖層記帳）。
// ============================================================================

import (
	"sync"
	"time"

	"github.com/GeoWebCache/geowebcache-sub001/internal/grid"
	"github.com/GeoWebCache/geowebcache-sub001/internal/layer"
	"github.com/GeoWebCache/geowebcache-sub001/internal/storage"
	"github.com/GeoWebCache/geowebcache-sub001/pkg/types"
)

// UsageListener 實作 storage.Listener，把變更/讀取事件餵入管線
type UsageListener struct {
	catalog  *layer.Catalog
	ledger   *Ledger
	mutation *Aggregator[types.PageID, UsageDelta]
	access   *Aggregator[types.PageID, AccessDelta]

	mu      sync.RWMutex
	indexes map[string]*grid.PageIndex // key = layer + "#" + gridset
}

// NewUsageListener 建立監聽橋接
func NewUsageListener(catalog *layer.Catalog, ledger *Ledger,
	mutation *Aggregator[types.PageID, UsageDelta],
	access *Aggregator[types.PageID, AccessDelta]) *UsageListener {

	return &UsageListener{
		catalog:  catalog,
		ledger:   ledger,
		mutation: mutation,
		access:   access,
		indexes:  make(map[string]*grid.PageIndex),
	}
}

// OnEvent 實作 storage.Listener
func (u *UsageListener) OnEvent(e storage.Event) {
	switch e.Kind {
	case storage.TileStored:
		u.produceUsage(e, UsageDelta{Bytes: e.Size, Tiles: 1})
	case storage.TileUpdated:
		u.produceUsage(e, UsageDelta{Bytes: e.Size - e.OldSize})
	case storage.TileDeleted:
		u.produceUsage(e, UsageDelta{Bytes: -e.Size, Tiles: -1})
	case storage.TileRequested:
		u.produceAccess(e)

	case storage.LayerDeleted:
		u.ledger.DeleteLayer(e.Set.Layer)
		u.invalidateIndexes(e.Set.Layer)
	case storage.GridSetDeleted:
		u.ledger.DeleteGridSet(e.Set.Layer, e.Set.GridSet)
		u.invalidateIndexes(e.Set.Layer)
	case storage.ParamsDeleted:
		u.ledger.DeleteParams(e.Set.Layer, e.Set.ParamsID)
	case storage.LayerRenamed:
		u.ledger.RenameLayer(e.Set.Layer, e.NewName)
		u.invalidateIndexes(e.Set.Layer)
	}
}

func (u *UsageListener) produceUsage(e storage.Event, d UsageDelta) {
	page, capacity, ok := u.locatePage(e)
	if !ok {
		return
	}
	d.Capacity = capacity
	if err := u.mutation.Produce(page, d); err != nil {
		log.Error("Dropping usage delta", "page", page, "error", err)
	}
}

func (u *UsageListener) produceAccess(e storage.Event) {
	page, _, ok := u.locatePage(e)
	if !ok {
		return
	}
	d := AccessDelta{Hits: 1, LastAccess: time.Now().UnixMilli()}
	if err := u.access.Produce(page, d); err != nil {
		log.Error("Dropping access delta", "page", page, "error", err)
	}
}

// locatePage 把事件座標映射到所屬頁
func (u *UsageListener) locatePage(e storage.Event) (types.PageID, int64, bool) {
	idx, ok := u.pageIndex(e.Set.Layer, e.Set.GridSet)
	if !ok {
		return types.PageID{}, 0, false
	}
	px, py, ok := idx.PageFor(e.Index)
	if !ok {
		log.Warn("Tile event outside gridset coverage, not accounted",
			"layer", e.Set.Layer, "gridset", e.Set.GridSet, "tile", e.Index)
		return types.PageID{}, 0, false
	}
	page := types.PageID{
		TileSetKey: e.Set.Key(),
		PageX:      px,
		PageY:      py,
		PageZ:      e.Index.Z,
	}
	return page, idx.TilesPerPage(e.Index.Z), true
}

// pageIndex 取得（或惰性建立）圖層×網格集的頁面索引
func (u *UsageListener) pageIndex(layerName, gridSet string) (*grid.PageIndex, bool) {
	key := layerName + "#" + gridSet

	u.mu.RLock()
	idx, ok := u.indexes[key]
	u.mu.RUnlock()
	if ok {
		return idx, idx != nil
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if idx, ok := u.indexes[key]; ok {
		return idx, idx != nil
	}

	idx = u.buildIndex(layerName, gridSet)
	u.indexes[key] = idx // 查詢失敗也快取 nil，避免對未知圖層反覆查目錄
	if idx == nil {
		log.Warn("Tile event for unknown layer or gridset, not accounted",
			"layer", layerName, "gridset", gridSet)
	}
	return idx, idx != nil
}

func (u *UsageListener) buildIndex(layerName, gridSet string) *grid.PageIndex {
	handle, err := u.catalog.Lookup(layerName)
	if err != nil {
		return nil
	}
	subset, err := handle.ResolveGridSubset(gridSet, 0)
	if err != nil {
		return nil
	}
	return grid.NewPageIndex(subset.Coverages)
}

// invalidateIndexes 清掉圖層的快取索引（結構變更後重建）
func (u *UsageListener) invalidateIndexes(layerName string) {
	prefix := layerName + "#"
	u.mu.Lock()
	defer u.mu.Unlock()
	for key := range u.indexes {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(u.indexes, key)
		}
	}
}
