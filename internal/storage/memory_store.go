package storage

// ============================================================================
// MemoryStore - 記憶體 tile 儲存
// 職責：單元測試與 demo 用的 Storage 實作，行為與檔案樹版一致
// ============================================================================

import (
	"context"
	"sync"

	"github.com/GeoWebCache/geowebcache-sub001/internal/grid"
	"github.com/GeoWebCache/geowebcache-sub001/pkg/types"
)

// MemoryStore 以兩層 map 保存 tile 的 Storage 實作
type MemoryStore struct {
	ListenerHub

	mu    sync.RWMutex
	tiles map[string]map[types.TileIndex][]byte // tileset key → tiles
}

// NewMemoryStore 建立空的記憶體儲存
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tiles: make(map[string]map[types.TileIndex][]byte)}
}

// Get 讀取 tile，命中時發出 TileRequested
func (m *MemoryStore) Get(set types.TileSet, idx types.TileIndex) ([]byte, bool, error) {
	m.mu.RLock()
	blob, ok := m.tiles[set.Key()][idx]
	m.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	m.notify(Event{Kind: TileRequested, Set: set, Index: idx, Size: int64(len(blob))})
	return blob, true, nil
}

// Has 檢查 tile 是否存在，不發事件
func (m *MemoryStore) Has(set types.TileSet, idx types.TileIndex) (bool, error) {
	m.mu.RLock()
	_, ok := m.tiles[set.Key()][idx]
	m.mu.RUnlock()
	return ok, nil
}

// Put 寫入 tile，發出 TileStored / TileUpdated
func (m *MemoryStore) Put(set types.TileSet, idx types.TileIndex, blob []byte) error {
	key := set.Key()

	m.mu.Lock()
	bucket, ok := m.tiles[key]
	if !ok {
		bucket = make(map[types.TileIndex][]byte)
		m.tiles[key] = bucket
	}
	old, existed := bucket[idx]
	stored := make([]byte, len(blob))
	copy(stored, blob)
	bucket[idx] = stored
	m.mu.Unlock()

	if existed {
		m.notify(Event{Kind: TileUpdated, Set: set, Index: idx, Size: int64(len(blob)), OldSize: int64(len(old))})
	} else {
		m.notify(Event{Kind: TileStored, Set: set, Index: idx, Size: int64(len(blob))})
	}
	return nil
}

// Delete 刪除單一 tile
func (m *MemoryStore) Delete(set types.TileSet, idx types.TileIndex) (bool, error) {
	key := set.Key()

	m.mu.Lock()
	blob, ok := m.tiles[key][idx]
	if ok {
		delete(m.tiles[key], idx)
	}
	m.mu.Unlock()

	if !ok {
		return false, nil
	}
	m.notify(Event{Kind: TileDeleted, Set: set, Index: idx, Size: int64(len(blob))})
	return true, nil
}

// DeleteRange 刪除範圍內的所有 tile，逐 tile 發出事件
func (m *MemoryStore) DeleteRange(tr *grid.TileRange) (bool, error) {
	set := types.TileSet{Layer: tr.Layer, GridSet: tr.GridSet, Format: tr.Format, ParamsID: tr.ParamsID}
	key := set.Key()

	// 先在鎖內收集，再到鎖外發事件，避免監聽者回呼持有儲存鎖
	type victim struct {
		idx  types.TileIndex
		size int64
	}
	var victims []victim

	m.mu.Lock()
	bucket := m.tiles[key]
	for idx, blob := range bucket {
		cov, ok := tr.CoverageAt(idx.Z)
		if !ok || !cov.Contains(idx.X, idx.Y) {
			continue
		}
		victims = append(victims, victim{idx: idx, size: int64(len(blob))})
		delete(bucket, idx)
	}
	m.mu.Unlock()

	for _, v := range victims {
		m.notify(Event{Kind: TileDeleted, Set: set, Index: v.idx, Size: v.size})
	}
	return len(victims) > 0, nil
}

// Walk 走訪指定圖層的所有 tile
func (m *MemoryStore) Walk(ctx context.Context, layerName string, fn WalkFunc) error {
	// 快照鍵集合後逐集走訪，走訪期間允許其他寫入
	m.mu.RLock()
	keys := make([]string, 0, len(m.tiles))
	for key := range m.tiles {
		keys = append(keys, key)
	}
	m.mu.RUnlock()

	for _, key := range keys {
		set, err := types.ParseTileSetKey(key)
		if err != nil || set.Layer != layerName {
			continue
		}

		m.mu.RLock()
		snapshot := make(map[types.TileIndex]int64, len(m.tiles[key]))
		for idx, blob := range m.tiles[key] {
			snapshot[idx] = int64(len(blob))
		}
		m.mu.RUnlock()

		for idx, size := range snapshot {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(set, idx, size); err != nil {
				return err
			}
		}
	}
	return nil
}

// DeleteLayer 刪除整個圖層並發出結構性事件
func (m *MemoryStore) DeleteLayer(layerName string) error {
	m.mu.Lock()
	for key := range m.tiles {
		if set, err := types.ParseTileSetKey(key); err == nil && set.Layer == layerName {
			delete(m.tiles, key)
		}
	}
	m.mu.Unlock()

	m.notify(Event{Kind: LayerDeleted, Set: types.TileSet{Layer: layerName}})
	return nil
}

// RenameLayer 更名圖層並發出結構性事件
func (m *MemoryStore) RenameLayer(oldName, newName string) error {
	m.mu.Lock()
	moved := make(map[string]map[types.TileIndex][]byte)
	for key, bucket := range m.tiles {
		set, err := types.ParseTileSetKey(key)
		if err != nil || set.Layer != oldName {
			continue
		}
		set.Layer = newName
		moved[set.Key()] = bucket
		delete(m.tiles, key)
	}
	for key, bucket := range moved {
		m.tiles[key] = bucket
	}
	m.mu.Unlock()

	m.notify(Event{Kind: LayerRenamed, Set: types.TileSet{Layer: oldName}, NewName: newName})
	return nil
}
