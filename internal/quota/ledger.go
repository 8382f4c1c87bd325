// Package quota 實作磁碟配額引擎：用量帳本、事件聚合管線、
// 淘汰執行器與排程監視器
//
// 資料流：storage 變更事件 → 聚合管線（批次化）→ Ledger 計數器 →
// 週期性執行器比較用量與上限 → 透過 Breeder 發出截斷任務 →
// 截斷產生的刪除事件再回流帳本。
package quota

// ============================================================================
// Ledger - 配額帳本
// ============================================================================
//
// 職責：
//   1. 維護全域 / 每 TileSet / 每頁的 (bytes, tiles) 計數器
//   2. 維護淘汰策略需要的每頁統計（最後存取時間、使用頻率）
//   3. 回答犧牲頁查詢（LRU / LFU，限定在一組圖層範圍內）
//   4. 結構性操作（刪除圖層/網格集/參數集、改名）同步生效
//
// 不變量：
//   每個計數器等於自建立以來所有已提交差額的代數和，且永不為負。
//   負向差額在頁層級鉗制（clamp），實際套用量向上傳播到 TileSet 與
//   全域計數器，因此三層計數始終互相一致（上層 = 下層之和）。
//
// 併發安全：
//   單一 RWMutex。熱路徑的逐 tile 事件不直接進到這裡 —— 聚合管線
//   先批次化，帳本只承受批次提交的鎖頻率。
// ============================================================================

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/GeoWebCache/geowebcache-sub001/internal/quota/store"
	"github.com/GeoWebCache/geowebcache-sub001/pkg/types"
)

var log = slog.Default()

// UsageDelta 一批變更事件聚合出的用量差額
type UsageDelta struct {
	Bytes    int64 // 正：寫入；負：刪除；更新為新舊差
	Tiles    int64 // tile 存在數差額
	Capacity int64 // 頁的標稱 tile 容量（供填充率計算，0 表示未知）
}

// AccessDelta 一批讀取事件聚合出的存取統計差額
type AccessDelta struct {
	Hits       int64 // 累計存取次數
	LastAccess int64 // 最後存取時間（Unix 毫秒），取各事件最大值
}

type setUsage struct {
	set   types.TileSet
	bytes int64
	tiles int64
}

type pageUsage struct {
	bytes      int64
	tiles      int64
	capacity   int64 // 標稱容量，首次寫入時記錄
	lastAccess int64 // Unix 毫秒，0 表示從未被讀取
	hits       int64
}

// Ledger 配額帳本
type Ledger struct {
	mu sync.RWMutex

	globalBytes int64
	globalTiles int64
	sets        map[string]*setUsage        // key = TileSet.Key()
	pages       map[types.PageID]*pageUsage // 頁面惰性建立於首次寫入
}

// NewLedger 建立空帳本
func NewLedger() *Ledger {
	return &Ledger{
		sets:  make(map[string]*setUsage),
		pages: make(map[types.PageID]*pageUsage),
	}
}

// ============================================================================
// 差額套用
// ============================================================================

// ApplyUsage 套用一筆用量差額
//
// 參數：
//   - id: 目標頁（TileSet 與頁面都惰性建立）
//   - d: 聚合後的差額
//
// 對已歸零頁面的負向差額是 no-op，不產生負數信用。
func (l *Ledger) ApplyUsage(id types.PageID, d UsageDelta) {
	l.mu.Lock()
	defer l.mu.Unlock()

	page := l.pageLocked(id)
	if d.Capacity > 0 && page.capacity == 0 {
		page.capacity = d.Capacity
	}

	appliedBytes := clampDelta(page.bytes, d.Bytes)
	appliedTiles := clampDelta(page.tiles, d.Tiles)
	page.bytes += appliedBytes
	page.tiles += appliedTiles

	set := l.setLocked(id.TileSetKey)
	set.bytes += appliedBytes
	set.tiles += appliedTiles
	l.globalBytes += appliedBytes
	l.globalTiles += appliedTiles
}

// ApplyAccess 套用一筆存取統計差額
func (l *Ledger) ApplyAccess(id types.PageID, d AccessDelta) {
	l.mu.Lock()
	defer l.mu.Unlock()

	page := l.pageLocked(id)
	page.hits += d.Hits
	if d.LastAccess > page.lastAccess {
		page.lastAccess = d.LastAccess
	}
}

// clampDelta 鉗制負向差額，使 current+delta 不低於零
func clampDelta(current, delta int64) int64 {
	if delta < 0 && current+delta < 0 {
		return -current
	}
	return delta
}

func (l *Ledger) pageLocked(id types.PageID) *pageUsage {
	page, ok := l.pages[id]
	if !ok {
		page = &pageUsage{}
		l.pages[id] = page
	}
	return page
}

func (l *Ledger) setLocked(key string) *setUsage {
	set, ok := l.sets[key]
	if !ok {
		ts, err := types.ParseTileSetKey(key)
		if err != nil {
			ts = types.TileSet{Layer: key}
		}
		set = &setUsage{set: ts}
		l.sets[key] = set
	}
	return set
}

// ============================================================================
// 查詢
// ============================================================================

// GlobalUsed 全域已用量
func (l *Ledger) GlobalUsed() types.Quota {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return types.Quota(l.globalBytes)
}

// UsedBy 一組圖層的合計已用量
func (l *Ledger) UsedBy(layers []string) types.Quota {
	in := layerSet(layers)
	l.mu.RLock()
	defer l.mu.RUnlock()

	var total int64
	for _, set := range l.sets {
		if in[set.set.Layer] {
			total += set.bytes
		}
	}
	return types.Quota(total)
}

// UsedByTileSet 單一 TileSet 的已用量與 tile 數
func (l *Ledger) UsedByTileSet(set types.TileSet) (types.Quota, int64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if u, ok := l.sets[set.Key()]; ok {
		return types.Quota(u.bytes), u.tiles
	}
	return 0, 0
}

// TileSets 已知的 TileSet 列表（依鍵排序，供狀態報表使用）
func (l *Ledger) TileSets() []types.TileSet {
	l.mu.RLock()
	defer l.mu.RUnlock()

	keys := make([]string, 0, len(l.sets))
	for k := range l.sets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]types.TileSet, len(keys))
	for i, k := range keys {
		out[i] = l.sets[k].set
	}
	return out
}

// PageStatsFor 單一頁的統計快照
func (l *Ledger) PageStatsFor(id types.PageID) (types.PageStats, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	page, ok := l.pages[id]
	if !ok {
		return types.PageStats{}, false
	}
	return pageStats(page), true
}

func pageStats(page *pageUsage) types.PageStats {
	stats := types.PageStats{
		LastAccess: page.lastAccess,
		Frequency:  float64(page.hits),
	}
	if page.capacity > 0 {
		stats.FillFactor = float64(page.tiles) / float64(page.capacity)
	}
	return stats
}

// TopPage 選出範圍內最該淘汰的一頁
//
// 參數：
//   - layers: 限定的圖層集合
//   - policy: LRU 取最後存取最久遠者；LFU 取使用頻率最低者
//   - skip: 本輪已處理過的頁（調用者維護，保證單輪不重選）
//
// 返回值：
//   - types.PageID: 犧牲頁
//   - int64: 該頁目前記錄的位元組數
//   - bool: false 表示範圍內沒有仍持有 tile 的候選頁
func (l *Ledger) TopPage(layers []string, policy types.ExpirationPolicy,
	skip map[types.PageID]bool) (types.PageID, int64, bool) {

	in := layerSet(layers)
	l.mu.RLock()
	defer l.mu.RUnlock()

	var (
		bestID    types.PageID
		bestPage  *pageUsage
		bestFound bool
	)
	for id, page := range l.pages {
		if page.tiles <= 0 || skip[id] {
			continue
		}
		set, ok := l.sets[id.TileSetKey]
		if !ok || !in[set.set.Layer] {
			continue
		}
		if !bestFound || worseThan(page, bestPage, policy) {
			bestID, bestPage, bestFound = id, page, true
		}
	}
	if !bestFound {
		return types.PageID{}, 0, false
	}
	return bestID, bestPage.bytes, true
}

// worseThan 回報 a 是否比 b 更該被淘汰
func worseThan(a, b *pageUsage, policy types.ExpirationPolicy) bool {
	if policy == types.PolicyLFU {
		return a.hits < b.hits
	}
	return a.lastAccess < b.lastAccess
}

// MarkTruncated 標記頁面已被截斷：清除存取統計，使其不再成為
// 本輪之後的優先犧牲者。位元組/tile 計數不在這裡歸零 —— 截斷產生的
// 逐 tile 刪除事件才是計數的事實來源。
func (l *Ledger) MarkTruncated(id types.PageID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if page, ok := l.pages[id]; ok {
		page.hits = 0
		page.lastAccess = 0
	}
}

// ============================================================================
// 結構性操作（同步，不經過聚合管線）
// ============================================================================

// DeleteLayer 移除圖層的所有記帳
func (l *Ledger) DeleteLayer(layerName string) {
	l.deleteWhere(func(set types.TileSet) bool { return set.Layer == layerName })
}

// DeleteGridSet 移除圖層在單一網格集上的記帳
func (l *Ledger) DeleteGridSet(layerName, gridSet string) {
	l.deleteWhere(func(set types.TileSet) bool {
		return set.Layer == layerName && set.GridSet == gridSet
	})
}

// DeleteParams 移除圖層在單一參數集上的記帳
func (l *Ledger) DeleteParams(layerName, paramsID string) {
	l.deleteWhere(func(set types.TileSet) bool {
		return set.Layer == layerName && set.ParamsID == paramsID
	})
}

func (l *Ledger) deleteWhere(match func(types.TileSet) bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	doomed := make(map[string]bool)
	for key, set := range l.sets {
		if match(set.set) {
			doomed[key] = true
			l.globalBytes -= set.bytes
			l.globalTiles -= set.tiles
			delete(l.sets, key)
		}
	}
	for id := range l.pages {
		if doomed[id.TileSetKey] {
			delete(l.pages, id)
		}
	}
}

// RenameLayer 把圖層的記帳改掛到新名稱下，計數不變
func (l *Ledger) RenameLayer(oldName, newName string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	renamed := make(map[string]string) // 舊鍵 → 新鍵
	for key, set := range l.sets {
		if set.set.Layer != oldName {
			continue
		}
		set.set.Layer = newName
		newKey := set.set.Key()
		renamed[key] = newKey
		delete(l.sets, key)
		l.sets[newKey] = set
	}
	for id, page := range l.pages {
		if newKey, ok := renamed[id.TileSetKey]; ok {
			delete(l.pages, id)
			id.TileSetKey = newKey
			l.pages[id] = page
		}
	}
}

func layerSet(layers []string) map[string]bool {
	in := make(map[string]bool, len(layers))
	for _, name := range layers {
		in[name] = true
	}
	return in
}

// ============================================================================
// 快照匯出/還原（持久化用）
// ============================================================================

// Export 匯出所有頁面狀態（TileSet 與全域計數可由頁面重建，不重複存）
func (l *Ledger) Export() []store.PageRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	pages := make([]store.PageRecord, 0, len(l.pages))
	for id, page := range l.pages {
		pages = append(pages, store.PageRecord{
			ID:         id,
			Bytes:      page.bytes,
			Tiles:      page.tiles,
			Capacity:   page.capacity,
			LastAccess: page.lastAccess,
			Hits:       page.hits,
		})
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].ID.String() < pages[j].ID.String() })
	return pages
}

// Restore 以快照狀態取代帳本內容
func (l *Ledger) Restore(pages []store.PageRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.globalBytes, l.globalTiles = 0, 0
	l.sets = make(map[string]*setUsage)
	l.pages = make(map[types.PageID]*pageUsage, len(pages))

	for _, ps := range pages {
		l.pages[ps.ID] = &pageUsage{
			bytes:      ps.Bytes,
			tiles:      ps.Tiles,
			capacity:   ps.Capacity,
			lastAccess: ps.LastAccess,
			hits:       ps.Hits,
		}
		set := l.setLocked(ps.ID.TileSetKey)
		set.bytes += ps.Bytes
		set.tiles += ps.Tiles
		l.globalBytes += ps.Bytes
		l.globalTiles += ps.Tiles
	}
}
