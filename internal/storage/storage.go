// Package storage 定義 tile 儲存引擎的能力契約
//
// 真正的 blob 儲存引擎（metastore、key 建構）是外部協作者；本 package
// 只規範核心需要的介面：put/get/delete、整段範圍刪除，以及在變更點
// 同步發出的事件通知。另附檔案樹與記憶體兩個實作給測試、bootstrap
// 掃描與 demo 使用。
package storage

import (
	"context"
	"sync"

	"github.com/GeoWebCache/geowebcache-sub001/internal/grid"
	"github.com/GeoWebCache/geowebcache-sub001/pkg/types"
)

// ============================================================================
// 事件模型
// ============================================================================

// EventKind 儲存事件類型
type EventKind string

const (
	// 熱路徑事件：每次 tile 變更/讀取各發一筆
	TileStored    EventKind = "tile_stored"    // 新 tile 寫入
	TileUpdated   EventKind = "tile_updated"   // 既有 tile 覆寫（帶 OldSize）
	TileDeleted   EventKind = "tile_deleted"   // tile 刪除
	TileRequested EventKind = "tile_requested" // tile 被讀取（僅統計用）

	// 結構性事件：少見且繞過聚合佇列，同步套用到帳本
	LayerDeleted   EventKind = "layer_deleted"
	GridSetDeleted EventKind = "gridset_deleted"
	ParamsDeleted  EventKind = "params_deleted"
	LayerRenamed   EventKind = "layer_renamed"
)

// Event 儲存變更事件，在變更點同步發給所有監聽者
type Event struct {
	Kind    EventKind       // 事件類型
	Set     types.TileSet   // 所屬 TileSet
	Index   types.TileIndex // tile 座標（結構性事件時為零值）
	Size    int64           // tile 位元組數（刪除時為被刪除的大小）
	OldSize int64           // 更新前的大小（僅 TileUpdated）
	NewName string          // 新圖層名稱（僅 LayerRenamed）
}

// Listener 儲存事件監聽者
//
// OnEvent 在變更的呼叫路徑上同步執行，實作不得長時間阻塞
// （配額管線內部以有界佇列吸收）。
type Listener interface {
	OnEvent(ev Event)
}

// ListenerHub 監聽者扇出，內嵌進各個儲存實作
type ListenerHub struct {
	mu        sync.RWMutex
	listeners []Listener
}

// AddListener 註冊監聽者
func (h *ListenerHub) AddListener(l Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, l)
}

// notify 同步通知所有監聽者
func (h *ListenerHub) notify(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, l := range h.listeners {
		l.OnEvent(ev)
	}
}

// ============================================================================
// 儲存契約
// ============================================================================

// WalkFunc bootstrap 掃描的回呼；回傳錯誤會中止整個走訪
type WalkFunc func(set types.TileSet, idx types.TileIndex, size int64) error

// Storage tile 儲存引擎的能力契約
type Storage interface {
	// Get 讀取 tile，成功時發出 TileRequested 事件
	//
	// 返回值：
	//   - []byte: tile 內容
	//   - bool: tile 是否存在
	Get(set types.TileSet, idx types.TileIndex) ([]byte, bool, error)

	// Has 檢查 tile 是否存在，不發出任何事件（播種的快取命中檢查用）
	Has(set types.TileSet, idx types.TileIndex) (bool, error)

	// Put 寫入 tile，發出 TileStored 或 TileUpdated 事件
	Put(set types.TileSet, idx types.TileIndex, blob []byte) error

	// Delete 刪除單一 tile；tile 不存在時回傳 false 且不發事件
	Delete(set types.TileSet, idx types.TileIndex) (bool, error)

	// DeleteRange 刪除整段座標範圍，逐 tile 發出 TileDeleted 事件
	// （配額帳本依賴逐 tile 的差額）
	//
	// 返回值：
	//   - bool: 是否有任何 tile 被刪除
	DeleteRange(tr *grid.TileRange) (bool, error)

	// Walk 走訪既有快取（bootstrap 初始用量掃描用）
	//
	// ctx 取消時走訪立即中止並回傳 ctx.Err()。
	Walk(ctx context.Context, layerName string, fn WalkFunc) error

	// AddListener 註冊變更事件監聽者
	AddListener(l Listener)
}
