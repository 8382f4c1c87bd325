package storage

// ============================================================================
// TileSource - tile 物化能力
// 職責：
// 1. 定義播種任務「把一個 meta 方塊變成快取內容」所需的契約
// 2. 每任務一個 Scope：後端資源在任務的每條退出路徑上確定性釋放
//    （取代 thread-local dispose hook 的設計）
//
// 實際的渲染後端（WMS 等）不在本模組範圍內，以 RenderFunc 注入。
// ============================================================================

import (
	"context"
	"fmt"

	"github.com/GeoWebCache/geowebcache-sub001/internal/grid"
	"github.com/GeoWebCache/geowebcache-sub001/pkg/types"
)

// RenderFunc 產生單一 tile 的內容（模擬外部渲染後端）
type RenderFunc func(ctx context.Context, set types.TileSet, idx types.TileIndex) ([]byte, error)

// StubRender 回傳固定大小、內容可辨識的假 tile，供示範程式與
// 未接渲染後端的行程使用
func StubRender(size int) RenderFunc {
	if size < 1 {
		size = 256
	}
	return func(ctx context.Context, set types.TileSet, idx types.TileIndex) ([]byte, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		blob := make([]byte, size)
		copy(blob, fmt.Sprintf("%s/%s/%s@%s", set.Layer, set.GridSet, idx, set.Format))
		return blob, nil
	}
}

// SourceScope 單一任務的物化範圍
//
// 由工作迴圈在進入時取得，並在每條退出路徑（正常、錯誤、取消）上
// 恰好關閉一次。
type SourceScope interface {
	// SeedMetaTile 物化以 origin 為原點的 meta 方塊
	//
	// 參數：
	//   - tr: 座標範圍（提供層級裁切與 meta 因子）
	//   - origin: meta 方塊左下角 tile 座標
	//   - reseed: true 時無視既有快取強制重新產生
	//
	// 返回值：
	//   - int64: 實際物化的 tile 數
	//   - error: 渲染或寫入失敗
	SeedMetaTile(ctx context.Context, tr *grid.TileRange, origin types.TileIndex, reseed bool) (int64, error)

	// Close 釋放本任務持有的後端資源
	Close() error
}

// TileSource tile 物化能力契約
type TileSource interface {
	// Acquire 為一個任務取得物化範圍
	Acquire(layerName string) (SourceScope, error)
}

// ============================================================================
// CachingSource - 寫入快取的預設實作
// ============================================================================

// CachingSource 以 RenderFunc 產生內容並寫入 Storage 的 TileSource
type CachingSource struct {
	store  Storage
	render RenderFunc
}

// NewCachingSource 建立預設 tile 來源
func NewCachingSource(store Storage, render RenderFunc) *CachingSource {
	return &CachingSource{store: store, render: render}
}

// Acquire 實作 TileSource
func (s *CachingSource) Acquire(layerName string) (SourceScope, error) {
	return &cachingScope{src: s}, nil
}

type cachingScope struct {
	src    *CachingSource
	closed bool
}

// SeedMetaTile 逐 tile 物化 meta 方塊
//
// 方塊原點來自 meta 對齊的游標，可能落在真實覆蓋範圍外；落地一律
// 裁切到未展開的範圍，展開補出的邊界 tile 不渲染也不寫入。
func (sc *cachingScope) SeedMetaTile(ctx context.Context, tr *grid.TileRange, origin types.TileIndex, reseed bool) (int64, error) {
	if sc.closed {
		return 0, fmt.Errorf("source scope already closed")
	}
	cov, ok := tr.BoundAt(origin.Z)
	if !ok {
		return 0, fmt.Errorf("no coverage at zoom %d", origin.Z)
	}

	set := types.TileSet{Layer: tr.Layer, GridSet: tr.GridSet, Format: tr.Format, ParamsID: tr.ParamsID}
	metaX, metaY := tr.MetaX, tr.MetaY
	if metaX < 1 {
		metaX = 1
	}
	if metaY < 1 {
		metaY = 1
	}
	startX, startY := origin.X, origin.Y
	if startX < cov.MinX {
		startX = cov.MinX
	}
	if startY < cov.MinY {
		startY = cov.MinY
	}

	var seeded int64
	for x := startX; x < origin.X+metaX && x <= cov.MaxX; x++ {
		for y := startY; y < origin.Y+metaY && y <= cov.MaxY; y++ {
			if err := ctx.Err(); err != nil {
				return seeded, err
			}
			idx := types.TileIndex{X: x, Y: y, Z: origin.Z}

			if !reseed {
				exists, err := sc.src.store.Has(set, idx)
				if err != nil {
					return seeded, err
				}
				if exists {
					// seed 模式允許在快取命中時直接跳過
					continue
				}
			}

			blob, err := sc.src.render(ctx, set, idx)
			if err != nil {
				return seeded, fmt.Errorf("render tile %s: %w", idx, err)
			}
			if err := sc.src.store.Put(set, idx, blob); err != nil {
				return seeded, err
			}
			seeded++
		}
	}
	return seeded, nil
}

// Close 實作 SourceScope
func (sc *cachingScope) Close() error {
	sc.closed = true
	return nil
}
