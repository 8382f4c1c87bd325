package grid

// ============================================================================
// PageIndex - 配額淘汰的頁面索引
// 職責：
// 1. 以縮放層級的確定性函式將 tile 座標映射到固定大小的「頁」
// 2. 反向由頁座標還原 tile 方塊（截斷犧牲頁時使用）
//
// 頁面大小：每軸頁數約為該軸 tile 數的平方根，頁的尺寸因此隨層級
// 增長而增長，使每層級的頁格數維持在可管理的量級。同一 Coverage
// 永遠得到同一張頁面索引，這是「每個 tile 恰屬於一頁」不變量的基礎。
// ============================================================================

import (
	"math"

	"github.com/GeoWebCache/geowebcache-sub001/pkg/types"
)

// PageIndex 單一 TileSet 的頁面幾何
type PageIndex struct {
	levels map[int]pageLevel
}

type pageLevel struct {
	cov   Coverage
	pageW int64 // 每頁水平 tile 數
	pageH int64 // 每頁垂直 tile 數
}

// NewPageIndex 由每層級的覆蓋範圍建立頁面索引
func NewPageIndex(coverages []Coverage) *PageIndex {
	idx := &PageIndex{levels: make(map[int]pageLevel, len(coverages))}
	for _, cov := range coverages {
		if cov.Empty() {
			continue
		}
		idx.levels[cov.Zoom] = pageLevel{
			cov:   cov,
			pageW: pageSpan(cov.Width()),
			pageH: pageSpan(cov.Height()),
		}
	}
	return idx
}

// pageSpan 軸向 tile 數 → 每頁 tile 數（ceil(n / ceil(sqrt(n)))，至少 1）
func pageSpan(tiles int64) int64 {
	if tiles <= 1 {
		return 1
	}
	pages := int64(math.Ceil(math.Sqrt(float64(tiles))))
	return ceilDiv(tiles, pages)
}

// PageFor 計算 tile 所屬的頁座標
//
// 返回值：
//   - px, py: 頁格座標（相對於該層級 Coverage 原點）
//   - ok: tile 是否落在索引範圍內
func (p *PageIndex) PageFor(t types.TileIndex) (px, py int64, ok bool) {
	lv, found := p.levels[t.Z]
	if !found || !lv.cov.Contains(t.X, t.Y) {
		return 0, 0, false
	}
	return (t.X - lv.cov.MinX) / lv.pageW, (t.Y - lv.cov.MinY) / lv.pageH, true
}

// PageCoverage 還原頁座標對應的 tile 方塊（裁切到層級範圍內）
func (p *PageIndex) PageCoverage(px, py int64, zoom int) (Coverage, bool) {
	lv, found := p.levels[zoom]
	if !found {
		return Coverage{}, false
	}
	out := Coverage{
		Zoom: zoom,
		MinX: lv.cov.MinX + px*lv.pageW,
		MinY: lv.cov.MinY + py*lv.pageH,
	}
	out.MaxX = minInt64(out.MinX+lv.pageW-1, lv.cov.MaxX)
	out.MaxY = minInt64(out.MinY+lv.pageH-1, lv.cov.MaxY)
	if !lv.cov.Contains(out.MinX, out.MinY) {
		return Coverage{}, false
	}
	return out, true
}

// TilesPerPage 該層級一頁的標稱 tile 數（邊緣頁可能較小）
func (p *PageIndex) TilesPerPage(zoom int) int64 {
	lv, found := p.levels[zoom]
	if !found {
		return 0
	}
	return lv.pageW * lv.pageH
}

// Zooms 回傳已索引的層級列表（無序）
func (p *PageIndex) Zooms() []int {
	out := make([]int, 0, len(p.levels))
	for z := range p.levels {
		out = append(out, z)
	}
	return out
}
