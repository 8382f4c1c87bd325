// Package grid 提供 tile 座標數學：覆蓋範圍、計數與頁面索引
//
// 這是一個純函式的葉節點 package，被播種排程器與磁碟配額引擎共用。
package grid

// ============================================================================
// 覆蓋範圍與 TileRange
// 職責：
// 1. 表達單一縮放層級的矩形 tile 座標範圍
// 2. 對齊 meta-tile 邊界的展開運算
// 3. tile 總數計算（含溢位哨兵 -1）
// ============================================================================

import (
	"fmt"
	"math"
)

// TooManyTiles 表示 tile 總數超出可安全計算的範圍
//
// 呼叫端必須把它當作「總數未知」處理，而不是 0 或錯誤。
const TooManyTiles int64 = -1

// countAbortThreshold 累計值超過 MaxInt64/4 且尚有層級未加總時，放棄計數
const countAbortThreshold = math.MaxInt64 / 4

// Coverage 單一縮放層級的矩形 tile 範圍（含端點）
type Coverage struct {
	Zoom int   `json:"zoom" yaml:"zoom"`
	MinX int64 `json:"min_x" yaml:"min_x"`
	MinY int64 `json:"min_y" yaml:"min_y"`
	MaxX int64 `json:"max_x" yaml:"max_x"`
	MaxY int64 `json:"max_y" yaml:"max_y"`
}

// Empty 回報範圍是否不含任何 tile
func (c Coverage) Empty() bool {
	return c.MaxX < c.MinX || c.MaxY < c.MinY
}

// Width 水平方向 tile 數
func (c Coverage) Width() int64 { return 1 + c.MaxX - c.MinX }

// Height 垂直方向 tile 數
func (c Coverage) Height() int64 { return 1 + c.MaxY - c.MinY }

// Contains 回報座標是否落在範圍內
func (c Coverage) Contains(x, y int64) bool {
	return x >= c.MinX && x <= c.MaxX && y >= c.MinY && y <= c.MaxY
}

// Intersect 兩個同層級範圍的交集，不相交時回傳空範圍
func (c Coverage) Intersect(o Coverage) Coverage {
	out := Coverage{
		Zoom: c.Zoom,
		MinX: maxInt64(c.MinX, o.MinX),
		MinY: maxInt64(c.MinY, o.MinY),
		MaxX: minInt64(c.MaxX, o.MaxX),
		MaxY: minInt64(c.MaxY, o.MaxY),
	}
	return out
}

// ExpandToMetaTiles 將範圍對齊至完整的 metaX × metaY 方塊邊界
//
// min 向下對齊、max 向上補滿，確保每個 meta 方塊要嘛完整包含、
// 要嘛完全不在範圍內。metaX/metaY <= 1 時原樣回傳。
func (c Coverage) ExpandToMetaTiles(metaX, metaY int64) Coverage {
	if c.Empty() || (metaX <= 1 && metaY <= 1) {
		return c
	}
	if metaX < 1 {
		metaX = 1
	}
	if metaY < 1 {
		metaY = 1
	}
	out := c
	out.MinX = floorAlign(c.MinX, metaX)
	out.MinY = floorAlign(c.MinY, metaY)
	out.MaxX = floorAlign(c.MaxX, metaX) + metaX - 1
	out.MaxY = floorAlign(c.MaxY, metaY) + metaY - 1
	return out
}

// floorAlign 將 v 向下對齊到 step 的倍數（支援負座標）
func floorAlign(v, step int64) int64 {
	r := v % step
	if r < 0 {
		r += step
	}
	return v - r
}

// TileRange 一次播種/截斷請求的完整座標空間
//
// Coverages 依縮放層級遞增排序，結構性資料建立後不可變。
type TileRange struct {
	Layer     string     // 圖層名稱
	GridSet   string     // 網格集識別碼
	Format    string     // blob 格式
	ParamsID  string     // 參數集識別碼
	ZoomStart int        // 起始縮放層級（含）
	ZoomStop  int        // 結束縮放層級（含）
	Coverages []Coverage // 每層級的迭代範圍，已對齊 meta 邊界
	Bounds    []Coverage // 每層級的真實覆蓋範圍（未展開），物化裁切用
	MetaX     int64      // meta-tile 水平因子（>= 1）
	MetaY     int64      // meta-tile 垂直因子（>= 1）
}

// CoverageAt 取得指定層級的迭代範圍
func (tr *TileRange) CoverageAt(zoom int) (Coverage, bool) {
	for _, c := range tr.Coverages {
		if c.Zoom == zoom {
			return c, true
		}
	}
	return Coverage{}, false
}

// BoundAt 取得指定層級的真實覆蓋範圍
//
// meta 展開只是為了游標以完整方塊步進；落地與計數都必須以未展開的
// 範圍裁切，否則展開補出來的邊界 tile 會被物化。未提供 Bounds 時
// （meta 因子為 1 的範圍兩者相同）退回迭代範圍。
func (tr *TileRange) BoundAt(zoom int) (Coverage, bool) {
	for _, c := range tr.Bounds {
		if c.Zoom == zoom {
			return c, true
		}
	}
	if len(tr.Bounds) == 0 {
		return tr.CoverageAt(zoom)
	}
	return Coverage{}, false
}

// TileCount 計算範圍內 tile 總數（依真實覆蓋範圍，不含 meta 展開補出的 tile）
//
// 逐層級累加 (1+maxX-minX)*(1+maxY-minY)。任何一步乘積溢位，或
// 在最後一層之前累計值超過 MaxInt64/4，即回傳 TooManyTiles（-1），
// 絕不默默繞回負數。
func (tr *TileRange) TileCount() int64 {
	if len(tr.Bounds) > 0 {
		return TileCount(tr.Bounds)
	}
	return TileCount(tr.Coverages)
}

// MetaTileCount 計算範圍內 meta 方塊總數：逐層 ceil(w/metaX)*ceil(h/metaY)
//
// 溢位時同樣回傳 TooManyTiles。
func (tr *TileRange) MetaTileCount() int64 {
	var total int64
	for i, c := range tr.Coverages {
		if c.Empty() {
			continue
		}
		w := ceilDiv(c.Width(), maxInt64(tr.MetaX, 1))
		h := ceilDiv(c.Height(), maxInt64(tr.MetaY, 1))
		product, ok := mulInt64(w, h)
		if !ok {
			return TooManyTiles
		}
		total += product
		if total < 0 {
			return TooManyTiles
		}
		if total > countAbortThreshold && i < len(tr.Coverages)-1 {
			return TooManyTiles
		}
	}
	return total
}

func (tr *TileRange) String() string {
	return fmt.Sprintf("%s/%s z%d-%d (%s, params=%q)",
		tr.Layer, tr.GridSet, tr.ZoomStart, tr.ZoomStop, tr.Format, tr.ParamsID)
}

// TileCount 逐層級加總 tile 數，溢位時回傳 TooManyTiles
func TileCount(coverages []Coverage) int64 {
	var total int64
	for i, c := range coverages {
		if c.Empty() {
			continue
		}
		product, ok := mulInt64(c.Width(), c.Height())
		if !ok {
			return TooManyTiles
		}
		total += product
		if total < 0 {
			// 加總本身繞回
			return TooManyTiles
		}
		if total > countAbortThreshold && i < len(coverages)-1 {
			return TooManyTiles
		}
	}
	return total
}

// mulInt64 帶溢位偵測的乘法
func mulInt64(a, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	product := a * b
	if product/b != a || product < 0 {
		return 0, false
	}
	return product, true
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
