package grid

// ============================================================================
// TileRangeIterator - 共享座標游標
// 職責：
// 1. 在群組內所有任務之間發放「下一個未處理的 meta 方塊座標」
// 2. 保證每個座標恰好發出一次，耗盡後對所有呼叫者回傳終止哨兵
// 3. 支援稀疏遮罩（只走訪遮罩內存在的 tile）
//
// 併發設計：
//   游標推進以單一 Mutex 互斥，臨界區只做常數工作量的座標運算。
//   「每執行緒已處理 tile 數」刻意由各任務本地累計（meta 方塊數 ×
//   meta 因子），不在這裡維護共享計數器，避免熱路徑上的鎖競爭。
// ============================================================================

import (
	"sync"

	"github.com/GeoWebCache/geowebcache-sub001/pkg/types"
)

// RasterMask 稀疏遮罩：限制迭代只走訪「存在」的 tile
//
// Covers 必須是純函式且可被多執行緒同時呼叫。
type RasterMask interface {
	// Covers 回報指定 tile 是否包含在遮罩內
	Covers(x, y int64, zoom int) bool
}

// TileRangeIterator 多層級座標空間上的執行緒安全游標
//
// 由 Breeder 在 dispatch 時建立一次，群組內所有任務共享。
// 結構性資料（範圍、meta 因子）建立後不可變，只有游標位置受鎖保護。
type TileRangeIterator struct {
	tr   *TileRange // 唯讀結構資料
	mask RasterMask // 可為 nil（連續範圍）

	mu       sync.Mutex // 保護以下游標欄位
	levelIdx int        // 目前層級在 tr.Coverages 中的索引
	x, y     int64      // 下一個待發放 meta 方塊的原點座標
	primed   bool       // 游標是否已定位到第一個方塊
	finished bool       // 是否已耗盡
}

// NewTileRangeIterator 建立共享游標
//
// 參數：
//   - tr: 已對齊 meta 邊界的座標範圍
//   - mask: 稀疏遮罩，nil 表示範圍內全部走訪
func NewTileRangeIterator(tr *TileRange, mask RasterMask) *TileRangeIterator {
	return &TileRangeIterator{tr: tr, mask: mask}
}

// MetaX 水平 meta 因子
func (it *TileRangeIterator) MetaX() int64 { return maxInt64(it.tr.MetaX, 1) }

// MetaY 垂直 meta 因子
func (it *TileRangeIterator) MetaY() int64 { return maxInt64(it.tr.MetaY, 1) }

// Range 回傳底層範圍（唯讀）
func (it *TileRangeIterator) Range() *TileRange { return it.tr }

// Next 取得下一個未發放的 meta 方塊原點座標
//
// 返回值：
//   - types.TileIndex: meta 方塊左下角 tile 座標
//   - bool: false 表示已耗盡（終止哨兵），此後所有呼叫都回傳 false
//
// 併發安全：可被群組內所有任務同時呼叫，同一座標絕不發出兩次。
func (it *TileRangeIterator) Next() (types.TileIndex, bool) {
	it.mu.Lock()
	defer it.mu.Unlock()

	for {
		if !it.advanceLocked() {
			return types.TileIndex{}, false
		}

		cov := it.tr.Coverages[it.levelIdx]
		if it.mask == nil || it.blockCoveredLocked(cov) {
			return types.TileIndex{X: it.x, Y: it.y, Z: cov.Zoom}, true
		}
		// 遮罩外的方塊直接略過，不計入「已處理」
	}
}

// advanceLocked 將游標移動到下一個方塊，回傳 false 表示耗盡
//
// 走訪順序：同層級內先 X 後 Y，層級由低到高。順序是確定性的，但在
// 多執行緒輪流呼叫下，實際處理順序由誰先要到決定。
func (it *TileRangeIterator) advanceLocked() bool {
	if it.finished {
		return false
	}

	metaX, metaY := it.MetaX(), it.MetaY()

	if !it.primed {
		// 定位到第一個非空層級的起點
		for it.levelIdx < len(it.tr.Coverages) {
			cov := it.tr.Coverages[it.levelIdx]
			if !cov.Empty() {
				it.x, it.y = cov.MinX, cov.MinY
				it.primed = true
				return true
			}
			it.levelIdx++
		}
		it.finished = true
		return false
	}

	cov := it.tr.Coverages[it.levelIdx]
	it.x += metaX
	if it.x <= cov.MaxX {
		return true
	}

	it.x = cov.MinX
	it.y += metaY
	if it.y <= cov.MaxY {
		return true
	}

	// 本層級走完，找下一個非空層級
	for it.levelIdx++; it.levelIdx < len(it.tr.Coverages); it.levelIdx++ {
		next := it.tr.Coverages[it.levelIdx]
		if !next.Empty() {
			it.x, it.y = next.MinX, next.MinY
			return true
		}
	}

	it.finished = true
	return false
}

// blockCoveredLocked 回報目前方塊內是否至少有一個 tile 落在遮罩中
func (it *TileRangeIterator) blockCoveredLocked(cov Coverage) bool {
	maxX := minInt64(it.x+it.MetaX()-1, cov.MaxX)
	maxY := minInt64(it.y+it.MetaY()-1, cov.MaxY)
	for x := it.x; x <= maxX; x++ {
		for y := it.y; y <= maxY; y++ {
			if it.mask.Covers(x, y, cov.Zoom) {
				return true
			}
		}
	}
	return false
}
