package grid

// ============================================================================
// BitmapMask - 以點陣圖支撐的稀疏遮罩
// 職責：記錄「哪些 tile 實際存在」，供 reseed 只重播已渲染過的 tile
// ============================================================================

import "sync"

// BitmapMask RasterMask 的點陣圖實作
//
// 每個層級一張 bitmap，座標相對於該層級的 Coverage 原點。
// Set 僅在建構階段使用；建構完成後 Covers 是唯讀的，但為了允許
// 邊掃描邊查詢（bootstrap 場景）仍以 RWMutex 保護。
type BitmapMask struct {
	mu     sync.RWMutex
	levels map[int]*maskLevel
}

type maskLevel struct {
	cov  Coverage
	bits []uint64
}

// NewBitmapMask 建立空遮罩，levels 描述每層級可定址的範圍
func NewBitmapMask(levels []Coverage) *BitmapMask {
	m := &BitmapMask{levels: make(map[int]*maskLevel, len(levels))}
	for _, cov := range levels {
		if cov.Empty() {
			continue
		}
		n := cov.Width() * cov.Height()
		m.levels[cov.Zoom] = &maskLevel{
			cov:  cov,
			bits: make([]uint64, (n+63)/64),
		}
	}
	return m
}

// Set 標記 tile 存在；範圍外的座標靜默忽略
func (m *BitmapMask) Set(x, y int64, zoom int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lv, ok := m.levels[zoom]
	if !ok || !lv.cov.Contains(x, y) {
		return
	}
	idx := lv.offset(x, y)
	lv.bits[idx/64] |= 1 << (idx % 64)
}

// Covers 實作 RasterMask
func (m *BitmapMask) Covers(x, y int64, zoom int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lv, ok := m.levels[zoom]
	if !ok || !lv.cov.Contains(x, y) {
		return false
	}
	idx := lv.offset(x, y)
	return lv.bits[idx/64]&(1<<(idx%64)) != 0
}

// Count 遮罩內存在的 tile 總數
func (m *BitmapMask) Count() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, lv := range m.levels {
		for _, word := range lv.bits {
			total += int64(popcount(word))
		}
	}
	return total
}

func (lv *maskLevel) offset(x, y int64) int64 {
	return (y-lv.cov.MinY)*lv.cov.Width() + (x - lv.cov.MinX)
}

func popcount(v uint64) int {
	n := 0
	for v != 0 {
		v &= v - 1
		n++
	}
	return n
}
