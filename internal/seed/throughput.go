package seed

// ============================================================================
// ThroughputTracker - 任務進度與剩餘時間估計
// 職責：
// 1. 以原子計數累計已處理 tile 數（每個任務本地累計，不查共享游標）
// 2. 線性外插剩餘時間：timeSpent*(tilesTotal/threadCount)/tilesDone - timeSpent
//
// tilesTotal 為 -1（無法計數哨兵）時估計器直接停用，回報 -1 表示
// 「無 ETA」，絕不把哨兵餵進外插運算。
// ============================================================================

import (
	"sync/atomic"
	"time"
)

// NoEstimate 無法估計剩餘時間時的哨兵
const NoEstimate int64 = -1

// ThroughputTracker 單一任務的進度追蹤器
type ThroughputTracker struct {
	startNanos atomic.Int64 // 任務開始時間（UnixNano），0 表示尚未開始
	tilesDone  atomic.Int64
}

// Start 記錄開始時間（只在 runTask 入口呼叫一次）
func (t *ThroughputTracker) Start() {
	t.startNanos.Store(time.Now().UnixNano())
}

// AddTiles 累計已處理 tile 數
func (t *ThroughputTracker) AddTiles(n int64) {
	t.tilesDone.Add(n)
}

// TilesDone 已處理 tile 數
func (t *ThroughputTracker) TilesDone() int64 { return t.tilesDone.Load() }

// TimeSpent 任務已耗時；尚未開始時為 0
func (t *ThroughputTracker) TimeSpent() time.Duration {
	start := t.startNanos.Load()
	if start == 0 {
		return 0
	}
	return time.Duration(time.Now().UnixNano() - start)
}

// EstimateRemaining 估計剩餘秒數
//
// 參數：
//   - tilesTotal: 群組 tile 總數，-1 表示未知
//   - groupSize: 群組成員數（每成員分攤 tilesTotal/groupSize）
//
// 返回值：
//   - int64: 剩餘秒數；無法估計時為 NoEstimate（-1）
func (t *ThroughputTracker) EstimateRemaining(tilesTotal int64, groupSize int) int64 {
	done := t.tilesDone.Load()
	if tilesTotal < 0 || done <= 0 || groupSize <= 0 {
		return NoEstimate
	}

	spent := t.TimeSpent().Seconds()
	share := float64(tilesTotal) / float64(groupSize)
	remaining := spent*share/float64(done) - spent
	if remaining < 0 {
		return 0
	}
	return int64(remaining)
}
