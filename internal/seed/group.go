// Package seed 實作 TileBreeder：播種/重播/截斷任務的排程核心
//
// 一次用戶請求被拆成 N 個共享同一座標游標與 TaskGroup 的任務，
// 交給有界 worker pool 執行；Breeder 維護所有已提交任務的註冊表，
// 供狀態查詢與合作式取消使用。
package seed

// ============================================================================
// TaskGroup - 同一請求拆出的兄弟任務集合
// 職責：
// 1. 活躍執行緒計數：恰好歸零一次，歸零者觸發群組完成回呼
// 2. 跨執行緒共享的失敗預算
//
// 併發設計：live/failure 計數是兄弟任務之間唯一無鎖共享變動的狀態，
// 只用原子遞增/遞減，不需要更大的鎖（atomic decrement-and-observe-zero
// 是群組完成唯一需要的同步原語）。
// ============================================================================

import (
	"sync/atomic"
	"time"
)

// RetryPolicy 失敗處理策略，預設值來自行程設定，可被單一請求覆寫
type RetryPolicy struct {
	// TileFailureRetryCount 單一 tile 的重試次數：
	// -1 停用所有重試/中止記帳，第一個錯誤直接致命；0 不重試；N 重試 N 次
	TileFailureRetryCount int

	// TileFailureRetryWait 重試之間的等待時間
	TileFailureRetryWait time.Duration

	// TotalFailuresBeforeAborting 跨執行緒共享的失敗上限，達到後任務轉為 Dead
	TotalFailuresBeforeAborting int64
}

// DefaultRetryPolicy 行程預設值
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		TileFailureRetryCount:       0,
		TileFailureRetryWait:        100 * time.Millisecond,
		TotalFailuresBeforeAborting: 1000,
	}
}

// Disabled 回報是否停用失敗記帳（第一個錯誤即致命）
func (p RetryPolicy) Disabled() bool { return p.TileFailureRetryCount < 0 }

// TaskGroup 兄弟任務共享的群組狀態
type TaskGroup struct {
	size       int
	tilesTotal int64
	policy     RetryPolicy

	liveCount      atomic.Int64 // 尚未退出的成員數，建構時初始化為 size
	sharedFailures atomic.Int64 // 跨成員累計的 tile 失敗數

	onComplete func() // 群組完成回呼，恰好觸發一次（可為 nil）
}

// NewTaskGroup 建立任務群組
//
// 活躍計數在建構時一次性初始化為成員數；成員只遞減。若改成進入時
// 才遞增，序列化執行的成員會各自經歷 0→1→0，每個都觀察到歸零。
//
// 參數：
//   - size: 成員數
//   - tilesTotal: 群組負責的 tile 總數（-1 表示無法計數）
//   - policy: 失敗策略
//   - onComplete: 最後一個成員退出時的回呼
func NewTaskGroup(size int, tilesTotal int64, policy RetryPolicy, onComplete func()) *TaskGroup {
	g := &TaskGroup{size: size, tilesTotal: tilesTotal, policy: policy, onComplete: onComplete}
	g.liveCount.Store(int64(size))
	return g
}

// Size 群組成員數
func (g *TaskGroup) Size() int { return g.size }

// TilesTotal 群組 tile 總數（-1 表示未知)
func (g *TaskGroup) TilesTotal() int64 { return g.tilesTotal }

// Policy 失敗策略
func (g *TaskGroup) Policy() RetryPolicy { return g.policy }

// Live 尚未退出的成員數
func (g *TaskGroup) Live() int64 { return g.liveCount.Load() }

// leave 成員離開工作迴圈
//
// 返回值：
//   - bool: true 表示本次遞減觀察到歸零 —— 呼叫者負責群組完成副作用，
//     在所有交錯下恰好有一個成員拿到 true
func (g *TaskGroup) leave() bool {
	if g.liveCount.Add(-1) != 0 {
		return false
	}
	if g.onComplete != nil {
		g.onComplete()
	}
	return true
}

// recordFailure 記錄一次 tile 失敗
//
// 返回值：
//   - bool: true 表示共享失敗數已達中止門檻；多個兄弟可能各自觀察到
//     跨越（以 >= 獨立比較），這是刻意的 —— 重複標記 Dead 無害，
//     選出單一回報者只會增加協調成本
func (g *TaskGroup) recordFailure() bool {
	if g.policy.Disabled() || g.policy.TotalFailuresBeforeAborting <= 0 {
		return false
	}
	return g.sharedFailures.Add(1) >= g.policy.TotalFailuresBeforeAborting
}

// Failures 目前累計的失敗數
func (g *TaskGroup) Failures() int64 { return g.sharedFailures.Load() }
