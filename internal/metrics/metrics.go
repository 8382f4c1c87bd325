package metrics

// ============================================================================
// Metrics 監控模組
// 職責：收集並暴露 Prometheus 指標
// ============================================================================
//
// 指標分類:
//
//   1. 任務計數器 (CounterVec) - 依任務類型（seed / reseed / truncate）分標籤：
//      - gwc_tasks_dispatched_total: 已分派任務總數
//      - gwc_tasks_finished_total: 已結束任務總數（再依終態 done/dead/interrupted 分標籤）
//      - gwc_tiles_processed_total: 已處理圖磚總數
//
//   2. 配額指標 (Gauge / GaugeVec) - 瞬時值：
//      - gwc_quota_used_bytes: 各 layer 與全域的磁碟用量
//      - gwc_quota_limit_bytes: 各 scope 的配額上限
//      - gwc_quota_pages_evicted_total: 被清理驅逐的 page 總數
//
//   3. 狀態指標 (Gauge) - 調度器瞬時狀態：
//      - gwc_tasks_pending / gwc_tasks_running: 佇列積壓與執行中任務數
//      - gwc_bootstrap_seconds: 最近一次磁碟掃描重建用量花費的時間
//
// 使用場景:
//   - rate(gwc_tiles_processed_total[1m]) → 播種吞吐量
//   - gwc_quota_used_bytes / gwc_quota_limit_bytes → 配額壓力告警
//   - gwc_tasks_pending 持續增長 → worker pool 容量不足
//
// HTTP 端點:
//   通過 /metrics 端點暴露，由 Prometheus 定期抓取
// ============================================================================

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GeoWebCache/geowebcache-sub001/pkg/types"
)

// GlobalScope quota 用量指標中代表全域合計的 scope 標籤值
const GlobalScope = "_global"

// Collector Prometheus 指標收集器
//
// 實作 seed.Observer，由 Breeder 在任務生命週期事件時回呼；
// 配額側的 gauge 由 quota.Monitor 的巡檢迴圈定期刷新。
//
// 併發安全：所有 prometheus 指標型別本身即為原子操作。
type Collector struct {
	// 任務相關指標
	tasksDispatched *prometheus.CounterVec
	tasksFinished   *prometheus.CounterVec
	tilesProcessed  *prometheus.CounterVec

	// 配額指標
	quotaUsed    *prometheus.GaugeVec
	quotaLimit   *prometheus.GaugeVec
	pagesEvicted prometheus.Counter

	// 狀態指標
	tasksPending  prometheus.Gauge
	tasksRunning  prometheus.Gauge
	bootstrapTime prometheus.Gauge
}

// NewCollector 創建新的指標收集器
func NewCollector() *Collector {
	c := &Collector{
		tasksDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gwc_tasks_dispatched_total",
			Help: "Total number of tile tasks dispatched to the worker pool",
		}, []string{"type"}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gwc_tasks_finished_total",
			Help: "Total number of tile tasks finished, by terminal state",
		}, []string{"type", "state"}),
		tilesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gwc_tiles_processed_total",
			Help: "Total number of tiles seeded, reseeded or truncated",
		}, []string{"type"}),
		quotaUsed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gwc_quota_used_bytes",
			Help: "Current disk usage in bytes, per layer and global",
		}, []string{"scope"}),
		quotaLimit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gwc_quota_limit_bytes",
			Help: "Configured disk quota limit in bytes, per enforcement scope",
		}, []string{"scope"}),
		pagesEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gwc_quota_pages_evicted_total",
			Help: "Total number of tile pages expired by quota enforcement",
		}),
		tasksPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gwc_tasks_pending",
			Help: "Current number of tasks waiting in the pool queue",
		}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gwc_tasks_running",
			Help: "Current number of tasks being executed",
		}),
		bootstrapTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gwc_bootstrap_seconds",
			Help: "Time taken by the last usage bootstrap scan in seconds",
		}),
	}

	// 註冊所有指標
	prometheus.MustRegister(c.tasksDispatched)
	prometheus.MustRegister(c.tasksFinished)
	prometheus.MustRegister(c.tilesProcessed)
	prometheus.MustRegister(c.quotaUsed)
	prometheus.MustRegister(c.quotaLimit)
	prometheus.MustRegister(c.pagesEvicted)
	prometheus.MustRegister(c.tasksPending)
	prometheus.MustRegister(c.tasksRunning)
	prometheus.MustRegister(c.bootstrapTime)

	return c
}

// TaskDispatched 記錄任務分派
func (c *Collector) TaskDispatched(taskType types.TaskType) {
	c.tasksDispatched.WithLabelValues(string(taskType)).Inc()
}

// TaskFinished 記錄任務結束（含終態）
func (c *Collector) TaskFinished(taskType types.TaskType, state types.TaskState) {
	c.tasksFinished.WithLabelValues(string(taskType), string(state)).Inc()
}

// TilesProcessed 記錄已處理的圖磚數
func (c *Collector) TilesProcessed(taskType types.TaskType, count int64) {
	c.tilesProcessed.WithLabelValues(string(taskType)).Add(float64(count))
}

// SetQuotaUsed 刷新某 scope 的磁碟用量
func (c *Collector) SetQuotaUsed(scope string, bytes int64) {
	c.quotaUsed.WithLabelValues(scope).Set(float64(bytes))
}

// SetQuotaLimit 刷新某 scope 的配額上限
func (c *Collector) SetQuotaLimit(scope string, bytes int64) {
	c.quotaLimit.WithLabelValues(scope).Set(float64(bytes))
}

// RecordPageEvicted 記錄一個被配額清理驅逐的 page
func (c *Collector) RecordPageEvicted() {
	c.pagesEvicted.Inc()
}

// UpdateTaskStats 更新調度器狀態統計
func (c *Collector) UpdateTaskStats(pending, running int) {
	c.tasksPending.Set(float64(pending))
	c.tasksRunning.Set(float64(running))
}

// SetBootstrapTime 設置最近一次磁碟掃描時間
func (c *Collector) SetBootstrapTime(seconds float64) {
	c.bootstrapTime.Set(seconds)
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器
//
// 參數：
//   - port: HTTP 伺服器端口
//
// 返回值：
//   - error: 啟動失敗的錯誤
func StartServer(port int) error {
	http.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, nil)
}
