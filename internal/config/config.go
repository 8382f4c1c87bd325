package config

// ============================================================================
// Config 配置模組
// 職責：載入並驗證 YAML 配置，產出各子系統的不可變配置結構
// ============================================================================
//
// 配置分區:
//   - layers:  圖層目錄（內嵌定義，或 layers_file 指向獨立目錄檔）
//   - storage: blob 儲存後端（memory / file）
//   - seed:    worker pool 大小與失敗策略預設值
//   - quota:   配額上限、淘汰策略、清理排程、帳本持久化路徑
//   - metrics: Prometheus HTTP 端點
//
// 驗證策略:
//   配置錯誤（負配額、未知策略、零頻率、未知後端）在 Load 時同步回報，
//   不默默套用預設值；省略的欄位才補預設。
//
// 時間單位:
//   YAML 欄位一律使用明確單位後綴（_seconds / _ms），載入後轉為
//   time.Duration 傳入子系統。
// ============================================================================

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/GeoWebCache/geowebcache-sub001/internal/layer"
	"github.com/GeoWebCache/geowebcache-sub001/internal/quota"
	"github.com/GeoWebCache/geowebcache-sub001/internal/seed"
	"github.com/GeoWebCache/geowebcache-sub001/pkg/types"
)

// 儲存後端識別碼
const (
	BackendMemory = "memory"
	BackendFile   = "file"
)

// Config 完整的行程配置，載入後不再修改
type Config struct {
	// LayersFile 獨立的圖層目錄檔路徑；與 Layers 至少擇一
	LayersFile string `yaml:"layers_file"`
	// Layers 內嵌圖層定義；非空時優先於 LayersFile
	Layers []layer.Definition `yaml:"layers"`

	Storage StorageConfig `yaml:"storage"`
	Seed    SeedConfig    `yaml:"seed"`
	Quota   QuotaConfig   `yaml:"quota"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// StorageConfig blob 儲存後端配置
type StorageConfig struct {
	// Backend memory 或 file
	Backend string `yaml:"backend"`
	// Root file 後端的快取根目錄
	Root string `yaml:"root"`
}

// SeedConfig 播種調度器配置
type SeedConfig struct {
	PoolSize         int   `yaml:"pool_size"`
	QueueDepth       int   `yaml:"queue_depth"`
	StopGraceSeconds int   `yaml:"stop_grace_seconds"`
	RetryCount       int   `yaml:"retry_count"`
	RetryWaitMs      int   `yaml:"retry_wait_ms"`
	AbortThreshold   int64 `yaml:"abort_threshold"`
	PurgeThreshold   int   `yaml:"purge_threshold"`
}

// QuotaConfig 磁碟配額配置
type QuotaConfig struct {
	Policy                  string                 `yaml:"policy"`
	GlobalQuota             types.Quota            `yaml:"global_quota"`
	LayerQuotas             map[string]types.Quota `yaml:"layer_quotas"`
	CleanupFrequencySeconds int                    `yaml:"cleanup_frequency_seconds"`
	MaxConcurrentCleanups   int                    `yaml:"max_concurrent_cleanups"`
	SnapshotPath            string                 `yaml:"snapshot_path"`
	JournalPath             string                 `yaml:"journal_path"`
	SyncOnAppend            bool                   `yaml:"sync_on_append"`
}

// MetricsConfig Prometheus 端點配置
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Default 行程預設配置（無配額、記憶體儲存、metrics 關閉）
func Default() Config {
	sc := seed.DefaultConfig()
	return Config{
		Storage: StorageConfig{Backend: BackendMemory},
		Seed: SeedConfig{
			PoolSize:         sc.PoolSize,
			QueueDepth:       sc.QueueDepth,
			StopGraceSeconds: int(sc.StopGrace / time.Second),
			RetryCount:       sc.Retry.TileFailureRetryCount,
			RetryWaitMs:      int(sc.Retry.TileFailureRetryWait / time.Millisecond),
			AbortThreshold:   sc.Retry.TotalFailuresBeforeAborting,
			PurgeThreshold:   sc.PurgeThreshold,
		},
		Quota: QuotaConfig{
			CleanupFrequencySeconds: 10,
			MaxConcurrentCleanups:   2,
		},
		Metrics: MetricsConfig{Enabled: false, Port: 9090},
	}
}

// Load 讀取 YAML 配置檔，套用預設並驗證
//
// 返回值：
//   - Config: 驗證通過的配置
//   - error: 讀檔、解析或驗證失敗
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(raw)
}

// Parse 從 YAML 位元組解析配置，供測試與內嵌配置使用
func Parse(raw []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save 將配置寫回 YAML 檔，配額調整指令用它落盤
func Save(path string, cfg Config) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate 同步檢查配置；任何錯誤都在載入時回報
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendFile:
		if c.Storage.Root == "" {
			return fmt.Errorf("storage backend %q requires a root directory", BackendFile)
		}
	default:
		return fmt.Errorf("unknown storage backend: %q", c.Storage.Backend)
	}

	if len(c.Layers) == 0 && c.LayersFile == "" {
		return fmt.Errorf("no layers configured: set layers or layers_file")
	}

	if c.Seed.PoolSize < 1 {
		return fmt.Errorf("seed pool size must be at least 1, got %d", c.Seed.PoolSize)
	}
	if c.Seed.QueueDepth < 1 {
		return fmt.Errorf("seed queue depth must be at least 1, got %d", c.Seed.QueueDepth)
	}
	if c.Seed.RetryCount < -1 {
		return fmt.Errorf("seed retry count must be >= -1, got %d", c.Seed.RetryCount)
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics port out of range: %d", c.Metrics.Port)
	}

	qc := c.QuotaConfig()
	if err := qc.Validate(); err != nil {
		return err
	}
	return nil
}

// LoadCatalog 建構圖層目錄：內嵌定義優先，否則讀取 layers_file
func (c Config) LoadCatalog() (*layer.Catalog, error) {
	if len(c.Layers) > 0 {
		return layer.NewCatalog(c.Layers), nil
	}
	return layer.LoadCatalog(c.LayersFile)
}

// SeedConfig 轉出播種調度器的不可變配置
func (c Config) SeedConfig() seed.Config {
	return seed.Config{
		PoolSize:   c.Seed.PoolSize,
		QueueDepth: c.Seed.QueueDepth,
		StopGrace:  time.Duration(c.Seed.StopGraceSeconds) * time.Second,
		Retry: seed.RetryPolicy{
			TileFailureRetryCount:       c.Seed.RetryCount,
			TileFailureRetryWait:        time.Duration(c.Seed.RetryWaitMs) * time.Millisecond,
			TotalFailuresBeforeAborting: c.Seed.AbortThreshold,
		},
		PurgeThreshold: c.Seed.PurgeThreshold,
	}
}

// QuotaConfig 轉出配額監控器的配置
func (c Config) QuotaConfig() quota.Config {
	// 大小寫正規化；無法解析的字串原樣傳下去，由 Validate 回報
	policy := types.ExpirationPolicy(c.Quota.Policy)
	if parsed, err := types.ParseExpirationPolicy(c.Quota.Policy); err == nil {
		policy = parsed
	}
	return quota.Config{
		Policy:                policy,
		GlobalQuota:           c.Quota.GlobalQuota,
		LayerQuotas:           c.Quota.LayerQuotas,
		CleanUpFrequency:      time.Duration(c.Quota.CleanupFrequencySeconds) * time.Second,
		MaxConcurrentCleanups: c.Quota.MaxConcurrentCleanups,
		SnapshotPath:          c.Quota.SnapshotPath,
		JournalPath:           c.Quota.JournalPath,
		SyncOnAppend:          c.Quota.SyncOnAppend,
	}
}
