// ============================================================================
// GWC 帳本恢復整合測試
// ============================================================================
//
// Package: test/integration
// 文件: recovery_test.go
// 功能: 端到端用量帳本持久化與恢復測試
//
// 測試目標:
//   1. 正常關閉後重啟：快照 + 日誌完整還原用量，不需要磁碟掃描
//   2. 無持久化狀態冷啟動：bootstrap 走訪快取樹重建用量
//   3. 恢復後的帳本能直接驅動配額強制執行
//
// 測試配置:
//   - 檔案儲存後端（重啟後快取仍在磁碟上）
//   - 快照與日誌放在測試暫存目錄
//
// ============================================================================

package integration

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GeoWebCache/geowebcache-sub001/internal/cli"
	"github.com/GeoWebCache/geowebcache-sub001/internal/config"
	"github.com/GeoWebCache/geowebcache-sub001/pkg/types"
)

// durableConfig 檔案後端 + 持久化帳本的配置
func durableConfig(t *testing.T, zoomStop int) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := testConfig(zoomStop)
	cfg.Storage.Backend = config.BackendFile
	cfg.Storage.Root = filepath.Join(dir, "cache")
	cfg.Quota.SnapshotPath = filepath.Join(dir, "quota", "snapshot.json")
	cfg.Quota.JournalPath = filepath.Join(dir, "quota", "journal.log")
	return cfg
}

// awaitUsage 輪詢帳本直到全域用量到達期望值
func awaitUsage(t *testing.T, sys *cli.System, want int64) {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for {
		used := sys.Monitor.Ledger().GlobalUsed().Bytes()
		if used == want {
			return
		}
		require.True(t, time.Now().Before(deadline),
			"usage %d never reached %d", used, want)
		time.Sleep(100 * time.Millisecond)
	}
}

func TestLedgerSurvivesRestart(t *testing.T) {
	cfg := durableConfig(t, 2)
	want := pyramidTiles(2) * tileSize

	// 第一個行程：播種後正常關閉（快照落盤）
	sys, err := cli.BuildSystem(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, sys.Start())
	seedPyramid(t, sys, 2, 2)
	awaitUsage(t, sys, want)
	sys.Stop()

	// 第二個行程：同一組路徑重啟，帳本直接還原
	restarted, err := cli.BuildSystem(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, restarted.Start())
	defer restarted.Stop()

	assert.Equal(t, want, restarted.Monitor.Ledger().GlobalUsed().Bytes(),
		"usage must be restored from snapshot and journal before any scan")

	// 還原的不只總量，per-tileset 明細也在
	sets := restarted.Monitor.Ledger().TileSets()
	require.Len(t, sets, 1)
	usedBySet, tiles := restarted.Monitor.Ledger().UsedByTileSet(sets[0])
	assert.Equal(t, want, usedBySet.Bytes())
	assert.Equal(t, pyramidTiles(2), tiles)
}

func TestBootstrapScanRebuildsUsage(t *testing.T) {
	cfg := durableConfig(t, 2)
	want := pyramidTiles(2) * tileSize

	// 第一個行程播種；隨後丟棄持久化的帳本，模擬快照遺失
	sys, err := cli.BuildSystem(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, sys.Start())
	seedPyramid(t, sys, 2, 2)
	awaitUsage(t, sys, want)
	sys.Stop()

	fresh := durableConfig(t, 2)
	fresh.Storage.Root = cfg.Storage.Root // 同一棵快取樹，全新的帳本路徑

	restarted, err := cli.BuildSystem(fresh, nil)
	require.NoError(t, err)
	require.NoError(t, restarted.Start())
	defer restarted.Stop()

	// bootstrap 走訪快取樹，經聚合管線重建整個帳本
	awaitUsage(t, restarted, want)
}

func TestRecoveredLedgerDrivesEnforcement(t *testing.T) {
	cfg := durableConfig(t, 3)
	want := pyramidTiles(3) * tileSize

	sys, err := cli.BuildSystem(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, sys.Start())
	seedPyramid(t, sys, 3, 2)
	awaitUsage(t, sys, want)
	sys.Stop()

	// 重啟時才加上配額：恢復的用量立即超標，監視器開始淘汰
	cfg.Quota.Policy = string(types.PolicyLRU)
	cfg.Quota.GlobalQuota = types.Quota(8 << 10)
	cfg.Quota.CleanupFrequencySeconds = 1

	restarted, err := cli.BuildSystem(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, restarted.Start())
	defer restarted.Stop()

	used := awaitUsageAtMost(t, restarted, cfg.Quota.GlobalQuota)
	assert.Greater(t, used.Bytes(), int64(0))
	assert.Less(t, countTiles(t, restarted.Store), pyramidTiles(3))
}
