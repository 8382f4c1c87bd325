package main

// ============================================================================
// 示範程式：在記憶體內跑完整個循環
//
// 1. 以內嵌配置建立目錄、記憶體儲存、播種調度器與配額監視器
// 2. 播種一個圖層到超出全域配額
// 3. 觀察配額監視器以 LRU 淘汰頁面，直到用量收斂回上限以下
//
// 執行：go run ./cmd/gwc-demo
// ============================================================================

import (
	"fmt"
	"log"
	"time"

	"github.com/GeoWebCache/geowebcache-sub001/internal/cli"
	"github.com/GeoWebCache/geowebcache-sub001/internal/config"
	"github.com/GeoWebCache/geowebcache-sub001/internal/grid"
	"github.com/GeoWebCache/geowebcache-sub001/internal/layer"
	"github.com/GeoWebCache/geowebcache-sub001/internal/seed"
	"github.com/GeoWebCache/geowebcache-sub001/internal/storage"
	"github.com/GeoWebCache/geowebcache-sub001/pkg/types"
)

const tileSize = 1024

func demoConfig() config.Config {
	cfg := config.Default()
	cfg.Layers = []layer.Definition{{
		Name:       "demo:world",
		Formats:    []string{"image/png"},
		MetaWidth:  2,
		MetaHeight: 2,
		GridSets: []layer.GridSubset{{
			Name:      "EPSG:4326",
			SRS:       4326,
			ZoomStart: 0,
			ZoomStop:  4,
			Coverages: fullPyramid(4),
		}},
	}}
	cfg.Quota.Policy = string(types.PolicyLRU)
	cfg.Quota.GlobalQuota = types.Quota(256 << 10)
	cfg.Quota.CleanupFrequencySeconds = 1
	return cfg
}

// fullPyramid 每層級 2^z × 2^z 的完整覆蓋
func fullPyramid(zoomStop int) []grid.Coverage {
	covs := make([]grid.Coverage, 0, zoomStop+1)
	for z := 0; z <= zoomStop; z++ {
		max := int64(1)<<z - 1
		covs = append(covs, grid.Coverage{Zoom: z, MaxX: max, MaxY: max})
	}
	return covs
}

func main() {
	cfg := demoConfig()

	sys, err := cli.BuildSystem(cfg, storage.StubRender(tileSize))
	if err != nil {
		log.Fatalf("failed to build system: %v", err)
	}
	if err := sys.Start(); err != nil {
		log.Fatalf("failed to start system: %v", err)
	}
	defer sys.Stop()

	fmt.Println("✓ System started (memory store, 256 KiB global quota, LRU)")

	// 1+4+16+64+256 = 341 tiles × 1 KiB，超出配額約 85 KiB
	ids, err := sys.Breeder.Seed(seed.Request{
		Layer:     "demo:world",
		GridSet:   "EPSG:4326",
		ZoomStart: 0,
		ZoomStop:  4,
		Threads:   4,
		Type:      types.TypeSeed,
	})
	if err != nil {
		log.Fatalf("failed to submit seed job: %v", err)
	}
	fmt.Printf("✓ Seeding demo:world with %d parallel tasks\n", len(ids))

	waitForTasks(sys, ids)

	ledger := sys.Monitor.Ledger()
	fmt.Printf("✓ Seeding finished, cache usage: %s (quota %s)\n",
		ledger.GlobalUsed(), cfg.Quota.GlobalQuota)

	fmt.Println("… waiting for quota enforcement to converge")
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		used := ledger.GlobalUsed()
		fmt.Printf("  usage: %s\n", used)
		if used <= cfg.Quota.GlobalQuota {
			fmt.Println("✓ Usage is back under the quota, least recently seeded pages were expired")
			return
		}
		time.Sleep(time.Second)
	}
	log.Fatal("quota enforcement did not converge within 30s")
}

func waitForTasks(sys *cli.System, ids []types.TaskID) {
	remaining := make(map[types.TaskID]bool, len(ids))
	for _, id := range ids {
		remaining[id] = true
	}
	for len(remaining) > 0 {
		time.Sleep(100 * time.Millisecond)
		for _, st := range sys.Breeder.StatusList("demo:world") {
			switch st.State {
			case types.StateDone, types.StateDead, types.StateInterrupted:
				delete(remaining, st.ID)
			}
		}
	}
}
