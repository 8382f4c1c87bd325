package quota

// ============================================================================
// Quota Engine Test File
// Purpose: Verify ledger accounting invariants, pipeline batching, and the
// enforcement loop's convergence behavior
// ============================================================================

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GeoWebCache/geowebcache-sub001/internal/grid"
	"github.com/GeoWebCache/geowebcache-sub001/internal/layer"
	"github.com/GeoWebCache/geowebcache-sub001/internal/seed"
	"github.com/GeoWebCache/geowebcache-sub001/internal/storage"
	"github.com/GeoWebCache/geowebcache-sub001/pkg/types"
)

func testPage(set types.TileSet, px, py int64, z int) types.PageID {
	return types.PageID{TileSetKey: set.Key(), PageX: px, PageY: py, PageZ: z}
}

var testSet = types.TileSet{Layer: "topp:states", GridSet: "EPSG:4326", Format: "image/png"}

// ============================================================================
// Ledger Tests
// ============================================================================

// TestLedgerClampAtZero tests that deleting more than was ever stored is a
// no-op at the ledger, never a negative credit
func TestLedgerClampAtZero(t *testing.T) {
	ledger := NewLedger()
	page := testPage(testSet, 0, 0, 2)

	ledger.ApplyUsage(page, UsageDelta{Bytes: 100, Tiles: 2})
	ledger.ApplyUsage(page, UsageDelta{Bytes: -150, Tiles: -5})

	used, tiles := ledger.UsedByTileSet(testSet)
	assert.Equal(t, types.Quota(0), used)
	assert.Equal(t, int64(0), tiles)
	assert.Equal(t, types.Quota(0), ledger.GlobalUsed())
}

// TestLedgerCountersAgree tests that page, tileset, and global counters
// stay mutually consistent through mixed deltas
func TestLedgerCountersAgree(t *testing.T) {
	ledger := NewLedger()
	a := testPage(testSet, 0, 0, 2)
	b := testPage(testSet, 1, 0, 2)

	ledger.ApplyUsage(a, UsageDelta{Bytes: 300, Tiles: 3})
	ledger.ApplyUsage(b, UsageDelta{Bytes: 200, Tiles: 2})
	ledger.ApplyUsage(a, UsageDelta{Bytes: -100, Tiles: -1})

	used, tiles := ledger.UsedByTileSet(testSet)
	assert.Equal(t, types.Quota(400), used)
	assert.Equal(t, int64(4), tiles)
	assert.Equal(t, types.Quota(400), ledger.GlobalUsed())
	assert.Equal(t, types.Quota(400), ledger.UsedBy([]string{"topp:states"}))
	assert.Equal(t, types.Quota(0), ledger.UsedBy([]string{"other"}))
}

// TestLedgerTopPageLRU tests least-recently-used victim selection
func TestLedgerTopPageLRU(t *testing.T) {
	ledger := NewLedger()
	old := testPage(testSet, 0, 0, 2)
	fresh := testPage(testSet, 1, 0, 2)

	ledger.ApplyUsage(old, UsageDelta{Bytes: 100, Tiles: 1})
	ledger.ApplyUsage(fresh, UsageDelta{Bytes: 100, Tiles: 1})
	ledger.ApplyAccess(old, AccessDelta{Hits: 10, LastAccess: 1000})
	ledger.ApplyAccess(fresh, AccessDelta{Hits: 1, LastAccess: 2000})

	victim, bytes, ok := ledger.TopPage([]string{"topp:states"}, types.PolicyLRU, nil)
	require.True(t, ok)
	assert.Equal(t, old, victim)
	assert.Equal(t, int64(100), bytes)

	// LFU flips the choice: fresh has fewer hits
	victim, _, ok = ledger.TopPage([]string{"topp:states"}, types.PolicyLFU, nil)
	require.True(t, ok)
	assert.Equal(t, fresh, victim)

	// The skip set excludes pages already handled this pass
	victim, _, ok = ledger.TopPage([]string{"topp:states"}, types.PolicyLRU,
		map[types.PageID]bool{old: true})
	require.True(t, ok)
	assert.Equal(t, fresh, victim)
}

// TestLedgerStructuralOps tests synchronous layer-level bookkeeping
func TestLedgerStructuralOps(t *testing.T) {
	ledger := NewLedger()
	otherSet := types.TileSet{Layer: "roads", GridSet: "EPSG:4326", Format: "image/png"}
	ledger.ApplyUsage(testPage(testSet, 0, 0, 2), UsageDelta{Bytes: 100, Tiles: 1})
	ledger.ApplyUsage(testPage(otherSet, 0, 0, 2), UsageDelta{Bytes: 50, Tiles: 1})

	ledger.RenameLayer("topp:states", "states2")
	assert.Equal(t, types.Quota(0), ledger.UsedBy([]string{"topp:states"}))
	assert.Equal(t, types.Quota(100), ledger.UsedBy([]string{"states2"}))
	assert.Equal(t, types.Quota(150), ledger.GlobalUsed())

	ledger.DeleteLayer("states2")
	assert.Equal(t, types.Quota(0), ledger.UsedBy([]string{"states2"}))
	assert.Equal(t, types.Quota(50), ledger.GlobalUsed())
}

// TestLedgerSnapshotRoundTrip tests export/restore equivalence
func TestLedgerSnapshotRoundTrip(t *testing.T) {
	ledger := NewLedger()
	page := testPage(testSet, 1, 2, 3)
	ledger.ApplyUsage(page, UsageDelta{Bytes: 777, Tiles: 7, Capacity: 16})
	ledger.ApplyAccess(page, AccessDelta{Hits: 3, LastAccess: 99})

	restored := NewLedger()
	restored.Restore(ledger.Export())

	assert.Equal(t, ledger.GlobalUsed(), restored.GlobalUsed())
	stats, ok := restored.PageStatsFor(page)
	require.True(t, ok)
	assert.Equal(t, int64(99), stats.LastAccess)
	assert.Equal(t, float64(3), stats.Frequency)
	assert.InDelta(t, 7.0/16.0, stats.FillFactor, 1e-9)
}

// ============================================================================
// Aggregator Tests
// ============================================================================

func testAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		QueueDepth:     128,
		Quiescence:     50 * time.Millisecond,
		PerKeyCap:      1000,
		ProduceTimeout: time.Second,
	}
}

// TestAggregatorEventualConsistency tests that after quiescence the
// committed total equals the exact sum of produced deltas, independent of
// arrival batching
func TestAggregatorEventualConsistency(t *testing.T) {
	ledger := NewLedger()
	page := testPage(testSet, 0, 0, 2)

	agg := NewAggregator("test", testAggregatorConfig(), mergeUsage,
		func(id types.PageID, d UsageDelta) { ledger.ApplyUsage(id, d) })
	agg.Start()
	defer agg.Stop()

	const n = 250
	for i := 0; i < n; i++ {
		require.NoError(t, agg.Produce(page, UsageDelta{Bytes: 10, Tiles: 1}))
	}

	require.Eventually(t, func() bool {
		return ledger.GlobalUsed() == types.Quota(n*10)
	}, 2*time.Second, 10*time.Millisecond)
}

// TestAggregatorPerKeyCap tests that hitting the per-key event cap commits
// without waiting for quiescence
func TestAggregatorPerKeyCap(t *testing.T) {
	cfg := testAggregatorConfig()
	cfg.Quiescence = time.Hour // only the cap can trigger a commit
	cfg.PerKeyCap = 5

	var committed atomic.Int64
	agg := NewAggregator("test", cfg, mergeUsage,
		func(_ types.PageID, d UsageDelta) { committed.Add(d.Bytes) })
	agg.Start()
	defer agg.Stop()

	page := testPage(testSet, 0, 0, 2)
	for i := 0; i < 5; i++ {
		require.NoError(t, agg.Produce(page, UsageDelta{Bytes: 1}))
	}

	require.Eventually(t, func() bool {
		return committed.Load() == 5
	}, 2*time.Second, 5*time.Millisecond)
}

// TestAggregatorFlush tests that Flush synchronously settles everything
// produced before the call
func TestAggregatorFlush(t *testing.T) {
	cfg := testAggregatorConfig()
	cfg.Quiescence = time.Hour

	var committed atomic.Int64
	agg := NewAggregator("test", cfg, mergeUsage,
		func(_ types.PageID, d UsageDelta) { committed.Add(d.Bytes) })
	agg.Start()
	defer agg.Stop()

	for i := 0; i < 7; i++ {
		require.NoError(t, agg.Produce(testPage(testSet, int64(i), 0, 2), UsageDelta{Bytes: 2}))
	}
	agg.Flush()
	assert.Equal(t, int64(14), committed.Load())
}

// TestAggregatorClosedProduce tests the closed-pipeline error path
func TestAggregatorClosedProduce(t *testing.T) {
	agg := NewAggregator("test", testAggregatorConfig(), mergeUsage,
		func(types.PageID, UsageDelta) {})
	agg.Start()
	agg.Stop()

	err := agg.Produce(testPage(testSet, 0, 0, 2), UsageDelta{Bytes: 1})
	require.ErrorIs(t, err, ErrPipelineClosed)
}

// ============================================================================
// Cleaner Tests
// ============================================================================

func cleanerCatalog() *layer.Catalog {
	return layer.NewCatalog([]layer.Definition{
		{
			Name:    "topp:states",
			Formats: []string{"image/png"},
			GridSets: []layer.GridSubset{
				{
					Name: "EPSG:4326", SRS: 4326, ZoomStart: 2, ZoomStop: 2,
					Coverages: []grid.Coverage{{Zoom: 2, MinX: 0, MinY: 0, MaxX: 3, MaxY: 3}},
				},
			},
		},
	})
}

// ledgerTruncator simulates a truncate by removing the victim page's bytes
// from the ledger, the way real per-tile delete events eventually would.
type ledgerTruncator struct {
	ledger  *Ledger
	catalog *layer.Catalog
	bytes   map[types.PageID]int64
	victims []types.PageID
	noop    bool // when set, truncation reclaims nothing (drift scenario)
}

func (lt *ledgerTruncator) RunTruncate(_ context.Context, req seed.Request) (types.TaskStatus, error) {
	if len(req.Bounds) != 1 {
		return types.TaskStatus{}, fmt.Errorf("expected one bound, got %d", len(req.Bounds))
	}
	b := req.Bounds[0]
	set := types.TileSet{Layer: req.Layer, GridSet: req.GridSet, Format: req.Format, ParamsID: req.ParamsID}

	handle, err := lt.catalog.Lookup(req.Layer)
	if err != nil {
		return types.TaskStatus{}, err
	}
	subset, err := handle.ResolveGridSubset(req.GridSet, 0)
	if err != nil {
		return types.TaskStatus{}, err
	}
	idx := grid.NewPageIndex(subset.Coverages)
	px, py, _ := idx.PageFor(types.TileIndex{X: b.MinX, Y: b.MinY, Z: b.Zoom})
	page := types.PageID{TileSetKey: set.Key(), PageX: px, PageY: py, PageZ: b.Zoom}

	lt.victims = append(lt.victims, page)
	if !lt.noop {
		lt.ledger.ApplyUsage(page, UsageDelta{Bytes: -lt.bytes[page], Tiles: -4})
	}
	return types.TaskStatus{State: types.StateDone}, nil
}

// seedCleanerLedger loads 4 pages of 150 MiB each (600 MiB total) with
// page (0,0) the least recently used.
func seedCleanerLedger(ledger *Ledger) map[types.PageID]int64 {
	bytes := make(map[types.PageID]int64)
	pageMiB := int64(150 * types.MiB)
	order := int64(0)
	for px := int64(0); px < 2; px++ {
		for py := int64(0); py < 2; py++ {
			page := testPage(testSet, px, py, 2)
			ledger.ApplyUsage(page, UsageDelta{Bytes: pageMiB, Tiles: 4, Capacity: 4})
			order++
			ledger.ApplyAccess(page, AccessDelta{Hits: order, LastAccess: order})
			bytes[page] = pageMiB
		}
	}
	return bytes
}

// TestCleanerConvergence tests the feedback loop: 600 MiB used against a
// 500 MiB limit converges in one victim truncation and stays done
func TestCleanerConvergence(t *testing.T) {
	ledger := NewLedger()
	catalog := cleanerCatalog()
	bytes := seedCleanerLedger(ledger)

	lt := &ledgerTruncator{ledger: ledger, catalog: catalog, bytes: bytes}
	cleaner := NewCleaner(ledger, catalog, lt, nil)

	limit := types.Quota(500 * types.MiB)
	scope := Scope{
		Name:   "layer:topp:states",
		Layers: []string{"topp:states"},
		Limit:  func() (types.Quota, bool) { return limit, true },
		Policy: func() (types.ExpirationPolicy, bool) { return types.PolicyLRU, true },
	}

	require.NoError(t, cleaner.Enforce(context.Background(), scope))

	// excess 100 MiB / page 150 MiB → exactly one victim, the LRU page
	require.Len(t, lt.victims, 1)
	assert.Equal(t, testPage(testSet, 0, 0, 2), lt.victims[0])
	assert.LessOrEqual(t, ledger.UsedBy([]string{"topp:states"}), limit)
}

// TestCleanerNeverRevisitsPage tests that when truncation reclaims nothing
// the pass visits every page at most once and then stops on drift
func TestCleanerNeverRevisitsPage(t *testing.T) {
	ledger := NewLedger()
	catalog := cleanerCatalog()
	bytes := seedCleanerLedger(ledger)

	lt := &ledgerTruncator{ledger: ledger, catalog: catalog, bytes: bytes, noop: true}
	cleaner := NewCleaner(ledger, catalog, lt, nil)

	scope := Scope{
		Name:   "layer:topp:states",
		Layers: []string{"topp:states"},
		Limit:  func() (types.Quota, bool) { return types.Quota(1), true },
		Policy: func() (types.ExpirationPolicy, bool) { return types.PolicyLRU, true },
	}

	require.NoError(t, cleaner.Enforce(context.Background(), scope))

	require.Len(t, lt.victims, 4)
	seen := make(map[types.PageID]bool)
	for _, v := range lt.victims {
		assert.False(t, seen[v], "page %s selected twice in one pass", v)
		seen[v] = true
	}
}

// TestCleanerMissingPolicy tests that a quota without a policy aborts
// loudly instead of being silently ignored
func TestCleanerMissingPolicy(t *testing.T) {
	ledger := NewLedger()
	seedCleanerLedger(ledger)
	cleaner := NewCleaner(ledger, cleanerCatalog(), nil, nil)

	scope := Scope{
		Name:   "layer:topp:states",
		Layers: []string{"topp:states"},
		Limit:  func() (types.Quota, bool) { return types.Quota(1), true },
		Policy: func() (types.ExpirationPolicy, bool) { return "", false },
	}

	require.ErrorIs(t, cleaner.Enforce(context.Background(), scope), ErrNoExpirationPolicy)
}

// TestCleanerUnderLimitIsNoop tests that a scope within budget does not
// touch the breeder at all
func TestCleanerUnderLimitIsNoop(t *testing.T) {
	ledger := NewLedger()
	catalog := cleanerCatalog()
	bytes := seedCleanerLedger(ledger)

	lt := &ledgerTruncator{ledger: ledger, catalog: catalog, bytes: bytes}
	cleaner := NewCleaner(ledger, catalog, lt, nil)

	scope := Scope{
		Name:   "layer:topp:states",
		Layers: []string{"topp:states"},
		Limit:  func() (types.Quota, bool) { return types.Quota(types.GiB), true },
		Policy: func() (types.ExpirationPolicy, bool) { return types.PolicyLRU, true },
	}

	require.NoError(t, cleaner.Enforce(context.Background(), scope))
	assert.Empty(t, lt.victims)
}

// ============================================================================
// Monitor Tests
// ============================================================================

// TestMonitorBootstrapScan tests that tiles present on disk before startup
// are discovered by the bootstrap walk and accounted in the ledger
func TestMonitorBootstrapScan(t *testing.T) {
	blobs := storage.NewMemoryStore()
	for i := int64(0); i < 3; i++ {
		require.NoError(t, blobs.Put(testSet, types.TileIndex{X: i, Y: 0, Z: 2}, make([]byte, 100)))
	}

	cfg := Config{CleanUpFrequency: time.Hour}
	cfg.Mutation = testAggregatorConfig()
	cfg.Access = testAggregatorConfig()
	monitor, err := NewMonitor(cfg, cleanerCatalog(), blobs, nil)
	require.NoError(t, err)

	require.NoError(t, monitor.Start())
	defer monitor.Stop()

	require.Eventually(t, func() bool {
		return monitor.Ledger().GlobalUsed() == types.Quota(300)
	}, 2*time.Second, 10*time.Millisecond)
}

// gatedStore delays the bootstrap walk until the test opens the gate,
// so tiles written after startup are visible to both the walk and the
// live event stream.
type gatedStore struct {
	*storage.MemoryStore
	gate chan struct{}
}

func (g *gatedStore) Walk(ctx context.Context, layerName string, fn storage.WalkFunc) error {
	<-g.gate
	return g.MemoryStore.Walk(ctx, layerName, fn)
}

// TestMonitorBootstrapReconcilesLiveWrites tests that a tile stored while
// the bootstrap scan is still running is accounted exactly once, never by
// both the walk and the live listener
func TestMonitorBootstrapReconcilesLiveWrites(t *testing.T) {
	blobs := &gatedStore{MemoryStore: storage.NewMemoryStore(), gate: make(chan struct{})}
	for i := int64(0); i < 2; i++ {
		require.NoError(t, blobs.Put(testSet, types.TileIndex{X: i, Y: 0, Z: 2}, make([]byte, 100)))
	}

	cfg := Config{CleanUpFrequency: time.Hour}
	cfg.Mutation = testAggregatorConfig()
	cfg.Access = testAggregatorConfig()
	monitor, err := NewMonitor(cfg, cleanerCatalog(), blobs, nil)
	require.NoError(t, err)
	require.NoError(t, monitor.Start())
	defer monitor.Stop()

	// Live writes land before the walk has seen anything
	for i := int64(2); i < 4; i++ {
		require.NoError(t, blobs.Put(testSet, types.TileIndex{X: i, Y: 0, Z: 2}, make([]byte, 100)))
	}
	close(blobs.gate)

	require.Eventually(t, func() bool {
		return monitor.Ledger().GlobalUsed() == types.Quota(400)
	}, 2*time.Second, 10*time.Millisecond)

	// Settled, not passing through 400 on its way higher
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, types.Quota(400), monitor.Ledger().GlobalUsed())
}

// TestMonitorBootstrapOverwriteDuringScan tests the overwrite path: a
// pre-existing tile replaced before the walk reaches it is accounted at
// its new size once, not as an unbased delta plus a walked base
func TestMonitorBootstrapOverwriteDuringScan(t *testing.T) {
	blobs := &gatedStore{MemoryStore: storage.NewMemoryStore(), gate: make(chan struct{})}
	idx := types.TileIndex{X: 0, Y: 0, Z: 2}
	require.NoError(t, blobs.Put(testSet, idx, make([]byte, 100)))

	cfg := Config{CleanUpFrequency: time.Hour}
	cfg.Mutation = testAggregatorConfig()
	cfg.Access = testAggregatorConfig()
	monitor, err := NewMonitor(cfg, cleanerCatalog(), blobs, nil)
	require.NoError(t, err)
	require.NoError(t, monitor.Start())
	defer monitor.Stop()

	require.NoError(t, blobs.Put(testSet, idx, make([]byte, 150)))
	close(blobs.gate)

	require.Eventually(t, func() bool {
		return monitor.Ledger().GlobalUsed() == types.Quota(150)
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, types.Quota(150), monitor.Ledger().GlobalUsed())
}

// TestMonitorRecovery tests that quota state survives a restart through
// the snapshot and journal
func TestMonitorRecovery(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		CleanUpFrequency: time.Hour,
		SnapshotPath:     dir + "/quota.snapshot.json",
		JournalPath:      dir + "/quota.journal.log",
	}
	cfg.Mutation = testAggregatorConfig()
	cfg.Access = testAggregatorConfig()

	blobs := storage.NewMemoryStore()
	first, err := NewMonitor(cfg, cleanerCatalog(), blobs, nil)
	require.NoError(t, err)
	require.NoError(t, first.Start())

	// Live mutations flow through the registered listener
	for i := int64(0); i < 4; i++ {
		require.NoError(t, blobs.Put(testSet, types.TileIndex{X: i, Y: 0, Z: 2}, make([]byte, 64)))
	}
	require.Eventually(t, func() bool {
		return first.Ledger().GlobalUsed() == types.Quota(256)
	}, 2*time.Second, 10*time.Millisecond)
	first.Stop()

	second, err := NewMonitor(cfg, cleanerCatalog(), storage.NewMemoryStore(), nil)
	require.NoError(t, err)
	require.NoError(t, second.Start())
	defer second.Stop()

	assert.Equal(t, types.Quota(256), second.Ledger().GlobalUsed())
}

// TestConfigValidation tests synchronous rejection of bad quota settings
func TestConfigValidation(t *testing.T) {
	bad := Config{GlobalQuota: -1}
	require.Error(t, bad.Validate())

	noPolicy := Config{GlobalQuota: types.Quota(types.GiB)}
	require.Error(t, noPolicy.Validate())

	// A quota without a schedule would never be enforced
	noFrequency := Config{GlobalQuota: types.Quota(types.GiB), Policy: types.PolicyLRU}
	require.Error(t, noFrequency.Validate())

	ok := Config{GlobalQuota: types.Quota(types.GiB), Policy: types.PolicyLRU,
		CleanUpFrequency: 10 * time.Second}
	require.NoError(t, ok.Validate())

	unset := Config{}
	require.NoError(t, unset.Validate())
}
