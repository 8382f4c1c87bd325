package storage

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GeoWebCache/geowebcache-sub001/internal/grid"
	"github.com/GeoWebCache/geowebcache-sub001/pkg/types"
)

var testSet = types.TileSet{Layer: "topp:states", GridSet: "EPSG:4326", Format: "image/png"}

// recordingListener 收集事件供斷言
type recordingListener struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingListener) OnEvent(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingListener) byKind(kind EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// 兩個實作共用同一套行為測試
func stores(t *testing.T) map[string]Storage {
	t.Helper()
	fs, err := NewFileBlobStore(t.TempDir())
	require.NoError(t, err)
	return map[string]Storage{
		"memory": NewMemoryStore(),
		"file":   fs,
	}
}

func TestPutGetDelete(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			rec := &recordingListener{}
			store.AddListener(rec)

			idx := types.TileIndex{X: 3, Y: 5, Z: 4}
			require.NoError(t, store.Put(testSet, idx, []byte("tile-bytes")))

			blob, ok, err := store.Get(testSet, idx)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, []byte("tile-bytes"), blob)

			ok, err = store.Has(testSet, idx)
			require.NoError(t, err)
			assert.True(t, ok)

			removed, err := store.Delete(testSet, idx)
			require.NoError(t, err)
			assert.True(t, removed)

			_, ok, err = store.Get(testSet, idx)
			require.NoError(t, err)
			assert.False(t, ok)

			// 不存在的 tile：刪除回報 false，不發事件
			removed, err = store.Delete(testSet, idx)
			require.NoError(t, err)
			assert.False(t, removed)

			assert.Len(t, rec.byKind(TileStored), 1)
			assert.Len(t, rec.byKind(TileRequested), 1)
			assert.Len(t, rec.byKind(TileDeleted), 1)
		})
	}
}

func TestPutEmitsUpdateWithOldSize(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			rec := &recordingListener{}
			store.AddListener(rec)

			idx := types.TileIndex{X: 1, Y: 1, Z: 1}
			require.NoError(t, store.Put(testSet, idx, []byte("abcd")))
			require.NoError(t, store.Put(testSet, idx, []byte("abcdefgh")))

			updates := rec.byKind(TileUpdated)
			require.Len(t, updates, 1)
			assert.Equal(t, int64(8), updates[0].Size)
			assert.Equal(t, int64(4), updates[0].OldSize)
		})
	}
}

func TestHasEmitsNoEvents(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			idx := types.TileIndex{X: 0, Y: 0, Z: 0}
			require.NoError(t, store.Put(testSet, idx, []byte("x")))

			rec := &recordingListener{}
			store.AddListener(rec)

			ok, err := store.Has(testSet, idx)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Empty(t, rec.events)
		})
	}
}

func TestDeleteRange(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			// 4×4 個 tile 在層級 2，外加一個層級 1 的 tile
			for x := int64(0); x < 4; x++ {
				for y := int64(0); y < 4; y++ {
					require.NoError(t, store.Put(testSet, types.TileIndex{X: x, Y: y, Z: 2}, []byte("z2")))
				}
			}
			require.NoError(t, store.Put(testSet, types.TileIndex{X: 0, Y: 0, Z: 1}, []byte("z1")))

			rec := &recordingListener{}
			store.AddListener(rec)

			// 只截掉層級 2 的左下 2×2 象限
			tr := &grid.TileRange{
				Layer: testSet.Layer, GridSet: testSet.GridSet, Format: testSet.Format,
				ZoomStart: 2, ZoomStop: 2,
				Coverages: []grid.Coverage{{Zoom: 2, MinX: 0, MinY: 0, MaxX: 1, MaxY: 1}},
			}
			deleted, err := store.DeleteRange(tr)
			require.NoError(t, err)
			assert.True(t, deleted)

			assert.Len(t, rec.byKind(TileDeleted), 4, "one event per deleted tile")

			ok, err := store.Has(testSet, types.TileIndex{X: 0, Y: 0, Z: 2})
			require.NoError(t, err)
			assert.False(t, ok)
			ok, err = store.Has(testSet, types.TileIndex{X: 2, Y: 2, Z: 2})
			require.NoError(t, err)
			assert.True(t, ok, "tiles outside the range survive")
			ok, err = store.Has(testSet, types.TileIndex{X: 0, Y: 0, Z: 1})
			require.NoError(t, err)
			assert.True(t, ok, "other zoom levels survive")

			// 空範圍：沒有任何 tile 被刪
			deleted, err = store.DeleteRange(&grid.TileRange{
				Layer: testSet.Layer, GridSet: testSet.GridSet, Format: testSet.Format,
				ZoomStart: 7, ZoomStop: 7,
				Coverages: []grid.Coverage{{Zoom: 7, MinX: 0, MinY: 0, MaxX: 3, MaxY: 3}},
			})
			require.NoError(t, err)
			assert.False(t, deleted)
		})
	}
}

func TestWalk(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			otherSet := types.TileSet{Layer: "roads", GridSet: "EPSG:4326", Format: "image/png"}
			require.NoError(t, store.Put(testSet, types.TileIndex{X: 0, Y: 0, Z: 0}, []byte("aa")))
			require.NoError(t, store.Put(testSet, types.TileIndex{X: 1, Y: 0, Z: 1}, []byte("bbbb")))
			require.NoError(t, store.Put(otherSet, types.TileIndex{X: 0, Y: 0, Z: 0}, []byte("cc")))

			var total int64
			var count int
			err := store.Walk(context.Background(), testSet.Layer, func(set types.TileSet, idx types.TileIndex, size int64) error {
				assert.Equal(t, testSet.Layer, set.Layer)
				total += size
				count++
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, 2, count, "walk is scoped to one layer")
			assert.Equal(t, int64(6), total)
		})
	}
}

func TestWalkCancellation(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for x := int64(0); x < 8; x++ {
				require.NoError(t, store.Put(testSet, types.TileIndex{X: x, Y: 0, Z: 3}, []byte("x")))
			}

			ctx, cancel := context.WithCancel(context.Background())
			visited := 0
			err := store.Walk(ctx, testSet.Layer, func(types.TileSet, types.TileIndex, int64) error {
				visited++
				cancel()
				return nil
			})
			assert.ErrorIs(t, err, context.Canceled)
			assert.Less(t, visited, 8, "cancellation stops the walk early")
		})
	}
}

func TestWalkUnknownLayerIsNoop(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			err := store.Walk(context.Background(), "ghost", func(types.TileSet, types.TileIndex, int64) error {
				t.Fatal("callback must not fire for an unknown layer")
				return nil
			})
			assert.NoError(t, err)
		})
	}
}

func TestParamsIDKeepsTileSetsSeparate(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			styled := testSet
			styled.ParamsID = "style-a1b2"
			idx := types.TileIndex{X: 0, Y: 0, Z: 0}

			require.NoError(t, store.Put(testSet, idx, []byte("default")))
			require.NoError(t, store.Put(styled, idx, []byte("styled")))

			blob, ok, err := store.Get(styled, idx)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, []byte("styled"), blob)

			blob, ok, err = store.Get(testSet, idx)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, []byte("default"), blob)
		})
	}
}

func TestStructuralOps(t *testing.T) {
	fs, err := NewFileBlobStore(t.TempDir())
	require.NoError(t, err)

	for name, store := range map[string]interface {
		Storage
		DeleteLayer(string) error
		RenameLayer(string, string) error
	}{
		"memory": NewMemoryStore(),
		"file":   fs,
	} {
		t.Run(name, func(t *testing.T) {
			rec := &recordingListener{}
			store.AddListener(rec)

			idx := types.TileIndex{X: 0, Y: 0, Z: 0}
			require.NoError(t, store.Put(testSet, idx, []byte("x")))

			require.NoError(t, store.RenameLayer(testSet.Layer, "usa:states"))

			renamed := testSet
			renamed.Layer = "usa:states"
			ok, err := store.Has(renamed, idx)
			require.NoError(t, err)
			assert.True(t, ok)

			require.NoError(t, store.DeleteLayer("usa:states"))
			ok, err = store.Has(renamed, idx)
			require.NoError(t, err)
			assert.False(t, ok)

			renames := rec.byKind(LayerRenamed)
			require.Len(t, renames, 1)
			assert.Equal(t, "usa:states", renames[0].NewName)
			assert.Len(t, rec.byKind(LayerDeleted), 1)
		})
	}
}

func TestStubRender(t *testing.T) {
	render := StubRender(512)

	blob, err := render(context.Background(), testSet, types.TileIndex{X: 1, Y: 2, Z: 3})
	require.NoError(t, err)
	assert.Len(t, blob, 512)
	assert.Contains(t, string(blob), "topp:states")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = render(ctx, testSet, types.TileIndex{})
	assert.ErrorIs(t, err, context.Canceled)
}

// TestSeedMetaTileClampsToBounds tests that a meta block whose origin
// comes from the meta-expanded iteration range only materializes the
// tiles inside the true coverage: a 2x2 block over a single-tile zoom 0
// stores one tile, and the expansion padding is never rendered
func TestSeedMetaTileClampsToBounds(t *testing.T) {
	store := NewMemoryStore()
	var rendered []types.TileIndex
	source := NewCachingSource(store, func(_ context.Context, _ types.TileSet, idx types.TileIndex) ([]byte, error) {
		rendered = append(rendered, idx)
		return []byte("blob"), nil
	})

	tr := &grid.TileRange{
		Layer: testSet.Layer, GridSet: testSet.GridSet, Format: testSet.Format,
		ZoomStart: 0, ZoomStop: 0,
		Bounds:    []grid.Coverage{{Zoom: 0, MinX: 0, MinY: 0, MaxX: 0, MaxY: 0}},
		Coverages: []grid.Coverage{{Zoom: 0, MinX: 0, MinY: 0, MaxX: 1, MaxY: 1}},
		MetaX:     2, MetaY: 2,
	}

	scope, err := source.Acquire(testSet.Layer)
	require.NoError(t, err)
	defer scope.Close()

	seeded, err := scope.SeedMetaTile(context.Background(), tr, types.TileIndex{X: 0, Y: 0, Z: 0}, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seeded)
	assert.Equal(t, []types.TileIndex{{X: 0, Y: 0, Z: 0}}, rendered)

	for _, padding := range []types.TileIndex{{X: 1, Y: 0, Z: 0}, {X: 0, Y: 1, Z: 0}, {X: 1, Y: 1, Z: 0}} {
		ok, err := store.Has(testSet, padding)
		require.NoError(t, err)
		assert.False(t, ok, "padding tile %v must not be stored", padding)
	}
}

// TestSeedMetaTileClampsMinEdge tests the lower edge: expansion aligns
// the block origin below the coverage minimum, and tiles below it are
// skipped rather than materialized
func TestSeedMetaTileClampsMinEdge(t *testing.T) {
	store := NewMemoryStore()
	source := NewCachingSource(store, StubRender(16))

	tr := &grid.TileRange{
		Layer: testSet.Layer, GridSet: testSet.GridSet, Format: testSet.Format,
		ZoomStart: 1, ZoomStop: 1,
		Bounds:    []grid.Coverage{{Zoom: 1, MinX: 1, MinY: 1, MaxX: 1, MaxY: 1}},
		Coverages: []grid.Coverage{{Zoom: 1, MinX: 0, MinY: 0, MaxX: 1, MaxY: 1}},
		MetaX:     2, MetaY: 2,
	}

	scope, err := source.Acquire(testSet.Layer)
	require.NoError(t, err)
	defer scope.Close()

	seeded, err := scope.SeedMetaTile(context.Background(), tr, types.TileIndex{X: 0, Y: 0, Z: 1}, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seeded)

	ok, err := store.Has(testSet, types.TileIndex{X: 1, Y: 1, Z: 1})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.Has(testSet, types.TileIndex{X: 0, Y: 0, Z: 1})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCachingSourceScopeClose(t *testing.T) {
	store := NewMemoryStore()
	source := NewCachingSource(store, StubRender(16))

	scope, err := source.Acquire(testSet.Layer)
	require.NoError(t, err)
	require.NoError(t, scope.Close())

	tr := &grid.TileRange{
		Layer: testSet.Layer, GridSet: testSet.GridSet, Format: testSet.Format,
		ZoomStart: 0, ZoomStop: 0,
		Coverages: []grid.Coverage{{Zoom: 0, MaxX: 0, MaxY: 0}},
		MetaX:     1, MetaY: 1,
	}
	_, err = scope.SeedMetaTile(context.Background(), tr, types.TileIndex{}, false)
	assert.ErrorContains(t, err, "closed")
}
