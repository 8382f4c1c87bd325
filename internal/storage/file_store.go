package storage

// ============================================================================
// FileBlobStore - 檔案樹 tile 儲存
// 職責：
// 1. 以 目錄-per-圖層/網格集/參數/格式/層級 的樹狀結構存放 tile
// 2. 在每次變更點同步發出事件
// 3. 支援可取消的整樹走訪（配額 bootstrap 掃描）
//
// 目錄結構（實作便利，不是對外承諾的穩定格式）：
//   root/<layer>/<gridset>/<params|default>/<format-sanitized>/<z>/<x>_<y>.tile
// ============================================================================

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/GeoWebCache/geowebcache-sub001/internal/grid"
	"github.com/GeoWebCache/geowebcache-sub001/pkg/types"
)

const defaultParamsDir = "default"

// FileBlobStore 檔案系統上的 Storage 實作
type FileBlobStore struct {
	ListenerHub

	root string
	mu   sync.Mutex // 序列化變更操作，確保 存在檢查→寫入→事件 的原子觀察
}

// NewFileBlobStore 建立檔案儲存，root 不存在時自動建立
func NewFileBlobStore(root string) (*FileBlobStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blobstore root: %w", err)
	}
	return &FileBlobStore{root: root}, nil
}

// Root 回傳儲存根目錄
func (f *FileBlobStore) Root() string { return f.root }

func sanitizeFormat(format string) string {
	return strings.NewReplacer("/", "_", ";", "_", "=", "_").Replace(format)
}

func (f *FileBlobStore) tilePath(set types.TileSet, idx types.TileIndex) string {
	params := set.ParamsID
	if params == "" {
		params = defaultParamsDir
	}
	return filepath.Join(f.root, set.Layer, set.GridSet, params, sanitizeFormat(set.Format),
		strconv.Itoa(idx.Z), fmt.Sprintf("%d_%d.tile", idx.X, idx.Y))
}

// Get 讀取 tile，命中時發出 TileRequested
func (f *FileBlobStore) Get(set types.TileSet, idx types.TileIndex) ([]byte, bool, error) {
	blob, err := os.ReadFile(f.tilePath(set, idx))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read tile %s/%s: %w", set.Key(), idx, err)
	}
	f.notify(Event{Kind: TileRequested, Set: set, Index: idx, Size: int64(len(blob))})
	return blob, true, nil
}

// Has 檢查 tile 是否存在，不發事件
func (f *FileBlobStore) Has(set types.TileSet, idx types.TileIndex) (bool, error) {
	_, err := os.Stat(f.tilePath(set, idx))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat tile %s/%s: %w", set.Key(), idx, err)
	}
	return true, nil
}

// Put 寫入 tile，發出 TileStored / TileUpdated
func (f *FileBlobStore) Put(set types.TileSet, idx types.TileIndex, blob []byte) error {
	path := f.tilePath(set, idx)

	f.mu.Lock()
	var oldSize int64 = -1
	if st, err := os.Stat(path); err == nil {
		oldSize = st.Size()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		f.mu.Unlock()
		return fmt.Errorf("create tile dir: %w", err)
	}
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		f.mu.Unlock()
		return fmt.Errorf("write tile %s/%s: %w", set.Key(), idx, err)
	}
	f.mu.Unlock()

	if oldSize >= 0 {
		f.notify(Event{Kind: TileUpdated, Set: set, Index: idx, Size: int64(len(blob)), OldSize: oldSize})
	} else {
		f.notify(Event{Kind: TileStored, Set: set, Index: idx, Size: int64(len(blob))})
	}
	return nil
}

// Delete 刪除單一 tile
func (f *FileBlobStore) Delete(set types.TileSet, idx types.TileIndex) (bool, error) {
	path := f.tilePath(set, idx)

	f.mu.Lock()
	st, err := os.Stat(path)
	if os.IsNotExist(err) {
		f.mu.Unlock()
		return false, nil
	}
	if err != nil {
		f.mu.Unlock()
		return false, fmt.Errorf("stat tile %s/%s: %w", set.Key(), idx, err)
	}
	if err := os.Remove(path); err != nil {
		f.mu.Unlock()
		return false, fmt.Errorf("delete tile %s/%s: %w", set.Key(), idx, err)
	}
	f.mu.Unlock()

	f.notify(Event{Kind: TileDeleted, Set: set, Index: idx, Size: st.Size()})
	return true, nil
}

// DeleteRange 刪除範圍內所有 tile，逐 tile 發事件
//
// 帳本依賴逐 tile 差額，因此即使是整段截斷也不走「整個目錄 rm -rf」。
func (f *FileBlobStore) DeleteRange(tr *grid.TileRange) (bool, error) {
	set := types.TileSet{Layer: tr.Layer, GridSet: tr.GridSet, Format: tr.Format, ParamsID: tr.ParamsID}

	deleted := false
	for _, cov := range tr.Coverages {
		if cov.Empty() {
			continue
		}
		levelDir := filepath.Join(f.root, set.Layer, set.GridSet, paramsDir(set.ParamsID),
			sanitizeFormat(set.Format), strconv.Itoa(cov.Zoom))

		entries, err := os.ReadDir(levelDir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return deleted, fmt.Errorf("scan level dir %s: %w", levelDir, err)
		}

		for _, entry := range entries {
			idx, ok := parseTileName(entry.Name(), cov.Zoom)
			if !ok || !cov.Contains(idx.X, idx.Y) {
				continue
			}
			removed, err := f.Delete(set, idx)
			if err != nil {
				return deleted, err
			}
			deleted = deleted || removed
		}
	}
	return deleted, nil
}

// Walk 走訪圖層的既有快取樹
//
// 取消旗標（ctx）在進入每個子目錄前檢查，支援即時關閉。
func (f *FileBlobStore) Walk(ctx context.Context, layerName string, fn WalkFunc) error {
	layerDir := filepath.Join(f.root, layerName)
	if _, err := os.Stat(layerDir); os.IsNotExist(err) {
		return nil
	}

	gridsets, err := os.ReadDir(layerDir)
	if err != nil {
		return fmt.Errorf("walk layer %q: %w", layerName, err)
	}

	for _, gs := range gridsets {
		if !gs.IsDir() {
			continue
		}
		if err := f.walkGridset(ctx, layerName, gs.Name(), fn); err != nil {
			return err
		}
	}
	return nil
}

func (f *FileBlobStore) walkGridset(ctx context.Context, layerName, gridset string, fn WalkFunc) error {
	gsDir := filepath.Join(f.root, layerName, gridset)
	paramsDirs, err := os.ReadDir(gsDir)
	if err != nil {
		return fmt.Errorf("walk gridset %q: %w", gridset, err)
	}

	for _, pd := range paramsDirs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !pd.IsDir() {
			continue
		}
		params := pd.Name()
		if params == defaultParamsDir {
			params = ""
		}

		formatDirs, err := os.ReadDir(filepath.Join(gsDir, pd.Name()))
		if err != nil {
			return err
		}
		for _, fd := range formatDirs {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !fd.IsDir() {
				continue
			}
			set := types.TileSet{
				Layer:    layerName,
				GridSet:  gridset,
				Format:   strings.ReplaceAll(fd.Name(), "_", "/"),
				ParamsID: params,
			}
			if err := f.walkFormat(ctx, filepath.Join(gsDir, pd.Name(), fd.Name()), set, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *FileBlobStore) walkFormat(ctx context.Context, dir string, set types.TileSet, fn WalkFunc) error {
	levels, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, lv := range levels {
		if err := ctx.Err(); err != nil {
			return err
		}
		zoom, convErr := strconv.Atoi(lv.Name())
		if !lv.IsDir() || convErr != nil {
			continue
		}

		tiles, err := os.ReadDir(filepath.Join(dir, lv.Name()))
		if err != nil {
			return err
		}
		for _, tile := range tiles {
			if err := ctx.Err(); err != nil {
				return err
			}
			idx, ok := parseTileName(tile.Name(), zoom)
			if !ok {
				continue
			}
			info, err := tile.Info()
			if err != nil {
				// 單一項目的掃描錯誤跳過，整體走訪不中止
				continue
			}
			if err := fn(set, idx, info.Size()); err != nil {
				return err
			}
		}
	}
	return nil
}

// DeleteLayer 刪除整個圖層目錄並發出結構性事件
func (f *FileBlobStore) DeleteLayer(layerName string) error {
	if err := os.RemoveAll(filepath.Join(f.root, layerName)); err != nil {
		return fmt.Errorf("delete layer %q: %w", layerName, err)
	}
	f.notify(Event{Kind: LayerDeleted, Set: types.TileSet{Layer: layerName}})
	return nil
}

// RenameLayer 更名圖層目錄並發出結構性事件
func (f *FileBlobStore) RenameLayer(oldName, newName string) error {
	oldDir := filepath.Join(f.root, oldName)
	if _, err := os.Stat(oldDir); os.IsNotExist(err) {
		return fmt.Errorf("rename layer: source layer %q has no cache", oldName)
	}
	if err := os.Rename(oldDir, filepath.Join(f.root, newName)); err != nil {
		return fmt.Errorf("rename layer %q -> %q: %w", oldName, newName, err)
	}
	f.notify(Event{Kind: LayerRenamed, Set: types.TileSet{Layer: oldName}, NewName: newName})
	return nil
}

func paramsDir(params string) string {
	if params == "" {
		return defaultParamsDir
	}
	return params
}

// parseTileName 解析 "<x>_<y>.tile" 檔名
func parseTileName(name string, zoom int) (types.TileIndex, bool) {
	base, ok := strings.CutSuffix(name, ".tile")
	if !ok {
		return types.TileIndex{}, false
	}
	xs, ys, ok := strings.Cut(base, "_")
	if !ok {
		return types.TileIndex{}, false
	}
	x, errX := strconv.ParseInt(xs, 10, 64)
	y, errY := strconv.ParseInt(ys, 10, 64)
	if errX != nil || errY != nil {
		return types.TileIndex{}, false
	}
	return types.TileIndex{X: x, Y: y, Z: zoom}, true
}
