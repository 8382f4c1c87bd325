// Package layer 提供圖層目錄：唯讀的圖層中繼資料查詢
//
// 圖層定義來自 YAML 設定檔（格式、網格子集、meta 因子、請求過濾器），
// 供播種排程器與配額引擎共用。網格/CRS 幾何數學不在此處理，
// 子集的整數座標覆蓋範圍在定義中直接給定。
package layer

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/GeoWebCache/geowebcache-sub001/internal/grid"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrUnknownLayer 圖層不存在
	ErrUnknownLayer = errors.New("unknown layer")
	// ErrInvalidGridSet 網格集無法解析，或 SRS 比對到多個子集（模糊比對視為錯誤）
	ErrInvalidGridSet = errors.New("gridset does not resolve to exactly one subset")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// GridSubset 圖層在單一網格集上的覆蓋描述
type GridSubset struct {
	Name      string          `yaml:"name"`       // 網格集識別碼，例如 EPSG:4326
	SRS       int             `yaml:"srs"`        // 空間參考系統代碼
	ZoomStart int             `yaml:"zoom_start"` // 起始縮放層級
	ZoomStop  int             `yaml:"zoom_stop"`  // 結束縮放層級
	Coverages []grid.Coverage `yaml:"coverages"`  // 每層級的整數 tile 範圍
}

// CoverageAt 取得指定層級的覆蓋範圍
func (gs *GridSubset) CoverageAt(zoom int) (grid.Coverage, bool) {
	for _, c := range gs.Coverages {
		if c.Zoom == zoom {
			return c, true
		}
	}
	return grid.Coverage{}, false
}

// RequestFilter 請求過濾器：seed 完成後可要求刷新（thread-offset 0 專屬）
type RequestFilter interface {
	// Update 重新計算過濾器內容，例如重建「已渲染 tile」遮罩
	Update(layerName string) error
}

// Definition 單一圖層的 YAML 定義
type Definition struct {
	Name       string       `yaml:"name"`
	Formats    []string     `yaml:"formats"`
	MetaWidth  int64        `yaml:"meta_width"`  // meta-tile 水平因子，省略時為 1
	MetaHeight int64        `yaml:"meta_height"` // meta-tile 垂直因子，省略時為 1
	GridSets   []GridSubset `yaml:"gridsets"`
}

// Handle 圖層控制代碼，目錄查詢的回傳型別（唯讀）
type Handle struct {
	def     Definition
	filters []RequestFilter
}

// Name 圖層名稱
func (h *Handle) Name() string { return h.def.Name }

// Formats 支援的 blob 格式
func (h *Handle) Formats() []string { return h.def.Formats }

// MetaFactors 回傳 meta-tile 因子（至少 1×1）
func (h *Handle) MetaFactors() (int64, int64) {
	x, y := h.def.MetaWidth, h.def.MetaHeight
	if x < 1 {
		x = 1
	}
	if y < 1 {
		y = 1
	}
	return x, y
}

// GridSubsets 回傳所有網格子集
func (h *Handle) GridSubsets() []GridSubset { return h.def.GridSets }

// ResolveGridSubset 依名稱或 SRS 解析出唯一的網格子集
//
// 參數：
//   - name: 網格集識別碼，空字串表示改用 srs 比對
//   - srs: SRS 代碼，name 為空時生效；比對到多個子集視為錯誤
//
// 返回值：
//   - *GridSubset: 唯一命中的子集
//   - error: ErrInvalidGridSet（找不到或模糊比對）
func (h *Handle) ResolveGridSubset(name string, srs int) (*GridSubset, error) {
	if name != "" {
		for i := range h.def.GridSets {
			if h.def.GridSets[i].Name == name {
				return &h.def.GridSets[i], nil
			}
		}
		return nil, fmt.Errorf("%w: layer %q has no gridset %q", ErrInvalidGridSet, h.def.Name, name)
	}

	var match *GridSubset
	for i := range h.def.GridSets {
		if h.def.GridSets[i].SRS == srs {
			if match != nil {
				return nil, fmt.Errorf("%w: layer %q matches SRS %d more than once",
					ErrInvalidGridSet, h.def.Name, srs)
			}
			match = &h.def.GridSets[i]
		}
	}
	if match == nil {
		return nil, fmt.Errorf("%w: layer %q has no subset for SRS %d", ErrInvalidGridSet, h.def.Name, srs)
	}
	return match, nil
}

// RequestFilters 已註冊的請求過濾器
func (h *Handle) RequestFilters() []RequestFilter { return h.filters }

// UpdateFilters 依序刷新所有過濾器，回傳第一個錯誤
func (h *Handle) UpdateFilters() error {
	for _, f := range h.filters {
		if err := f.Update(h.def.Name); err != nil {
			return fmt.Errorf("request filter update for layer %q: %w", h.def.Name, err)
		}
	}
	return nil
}

// Catalog 圖層目錄
//
// 併發安全：查詢使用讀鎖；AddFilter 屬於啟動期設定，使用寫鎖。
type Catalog struct {
	mu     sync.RWMutex
	layers map[string]*Handle
}

// catalogFile YAML 設定檔的頂層結構
type catalogFile struct {
	Layers []Definition `yaml:"layers"`
}

// NewCatalog 由圖層定義建立目錄
func NewCatalog(defs []Definition) *Catalog {
	c := &Catalog{layers: make(map[string]*Handle, len(defs))}
	for _, def := range defs {
		sort.Slice(def.GridSets, func(i, j int) bool { return def.GridSets[i].Name < def.GridSets[j].Name })
		c.layers[def.Name] = &Handle{def: def}
	}
	return c
}

// LoadCatalog 從 YAML 檔案載入圖層目錄
//
// 返回值：
//   - *Catalog: 載入完成的目錄
//   - error: 檔案不存在或格式錯誤
func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read layer catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse layer catalog: %w", err)
	}
	for _, def := range file.Layers {
		if def.Name == "" {
			return nil, errors.New("layer catalog contains a layer without a name")
		}
	}
	return NewCatalog(file.Layers), nil
}

// Lookup 查詢圖層
//
// 返回值：
//   - *Handle: 圖層控制代碼
//   - error: ErrUnknownLayer
func (c *Catalog) Lookup(name string) (*Handle, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	h, ok := c.layers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLayer, name)
	}
	return h, nil
}

// Names 回傳所有圖層名稱（排序後）
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.layers))
	for name := range c.layers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// AddFilter 為圖層註冊請求過濾器（啟動期設定）
func (c *Catalog) AddFilter(layerName string, f RequestFilter) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.layers[layerName]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownLayer, layerName)
	}
	h.filters = append(h.filters, f)
	return nil
}
