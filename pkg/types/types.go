// Package types 定義了 geowebcache 核心系統中使用的共享領域模型
package types

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// TaskID 任務唯一識別碼，由 Breeder 在 dispatch 時遞增分配
type TaskID int64

// TaskType 任務類型
type TaskType string

// 定義任務類型常數（封閉集合，switch 必須窮舉）
const (
	TypeSeed     TaskType = "seed"     // 播種：快取已有 tile 時允許直接跳過
	TypeReseed   TaskType = "reseed"   // 重播：無視既有快取，強制重新產生
	TypeTruncate TaskType = "truncate" // 截斷：刪除範圍內的 tile，單執行緒執行
)

// ParseTaskType 解析任務類型字串
//
// 返回值：
//   - TaskType: 解析結果
//   - error: 未知類型時回傳錯誤
func ParseTaskType(s string) (TaskType, error) {
	switch TaskType(strings.ToLower(s)) {
	case TypeSeed:
		return TypeSeed, nil
	case TypeReseed:
		return TypeReseed, nil
	case TypeTruncate:
		return TypeTruncate, nil
	}
	return "", fmt.Errorf("unknown task type %q", s)
}

// TaskState 任務狀態
type TaskState string

// 定義任務狀態常數
const (
	StateUnset       TaskState = "unset"       // 初始狀態：任務已建構但尚未加入群組
	StateReady       TaskState = "ready"       // 就緒狀態：已加入 TaskGroup，等待 dispatch
	StateRunning     TaskState = "running"     // 執行中狀態：worker 已取走任務，僅該 worker 可變更
	StateDone        TaskState = "done"        // 完成狀態：工作迴圈正常跑完
	StateDead        TaskState = "dead"        // 死亡狀態：不可恢復錯誤或超過失敗預算
	StateInterrupted TaskState = "interrupted" // 中斷狀態：在檢查點觀察到明確的取消請求
)

// Terminal 回報狀態是否為終態（終態不得再轉移）
func (s TaskState) Terminal() bool {
	switch s {
	case StateDone, StateDead, StateInterrupted:
		return true
	}
	return false
}

// TaskStatus 任務進度快照，提供給狀態查詢使用（唯讀）
type TaskStatus struct {
	ID            TaskID    `json:"id"`            // 任務 ID
	Layer         string    `json:"layer"`         // 所屬圖層名稱
	Type          TaskType  `json:"type"`          // 任務類型
	State         TaskState `json:"state"`         // 當前狀態
	TilesDone     int64     `json:"tiles_done"`    // 已處理 tile 數
	TilesTotal    int64     `json:"tiles_total"`   // 總 tile 數（-1 表示無法計數）
	TimeSpentSec  int64     `json:"time_spent_s"`  // 已耗時（秒）
	TimeRemainSec int64     `json:"time_remain_s"` // 預估剩餘時間（秒，-1 表示無法估計）
	ThreadOffset  int       `json:"thread_offset"` // 在群組內的執行緒偏移
	GroupSize     int       `json:"group_size"`    // 群組成員總數
}

// TileIndex tile 座標 (x, y, z)，z 為縮放層級
type TileIndex struct {
	X int64 `json:"x"`
	Y int64 `json:"y"`
	Z int   `json:"z"`
}

func (t TileIndex) String() string {
	return fmt.Sprintf("%d,%d,%d", t.X, t.Y, t.Z)
}

// ============================================================================
// 配額領域模型
// ============================================================================

// 常用的位元組單位
const (
	KiB int64 = 1 << 10
	MiB int64 = 1 << 20
	GiB int64 = 1 << 30
	TiB int64 = 1 << 40
)

// Quota 磁碟配額（位元組），提供人類可讀格式與 YAML 解析
type Quota int64

// Bytes 回傳位元組數
func (q Quota) Bytes() int64 { return int64(q) }

// String 以最適單位輸出，例如 "512.0 MiB"
func (q Quota) String() string {
	b := int64(q)
	neg := ""
	if b < 0 {
		neg = "-"
		b = -b
	}
	switch {
	case b >= TiB:
		return fmt.Sprintf("%s%.1f TiB", neg, float64(b)/float64(TiB))
	case b >= GiB:
		return fmt.Sprintf("%s%.1f GiB", neg, float64(b)/float64(GiB))
	case b >= MiB:
		return fmt.Sprintf("%s%.1f MiB", neg, float64(b)/float64(MiB))
	case b >= KiB:
		return fmt.Sprintf("%s%.1f KiB", neg, float64(b)/float64(KiB))
	}
	return fmt.Sprintf("%s%d B", neg, b)
}

// ParseQuota 解析 "500 MiB"、"2GiB"、"1024" 這類配額字串
//
// 返回值：
//   - Quota: 位元組數
//   - error: 格式錯誤或數值為負時回傳錯誤
func ParseQuota(s string) (Quota, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return 0, errors.New("empty quota value")
	}

	unit := int64(1)
	upper := strings.ToUpper(raw)
	// 順序固定：較長的字尾先比對，避免 "MIB" 被 "B" 搶先吃掉
	suffixes := []struct {
		text string
		mult int64
	}{
		{"TIB", TiB}, {"GIB", GiB}, {"MIB", MiB}, {"KIB", KiB}, {"B", 1},
	}
	for _, sfx := range suffixes {
		if strings.HasSuffix(upper, sfx.text) {
			unit = sfx.mult
			raw = strings.TrimSpace(raw[:len(raw)-len(sfx.text)])
			break
		}
	}

	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid quota %q: %w", s, err)
	}
	if value < 0 {
		return 0, fmt.Errorf("negative quota %q", s)
	}
	return Quota(value * float64(unit)), nil
}

// UnmarshalYAML 讓配額可以直接寫在 YAML 設定檔中
func (q *Quota) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseQuota(s)
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}

// MarshalYAML 以人類可讀格式輸出
func (q Quota) MarshalYAML() (interface{}, error) {
	return q.String(), nil
}

// ExpirationPolicy 淘汰策略：挑選犧牲頁的規則
type ExpirationPolicy string

const (
	PolicyLRU ExpirationPolicy = "LRU" // 最久未存取者優先淘汰
	PolicyLFU ExpirationPolicy = "LFU" // 使用頻率最低者優先淘汰
)

// ParseExpirationPolicy 解析淘汰策略字串
func ParseExpirationPolicy(s string) (ExpirationPolicy, error) {
	switch ExpirationPolicy(strings.ToUpper(s)) {
	case PolicyLRU:
		return PolicyLRU, nil
	case PolicyLFU:
		return PolicyLFU, nil
	}
	return "", fmt.Errorf("unknown expiration policy %q", s)
}

// TileSet 配額記帳的身分單位：(layer, gridset, format, parameters) 組合
type TileSet struct {
	Layer    string `json:"layer"`     // 圖層名稱
	GridSet  string `json:"gridset"`   // 網格集識別碼
	Format   string `json:"format"`    // blob 格式（例如 image/png）
	ParamsID string `json:"params_id"` // 參數集識別碼（無參數時為空字串）
}

// Key 回傳 TileSet 的正規化字串鍵，供 map 與持久化使用
func (ts TileSet) Key() string {
	return ts.Layer + "#" + ts.GridSet + "#" + ts.Format + "#" + ts.ParamsID
}

// ParseTileSetKey 由 Key() 產生的字串還原 TileSet
func ParseTileSetKey(key string) (TileSet, error) {
	parts := strings.SplitN(key, "#", 4)
	if len(parts) != 4 {
		return TileSet{}, fmt.Errorf("malformed tileset key %q", key)
	}
	return TileSet{Layer: parts[0], GridSet: parts[1], Format: parts[2], ParamsID: parts[3]}, nil
}

// PageID 犧牲頁身分：某 TileSet 在單一縮放層級上的固定大小座標方塊
type PageID struct {
	TileSetKey string `json:"tileset"` // 所屬 TileSet 的 Key()
	PageX      int64  `json:"px"`      // 頁格 X 座標
	PageY      int64  `json:"py"`      // 頁格 Y 座標
	PageZ      int    `json:"pz"`      // 縮放層級
}

func (p PageID) String() string {
	return fmt.Sprintf("%s@%d,%d,%d", p.TileSetKey, p.PageX, p.PageY, p.PageZ)
}

// PageStats 頁面統計，由讀取事件管線維護，僅供淘汰策略使用
type PageStats struct {
	FillFactor float64 `json:"fill_factor"` // 頁內已存在 tile 的比例 [0,1]
	LastAccess int64   `json:"last_access"` // 最後存取時間（Unix 毫秒）
	Frequency  float64 `json:"frequency"`   // 使用頻率（累計存取次數）
}
