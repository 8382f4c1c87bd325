// Package store 實作配額帳本的持久化：JSON 快照 + JSON-lines 增量日誌
//
// 恢復流程：載入快照 → 重放日誌中快照之後的條目 → 寫出新快照 →
// 旋轉日誌。佇列與提交之間崩潰最多遺失一個聚合窗口的差額；
// 其餘由快照加重放重建，極端情況下開機掃描可從零重建整本帳。
package store

// ============================================================================
// Snapshotter - 帳本快照
// 職責：
// 1. 將帳本完整狀態序列化為 JSON 快照檔
// 2. 原子性寫入（temp file + rename）防止半寫損壞
// 3. 載入時驗證 schema 版本相容性
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/GeoWebCache/geowebcache-sub001/pkg/types"
)

const schemaVersion = 1

var (
	ErrCorruptedSnapshot   = errors.New("quota snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("quota snapshot schema version is incompatible")
)

// PageRecord 單一頁面的持久化狀態
type PageRecord struct {
	ID         types.PageID `json:"id"`
	Bytes      int64        `json:"bytes"`
	Tiles      int64        `json:"tiles"`
	Capacity   int64        `json:"capacity"`
	LastAccess int64        `json:"last_access"`
	Hits       int64        `json:"hits"`
}

// SnapshotData 快照檔內容
type SnapshotData struct {
	SchemaVer int          `json:"schema_ver"`
	LastSeq   uint64       `json:"last_seq"` // 快照已涵蓋的日誌序號
	SavedAt   int64        `json:"saved_at"` // Unix 毫秒
	Pages     []PageRecord `json:"pages"`
}

// Snapshotter 快照管理器
type Snapshotter struct {
	path string
	mu   sync.Mutex
}

// NewSnapshotter 建立快照管理器
func NewSnapshotter(path string) *Snapshotter {
	return &Snapshotter{path: path}
}

// Write 原子性寫出快照：先寫臨時檔，再以 rename 原子替換
func (s *Snapshotter) Write(data SnapshotData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data.SchemaVer = schemaVersion
	data.SavedAt = time.Now().UnixMilli()

	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal quota snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create quota snapshot dir: %w", err)
	}
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0644); err != nil {
		return fmt.Errorf("write temp quota snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename quota snapshot: %w", err)
	}
	return nil
}

// Load 載入快照
//
// 行為：
//   - 檔案不存在回傳空快照（首次啟動）
//   - schema 版本不符回傳 ErrIncompatibleVersion
//   - 無法解析回傳 ErrCorruptedSnapshot
func (s *Snapshotter) Load() (SnapshotData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var data SnapshotData

	jsonBytes, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return SnapshotData{SchemaVer: schemaVersion}, nil
		}
		return data, fmt.Errorf("read quota snapshot: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != schemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, schemaVersion)
	}
	return data, nil
}
