package store

// ============================================================================
// Journal - 帳本增量日誌
// 職責：
// 1. 追加已提交的聚合差額（append-only JSON lines）
// 2. 重放以恢復快照之後的狀態
// 3. 快照後旋轉（歸檔舊檔；序號跨旋轉單調遞增，不歸零）
// 4. CRC32 校驗確保條目完整性
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/GeoWebCache/geowebcache-sub001/pkg/types"
)

var ErrChecksumMismatch = errors.New("quota journal entry checksum mismatch")

// EntryKind 日誌條目類型
type EntryKind string

const (
	EntryUsage  EntryKind = "USAGE"  // 用量差額提交
	EntryAccess EntryKind = "ACCESS" // 存取統計提交
)

// Entry 一筆已提交的聚合差額
type Entry struct {
	Seq       uint64       `json:"seq"`
	Kind      EntryKind    `json:"kind"`
	Page      types.PageID `json:"page"`
	Bytes     int64        `json:"bytes,omitempty"`
	Tiles     int64        `json:"tiles,omitempty"`
	Capacity  int64        `json:"capacity,omitempty"`
	Hits      int64        `json:"hits,omitempty"`
	Last      int64        `json:"last,omitempty"` // 最後存取（Unix 毫秒）
	Timestamp int64        `json:"timestamp"`
	Checksum  uint32       `json:"checksum"`
}

// EntryHandler 重放時的條目處理函式
type EntryHandler func(Entry) error

// checksum 以條目的關鍵欄位計算 CRC32（不含 Timestamp，重放時不變）
func checksum(e Entry) uint32 {
	data := fmt.Sprintf("%d|%s|%s|%d|%d|%d|%d", e.Seq, e.Kind, e.Page, e.Bytes, e.Tiles, e.Hits, e.Last)
	return crc32.ChecksumIEEE([]byte(data))
}

// Journal 帳本增量日誌
type Journal struct {
	mu           sync.Mutex
	file         *os.File
	encoder      *json.Encoder
	path         string
	seq          uint64
	syncOnAppend bool
}

// NewJournal 建立或開啟日誌
//
// 行為：
//   - 檔案不存在則建立，seq 從 0 開始
//   - 檔案已存在則掃描既有條目接續序號
//   - 以 O_APPEND 開啟，寫入不覆蓋
func NewJournal(path string, syncOnAppend bool) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create quota journal dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open quota journal: %w", err)
	}

	j := &Journal{
		file:         file,
		encoder:      json.NewEncoder(file),
		path:         path,
		syncOnAppend: syncOnAppend,
	}

	last, err := lastEntry(path)
	if err != nil {
		file.Close()
		return nil, err
	}
	if last != nil {
		j.seq = last.Seq
	}
	return j, nil
}

// Append 追加一筆條目，自動遞增序號並計算校驗和
func (j *Journal) Append(entry Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.seq++
	entry.Seq = j.seq
	entry.Timestamp = time.Now().UnixMilli()
	entry.Checksum = checksum(entry)

	if err := j.encoder.Encode(entry); err != nil {
		return fmt.Errorf("append quota journal entry: %w", err)
	}
	if j.syncOnAppend {
		if err := j.file.Sync(); err != nil {
			return fmt.Errorf("sync quota journal: %w", err)
		}
	}
	return nil
}

// Seq 目前的最後序號
func (j *Journal) Seq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Replay 重放序號大於 afterSeq 的所有條目
//
// 逐條驗證校驗和，校驗失敗或 handler 回傳錯誤即停止。
func (j *Journal) Replay(afterSeq uint64, handler EntryHandler) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	file, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open quota journal for replay: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	for decoder.More() {
		var entry Entry
		if err := decoder.Decode(&entry); err != nil {
			return fmt.Errorf("decode quota journal entry: %w", err)
		}
		if entry.Checksum != checksum(entry) {
			return fmt.Errorf("%w (seq %d)", ErrChecksumMismatch, entry.Seq)
		}
		if entry.Seq <= afterSeq {
			continue
		}
		if err := handler(entry); err != nil {
			return err
		}
	}
	return nil
}

// Rotate 旋轉日誌：歸檔現行檔案並開新檔
//
// 在成功寫出快照之後呼叫，快照的 LastSeq 已涵蓋歸檔的條目。
// 序號跨旋轉單調遞增，不歸零；重啟時以 AdvanceTo 對齊快照水位。
func (j *Journal) Rotate() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.file.Close(); err != nil {
		return fmt.Errorf("close quota journal for rotate: %w", err)
	}

	backupPath := j.path + "." + time.Now().Format("20060102_150405")
	if err := os.Rename(j.path, backupPath); err != nil {
		return fmt.Errorf("archive quota journal: %w", err)
	}

	newFile, err := os.OpenFile(j.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("reopen quota journal: %w", err)
	}

	j.file = newFile
	j.encoder = json.NewEncoder(newFile)
	return nil
}

// AdvanceTo 把序號推進到至少 seq（重啟後對齊快照的 LastSeq 水位，
// 使新條目的序號永遠落在快照之後）
func (j *Journal) AdvanceTo(seq uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if seq > j.seq {
		j.seq = seq
	}
}

// Close 關閉日誌
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("sync quota journal: %w", err)
	}
	return j.file.Close()
}

// lastEntry 讀取檔案中最後一筆可解析的條目（接續序號用）
func lastEntry(path string) (*Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var last *Entry
	decoder := json.NewDecoder(file)
	for decoder.More() {
		var entry Entry
		if err := decoder.Decode(&entry); err != nil {
			break // 尾端半寫條目：保留前面已完整的序號
		}
		e := entry
		last = &e
	}
	return last, nil
}
