package quota

// ============================================================================
// Monitor - 磁碟配額監視器（生命週期擁有者）
// ============================================================================
//
// 職責說明：
//   1. 擁有兩條聚合管線（變更差額 / 讀取統計）的啟停
//   2. 持久化：啟動時快照 + 日誌恢復，提交時寫日誌，關閉時快照並旋轉
//   3. 開機 bootstrap：對帳本無記錄的圖層非同步走訪磁碟快取，
//      經同一條生產路徑餵入帳本（可取消）。掃描期間寫入的 tile
//      會同時被走訪與即時事件看到，兩邊以共用鎖對帳，每個 tile
//      恰好記帳一次
//   4. 週期排程（預設 10 秒）：每個明確配額圖層一個範圍，其餘共用
//      全域配額者合為一個範圍；同範圍上一輪還在跑就跳過本拍，
//      bootstrap 未完成的圖層所在範圍也跳過本拍
//   5. 淘汰併發由小型有界池限制（MaxConcurrentCleanups）
//   6. 配額設定可在執行中更新，下一拍生效，無需重啟
//
// 關閉順序（參照啟動的逆序）：
//   停排程迴圈 → 取消 in-flight 淘汰與 bootstrap → 等 goroutine 退出 →
//   停管線（提交餘量）→ 寫快照、旋轉並關閉日誌
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/GeoWebCache/geowebcache-sub001/internal/layer"
	qstore "github.com/GeoWebCache/geowebcache-sub001/internal/quota/store"
	"github.com/GeoWebCache/geowebcache-sub001/internal/storage"
	"github.com/GeoWebCache/geowebcache-sub001/pkg/types"
)

const snapshotEveryTicks = 30

// Config 配額引擎設定；Monitor 持有當前版本，UpdateConfig 熱更新
type Config struct {
	// Policy 淘汰策略；設定了任何配額上限時必填
	Policy types.ExpirationPolicy `yaml:"policy"`
	// GlobalQuota 無明確配額圖層共用的全域上限；0 表示不設
	GlobalQuota types.Quota `yaml:"global_quota"`
	// LayerQuotas 每圖層的明確上限
	LayerQuotas map[string]types.Quota `yaml:"layer_quotas"`
	// CleanUpFrequency 排程週期；設定了任何配額上限時必須為正，
	// 未設配額時省略可用預設 10 秒
	CleanUpFrequency time.Duration `yaml:"cleanup_frequency"`
	// MaxConcurrentCleanups 淘汰池大小，預設 2
	MaxConcurrentCleanups int `yaml:"max_concurrent_cleanups"`

	// SnapshotPath / JournalPath 持久化路徑；留空表示帳本只存在記憶體
	SnapshotPath string `yaml:"snapshot_path"`
	JournalPath  string `yaml:"journal_path"`
	// SyncOnAppend 每筆日誌條目都 fsync
	SyncOnAppend bool `yaml:"sync_on_append"`

	// Mutation / Access 管線配置；零值使用預設
	Mutation AggregatorConfig `yaml:"-"`
	Access   AggregatorConfig `yaml:"-"`
}

// Validate 檢查設定；配額類設定錯誤在這裡同步擋下，不默默套預設
func (c *Config) Validate() error {
	if c.GlobalQuota < 0 {
		return fmt.Errorf("global quota limit is negative: %d", c.GlobalQuota)
	}
	hasQuota := c.GlobalQuota > 0
	for name, q := range c.LayerQuotas {
		if q < 0 {
			return fmt.Errorf("quota limit for layer %q is negative: %d", name, q)
		}
		if q > 0 {
			hasQuota = true
		}
	}
	if hasQuota && c.Policy == "" {
		return errors.New("quota limits configured but no expiration policy set")
	}
	if c.Policy != "" {
		if _, err := types.ParseExpirationPolicy(string(c.Policy)); err != nil {
			return err
		}
	}
	if c.CleanUpFrequency < 0 {
		return fmt.Errorf("cleanup frequency is negative: %s", c.CleanUpFrequency)
	}
	if hasQuota && c.CleanUpFrequency == 0 {
		return errors.New("quota limits configured but cleanup frequency is zero")
	}
	return nil
}

// withDefaults 補上零值欄位的預設
func (c Config) withDefaults() Config {
	if c.CleanUpFrequency == 0 {
		c.CleanUpFrequency = 10 * time.Second
	}
	if c.MaxConcurrentCleanups <= 0 {
		c.MaxConcurrentCleanups = 2
	}
	if c.Mutation == (AggregatorConfig{}) {
		c.Mutation = DefaultMutationConfig()
	}
	if c.Access == (AggregatorConfig{}) {
		c.Access = DefaultAccessConfig()
	}
	return c
}

// Monitor 磁碟配額監視器
type Monitor struct {
	cfgMu sync.RWMutex
	cfg   Config

	catalog *layer.Catalog
	blobs   storage.Storage
	ledger  *Ledger
	cleaner *Cleaner

	mutation *Aggregator[types.PageID, UsageDelta]
	access   *Aggregator[types.PageID, AccessDelta]
	listener *UsageListener

	snap    *qstore.Snapshotter
	journal *qstore.Journal

	sem           chan struct{}
	stateMu       sync.Mutex
	inFlight      map[string]bool // 範圍名 → 淘汰執行中
	bootstrapping map[string]bool // 圖層名 → 掃描尚未完成

	// 掃描期間的對帳集合：同一個 tile 可能先後被即時事件與走訪
	// 看到，誰先在鎖內登記誰記帳，另一邊放棄。圖層掃描結束即清除。
	bootLive   map[string]map[tileID]struct{} // 已由即時事件記帳
	bootWalked map[string]map[tileID]struct{} // 已由走訪記帳

	ctx     context.Context
	cancel  context.CancelFunc
	stopCh  chan struct{}
	loopWg  sync.WaitGroup
	started bool
}

// NewMonitor 建立監視器
//
// 參數：
//   - cfg: 配額設定（先經 Validate）
//   - catalog: 圖層目錄
//   - blobs: tile 儲存（事件來源與 bootstrap 走訪對象）
//   - breeder: 截斷任務的排程入口
func NewMonitor(cfg Config, catalog *layer.Catalog, blobs storage.Storage,
	breeder Truncator) (*Monitor, error) {

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		cfg:           cfg,
		catalog:       catalog,
		blobs:         blobs,
		ledger:        NewLedger(),
		sem:           make(chan struct{}, cfg.MaxConcurrentCleanups),
		inFlight:      make(map[string]bool),
		bootstrapping: make(map[string]bool),
		bootLive:      make(map[string]map[tileID]struct{}),
		bootWalked:    make(map[string]map[tileID]struct{}),
		ctx:           ctx,
		cancel:        cancel,
		stopCh:        make(chan struct{}),
	}

	m.mutation = NewAggregator("mutation", cfg.Mutation,
		mergeUsage, m.commitUsage)
	m.access = NewAggregator("access", cfg.Access,
		mergeAccess, m.commitAccess)
	m.listener = NewUsageListener(catalog, m.ledger, m.mutation, m.access)
	m.cleaner = NewCleaner(m.ledger, catalog, breeder, m.mutation.Flush)

	return m, nil
}

func mergeUsage(a, b UsageDelta) UsageDelta {
	a.Bytes += b.Bytes
	a.Tiles += b.Tiles
	if b.Capacity > 0 {
		a.Capacity = b.Capacity
	}
	return a
}

func mergeAccess(a, b AccessDelta) AccessDelta {
	a.Hits += b.Hits
	if b.LastAccess > a.LastAccess {
		a.LastAccess = b.LastAccess
	}
	return a
}

// commitUsage 變更管線的提交目標：帳本 + 日誌
func (m *Monitor) commitUsage(id types.PageID, d UsageDelta) {
	m.ledger.ApplyUsage(id, d)
	if m.journal != nil {
		err := m.journal.Append(qstore.Entry{
			Kind:     qstore.EntryUsage,
			Page:     id,
			Bytes:    d.Bytes,
			Tiles:    d.Tiles,
			Capacity: d.Capacity,
		})
		if err != nil {
			log.Error("Quota journal append failed", "page", id, "error", err)
		}
	}
}

// commitAccess 讀取統計管線的提交目標
func (m *Monitor) commitAccess(id types.PageID, d AccessDelta) {
	m.ledger.ApplyAccess(id, d)
	if m.journal != nil {
		err := m.journal.Append(qstore.Entry{
			Kind: qstore.EntryAccess,
			Page: id,
			Hits: d.Hits,
			Last: d.LastAccess,
		})
		if err != nil {
			log.Error("Quota journal append failed", "page", id, "error", err)
		}
	}
}

// Ledger 帳本存取（狀態報表用）
func (m *Monitor) Ledger() *Ledger { return m.ledger }

// ============================================================================
// 生命週期
// ============================================================================

// Start 啟動監視器：恢復持久狀態、掛上事件監聽、啟動管線、
// 排程 bootstrap 掃描與淘汰迴圈
func (m *Monitor) Start() error {
	m.stateMu.Lock()
	if m.started {
		m.stateMu.Unlock()
		return errors.New("quota monitor already started")
	}
	m.started = true
	m.stateMu.Unlock()

	if err := m.recover(); err != nil {
		return err
	}

	m.mutation.Start()
	m.access.Start()
	m.blobs.AddListener(m)

	m.launchBootstrap()

	m.loopWg.Add(1)
	go m.scheduleLoop()

	log.Info("Disk quota monitor started",
		"frequency", m.snapshotConfig().CleanUpFrequency,
		"cleanup_pool", cap(m.sem))
	return nil
}

// Stop 優雅關閉
func (m *Monitor) Stop() {
	m.stateMu.Lock()
	if !m.started {
		m.stateMu.Unlock()
		return
	}
	m.started = false
	m.stateMu.Unlock()

	close(m.stopCh)
	m.cancel()
	m.loopWg.Wait()

	m.mutation.Stop()
	m.access.Stop()

	if err := m.persistSnapshot(); err != nil {
		log.Error("Quota snapshot on shutdown failed", "error", err)
	}
	if m.journal != nil {
		if err := m.journal.Close(); err != nil {
			log.Error("Quota journal close failed", "error", err)
		}
	}
	log.Info("Disk quota monitor stopped")
}

// recover 快照 + 日誌恢復
func (m *Monitor) recover() error {
	cfg := m.snapshotConfig()
	if cfg.SnapshotPath == "" && cfg.JournalPath == "" {
		return nil
	}

	var lastSeq uint64
	if cfg.SnapshotPath != "" {
		m.snap = qstore.NewSnapshotter(cfg.SnapshotPath)
		data, err := m.snap.Load()
		if err != nil {
			return fmt.Errorf("load quota snapshot: %w", err)
		}
		m.ledger.Restore(data.Pages)
		lastSeq = data.LastSeq
	}

	if cfg.JournalPath != "" {
		journal, err := qstore.NewJournal(cfg.JournalPath, cfg.SyncOnAppend)
		if err != nil {
			return err
		}
		err = journal.Replay(lastSeq, func(e qstore.Entry) error {
			switch e.Kind {
			case qstore.EntryUsage:
				m.ledger.ApplyUsage(e.Page, UsageDelta{Bytes: e.Bytes, Tiles: e.Tiles, Capacity: e.Capacity})
			case qstore.EntryAccess:
				m.ledger.ApplyAccess(e.Page, AccessDelta{Hits: e.Hits, LastAccess: e.Last})
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("replay quota journal: %w", err)
		}
		journal.AdvanceTo(lastSeq)
		m.journal = journal
	}

	log.Info("Quota ledger recovered", "used", m.ledger.GlobalUsed())
	return nil
}

// persistSnapshot 寫出快照並旋轉日誌
func (m *Monitor) persistSnapshot() error {
	if m.snap == nil {
		return nil
	}
	data := qstore.SnapshotData{Pages: m.ledger.Export()}
	if m.journal != nil {
		data.LastSeq = m.journal.Seq()
	}
	if err := m.snap.Write(data); err != nil {
		return err
	}
	if m.journal != nil {
		if err := m.journal.Rotate(); err != nil {
			return err
		}
	}
	return nil
}

// ============================================================================
// Bootstrap 掃描
// ============================================================================

// tileID 掃描對帳期間用來識別單一 tile 的鍵
type tileID struct {
	set types.TileSet
	idx types.TileIndex
}

// OnEvent 實作 storage.Listener：轉送給用量監聽者之前，先對掃描中
// 圖層的寫入事件做對帳
//
// 鎖內的互斥規則：走訪已記帳的 tile，其即時 TileStored 丟棄；反之
// 走訪跳過即時事件已記帳的 tile。覆寫既存 tile 的 TileUpdated 是
// 差額事件，基底尚未由任一邊入帳時改以全額記帳並登記為即時已見，
// 其餘情況照常轉送差額。
func (m *Monitor) OnEvent(ev storage.Event) {
	switch ev.Kind {
	case storage.TileStored:
		id := tileID{set: ev.Set, idx: ev.Index}
		m.stateMu.Lock()
		if _, ok := m.bootWalked[ev.Set.Layer][id]; ok {
			m.stateMu.Unlock()
			return // 走訪已記帳
		}
		if live, ok := m.bootLive[ev.Set.Layer]; ok {
			live[id] = struct{}{}
		}
		m.stateMu.Unlock()

	case storage.TileUpdated:
		id := tileID{set: ev.Set, idx: ev.Index}
		m.stateMu.Lock()
		if live, scanning := m.bootLive[ev.Set.Layer]; scanning {
			_, walked := m.bootWalked[ev.Set.Layer][id]
			_, seen := live[id]
			if !walked && !seen {
				live[id] = struct{}{}
				m.stateMu.Unlock()
				m.listener.OnEvent(storage.Event{
					Kind: storage.TileStored, Set: ev.Set, Index: ev.Index, Size: ev.Size,
				})
				return
			}
		}
		m.stateMu.Unlock()
	}
	m.listener.OnEvent(ev)
}

// launchBootstrap 為帳本無記錄的圖層排程磁碟走訪
func (m *Monitor) launchBootstrap() {
	for _, name := range m.catalog.Names() {
		if m.ledger.UsedBy([]string{name}) > 0 {
			continue // 已有持久記錄，不重掃
		}
		m.stateMu.Lock()
		m.bootstrapping[name] = true
		m.bootLive[name] = make(map[tileID]struct{})
		m.bootWalked[name] = make(map[tileID]struct{})
		m.stateMu.Unlock()

		m.loopWg.Add(1)
		go m.bootstrapLayer(name)
	}
}

// bootstrapLayer 走訪單一圖層的磁碟快取，經生產路徑餵入帳本
func (m *Monitor) bootstrapLayer(name string) {
	defer m.loopWg.Done()
	defer func() {
		m.stateMu.Lock()
		delete(m.bootstrapping, name)
		delete(m.bootLive, name)
		delete(m.bootWalked, name)
		m.stateMu.Unlock()
	}()

	start := time.Now()
	var tiles int64
	err := m.blobs.Walk(m.ctx, name, func(set types.TileSet, idx types.TileIndex, size int64) error {
		id := tileID{set: set, idx: idx}
		m.stateMu.Lock()
		if _, ok := m.bootLive[name][id]; ok {
			m.stateMu.Unlock()
			return nil // 掃描期間寫入，即時事件已記帳
		}
		m.bootWalked[name][id] = struct{}{}
		m.stateMu.Unlock()

		tiles++
		m.listener.OnEvent(storage.Event{Kind: storage.TileStored, Set: set, Index: idx, Size: size})
		return nil
	})
	if err != nil {
		if m.ctx.Err() != nil {
			return // 關閉中，掃描中止不是錯誤
		}
		log.Warn("Cache bootstrap scan failed", "layer", name, "error", err)
		return
	}
	log.Info("Cache bootstrap scan finished",
		"layer", name, "tiles", tiles, "elapsed", time.Since(start).Round(time.Millisecond))
}

// ============================================================================
// 排程迴圈
// ============================================================================

func (m *Monitor) scheduleLoop() {
	defer m.loopWg.Done()

	ticks := 0
	for {
		// 每拍重讀週期，設定熱更新下一拍生效
		timer := time.NewTimer(m.snapshotConfig().CleanUpFrequency)
		select {
		case <-m.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}

		m.tick()

		ticks++
		if ticks%snapshotEveryTicks == 0 {
			if err := m.persistSnapshot(); err != nil {
				log.Error("Periodic quota snapshot failed", "error", err)
			}
		}
	}
}

// tick 發動一輪檢查：每個明確配額圖層一個範圍，其餘合為全域範圍
func (m *Monitor) tick() {
	cfg := m.snapshotConfig()

	explicit := make(map[string]bool, len(cfg.LayerQuotas))
	for _, name := range m.catalog.Names() {
		if q, ok := cfg.LayerQuotas[name]; ok && q > 0 {
			explicit[name] = true
			name := name
			m.dispatchScope(Scope{
				Name:   "layer:" + name,
				Layers: []string{name},
				Limit:  func() (types.Quota, bool) { return m.layerLimit(name) },
				Policy: m.policy,
			})
		}
	}

	if cfg.GlobalQuota > 0 {
		var shared []string
		for _, name := range m.catalog.Names() {
			if !explicit[name] {
				shared = append(shared, name)
			}
		}
		if len(shared) > 0 {
			m.dispatchScope(Scope{
				Name:   "global",
				Layers: shared,
				Limit:  m.globalLimit,
				Policy: m.policy,
			})
		}
	}
}

// dispatchScope 在淘汰池上執行一個範圍的檢查；同範圍仍在執行或
// 範圍內有圖層尚未完成 bootstrap 時跳過本拍
func (m *Monitor) dispatchScope(scope Scope) {
	m.stateMu.Lock()
	if m.inFlight[scope.Name] {
		m.stateMu.Unlock()
		log.Debug("Skipping quota check, previous pass still running", "scope", scope.Name)
		return
	}
	for _, name := range scope.Layers {
		if m.bootstrapping[name] {
			m.stateMu.Unlock()
			log.Debug("Skipping quota check, bootstrap scan in progress",
				"scope", scope.Name, "layer", name)
			return
		}
	}
	m.inFlight[scope.Name] = true
	m.stateMu.Unlock()

	m.loopWg.Add(1)
	go func() {
		defer m.loopWg.Done()
		defer func() {
			m.stateMu.Lock()
			delete(m.inFlight, scope.Name)
			m.stateMu.Unlock()
		}()

		select {
		case m.sem <- struct{}{}:
			defer func() { <-m.sem }()
		case <-m.ctx.Done():
			return
		}

		if err := m.cleaner.Enforce(m.ctx, scope); err != nil && m.ctx.Err() == nil {
			log.Warn("Quota enforcement pass failed", "scope", scope.Name, "error", err)
		}
	}()
}

// ============================================================================
// 設定存取（熱更新）
// ============================================================================

// UpdateConfig 熱更新配額設定，下一拍生效
//
// 持久化路徑與管線配置不可熱改（屬於建構期決策），呼叫端改這些
// 欄位會被忽略並保留原值。
func (m *Monitor) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg = cfg.withDefaults()

	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	cfg.SnapshotPath = m.cfg.SnapshotPath
	cfg.JournalPath = m.cfg.JournalPath
	cfg.SyncOnAppend = m.cfg.SyncOnAppend
	cfg.Mutation = m.cfg.Mutation
	cfg.Access = m.cfg.Access
	m.cfg = cfg

	log.Info("Quota configuration updated",
		"global", cfg.GlobalQuota, "policy", cfg.Policy, "frequency", cfg.CleanUpFrequency)
	return nil
}

func (m *Monitor) snapshotConfig() Config {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}

func (m *Monitor) layerLimit(name string) (types.Quota, bool) {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	q, ok := m.cfg.LayerQuotas[name]
	return q, ok && q > 0
}

func (m *Monitor) globalLimit() (types.Quota, bool) {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg.GlobalQuota, m.cfg.GlobalQuota > 0
}

func (m *Monitor) policy() (types.ExpirationPolicy, bool) {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg.Policy, m.cfg.Policy != ""
}
