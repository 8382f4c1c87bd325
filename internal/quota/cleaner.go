package quota

// ============================================================================
// Cleaner - 配額執行器（回饋控制的淘汰迴圈）
// ============================================================================
//
// 每個範圍（單一明確配額圖層，或共用全域配額的圖層集合）的執行流程：
//   1. 每圈都即時讀取上限與已用量（管理者可能在執行中改上限）
//   2. excess = used - limit；excess <= 0 即達標停止
//   3. 配了配額卻沒有淘汰策略是設定錯誤：warning 後中止，不沉默忽略
//   4. 依策略選一頁犧牲者；excess > 0 卻選不出頁表示帳本與儲存漂移，
//      warning 後停止本輪，不無限空轉
//   5. 經 Breeder 以單執行緒截斷任務同步截斷該頁，標記已截斷，
//      提交管線餘量讓刪除差額立即反映，回到第 1 步
//
// 單輪之內永不重選同一頁（visited 集合）。每圈與阻塞截斷呼叫前後
// 都檢查關閉信號，立即展開取消。
// ============================================================================

import (
	"context"
	"errors"
	"fmt"

	"github.com/GeoWebCache/geowebcache-sub001/internal/grid"
	"github.com/GeoWebCache/geowebcache-sub001/internal/layer"
	"github.com/GeoWebCache/geowebcache-sub001/internal/seed"
	"github.com/GeoWebCache/geowebcache-sub001/pkg/types"
)

// ErrNoExpirationPolicy 設定了配額上限卻沒有淘汰策略
var ErrNoExpirationPolicy = errors.New("quota configured without an expiration policy")

// Truncator 截斷能力契約（由 seed.Breeder 滿足）
type Truncator interface {
	RunTruncate(ctx context.Context, req seed.Request) (types.TaskStatus, error)
}

// Scope 一個執行範圍：上限與策略都是即時讀取的函式，不做快取
type Scope struct {
	Name   string   // 日誌識別，例如 "layer:topp:states" 或 "global"
	Layers []string // 範圍內的圖層

	// Limit 即時讀取上限；false 表示配額未設定（本輪跳過）
	Limit func() (types.Quota, bool)
	// Policy 即時讀取淘汰策略；false 表示未設定
	Policy func() (types.ExpirationPolicy, bool)
}

// Cleaner 配額執行器
type Cleaner struct {
	ledger  *Ledger
	catalog *layer.Catalog
	breeder Truncator
	flush   func() // 截斷後提交管線餘量；nil 表示不需要
}

// NewCleaner 建立執行器
func NewCleaner(ledger *Ledger, catalog *layer.Catalog, breeder Truncator, flush func()) *Cleaner {
	return &Cleaner{ledger: ledger, catalog: catalog, breeder: breeder, flush: flush}
}

// Enforce 對單一範圍執行一輪淘汰，直到達標或無事可做
func (c *Cleaner) Enforce(ctx context.Context, scope Scope) error {
	visited := make(map[types.PageID]bool)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		limit, ok := scope.Limit()
		if !ok {
			return nil
		}
		used := c.ledger.UsedBy(scope.Layers)
		excess := used - limit
		if excess <= 0 {
			return nil
		}

		policy, ok := scope.Policy()
		if !ok {
			log.Warn("Quota limit set but no expiration policy, enforcement aborted",
				"scope", scope.Name, "limit", limit, "used", used)
			return ErrNoExpirationPolicy
		}

		page, pageBytes, ok := c.ledger.TopPage(scope.Layers, policy, visited)
		if !ok {
			log.Warn("Excess quota but no victim page, possible ledger drift",
				"scope", scope.Name, "excess", types.Quota(excess))
			return nil
		}
		visited[page] = true

		log.Info("Truncating victim page",
			"scope", scope.Name, "page", page, "policy", policy,
			"page_bytes", types.Quota(pageBytes), "excess", types.Quota(excess))

		if err := c.truncatePage(ctx, page); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// 單頁截斷失敗不中斷本輪，該頁已在 visited 內不會重選
			log.Warn("Victim page truncation failed", "scope", scope.Name, "page", page, "error", err)
			continue
		}
		c.ledger.MarkTruncated(page)

		if c.flush != nil {
			c.flush()
		}
	}
}

// truncatePage 還原頁的 tile 方塊並經排程器同步截斷
func (c *Cleaner) truncatePage(ctx context.Context, page types.PageID) error {
	set, err := types.ParseTileSetKey(page.TileSetKey)
	if err != nil {
		return err
	}
	handle, err := c.catalog.Lookup(set.Layer)
	if err != nil {
		return err
	}
	subset, err := handle.ResolveGridSubset(set.GridSet, 0)
	if err != nil {
		return err
	}

	idx := grid.NewPageIndex(subset.Coverages)
	cov, ok := idx.PageCoverage(page.PageX, page.PageY, page.PageZ)
	if !ok {
		return fmt.Errorf("page %s outside gridset coverage", page)
	}

	_, err = c.breeder.RunTruncate(ctx, seed.Request{
		Layer:     set.Layer,
		GridSet:   set.GridSet,
		Format:    set.Format,
		ParamsID:  set.ParamsID,
		ZoomStart: page.PageZ,
		ZoomStop:  page.PageZ,
		Bounds:    []grid.Coverage{cov},
	})
	return err
}
