package http

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"darkpool.com/internal/audit"
	pkgcommon "darkpool.com/pkg/common"
)

// History 审计库查询，未启用 mysql 时不挂路由
type History interface {
	ListBatches(ctx context.Context, status string, page, limit int) ([]audit.BatchRow, int64, error)
	Matches(ctx context.Context, batchID uint64) ([]audit.MatchRow, error)
}

type historyHandler struct {
	h History
}

type historyBatch struct {
	BatchID     uint64     `json:"batchId"`
	Matches     int        `json:"matches"`
	Pairs       int        `json:"pairs"`
	Forfeited   int        `json:"forfeited"`
	Volume      string     `json:"volume"`
	Status      string     `json:"status"`
	TxHash      string     `json:"txHash,omitempty"`
	Attempts    int        `json:"attempts"`
	SettleError string     `json:"settleError,omitempty"`
	MatchedAt   time.Time  `json:"matchedAt"`
	SettledAt   *time.Time `json:"settledAt,omitempty"`
}

type historyMatch struct {
	Seq         int    `json:"seq"`
	BuyOrderID  uint64 `json:"buyOrderId"`
	SellOrderID uint64 `json:"sellOrderId"`
	Pair        string `json:"pair"`
	Buyer       string `json:"buyer"`
	Seller      string `json:"seller"`
	Amount      string `json:"amount"`
	Price       string `json:"price"`
}

type historyPage struct {
	Total int64          `json:"total"`
	Items []historyBatch `json:"items"`
}

func queryInt(c *gin.Context, key string, def int) (int, bool) {
	s := c.Query(key)
	if s == "" {
		return def, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		pkgcommon.FailErr(c, badRequest("invalid %s %q", key, s))
		return 0, false
	}
	return n, true
}

// ListBatches GET /api/history/batches?status=SETTLED&page=1&limit=20
func (hh *historyHandler) ListBatches(c *gin.Context) {
	page, ok := queryInt(c, "page", 1)
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit", 20)
	if !ok {
		return
	}
	rows, total, err := hh.h.ListBatches(c.Request.Context(), c.Query("status"), page, limit)
	if err != nil {
		pkgcommon.FailErr(c, err)
		return
	}
	out := historyPage{Total: total, Items: make([]historyBatch, 0, len(rows))}
	for _, r := range rows {
		out.Items = append(out.Items, historyBatch{
			BatchID:     r.BatchID,
			Matches:     r.Matches,
			Pairs:       r.Pairs,
			Forfeited:   r.Forfeited,
			Volume:      r.Volume,
			Status:      r.Status,
			TxHash:      r.TxHash,
			Attempts:    r.Attempts,
			SettleError: r.SettleError,
			MatchedAt:   r.MatchedAt,
			SettledAt:   r.SettledAt,
		})
	}
	pkgcommon.Success(c, out)
}

func (hh *historyHandler) Matches(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	rows, err := hh.h.Matches(c.Request.Context(), id)
	if err != nil {
		pkgcommon.FailErr(c, err)
		return
	}
	out := make([]historyMatch, 0, len(rows))
	for _, r := range rows {
		out = append(out, historyMatch{
			Seq:         r.Seq,
			BuyOrderID:  r.BuyOrderID,
			SellOrderID: r.SellOrderID,
			Pair:        r.Pair,
			Buyer:       r.Buyer,
			Seller:      r.Seller,
			Amount:      r.Amount,
			Price:       r.Price,
		})
	}
	pkgcommon.Success(c, out)
}
