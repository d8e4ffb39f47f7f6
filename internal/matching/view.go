package matching

import (
	"strings"

	"github.com/segmentio/encoding/json"

	"darkpool.com/internal/order"
)

// 对外（API / 事件 / journal 比对）统一使用十进制字符串

type MatchView struct {
	BuyOrderID     uint64 `json:"buyOrderId"`
	SellOrderID    uint64 `json:"sellOrderId"`
	Pair           string `json:"pair"`
	Buyer          string `json:"buyer"`
	Seller         string `json:"seller"`
	MatchedAmount  string `json:"matchedAmount"`
	ExecutionPrice string `json:"executionPrice"`
}

type FillView struct {
	OrderID   uint64 `json:"orderId"`
	Filled    string `json:"filled"`
	Remaining string `json:"remaining"`
	Status    string `json:"status"`
}

type ClearingView struct {
	Pair          string `json:"pair"`
	Crossed       bool   `json:"crossed"`
	ClearingPrice string `json:"clearingPrice,omitempty"`
	Volume        string `json:"volume"`
	Buys          int    `json:"buys"`
	Sells         int    `json:"sells"`
}

type ResultView struct {
	BatchID uint64         `json:"batchId"`
	Matches []MatchView    `json:"matches"`
	Fills   []FillView     `json:"fills"`
	Pairs   []ClearingView `json:"pairs"`
}

func (m *Match) View() MatchView {
	return MatchView{
		BuyOrderID:     m.BuyOrderID,
		SellOrderID:    m.SellOrderID,
		Pair:           m.Pair.Key(),
		Buyer:          strings.ToLower(m.Buyer.Hex()),
		Seller:         strings.ToLower(m.Seller.Hex()),
		MatchedAmount:  order.FormatFixed(&m.Amount),
		ExecutionPrice: order.FormatFixed(&m.Price),
	}
}

func MatchViews(ms []Match) []MatchView {
	out := make([]MatchView, len(ms))
	for i := range ms {
		out[i] = ms[i].View()
	}
	return out
}

func (r Result) View() ResultView {
	v := ResultView{
		BatchID: r.BatchID,
		Matches: MatchViews(r.Matches),
		Fills:   make([]FillView, len(r.Fills)),
		Pairs:   make([]ClearingView, len(r.Pairs)),
	}
	for i := range r.Fills {
		f := &r.Fills[i]
		v.Fills[i] = FillView{
			OrderID:   f.OrderID,
			Filled:    order.FormatFixed(&f.Filled),
			Remaining: order.FormatFixed(&f.Remaining),
			Status:    f.Status.String(),
		}
	}
	for i := range r.Pairs {
		c := &r.Pairs[i]
		cv := ClearingView{
			Pair:    c.Pair.Key(),
			Crossed: c.Crossed,
			Volume:  order.FormatFixed(&c.Volume),
			Buys:    c.Buys,
			Sells:   c.Sells,
		}
		if c.Crossed {
			cv.ClearingPrice = order.FormatFixed(&c.Price)
		}
		v.Pairs[i] = cv
	}
	return v
}

// Canonical 用于回放审计的逐字节比对
func (r Result) Canonical() ([]byte, error) {
	return json.Marshal(r.View())
}
