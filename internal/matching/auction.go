package matching

import (
	"sort"

	"github.com/holiman/uint256"

	"darkpool.com/internal/order"
)

// MatchBatch 统一价格批量撮合。纯函数：相同输入（同一批订单）总是得到相同输出。
func MatchBatch(batchID uint64, orders []order.Order) Result {
	res := Result{BatchID: batchID}
	for _, g := range groupByPair(orders) {
		matchPair(&res, g)
	}
	return res
}

type group struct {
	pair  order.Pair
	buys  []order.Order
	sells []order.Order
}

func groupByPair(orders []order.Order) []group {
	idx := make(map[order.Pair]int)
	var groups []group
	for _, o := range orders {
		i, ok := idx[o.Pair]
		if !ok {
			i = len(groups)
			idx[o.Pair] = i
			groups = append(groups, group{pair: o.Pair})
		}
		if o.Side == order.Buy {
			groups[i].buys = append(groups[i].buys, o)
		} else {
			groups[i].sells = append(groups[i].sells, o)
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].pair.Less(groups[j].pair) })
	return groups
}

// 买单：价格降序，同价按 commit 顺序；卖单：价格升序，同价按 commit 顺序
func sortSides(g *group) {
	sort.Slice(g.buys, func(i, j int) bool {
		if c := g.buys[i].Price.Cmp(&g.buys[j].Price); c != 0 {
			return c > 0
		}
		return g.buys[i].ID < g.buys[j].ID
	})
	sort.Slice(g.sells, func(i, j int) bool {
		if c := g.sells[i].Price.Cmp(&g.sells[j].Price); c != 0 {
			return c < 0
		}
		return g.sells[i].ID < g.sells[j].ID
	})
}

func matchPair(res *Result, g group) {
	sortSides(&g)
	cl := Clearing{Pair: g.pair, Buys: len(g.buys), Sells: len(g.sells)}

	price, ok := clearingPrice(g.buys, g.sells)
	if !ok {
		res.Pairs = append(res.Pairs, cl)
		appendFills(res, g, nil, nil)
		return
	}
	cl.Crossed = true
	cl.Price = price

	// 每边一个剩余量切片，游标推进
	remB := make([]uint256.Int, len(g.buys))
	remS := make([]uint256.Int, len(g.sells))
	for i := range g.buys {
		remB[i] = g.buys[i].Amount
	}
	for j := range g.sells {
		remS[j] = g.sells[j].Amount
	}

	i, j := 0, 0
	for i < len(g.buys) && j < len(g.sells) {
		b, s := &g.buys[i], &g.sells[j]
		if b.Price.Lt(&price) || s.Price.Gt(&price) {
			break
		}
		q := remB[i]
		if remS[j].Lt(&q) {
			q = remS[j]
		}
		res.Matches = append(res.Matches, Match{
			BuyOrderID:  b.ID,
			SellOrderID: s.ID,
			Pair:        g.pair,
			Buyer:       b.Trader,
			Seller:      s.Trader,
			Amount:      q,
			Price:       price,
		})
		addSat(&cl.Volume, &q)
		remB[i].Sub(&remB[i], &q)
		remS[j].Sub(&remS[j], &q)
		if remB[i].IsZero() {
			i++
		}
		if remS[j].IsZero() {
			j++
		}
	}

	res.Pairs = append(res.Pairs, cl)
	appendFills(res, g, remB, remS)
}

// appendFills rem 为 nil 表示没有成交
func appendFills(res *Result, g group, remB, remS []uint256.Int) {
	fills := make([]order.Fill, 0, len(g.buys)+len(g.sells))
	add := func(o *order.Order, rem *uint256.Int) {
		f := order.Fill{OrderID: o.ID, Remaining: o.Amount, Status: order.Unmatched}
		if rem != nil {
			f.Remaining = *rem
			f.Filled.Sub(&o.Amount, rem)
			switch {
			case rem.IsZero():
				f.Status = order.Matched
			case !f.Filled.IsZero():
				f.Status = order.PartiallyFilled
			}
		}
		fills = append(fills, f)
	}
	for i := range g.buys {
		var rem *uint256.Int
		if remB != nil {
			rem = &remB[i]
		}
		add(&g.buys[i], rem)
	}
	for j := range g.sells {
		var rem *uint256.Int
		if remS != nil {
			rem = &remS[j]
		}
		add(&g.sells[j], rem)
	}
	sort.Slice(fills, func(a, b int) bool { return fills[a].OrderID < fills[b].OrderID })
	res.Fills = append(res.Fills, fills...)
}
