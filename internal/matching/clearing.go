package matching

import (
	"sort"

	"github.com/holiman/uint256"

	"darkpool.com/internal/order"
)

// level 候选价格上的累计量
type level struct {
	price  uint256.Int
	demand uint256.Int // 价格 >= p 的买单总量
	supply uint256.Int // 价格 <= p 的卖单总量
}

func (l *level) volume() *uint256.Int {
	if l.demand.Lt(&l.supply) {
		return &l.demand
	}
	return &l.supply
}

func (l *level) imbalance() uint256.Int {
	var d uint256.Int
	if l.demand.Lt(&l.supply) {
		d.Sub(&l.supply, &l.demand)
	} else {
		d.Sub(&l.demand, &l.supply)
	}
	return d
}

// addSat a += b，溢出时停在 2^256-1。订单数量有上限，正常情况下不会触发
func addSat(a, b *uint256.Int) {
	if _, overflow := a.AddOverflow(a, b); overflow {
		a.SetAllOne()
	}
}

// clearingPrice buys 价格降序、sells 价格升序。
// 候选价为所有订单价格：先取成交量最大，再取买卖差最小；
// 仍有多个时，全部买方剩余取最高价，全部卖方剩余取最低价，否则取下中位数。
func clearingPrice(buys, sells []order.Order) (uint256.Int, bool) {
	if len(buys) == 0 || len(sells) == 0 || buys[0].Price.Lt(&sells[0].Price) {
		return uint256.Int{}, false
	}
	levels := buildLevels(buys, sells)

	var best uint256.Int
	for i := range levels {
		if v := levels[i].volume(); v.Gt(&best) {
			best = *v
		}
	}
	if best.IsZero() {
		return uint256.Int{}, false
	}

	var tied []*level
	var minImb uint256.Int
	for i := range levels {
		l := &levels[i]
		if !l.volume().Eq(&best) {
			continue
		}
		imb := l.imbalance()
		switch {
		case len(tied) == 0 || imb.Lt(&minImb):
			tied = append(tied[:0], l)
			minImb = imb
		case imb.Eq(&minImb):
			tied = append(tied, l)
		}
	}

	allBuySurplus, allSellSurplus := true, true
	for _, l := range tied {
		if !l.demand.Gt(&l.supply) {
			allBuySurplus = false
		}
		if !l.supply.Gt(&l.demand) {
			allSellSurplus = false
		}
	}
	// tied 跟 levels 一样是升序
	switch {
	case allBuySurplus:
		return tied[len(tied)-1].price, true
	case allSellSurplus:
		return tied[0].price, true
	default:
		return tied[(len(tied)-1)/2].price, true
	}
}

// buildLevels 升序去重的候选价格，以及每个价格上的累计需求 / 供给
func buildLevels(buys, sells []order.Order) []level {
	prices := make([]uint256.Int, 0, len(buys)+len(sells))
	for i := range buys {
		prices = append(prices, buys[i].Price)
	}
	for i := range sells {
		prices = append(prices, sells[i].Price)
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i].Lt(&prices[j]) })

	levels := make([]level, 0, len(prices))
	for i := range prices {
		if i > 0 && prices[i].Eq(&prices[i-1]) {
			continue
		}
		levels = append(levels, level{price: prices[i]})
	}

	// supply：卖单升序，价格 <= p 的累加
	var acc uint256.Int
	j := 0
	for i := range levels {
		for j < len(sells) && !sells[j].Price.Gt(&levels[i].price) {
			addSat(&acc, &sells[j].Amount)
			j++
		}
		levels[i].supply = acc
	}

	// demand：从高价往低价走，买单降序，价格 >= p 的累加
	acc.Clear()
	j = 0
	for i := len(levels) - 1; i >= 0; i-- {
		for j < len(buys) && !buys[j].Price.Lt(&levels[i].price) {
			addSat(&acc, &buys[j].Amount)
			j++
		}
		levels[i].demand = acc
	}
	return levels
}
