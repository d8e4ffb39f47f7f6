package matching

import (
	"bytes"
	"math/big"
	"math/rand"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"darkpool.com/internal/order"
)

var (
	pairXY, _ = order.NewPair(common.HexToAddress("0x01"), common.HexToAddress("0x02"))
	pairYZ, _ = order.NewPair(common.HexToAddress("0x02"), common.HexToAddress("0x03"))
)

func fx(s string) uint256.Int {
	v, err := order.ParseFixed(s)
	if err != nil {
		panic(err)
	}
	return v
}

func buy(id uint64, amount, price string) order.Order {
	return order.Order{ID: id, Pair: pairXY, Side: order.Buy, Amount: fx(amount), Price: fx(price),
		Trader: common.BigToAddress(new(big.Int).SetUint64(id))}
}

func sell(id uint64, amount, price string) order.Order {
	o := buy(id, amount, price)
	o.Side = order.Sell
	return o
}

func on(p order.Pair, o order.Order) order.Order { o.Pair = p; return o }

func TestMatchBatch_SimpleCross(t *testing.T) {
	res := MatchBatch(1, []order.Order{buy(1, "100", "0.01"), sell(2, "100", "0.01")})
	if len(res.Matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(res.Matches))
	}
	m := res.Matches[0]
	if m.BuyOrderID != 1 || m.SellOrderID != 2 {
		t.Fatalf("unexpected ids %d/%d", m.BuyOrderID, m.SellOrderID)
	}
	if got := order.FormatFixed(&m.Amount); got != "100" {
		t.Fatalf("expected matchedAmount 100, got %s", got)
	}
	if got := order.FormatFixed(&m.Price); got != "0.01" {
		t.Fatalf("expected executionPrice 0.01, got %s", got)
	}
	for _, f := range res.Fills {
		if f.Status != order.Matched || !f.Remaining.IsZero() {
			t.Fatalf("order %d should be fully matched, got %s", f.OrderID, f.Status)
		}
	}
}

func TestMatchBatch_NoCross(t *testing.T) {
	res := MatchBatch(1, []order.Order{buy(1, "100", "0.009"), sell(2, "100", "0.01")})
	if len(res.Matches) != 0 {
		t.Fatalf("expected no match, got %d", len(res.Matches))
	}
	if len(res.Pairs) != 1 || res.Pairs[0].Crossed {
		t.Fatalf("pair should be reported as not crossed: %+v", res.Pairs)
	}
	for _, f := range res.Fills {
		if f.Status != order.Unmatched {
			t.Fatalf("order %d expected UNMATCHED, got %s", f.OrderID, f.Status)
		}
	}
}

func TestMatchBatch_EmptyAndOneSided(t *testing.T) {
	if res := MatchBatch(1, nil); len(res.Matches) != 0 || len(res.Pairs) != 0 {
		t.Fatalf("empty input must produce empty result")
	}
	res := MatchBatch(1, []order.Order{buy(1, "1", "1"), buy(2, "1", "2")})
	if len(res.Matches) != 0 || len(res.Fills) != 2 {
		t.Fatalf("one-sided book: matches=%d fills=%d", len(res.Matches), len(res.Fills))
	}
}

func TestMatchBatch_UniformPriceAndPriority(t *testing.T) {
	// 需求：>=1.2:10, >=1.1:15, >=1.0:25 ；供给：<=0.9:5, <=1.0:15, <=1.1:25
	orders := []order.Order{
		buy(1, "10", "1.2"),
		buy(2, "5", "1.1"),
		buy(3, "10", "1.0"),
		sell(4, "5", "0.9"),
		sell(5, "10", "1.0"),
		sell(6, "10", "1.1"),
	}
	res := MatchBatch(7, orders)
	if len(res.Pairs) != 1 || !res.Pairs[0].Crossed {
		t.Fatalf("expected crossed pair")
	}
	// 1.0: vol=min(25,15)=15 ; 1.1: vol=min(15,25)=15 ；差额都是 10，一个买方剩余一个卖方剩余 -> 下中位数 1.0
	if got := order.FormatFixed(&res.Pairs[0].Price); got != "1" {
		t.Fatalf("expected clearing price 1, got %s", got)
	}
	if got := order.FormatFixed(&res.Pairs[0].Volume); got != "15" {
		t.Fatalf("expected volume 15, got %s", got)
	}
	for _, m := range res.Matches {
		if order.FormatFixed(&m.Price) != "1" {
			t.Fatalf("every match must use the clearing price")
		}
	}
	// 买 1 先吃卖 4 (5)，再吃卖 5 (5)；买 2 吃卖 5 剩下的 5
	want := [][3]uint64{{1, 4, 5}, {1, 5, 5}, {2, 5, 5}}
	if len(res.Matches) != len(want) {
		t.Fatalf("expected %d matches, got %d", len(want), len(res.Matches))
	}
	for i, w := range want {
		m := res.Matches[i]
		if m.BuyOrderID != w[0] || m.SellOrderID != w[1] || m.Amount.Uint64() != w[2]*1e18 {
			t.Fatalf("match %d: got %d/%d %s", i, m.BuyOrderID, m.SellOrderID, order.FormatFixed(&m.Amount))
		}
	}
	status := map[uint64]order.Status{}
	for _, f := range res.Fills {
		status[f.OrderID] = f.Status
	}
	if status[3] != order.Unmatched || status[6] != order.Unmatched || status[5] != order.Matched {
		t.Fatalf("unexpected statuses %v", status)
	}
}

func TestMatchBatch_PartialFill(t *testing.T) {
	res := MatchBatch(1, []order.Order{buy(1, "100", "2"), sell(2, "40", "1")})
	// 1: demand 100 supply 40 ; 2: demand 100 supply 40 ；都是买方剩余 -> 取最高价 2
	if got := order.FormatFixed(&res.Pairs[0].Price); got != "2" {
		t.Fatalf("buy surplus should clear at the highest tied price, got %s", got)
	}
	f := res.Fills[0]
	if f.OrderID != 1 || f.Status != order.PartiallyFilled || order.FormatFixed(&f.Remaining) != "60" {
		t.Fatalf("unexpected buy fill %+v", f)
	}
}

func TestMatchBatch_SellSurplusTakesLowest(t *testing.T) {
	res := MatchBatch(1, []order.Order{buy(1, "10", "2"), sell(2, "40", "1")})
	if got := order.FormatFixed(&res.Pairs[0].Price); got != "1" {
		t.Fatalf("sell surplus should clear at the lowest tied price, got %s", got)
	}
}

func TestMatchBatch_AllSamePrice(t *testing.T) {
	orders := []order.Order{
		buy(1, "3", "1"), buy(2, "3", "1"), buy(3, "3", "1"),
		sell(4, "4", "1"), sell(5, "4", "1"),
	}
	res := MatchBatch(1, orders)
	v := res.Volume()
	if order.FormatFixed(&v) != "8" {
		t.Fatalf("expected max volume 8, got %s", order.FormatFixed(&v))
	}
	// 时间优先：买 3 只成交 2
	last := res.Fills[2]
	if last.OrderID != 3 || last.Status != order.PartiallyFilled {
		t.Fatalf("expected order 3 partially filled, got %+v", last)
	}
}

func TestMatchBatch_PairsIsolatedAndSorted(t *testing.T) {
	orders := []order.Order{
		on(pairYZ, buy(1, "1", "5")),
		on(pairYZ, sell(2, "1", "5")),
		buy(3, "1", "1"),
		sell(4, "1", "2"),
	}
	res := MatchBatch(1, orders)
	if len(res.Pairs) != 2 || res.Pairs[0].Pair != pairXY {
		t.Fatalf("pairs must be sorted by key")
	}
	if res.Pairs[0].Crossed || !res.Pairs[1].Crossed {
		t.Fatalf("only the y/z pair crosses")
	}
	if len(res.Matches) != 1 || res.Matches[0].Pair != pairYZ {
		t.Fatalf("unexpected matches %+v", res.Matches)
	}
}

func TestMatchBatch_DoesNotMutateInput(t *testing.T) {
	orders := []order.Order{sell(2, "5", "1"), buy(1, "5", "1"), sell(3, "5", "0.5")}
	cp := append([]order.Order(nil), orders...)
	MatchBatch(1, orders)
	for i := range orders {
		if orders[i].ID != cp[i].ID || !orders[i].Amount.Eq(&cp[i].Amount) {
			t.Fatalf("input mutated at %d", i)
		}
	}
}

func randomOrders(r *rand.Rand, n int) []order.Order {
	out := make([]order.Order, 0, n)
	for i := 0; i < n; i++ {
		var o order.Order
		o.ID = uint64(i + 1)
		o.Pair = pairXY
		if r.Intn(3) == 0 {
			o.Pair = pairYZ
		}
		o.Side = order.Side(r.Intn(2))
		o.Amount.SetUint64(uint64(r.Intn(1000)+1) * 1e15)
		o.Price.SetUint64(uint64(r.Intn(20)+90) * 1e16)
		out = append(out, o)
	}
	return out
}

func TestMatchBatch_Deterministic(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	orders := randomOrders(r, 500)

	a, err := MatchBatch(9, orders).Canonical()
	if err != nil {
		t.Fatal(err)
	}
	// 输入顺序打乱，结果也必须逐字节一致
	shuffled := append([]order.Order(nil), orders...)
	r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	for k := 0; k < 5; k++ {
		b, err := MatchBatch(9, shuffled).Canonical()
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(a, b) {
			t.Fatalf("non deterministic output on run %d", k)
		}
	}
}

func TestMatchBatch_Invariants(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		orders := randomOrders(r, 40)
		res := MatchBatch(1, orders)

		byID := map[uint64]order.Order{}
		for _, o := range orders {
			byID[o.ID] = o
		}
		filled := map[uint64]*uint256.Int{}
		seen := map[[2]uint64]bool{}
		for _, m := range res.Matches {
			b, s := byID[m.BuyOrderID], byID[m.SellOrderID]
			if b.Side != order.Buy || s.Side != order.Sell || b.Pair != s.Pair {
				t.Fatalf("bad match sides/pair")
			}
			if b.Price.Lt(&m.Price) || s.Price.Gt(&m.Price) {
				t.Fatalf("limit price violated")
			}
			key := [2]uint64{m.BuyOrderID, m.SellOrderID}
			if seen[key] {
				t.Fatalf("duplicate (buy, sell) match %v", key)
			}
			seen[key] = true
			for _, id := range key {
				if filled[id] == nil {
					filled[id] = new(uint256.Int)
				}
				filled[id].Add(filled[id], &m.Amount)
			}
		}
		for id, f := range filled {
			o := byID[id]
			if f.Gt(&o.Amount) {
				t.Fatalf("order %d overfilled", id)
			}
		}
		// 每个交易对买卖双方成交量相等
		for _, c := range res.Pairs {
			var bv, sv uint256.Int
			for _, m := range res.Matches {
				if m.Pair == c.Pair {
					bv.Add(&bv, &m.Amount)
					sv.Add(&sv, &m.Amount)
				}
			}
			if !bv.Eq(&c.Volume) {
				t.Fatalf("pair volume mismatch")
			}
			// 穷举所有候选价格，选出的价格必须达到最大可成交量
			best, atPrice := bruteForceVolume(orders, c.Pair, c.Price.ToBig())
			if c.Volume.ToBig().Cmp(best) != 0 {
				t.Fatalf("round %d pair %s: volume %s, max executable %s", round, c.Pair.Key(), c.Volume.Dec(), best)
			}
			if c.Crossed && atPrice.Cmp(best) != 0 {
				t.Fatalf("round %d pair %s: price %s is not a max-volume price", round, c.Pair.Key(), c.Price.Dec())
			}
		}
	}
}

// bruteForceVolume 用 big.Int 独立计算：所有候选价上 min(需求, 供给) 的最大值，以及价格 at 上的可成交量
func bruteForceVolume(orders []order.Order, pair order.Pair, at *big.Int) (best, atPrice *big.Int) {
	volumeAt := func(p *big.Int) *big.Int {
		demand, supply := new(big.Int), new(big.Int)
		for i := range orders {
			o := &orders[i]
			if o.Pair != pair {
				continue
			}
			px := o.Price.ToBig()
			if o.Side == order.Buy && px.Cmp(p) >= 0 {
				demand.Add(demand, o.Amount.ToBig())
			}
			if o.Side == order.Sell && px.Cmp(p) <= 0 {
				supply.Add(supply, o.Amount.ToBig())
			}
		}
		if demand.Cmp(supply) < 0 {
			return demand
		}
		return supply
	}
	best = new(big.Int)
	for i := range orders {
		if orders[i].Pair != pair {
			continue
		}
		if v := volumeAt(orders[i].Price.ToBig()); v.Cmp(best) > 0 {
			best = v
		}
	}
	return best, volumeAt(at)
}

func TestMatchBatch_HugeAmountsDoNotWrap(t *testing.T) {
	raw := func(id uint64, side order.Side, amount, price *uint256.Int) order.Order {
		return order.Order{ID: id, Pair: pairXY, Side: side, Amount: *amount, Price: *price,
			Trader: common.BigToAddress(new(big.Int).SetUint64(id))}
	}
	half := new(uint256.Int).Lsh(uint256.NewInt(1), 255)
	halfPlus := new(uint256.Int).Add(half, uint256.NewInt(5e18))
	one, two, ten := uint256.NewInt(1), uint256.NewInt(2), uint256.NewInt(10)

	// 两个卖单相加超过 2^256，回绕后供给会变成 5e18
	res := MatchBatch(1, []order.Order{
		raw(1, order.Buy, ten, two),
		raw(2, order.Buy, ten, one),
		raw(3, order.Sell, half, one),
		raw(4, order.Sell, halfPlus, one),
	})
	if len(res.Pairs) != 1 || !res.Pairs[0].Crossed {
		t.Fatalf("expected one crossed pair, got %+v", res.Pairs)
	}
	c := res.Pairs[0]
	if !c.Price.Eq(one) {
		t.Fatalf("expected clearing price 1, got %s", c.Price.Dec())
	}
	if !c.Volume.Eq(uint256.NewInt(20)) {
		t.Fatalf("expected volume 20, got %s", c.Volume.Dec())
	}
	if v := res.Volume(); !v.Eq(uint256.NewInt(20)) {
		t.Fatalf("expected result volume 20, got %s", v.Dec())
	}
}

func TestAddSat(t *testing.T) {
	var top uint256.Int
	top.SetAllOne()
	a := top
	addSat(&a, uint256.NewInt(1))
	if !a.Eq(&top) {
		t.Fatalf("expected saturation, got %s", a.Dec())
	}
	b := *uint256.NewInt(3)
	addSat(&b, uint256.NewInt(4))
	if b.Uint64() != 7 {
		t.Fatalf("expected 7, got %s", b.Dec())
	}
}

func TestCanonical_Shape(t *testing.T) {
	b, err := MatchBatch(3, []order.Order{buy(1, "100", "0.01"), sell(2, "100", "0.01")}).Canonical()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(b, []byte(`"matchedAmount":"100","executionPrice":"0.01"`)) {
		t.Fatalf("unexpected canonical encoding %s", b)
	}
}
