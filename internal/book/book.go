// Package book 当前批次已 reveal 订单，按交易对分组，等待撮合
package book

import (
	"fmt"
	"sort"
	"sync"

	"darkpool.com/internal/order"
	"darkpool.com/pkg/xerr"
)

// PairOrders 一个交易对的全部订单，按 commit 顺序（orderId）排列
type PairOrders struct {
	Pair   order.Pair
	Orders []order.Order
}

// Snapshot 交给撮合引擎的只读快照
type Snapshot struct {
	BatchID uint64
	Pairs   []PairOrders
}

func (s Snapshot) Len() int {
	n := 0
	for _, p := range s.Pairs {
		n += len(p.Orders)
	}
	return n
}

// Orders 按交易对、orderId 展开
func (s Snapshot) Orders() []order.Order {
	out := make([]order.Order, 0, s.Len())
	for _, p := range s.Pairs {
		out = append(out, p.Orders...)
	}
	return out
}

type Book struct {
	mu      sync.Mutex
	batchID uint64
	pairs   map[order.Pair][]order.Order
	size    int
	seen    map[order.Pair]struct{} // 历史上出现过的交易对
}

func New(batchID uint64) *Book {
	return &Book{
		batchID: batchID,
		pairs:   make(map[order.Pair][]order.Order),
		seen:    make(map[order.Pair]struct{}),
	}
}

func (b *Book) BatchID() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.batchID
}

// Add 只接受当前批次的订单
func (b *Book) Add(o order.Order) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if o.BatchID != b.batchID {
		return xerr.New(xerr.PhaseError, fmt.Sprintf("order %d belongs to batch %d, book holds batch %d", o.ID, o.BatchID, b.batchID))
	}
	b.pairs[o.Pair] = append(b.pairs[o.Pair], o)
	b.seen[o.Pair] = struct{}{}
	b.size++
	return nil
}

// Drain 取走 batchID 的全部订单，并把 book 切换到下一个批次
func (b *Book) Drain(batchID uint64) (Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if batchID != b.batchID {
		return Snapshot{}, xerr.New(xerr.PhaseError, fmt.Sprintf("book holds batch %d, not %d", b.batchID, batchID))
	}

	snap := Snapshot{BatchID: batchID, Pairs: make([]PairOrders, 0, len(b.pairs))}
	for p, list := range b.pairs {
		sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
		snap.Pairs = append(snap.Pairs, PairOrders{Pair: p, Orders: list})
	}
	sort.Slice(snap.Pairs, func(i, j int) bool { return snap.Pairs[i].Pair.Less(snap.Pairs[j].Pair) })

	b.reset(batchID + 1)
	return snap, nil
}

// Reset 丢弃当前内容，只在启动或人工干预时使用
func (b *Book) Reset(batchID uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reset(batchID)
}

func (b *Book) reset(batchID uint64) {
	b.batchID = batchID
	b.pairs = make(map[order.Pair][]order.Order)
	b.size = 0
}

// Len 当前批次已 reveal 订单数
func (b *Book) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// TotalPairs 累计出现过的交易对数量
func (b *Book) TotalPairs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.seen)
}
