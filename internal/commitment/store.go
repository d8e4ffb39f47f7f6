// Package commitment 保存订单承诺；reveal 之前只持有 hash，不持有任何明文
package commitment

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"darkpool.com/internal/clock"
	"darkpool.com/internal/order"
	"darkpool.com/pkg/xerr"
)

var (
	ErrNotFound      = xerr.NewErrCode(xerr.NotFound)
	ErrHashMismatch  = xerr.NewErrCode(xerr.HashMismatch)
	ErrUnauthorized  = xerr.NewErrCode(xerr.Unauthorized)
	ErrInvalidState  = xerr.NewErrCode(xerr.InvalidState)
	ErrDuplicateHash = xerr.New(xerr.InvalidState, "commit hash already used in this batch")
	ErrBadOrder      = xerr.New(xerr.BadRequest, "amount and price must be positive and at most 2^128-1")
)

// PhaseGate 由 clock.Clock 实现
type PhaseGate interface {
	Require(batchID uint64, phase clock.Phase) error
}

// Entry 审计视图；Order 只有 reveal 之后才有值
type Entry struct {
	OrderID     uint64
	BatchID     uint64
	Trader      common.Address
	Pair        order.Pair
	CommitHash  common.Hash
	Status      order.Status
	CommittedAt time.Time
	RevealedAt  time.Time
	UpdatedAt   time.Time
	Order       *order.Order
	Filled      uint256.Int
}

// RevealRequest 明文 + salt；TokenA/TokenB 顺序必须与计算 hash 时一致
type RevealRequest struct {
	OrderID uint64
	Plain
}

const numShards = 64

type shard struct {
	mu sync.Mutex
	m  map[uint64]*Entry
}

// Store 按 orderId 分片加锁：同一订单串行，不同订单并行
type Store struct {
	gate   PhaseGate
	now    func() time.Time
	nextID atomic.Uint64

	shards [numShards]shard

	idxMu   sync.Mutex
	byBatch map[uint64][]uint64 // commit 顺序
	hashes  map[uint64]map[common.Hash]struct{}
}

func NewStore(gate PhaseGate) *Store {
	s := &Store{
		gate:    gate,
		now:     time.Now,
		byBatch: make(map[uint64][]uint64),
		hashes:  make(map[uint64]map[common.Hash]struct{}),
	}
	for i := range s.shards {
		s.shards[i].m = make(map[uint64]*Entry)
	}
	return s
}

// SetNextID 回放 journal 后从 id 继续分配
func (s *Store) SetNextID(id uint64) {
	for {
		cur := s.nextID.Load()
		if id <= cur || s.nextID.CompareAndSwap(cur, id) {
			return
		}
	}
}

func (s *Store) LastID() uint64 { return s.nextID.Load() }

func (s *Store) shardOf(id uint64) *shard { return &s.shards[id%numShards] }

func (s *Store) Commit(trader common.Address, pair order.Pair, hash common.Hash, batchID uint64) (uint64, error) {
	if pair.IsZero() || hash == (common.Hash{}) {
		return 0, xerr.New(xerr.BadRequest, "pair and commit hash are required")
	}
	if err := s.gate.Require(batchID, clock.Commit); err != nil {
		return 0, err
	}

	s.idxMu.Lock()
	seen := s.hashes[batchID]
	if seen == nil {
		seen = make(map[common.Hash]struct{})
		s.hashes[batchID] = seen
	}
	if _, dup := seen[hash]; dup {
		s.idxMu.Unlock()
		return 0, ErrDuplicateHash
	}
	seen[hash] = struct{}{}
	id := s.nextID.Add(1)
	s.byBatch[batchID] = append(s.byBatch[batchID], id)
	s.idxMu.Unlock()

	now := s.now()
	sh := s.shardOf(id)
	sh.mu.Lock()
	sh.m[id] = &Entry{
		OrderID:     id,
		BatchID:     batchID,
		Trader:      trader,
		Pair:        pair,
		CommitHash:  hash,
		Status:      order.Committed,
		CommittedAt: now,
		UpdatedAt:   now,
	}
	sh.mu.Unlock()
	return id, nil
}

// Reveal 校验顺序：订单存在 -> 相位 -> 状态 -> 调用者 -> 交易对 -> hash
func (s *Store) Reveal(req RevealRequest) (order.Order, error) {
	sh := s.shardOf(req.OrderID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.m[req.OrderID]
	if !ok {
		return order.Order{}, xerr.Wrap(ErrNotFound, xerr.NotFound, fmt.Sprintf("order %d not found", req.OrderID))
	}
	if err := s.gate.Require(e.BatchID, clock.Reveal); err != nil {
		return order.Order{}, err
	}
	if e.Status != order.Committed {
		return order.Order{}, xerr.Wrap(ErrInvalidState, xerr.InvalidState,
			fmt.Sprintf("order %d is %s, reveal is exactly-once", e.OrderID, e.Status))
	}
	if req.Trader != e.Trader {
		return order.Order{}, ErrUnauthorized
	}
	pair, err := order.NewPair(req.TokenA, req.TokenB)
	if err != nil || pair != e.Pair {
		return order.Order{}, xerr.Wrap(ErrHashMismatch, xerr.HashMismatch, "revealed pair differs from committed pair")
	}
	if !req.Plain.Valid() {
		return order.Order{}, ErrBadOrder
	}
	h, err := Hash(req.Plain)
	if err != nil {
		return order.Order{}, xerr.Wrap(err, xerr.BadRequest, "cannot encode reveal")
	}
	if h != e.CommitHash {
		return order.Order{}, ErrHashMismatch
	}

	o := order.Order{
		ID:      e.OrderID,
		BatchID: e.BatchID,
		Trader:  e.Trader,
		Pair:    e.Pair,
		Side:    req.Side,
		Amount:  req.Amount,
		Price:   req.Price,
	}
	now := s.now()
	e.Status = order.Revealed
	e.RevealedAt = now
	e.UpdatedAt = now
	e.Order = &o
	return o, nil
}

// Cancel 只允许 COMMIT 阶段、reveal 之前、由提交者本人撤单
func (s *Store) Cancel(orderID uint64, trader common.Address) error {
	sh := s.shardOf(orderID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.m[orderID]
	if !ok {
		return xerr.Wrap(ErrNotFound, xerr.NotFound, fmt.Sprintf("order %d not found", orderID))
	}
	if trader != e.Trader {
		return ErrUnauthorized
	}
	if e.Status != order.Committed {
		return xerr.Wrap(ErrInvalidState, xerr.InvalidState,
			fmt.Sprintf("order %d is %s and can no longer be cancelled", e.OrderID, e.Status))
	}
	if err := s.gate.Require(e.BatchID, clock.Commit); err != nil {
		return err
	}
	e.Status = order.Cancelled
	e.UpdatedAt = s.now()

	// 释放 hash，同一订单可以换个时间重新提交
	s.idxMu.Lock()
	delete(s.hashes[e.BatchID], e.CommitHash)
	s.idxMu.Unlock()
	return nil
}

// Get 返回拷贝，调用方改不到内部状态
func (s *Store) Get(orderID uint64) (Entry, error) {
	sh := s.shardOf(orderID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.m[orderID]
	if !ok {
		return Entry{}, ErrNotFound
	}
	out := *e
	if e.Order != nil {
		o := *e.Order
		out.Order = &o
	}
	return out, nil
}

func (s *Store) batchIDs(batchID uint64) []uint64 {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	ids := s.byBatch[batchID]
	out := make([]uint64, len(ids))
	copy(out, ids)
	return out
}

// update 对批次内每个订单执行 fn（持有分片锁），返回 fn 返回 true 的数量
func (s *Store) update(batchID uint64, fn func(e *Entry) bool) int {
	n := 0
	now := s.now()
	for _, id := range s.batchIDs(batchID) {
		sh := s.shardOf(id)
		sh.mu.Lock()
		if e, ok := sh.m[id]; ok && fn(e) {
			e.UpdatedAt = now
			n++
		}
		sh.mu.Unlock()
	}
	return n
}

// Forfeit reveal 截止后仍是 COMMITTED 的订单作废，不撮合也不自动退款
func (s *Store) Forfeit(batchID uint64) []uint64 {
	var ids []uint64
	s.update(batchID, func(e *Entry) bool {
		if e.Status != order.Committed {
			return false
		}
		e.Status = order.Forfeited
		ids = append(ids, e.OrderID)
		return true
	})
	return ids
}

// ApplyFills 撮合结果写回订单状态
func (s *Store) ApplyFills(batchID uint64, fills []order.Fill) int {
	byID := make(map[uint64]order.Fill, len(fills))
	for _, f := range fills {
		byID[f.OrderID] = f
	}
	return s.update(batchID, func(e *Entry) bool {
		f, ok := byID[e.OrderID]
		if !ok || e.Status != order.Revealed {
			return false
		}
		e.Status = f.Status
		e.Filled = f.Filled
		return true
	})
}

// MarkSettled 有成交的订单根据结算结果变为 EXECUTED / SETTLEMENT_FAILED
func (s *Store) MarkSettled(batchID uint64, ok bool) int {
	to := order.Executed
	if !ok {
		to = order.SettlementFailed
	}
	return s.update(batchID, func(e *Entry) bool {
		switch e.Status {
		case order.Matched, order.PartiallyFilled, order.SettlementFailed:
			e.Status = to
			return true
		}
		return false
	})
}

// Prune 清理 beforeBatch 之前的批次
func (s *Store) Prune(beforeBatch uint64) int {
	s.idxMu.Lock()
	var ids []uint64
	for b, list := range s.byBatch {
		if b < beforeBatch {
			ids = append(ids, list...)
			delete(s.byBatch, b)
			delete(s.hashes, b)
		}
	}
	s.idxMu.Unlock()

	for _, id := range ids {
		sh := s.shardOf(id)
		sh.mu.Lock()
		delete(sh.m, id)
		sh.mu.Unlock()
	}
	return len(ids)
}

// BatchEntries 批次内所有订单，按 orderId 排序
func (s *Store) BatchEntries(batchID uint64) []Entry {
	ids := s.batchIDs(batchID)
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		if e, err := s.Get(id); err == nil {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out
}

// Count 批次内提交过的订单数（含已撤销）
func (s *Store) Count(batchID uint64) int {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	return len(s.byBatch[batchID])
}
