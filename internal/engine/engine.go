// Package engine 批次生命周期：一个 actor 推进相位、撮合、交给结算；
// 提交 / reveal / 撤单 / 查询由调用方并发进入。
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"darkpool.com/internal/book"
	"darkpool.com/internal/clock"
	"darkpool.com/internal/commitment"
	"darkpool.com/internal/matching"
	"darkpool.com/internal/order"
	"darkpool.com/internal/settlement"
	"darkpool.com/pkg/logger"
	"darkpool.com/pkg/metrics"
	"darkpool.com/pkg/xerr"
)

var (
	ErrBatchNotFound = xerr.New(xerr.NotFound, "batch result not found")
	// ErrNotLeader 多副本时非 leader 不接受订单，否则订单会留在不会推进的批次里
	ErrNotLeader = xerr.New(xerr.PhaseError, "this instance is not the batch leader")
	// ErrBatchClosed 批次由本引擎执行过（或已被外部处理），结果已经不在内存里
	ErrBatchClosed = xerr.New(xerr.InvalidState, "batch was already executed")
)

// Settler 由 settlement.Emitter 实现；matches 用来核对报告是否属于这组成交
type Settler interface {
	Settle(ctx context.Context, batchID uint64, matches []matching.Match) (settlement.Report, error)
	Resubmit(ctx context.Context, batchID uint64, matches []matching.Match) (settlement.Report, error)
	Report(ctx context.Context, batchID uint64, matches []matching.Match) (settlement.Report, bool, error)
}

// Restorer 可选：重启后把 journal 里的结算结果放回报告存储
type Restorer interface {
	Restore(ctx context.Context, rep settlement.Report) (bool, error)
}

// Leader 多副本时只有 leader 推进时钟和接受订单；nil 表示单实例
type Leader interface {
	IsLeader(ctx context.Context) bool
}

type Config struct {
	CommitWindow  time.Duration `mapstructure:"commit_window"`
	RevealWindow  time.Duration `mapstructure:"reveal_window"`
	TickInterval  time.Duration `mapstructure:"tick_interval"`
	RetainBatches uint64        `mapstructure:"retain_batches"` // 0 不清理
	SettleTimeout time.Duration `mapstructure:"settle_timeout"` // 整个结算 goroutine 的上限
	JournalPath   string        `mapstructure:"journal_path"`   // 空表示不写 journal
	JournalBuf    int           `mapstructure:"journal_buf"`
	EventBusSize  int           `mapstructure:"event_bus_size"`
	// FirstBatch journal 为空时的起始批次号；更早的批次号留给 ProcessBatch 处理外部订单
	FirstBatch uint64 `mapstructure:"first_batch"`
}

func (c Config) withDefaults() Config {
	if c.CommitWindow <= 0 {
		c.CommitWindow = 30 * time.Second
	}
	if c.RevealWindow <= 0 {
		c.RevealWindow = 30 * time.Second
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 200 * time.Millisecond
	}
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = time.Minute
	}
	if c.FirstBatch == 0 {
		c.FirstBatch = 1
	}
	return c
}

// BatchResult 一个批次的撮合结果
type BatchResult struct {
	BatchID    uint64
	External   bool // 由 ProcessBatch 传入订单撮合，而不是本引擎执行
	Orders     int  // 参与撮合的订单数
	Forfeited  []uint64
	Result     matching.Result
	ExecutedAt time.Time
}

type counters struct {
	orders      atomic.Uint64
	revealed    atomic.Uint64
	cancelled   atomic.Uint64
	forfeited   atomic.Uint64
	matches     atomic.Uint64
	batches     atomic.Uint64
	settled     atomic.Uint64
	settleFails atomic.Uint64
}

type Engine struct {
	cfg Config
	now func() time.Time

	// 相位锁：提交 / reveal / 撤单 / 统计持读锁，相位推进持写锁
	phaseMu sync.RWMutex
	clock   *clock.Clock
	store   *commitment.Store
	book    *book.Book

	settler Settler
	leader  Leader
	leading atomic.Bool
	journal *Journal
	bus     *ChanBus

	// firstBatch 本引擎（含重启前）打开的第一个批次；从它开始的批次号都不接受外部订单
	firstBatch uint64
	resMu      sync.RWMutex
	results    map[uint64]*BatchResult
	external   map[uint64]struct{} // ProcessBatch 处理过的批次，不随 prune 清理

	stats counters

	settling sync.WaitGroup
}

type Option func(*Engine)

func WithLeader(l Leader) Option { return func(e *Engine) { e.leader = l } }

// WithClock 测试注入时间
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func WithBus(b *ChanBus) Option { return func(e *Engine) { e.bus = b } }

// New 有 journal 时从中恢复批次号、订单号和已执行批次的结果，从下一个批次开始
func New(cfg Config, settler Settler, opts ...Option) (*Engine, error) {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:      cfg,
		now:      time.Now,
		settler:  settler,
		results:  make(map[uint64]*BatchResult),
		external: make(map[uint64]struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	if e.bus == nil {
		e.bus = NewChanBus(cfg.EventBusSize)
	}
	ctx := context.Background()
	e.leading.Store(e.leader == nil || e.leader.IsLeader(ctx))

	first := cfg.FirstBatch
	e.firstBatch = first
	var lastOrder uint64
	var st JournalState
	if cfg.JournalPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.JournalPath), 0o755); err != nil {
			return nil, err
		}
		j, js, err := OpenJournal(cfg.JournalPath, cfg.JournalBuf)
		if err != nil {
			return nil, err
		}
		e.journal = j
		st = js
		if st.LastBatch > 0 {
			first = st.LastBatch + 1
		}
		if st.FirstBatch > 0 {
			e.firstBatch = st.FirstBatch
		}
		lastOrder = st.LastOrderID
		logger.Info(ctx, "journal recovered",
			zap.String("path", cfg.JournalPath),
			zap.Int("records", st.Records),
			zap.Uint64("first_batch", e.firstBatch),
			zap.Uint64("next_batch", first),
			zap.Uint64("last_order_id", lastOrder),
			zap.Int("results", len(st.Results)),
			zap.Bool("truncated_tail", st.TruncatedTail),
		)
	}

	now := e.now()
	e.clock = clock.New(clock.Config{CommitWindow: cfg.CommitWindow, RevealWindow: cfg.RevealWindow}, first, now)
	e.store = commitment.NewStore(e.clock)
	e.store.SetNextID(lastOrder)
	e.book = book.New(first)
	if len(st.Results) > 0 {
		e.restore(ctx, st)
	}

	snap := e.clock.Snapshot()
	e.recordOpened(context.Background(), snap)
	e.opened(context.Background(), snap)
	return e, nil
}

// restore 装回 journal 重建的批次结果，并把结算状态交给报告存储，
// 这样重启后同一个批次不会再被结算一次
func (e *Engine) restore(ctx context.Context, st JournalState) {
	for _, id := range st.Unrecovered {
		logger.Error(logger.WithBatch(ctx, id), "journal records of batch cannot be replayed")
		delete(st.Results, id)
	}
	var last uint64
	for id, br := range st.Results {
		e.results[id] = br
		if br.External {
			e.external[id] = struct{}{}
		}
		if id > last {
			last = id
		}
	}
	if last > 0 {
		e.prune(ctx, last)
	}

	r, ok := e.settler.(Restorer)
	if !ok {
		return
	}
	e.resMu.RLock()
	defer e.resMu.RUnlock()
	for id, br := range e.results {
		rep := recoveredReport(br, st.Settled)
		if rep.Status == settlement.StatusFailed && rep.TxHash == "" {
			logger.Warn(logger.WithBatch(ctx, id), "batch has no journaled settlement outcome, check the ledger before resubmitting")
		}
		if _, err := r.Restore(ctx, rep); err != nil {
			logger.Error(logger.WithBatch(ctx, id), "restore settlement report failed", zap.Error(err))
		}
	}
}

func recoveredReport(br *BatchResult, settled map[uint64]Record) settlement.Report {
	ins := settlement.BuildInstructions(br.Result.Matches)
	rep := settlement.Report{
		BatchID:      br.BatchID,
		Digest:       settlement.Digest(ins),
		Instructions: ins,
		CreatedAt:    br.ExecutedAt,
		UpdatedAt:    br.ExecutedAt,
	}
	rec, ok := settled[br.BatchID]
	switch {
	case ok:
		rep.Status = settlement.Status(rec.Status)
		rep.TxHash = rec.TxHash
		rep.UpdatedAt = rec.At
		if rep.Status != settlement.StatusEmpty {
			rep.Attempts = 1
		}
		if rep.Status == settlement.StatusFailed {
			rep.Error = "settlement failed before restart"
		}
	case len(ins) == 0:
		rep.Status = settlement.StatusEmpty
	default:
		rep.Status = settlement.StatusFailed
		rep.Error = "settlement outcome was not journaled before restart"
	}
	return rep
}

func (e *Engine) Events() *ChanBus { return e.bus }

// Leading 本实例当前是否负责推进批次
func (e *Engine) Leading() bool { return e.leading.Load() }

func (e *Engine) requireLeader() error {
	if !e.leading.Load() {
		return ErrNotLeader
	}
	return nil
}

// WaitSettlements 阻塞到所有已发起的异步结算结束
func (e *Engine) WaitSettlements() { e.settling.Wait() }

// Close 等待进行中的结算，然后关闭 journal
func (e *Engine) Close() error {
	e.settling.Wait()
	if e.journal != nil {
		return e.journal.Close()
	}
	return nil
}

func (e *Engine) record(ctx context.Context, rec Record) {
	if e.journal == nil {
		return
	}
	if rec.At.IsZero() {
		rec.At = e.now()
	}
	if err := e.journal.Append(rec); err != nil {
		logger.Error(ctx, "journal append failed", zap.String("type", string(rec.Type)), zap.Error(err))
	}
}

func (e *Engine) publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = e.now()
	}
	e.bus.TryPublish(ev)
}

// CommitReceipt 提交结果；Salt 只在服务端代算 hash 时返回
type CommitReceipt struct {
	OrderID    uint64      `json:"orderId"`
	BatchID    uint64      `json:"batchId"`
	CommitHash common.Hash `json:"commitHash"`
	Salt       string      `json:"salt,omitempty"`
}

// Commit 提交客户端算好的 hash，只能进入当前 COMMIT 批次
func (e *Engine) Commit(ctx context.Context, trader, tokenA, tokenB common.Address, hash common.Hash) (CommitReceipt, error) {
	pair, err := order.NewPair(tokenA, tokenB)
	if err != nil {
		return CommitReceipt{}, xerr.Wrap(err, xerr.BadRequest, err.Error())
	}
	if err := e.requireLeader(); err != nil {
		return CommitReceipt{}, err
	}

	e.phaseMu.RLock()
	defer e.phaseMu.RUnlock()

	batchID := e.clock.Snapshot().BatchID
	id, err := e.store.Commit(trader, pair, hash, batchID)
	if err != nil {
		return CommitReceipt{}, err
	}
	e.stats.orders.Add(1)
	metrics.CommitsTotal.Inc()
	e.record(ctx, Record{
		Type:       RecCommitted,
		BatchID:    batchID,
		OrderID:    id,
		Trader:     strings.ToLower(trader.Hex()),
		Pair:       pair.Key(),
		CommitHash: hash.Hex(),
	})
	logger.Debug(logger.WithBatch(ctx, batchID), "order committed", zap.Uint64("order_id", id))
	return CommitReceipt{OrderID: id, BatchID: batchID, CommitHash: hash}, nil
}

// CommitPlain 服务端代算 hash（调试 / 受信任客户端）；明文不落任何存储
func (e *Engine) CommitPlain(ctx context.Context, p commitment.Plain, salted bool) (CommitReceipt, error) {
	if !p.Valid() {
		return CommitReceipt{}, commitment.ErrBadOrder
	}
	if !salted {
		salt, err := commitment.NewSalt()
		if err != nil {
			return CommitReceipt{}, err
		}
		p.Salt = salt
	}
	h, err := commitment.Hash(p)
	if err != nil {
		return CommitReceipt{}, xerr.Wrap(err, xerr.BadRequest, "cannot encode order")
	}
	rc, err := e.Commit(ctx, p.Trader, p.TokenA, p.TokenB, h)
	if err != nil {
		return CommitReceipt{}, err
	}
	rc.Salt = common.Hash(p.Salt).Hex()
	return rc, nil
}

// Reveal 校验通过后订单进入 book
func (e *Engine) Reveal(ctx context.Context, req commitment.RevealRequest) (order.Order, error) {
	if err := e.requireLeader(); err != nil {
		return order.Order{}, err
	}
	e.phaseMu.RLock()
	defer e.phaseMu.RUnlock()

	o, err := e.store.Reveal(req)
	if err != nil {
		metrics.RevealsTotal.WithLabelValues(revealResult(err)).Inc()
		return order.Order{}, err
	}
	if err := e.book.Add(o); err != nil {
		// 相位锁下 store 与 book 的批次一致，走到这里说明状态已经错乱
		logger.Error(logger.WithBatch(ctx, o.BatchID), "revealed order rejected by book",
			zap.Uint64("order_id", o.ID), zap.Error(err))
		return order.Order{}, err
	}
	e.stats.revealed.Add(1)
	metrics.RevealsTotal.WithLabelValues("ok").Inc()
	e.record(ctx, Record{Type: RecRevealed, BatchID: o.BatchID, OrderID: o.ID, Order: orderRecord(&o)})
	return o, nil
}

func revealResult(err error) string {
	switch xerr.CodeOf(err) {
	case xerr.HashMismatch:
		return "hash_mismatch"
	case xerr.PhaseError:
		return "phase"
	case xerr.NotFound:
		return "not_found"
	case xerr.Unauthorized:
		return "unauthorized"
	case xerr.InvalidState:
		return "invalid_state"
	case xerr.BadRequest:
		return "bad_request"
	default:
		return "error"
	}
}

func (e *Engine) Cancel(ctx context.Context, orderID uint64, trader common.Address) error {
	if err := e.requireLeader(); err != nil {
		return err
	}
	e.phaseMu.RLock()
	defer e.phaseMu.RUnlock()

	if err := e.store.Cancel(orderID, trader); err != nil {
		return err
	}
	e.stats.cancelled.Add(1)
	metrics.CancelsTotal.Inc()
	e.record(ctx, Record{
		Type:    RecCancelled,
		BatchID: e.clock.Snapshot().BatchID,
		OrderID: orderID,
		Trader:  strings.ToLower(trader.Hex()),
	})
	return nil
}

func (e *Engine) GetOrder(orderID uint64) (commitment.Entry, error) {
	return e.store.Get(orderID)
}

// BatchInfo 当前批次视图
type BatchInfo struct {
	BatchID         uint64        `json:"batchId"`
	Phase           clock.Phase   `json:"phase"`
	Deadline        time.Time     `json:"deadline,omitempty"`
	TimeRemaining   time.Duration `json:"-"`
	OrdersCommitted int           `json:"ordersCommitted"`
	OrdersRevealed  int           `json:"ordersRevealed"`
}

func (e *Engine) CurrentBatch() BatchInfo {
	e.phaseMu.RLock()
	defer e.phaseMu.RUnlock()
	return e.batchInfoLocked(e.clock.Snapshot())
}

func (e *Engine) batchInfoLocked(s clock.Snapshot) BatchInfo {
	return BatchInfo{
		BatchID:         s.BatchID,
		Phase:           s.Phase,
		Deadline:        s.Deadline,
		TimeRemaining:   s.Remaining(e.now()),
		OrdersCommitted: e.store.Count(s.BatchID),
		OrdersRevealed:  e.book.Len(),
	}
}

func (e *Engine) putResult(br *BatchResult) bool {
	e.resMu.Lock()
	defer e.resMu.Unlock()
	if _, ok := e.results[br.BatchID]; ok {
		return false
	}
	e.results[br.BatchID] = br
	return true
}

// putExternal 外部批次同时进 external 集合；prune 之后也不会再被处理
func (e *Engine) putExternal(br *BatchResult) bool {
	e.resMu.Lock()
	defer e.resMu.Unlock()
	if _, ok := e.results[br.BatchID]; ok {
		return false
	}
	if _, ok := e.external[br.BatchID]; ok {
		return false
	}
	e.results[br.BatchID] = br
	e.external[br.BatchID] = struct{}{}
	return true
}

func (e *Engine) processedExternally(batchID uint64) bool {
	e.resMu.RLock()
	defer e.resMu.RUnlock()
	_, ok := e.external[batchID]
	return ok
}

func (e *Engine) getResult(batchID uint64) (*BatchResult, bool) {
	e.resMu.RLock()
	defer e.resMu.RUnlock()
	br, ok := e.results[batchID]
	return br, ok
}

// BatchView 批次结果 + 结算报告（可能还没有）
type BatchView struct {
	*BatchResult
	Report *settlement.Report
}

func (e *Engine) BatchResult(ctx context.Context, batchID uint64) (BatchView, error) {
	br, ok := e.getResult(batchID)
	if !ok {
		return BatchView{}, xerr.Wrap(ErrBatchNotFound, xerr.NotFound, fmt.Sprintf("batch %d has no result", batchID))
	}
	v := BatchView{BatchResult: br}
	rep, found, err := e.settler.Report(ctx, batchID, br.Result.Matches)
	if err != nil {
		return v, err
	}
	if found {
		v.Report = &rep
	}
	return v, nil
}

// ProcessBatch 有结果的批次直接返回已保存的结果；早于本引擎第一个批次、也没被处理过的
// 历史批次用调用方给的订单撮合并结算；本引擎打开过但结果已不在内存的批次返回 InvalidState；
// 当前和未来批次返回 PhaseError。
func (e *Engine) ProcessBatch(ctx context.Context, batchID uint64, orders []order.Order) (BatchView, error) {
	if err := e.requireLeader(); err != nil {
		return BatchView{}, err
	}
	cur := e.clock.Snapshot()
	if batchID == 0 || batchID >= cur.BatchID {
		return BatchView{}, xerr.Wrap(clock.ErrPhase, xerr.PhaseError,
			fmt.Sprintf("batch %d is not closed (current batch %d is %s)", batchID, cur.BatchID, cur.Phase))
	}
	if _, ok := e.getResult(batchID); ok {
		return e.BatchResult(ctx, batchID)
	}
	if batchID >= e.firstBatch || e.processedExternally(batchID) {
		return BatchView{}, xerr.Wrap(ErrBatchClosed, xerr.InvalidState,
			fmt.Sprintf("batch %d was already executed and its result has been pruned", batchID))
	}

	seen := make(map[uint64]struct{}, len(orders))
	in := make([]order.Order, len(orders))
	for i, o := range orders {
		if o.ID == 0 || o.Pair.IsZero() || !o.Side.Valid() || !order.InRange(&o.Amount) || !order.InRange(&o.Price) {
			return BatchView{}, xerr.New(xerr.BadRequest, fmt.Sprintf("order #%d is incomplete or out of range", i))
		}
		if _, dup := seen[o.ID]; dup {
			return BatchView{}, xerr.New(xerr.BadRequest, fmt.Sprintf("duplicate order id %d", o.ID))
		}
		seen[o.ID] = struct{}{}
		o.BatchID = batchID
		in[i] = o
	}
	sort.Slice(in, func(i, j int) bool { return in[i].ID < in[j].ID })

	res := matching.MatchBatch(batchID, in)
	br := &BatchResult{BatchID: batchID, External: true, Orders: len(in), Result: res, ExecutedAt: e.now()}
	if !e.putExternal(br) {
		// 并发的另一个请求已经写入
		return e.BatchResult(ctx, batchID)
	}
	e.stats.matches.Add(uint64(len(res.Matches)))
	metrics.MatchesTotal.Add(float64(len(res.Matches)))

	recs := make([]OrderRecord, len(in))
	for i := range in {
		recs[i] = *orderRecord(&in[i])
	}
	e.recordMatched(ctx, br, recs)

	bctx := logger.WithBatch(ctx, batchID)
	logger.Info(bctx, "external batch matched", zap.Int("orders", len(in)), zap.Int("matches", len(res.Matches)))
	vol := res.Volume()
	e.publish(Event{Type: EvBatchMatched, BatchID: batchID, Data: MatchedEvent{
		ResultView: res.View(),
		Volume:     order.FormatFixed(&vol),
	}})

	rep, err := e.settler.Settle(ctx, batchID, res.Matches)
	if err != nil {
		return BatchView{BatchResult: br}, err
	}
	e.settled(bctx, rep)
	return BatchView{BatchResult: br, Report: &rep}, nil
}

// Resubmit 人工重提 FAILED 的结算；只能重提结果还在内存里的批次
func (e *Engine) Resubmit(ctx context.Context, batchID uint64) (settlement.Report, error) {
	br, ok := e.getResult(batchID)
	if !ok {
		return settlement.Report{}, xerr.Wrap(ErrBatchNotFound, xerr.NotFound, fmt.Sprintf("batch %d has no result", batchID))
	}
	rep, err := e.settler.Resubmit(ctx, batchID, br.Result.Matches)
	// 只有真正提交过才更新状态；ErrNotResubmittable / NotFound 不算
	if err == nil || errors.Is(err, settlement.ErrFailed) {
		e.settled(logger.WithBatch(ctx, batchID), rep)
	}
	return rep, err
}

func (e *Engine) recordMatched(ctx context.Context, br *BatchResult, orders []OrderRecord) {
	if e.journal == nil {
		return
	}
	canon, err := br.Result.Canonical()
	if err != nil {
		logger.Error(logger.WithBatch(ctx, br.BatchID), "encode batch result", zap.Error(err))
		return
	}
	e.record(ctx, Record{
		Type:     RecMatched,
		BatchID:  br.BatchID,
		Result:   string(canon),
		External: br.External,
		Orders:   orders,
	})
}
