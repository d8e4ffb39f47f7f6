package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"darkpool.com/internal/clock"
	"darkpool.com/internal/matching"
	"darkpool.com/internal/order"
	"darkpool.com/internal/settlement"
	"darkpool.com/pkg/logger"
	"darkpool.com/pkg/metrics"
	"darkpool.com/pkg/safe"
	"darkpool.com/pkg/trace"
)

var phaseLabels = func() []string {
	out := make([]string, len(clock.Phases))
	for i, p := range clock.Phases {
		out[i] = p.String()
	}
	return out
}()

// Run 生命周期 actor：按 tick_interval 驱动时钟，ctx 结束时返回
func (e *Engine) Run(ctx context.Context) error {
	t := time.NewTicker(e.cfg.TickInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			if e.journal != nil {
				_ = e.journal.Sync()
			}
			return nil
		case <-t.C:
		}

		if e.leader != nil {
			ok := e.leader.IsLeader(ctx)
			if e.leading.Swap(ok) != ok {
				logger.Warn(ctx, "batch clock leadership changed", zap.Bool("leader", ok))
			}
			if !ok {
				continue
			}
		}
		e.Tick(ctx, e.now())
	}
}

// Tick 推进最多一个相位；进入 EXECUTE 时同步完成撮合并打开下一批次，结算异步进行。
// 并发调用安全，不会重复推进。
func (e *Engine) Tick(ctx context.Context, now time.Time) (clock.Transition, bool) {
	e.phaseMu.Lock()
	tr, ok := e.clock.Tick(now)
	if !ok {
		e.phaseMu.Unlock()
		e.syncJournal(ctx)
		return tr, false
	}

	bctx := logger.WithBatch(ctx, tr.BatchID)
	e.record(bctx, Record{Type: RecPhase, BatchID: tr.BatchID, Phase: tr.To.String(), At: now})
	metrics.SetPhase(tr.To.String(), phaseLabels)
	info := e.batchInfoLocked(e.clock.Snapshot())
	logger.Info(bctx, "phase changed",
		zap.Stringer("from", tr.From),
		zap.Stringer("to", tr.To),
		zap.Int("committed", info.OrdersCommitted),
		zap.Int("revealed", info.OrdersRevealed),
	)

	var br *BatchResult
	var next clock.Snapshot
	if tr.To == clock.Execute {
		br = e.executeLocked(bctx, tr.BatchID, now)
		next = e.clock.Snapshot()
		// 新批次的 journal 记录必须在任何新提交之前
		e.recordOpened(ctx, next)
	}
	e.phaseMu.Unlock()

	e.publish(Event{Type: EvPhaseChanged, BatchID: tr.BatchID, At: now, Data: BatchEvent{
		BatchID:         tr.BatchID,
		Phase:           tr.To.String(),
		Deadline:        deadline(info.Deadline),
		OrdersCommitted: info.OrdersCommitted,
		OrdersRevealed:  info.OrdersRevealed,
	}})
	if br != nil {
		vol := br.Result.Volume()
		e.publish(Event{Type: EvBatchMatched, BatchID: br.BatchID, At: now, Data: MatchedEvent{
			ResultView: br.Result.View(),
			Forfeited:  len(br.Forfeited),
			Volume:     order.FormatFixed(&vol),
		}})
		e.opened(ctx, next)
		e.settleAsync(ctx, br.BatchID, br.Result.Matches)
	}
	e.syncJournal(ctx)
	return tr, true
}

// executeLocked 持写锁：作废未 reveal 的订单，取走 book，撮合，写回状态，打开下一批次
func (e *Engine) executeLocked(ctx context.Context, batchID uint64, now time.Time) *BatchResult {
	ctx, span := trace.Tracer().Start(ctx, "auction.execute",
		oteltrace.WithAttributes(attribute.Int64("batch.id", int64(batchID))))
	defer span.End()

	forfeited := e.store.Forfeit(batchID)
	if len(forfeited) > 0 {
		e.stats.forfeited.Add(uint64(len(forfeited)))
		metrics.ForfeitsTotal.Add(float64(len(forfeited)))
		e.record(ctx, Record{Type: RecForfeited, BatchID: batchID, OrderIDs: forfeited, At: now})
	}

	snap, err := e.book.Drain(batchID)
	if err != nil {
		logger.Error(ctx, "book out of sync with clock, resetting", zap.Error(err))
		e.book.Reset(batchID + 1)
	}

	start := time.Now()
	res := matching.MatchBatch(batchID, snap.Orders())
	metrics.MatchDuration.Observe(time.Since(start).Seconds())
	e.store.ApplyFills(batchID, res.Fills)

	br := &BatchResult{
		BatchID:    batchID,
		Orders:     snap.Len(),
		Forfeited:  forfeited,
		Result:     res,
		ExecutedAt: now,
	}
	e.putResult(br)
	e.stats.batches.Add(1)
	e.stats.matches.Add(uint64(len(res.Matches)))
	metrics.MatchesTotal.Add(float64(len(res.Matches)))
	e.recordMatched(ctx, br, nil)

	vol := res.Volume()
	logger.Info(ctx, "batch matched",
		zap.Int("orders", snap.Len()),
		zap.Int("pairs", len(res.Pairs)),
		zap.Int("matches", len(res.Matches)),
		zap.Int("forfeited", len(forfeited)),
		zap.String("volume", vol.Dec()),
		zap.Duration("took", time.Since(start)),
	)

	if _, ok := e.clock.Complete(batchID, now); !ok {
		logger.Error(ctx, "clock refused to complete batch")
	}
	e.prune(ctx, batchID)
	return br
}

func (e *Engine) recordOpened(ctx context.Context, s clock.Snapshot) {
	e.record(ctx, Record{Type: RecBatchOpened, BatchID: s.BatchID, Phase: s.Phase.String(), At: s.OpenedAt})
}

// opened 新批次打开：指标 + 事件
func (e *Engine) opened(ctx context.Context, s clock.Snapshot) {
	metrics.BatchID.Set(float64(s.BatchID))
	metrics.SetPhase(s.Phase.String(), phaseLabels)
	e.publish(Event{Type: EvBatchOpened, BatchID: s.BatchID, At: s.OpenedAt, Data: BatchEvent{
		BatchID:  s.BatchID,
		Phase:    s.Phase.String(),
		Deadline: deadline(s.Deadline),
	}})
	logger.Info(logger.WithBatch(ctx, s.BatchID), "batch opened", zap.Time("commit_deadline", s.Deadline))
}

// settleAsync 结算在独立 goroutine 里进行，不阻塞下一个批次的 COMMIT
func (e *Engine) settleAsync(ctx context.Context, batchID uint64, matches []matching.Match) {
	e.settling.Add(1)
	// 进程退出时也要等结算结束，所以不继承 ctx 的取消
	sctx := logger.WithBatch(context.WithoutCancel(ctx), batchID)
	safe.GoCtx(sctx, "settle", func(ctx context.Context) {
		defer e.settling.Done()
		ctx, cancel := context.WithTimeout(ctx, e.cfg.SettleTimeout)
		defer cancel()
		ctx, span := trace.Tracer().Start(ctx, "auction.settle", oteltrace.WithAttributes(
			attribute.Int64("batch.id", int64(batchID)),
			attribute.Int("matches", len(matches)),
		))
		defer span.End()

		rep, err := e.settler.Settle(ctx, batchID, matches)
		span.SetAttributes(attribute.String("settlement.status", string(rep.Status)))
		if err != nil {
			span.RecordError(err)
			logger.Error(ctx, "settlement not recorded", zap.Error(err))
			return
		}
		e.settled(ctx, rep)
	})
}

// settled 结算结果写回订单状态并广播
func (e *Engine) settled(ctx context.Context, rep settlement.Report) {
	switch rep.Status {
	case settlement.StatusSettled:
		e.stats.settled.Add(1)
		e.store.MarkSettled(rep.BatchID, true)
	case settlement.StatusFailed:
		e.stats.settleFails.Add(1)
		e.store.MarkSettled(rep.BatchID, false)
	case settlement.StatusEmpty:
	default:
		// PENDING：另一个实例在提交
		return
	}
	e.record(ctx, Record{Type: RecSettled, BatchID: rep.BatchID, Status: string(rep.Status), TxHash: rep.TxHash})
	e.publish(Event{Type: EvSettlement, BatchID: rep.BatchID, Data: settlementEvent(rep)})
}

// prune 只保留最近 RetainBatches 个批次
func (e *Engine) prune(ctx context.Context, executed uint64) {
	n := e.cfg.RetainBatches
	if n == 0 || executed < n {
		return
	}
	before := executed - n + 1
	orders := e.store.Prune(before)
	reports := 0
	if p, ok := e.settler.(settlement.Pruner); ok {
		reports = p.Prune(before)
	}

	e.resMu.Lock()
	dropped := 0
	for id := range e.results {
		if id < before {
			delete(e.results, id)
			dropped++
		}
	}
	e.resMu.Unlock()
	if orders > 0 || dropped > 0 || reports > 0 {
		logger.Debug(ctx, "pruned old batches", zap.Uint64("before", before),
			zap.Int("orders", orders), zap.Int("results", dropped), zap.Int("reports", reports))
	}
}

func (e *Engine) syncJournal(ctx context.Context) {
	if e.journal == nil {
		return
	}
	if err := e.journal.Sync(); err != nil {
		logger.Error(ctx, "journal sync failed", zap.Error(err))
	}
}
