package settlement

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"darkpool.com/internal/matching"
	"darkpool.com/pkg/logger"
	"darkpool.com/pkg/metrics"
	"darkpool.com/pkg/ratelimit"
	"darkpool.com/pkg/xerr"
)

const breakerName = "ledger"

var (
	ErrNotFound         = xerr.New(xerr.NotFound, "settlement report not found")
	ErrNotResubmittable = xerr.New(xerr.InvalidState, "only FAILED settlements can be resubmitted")
	ErrFailed           = xerr.NewErrCode(xerr.SettlementFailure)
	// ErrReportConflict 已保存的报告来自另一组成交（另一个实例或重启前的引擎）
	ErrReportConflict = xerr.New(xerr.InvalidState, "settlement report belongs to different batch contents")
	// ErrTxInFlight 上一笔交易可能仍会上链，不能重提
	ErrTxInFlight = xerr.New(xerr.InvalidState, "previous settlement transaction may still be mined")
)

type Config struct {
	SubmitTimeout time.Duration  `mapstructure:"submit_timeout"`
	Breaker       ratelimit.Rule `mapstructure:"breaker"`
}

type Emitter struct {
	ledger   Ledger
	store    ReportStore
	breakers *ratelimit.Manager
	timeout  time.Duration
	sf       singleflight.Group
	now      func() time.Time
}

func NewEmitter(ledger Ledger, store ReportStore, cfg Config) *Emitter {
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 30 * time.Second
	}
	if store == nil {
		store = NewMemoryStore()
	}
	return &Emitter{
		ledger:   ledger,
		store:    store,
		breakers: ratelimit.NewManager(cfg.Breaker, nil),
		timeout:  cfg.SubmitTimeout,
		now:      time.Now,
	}
}

// Settle 同一个 batchId 只会提交一次，之后的调用直接返回已保存的报告。
// 账本失败只体现在报告状态里，不返回 error；error 表示报告存储出错，
// 或者该 batchId 已经用另一组成交结算过（ErrReportConflict）。
func (e *Emitter) Settle(ctx context.Context, batchID uint64, matches []matching.Match) (Report, error) {
	ins := BuildInstructions(matches)
	digest := Digest(ins)
	v, err, _ := e.sf.Do("settle:"+strconv.FormatUint(batchID, 10)+":"+digest, func() (interface{}, error) {
		return e.settleOnce(ctx, batchID, ins, digest)
	})
	if err != nil {
		return Report{}, err
	}
	return v.(Report), nil
}

func (e *Emitter) settleOnce(ctx context.Context, batchID uint64, ins []Instruction, digest string) (Report, error) {
	if rep, ok, err := e.load(ctx, batchID, digest); err != nil || ok {
		return rep, err
	}

	claimed, err := e.store.Claim(ctx, batchID)
	if err != nil {
		return Report{}, err
	}
	if !claimed {
		// 其他实例正在处理
		if rep, ok, err := e.load(ctx, batchID, digest); err != nil || ok {
			return rep, err
		}
		return Report{BatchID: batchID, Digest: digest, Status: StatusPending}, nil
	}

	now := e.now()
	rep := Report{
		BatchID:      batchID,
		Digest:       digest,
		Instructions: ins,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if len(rep.Instructions) == 0 {
		rep.Status = StatusEmpty
		metrics.SettlementsTotal.WithLabelValues(string(StatusEmpty)).Inc()
		return rep, e.store.Save(ctx, rep)
	}

	rep.Status = StatusPending
	if err := e.store.Save(ctx, rep); err != nil {
		return Report{}, err
	}
	e.submit(ctx, &rep)
	return rep, e.store.Save(ctx, rep)
}

// load 读报告并核对指令摘要；摘要不同说明 batchId 被另一组成交用过，不能当作本批次的结果
func (e *Emitter) load(ctx context.Context, batchID uint64, digest string) (Report, bool, error) {
	rep, ok, err := e.store.Load(ctx, batchID)
	if err != nil || !ok {
		return Report{}, false, err
	}
	if rep.Digest != digest {
		logger.Error(logger.WithBatch(ctx, batchID), "settlement report digest mismatch",
			zap.String("stored", rep.Digest),
			zap.String("expected", digest),
			zap.String("status", string(rep.Status)),
			zap.String("tx", rep.TxHash),
		)
		return Report{}, false, xerr.Wrap(ErrReportConflict, xerr.InvalidState,
			fmt.Sprintf("batch %d was settled with different contents (digest %s)", batchID, rep.Digest))
	}
	return rep, true, nil
}

// Resubmit 人工重提，只允许 FAILED 的批次；重提失败返回 SettlementFailure。
// 上一次已经广播过交易时先查链上状态：成功则直接记为 SETTLED，仍在交易池则拒绝。
func (e *Emitter) Resubmit(ctx context.Context, batchID uint64, matches []matching.Match) (Report, error) {
	v, err, _ := e.sf.Do("resubmit:"+strconv.FormatUint(batchID, 10), func() (interface{}, error) {
		rep, ok, err := e.load(ctx, batchID, Digest(BuildInstructions(matches)))
		if err != nil {
			return Report{}, err
		}
		if !ok {
			return Report{}, ErrNotFound
		}
		if rep.Status != StatusFailed {
			return rep, ErrNotResubmittable
		}
		bctx := logger.WithBatch(ctx, batchID)
		if rep.TxHash != "" {
			done, err := e.checkPrevious(bctx, &rep)
			if err != nil {
				return rep, err
			}
			if done {
				return rep, e.store.Save(ctx, rep)
			}
		}
		logger.Warn(bctx, "manual settlement resubmission", zap.Int("attempt", rep.Attempts+1))
		e.submit(ctx, &rep)
		if err := e.store.Save(ctx, rep); err != nil {
			return rep, err
		}
		if rep.Status == StatusFailed {
			return rep, xerr.Wrap(ErrFailed, xerr.SettlementFailure, "settlement resubmission failed: "+rep.Error)
		}
		return rep, nil
	})
	rep, _ := v.(Report)
	return rep, err
}

// checkPrevious 上一笔交易已成功时把报告改为 SETTLED 并返回 true；
// 回滚或被丢弃时返回 false，可以重新提交
func (e *Emitter) checkPrevious(ctx context.Context, rep *Report) (bool, error) {
	checker, ok := e.ledger.(TxChecker)
	if !ok {
		return false, xerr.Wrap(ErrTxInFlight, xerr.InvalidState,
			fmt.Sprintf("ledger cannot report the status of %s", rep.TxHash))
	}
	state, err := checker.TxStatus(ctx, rep.TxHash)
	if err != nil {
		return false, fmt.Errorf("query settlement tx %s: %w", rep.TxHash, err)
	}
	logger.Info(ctx, "previous settlement tx status", zap.String("tx", rep.TxHash), zap.Stringer("state", state))
	switch state {
	case TxSucceeded:
		rep.Status = StatusSettled
		rep.Error = ""
		rep.UpdatedAt = e.now()
		metrics.SettlementsTotal.WithLabelValues(string(StatusSettled)).Inc()
		return true, nil
	case TxReverted, TxDropped:
		return false, nil
	default:
		return false, xerr.Wrap(ErrTxInFlight, xerr.InvalidState,
			fmt.Sprintf("settlement tx %s is still pending", rep.TxHash))
	}
}

// Report 按当前成交核对摘要后返回报告
func (e *Emitter) Report(ctx context.Context, batchID uint64, matches []matching.Match) (Report, bool, error) {
	return e.load(ctx, batchID, Digest(BuildInstructions(matches)))
}

// Restore 存储里还没有该批次时写入重启前的报告；已经有了（本进程或其他实例写过）就不覆盖
func (e *Emitter) Restore(ctx context.Context, rep Report) (bool, error) {
	if rep.Digest == "" {
		rep.Digest = Digest(rep.Instructions)
	}
	claimed, err := e.store.Claim(ctx, rep.BatchID)
	if err != nil || !claimed {
		return false, err
	}
	return true, e.store.Save(ctx, rep)
}

// Prune 存储支持时清理旧报告；Redis 靠 TTL 过期
func (e *Emitter) Prune(beforeBatch uint64) int {
	if p, ok := e.store.(Pruner); ok {
		return p.Prune(beforeBatch)
	}
	return 0
}

// submit 带超时和熔断调用账本，结果写回 rep
func (e *Emitter) submit(ctx context.Context, rep *Report) {
	rep.Attempts++
	start := e.now()

	sctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var tx string
	err := e.breakers.Do(breakerName, func() error {
		h, err := e.ledger.SubmitBatch(sctx, rep.BatchID, rep.Instructions)
		tx = h
		return err
	})
	metrics.SettlementDuration.Observe(time.Since(start).Seconds())
	rep.UpdatedAt = e.now()
	// 广播后等回执失败时交易仍可能上链，哈希要留给重提前核对
	rep.TxHash = tx

	if err != nil {
		rep.Status = StatusFailed
		rep.Error = err.Error()
		metrics.SettlementsTotal.WithLabelValues(string(StatusFailed)).Inc()
		logger.Error(logger.WithBatch(ctx, rep.BatchID), "settlement failed, waiting for manual resubmission",
			zap.Int("instructions", len(rep.Instructions)),
			zap.Int("attempt", rep.Attempts),
			zap.String("tx", tx),
			zap.Error(err),
		)
		return
	}
	rep.Status = StatusSettled
	rep.Error = ""
	metrics.SettlementsTotal.WithLabelValues(string(StatusSettled)).Inc()
	logger.Info(logger.WithBatch(ctx, rep.BatchID), "batch settled",
		zap.Int("instructions", len(rep.Instructions)),
		zap.String("tx", tx),
	)
}
