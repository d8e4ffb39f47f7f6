// Package clock 批次相位状态机：COMMIT -> REVEAL -> EXECUTE -> 下一批次 COMMIT
package clock

import (
	"fmt"
	"sync"
	"time"

	"darkpool.com/pkg/xerr"
)

type Phase uint8

const (
	Commit Phase = iota + 1
	Reveal
	Execute
)

var Phases = []Phase{Commit, Reveal, Execute}

func (p Phase) String() string {
	switch p {
	case Commit:
		return "COMMIT"
	case Reveal:
		return "REVEAL"
	case Execute:
		return "EXECUTE"
	default:
		return fmt.Sprintf("Phase(%d)", uint8(p))
	}
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Phase) UnmarshalText(b []byte) error {
	for _, v := range Phases {
		if v.String() == string(b) {
			*p = v
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", b)
}

var ErrPhase = xerr.NewErrCode(xerr.PhaseError)

type Config struct {
	CommitWindow time.Duration
	RevealWindow time.Duration
}

// Snapshot 某一时刻的相位视图；EXECUTE 没有截止时间
type Snapshot struct {
	BatchID  uint64
	Phase    Phase
	Deadline time.Time
	OpenedAt time.Time
}

func (s Snapshot) Remaining(now time.Time) time.Duration {
	if s.Deadline.IsZero() || !now.Before(s.Deadline) {
		return 0
	}
	return s.Deadline.Sub(now)
}

// Transition 一次相位推进
type Transition struct {
	BatchID uint64
	From    Phase
	To      Phase
	At      time.Time
}

// Clock 唯一的相位权威，所有推进都在 mu 下完成
type Clock struct {
	mu  sync.Mutex
	cfg Config
	cur Snapshot
}

// New 从 firstBatch 的 COMMIT 开始
func New(cfg Config, firstBatch uint64, now time.Time) *Clock {
	if firstBatch == 0 {
		firstBatch = 1
	}
	return &Clock{
		cfg: cfg,
		cur: Snapshot{
			BatchID:  firstBatch,
			Phase:    Commit,
			Deadline: now.Add(cfg.CommitWindow),
			OpenedAt: now,
		},
	}
}

func (c *Clock) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

// Tick 截止时间到了就推进一个相位；每次调用最多推进一步，重复调用不会重复推进。
// EXECUTE 不由 Tick 结束，需要 Complete。
func (c *Clock) Tick(now time.Time) (Transition, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cur.Phase == Execute || now.Before(c.cur.Deadline) {
		return Transition{}, false
	}
	tr := Transition{BatchID: c.cur.BatchID, From: c.cur.Phase, At: now}
	switch c.cur.Phase {
	case Commit:
		c.cur.Phase = Reveal
		// 从 now 起算，进程卡顿时也保证完整的 reveal 窗口
		c.cur.Deadline = now.Add(c.cfg.RevealWindow)
	case Reveal:
		c.cur.Phase = Execute
		c.cur.Deadline = time.Time{}
	}
	tr.To = c.cur.Phase
	return tr, true
}

// Complete 结束 EXECUTE 并打开下一个批次；batchID 不是当前 EXECUTE 批次时返回 false
func (c *Clock) Complete(batchID uint64, now time.Time) (Transition, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cur.BatchID != batchID || c.cur.Phase != Execute {
		return Transition{}, false
	}
	c.cur = Snapshot{
		BatchID:  batchID + 1,
		Phase:    Commit,
		Deadline: now.Add(c.cfg.CommitWindow),
		OpenedAt: now,
	}
	return Transition{BatchID: batchID + 1, From: Execute, To: Commit, At: now}, true
}

// Require batchID 必须是当前批次且处于 phase
func (c *Clock) Require(batchID uint64, phase Phase) error {
	c.mu.Lock()
	cur := c.cur
	c.mu.Unlock()

	if cur.BatchID != batchID || cur.Phase != phase {
		return xerr.Wrap(ErrPhase, xerr.PhaseError,
			fmt.Sprintf("batch %d is not in %s (current batch %d is %s)", batchID, phase, cur.BatchID, cur.Phase))
	}
	return nil
}
