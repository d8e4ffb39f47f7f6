package engine

import (
	"errors"
	"sort"

	"darkpool.com/internal/matching"
	"darkpool.com/internal/order"
	"darkpool.com/pkg/wal"
)

// Divergence 一个批次重新撮合后与 journal 不一致
type Divergence struct {
	BatchID  uint64 `json:"batchId"`
	Recorded string `json:"recorded"`
	Replayed string `json:"replayed"`
	Err      string `json:"error,omitempty"`
}

type AuditReport struct {
	Records       int          `json:"records"`
	Batches       int          `json:"batches"` // 重新撮合过的批次
	Matched       []uint64     `json:"matched"`
	Divergent     []Divergence `json:"divergent"`
	TruncatedTail bool         `json:"truncatedTail"`
}

func (r AuditReport) OK() bool { return len(r.Divergent) == 0 }

// replayer 按 journal 顺序收集 reveal，遇到 matched 记录时重新撮合该批次
type replayer struct {
	revealed  map[uint64][]order.Order
	forfeited map[uint64][]uint64
}

func newReplayer() *replayer {
	return &replayer{
		revealed:  make(map[uint64][]order.Order),
		forfeited: make(map[uint64][]uint64),
	}
}

// apply matched 记录返回重建的批次结果，其他记录返回 nil
func (r *replayer) apply(rec Record) (*BatchResult, error) {
	switch rec.Type {
	case RecRevealed:
		if rec.Order == nil {
			return nil, errors.New("revealed record without order")
		}
		o, err := rec.Order.Order()
		if err != nil {
			return nil, err
		}
		r.revealed[rec.BatchID] = append(r.revealed[rec.BatchID], o)

	case RecForfeited:
		r.forfeited[rec.BatchID] = append(r.forfeited[rec.BatchID], rec.OrderIDs...)

	case RecMatched:
		orders := r.revealed[rec.BatchID]
		forfeited := r.forfeited[rec.BatchID]
		delete(r.revealed, rec.BatchID)
		delete(r.forfeited, rec.BatchID)
		if rec.External {
			orders = make([]order.Order, 0, len(rec.Orders))
			for i := range rec.Orders {
				o, err := rec.Orders[i].Order()
				if err != nil {
					return nil, err
				}
				orders = append(orders, o)
			}
		}
		sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
		return &BatchResult{
			BatchID:    rec.BatchID,
			External:   rec.External,
			Orders:     len(orders),
			Forfeited:  forfeited,
			Result:     matching.MatchBatch(rec.BatchID, orders),
			ExecutedAt: rec.At,
		}, nil
	}
	return nil, nil
}

// AuditJournal 回放 journal：用记录下的 reveal 重新撮合每个已撮合批次，逐字节比对输出。
// 只读，不修复半写尾部。
func AuditJournal(path string) (AuditReport, error) {
	var rep AuditReport
	r := newReplayer()
	var bad []Divergence

	st, err := wal.Replay(path, wal.ReplayOptions{AllowTruncatedTail: true}, func(p []byte) error {
		rec, err := decodeRecord(p)
		if err != nil {
			return err
		}
		br, err := r.apply(rec)
		if err != nil {
			bad = append(bad, Divergence{BatchID: rec.BatchID, Err: err.Error()})
			return nil
		}
		if br == nil {
			return nil
		}
		rep.Batches++
		rep.Matched = append(rep.Matched, rec.BatchID)
		out, err := br.Result.Canonical()
		if err != nil {
			bad = append(bad, Divergence{BatchID: rec.BatchID, Err: err.Error()})
			return nil
		}
		if string(out) != rec.Result {
			bad = append(bad, Divergence{BatchID: rec.BatchID, Recorded: rec.Result, Replayed: string(out)})
		}
		return nil
	})
	rep.Records = st.Records
	rep.TruncatedTail = st.TruncatedTail
	rep.Divergent = bad
	return rep, err
}
