package engine

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/segmentio/encoding/json"

	"darkpool.com/internal/order"
	"darkpool.com/pkg/wal"
)

const journalVersion = 1

type RecordType string

const (
	RecBatchOpened RecordType = "batch_opened"
	RecPhase       RecordType = "phase"
	RecCommitted   RecordType = "committed"
	RecRevealed    RecordType = "revealed"
	RecCancelled   RecordType = "cancelled"
	RecForfeited   RecordType = "forfeited"
	RecMatched     RecordType = "matched"
	RecSettled     RecordType = "settled"
)

// OrderRecord 已 reveal 订单的明文，金额为 18 位定点整数的十进制
type OrderRecord struct {
	OrderID uint64 `json:"orderId"`
	BatchID uint64 `json:"batchId"`
	Trader  string `json:"trader"`
	Pair    string `json:"pair"`
	Side    string `json:"side"`
	Amount  string `json:"amount"`
	Price   string `json:"price"`
}

func orderRecord(o *order.Order) *OrderRecord {
	return &OrderRecord{
		OrderID: o.ID,
		BatchID: o.BatchID,
		Trader:  strings.ToLower(o.Trader.Hex()),
		Pair:    o.Pair.Key(),
		Side:    o.Side.String(),
		Amount:  o.Amount.Dec(),
		Price:   o.Price.Dec(),
	}
}

func (r *OrderRecord) Order() (order.Order, error) {
	o := order.Order{ID: r.OrderID, BatchID: r.BatchID}
	if !common.IsHexAddress(r.Trader) {
		return o, fmt.Errorf("order %d: bad trader %q", r.OrderID, r.Trader)
	}
	o.Trader = common.HexToAddress(r.Trader)
	if err := o.Pair.UnmarshalText([]byte(r.Pair)); err != nil {
		return o, fmt.Errorf("order %d: %w", r.OrderID, err)
	}
	side, err := order.ParseSide(r.Side)
	if err != nil {
		return o, fmt.Errorf("order %d: %w", r.OrderID, err)
	}
	o.Side = side
	if err := o.Amount.SetFromDecimal(r.Amount); err != nil {
		return o, fmt.Errorf("order %d amount: %w", r.OrderID, err)
	}
	if err := o.Price.SetFromDecimal(r.Price); err != nil {
		return o, fmt.Errorf("order %d price: %w", r.OrderID, err)
	}
	if !order.InRange(&o.Amount) || !order.InRange(&o.Price) {
		return o, fmt.Errorf("order %d: amount or price out of range", r.OrderID)
	}
	return o, nil
}

// Record 一条 journal 记录；按 Type 使用不同字段
type Record struct {
	V       uint8      `json:"v"`
	Seq     uint64     `json:"seq"`
	Type    RecordType `json:"type"`
	At      time.Time  `json:"at"`
	BatchID uint64     `json:"batchId"`

	Phase string `json:"phase,omitempty"`

	// committed / cancelled
	OrderID    uint64 `json:"orderId,omitempty"`
	Trader     string `json:"trader,omitempty"`
	Pair       string `json:"pair,omitempty"`
	CommitHash string `json:"commitHash,omitempty"`

	// revealed
	Order *OrderRecord `json:"order,omitempty"`

	// forfeited
	OrderIDs []uint64 `json:"orderIds,omitempty"`

	// matched：Result 是撮合输出的规范 JSON；External 批次同时记录输入订单
	Result   string        `json:"result,omitempty"`
	External bool          `json:"external,omitempty"`
	Orders   []OrderRecord `json:"orders,omitempty"`

	// settled
	Status string `json:"status,omitempty"`
	TxHash string `json:"txHash,omitempty"`
}

func encodeRecord(rec Record) ([]byte, error) { return json.Marshal(rec) }

func decodeRecord(payload []byte) (Record, error) {
	var rec Record
	err := json.Unmarshal(payload, &rec)
	return rec, err
}

// JournalState 扫描 journal 得到的恢复信息
type JournalState struct {
	Records       int
	LastSeq       uint64
	FirstBatch    uint64 // 第一个打开过的批次，0 表示 journal 为空
	LastBatch     uint64 // 最后一个打开过的批次
	LastOrderID   uint64
	TruncatedTail bool

	// Results 重新撮合得到的已执行批次；Settled 每个批次最后一条 settled 记录
	Results map[uint64]*BatchResult
	Settled map[uint64]Record
	// Unrecovered 记录损坏、无法重建结果的批次
	Unrecovered []uint64
}

// ScanJournal 扫描并修复半写尾部，同时重建已执行批次的结果
func ScanJournal(path string) (JournalState, error) {
	st := JournalState{
		Results: make(map[uint64]*BatchResult),
		Settled: make(map[uint64]Record),
	}
	r := newReplayer()
	rs, err := wal.Replay(path, wal.ReplayOptions{AllowTruncatedTail: true}, func(p []byte) error {
		rec, err := decodeRecord(p)
		if err != nil {
			return err
		}
		st.LastSeq = rec.Seq
		if rec.BatchID > st.LastBatch {
			st.LastBatch = rec.BatchID
		}
		if rec.OrderID > st.LastOrderID {
			st.LastOrderID = rec.OrderID
		}
		switch rec.Type {
		case RecBatchOpened:
			if st.FirstBatch == 0 || rec.BatchID < st.FirstBatch {
				st.FirstBatch = rec.BatchID
			}
		case RecSettled:
			st.Settled[rec.BatchID] = rec
		}
		br, err := r.apply(rec)
		switch {
		case err != nil:
			st.Unrecovered = append(st.Unrecovered, rec.BatchID)
		case br != nil:
			st.Results[br.BatchID] = br
		}
		return nil
	})
	st.Records = rs.Records
	st.TruncatedTail = rs.TruncatedTail
	if err != nil {
		return st, err
	}
	if rs.TruncatedTail {
		if err := wal.TruncateTo(path, rs.LastGoodOffset); err != nil {
			return st, err
		}
	}
	return st, nil
}

// Journal 追加写；命令走缓冲，生命周期每次 tick 组提交一次
type Journal struct {
	mu    sync.Mutex
	w     *wal.Writer
	seq   uint64
	dirty bool
}

func OpenJournal(path string, bufSize int) (*Journal, JournalState, error) {
	st, err := ScanJournal(path)
	if err != nil {
		return nil, st, fmt.Errorf("scan journal %s: %w", path, err)
	}
	w, err := wal.OpenWrite(path, bufSize)
	if err != nil {
		return nil, st, err
	}
	return &Journal{w: w, seq: st.LastSeq}, st, nil
}

func (j *Journal) Append(rec Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.seq++
	rec.V = journalVersion
	rec.Seq = j.seq
	payload, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	if err := j.w.Append(payload); err != nil {
		return err
	}
	j.dirty = true
	return nil
}

// Sync 有新记录才 fsync
func (j *Journal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.dirty {
		return nil
	}
	if err := j.w.Flush(); err != nil {
		return err
	}
	j.dirty = false
	return nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.w.Close()
}
