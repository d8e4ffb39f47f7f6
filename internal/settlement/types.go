// Package settlement 把撮合结果转换为链上结算指令，每个批次最多提交一次
package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/segmentio/encoding/json"

	"darkpool.com/internal/matching"
)

type Status string

const (
	StatusPending Status = "PENDING" // 已认领，正在提交
	StatusEmpty   Status = "EMPTY"   // 没有成交，不调用账本
	StatusSettled Status = "SETTLED"
	StatusFailed  Status = "FAILED" // 需要人工 Resubmit
)

// Instruction 一笔成交对应一条指令，Seq 从 0 开始
type Instruction struct {
	Seq         int
	BuyOrderID  uint64
	SellOrderID uint64
	Buyer       common.Address
	Seller      common.Address
	Base        common.Address
	Quote       common.Address
	Amount      uint256.Int
	Price       uint256.Int
}

type instructionJSON struct {
	Seq         int            `json:"seq"`
	BuyOrderID  uint64         `json:"buyOrderId"`
	SellOrderID uint64         `json:"sellOrderId"`
	Buyer       common.Address `json:"buyer"`
	Seller      common.Address `json:"seller"`
	Base        common.Address `json:"base"`
	Quote       common.Address `json:"quote"`
	Amount      string         `json:"amount"` // 18 位定点整数的十进制表示
	Price       string         `json:"price"`
}

func (in Instruction) MarshalJSON() ([]byte, error) {
	return json.Marshal(instructionJSON{
		Seq: in.Seq, BuyOrderID: in.BuyOrderID, SellOrderID: in.SellOrderID,
		Buyer: in.Buyer, Seller: in.Seller, Base: in.Base, Quote: in.Quote,
		Amount: in.Amount.Dec(), Price: in.Price.Dec(),
	})
}

func (in *Instruction) UnmarshalJSON(b []byte) error {
	var v instructionJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*in = Instruction{
		Seq: v.Seq, BuyOrderID: v.BuyOrderID, SellOrderID: v.SellOrderID,
		Buyer: v.Buyer, Seller: v.Seller, Base: v.Base, Quote: v.Quote,
	}
	if err := in.Amount.SetFromDecimal(v.Amount); err != nil {
		return fmt.Errorf("instruction %d amount: %w", v.Seq, err)
	}
	if err := in.Price.SetFromDecimal(v.Price); err != nil {
		return fmt.Errorf("instruction %d price: %w", v.Seq, err)
	}
	return nil
}

// BuildInstructions 保持撮合输出顺序
func BuildInstructions(matches []matching.Match) []Instruction {
	out := make([]Instruction, len(matches))
	for i := range matches {
		m := &matches[i]
		out[i] = Instruction{
			Seq:         i,
			BuyOrderID:  m.BuyOrderID,
			SellOrderID: m.SellOrderID,
			Buyer:       m.Buyer,
			Seller:      m.Seller,
			Base:        m.Pair.Base,
			Quote:       m.Pair.Quote,
			Amount:      m.Amount,
			Price:       m.Price,
		}
	}
	return out
}

// Digest 指令内容的 keccak256；同一个 batchId 的报告只属于生成它的那组成交
func Digest(ins []Instruction) string {
	if ins == nil {
		ins = []Instruction{}
	}
	body, err := json.Marshal(ins)
	if err != nil {
		// Instruction 的编码不会失败
		panic(err)
	}
	return crypto.Keccak256Hash(body).Hex()
}

type Report struct {
	BatchID      uint64        `json:"batchId"`
	Digest       string        `json:"digest"`
	Status       Status        `json:"status"`
	TxHash       string        `json:"txHash,omitempty"` // FAILED 时也保留已广播的交易
	Error        string        `json:"error,omitempty"`
	Attempts     int           `json:"attempts"`
	Instructions []Instruction `json:"instructions"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// Ledger 链上结算；一批指令作为一个原子单元提交
type Ledger interface {
	SubmitBatch(ctx context.Context, batchID uint64, ins []Instruction) (txHash string, err error)
}

// TxState 已广播交易在链上的状态
type TxState int

const (
	TxPending   TxState = iota // 还在交易池，或节点暂时查不到回执
	TxSucceeded                // 已上链且成功
	TxReverted                 // 已上链但回滚
	TxDropped                  // 节点不认识这笔交易
)

func (s TxState) String() string {
	switch s {
	case TxSucceeded:
		return "succeeded"
	case TxReverted:
		return "reverted"
	case TxDropped:
		return "dropped"
	default:
		return "pending"
	}
}

// TxChecker 可选：账本能查询交易状态时，重提前先确认上一笔交易没有成功
type TxChecker interface {
	TxStatus(ctx context.Context, txHash string) (TxState, error)
}

// ReportStore 按 batchId 保存报告；Claim 保证跨实例只有一个提交者
type ReportStore interface {
	Claim(ctx context.Context, batchID uint64) (bool, error)
	Save(ctx context.Context, rep Report) error
	Load(ctx context.Context, batchID uint64) (Report, bool, error)
}

// Pruner 可选：不靠 TTL 过期的存储由引擎按保留批次数清理
type Pruner interface {
	Prune(beforeBatch uint64) int
}
