package settlement

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/segmentio/encoding/json"
)

// DryRunLedger 不上链，返回由指令内容决定的伪交易哈希；没有配置 rpc_url 时使用
type DryRunLedger struct {
	calls atomic.Int64
	sent  sync.Map // txHash -> struct{}
}

var _ TxChecker = (*DryRunLedger)(nil)

func NewDryRunLedger() *DryRunLedger { return &DryRunLedger{} }

func (l *DryRunLedger) SubmitBatch(ctx context.Context, batchID uint64, ins []Instruction) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.calls.Add(1)
	body, err := json.Marshal(ins)
	if err != nil {
		return "", err
	}
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], batchID)
	h := crypto.Keccak256Hash(id[:], body).Hex()
	l.sent.Store(h, struct{}{})
	return h, nil
}

// TxStatus 本进程返回过的哈希视为已成功，其他的视为被丢弃
func (l *DryRunLedger) TxStatus(_ context.Context, txHash string) (TxState, error) {
	if _, ok := l.sent.Load(txHash); ok {
		return TxSucceeded, nil
	}
	return TxDropped, nil
}

// Calls 实际提交次数
func (l *DryRunLedger) Calls() int64 { return l.calls.Load() }
