// Package ethledger 通过 EVM 合约的 settleBatch 原子结算一个批次
package ethledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"darkpool.com/internal/settlement"
	"darkpool.com/pkg/logger"
)

const settleABI = `[{"type":"function","name":"settleBatch","stateMutability":"nonpayable","outputs":[],"inputs":[
{"name":"batchId","type":"uint256"},
{"name":"buyOrderIds","type":"uint256[]"},
{"name":"sellOrderIds","type":"uint256[]"},
{"name":"buyers","type":"address[]"},
{"name":"sellers","type":"address[]"},
{"name":"baseTokens","type":"address[]"},
{"name":"quoteTokens","type":"address[]"},
{"name":"amounts","type":"uint256[]"},
{"name":"prices","type":"uint256[]"}]}]`

var parsedABI = mustABI()

func mustABI() abi.ABI {
	a, err := abi.JSON(strings.NewReader(settleABI))
	if err != nil {
		panic(err)
	}
	return a
}

var ErrReverted = errors.New("settlement transaction reverted")

type Config struct {
	RPCURL      string        `mapstructure:"rpc_url"`
	ChainID     int64         `mapstructure:"chain_id"` // 0 时从节点读取
	Contract    string        `mapstructure:"contract"`
	PrivateKey  string        `mapstructure:"private_key"`
	GasLimit    uint64        `mapstructure:"gas_limit"` // 0 时 EstimateGas
	ConfirmPoll time.Duration `mapstructure:"confirm_poll"`
}

type Ledger struct {
	client   *ethclient.Client
	contract common.Address
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	gasLimit uint64
	poll     time.Duration

	// 同一个签名地址串行发送，避免 nonce 冲突
	mu sync.Mutex
}

var (
	_ settlement.Ledger    = (*Ledger)(nil)
	_ settlement.TxChecker = (*Ledger)(nil)
)

func Dial(ctx context.Context, c Config) (*Ledger, error) {
	if !common.IsHexAddress(c.Contract) {
		return nil, fmt.Errorf("invalid settlement contract %q", c.Contract)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(c.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("load settlement key: %w", err)
	}
	client, err := ethclient.DialContext(ctx, c.RPCURL)
	if err != nil {
		return nil, err
	}
	chainID := big.NewInt(c.ChainID)
	if c.ChainID == 0 {
		if chainID, err = client.ChainID(ctx); err != nil {
			client.Close()
			return nil, err
		}
	}
	if c.ConfirmPoll <= 0 {
		c.ConfirmPoll = time.Second
	}
	return &Ledger{
		client:   client,
		contract: common.HexToAddress(c.Contract),
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		chainID:  chainID,
		gasLimit: c.GasLimit,
		poll:     c.ConfirmPoll,
	}, nil
}

// Pack 编码 settleBatch 调用数据；合约按下标把各数组组合成一条指令
func Pack(batchID uint64, ins []settlement.Instruction) ([]byte, error) {
	n := len(ins)
	buys, sells := make([]*big.Int, n), make([]*big.Int, n)
	buyers, sellers := make([]common.Address, n), make([]common.Address, n)
	bases, quotes := make([]common.Address, n), make([]common.Address, n)
	amounts, prices := make([]*big.Int, n), make([]*big.Int, n)
	for i := range ins {
		in := &ins[i]
		buys[i] = new(big.Int).SetUint64(in.BuyOrderID)
		sells[i] = new(big.Int).SetUint64(in.SellOrderID)
		buyers[i], sellers[i] = in.Buyer, in.Seller
		bases[i], quotes[i] = in.Base, in.Quote
		amounts[i] = in.Amount.ToBig()
		prices[i] = in.Price.ToBig()
	}
	return parsedABI.Pack("settleBatch", new(big.Int).SetUint64(batchID),
		buys, sells, buyers, sellers, bases, quotes, amounts, prices)
}

// SubmitBatch 签名、广播并等待回执；回执失败视为结算失败
func (l *Ledger) SubmitBatch(ctx context.Context, batchID uint64, ins []settlement.Instruction) (string, error) {
	data, err := Pack(batchID, ins)
	if err != nil {
		return "", fmt.Errorf("pack settleBatch: %w", err)
	}

	l.mu.Lock()
	signed, err := l.send(ctx, data)
	l.mu.Unlock()
	if err != nil {
		return "", err
	}
	logger.Info(ctx, "settlement tx broadcast",
		zap.String("tx", signed.Hash().Hex()),
		zap.Uint64("nonce", signed.Nonce()),
		zap.Int("instructions", len(ins)),
	)

	rcpt, err := l.waitReceipt(ctx, signed.Hash())
	if err != nil {
		return signed.Hash().Hex(), err
	}
	if rcpt.Status != types.ReceiptStatusSuccessful {
		return signed.Hash().Hex(), ErrReverted
	}
	return signed.Hash().Hex(), nil
}

func (l *Ledger) send(ctx context.Context, data []byte) (*types.Transaction, error) {
	nonce, err := l.client.PendingNonceAt(ctx, l.from)
	if err != nil {
		return nil, fmt.Errorf("get nonce: %w", err)
	}
	tip, err := l.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("get gas tip: %w", err)
	}
	head, err := l.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("get header: %w", err)
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(0)
	}
	// MaxFeePerGas = 2*BaseFee + Tip
	feeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)

	gas := l.gasLimit
	if gas == 0 {
		gas, err = l.client.EstimateGas(ctx, ethereum.CallMsg{From: l.from, To: &l.contract, Data: data})
		if err != nil {
			return nil, fmt.Errorf("estimate gas: %w", err)
		}
		gas = gas * 12 / 10
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   l.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &l.contract,
		Value:     big.NewInt(0),
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(l.chainID), l.key)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	if err := l.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("broadcast: %w", err)
	}
	return signed, nil
}

func (l *Ledger) waitReceipt(ctx context.Context, h common.Hash) (*types.Receipt, error) {
	t := time.NewTicker(l.poll)
	defer t.Stop()
	for {
		rcpt, err := l.client.TransactionReceipt(ctx, h)
		if err == nil {
			return rcpt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait receipt %s: %w", h.Hex(), ctx.Err())
		case <-t.C:
		}
	}
}

// TxStatus 有回执按回执状态；没有回执时节点还认识这笔交易就是 pending，否则已被丢弃
func (l *Ledger) TxStatus(ctx context.Context, txHash string) (settlement.TxState, error) {
	h := common.HexToHash(txHash)
	rcpt, err := l.client.TransactionReceipt(ctx, h)
	switch {
	case err == nil:
		if rcpt.Status == types.ReceiptStatusSuccessful {
			return settlement.TxSucceeded, nil
		}
		return settlement.TxReverted, nil
	case !errors.Is(err, ethereum.NotFound):
		return settlement.TxPending, err
	}
	if _, _, err := l.client.TransactionByHash(ctx, h); err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return settlement.TxDropped, nil
		}
		return settlement.TxPending, err
	}
	return settlement.TxPending, nil
}

func (l *Ledger) Close() { l.client.Close() }
