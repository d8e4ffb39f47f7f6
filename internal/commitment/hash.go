package commitment

import (
	"crypto/rand"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"darkpool.com/internal/order"
)

// commit hash = keccak256(abi.encode(trader, tokenA, tokenB, amount, price, orderType, salt))
// 与链上合约 / 客户端的编码保持一致，字段顺序不能改
var commitArgs = mustArgs("address", "address", "address", "uint256", "uint256", "uint8", "bytes32")

func mustArgs(types ...string) abi.Arguments {
	args := make(abi.Arguments, 0, len(types))
	for _, ts := range types {
		typ, err := abi.NewType(ts, "", nil)
		if err != nil {
			panic(err)
		}
		args = append(args, abi.Argument{Type: typ})
	}
	return args
}

// Plain 计算 hash 需要的全部明文字段
type Plain struct {
	Trader common.Address
	TokenA common.Address
	TokenB common.Address
	Amount uint256.Int
	Price  uint256.Int
	Side   order.Side
	Salt   [32]byte
}

// Valid 方向合法，数量和价格在 (0, 2^128-1] 内
func (p *Plain) Valid() bool {
	return p.Side.Valid() && order.InRange(&p.Amount) && order.InRange(&p.Price)
}

func Encode(p Plain) ([]byte, error) {
	return commitArgs.Pack(
		p.Trader, p.TokenA, p.TokenB,
		p.Amount.ToBig(), p.Price.ToBig(),
		uint8(p.Side), p.Salt,
	)
}

func Hash(p Plain) (common.Hash, error) {
	enc, err := Encode(p)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode commitment: %w", err)
	}
	return crypto.Keccak256Hash(enc), nil
}

func NewSalt() ([32]byte, error) {
	var s [32]byte
	_, err := rand.Read(s[:])
	return s, err
}

// ParseSalt 接受 0x 开头的 32 字节十六进制
func ParseSalt(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hexutil.Decode(s)
	if err != nil {
		return out, fmt.Errorf("invalid salt: %w", err)
	}
	if len(b) != 32 {
		return out, fmt.Errorf("invalid salt: want 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}
