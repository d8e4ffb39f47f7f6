package order

import (
	"bytes"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var ErrSameToken = errors.New("tokenA and tokenB must differ")

// Pair 无方向交易对：Base 为地址字典序较小者，价格以 quote/base 计
type Pair struct {
	Base  common.Address
	Quote common.Address
}

func NewPair(a, b common.Address) (Pair, error) {
	switch bytes.Compare(a.Bytes(), b.Bytes()) {
	case 0:
		return Pair{}, ErrSameToken
	case -1:
		return Pair{Base: a, Quote: b}, nil
	default:
		return Pair{Base: b, Quote: a}, nil
	}
}

// Key 小写十六进制 "base/quote"
func (p Pair) Key() string {
	return strings.ToLower(p.Base.Hex()) + "/" + strings.ToLower(p.Quote.Hex())
}

func (p Pair) String() string { return p.Key() }

func (p Pair) IsZero() bool { return p == Pair{} }

// Less 按 Key 排序，结果与字节序一致
func (p Pair) Less(o Pair) bool {
	if c := bytes.Compare(p.Base.Bytes(), o.Base.Bytes()); c != 0 {
		return c < 0
	}
	return bytes.Compare(p.Quote.Bytes(), o.Quote.Bytes()) < 0
}

func (p Pair) MarshalText() ([]byte, error) { return []byte(p.Key()), nil }

func (p *Pair) UnmarshalText(b []byte) error {
	base, quote, ok := strings.Cut(string(b), "/")
	if !ok || !common.IsHexAddress(base) || !common.IsHexAddress(quote) {
		return errors.New("invalid pair key")
	}
	np, err := NewPair(common.HexToAddress(base), common.HexToAddress(quote))
	if err != nil {
		return err
	}
	*p = np
	return nil
}
