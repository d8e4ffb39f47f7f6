package order

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Decimals 金额与价格统一 18 位定点
const Decimals = 18

var (
	ErrNegative     = errors.New("value must not be negative")
	ErrTooPrecise   = errors.New("value has more than 18 fractional digits")
	ErrOverflow     = errors.New("value overflows uint256")
	ErrNotPositive  = errors.New("value must be positive")
	ErrInvalidValue = errors.New("invalid decimal value")
	ErrTooLarge     = errors.New("value exceeds 2^128-1")
)

// MaxValue 单笔数量和价格的上限（原始定点值）。一个批次的累计量需要留出余量，
// 撮合里的求和才不会超过 uint256。
var MaxValue = func() uint256.Int {
	var v uint256.Int
	v.Lsh(uint256.NewInt(1), 128)
	v.SubUint64(&v, 1)
	return v
}()

// InRange 0 < v <= MaxValue
func InRange(v *uint256.Int) bool {
	return !v.IsZero() && v.BitLen() <= 128
}

// ParseFixed "0.01" -> 10^16
func ParseFixed(s string) (uint256.Int, error) {
	var out uint256.Int
	d, err := decimal.NewFromString(s)
	if err != nil {
		return out, fmt.Errorf("%w: %q", ErrInvalidValue, s)
	}
	return FromDecimal(d)
}

func FromDecimal(d decimal.Decimal) (uint256.Int, error) {
	var out uint256.Int
	if d.IsNegative() {
		return out, ErrNegative
	}
	scaled := d.Shift(Decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return out, ErrTooPrecise
	}
	if out.SetFromBig(scaled.BigInt()) {
		return out, ErrOverflow
	}
	return out, nil
}

// ParsePositive 订单数量和价格不能为 0
func ParsePositive(s string) (uint256.Int, error) {
	v, err := ParseFixed(s)
	if err != nil {
		return v, err
	}
	if v.IsZero() {
		return v, ErrNotPositive
	}
	if !InRange(&v) {
		return v, ErrTooLarge
	}
	return v, nil
}

func ToDecimal(v *uint256.Int) decimal.Decimal {
	return decimal.NewFromBigInt(v.ToBig(), -Decimals)
}

// FormatFixed 10^16 -> "0.01"
func FormatFixed(v *uint256.Int) string {
	return ToDecimal(v).String()
}
