package order

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	usdc = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	weth = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
)

func TestNewPair_DirectionInsensitive(t *testing.T) {
	p1, err := NewPair(usdc, weth)
	require.NoError(t, err)
	p2, err := NewPair(weth, usdc)
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
	assert.Equal(t, usdc, p1.Base)
	assert.Equal(t, "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48/0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2", p1.Key())

	_, err = NewPair(usdc, usdc)
	assert.ErrorIs(t, err, ErrSameToken)
}

func TestPair_TextRoundTrip(t *testing.T) {
	p, _ := NewPair(weth, usdc)
	b, err := p.MarshalText()
	require.NoError(t, err)
	var back Pair
	require.NoError(t, back.UnmarshalText(b))
	assert.Equal(t, p, back)
	assert.Error(t, back.UnmarshalText([]byte("nope")))
}

func TestParseFixed(t *testing.T) {
	v, err := ParseFixed("0.01")
	require.NoError(t, err)
	assert.Equal(t, uint256.NewInt(10_000_000_000_000_000), &v)
	assert.Equal(t, "0.01", FormatFixed(&v))

	v, err = ParseFixed("100")
	require.NoError(t, err)
	assert.Equal(t, "100", FormatFixed(&v))
	assert.Equal(t, "100000000000000000000", v.Dec())

	_, err = ParseFixed("-1")
	assert.ErrorIs(t, err, ErrNegative)
	_, err = ParseFixed("0.0000000000000000001")
	assert.ErrorIs(t, err, ErrTooPrecise)
	_, err = ParseFixed("abc")
	assert.ErrorIs(t, err, ErrInvalidValue)
	_, err = ParsePositive("0")
	assert.ErrorIs(t, err, ErrNotPositive)
}

func TestParsePositive_Bound(t *testing.T) {
	// 2^128-1 原始值 = 340282366920938463463.374607431768211455
	v, err := ParsePositive("340282366920938463463.374607431768211455")
	require.NoError(t, err)
	assert.Equal(t, MaxValue, v)
	assert.True(t, InRange(&v))

	_, err = ParsePositive("340282366920938463463.374607431768211456")
	assert.ErrorIs(t, err, ErrTooLarge)
	// 接近 2^256 的值在解析阶段就被拒绝
	_, err = ParsePositive("57896044618658097711785492504343953926634992332820282019728.792003956564819968")
	assert.ErrorIs(t, err, ErrTooLarge)

	var zero uint256.Int
	assert.False(t, InRange(&zero))
	huge := new(uint256.Int).Lsh(uint256.NewInt(1), 255)
	assert.False(t, InRange(huge))
}

func TestSideAndStatus(t *testing.T) {
	s, err := ParseSide("sell")
	require.NoError(t, err)
	assert.Equal(t, Sell, s)
	_, err = ParseSide("hold")
	assert.Error(t, err)

	b, _ := PartiallyFilled.MarshalText()
	assert.Equal(t, "PARTIALLY_FILLED", string(b))
	var st Status
	require.NoError(t, st.UnmarshalText([]byte("EXECUTED")))
	assert.Equal(t, Executed, st)
}
