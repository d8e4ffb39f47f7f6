package order

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Side 的数值参与 commit hash 编码，不能改
type Side uint8

const (
	Buy  Side = 0
	Sell Side = 1
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return fmt.Sprintf("Side(%d)", uint8(s))
	}
}

func (s Side) Valid() bool { return s == Buy || s == Sell }

func ParseSide(v string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "BUY", "0":
		return Buy, nil
	case "SELL", "1":
		return Sell, nil
	}
	return 0, fmt.Errorf("unknown order type %q", v)
}

type Status uint8

const (
	Committed Status = iota + 1
	Revealed
	Cancelled
	Forfeited // reveal 截止时仍未 reveal
	Unmatched
	PartiallyFilled
	Matched // 全部成交
	Executed
	SettlementFailed
)

var statusNames = map[Status]string{
	Committed:        "COMMITTED",
	Revealed:         "REVEALED",
	Cancelled:        "CANCELLED",
	Forfeited:        "FORFEITED",
	Unmatched:        "UNMATCHED",
	PartiallyFilled:  "PARTIALLY_FILLED",
	Matched:          "MATCHED",
	Executed:         "EXECUTED",
	SettlementFailed: "SETTLEMENT_FAILED",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	for k, v := range statusNames {
		if v == string(b) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown order status %q", b)
}

// Order 已 reveal 的明文订单；Amount / Price 为 18 位定点整数
type Order struct {
	ID      uint64
	BatchID uint64
	Trader  common.Address
	Pair    Pair
	Side    Side
	Amount  uint256.Int
	Price   uint256.Int
}

// Fill 撮合后每个订单的成交情况
type Fill struct {
	OrderID   uint64
	Filled    uint256.Int
	Remaining uint256.Int
	Status    Status // Unmatched / PartiallyFilled / Matched
}
