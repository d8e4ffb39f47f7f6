package matching

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"darkpool.com/internal/order"
)

// Match 一笔成交；同一批次内 (BuyOrderID, SellOrderID) 唯一
type Match struct {
	BuyOrderID  uint64
	SellOrderID uint64
	Pair        order.Pair
	Buyer       common.Address
	Seller      common.Address
	Amount      uint256.Int
	Price       uint256.Int // 该交易对本批次的统一清算价
}

// Clearing 单个交易对的清算结果；Crossed=false 时 Price/Volume 为 0
type Clearing struct {
	Pair    order.Pair
	Crossed bool
	Price   uint256.Int
	Volume  uint256.Int
	Buys    int
	Sells   int
}

type Result struct {
	BatchID uint64
	Matches []Match
	Fills   []order.Fill // 按交易对、orderId 排序
	Pairs   []Clearing
}

func (r Result) Volume() uint256.Int {
	var v uint256.Int
	for i := range r.Matches {
		addSat(&v, &r.Matches[i].Amount)
	}
	return v
}
