package audit

import "time"

// BatchRow 每个已撮合批次一行；结算状态随 settlement 事件更新
type BatchRow struct {
	BatchID     uint64     `gorm:"column:batch_id;primaryKey;autoIncrement:false"`
	Matches     int        `gorm:"column:matches;not null"`
	Pairs       int        `gorm:"column:pairs;not null"`
	Forfeited   int        `gorm:"column:forfeited;not null"`
	Volume      string     `gorm:"column:volume;type:varchar(96);not null"`
	Status      string     `gorm:"column:status;type:varchar(16);not null;index"`
	TxHash      string     `gorm:"column:tx_hash;type:varchar(66)"`
	Attempts    int        `gorm:"column:attempts;not null"`
	SettleError string     `gorm:"column:settle_error;type:varchar(512)"`
	MatchedAt   time.Time  `gorm:"column:matched_at;not null"`
	SettledAt   *time.Time `gorm:"column:settled_at"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

func (BatchRow) TableName() string { return "auction_batches" }

// ClearingRow 每个批次每个交易对的清算价
type ClearingRow struct {
	BatchID       uint64 `gorm:"column:batch_id;primaryKey;autoIncrement:false"`
	Pair          string `gorm:"column:pair;primaryKey;type:varchar(96)"`
	Crossed       bool   `gorm:"column:crossed;not null"`
	ClearingPrice string `gorm:"column:clearing_price;type:varchar(96)"`
	Volume        string `gorm:"column:volume;type:varchar(96);not null"`
	Buys          int    `gorm:"column:buys;not null"`
	Sells         int    `gorm:"column:sells;not null"`
}

func (ClearingRow) TableName() string { return "auction_clearings" }

// MatchRow 成交明细，Seq 为批次内顺序（与结算指令一致）
type MatchRow struct {
	BatchID     uint64 `gorm:"column:batch_id;primaryKey;autoIncrement:false"`
	Seq         int    `gorm:"column:seq;primaryKey;autoIncrement:false"`
	BuyOrderID  uint64 `gorm:"column:buy_order_id;not null;index"`
	SellOrderID uint64 `gorm:"column:sell_order_id;not null;index"`
	Pair        string `gorm:"column:pair;type:varchar(96);not null"`
	Buyer       string `gorm:"column:buyer;type:varchar(42);not null"`
	Seller      string `gorm:"column:seller;type:varchar(42);not null"`
	Amount      string `gorm:"column:amount;type:varchar(96);not null"`
	Price       string `gorm:"column:price;type:varchar(96);not null"`
}

func (MatchRow) TableName() string { return "auction_matches" }
