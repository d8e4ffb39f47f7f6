package engine

import (
	"time"

	"darkpool.com/internal/matching"
	"darkpool.com/internal/settlement"
)

type EventType string

const (
	EvBatchOpened  EventType = "batch_opened"
	EvPhaseChanged EventType = "phase_changed"
	EvBatchMatched EventType = "batch_matched"
	EvSettlement   EventType = "settlement"
)

// 对外推送的 topic
const (
	TopicBatch      = "batch"
	TopicMatches    = "matches"
	TopicSettlement = "settlement"
)

var Topics = []string{TopicBatch, TopicMatches, TopicSettlement}

// Event 只包含公开信息：相位、批次汇总、成交、结算结果；不含未 reveal 的订单
type Event struct {
	Type    EventType   `json:"type"`
	Seq     uint64      `json:"seq"`
	BatchID uint64      `json:"batchId"`
	At      time.Time   `json:"at"`
	Data    interface{} `json:"data"`
}

func (e Event) Topic() string {
	switch e.Type {
	case EvBatchMatched:
		return TopicMatches
	case EvSettlement:
		return TopicSettlement
	default:
		return TopicBatch
	}
}

// BatchEvent EvBatchOpened / EvPhaseChanged 的 Data
type BatchEvent struct {
	BatchID         uint64     `json:"batchId"`
	Phase           string     `json:"phase"`
	Deadline        *time.Time `json:"deadline,omitempty"` // EXECUTE 没有截止时间
	OrdersCommitted int        `json:"ordersCommitted"`
	OrdersRevealed  int        `json:"ordersRevealed"`
}

func deadline(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// MatchedEvent EvBatchMatched 的 Data
type MatchedEvent struct {
	matching.ResultView
	Forfeited int    `json:"forfeited"`
	Volume    string `json:"volume"`
}

// SettlementEvent EvSettlement 的 Data
type SettlementEvent struct {
	BatchID      uint64            `json:"batchId"`
	Status       settlement.Status `json:"status"`
	TxHash       string            `json:"txHash,omitempty"`
	Error        string            `json:"error,omitempty"`
	Attempts     int               `json:"attempts"`
	Instructions int               `json:"instructions"`
}

func settlementEvent(rep settlement.Report) SettlementEvent {
	return SettlementEvent{
		BatchID:      rep.BatchID,
		Status:       rep.Status,
		TxHash:       rep.TxHash,
		Error:        rep.Error,
		Attempts:     rep.Attempts,
		Instructions: len(rep.Instructions),
	}
}
