package engine

import "darkpool.com/internal/clock"

// Stats 统计快照；持相位读锁读取，不会看到推进到一半的状态
type Stats struct {
	TotalOrders      uint64      `json:"totalOrders"`
	TotalMatches     uint64      `json:"totalMatches"`
	TotalPairs       int         `json:"totalPairs"`
	Revealed         uint64      `json:"revealed"`
	Cancelled        uint64      `json:"cancelled"`
	Forfeited        uint64      `json:"forfeited"`
	BatchesExecuted  uint64      `json:"batchesExecuted"`
	Settled          uint64      `json:"settled"`
	SettlementFailed uint64      `json:"settlementFailed"`
	CurrentBatch     uint64      `json:"currentBatch"`
	Phase            clock.Phase `json:"phase"`
	DroppedEvents    uint64      `json:"droppedEvents"`
	Leader           bool        `json:"leader"`
}

func (e *Engine) Stats() Stats {
	e.phaseMu.RLock()
	defer e.phaseMu.RUnlock()

	snap := e.clock.Snapshot()
	return Stats{
		TotalOrders:      e.stats.orders.Load(),
		TotalMatches:     e.stats.matches.Load(),
		TotalPairs:       e.book.TotalPairs(),
		Revealed:         e.stats.revealed.Load(),
		Cancelled:        e.stats.cancelled.Load(),
		Forfeited:        e.stats.forfeited.Load(),
		BatchesExecuted:  e.stats.batches.Load(),
		Settled:          e.stats.settled.Load(),
		SettlementFailed: e.stats.settleFails.Load(),
		CurrentBatch:     snap.BatchID,
		Phase:            snap.Phase,
		DroppedEvents:    e.bus.Dropped(),
		Leader:           e.leading.Load(),
	}
}
