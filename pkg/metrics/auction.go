package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "darkpool"

var (
	BatchPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_phase",
			Help:      "Current batch phase (1 for the active phase label).",
		},
		[]string{"phase"},
	)

	BatchID = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "batch_id",
		Help:      "Id of the active batch.",
	})

	CommitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commits_total",
		Help:      "Accepted order commitments.",
	})

	RevealsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reveals_total",
			Help:      "Reveal attempts by result.",
		},
		[]string{"result"}, // ok / hash_mismatch / phase / not_found / unauthorized / invalid_state
	)

	CancelsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cancels_total",
		Help:      "Cancelled commitments.",
	})

	ForfeitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "forfeits_total",
		Help:      "Commitments left unrevealed at the reveal deadline.",
	})

	MatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "matches_total",
		Help:      "Matches produced by the batch matcher.",
	})

	MatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "match_duration_seconds",
		Help:      "Time spent matching one batch.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15), // 100µs ~ 1.6s
	})

	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Settlement reports by status.",
		},
		[]string{"status"},
	)

	SettlementDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "settlement_duration_seconds",
		Help:      "Ledger submission latency.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms ~ 40s
	})

	EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Events dropped because the bus was full.",
	})

	GoroutinePanics = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "goroutine_panics_total",
			Help:      "Recovered goroutine panics.",
		},
		[]string{"name"},
	)
)

var registerOnce sync.Once

// MustRegister 可重复调用（测试里多次构建 App）
func MustRegister() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			BatchPhase, BatchID,
			CommitsTotal, RevealsTotal, CancelsTotal, ForfeitsTotal,
			MatchesTotal, MatchDuration,
			SettlementsTotal, SettlementDuration,
			EventsDropped, GoroutinePanics,
			RateLimitBlockTotal, BreakerState, BreakerRejectTotal,
			RedisCmdDuration, DbPoolOpen, DbPoolInUse, DbPoolWaitCount,
			WsConns, WsSubOpsTotal, WsMsgsOutTotal, WsDroppedTotal,
		)
	})
}

// SetPhase 只有当前阶段为 1，其余为 0
func SetPhase(phase string, all []string) {
	for _, p := range all {
		v := 0.0
		if p == phase {
			v = 1
		}
		BatchPhase.WithLabelValues(p).Set(v)
	}
}
