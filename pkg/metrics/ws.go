package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	WsConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ws_conns",
		Help:      "Active websocket connections",
	})
	WsSubOpsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_sub_ops_total",
		Help:      "Total subscription operations",
	}, []string{"op"}) // sub/unsub
	WsMsgsOutTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_msgs_out_total",
		Help:      "Websocket messages sent (logical messages, not frames)",
	})
	WsDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_dropped_total",
		Help:      "Websocket messages dropped",
	}, []string{"why"})
)
