// Prometheus instrumentation for the HTTP surface.
//
// Exposed at /metrics in the Prometheus text exposition format:
//   - backtest_requests_total{endpoint,status}  – API requests by outcome
//   - backtest_duration_seconds{kind}           – engine execution latency
//   - backtest_cache_ops_total{op,outcome}      – result-cache operations
//   - backtest_active_executions                – currently tracked runs

package api

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	mtxRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backtest_requests_total",
			Help: "API requests by endpoint and status",
		},
		[]string{"endpoint", "status"},
	)

	mtxDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backtest_duration_seconds",
			Help:    "Engine execution latency",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"kind"}, // run|optimize
	)

	mtxCacheOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backtest_cache_ops_total",
			Help: "Result-cache operations by outcome",
		},
		[]string{"op", "outcome"}, // op: get|set, outcome: hit|miss|ok
	)

	mtxActiveExecutions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "backtest_active_executions",
			Help: "Executions currently in flight",
		},
	)
)

func init() {
	prometheus.MustRegister(mtxRequests, mtxDuration, mtxCacheOps, mtxActiveExecutions)
}
