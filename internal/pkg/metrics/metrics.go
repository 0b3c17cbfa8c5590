package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ledger
	LedgerOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_operations_total",
			Help: "Successful ledger mutations by kind",
		},
		[]string{"kind"},
	)
	InsufficientBalance = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_insufficient_balance_total",
			Help: "Debits and transfers rejected for insufficient balance",
		},
	)

	// Reconciliation
	ReconcileOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciliation_outcomes_total",
			Help: "Reconciliation attempts by outcome",
		},
		[]string{"outcome"},
	)
	GatewayLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payment_gateway_request_seconds",
			Help:    "Latency of payment gateway calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op", "result"},
	)

	// Distribution
	DistributionGrants = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "distribution_grants_total",
			Help: "Automatic credit grants issued",
		},
	)
	DistributionTick = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "distribution_tick_seconds",
			Help:    "Duration of distribution ticks",
			Buckets: prometheus.DefBuckets,
		},
	)

	// HTTP
	HTTPLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Latency of HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	registerOnce sync.Once
)

// Init registers every collector with the default registry. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			LedgerOps,
			InsufficientBalance,
			ReconcileOutcomes,
			GatewayLatency,
			DistributionGrants,
			DistributionTick,
			HTTPLatency,
		)
	})
}

// Handler serves the default registry for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
