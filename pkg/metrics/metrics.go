package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersPlaced counts accepted orders by symbol and side.
var OrdersPlaced = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "exchange_orders_placed_total",
		Help: "Total number of orders accepted by the matching engine",
	},
	[]string{"symbol", "side"},
)

// OrdersCancelled counts cancelled orders by symbol.
var OrdersCancelled = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "exchange_orders_cancelled_total",
		Help: "Total number of orders cancelled",
	},
	[]string{"symbol"},
)

// TradesExecuted counts settled trades by symbol.
var TradesExecuted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "exchange_trades_executed_total",
		Help: "Total number of trades matched and settled",
	},
	[]string{"symbol"},
)

// MatchLatency records latency distribution of one matching pass.
var MatchLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "exchange_match_latency_seconds",
		Help:    "Latency in seconds of a single matching pass",
		Buckets: prometheus.DefBuckets,
	},
)

// BreakerTrips counts circuit breaker CLOSED->OPEN transitions by symbol
// and trigger (volatility or failures).
var BreakerTrips = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "exchange_breaker_trips_total",
		Help: "Total number of circuit breaker openings",
	},
	[]string{"symbol", "trigger"},
)

// Lock manager metrics
var (
	LockTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "exchange_lock_timeouts_total",
			Help: "Total number of lock acquisitions that exceeded the bounded wait",
		},
	)

	LocksActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "exchange_locks_active",
			Help: "Number of currently held resource locks",
		},
	)
)

// TransactionsByStatus counts workflow transitions into terminal states.
var TransactionsByStatus = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "exchange_transactions_total",
		Help: "Total number of transactions by type and final status",
	},
	[]string{"type", "status"},
)

func init() {
	prometheus.MustRegister(OrdersPlaced, OrdersCancelled, TradesExecuted, MatchLatency)
	prometheus.MustRegister(BreakerTrips, LockTimeouts, LocksActive, TransactionsByStatus)
}
