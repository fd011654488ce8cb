// Package metrics exposes the engine's Prometheus instrumentation.
// All collectors are registered on the default registry and served by the
// API server at /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// APIErrors counts failed venue REST calls by venue and endpoint.
	APIErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "api_errors_total",
		Help: "Failed venue REST calls.",
	}, []string{"venue", "endpoint"})

	// RateLimitHits counts local limiter timeouts and venue 429s.
	RateLimitHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rate_limit_hits_total",
		Help: "Requests delayed or rejected by rate limiting.",
	}, []string{"limiter"})

	// OrderLatency observes venue order placement round trips.
	OrderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "order_latency_ms",
		Help:    "Order placement latency in milliseconds.",
		Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"venue"})

	// ArbitrageOpportunities counts detected opportunities by kind.
	ArbitrageOpportunities = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbitrage_opportunities_total",
		Help: "Detected arbitrage opportunities.",
	}, []string{"kind"})

	// ArbitrageExecutions counts execution attempts by kind and outcome.
	ArbitrageExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbitrage_executions_total",
		Help: "Arbitrage execution attempts.",
	}, []string{"kind", "status"})

	// ArbitrageProfit accumulates realized profit in USD (losses subtract).
	ArbitrageProfit = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arbitrage_profit_usd_total",
		Help: "Cumulative realized arbitrage profit in USD.",
	})

	// SignalsEmitted counts strategy signals by strategy id.
	SignalsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strategy_signals_total",
		Help: "Trading signals emitted by strategies.",
	}, []string{"strategy"})

	// PriceUpdates counts fanned-out price updates by venue and source.
	PriceUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "price_updates_total",
		Help: "Price updates fanned out by the market data service.",
	}, []string{"venue", "source"})

	// KillSwitchActive is 1 while the kill switch is tripped.
	KillSwitchActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kill_switch_active",
		Help: "1 while the kill switch is active, 0 otherwise.",
	})

	// DailyPnl tracks the running UTC-day realized P&L in USD.
	DailyPnl = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "daily_pnl_usd",
		Help: "Realized P&L for the current UTC day in USD.",
	})

	// OpenExposure tracks total open position notional in USD.
	OpenExposure = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "open_exposure_usd",
		Help: "Total open position notional in USD.",
	})

	// FeedConnected is 1 per venue while its websocket feed is up.
	FeedConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "feed_connected",
		Help: "1 while the venue websocket feed is connected.",
	}, []string{"venue"})
)

// TimeOrder returns a func that records order latency when called.
// Usage: defer metrics.TimeOrder("kalshi")()
func TimeOrder(venue string) func() {
	start := time.Now()
	return func() {
		OrderLatency.WithLabelValues(venue).Observe(float64(time.Since(start).Milliseconds()))
	}
}
