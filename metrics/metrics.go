// Package metrics exposes Prometheus counters/gauges/histograms for the
// bar-driven pipeline: order throughput, fill latency, stuck-order counts
// and PnL gauges.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ordersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "barrunner_orders_total",
			Help: "Total number of orders by type and terminal/non-terminal state",
		},
		[]string{"order_type", "state"},
	)

	fillLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "barrunner_fill_latency_bars",
			Help:    "Bars elapsed between an order reaching SENT and its first fill",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21},
		},
		[]string{"product_type", "symbol"},
	)

	stuckOrders = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "barrunner_stuck_orders_total",
			Help: "Total number of orders found stuck in a transient state at bar end",
		},
	)

	bartimeLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "barrunner_bartime_unix_seconds",
			Help: "Unix timestamp of the bar most recently processed by the Event Processor",
		},
	)

	netPnl = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "barrunner_net_pnl",
			Help: "Net PnL per (strategy_id, product_type, symbol)",
		},
		[]string{"strategy_id", "product_type", "symbol"},
	)

	strategyErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "barrunner_strategy_errors_total",
			Help: "Total number of strategy callback panics/errors by strategy",
		},
		[]string{"strategy_id", "callback"},
	)
)

// RecordOrder increments the order counter for one order type/state pair.
func RecordOrder(orderType, state string) {
	ordersTotal.WithLabelValues(orderType, state).Inc()
}

// ObserveFillLatency records the number of bars between SENT and first
// fill for one (product_type, symbol).
func ObserveFillLatency(productType, symbol string, bars float64) {
	fillLatency.WithLabelValues(productType, symbol).Observe(bars)
}

// RecordStuckOrders adds n to the stuck-order counter.
func RecordStuckOrders(n int) {
	if n <= 0 {
		return
	}
	stuckOrders.Add(float64(n))
}

// SetBartime records the Unix timestamp of the bar just processed.
func SetBartime(unixSeconds float64) {
	bartimeLag.Set(unixSeconds)
}

// SetNetPnl records the current net PnL gauge for one position row.
func SetNetPnl(strategyID, productType, symbol string, value float64) {
	netPnl.WithLabelValues(strategyID, productType, symbol).Set(value)
}

// RecordStrategyError increments the per-strategy callback error counter.
func RecordStrategyError(strategyID, callback string) {
	strategyErrors.WithLabelValues(strategyID, callback).Inc()
}

// Handler returns the promhttp handler for exposing /metrics, for the
// Runner's optional admin HTTP surface.
func Handler() http.Handler {
	return promhttp.Handler()
}
