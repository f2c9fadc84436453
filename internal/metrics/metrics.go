// Package metrics exposes the engine's prometheus collectors. The
// engine always records into these regardless of whether an operator
// mounts the registry behind an HTTP exporter — that exporter itself
// is out of scope per spec §1.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry is the engine's private prometheus registry; cmd/engine may
// hand it to an operator-supplied HTTP exporter.
var Registry = prometheus.NewRegistry()

var (
	// OrdersPlaced counts broker order placements by mode and side,
	// mirroring chidi150c-coinbase's mtxOrders{mode,side}.
	OrdersPlaced = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ladder_orders_placed_total",
		Help: "Orders placed, by mode and side.",
	}, []string{"mode", "side"})

	// ExitsByReason labels exits the way chidi150c-coinbase's
	// mtxExitReasons does: take_profit/stop_loss/trailing_stop/other,
	// here stop_loss/target/trailing_stop/manual/protection_compromised.
	ExitsByReason = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ladder_exits_total",
		Help: "Trade exits, labeled by reason and ladder index.",
	}, []string{"reason", "index"})

	OpenPositions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ladder_open_positions",
		Help: "Currently open Trades, by ladder index.",
	}, []string{"index"})

	ScanCycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ladder_scan_cycle_seconds",
		Help:    "Wall-clock duration of one strategy scanner cycle.",
		Buckets: prometheus.DefBuckets,
	})

	TrailingModifyCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ladder_trailing_modify_total",
		Help: "Trailing-worker modify attempts, by outcome.",
	}, []string{"outcome"}) // modify_ok, replace_ok, replace_failed

	BrokerErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ladder_broker_errors_total",
		Help: "Broker gateway errors, by classification.",
	}, []string{"kind"})
)

func init() {
	Registry.MustRegister(OrdersPlaced, ExitsByReason, OpenPositions, ScanCycleDuration, TrailingModifyCalls, BrokerErrors)
}
