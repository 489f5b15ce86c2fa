// Package metrics exposes the bot's Prometheus collectors. Collectors are
// package-level and registered in init(); the /metrics endpoint is wired up
// by the app when the server is enabled.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// GatewayAttempts counts broker call attempts by TR code.
	GatewayAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockbot_gateway_attempts_total",
			Help: "Broker gateway call attempts",
		},
		[]string{"tr"},
	)

	// GatewayFailures counts failed attempts by TR code and reason
	// (timeout|broker_error|send|exhausted).
	GatewayFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockbot_gateway_failures_total",
			Help: "Broker gateway failed attempts by reason",
		},
		[]string{"tr", "reason"},
	)

	// OpenPositions is the current number of open positions in the store.
	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stockbot_open_positions",
			Help: "Open positions currently tracked",
		},
	)

	// Exits counts exit orders submitted, split by reason
	// (stop-loss|take-profit|trailing-stop|max-hold|market-close).
	Exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockbot_exits_total",
			Help: "Exit orders submitted by reason",
		},
		[]string{"reason"},
	)

	// Fills counts confirmed execution reports by side.
	Fills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockbot_fills_total",
			Help: "Confirmed fills by side",
		},
		[]string{"side"},
	)
)

func init() {
	prometheus.MustRegister(GatewayAttempts, GatewayFailures)
	prometheus.MustRegister(OpenPositions, Exits, Fills)
}
