// Package monitor exposes Prometheus collectors for order placement and
// strategy activity. Collectors register in init and are served at /metrics.
package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	bracketOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breakout_bracket_results_total",
			Help: "Entry-wait placements by terminal outcome",
		},
		[]string{"outcome"},
	)

	legFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breakout_leg_failures_total",
			Help: "Protective legs that could not be placed after retries",
		},
		[]string{"leg"}, // stop_loss | take_profit
	)

	breakouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breakout_signals_total",
			Help: "Breakouts detected by direction",
		},
		[]string{"direction"},
	)

	guardDeclines = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "breakout_guard_declines_total",
			Help: "Triggers declined because of an existing order or position",
		},
	)

	breakevenMoves = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "breakout_breakeven_applied_total",
			Help: "Stops moved to entry",
		},
	)

	positionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breakout_positions_closed_total",
			Help: "Closed positions by reason",
		},
		[]string{"reason"},
	)

	instances = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "breakout_strategy_instances",
			Help: "Strategy instances by lifecycle state",
		},
		[]string{"state"},
	)

	gatewayLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "breakout_gateway_call_seconds",
			Help:    "Exchange call latency",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"op", "result"},
	)

	apiRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breakout_api_requests_total",
			Help: "HTTP requests by route and status class",
		},
		[]string{"method", "route", "code"},
	)

	apiLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "breakout_api_request_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(bracketOutcomes, legFailures, breakouts, guardDeclines, breakevenMoves,
		positionsClosed, instances, gatewayLatency, apiRequests, apiLatency)
}

func RecordBracketOutcome(outcome string) { bracketOutcomes.WithLabelValues(outcome).Inc() }

func RecordLegFailure(leg string) { legFailures.WithLabelValues(leg).Inc() }

func RecordBreakout(direction string) { breakouts.WithLabelValues(direction).Inc() }

func RecordGuardDecline() { guardDeclines.Inc() }

func RecordBreakeven() { breakevenMoves.Inc() }

func RecordPositionClosed(reason string) { positionsClosed.WithLabelValues(reason).Inc() }

// MoveInstanceState shifts one instance between state gauges. Either side
// may be empty for a start or a removal.
func MoveInstanceState(from, to string) {
	if from != "" {
		instances.WithLabelValues(from).Dec()
	}
	if to != "" {
		instances.WithLabelValues(to).Inc()
	}
}

// ObserveGatewayCall records one exchange call.
func ObserveGatewayCall(op string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	gatewayLatency.WithLabelValues(op, result).Observe(d.Seconds())
}

// ObserveAPIRequest records one HTTP request.
func ObserveAPIRequest(method, route string, status int, d time.Duration) {
	apiRequests.WithLabelValues(method, route, statusClass(status)).Inc()
	apiLatency.Observe(d.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
