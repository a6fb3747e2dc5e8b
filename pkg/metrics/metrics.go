// Package metrics registers the coordinator's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "fleet", Subsystem: "events", Name: "published_total", Help: "Events accepted by the bus, by type and severity."},
		[]string{"type", "severity"},
	)
	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "fleet", Subsystem: "events", Name: "dropped_total", Help: "Events dropped before dispatch, by reason."},
		[]string{"reason"},
	)
	HandlerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "fleet", Subsystem: "events", Name: "handler_failures_total", Help: "Event handler invocations that returned an error or panicked."},
		[]string{"type"},
	)
	StoreFailures = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "fleet", Subsystem: "events", Name: "store_failures_total", Help: "Event persistence attempts that failed after retry."},
	)
	TelemetrySamples = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "fleet", Subsystem: "telemetry", Name: "samples_total", Help: "Telemetry samples processed, by outcome."},
		[]string{"outcome"},
	)
	AlertsRaised = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "fleet", Subsystem: "telemetry", Name: "alerts_total", Help: "Anomaly alerts raised by the detector, by kind."},
		[]string{"kind"},
	)
	ProtocolExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "fleet", Subsystem: "emergency", Name: "protocol_executions_total", Help: "Protocol executions finished, by protocol and outcome."},
		[]string{"protocol", "outcome"},
	)
	FanoutConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: "fleet", Subsystem: "fanout", Name: "connections", Help: "Currently connected realtime clients."},
	)
	FanoutDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "fleet", Subsystem: "fanout", Name: "deliveries_total", Help: "Messages delivered to realtime subscribers, by topic class."},
		[]string{"topic"},
	)
	FanoutDropped = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "fleet", Subsystem: "fanout", Name: "dropped_total", Help: "Messages dropped because a subscriber's send buffer was full."},
	)
)

func init() {
	prometheus.MustRegister(
		EventsPublished,
		EventsDropped,
		HandlerFailures,
		StoreFailures,
		TelemetrySamples,
		AlertsRaised,
		ProtocolExecutions,
		FanoutConnections,
		FanoutDeliveries,
		FanoutDropped,
	)
}

// Handler exposes the default registry in Prometheus text format.
func Handler() http.Handler { return promhttp.Handler() }
