// Package metrics provides Prometheus metrics for the watchdog pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chain_watchdog"

// Metrics holds every collector. Collectors are registered on the registry
// passed to New, never on the global default.
type Metrics struct {
	registry *prometheus.Registry

	// Ingestion
	EventsReceived   *prometheus.CounterVec
	EventsDropped    *prometheus.CounterVec
	DecodeErrors     *prometheus.CounterVec
	SourceReconnects *prometheus.CounterVec
	ChainHeight      *prometheus.GaugeVec
	QueueDepth       prometheus.Gauge

	// Detection
	Findings        *prometheus.CounterVec
	RulesSkipped    *prometheus.CounterVec
	Emissions       *prometheus.CounterVec
	DedupEntries    prometheus.Gauge
	AlertDecisions  *prometheus.CounterVec
	ProcessDuration prometheus.Histogram

	// Delivery
	Deliveries       *prometheus.CounterVec
	DeliveryDuration *prometheus.HistogramVec
	DispatchDropped  *prometheus.CounterVec
	BreakerState     *prometheus.GaugeVec

	// Audit
	AuditWrites *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		EventsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "events_received_total",
			Help:      "Normalized events accepted into the event queue.",
		}, []string{"chain", "kind"}),
		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "events_dropped_total",
			Help:      "Events discarded by the event queue overflow policy or on abort.",
		}, []string{"reason"}),
		DecodeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "decode_errors_total",
			Help:      "Logs that could not be decoded into events.",
		}, []string{"source"}),
		SourceReconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "source_reconnects_total",
			Help:      "Reconnect attempts per source.",
		}, []string{"source"}),
		ChainHeight: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "chain_height",
			Help:      "Highest block number observed per chain.",
		}, []string{"chain"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "queue_depth",
			Help:      "Items waiting in the event queue.",
		}),

		Findings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detection",
			Name:      "findings_total",
			Help:      "Findings produced by the rule engine.",
		}, []string{"rule", "severity"}),
		RulesSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detection",
			Name:      "rules_skipped_total",
			Help:      "Rule evaluations skipped because of a missing or mistyped field.",
		}, []string{"rule"}),
		Emissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detection",
			Name:      "dedup_emissions_total",
			Help:      "Deduplicator emissions by kind.",
		}, []string{"kind"}),
		DedupEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "detection",
			Name:      "dedup_entries",
			Help:      "Aggregated entries currently held.",
		}),
		AlertDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detection",
			Name:      "alert_decisions_total",
			Help:      "Alert manager verdicts.",
		}, []string{"verdict"}),
		ProcessDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "detection",
			Name:      "process_duration_seconds",
			Help:      "Time to process one event from dequeue to snapshot commit.",
			Buckets:   []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .05},
		}),

		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "attempts_total",
			Help:      "Notification delivery attempts by channel and status.",
		}, []string{"channel", "status"}),
		DeliveryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "duration_seconds",
			Help:      "Duration of notification delivery attempts.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"channel"}),
		DispatchDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "dropped_total",
			Help:      "Alerts dropped before or after delivery attempts.",
		}, []string{"channel", "reason"}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per channel (0 closed, 1 half-open, 2 open).",
		}, []string{"channel"}),

		AuditWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "writes_total",
			Help:      "Findings written to the audit sink by status.",
		}, []string{"status"}),
	}
}

// Registry exposes the registry for tests and custom gatherers.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
