// Package metrics provides Prometheus metrics for the HL7 ingestion pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	MessagesReceived      *prometheus.CounterVec
	MessagesParsed        prometheus.Counter
	ParseFailures         *prometheus.CounterVec
	ParseDuration         prometheus.Histogram
	AppointmentsPersisted prometheus.Counter
	DuplicatesSkipped     prometheus.Counter
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending         prometheus.Gauge
	MLLPConnectionsActive prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates and registers all metrics
func New() *Metrics {
	m := &Metrics{
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hl7_messages_received_total",
			Help: "Total HL7 messages received, by transport",
		}, []string{"transport"}),
		MessagesParsed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hl7_messages_parsed_total",
			Help: "Total HL7 messages parsed successfully",
		}),
		ParseFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hl7_parse_failures_total",
			Help: "Total HL7 parse failures, by error kind",
		}, []string{"kind"}),
		ParseDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hl7_parse_duration_seconds",
			Help:    "HL7 message parse duration",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
		}),
		AppointmentsPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "appointments_persisted_total",
			Help: "Total appointments written to the database",
		}),
		DuplicatesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hl7_duplicates_skipped_total",
			Help: "Total redelivered messages skipped by control ID",
		}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		MLLPConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mllp_connections_active",
			Help: "Currently open MLLP connections",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	prometheus.MustRegister(
		m.MessagesReceived,
		m.MessagesParsed,
		m.ParseFailures,
		m.ParseDuration,
		m.AppointmentsPersisted,
		m.DuplicatesSkipped,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.MLLPConnectionsActive,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
