// Package metrics provides Prometheus metrics for the medication ledger.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Command outcomes used as the "outcome" label
const (
	OutcomeRecorded  = "recorded"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	EventsAppended        *prometheus.CounterVec
	CommandsTotal         *prometheus.CounterVec
	CommandDuration       *prometheus.HistogramVec
	SyncPublished         prometheus.Counter
	SyncFailed            prometheus.Counter
	UnsyncedBacklog       prometheus.Gauge
	KafkaMessagesConsumed prometheus.Counter
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates metrics registered on the default registry
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates and registers all metrics on reg
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_events_appended_total",
			Help: "Events appended to the ledger",
		}, []string{"type"}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_commands_total",
			Help: "Ledger commands by outcome",
		}, []string{"command", "outcome"}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_command_duration_seconds",
			Help:    "Ledger command duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"command"}),
		SyncPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_sync_published_total",
			Help: "Events published to the sync target",
		}),
		SyncFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_sync_failed_total",
			Help: "Failed sync batches",
		}),
		UnsyncedBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_unsynced_events",
			Help: "Unsynced events seen by the last relay poll",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.EventsAppended,
		m.CommandsTotal,
		m.CommandDuration,
		m.SyncPublished,
		m.SyncFailed,
		m.UnsyncedBacklog,
		m.KafkaMessagesConsumed,
		m.CircuitBreakerState,
	)

	return m
}

// ObserveCommand records one finished ledger command
func (m *Metrics) ObserveCommand(command, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(command, outcome).Inc()
	m.CommandDuration.WithLabelValues(command).Observe(took.Seconds())
}

// EventAppended counts an appended event of the given type
func (m *Metrics) EventAppended(eventType string) {
	if m == nil {
		return
	}
	m.EventsAppended.WithLabelValues(eventType).Inc()
}

// SyncBatch records the outcome of a relay batch
func (m *Metrics) SyncBatch(published int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.SyncFailed.Inc()
		return
	}
	m.SyncPublished.Add(float64(published))
}

// Backlog sets the unsynced backlog gauge
func (m *Metrics) Backlog(n int) {
	if m == nil {
		return
	}
	m.UnsyncedBacklog.Set(float64(n))
}

// MessageConsumed counts a consumed Kafka record
func (m *Metrics) MessageConsumed() {
	if m == nil {
		return
	}
	m.KafkaMessagesConsumed.Inc()
}

// BreakerState publishes a circuit breaker state
func (m *Metrics) BreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves metrics from a specific gatherer
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
