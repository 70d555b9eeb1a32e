package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce          sync.Once
	xapiRequestsTotal     *prometheus.CounterVec
	xapiLatencySeconds    *prometheus.HistogramVec
	xapiErrorsTotal       *prometheus.CounterVec
	statementsStoredTotal *prometheus.CounterVec
	statementsVoidedTotal prometheus.Counter
	statementConflicts    prometheus.Counter
	canonicalLookupsTotal *prometheus.CounterVec
	eventsPublishedTotal  *prometheus.CounterVec
	streamClientsActive   prometheus.Gauge
)

// RegisterMetrics initialises the Prometheus collectors used by the record store.
func RegisterMetrics() {
	registerOnce.Do(func() {
		xapiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xapi_requests_total",
			Help: "Total number of xAPI requests served.",
		}, []string{"method", "route", "status"})

		xapiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "xapi_latency_seconds",
			Help:    "Latency distribution for xAPI requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		xapiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xapi_errors_total",
			Help: "Total number of error responses returned by xAPI endpoints.",
		}, []string{"method", "route", "status"})

		statementsStoredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lrs_statements_stored_total",
			Help: "Statements persisted, split by top-level and nested records.",
		}, []string{"kind"})

		statementsVoidedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lrs_statements_voided_total",
			Help: "Voiding relations registered.",
		})

		statementConflicts = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lrs_statement_conflicts_total",
			Help: "Resubmissions rejected because they differ from the stored statement.",
		})

		canonicalLookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lrs_canonical_lookups_total",
			Help: "Verb and activity id lookups by entity and cache outcome.",
		}, []string{"entity", "result"})

		eventsPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lrs_statement_events_published_total",
			Help: "Statement events published per transport.",
		}, []string{"transport"})

		streamClientsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lrs_stream_clients_active",
			Help: "Websocket clients currently subscribed to the statement stream.",
		})

		prometheus.MustRegister(
			xapiRequestsTotal,
			xapiLatencySeconds,
			xapiErrorsTotal,
			statementsStoredTotal,
			statementsVoidedTotal,
			statementConflicts,
			canonicalLookupsTotal,
			eventsPublishedTotal,
			streamClientsActive,
		)
	})
}

// XAPIRequests exposes the counter for xAPI requests.
func XAPIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return xapiRequestsTotal
}

// XAPILatency exposes the latency histogram for xAPI requests.
func XAPILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return xapiLatencySeconds
}

// XAPIErrors exposes the counter for xAPI error responses.
func XAPIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return xapiErrorsTotal
}

// StatementsStored exposes the stored statement counter.
func StatementsStored() *prometheus.CounterVec {
	RegisterMetrics()
	return statementsStoredTotal
}

// StatementsVoided exposes the voiding relation counter.
func StatementsVoided() prometheus.Counter {
	RegisterMetrics()
	return statementsVoidedTotal
}

// StatementConflicts exposes the conflict counter.
func StatementConflicts() prometheus.Counter {
	RegisterMetrics()
	return statementConflicts
}

// CanonicalLookups exposes the canonical id lookup counter.
func CanonicalLookups() *prometheus.CounterVec {
	RegisterMetrics()
	return canonicalLookupsTotal
}

// StatementEventsPublished exposes the event publication counter.
func StatementEventsPublished() *prometheus.CounterVec {
	RegisterMetrics()
	return eventsPublishedTotal
}

// StreamClientsActive exposes the websocket subscriber gauge.
func StreamClientsActive() prometheus.Gauge {
	RegisterMetrics()
	return streamClientsActive
}
