// Package metrics defines and registers Prometheus metrics for keeper and
// exposes the scrape handler mounted at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_api_requests_total",
			Help: "Total number of API requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keeper_api_request_duration_seconds",
			Help:    "API request duration in seconds by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Ingestion metrics
	IngestTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_ingest_tasks_total",
			Help: "Total number of ingest tasks by terminal state",
		},
		[]string{"state"},
	)

	ChunksIndexedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keeper_chunks_indexed_total",
			Help: "Total number of chunks written to vector collections",
		},
	)

	FilesIndexedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keeper_files_indexed_total",
			Help: "Total number of files ingested",
		},
	)

	// Embedding metrics
	EmbeddingRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_embedding_requests_total",
			Help: "Total embedding service calls by outcome",
		},
		[]string{"outcome"},
	)

	EmbeddingRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keeper_embedding_retries_total",
			Help: "Total embedding call retries after rate limiting",
		},
	)

	// Query metrics
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keeper_query_duration_seconds",
			Help:    "Retrieval query duration in seconds by kind (raw, llm, sacred)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Event bus / WebSocket metrics
	WSClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keeper_ws_clients",
			Help: "Currently connected WebSocket subscribers",
		},
	)

	EventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keeper_events_dropped_total",
			Help: "Events dropped due to full subscriber queues",
		},
	)

	// Watcher metrics
	WatchEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_watch_events_total",
			Help: "Filesystem watcher events by outcome (submitted, removed, dropped)",
		},
		[]string{"outcome"},
	)

	// Governance metrics
	DriftChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_drift_checks_total",
			Help: "Drift analyses run, by resulting status",
		},
		[]string{"status"},
	)

	PlansTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keeper_sacred_plans_total",
			Help: "Sacred plans by status",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(
		APIRequestsTotal,
		APIRequestDuration,
		IngestTasksTotal,
		ChunksIndexedTotal,
		FilesIndexedTotal,
		EmbeddingRequestsTotal,
		EmbeddingRetriesTotal,
		QueryDuration,
		WSClients,
		EventsDroppedTotal,
		WatchEventsTotal,
		DriftChecksTotal,
		PlansTotal,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
