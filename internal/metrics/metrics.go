// Package metrics exposes Prometheus counters and histograms for the
// ingestion pipeline and the retrieval engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector registered on one registry. A fresh
// registry per instance keeps tests independent.
type Metrics struct {
	registry *prometheus.Registry

	JobsProcessed *prometheus.CounterVec
	JobDuration   prometheus.Histogram
	QueueDepth    *prometheus.GaugeVec

	Queries        *prometheus.CounterVec
	QueryDuration  prometheus.Histogram
	QueriesDenied  *prometheus.CounterVec
	EmbedDegraded  prometheus.Counter
	ChunksEmbedded prometheus.Counter
}

// New creates and registers all collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		JobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexcrm_ingest_jobs_total",
			Help: "Ingestion jobs finished, by operation and outcome.",
		}, []string{"operation", "outcome"}),
		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nexcrm_ingest_job_duration_seconds",
			Help:    "Wall time spent processing one ingestion job.",
			Buckets: prometheus.DefBuckets,
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nexcrm_ingest_queue_depth",
			Help: "Jobs currently in the queue, by status.",
		}, []string{"status"}),
		Queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexcrm_retrieval_queries_total",
			Help: "Retrieval queries served, by intent.",
		}, []string{"intent"}),
		QueryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nexcrm_retrieval_query_duration_seconds",
			Help:    "End-to-end retrieval query latency.",
			Buckets: prometheus.DefBuckets,
		}),
		QueriesDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexcrm_retrieval_denied_total",
			Help: "Queries denied by access checks, by reason.",
		}, []string{"reason"}),
		EmbedDegraded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nexcrm_embedding_degraded_total",
			Help: "Embedding batches served by the deterministic fallback.",
		}),
		ChunksEmbedded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nexcrm_embedding_chunks_total",
			Help: "Chunks embedded during ingestion.",
		}),
	}

	registry.MustRegister(
		m.JobsProcessed, m.JobDuration, m.QueueDepth,
		m.Queries, m.QueryDuration, m.QueriesDenied,
		m.EmbedDegraded, m.ChunksEmbedded,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
