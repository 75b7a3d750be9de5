package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the attribution engine.
type Metrics struct {
	// Ingestion metrics
	EventsIngested *prometheus.CounterVec
	IngestLatency  *prometheus.HistogramVec
	IngestRejects  *prometheus.CounterVec

	// Resolution metrics
	ResolutionOutcomes *prometheus.CounterVec
	ResolutionLatency  *prometheus.HistogramVec
	ResolutionRetries  prometheus.Counter
	ResolutionFailures *prometheus.CounterVec
	PendingResolutions prometheus.Gauge

	// Aggregation metrics
	RollupRecomputes *prometheus.CounterVec
	RollupLatency    prometheus.Histogram
	DirtyBucketCount prometheus.Gauge

	// Erasure metrics
	ErasureRequests *prometheus.CounterVec
	ErasedRows      *prometheus.CounterVec

	// System metrics
	DBConnections *prometheus.GaugeVec
	RedisLatency  *prometheus.HistogramVec

	// Rate limiting metrics
	RateLimitHits *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		// Ingestion metrics
		EventsIngested: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_ingested_total",
				Help:      "Events received by outcome",
			},
			[]string{"tenant_id", "event_type", "status"},
		),
		IngestLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ingest_latency_seconds",
				Help:      "Event ingest processing latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
			},
			[]string{"status"},
		),
		IngestRejects: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingest_rejects_total",
				Help:      "Rejected events by reason",
			},
			[]string{"reason"},
		),

		// Resolution metrics
		ResolutionOutcomes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolution_outcomes_total",
				Help:      "Attribution resolutions by method",
			},
			[]string{"method"},
		),
		ResolutionLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resolution_latency_seconds",
				Help:      "Attribution resolution latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"method"},
		),
		ResolutionRetries: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolution_retries_total",
				Help:      "Resolution attempts retried after transient failure",
			},
		),
		ResolutionFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolution_failures_total",
				Help:      "Conversions left pending after exhausting retries",
			},
			[]string{"tenant_id"},
		),
		PendingResolutions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_resolutions",
				Help:      "Conversions queued for attribution resolution",
			},
		),

		// Aggregation metrics
		RollupRecomputes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollup_recomputes_total",
				Help:      "Rollup bucket recomputations by outcome",
			},
			[]string{"status"},
		),
		RollupLatency: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rollup_cycle_seconds",
				Help:      "Duration of one aggregation cycle",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
		),
		DirtyBucketCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "dirty_buckets",
				Help:      "Buckets found stale in the last aggregation cycle",
			},
		),

		// Erasure metrics
		ErasureRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "erasure_requests_total",
				Help:      "Data erasure requests by outcome",
			},
			[]string{"status"},
		),
		ErasedRows: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "erased_rows_total",
				Help:      "Rows removed by erasure, per table",
			},
			[]string{"table"},
		),

		// System metrics
		DBConnections: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections",
				Help:      "Database connection pool stats",
			},
			[]string{"state"}, // idle, in_use, total
		),
		RedisLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "redis_latency_seconds",
				Help:      "Redis operation latency",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
			},
			[]string{"operation"},
		),

		// Rate limiting metrics
		RateLimitHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_hits_total",
				Help:      "Rate limit rejections",
			},
			[]string{"endpoint", "ip"},
		),
	}

	return m
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordIngest records an event ingest outcome.
func (m *Metrics) RecordIngest(tenantID, eventType, status string, latency time.Duration) {
	m.EventsIngested.WithLabelValues(tenantID, eventType, status).Inc()
	m.IngestLatency.WithLabelValues(status).Observe(latency.Seconds())
}

// RecordReject records a rejected event by reason.
func (m *Metrics) RecordReject(reason string) {
	m.IngestRejects.WithLabelValues(reason).Inc()
}

// RecordResolution records a resolution outcome.
func (m *Metrics) RecordResolution(method string, latency time.Duration) {
	m.ResolutionOutcomes.WithLabelValues(method).Inc()
	m.ResolutionLatency.WithLabelValues(method).Observe(latency.Seconds())
}

// RecordRollup records one bucket recompute.
func (m *Metrics) RecordRollup(status string) {
	m.RollupRecomputes.WithLabelValues(status).Inc()
}

// RecordErasure records an erasure request outcome with per-table row counts.
func (m *Metrics) RecordErasure(status string, events, records, rollups int64) {
	m.ErasureRequests.WithLabelValues(status).Inc()
	m.ErasedRows.WithLabelValues("attribution_events").Add(float64(events))
	m.ErasedRows.WithLabelValues("attribution_records").Add(float64(records))
	m.ErasedRows.WithLabelValues("metrics_daily_rollups").Add(float64(rollups))
}

// UpdateDBStats updates connection pool gauges.
func (m *Metrics) UpdateDBStats(idle, inUse, total int32) {
	m.DBConnections.WithLabelValues("idle").Set(float64(idle))
	m.DBConnections.WithLabelValues("in_use").Set(float64(inUse))
	m.DBConnections.WithLabelValues("total").Set(float64(total))
}
