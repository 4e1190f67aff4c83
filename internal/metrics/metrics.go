// Package metrics holds the Prometheus instruments of the indexing
// pipeline.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Job outcomes.
const (
	OutcomeIndexed   = "indexed"
	OutcomeDeleted   = "deleted"
	OutcomeUnchanged = "unchanged"
	OutcomeSkipped   = "skipped"
	OutcomeContinued = "continued"
	OutcomeRetry     = "retry"
	OutcomeFailed    = "failed"
)

var (
	defaultMetrics *Metrics
	defaultOnce    sync.Once
)

// Metrics holds the pipeline instruments. A nil *Metrics records nothing.
type Metrics struct {
	JobsTotal           *prometheus.CounterVec
	JobDuration         *prometheus.HistogramVec
	ChunksEmbeddedTotal prometheus.Counter
	EmbedDuration       prometheus.Histogram
	QueuePushesTotal    *prometheus.CounterVec
	RetriesScheduled    *prometheus.CounterVec
	StatusTransitions   *prometheus.CounterVec
	SearchesTotal       *prometheus.CounterVec
}

// Default returns the metrics registered on the default Prometheus
// registry. Registration happens once per process.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// New creates the instruments and registers them on reg.
//
// Metrics:
//   - indexd_jobs_total{operation,outcome}
//   - indexd_job_duration_seconds{operation}
//   - indexd_chunks_embedded_total
//   - indexd_embed_duration_seconds
//   - indexd_queue_pushes_total{operation,result}
//   - indexd_retries_scheduled_total{attempt}
//   - indexd_status_transitions_total{from,to}
//   - indexd_searches_total{result}
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		JobsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexd_jobs_total",
				Help: "Total number of index jobs processed",
			},
			[]string{"operation", "outcome"},
		),
		JobDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "indexd_job_duration_seconds",
				Help:    "Duration of one index job run in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
			[]string{"operation"},
		),
		ChunksEmbeddedTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "indexd_chunks_embedded_total",
				Help: "Total number of chunks embedded and stored",
			},
		),
		EmbedDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "indexd_embed_duration_seconds",
				Help:    "Duration of one embed-and-store batch in seconds",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
			},
		),
		QueuePushesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexd_queue_pushes_total",
				Help: "Total number of queue pushes by result",
			},
			[]string{"operation", "result"}, // submitted, duplicate, error
		),
		RetriesScheduled: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexd_retries_scheduled_total",
				Help: "Total number of delayed retries scheduled",
			},
			[]string{"attempt"},
		),
		StatusTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexd_status_transitions_total",
				Help: "Total number of status record writes by transition",
			},
			[]string{"from", "to"},
		),
		SearchesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexd_searches_total",
				Help: "Total number of searches by result",
			},
			[]string{"result"}, // hit, empty, error
		),
	}
}

// RecordJob records one finished job run.
func (m *Metrics) RecordJob(operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(operation, outcome).Inc()
	m.JobDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordBatch records one embedded and stored batch.
func (m *Metrics) RecordBatch(chunks int, d time.Duration) {
	if m == nil {
		return
	}
	m.ChunksEmbeddedTotal.Add(float64(chunks))
	m.EmbedDuration.Observe(d.Seconds())
}

// RecordPush records a queue push.
func (m *Metrics) RecordPush(operation, result string) {
	if m == nil {
		return
	}
	m.QueuePushesTotal.WithLabelValues(operation, result).Inc()
}

// RecordRetry records a scheduled retry.
func (m *Metrics) RecordRetry(attempt string) {
	if m == nil {
		return
	}
	m.RetriesScheduled.WithLabelValues(attempt).Inc()
}

// RecordTransition records a status write. It matches status.TransitionFunc
// once the states are converted to strings.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	if from == "" {
		from = "none"
	}
	m.StatusTransitions.WithLabelValues(from, to).Inc()
}

// RecordSearch records a search result class.
func (m *Metrics) RecordSearch(result string) {
	if m == nil {
		return
	}
	m.SearchesTotal.WithLabelValues(result).Inc()
}
