package scrape

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments the engine itself. It is a prometheus.Collector so a
// collector's private registry can expose it next to the scraped families.
type Metrics struct {
	queryDuration *prometheus.HistogramVec
	queryErrors   *prometheus.CounterVec
	cacheHits     *prometheus.CounterVec
	connectErrors *prometheus.CounterVec
}

func NewMetrics(prefix string) *Metrics {
	return &Metrics{
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    prefix + "_query_execution_duration_seconds",
				Help:    "Duration of query execution in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"job_name", "query"},
		),
		queryErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "_query_errors_total",
				Help: "Total number of query errors",
			},
			[]string{"job_name", "query"},
		),
		cacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "_query_cache_hits_total",
				Help: "Total number of query results served from the cache",
			},
			[]string{"job_name", "query"},
		),
		connectErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "_connection_errors_total",
				Help: "Total number of failed connection attempts",
			},
			[]string{"job_name"},
		),
	}
}

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.queryDuration.Describe(ch)
	m.queryErrors.Describe(ch)
	m.cacheHits.Describe(ch)
	m.connectErrors.Describe(ch)
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.queryDuration.Collect(ch)
	m.queryErrors.Collect(ch)
	m.cacheHits.Collect(ch)
	m.connectErrors.Collect(ch)
}

// The methods below accept a nil receiver so the engine can run uninstrumented.

func (m *Metrics) observeQuery(job, query string, seconds float64) {
	if m != nil {
		m.queryDuration.WithLabelValues(job, query).Observe(seconds)
	}
}

func (m *Metrics) queryFailed(job, query string) {
	if m != nil {
		m.queryErrors.WithLabelValues(job, query).Inc()
	}
}

func (m *Metrics) cacheHit(job, query string) {
	if m != nil {
		m.cacheHits.WithLabelValues(job, query).Inc()
	}
}

func (m *Metrics) connectFailed(job string) {
	if m != nil {
		m.connectErrors.WithLabelValues(job).Inc()
	}
}
