package scraper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the crawler.
type Metrics struct {
	Registry              *prometheus.Registry
	RequestsTotal         *prometheus.CounterVec
	RequestDuration       *prometheus.HistogramVec
	PagesTotal            *prometheus.CounterVec
	ItemsDispatchedTotal  prometheus.Counter
	RecordsPersistedTotal prometheus.Counter
	RetriesTotal          prometheus.Counter
	ErrorsTotal           *prometheus.CounterVec
	FailedIDs             prometheus.Gauge
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "museumcrawl_requests_total",
			Help: "Total HTTP requests issued by the crawler.",
		},
		[]string{"phase"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "museumcrawl_request_duration_seconds",
			Help:    "HTTP request latency by phase.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)
	pages := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "museumcrawl_pages_total",
			Help: "Search pages by outcome.",
		},
		[]string{"outcome"},
	)
	dispatched := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "museumcrawl_items_dispatched_total",
			Help: "Relevant items sent for detail fetching.",
		},
	)
	persisted := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "museumcrawl_records_persisted_total",
			Help: "Records accepted by the persist stage.",
		},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "museumcrawl_retries_total",
			Help: "Total number of retry attempts scheduled.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "museumcrawl_errors_total",
			Help: "Total number of crawl errors by type.",
		},
		[]string{"error_type"},
	)
	failed := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "museumcrawl_failed_ids",
			Help: "Items whose detail fetch has not succeeded yet.",
		},
	)

	registry.MustRegister(requests, requestDuration, pages, dispatched, persisted, retries, errorsTotal, failed)

	return &Metrics{
		Registry:              registry,
		RequestsTotal:         requests,
		RequestDuration:       requestDuration,
		PagesTotal:            pages,
		ItemsDispatchedTotal:  dispatched,
		RecordsPersistedTotal: persisted,
		RetriesTotal:          retries,
		ErrorsTotal:           errorsTotal,
		FailedIDs:             failed,
	}
}

// IncRequest increments the requests total counter.
func (m *Metrics) IncRequest(phase string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(phase).Inc()
}

// ObserveDuration records an HTTP request duration.
func (m *Metrics) ObserveDuration(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// IncPage counts a page outcome: fetched, empty or skipped.
func (m *Metrics) IncPage(outcome string) {
	if m == nil {
		return
	}
	m.PagesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AddDispatched(n int) {
	if m == nil {
		return
	}
	m.ItemsDispatchedTotal.Add(float64(n))
}

func (m *Metrics) AddPersisted(n int) {
	if m == nil {
		return
	}
	m.RecordsPersistedTotal.Add(float64(n))
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// SetFailed reports the current size of the failed set.
func (m *Metrics) SetFailed(n int) {
	if m == nil {
		return
	}
	m.FailedIDs.Set(float64(n))
}
