package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	sourceCallsTotal     *prometheus.CounterVec
	sourceRetriesTotal   prometheus.Counter
	schedulerWaitSeconds prometheus.Histogram
	cacheLookupsTotal    *prometheus.CounterVec
	snapshotRows         prometheus.Gauge
	journalMutations     *prometheus.CounterVec
	pushBatchesTotal     *prometheus.CounterVec
}

// New creates collectors on a private registry
func New(namespace string) *Metrics {
	// Create a new registry to avoid conflicts with default metrics
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		sourceCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "source",
				Name:      "calls_total",
				Help:      "Outbound calls to the source system by outcome.",
			},
			[]string{"outcome"},
		),
		sourceRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "source",
				Name:      "rate_limit_retries_total",
				Help:      "Retries triggered by rate-limit responses.",
			},
		),
		schedulerWaitSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "wait_seconds",
				Help:      "Time spent waiting for a scheduler slot.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		cacheLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "lookups_total",
				Help:      "Cache lookups by cache kind and result.",
			},
			[]string{"cache", "result"},
		),
		snapshotRows: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "catalog",
				Name:      "snapshot_rows",
				Help:      "Rows in the current catalog snapshot.",
			},
		),
		journalMutations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "staging",
				Name:      "mutations_total",
				Help:      "Staging journal mutations by action.",
			},
			[]string{"action"},
		),
		pushBatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "push",
				Name:      "batches_total",
				Help:      "Destination push batches by outcome.",
			},
			[]string{"outcome"},
		),
	}

	registry.MustRegister(
		m.sourceCallsTotal,
		m.sourceRetriesTotal,
		m.schedulerWaitSeconds,
		m.cacheLookupsTotal,
		m.snapshotRows,
		m.journalMutations,
		m.pushBatchesTotal,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SourceCall(outcome string) {
	if m == nil {
		return
	}
	m.sourceCallsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SourceRetry() {
	if m == nil {
		return
	}
	m.sourceRetriesTotal.Inc()
}

func (m *Metrics) SchedulerWait(d time.Duration) {
	if m == nil {
		return
	}
	m.schedulerWaitSeconds.Observe(d.Seconds())
}

func (m *Metrics) CacheLookup(cache string, fresh bool) {
	if m == nil {
		return
	}
	result := "miss"
	if fresh {
		result = "hit"
	}
	m.cacheLookupsTotal.WithLabelValues(cache, result).Inc()
}

func (m *Metrics) SnapshotRows(n int) {
	if m == nil {
		return
	}
	m.snapshotRows.Set(float64(n))
}

func (m *Metrics) JournalMutation(action string) {
	if m == nil {
		return
	}
	m.journalMutations.WithLabelValues(action).Inc()
}

func (m *Metrics) PushBatch(success bool) {
	if m == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.pushBatchesTotal.WithLabelValues(outcome).Inc()
}
