package doccache

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exports cache and fetch figures to prometheus.
// A nil *Metrics records nothing.
type Metrics struct {
	registry      *prometheus.Registry
	lookups       *prometheus.CounterVec
	evictions     *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	cacheableSize prometheus.Gauge
	entries       prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	lookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "doccache_lookups_total",
		Help: "Total resource lookups",
	}, []string{"kind", "result"})

	evictions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "doccache_evictions_total",
		Help: "Total entries removed from the keyed store",
	}, []string{"kind"})

	fetchDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "doccache_fetch_duration_seconds",
		Help:    "Transport job duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind", "result"})

	cacheableSize := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "doccache_cacheable_bytes",
		Help: "Bytes accounted against the capacity",
	})

	entries := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "doccache_entries",
		Help: "Keyed entries",
	})

	registry.MustRegister(lookups, evictions, fetchDuration, cacheableSize, entries)

	return &Metrics{
		registry:      registry,
		lookups:       lookups,
		evictions:     evictions,
		fetchDuration: fetchDuration,
		cacheableSize: cacheableSize,
		entries:       entries,
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordLookup(kind Kind, result string) {
	if m == nil {
		return
	}
	defer func() {
		_ = recover()
	}()

	m.lookups.WithLabelValues(kind.String(), result).Inc()
}

func (m *Metrics) RecordEviction(kind Kind) {
	if m == nil {
		return
	}
	defer func() {
		_ = recover()
	}()

	m.evictions.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) RecordSize(bytes int64, entries int) {
	if m == nil {
		return
	}
	m.cacheableSize.Set(float64(bytes))
	m.entries.Set(float64(entries))
}

func (m *Metrics) ObserveFetch(kind Kind, result string, duration time.Duration) {
	if m == nil {
		return
	}
	defer func() {
		_ = recover()
	}()

	m.fetchDuration.WithLabelValues(kind.String(), result).Observe(duration.Seconds())
}
