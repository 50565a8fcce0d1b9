// Package metrics provides Prometheus metrics for the upload client.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultNamespace = "objectupload"

// Attempt outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomePunished = "punished"
	OutcomeAborted  = "aborted"
)

// Cache lookup results.
const (
	LookupHit   = "hit"
	LookupMiss  = "miss"
	LookupStale = "stale"
)

// Metrics holds all Prometheus metrics of the upload client.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Host selection
	Attempts      *prometheus.CounterVec
	TimeoutBumps  *prometheus.CounterVec
	HostRefreshes *prometheus.CounterVec
	SelectedHosts *prometheus.GaugeVec
	PunishedSkips *prometheus.CounterVec

	// Resolution cache
	CacheLookups   *prometheus.CounterVec
	CacheRefreshes *prometheus.CounterVec
	CachePersists  *prometheus.CounterVec

	// Uploads
	Uploads        *prometheus.CounterVec
	UploadedBytes  prometheus.Counter
	UploadDuration *prometheus.HistogramVec
	UploadedParts  prometheus.Counter

	registry *prometheus.Registry
}

// New creates the metrics on a fresh registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = defaultNamespace
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Attempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attempts_total",
				Help:      "Total number of attempts against a selected host",
			},
			[]string{"selector", "outcome"},
		),
		TimeoutBumps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "timeout_power_increases_total",
				Help:      "Total number of timeout class failures that raised a host's timeout",
			},
			[]string{"selector"},
		),
		HostRefreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "host_list_refreshes_total",
				Help:      "Total number of host list refreshes",
			},
			[]string{"selector", "result"},
		),
		SelectedHosts: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "hosts",
				Help:      "Number of hosts in the current host list",
			},
			[]string{"selector"},
		),
		PunishedSkips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "punished_host_skips_total",
				Help:      "Total number of punished hosts skipped during selection",
			},
			[]string{"selector"},
		),
		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Total number of domain cache lookups",
			},
			[]string{"result"},
		),
		CacheRefreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_refreshes_total",
				Help:      "Total number of discovery queries issued by the domain cache",
			},
			[]string{"result"},
		),
		CachePersists: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_persists_total",
				Help:      "Total number of cache file writes",
			},
			[]string{"result"},
		),
		Uploads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "uploads_total",
				Help:      "Total number of uploads",
			},
			[]string{"path", "result"},
		),
		UploadedBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "uploaded_bytes_total",
				Help:      "Total number of bytes acknowledged by the service",
			},
		),
		UploadDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upload_duration_seconds",
				Help:      "Time to upload an object",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7min
			},
			[]string{"path"},
		),
		UploadedParts: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "uploaded_parts_total",
				Help:      "Total number of parts uploaded in multi-part sessions",
			},
		),
		registry: reg,
	}
}

// Handler serves the metrics of m for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func (m *Metrics) StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// IncAttempts counts one attempt of a retry loop.
func (m *Metrics) IncAttempts(selector, outcome string) {
	if m == nil {
		return
	}
	m.Attempts.WithLabelValues(selector, outcome).Inc()
}

// IncTimeoutBumps ...
func (m *Metrics) IncTimeoutBumps(selector string) {
	if m == nil {
		return
	}
	m.TimeoutBumps.WithLabelValues(selector).Inc()
}

// IncHostRefreshes ...
func (m *Metrics) IncHostRefreshes(selector string, ok bool) {
	if m == nil {
		return
	}
	m.HostRefreshes.WithLabelValues(selector, result(ok)).Inc()
}

// SetHosts ...
func (m *Metrics) SetHosts(selector string, count int) {
	if m == nil {
		return
	}
	m.SelectedHosts.WithLabelValues(selector).Set(float64(count))
}

// AddPunishedSkips ...
func (m *Metrics) AddPunishedSkips(selector string, count int) {
	if m == nil || count == 0 {
		return
	}
	m.PunishedSkips.WithLabelValues(selector).Add(float64(count))
}

// IncCacheLookups ...
func (m *Metrics) IncCacheLookups(lookup string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(lookup).Inc()
}

// IncCacheRefreshes ...
func (m *Metrics) IncCacheRefreshes(ok bool) {
	if m == nil {
		return
	}
	m.CacheRefreshes.WithLabelValues(result(ok)).Inc()
}

// IncCachePersists ...
func (m *Metrics) IncCachePersists(ok bool) {
	if m == nil {
		return
	}
	m.CachePersists.WithLabelValues(result(ok)).Inc()
}

// ObserveUpload records a finished upload.
func (m *Metrics) ObserveUpload(path string, ok bool, seconds float64) {
	if m == nil {
		return
	}
	m.Uploads.WithLabelValues(path, result(ok)).Inc()
	m.UploadDuration.WithLabelValues(path).Observe(seconds)
}

// AddUploadedPart records one acknowledged part.
func (m *Metrics) AddUploadedPart(size int64) {
	if m == nil {
		return
	}
	m.UploadedParts.Inc()
	m.UploadedBytes.Add(float64(size))
}

// AddUploadedBytes ...
func (m *Metrics) AddUploadedBytes(size int64) {
	if m == nil {
		return
	}
	m.UploadedBytes.Add(float64(size))
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
