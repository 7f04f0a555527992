package oauth

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	cacheLookups     *prometheus.CounterVec
	tokenRequests    *prometheus.CounterVec
	tokenLatency     *prometheus.HistogramVec
	discoveryFetches *prometheus.CounterVec
	coalesced        *prometheus.CounterVec
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// GetMetrics returns the singleton engine metrics.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = newMetrics()
	})
	return metricsInstance
}

// MustRegister registers the collectors with registry. promauto already
// registers them with the default registry; this exposes them on a custom
// one as well.
func (m *Metrics) MustRegister(registry *prometheus.Registry) {
	registry.MustRegister(
		m.cacheLookups,
		m.tokenRequests,
		m.tokenLatency,
		m.discoveryFetches,
		m.coalesced,
	)
}

func newMetrics() *Metrics {
	return &Metrics{
		cacheLookups: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tokenkit",
				Subsystem: "cache",
				Name:      "lookups_total",
				Help:      "Access token cache lookups by result",
			},
			[]string{"result"},
		),
		tokenRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tokenkit",
				Subsystem: "token_endpoint",
				Name:      "requests_total",
				Help:      "Token endpoint requests by grant type and outcome",
			},
			[]string{"grant_type", "outcome"},
		),
		tokenLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "tokenkit",
				Subsystem: "token_endpoint",
				Name:      "request_duration_seconds",
				Help:      "Token endpoint request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"grant_type"},
		),
		discoveryFetches: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tokenkit",
				Subsystem: "discovery",
				Name:      "fetches_total",
				Help:      "Authority metadata fetches by outcome",
			},
			[]string{"outcome"},
		),
		coalesced: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tokenkit",
				Subsystem: "engine",
				Name:      "coalesced_waiters_total",
				Help:      "Callers that shared an in-flight network operation",
			},
			[]string{"operation"},
		),
	}
}

func (m *Metrics) recordCacheLookup(result string) {
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) recordTokenRequest(grantType, outcome string, d time.Duration) {
	m.tokenRequests.WithLabelValues(grantType, outcome).Inc()
	m.tokenLatency.WithLabelValues(grantType).Observe(d.Seconds())
}

func (m *Metrics) recordDiscovery(outcome string) {
	m.discoveryFetches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) recordCoalesced(operation string) {
	m.coalesced.WithLabelValues(operation).Inc()
}
