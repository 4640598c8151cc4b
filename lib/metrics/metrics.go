// Package metrics defines the Prometheus collectors of the portfolio service.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the service collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	chunks   *prometheus.CounterVec
	duration *prometheus.HistogramVec
	nonce    prometheus.Gauge
	tracked  *prometheus.GaugeVec
	stale    prometheus.Counter
	requests *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		chunks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portfolio",
			Name:      "chunks_total",
			Help:      "Batched reads executed, by chain, refresh mode and result.",
		}, []string{"chain", "mode", "result"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "portfolio",
			Name:      "chunk_duration_seconds",
			Help:      "Time taken by a batched read.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), //nolint:gomnd // 50ms to ~25s
		}, []string{"chain", "mode"}),
		nonce: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "portfolio",
			Name:      "store_nonce",
			Help:      "Generation of the balance store.",
		}),
		tracked: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "portfolio",
			Name:      "tracked_tokens",
			Help:      "Tokens watched by continuous sync, by chain.",
		}, []string{"chain"}),
		stale: f.NewCounter(prometheus.CounterOpts{
			Namespace: "portfolio",
			Name:      "stale_merges_total",
			Help:      "Results dropped because they belong to an owner no longer tracked.",
		}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portfolio",
			Name:      "http_requests_total",
			Help:      "API requests by route and status code.",
		}, []string{"route", "code"}),
	}
}

// Chunk records a batched read.
func (m *Metrics) Chunk(chainID uint64, mode string, err error, d time.Duration) {
	if m == nil {
		return
	}

	chain := strconv.FormatUint(chainID, 10)
	result := "ok"

	if err != nil {
		result = "error"
	}

	m.chunks.WithLabelValues(chain, mode, result).Inc()
	m.duration.WithLabelValues(chain, mode).Observe(d.Seconds())
}

// Nonce records the store generation.
func (m *Metrics) Nonce(n uint64) {
	if m == nil {
		return
	}

	m.nonce.Set(float64(n))
}

// Tracked records the number of tokens watched on a chain.
func (m *Metrics) Tracked(chainID uint64, n int) {
	if m == nil {
		return
	}

	m.tracked.WithLabelValues(strconv.FormatUint(chainID, 10)).Set(float64(n))
}

// Stale records a dropped merge.
func (m *Metrics) Stale() {
	if m == nil {
		return
	}

	m.stale.Inc()
}

// Request records an API request.
func (m *Metrics) Request(route string, code int) {
	if m == nil {
		return
	}

	m.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}
