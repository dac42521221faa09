// Package metrics exposes engine counters and histograms to Prometheus.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/tokenpool/internal/domain"
)

const namespace = "tokenpool"

// Metrics bundles every collector the engine updates.
type Metrics struct {
	registry *prometheus.Registry

	betsTotal        *prometheus.CounterVec
	betTokens        prometheus.Counter
	transitions      *prometheus.CounterVec
	settlementsTotal *prometheus.CounterVec
	payoutTokens     prometheus.Counter
	remainderTokens  prometheus.Counter
	lockWait         prometheus.Histogram
	resolveDuration  prometheus.Histogram
	httpRequests     *prometheus.CounterVec
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		betsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wager",
			Name:      "bets_total",
			Help:      "Bets processed, by result kind.",
		}, []string{"result"}),
		betTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wager",
			Name:      "staked_tokens_total",
			Help:      "Tokens moved into pools by accepted bets.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Event lifecycle operations, by operation.",
		}, []string{"op"}),
		settlementsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "resolutions_total",
			Help:      "Resolutions, by result (resolved, void, failed).",
		}, []string{"result"}),
		payoutTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "payout_tokens_total",
			Help:      "Tokens distributed to bettors.",
		}),
		remainderTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "rounding_remainder_tokens_total",
			Help:      "Tokens credited to the platform account as rounding remainder.",
		}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for a per-event lock.",
			Buckets:   []float64{.0001, .001, .005, .01, .05, .1, .5, 1, 5},
		}),
		resolveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "resolve_seconds",
			Help:      "Wall time of a full resolution.",
			Buckets:   prometheus.DefBuckets,
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests, by method and status class.",
		}, []string{"method", "class"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.betsTotal, m.betTokens, m.transitions, m.settlementsTotal,
		m.payoutTokens, m.remainderTokens, m.lockWait, m.resolveDuration,
		m.httpRequests,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// BetPlaced records an accepted bet.
func (m *Metrics) BetPlaced(amount int64) {
	if m == nil {
		return
	}
	m.betsTotal.WithLabelValues("accepted").Inc()
	m.betTokens.Add(float64(amount))
}

// BetRejected records a refused bet by error kind.
func (m *Metrics) BetRejected(err error) {
	if m == nil {
		return
	}
	m.betsTotal.WithLabelValues(domain.Kind(err)).Inc()
}

// Transition records a lifecycle operation such as "close" or "delete".
func (m *Metrics) Transition(op string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(op).Inc()
}

// Resolved records a completed resolution.
func (m *Metrics) Resolved(r domain.SettlementReport, took time.Duration) {
	if m == nil {
		return
	}
	result := "resolved"
	if r.Void {
		result = "void"
	}
	m.settlementsTotal.WithLabelValues(result).Inc()
	m.payoutTokens.Add(float64(r.TotalDistributed))
	m.remainderTokens.Add(float64(r.RoundingRemainder))
	m.resolveDuration.Observe(took.Seconds())
}

// ResolveFailed records a resolution that stopped part-way.
func (m *Metrics) ResolveFailed() {
	if m == nil {
		return
	}
	m.settlementsTotal.WithLabelValues("failed").Inc()
}

// LockWaited records how long a lock acquisition waited.
func (m *Metrics) LockWaited(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

// HTTPRequest records one served request.
func (m *Metrics) HTTPRequest(method string, status int) {
	if m == nil {
		return
	}
	class := "5xx"
	switch {
	case status < 300:
		class = "2xx"
	case status < 400:
		class = "3xx"
	case status < 500:
		class = "4xx"
	}
	m.httpRequests.WithLabelValues(method, class).Inc()
}
