// Package metrics holds the Prometheus collectors of the claim engine.
// A nil *Engine is valid and records nothing, so components can run
// without a registry in tests.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namePrefix = "claim_engine_"

// Engine groups the counters updated by the services.
type Engine struct {
	registerOnce sync.Once

	binds         *prometheus.CounterVec
	submissions   *prometheus.CounterVec
	settled       *prometheus.CounterVec
	verifications *prometheus.CounterVec
	locks         *prometheus.CounterVec
	pendingTx     prometheus.Gauge
	tickDuration  *prometheus.HistogramVec
}

// New creates the collectors and registers them with registry.  A nil
// registry returns nil.
func New(registry prometheus.Registerer) *Engine {
	if registry == nil {
		return nil
	}
	m := &Engine{}
	m.registerOnce.Do(func() {
		factory := promauto.With(registry)

		m.binds = factory.NewCounterVec(prometheus.CounterOpts{
			Name: namePrefix + "binds_total",
			Help: "Claim bind attempts by result",
		}, []string{"result"})

		m.submissions = factory.NewCounterVec(prometheus.CounterOpts{
			Name: namePrefix + "submissions_total",
			Help: "Mint submissions by kind and result",
		}, []string{"kind", "result"})

		m.settled = factory.NewCounterVec(prometheus.CounterOpts{
			Name: namePrefix + "transactions_settled_total",
			Help: "Mint transactions settled by the reconciler, by outcome",
		}, []string{"outcome"})

		m.verifications = factory.NewCounterVec(prometheus.CounterOpts{
			Name: namePrefix + "delegated_verifications_total",
			Help: "Delegated-mint replay-guard polls by outcome",
		}, []string{"outcome"})

		m.locks = factory.NewCounterVec(prometheus.CounterOpts{
			Name: namePrefix + "subscription_locks_total",
			Help: "Subscription lock lifecycle events",
		}, []string{"event"})

		m.pendingTx = factory.NewGauge(prometheus.GaugeOpts{
			Name: namePrefix + "pending_transactions",
			Help: "Transactions waiting for a receipt at the last reconcile tick",
		})

		m.tickDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    namePrefix + "tick_duration_seconds",
			Help:    "Duration of background ticks",
			Buckets: prometheus.DefBuckets,
		}, []string{"task"})
	})
	return m
}

func (m *Engine) Bind(result string) {
	if m == nil {
		return
	}
	m.binds.WithLabelValues(result).Inc()
}

// Submission counts one mint submission; kind is direct, bump or sponsored.
func (m *Engine) Submission(kind, result string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(kind, result).Inc()
}

func (m *Engine) Settled(outcome string) {
	if m == nil {
		return
	}
	m.settled.WithLabelValues(outcome).Inc()
}

func (m *Engine) Verification(outcome string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(outcome).Inc()
}

func (m *Engine) Lock(event string) {
	if m == nil {
		return
	}
	m.locks.WithLabelValues(event).Inc()
}

func (m *Engine) LockN(event string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.locks.WithLabelValues(event).Add(float64(n))
}

func (m *Engine) PendingTransactions(n int) {
	if m == nil {
		return
	}
	m.pendingTx.Set(float64(n))
}

// ObserveTick records how long one run of a background task took.
func (m *Engine) ObserveTick(task string, seconds float64) {
	if m == nil {
		return
	}
	m.tickDuration.WithLabelValues(task).Observe(seconds)
}
