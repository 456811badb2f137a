// Package metrics exposes engine counters through a Prometheus registry and
// a plain snapshot for the status surface.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics wraps the engine's Prometheus collectors. All methods are safe for
// concurrent use.
type Metrics struct {
	registry *prometheus.Registry

	ticks     prometheus.Counter
	decisions prometheus.Counter
	trades    prometheus.Counter
	reverts   prometheus.Counter
	skipped   *prometheus.CounterVec
	degraded  prometheus.Counter
	equity    prometheus.Gauge
	tickTime  prometheus.Histogram

	mu       sync.Mutex
	skipByRe map[string]int64
	counts   struct {
		ticks, decisions, trades, reverts, degraded int64
	}
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		skipByRe: make(map[string]int64),
	}

	m.ticks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_ticks_total",
		Help: "Completed pipeline ticks.",
	})
	m.decisions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_decisions_total",
		Help: "Ensemble decisions that passed suppression.",
	})
	m.trades = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_trades_total",
		Help: "Trades executed and persisted.",
	})
	m.reverts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_trade_reverts_total",
		Help: "Execution plans reverted before settlement.",
	})
	m.skipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_trades_skipped_total",
		Help: "Decisions that produced no trade, by reason.",
	}, []string{"reason"})
	m.degraded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_store_degraded_total",
		Help: "Transitions of the state store into degraded mode.",
	})
	m.equity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_portfolio_equity",
		Help: "Current portfolio equity in quote currency.",
	})
	m.tickTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_tick_duration_seconds",
		Help:    "Wall time of one pipeline tick.",
		Buckets: prometheus.DefBuckets,
	})

	m.registry.MustRegister(
		m.ticks, m.decisions, m.trades, m.reverts,
		m.skipped, m.degraded, m.equity, m.tickTime,
	)
	return m
}

// Registry returns the underlying registry for an HTTP scrape handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) IncTick() {
	m.ticks.Inc()
	m.mu.Lock()
	m.counts.ticks++
	m.mu.Unlock()
}

func (m *Metrics) IncDecision() {
	m.decisions.Inc()
	m.mu.Lock()
	m.counts.decisions++
	m.mu.Unlock()
}

func (m *Metrics) IncTrade() {
	m.trades.Inc()
	m.mu.Lock()
	m.counts.trades++
	m.mu.Unlock()
}

func (m *Metrics) IncRevert() {
	m.reverts.Inc()
	m.mu.Lock()
	m.counts.reverts++
	m.mu.Unlock()
}

// IncSkipped counts a decision that produced no order, labelled by reason
// (halted, below_min_size, degraded_store, insufficient_cash, ...).
func (m *Metrics) IncSkipped(reason string) {
	m.skipped.WithLabelValues(reason).Inc()
	m.mu.Lock()
	m.skipByRe[reason]++
	m.mu.Unlock()
}

func (m *Metrics) IncStoreDegraded() {
	m.degraded.Inc()
	m.mu.Lock()
	m.counts.degraded++
	m.mu.Unlock()
}

func (m *Metrics) SetEquity(eq float64) {
	m.equity.Set(eq)
}

func (m *Metrics) ObserveTickDuration(seconds float64) {
	m.tickTime.Observe(seconds)
}

// Snapshot is the plain-counter view used by the status surface.
type Snapshot struct {
	Ticks               int64            `json:"ticks"`
	Decisions           int64            `json:"decisions"`
	Trades              int64            `json:"trades"`
	Reverts             int64            `json:"reverts"`
	SkippedByReason     map[string]int64 `json:"skipped_by_reason"`
	DegradedTransitions int64            `json:"degraded_transitions"`
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	skipped := make(map[string]int64, len(m.skipByRe))
	for k, v := range m.skipByRe {
		skipped[k] = v
	}
	return Snapshot{
		Ticks:               m.counts.ticks,
		Decisions:           m.counts.decisions,
		Trades:              m.counts.trades,
		Reverts:             m.counts.reverts,
		SkippedByReason:     skipped,
		DegradedTransitions: m.counts.degraded,
	}
}
