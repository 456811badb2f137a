package risk

import (
	"errors"
	"math"
	"sync"
	"time"

	"ensemble-trading-engine/internal/clock"
	"ensemble-trading-engine/internal/logging"
)

// ErrTradingHalted is returned when the circuit breaker refuses new trades.
var ErrTradingHalted = errors.New("trading halted by circuit breaker")

// Config holds sizing settings.
type Config struct {
	KellyFraction        float64
	PayoffRatio          float64
	MinProbability       float64
	MinSize              float64 // fraction of equity
	MaxSize              float64 // fraction of equity
	CorrelationThreshold float64
}

type equityPoint struct {
	ts     time.Time
	equity float64
}

// Manager tracks equity, computes fractional Kelly position sizes and runs
// the drawdown circuit breaker. It owns its history buffers; callers read
// snapshots.
type Manager struct {
	mu         sync.RWMutex
	cfg        Config
	clk        clock.Clock
	breaker    *CircuitBreaker
	history    []equityPoint
	dailyStart float64
	dailyDate  time.Time // UTC midnight the daily baseline belongs to
	peak       float64
	logger     *logging.Logger
}

func NewManager(cfg Config, breakerCfg BreakerConfig, clk clock.Clock, logger *logging.Logger) *Manager {
	if cfg.KellyFraction <= 0 {
		cfg.KellyFraction = 0.25
	}
	if cfg.PayoffRatio <= 0 {
		cfg.PayoffRatio = 1.0
	}
	if cfg.MinProbability <= 0 {
		cfg.MinProbability = 0.5
	}
	if cfg.MinSize <= 0 {
		cfg.MinSize = 0.01
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 0.1
	}
	if cfg.CorrelationThreshold <= 0 {
		cfg.CorrelationThreshold = 0.7
	}
	return &Manager{
		cfg:     cfg,
		clk:     clk,
		breaker: NewCircuitBreaker(breakerCfg, clk),
		logger:  logger.WithComponent("risk"),
	}
}

// Breaker exposes the circuit breaker for transition callbacks and status.
func (m *Manager) Breaker() *CircuitBreaker { return m.breaker }

// UpdateEquity records an equity observation, refreshes the daily baseline
// and peak, and feeds the worse of the daily and peak drawdowns to the
// circuit breaker. Returns the resulting breaker level.
func (m *Manager) UpdateEquity(equity float64) BreakerLevel {
	m.mu.Lock()

	now := m.clk.Now()
	midnight := now.UTC().Truncate(24 * time.Hour)

	if m.dailyStart == 0 || midnight.After(m.dailyDate) {
		m.dailyStart = equity
		m.dailyDate = midnight
	}
	if equity > m.peak {
		m.peak = equity
	}

	m.history = append(m.history, equityPoint{ts: now, equity: equity})
	if len(m.history) > 10000 {
		m.history = m.history[len(m.history)-10000:]
	}

	dd := m.worstDrawdownLocked(equity)
	m.mu.Unlock()

	return m.breaker.Update(dd)
}

func (m *Manager) worstDrawdownLocked(equity float64) float64 {
	dd := 0.0
	if m.dailyStart > 0 {
		dd = equity/m.dailyStart - 1
	}
	if m.peak > 0 {
		if mdd := equity/m.peak - 1; mdd < dd {
			dd = mdd
		}
	}
	return dd
}

// DailyDrawdown returns equity/daily_start - 1 for the latest observation.
func (m *Manager) DailyDrawdown() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.history) == 0 || m.dailyStart == 0 {
		return 0
	}
	return m.history[len(m.history)-1].equity/m.dailyStart - 1
}

// MaxDrawdown returns equity/peak - 1 for the latest observation.
func (m *Manager) MaxDrawdown() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.history) == 0 || m.peak == 0 {
		return 0
	}
	return m.history[len(m.history)-1].equity/m.peak - 1
}

// KellySize returns the fractional Kelly bet for a win probability. Below
// the minimum probability the size is zero.
func (m *Manager) KellySize(probability float64) float64 {
	if probability < m.cfg.MinProbability {
		return 0
	}
	b := m.cfg.PayoffRatio
	q := 1 - probability
	kelly := (b*probability - q) / b
	if kelly <= 0 {
		return 0
	}
	return kelly * m.cfg.KellyFraction
}

// CorrelationFactor shrinks size as portfolio correlation rises past the
// threshold, floored at 0.5.
func (m *Manager) CorrelationFactor(portfolioCorr float64) float64 {
	excess := math.Max(0, portfolioCorr-m.cfg.CorrelationThreshold)
	return math.Max(0.5, 1-excess)
}

// Size computes the final position fraction for a decision:
// clip(kelly * corr_factor * cb_multiplier, min, max). A zero product stays
// zero rather than being clipped up to the minimum. At RED the decision is
// refused with ErrTradingHalted.
func (m *Manager) Size(confidence, portfolioCorr float64) (float64, error) {
	if m.breaker.State() == LevelRed {
		return 0, ErrTradingHalted
	}

	kelly := m.KellySize(confidence)
	if kelly == 0 {
		return 0, nil
	}

	size := kelly * m.CorrelationFactor(portfolioCorr) * m.breaker.Multiplier()
	if size <= 0 {
		return 0, nil
	}
	if size < m.cfg.MinSize {
		size = m.cfg.MinSize
	}
	if size > m.cfg.MaxSize {
		size = m.cfg.MaxSize
	}
	return size, nil
}

// EquityStats summarises the equity history for metrics rows.
type EquityStats struct {
	Latest      float64
	TotalReturn float64
	Sharpe      float64
	MaxDrawdown float64
}

// Stats derives summary metrics from the equity history.
func (m *Manager) Stats() EquityStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.history) == 0 {
		return EquityStats{}
	}

	first := m.history[0].equity
	latest := m.history[len(m.history)-1].equity

	stats := EquityStats{Latest: latest}
	if first > 0 {
		stats.TotalReturn = latest/first - 1
	}
	if m.peak > 0 {
		stats.MaxDrawdown = latest/m.peak - 1
	}

	// Sharpe over equity-to-equity returns.
	if len(m.history) > 2 {
		returns := make([]float64, 0, len(m.history)-1)
		for i := 1; i < len(m.history); i++ {
			prev := m.history[i-1].equity
			if prev > 0 {
				returns = append(returns, m.history[i].equity/prev-1)
			}
		}
		stats.Sharpe = sharpeRatio(returns)
	}
	return stats
}

func sharpeRatio(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var variance float64
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns) - 1)
	std := math.Sqrt(variance)
	if std == 0 {
		return 0
	}
	return mean / std
}
