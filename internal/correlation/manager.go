package correlation

import (
	"math"
	"sort"
	"sync"

	"ensemble-trading-engine/internal/logging"
	"ensemble-trading-engine/internal/strategy"
)

// Config holds correlation tracking settings.
type Config struct {
	Lookback  int    // return samples kept per strategy
	Method    string // "pearson" or "spearman"
	Threshold float64
}

// Manager tracks pairwise strategy-return correlations and penalises signals
// that duplicate exposure the portfolio already carries. One writer per tick;
// reads take snapshots.
type Manager struct {
	mu      sync.RWMutex
	cfg     Config
	buffers map[string][]float64
	logger  *logging.Logger
}

func NewManager(cfg Config, logger *logging.Logger) *Manager {
	if cfg.Lookback <= 0 {
		cfg.Lookback = 60
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.7
	}
	if cfg.Method == "" {
		cfg.Method = "pearson"
	}
	return &Manager{
		cfg:     cfg,
		buffers: make(map[string][]float64),
		logger:  logger.WithComponent("correlation"),
	}
}

// AddReturn appends one realised return to a strategy's buffer.
func (m *Manager) AddReturn(strategyID string, r float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf := append(m.buffers[strategyID], r)
	if len(buf) > m.cfg.Lookback {
		buf = buf[len(buf)-m.cfg.Lookback:]
	}
	m.buffers[strategyID] = buf
}

// Pairwise returns the correlation between two strategies over their common
// sample length. Fewer than two common samples yields 0.
func (m *Manager) Pairwise(a, b string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pairwiseLocked(a, b)
}

func (m *Manager) pairwiseLocked(a, b string) float64 {
	x, y := m.buffers[a], m.buffers[b]
	n := len(x)
	if len(y) < n {
		n = len(y)
	}
	if n < 2 {
		return 0
	}
	x = x[len(x)-n:]
	y = y[len(y)-n:]

	if m.cfg.Method == "spearman" {
		return pearson(ranks(x), ranks(y))
	}
	return pearson(x, y)
}

// PortfolioCorrelation is the mean of upper-triangle absolute pairwise
// correlations across the given strategies.
func (m *Manager) PortfolioCorrelation(strategyIDs []string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum float64
	var count int
	for i := 0; i < len(strategyIDs); i++ {
		for j := i + 1; j < len(strategyIDs); j++ {
			sum += math.Abs(m.pairwiseLocked(strategyIDs[i], strategyIDs[j]))
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// PenaltyFactor maps a signal's mean correlation against held strategies to a
// confidence multiplier, floored at 0.5 so a signal is never erased outright.
func (m *Manager) PenaltyFactor(rho float64) float64 {
	if rho <= m.cfg.Threshold {
		return 1
	}
	return math.Max(0.5, 1-(rho-m.cfg.Threshold))
}

// Adjust scales signal confidence down for strategies correlated with the
// holders of current positions. With fewer than two samples anywhere this is
// a no-op and the signals pass through unchanged.
func (m *Manager) Adjust(signals []*strategy.Signal, holdingStrategies []string) []*strategy.Signal {
	if len(holdingStrategies) == 0 {
		return signals
	}

	for _, sig := range signals {
		var sum float64
		var count int
		for _, holder := range holdingStrategies {
			if holder == sig.StrategyID {
				continue
			}
			rho := m.Pairwise(sig.StrategyID, holder)
			if rho != 0 {
				sum += math.Abs(rho)
				count++
			}
		}
		if count == 0 {
			continue
		}
		rho := sum / float64(count)
		if factor := m.PenaltyFactor(rho); factor < 1 {
			m.logger.Debug("correlation penalty applied",
				"strategy", sig.StrategyID, "rho", rho, "factor", factor)
			sig.Confidence *= factor
		}
	}
	return signals
}

func pearson(x, y []float64) float64 {
	n := len(x)
	if n < 2 || n != len(y) {
		return 0
	}

	var sumX, sumY float64
	for i := 0; i < n; i++ {
		sumX += x[i]
		sumY += y[i]
	}
	meanX, meanY := sumX/float64(n), sumY/float64(n)

	var cov, varX, varY float64
	for i := 0; i < n; i++ {
		dx, dy := x[i]-meanX, y[i]-meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 0
	}
	return cov / math.Sqrt(varX*varY)
}

// ranks converts samples to their ranks, averaging ties.
func ranks(xs []float64) []float64 {
	type indexed struct {
		value float64
		index int
	}
	sorted := make([]indexed, len(xs))
	for i, x := range xs {
		sorted[i] = indexed{value: x, index: i}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].value < sorted[j].value })

	out := make([]float64, len(xs))
	i := 0
	for i < len(sorted) {
		j := i
		for j+1 < len(sorted) && sorted[j+1].value == sorted[i].value {
			j++
		}
		avgRank := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			out[sorted[k].index] = avgRank
		}
		i = j + 1
	}
	return out
}
