package strategy

import (
	"math"
	"sync"
)

// Performance keeps a rolling buffer of a strategy's realised trade returns
// and derives the score inputs the allocator and correlation manager read.
type Performance struct {
	mu         sync.RWMutex
	returns    []float64
	window     int
	tradeCount int
}

// PerformanceSnapshot is a point-in-time read of a strategy's stats.
type PerformanceSnapshot struct {
	StrategyID string
	Returns    []float64
	Sharpe     float64
	WinRate    float64
	AvgReturn  float64
	TradeCount int
}

func NewPerformance(window int) *Performance {
	if window <= 0 {
		window = 20
	}
	return &Performance{window: window}
}

// AddReturn records one realised trade return (fractional, e.g. 0.02).
func (p *Performance) AddReturn(r float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.returns = append(p.returns, r)
	if len(p.returns) > p.window {
		p.returns = p.returns[len(p.returns)-p.window:]
	}
	p.tradeCount++
}

// Snapshot returns a copy of the current stats.
func (p *Performance) Snapshot(strategyID string) PerformanceSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	returns := make([]float64, len(p.returns))
	copy(returns, p.returns)

	return PerformanceSnapshot{
		StrategyID: strategyID,
		Returns:    returns,
		Sharpe:     sharpe(p.returns),
		WinRate:    winRate(p.returns),
		AvgReturn:  avg(p.returns),
		TradeCount: p.tradeCount,
	}
}

func sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean := avg(returns)
	variance := 0.0
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

func winRate(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	wins := 0
	for _, r := range returns {
		if r > 0 {
			wins++
		}
	}
	return float64(wins) / float64(len(returns))
}

func avg(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
