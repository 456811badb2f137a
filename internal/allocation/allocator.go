package allocation

import (
	"math"
	"sync"
	"time"

	"ensemble-trading-engine/internal/clock"
	"ensemble-trading-engine/internal/logging"
)

const scoreEpsilon = 1e-6

// Config holds rebalance settings.
type Config struct {
	RebalanceInterval time.Duration
	ScoreMethod       string // "sharpe" or "winrate"
	SmoothingAlpha    float64
	MinWeight         float64
}

// StrategyScore is the allocator's view of one strategy's rolling stats.
type StrategyScore struct {
	Sharpe    float64
	WinRate   float64
	AvgReturn float64
}

// Allocator maintains per-strategy capital weights from rolling performance.
// Weights are recomputed on a schedule, EWMA smoothed against the previous
// allocation, floored and renormalised so they always sum to one.
type Allocator struct {
	mu            sync.RWMutex
	cfg           Config
	clk           clock.Clock
	weights       map[string]float64
	lastRebalance time.Time
	logger        *logging.Logger
}

func New(cfg Config, clk clock.Clock, logger *logging.Logger) *Allocator {
	if cfg.RebalanceInterval <= 0 {
		cfg.RebalanceInterval = time.Hour
	}
	if cfg.SmoothingAlpha <= 0 || cfg.SmoothingAlpha >= 1 {
		cfg.SmoothingAlpha = 0.7
	}
	if cfg.MinWeight <= 0 {
		cfg.MinWeight = 0.02
	}
	if cfg.ScoreMethod == "" {
		cfg.ScoreMethod = "sharpe"
	}
	return &Allocator{
		cfg:     cfg,
		clk:     clk,
		weights: make(map[string]float64),
		logger:  logger.WithComponent("allocator"),
	}
}

// Weights returns a copy of the current allocation.
func (a *Allocator) Weights() map[string]float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]float64, len(a.weights))
	for k, v := range a.weights {
		out[k] = v
	}
	return out
}

// MaybeRebalance recomputes weights when the interval has elapsed, or
// immediately when a strategy appears that has no weight yet. Returns the
// current allocation either way.
func (a *Allocator) MaybeRebalance(scores map[string]StrategyScore) map[string]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	newStrategy := false
	for id := range scores {
		if _, ok := a.weights[id]; !ok {
			newStrategy = true
			break
		}
	}

	due := a.lastRebalance.IsZero() || a.clk.Now().Sub(a.lastRebalance) >= a.cfg.RebalanceInterval
	if !due && !newStrategy {
		return a.copyWeights()
	}

	a.rebalance(scores)
	a.lastRebalance = a.clk.Now()
	return a.copyWeights()
}

func (a *Allocator) rebalance(scores map[string]StrategyScore) {
	if len(scores) == 0 {
		return
	}

	// New strategies start at equal weight before smoothing.
	equal := 1.0 / float64(len(scores))
	prev := make(map[string]float64, len(scores))
	for id := range scores {
		if w, ok := a.weights[id]; ok {
			prev[id] = w
		} else {
			prev[id] = equal
		}
	}

	raw := make(map[string]float64, len(scores))
	var total float64
	for id, sc := range scores {
		s := a.score(sc)
		raw[id] = s
		total += s
	}

	weights := make(map[string]float64, len(scores))
	if total <= 0 {
		for id := range scores {
			weights[id] = equal
		}
	} else {
		for id, s := range raw {
			weights[id] = s / total
		}
	}

	// EWMA against the previous allocation.
	alpha := a.cfg.SmoothingAlpha
	for id := range weights {
		weights[id] = alpha*prev[id] + (1-alpha)*weights[id]
	}

	normalize(weights)
	floorAndRenormalize(weights, a.cfg.MinWeight)

	a.weights = weights
	a.logger.Debug("rebalanced", "strategies", len(weights))
}

func (a *Allocator) score(sc StrategyScore) float64 {
	switch a.cfg.ScoreMethod {
	case "winrate":
		s := sc.WinRate * sc.AvgReturn
		return math.Max(scoreEpsilon, s)
	default:
		return math.Max(scoreEpsilon, sc.Sharpe)
	}
}

func (a *Allocator) copyWeights() map[string]float64 {
	out := make(map[string]float64, len(a.weights))
	for k, v := range a.weights {
		out[k] = v
	}
	return out
}

func normalize(weights map[string]float64) {
	var total float64
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		return
	}
	for id := range weights {
		weights[id] /= total
	}
}

// floorAndRenormalize lifts every weight to at least the floor, then
// renormalises. With the default 2% floor this converges in one pass for any
// realistic strategy count.
func floorAndRenormalize(weights map[string]float64, floor float64) {
	for i := 0; i < 10; i++ {
		raised := false
		for id, w := range weights {
			if w < floor {
				weights[id] = floor
				raised = true
			}
		}
		normalize(weights)
		if !raised {
			return
		}
		all := true
		for _, w := range weights {
			if w < floor-1e-12 {
				all = false
				break
			}
		}
		if all {
			return
		}
	}
}
