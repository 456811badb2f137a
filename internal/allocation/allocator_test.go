package allocation

import (
	"math"
	"testing"
	"time"

	"ensemble-trading-engine/internal/clock"
	"ensemble-trading-engine/internal/logging"
)

func newTestAllocator(clk clock.Clock) *Allocator {
	return New(Config{
		RebalanceInterval: time.Hour,
		ScoreMethod:       "sharpe",
		SmoothingAlpha:    0.7,
		MinWeight:         0.02,
	}, clk, logging.Nop())
}

func assertSumsToOne(t *testing.T, weights map[string]float64) {
	t.Helper()
	var sum float64
	for _, w := range weights {
		sum += w
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Errorf("weights sum to %.12f, want 1", sum)
	}
}

func TestNewStrategiesStartEqualWeight(t *testing.T) {
	clk := clock.NewSimulated(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	a := newTestAllocator(clk)

	w := a.MaybeRebalance(map[string]StrategyScore{
		"s1": {}, "s2": {}, "s3": {},
	})

	assertSumsToOne(t, w)
	for id, weight := range w {
		if math.Abs(weight-1.0/3) > 1e-9 {
			t.Errorf("%s weight = %.4f, want 1/3", id, weight)
		}
	}
}

func TestBetterSharpeEarnsMoreWeight(t *testing.T) {
	clk := clock.NewSimulated(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	a := newTestAllocator(clk)

	a.MaybeRebalance(map[string]StrategyScore{"s1": {}, "s2": {}})
	clk.Advance(2 * time.Hour)

	w := a.MaybeRebalance(map[string]StrategyScore{
		"s1": {Sharpe: 2.0},
		"s2": {Sharpe: 0.5},
	})

	assertSumsToOne(t, w)
	if w["s1"] <= w["s2"] {
		t.Errorf("s1 (sharpe 2.0) should outweigh s2 (0.5): %.4f vs %.4f", w["s1"], w["s2"])
	}
}

func TestWeightsRespectFloor(t *testing.T) {
	clk := clock.NewSimulated(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	a := New(Config{
		RebalanceInterval: time.Hour,
		SmoothingAlpha:    0.01, // nearly no smoothing so the raw skew shows
		MinWeight:         0.02,
	}, clk, logging.Nop())

	a.MaybeRebalance(map[string]StrategyScore{"s1": {}, "s2": {}, "s3": {}})
	clk.Advance(2 * time.Hour)

	w := a.MaybeRebalance(map[string]StrategyScore{
		"s1": {Sharpe: 100},
		"s2": {Sharpe: 0.0001},
		"s3": {Sharpe: 0.0001},
	})

	assertSumsToOne(t, w)
	for id, weight := range w {
		if weight < 0.02-1e-9 {
			t.Errorf("%s weight %.6f below floor", id, weight)
		}
	}
}

func TestNoRebalanceBeforeInterval(t *testing.T) {
	clk := clock.NewSimulated(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	a := newTestAllocator(clk)

	first := a.MaybeRebalance(map[string]StrategyScore{"s1": {}, "s2": {}})
	clk.Advance(10 * time.Minute)

	// Scores changed, but the interval has not elapsed.
	second := a.MaybeRebalance(map[string]StrategyScore{
		"s1": {Sharpe: 5},
		"s2": {Sharpe: 0.1},
	})

	for id := range first {
		if first[id] != second[id] {
			t.Errorf("weights changed before rebalance interval: %s %.4f -> %.4f", id, first[id], second[id])
		}
	}
}

func TestSmoothingDampensSwing(t *testing.T) {
	clk := clock.NewSimulated(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	a := newTestAllocator(clk)

	a.MaybeRebalance(map[string]StrategyScore{"s1": {}, "s2": {}})
	clk.Advance(2 * time.Hour)

	// Raw allocation would give s1 nearly everything; EWMA with alpha 0.7
	// keeps it anchored near the previous 0.5.
	w := a.MaybeRebalance(map[string]StrategyScore{
		"s1": {Sharpe: 100},
		"s2": {Sharpe: 0.0001},
	})

	if w["s1"] > 0.85 {
		t.Errorf("smoothing too weak: s1 = %.4f", w["s1"])
	}
	if w["s1"] < 0.55 {
		t.Errorf("rebalance had no effect: s1 = %.4f", w["s1"])
	}
}
