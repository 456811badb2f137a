package risk

import (
	"errors"
	"math"
	"testing"
	"time"

	"ensemble-trading-engine/internal/clock"
	"ensemble-trading-engine/internal/logging"
)

func newTestManager(clk clock.Clock) *Manager {
	return NewManager(Config{
		KellyFraction:        0.25,
		PayoffRatio:          1.0,
		MinProbability:       0.5,
		MinSize:              0.01,
		MaxSize:              0.1,
		CorrelationThreshold: 0.7,
	}, BreakerConfig{
		Level1Drawdown: -0.05,
		Level2Drawdown: -0.10,
		Level3Drawdown: -0.15,
		Cooldown:       30 * time.Minute,
	}, clk, logging.Nop())
}

func TestKellySizeHappyPath(t *testing.T) {
	clk := clock.NewSimulated(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	m := newTestManager(clk)
	m.UpdateEquity(10000)

	// p=0.75, b=1: raw kelly = 0.5, quarter fraction = 0.125, clipped to 0.1.
	size, err := m.Size(0.75, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(size-0.1) > 1e-9 {
		t.Errorf("size = %.4f, want 0.1 (clipped)", size)
	}
}

func TestKellyZeroBelowMinProbability(t *testing.T) {
	clk := clock.NewSimulated(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	m := newTestManager(clk)

	size, err := m.Size(0.4, 0)
	if err != nil || size != 0 {
		t.Errorf("size below min probability should be 0, got %.4f err %v", size, err)
	}
}

func TestCorrelationFactorShrinksSize(t *testing.T) {
	clk := clock.NewSimulated(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	m := newTestManager(clk)

	if f := m.CorrelationFactor(0.9); math.Abs(f-0.8) > 1e-9 {
		t.Errorf("factor at rho 0.9 = %.4f, want 0.8", f)
	}
	if f := m.CorrelationFactor(0.3); f != 1 {
		t.Errorf("factor below threshold = %.4f, want 1", f)
	}
	if f := m.CorrelationFactor(5); f != 0.5 {
		t.Errorf("factor floor = %.4f, want 0.5", f)
	}
}

func TestCircuitBreakerLevels(t *testing.T) {
	clk := clock.NewSimulated(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	m := newTestManager(clk)

	m.UpdateEquity(10000)
	if m.Breaker().State() != LevelGreen {
		t.Fatalf("fresh breaker should be GREEN, got %s", m.Breaker().State())
	}

	if level := m.UpdateEquity(9400); level != LevelYellow1 {
		t.Errorf("-6%% should be YELLOW_1, got %s", level)
	}
	if mult := m.Breaker().Multiplier(); mult != 0.5 {
		t.Errorf("YELLOW_1 multiplier = %.2f, want 0.5", mult)
	}

	if level := m.UpdateEquity(8900); level != LevelYellow2 {
		t.Errorf("-11%% should be YELLOW_2, got %s", level)
	}
	if mult := m.Breaker().Multiplier(); mult != 0.25 {
		t.Errorf("YELLOW_2 multiplier = %.2f, want 0.25", mult)
	}
}

func TestCircuitBreakerRedRefusesTrades(t *testing.T) {
	clk := clock.NewSimulated(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	m := newTestManager(clk)

	m.UpdateEquity(10000)
	// Drop to -16%: straight to RED.
	if level := m.UpdateEquity(8400); level != LevelRed {
		t.Fatalf("-16%% should be RED, got %s", level)
	}

	_, err := m.Size(0.9, 0)
	if !errors.Is(err, ErrTradingHalted) {
		t.Errorf("RED breaker should refuse sizing, got err %v", err)
	}
}

func TestCircuitBreakerRecoveryNeedsCooldownAndDrawdown(t *testing.T) {
	clk := clock.NewSimulated(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	m := newTestManager(clk)

	m.UpdateEquity(10000)
	m.UpdateEquity(8400) // RED

	// Equity fully recovers but cooldown has not elapsed.
	clk.Advance(5 * time.Minute)
	if level := m.UpdateEquity(9900); level != LevelRed {
		t.Errorf("recovery before cooldown should stay RED, got %s", level)
	}

	// Cooldown elapsed but equity still below -5%: stays RED.
	clk.Advance(40 * time.Minute)
	if level := m.UpdateEquity(9000); level != LevelRed {
		t.Errorf("drawdown still past L1 should stay RED, got %s", level)
	}

	// Both conditions met: back to GREEN.
	if level := m.UpdateEquity(9900); level != LevelGreen {
		t.Errorf("full recovery should be GREEN, got %s", level)
	}
	if len(m.Breaker().History()) < 2 {
		t.Error("transitions should be recorded in history")
	}
}

func TestDailyStartResetsAtMidnightUTC(t *testing.T) {
	clk := clock.NewSimulated(time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC))
	m := newTestManager(clk)

	m.UpdateEquity(10000)
	m.UpdateEquity(9700) // -3% on the day, still GREEN
	if dd := m.DailyDrawdown(); math.Abs(dd+0.03) > 1e-9 {
		t.Errorf("daily dd = %.4f, want -0.03", dd)
	}

	// Cross midnight: the daily baseline resets to the next observation.
	clk.Advance(2 * time.Hour)
	m.UpdateEquity(9700)
	if dd := m.DailyDrawdown(); dd != 0 {
		t.Errorf("daily dd after midnight reset = %.4f, want 0", dd)
	}
}

func TestSizeNeverClippedUpFromZero(t *testing.T) {
	clk := clock.NewSimulated(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	m := newTestManager(clk)

	// p exactly 0.5 gives raw kelly 0: size must stay 0, not min_size.
	size, err := m.Size(0.5, 0)
	if err != nil || size != 0 {
		t.Errorf("zero kelly should stay 0, got %.4f", size)
	}
}
