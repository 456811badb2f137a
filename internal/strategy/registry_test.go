package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"ensemble-trading-engine/internal/events"
	"ensemble-trading-engine/internal/logging"
	"ensemble-trading-engine/internal/market"
	"ensemble-trading-engine/internal/portfolio"
)

// stubStrategy emits a fixed signal or fails on demand.
type stubStrategy struct {
	name     string
	signal   *Signal
	err      error
	panics   bool
	sleepFor time.Duration
	fills    int
}

func (s *stubStrategy) Name() string { return s.name }

func (s *stubStrategy) GenerateSignal(frame *market.Frame) (*Signal, error) {
	if s.panics {
		panic("boom")
	}
	if s.sleepFor > 0 {
		time.Sleep(s.sleepFor)
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.signal, nil
}

func (s *stubStrategy) OnTradeFilled(tr *portfolio.TradeRecord) { s.fills++ }

func buySignal(name string, conf float64) *Signal {
	return &Signal{
		StrategyID: name,
		Symbol:     "AAA",
		Action:     ActionBuy,
		Confidence: conf,
		EntryPrice: 100,
	}
}

func testFrames() map[string]*market.Frame {
	return map[string]*market.Frame{
		"AAA": {Symbol: "AAA", Close: 100, Timestamp: time.Now()},
	}
}

func TestRegistryCollectsSignals(t *testing.T) {
	r := NewRegistry(RegistryConfig{}, events.NewBus(), logging.Nop())
	r.Register(&stubStrategy{name: "s1", signal: buySignal("s1", 0.8)})
	r.Register(&stubStrategy{name: "s2", signal: nil}) // HOLD

	signals := r.Collect(context.Background(), testFrames())
	if len(signals) != 1 {
		t.Fatalf("expected 1 signal, got %d", len(signals))
	}
	if signals[0].StrategyID != "s1" {
		t.Errorf("unexpected strategy id %s", signals[0].StrategyID)
	}
}

func TestRegistryRecoversPanic(t *testing.T) {
	r := NewRegistry(RegistryConfig{}, events.NewBus(), logging.Nop())
	r.Register(&stubStrategy{name: "bad", panics: true})
	r.Register(&stubStrategy{name: "good", signal: buySignal("good", 0.7)})

	signals := r.Collect(context.Background(), testFrames())
	if len(signals) != 1 || signals[0].StrategyID != "good" {
		t.Errorf("panicking strategy should not affect others, got %d signals", len(signals))
	}
}

func TestRegistryTimesOutSlowStrategy(t *testing.T) {
	r := NewRegistry(RegistryConfig{SignalTimeout: 20 * time.Millisecond}, events.NewBus(), logging.Nop())
	r.Register(&stubStrategy{name: "slow", sleepFor: 200 * time.Millisecond, signal: buySignal("slow", 0.9)})

	signals := r.Collect(context.Background(), testFrames())
	if len(signals) != 0 {
		t.Errorf("slow strategy should contribute nothing, got %d signals", len(signals))
	}
}

func TestRegistryDisablesAfterConsecutiveFaults(t *testing.T) {
	r := NewRegistry(RegistryConfig{MaxConsecutiveFaults: 3}, events.NewBus(), logging.Nop())
	r.Register(&stubStrategy{name: "flaky", err: errors.New("indicator failure")})

	for i := 0; i < 3; i++ {
		r.Collect(context.Background(), testFrames())
	}
	if r.Enabled("flaky") {
		t.Error("strategy should be disabled after 3 consecutive faults")
	}

	// Re-arming resets the fault count.
	r.SetEnabled("flaky", true)
	if !r.Enabled("flaky") {
		t.Error("strategy should be enabled after reset")
	}
}

func TestRegistryFaultCountResetsOnSuccess(t *testing.T) {
	stub := &stubStrategy{name: "s", err: errors.New("fail")}
	r := NewRegistry(RegistryConfig{MaxConsecutiveFaults: 3}, events.NewBus(), logging.Nop())
	r.Register(stub)

	r.Collect(context.Background(), testFrames())
	r.Collect(context.Background(), testFrames())
	stub.err = nil
	stub.signal = buySignal("s", 0.6)
	r.Collect(context.Background(), testFrames())
	stub.err = errors.New("fail again")
	stub.signal = nil
	r.Collect(context.Background(), testFrames())
	r.Collect(context.Background(), testFrames())

	if !r.Enabled("s") {
		t.Error("success in between should reset the consecutive fault count")
	}
}

func TestRegistryRoutesFills(t *testing.T) {
	stub := &stubStrategy{name: "s1"}
	r := NewRegistry(RegistryConfig{}, events.NewBus(), logging.Nop())
	r.Register(stub)

	r.OnTradeFilled(&portfolio.TradeRecord{
		StrategyID: "s1", Symbol: "AAA", Action: "SELL",
		ExecutionPrice: 100, Size: 10, PnL: 50,
	})

	if stub.fills != 1 {
		t.Errorf("fill not routed, fills=%d", stub.fills)
	}
	snap := r.PerformanceSnapshots()["s1"]
	if snap.TradeCount != 1 {
		t.Errorf("performance not updated, trades=%d", snap.TradeCount)
	}
	if snap.WinRate != 1 {
		t.Errorf("win rate = %.2f, want 1", snap.WinRate)
	}
}
