package liquidation

import (
	"testing"
	"time"

	"ensemble-trading-engine/internal/clock"
	"ensemble-trading-engine/internal/logging"
	"ensemble-trading-engine/internal/market"
)

func newTestDetector(clk clock.Clock) *Detector {
	return NewDetector(Config{
		Window:           300 * time.Second,
		ClusteringWindow: 60 * time.Second,
		CascadeThreshold: 0.6,
	}, clk, logging.Nop())
}

func TestDetectorEmptyRingScoresZero(t *testing.T) {
	clk := clock.NewSimulated(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	d := newTestDetector(clk)

	score, triggered := d.Triggered()
	if triggered || score.Total != 0 {
		t.Errorf("empty ring should score 0, got %.2f", score.Total)
	}
}

func TestDetectorCascadeBurstTriggers(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewSimulated(start.Add(50 * time.Second))
	d := newTestDetector(clk)

	// 12 LONG liquidations within 45 seconds, prices spanning 6%.
	events := make([]market.LiquidationEvent, 12)
	price := 100.0
	for i := range events {
		events[i] = market.LiquidationEvent{
			Timestamp: start.Add(time.Duration(i*4) * time.Second),
			Symbol:    "AAA",
			Size:      5000,
			Price:     price,
			Side:      market.LiquidationLong,
		}
		price -= 0.55 // walks down ~6% across the burst
	}
	d.Record(events)

	score, triggered := d.Triggered()
	if !triggered {
		t.Fatalf("burst should trigger, score %.3f", score.Total)
	}
	if score.TimeClustering != 1 {
		t.Errorf("4s gaps should fully cluster, got %.2f", score.TimeClustering)
	}
	if score.DirectionalBias != 1 {
		t.Errorf("all-LONG burst should have bias 1, got %.2f", score.DirectionalBias)
	}
	if score.PriceImpact < 0.9 {
		t.Errorf("6%% range should saturate impact, got %.2f", score.PriceImpact)
	}
}

func TestDetectorScatteredEventsDoNotTrigger(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewSimulated(start.Add(280 * time.Second))
	d := newTestDetector(clk)

	// Three events spread far apart, balanced sides, flat prices.
	d.Record([]market.LiquidationEvent{
		{Timestamp: start, Symbol: "AAA", Size: 100, Price: 100, Side: market.LiquidationLong},
		{Timestamp: start.Add(120 * time.Second), Symbol: "AAA", Size: 100, Price: 100.1, Side: market.LiquidationShort},
		{Timestamp: start.Add(250 * time.Second), Symbol: "AAA", Size: 100, Price: 99.9, Side: market.LiquidationLong},
	})

	score, triggered := d.Triggered()
	if triggered {
		t.Errorf("scattered events should not trigger, score %.3f", score.Total)
	}
}

func TestDetectorPrunesOldEvents(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewSimulated(start)
	d := newTestDetector(clk)

	d.Record([]market.LiquidationEvent{
		{Timestamp: start, Symbol: "AAA", Size: 100, Price: 100, Side: market.LiquidationLong},
	})
	clk.Advance(10 * time.Minute)

	score := d.Evaluate()
	if score.EventCount != 0 {
		t.Errorf("events past the window should be pruned, count %d", score.EventCount)
	}
}

func TestDetectorVolumeSpikeAgainstBaseline(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewSimulated(start.Add(290 * time.Second))
	d := newTestDetector(clk)

	// Baseline half (older than 150s ago): small notional. Recent half: 10x.
	d.Record([]market.LiquidationEvent{
		{Timestamp: start.Add(10 * time.Second), Symbol: "AAA", Size: 1000, Price: 100, Side: market.LiquidationLong},
		{Timestamp: start.Add(270 * time.Second), Symbol: "AAA", Size: 10000, Price: 99, Side: market.LiquidationLong},
	})

	score := d.Evaluate()
	// Ratio 10 against a 3x normalisation saturates the sub-score.
	if score.VolumeSpike != 1 {
		t.Errorf("volume spike = %.2f, want 1", score.VolumeSpike)
	}
}
