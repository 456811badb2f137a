package liquidation

import (
	"math"
	"sort"
	"sync"
	"time"

	"ensemble-trading-engine/internal/clock"
	"ensemble-trading-engine/internal/logging"
	"ensemble-trading-engine/internal/market"
)

// Config holds cascade detection settings.
type Config struct {
	Window            time.Duration // event ring span
	ClusteringWindow  time.Duration // gaps at or below this count as clustered
	CascadeThreshold  float64
	VolumeSpikeFactor float64 // spike ratio mapping to sub-score 1.0
	PriceImpactNorm   float64 // price range fraction mapping to sub-score 1.0
}

// Score breaks the cascade probability into its weighted sub-scores.
type Score struct {
	VolumeSpike     float64
	TimeClustering  float64
	DirectionalBias float64
	PriceImpact     float64
	Total           float64
	EventCount      int
}

// Detector keeps a time-windowed ring of liquidation events and scores the
// probability that a cascade is underway. Sub-score weights are fixed:
// 35% volume spike, 25% time clustering, 20% directional bias, 20% price
// impact.
type Detector struct {
	mu     sync.Mutex
	cfg    Config
	clk    clock.Clock
	events []market.LiquidationEvent
	logger *logging.Logger
}

func NewDetector(cfg Config, clk clock.Clock, logger *logging.Logger) *Detector {
	if cfg.Window <= 0 {
		cfg.Window = 300 * time.Second
	}
	if cfg.ClusteringWindow <= 0 {
		cfg.ClusteringWindow = 60 * time.Second
	}
	if cfg.CascadeThreshold <= 0 {
		cfg.CascadeThreshold = 0.6
	}
	if cfg.VolumeSpikeFactor <= 0 {
		cfg.VolumeSpikeFactor = 3.0
	}
	if cfg.PriceImpactNorm <= 0 {
		cfg.PriceImpactNorm = 0.05
	}
	return &Detector{
		cfg:    cfg,
		clk:    clk,
		logger: logger.WithComponent("liquidation"),
	}
}

// Record appends events and drops everything older than the window.
func (d *Detector) Record(events []market.LiquidationEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.events = append(d.events, events...)
	d.prune()
}

func (d *Detector) prune() {
	cutoff := d.clk.Now().Add(-d.cfg.Window)
	kept := d.events[:0]
	for _, ev := range d.events {
		if !ev.Timestamp.Before(cutoff) {
			kept = append(kept, ev)
		}
	}
	d.events = kept
}

// Evaluate computes the current cascade score. A score at or above the
// threshold means the orchestrator should run the configured cascade action.
func (d *Detector) Evaluate() Score {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.prune()

	n := len(d.events)
	if n == 0 {
		return Score{}
	}

	events := make([]market.LiquidationEvent, n)
	copy(events, d.events)
	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	s := Score{
		VolumeSpike:     d.volumeSpike(events),
		TimeClustering:  d.timeClustering(events),
		DirectionalBias: directionalBias(events),
		PriceImpact:     d.priceImpact(events),
		EventCount:      n,
	}
	s.Total = 0.35*s.VolumeSpike + 0.25*s.TimeClustering + 0.20*s.DirectionalBias + 0.20*s.PriceImpact

	if s.Total >= d.cfg.CascadeThreshold {
		d.logger.Warn("cascade score above threshold",
			"score", s.Total, "events", n,
			"volume_spike", s.VolumeSpike, "clustering", s.TimeClustering,
			"bias", s.DirectionalBias, "impact", s.PriceImpact)
	}
	return s
}

// Triggered reports whether the current score crosses the threshold.
func (d *Detector) Triggered() (Score, bool) {
	s := d.Evaluate()
	return s, s.Total >= d.cfg.CascadeThreshold
}

// volumeSpike compares the recent half-window notional to the baseline half.
// With an empty baseline the sub-score falls back to an event-count
// heuristic: ten or more events saturate it.
func (d *Detector) volumeSpike(events []market.LiquidationEvent) float64 {
	now := d.clk.Now()
	half := now.Add(-d.cfg.Window / 2)

	var recent, baseline float64
	for _, ev := range events {
		notional := ev.Size
		if ev.Timestamp.Before(half) {
			baseline += notional
		} else {
			recent += notional
		}
	}

	if baseline == 0 {
		return math.Min(1, float64(len(events))/10)
	}
	ratio := recent / baseline
	return math.Min(1, ratio/d.cfg.VolumeSpikeFactor)
}

// timeClustering is the fraction of consecutive gaps at or below the
// clustering window.
func (d *Detector) timeClustering(events []market.LiquidationEvent) float64 {
	if len(events) < 2 {
		return 0
	}
	clustered := 0
	for i := 1; i < len(events); i++ {
		if events[i].Timestamp.Sub(events[i-1].Timestamp) <= d.cfg.ClusteringWindow {
			clustered++
		}
	}
	return float64(clustered) / float64(len(events)-1)
}

func directionalBias(events []market.LiquidationEvent) float64 {
	var long, short int
	for _, ev := range events {
		if ev.Side == market.LiquidationLong {
			long++
		} else {
			short++
		}
	}
	total := long + short
	if total == 0 {
		return 0
	}
	return math.Abs(float64(long-short)) / float64(total)
}

// priceImpact is the price range over the window relative to the mid,
// normalised so PriceImpactNorm (default 5%) maps to 1.0.
func (d *Detector) priceImpact(events []market.LiquidationEvent) float64 {
	min, max := events[0].Price, events[0].Price
	for _, ev := range events[1:] {
		if ev.Price < min {
			min = ev.Price
		}
		if ev.Price > max {
			max = ev.Price
		}
	}
	mid := (min + max) / 2
	if mid <= 0 {
		return 0
	}
	impact := (max - min) / mid
	return math.Min(1, impact/d.cfg.PriceImpactNorm)
}
