package market

import (
	"math"
	"sort"
	"time"

	"ensemble-trading-engine/internal/clock"
	"ensemble-trading-engine/internal/logging"
)

// ValidatorConfig holds frame rejection thresholds.
type ValidatorConfig struct {
	MaxStaleness  time.Duration
	OutlierWindow int
	MADFactor     float64
}

// Validator rejects stale, malformed or outlier frames. It keeps a rolling
// window of accepted closes per symbol for the median/MAD outlier test.
type Validator struct {
	cfg     ValidatorConfig
	clk     clock.Clock
	history map[string][]float64
	logger  *logging.Logger
}

func NewValidator(cfg ValidatorConfig, clk clock.Clock, logger *logging.Logger) *Validator {
	if cfg.OutlierWindow <= 0 {
		cfg.OutlierWindow = 20
	}
	if cfg.MADFactor <= 0 {
		cfg.MADFactor = 5.0
	}
	return &Validator{
		cfg:     cfg,
		clk:     clk,
		history: make(map[string][]float64),
		logger:  logger.WithComponent("validator"),
	}
}

// Validate filters frames in place, returning the survivors and the number
// rejected. Each rejection is logged with its reason.
func (v *Validator) Validate(frames map[string]*Frame) (map[string]*Frame, int) {
	out := make(map[string]*Frame, len(frames))
	rejected := 0

	for sym, frame := range frames {
		if reason := v.check(frame); reason != "" {
			v.logger.Warn("frame rejected",
				"symbol", sym, "reason", reason, "close", frame.Close)
			rejected++
			continue
		}

		if frame.Bid > 0 && frame.Ask > 0 {
			mid := (frame.Bid + frame.Ask) / 2
			frame.SpreadBps = 10000 * (frame.Ask - frame.Bid) / mid
		}

		v.record(sym, frame.Close)
		out[sym] = frame
	}
	return out, rejected
}

func (v *Validator) check(frame *Frame) string {
	if frame.Close <= 0 {
		return "non_positive_close"
	}
	if v.cfg.MaxStaleness > 0 && v.clk.Now().Sub(frame.Timestamp) > v.cfg.MaxStaleness {
		return "stale"
	}

	closes := v.history[frame.Symbol]
	if len(closes) >= 5 {
		med := median(closes)
		mad := medianAbsDeviation(closes, med)
		if mad > 0 && math.Abs(frame.Close-med) > v.cfg.MADFactor*mad {
			return "outlier"
		}
	}
	return ""
}

func (v *Validator) record(symbol string, close float64) {
	h := append(v.history[symbol], close)
	if len(h) > v.cfg.OutlierWindow {
		h = h[len(h)-v.cfg.OutlierWindow:]
	}
	v.history[symbol] = h
}

func median(xs []float64) float64 {
	sorted := make([]float64, len(xs))
	copy(sorted, xs)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func medianAbsDeviation(xs []float64, med float64) float64 {
	devs := make([]float64, len(xs))
	for i, x := range xs {
		devs[i] = math.Abs(x - med)
	}
	return median(devs)
}
