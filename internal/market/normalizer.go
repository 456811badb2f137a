package market

import (
	"math"

	"ensemble-trading-engine/internal/logging"
)

// NormalizerConfig holds rolling z-score settings.
type NormalizerConfig struct {
	Window int
	Clip   float64
}

// Normalizer maintains per-symbol rolling windows of close, volume and
// realised volatility and attaches clipped z-scored features to each frame.
// Original prices are never touched; execution math uses them directly.
type Normalizer struct {
	cfg     NormalizerConfig
	windows map[string]*symbolWindow
	logger  *logging.Logger
}

type symbolWindow struct {
	closes  []float64
	volumes []float64
	vols    []float64
}

func NewNormalizer(cfg NormalizerConfig, logger *logging.Logger) *Normalizer {
	if cfg.Window <= 0 {
		cfg.Window = 252
	}
	if cfg.Clip <= 0 {
		cfg.Clip = 3.0
	}
	return &Normalizer{
		cfg:     cfg,
		windows: make(map[string]*symbolWindow),
		logger:  logger.WithComponent("normalizer"),
	}
}

// Normalize updates the rolling windows and attaches features. Frames are
// returned in the same map; a symbol with too little history gets zero-valued
// features rather than being dropped.
func (n *Normalizer) Normalize(frames map[string]*Frame) map[string]*Frame {
	for sym, frame := range frames {
		w, ok := n.windows[sym]
		if !ok {
			w = &symbolWindow{}
			n.windows[sym] = w
		}

		// Realised volatility from the last return; falls back to the
		// candle range when there is no prior close.
		vol := 0.0
		if len(w.closes) > 0 {
			prev := w.closes[len(w.closes)-1]
			if prev > 0 {
				vol = math.Abs(frame.Close/prev - 1)
			}
		} else if frame.Close > 0 {
			vol = (frame.High - frame.Low) / frame.Close
		}
		frame.Volatility = n.rollingVol(w, vol)

		w.closes = pushWindow(w.closes, frame.Close, n.cfg.Window)
		w.volumes = pushWindow(w.volumes, frame.Volume, n.cfg.Window)
		w.vols = pushWindow(w.vols, vol, n.cfg.Window)

		frame.Features = &Features{
			CloseZ:      n.zScore(w.closes, frame.Close),
			VolumeZ:     n.zScore(w.volumes, frame.Volume),
			VolatilityZ: n.zScore(w.vols, vol),
		}
	}
	return frames
}

// rollingVol is the mean of the recent per-bar volatility samples so a single
// quiet bar does not zero out the execution model's vol input.
func (n *Normalizer) rollingVol(w *symbolWindow, latest float64) float64 {
	if len(w.vols) == 0 {
		return latest
	}
	sum := latest
	count := 1.0
	start := 0
	if len(w.vols) > 20 {
		start = len(w.vols) - 20
	}
	for _, v := range w.vols[start:] {
		sum += v
		count++
	}
	return sum / count
}

func (n *Normalizer) zScore(window []float64, x float64) float64 {
	if len(window) < 2 {
		return 0
	}
	mean, std := meanStd(window)
	if std == 0 {
		return 0
	}
	z := (x - mean) / std
	if z > n.cfg.Clip {
		z = n.cfg.Clip
	} else if z < -n.cfg.Clip {
		z = -n.cfg.Clip
	}
	return z
}

func pushWindow(w []float64, x float64, max int) []float64 {
	w = append(w, x)
	if len(w) > max {
		w = w[len(w)-max:]
	}
	return w
}

func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))

	variance := 0.0
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	variance /= float64(len(xs))
	return mean, math.Sqrt(variance)
}
