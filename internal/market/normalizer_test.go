package market

import (
	"math"
	"testing"
	"time"

	"ensemble-trading-engine/internal/logging"
)

func TestNormalizerClipsZScores(t *testing.T) {
	n := NewNormalizer(NormalizerConfig{Window: 50, Clip: 3}, logging.Nop())
	ts := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	// Stable history at 100, then a huge spike.
	for i := 0; i < 30; i++ {
		close := 100 + 0.1*float64(i%3)
		n.Normalize(map[string]*Frame{"AAA": testFrame("AAA", close, ts)})
		ts = ts.Add(time.Minute)
	}
	out := n.Normalize(map[string]*Frame{"AAA": testFrame("AAA", 500, ts)})

	z := out["AAA"].Features.CloseZ
	if z != 3 {
		t.Errorf("expected z-score clipped to 3, got %.4f", z)
	}
}

func TestNormalizerPreservesOriginalPrices(t *testing.T) {
	n := NewNormalizer(NormalizerConfig{}, logging.Nop())
	ts := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	frame := testFrame("AAA", 123.45, ts)
	out := n.Normalize(map[string]*Frame{"AAA": frame})

	if out["AAA"].Close != 123.45 {
		t.Errorf("close mutated: %.2f", out["AAA"].Close)
	}
	if out["AAA"].Features == nil {
		t.Fatal("features not attached")
	}
}

func TestNormalizerInsufficientHistoryYieldsZero(t *testing.T) {
	n := NewNormalizer(NormalizerConfig{}, logging.Nop())
	ts := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	out := n.Normalize(map[string]*Frame{"AAA": testFrame("AAA", 100, ts)})
	f := out["AAA"].Features
	if f.CloseZ != 0 || f.VolumeZ != 0 {
		t.Errorf("expected zero features with one sample, got %+v", f)
	}
}

func TestNormalizerVolatilityAttached(t *testing.T) {
	n := NewNormalizer(NormalizerConfig{}, logging.Nop())
	ts := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	n.Normalize(map[string]*Frame{"AAA": testFrame("AAA", 100, ts)})
	out := n.Normalize(map[string]*Frame{"AAA": testFrame("AAA", 102, ts.Add(time.Minute))})

	// Last return was 2%; rolling vol should reflect it.
	vol := out["AAA"].Volatility
	if vol <= 0 || math.Abs(vol-0.013) > 0.02 {
		t.Errorf("unexpected volatility %.4f", vol)
	}
}
