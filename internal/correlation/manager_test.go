package correlation

import (
	"math"
	"testing"

	"ensemble-trading-engine/internal/logging"
	"ensemble-trading-engine/internal/strategy"
)

func newTestManager() *Manager {
	return NewManager(Config{Lookback: 60, Method: "pearson", Threshold: 0.7}, logging.Nop())
}

func feed(m *Manager, id string, returns []float64) {
	for _, r := range returns {
		m.AddReturn(id, r)
	}
}

func TestPairwisePerfectCorrelation(t *testing.T) {
	m := newTestManager()
	feed(m, "a", []float64{0.01, -0.02, 0.03, 0.01, -0.01})
	feed(m, "b", []float64{0.02, -0.04, 0.06, 0.02, -0.02})

	rho := m.Pairwise("a", "b")
	if math.Abs(rho-1) > 1e-9 {
		t.Errorf("scaled copies should correlate 1, got %.4f", rho)
	}
}

func TestPairwiseAntiCorrelation(t *testing.T) {
	m := newTestManager()
	feed(m, "a", []float64{0.01, -0.02, 0.03})
	feed(m, "b", []float64{-0.01, 0.02, -0.03})

	rho := m.Pairwise("a", "b")
	if math.Abs(rho+1) > 1e-9 {
		t.Errorf("mirrored returns should correlate -1, got %.4f", rho)
	}
}

func TestSingleSampleIsNoOp(t *testing.T) {
	m := newTestManager()
	m.AddReturn("a", 0.01)
	m.AddReturn("b", 0.02)

	if rho := m.Pairwise("a", "b"); rho != 0 {
		t.Errorf("one common sample should yield 0, got %.4f", rho)
	}

	sig := &strategy.Signal{StrategyID: "a", Confidence: 0.8}
	out := m.Adjust([]*strategy.Signal{sig}, []string{"b"})
	if out[0].Confidence != 0.8 {
		t.Errorf("confidence changed on no-op: %.4f", out[0].Confidence)
	}
}

func TestAdjustPenalisesCorrelatedSignal(t *testing.T) {
	m := newTestManager()
	// a and b move in lockstep; rho = 1, penalty = 1 - (1 - 0.7) = 0.7.
	feed(m, "a", []float64{0.01, -0.02, 0.03, 0.02})
	feed(m, "b", []float64{0.01, -0.02, 0.03, 0.02})

	sig := &strategy.Signal{StrategyID: "a", Confidence: 0.8}
	out := m.Adjust([]*strategy.Signal{sig}, []string{"b"})

	want := 0.8 * 0.7
	if math.Abs(out[0].Confidence-want) > 1e-9 {
		t.Errorf("confidence = %.4f, want %.4f", out[0].Confidence, want)
	}
}

func TestPenaltyFactorFloor(t *testing.T) {
	m := newTestManager()
	// Even an impossible rho cannot push the factor below 0.5.
	if f := m.PenaltyFactor(5); f != 0.5 {
		t.Errorf("factor = %.2f, want 0.5 floor", f)
	}
	if f := m.PenaltyFactor(0.5); f != 1 {
		t.Errorf("below-threshold rho should not penalise, got %.2f", f)
	}
}

func TestPortfolioCorrelation(t *testing.T) {
	m := newTestManager()
	feed(m, "a", []float64{0.01, -0.02, 0.03})
	feed(m, "b", []float64{0.01, -0.02, 0.03})
	feed(m, "c", []float64{-0.01, 0.02, -0.03})

	// |rho(a,b)|=1, |rho(a,c)|=1, |rho(b,c)|=1 -> mean 1.
	rho := m.PortfolioCorrelation([]string{"a", "b", "c"})
	if math.Abs(rho-1) > 1e-9 {
		t.Errorf("portfolio corr = %.4f, want 1", rho)
	}
}

func TestPortfolioCorrelationFractionalMean(t *testing.T) {
	m := newTestManager()
	feed(m, "a", []float64{0.01, -0.02, 0.03})
	feed(m, "b", []float64{0.01, -0.02, 0.03})
	m.AddReturn("c", 0.01) // one sample, every pair with c scores 0

	// Pairs: |rho(a,b)|=1, |rho(a,c)|=0, |rho(b,c)|=0 -> mean 1/3.
	rho := m.PortfolioCorrelation([]string{"a", "b", "c"})
	if math.Abs(rho-1.0/3.0) > 1e-9 {
		t.Errorf("portfolio corr = %.4f, want 0.3333", rho)
	}
}

func TestSpearmanHandlesMonotonicNonlinear(t *testing.T) {
	m := NewManager(Config{Lookback: 60, Method: "spearman", Threshold: 0.7}, logging.Nop())
	feed(m, "a", []float64{0.01, 0.02, 0.03, 0.04})
	feed(m, "b", []float64{0.001, 0.008, 0.2, 0.9}) // monotonic, not linear

	rho := m.Pairwise("a", "b")
	if math.Abs(rho-1) > 1e-9 {
		t.Errorf("spearman on monotonic data = %.4f, want 1", rho)
	}
}
