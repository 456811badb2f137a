package strategy

import (
	"fmt"

	"ensemble-trading-engine/internal/market"
	"ensemble-trading-engine/internal/portfolio"
)

// BreakoutConfig configures the breakout strategy
type BreakoutConfig struct {
	Lookback   int     // bars forming the range
	MinVolumeZ float64 // volume z-score confirmation
	StopLoss   float64
	TakeProfit float64
}

// BreakoutStrategy triggers when the close breaks the recent range high with
// volume behind it. It keeps its own per-symbol range cache.
type BreakoutStrategy struct {
	config *BreakoutConfig
	highs  map[string][]float64
}

func NewBreakoutStrategy(config *BreakoutConfig) *BreakoutStrategy {
	if config.Lookback <= 0 {
		config.Lookback = 20
	}
	if config.StopLoss <= 0 {
		config.StopLoss = 0.03
	}
	if config.TakeProfit <= 0 {
		config.TakeProfit = 0.06
	}
	return &BreakoutStrategy{
		config: config,
		highs:  make(map[string][]float64),
	}
}

func (s *BreakoutStrategy) Name() string {
	return "breakout"
}

func (s *BreakoutStrategy) GenerateSignal(frame *market.Frame) (*Signal, error) {
	history := s.highs[frame.Symbol]

	defer func() {
		history = append(history, frame.High)
		if len(history) > s.config.Lookback {
			history = history[len(history)-s.config.Lookback:]
		}
		s.highs[frame.Symbol] = history
	}()

	if len(history) < s.config.Lookback {
		return nil, nil
	}

	rangeHigh := history[0]
	for _, h := range history[1:] {
		if h > rangeHigh {
			rangeHigh = h
		}
	}

	if frame.Close <= rangeHigh {
		return nil, nil
	}
	if frame.Features != nil && frame.Features.VolumeZ < s.config.MinVolumeZ {
		return nil, nil
	}

	// Confidence grows with how decisively the range broke.
	excess := (frame.Close - rangeHigh) / rangeHigh
	confidence := 0.55 + 40*excess
	if confidence > 0.95 {
		confidence = 0.95
	}

	entry := frame.Close
	return &Signal{
		StrategyID: s.Name(),
		Symbol:     frame.Symbol,
		Action:     ActionBuy,
		Confidence: confidence,
		EntryPrice: entry,
		StopLoss:   entry * (1 - s.config.StopLoss),
		TakeProfit: entry * (1 + s.config.TakeProfit),
		Reason:     fmt.Sprintf("close %.2f broke %d-bar high %.2f", frame.Close, s.config.Lookback, rangeHigh),
		Timestamp:  frame.Timestamp,
	}, nil
}

func (s *BreakoutStrategy) OnTradeFilled(tr *portfolio.TradeRecord) {}
