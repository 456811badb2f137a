package strategy

import (
	"fmt"
	"math"

	"ensemble-trading-engine/internal/market"
	"ensemble-trading-engine/internal/portfolio"
)

// MomentumConfig configures the momentum strategy
type MomentumConfig struct {
	EntryZ     float64 // z-score past which a trend is acted on
	StopLoss   float64 // as percentage
	TakeProfit float64 // as percentage
}

// MomentumStrategy buys strength and sells weakness off the normalised close
// z-score, with volume confirmation.
type MomentumStrategy struct {
	config *MomentumConfig
}

func NewMomentumStrategy(config *MomentumConfig) *MomentumStrategy {
	if config.EntryZ <= 0 {
		config.EntryZ = 1.0
	}
	if config.StopLoss <= 0 {
		config.StopLoss = 0.02
	}
	if config.TakeProfit <= 0 {
		config.TakeProfit = 0.04
	}
	return &MomentumStrategy{config: config}
}

func (s *MomentumStrategy) Name() string {
	return "momentum"
}

func (s *MomentumStrategy) GenerateSignal(frame *market.Frame) (*Signal, error) {
	if frame.Features == nil {
		return nil, nil
	}
	z := frame.Features.CloseZ
	if math.Abs(z) < s.config.EntryZ {
		return nil, nil
	}
	// Momentum without volume behind it is noise.
	if frame.Features.VolumeZ < 0 {
		return nil, nil
	}

	action := ActionBuy
	if z < 0 {
		action = ActionSell
	}

	// Confidence ramps from 0.5 at the entry threshold to 1.0 at the clip.
	confidence := 0.5 + 0.5*math.Min(1, (math.Abs(z)-s.config.EntryZ)/(3-s.config.EntryZ))

	entry := frame.Close
	sig := &Signal{
		StrategyID: s.Name(),
		Symbol:     frame.Symbol,
		Action:     action,
		Confidence: confidence,
		EntryPrice: entry,
		Reason:     fmt.Sprintf("close z-score %.2f with volume confirmation", z),
		Timestamp:  frame.Timestamp,
	}
	if action == ActionBuy {
		sig.StopLoss = entry * (1 - s.config.StopLoss)
		sig.TakeProfit = entry * (1 + s.config.TakeProfit)
	} else {
		sig.StopLoss = entry * (1 + s.config.StopLoss)
		sig.TakeProfit = entry * (1 - s.config.TakeProfit)
	}
	return sig, nil
}

func (s *MomentumStrategy) OnTradeFilled(tr *portfolio.TradeRecord) {}
