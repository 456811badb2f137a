package strategy

import (
	"fmt"
	"math"

	"ensemble-trading-engine/internal/market"
	"ensemble-trading-engine/internal/portfolio"
)

// MeanReversionConfig configures the mean reversion strategy
type MeanReversionConfig struct {
	EntryZ     float64 // z-score past which the stretch is faded
	StopLoss   float64
	TakeProfit float64
}

// MeanReversionStrategy fades stretched closes: buys deep dips and sells
// overextensions, sized by how far the z-score sits past the entry level.
type MeanReversionStrategy struct {
	config *MeanReversionConfig
}

func NewMeanReversionStrategy(config *MeanReversionConfig) *MeanReversionStrategy {
	if config.EntryZ <= 0 {
		config.EntryZ = 2.0
	}
	if config.StopLoss <= 0 {
		config.StopLoss = 0.02
	}
	if config.TakeProfit <= 0 {
		config.TakeProfit = 0.03
	}
	return &MeanReversionStrategy{config: config}
}

func (s *MeanReversionStrategy) Name() string {
	return "mean_reversion"
}

func (s *MeanReversionStrategy) GenerateSignal(frame *market.Frame) (*Signal, error) {
	if frame.Features == nil {
		return nil, nil
	}
	z := frame.Features.CloseZ
	if math.Abs(z) < s.config.EntryZ {
		return nil, nil
	}

	// Fade the move: oversold is a BUY, overbought a SELL.
	action := ActionBuy
	if z > 0 {
		action = ActionSell
	}

	confidence := 0.5 + 0.5*math.Min(1, (math.Abs(z)-s.config.EntryZ)/(3-s.config.EntryZ))

	entry := frame.Close
	sig := &Signal{
		StrategyID: s.Name(),
		Symbol:     frame.Symbol,
		Action:     action,
		Confidence: confidence,
		EntryPrice: entry,
		Reason:     fmt.Sprintf("stretched close z-score %.2f", z),
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

func (s *MeanReversionStrategy) OnTradeFilled(tr *portfolio.TradeRecord) {}
