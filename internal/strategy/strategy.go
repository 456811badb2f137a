package strategy

import (
	"time"

	"ensemble-trading-engine/internal/market"
	"ensemble-trading-engine/internal/portfolio"
)

// Action is a strategy's directional opinion
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Signal represents one strategy's opinion for a symbol within a tick.
// HOLD opinions are expressed as a nil signal; they never reach the voter.
type Signal struct {
	StrategyID string
	Symbol     string
	Action     Action
	Confidence float64 // [0,1]
	EntryPrice float64
	StopLoss   float64
	TakeProfit float64
	Reason     string
	Timestamp  time.Time
	Metadata   map[string]float64
}

// Strategy defines the interface for trading strategies. GenerateSignal must
// be a pure function of the frame plus the strategy's own indicator cache;
// a nil signal means HOLD.
type Strategy interface {
	// Name returns the strategy id used in weights and trade records
	Name() string

	// GenerateSignal evaluates one frame and returns an opinion or nil
	GenerateSignal(frame *market.Frame) (*Signal, error)

	// OnTradeFilled notifies the strategy of a fill attributed to it
	OnTradeFilled(tr *portfolio.TradeRecord)
}
