package execution

import (
	"context"
	"time"
)

// Side is the order direction
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType classifies child orders and plans
type OrderType string

const (
	OrderMarket  OrderType = "MARKET"
	OrderLimit   OrderType = "LIMIT"
	OrderIceberg OrderType = "ICEBERG"
	OrderTWAP    OrderType = "TWAP"
	OrderVWAP    OrderType = "VWAP"
)

// FillStatus is the venue's report on one child order
type FillStatus string

const (
	StatusFilled    FillStatus = "FILLED"
	StatusPartial   FillStatus = "PARTIAL"
	StatusCancelled FillStatus = "CANCELLED"
	StatusRejected  FillStatus = "REJECTED"
)

// ChildOrder is one slice of an execution plan. Size is quote notional; the
// venue reports the filled base quantity back.
type ChildOrder struct {
	ID         string
	Symbol     string
	Side       Side
	Type       OrderType
	Size       float64 // quote notional
	LimitPrice float64 // zero for market orders
	Delay      time.Duration
	Deadline   time.Duration // limit orders are cancelled past this
}

// FillReport is the venue's result for one child order.
type FillReport struct {
	OrderID    string
	FilledSize float64 // base quantity
	AvgPrice   float64
	Commission float64 // quote
	Status     FillStatus
}

// FeeTier maps a 30-day volume floor to a fee in basis points.
type FeeTier struct {
	MinVolume30d float64
	Bps          float64
}

// FeeConfig is a venue's fee schedule. Either a flat fee applies, or the
// maker/taker tier for the account's 30-day volume, optionally reduced by the
// loyalty-token discount.
type FeeConfig struct {
	FlatFeeBps      float64
	TakerTiers      []FeeTier
	MakerTiers      []FeeTier
	LoyaltyDiscount float64 // e.g. 0.25 for 25% off
}

// EffectiveBps resolves the fee for an order type given account state.
// Tiers must be sorted by ascending volume floor.
func (fc FeeConfig) EffectiveBps(orderType OrderType, volume30d float64, hasLoyaltyToken bool) float64 {
	if fc.FlatFeeBps > 0 {
		return fc.FlatFeeBps
	}

	tiers := fc.TakerTiers
	if orderType == OrderLimit || orderType == OrderTWAP {
		tiers = fc.MakerTiers
	}

	bps := 10.0 // conservative default with no schedule
	for _, tier := range tiers {
		if volume30d >= tier.MinVolume30d {
			bps = tier.Bps
		}
	}

	if hasLoyaltyToken && fc.LoyaltyDiscount > 0 {
		bps *= 1 - fc.LoyaltyDiscount
	}
	return bps
}

// OrderVenue is the execution-facing venue contract. Wire formats and
// authentication live behind implementations.
type OrderVenue interface {
	Name() string
	Submit(ctx context.Context, order *ChildOrder) (*FillReport, error)
	Cancel(ctx context.Context, orderID string) error
	MinOrderSize(symbol string) float64 // quote notional
	FeeConfig() FeeConfig
}
