package execution

import (
	"errors"
	"math"
	"time"

	"github.com/google/uuid"

	"ensemble-trading-engine/internal/logging"
)

// ErrBelowMinSize marks a decision too small for the venue's minimum order.
var ErrBelowMinSize = errors.New("order below venue minimum size")

// Style selects the optimiser's planning strategy
type Style string

const (
	StyleAggressiveMarket Style = "AGGRESSIVE_MARKET"
	StylePatientMaker     Style = "PATIENT_MAKER"
	StyleHybrid           Style = "HYBRID"
	StyleSizeAware        Style = "SIZE_AWARE"
)

// OptimizerConfig holds planning settings.
type OptimizerConfig struct {
	Style            Style
	MaxExecutionTime time.Duration // TWAP spreading horizon
	Volume30d        float64
	LoyaltyToken     bool
}

// MarketState carries the execution-relevant view of the market at decision
// time.
type MarketState struct {
	MidPrice      float64
	Volatility    float64
	SpreadBps     float64
	LiquidityRank int // 1 (deep) .. 5 (thin)
}

// Plan is a concrete execution plan: child orders plus cost estimates.
type Plan struct {
	Symbol                 string
	Side                   Side
	TotalAmount            float64 // quote notional
	OrderType              OrderType
	Orders                 []*ChildOrder
	EstimatedCommissionBps float64
	EstimatedSlippageBps   float64
	DeadlineSeconds        float64
	MidAtDecision          float64
}

// Optimizer turns an ensemble decision plus market state into a cost-aware
// execution plan.
type Optimizer struct {
	cfg    OptimizerConfig
	logger *logging.Logger
}

func NewOptimizer(cfg OptimizerConfig, logger *logging.Logger) *Optimizer {
	if cfg.Style == "" {
		cfg.Style = StyleHybrid
	}
	if cfg.MaxExecutionTime <= 0 {
		cfg.MaxExecutionTime = 300 * time.Second
	}
	return &Optimizer{cfg: cfg, logger: logger.WithComponent("optimizer")}
}

// Plan builds the execution plan for a sized decision. Amounts below the
// venue minimum return ErrBelowMinSize and the decision is skipped.
func (o *Optimizer) Plan(venue OrderVenue, symbol string, side Side, amountQuote, confidence float64, state MarketState) (*Plan, error) {
	if amountQuote < venue.MinOrderSize(symbol) {
		return nil, ErrBelowMinSize
	}

	fees := venue.FeeConfig()

	var plan *Plan
	switch o.cfg.Style {
	case StyleAggressiveMarket:
		plan = o.aggressiveMarket(symbol, side, amountQuote, state)
	case StylePatientMaker:
		plan = o.patientMaker(symbol, side, amountQuote, state)
	case StyleSizeAware:
		plan = o.sizeAware(symbol, side, amountQuote, confidence, state)
	default:
		plan = o.hybrid(symbol, side, amountQuote, confidence, state)
	}

	plan.EstimatedCommissionBps = o.estimateCommission(plan, fees)
	plan.EstimatedSlippageBps = o.estimateSlippage(plan, state)
	plan.MidAtDecision = state.MidPrice
	return plan, nil
}

// marketScore weighs speed against cost for the hybrid split. High
// confidence, small size, deep liquidity and calm markets all favour taking.
func (o *Optimizer) marketScore(amountQuote, confidence float64, state MarketState) float64 {
	sizeFactor := math.Min(1, amountQuote/5000)
	liquidityFactor := float64(state.LiquidityRank) / 5
	volFactor := math.Min(1, state.Volatility/0.05)

	return 0.4*confidence +
		0.2*(1-sizeFactor) +
		0.2*(1-liquidityFactor) +
		0.2*(1-volFactor)
}

func (o *Optimizer) aggressiveMarket(symbol string, side Side, amount float64, state MarketState) *Plan {
	return &Plan{
		Symbol:      symbol,
		Side:        side,
		TotalAmount: amount,
		OrderType:   OrderMarket,
		Orders: []*ChildOrder{{
			ID:     uuid.New().String(),
			Symbol: symbol,
			Side:   side,
			Type:   OrderMarket,
			Size:   amount,
		}},
		DeadlineSeconds: 30,
	}
}

// patientMaker rests a single limit one tenth of a percent inside the mid on
// the favourable side, good for five minutes.
func (o *Optimizer) patientMaker(symbol string, side Side, amount float64, state MarketState) *Plan {
	limit := state.MidPrice * (1 - 0.001)
	if side == SideSell {
		limit = state.MidPrice * (1 + 0.001)
	}
	return &Plan{
		Symbol:      symbol,
		Side:        side,
		TotalAmount: amount,
		OrderType:   OrderLimit,
		Orders: []*ChildOrder{{
			ID:         uuid.New().String(),
			Symbol:     symbol,
			Side:       side,
			Type:       OrderLimit,
			Size:       amount,
			LimitPrice: limit,
			Deadline:   5 * time.Minute,
		}},
		DeadlineSeconds: 300,
	}
}

func (o *Optimizer) hybrid(symbol string, side Side, amount, confidence float64, state MarketState) *Plan {
	score := o.marketScore(amount, confidence, state)
	switch {
	case score > 0.65:
		return o.aggressiveMarket(symbol, side, amount, state)
	case score < 0.35:
		return o.patientMaker(symbol, side, amount, state)
	}

	// Split 40% market / 60% limit. The limit leg goes out immediately, the
	// market leg follows after a short delay to let the limit capture first.
	limit := state.MidPrice * (1 - 0.001)
	if side == SideSell {
		limit = state.MidPrice * (1 + 0.001)
	}
	return &Plan{
		Symbol:      symbol,
		Side:        side,
		TotalAmount: amount,
		OrderType:   OrderIceberg,
		Orders: []*ChildOrder{
			{
				ID:         uuid.New().String(),
				Symbol:     symbol,
				Side:       side,
				Type:       OrderLimit,
				Size:       amount * 0.6,
				LimitPrice: limit,
				Deadline:   5 * time.Minute,
			},
			{
				ID:     uuid.New().String(),
				Symbol: symbol,
				Side:   side,
				Type:   OrderMarket,
				Size:   amount * 0.4,
				Delay:  20 * time.Second,
			},
		},
		DeadlineSeconds: 300,
	}
}

func (o *Optimizer) sizeAware(symbol string, side Side, amount, confidence float64, state MarketState) *Plan {
	switch {
	case amount <= 1000:
		return o.hybrid(symbol, side, amount, confidence, state)

	case amount <= 5000:
		// One resting limit plus two staggered market slices.
		limit := state.MidPrice * (1 - 0.001)
		if side == SideSell {
			limit = state.MidPrice * (1 + 0.001)
		}
		slice := amount / 3
		return &Plan{
			Symbol:      symbol,
			Side:        side,
			TotalAmount: amount,
			OrderType:   OrderIceberg,
			Orders: []*ChildOrder{
				{ID: uuid.New().String(), Symbol: symbol, Side: side, Type: OrderLimit, Size: slice, LimitPrice: limit, Deadline: 5 * time.Minute},
				{ID: uuid.New().String(), Symbol: symbol, Side: side, Type: OrderMarket, Size: slice, Delay: 30 * time.Second},
				{ID: uuid.New().String(), Symbol: symbol, Side: side, Type: OrderMarket, Size: amount - 2*slice, Delay: 60 * time.Second},
			},
			DeadlineSeconds: 120,
		}

	default:
		return o.twap(symbol, side, amount, state)
	}
}

// twap spreads equal limit slices evenly over the execution horizon.
func (o *Optimizer) twap(symbol string, side Side, amount float64, state MarketState) *Plan {
	n := int(math.Floor(amount / 2000))
	if n < 5 {
		n = 5
	}

	horizon := o.cfg.MaxExecutionTime
	spacing := horizon / time.Duration(n)
	slice := amount / float64(n)

	limit := state.MidPrice * (1 - 0.0005)
	if side == SideSell {
		limit = state.MidPrice * (1 + 0.0005)
	}

	orders := make([]*ChildOrder, n)
	for i := 0; i < n; i++ {
		orders[i] = &ChildOrder{
			ID:         uuid.New().String(),
			Symbol:     symbol,
			Side:       side,
			Type:       OrderLimit,
			Size:       slice,
			LimitPrice: limit,
			Delay:      time.Duration(i) * spacing,
			Deadline:   horizon,
		}
	}

	return &Plan{
		Symbol:          symbol,
		Side:            side,
		TotalAmount:     amount,
		OrderType:       OrderTWAP,
		Orders:          orders,
		DeadlineSeconds: horizon.Seconds(),
	}
}

// estimateCommission is the size-weighted fee across child order types.
func (o *Optimizer) estimateCommission(plan *Plan, fees FeeConfig) float64 {
	if plan.TotalAmount <= 0 {
		return 0
	}
	var weighted float64
	for _, order := range plan.Orders {
		bps := fees.EffectiveBps(order.Type, o.cfg.Volume30d, o.cfg.LoyaltyToken)
		weighted += bps * order.Size
	}
	return weighted / plan.TotalAmount
}

// estimateSlippage applies the deterministic part of the slip model to the
// market portion only; resting limits are assumed to fill at their price.
func (o *Optimizer) estimateSlippage(plan *Plan, state MarketState) float64 {
	if plan.TotalAmount <= 0 {
		return 0
	}
	var marketNotional float64
	for _, order := range plan.Orders {
		if order.Type == OrderMarket {
			marketNotional += order.Size
		}
	}
	if marketNotional == 0 {
		return 0
	}
	sizeFraction := math.Min(1, marketNotional/5000)
	slip := 15 + 100*sizeFraction + 50*state.Volatility
	return slip * marketNotional / plan.TotalAmount
}
