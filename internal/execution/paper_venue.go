package execution

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
)

// PaperVenueConfig tunes the simulated fill model.
type PaperVenueConfig struct {
	BaseSlippageBps float64 // default 15
	Volatility      float64 // assumed market volatility for the slip model
	Deterministic   bool    // pin the uniform jitter to 1.0
	Seed            int64
	MinOrder        float64 // quote notional, default 10
}

// PaperVenue simulates fills for paper trading and tests. Market orders fill
// at the mark price moved by the slippage model; limit orders fill at their
// limit price and pay the maker tier. Rejections and partial fills can be
// injected per symbol.
type PaperVenue struct {
	mu          sync.Mutex
	cfg         PaperVenueConfig
	marks       map[string]float64
	rng         *rand.Rand
	fees        FeeConfig
	rejectNext  map[string]int
	partialNext map[string]float64 // fill ratio for the next order
	cancelled   map[string]bool
}

func NewPaperVenue(cfg PaperVenueConfig) *PaperVenue {
	if cfg.BaseSlippageBps <= 0 {
		cfg.BaseSlippageBps = 15
	}
	if cfg.MinOrder <= 0 {
		cfg.MinOrder = 10
	}
	return &PaperVenue{
		cfg:   cfg,
		marks: make(map[string]float64),
		rng:   rand.New(rand.NewSource(cfg.Seed)),
		fees: FeeConfig{
			TakerTiers: []FeeTier{
				{MinVolume30d: 0, Bps: 10},
				{MinVolume30d: 1_000_000, Bps: 7.5},
				{MinVolume30d: 10_000_000, Bps: 5},
			},
			MakerTiers: []FeeTier{
				{MinVolume30d: 0, Bps: 8},
				{MinVolume30d: 1_000_000, Bps: 5},
				{MinVolume30d: 10_000_000, Bps: 2},
			},
			LoyaltyDiscount: 0.25,
		},
		rejectNext:  make(map[string]int),
		partialNext: make(map[string]float64),
		cancelled:   make(map[string]bool),
	}
}

func (v *PaperVenue) Name() string { return "paper" }

// SetMark sets the mark price fills execute against.
func (v *PaperVenue) SetMark(symbol string, price float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.marks[symbol] = price
}

// RejectNext makes the venue reject the next n orders for a symbol.
func (v *PaperVenue) RejectNext(symbol string, n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rejectNext[symbol] = n
}

// PartialNext makes the next order for a symbol fill at the given ratio.
func (v *PaperVenue) PartialNext(symbol string, ratio float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.partialNext[symbol] = ratio
}

func (v *PaperVenue) Submit(ctx context.Context, order *ChildOrder) (*FillReport, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if n := v.rejectNext[order.Symbol]; n > 0 {
		v.rejectNext[order.Symbol] = n - 1
		return &FillReport{OrderID: order.ID, Status: StatusRejected}, nil
	}

	mark, ok := v.marks[order.Symbol]
	if !ok || mark <= 0 {
		return nil, fmt.Errorf("paper venue: no mark price for %s", order.Symbol)
	}

	var price float64
	var feeBps float64
	switch order.Type {
	case OrderLimit:
		price = order.LimitPrice
		if price <= 0 {
			price = mark
		}
		feeBps = v.fees.EffectiveBps(OrderLimit, 0, false)
	default:
		price = v.slippedPrice(mark, order)
		feeBps = v.fees.EffectiveBps(OrderMarket, 0, false)
	}

	notional := order.Size
	status := StatusFilled
	if ratio, ok := v.partialNext[order.Symbol]; ok {
		notional *= ratio
		status = StatusPartial
		delete(v.partialNext, order.Symbol)
	}

	return &FillReport{
		OrderID:    order.ID,
		FilledSize: notional / price,
		AvgPrice:   price,
		Commission: notional * feeBps / 10000,
		Status:     status,
	}, nil
}

// slippedPrice applies the simulated market-order slippage model:
// base bps + 100*size_fraction + 50*volatility, jittered U(0.8, 1.2) unless
// the venue is deterministic. BUY slips up, SELL slips down.
func (v *PaperVenue) slippedPrice(mark float64, order *ChildOrder) float64 {
	sizeFraction := math.Min(1, order.Size/5000)
	slipBps := v.cfg.BaseSlippageBps + 100*sizeFraction + 50*v.cfg.Volatility

	if !v.cfg.Deterministic {
		slipBps *= 0.8 + 0.4*v.rng.Float64()
	}

	slip := slipBps / 10000
	if order.Side == SideBuy {
		return mark * (1 + slip)
	}
	return mark * (1 - slip)
}

func (v *PaperVenue) Cancel(ctx context.Context, orderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cancelled[orderID] = true
	return nil
}

// Cancelled reports whether an order id was cancelled, for tests.
func (v *PaperVenue) Cancelled(orderID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cancelled[orderID]
}

func (v *PaperVenue) MinOrderSize(symbol string) float64 {
	return v.cfg.MinOrder
}

func (v *PaperVenue) FeeConfig() FeeConfig {
	return v.fees
}
