package execution

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"ensemble-trading-engine/internal/clock"
	"ensemble-trading-engine/internal/events"
	"ensemble-trading-engine/internal/logging"
	"ensemble-trading-engine/internal/portfolio"
)

func newTestEngine(venue OrderVenue) *Engine {
	clk := clock.NewSimulated(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewEngine(venue, EngineConfig{MinFillRatio: 0.95}, clk, events.NewBus(), logging.Nop())
}

func marketPlan(symbol string, side Side, amount, mid float64) *Plan {
	o := NewOptimizer(OptimizerConfig{Style: StyleAggressiveMarket}, logging.Nop())
	plan := o.aggressiveMarket(symbol, side, amount, MarketState{MidPrice: mid})
	plan.MidAtDecision = mid
	return plan
}

func TestExecuteBuyUpdatesPortfolio(t *testing.T) {
	venue := NewPaperVenue(PaperVenueConfig{Deterministic: true, Volatility: 0})
	venue.SetMark("AAA", 100)
	e := newTestEngine(venue)
	pf := portfolio.New(10000)

	res, err := e.Execute(context.Background(), marketPlan("AAA", SideBuy, 1000, 100), pf, "momentum", 100)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	tr := res.Trade
	if tr.Action != "BUY" || tr.Symbol != "AAA" {
		t.Errorf("unexpected trade %+v", tr)
	}
	// Deterministic slip for a 1000 order: 15 + 100*0.2 = 35 bps above mid.
	wantPrice := 100 * 1.0035
	if math.Abs(tr.ExecutionPrice-wantPrice) > 1e-9 {
		t.Errorf("execution price = %.4f, want %.4f", tr.ExecutionPrice, wantPrice)
	}
	if math.Abs(tr.SlippageBps-35) > 1e-6 {
		t.Errorf("slippage = %.2f bps, want 35", tr.SlippageBps)
	}

	// Cash decreased by notional plus commission; position opened.
	spent := 10000 - pf.Cash
	if spent < 1000 || spent > 1002 {
		t.Errorf("spent %.2f, want ~1001", spent)
	}
	pos := pf.Positions["AAA"]
	if pos == nil || math.Abs(pos.Size-1000/wantPrice) > 1e-9 {
		t.Fatalf("unexpected position %+v", pos)
	}
	if tr.PortfolioEquityAfter <= 0 {
		t.Error("equity-after not recorded")
	}
}

func TestExecuteSellRealisesPnL(t *testing.T) {
	venue := NewPaperVenue(PaperVenueConfig{Deterministic: true})
	venue.SetMark("AAA", 100)
	e := newTestEngine(venue)
	pf := portfolio.New(10000)

	// Seed a position bought at 100.
	pf.ApplyTrade(&portfolio.TradeRecord{
		ID: "seed", Timestamp: time.Now(), Symbol: "AAA", Action: "BUY",
		ExecutionPrice: 100, Size: 10,
	})

	venue.SetMark("AAA", 110)
	res, err := e.Execute(context.Background(), marketPlan("AAA", SideSell, 1000, 110), pf, "momentum", 110)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if res.Trade.PnL <= 0 {
		t.Errorf("selling above entry should realise profit, pnl %.2f", res.Trade.PnL)
	}
}

func TestExecuteRevertsOnRejection(t *testing.T) {
	venue := NewPaperVenue(PaperVenueConfig{Deterministic: true})
	venue.SetMark("AAA", 100)
	venue.RejectNext("AAA", 1)
	e := newTestEngine(venue)
	pf := portfolio.New(10000)

	_, err := e.Execute(context.Background(), marketPlan("AAA", SideBuy, 1000, 100), pf, "momentum", 100)
	if !errors.Is(err, ErrPlanReverted) {
		t.Fatalf("expected ErrPlanReverted, got %v", err)
	}
	if pf.Cash != 10000 || len(pf.Positions) != 0 {
		t.Error("portfolio must be untouched after a reverted plan")
	}
}

func TestExecuteRevertsBelowMinFill(t *testing.T) {
	venue := NewPaperVenue(PaperVenueConfig{Deterministic: true})
	venue.SetMark("AAA", 100)
	venue.PartialNext("AAA", 0.5)
	e := newTestEngine(venue)
	pf := portfolio.New(10000)

	_, err := e.Execute(context.Background(), marketPlan("AAA", SideBuy, 1000, 100), pf, "momentum", 100)
	if !errors.Is(err, ErrPlanReverted) {
		t.Fatalf("expected ErrPlanReverted on 50%% fill, got %v", err)
	}
	if pf.Cash != 10000 {
		t.Error("portfolio must be untouched after a sub-threshold fill")
	}
}

func TestExecuteRejectsDuplicateFills(t *testing.T) {
	venue := NewPaperVenue(PaperVenueConfig{Deterministic: true})
	venue.SetMark("AAA", 100)
	e := newTestEngine(venue)
	pf := portfolio.New(10000)

	plan := marketPlan("AAA", SideBuy, 1000, 100)
	if _, err := e.Execute(context.Background(), plan, pf, "momentum", 100); err != nil {
		t.Fatalf("first execute failed: %v", err)
	}
	cashAfterFirst := pf.Cash

	// Replaying the identical plan re-reports the same order ids; every fill
	// is rejected as a duplicate and the plan reverts.
	_, err := e.Execute(context.Background(), plan, pf, "momentum", 100)
	if !errors.Is(err, ErrPlanReverted) {
		t.Fatalf("expected duplicate replay to revert, got %v", err)
	}
	if pf.Cash != cashAfterFirst {
		t.Error("duplicate fills must not touch the portfolio")
	}
}

func TestRevertCancelsRestingLimits(t *testing.T) {
	venue := NewPaperVenue(PaperVenueConfig{Deterministic: true})
	venue.SetMark("AAA", 100)
	e := newTestEngine(venue)
	pf := portfolio.New(10000)

	// A plan with a limit child whose fill is rejected on the market child.
	limitID := "limit-1"
	plan := &Plan{
		Symbol: "AAA", Side: SideBuy, TotalAmount: 2000, OrderType: OrderIceberg,
		MidAtDecision: 100,
		Orders: []*ChildOrder{
			{ID: limitID, Symbol: "AAA", Side: SideBuy, Type: OrderLimit, Size: 1000, LimitPrice: 99.9},
			{ID: "mkt-1", Symbol: "AAA", Side: SideBuy, Type: OrderMarket, Size: 1000},
		},
	}
	venue.RejectNext("AAA", 2)

	_, err := e.Execute(context.Background(), plan, pf, "momentum", 100)
	if !errors.Is(err, ErrPlanReverted) {
		t.Fatalf("expected revert, got %v", err)
	}
	if !venue.Cancelled(limitID) {
		t.Error("resting limit should be cancelled on revert")
	}
}
