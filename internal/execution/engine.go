package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"ensemble-trading-engine/internal/clock"
	"ensemble-trading-engine/internal/events"
	"ensemble-trading-engine/internal/logging"
	"ensemble-trading-engine/internal/portfolio"
)

var (
	// ErrPlanReverted marks a plan whose fills fell short or were rejected;
	// the portfolio is untouched.
	ErrPlanReverted = errors.New("execution plan reverted")
	// ErrDuplicateFill marks a fill report whose order id was already applied.
	ErrDuplicateFill = errors.New("duplicate fill report")
)

// EngineConfig holds execution settings.
type EngineConfig struct {
	SubmitTimeout time.Duration
	MinFillRatio  float64
}

// Result pairs the aggregate trade record with the raw fills behind it.
type Result struct {
	Trade *portfolio.TradeRecord
	Fills []*FillReport
}

// Engine executes plans against a venue and applies the aggregate fill to
// the portfolio. A rejected or sub-threshold-filled plan leaves the portfolio
// unchanged and surfaces ErrPlanReverted.
type Engine struct {
	mu        sync.Mutex
	venue     OrderVenue
	cfg       EngineConfig
	clk       clock.Clock
	bus       *events.Bus
	seenFills map[string]bool
	logger    *logging.Logger
}

func NewEngine(venue OrderVenue, cfg EngineConfig, clk clock.Clock, bus *events.Bus, logger *logging.Logger) *Engine {
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 30 * time.Second
	}
	if cfg.MinFillRatio <= 0 {
		cfg.MinFillRatio = 0.95
	}
	return &Engine{
		venue:     venue,
		cfg:       cfg,
		clk:       clk,
		bus:       bus,
		seenFills: make(map[string]bool),
		logger:    logger.WithComponent("execution"),
	}
}

// Execute submits the plan's children in order, honouring delays, then
// applies the aggregate to the portfolio. The trade record's slippage is
// signed against the mid at decision time: positive means the fill cost more
// than the mid on the traded side.
func (e *Engine) Execute(ctx context.Context, plan *Plan, pf *portfolio.Portfolio, strategyID string, signalPrice float64) (*Result, error) {
	if plan == nil || len(plan.Orders) == 0 {
		return nil, fmt.Errorf("empty execution plan")
	}

	fills := make([]*FillReport, 0, len(plan.Orders))
	start := e.clk.Now()

	for _, order := range plan.Orders {
		if order.Delay > 0 {
			elapsed := e.clk.Now().Sub(start)
			if wait := order.Delay - elapsed; wait > 0 {
				e.clk.Sleep(wait)
			}
		}

		submitCtx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
		report, err := e.venue.Submit(submitCtx, order)
		cancel()
		if err != nil {
			e.logger.Warn("child order failed",
				"symbol", order.Symbol, "order_id", order.ID, "error", err)
			continue
		}
		if err := e.registerFill(report); err != nil {
			e.logger.Error("fill rejected", "order_id", report.OrderID, "error", err)
			continue
		}
		fills = append(fills, report)
	}

	return e.settle(ctx, plan, fills, pf, strategyID, signalPrice)
}

// registerFill enforces fill idempotence across the engine's lifetime.
func (e *Engine) registerFill(report *FillReport) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.seenFills[report.OrderID] {
		return fmt.Errorf("%w: %s", ErrDuplicateFill, report.OrderID)
	}
	e.seenFills[report.OrderID] = true
	return nil
}

func (e *Engine) settle(ctx context.Context, plan *Plan, fills []*FillReport, pf *portfolio.Portfolio, strategyID string, signalPrice float64) (*Result, error) {
	var filledNotional, filledBase, commission float64
	rejected := false

	for _, fill := range fills {
		switch fill.Status {
		case StatusRejected:
			rejected = true
		case StatusFilled, StatusPartial:
			filledBase += fill.FilledSize
			filledNotional += fill.FilledSize * fill.AvgPrice
			commission += fill.Commission
		}
	}

	fillRatio := 0.0
	if plan.TotalAmount > 0 {
		fillRatio = filledNotional / plan.TotalAmount
	}

	if rejected || fillRatio < e.cfg.MinFillRatio {
		e.revert(ctx, plan)
		e.logger.Warn("plan reverted",
			"symbol", plan.Symbol, "fill_ratio", fillRatio, "rejected", rejected)
		if e.bus != nil {
			reason := "fill_below_threshold"
			if rejected {
				reason = "rejected"
			}
			e.bus.PublishTradeReverted(plan.Symbol, reason, fillRatio)
		}
		return nil, fmt.Errorf("%w: filled %.1f%% of %s %s", ErrPlanReverted,
			fillRatio*100, plan.Side, plan.Symbol)
	}

	avgPrice := filledNotional / filledBase

	// Signed slippage: a BUY above mid or a SELL below mid costs money.
	slippageBps := 0.0
	if plan.MidAtDecision > 0 {
		slippageBps = 10000 * (avgPrice - plan.MidAtDecision) / plan.MidAtDecision
		if plan.Side == SideSell {
			slippageBps = -slippageBps
		}
	}

	tr := &portfolio.TradeRecord{
		ID:             uuid.New().String(),
		Timestamp:      e.clk.Now(),
		Symbol:         plan.Symbol,
		Action:         string(plan.Side),
		StrategyID:     strategyID,
		SignalPrice:    signalPrice,
		ExecutionPrice: avgPrice,
		Size:           filledBase,
		Commission:     commission,
		SlippageBps:    slippageBps,
	}
	if plan.Side == SideSell {
		tr.PnL = pf.RealizedPnL(plan.Symbol, filledBase, avgPrice)
	}

	if err := pf.ApplyTrade(tr); err != nil {
		e.logger.Error("portfolio update failed", "symbol", plan.Symbol, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrPlanReverted, err)
	}
	tr.PortfolioEquityAfter = pf.Equity()

	if e.bus != nil {
		e.bus.PublishTradeExecuted(tr.Symbol, tr.Action, tr.StrategyID, tr.ExecutionPrice, tr.Size, tr.Commission)
	}
	e.logger.Info("plan executed",
		"symbol", tr.Symbol, "action", tr.Action, "size", tr.Size,
		"price", tr.ExecutionPrice, "slippage_bps", tr.SlippageBps,
		"commission", tr.Commission)

	return &Result{Trade: tr, Fills: fills}, nil
}

// revert cancels any resting limit children of a failed plan.
func (e *Engine) revert(ctx context.Context, plan *Plan) {
	for _, order := range plan.Orders {
		if order.Type != OrderLimit {
			continue
		}
		if err := e.venue.Cancel(ctx, order.ID); err != nil {
			e.logger.Warn("cancel failed", "order_id", order.ID, "error", err)
		}
	}
}

// CancelOpen cancels every limit child of a plan, used at shutdown.
func (e *Engine) CancelOpen(ctx context.Context, plan *Plan) {
	if plan == nil {
		return
	}
	e.revert(ctx, plan)
}
