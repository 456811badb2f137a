package portfolio

import (
	"fmt"
	"time"
)

// Position is one open holding.
type Position struct {
	Symbol        string    `json:"symbol"`
	Size          float64   `json:"size"`
	AvgEntryPrice float64   `json:"avg_entry_price"`
	OpenedAt      time.Time `json:"opened_at"`
	StrategyID    string    `json:"strategy_id"`
}

// TradeRecord is the immutable row appended after every executed plan. The
// same record drives persistence and recovery replay.
type TradeRecord struct {
	ID                   string    `json:"id"`
	Timestamp            time.Time `json:"ts"`
	Symbol               string    `json:"symbol"`
	Action               string    `json:"action"` // BUY or SELL
	StrategyID           string    `json:"strategy_id"`
	SignalPrice          float64   `json:"signal_price"`
	ExecutionPrice       float64   `json:"execution_price"`
	Size                 float64   `json:"size"`
	Commission           float64   `json:"commission"`
	SlippageBps          float64   `json:"slippage_bps"`
	PnL                  float64   `json:"pnl"`
	PortfolioEquityAfter float64   `json:"portfolio_equity_after"`
}

// Portfolio holds cash and open positions. It is mutated only through
// ApplyTrade; everything else reads snapshots.
type Portfolio struct {
	Cash      float64              `json:"cash"`
	Positions map[string]*Position `json:"positions"`
	// Marks holds the latest mark price per symbol, for equity valuation.
	Marks map[string]float64 `json:"marks"`
}

func New(initialCash float64) *Portfolio {
	return &Portfolio{
		Cash:      initialCash,
		Positions: make(map[string]*Position),
		Marks:     make(map[string]float64),
	}
}

// Equity is cash plus the marked value of all open positions. Positions
// without a mark are valued at their entry price.
func (p *Portfolio) Equity() float64 {
	eq := p.Cash
	for sym, pos := range p.Positions {
		mark := pos.AvgEntryPrice
		if m, ok := p.Marks[sym]; ok && m > 0 {
			mark = m
		}
		eq += pos.Size * mark
	}
	return eq
}

// SetMark records the latest price for a symbol.
func (p *Portfolio) SetMark(symbol string, price float64) {
	if price > 0 {
		p.Marks[symbol] = price
	}
}

// ApplyTrade mutates the portfolio for one executed trade. BUY debits cash by
// size*price plus commission and averages into the position; SELL closes up
// to the held size, credits the proceeds and realises PnL. Recovery replay
// calls this with the same records the execution engine produced, so both
// paths share the exact mutation.
func (p *Portfolio) ApplyTrade(tr *TradeRecord) error {
	switch tr.Action {
	case "BUY":
		cost := tr.Size*tr.ExecutionPrice + tr.Commission
		if cost > p.Cash+1e-9 {
			return fmt.Errorf("insufficient cash: need %.2f, have %.2f", cost, p.Cash)
		}
		p.Cash -= cost

		pos, ok := p.Positions[tr.Symbol]
		if !ok {
			p.Positions[tr.Symbol] = &Position{
				Symbol:        tr.Symbol,
				Size:          tr.Size,
				AvgEntryPrice: tr.ExecutionPrice,
				OpenedAt:      tr.Timestamp,
				StrategyID:    tr.StrategyID,
			}
		} else {
			total := pos.Size + tr.Size
			pos.AvgEntryPrice = (pos.AvgEntryPrice*pos.Size + tr.ExecutionPrice*tr.Size) / total
			pos.Size = total
		}

	case "SELL":
		pos, ok := p.Positions[tr.Symbol]
		if !ok || pos.Size <= 0 {
			return fmt.Errorf("no position in %s to sell", tr.Symbol)
		}
		closed := tr.Size
		if closed > pos.Size {
			closed = pos.Size
		}
		p.Cash += closed*tr.ExecutionPrice - tr.Commission
		pos.Size -= closed
		if pos.Size <= 1e-12 {
			delete(p.Positions, tr.Symbol)
		}

	default:
		return fmt.Errorf("unknown trade action %q", tr.Action)
	}

	p.SetMark(tr.Symbol, tr.ExecutionPrice)
	return nil
}

// RealizedPnL computes the PnL a SELL of the given size at the given price
// would realise against the current position. Returns 0 with no position.
func (p *Portfolio) RealizedPnL(symbol string, size, price float64) float64 {
	pos, ok := p.Positions[symbol]
	if !ok {
		return 0
	}
	closed := size
	if closed > pos.Size {
		closed = pos.Size
	}
	return (price - pos.AvgEntryPrice) * closed
}

// Clone returns a deep copy, used for checkpoint snapshots and read-only
// views handed to other components.
func (p *Portfolio) Clone() *Portfolio {
	c := &Portfolio{
		Cash:      p.Cash,
		Positions: make(map[string]*Position, len(p.Positions)),
		Marks:     make(map[string]float64, len(p.Marks)),
	}
	for sym, pos := range p.Positions {
		cp := *pos
		c.Positions[sym] = &cp
	}
	for sym, m := range p.Marks {
		c.Marks[sym] = m
	}
	return c
}

// OpenPositionCount returns the number of open positions.
func (p *Portfolio) OpenPositionCount() int {
	return len(p.Positions)
}
