package portfolio

import (
	"math"
	"testing"
	"time"
)

func TestApplyTradeBuyThenSell(t *testing.T) {
	p := New(10000)
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	buy := &TradeRecord{
		ID: "t1", Timestamp: ts, Symbol: "AAA", Action: "BUY",
		ExecutionPrice: 100, Size: 10, Commission: 1,
	}
	if err := p.ApplyTrade(buy); err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	if math.Abs(p.Cash-8999) > 1e-9 {
		t.Errorf("cash after buy = %.2f, want 8999", p.Cash)
	}
	pos := p.Positions["AAA"]
	if pos == nil || pos.Size != 10 || pos.AvgEntryPrice != 100 {
		t.Fatalf("unexpected position %+v", pos)
	}

	sell := &TradeRecord{
		ID: "t2", Timestamp: ts.Add(time.Minute), Symbol: "AAA", Action: "SELL",
		ExecutionPrice: 110, Size: 10, Commission: 1.1,
	}
	if err := p.ApplyTrade(sell); err != nil {
		t.Fatalf("sell failed: %v", err)
	}
	if _, ok := p.Positions["AAA"]; ok {
		t.Error("position should be closed after full sell")
	}
	// 8999 + 1100 - 1.1
	if math.Abs(p.Cash-10097.9) > 1e-9 {
		t.Errorf("cash after sell = %.2f, want 10097.90", p.Cash)
	}
}

func TestApplyTradeAveragesEntry(t *testing.T) {
	p := New(100000)
	ts := time.Now()

	p.ApplyTrade(&TradeRecord{ID: "t1", Timestamp: ts, Symbol: "AAA", Action: "BUY", ExecutionPrice: 100, Size: 10})
	p.ApplyTrade(&TradeRecord{ID: "t2", Timestamp: ts, Symbol: "AAA", Action: "BUY", ExecutionPrice: 120, Size: 10})

	pos := p.Positions["AAA"]
	if math.Abs(pos.AvgEntryPrice-110) > 1e-9 {
		t.Errorf("avg entry = %.2f, want 110", pos.AvgEntryPrice)
	}
	if pos.Size != 20 {
		t.Errorf("size = %.2f, want 20", pos.Size)
	}
}

func TestApplyTradeRejectsInsufficientCash(t *testing.T) {
	p := New(100)
	err := p.ApplyTrade(&TradeRecord{
		ID: "t1", Timestamp: time.Now(), Symbol: "AAA", Action: "BUY",
		ExecutionPrice: 100, Size: 10,
	})
	if err == nil {
		t.Error("expected insufficient cash error")
	}
	if p.Cash != 100 {
		t.Errorf("cash mutated on failed trade: %.2f", p.Cash)
	}
}

func TestApplyTradeRejectsSellWithoutPosition(t *testing.T) {
	p := New(1000)
	err := p.ApplyTrade(&TradeRecord{
		ID: "t1", Timestamp: time.Now(), Symbol: "AAA", Action: "SELL",
		ExecutionPrice: 100, Size: 5,
	})
	if err == nil {
		t.Error("expected error selling without a position")
	}
}

func TestEquityUsesMarks(t *testing.T) {
	p := New(10000)
	p.ApplyTrade(&TradeRecord{ID: "t1", Timestamp: time.Now(), Symbol: "AAA", Action: "BUY", ExecutionPrice: 100, Size: 10})

	// Bought at 100, marked to 120: equity = 9000 + 1200.
	p.SetMark("AAA", 120)
	if math.Abs(p.Equity()-10200) > 1e-9 {
		t.Errorf("equity = %.2f, want 10200", p.Equity())
	}
}

func TestCloneIsIndependent(t *testing.T) {
	p := New(10000)
	p.ApplyTrade(&TradeRecord{ID: "t1", Timestamp: time.Now(), Symbol: "AAA", Action: "BUY", ExecutionPrice: 100, Size: 10})

	c := p.Clone()
	c.Cash = 0
	c.Positions["AAA"].Size = 999

	if p.Cash != 9000 {
		t.Errorf("original cash mutated: %.2f", p.Cash)
	}
	if p.Positions["AAA"].Size != 10 {
		t.Errorf("original position mutated: %.2f", p.Positions["AAA"].Size)
	}
}

func TestRealizedPnL(t *testing.T) {
	p := New(10000)
	p.ApplyTrade(&TradeRecord{ID: "t1", Timestamp: time.Now(), Symbol: "AAA", Action: "BUY", ExecutionPrice: 100, Size: 10})

	pnl := p.RealizedPnL("AAA", 10, 105)
	if math.Abs(pnl-50) > 1e-9 {
		t.Errorf("pnl = %.2f, want 50", pnl)
	}
}
