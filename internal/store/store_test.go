package store

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ensemble-trading-engine/internal/logging"
	"ensemble-trading-engine/internal/portfolio"
)

func newTestStore(t *testing.T) (*Store, *SQLiteBackend) {
	t.Helper()
	backend, err := NewSQLiteBackend(context.Background(),
		filepath.Join(t.TempDir(), "state.db"), logging.Nop())
	if err != nil {
		t.Fatalf("opening sqlite backend: %v", err)
	}
	s := New(backend, Options{}, logging.Nop())
	t.Cleanup(func() { s.Close() })
	return s, backend
}

func trade(id string, ts time.Time, symbol, action string, size, price, commission float64) *portfolio.TradeRecord {
	return &portfolio.TradeRecord{
		ID: id, Timestamp: ts, Symbol: symbol, Action: action,
		StrategyID: "momentum", Size: size, ExecutionPrice: price, Commission: commission,
	}
}

func TestAppendAndReplayOrdering(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Insert out of order; replay must come back time-ordered.
	for _, tr := range []*portfolio.TradeRecord{
		trade("t3", base.Add(3*time.Minute), "BTCUSDT", "BUY", 0.01, 104000, 1),
		trade("t1", base.Add(1*time.Minute), "BTCUSDT", "BUY", 0.01, 103000, 1),
		trade("t2", base.Add(2*time.Minute), "BTCUSDT", "BUY", 0.01, 103500, 1),
	} {
		if err := s.AppendTrade(ctx, tr); err != nil {
			t.Fatalf("append %s: %v", tr.ID, err)
		}
	}

	rows, err := s.backend.tradesAfter(ctx, time.Time{})
	if err != nil {
		t.Fatalf("tradesAfter: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}
	for i, want := range []string{"t1", "t2", "t3"} {
		if rows[i].id != want {
			t.Errorf("row %d = %s, want %s", i, rows[i].id, want)
		}
	}
}

func TestRecoverMatchesLivePortfolio(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Live session: one buy before the checkpoint, two trades after it.
	live := portfolio.New(10000)
	preCP := trade("t0", base, "ETHUSDT", "BUY", 2, 250, 1)
	if err := live.ApplyTrade(preCP); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendTrade(ctx, preCP); err != nil {
		t.Fatal(err)
	}
	if err := s.CheckpointPortfolio(ctx, live, base.Add(time.Minute)); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	after := []*portfolio.TradeRecord{
		trade("t1", base.Add(2*time.Minute), "ETHUSDT", "SELL", 1, 300, 1),
		trade("t2", base.Add(3*time.Minute), "ETHUSDT", "BUY", 1, 260, 0),
	}
	for _, tr := range after {
		if err := live.ApplyTrade(tr); err != nil {
			t.Fatal(err)
		}
		if err := s.AppendTrade(ctx, tr); err != nil {
			t.Fatal(err)
		}
	}

	recovered, info, err := s.Recover(ctx, 10000)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if info.Degraded {
		t.Fatalf("unexpected degraded recovery: %s", info.DegradedReason)
	}
	if info.TradesReplayed != 2 {
		t.Errorf("replayed %d trades, want 2 (checkpoint covers the first)", info.TradesReplayed)
	}

	if math.Abs(recovered.Cash-live.Cash) > 1e-9 {
		t.Errorf("recovered cash %.4f, want %.4f", recovered.Cash, live.Cash)
	}
	if math.Abs(recovered.Equity()-live.Equity()) > 1e-9 {
		t.Errorf("recovered equity %.4f, want %.4f", recovered.Equity(), live.Equity())
	}
	pos := recovered.Positions["ETHUSDT"]
	if pos == nil || math.Abs(pos.Size-2) > 1e-9 || math.Abs(pos.AvgEntryPrice-255) > 1e-9 {
		t.Errorf("recovered position %+v, want size 2 avg 255", pos)
	}
}

func TestRecoverWithoutCheckpoint(t *testing.T) {
	s, _ := newTestStore(t)

	recovered, info, err := s.Recover(context.Background(), 10000)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered.Cash != 10000 || len(recovered.Positions) != 0 {
		t.Errorf("fresh recovery should return the initial portfolio, got %+v", recovered)
	}
	if info.TradesReplayed != 0 || !info.CheckpointTs.IsZero() {
		t.Errorf("unexpected recovery info %+v", info)
	}
}

func TestCorruptTailDegradesAndRefusesWrites(t *testing.T) {
	s, backend := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	good := trade("t1", base, "BTCUSDT", "BUY", 0.01, 104000, 1)
	if err := s.AppendTrade(ctx, good); err != nil {
		t.Fatal(err)
	}
	// A torn write at the tail: valid row id, garbage payload.
	if err := backend.injectRaw(ctx, "t2", base.Add(time.Minute), `{"id":"t2","act`); err != nil {
		t.Fatal(err)
	}

	recovered, info, err := s.Recover(ctx, 10000)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if !info.Degraded {
		t.Fatal("corrupt tail must flip the store into degraded mode")
	}
	if info.TradesReplayed != 1 {
		t.Errorf("replayed %d, want the clean prefix of 1", info.TradesReplayed)
	}
	if recovered.Positions["BTCUSDT"] == nil {
		t.Error("prefix portfolio should still hold the first trade")
	}

	// Writes refused, reads still served.
	err = s.AppendTrade(ctx, trade("t3", base.Add(2*time.Minute), "BTCUSDT", "BUY", 0.01, 104000, 1))
	if !errors.Is(err, ErrDegraded) {
		t.Errorf("degraded append = %v, want ErrDegraded", err)
	}
	if err := s.SaveCheckpoint(ctx, &Checkpoint{Timestamp: base}); !errors.Is(err, ErrDegraded) {
		t.Errorf("degraded checkpoint = %v, want ErrDegraded", err)
	}
	if _, err := s.LatestCheckpoint(ctx); err != nil {
		t.Errorf("reads must keep working in degraded mode: %v", err)
	}

	// Operator acknowledgement clears the flag.
	s.Acknowledge()
	if degraded, _ := s.Degraded(); degraded {
		t.Error("acknowledge should clear degraded mode")
	}
}

func TestCheckpointRecoverCheckpointIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	live := portfolio.New(10000)
	if err := live.ApplyTrade(trade("t1", base, "SOLUSDT", "BUY", 10, 80, 2)); err != nil {
		t.Fatal(err)
	}
	if err := s.CheckpointPortfolio(ctx, live, base.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	first, _, err := s.Recover(ctx, 10000)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CheckpointPortfolio(ctx, first, base.Add(2*time.Minute)); err != nil {
		t.Fatal(err)
	}
	second, _, err := s.Recover(ctx, 10000)
	if err != nil {
		t.Fatal(err)
	}

	if math.Abs(first.Cash-second.Cash) > 1e-9 || math.Abs(first.Equity()-second.Equity()) > 1e-9 {
		t.Errorf("recover is not idempotent: %.4f/%.4f vs %.4f/%.4f",
			first.Cash, first.Equity(), second.Cash, second.Equity())
	}
}

func TestSaveMetricsNeverDegrades(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	row := &MetricsRow{
		Timestamp:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		TotalReturn: 0.053,
		Sharpe:      1.2,
		TotalTrades: 17,
	}
	if err := s.SaveMetrics(ctx, row); err != nil {
		t.Fatalf("save metrics: %v", err)
	}
	if degraded, _ := s.Degraded(); degraded {
		t.Error("metrics writes must never degrade the store")
	}
}

func TestBackupWriteLatestAndRotation(t *testing.T) {
	dir := t.TempDir()
	w, err := NewBackupWriter(dir, 30, logging.Nop())
	if err != nil {
		t.Fatal(err)
	}

	old := &Checkpoint{Timestamp: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC), Cash: 9000, Equity: 9000}
	if err := w.Write(old); err != nil {
		t.Fatal(err)
	}
	latest := &Checkpoint{
		Timestamp: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		Cash:      9500,
		Equity:    10500,
		Positions: map[string]*portfolio.Position{
			"BTCUSDT": {Symbol: "BTCUSDT", Size: 0.01, AvgEntryPrice: 100000},
		},
		Marks: map[string]float64{"BTCUSDT": 100000},
	}
	if err := w.Write(latest); err != nil {
		t.Fatal(err)
	}

	got, err := w.Latest()
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Cash != 9500 || got.Positions["BTCUSDT"] == nil {
		t.Fatalf("latest snapshot %+v, want the june checkpoint", got)
	}

	// Age the old snapshot past retention and trigger rotation.
	files, err := w.snapshots()
	if err != nil || len(files) != 2 {
		t.Fatalf("want 2 snapshots before rotation, got %d (%v)", len(files), err)
	}
	stale := time.Now().AddDate(0, 0, -31)
	if err := os.Chtimes(files[0], stale, stale); err != nil {
		t.Fatal(err)
	}
	w.rotate()

	files, err = w.snapshots()
	if err != nil || len(files) != 1 {
		t.Fatalf("want 1 snapshot after rotation, got %d (%v)", len(files), err)
	}
	if filepath.Base(files[0]) != "portfolio_20250601_000000.bin" {
		t.Errorf("survivor = %s, want the june snapshot", filepath.Base(files[0]))
	}
}
