package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"ensemble-trading-engine/internal/events"
	"ensemble-trading-engine/internal/logging"
	"ensemble-trading-engine/internal/portfolio"
)

// ErrDegraded is returned for writes while the store is in degraded mode.
// Reads keep working; the operator must acknowledge before trading resumes.
var ErrDegraded = errors.New("state store degraded")

// Checkpoint is one durable portfolio snapshot.
type Checkpoint struct {
	Timestamp time.Time                      `json:"ts"`
	Cash      float64                        `json:"cash"`
	Equity    float64                        `json:"equity"`
	Positions map[string]*portfolio.Position `json:"positions"`
	Marks     map[string]float64             `json:"marks"`
}

// MetricsRow is one periodic performance summary.
type MetricsRow struct {
	Timestamp   time.Time          `json:"ts"`
	TotalReturn float64            `json:"total_return"`
	Sharpe      float64            `json:"sharpe"`
	MaxDrawdown float64            `json:"max_dd"`
	WinRate     float64            `json:"win_rate"`
	TotalTrades int                `json:"total_trades"`
	Extra       map[string]float64 `json:"extra,omitempty"`
}

// rawRecord is one backend row before JSON decoding.
type rawRecord struct {
	id   string
	ts   time.Time
	data []byte
}

// Backend is the storage contract the SQL implementations satisfy. Rows carry
// opaque JSON so backends stay schema-stable across record changes. The
// methods are unexported; only in-package backends implement it.
type Backend interface {
	appendTrade(ctx context.Context, id string, ts time.Time, data []byte) error
	tradesAfter(ctx context.Context, ts time.Time) ([]rawRecord, error)
	saveCheckpoint(ctx context.Context, ts time.Time, data []byte) error
	latestCheckpoint(ctx context.Context) (*rawRecord, error)
	saveMetrics(ctx context.Context, ts time.Time, data []byte) error
	close() error
}

// Store is the durable state layer: an append-only trade log, periodic
// portfolio checkpoints and metrics rows. Writes retry once with backoff;
// a repeated failure flips the store into degraded mode.
type Store struct {
	mu       sync.RWMutex
	backend  Backend
	mirror   *RedisMirror // optional, best-effort
	bus      *events.Bus
	degraded bool
	reason   string
	logger   *logging.Logger
}

// Options carries the optional collaborators.
type Options struct {
	Mirror *RedisMirror
	Bus    *events.Bus
}

func New(b Backend, opts Options, logger *logging.Logger) *Store {
	return &Store{
		backend: b,
		mirror:  opts.Mirror,
		bus:     opts.Bus,
		logger:  logger.WithComponent("store"),
	}
}

// Degraded reports degraded mode and the reason that triggered it.
func (s *Store) Degraded() (bool, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded, s.reason
}

// Acknowledge clears degraded mode after operator intervention.
func (s *Store) Acknowledge() {
	s.mu.Lock()
	s.degraded = false
	s.reason = ""
	s.mu.Unlock()
	s.logger.Info("degraded state acknowledged")
}

func (s *Store) markDegraded(reason string) {
	s.mu.Lock()
	already := s.degraded
	s.degraded = true
	s.reason = reason
	s.mu.Unlock()

	if !already {
		s.logger.Error("entering degraded mode", "reason", reason)
		if s.bus != nil {
			s.bus.PublishStoreDegraded(reason)
		}
	}
}

// retryOnce runs op and retries once with a short backoff before the failure
// is treated as persistent.
func retryOnce(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	return backoff.Retry(op, backoff.WithMaxRetries(backoff.WithContext(bo, ctx), 1))
}

// AppendTrade persists one trade record. Refused in degraded mode.
func (s *Store) AppendTrade(ctx context.Context, tr *portfolio.TradeRecord) error {
	if degraded, _ := s.Degraded(); degraded {
		return ErrDegraded
	}

	data, err := json.Marshal(tr)
	if err != nil {
		return fmt.Errorf("encoding trade: %w", err)
	}

	err = retryOnce(ctx, func() error {
		return s.backend.appendTrade(ctx, tr.ID, tr.Timestamp, data)
	})
	if err != nil {
		s.markDegraded(fmt.Sprintf("trade append failed: %v", err))
		return fmt.Errorf("%w: %v", ErrDegraded, err)
	}
	return nil
}

// SaveCheckpoint persists a portfolio snapshot and mirrors it best-effort.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	if degraded, _ := s.Degraded(); degraded {
		return ErrDegraded
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}

	err = retryOnce(ctx, func() error {
		return s.backend.saveCheckpoint(ctx, cp.Timestamp, data)
	})
	if err != nil {
		s.markDegraded(fmt.Sprintf("checkpoint save failed: %v", err))
		return fmt.Errorf("%w: %v", ErrDegraded, err)
	}

	if s.mirror != nil {
		s.mirror.Publish(ctx, data)
	}
	return nil
}

// LatestCheckpoint reads the newest checkpoint, nil when none exists.
// Reads work even in degraded mode.
func (s *Store) LatestCheckpoint(ctx context.Context) (*Checkpoint, error) {
	raw, err := s.backend.latestCheckpoint(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}
	if raw == nil {
		return nil, nil
	}

	var cp Checkpoint
	if err := json.Unmarshal(raw.data, &cp); err != nil {
		return nil, fmt.Errorf("decoding checkpoint: %w", err)
	}
	return &cp, nil
}

// SaveMetrics persists one metrics row. Metrics failures are logged but never
// degrade the store; they are derived data.
func (s *Store) SaveMetrics(ctx context.Context, row *MetricsRow) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encoding metrics: %w", err)
	}
	if err := s.backend.saveMetrics(ctx, row.Timestamp, data); err != nil {
		s.logger.Warn("metrics write failed", "error", err)
		return err
	}
	return nil
}

// CheckpointPortfolio builds and saves a checkpoint from the live portfolio.
func (s *Store) CheckpointPortfolio(ctx context.Context, pf *portfolio.Portfolio, ts time.Time) error {
	snap := pf.Clone()
	return s.SaveCheckpoint(ctx, &Checkpoint{
		Timestamp: ts,
		Cash:      snap.Cash,
		Equity:    snap.Equity(),
		Positions: snap.Positions,
		Marks:     snap.Marks,
	})
}

// Close releases the backend.
func (s *Store) Close() error {
	if s.mirror != nil {
		s.mirror.Close()
	}
	return s.backend.close()
}
