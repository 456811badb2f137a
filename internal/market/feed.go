package market

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"ensemble-trading-engine/internal/logging"
)

// FeedConfig holds feed fan-out settings.
type FeedConfig struct {
	FetchTimeout    time.Duration
	BreakerFailures int
	BreakerCooldown time.Duration
	MaxParallel     int
	RetryAttempts   int
}

// Feed pulls snapshots from all configured sources in parallel. A slow or
// failing source contributes nothing to that tick; it never aborts the tick.
// Each source sits behind its own circuit breaker so a repeatedly failing
// venue is skipped for a cooldown instead of burning the fetch budget.
type Feed struct {
	sources  []DataSource
	symbols  []string
	cfg      FeedConfig
	breakers map[string]*gobreaker.CircuitBreaker
	logger   *logging.Logger
}

// NewFeed creates a feed over the given sources and symbol universe.
func NewFeed(sources []DataSource, symbols []string, cfg FeedConfig, logger *logging.Logger) *Feed {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}

	breakers := make(map[string]*gobreaker.CircuitBreaker, len(sources))
	for _, src := range sources {
		name := src.Name()
		failures := uint32(cfg.BreakerFailures)
		if failures == 0 {
			failures = 3
		}
		breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     cfg.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
		})
	}

	return &Feed{
		sources:  sources,
		symbols:  symbols,
		cfg:      cfg,
		breakers: breakers,
		logger:   logger.WithComponent("feed"),
	}
}

// Fetch collects the latest frame per symbol plus any liquidation events the
// sources report. The first source to answer for a symbol wins; later sources
// only fill gaps.
func (f *Feed) Fetch(ctx context.Context) (map[string]*Frame, []LiquidationEvent) {
	var mu sync.Mutex
	frames := make(map[string]*Frame, len(f.symbols))
	var liquidations []LiquidationEvent

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.MaxParallel)

	for _, src := range f.sources {
		src := src
		g.Go(func() error {
			srcCtx, cancel := context.WithTimeout(gctx, f.cfg.FetchTimeout)
			defer cancel()

			result, err := f.breakers[src.Name()].Execute(func() (interface{}, error) {
				return f.fetchFromSource(srcCtx, src)
			})
			if err != nil {
				f.logger.Warn("source fetch failed",
					"source", src.Name(), "error", err)
				return nil
			}

			sr := result.(*sourceResult)
			mu.Lock()
			for sym, frame := range sr.frames {
				if _, ok := frames[sym]; !ok {
					frames[sym] = frame
				}
			}
			liquidations = append(liquidations, sr.liquidations...)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	return frames, liquidations
}

type sourceResult struct {
	frames       map[string]*Frame
	liquidations []LiquidationEvent
}

func (f *Feed) fetchFromSource(ctx context.Context, src DataSource) (*sourceResult, error) {
	sr := &sourceResult{frames: make(map[string]*Frame, len(f.symbols))}

	var lastErr error
	for _, sym := range f.symbols {
		frame, err := f.fetchTickerRetry(ctx, src, sym)
		if err != nil {
			lastErr = err
			continue
		}
		sr.frames[sym] = frame
	}

	if events, err := src.RecentLiquidations(ctx); err == nil {
		sr.liquidations = events
	}

	// A source that answered nothing counts as a breaker failure.
	if len(sr.frames) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return sr, nil
}

// fetchTickerRetry retries transient errors with exponential backoff before
// giving the symbol up for this tick.
func (f *Feed) fetchTickerRetry(ctx context.Context, src DataSource, symbol string) (*Frame, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	attempts := uint64(f.cfg.RetryAttempts)
	if attempts == 0 {
		attempts = 3
	}

	var frame *Frame
	op := func() error {
		var err error
		frame, err = src.FetchTicker(ctx, symbol)
		return err
	}
	err := backoff.Retry(op, backoff.WithMaxRetries(backoff.WithContext(bo, ctx), attempts-1))
	if err != nil {
		return nil, err
	}
	return frame, nil
}

// Close closes all underlying sources.
func (f *Feed) Close() {
	for _, src := range f.sources {
		if err := src.Close(); err != nil {
			f.logger.Warn("source close failed", "source", src.Name(), "error", err)
		}
	}
}
