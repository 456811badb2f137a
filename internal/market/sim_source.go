package market

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ensemble-trading-engine/internal/clock"
)

// SimSource provides simulated market data for paper trading and tests.
// Prices follow a random walk around realistic base levels; liquidation
// events can be injected for cascade scenarios.
type SimSource struct {
	mu           sync.RWMutex
	prices       map[string]float64
	lastUpdate   time.Time
	clk          clock.Clock
	rng          *rand.Rand
	limiter      *rate.Limiter
	liquidations []LiquidationEvent
	failNext     int
}

// NewSimSource creates a simulated source for the given symbols. Symbols
// without a known base price start at 100.
func NewSimSource(symbols []string, clk clock.Clock, seed int64) *SimSource {
	base := map[string]float64{
		"BTCUSDT": 104500.00,
		"ETHUSDT": 3900.00,
		"BNBUSDT": 710.00,
		"SOLUSDT": 220.00,
		"XRPUSDT": 2.35,
		"ADAUSDT": 1.05,
	}

	prices := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		if p, ok := base[s]; ok {
			prices[s] = p
		} else {
			prices[s] = 100.0
		}
	}

	return &SimSource{
		prices:     prices,
		lastUpdate: clk.Now(),
		clk:        clk,
		rng:        rand.New(rand.NewSource(seed)),
		limiter:    rate.NewLimiter(rate.Limit(20), 40), // 20 req/s, burst 40
	}
}

func (s *SimSource) Name() string { return "sim" }

// updatePrices adds small random variations to simulate market movement
func (s *SimSource) updatePrices() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.clk.Now().Sub(s.lastUpdate) < time.Second {
		return
	}

	for symbol, price := range s.prices {
		// Random walk: -0.5% to +0.5% change
		change := (s.rng.Float64() - 0.5) * 0.01
		s.prices[symbol] = price * (1 + change)
	}
	s.lastUpdate = s.clk.Now()
}

// FetchTicker returns a simulated snapshot with a tight synthetic book.
func (s *SimSource) FetchTicker(ctx context.Context, symbol string) (*Frame, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	s.updatePrices()

	s.mu.Lock()
	if s.failNext > 0 {
		s.failNext--
		s.mu.Unlock()
		return nil, fmt.Errorf("sim source: injected failure for %s", symbol)
	}
	price, ok := s.prices[symbol]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("sim source: unknown symbol %s", symbol)
	}

	spread := price * 0.0002
	return &Frame{
		Venue:     s.Name(),
		Symbol:    symbol,
		Interval:  "tick",
		Timestamp: s.clk.Now(),
		Open:      price,
		High:      price * 1.0005,
		Low:       price * 0.9995,
		Close:     price,
		Volume:    price * (1000 + s.rng.Float64()*5000),
		Bid:       price - spread/2,
		Ask:       price + spread/2,
		BidSize:   10 + s.rng.Float64()*90,
		AskSize:   10 + s.rng.Float64()*90,
	}, nil
}

// FetchOHLCV generates candles working backwards from the current price.
func (s *SimSource) FetchOHLCV(ctx context.Context, symbol, interval string, limit int) ([]*Frame, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	s.updatePrices()

	s.mu.RLock()
	basePrice, ok := s.prices[symbol]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("sim source: unknown symbol %s", symbol)
	}

	step := intervalDuration(interval)
	now := s.clk.Now()
	frames := make([]*Frame, 0, limit)

	currentPrice := basePrice
	for i := 0; i < limit; i++ {
		openTime := now.Add(-time.Duration(limit-i) * step)

		volatility := 0.02
		open := currentPrice
		change := (s.rng.Float64() - 0.5) * volatility * 2
		close := open * (1 + change)
		high := math.Max(open, close) * (1 + s.rng.Float64()*volatility*0.5)
		low := math.Min(open, close) * (1 - s.rng.Float64()*volatility*0.5)

		frames = append(frames, &Frame{
			Venue:     s.Name(),
			Symbol:    symbol,
			Interval:  interval,
			Timestamp: openTime,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     close,
			Volume:    basePrice * (1000 + s.rng.Float64()*5000),
		})
		currentPrice = close
	}
	return frames, nil
}

// RecentLiquidations drains the injected event queue.
func (s *SimSource) RecentLiquidations(ctx context.Context) ([]LiquidationEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.liquidations
	s.liquidations = nil
	return out, nil
}

// InjectLiquidations queues events for the next RecentLiquidations call.
func (s *SimSource) InjectLiquidations(events []LiquidationEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.liquidations = append(s.liquidations, events...)
}

// FailNext makes the next n FetchTicker calls error, for breaker tests.
func (s *SimSource) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// SetPrice pins a symbol's price, for deterministic scenarios.
func (s *SimSource) SetPrice(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
}

func (s *SimSource) Close() error { return nil }

func intervalDuration(interval string) time.Duration {
	switch interval {
	case "1m":
		return time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "1h":
		return time.Hour
	case "4h":
		return 4 * time.Hour
	case "1d":
		return 24 * time.Hour
	default:
		return time.Minute
	}
}
