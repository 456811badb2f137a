package market

import "context"

// DataSource is the venue-facing market data contract. Implementations wrap a
// venue client; rate-limit compliance is the source's responsibility.
type DataSource interface {
	// Name identifies the source in logs and breaker state.
	Name() string
	// FetchTicker returns the latest snapshot for one symbol.
	FetchTicker(ctx context.Context, symbol string) (*Frame, error)
	// FetchOHLCV returns up to limit recent candles, oldest first.
	FetchOHLCV(ctx context.Context, symbol, interval string, limit int) ([]*Frame, error)
	// RecentLiquidations returns forced-closure events seen since the last
	// call. Sources without a liquidation feed return nil.
	RecentLiquidations(ctx context.Context) ([]LiquidationEvent, error)
	// Close releases underlying connections.
	Close() error
}
