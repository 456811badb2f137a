package market

import "time"

// Frame is one time-indexed market snapshot keyed by (venue, symbol,
// interval). Immutable after normalisation; execution math always uses the
// original prices, the normalised features are strategy inputs only.
type Frame struct {
	Venue     string
	Symbol    string
	Interval  string
	Timestamp time.Time

	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64

	// Optional order book top; zero when the source has no book.
	Bid     float64
	Ask     float64
	BidSize float64
	AskSize float64

	// Derived, attached by the validator/normaliser.
	Volatility float64
	SpreadBps  float64
	Features   *Features
}

// Features holds z-scored rolling features clipped to [-Clip, Clip].
type Features struct {
	CloseZ      float64
	VolumeZ     float64
	VolatilityZ float64
}

// Mid returns the mid price, falling back to close when there is no book.
func (f *Frame) Mid() float64 {
	if f.Bid > 0 && f.Ask > 0 {
		return (f.Bid + f.Ask) / 2
	}
	return f.Close
}

// LiquidationSide distinguishes forced long vs short closures.
type LiquidationSide string

const (
	LiquidationLong  LiquidationSide = "LONG"
	LiquidationShort LiquidationSide = "SHORT"
)

// LiquidationEvent is one forced closure reported by a source.
type LiquidationEvent struct {
	Timestamp time.Time
	Symbol    string
	Size      float64
	Price     float64
	Side      LiquidationSide
}
