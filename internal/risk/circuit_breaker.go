package risk

import (
	"sync"
	"time"

	"ensemble-trading-engine/internal/clock"
)

// BreakerLevel represents the circuit breaker severity level
type BreakerLevel string

const (
	LevelGreen   BreakerLevel = "GREEN"    // normal operation
	LevelYellow1 BreakerLevel = "YELLOW_1" // size halved
	LevelYellow2 BreakerLevel = "YELLOW_2" // size quartered
	LevelRed     BreakerLevel = "RED"      // trading halted
)

// BreakerConfig holds the drawdown thresholds and multipliers
type BreakerConfig struct {
	Level1Drawdown   float64 // e.g. -0.05
	Level2Drawdown   float64 // e.g. -0.10
	Level3Drawdown   float64 // e.g. -0.15
	Level1Multiplier float64
	Level2Multiplier float64
	Cooldown         time.Duration
}

// Trip records one breaker escalation for the history.
type Trip struct {
	From      BreakerLevel
	To        BreakerLevel
	Drawdown  float64
	Timestamp time.Time
}

// CircuitBreaker is the 3-level drawdown state machine. Worsening drawdown
// escalates immediately; recovery back to GREEN requires the drawdown above
// the first threshold AND the cooldown elapsed. The level never steps down
// partway: it holds until a full recovery.
type CircuitBreaker struct {
	mu            sync.RWMutex
	config        BreakerConfig
	clk           clock.Clock
	state         BreakerLevel
	triggeredAt   time.Time
	cooldownUntil time.Time
	history       []Trip
	onTransition  func(from, to BreakerLevel, drawdown float64)
}

// NewCircuitBreaker creates a breaker in GREEN state.
func NewCircuitBreaker(config BreakerConfig, clk clock.Clock) *CircuitBreaker {
	if config.Level1Drawdown >= 0 {
		config.Level1Drawdown = -0.05
	}
	if config.Level2Drawdown >= 0 {
		config.Level2Drawdown = -0.10
	}
	if config.Level3Drawdown >= 0 {
		config.Level3Drawdown = -0.15
	}
	if config.Level1Multiplier <= 0 {
		config.Level1Multiplier = 0.5
	}
	if config.Level2Multiplier <= 0 {
		config.Level2Multiplier = 0.25
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Minute
	}
	return &CircuitBreaker{
		config: config,
		clk:    clk,
		state:  LevelGreen,
	}
}

// OnTransition sets a callback fired on every state change.
func (cb *CircuitBreaker) OnTransition(handler func(from, to BreakerLevel, drawdown float64)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onTransition = handler
}

// Update feeds the current drawdown and returns the resulting level.
func (cb *CircuitBreaker) Update(drawdown float64) BreakerLevel {
	cb.mu.Lock()

	target := cb.levelFor(drawdown)
	now := cb.clk.Now()

	var fired *Trip
	switch {
	case severity(target) > severity(cb.state):
		// Worsening fires immediately and re-arms the cooldown.
		fired = &Trip{From: cb.state, To: target, Drawdown: drawdown, Timestamp: now}
		cb.state = target
		cb.triggeredAt = now
		cb.cooldownUntil = now.Add(cb.config.Cooldown)
		cb.history = append(cb.history, *fired)

	case target == LevelGreen && cb.state != LevelGreen:
		if !now.Before(cb.cooldownUntil) {
			fired = &Trip{From: cb.state, To: LevelGreen, Drawdown: drawdown, Timestamp: now}
			cb.state = LevelGreen
			cb.history = append(cb.history, *fired)
		}
	}

	state := cb.state
	handler := cb.onTransition
	cb.mu.Unlock()

	if fired != nil && handler != nil {
		handler(fired.From, fired.To, drawdown)
	}
	return state
}

func (cb *CircuitBreaker) levelFor(drawdown float64) BreakerLevel {
	switch {
	case drawdown <= cb.config.Level3Drawdown:
		return LevelRed
	case drawdown <= cb.config.Level2Drawdown:
		return LevelYellow2
	case drawdown <= cb.config.Level1Drawdown:
		return LevelYellow1
	default:
		return LevelGreen
	}
}

func severity(l BreakerLevel) int {
	switch l {
	case LevelYellow1:
		return 1
	case LevelYellow2:
		return 2
	case LevelRed:
		return 3
	default:
		return 0
	}
}

// State returns the current level.
func (cb *CircuitBreaker) State() BreakerLevel {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Multiplier returns the position-size multiplier for the current level.
func (cb *CircuitBreaker) Multiplier() float64 {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	switch cb.state {
	case LevelYellow1:
		return cb.config.Level1Multiplier
	case LevelYellow2:
		return cb.config.Level2Multiplier
	case LevelRed:
		return 0
	default:
		return 1
	}
}

// History returns a copy of all recorded transitions.
func (cb *CircuitBreaker) History() []Trip {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	out := make([]Trip, len(cb.history))
	copy(out, cb.history)
	return out
}

// GetStats returns breaker state for status endpoints.
func (cb *CircuitBreaker) GetStats() map[string]interface{} {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	stats := map[string]interface{}{
		"state": string(cb.state),
		"trips": len(cb.history),
	}
	if !cb.triggeredAt.IsZero() {
		stats["triggered_at"] = cb.triggeredAt
		stats["cooldown_until"] = cb.cooldownUntil
	}
	return stats
}
