package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ensemble-trading-engine/internal/events"
	"ensemble-trading-engine/internal/logging"
	"ensemble-trading-engine/internal/market"
	"ensemble-trading-engine/internal/portfolio"
)

// RegistryConfig holds fan-out settings.
type RegistryConfig struct {
	SignalTimeout        time.Duration
	MaxConsecutiveFaults int
	PerformanceWindow    int
	MaxParallel          int
}

type entry struct {
	strategy          Strategy
	perf              *Performance
	enabled           bool
	consecutiveFaults int
}

// Registry holds the strategy instances and fans signal generation out in
// parallel with a per-strategy timeout. A strategy that panics or errors
// contributes no signal; after enough consecutive faults it is disabled.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
	cfg     RegistryConfig
	bus     *events.Bus
	logger  *logging.Logger
}

func NewRegistry(cfg RegistryConfig, bus *events.Bus, logger *logging.Logger) *Registry {
	if cfg.SignalTimeout <= 0 {
		cfg.SignalTimeout = time.Second
	}
	if cfg.MaxConsecutiveFaults <= 0 {
		cfg.MaxConsecutiveFaults = 10
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 8
	}
	return &Registry{
		entries: make(map[string]*entry),
		cfg:     cfg,
		bus:     bus,
		logger:  logger.WithComponent("registry"),
	}
}

// Register adds a strategy. Registration order is preserved for deterministic
// iteration.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := s.Name()
	if _, ok := r.entries[name]; ok {
		r.logger.Warn("duplicate strategy registration ignored", "strategy", name)
		return
	}
	r.entries[name] = &entry{
		strategy: s,
		perf:     NewPerformance(r.cfg.PerformanceWindow),
		enabled:  true,
	}
	r.order = append(r.order, name)
}

// Names returns registered strategy ids in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// EnabledNames returns only the strategies still eligible to vote.
func (r *Registry) EnabledNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, name := range r.order {
		if r.entries[name].enabled {
			out = append(out, name)
		}
	}
	return out
}

// Collect fans signal generation out over every enabled strategy and frame.
// Nil signals (HOLD) are dropped here; the voter never sees them.
func (r *Registry) Collect(ctx context.Context, frames map[string]*market.Frame) []*Signal {
	r.mu.RLock()
	type task struct {
		name  string
		frame *market.Frame
	}
	var tasks []task
	for _, name := range r.order {
		if !r.entries[name].enabled {
			continue
		}
		for _, frame := range frames {
			tasks = append(tasks, task{name: name, frame: frame})
		}
	}
	r.mu.RUnlock()

	var mu sync.Mutex
	var signals []*Signal

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.MaxParallel)
	for _, tk := range tasks {
		tk := tk
		g.Go(func() error {
			sig, err := r.generateWithTimeout(gctx, tk.name, tk.frame)
			if err != nil {
				r.recordFault(tk.name, err)
				return nil
			}
			r.recordSuccess(tk.name)
			if sig != nil && sig.Action != ActionHold {
				mu.Lock()
				signals = append(signals, sig)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return signals
}

// generateWithTimeout runs one strategy call, converting panics to errors and
// abandoning calls that outrun the per-strategy budget.
func (r *Registry) generateWithTimeout(ctx context.Context, name string, frame *market.Frame) (*Signal, error) {
	r.mu.RLock()
	ent, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy %s", name)
	}

	type result struct {
		sig *Signal
		err error
	}
	ch := make(chan result, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- result{err: fmt.Errorf("strategy panic: %v", rec)}
			}
		}()
		sig, err := ent.strategy.GenerateSignal(frame)
		ch <- result{sig: sig, err: err}
	}()

	timer := time.NewTimer(r.cfg.SignalTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.sig, res.err
	case <-timer.C:
		return nil, fmt.Errorf("strategy %s timed out after %s", name, r.cfg.SignalTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) recordFault(name string, err error) {
	r.mu.Lock()
	ent, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	ent.consecutiveFaults++
	faults := ent.consecutiveFaults
	disabled := false
	if ent.enabled && faults >= r.cfg.MaxConsecutiveFaults {
		ent.enabled = false
		disabled = true
	}
	r.mu.Unlock()

	r.logger.Warn("strategy fault",
		"strategy", name, "consecutive", faults, "disabled", disabled, "error", err)
	if r.bus != nil {
		r.bus.PublishStrategyFault(name, faults, disabled, err)
	}
}

func (r *Registry) recordSuccess(name string) {
	r.mu.Lock()
	if ent, ok := r.entries[name]; ok {
		ent.consecutiveFaults = 0
	}
	r.mu.Unlock()
}

// OnTradeFilled routes a fill to its strategy and updates the performance
// buffer with the trade's fractional return on notional.
func (r *Registry) OnTradeFilled(tr *portfolio.TradeRecord) {
	r.mu.RLock()
	ent, ok := r.entries[tr.StrategyID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	ent.strategy.OnTradeFilled(tr)

	notional := tr.Size * tr.ExecutionPrice
	if notional > 0 {
		ent.perf.AddReturn((tr.PnL - tr.Commission) / notional)
	}
}

// PerformanceSnapshots returns current stats for every registered strategy,
// enabled or not, keyed by strategy id.
func (r *Registry) PerformanceSnapshots() map[string]PerformanceSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]PerformanceSnapshot, len(r.entries))
	for name, ent := range r.entries {
		out[name] = ent.perf.Snapshot(name)
	}
	return out
}

// Enabled reports whether a strategy is still eligible.
func (r *Registry) Enabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ent, ok := r.entries[name]
	return ok && ent.enabled
}

// SetEnabled flips a strategy's eligibility, used by operators to re-arm a
// disabled strategy.
func (r *Registry) SetEnabled(name string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ent, ok := r.entries[name]; ok {
		ent.enabled = enabled
		if enabled {
			ent.consecutiveFaults = 0
		}
	}
}
