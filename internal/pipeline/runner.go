// Package pipeline wires the full tick sequence together: feed, validation,
// normalisation, cascade gate, signal fan-out, allocation, correlation,
// voting, risk sizing, execution and persistence.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ensemble-trading-engine/config"
	"ensemble-trading-engine/internal/allocation"
	"ensemble-trading-engine/internal/correlation"
	"ensemble-trading-engine/internal/ensemble"
	"ensemble-trading-engine/internal/events"
	"ensemble-trading-engine/internal/execution"
	"ensemble-trading-engine/internal/liquidation"
	"ensemble-trading-engine/internal/logging"
	"ensemble-trading-engine/internal/market"
	"ensemble-trading-engine/internal/metrics"
	"ensemble-trading-engine/internal/portfolio"
	"ensemble-trading-engine/internal/risk"
	"ensemble-trading-engine/internal/store"
	"ensemble-trading-engine/internal/strategy"
)

// CommandType is an operator command delivered between ticks.
type CommandType string

const (
	CommandPause   CommandType = "PAUSE"
	CommandResume  CommandType = "RESUME"
	CommandFlatten CommandType = "FLATTEN"
	CommandReduce  CommandType = "REDUCE"
	CommandHalt    CommandType = "HALT"
)

// Command carries one operator instruction. Fraction applies to REDUCE only.
type Command struct {
	Type     CommandType
	Fraction float64
}

// Status is the operator-facing snapshot of the running engine.
type Status struct {
	Iteration     int64            `json:"iteration"`
	LastTick      time.Time        `json:"last_tick_ts"`
	Equity        float64          `json:"equity"`
	BreakerState  string           `json:"cb_state"`
	OpenPositions int              `json:"open_positions_count"`
	Paused        bool             `json:"paused"`
	Halted        bool             `json:"halted"`
	StoreDegraded bool             `json:"store_degraded"`
	Counters      metrics.Snapshot `json:"counters"`
}

// MarkSetter is implemented by venues that take external mark prices, which
// the paper venue does.
type MarkSetter interface {
	SetMark(symbol string, price float64)
}

// Deps bundles the pipeline's collaborators, built once in main.
type Deps struct {
	Feed        *market.Feed
	Validator   *market.Validator
	Normalizer  *market.Normalizer
	Registry    *strategy.Registry
	Detector    *liquidation.Detector
	Allocator   *allocation.Allocator
	Correlation *correlation.Manager
	Voter       *ensemble.Voter
	Risk        *risk.Manager
	Optimizer   *execution.Optimizer
	Engine      *execution.Engine
	Venue       execution.OrderVenue
	Store       *store.Store
	Backup      *store.BackupWriter
	Portfolio   *portfolio.Portfolio
	Bus         *events.Bus
	Metrics     *metrics.Metrics
	Clock       interface{ Now() time.Time }
	Logger      *logging.Logger
}

// Runner drives the tick loop. Trading mutation happens on the loop
// goroutine; the small control state is mutex-guarded so Status works from
// any goroutine.
type Runner struct {
	deps     Deps
	cfg      config.EngineConfig
	liq      config.LiquidationConfig
	storeCfg config.StoreConfig

	commands chan Command

	// Loop-goroutine state: persistence schedules and the last plan that left
	// limit children resting at the venue.
	lastCheckpoint time.Time
	lastBackup     time.Time
	restingPlan    *execution.Plan

	mu        sync.Mutex
	iteration int64
	lastTick  time.Time
	paused    bool
	halted    bool
}

func NewRunner(cfg *config.Config, deps Deps) *Runner {
	return &Runner{
		deps:     deps,
		cfg:      cfg.EngineConfig,
		liq:      cfg.LiquidationConfig,
		storeCfg: cfg.StoreConfig,
		commands: make(chan Command, 16),
	}
}

// Send queues an operator command for the next loop iteration.
func (r *Runner) Send(cmd Command) {
	r.commands <- cmd
}

// Status returns a snapshot of the running engine.
func (r *Runner) Status() Status {
	return r.snapshot()
}

// Run executes ticks until the context is cancelled. The tick in flight when
// cancellation arrives finishes, then open limit orders are cancelled and a
// final checkpoint is written.
func (r *Runner) Run(ctx context.Context) error {
	interval := time.Duration(r.cfg.TradingInterval) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}

	log := r.deps.Logger.WithComponent("pipeline")
	log.Info("engine started",
		"mode", r.cfg.Mode, "symbols", fmt.Sprintf("%v", r.cfg.Symbols),
		"interval", interval.String())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return r.shutdown(log)
		case cmd := <-r.commands:
			r.handleCommand(cmd, log)
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

func (r *Runner) shutdown(log *logging.Logger) error {
	r.mu.Lock()
	iteration := r.iteration
	r.mu.Unlock()
	log.Info("shutting down", "iteration", iteration)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r.deps.Engine.CancelOpen(ctx, r.restingPlan)

	if err := r.deps.Store.CheckpointPortfolio(ctx, r.deps.Portfolio, r.deps.Clock.Now()); err != nil {
		log.Warn("final checkpoint failed", "error", err)
	}
	if r.deps.Backup != nil {
		snap := r.deps.Portfolio.Clone()
		_ = r.deps.Backup.Write(&store.Checkpoint{
			Timestamp: r.deps.Clock.Now(),
			Cash:      snap.Cash,
			Equity:    snap.Equity(),
			Positions: snap.Positions,
			Marks:     snap.Marks,
		})
	}
	return nil
}

func (r *Runner) handleCommand(cmd Command, log *logging.Logger) {
	log.Info("command received", "command", string(cmd.Type), "fraction", cmd.Fraction)

	switch cmd.Type {
	case CommandPause:
		r.setPaused(true)
	case CommandResume:
		r.setPaused(false)
		r.setHalted(false)
	case CommandHalt:
		r.setHalted(true)
	case CommandFlatten:
		r.reducePositions(context.Background(), 1.0, "command_flatten")
	case CommandReduce:
		frac := cmd.Fraction
		if frac <= 0 || frac > 1 {
			frac = 0.5
		}
		r.reducePositions(context.Background(), frac, "command_reduce")
	}
}

func (r *Runner) snapshot() Status {
	degraded, _ := r.deps.Store.Degraded()
	r.mu.Lock()
	iteration, lastTick, paused, halted := r.iteration, r.lastTick, r.paused, r.halted
	r.mu.Unlock()

	return Status{
		Iteration:     iteration,
		LastTick:      lastTick,
		Equity:        r.deps.Portfolio.Equity(),
		BreakerState:  string(r.deps.Risk.Breaker().State()),
		OpenPositions: r.deps.Portfolio.OpenPositionCount(),
		Paused:        paused,
		Halted:        halted,
		StoreDegraded: degraded,
		Counters:      r.deps.Metrics.Snapshot(),
	}
}

func (r *Runner) setPaused(v bool) {
	r.mu.Lock()
	r.paused = v
	r.mu.Unlock()
}

func (r *Runner) setHalted(v bool) {
	r.mu.Lock()
	r.halted = v
	r.mu.Unlock()
}

func (r *Runner) suspended() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused || r.halted
}

// Tick runs one full pipeline pass. Exported so backtests and tests can step
// the engine without the wall-clock loop.
func (r *Runner) Tick(ctx context.Context) {
	log := r.deps.Logger.WithComponent("pipeline")
	start := time.Now()
	r.mu.Lock()
	r.iteration++
	iteration := r.iteration
	r.lastTick = r.deps.Clock.Now()
	r.mu.Unlock()

	defer func() {
		elapsed := time.Since(start)
		r.deps.Metrics.IncTick()
		r.deps.Metrics.ObserveTickDuration(elapsed.Seconds())

		budget := time.Duration(r.cfg.TradingInterval) * time.Second
		if budget > 0 && elapsed > budget*8/10 {
			log.Warn("tick ran long", "elapsed", elapsed.String(), "budget", budget.String())
		}
		r.maybePersist(ctx, log)
		if r.deps.Bus != nil {
			r.deps.Bus.Publish(events.Event{
				Type: events.EventTickCompleted,
				Data: map[string]interface{}{
					"iteration": iteration,
					"equity":    r.deps.Portfolio.Equity(),
					"duration":  elapsed.Seconds(),
				},
			})
		}
	}()

	// 1-3. Fetch, validate, normalise.
	frames, liquidations := r.deps.Feed.Fetch(ctx)
	frames, rejected := r.deps.Validator.Validate(frames)
	if rejected > 0 {
		log.Debug("frames rejected", "count", rejected)
	}
	frames = r.deps.Normalizer.Normalize(frames)
	if len(frames) == 0 {
		log.Warn("no valid frames this tick")
		return
	}

	// Mark everything to the latest closes before any equity math.
	for sym, frame := range frames {
		r.deps.Portfolio.SetMark(sym, frame.Close)
		if ms, ok := r.deps.Venue.(MarkSetter); ok {
			ms.SetMark(sym, frame.Close)
		}
	}

	// 4. Cascade gate. A triggered cascade replaces normal trading this tick.
	r.deps.Detector.Record(liquidations)
	if score, triggered := r.deps.Detector.Triggered(); triggered {
		r.handleCascade(ctx, score, log)
		return
	}

	// 5. Equity and circuit breaker. RED means observe-only.
	equity := r.deps.Portfolio.Equity()
	r.deps.Metrics.SetEquity(equity)
	level := r.deps.Risk.UpdateEquity(equity)
	if level == risk.LevelRed {
		r.deps.Metrics.IncSkipped("halted")
		log.Warn("circuit breaker RED, trading suspended", "equity", equity)
		return
	}

	if r.suspended() {
		r.deps.Metrics.IncSkipped("paused")
		return
	}
	if degraded, reason := r.deps.Store.Degraded(); degraded {
		r.deps.Metrics.IncSkipped("degraded_store")
		log.Warn("store degraded, refusing new trades", "reason", reason)
		return
	}

	// 6. Signal fan-out.
	signals := r.deps.Registry.Collect(ctx, frames)
	if len(signals) == 0 {
		return
	}

	// 7. Allocation weights from rolling performance.
	scores := make(map[string]allocation.StrategyScore)
	for id, snap := range r.deps.Registry.PerformanceSnapshots() {
		scores[id] = allocation.StrategyScore{
			Sharpe:    snap.Sharpe,
			WinRate:   snap.WinRate,
			AvgReturn: snap.AvgReturn,
		}
	}
	weights := r.deps.Allocator.MaybeRebalance(scores)

	// 8. Correlation penalty against strategies already holding positions.
	signals = r.deps.Correlation.Adjust(signals, r.holdingStrategies())

	// 9. Ensemble vote.
	decision := r.deps.Voter.Vote(signals, weights)
	if decision == nil {
		return
	}
	r.deps.Metrics.IncDecision()
	if r.deps.Bus != nil {
		r.deps.Bus.Publish(events.Event{
			Type: events.EventDecisionMade,
			Data: map[string]interface{}{
				"symbol":     decision.Symbol,
				"action":     string(decision.Action),
				"confidence": decision.Confidence,
				"method":     decision.VotingMethod,
			},
		})
	}

	// 10-11. Size and execute.
	r.executeDecision(ctx, decision, frames[decision.Symbol], equity, log)
}

// maybePersist writes the scheduled checkpoint and disk snapshot once their
// intervals have elapsed. Runs at the end of every tick, trading or not, so
// an idle engine still leaves a recent recovery point.
func (r *Runner) maybePersist(ctx context.Context, log *logging.Logger) {
	now := r.deps.Clock.Now()

	interval := time.Duration(r.storeCfg.CheckpointInterval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if degraded, _ := r.deps.Store.Degraded(); !degraded && now.Sub(r.lastCheckpoint) >= interval {
		if err := r.deps.Store.CheckpointPortfolio(ctx, r.deps.Portfolio, now); err != nil {
			log.Warn("scheduled checkpoint failed", "error", err)
		} else {
			r.lastCheckpoint = now
		}
	}

	if r.deps.Backup == nil {
		return
	}
	backupEvery := time.Duration(r.storeCfg.BackupInterval) * time.Second
	if backupEvery <= 0 {
		backupEvery = time.Hour
	}
	if now.Sub(r.lastBackup) >= backupEvery {
		snap := r.deps.Portfolio.Clone()
		err := r.deps.Backup.Write(&store.Checkpoint{
			Timestamp: now,
			Cash:      snap.Cash,
			Equity:    snap.Equity(),
			Positions: snap.Positions,
			Marks:     snap.Marks,
		})
		if err != nil {
			log.Warn("disk snapshot failed", "error", err)
		} else {
			r.lastBackup = now
		}
	}
}

// handleCascade applies the configured cascade action and publishes the event.
func (r *Runner) handleCascade(ctx context.Context, score liquidation.Score, log *logging.Logger) {
	action := r.liq.CascadeAction
	log.Warn("liquidation cascade detected",
		"score", score.Total, "events", score.EventCount, "action", action)
	if r.deps.Bus != nil {
		r.deps.Bus.PublishCascadeDetected("", score.Total, action)
	}

	switch action {
	case "HALT":
		r.setHalted(true)
	case "FLATTEN":
		r.reducePositions(ctx, 1.0, "cascade_flatten")
	default: // REDUCE_50
		r.reducePositions(ctx, 0.5, "cascade_reduce")
	}
}

// reducePositions sells the given fraction of every open position with
// aggressive market plans. FLATTEN and REDUCE share this path.
func (r *Runner) reducePositions(ctx context.Context, fraction float64, reason string) {
	log := r.deps.Logger.WithComponent("pipeline")

	snap := r.deps.Portfolio.Clone()
	for sym, pos := range snap.Positions {
		mark := snap.Marks[sym]
		if mark <= 0 {
			mark = pos.AvgEntryPrice
		}
		amount := pos.Size * fraction * mark
		if amount < r.deps.Venue.MinOrderSize(sym) {
			// Too small to reduce partially; flatten the remainder instead.
			amount = pos.Size * mark
		}

		plan, err := execution.NewOptimizer(execution.OptimizerConfig{
			Style: execution.StyleAggressiveMarket,
		}, r.deps.Logger).Plan(r.deps.Venue, sym, execution.SideSell, amount, 1.0, execution.MarketState{
			MidPrice: mark,
		})
		if err != nil {
			log.Warn("reduce skipped", "symbol", sym, "reason", err.Error())
			continue
		}

		res, err := r.deps.Engine.Execute(ctx, plan, r.deps.Portfolio, pos.StrategyID, mark)
		if err != nil {
			log.Warn("reduce execution failed", "symbol", sym, "error", err)
			continue
		}
		r.afterTrade(ctx, res, log)
		log.Info("position reduced",
			"symbol", sym, "fraction", fraction, "reason", reason)
	}
}

// holdingStrategies lists the strategy ids behind currently open positions.
func (r *Runner) holdingStrategies() []string {
	seen := make(map[string]bool)
	var out []string
	for _, pos := range r.deps.Portfolio.Positions {
		if pos.StrategyID != "" && !seen[pos.StrategyID] {
			seen[pos.StrategyID] = true
			out = append(out, pos.StrategyID)
		}
	}
	return out
}

func (r *Runner) executeDecision(ctx context.Context, decision *ensemble.Decision, frame *market.Frame, equity float64, log *logging.Logger) {
	portfolioCorr := r.deps.Correlation.PortfolioCorrelation(r.deps.Registry.EnabledNames())

	fraction, err := r.deps.Risk.Size(decision.Confidence, portfolioCorr)
	if err != nil {
		r.deps.Metrics.IncSkipped("halted")
		log.Warn("decision refused", "symbol", decision.Symbol, "error", err)
		return
	}
	if fraction == 0 {
		r.deps.Metrics.IncSkipped("zero_size")
		return
	}

	amount := fraction * equity
	side := execution.SideBuy
	if decision.Action == strategy.ActionSell {
		side = execution.SideSell
		pos, ok := r.deps.Portfolio.Positions[decision.Symbol]
		if !ok {
			r.deps.Metrics.IncSkipped("no_position")
			return
		}
		mark := frame.Close
		if held := pos.Size * mark; amount > held {
			amount = held
		}
	} else if amount > r.deps.Portfolio.Cash {
		// Never plan a buy the cash balance cannot settle.
		amount = r.deps.Portfolio.Cash * 0.99
	}

	state := execution.MarketState{
		MidPrice:      frame.Mid(),
		Volatility:    frame.Volatility,
		SpreadBps:     frame.SpreadBps,
		LiquidityRank: 3,
	}

	plan, err := r.deps.Optimizer.Plan(r.deps.Venue, decision.Symbol, side, amount, decision.Confidence, state)
	if err != nil {
		r.deps.Metrics.IncSkipped("below_min_size")
		log.Debug("plan skipped", "symbol", decision.Symbol, "reason", err.Error())
		return
	}

	strategyID := leadStrategy(decision)
	res, err := r.deps.Engine.Execute(ctx, plan, r.deps.Portfolio, strategyID, decision.EntryPrice)
	if err != nil {
		r.deps.Metrics.IncRevert()
		log.Warn("execution failed", "symbol", decision.Symbol, "error", err)
		return
	}

	// Remember plans with limit children so shutdown can cancel whatever is
	// still resting at the venue.
	for _, o := range plan.Orders {
		if o.Type == execution.OrderLimit {
			r.restingPlan = plan
			break
		}
	}
	r.afterTrade(ctx, res, log)
}

// afterTrade persists the trade, routes the fill and records the realised
// return for correlation tracking.
func (r *Runner) afterTrade(ctx context.Context, res *execution.Result, log *logging.Logger) {
	tr := res.Trade
	r.deps.Metrics.IncTrade()
	r.deps.Registry.OnTradeFilled(tr)

	if notional := tr.Size * tr.ExecutionPrice; notional > 0 && tr.Action == "SELL" {
		r.deps.Correlation.AddReturn(tr.StrategyID, (tr.PnL-tr.Commission)/notional)
	}

	if err := r.deps.Store.AppendTrade(ctx, tr); err != nil {
		r.deps.Metrics.IncStoreDegraded()
		log.Error("trade persistence failed", "trade_id", tr.ID, "error", err)
		return
	}
	if err := r.deps.Store.CheckpointPortfolio(ctx, r.deps.Portfolio, tr.Timestamp); err != nil {
		log.Warn("checkpoint failed", "error", err)
	} else {
		r.lastCheckpoint = tr.Timestamp
	}
}

// pooledWinRate aggregates per-strategy win rates into one portfolio figure,
// weighted by each strategy's sample count.
func (r *Runner) pooledWinRate() float64 {
	var wins, samples float64
	for _, perf := range r.deps.Registry.PerformanceSnapshots() {
		n := float64(len(perf.Returns))
		wins += perf.WinRate * n
		samples += n
	}
	if samples == 0 {
		return 0
	}
	return wins / samples
}

// leadStrategy attributes the trade to the most confident contributor.
func leadStrategy(decision *ensemble.Decision) string {
	best := ""
	bestConf := -1.0
	for _, sig := range decision.ContributingSignals {
		if sig.Action == decision.Action && sig.Confidence > bestConf {
			best = sig.StrategyID
			bestConf = sig.Confidence
		}
	}
	return best
}

// SaveMetricsRow writes one periodic performance summary, called by main on
// its metrics schedule.
func (r *Runner) SaveMetricsRow(ctx context.Context) error {
	stats := r.deps.Risk.Stats()
	snap := r.deps.Metrics.Snapshot()

	return r.deps.Store.SaveMetrics(ctx, &store.MetricsRow{
		Timestamp:   r.deps.Clock.Now(),
		TotalReturn: stats.TotalReturn,
		Sharpe:      stats.Sharpe,
		MaxDrawdown: stats.MaxDrawdown,
		WinRate:     r.pooledWinRate(),
		TotalTrades: int(snap.Trades),
		Extra: map[string]float64{
			"decisions": float64(snap.Decisions),
			"reverts":   float64(snap.Reverts),
		},
	})
}
