package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"ensemble-trading-engine/config"
	"ensemble-trading-engine/internal/allocation"
	"ensemble-trading-engine/internal/clock"
	"ensemble-trading-engine/internal/correlation"
	"ensemble-trading-engine/internal/ensemble"
	"ensemble-trading-engine/internal/events"
	"ensemble-trading-engine/internal/execution"
	"ensemble-trading-engine/internal/liquidation"
	"ensemble-trading-engine/internal/logging"
	"ensemble-trading-engine/internal/market"
	"ensemble-trading-engine/internal/metrics"
	"ensemble-trading-engine/internal/pipeline"
	"ensemble-trading-engine/internal/risk"
	"ensemble-trading-engine/internal/store"
	"ensemble-trading-engine/internal/strategy"
)

// Exit codes: 0 clean shutdown, 1 fatal initialisation or runtime error,
// 2 the state store is degraded and refused to serve.
const (
	exitOK       = 0
	exitFatal    = 1
	exitDegraded = 2
)

var (
	configPath  string
	metricsAddr string
	dryRun      bool
)

func main() {
	root := &cobra.Command{
		Use:           "engine",
		Short:         "Ensemble trading engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (defaults apply when empty)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the trading pipeline",
		RunE:  runEngine,
	}
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "listen address for /metrics and /status (disabled when empty)")

	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Rebuild the portfolio from the state store and print it",
		RunE:  runRecover,
	}
	recoverCmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what recovery would do without acknowledging degraded state")

	sampleCmd := &cobra.Command{
		Use:   "sample-config [file]",
		Short: "Write a sample configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return config.GenerateSampleConfig(args[0])
		},
	}

	root.AddCommand(runCmd, recoverCmd, sampleCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if err == errStoreDegraded {
			os.Exit(exitDegraded)
		}
		os.Exit(exitFatal)
	}
	os.Exit(exitOK)
}

var errStoreDegraded = fmt.Errorf("state store is degraded; inspect the trade log and acknowledge before restarting")

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		cfg := config.Default()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return config.Load(configPath)
}

func openBackend(ctx context.Context, cfg *config.Config, logger *logging.Logger) (store.Backend, error) {
	switch cfg.StoreConfig.Backend {
	case "postgres":
		return store.NewPostgresBackend(ctx, cfg.StoreConfig.Postgres, logger)
	default:
		return store.NewSQLiteBackend(ctx, cfg.StoreConfig.SQLitePath, logger)
	}
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := logging.New(&logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     cfg.LoggingConfig.Output,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
		Component:  "main",
	})
	logger.Info("starting engine",
		"mode", cfg.EngineConfig.Mode, "venue", cfg.EngineConfig.Venue,
		"backend", cfg.StoreConfig.Backend)

	clk := clock.NewReal()
	bus := events.NewBus()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Durable state first: everything downstream needs the recovered book.
	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}

	var mirror *store.RedisMirror
	if cfg.StoreConfig.Redis.Enabled {
		mirror = store.NewRedisMirror(cfg.StoreConfig.Redis, logger)
	}
	st := store.New(backend, store.Options{Mirror: mirror, Bus: bus}, logger)
	defer st.Close()

	pf, info, err := st.Recover(ctx, cfg.EngineConfig.InitialCash)
	if err != nil {
		return fmt.Errorf("recovering portfolio: %w", err)
	}
	logger.Info("portfolio recovered",
		"equity", pf.Equity(), "trades_replayed", info.TradesReplayed,
		"degraded", info.Degraded)
	if info.Degraded {
		return errStoreDegraded
	}

	backup, err := store.NewBackupWriter(cfg.StoreConfig.BackupDir, cfg.StoreConfig.RetentionDays, logger)
	if err != nil {
		return fmt.Errorf("preparing backup directory: %w", err)
	}

	// Market side.
	tick := cfg.TickInterval()
	source := market.NewSimSource(cfg.EngineConfig.Symbols, clk, cfg.ExecutionConfig.Seed)
	feed := market.NewFeed([]market.DataSource{source}, cfg.EngineConfig.Symbols, market.FeedConfig{
		FetchTimeout:    time.Duration(cfg.FeedConfig.FetchTimeout) * time.Second,
		BreakerFailures: cfg.FeedConfig.BreakerFailures,
		BreakerCooldown: time.Duration(cfg.FeedConfig.BreakerCooldown) * time.Second,
		MaxParallel:     cfg.FeedConfig.MaxParallel,
		RetryAttempts:   cfg.FeedConfig.RetryAttempts,
	}, logger)
	defer feed.Close()

	validator := market.NewValidator(market.ValidatorConfig{
		MaxStaleness:  time.Duration(float64(tick) * cfg.ValidatorConfig.MaxStalenessFactor),
		OutlierWindow: cfg.ValidatorConfig.OutlierWindow,
		MADFactor:     cfg.ValidatorConfig.OutlierMADFactor,
	}, clk, logger)
	normalizer := market.NewNormalizer(market.NormalizerConfig{
		Window: cfg.NormalizerConfig.Window,
		Clip:   cfg.NormalizerConfig.Clip,
	}, logger)

	// Strategies.
	registry := strategy.NewRegistry(strategy.RegistryConfig{
		SignalTimeout:        time.Duration(cfg.StrategyConfig.SignalTimeout) * time.Second,
		MaxConsecutiveFaults: cfg.StrategyConfig.MaxConsecutiveFaults,
		PerformanceWindow:    cfg.StrategyConfig.PerformanceWindow,
		MaxParallel:          cfg.StrategyConfig.MaxParallel,
	}, bus, logger)
	registry.Register(strategy.NewMomentumStrategy(&strategy.MomentumConfig{}))
	registry.Register(strategy.NewMeanReversionStrategy(&strategy.MeanReversionConfig{}))
	registry.Register(strategy.NewBreakoutStrategy(&strategy.BreakoutConfig{}))
	logger.Info("strategies registered", "names", fmt.Sprintf("%v", registry.Names()))

	// Decision layer.
	detector := liquidation.NewDetector(liquidation.Config{
		Window:            time.Duration(cfg.LiquidationConfig.WindowSeconds) * time.Second,
		ClusteringWindow:  time.Duration(cfg.LiquidationConfig.ClusteringWindow) * time.Second,
		CascadeThreshold:  cfg.LiquidationConfig.CascadeThreshold,
		VolumeSpikeFactor: cfg.LiquidationConfig.VolumeSpikeFactor,
		PriceImpactNorm:   cfg.LiquidationConfig.PriceImpactNorm,
	}, clk, logger)
	allocator := allocation.New(allocation.Config{
		RebalanceInterval: time.Duration(cfg.AllocationConfig.RebalanceInterval) * time.Second,
		ScoreMethod:       cfg.AllocationConfig.ScoreMethod,
		SmoothingAlpha:    cfg.AllocationConfig.SmoothingAlpha,
		MinWeight:         cfg.AllocationConfig.MinWeight,
	}, clk, logger)
	corr := correlation.NewManager(correlation.Config{
		Lookback:  cfg.CorrelationConfig.LookbackMinutes,
		Method:    cfg.CorrelationConfig.Method,
		Threshold: cfg.CorrelationConfig.Threshold,
	}, logger)
	voter := ensemble.NewVoter(ensemble.Config{
		VotingMethod:          cfg.EnsembleConfig.VotingMethod,
		ConfidenceThreshold:   cfg.EnsembleConfig.ConfidenceThreshold,
		MinAgreeingStrategies: cfg.EnsembleConfig.MinAgreeingStrategies,
	}, logger)

	riskMgr := risk.NewManager(risk.Config{
		KellyFraction:        cfg.RiskConfig.KellyFraction,
		PayoffRatio:          cfg.RiskConfig.PayoffRatio,
		MinProbability:       cfg.RiskConfig.MinProbability,
		MinSize:              cfg.RiskConfig.MinSize,
		MaxSize:              cfg.RiskConfig.MaxSize,
		CorrelationThreshold: cfg.CorrelationConfig.Threshold,
	}, risk.BreakerConfig{
		Level1Drawdown:   cfg.CircuitBreakerConfig.Level1Drawdown,
		Level2Drawdown:   cfg.CircuitBreakerConfig.Level2Drawdown,
		Level3Drawdown:   cfg.CircuitBreakerConfig.Level3Drawdown,
		Level1Multiplier: cfg.CircuitBreakerConfig.Level1Multiplier,
		Level2Multiplier: cfg.CircuitBreakerConfig.Level2Multiplier,
		Cooldown:         time.Duration(cfg.CircuitBreakerConfig.CooldownMinutes) * time.Minute,
	}, clk, logger)
	riskMgr.Breaker().OnTransition(func(from, to risk.BreakerLevel, drawdown float64) {
		bus.PublishCircuitBreaker(string(from), string(to), drawdown)
	})

	// Execution side. Only the built-in paper venue exists; live mode against
	// a real venue needs credentials and an adapter this build does not ship.
	if cfg.EngineConfig.Mode == "live" {
		creds := config.CredentialsFor(cfg.EngineConfig.Venue)
		if creds.APIKey == "" || creds.APISecret == "" {
			return fmt.Errorf("live mode: missing API credentials for venue %q", cfg.EngineConfig.Venue)
		}
		return fmt.Errorf("live venue %q is not supported by this build", cfg.EngineConfig.Venue)
	}
	venue := execution.NewPaperVenue(execution.PaperVenueConfig{
		Volatility:    0.02,
		Deterministic: cfg.ExecutionConfig.Deterministic,
		Seed:          cfg.ExecutionConfig.Seed,
	})
	optimizer := execution.NewOptimizer(execution.OptimizerConfig{
		Style:            execution.Style(cfg.ExecutionConfig.Style),
		MaxExecutionTime: time.Duration(cfg.ExecutionConfig.MaxExecutionTime) * time.Second,
		Volume30d:        cfg.ExecutionConfig.Volume30d,
		LoyaltyToken:     cfg.ExecutionConfig.LoyaltyToken,
	}, logger)
	engine := execution.NewEngine(venue, execution.EngineConfig{
		SubmitTimeout: time.Duration(cfg.ExecutionConfig.SubmitTimeout) * time.Second,
		MinFillRatio:  cfg.ExecutionConfig.MinFillRatio,
	}, clk, bus, logger)

	m := metrics.New()
	bus.Subscribe(events.EventStoreDegraded, func(events.Event) { m.IncStoreDegraded() })

	runner := pipeline.NewRunner(cfg, pipeline.Deps{
		Feed:        feed,
		Validator:   validator,
		Normalizer:  normalizer,
		Registry:    registry,
		Detector:    detector,
		Allocator:   allocator,
		Correlation: corr,
		Voter:       voter,
		Risk:        riskMgr,
		Optimizer:   optimizer,
		Engine:      engine,
		Venue:       venue,
		Store:       st,
		Backup:      backup,
		Portfolio:   pf,
		Bus:         bus,
		Metrics:     m,
		Clock:       clk,
		Logger:      logger,
	})

	if metricsAddr != "" {
		go serveStatus(metricsAddr, m, runner, logger)
	}
	go persistMetricsLoop(ctx, runner, time.Minute, logger)

	if err := runner.Run(ctx); err != nil {
		return err
	}
	logger.Info("engine stopped cleanly")
	return nil
}

func runRecover(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := logging.New(&logging.Config{
		Level:     cfg.LoggingConfig.Level,
		Output:    "stderr",
		Component: "recover",
	})

	ctx := context.Background()
	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	st := store.New(backend, store.Options{}, logger)
	defer st.Close()

	pf, info, err := st.Recover(ctx, cfg.EngineConfig.InitialCash)
	if err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}

	out := map[string]interface{}{
		"checkpoint_ts":   info.CheckpointTs,
		"trades_replayed": info.TradesReplayed,
		"degraded":        info.Degraded,
		"degraded_reason": info.DegradedReason,
		"cash":            pf.Cash,
		"equity":          pf.Equity(),
		"open_positions":  pf.OpenPositionCount(),
		"dry_run":         dryRun,
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}

	if info.Degraded && !dryRun {
		return errStoreDegraded
	}
	return nil
}

// serveStatus exposes Prometheus metrics and the JSON status snapshot.
func serveStatus(addr string, m *metrics.Metrics, runner *pipeline.Runner, logger *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(runner.Status())
	})

	logger.Info("status server listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("status server failed", "error", err)
	}
}

// persistMetricsLoop writes a metrics row on a fixed schedule until shutdown.
func persistMetricsLoop(ctx context.Context, runner *pipeline.Runner, every time.Duration, logger *logging.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := runner.SaveMetricsRow(ctx); err != nil {
				logger.Warn("metrics row not saved", "error", err)
			}
		}
	}
}
