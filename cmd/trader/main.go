package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/greatjins/si-trading-system-sub000/internal/alert"
	"github.com/greatjins/si-trading-system-sub000/internal/broker/ls"
	"github.com/greatjins/si-trading-system-sub000/internal/config"
	"github.com/greatjins/si-trading-system-sub000/internal/core"
	"github.com/greatjins/si-trading-system-sub000/internal/engine"
	"github.com/greatjins/si-trading-system-sub000/internal/infrastructure/health"
	"github.com/greatjins/si-trading-system-sub000/internal/infrastructure/metrics"
	"github.com/greatjins/si-trading-system-sub000/internal/journal"
	"github.com/greatjins/si-trading-system-sub000/internal/market"
	"github.com/greatjins/si-trading-system-sub000/internal/risk"
	"github.com/greatjins/si-trading-system-sub000/internal/safety"
	"github.com/greatjins/si-trading-system-sub000/internal/scheduler"
	"github.com/greatjins/si-trading-system-sub000/internal/storage"
	"github.com/greatjins/si-trading-system-sub000/internal/strategy"
	"github.com/greatjins/si-trading-system-sub000/internal/universe"
	"github.com/greatjins/si-trading-system-sub000/pkg/cli"
	"github.com/greatjins/si-trading-system-sub000/pkg/logging"
	"github.com/greatjins/si-trading-system-sub000/pkg/telemetry"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/trader.yaml", "Path to configuration file")
	symbolsFlag := flag.String("symbols", "", "Comma-separated symbol override")
	paper := flag.Bool("paper", false, "Force paper-trading endpoints")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("trader version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	// .env before config load so ${VAR} expansion sees it.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *paper {
		cfg.Broker.PaperTrading = true
	}
	if *symbolsFlag != "" {
		syms, err := cli.ParseSymbols(*symbolsFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid -symbols: %v\n", err)
			os.Exit(1)
		}
		cfg.Trading.Symbols = syms
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	logger.Info("Starting trader",
		"version", version,
		"paper", cfg.Broker.PaperTrading,
		"symbols", cfg.Trading.Symbols,
		"interval", cfg.Trading.Interval,
		"scheduled", cfg.Schedule.Enabled,
	)

	if err := os.MkdirAll(cfg.App.DataDir, 0o755); err != nil {
		logger.Error("Data directory unavailable", "dir", cfg.App.DataDir, "error", err)
		os.Exit(1)
	}

	tel, err := telemetry.Setup("trader")
	if err != nil {
		logger.Warn("Telemetry setup failed", "error", err)
	}
	if err := telemetry.InitMetrics(); err != nil {
		logger.Warn("Failed to initialize metrics exporter", "error", err)
	}

	clock := core.NewServerClock()
	broker := ls.New(&cfg.Broker, cfg.App.DataDir, clock, logger)
	defer broker.Close()

	// Pre-flight checks. Live trading refuses to start on a failure;
	// paper trading logs and continues.
	checker := safety.NewChecker(logger)
	if err := checker.ValidateTradingParameters(cfg.Trading.Symbols, cfg.Trading.Interval,
		cfg.Trading.Commission, cfg.Trading.Slippage); err != nil {
		logger.Error("Trading parameters rejected", "error", err)
		os.Exit(1)
	}
	preflight := context.Background()
	probe := cfg.Trading.Symbols[0]
	if err := checker.CheckBroker(preflight, broker, probe); err != nil {
		if !cfg.Broker.PaperTrading {
			logger.Error("Broker pre-flight failed", "error", err)
			os.Exit(1)
		}
		logger.Warn("Broker pre-flight failed (paper, continuing)", "error", err)
	}
	if err := checker.CheckAccount(preflight, broker, decimal.Zero); err != nil {
		if !cfg.Broker.PaperTrading {
			logger.Error("Account pre-flight failed", "error", err)
			os.Exit(1)
		}
		logger.Warn("Account pre-flight failed (paper, continuing)", "error", err)
	}

	jnl, err := journal.New(cfg.App.JournalDSN)
	if err != nil {
		logger.Error("Journal unavailable", "dsn", cfg.App.JournalDSN, "error", err)
		os.Exit(1)
	}
	defer jnl.Close()

	store := storage.NewBarStore(cfg.Storage.BaseDir, clock, logger)
	store.SetRetention(time.Duration(cfg.Storage.RetentionDays) * 24 * time.Hour)

	alerts := alert.NewManager(logger)
	if cfg.Alert.Telegram.Enabled {
		alerts.AddChannel(alert.NewTelegramChannel(string(cfg.Alert.Telegram.BotToken), cfg.Alert.Telegram.ChatID))
	}
	if cfg.Alert.Slack.Enabled {
		alerts.AddChannel(alert.NewSlackChannel(string(cfg.Alert.Slack.WebhookURL)))
	}

	state := market.NewState(logger)
	router := market.NewRouter(state, clock)
	riskMgr := risk.NewManager(risk.Limits{
		MaxDrawdown:          cfg.Risk.MaxDrawdown,
		MaxPositionSize:      cfg.Risk.MaxPositionSize,
		MaxDailyLoss:         cfg.Risk.MaxDailyLoss,
		MaxSlippage:          cfg.Risk.MaxSlippage,
		MaxDailyTradesPerSym: cfg.Risk.MaxDailyTradesPerSymbol,
	}, clock, logger)

	strats, err := buildStrategies(cfg.Trading.Strategies, logger)
	if err != nil {
		logger.Error("Strategy setup failed", "error", err)
		os.Exit(1)
	}
	if len(strats) == 0 {
		logger.Error("No strategies configured")
		os.Exit(1)
	}

	interval, _ := core.ParseInterval(cfg.Trading.Interval)
	eng := engine.New(engine.Config{
		Interval:     interval,
		Commission:   cfg.Trading.Commission,
		CancelOnExit: cfg.System.CancelOnExit,
	}, engine.Deps{
		Broker:     broker,
		Risk:       riskMgr,
		State:      state,
		Router:     router,
		Strategies: strats,
		Journal:    jnl,
		Alerts:     alerts,
		Clock:      clock,
		Logger:     logger,
	})

	hm := health.NewManager(logger)
	hm.Register("broker", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return broker.CheckHealth(ctx)
	})
	hm.Register("journal", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return jnl.Ping(ctx)
	})

	var metricsServer *metrics.Server
	if cfg.Telemetry.EnableMetrics {
		port := cfg.Telemetry.MetricsPort
		if port == 0 {
			port = 9090
		}
		metricsServer = metrics.NewServer(port, hm, logger)
		metricsServer.Start()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sched *scheduler.Scheduler
	if cfg.Schedule.Enabled {
		scanner := universe.NewScanner(universe.Config{
			Size:              cfg.Schedule.UniverseSize,
			MinLiquidityValue: cfg.Schedule.MinLiquidityValue,
			MaxPER:            cfg.Schedule.MaxPER,
			MinROE:            cfg.Schedule.MinROE,
		}, broker, jnl, clock, logger)

		sched = scheduler.New(logger)
		jobs := []struct {
			spec string
			job  scheduler.Job
		}{
			{cfg.Schedule.UniverseScanCron, &scheduler.UniverseScanJob{Scanner: scanner, Alerts: alerts}},
			{cfg.Schedule.EngineStartCron, &scheduler.EngineStartJob{
				Trader: eng, Journal: jnl, Fallback: cfg.Trading.Symbols, Clock: clock, Logger: logger}},
			{cfg.Schedule.MarketOpenCron, &scheduler.MarketOpenJob{State: state, Logger: logger, Alerts: alerts}},
			{cfg.Schedule.SettlementCron, &scheduler.SettlementJob{
				Broker: broker, Journal: jnl, Store: store, Risk: riskMgr,
				Clock: clock, Logger: logger, Alerts: alerts, ReportDir: cfg.App.ReportDir}},
		}
		for _, j := range jobs {
			if err := sched.Add(j.spec, j.job); err != nil {
				logger.Error("Schedule setup failed", "error", err)
				os.Exit(1)
			}
		}
		sched.Start(ctx)
	} else {
		// No schedule: trade the configured symbols immediately.
		go func() {
			if err := eng.Start(ctx, cfg.Trading.Symbols); err != nil {
				logger.Error("Engine exited with error", "error", err)
				cancel()
			}
		}()
	}

	logger.Info("trader is running",
		"strategies", strategyNames(strats),
		"metrics", cfg.Telemetry.EnableMetrics,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal, gracefully shutting down", "signal", sig.String())
	case <-ctx.Done():
	}
	cancel()

	if sched != nil {
		sched.Stop()
	}
	if eng.Running() {
		eng.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if metricsServer != nil {
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			logger.Warn("Metrics server shutdown failed", "error", err)
		}
	}
	if tel != nil {
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Telemetry shutdown failed", "error", err)
		}
	}

	logger.Info("trader stopped")
}

// buildStrategies instantiates the configured strategy set. Portfolio
// strategies rebalance through the backtester and are rejected here.
func buildStrategies(specs []config.StrategySpec, logger core.ILogger) ([]core.IStrategy, error) {
	var out []core.IStrategy
	for _, sc := range specs {
		if strategy.IsPortfolio(sc.Name) {
			return nil, fmt.Errorf("strategy %q is portfolio-kind and runs through the backtester only", sc.Name)
		}
		spec := strategy.Spec{
			Name:   sc.Name,
			Symbol: sc.Symbol,
			Params: strategy.Params(sc.Params),
		}
		if sc.Conditions != nil {
			raw, err := conditionsJSON(sc.Conditions)
			if err != nil {
				return nil, fmt.Errorf("strategy %q: %w", sc.Name, err)
			}
			spec.Conditions = raw
		}
		strat, err := strategy.Create(spec, logger)
		if err != nil {
			return nil, err
		}
		out = append(out, strat)
	}
	return out, nil
}

// conditionsJSON re-encodes a YAML condition tree as the JSON form the
// dynamic strategy parses.
func conditionsJSON(c *config.ConditionSpec) (json.RawMessage, error) {
	tree := make(map[string]interface{}, 2)
	if c.Entry.Kind != 0 {
		var entry interface{}
		if err := c.Entry.Decode(&entry); err != nil {
			return nil, fmt.Errorf("entry conditions: %w", err)
		}
		tree["entry"] = entry
	}
	if c.Exit.Kind != 0 {
		var exit interface{}
		if err := c.Exit.Decode(&exit); err != nil {
			return nil, fmt.Errorf("exit conditions: %w", err)
		}
		tree["exit"] = exit
	}
	return json.Marshal(tree)
}

func strategyNames(strats []core.IStrategy) []string {
	names := make([]string, len(strats))
	for i, s := range strats {
		names[i] = s.Name()
	}
	return names
}
