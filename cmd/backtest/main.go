package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/joho/godotenv"

	"github.com/greatjins/si-trading-system-sub000/internal/backtest"
	"github.com/greatjins/si-trading-system-sub000/internal/broker/ls"
	"github.com/greatjins/si-trading-system-sub000/internal/config"
	"github.com/greatjins/si-trading-system-sub000/internal/core"
	"github.com/greatjins/si-trading-system-sub000/internal/journal"
	"github.com/greatjins/si-trading-system-sub000/internal/storage"
	"github.com/greatjins/si-trading-system-sub000/internal/strategy"
	"github.com/greatjins/si-trading-system-sub000/pkg/cli"
	"github.com/greatjins/si-trading-system-sub000/pkg/logging"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	stratName := flag.String("strategy", "", "Strategy name (see -list)")
	symbolsFlag := flag.String("symbols", "", "Comma-separated symbols (one for bar strategies)")
	intervalFlag := flag.String("interval", "1d", "Bar interval (1d or 1m/3m/5m/10m/15m/30m/60m)")
	startFlag := flag.String("start", "", "Start date YYYYMMDD (default: all stored bars)")
	endFlag := flag.String("end", "", "End date YYYYMMDD")
	paramsJSON := flag.String("params", "", "Strategy parameters as JSON, e.g. '{\"fast\":5,\"slow\":20}'")
	gridJSON := flag.String("grid", "", "Parameter grid as JSON lists, e.g. '{\"fast\":[5,10],\"slow\":[20,60]}'")
	capital := flag.Float64("capital", 10_000_000, "Initial capital in KRW")
	commission := flag.Float64("commission", backtest.DefaultCommission, "Commission per side")
	slippage := flag.Float64("slippage", backtest.DefaultSlippage, "Slippage per fill")
	positionSize := flag.Float64("position-size", backtest.DefaultPositionSize, "Equity fraction per unsized buy")
	maxDrawdown := flag.Float64("max-drawdown", 0, "Drawdown tripwire (0 disables)")
	dataDir := flag.String("data", "./data", "Data directory holding stored bars")
	configPath := flag.String("config", "", "Config file for broker backfill when bars are missing")
	workers := flag.Int("workers", runtime.NumCPU(), "Grid worker count")
	topN := flag.Int("top", 10, "Grid results to print")
	save := flag.Bool("save", false, "Record the result in the journal")
	list := flag.Bool("list", false, "List registered strategies and exit")
	logLevel := flag.String("log-level", "WARN", "Log level")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("backtest version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}
	if *list {
		for _, name := range strategy.Names() {
			kind := "bar"
			if strategy.IsPortfolio(name) {
				kind = "portfolio"
			}
			fmt.Printf("%-20s %s\n", name, kind)
		}
		os.Exit(0)
	}

	_ = godotenv.Load()

	logger, err := logging.NewZapLogger(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	if *stratName == "" {
		fmt.Fprintln(os.Stderr, "-strategy is required (use -list to see choices)")
		os.Exit(1)
	}
	symbols, err := cli.ParseSymbols(*symbolsFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid -symbols: %v\n", err)
		os.Exit(1)
	}
	interval, err := core.ParseInterval(*intervalFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid -interval: %v\n", err)
		os.Exit(1)
	}
	start, end, err := cli.ParseDayRange(*startFlag, *endFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid date range: %v\n", err)
		os.Exit(1)
	}
	if end.IsZero() {
		end = time.Now().In(core.KST)
	} else {
		// Make the end date inclusive.
		end = end.AddDate(0, 0, 1)
	}

	params := strategy.Params{}
	if *paramsJSON != "" {
		if err := json.Unmarshal([]byte(*paramsJSON), &params); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid -params: %v\n", err)
			os.Exit(1)
		}
	}

	isPortfolio := strategy.IsPortfolio(*stratName)
	if isPortfolio && *gridJSON != "" {
		fmt.Fprintln(os.Stderr, "-grid is not supported for portfolio strategies")
		os.Exit(1)
	}
	if !isPortfolio && len(symbols) != 1 {
		fmt.Fprintf(os.Stderr, "strategy %q takes exactly one symbol, got %d\n", *stratName, len(symbols))
		os.Exit(1)
	}

	ctx := context.Background()
	frames, err := loadFrames(ctx, symbols, interval, start, end, *dataDir, *configPath, logger)
	if err != nil {
		logger.Error("Bar loading failed", "error", err)
		os.Exit(1)
	}

	engine, err := backtest.NewEngine(backtest.Config{
		InitialCapital: *capital,
		Commission:     *commission,
		Slippage:       *slippage,
		PositionSize:   *positionSize,
		MaxDrawdown:    *maxDrawdown,
	}, logger)
	if err != nil {
		logger.Error("Backtest setup failed", "error", err)
		os.Exit(1)
	}

	switch {
	case *gridJSON != "":
		var grid backtest.Grid
		if err := json.Unmarshal([]byte(*gridJSON), &grid); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid -grid: %v\n", err)
			os.Exit(1)
		}
		base := strategy.Spec{Name: *stratName, Symbol: symbols[0], Params: params}
		runner := backtest.NewGridRunner(engine, *workers, logger)
		results, err := runner.Run(ctx, base, grid, frames[symbols[0]])
		if err != nil {
			logger.Error("Grid run failed", "error", err)
			os.Exit(1)
		}
		printGrid(results, *topN)
		if *save && len(results) > 0 {
			saveResult(ctx, *dataDir, results[0], logger)
		}

	case isPortfolio:
		strat, err := strategy.CreatePortfolio(strategy.Spec{Name: *stratName, Params: params}, logger)
		if err != nil {
			logger.Error("Strategy setup failed", "error", err)
			os.Exit(1)
		}
		result, err := engine.RunPortfolio(ctx, strat, frames)
		if err != nil {
			logger.Error("Backtest failed", "error", err)
			os.Exit(1)
		}
		printResult(result)
		if *save {
			saveResult(ctx, *dataDir, result, logger)
		}

	default:
		strat, err := strategy.Create(strategy.Spec{Name: *stratName, Symbol: symbols[0], Params: params}, logger)
		if err != nil {
			logger.Error("Strategy setup failed", "error", err)
			os.Exit(1)
		}
		result, err := engine.Run(ctx, strat, frames[symbols[0]])
		if err != nil {
			logger.Error("Backtest failed", "error", err)
			os.Exit(1)
		}
		printResult(result)
		if *save {
			saveResult(ctx, *dataDir, result, logger)
		}
	}
}

// loadFrames reads stored bars for every symbol, backfilling from the
// broker when a config with credentials is given.
func loadFrames(ctx context.Context, symbols []string, interval core.Interval,
	start, end time.Time, dataDir, configPath string, logger core.ILogger) (map[string]*core.Frame, error) {

	clock := core.SystemClock{}
	store := storage.NewBarStore(filepath.Join(dataDir, "bars"), clock, logger)

	var broker *ls.Broker
	if configPath != "" {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		broker = ls.New(&cfg.Broker, cfg.App.DataDir, clock, logger)
		defer broker.Close()
	}

	frames := make(map[string]*core.Frame, len(symbols))
	for _, symbol := range symbols {
		bars, err := store.Load(ctx, symbol, interval, start, end)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", symbol, err)
		}
		if len(bars) == 0 && broker != nil {
			logger.Info("No stored bars, fetching from broker", "symbol", symbol, "interval", interval)
			bars, err = broker.GetOHLC(ctx, core.OHLCRequest{
				Symbol: symbol, Interval: interval, Start: start, End: end})
			if err != nil {
				return nil, fmt.Errorf("fetch %s: %w", symbol, err)
			}
			if err := store.Save(ctx, symbol, interval, bars); err != nil {
				logger.Warn("Bar persistence failed", "symbol", symbol, "error", err)
			}
		}
		if len(bars) == 0 {
			return nil, fmt.Errorf("no bars for %s %s in range (give -config to backfill)", symbol, interval)
		}
		frames[symbol] = core.NewFrame(symbol, interval, bars)
	}
	return frames, nil
}

func printResult(r *core.BacktestResult) {
	fmt.Printf("\nBacktest %s\n", r.RunID)
	fmt.Printf("Strategy:          %s %v\n", r.Strategy, r.Symbols)
	fmt.Printf("Period:            %s .. %s (%s bars)\n",
		r.Start.Format("2006-01-02"), r.End.Format("2006-01-02"), r.Interval)
	fmt.Printf("Initial capital:   %.0f KRW\n", r.InitialCapital)
	fmt.Printf("Final equity:      %.0f KRW\n", r.FinalEquity)
	fmt.Printf("Total return:      %+.2f%%\n", r.TotalReturn*100)
	fmt.Printf("Annualized:        %+.2f%%\n", r.AnnualizedReturn*100)
	fmt.Printf("Max drawdown:      %.2f%%\n", r.MaxDrawdown*100)
	fmt.Printf("Sharpe:            %.2f\n", r.Sharpe)
	fmt.Printf("Trades:            %d (win rate %.1f%%, profit factor %.2f)\n",
		r.TotalTrades, r.WinRate*100, r.ProfitFactor)
}

func printGrid(results []*core.BacktestResult, top int) {
	if len(results) == 0 {
		fmt.Println("grid produced no results")
		return
	}
	if top > len(results) {
		top = len(results)
	}
	fmt.Printf("\n%-4s %-28s %10s %8s %8s %7s %7s\n",
		"#", "params", "return", "mdd", "sharpe", "trades", "win%")
	for i := 0; i < top; i++ {
		r := results[i]
		params, _ := json.Marshal(r.Params)
		fmt.Printf("%-4d %-28s %9.2f%% %7.2f%% %8.2f %7d %6.1f%%\n",
			i+1, params, r.TotalReturn*100, r.MaxDrawdown*100, r.Sharpe,
			r.TotalTrades, r.WinRate*100)
	}
	fmt.Printf("\n%d combinations ranked by Sharpe\n", len(results))
}

func saveResult(ctx context.Context, dataDir string, result *core.BacktestResult, logger core.ILogger) {
	jnl, err := journal.New(filepath.Join(dataDir, "journal.db"))
	if err != nil {
		logger.Error("Journal unavailable", "error", err)
		return
	}
	defer jnl.Close()
	if err := jnl.RecordBacktest(ctx, result); err != nil {
		logger.Error("Result save failed", "error", err)
		return
	}
	fmt.Printf("saved as %s\n", result.RunID)
}
