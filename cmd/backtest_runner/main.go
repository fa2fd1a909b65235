// Backtest runner: loads bars and signals, runs one backtest per symbol on the
// batch worker pool and exports ledgers, equity curves and manifests.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"signal-backtester/services/arrowpipeline"
	"signal-backtester/services/clickhouse"
	"signal-backtester/services/config"
	"signal-backtester/services/engine"
	"signal-backtester/services/marketdata"
)

func main() {
	var (
		source   = flag.String("source", "csv", "Bar source: csv, binance or clickhouse")
		barsPath = flag.String("bars", "", "Comma separated OHLCV CSV files (csv source)")
		sigPath  = flag.String("signals", "", "Optional timestamp,signal CSV merged into every frame")
		symbols  = flag.String("symbols", "BTCUSDT", "Comma separated symbols")
		interval = flag.String("interval", "1h", "Bar interval for the binance and clickhouse sources")
		from     = flag.String("from", "", "Start date YYYY-MM-DD (binance and clickhouse sources)")
		to       = flag.String("to", "", "End date YYYY-MM-DD, exclusive")
		params   = flag.String("params", "", "JSON file with engine configuration keys")
		outDir   = flag.String("out", "results", "Output directory")
		arrowOut = flag.Bool("arrow", false, "Also write Arrow IPC result and ledger files")
		sink     = flag.Bool("clickhouse-sink", false, "Store results in ClickHouse")
		envFile  = flag.String("env", "", "Optional .env file")
		verbose  = flag.Bool("verbose", false, "Enable development logging")
	)
	flag.Parse()

	var envFiles []string
	if *envFile != "" {
		envFiles = append(envFiles, *envFile)
	}
	cfg, err := config.Load(envFiles...)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := newLogger(*verbose || cfg.Logging.Development)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engineCfg, err := loadParams(*params)
	if err != nil {
		logger.Fatal("Invalid engine configuration", zap.Error(err))
	}
	logger.Info("Starting backtest runner",
		zap.String("version", engine.EngineVersion),
		zap.String("environment", cfg.Environment),
		zap.String("source", *source),
		zap.String("config_hash", engineCfg.Snapshot().ConfigHash),
	)

	req := loadRequest{
		Source:   *source,
		Paths:    splitList(*barsPath),
		Symbols:  splitList(*symbols),
		Interval: *interval,
	}
	if req.From, req.To, err = parseRange(*from, *to); err != nil {
		logger.Fatal("Invalid date range", zap.Error(err))
	}
	frames, err := loadFrames(ctx, req, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to load bars", zap.Error(err))
	}
	if *sigPath != "" {
		points, err := marketdata.LoadSignals(*sigPath, nil)
		if err != nil {
			logger.Fatal("Failed to load signals", zap.Error(err))
		}
		for i, f := range frames {
			if frames[i], err = marketdata.MergeSignals(f, engineCfg.SignalColumn, points, logger); err != nil {
				logger.Fatal("Failed to merge signals", zap.Error(err))
			}
		}
	}

	jobs := make([]engine.Job, len(frames))
	for i, f := range frames {
		c := engineCfg
		c.Symbol = f.Symbol
		jobs[i] = engine.Job{ID: uuid.NewString(), Frame: f, Config: c}
	}
	results := engine.NewBatchRunner(cfg.Engine.MaxWorkers, logger).Run(ctx, jobs)

	var store *clickhouse.Client
	if *sink {
		if store, err = clickhouse.Open(ctx, cfg.ClickHouse, logger); err != nil {
			logger.Fatal("Failed to connect to ClickHouse", zap.Error(err))
		}
		defer store.Close()
		if err := store.EnsureResultSchema(ctx); err != nil {
			logger.Fatal("Failed to create result tables", zap.Error(err))
		}
	}
	pipeline := arrowpipeline.NewPipeline(cfg.Arrow, arrowpipeline.WithLogger(logger))

	failed := 0
	for _, jr := range results {
		if jr.Err != nil {
			failed++
			continue
		}
		res := jr.Result
		dir := filepath.Join(*outDir, res.Symbol)
		if err := exportResult(dir, res); err != nil {
			logger.Error("Export failed", zap.String("symbol", res.Symbol), zap.Error(err))
			failed++
			continue
		}
		if *arrowOut {
			if err := exportArrow(dir, pipeline, res); err != nil {
				logger.Error("Arrow export failed", zap.String("symbol", res.Symbol), zap.Error(err))
			}
		}
		if store != nil {
			if err := store.WriteResult(ctx, res); err != nil {
				logger.Error("ClickHouse write failed", zap.String("symbol", res.Symbol), zap.Error(err))
			}
		}
		s := res.Summary
		fmt.Printf("%-12s equity %14.2f  return %8.2f%%  round trips %4d  anomalies %d  (%s)\n",
			res.Symbol, s.FinalEquity, s.TotalReturn*100, s.RoundTrips, s.Anomalies, jr.Duration.Round(time.Millisecond))
	}
	if failed > 0 {
		logger.Error("Some backtests failed", zap.Int("failed", failed), zap.Int("jobs", len(jobs)))
		os.Exit(1)
	}
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// loadParams reads a flat JSON object of engine keys. An empty path gives
// the defaults.
func loadParams(path string) (engine.Config, error) {
	if path == "" {
		return engine.DefaultConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return engine.Config{}, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return engine.Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return engine.ConfigFromMap(m)
}

func parseRange(from, to string) (time.Time, time.Time, error) {
	var a, b time.Time
	var err error
	if from != "" {
		if a, err = time.Parse("2006-01-02", from); err != nil {
			return a, b, fmt.Errorf("parse -from: %w", err)
		}
	}
	b = time.Now().UTC()
	if to != "" {
		if b, err = time.Parse("2006-01-02", to); err != nil {
			return a, b, fmt.Errorf("parse -to: %w", err)
		}
	}
	if !a.IsZero() && !b.After(a) {
		return a, b, fmt.Errorf("-to must be after -from")
	}
	return a, b, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
