// Kline ingest - pages Binance spot klines into the ClickHouse bars table and
// derives coarser intervals from them, so the runner's clickhouse source has
// data to read.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"signal-backtester/services/clickhouse"
	"signal-backtester/services/config"
	"signal-backtester/services/engine"
	"signal-backtester/services/marketdata"
)

type barSource interface {
	Bars(ctx context.Context, symbol, interval string, from, to time.Time) (*engine.Frame, error)
}

type barSink interface {
	InsertBars(ctx context.Context, interval string, f *engine.Frame) error
}

type ingestRequest struct {
	Symbols  []string
	Interval string
	Derive   []string
	From, To time.Time
}

func main() {
	var (
		symbols  = flag.String("symbols", "BTCUSDT", "Comma separated symbols")
		interval = flag.String("interval", "1m", "Source kline interval")
		derive   = flag.String("derive", "5m,15m", "Comma separated intervals derived from the source bars")
		from     = flag.String("from", "", "Start date YYYY-MM-DD")
		to       = flag.String("to", "", "End date YYYY-MM-DD, exclusive (default now)")
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
	var logger *zap.Logger
	if *verbose || cfg.Logging.Development {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	req, err := newRequest(*symbols, *interval, *derive, *from, *to)
	if err != nil {
		logger.Fatal("Invalid arguments", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := clickhouse.Open(ctx, cfg.ClickHouse, logger)
	if err != nil {
		logger.Fatal("Failed to connect to ClickHouse", zap.Error(err))
	}
	defer client.Close()
	if err := client.EnsureBarsSchema(ctx); err != nil {
		logger.Fatal("Failed to create bars table", zap.Error(err))
	}

	src := marketdata.NewKlineSource(cfg.Binance.APIKey, cfg.Binance.SecretKey, marketdata.WithKlineLogger(logger))
	if err := ingest(ctx, src, client, req, logger); err != nil {
		logger.Fatal("Ingest failed", zap.Error(err))
	}
}

func newRequest(symbols, interval, derive, from, to string) (ingestRequest, error) {
	req := ingestRequest{Symbols: splitList(symbols), Interval: interval, Derive: splitList(derive)}
	if len(req.Symbols) == 0 {
		return req, fmt.Errorf("-symbols is empty")
	}
	if from == "" {
		return req, fmt.Errorf("-from is required")
	}
	var err error
	if req.From, err = time.Parse("2006-01-02", from); err != nil {
		return req, fmt.Errorf("parse -from: %w", err)
	}
	req.To = time.Now().UTC()
	if to != "" {
		if req.To, err = time.Parse("2006-01-02", to); err != nil {
			return req, fmt.Errorf("parse -to: %w", err)
		}
	}
	if !req.To.After(req.From) {
		return req, fmt.Errorf("-to must be after -from")
	}
	return req, nil
}

// ingest stores the source bars of every symbol, then each derived interval.
func ingest(ctx context.Context, src barSource, sink barSink, req ingestRequest, logger *zap.Logger) error {
	steps := make([]time.Duration, len(req.Derive))
	for i, d := range req.Derive {
		step, err := marketdata.ParseInterval(d)
		if err != nil {
			return err
		}
		steps[i] = step
	}
	for _, sym := range req.Symbols {
		start := time.Now()
		f, err := src.Bars(ctx, sym, req.Interval, req.From, req.To)
		if err != nil {
			return fmt.Errorf("%s: %w", sym, err)
		}
		marketdata.ReportGaps(logger, sym, marketdata.DetectGaps(f.Index, 0))
		if err := sink.InsertBars(ctx, req.Interval, f); err != nil {
			return fmt.Errorf("%s %s: %w", sym, req.Interval, err)
		}
		for i, step := range steps {
			agg, err := marketdata.Resample(f, step)
			if err != nil {
				return fmt.Errorf("%s %s: %w", sym, req.Derive[i], err)
			}
			if err := sink.InsertBars(ctx, req.Derive[i], agg); err != nil {
				return fmt.Errorf("%s %s: %w", sym, req.Derive[i], err)
			}
		}
		logger.Info("Symbol ingested",
			zap.String("symbol", sym),
			zap.Int("bars", f.Len()),
			zap.Strings("derived", req.Derive),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
	return nil
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
