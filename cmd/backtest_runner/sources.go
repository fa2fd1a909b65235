package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"signal-backtester/services/clickhouse"
	"signal-backtester/services/config"
	"signal-backtester/services/engine"
	"signal-backtester/services/marketdata"
)

type loadRequest struct {
	Source   string
	Paths    []string
	Symbols  []string
	Interval string
	From, To time.Time
}

// loadFrames returns one frame per symbol and logs any gaps found in them.
func loadFrames(ctx context.Context, req loadRequest, cfg *config.Config, logger *zap.Logger) ([]*engine.Frame, error) {
	var frames []*engine.Frame
	switch req.Source {
	case "csv":
		if len(req.Paths) == 0 {
			return nil, fmt.Errorf("-bars is required for the csv source")
		}
		for i, path := range req.Paths {
			f, err := marketdata.LoadCSV(path, marketdata.CSVOptions{Symbol: csvSymbol(req, i, path), Logger: logger})
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			frames = append(frames, f)
		}
	case "binance":
		if req.From.IsZero() {
			return nil, fmt.Errorf("-from is required for the binance source")
		}
		src := marketdata.NewKlineSource(cfg.Binance.APIKey, cfg.Binance.SecretKey, marketdata.WithKlineLogger(logger))
		for _, sym := range req.Symbols {
			f, err := src.Bars(ctx, sym, req.Interval, req.From, req.To)
			if err != nil {
				return nil, err
			}
			frames = append(frames, f)
		}
	case "clickhouse":
		client, err := clickhouse.Open(ctx, cfg.ClickHouse, logger)
		if err != nil {
			return nil, err
		}
		defer client.Close()
		for _, sym := range req.Symbols {
			f, err := client.LoadBars(ctx, sym, req.Interval, req.From, req.To)
			if err != nil {
				return nil, err
			}
			frames = append(frames, f)
		}
	default:
		return nil, fmt.Errorf("unknown source %q", req.Source)
	}
	for _, f := range frames {
		marketdata.ReportGaps(logger, f.Symbol, marketdata.DetectGaps(f.Index, 0))
	}
	return frames, nil
}

// csvSymbol pairs files with -symbols by position, falling back to the file
// name.
func csvSymbol(req loadRequest, i int, path string) string {
	if len(req.Symbols) == len(req.Paths) {
		return req.Symbols[i]
	}
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
