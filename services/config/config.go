// Package config holds process-level settings for the drivers: data sources,
// sinks and the worker pool. Backtest parameters live in engine.Config.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"signal-backtester/services/arrowpipeline"
	"signal-backtester/services/clickhouse"
)

type EngineConfig struct {
	MaxWorkers int
}

type BinanceConfig struct {
	APIKey    string
	SecretKey string
}

type LoggingConfig struct {
	Development bool
	Level       string
}

type Config struct {
	Environment string
	Engine      EngineConfig
	ClickHouse  clickhouse.Config
	Binance     BinanceConfig
	Arrow       arrowpipeline.Config
	Logging     LoggingConfig
}

// Load reads the given .env files (or ./.env) when present, then the
// environment. Variables already set in the environment win.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	workers, err := envInt("MAX_WORKERS", 0)
	if err != nil {
		return nil, err
	}
	batch, err := envInt("ARROW_BATCH_SIZE", 65536)
	if err != nil {
		return nil, err
	}
	env := envOr("APP_ENV", "dev")
	return &Config{
		Environment: env,
		Engine:      EngineConfig{MaxWorkers: workers},
		ClickHouse: clickhouse.Config{
			Addr:        splitList(envOr("CLICKHOUSE_ADDR", "localhost:9000")),
			Database:    envOr("CH_DATABASE", "backtest"),
			Username:    envOr("CH_USER", "default"),
			Password:    os.Getenv("CH_PASSWORD"),
			BarsTable:   envOr("CH_TABLE", "data"),
			RunsTable:   envOr("CH_RUNS_TABLE", "runs"),
			EquityTable: envOr("CH_EQUITY_TABLE", "equity_curve"),
			LedgerTable: envOr("CH_LEDGER_TABLE", "trade_ledger"),
		},
		Binance: BinanceConfig{
			APIKey:    os.Getenv("BINANCE_API_KEY"),
			SecretKey: os.Getenv("BINANCE_SECRET_KEY"),
		},
		Arrow: arrowpipeline.Config{BatchSize: batch},
		Logging: LoggingConfig{
			Development: env == "dev",
			Level:       envOr("LOG_LEVEL", "info"),
		},
	}, nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
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
