// Package clickhouse loads bars from and writes backtest results to ClickHouse.
package clickhouse

import (
	"context"
	"fmt"
	"math"
	"time"

	clickhouse "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"signal-backtester/services/engine"
)

type Config struct {
	Addr     []string
	Database string
	Username string
	Password string

	BarsTable   string
	RunsTable   string
	EquityTable string
	LedgerTable string
}

func (c Config) withDefaults() Config {
	if len(c.Addr) == 0 {
		c.Addr = []string{"localhost:9000"}
	}
	if c.Database == "" {
		c.Database = "backtest"
	}
	if c.BarsTable == "" {
		c.BarsTable = "data"
	}
	if c.RunsTable == "" {
		c.RunsTable = "runs"
	}
	if c.EquityTable == "" {
		c.EquityTable = "equity_curve"
	}
	if c.LedgerTable == "" {
		c.LedgerTable = "trade_ledger"
	}
	return c
}

// conn is the part of driver.Conn the client uses.
type conn interface {
	Exec(ctx context.Context, query string, args ...any) error
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
	PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
	Close() error
}

type Client struct {
	conn   conn
	cfg    Config
	logger *zap.Logger
}

// Open connects and pings the server.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	c, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Addr,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": uint64(0),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	if err := c.Ping(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	return newClient(c, cfg, logger), nil
}

func newClient(c conn, cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{conn: c, cfg: cfg.withDefaults(), logger: logger}
}

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) table(name string) string { return c.cfg.Database + "." + name }

// LoadBars reads [from, to) of one symbol and interval from the bars table.
// FINAL collapses ReplacingMergeTree duplicates.
func (c *Client) LoadBars(ctx context.Context, symbol, interval string, from, to time.Time) (*engine.Frame, error) {
	query := fmt.Sprintf(`SELECT open_time_ms, open, high, low, close, volume
		FROM %s FINAL
		WHERE symbol = ? AND interval = ? AND open_time_ms >= ? AND open_time_ms < ?
		ORDER BY open_time_ms`, c.table(c.cfg.BarsTable))
	rows, err := c.conn.Query(ctx, query, symbol, interval, uint64(from.UnixMilli()), uint64(to.UnixMilli()))
	if err != nil {
		return nil, fmt.Errorf("query bars: %w", err)
	}
	defer rows.Close()

	var bars []engine.Bar
	for rows.Next() {
		var (
			ts                       uint64
			open, high, low, cl, vol float64
		)
		if err := rows.Scan(&ts, &open, &high, &low, &cl, &vol); err != nil {
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		bars = append(bars, engine.Bar{
			Time: time.UnixMilli(int64(ts)).UTC(),
			Open: open, High: high, Low: low, Close: cl, Volume: vol,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read bars: %w", err)
	}
	c.logger.Info("Loaded bars from ClickHouse",
		zap.String("symbol", symbol),
		zap.String("interval", interval),
		zap.Int("bars", len(bars)),
	)
	if len(bars) == 0 {
		return nil, &engine.DataValidationError{Msg: fmt.Sprintf("no bars for %s %s", symbol, interval)}
	}
	return engine.FrameFromBars(symbol, bars), nil
}

// EnsureResultSchema creates the database and the result tables.
func (c *Client) EnsureResultSchema(ctx context.Context) error {
	return c.ensure(ctx,
		runsDDL(c.table(c.cfg.RunsTable)),
		equityDDL(c.table(c.cfg.EquityTable)),
		ledgerDDL(c.table(c.cfg.LedgerTable)),
	)
}

// EnsureBarsSchema creates the database and the bars table LoadBars reads.
func (c *Client) EnsureBarsSchema(ctx context.Context) error {
	return c.ensure(ctx, barsDDL(c.table(c.cfg.BarsTable)))
}

func (c *Client) ensure(ctx context.Context, ddls ...string) error {
	if err := c.conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", c.cfg.Database)); err != nil {
		return fmt.Errorf("create database: %w", err)
	}
	for _, ddl := range ddls {
		if err := c.conn.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// InsertBars appends the OHLCV rows of a frame under one interval. Every row
// of a call shares a version, so re-ingesting a range replaces it on merge.
func (c *Client) InsertBars(ctx context.Context, interval string, f *engine.Frame) error {
	if err := f.Validate(engine.OHLCVColumns...); err != nil {
		return err
	}
	now := time.Now().UTC()
	version := uint64(now.UnixNano())
	rows := make([][]any, f.Len())
	for i, b := range f.Bars() {
		rows[i] = []any{
			f.Symbol,
			interval,
			uint64(b.Time.UnixMilli()),
			b.Open, b.High, b.Low, b.Close, b.Volume,
			now,
			version,
		}
	}
	if err := c.insert(ctx, c.table(c.cfg.BarsTable), rows); err != nil {
		return err
	}
	c.logger.Info("Inserted bars into ClickHouse",
		zap.String("symbol", f.Symbol),
		zap.String("interval", interval),
		zap.Int("bars", len(rows)),
	)
	return nil
}

// WriteResult stores the manifest, equity curve and trade ledger of a run.
// Rows are keyed by run id, so rewriting a run replaces it after merges.
func (c *Client) WriteResult(ctx context.Context, res *engine.Result) error {
	if res.Manifest == nil {
		return fmt.Errorf("result has no manifest")
	}
	runID := res.Manifest.RunID
	inserts := []struct {
		table string
		rows  [][]any
	}{
		{c.cfg.RunsTable, [][]any{runRow(res)}},
		{c.cfg.EquityTable, equityRows(res)},
		{c.cfg.LedgerTable, ledgerRows(res)},
	}
	for _, ins := range inserts {
		if err := c.insert(ctx, c.table(ins.table), ins.rows); err != nil {
			return err
		}
	}
	c.logger.Info("Stored backtest result",
		zap.String("run_id", runID),
		zap.String("symbol", res.Symbol),
		zap.Int("bars", len(res.Bars)),
		zap.Int("fills", len(res.Ledger)),
	)
	return nil
}

func (c *Client) insert(ctx context.Context, table string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := c.conn.PrepareBatch(ctx, "INSERT INTO "+table)
	if err != nil {
		return fmt.Errorf("prepare %s: %w", table, err)
	}
	for _, r := range rows {
		if err := batch.Append(r...); err != nil {
			batch.Abort()
			return fmt.Errorf("append %s: %w", table, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send %s: %w", table, err)
	}
	return nil
}

func barsDDL(table string) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			symbol LowCardinality(String),
			interval LowCardinality(String),
			open_time_ms UInt64,
			open Float64,
			high Float64,
			low Float64,
			close Float64,
			volume Float64,
			ingested_at DateTime64(3),
			version UInt64
		)
		ENGINE = ReplacingMergeTree(version)
		PARTITION BY (symbol, interval)
		ORDER BY (symbol, interval, open_time_ms)`, table)
}

func runsDDL(table string) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			run_id String,
			symbol LowCardinality(String),
			config_hash String,
			data_checksum String,
			engine_version String,
			bars UInt32,
			from_ts DateTime64(3),
			to_ts DateTime64(3),
			initial_capital Decimal(38, 8),
			final_equity Decimal(38, 8),
			round_trips UInt32,
			anomalies UInt32,
			created_at DateTime64(3)
		)
		ENGINE = ReplacingMergeTree(created_at)
		ORDER BY (run_id)`, table)
}

func equityDDL(table string) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			run_id String,
			symbol LowCardinality(String),
			ts DateTime64(3),
			equity Decimal(38, 8),
			position Int8,
			signal Int8,
			anomalies UInt32
		)
		ENGINE = ReplacingMergeTree
		ORDER BY (run_id, ts)`, table)
}

func ledgerDDL(table string) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			run_id String,
			symbol LowCardinality(String),
			trade_id String,
			order_id String,
			side LowCardinality(String),
			ts DateTime64(3),
			price Decimal(38, 8),
			units Decimal(38, 8),
			commission Decimal(38, 8),
			profit Nullable(Decimal(38, 8))
		)
		ENGINE = ReplacingMergeTree
		ORDER BY (run_id, ts, trade_id)`, table)
}

func runRow(res *engine.Result) []any {
	m := res.Manifest
	return []any{
		m.RunID,
		res.Symbol,
		m.ConfigSnapshot.ConfigHash,
		m.DataChecksum,
		m.EngineVersion,
		uint32(m.Bars),
		m.From,
		m.To,
		toDecimal(res.Summary.InitialCapital),
		toDecimal(res.Summary.FinalEquity),
		uint32(res.Summary.RoundTrips),
		uint32(res.Summary.Anomalies),
		time.Now().UTC(),
	}
}

func equityRows(res *engine.Result) [][]any {
	rows := make([][]any, len(res.Bars))
	for i, b := range res.Bars {
		rows[i] = []any{
			res.Manifest.RunID,
			res.Symbol,
			b.Time,
			toDecimal(b.Equity),
			int8(b.Position.Dir()),
			int8(b.Signal),
			uint32(b.Anomalies),
		}
	}
	return rows
}

func ledgerRows(res *engine.Result) [][]any {
	rows := make([][]any, len(res.Ledger))
	for i, e := range res.Ledger {
		var profit *decimal.Decimal
		if e.Profit != nil {
			d := toDecimal(*e.Profit)
			profit = &d
		}
		rows[i] = []any{
			res.Manifest.RunID,
			res.Symbol,
			e.TradeID,
			e.OrderID,
			e.Type,
			e.Date,
			toDecimal(e.Price),
			toDecimal(e.Units),
			toDecimal(e.Commission),
			profit,
		}
	}
	return rows
}

// toDecimal rounds to the column scale. Non-finite values store as zero.
func toDecimal(v float64) decimal.Decimal {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(v).Round(8)
}
