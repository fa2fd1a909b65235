// Package arrowpipeline encodes bar frames and backtest results as Apache
// Arrow IPC streams.
package arrowpipeline

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"go.uber.org/zap"

	"signal-backtester/services/engine"
)

const (
	timestampField = "timestamp"
	symbolKey      = "symbol"
	runIDKey       = "run_id"
)

// Config holds Arrow pipeline configuration.
type Config struct {
	// BatchSize caps the rows per record batch. Zero writes one batch.
	BatchSize int
}

type Pipeline struct {
	config Config
	pool   memory.Allocator
	logger *zap.Logger
}

type Option func(*Pipeline)

func WithAllocator(a memory.Allocator) Option { return func(p *Pipeline) { p.pool = a } }

func WithLogger(l *zap.Logger) Option { return func(p *Pipeline) { p.logger = l } }

func NewPipeline(cfg Config, opts ...Option) *Pipeline {
	p := &Pipeline{config: cfg, pool: memory.NewGoAllocator(), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// EncodeFrame writes every column of f as float64 next to a millisecond
// timestamp column. The symbol travels in the schema metadata.
func (p *Pipeline) EncodeFrame(f *engine.Frame) ([]byte, error) {
	if f.Len() == 0 {
		return nil, fmt.Errorf("no bars to convert")
	}
	names := f.ColumnNames()
	fields := []arrow.Field{{Name: timestampField, Type: arrow.PrimitiveTypes.Uint64}}
	cols := make([][]float64, len(names))
	for i, name := range names {
		fields = append(fields, arrow.Field{Name: name, Type: arrow.PrimitiveTypes.Float64})
		cols[i], _ = f.Column(name)
	}
	md := arrow.NewMetadata([]string{symbolKey}, []string{f.Symbol})
	schema := arrow.NewSchema(fields, &md)

	var buf bytes.Buffer
	err := p.write(&buf, schema, f.Len(), func(b *array.RecordBuilder, lo, hi int) {
		ts := b.Field(0).(*array.Uint64Builder)
		for _, t := range f.Index[lo:hi] {
			ts.Append(uint64(t.UnixMilli()))
		}
		for i, col := range cols {
			b.Field(i+1).(*array.Float64Builder).AppendValues(col[lo:hi], nil)
		}
	})
	if err != nil {
		return nil, err
	}
	p.logger.Debug("Encoded frame", zap.String("symbol", f.Symbol), zap.Int("rows", f.Len()), zap.Int("bytes", buf.Len()))
	return buf.Bytes(), nil
}

// DecodeFrame reads a stream written by EncodeFrame.
func (p *Pipeline) DecodeFrame(data []byte) (*engine.Frame, error) {
	rdr, err := ipc.NewReader(bytes.NewReader(data), ipc.WithAllocator(p.pool))
	if err != nil {
		return nil, fmt.Errorf("failed to open Arrow stream: %w", err)
	}
	defer rdr.Release()

	schema := rdr.Schema()
	if len(schema.Fields()) == 0 || schema.Field(0).Name != timestampField {
		return nil, fmt.Errorf("stream has no leading %s field", timestampField)
	}
	symbol := ""
	if i := schema.Metadata().FindKey(symbolKey); i >= 0 {
		symbol = schema.Metadata().Values()[i]
	}
	var index []time.Time
	cols := make([][]float64, len(schema.Fields())-1)
	for rdr.Next() {
		rec := rdr.Record()
		ts, ok := rec.Column(0).(*array.Uint64)
		if !ok {
			return nil, fmt.Errorf("%s column has type %s", timestampField, rec.Column(0).DataType())
		}
		for j := 0; j < ts.Len(); j++ {
			index = append(index, time.UnixMilli(int64(ts.Value(j))).UTC())
		}
		for i := range cols {
			col, ok := rec.Column(i + 1).(*array.Float64)
			if !ok {
				return nil, fmt.Errorf("column %s is not float64", schema.Field(i+1).Name)
			}
			cols[i] = append(cols[i], col.Float64Values()...)
		}
	}
	if err := rdr.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read Arrow record: %w", err)
	}
	f := engine.NewFrame(symbol, index)
	for i, col := range cols {
		if col == nil {
			col = []float64{}
		}
		if err := f.Set(schema.Field(i+1).Name, col); err != nil {
			return nil, err
		}
	}
	return f, nil
}

var resultSchemaFields = []arrow.Field{
	{Name: timestampField, Type: arrow.PrimitiveTypes.Uint64},
	{Name: "open", Type: arrow.PrimitiveTypes.Float64},
	{Name: "high", Type: arrow.PrimitiveTypes.Float64},
	{Name: "low", Type: arrow.PrimitiveTypes.Float64},
	{Name: "close", Type: arrow.PrimitiveTypes.Float64},
	{Name: "raw_signal", Type: arrow.PrimitiveTypes.Int8},
	{Name: "signal", Type: arrow.PrimitiveTypes.Int8},
	{Name: "position_size", Type: arrow.PrimitiveTypes.Float64},
	{Name: "position", Type: arrow.PrimitiveTypes.Int8},
	{Name: "units", Type: arrow.PrimitiveTypes.Float64},
	{Name: "entry_price", Type: arrow.PrimitiveTypes.Float64},
	{Name: "exit_price", Type: arrow.PrimitiveTypes.Float64},
	{Name: "trade_profit", Type: arrow.PrimitiveTypes.Float64},
	{Name: "commission", Type: arrow.PrimitiveTypes.Float64},
	{Name: "equity", Type: arrow.PrimitiveTypes.Float64},
	{Name: "anomalies", Type: arrow.PrimitiveTypes.Int32},
}

// EncodeResult writes the per-bar diagnostics table of a run.
func (p *Pipeline) EncodeResult(res *engine.Result) ([]byte, error) {
	if len(res.Bars) == 0 {
		return nil, fmt.Errorf("result has no bars")
	}
	schema := arrow.NewSchema(resultSchemaFields, resultMetadata(res))
	var buf bytes.Buffer
	err := p.write(&buf, schema, len(res.Bars), func(b *array.RecordBuilder, lo, hi int) {
		for _, r := range res.Bars[lo:hi] {
			b.Field(0).(*array.Uint64Builder).Append(uint64(r.Time.UnixMilli()))
			b.Field(1).(*array.Float64Builder).Append(r.Open)
			b.Field(2).(*array.Float64Builder).Append(r.High)
			b.Field(3).(*array.Float64Builder).Append(r.Low)
			b.Field(4).(*array.Float64Builder).Append(r.Close)
			b.Field(5).(*array.Int8Builder).Append(int8(r.RawSignal))
			b.Field(6).(*array.Int8Builder).Append(int8(r.Signal))
			b.Field(7).(*array.Float64Builder).Append(r.PositionSize)
			b.Field(8).(*array.Int8Builder).Append(int8(r.Position.Dir()))
			b.Field(9).(*array.Float64Builder).Append(r.Units)
			b.Field(10).(*array.Float64Builder).Append(r.EntryPrice)
			b.Field(11).(*array.Float64Builder).Append(r.ExitPrice)
			b.Field(12).(*array.Float64Builder).Append(r.TradeProfit)
			b.Field(13).(*array.Float64Builder).Append(r.Commission)
			b.Field(14).(*array.Float64Builder).Append(r.Equity)
			b.Field(15).(*array.Int32Builder).Append(int32(r.Anomalies))
		}
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var ledgerSchemaFields = []arrow.Field{
	{Name: "trade_id", Type: arrow.BinaryTypes.String},
	{Name: "order_id", Type: arrow.BinaryTypes.String},
	{Name: "type", Type: arrow.BinaryTypes.String},
	{Name: timestampField, Type: arrow.PrimitiveTypes.Uint64},
	{Name: "price", Type: arrow.PrimitiveTypes.Float64},
	{Name: "units", Type: arrow.PrimitiveTypes.Float64},
	{Name: "commission", Type: arrow.PrimitiveTypes.Float64},
	{Name: "profit", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
}

// EncodeLedger writes the trade ledger. Entry fills carry a null profit.
func (p *Pipeline) EncodeLedger(res *engine.Result) ([]byte, error) {
	schema := arrow.NewSchema(ledgerSchemaFields, resultMetadata(res))
	var buf bytes.Buffer
	err := p.write(&buf, schema, len(res.Ledger), func(b *array.RecordBuilder, lo, hi int) {
		for _, e := range res.Ledger[lo:hi] {
			b.Field(0).(*array.StringBuilder).Append(e.TradeID)
			b.Field(1).(*array.StringBuilder).Append(e.OrderID)
			b.Field(2).(*array.StringBuilder).Append(e.Type)
			b.Field(3).(*array.Uint64Builder).Append(uint64(e.Date.UnixMilli()))
			b.Field(4).(*array.Float64Builder).Append(e.Price)
			b.Field(5).(*array.Float64Builder).Append(e.Units)
			b.Field(6).(*array.Float64Builder).Append(e.Commission)
			profit := b.Field(7).(*array.Float64Builder)
			if e.Profit == nil {
				profit.AppendNull()
			} else {
				profit.Append(*e.Profit)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func resultMetadata(res *engine.Result) *arrow.Metadata {
	keys := []string{symbolKey}
	vals := []string{res.Symbol}
	if res.Manifest != nil {
		keys = append(keys, runIDKey, "config_hash", "data_checksum")
		vals = append(vals, res.Manifest.RunID, res.Manifest.ConfigSnapshot.ConfigHash, res.Manifest.DataChecksum)
	}
	md := arrow.NewMetadata(keys, vals)
	return &md
}

// write emits rows [0, n) as record batches of at most BatchSize rows. An
// empty table still produces a stream carrying the schema.
func (p *Pipeline) write(w io.Writer, schema *arrow.Schema, n int, fill func(b *array.RecordBuilder, lo, hi int)) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(p.pool))
	b := array.NewRecordBuilder(p.pool, schema)
	defer b.Release()

	size := p.config.BatchSize
	if size <= 0 || size > n {
		size = n
	}
	batches := 0
	for lo := 0; lo < n; lo += size {
		hi := min(lo+size, n)
		fill(b, lo, hi)
		rec := b.NewRecord()
		err := writer.Write(rec)
		rec.Release()
		if err != nil {
			writer.Close()
			return fmt.Errorf("failed to write Arrow record: %w", err)
		}
		batches++
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close Arrow stream: %w", err)
	}
	p.logger.Debug("Processing Arrow batch", zap.Int("rows", n), zap.Int("batches", batches))
	return nil
}
