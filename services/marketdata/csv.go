// Package marketdata loads bars and signals into engine frames.
package marketdata

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"signal-backtester/services/engine"
)

// Recognised names for the timestamp column, lower case.
var timeColumns = []string{"timestamp", "timestamp_ms", "open_time_ms", "time", "date", "datetime"}

// Positional layout used when a file has no header row.
var positional = []string{"timestamp", engine.ColOpen, engine.ColHigh, engine.ColLow, engine.ColClose, engine.ColVolume, "signal"}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

type CSVOptions struct {
	Symbol string
	// Location for timestamps without a zone. Defaults to UTC.
	Location *time.Location
	Logger   *zap.Logger
}

type row struct {
	ts     time.Time
	values []float64
}

// LoadCSV reads an OHLCV file into a frame.
func LoadCSV(path string, opts CSVOptions) (*engine.Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()
	return ReadCSV(f, opts)
}

// ReadCSV parses OHLCV rows with an optional header. Extra numeric columns
// (a signal column, for instance) are kept. Unparseable cells become NaN and
// are left to the engine's sanitizer; rows with an unparseable timestamp are
// skipped. Rows are sorted by time and duplicate timestamps keep the last row.
func ReadCSV(r io.Reader, opts CSVOptions) (*engine.Frame, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}

	cr := csv.NewReader(decodeUTF16(r))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	var (
		names   []string
		tsCol   int
		rows    []row
		skipped int
		line    int
	)
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			skipped++
			continue
		}
		if line == 1 {
			rec[0] = strings.TrimPrefix(rec[0], "\ufeff")
			if isHeader(rec) {
				names, tsCol, err = headerColumns(rec)
				if err != nil {
					return nil, err
				}
				continue
			}
			names, tsCol = positional[:min(len(rec), len(positional))], 0
		}
		if len(rec) < 5 {
			skipped++
			continue
		}
		ts, err := parseTime(rec[tsCol], loc)
		if err != nil {
			skipped++
			continue
		}
		vals := make([]float64, len(names))
		for i := range names {
			vals[i] = math.NaN()
			if i < len(rec) && i != tsCol {
				vals[i] = parseNumber(rec[i])
			}
		}
		rows = append(rows, row{ts: ts, values: vals})
	}
	if skipped > 0 {
		logger.Warn("Skipped unreadable CSV rows", zap.String("symbol", opts.Symbol), zap.Int("rows", skipped))
	}
	if len(rows) == 0 {
		return nil, &engine.DataValidationError{Msg: "no rows parsed"}
	}

	rows = sortDedup(rows)
	index := make([]time.Time, len(rows))
	for i, r := range rows {
		index[i] = r.ts
	}
	frame := engine.NewFrame(opts.Symbol, index)
	for c, name := range names {
		if c == tsCol || name == "" {
			continue
		}
		col := make([]float64, len(rows))
		numeric := false
		for i, r := range rows {
			col[i] = r.values[c]
			numeric = numeric || !math.IsNaN(col[i])
		}
		// text columns such as a symbol never parse
		if !numeric && !contains(engine.OHLCVColumns, name) {
			continue
		}
		if err := frame.Set(name, col); err != nil {
			return nil, err
		}
	}
	logger.Debug("Loaded CSV",
		zap.String("symbol", opts.Symbol),
		zap.Int("bars", frame.Len()),
		zap.Strings("columns", frame.ColumnNames()),
	)
	return frame, nil
}

// decodeUTF16 transcodes UTF-16 input (detected by its BOM) to UTF-8.
func decodeUTF16(r io.Reader) io.Reader {
	br := bufio.NewReader(r)
	b, _ := br.Peek(2)
	if len(b) < 2 {
		return br
	}
	switch {
	case b[0] == 0xFF && b[1] == 0xFE:
		return transform.NewReader(br, unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder())
	case b[0] == 0xFE && b[1] == 0xFF:
		return transform.NewReader(br, unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM).NewDecoder())
	}
	return br
}

func isHeader(rec []string) bool {
	first := strings.TrimSpace(rec[0])
	if _, err := strconv.ParseFloat(first, 64); err == nil {
		return false
	}
	for _, layout := range dateLayouts {
		if _, err := time.Parse(layout, first); err == nil {
			return false
		}
	}
	return true
}

func headerColumns(rec []string) ([]string, int, error) {
	names := make([]string, len(rec))
	tsCol := -1
	for i, h := range rec {
		h = strings.ToLower(strings.TrimSpace(strings.Trim(h, `"`)))
		names[i] = h
		if tsCol < 0 && contains(timeColumns, h) {
			tsCol = i
		}
	}
	if tsCol < 0 {
		return nil, 0, &engine.DataValidationError{Missing: []string{"timestamp"}}
	}
	var missing []string
	for _, c := range engine.OHLCVColumns {
		if !contains(names, c) {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return nil, 0, &engine.DataValidationError{Missing: missing}
	}
	return names, tsCol, nil
}

// parseTime accepts unix seconds or milliseconds, or a date string.
func parseTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(strings.Trim(s, `"`))
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e11 || n < -1e11 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// parseNumber goes through decimal so that quoted and exponent forms parse
// the same way the exchange dumps write them.
func parseNumber(s string) float64 {
	s = strings.TrimSpace(strings.Trim(s, `"`))
	if s == "" {
		return math.NaN()
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		if v, ferr := strconv.ParseFloat(s, 64); ferr == nil {
			// NaN and Inf literals
			return v
		}
		return math.NaN()
	}
	return d.InexactFloat64()
}

func sortDedup(rows []row) []row {
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].ts.Before(rows[j].ts) })
	out := rows[:0]
	for _, r := range rows {
		if n := len(out); n > 0 && out[n-1].ts.Equal(r.ts) {
			out[n-1] = r
			continue
		}
		out = append(out, r)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// WriteCSV writes the frame with a timestamp_ms column, then OHLCV, then any
// other columns by name. NaN cells are left empty.
func WriteCSV(w io.Writer, f *engine.Frame) error {
	names := append([]string(nil), engine.OHLCVColumns...)
	for _, name := range f.ColumnNames() {
		if !contains(engine.OHLCVColumns, name) {
			names = append(names, name)
		}
	}
	cols := make([][]float64, len(names))
	for i, name := range names {
		col, ok := f.Column(name)
		if !ok {
			return &engine.DataValidationError{Missing: []string{name}}
		}
		cols[i] = col
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(append([]string{"timestamp_ms"}, names...)); err != nil {
		return err
	}
	rec := make([]string, len(names)+1)
	for i, ts := range f.Index {
		rec[0] = strconv.FormatInt(ts.UnixMilli(), 10)
		for j, col := range cols {
			rec[j+1] = formatCell(col[i])
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatCell(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ""
	}
	return decimal.NewFromFloat(v).StringFixed(8)
}
