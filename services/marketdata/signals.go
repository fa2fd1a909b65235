package marketdata

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"signal-backtester/services/engine"
)

type SignalPoint struct {
	Time  time.Time
	Value float64
}

// LoadSignals reads a two column timestamp,signal file. A header row is
// optional.
func LoadSignals(path string, loc *time.Location) ([]SignalPoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open signals: %w", err)
	}
	defer f.Close()
	return ReadSignals(f, loc)
}

func ReadSignals(r io.Reader, loc *time.Location) ([]SignalPoint, error) {
	if loc == nil {
		loc = time.UTC
	}
	cr := csv.NewReader(decodeUTF16(r))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	var out []SignalPoint
	first := true
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil || len(rec) < 2 {
			first = false
			continue
		}
		if first {
			first = false
			rec[0] = strings.TrimPrefix(rec[0], "\ufeff")
			if isHeader(rec) {
				continue
			}
		}
		ts, err := parseTime(rec[0], loc)
		if err != nil {
			continue
		}
		out = append(out, SignalPoint{Time: ts, Value: parseNumber(rec[1])})
	}
	if len(out) == 0 {
		return nil, &engine.DataValidationError{Msg: "no signals parsed"}
	}
	return out, nil
}

// MergeSignals returns a copy of f with column filled from points matched on
// exact timestamps. Bars without a signal hold.
func MergeSignals(f *engine.Frame, column string, points []SignalPoint, logger *zap.Logger) (*engine.Frame, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	byTime := make(map[int64]float64, len(points))
	for _, p := range points {
		byTime[p.Time.UnixNano()] = p.Value
	}
	col := make([]float64, f.Len())
	matched := 0
	for i, ts := range f.Index {
		if v, ok := byTime[ts.UnixNano()]; ok {
			col[i] = v
			matched++
		}
	}
	out := f.Clone()
	if err := out.Set(column, col); err != nil {
		return nil, err
	}
	if matched < f.Len() || matched < len(byTime) {
		logger.Warn("Signals do not cover every bar",
			zap.String("symbol", f.Symbol),
			zap.Int("bars", f.Len()),
			zap.Int("signals", len(byTime)),
			zap.Int("matched", matched),
		)
	}
	return out, nil
}
