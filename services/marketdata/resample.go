package marketdata

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"signal-backtester/services/engine"
)

// ParseInterval reads Binance style cadences: 1s, 5m, 15min, 4h, 1d, 1w.
// A bare number is minutes.
func ParseInterval(s string) (time.Duration, error) {
	raw := s
	s = strings.ToLower(strings.TrimSpace(s))
	units := []struct {
		suffix string
		unit   time.Duration
	}{
		{"min", time.Minute},
		{"s", time.Second},
		{"m", time.Minute},
		{"h", time.Hour},
		{"d", 24 * time.Hour},
		{"w", 7 * 24 * time.Hour},
	}
	unit := time.Minute
	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			s = strings.TrimSuffix(s, u.suffix)
			unit = u.unit
			break
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("unsupported interval %q", raw)
	}
	return time.Duration(n) * unit, nil
}

// Resample aggregates bars into UTC aligned buckets of step. Open is the
// first value in a bucket, close and extra columns the last, high the max,
// low the min and volume the sum. NaN cells are skipped; a bucket with no
// finite value keeps NaN.
func Resample(f *engine.Frame, step time.Duration) (*engine.Frame, error) {
	if step <= 0 {
		return nil, fmt.Errorf("resample step must be positive, got %s", step)
	}
	if err := f.Validate(engine.OHLCVColumns...); err != nil {
		return nil, err
	}
	if src := InferStep(f.Index); src > 0 && step%src != 0 {
		return nil, fmt.Errorf("target %s is not a multiple of source %s", step, src)
	}

	var (
		index  []time.Time
		starts []int
	)
	for i, ts := range f.Index {
		bucket := ts.Truncate(step)
		if len(index) == 0 || !bucket.Equal(index[len(index)-1]) {
			index = append(index, bucket)
			starts = append(starts, i)
		}
	}
	starts = append(starts, f.Len())

	out := engine.NewFrame(f.Symbol, index)
	for _, name := range f.ColumnNames() {
		col, _ := f.Column(name)
		agg := aggregator(name)
		values := make([]float64, len(index))
		for b := range index {
			values[b] = agg(col[starts[b]:starts[b+1]])
		}
		if err := out.Set(name, values); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func aggregator(column string) func([]float64) float64 {
	switch column {
	case engine.ColOpen:
		return firstFinite
	case engine.ColHigh:
		return func(v []float64) float64 { return fold(v, math.Max) }
	case engine.ColLow:
		return func(v []float64) float64 { return fold(v, math.Min) }
	case engine.ColVolume:
		return func(v []float64) float64 { return fold(v, func(a, b float64) float64 { return a + b }) }
	default:
		return lastFinite
	}
}

func firstFinite(v []float64) float64 {
	for _, x := range v {
		if !math.IsNaN(x) {
			return x
		}
	}
	return math.NaN()
}

func lastFinite(v []float64) float64 {
	for i := len(v) - 1; i >= 0; i-- {
		if !math.IsNaN(v[i]) {
			return v[i]
		}
	}
	return math.NaN()
}

func fold(v []float64, op func(a, b float64) float64) float64 {
	acc := math.NaN()
	for _, x := range v {
		switch {
		case math.IsNaN(x):
		case math.IsNaN(acc):
			acc = x
		default:
			acc = op(acc, x)
		}
	}
	return acc
}
