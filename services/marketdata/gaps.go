package marketdata

import (
	"time"

	"go.uber.org/zap"
)

// Gap is a stretch of missing bars between two consecutive timestamps.
type Gap struct {
	After   time.Time
	Before  time.Time
	Missing int
}

// InferStep returns the most common spacing between the first few thousand
// bars, or zero when there are fewer than two.
func InferStep(index []time.Time) time.Duration {
	limit := len(index)
	if limit > 2000 {
		limit = 2000
	}
	counts := make(map[time.Duration]int)
	var best time.Duration
	for i := 1; i < limit; i++ {
		d := index[i].Sub(index[i-1])
		if d <= 0 {
			continue
		}
		counts[d]++
		if c := counts[d]; c > counts[best] || (c == counts[best] && d < best) {
			best = d
		}
	}
	return best
}

// DetectGaps lists every spacing wider than step. A zero step is inferred.
func DetectGaps(index []time.Time, step time.Duration) []Gap {
	if step <= 0 {
		step = InferStep(index)
	}
	if step <= 0 {
		return nil
	}
	var gaps []Gap
	for i := 1; i < len(index); i++ {
		d := index[i].Sub(index[i-1])
		if d > step {
			gaps = append(gaps, Gap{After: index[i-1], Before: index[i], Missing: max(1, int(d/step)-1)})
		}
	}
	return gaps
}

// ReportGaps logs each gap as a warning. Bars are never synthesised.
func ReportGaps(logger *zap.Logger, symbol string, gaps []Gap) {
	if logger == nil || len(gaps) == 0 {
		return
	}
	for _, g := range gaps {
		logger.Warn("Gap in bar data",
			zap.String("symbol", symbol),
			zap.Time("after", g.After),
			zap.Time("before", g.Before),
			zap.Int("missing_bars", g.Missing),
		)
	}
	logger.Warn("Bar data has gaps", zap.String("symbol", symbol), zap.Int("gaps", len(gaps)))
}
