package engine

import (
	"math"
	"time"

	"go.uber.org/zap"
)

// Fallback selects which substitution chain applies to a value.
type Fallback int

const (
	// FallbackPrice requires a positive price and substitutes Policy.Open.
	FallbackPrice Fallback = iota
	// FallbackCapital requires a positive amount and substitutes the previous
	// valid equity, then the initial capital.
	FallbackCapital
	// FallbackEquity is FallbackCapital but accepts zero.
	FallbackEquity
	// FallbackUnits requires a positive quantity and substitutes 1.0.
	FallbackUnits
	// FallbackCommission requires a non-negative fee and substitutes 0.
	FallbackCommission
)

func (f Fallback) String() string {
	switch f {
	case FallbackPrice:
		return "price"
	case FallbackCapital:
		return "capital"
	case FallbackEquity:
		return "equity"
	case FallbackUnits:
		return "units"
	case FallbackCommission:
		return "commission"
	}
	return "unknown"
}

type Policy struct {
	Kind           Fallback
	Open           float64
	PrevEquity     float64
	InitialCapital float64
}

const fallbackUnits = 1.0

// Sanitize returns v when it is valid for p.Kind, otherwise the first valid
// fallback of the chain. The second result reports whether a substitution
// happened. A price with no valid fallback comes back as NaN.
func Sanitize(v float64, p Policy) (float64, bool) {
	switch p.Kind {
	case FallbackPrice:
		if positive(v) {
			return v, false
		}
		if positive(p.Open) {
			return p.Open, true
		}
		return math.NaN(), true
	case FallbackCapital, FallbackEquity:
		if positive(v) || (p.Kind == FallbackEquity && v == 0) {
			return v, false
		}
		if positive(p.PrevEquity) || (p.Kind == FallbackEquity && p.PrevEquity == 0) {
			return p.PrevEquity, true
		}
		if positive(p.InitialCapital) {
			return p.InitialCapital, true
		}
		return 0, true
	case FallbackUnits:
		if positive(v) {
			return v, false
		}
		return fallbackUnits, true
	case FallbackCommission:
		if v >= 0 && !math.IsInf(v, 0) {
			return v, false
		}
		return 0, true
	}
	return v, false
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0)
}

// Sanitizer applies Sanitize and records every substitution.
type Sanitizer struct {
	symbol string
	logger *zap.Logger
	events *EventLog
	count  int
}

func NewSanitizer(symbol string, logger *zap.Logger, events *EventLog) *Sanitizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sanitizer{symbol: symbol, logger: logger, events: events}
}

func (s *Sanitizer) Apply(ts time.Time, field string, v float64, p Policy) float64 {
	out, replaced := Sanitize(v, p)
	if !replaced {
		return out
	}
	s.count++
	s.logger.Warn("Numeric anomaly replaced",
		zap.String("symbol", s.symbol),
		zap.Time("ts", ts),
		zap.String("field", field),
		zap.Stringer("policy", p.Kind),
		zap.Float64("value", v),
		zap.Float64("replacement", out),
	)
	s.events.Append(Event{
		Ts:     tsMillis(ts),
		Type:   EventSanitized,
		Symbol: s.symbol,
		Details: map[string]string{
			"field":       field,
			"value":       formatFloat(v),
			"replacement": formatFloat(out),
		},
	})
	return out
}

// Count is the number of substitutions made so far.
func (s *Sanitizer) Count() int { return s.count }
