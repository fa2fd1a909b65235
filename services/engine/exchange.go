package engine

import (
	"math"
	"math/rand"
)

// Fill frictions: slippage, market impact and fees.

// SlippageModel returns a signed price offset: buys pay more, sells receive less.
type SlippageModel interface {
	Offset(side TradeSide, price float64) float64
}

type NoSlippage struct{}

func (NoSlippage) Offset(TradeSide, float64) float64 { return 0 }

// FixedSlippage is a constant absolute offset.
type FixedSlippage struct{ Amount float64 }

func (s FixedSlippage) Offset(side TradeSide, _ float64) float64 {
	return s.Amount * side.Dir()
}

// PercentSlippage scales with the reference price.
type PercentSlippage struct{ Rate float64 }

func (s PercentSlippage) Offset(side TradeSide, price float64) float64 {
	return price * s.Rate * side.Dir()
}

// RandomSlippage draws an absolute offset uniformly from [Min, Max].
// Draws come from a per-run generator so a seed reproduces the run.
type RandomSlippage struct {
	Min, Max float64
	rng      *rand.Rand
}

func NewRandomSlippage(min, max float64, seed int64) *RandomSlippage {
	if max < min {
		min, max = max, min
	}
	return &RandomSlippage{Min: min, Max: max, rng: rand.New(rand.NewSource(seed))}
}

func (s *RandomSlippage) Offset(side TradeSide, _ float64) float64 {
	return (s.Min + s.rng.Float64()*(s.Max-s.Min)) * side.Dir()
}

// ImpactModel returns the signed price move caused by the order's own size.
type ImpactModel interface {
	Impact(side TradeSide, price, qty float64) float64
}

type NoImpact struct{}

func (NoImpact) Impact(TradeSide, float64, float64) float64 { return 0 }

// LinearImpact moves price by Factor per 10,000 units.
type LinearImpact struct{ Factor float64 }

func (m LinearImpact) Impact(side TradeSide, price, qty float64) float64 {
	return price * m.Factor * qty * side.Dir() / 10000
}

// SquareRootImpact moves price by Factor per 100 units of sqrt(qty).
type SquareRootImpact struct{ Factor float64 }

func (m SquareRootImpact) Impact(side TradeSide, price, qty float64) float64 {
	return price * m.Factor * math.Sqrt(qty) * side.Dir() / 100
}

type FeeModel interface {
	Compute(side TradeSide, price, qty float64) float64
}

// RateFee charges a flat fraction of notional on every fill.
type RateFee struct{ Rate float64 }

func (m RateFee) Compute(_ TradeSide, price, qty float64) float64 {
	return price * qty * m.Rate
}
