package engine

import (
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"
)

type SizingMethod string

const (
	SizingFixed           SizingMethod = "fixed"
	SizingKelly           SizingMethod = "kelly"
	SizingVolatility      SizingMethod = "volatility"
	SizingPercentOfEquity SizingMethod = "percent_of_equity"
	SizingOptimalF        SizingMethod = "optimal_f"
)

func ParseSizingMethod(s string) (SizingMethod, error) {
	m := SizingMethod(strings.ToLower(strings.TrimSpace(s)))
	switch m {
	case SizingFixed, SizingKelly, SizingVolatility, SizingPercentOfEquity, SizingOptimalF:
		return m, nil
	}
	return "", fmt.Errorf("unknown position sizing method %q", s)
}

// Size returns the fraction of equity to commit to a new entry, always
// within [0, MaxPositionSize].
func (g *RiskGate) Size(in RiskInput) float64 {
	c := g.cfg
	var f float64
	switch c.Sizing {
	case SizingFixed, "":
		f = c.FixedFraction
	case SizingKelly:
		f = Kelly(c.WinRate, c.ProfitLossRatio) * c.KellyFraction
	case SizingVolatility:
		vol, ok := RealizedVolatility(in.Closes, c.VolatilityWindow)
		if !ok || vol == 0 {
			return clampSize(c.MaxPositionSize, c.MaxPositionSize)
		}
		f = c.TargetVolatility / vol
	case SizingPercentOfEquity:
		f = c.EquityPercent
	case SizingOptimalF:
		if hasWinsAndLosses(in.TradeProfits) {
			f = OptimalF(in.TradeProfits, c.MaxPositionSize) * c.FFraction
		} else {
			// not enough history: half of the cap, unscaled
			f = c.MaxPositionSize * 0.5
		}
	default:
		g.logger.Warn("Unknown sizing method, using fixed", zap.String("method", string(c.Sizing)))
		f = c.FixedFraction
	}
	return clampSize(f, c.MaxPositionSize)
}

// Kelly is f = (p*b - (1-p)) / b. A non-positive payoff ratio yields 0.
func Kelly(winRate, payoff float64) float64 {
	if !(payoff > 0) || math.IsNaN(winRate) {
		return 0
	}
	return (winRate*payoff - (1 - winRate)) / payoff
}

// OptimalF applies the Kelly formula to the win rate and average win/loss of
// closed trades. With no winners or no losers it returns half of maxSize.
func OptimalF(profits []float64, maxSize float64) float64 {
	if !hasWinsAndLosses(profits) {
		return maxSize * 0.5
	}
	var wins, losses, sumWin, sumLoss float64
	for _, p := range profits {
		if p > 0 {
			wins++
			sumWin += p
		} else {
			losses++
			sumLoss += p
		}
	}
	avgWin := sumWin / wins
	avgLoss := math.Abs(sumLoss / losses)
	ratio := 1.0
	if avgLoss > 0 {
		ratio = avgWin / avgLoss
	}
	return Kelly(wins/float64(len(profits)), ratio)
}

func hasWinsAndLosses(profits []float64) bool {
	var win, loss bool
	for _, p := range profits {
		if p > 0 {
			win = true
		} else {
			loss = true
		}
	}
	return win && loss
}

// RealizedVolatility is the sample standard deviation of simple returns over
// the last window closes. It needs at least two returns.
func RealizedVolatility(closes []float64, window int) (float64, bool) {
	if window <= 0 {
		window = len(closes)
	}
	if len(closes) > window+1 {
		closes = closes[len(closes)-window-1:]
	}
	rets := make([]float64, 0, len(closes))
	for i := 1; i < len(closes); i++ {
		if positive(closes[i-1]) && !math.IsNaN(closes[i]) {
			rets = append(rets, closes[i]/closes[i-1]-1)
		}
	}
	if len(rets) < 2 {
		return 0, false
	}
	var mean float64
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))
	var ss float64
	for _, r := range rets {
		ss += (r - mean) * (r - mean)
	}
	return math.Sqrt(ss / float64(len(rets)-1)), true
}

func clampSize(f, maxSize float64) float64 {
	if math.IsNaN(f) || f < 0 {
		return 0
	}
	if maxSize < 0 {
		maxSize = 0
	}
	return math.Min(f, maxSize)
}
