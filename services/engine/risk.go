package engine

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Signal is a strategy or risk instruction for one bar.
type Signal int

const (
	SignalSell Signal = -1
	SignalHold Signal = 0
	SignalBuy  Signal = 1
	// SignalFlat forces any open position closed.
	SignalFlat Signal = 2
)

func (s Signal) String() string {
	switch s {
	case SignalSell:
		return "sell"
	case SignalHold:
		return "hold"
	case SignalBuy:
		return "buy"
	case SignalFlat:
		return "flat"
	}
	return fmt.Sprintf("signal(%d)", int(s))
}

// SignalFromValue maps a raw strategy value to a signal by its sign. NaN holds.
func SignalFromValue(v float64) Signal {
	switch {
	case v > 0:
		return SignalBuy
	case v < 0:
		return SignalSell
	}
	return SignalHold
}

type RiskConfig struct {
	MaxPositionSize float64
	MaxDrawdown     float64
	StopLoss        float64
	TakeProfit      float64
	TrailingStop    float64
	MaxTradesPerDay int

	Sizing           SizingMethod
	FixedFraction    float64
	KellyFraction    float64
	WinRate          float64
	ProfitLossRatio  float64
	TargetVolatility float64
	VolatilityWindow int
	EquityPercent    float64
	FFraction        float64

	Window TradingWindow
}

func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		MaxPositionSize:  1.0,
		MaxDrawdown:      0.1,
		StopLoss:         0.02,
		TakeProfit:       0.05,
		TrailingStop:     0.03,
		MaxTradesPerDay:  5,
		Sizing:           SizingFixed,
		FixedFraction:    1.0,
		KellyFraction:    0.5,
		WinRate:          0.5,
		ProfitLossRatio:  1.0,
		TargetVolatility: 0.01,
		VolatilityWindow: 20,
		EquityPercent:    0.02,
		FFraction:        0.5,
	}
}

// Holding describes the open position the gate is protecting.
type Holding struct {
	Side       PositionSide
	EntryPrice float64
	// High and Low are the best and worst prices seen since entry.
	High float64
	Low  float64
}

type RiskInput struct {
	Signal      Signal
	Time        time.Time
	Price       float64
	Holding     Holding
	Closes      []float64 // completed closes, oldest first
	Equity      []float64 // equity curve up to the previous bar
	TradesToday int
	// TradeProfits are net results of closed round trips, oldest first.
	TradeProfits []float64
}

// RiskDecision is both the instruction for the bar and its audit record.
type RiskDecision struct {
	Signal       Signal
	PositionSize float64

	StopLoss     bool
	TakeProfit   bool
	TrailingStop bool
	MaxDrawdown  bool
	MaxTrades    bool
	TimeFiltered bool
}

// Suppressed reports whether a gating rule blocked the signal.
func (d RiskDecision) Suppressed() bool {
	return d.MaxDrawdown || d.MaxTrades || d.TimeFiltered
}

// Exited reports whether an exit trigger forced the position flat.
func (d RiskDecision) Exited() bool {
	return d.StopLoss || d.TakeProfit || d.TrailingStop
}

// RiskGate vets one signal per bar. It keeps no state between calls; the
// loop supplies watermarks, equity and trade history.
type RiskGate struct {
	cfg    RiskConfig
	logger *zap.Logger
}

func NewRiskGate(cfg RiskConfig, logger *zap.Logger) *RiskGate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RiskGate{cfg: cfg, logger: logger}
}

func (g *RiskGate) Config() RiskConfig { return g.cfg }

// Evaluate applies the checks in order: time filter, max drawdown, max trades
// per day, then the exit triggers of an open position, then sizing. Only the
// first gating rule that fires is flagged. Gating blocks new entries; an open
// position still runs its exit triggers and may still be closed by the
// signal, as Flat, never reversed.
func (g *RiskGate) Evaluate(in RiskInput) RiskDecision {
	d := RiskDecision{Signal: in.Signal}
	g.gate(in, &d)

	h := in.Holding
	holding := h.Side != SideFlat && h.EntryPrice > 0
	if !holding {
		if d.Suppressed() {
			d.Signal = SignalHold
			return d
		}
		if d.Signal == SignalBuy || d.Signal == SignalSell {
			d.PositionSize = g.Size(in)
		}
		return d
	}

	dir := h.Side.Dir()
	move := dir * (in.Price - h.EntryPrice) / h.EntryPrice
	switch {
	case -move > g.cfg.StopLoss:
		d.StopLoss = true
	case move > g.cfg.TakeProfit:
		d.TakeProfit = true
	case trailingHit(h, in.Price, g.cfg.TrailingStop):
		d.TrailingStop = true
	}
	if d.Exited() {
		g.logger.Info("Exit trigger fired",
			zap.Time("ts", in.Time),
			zap.Stringer("side", h.Side),
			zap.Float64("entry", h.EntryPrice),
			zap.Float64("price", in.Price),
			zap.Bool("stop_loss", d.StopLoss),
			zap.Bool("take_profit", d.TakeProfit),
			zap.Bool("trailing_stop", d.TrailingStop),
		)
		d.Signal = SignalFlat
		return d
	}

	if d.Suppressed() {
		if closesSide(h.Side, d.Signal) {
			d.Signal = SignalFlat
		} else {
			d.Signal = SignalHold
		}
		return d
	}
	if d.Signal == SignalBuy || d.Signal == SignalSell {
		d.PositionSize = g.Size(in)
	}
	return d
}

// gate flags the first entry-blocking rule that fires.
func (g *RiskGate) gate(in RiskInput, d *RiskDecision) {
	if !g.cfg.Window.IsOpen(in.Time) {
		d.TimeFiltered = true
		return
	}

	if dd, ok := currentDrawdown(in.Equity); ok && dd > g.cfg.MaxDrawdown {
		g.logger.Warn("Max drawdown exceeded, suspending entries",
			zap.Time("ts", in.Time),
			zap.Float64("drawdown", dd),
			zap.Float64("limit", g.cfg.MaxDrawdown),
		)
		d.MaxDrawdown = true
		return
	}

	if g.cfg.MaxTradesPerDay > 0 && in.TradesToday >= g.cfg.MaxTradesPerDay {
		g.logger.Warn("Daily trade limit reached",
			zap.Time("ts", in.Time),
			zap.Int("trades", in.TradesToday),
			zap.Int("limit", g.cfg.MaxTradesPerDay),
		)
		d.MaxTrades = true
	}
}

func closesSide(side PositionSide, s Signal) bool {
	switch side {
	case SideLong:
		return s == SignalSell || s == SignalFlat
	case SideShort:
		return s == SignalBuy || s == SignalFlat
	}
	return false
}

func trailingHit(h Holding, price, pct float64) bool {
	switch h.Side {
	case SideLong:
		return h.High > 0 && (h.High-price)/h.High > pct
	case SideShort:
		return h.Low > 0 && (price-h.Low)/h.Low > pct
	}
	return false
}

// currentDrawdown is the fall of the last equity value from the running peak.
func currentDrawdown(equity []float64) (float64, bool) {
	if len(equity) < 2 {
		return 0, false
	}
	peak := equity[0]
	for _, v := range equity[1:] {
		if v > peak {
			peak = v
		}
	}
	if !(peak > 0) {
		return 0, false
	}
	return (peak - equity[len(equity)-1]) / peak, true
}
