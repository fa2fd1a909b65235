package engine

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"
)

// BarResult is one row of the per-bar diagnostics table.
type BarResult struct {
	Time  time.Time
	Open  float64
	High  float64
	Low   float64
	Close float64

	RawSignal    Signal
	Signal       Signal
	PositionSize float64
	Risk         RiskDecision

	Position    PositionSide
	Units       float64
	EntryPrice  float64
	ExitPrice   float64
	TradeProfit float64
	Commission  float64
	Equity      float64
	Anomalies   int
}

type EquityPoint struct {
	Time   time.Time
	Equity float64
}

// LedgerEntry is one fill as reported to downstream consumers. Profit is set
// on fills that close a position.
type LedgerEntry struct {
	TradeID    string
	OrderID    string
	Type       string
	Date       time.Time
	Price      float64
	Units      float64
	Commission float64
	Profit     *float64
}

type Summary struct {
	InitialCapital float64 `json:"initial_capital"`
	FinalEquity    float64 `json:"final_equity"`
	TotalReturn    float64 `json:"total_return"`
	RoundTrips     int     `json:"round_trips"`
	Fills          int     `json:"fills"`
	RealizedPnL    float64 `json:"realized_pnl"`
	UnrealizedPnL  float64 `json:"unrealized_pnl"`
	Anomalies      int     `json:"anomalies"`
}

type Result struct {
	Symbol    string
	Bars      []BarResult
	Equity    []EquityPoint
	Ledger    []LedgerEntry
	Fills     []Trade
	Positions []Position
	Events    []Event
	Summary   Summary
	Manifest  *RunManifest
}

// EquityValues returns the equity curve without timestamps.
func (r *Result) EquityValues() []float64 {
	out := make([]float64, len(r.Equity))
	for i, p := range r.Equity {
		out[i] = p.Equity
	}
	return out
}

// Engine runs single-symbol backtests. An Engine holds only configuration,
// so one value may serve concurrent runs.
type Engine struct {
	cfg    Config
	logger *zap.Logger
	ids    func() IDSource
}

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithIDs overrides the per-run ID source factory.
func WithIDs(factory func() IDSource) Option { return func(e *Engine) { e.ids = factory } }

func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	if e.ids == nil {
		seed := cfg.Seed
		e.ids = func() IDSource { return NewSeededIDs(seed) }
	}
	return e, nil
}

func (e *Engine) Config() Config { return e.cfg }

// Run trades the frame's signal column.
func (e *Engine) Run(ctx context.Context, f *Frame) (*Result, error) {
	required := append(append([]string{}, OHLCVColumns...), e.cfg.SignalColumn)
	if err := f.Validate(required...); err != nil {
		return e.reject(f, err)
	}
	signals, _ := f.Column(e.cfg.SignalColumn)
	return e.run(ctx, f, func(t int) float64 { return signals[t] })
}

// RunGenerator lets gen add the signal column to a copy of f, then runs it.
func (e *Engine) RunGenerator(ctx context.Context, f *Frame, gen SignalGenerator) (*Result, error) {
	if err := f.Validate(OHLCVColumns...); err != nil {
		return e.reject(f, err)
	}
	withSignals, err := gen.GenerateSignals(f.Clone())
	if err != nil {
		e.logger.Error("Signal generation failed", zap.String("symbol", f.Symbol), zap.Error(err))
		return &Result{Symbol: f.Symbol}, err
	}
	return e.Run(ctx, withSignals)
}

// RunStrategy asks s for a signal once per bar, passing only completed bars.
func (e *Engine) RunStrategy(ctx context.Context, f *Frame, s BarStrategy) (*Result, error) {
	if err := f.Validate(OHLCVColumns...); err != nil {
		return e.reject(f, err)
	}
	bars := f.Bars()
	return e.run(ctx, f, func(t int) float64 { return float64(s.OnBar(bars[:t:t])) })
}

func (e *Engine) reject(f *Frame, err error) (*Result, error) {
	symbol := e.cfg.Symbol
	if f != nil && f.Symbol != "" {
		symbol = f.Symbol
	}
	e.logger.Error("Backtest input rejected", zap.String("symbol", symbol), zap.Error(err))
	return &Result{Symbol: symbol}, err
}

func (e *Engine) run(ctx context.Context, f *Frame, signalAt func(t int) float64) (*Result, error) {
	if f.Len() == 0 {
		return e.reject(f, &DataValidationError{Msg: "no bars"})
	}
	symbol := f.Symbol
	if symbol == "" {
		symbol = e.cfg.Symbol
	}
	ids := e.ids()
	events := &EventLog{}
	ledger := NewLedger()

	r := &backtestRun{
		cfg:    e.cfg,
		symbol: symbol,
		logger: e.logger.With(zap.String("symbol", symbol)),
		ledger: ledger,
		events: events,
		index:  f.Index,
		signal: signalAt,
		res:    &Result{Symbol: symbol},
	}
	r.sim = NewSimulator(e.cfg.simulatorConfig(),
		WithLedger(ledger),
		WithEventLog(events),
		WithIDSource(ids),
		WithSimulatorLogger(r.logger),
	)
	r.san = NewSanitizer(symbol, r.logger, events)
	if e.cfg.RiskEnabled {
		r.gate = NewRiskGate(e.cfg.Risk, r.logger)
	}
	r.opens, _ = f.Column(ColOpen)
	r.highs, _ = f.Column(ColHigh)
	r.lows, _ = f.Column(ColLow)
	r.closes, _ = f.Column(ColClose)

	r.res.Manifest = &RunManifest{
		RunID:          ids.Next(),
		ConfigSnapshot: e.cfg.Snapshot(),
		DataChecksum:   Checksum(f),
		EngineVersion:  EngineVersion,
		Bars:           f.Len(),
		From:           f.Index[0],
		To:             f.Index[f.Len()-1],
	}
	r.logger.Info("Backtest started",
		zap.String("run_id", r.res.Manifest.RunID),
		zap.Int("bars", f.Len()),
		zap.Float64("initial_capital", e.cfg.InitialCapital),
		zap.Bool("risk_enabled", e.cfg.RiskEnabled),
	)

	r.start()
	for t := 1; t < f.Len(); t++ {
		if err := ctx.Err(); err != nil {
			r.logger.Warn("Backtest canceled", zap.Int("bar", t), zap.Error(err))
			return r.finish(), err
		}
		r.step(t)
	}
	res := r.finish()
	r.logger.Info("Backtest finished",
		zap.String("run_id", res.Manifest.RunID),
		zap.Float64("final_equity", res.Summary.FinalEquity),
		zap.Int("round_trips", res.Summary.RoundTrips),
		zap.Int("anomalies", res.Summary.Anomalies),
	)
	return res, nil
}

// backtestRun is the mutable state of a single run.
type backtestRun struct {
	cfg    Config
	symbol string
	logger *zap.Logger
	sim    *Simulator
	ledger *Ledger
	events *EventLog
	san    *Sanitizer
	gate   *RiskGate

	index                      []time.Time
	opens, highs, lows, closes []float64
	signal                     func(t int) float64

	cleanCloses []float64
	equity      []float64
	lastPrice   float64

	side            PositionSide
	units           float64
	entryPrice      float64
	capitalUsed     float64
	entryCommission float64
	mark            float64
	high, low       float64

	tradeProfits []float64
	day          time.Time
	tradesToday  int

	res *Result
}

func (r *backtestRun) start() {
	r.lastPrice = math.NaN()
	ts := r.index[0]
	before := r.san.Count()
	o, h, l, c, _ := r.cleanBar(0)
	r.day = ts
	eq := r.cfg.InitialCapital
	raw := r.readSignal(0)
	r.record(BarResult{
		Time: ts, Open: o, High: h, Low: l, Close: c,
		RawSignal: raw,
		Signal:    SignalHold,
	}, eq, before)
}

func (r *backtestRun) step(t int) {
	ts := r.index[t]
	before := r.san.Count()
	prev := r.equity[t-1]

	o, h, l, c, ok := r.cleanBar(t)
	raw := r.readSignal(t)
	br := BarResult{Time: ts, Open: o, High: h, Low: l, Close: c, RawSignal: raw, Signal: raw, PositionSize: 1}
	if !sameDay(r.day, ts) {
		r.day = ts
		r.tradesToday = 0
	}
	if !ok {
		// nothing tradable or markable on this bar
		br.Signal = SignalHold
		r.record(br, prev, before)
		return
	}

	dec := RiskDecision{Signal: raw, PositionSize: 1}
	if r.gate != nil {
		if r.side != SideFlat {
			r.high = math.Max(r.high, o)
			r.low = math.Min(r.low, o)
		}
		dec = r.gate.Evaluate(RiskInput{
			Signal:       raw,
			Time:         ts,
			Price:        o,
			Holding:      Holding{Side: r.side, EntryPrice: r.entryPrice, High: r.high, Low: r.low},
			Closes:       r.cleanCloses[:t],
			Equity:       r.equity[:t],
			TradesToday:  r.tradesToday,
			TradeProfits: r.tradeProfits,
		})
		r.auditRisk(ts, raw, dec)
	}
	br.Risk = dec
	br.Signal = dec.Signal
	br.PositionSize = dec.PositionSize

	equity := prev
	switch entry := r.entrySide(dec.Signal); {
	case r.side != SideFlat && r.exits(dec.Signal):
		equity = r.exit(ts, o, prev, &br)
	case r.side == SideFlat && entry != SideFlat:
		equity = r.enter(ts, o, c, prev, entry, dec, &br)
	case r.side != SideFlat:
		equity = prev + r.side.Dir()*r.units*(c-r.mark)
		r.mark = c
	}
	if r.side != SideFlat {
		r.high = math.Max(r.high, h)
		r.low = math.Min(r.low, l)
		r.ledger.Mark(r.symbol, c)
	}
	equity = r.san.Apply(ts, "equity", equity, Policy{
		Kind:           FallbackEquity,
		PrevEquity:     prev,
		InitialCapital: r.cfg.InitialCapital,
	})
	r.record(br, equity, before)
}

// cleanBar sanitizes row t. ok is false when no valid price exists at all.
func (r *backtestRun) cleanBar(t int) (o, h, l, c float64, ok bool) {
	ts := r.index[t]
	ref := r.lastPrice
	if !positive(ref) {
		ref = r.closes[t]
	}
	o = r.san.Apply(ts, "open", r.opens[t], Policy{Kind: FallbackPrice, Open: ref})
	c = r.san.Apply(ts, "close", r.closes[t], Policy{Kind: FallbackPrice, Open: o})
	h = r.san.Apply(ts, "high", r.highs[t], Policy{Kind: FallbackPrice, Open: math.Max(o, c)})
	l = r.san.Apply(ts, "low", r.lows[t], Policy{Kind: FallbackPrice, Open: math.Min(o, c)})
	ok = positive(o) && positive(c)
	if ok {
		r.lastPrice = c
	}
	r.cleanCloses = append(r.cleanCloses, c)
	return o, h, l, c, ok
}

func (r *backtestRun) readSignal(t int) Signal {
	v := r.signal(t)
	if math.IsNaN(v) {
		r.logger.Warn("Signal is NaN, holding", zap.Time("ts", r.index[t]))
	}
	return SignalFromValue(v)
}

func (r *backtestRun) exits(s Signal) bool { return closesSide(r.side, s) }

func (r *backtestRun) entrySide(s Signal) PositionSide {
	switch {
	case s == SignalBuy:
		return SideLong
	case s == SignalSell && r.cfg.AllowShort:
		return SideShort
	}
	return SideFlat
}

// expectedFill estimates the entry price used to size an order.
func (r *backtestRun) expectedFill(side TradeSide, price float64) float64 {
	switch r.cfg.Execution.SlippageModel {
	case SlippagePercent:
		return price + PercentSlippage{Rate: r.cfg.Slippage}.Offset(side, price)
	case SlippageFixed:
		return price + FixedSlippage{Amount: r.cfg.Execution.FixedSlippage}.Offset(side, price)
	}
	return price
}

func (r *backtestRun) enter(ts time.Time, openPx, closePx, prev float64, pos PositionSide, dec RiskDecision, br *BarResult) float64 {
	if !(prev > 0) {
		r.logger.Warn("No equity left, skipping entry", zap.Time("ts", ts), zap.Float64("equity", prev))
		return prev
	}
	if r.gate != nil && dec.PositionSize <= 0 {
		r.events.Append(Event{Ts: tsMillis(ts), Type: EventRiskSuppressed, Symbol: r.symbol, Details: map[string]string{"reason": "zero_size"}})
		return prev
	}
	side := TradeSideBuy
	if pos == SideShort {
		side = TradeSideSell
	}
	capital := r.san.Apply(ts, "capital", prev*r.cfg.PositionSize*dec.PositionSize, Policy{
		Kind:           FallbackCapital,
		PrevEquity:     prev,
		InitialCapital: r.cfg.InitialCapital,
	})
	quote := r.san.Apply(ts, "entry_price", r.expectedFill(side, openPx), Policy{Kind: FallbackPrice, Open: openPx})
	units := r.san.Apply(ts, "units", capital/quote, Policy{Kind: FallbackUnits})

	tr, ok := r.submit(ts, side, units, openPx)
	if !ok {
		return prev
	}
	fill := r.san.Apply(ts, "entry_fill", tr.Price, Policy{Kind: FallbackPrice, Open: openPx})
	comm := r.san.Apply(ts, "commission", tr.Commission, Policy{Kind: FallbackCommission})

	r.side = pos
	r.units = units
	r.entryPrice = fill
	r.capitalUsed = units * fill
	r.entryCommission = comm
	r.high, r.low = fill, fill
	r.tradesToday++
	r.appendLedger(tr, fill, comm, nil)

	br.EntryPrice = fill
	br.Commission += comm
	// mark the new position to this bar's close
	r.mark = closePx
	return prev - comm + pos.Dir()*units*(closePx-fill)
}

func (r *backtestRun) exit(ts time.Time, openPx, prev float64, br *BarResult) float64 {
	side := TradeSideSell
	if r.side == SideShort {
		side = TradeSideBuy
	}
	tr, ok := r.submit(ts, side, r.units, openPx)
	if !ok {
		return prev
	}
	fill := r.san.Apply(ts, "exit_fill", tr.Price, Policy{Kind: FallbackPrice, Open: openPx})
	comm := r.san.Apply(ts, "commission", tr.Commission, Policy{Kind: FallbackCommission})

	dir := r.side.Dir()
	profit := dir * (r.units*fill - r.capitalUsed)
	equity := prev + dir*r.units*(fill-r.mark) - comm

	r.tradeProfits = append(r.tradeProfits, profit-r.entryCommission-comm)
	r.tradesToday++
	r.appendLedger(tr, fill, comm, &profit)

	br.ExitPrice = fill
	br.TradeProfit = profit
	br.Commission += comm

	r.side = SideFlat
	r.units, r.entryPrice, r.capitalUsed, r.entryCommission, r.mark = 0, 0, 0, 0, 0
	r.high, r.low = 0, 0
	return equity
}

// submit sends a market order through the simulator at the bar open.
func (r *backtestRun) submit(ts time.Time, side TradeSide, units, openPx float64) (Trade, bool) {
	o, err := NewOrder(OrderRequest{
		Symbol:    r.symbol,
		Type:      OrderMarket,
		Side:      side,
		Quantity:  units,
		TIF:       TIFGTC,
		CreatedAt: ts,
	})
	if err == nil {
		_, err = r.sim.Place(o)
	}
	if err != nil {
		r.logger.Error("Order rejected", zap.Time("ts", ts), zap.Error(err))
		return Trade{}, false
	}
	trades := r.sim.Execute(ts, openPx)
	if len(trades) == 0 {
		return Trade{}, false
	}
	return trades[0], true
}

func (r *backtestRun) appendLedger(t Trade, price, commission float64, profit *float64) {
	r.res.Ledger = append(r.res.Ledger, LedgerEntry{
		TradeID:    t.ID,
		OrderID:    t.OrderID,
		Type:       t.Side.String(),
		Date:       t.Timestamp,
		Price:      price,
		Units:      t.Quantity,
		Commission: commission,
		Profit:     profit,
	})
}

func (r *backtestRun) auditRisk(ts time.Time, raw Signal, d RiskDecision) {
	var typ EventType
	reason := ""
	switch {
	case d.StopLoss:
		typ, reason = EventStopHit, "stop_loss"
	case d.TakeProfit:
		typ, reason = EventTakeProfitHit, "take_profit"
	case d.TrailingStop:
		typ, reason = EventTrailingStopHit, "trailing_stop"
	case raw == SignalHold, d.Signal != SignalHold:
		return
	case d.TimeFiltered:
		typ, reason = EventRiskSuppressed, "time_filter"
	case d.MaxDrawdown:
		typ, reason = EventRiskSuppressed, "max_drawdown"
	case d.MaxTrades:
		typ, reason = EventRiskSuppressed, "max_trades"
	default:
		return
	}
	r.events.Append(Event{
		Ts:      tsMillis(ts),
		Type:    typ,
		Symbol:  r.symbol,
		Details: map[string]string{"reason": reason, "signal": raw.String()},
	})
}

func (r *backtestRun) record(br BarResult, equity float64, anomaliesBefore int) {
	br.Equity = equity
	br.Position = r.side
	br.Units = r.units
	br.Anomalies = r.san.Count() - anomaliesBefore
	r.equity = append(r.equity, equity)
	r.res.Bars = append(r.res.Bars, br)
	r.res.Equity = append(r.res.Equity, EquityPoint{Time: br.Time, Equity: equity})
}

func (r *backtestRun) finish() *Result {
	res := r.res
	res.Fills = r.sim.Trades()
	res.Positions = r.ledger.Positions()
	res.Events = append([]Event(nil), r.events.Events...)

	final := r.cfg.InitialCapital
	if n := len(r.equity); n > 0 {
		final = r.equity[n-1]
	}
	realized, unrealized := r.ledger.PnL()
	res.Summary = Summary{
		InitialCapital: r.cfg.InitialCapital,
		FinalEquity:    final,
		TotalReturn:    final/r.cfg.InitialCapital - 1,
		RoundTrips:     len(r.tradeProfits),
		Fills:          len(res.Fills),
		RealizedPnL:    realized,
		UnrealizedPnL:  unrealized,
		Anomalies:      r.san.Count(),
	}
	return res
}
