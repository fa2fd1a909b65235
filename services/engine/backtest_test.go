package engine

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// dailyFrame builds one bar per day from day0 with highs/lows bracketing open and close.
func dailyFrame(t *testing.T, opens, closes, signals []float64) *Frame {
	t.Helper()
	index := make([]time.Time, len(opens))
	for i := range index {
		index[i] = day0.AddDate(0, 0, i)
	}
	return barFrame(t, index, opens, closes, signals)
}

func barFrame(t *testing.T, index []time.Time, opens, closes, signals []float64) *Frame {
	t.Helper()
	n := len(opens)
	highs := make([]float64, n)
	lows := make([]float64, n)
	vols := make([]float64, n)
	for i := range opens {
		highs[i] = math.Max(opens[i], closes[i]) + 0.5
		lows[i] = math.Min(opens[i], closes[i]) - 0.5
		vols[i] = 1000
	}
	f := NewFrame("TEST", index)
	for name, col := range map[string][]float64{
		ColOpen: opens, ColHigh: highs, ColLow: lows, ColClose: closes, ColVolume: vols,
	} {
		if err := f.Set(name, col); err != nil {
			t.Fatal(err)
		}
	}
	if signals != nil {
		if err := f.Set("signal", signals); err != nil {
			t.Fatal(err)
		}
	}
	return f
}

func frictionless() Config {
	c := DefaultConfig()
	c.InitialCapital = 10000
	c.CommissionRate = 0
	c.Slippage = 0
	return c
}

func mustEngine(t *testing.T, c Config, opts ...Option) *Engine {
	t.Helper()
	e, err := NewEngine(c, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestEndToEndScenario(t *testing.T) {
	f := dailyFrame(t,
		[]float64{10, 11, 9, 12, 13},
		[]float64{10.5, 10, 9.5, 12.5, 13},
		[]float64{0, 1, 0, -1, 0},
	)
	res, err := mustEngine(t, frictionless()).Run(context.Background(), f)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Ledger) != 2 {
		t.Fatalf("ledger has %d entries, want 2", len(res.Ledger))
	}
	entry, exit := res.Ledger[0], res.Ledger[1]
	if entry.Type != "buy" || entry.Price != 11 || !approx(entry.Units, 909.0909090909) || entry.Profit != nil {
		t.Fatalf("entry %+v", entry)
	}
	if exit.Type != "sell" || exit.Price != 12 || exit.Profit == nil || !approx(*exit.Profit, 909.0909090909) {
		t.Fatalf("exit %+v", exit)
	}
	if !approx(res.Summary.FinalEquity, 10909.0909090909) {
		t.Fatalf("final equity %v, want 10909.09", res.Summary.FinalEquity)
	}
	if len(res.Equity) != 5 || res.Equity[0].Equity != 10000 {
		t.Fatalf("equity curve %v", res.EquityValues())
	}
	if res.Summary.RoundTrips != 1 || res.Summary.Fills != 2 {
		t.Fatalf("summary %+v", res.Summary)
	}
	if res.Bars[3].ExitPrice != 12 || res.Bars[3].Position != SideFlat {
		t.Fatalf("bar 3 %+v", res.Bars[3])
	}
	if len(res.Positions) != 1 || res.Positions[0].Quantity != 0 || !approx(res.Positions[0].RealizedPnL, 909.0909090909) {
		t.Fatalf("positions %+v", res.Positions)
	}
}

func TestRunStrategySeesOnlyCompletedBars(t *testing.T) {
	signals := []int{0, 1, 0, -1, 0}
	f := dailyFrame(t,
		[]float64{10, 11, 9, 12, 13},
		[]float64{10.5, 10, 9.5, 12.5, 13},
		nil,
	)
	calls := 0
	strat := BarStrategyFunc(func(window []Bar) int {
		calls++
		if len(window) > 0 && !window[len(window)-1].Time.Before(f.Index[len(window)]) {
			t.Fatalf("window leaks bar %d", len(window))
		}
		return signals[len(window)]
	})
	res, err := mustEngine(t, frictionless()).RunStrategy(context.Background(), f, strat)
	if err != nil {
		t.Fatal(err)
	}
	if calls != 4 {
		t.Fatalf("strategy called %d times, want once per bar after the first", calls)
	}
	if !approx(res.Summary.FinalEquity, 10909.0909090909) {
		t.Fatalf("final equity %v", res.Summary.FinalEquity)
	}
}

func TestFrictionsAccounting(t *testing.T) {
	c := frictionless()
	c.CommissionRate = 0.001
	c.Slippage = 0.01
	f := dailyFrame(t,
		[]float64{10, 11, 9, 12, 13},
		[]float64{10.5, 10, 9.5, 12.5, 13},
		[]float64{0, 1, 0, -1, 0},
	)
	res, err := mustEngine(t, c).Run(context.Background(), f)
	if err != nil {
		t.Fatal(err)
	}
	entryPx := 11 * 1.01
	units := 10000 / entryPx
	entryComm := entryPx * units * 0.001
	exitPx := 12 * 0.99
	exitComm := exitPx * units * 0.001
	profit := units*exitPx - 10000
	want := 10000 + profit - entryComm - exitComm

	if !approx(res.Ledger[0].Price, entryPx) || !approx(res.Ledger[1].Price, exitPx) {
		t.Fatalf("fills %v/%v", res.Ledger[0].Price, res.Ledger[1].Price)
	}
	if !approx(*res.Ledger[1].Profit, profit) {
		t.Fatalf("profit %v, want %v", *res.Ledger[1].Profit, profit)
	}
	if !approx(res.Summary.FinalEquity, want) {
		t.Fatalf("final equity %v, want %v", res.Summary.FinalEquity, want)
	}
	if !approx(res.Bars[1].Commission, entryComm) {
		t.Fatalf("entry commission %v, want %v", res.Bars[1].Commission, entryComm)
	}
}

func TestHoldNeverCloses(t *testing.T) {
	f := dailyFrame(t,
		[]float64{10, 10, 11, 12, 13},
		[]float64{10, 10.5, 11.5, 12.5, 13.5},
		[]float64{0, 1, 0, 0, 0},
	)
	res, err := mustEngine(t, frictionless()).Run(context.Background(), f)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Ledger) != 1 || res.Bars[4].Position != SideLong {
		t.Fatalf("position closed on hold: %+v", res.Ledger)
	}
	// 1000 units bought at 10, marked at 13.5
	if !approx(res.Summary.FinalEquity, 13500) {
		t.Fatalf("final equity %v, want 13500", res.Summary.FinalEquity)
	}
	if !approx(res.Summary.UnrealizedPnL, 3500) {
		t.Fatalf("unrealized %v, want 3500", res.Summary.UnrealizedPnL)
	}
}

func TestShortSelling(t *testing.T) {
	c := frictionless()
	c.AllowShort = true
	f := dailyFrame(t,
		[]float64{10, 10, 9, 8},
		[]float64{10, 9.5, 8.5, 8},
		[]float64{0, -1, 0, 1},
	)
	res, err := mustEngine(t, c).Run(context.Background(), f)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Ledger) != 2 || res.Ledger[0].Type != "sell" || res.Ledger[1].Type != "buy" {
		t.Fatalf("ledger %+v", res.Ledger)
	}
	if !approx(*res.Ledger[1].Profit, 2000) || !approx(res.Summary.FinalEquity, 12000) {
		t.Fatalf("profit %v equity %v, want 2000/12000", *res.Ledger[1].Profit, res.Summary.FinalEquity)
	}

	c.AllowShort = false
	res, err = mustEngine(t, c).Run(context.Background(), f)
	if err != nil {
		t.Fatal(err)
	}
	// the sell is ignored and the later buy opens a long
	if len(res.Ledger) != 1 || res.Ledger[0].Type != "buy" {
		t.Fatalf("short opened without allow_short: %+v", res.Ledger)
	}
}

func TestRiskGateForcesStopLossExit(t *testing.T) {
	c := frictionless()
	c.RiskEnabled = true
	f := dailyFrame(t,
		[]float64{100, 100, 100, 97, 97},
		[]float64{100, 100, 100, 97, 97},
		[]float64{0, 1, 0, 0, 0},
	)
	res, err := mustEngine(t, c).Run(context.Background(), f)
	if err != nil {
		t.Fatal(err)
	}
	b := res.Bars[3]
	if !b.Risk.StopLoss || b.Signal != SignalFlat || b.Position != SideFlat {
		t.Fatalf("bar 3 %+v", b)
	}
	if len(res.Ledger) != 2 || res.Ledger[1].Price != 97 {
		t.Fatalf("ledger %+v", res.Ledger)
	}
	if !approx(res.Summary.FinalEquity, 9700) {
		t.Fatalf("final equity %v, want 9700", res.Summary.FinalEquity)
	}
	if len(filterEvents(res.Events, EventStopHit)) != 1 {
		t.Fatal("stop-loss not recorded in events")
	}
}

func TestDrawdownStillLetsSignalsExit(t *testing.T) {
	c := frictionless()
	c.RiskEnabled = true
	c.Risk.StopLoss, c.Risk.TakeProfit, c.Risk.TrailingStop = 1, 1, 1
	f := dailyFrame(t,
		[]float64{100, 100, 100, 80, 70, 60},
		[]float64{100, 100, 85, 80, 70, 60},
		[]float64{0, 1, 0, -1, -1, -1},
	)
	res, err := mustEngine(t, c).Run(context.Background(), f)
	if err != nil {
		t.Fatal(err)
	}
	b := res.Bars[3]
	if !b.Risk.MaxDrawdown || b.Signal != SignalFlat || b.Position != SideFlat {
		t.Fatalf("bar 3 %+v", b)
	}
	if len(res.Ledger) != 2 || res.Ledger[1].Type != "sell" || res.Ledger[1].Price != 80 {
		t.Fatalf("ledger %+v", res.Ledger)
	}
	if !approx(*res.Ledger[1].Profit, -2000) {
		t.Fatalf("profit %v, want -2000", *res.Ledger[1].Profit)
	}
	for _, i := range []int{4, 5} {
		if b := res.Bars[i]; !b.Risk.MaxDrawdown || b.Signal != SignalHold || b.Position != SideFlat {
			t.Fatalf("bar %d %+v", i, b)
		}
	}
	if !approx(res.Summary.FinalEquity, 8000) {
		t.Fatalf("final equity %v, want 8000", res.Summary.FinalEquity)
	}
	if n := len(filterEvents(res.Events, EventRiskSuppressed)); n != 2 {
		t.Fatalf("%d suppression events, want 2 (the exit is not suppressed)", n)
	}
}

func TestDailyTradeLimitAndWindowInRun(t *testing.T) {
	c := frictionless()
	c.RiskEnabled = true
	c.Risk.MaxDrawdown = 1
	c.Risk.StopLoss, c.Risk.TakeProfit, c.Risk.TrailingStop = 1, 1, 1
	c.Risk.MaxTradesPerDay = 2
	c.Risk.Window = TradingWindow{Start: "09:00", End: "17:00"}
	at := func(day, hour int) time.Time { return day0.AddDate(0, 0, day).Add(time.Duration(hour) * time.Hour) }
	index := []time.Time{at(0, 9), at(0, 10), at(0, 11), at(0, 12), at(0, 18), at(1, 9), at(1, 10)}
	prices := []float64{10, 10, 10, 10, 10, 10, 10}
	f := barFrame(t, index, prices, prices, []float64{0, 1, -1, 1, 1, 1, -1})
	res, err := mustEngine(t, c).Run(context.Background(), f)
	if err != nil {
		t.Fatal(err)
	}

	if b := res.Bars[3]; !b.Risk.MaxTrades || b.Signal != SignalHold || b.Position != SideFlat {
		t.Fatalf("third trade of the day should be blocked: %+v", b)
	}
	if b := res.Bars[4]; !b.Risk.TimeFiltered || b.Risk.MaxTrades || b.Position != SideFlat {
		t.Fatalf("18:00 bar should be outside the window: %+v", b)
	}
	if b := res.Bars[5]; b.Risk.Suppressed() || b.Position != SideLong || b.EntryPrice != 10 {
		t.Fatalf("limit should reset on the next day: %+v", b)
	}
	if b := res.Bars[6]; b.Position != SideFlat || b.ExitPrice != 10 {
		t.Fatalf("bar 6 %+v", b)
	}
	if len(res.Ledger) != 4 {
		t.Fatalf("ledger has %d entries, want 4", len(res.Ledger))
	}
	reasons := map[string]int{}
	for _, e := range filterEvents(res.Events, EventRiskSuppressed) {
		reasons[e.Details["reason"]]++
	}
	if reasons["max_trades"] != 1 || reasons["time_filter"] != 1 {
		t.Fatalf("suppression reasons %v", reasons)
	}
}

func TestRiskGateSizesEntries(t *testing.T) {
	c := frictionless()
	c.RiskEnabled = true
	c.Risk.Sizing = SizingPercentOfEquity
	c.Risk.EquityPercent = 0.25
	f := dailyFrame(t, []float64{10, 10, 10}, []float64{10, 10, 10}, []float64{0, 1, 0})
	res, err := mustEngine(t, c).Run(context.Background(), f)
	if err != nil {
		t.Fatal(err)
	}
	if !approx(res.Ledger[0].Units, 250) {
		t.Fatalf("units %v, want 250 (25%% of 10000 at 10)", res.Ledger[0].Units)
	}
}

func TestEquityStaysValidOnBadData(t *testing.T) {
	nan := math.NaN()
	f := dailyFrame(t,
		[]float64{10, nan, 0, 12, -5, 11, 10, nan},
		[]float64{10, 11, nan, -1, 12, 0, nan, 9},
		[]float64{0, 1, -1, 1, nan, -1, 1, -1},
	)
	core, logs := observer.New(zap.WarnLevel)
	res, err := mustEngine(t, frictionless(), WithLogger(zap.New(core))).Run(context.Background(), f)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range res.EquityValues() {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			t.Fatalf("equity[%d] = %v", i, v)
		}
	}
	if res.Summary.Anomalies == 0 {
		t.Fatal("no substitutions counted")
	}
	if logs.FilterMessage("Numeric anomaly replaced").Len() != res.Summary.Anomalies {
		t.Fatalf("logged %d substitutions, counted %d", logs.FilterMessage("Numeric anomaly replaced").Len(), res.Summary.Anomalies)
	}
	for _, e := range res.Ledger {
		if !(e.Price > 0) || !(e.Units > 0) {
			t.Fatalf("invalid ledger entry %+v", e)
		}
	}
}

func TestMissingColumnsAbortRun(t *testing.T) {
	f := dailyFrame(t, []float64{1, 2}, []float64{1, 2}, nil)
	core, logs := observer.New(zap.ErrorLevel)
	res, err := mustEngine(t, frictionless(), WithLogger(zap.New(core))).Run(context.Background(), f)
	var dve *DataValidationError
	if !errors.As(err, &dve) {
		t.Fatalf("expected DataValidationError, got %v", err)
	}
	if len(dve.Missing) != 1 || dve.Missing[0] != "signal" {
		t.Fatalf("missing %v", dve.Missing)
	}
	if res == nil || len(res.Bars) != 0 || len(res.Ledger) != 0 {
		t.Fatalf("want empty result, got %+v", res)
	}
	if logs.Len() != 1 {
		t.Fatal("validation failure not logged")
	}
}

func TestCustomSignalColumn(t *testing.T) {
	c := frictionless()
	c.SignalColumn = "alpha"
	f := dailyFrame(t, []float64{10, 10, 10}, []float64{10, 10, 10}, nil)
	f.Set("alpha", []float64{0, 1, 0})
	res, err := mustEngine(t, c).Run(context.Background(), f)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Ledger) != 1 {
		t.Fatalf("ledger %+v", res.Ledger)
	}
}

func TestCancellationStopsBetweenBars(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := dailyFrame(t, []float64{1, 2, 3}, []float64{1, 2, 3}, []float64{0, 1, 0})
	res, err := mustEngine(t, frictionless()).Run(ctx, f)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v", err)
	}
	if len(res.Bars) != 1 {
		t.Fatalf("processed %d bars after cancel", len(res.Bars))
	}
}

func TestRunsAreReproducible(t *testing.T) {
	c := frictionless()
	c.CommissionRate = 0.0005
	c.Execution.SlippageModel = SlippageRandom
	c.Execution.RandomMin = 0.01
	c.Execution.RandomMax = 0.2
	c.Seed, c.HasSeed = 99, true
	f := dailyFrame(t,
		[]float64{10, 11, 9, 12, 13, 12, 11, 14},
		[]float64{10.5, 10, 9.5, 12.5, 13, 11.5, 12, 14},
		[]float64{0, 1, 0, -1, 1, -1, 1, -1},
	)
	e := mustEngine(t, c)
	a, err := e.Run(context.Background(), f)
	if err != nil {
		t.Fatal(err)
	}
	b, err := e.Run(context.Background(), f)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a.Ledger, b.Ledger) {
		t.Fatal("ledgers differ between identical runs")
	}
	if !reflect.DeepEqual(a.EquityValues(), b.EquityValues()) {
		t.Fatal("equity curves differ between identical runs")
	}
	if a.Manifest.RunID != b.Manifest.RunID || a.Manifest.DataChecksum != b.Manifest.DataChecksum {
		t.Fatal("manifests differ between identical runs")
	}
}

func filterEvents(events []Event, typ EventType) []Event {
	l := EventLog{Events: events}
	return l.Filter(typ)
}
