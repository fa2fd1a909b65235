package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"signal-backtester/services/engine"
)

type fakeSource struct {
	calls []string
	err   error
}

func (s *fakeSource) Bars(_ context.Context, symbol, interval string, from, _ time.Time) (*engine.Frame, error) {
	s.calls = append(s.calls, symbol+"/"+interval)
	if s.err != nil {
		return nil, s.err
	}
	var bars []engine.Bar
	for i := 0; i < 30; i++ {
		if i == 20 {
			continue // gap
		}
		p := float64(100 + i)
		bars = append(bars, engine.Bar{Time: from.Add(time.Duration(i) * time.Minute), Open: p, High: p + 1, Low: p - 1, Close: p + 0.5, Volume: 1})
	}
	return engine.FrameFromBars(symbol, bars), nil
}

type fakeSink struct {
	inserted map[string]int
}

func (s *fakeSink) InsertBars(_ context.Context, interval string, f *engine.Frame) error {
	s.inserted[f.Symbol+"/"+interval] = f.Len()
	return nil
}

func TestIngest(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	req := ingestRequest{
		Symbols:  []string{"BTCUSDT", "ETHUSDT"},
		Interval: "1m",
		Derive:   []string{"5m", "15m"},
		From:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		To:       time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	}
	src := &fakeSource{}
	sink := &fakeSink{inserted: map[string]int{}}
	if err := ingest(context.Background(), src, sink, req, zap.New(core)); err != nil {
		t.Fatal(err)
	}
	want := map[string]int{
		"BTCUSDT/1m": 29, "BTCUSDT/5m": 6, "BTCUSDT/15m": 2,
		"ETHUSDT/1m": 29, "ETHUSDT/5m": 6, "ETHUSDT/15m": 2,
	}
	for k, n := range want {
		if sink.inserted[k] != n {
			t.Fatalf("%s: inserted %d, want %d (all %v)", k, sink.inserted[k], n, sink.inserted)
		}
	}
	if logs.FilterMessage("Gap in bar data").Len() != 2 {
		t.Fatalf("gap warnings %d", logs.FilterMessage("Gap in bar data").Len())
	}
}

func TestIngestErrors(t *testing.T) {
	req := ingestRequest{Symbols: []string{"BTCUSDT"}, Interval: "1m", Derive: []string{"fast"}}
	sink := &fakeSink{inserted: map[string]int{}}
	if err := ingest(context.Background(), &fakeSource{}, sink, req, zap.NewNop()); err == nil {
		t.Fatal("bad derive interval accepted")
	}

	req.Derive = nil
	src := &fakeSource{err: errors.New("down")}
	if err := ingest(context.Background(), src, sink, req, zap.NewNop()); err == nil {
		t.Fatal("source error swallowed")
	}
	if len(sink.inserted) != 0 {
		t.Fatalf("inserted %v", sink.inserted)
	}
}

func TestNewRequest(t *testing.T) {
	req, err := newRequest("BTCUSDT, ETHUSDT", "1m", "", "2024-01-01", "2024-02-01")
	if err != nil {
		t.Fatal(err)
	}
	if len(req.Symbols) != 2 || len(req.Derive) != 0 || req.To.Sub(req.From) != 31*24*time.Hour {
		t.Fatalf("req %+v", req)
	}
	for _, args := range [][2]string{{"", ""}, {"2024-02-01", "2024-01-01"}, {"01/01/2024", ""}} {
		if _, err := newRequest("BTCUSDT", "1m", "", args[0], args[1]); err == nil {
			t.Fatalf("accepted %v", args)
		}
	}
}
