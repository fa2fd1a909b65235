package main

import (
	"bytes"
	"context"
	"math"
	"testing"
	"time"

	"signal-backtester/services/engine"
	"signal-backtester/services/marketdata"
)

func TestGenerateIsSeeded(t *testing.T) {
	cfg := genConfig{Bars: 200, Seed: 7, Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), Step: time.Hour, Price: 100, HoldBars: 5}
	var a, b bytes.Buffer
	if err := generate(&a, cfg); err != nil {
		t.Fatal(err)
	}
	if err := generate(&b, cfg); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a.Bytes(), b.Bytes()) {
		t.Fatal("same seed produced different files")
	}
}

func TestGeneratedBarsRunCleanly(t *testing.T) {
	var buf bytes.Buffer
	cfg := genConfig{Bars: 600, Seed: 1, Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), Step: time.Hour, Price: 100, HoldBars: 5}
	if err := generate(&buf, cfg); err != nil {
		t.Fatal(err)
	}
	f, err := marketdata.ReadCSV(&buf, marketdata.CSVOptions{Symbol: "SYN"})
	if err != nil {
		t.Fatal(err)
	}
	if f.Len() != 600 {
		t.Fatalf("read %d bars", f.Len())
	}
	highs, _ := f.Column(engine.ColHigh)
	lows, _ := f.Column(engine.ColLow)
	closes, _ := f.Column(engine.ColClose)
	for i := range highs {
		if highs[i] < closes[i] || lows[i] > closes[i] {
			t.Fatalf("bar %d violates high/low bounds", i)
		}
	}
	e, err := engine.NewEngine(engine.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	res, err := e.Run(context.Background(), f)
	if err != nil {
		t.Fatal(err)
	}
	if res.Summary.Anomalies != 0 || res.Summary.RoundTrips == 0 {
		t.Fatalf("summary %+v", res.Summary)
	}
}

func TestGenerateWithHoles(t *testing.T) {
	var buf bytes.Buffer
	cfg := genConfig{Bars: 300, Seed: 3, Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), Step: time.Hour, Price: 100, HoldBars: 3, NaNRate: 0.05}
	if err := generate(&buf, cfg); err != nil {
		t.Fatal(err)
	}
	f, err := marketdata.ReadCSV(&buf, marketdata.CSVOptions{Symbol: "SYN"})
	if err != nil {
		t.Fatal(err)
	}
	e, _ := engine.NewEngine(engine.DefaultConfig())
	res, err := e.Run(context.Background(), f)
	if err != nil {
		t.Fatal(err)
	}
	if res.Summary.Anomalies == 0 {
		t.Fatal("holes were not sanitized")
	}
	for _, v := range res.EquityValues() {
		if math.IsNaN(v) || v < 0 {
			t.Fatalf("invalid equity %v", v)
		}
	}
}
