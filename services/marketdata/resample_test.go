package marketdata

import (
	"bytes"
	"math"
	"strings"
	"testing"
	"time"

	"signal-backtester/services/engine"
)

func fiveMinuteFrame(t *testing.T) *engine.Frame {
	t.Helper()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	index := make([]time.Time, 4)
	for i := range index {
		index[i] = t0.Add(time.Duration(i) * 5 * time.Minute)
	}
	f := engine.NewFrame("BTCUSDT", index)
	cols := map[string][]float64{
		engine.ColOpen:   {10, 11, 12, 13},
		engine.ColHigh:   {11, math.NaN(), 14, 13.5},
		engine.ColLow:    {9, 10, 11, 12},
		engine.ColClose:  {11, 12, 13, 13.2},
		engine.ColVolume: {1, 2, 3, 4},
		"signal":         {0, 1, -1, 1},
	}
	for name, col := range cols {
		if err := f.Set(name, col); err != nil {
			t.Fatal(err)
		}
	}
	return f
}

func TestResample(t *testing.T) {
	out, err := Resample(fiveMinuteFrame(t), 15*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if out.Len() != 2 || out.Index[1].Minute() != 15 {
		t.Fatalf("index %v", out.Index)
	}
	want := map[string][]float64{
		engine.ColOpen:   {10, 13},
		engine.ColHigh:   {14, 13.5},
		engine.ColLow:    {9, 12},
		engine.ColClose:  {13, 13.2},
		engine.ColVolume: {6, 4},
		"signal":         {-1, 1},
	}
	for name, w := range want {
		got, _ := out.Column(name)
		for i := range w {
			if got[i] != w[i] {
				t.Fatalf("%s = %v, want %v", name, got, w)
			}
		}
	}
}

func TestResampleRejectsBadStep(t *testing.T) {
	f := fiveMinuteFrame(t)
	if _, err := Resample(f, 7*time.Minute); err == nil {
		t.Fatal("7m from 5m accepted")
	}
	if _, err := Resample(f, 0); err == nil {
		t.Fatal("zero step accepted")
	}
}

func TestParseInterval(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"5m", 5 * time.Minute},
		{"15min", 15 * time.Minute},
		{"4h", 4 * time.Hour},
		{"1d", 24 * time.Hour},
		{"1w", 7 * 24 * time.Hour},
		{"30", 30 * time.Minute},
	}
	for _, tc := range cases {
		got, err := ParseInterval(tc.in)
		if err != nil || got != tc.want {
			t.Fatalf("ParseInterval(%q) = %v, %v", tc.in, got, err)
		}
	}
	for _, bad := range []string{"", "m", "-5m", "fast"} {
		if _, err := ParseInterval(bad); err == nil {
			t.Fatalf("ParseInterval(%q) accepted", bad)
		}
	}
}

func TestWriteCSVRoundTrip(t *testing.T) {
	f := fiveMinuteFrame(t)
	var buf bytes.Buffer
	if err := WriteCSV(&buf, f); err != nil {
		t.Fatal(err)
	}
	header := strings.SplitN(buf.String(), "\n", 2)[0]
	if header != "timestamp_ms,open,high,low,close,volume,signal" {
		t.Fatalf("header %q", header)
	}
	back, err := ReadCSV(&buf, CSVOptions{Symbol: f.Symbol})
	if err != nil {
		t.Fatal(err)
	}
	if back.Len() != f.Len() || !back.Index[3].Equal(f.Index[3]) {
		t.Fatalf("index %v", back.Index)
	}
	highs, _ := back.Column(engine.ColHigh)
	if !math.IsNaN(highs[1]) || highs[2] != 14 {
		t.Fatalf("highs %v", highs)
	}
	signals, _ := back.Column("signal")
	if signals[2] != -1 {
		t.Fatalf("signals %v", signals)
	}
}
