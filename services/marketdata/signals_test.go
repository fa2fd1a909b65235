package marketdata

import (
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"signal-backtester/services/engine"
)

func TestReadSignals(t *testing.T) {
	in := "date,signal\n2024-01-01,0\n2024-01-02,1\nbogus,1\n2024-01-03,-1\n"
	pts, err := ReadSignals(strings.NewReader(in), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(pts) != 3 || pts[1].Value != 1 || pts[2].Value != -1 {
		t.Fatalf("got %+v", pts)
	}
}

func TestMergeSignals(t *testing.T) {
	index := []time.Time{
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
	}
	f := engine.NewFrame("X", index)
	pts := []SignalPoint{
		{Time: index[1], Value: 1},
		{Time: index[2].Add(time.Hour), Value: -1},
	}
	core, logs := observer.New(zap.WarnLevel)
	out, err := MergeSignals(f, "signal", pts, zap.New(core))
	if err != nil {
		t.Fatal(err)
	}
	got, _ := out.Column("signal")
	if got[0] != 0 || got[1] != 1 || got[2] != 0 {
		t.Fatalf("merged %v, want [0 1 0]", got)
	}
	if _, ok := f.Column("signal"); ok {
		t.Fatal("input frame modified")
	}
	if logs.Len() != 1 {
		t.Fatal("partial coverage not reported")
	}
}
