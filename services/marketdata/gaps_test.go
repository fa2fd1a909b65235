package marketdata

import (
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func minutes(offsets ...int) []time.Time {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]time.Time, len(offsets))
	for i, m := range offsets {
		out[i] = base.Add(time.Duration(m) * time.Minute)
	}
	return out
}

func TestInferStep(t *testing.T) {
	cases := []struct {
		name  string
		index []time.Time
		want  time.Duration
	}{
		{"empty", nil, 0},
		{"single", minutes(0), 0},
		{"regular", minutes(0, 5, 10, 15), 5 * time.Minute},
		{"with gap", minutes(0, 5, 10, 30, 35), 5 * time.Minute},
		{"tie prefers smaller", minutes(0, 5, 15), 5 * time.Minute},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := InferStep(tc.index); got != tc.want {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestDetectGaps(t *testing.T) {
	index := minutes(0, 5, 10, 30, 35, 45)
	gaps := DetectGaps(index, 0)
	if len(gaps) != 2 {
		t.Fatalf("got %d gaps, want 2", len(gaps))
	}
	if gaps[0].Missing != 3 || !gaps[0].After.Equal(index[2]) || !gaps[0].Before.Equal(index[3]) {
		t.Fatalf("first gap %+v", gaps[0])
	}
	if gaps[1].Missing != 1 {
		t.Fatalf("second gap %+v", gaps[1])
	}
	if DetectGaps(minutes(0, 5, 10), 5*time.Minute) != nil {
		t.Fatal("regular series reported gaps")
	}
}

func TestReportGaps(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	ReportGaps(zap.New(core), "BTCUSDT", DetectGaps(minutes(0, 5, 20), 5*time.Minute))
	if logs.FilterMessage("Gap in bar data").Len() != 1 {
		t.Fatal("gap not logged")
	}
	ReportGaps(nil, "BTCUSDT", []Gap{{}})
}
