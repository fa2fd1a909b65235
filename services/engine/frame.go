package engine

import (
	"fmt"
	"sort"
	"time"
)

const (
	ColOpen   = "open"
	ColHigh   = "high"
	ColLow    = "low"
	ColClose  = "close"
	ColVolume = "volume"
)

// OHLCVColumns are required in every frame.
var OHLCVColumns = []string{ColOpen, ColHigh, ColLow, ColClose, ColVolume}

type Bar struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Frame is a time-indexed set of equally long float columns for one symbol.
type Frame struct {
	Symbol  string
	Index   []time.Time
	columns map[string][]float64
}

func NewFrame(symbol string, index []time.Time) *Frame {
	return &Frame{Symbol: symbol, Index: index, columns: make(map[string][]float64)}
}

// FrameFromBars builds an OHLCV frame.
func FrameFromBars(symbol string, bars []Bar) *Frame {
	n := len(bars)
	index := make([]time.Time, n)
	cols := map[string][]float64{}
	for _, name := range OHLCVColumns {
		cols[name] = make([]float64, n)
	}
	for i, b := range bars {
		index[i] = b.Time
		cols[ColOpen][i] = b.Open
		cols[ColHigh][i] = b.High
		cols[ColLow][i] = b.Low
		cols[ColClose][i] = b.Close
		cols[ColVolume][i] = b.Volume
	}
	return &Frame{Symbol: symbol, Index: index, columns: cols}
}

func (f *Frame) Len() int { return len(f.Index) }

// Set adds or replaces a column. Its length must match the index.
func (f *Frame) Set(name string, values []float64) error {
	if len(values) != len(f.Index) {
		return fmt.Errorf("column %s has %d values, index has %d", name, len(values), len(f.Index))
	}
	if f.columns == nil {
		f.columns = make(map[string][]float64)
	}
	f.columns[name] = values
	return nil
}

func (f *Frame) Column(name string) ([]float64, bool) {
	v, ok := f.columns[name]
	return v, ok
}

// ColumnNames lists columns sorted by name.
func (f *Frame) ColumnNames() []string {
	names := make([]string, 0, len(f.columns))
	for k := range f.columns {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Validate reports every required column that is absent.
func (f *Frame) Validate(required ...string) error {
	if f == nil {
		return &DataValidationError{Msg: "nil frame"}
	}
	var missing []string
	for _, name := range required {
		if _, ok := f.columns[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return &DataValidationError{Missing: missing}
	}
	for i := 1; i < len(f.Index); i++ {
		if !f.Index[i].After(f.Index[i-1]) {
			return &DataValidationError{Msg: fmt.Sprintf("index not strictly increasing at row %d", i)}
		}
	}
	return nil
}

// Bar returns row i. Missing OHLCV columns read as zero.
func (f *Frame) Bar(i int) Bar {
	at := func(name string) float64 {
		if c, ok := f.columns[name]; ok {
			return c[i]
		}
		return 0
	}
	return Bar{
		Time:   f.Index[i],
		Open:   at(ColOpen),
		High:   at(ColHigh),
		Low:    at(ColLow),
		Close:  at(ColClose),
		Volume: at(ColVolume),
	}
}

func (f *Frame) Bars() []Bar {
	out := make([]Bar, f.Len())
	for i := range out {
		out[i] = f.Bar(i)
	}
	return out
}

// Clone copies the frame so a strategy can add columns without touching the input.
func (f *Frame) Clone() *Frame {
	c := NewFrame(f.Symbol, append([]time.Time(nil), f.Index...))
	for k, v := range f.columns {
		c.columns[k] = append([]float64(nil), v...)
	}
	return c
}

// SignalGenerator adds a signal column to a copy of the frame.
type SignalGenerator interface {
	GenerateSignals(f *Frame) (*Frame, error)
}

// BarStrategy emits a signal for bar t given the completed bars before it.
// The window must be treated as read-only.
type BarStrategy interface {
	OnBar(window []Bar) int
}

// BarStrategyFunc adapts a function to BarStrategy.
type BarStrategyFunc func(window []Bar) int

func (fn BarStrategyFunc) OnBar(window []Bar) int { return fn(window) }
