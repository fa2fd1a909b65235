package engine

// Run configuration and reproducibility manifest

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

const EngineVersion = "1.0.0"

type SlippageKind string

const (
	SlippagePercent SlippageKind = "percent"
	SlippageFixed   SlippageKind = "fixed"
	SlippageRandom  SlippageKind = "random"
	SlippageNone    SlippageKind = "none"
)

type ImpactKind string

const (
	ImpactNone       ImpactKind = "none"
	ImpactLinear     ImpactKind = "linear"
	ImpactSquareRoot ImpactKind = "square_root"
)

type ExecutionConfig struct {
	SlippageModel SlippageKind
	FixedSlippage float64
	RandomMin     float64
	RandomMax     float64
	ImpactModel   ImpactKind
	ImpactFactor  float64
}

// Config is immutable once a run starts; ConfigFromMap and DefaultConfig are
// the only constructors the drivers use.
type Config struct {
	Symbol         string
	InitialCapital float64
	CommissionRate float64
	Slippage       float64
	PositionSize   float64
	SignalColumn   string
	AllowShort     bool

	RiskEnabled bool
	Risk        RiskConfig

	Execution ExecutionConfig
	// Seed drives random slippage and ID generation. HasSeed records whether
	// it was set explicitly.
	Seed    int64
	HasSeed bool
}

func DefaultConfig() Config {
	return Config{
		InitialCapital: 100000.0,
		CommissionRate: 0.0003,
		Slippage:       0.0001,
		PositionSize:   1.0,
		SignalColumn:   "signal",
		Risk:           DefaultRiskConfig(),
		Execution: ExecutionConfig{
			SlippageModel: SlippagePercent,
			ImpactModel:   ImpactNone,
			ImpactFactor:  0.1,
		},
	}
}

func (c Config) Validate() error {
	if !positive(c.InitialCapital) {
		return &ConfigError{Key: "initial_capital", Msg: "must be positive"}
	}
	if c.CommissionRate < 0 || math.IsNaN(c.CommissionRate) {
		return &ConfigError{Key: "commission_rate", Msg: "must be non-negative"}
	}
	if c.Slippage < 0 || math.IsNaN(c.Slippage) {
		return &ConfigError{Key: "slippage", Msg: "must be non-negative"}
	}
	if !(c.PositionSize > 0) {
		return &ConfigError{Key: "position_size", Msg: "must be positive"}
	}
	if c.SignalColumn == "" {
		return &ConfigError{Key: "signal_column", Msg: "must not be empty"}
	}
	if c.Execution.SlippageModel == SlippageRandom && !c.HasSeed {
		return &ConfigError{Key: "random_seed", Msg: "required when slippage_model is random"}
	}
	if err := c.Risk.Window.Validate(); err != nil {
		return &ConfigError{Key: "trading_start", Msg: err.Error()}
	}
	return nil
}

// simulatorConfig builds the friction models. Random slippage draws from its
// own generator seeded with c.Seed.
func (c Config) simulatorConfig() SimulatorConfig {
	sc := SimulatorConfig{Fees: RateFee{Rate: c.CommissionRate}}
	switch c.Execution.SlippageModel {
	case SlippageFixed:
		sc.Slippage = FixedSlippage{Amount: c.Execution.FixedSlippage}
	case SlippageRandom:
		sc.Slippage = NewRandomSlippage(c.Execution.RandomMin, c.Execution.RandomMax, c.Seed)
	case SlippageNone:
		sc.Slippage = NoSlippage{}
	default:
		sc.Slippage = PercentSlippage{Rate: c.Slippage}
	}
	switch c.Execution.ImpactModel {
	case ImpactLinear:
		sc.Impact = LinearImpact{Factor: c.Execution.ImpactFactor}
	case ImpactSquareRoot:
		sc.Impact = SquareRootImpact{Factor: c.Execution.ImpactFactor}
	default:
		sc.Impact = NoImpact{}
	}
	return sc
}

// ConfigFromMap overlays recognised keys onto DefaultConfig. Unknown keys are
// ignored; a recognised key with an unusable value is an error.
func ConfigFromMap(m map[string]any) (Config, error) {
	c := DefaultConfig()
	floats := map[string]*float64{
		"initial_capital":      &c.InitialCapital,
		"commission_rate":      &c.CommissionRate,
		"slippage":             &c.Slippage,
		"position_size":        &c.PositionSize,
		"max_position_size":    &c.Risk.MaxPositionSize,
		"max_drawdown":         &c.Risk.MaxDrawdown,
		"stop_loss_pct":        &c.Risk.StopLoss,
		"take_profit_pct":      &c.Risk.TakeProfit,
		"trailing_stop_pct":    &c.Risk.TrailingStop,
		"fixed_fraction":       &c.Risk.FixedFraction,
		"kelly_fraction":       &c.Risk.KellyFraction,
		"win_rate":             &c.Risk.WinRate,
		"profit_loss_ratio":    &c.Risk.ProfitLossRatio,
		"target_volatility":    &c.Risk.TargetVolatility,
		"equity_percent":       &c.Risk.EquityPercent,
		"f_fraction":           &c.Risk.FFraction,
		"fixed_slippage":       &c.Execution.FixedSlippage,
		"random_slippage_min":  &c.Execution.RandomMin,
		"random_slippage_max":  &c.Execution.RandomMax,
		"market_impact_factor": &c.Execution.ImpactFactor,
	}
	for key, dst := range floats {
		v, ok := m[key]
		if !ok {
			continue
		}
		f, err := toFloat(v)
		if err != nil {
			return Config{}, &ConfigError{Key: key, Msg: err.Error()}
		}
		*dst = f
	}

	ints := map[string]*int{
		"max_trades_per_day": &c.Risk.MaxTradesPerDay,
		"volatility_window":  &c.Risk.VolatilityWindow,
	}
	for key, dst := range ints {
		v, ok := m[key]
		if !ok {
			continue
		}
		f, err := toFloat(v)
		if err != nil || f != math.Trunc(f) {
			return Config{}, &ConfigError{Key: key, Msg: fmt.Sprintf("want integer, got %v", v)}
		}
		*dst = int(f)
	}

	bools := map[string]*bool{
		"allow_short":  &c.AllowShort,
		"risk_enabled": &c.RiskEnabled,
	}
	for key, dst := range bools {
		v, ok := m[key]
		if !ok {
			continue
		}
		b, err := toBool(v)
		if err != nil {
			return Config{}, &ConfigError{Key: key, Msg: err.Error()}
		}
		*dst = b
	}

	if v, ok := m["symbol"]; ok {
		c.Symbol = fmt.Sprint(v)
	}
	if v, ok := m["signal_column"]; ok {
		c.SignalColumn = fmt.Sprint(v)
	}
	if v, ok := m["position_sizing_method"]; ok {
		method, err := ParseSizingMethod(fmt.Sprint(v))
		if err != nil {
			return Config{}, &ConfigError{Key: "position_sizing_method", Msg: err.Error()}
		}
		c.Risk.Sizing = method
	}
	if v, ok := m["slippage_model"]; ok {
		switch k := SlippageKind(strings.ToLower(fmt.Sprint(v))); k {
		case SlippagePercent, SlippageFixed, SlippageRandom, SlippageNone:
			c.Execution.SlippageModel = k
		default:
			return Config{}, &ConfigError{Key: "slippage_model", Msg: fmt.Sprintf("unknown model %q", v)}
		}
	}
	if v, ok := m["market_impact_model"]; ok {
		switch k := ImpactKind(strings.ToLower(fmt.Sprint(v))); k {
		case ImpactNone, ImpactLinear, ImpactSquareRoot:
			c.Execution.ImpactModel = k
		default:
			return Config{}, &ConfigError{Key: "market_impact_model", Msg: fmt.Sprintf("unknown model %q", v)}
		}
	}
	if v, ok := m["random_seed"]; ok {
		f, err := toFloat(v)
		if err != nil || f != math.Trunc(f) {
			return Config{}, &ConfigError{Key: "random_seed", Msg: fmt.Sprintf("want integer, got %v", v)}
		}
		c.Seed, c.HasSeed = int64(f), true
	}
	if v, ok := m["trading_days"]; ok {
		days, err := toWeekdays(v)
		if err != nil {
			return Config{}, &ConfigError{Key: "trading_days", Msg: err.Error()}
		}
		c.Risk.Window.Days = days
	}
	if v, ok := m["trading_start"]; ok {
		c.Risk.Window.Start = fmt.Sprint(v)
	}
	if v, ok := m["trading_end"]; ok {
		c.Risk.Window.End = fmt.Sprint(v)
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Values flattens c back into its key/value form.
func (c Config) Values() map[string]string {
	days := make([]string, 0, len(c.Risk.Window.Days))
	for _, d := range c.Risk.Window.Days {
		days = append(days, d.String())
	}
	v := map[string]string{
		"symbol":                 c.Symbol,
		"initial_capital":        formatFloat(c.InitialCapital),
		"commission_rate":        formatFloat(c.CommissionRate),
		"slippage":               formatFloat(c.Slippage),
		"position_size":          formatFloat(c.PositionSize),
		"signal_column":          c.SignalColumn,
		"allow_short":            strconv.FormatBool(c.AllowShort),
		"risk_enabled":           strconv.FormatBool(c.RiskEnabled),
		"max_position_size":      formatFloat(c.Risk.MaxPositionSize),
		"max_drawdown":           formatFloat(c.Risk.MaxDrawdown),
		"stop_loss_pct":          formatFloat(c.Risk.StopLoss),
		"take_profit_pct":        formatFloat(c.Risk.TakeProfit),
		"trailing_stop_pct":      formatFloat(c.Risk.TrailingStop),
		"max_trades_per_day":     strconv.Itoa(c.Risk.MaxTradesPerDay),
		"position_sizing_method": string(c.Risk.Sizing),
		"fixed_fraction":         formatFloat(c.Risk.FixedFraction),
		"kelly_fraction":         formatFloat(c.Risk.KellyFraction),
		"win_rate":               formatFloat(c.Risk.WinRate),
		"profit_loss_ratio":      formatFloat(c.Risk.ProfitLossRatio),
		"target_volatility":      formatFloat(c.Risk.TargetVolatility),
		"volatility_window":      strconv.Itoa(c.Risk.VolatilityWindow),
		"equity_percent":         formatFloat(c.Risk.EquityPercent),
		"f_fraction":             formatFloat(c.Risk.FFraction),
		"trading_days":           strings.Join(days, ","),
		"trading_start":          c.Risk.Window.Start,
		"trading_end":            c.Risk.Window.End,
		"slippage_model":         string(c.Execution.SlippageModel),
		"fixed_slippage":         formatFloat(c.Execution.FixedSlippage),
		"random_slippage_min":    formatFloat(c.Execution.RandomMin),
		"random_slippage_max":    formatFloat(c.Execution.RandomMax),
		"market_impact_model":    string(c.Execution.ImpactModel),
		"market_impact_factor":   formatFloat(c.Execution.ImpactFactor),
	}
	if c.HasSeed {
		v["random_seed"] = strconv.FormatInt(c.Seed, 10)
	}
	return v
}

type ConfigSnapshot struct {
	Version    string            `json:"version"`
	ConfigHash string            `json:"config_hash"`
	Values     map[string]string `json:"values"`
}

// Snapshot hashes the flattened config. encoding/json sorts map keys, so the
// hash is stable for equal configs.
func (c Config) Snapshot() *ConfigSnapshot {
	values := c.Values()
	b, _ := json.Marshal(values)
	return &ConfigSnapshot{
		Version:    EngineVersion,
		ConfigHash: fmt.Sprintf("%x", sha256.Sum256(b)),
		Values:     values,
	}
}

// RunManifest identifies everything a run depended on.
type RunManifest struct {
	RunID          string          `json:"run_id"`
	ConfigSnapshot *ConfigSnapshot `json:"config_snapshot"`
	DataChecksum   string          `json:"data_checksum"`
	EngineVersion  string          `json:"engine_version"`
	Bars           int             `json:"bars"`
	From           time.Time       `json:"from"`
	To             time.Time       `json:"to"`
}

// Checksum hashes the frame index and columns in name order.
func Checksum(f *Frame) string {
	h := sha256.New()
	var buf [8]byte
	put := func(u uint64) {
		for i := range buf {
			buf[i] = byte(u >> (8 * i))
		}
		h.Write(buf[:])
	}
	for _, ts := range f.Index {
		put(uint64(ts.UnixNano()))
	}
	names := f.ColumnNames()
	sort.Strings(names)
	for _, name := range names {
		h.Write([]byte(name))
		for _, v := range f.columns[name] {
			put(math.Float64bits(v))
		}
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("want number, got %q", x)
		}
		return f, nil
	}
	return 0, fmt.Errorf("want number, got %T", v)
}

func toBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		if err != nil {
			return false, fmt.Errorf("want bool, got %q", x)
		}
		return b, nil
	}
	if f, err := toFloat(v); err == nil {
		return f != 0, nil
	}
	return false, fmt.Errorf("want bool, got %T", v)
}

func toWeekdays(v any) ([]time.Weekday, error) {
	var items []string
	switch x := v.(type) {
	case string:
		if strings.TrimSpace(x) == "" {
			return nil, nil
		}
		items = strings.Split(x, ",")
	case []string:
		items = x
	case []any:
		for _, it := range x {
			if f, err := toFloat(it); err == nil {
				items = append(items, strconv.Itoa(int(f)))
				continue
			}
			items = append(items, fmt.Sprint(it))
		}
	case []int:
		for _, it := range x {
			items = append(items, strconv.Itoa(it))
		}
	default:
		return nil, fmt.Errorf("want list of weekdays, got %T", v)
	}
	days := make([]time.Weekday, 0, len(items))
	for _, it := range items {
		d, err := ParseWeekday(it)
		if err != nil {
			return nil, err
		}
		days = append(days, d)
	}
	return days, nil
}
