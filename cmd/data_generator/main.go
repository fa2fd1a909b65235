// Data Generator - writes seeded synthetic OHLCV bars with a signal column
// for demos and tests.
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

type genConfig struct {
	Bars     int
	Seed     int64
	Start    time.Time
	Step     time.Duration
	Price    float64
	NaNRate  float64
	HoldBars int
}

func main() {
	var (
		out      = flag.String("out", "bars.csv", "Output CSV file")
		bars     = flag.Int("bars", 1000, "Number of bars")
		seed     = flag.Int64("seed", 42, "Random seed")
		start    = flag.String("start", "2024-01-01", "First bar date (YYYY-MM-DD)")
		step     = flag.Duration("step", time.Hour, "Bar spacing")
		price    = flag.Float64("price", 50000, "Starting price")
		nanRate  = flag.Float64("nan-rate", 0, "Fraction of cells left empty to exercise sanitization")
		holdBars = flag.Int("hold", 10, "Mean bars between signal changes")
	)
	flag.Parse()

	t0, err := time.Parse("2006-01-02", *start)
	if err != nil {
		log.Fatalf("Invalid -start: %v", err)
	}
	f, err := os.Create(*out)
	if err != nil {
		log.Fatalf("Failed to create file: %v", err)
	}
	defer f.Close()

	cfg := genConfig{Bars: *bars, Seed: *seed, Start: t0, Step: *step, Price: *price, NaNRate: *nanRate, HoldBars: *holdBars}
	if err := generate(f, cfg); err != nil {
		log.Fatalf("Failed to write bars: %v", err)
	}
	fmt.Printf("Generated %d bars to %s\n", *bars, *out)
}

// generate writes a trending random walk. Trend regimes flip every few
// hundred bars and the signal follows the regime with some noise.
func generate(w io.Writer, cfg genConfig) error {
	rng := rand.New(rand.NewSource(cfg.Seed))
	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"timestamp_ms", "open", "high", "low", "close", "volume", "signal"}); err != nil {
		return err
	}
	hold := cfg.HoldBars
	if hold <= 0 {
		hold = 1
	}

	price := cfg.Price
	signal := 0
	for i := 0; i < cfg.Bars; i++ {
		trend := 0.0
		switch (i / 250) % 4 {
		case 1:
			trend = 0.001
		case 3:
			trend = -0.001
		}
		change := (rng.Float64()-0.5)*0.02 + trend
		open := price
		volatility := 0.005 + rng.Float64()*0.01
		high := open * (1 + volatility*rng.Float64())
		low := open * (1 - volatility*rng.Float64())
		closePx := open * (1 + change)
		high = math.Max(high, math.Max(open, closePx))
		low = math.Min(low, math.Min(open, closePx))
		volume := 1000 + rng.Float64()*5000 + math.Abs(change)*100000

		if rng.Intn(hold) == 0 {
			switch {
			case trend > 0:
				signal = 1
			case trend < 0:
				signal = -1
			default:
				signal = rng.Intn(3) - 1
			}
		}

		ts := cfg.Start.Add(time.Duration(i) * cfg.Step).UnixMilli()
		rec := []string{strconv.FormatInt(ts, 10)}
		for _, v := range []float64{open, high, low, closePx, volume} {
			cell := decimal.NewFromFloat(v).StringFixed(8)
			if cfg.NaNRate > 0 && rng.Float64() < cfg.NaNRate {
				cell = ""
			}
			rec = append(rec, cell)
		}
		rec = append(rec, strconv.Itoa(signal))
		if err := writer.Write(rec); err != nil {
			return err
		}
		price = closePx
	}
	writer.Flush()
	return writer.Error()
}
