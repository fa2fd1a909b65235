package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"signal-backtester/services/arrowpipeline"
	"signal-backtester/services/engine"
)

// exportResult writes ledger.csv, equity.csv and manifest.json into dir.
func exportResult(dir string, res *engine.Result) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	files := []struct {
		name  string
		write func(io.Writer, *engine.Result) error
	}{
		{"ledger.csv", writeLedgerCSV},
		{"equity.csv", writeEquityCSV},
		{"manifest.json", writeManifest},
	}
	for _, f := range files {
		if err := writeFile(filepath.Join(dir, f.name), func(w io.Writer) error { return f.write(w, res) }); err != nil {
			return err
		}
	}
	return nil
}

func exportArrow(dir string, p *arrowpipeline.Pipeline, res *engine.Result) error {
	bars, err := p.EncodeResult(res)
	if err != nil {
		return err
	}
	ledger, err := p.EncodeLedger(res)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "result.arrow"), bars, 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "ledger.arrow"), ledger, 0o644)
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", path, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

func fixed(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ""
	}
	return decimal.NewFromFloat(v).StringFixed(8)
}

func writeLedgerCSV(w io.Writer, res *engine.Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"trade_id", "order_id", "type", "date", "price", "units", "commission", "profit"}); err != nil {
		return err
	}
	for _, e := range res.Ledger {
		profit := ""
		if e.Profit != nil {
			profit = fixed(*e.Profit)
		}
		rec := []string{
			e.TradeID,
			e.OrderID,
			e.Type,
			e.Date.UTC().Format(time.RFC3339),
			fixed(e.Price),
			fixed(e.Units),
			fixed(e.Commission),
			profit,
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeEquityCSV(w io.Writer, res *engine.Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"timestamp", "signal", "position", "equity", "anomalies"}); err != nil {
		return err
	}
	for _, b := range res.Bars {
		rec := []string{
			b.Time.UTC().Format(time.RFC3339),
			b.Signal.String(),
			b.Position.String(),
			fixed(b.Equity),
			strconv.Itoa(b.Anomalies),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

type manifestFile struct {
	*engine.RunManifest
	Summary engine.Summary `json:"summary"`
}

func writeManifest(w io.Writer, res *engine.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(manifestFile{RunManifest: res.Manifest, Summary: res.Summary})
}
