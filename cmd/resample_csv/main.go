// Resample CSV - aggregates an OHLCV(+signal) CSV to a coarser cadence.
package main

import (
	"flag"
	"io"
	"log"
	"os"

	"go.uber.org/zap"

	"signal-backtester/services/marketdata"
)

func main() {
	in := flag.String("in", "", "Input CSV (timestamp,open,high,low,close,volume[,signal])")
	out := flag.String("out", "", "Output CSV path")
	dst := flag.String("dst", "15m", "Target cadence (e.g., 15m, 1h)")
	flag.Parse()

	if *in == "" || *out == "" {
		log.Fatal("-in and -out are required")
	}
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	of, err := os.Create(*out)
	if err != nil {
		logger.Fatal("Failed to create output", zap.Error(err))
	}
	defer of.Close()

	if err := resample(*in, *dst, of, logger); err != nil {
		logger.Fatal("Resample failed", zap.String("in", *in), zap.Error(err))
	}
}

func resample(in, dst string, w io.Writer, logger *zap.Logger) error {
	step, err := marketdata.ParseInterval(dst)
	if err != nil {
		return err
	}
	f, err := marketdata.LoadCSV(in, marketdata.CSVOptions{Logger: logger})
	if err != nil {
		return err
	}
	marketdata.ReportGaps(logger, in, marketdata.DetectGaps(f.Index, 0))
	agg, err := marketdata.Resample(f, step)
	if err != nil {
		return err
	}
	logger.Info("Resampled bars",
		zap.String("in", in),
		zap.String("dst", dst),
		zap.Int("input_bars", f.Len()),
		zap.Int("output_bars", agg.Len()),
	)
	return marketdata.WriteCSV(w, agg)
}
