package marketdata

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"signal-backtester/services/engine"
)

// Binance caps a klines request at 1000 rows.
const klinePageLimit = 1000

type klineFetcher interface {
	fetch(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]*binance.Kline, error)
}

type spotFetcher struct {
	client *binance.Client
}

func (s spotFetcher) fetch(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]*binance.Kline, error) {
	return s.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		StartTime(start).
		EndTime(end).
		Limit(limit).
		Do(ctx)
}

// KlineSource pages historical spot klines from Binance into frames.
type KlineSource struct {
	fetcher    klineFetcher
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
	logger     *zap.Logger
}

type KlineOption func(*KlineSource)

func WithKlineLogger(l *zap.Logger) KlineOption { return func(s *KlineSource) { s.logger = l } }

// WithRetry sets the retry count and the base of the exponential backoff.
func WithRetry(maxRetries int, backoff time.Duration) KlineOption {
	return func(s *KlineSource) {
		s.maxRetries = maxRetries
		s.backoff = backoff
	}
}

func NewKlineSource(apiKey, secretKey string, opts ...KlineOption) *KlineSource {
	client := binance.NewClient(apiKey, secretKey)
	client.HTTPClient = &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	return newKlineSource(spotFetcher{client: client}, opts...)
}

func newKlineSource(f klineFetcher, opts ...KlineOption) *KlineSource {
	s := &KlineSource{
		fetcher:    f,
		limiter:    rate.NewLimiter(rate.Limit(10), 20),
		maxRetries: 3,
		backoff:    100 * time.Millisecond,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Bars fetches [from, to) and returns it as an OHLCV frame indexed by open time.
func (s *KlineSource) Bars(ctx context.Context, symbol, interval string, from, to time.Time) (*engine.Frame, error) {
	var bars []engine.Bar
	start, end := from.UnixMilli(), to.UnixMilli()-1
	for start <= end {
		page, err := s.page(ctx, symbol, interval, start, end)
		if err != nil {
			return nil, fmt.Errorf("klines %s %s: %w", symbol, interval, err)
		}
		if len(page) == 0 {
			break
		}
		for _, k := range page {
			b, err := klineBar(k)
			if err != nil {
				s.logger.Warn("Skipping malformed kline", zap.String("symbol", symbol), zap.Int64("open_time_ms", k.OpenTime), zap.Error(err))
				continue
			}
			bars = append(bars, b)
		}
		next := page[len(page)-1].OpenTime + 1
		if next <= start || len(page) < klinePageLimit {
			break
		}
		start = next
	}
	s.logger.Info("Fetched klines",
		zap.String("symbol", symbol),
		zap.String("interval", interval),
		zap.Int("bars", len(bars)),
	)
	if len(bars) == 0 {
		return nil, &engine.DataValidationError{Msg: fmt.Sprintf("no klines for %s %s", symbol, interval)}
	}
	return engine.FrameFromBars(symbol, bars), nil
}

// page waits on the rate limiter and retries with exponential backoff.
func (s *KlineSource) page(ctx context.Context, symbol, interval string, start, end int64) ([]*binance.Kline, error) {
	for attempt := 0; ; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		klines, err := s.fetcher.fetch(ctx, symbol, interval, start, end, klinePageLimit)
		if err == nil {
			return klines, nil
		}
		if attempt == s.maxRetries {
			return nil, err
		}
		wait := time.Duration(math.Pow(2, float64(attempt))) * s.backoff
		s.logger.Warn("Kline request failed, retrying",
			zap.String("symbol", symbol),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func klineBar(k *binance.Kline) (engine.Bar, error) {
	var vals [5]float64
	for i, s := range []string{k.Open, k.High, k.Low, k.Close, k.Volume} {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return engine.Bar{}, err
		}
		vals[i] = d.InexactFloat64()
	}
	return engine.Bar{
		Time:   time.UnixMilli(k.OpenTime).UTC(),
		Open:   vals[0],
		High:   vals[1],
		Low:    vals[2],
		Close:  vals[3],
		Volume: vals[4],
	}, nil
}
