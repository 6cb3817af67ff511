package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"tradebot/pkg/logger"
)

// CandleSource fetches closed candles for one symbol, most recent last.
// The last element may be the still-forming bar; the gate drops it.
type CandleSource interface {
	Candles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
}

// Gate normalizes exchange candle data into canonical per-symbol series and
// hides fetch/pagination details from the rest of the engine. All reads see
// snapshots; only Refresh mutates.
type Gate struct {
	src      CandleSource
	interval string
	step     time.Duration
	lookback int

	mu     sync.RWMutex
	series map[string][]Candle
}

// NewGate builds a gate for the given interval and lookback window.
func NewGate(src CandleSource, interval string, lookback int) (*Gate, error) {
	step, err := ParseInterval(interval)
	if err != nil {
		return nil, err
	}
	if lookback <= 0 {
		return nil, fmt.Errorf("lookback must be positive")
	}
	return &Gate{
		src:      src,
		interval: interval,
		step:     step,
		lookback: lookback,
		series:   make(map[string][]Candle),
	}, nil
}

// Interval returns the configured candle granularity token.
func (g *Gate) Interval() string { return g.interval }

// Refresh pulls the latest window for a symbol, drops the still-forming bar,
// and validates series integrity before publishing the snapshot.
func (g *Gate) Refresh(ctx context.Context, symbol string, now time.Time) error {
	// One extra bar so the window stays full after trimming the open bar.
	candles, err := g.src.Candles(ctx, symbol, g.interval, g.lookback+1)
	if err != nil {
		return fmt.Errorf("fetch candles %s: %w", symbol, err)
	}

	// The exchange returns the in-progress bar last; it is mutable until its
	// interval elapses, so it never enters the series.
	for len(candles) > 0 {
		last := candles[len(candles)-1]
		if !last.OpenTime.Add(g.step).After(now) {
			break
		}
		candles = candles[:len(candles)-1]
	}
	if len(candles) == 0 {
		return &GapError{Symbol: symbol}
	}
	if len(candles) > g.lookback {
		candles = candles[len(candles)-g.lookback:]
	}

	if err := ValidateSeries(symbol, candles, g.step); err != nil {
		return err
	}

	g.mu.Lock()
	g.series[symbol] = candles
	g.mu.Unlock()

	logger.Debug("market gate refreshed",
		zap.String("symbol", symbol),
		zap.Int("candles", len(candles)),
		zap.Time("last_open", candles[len(candles)-1].OpenTime))
	return nil
}

// History returns a copy of the symbol's series, most recent last.
func (g *Gate) History(symbol string) []Candle {
	g.mu.RLock()
	defer g.mu.RUnlock()
	src := g.series[symbol]
	out := make([]Candle, len(src))
	copy(out, src)
	return out
}

// LastClose returns the close of the most recent finished candle.
func (g *Gate) LastClose(symbol string) (float64, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s := g.series[symbol]
	if len(s) == 0 {
		return 0, false
	}
	return s[len(s)-1].Close, true
}
