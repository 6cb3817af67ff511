package market

import (
	"fmt"
	"time"
)

// Candle is one OHLCV bar for a single symbol at a single granularity.
// Immutable once its interval has elapsed.
type Candle struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// GapError signals a hole in a candle series. Evaluation for the affected
// symbol is skipped for the tick; gaps are never silently filled.
type GapError struct {
	Symbol   string
	Expected time.Time
	Got      time.Time
}

func (e *GapError) Error() string {
	return fmt.Sprintf("candle gap for %s: expected open %s, got %s",
		e.Symbol, e.Expected.Format(time.RFC3339), e.Got.Format(time.RFC3339))
}

// ParseInterval converts an exchange interval token ("1m", "4h", "1d") into
// a duration.
func ParseInterval(interval string) (time.Duration, error) {
	if len(interval) < 2 {
		return 0, fmt.Errorf("invalid interval %q", interval)
	}
	unit := interval[len(interval)-1]
	var n int
	if _, err := fmt.Sscanf(interval[:len(interval)-1], "%d", &n); err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid interval %q", interval)
	}
	switch unit {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid interval %q", interval)
	}
}

// ValidateSeries checks that candles are strictly increasing with no holes of
// the given interval. Returns a *GapError on the first violation.
func ValidateSeries(symbol string, candles []Candle, interval time.Duration) error {
	for i := 1; i < len(candles); i++ {
		expected := candles[i-1].OpenTime.Add(interval)
		if !candles[i].OpenTime.Equal(expected) {
			return &GapError{Symbol: symbol, Expected: expected, Got: candles[i].OpenTime}
		}
	}
	return nil
}
