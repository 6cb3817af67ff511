package strategy

import (
	"fmt"

	talib "github.com/markcheno/go-talib"

	"tradebot/internal/market"
)

// MACross is a moving-average crossover evaluator: the fast SMA crossing
// above the slow SMA opens a long, crossing back below exits it.
type MACross struct {
	fast int
	slow int
}

// NewMACross validates the periods and builds the evaluator.
func NewMACross(fast, slow int) (*MACross, error) {
	if fast <= 0 || slow <= 0 || fast >= slow {
		return nil, fmt.Errorf("ma_cross: need 0 < fast < slow, got fast=%d slow=%d", fast, slow)
	}
	return &MACross{fast: fast, slow: slow}, nil
}

func (s *MACross) Name() string {
	return fmt.Sprintf("ma_cross_%d_%d", s.fast, s.slow)
}

// MinLookback needs one extra bar to observe the crossover itself.
func (s *MACross) MinLookback() int { return s.slow + 1 }

func (s *MACross) Evaluate(symbol string, candles []market.Candle) *Signal {
	if len(candles) < s.MinLookback() {
		return nil
	}

	closes := Closes(candles)
	fast := talib.Sma(closes, s.fast)
	slow := talib.Sma(closes, s.slow)
	i := len(closes) - 1

	at := candles[i].OpenTime

	// Golden cross: fast moves above slow on the latest closed bar.
	if fast[i-1] <= slow[i-1] && fast[i] > slow[i] {
		return &Signal{Symbol: symbol, Direction: Long, At: at}
	}
	// Death cross: long positions are exited.
	if fast[i-1] >= slow[i-1] && fast[i] < slow[i] {
		return &Signal{Symbol: symbol, Direction: Exit, At: at}
	}
	return nil
}
