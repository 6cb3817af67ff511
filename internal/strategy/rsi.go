package strategy

import (
	"fmt"

	talib "github.com/markcheno/go-talib"

	"tradebot/internal/market"
)

// RSIReversal enters long when RSI recovers up through the oversold level
// and exits when RSI falls back through the overbought level.
type RSIReversal struct {
	period     int
	oversold   float64
	overbought float64
}

// NewRSIReversal validates thresholds and builds the evaluator.
func NewRSIReversal(period int, oversold, overbought float64) (*RSIReversal, error) {
	if period < 2 {
		return nil, fmt.Errorf("rsi: period must be at least 2, got %d", period)
	}
	if oversold <= 0 || overbought >= 100 || oversold >= overbought {
		return nil, fmt.Errorf("rsi: need 0 < oversold < overbought < 100, got %g/%g", oversold, overbought)
	}
	return &RSIReversal{period: period, oversold: oversold, overbought: overbought}, nil
}

func (s *RSIReversal) Name() string {
	return fmt.Sprintf("rsi_%d", s.period)
}

// MinLookback leaves room for RSI warm-up plus the crossing bar.
func (s *RSIReversal) MinLookback() int { return s.period + 2 }

func (s *RSIReversal) Evaluate(symbol string, candles []market.Candle) *Signal {
	if len(candles) < s.MinLookback() {
		return nil
	}

	rsi := talib.Rsi(Closes(candles), s.period)
	i := len(rsi) - 1
	at := candles[i].OpenTime

	if rsi[i-1] < s.oversold && rsi[i] >= s.oversold {
		// Strength grows the deeper the dip the market is recovering from.
		strength := (s.oversold - rsi[i-1]) / s.oversold
		return &Signal{Symbol: symbol, Direction: Long, Strength: strength, At: at}
	}
	if rsi[i-1] >= s.overbought && rsi[i] < s.overbought {
		return &Signal{Symbol: symbol, Direction: Exit, At: at}
	}
	return nil
}
