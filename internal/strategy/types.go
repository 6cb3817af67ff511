package strategy

import (
	"time"

	"tradebot/internal/market"
)

// Direction of a signal.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
	Exit  Direction = "exit"
)

// Signal is a strategy decision for one symbol at one evaluation.
// At is the open time of the last candle evaluated, never wall-clock time,
// so replaying the same history reproduces the same signals.
type Signal struct {
	Symbol    string
	Direction Direction
	Strength  float64 // optional confidence in [0, 1]; 0 means unspecified
	At        time.Time
}

// Evaluator turns candle history into at most one signal. Implementations
// must be pure: no I/O, no retained state, identical input yields identical
// output. This is what lets backtest and live share the same code path.
type Evaluator interface {
	Name() string

	// MinLookback is the number of candles required before the evaluator
	// can produce a signal. Shorter histories yield nil, never an error.
	MinLookback() int

	// Evaluate inspects candles (most recent last) and returns a signal or
	// nil.
	Evaluate(symbol string, candles []market.Candle) *Signal
}

// Closes extracts the close series from candles.
func Closes(candles []market.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}
