package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebot/internal/market"
)

func candlesFromCloses(closes []float64) []market.Candle {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]market.Candle, len(closes))
	for i, c := range closes {
		out[i] = market.Candle{
			OpenTime: start.Add(time.Duration(i) * time.Minute),
			Open:     c,
			High:     c,
			Low:      c,
			Close:    c,
			Volume:   1,
		}
	}
	return out
}

func TestMACrossSignals(t *testing.T) {
	s, err := NewMACross(2, 3)
	require.NoError(t, err)

	tests := []struct {
		name   string
		closes []float64
		want   Direction
		none   bool
	}{
		// SMA2 crosses above SMA3 on the last bar.
		{"golden cross", []float64{10, 9, 8, 12}, Long, false},
		// SMA2 crosses below SMA3 on the last bar.
		{"death cross", []float64{8, 9, 10, 5}, Exit, false},
		{"steady uptrend", []float64{8, 9, 10, 11}, "", true},
		{"steady downtrend", []float64{11, 10, 9, 8}, "", true},
		{"too short", []float64{10, 9, 8}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			candles := candlesFromCloses(tt.closes)
			sig := s.Evaluate("BTCUSDT", candles)
			if tt.none {
				assert.Nil(t, sig)
				return
			}
			require.NotNil(t, sig)
			assert.Equal(t, tt.want, sig.Direction)
			assert.Equal(t, "BTCUSDT", sig.Symbol)
			// Signal time is candle time, not wall clock.
			assert.Equal(t, candles[len(candles)-1].OpenTime, sig.At)
		})
	}
}

func TestMACrossIsDeterministic(t *testing.T) {
	s, err := NewMACross(2, 3)
	require.NoError(t, err)
	candles := candlesFromCloses([]float64{10, 9, 8, 12})

	first := s.Evaluate("BTCUSDT", candles)
	second := s.Evaluate("BTCUSDT", candles)
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, *first, *second)
}

func TestNewMACrossValidation(t *testing.T) {
	_, err := NewMACross(26, 12)
	assert.Error(t, err)
	_, err = NewMACross(0, 12)
	assert.Error(t, err)
	_, err = NewMACross(12, 12)
	assert.Error(t, err)
}
