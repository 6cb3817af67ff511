package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRSIReversalEntry(t *testing.T) {
	s, err := NewRSIReversal(2, 30, 70)
	require.NoError(t, err)

	// Straight decline pins RSI at zero, then a strong up bar
	// recovers it through the oversold level.
	candles := candlesFromCloses([]float64{10, 9, 8, 7, 6, 9})
	sig := s.Evaluate("ETHUSDT", candles)

	require.NotNil(t, sig)
	assert.Equal(t, Long, sig.Direction)
	assert.Greater(t, sig.Strength, 0.0)
	assert.Equal(t, candles[len(candles)-1].OpenTime, sig.At)
}

func TestRSIReversalExit(t *testing.T) {
	s, err := NewRSIReversal(2, 30, 70)
	require.NoError(t, err)

	// The rebound pushes RSI above 70, the following down bar drops it back.
	candles := candlesFromCloses([]float64{10, 9, 8, 7, 6, 9, 8})
	sig := s.Evaluate("ETHUSDT", candles)

	require.NotNil(t, sig)
	assert.Equal(t, Exit, sig.Direction)
}

func TestRSIReversalNoSignalMidTrend(t *testing.T) {
	s, err := NewRSIReversal(2, 30, 70)
	require.NoError(t, err)

	candles := candlesFromCloses([]float64{10, 9, 8, 7, 6, 5})
	assert.Nil(t, s.Evaluate("ETHUSDT", candles))
}

func TestNewRSIReversalValidation(t *testing.T) {
	_, err := NewRSIReversal(1, 30, 70)
	assert.Error(t, err)
	_, err = NewRSIReversal(14, 70, 30)
	assert.Error(t, err)
	_, err = NewRSIReversal(14, 0, 70)
	assert.Error(t, err)
	_, err = NewRSIReversal(14, 30, 100)
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	ev, err := New("ma_cross", nil)
	require.NoError(t, err)
	assert.Equal(t, "ma_cross_12_26", ev.Name())

	ev, err = New("ma_cross", map[string]float64{"fast": 5, "slow": 20})
	require.NoError(t, err)
	assert.Equal(t, "ma_cross_5_20", ev.Name())

	ev, err = New("rsi_reversal", nil)
	require.NoError(t, err)
	assert.Equal(t, "rsi_14", ev.Name())

	_, err = New("momo", nil)
	assert.Error(t, err)

	_, err = New("ma_cross", map[string]float64{"fast": 30, "slow": 10})
	assert.Error(t, err)
}
