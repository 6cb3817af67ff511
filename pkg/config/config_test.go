package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeBotFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalBot = `
symbols: [BTCUSDT]
strategy:
  name: ma_cross
`

func TestLoadBotDefaults(t *testing.T) {
	bot, err := LoadBot(writeBotFile(t, minimalBot))
	require.NoError(t, err)

	assert.Equal(t, "binance", bot.Exchange)
	assert.Equal(t, "USDT", bot.QuoteAsset)
	assert.Equal(t, "5m", bot.Interval)
	assert.Equal(t, 200, bot.Lookback)
	assert.Equal(t, 30*time.Second, bot.TickInterval.Std())
	assert.Equal(t, 3, bot.MaxOpenTrades)
	assert.Equal(t, []string{"BTCUSDT"}, bot.Symbols)
}

func TestLoadBotFull(t *testing.T) {
	bot, err := LoadBot(writeBotFile(t, `
exchange: binance
quote_asset: USDT
symbols: [BTCUSDT, ETHUSDT]
interval: 1m
lookback: 100
tick_interval: 10s
tick_timeout: 5s
max_open_trades: 2
risk_fraction: 0.1
stoploss_pct: 0.08
trailing_stop_pct: 0.03
entry_timeout: 3m
retry_ceiling: 5
roi:
  - { after: 0s, pct: 0.04 }
  - { after: 1h, pct: 0.01 }
strategy:
  name: rsi_reversal
  params:
    period: 7
    oversold: 25
`))
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, bot.TickInterval.Std())
	assert.Equal(t, 3*time.Minute, bot.EntryTimeout.Std())
	assert.InDelta(t, 0.03, bot.TrailingPct, 1e-12)
	require.Len(t, bot.ROI, 2)
	assert.Equal(t, time.Hour, bot.ROI[1].After.Std())
	assert.InDelta(t, 0.01, bot.ROI[1].Pct, 1e-12)
	assert.Equal(t, "rsi_reversal", bot.Strategy.Name)
	assert.InDelta(t, 7.0, bot.Strategy.Params["period"], 1e-12)
}

func TestLoadBotRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no symbols", `
strategy: {name: ma_cross}
`},
		{"no strategy", `
symbols: [BTCUSDT]
`},
		{"risk fraction too high", `
symbols: [BTCUSDT]
risk_fraction: 1.5
strategy: {name: ma_cross}
`},
		{"timeout exceeds interval", `
symbols: [BTCUSDT]
tick_interval: 10s
tick_timeout: 20s
strategy: {name: ma_cross}
`},
		{"roi not increasing", `
symbols: [BTCUSDT]
roi:
  - { after: 1h, pct: 0.02 }
  - { after: 30m, pct: 0.01 }
strategy: {name: ma_cross}
`},
		{"wrong quote asset", `
symbols: [BTCEUR]
strategy: {name: ma_cross}
`},
		{"trailing stop out of range", `
symbols: [BTCUSDT]
trailing_stop_pct: 1.2
strategy: {name: ma_cross}
`},
		{"bad duration", `
symbols: [BTCUSDT]
tick_interval: soon
strategy: {name: ma_cross}
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadBot(writeBotFile(t, tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadBotMissingFile(t *testing.T) {
	_, err := LoadBot(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
