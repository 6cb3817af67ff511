package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	d, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	require.NoError(t, ApplyMigrations(d))
	return d
}

func sampleTrade(id, symbol, status string) Trade {
	return Trade{
		ID:        id,
		Symbol:    symbol,
		Exchange:  "binance",
		Direction: DirLong,
		Status:    status,
		OpenedAt:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestTradeRoundTrip(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)

	tr := sampleTrade("t1", "BTCUSDT", TradeEntryPending)
	require.NoError(t, d.SaveTrade(ctx, tr))

	// Upsert: the same row advances through its lifecycle in place.
	closedAt := tr.OpenedAt.Add(time.Hour)
	tr.Status = TradeClosed
	tr.Amount = 0.5
	tr.EntryPrice = 60000
	tr.Stoploss = 54000
	tr.RealizedPnL = 125.5
	tr.ExitReason = "roi"
	tr.ClosedAt = &closedAt
	require.NoError(t, d.SaveTrade(ctx, tr))

	got, err := d.GetTrade(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, TradeClosed, got.Status)
	assert.InDelta(t, 0.5, got.Amount, 1e-12)
	assert.InDelta(t, 60000.0, got.EntryPrice, 1e-9)
	assert.InDelta(t, 125.5, got.RealizedPnL, 1e-9)
	assert.Equal(t, "roi", got.ExitReason)
	require.NotNil(t, got.ClosedAt)
	assert.True(t, got.ClosedAt.Equal(closedAt))

	missing, err := d.GetTrade(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestLoadOpenTradesSkipsTerminal(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)

	require.NoError(t, d.SaveTrade(ctx, sampleTrade("t1", "BTCUSDT", TradeOpen)))
	require.NoError(t, d.SaveTrade(ctx, sampleTrade("t2", "ETHUSDT", TradeEntryPending)))
	require.NoError(t, d.SaveTrade(ctx, sampleTrade("t3", "SOLUSDT", TradeExitPending)))
	require.NoError(t, d.SaveTrade(ctx, sampleTrade("t4", "ADAUSDT", TradeClosed)))
	require.NoError(t, d.SaveTrade(ctx, sampleTrade("t5", "XRPUSDT", TradeDiscarded)))

	open, err := d.LoadOpenTrades(ctx)
	require.NoError(t, err)
	require.Len(t, open, 3)
	ids := []string{open[0].ID, open[1].ID, open[2].ID}
	assert.ElementsMatch(t, []string{"t1", "t2", "t3"}, ids)
}

func TestTradeHistoryFilters(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)

	older := sampleTrade("t1", "BTCUSDT", TradeClosed)
	newer := sampleTrade("t2", "BTCUSDT", TradeClosed)
	newer.OpenedAt = older.OpenedAt.Add(time.Hour)
	other := sampleTrade("t3", "ETHUSDT", TradeOpen)
	require.NoError(t, d.SaveTrade(ctx, older))
	require.NoError(t, d.SaveTrade(ctx, newer))
	require.NoError(t, d.SaveTrade(ctx, other))

	// Newest first.
	got, err := d.TradeHistory(ctx, TradeFilter{Symbol: "BTCUSDT"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "t2", got[0].ID)

	got, err = d.TradeHistory(ctx, TradeFilter{Status: TradeOpen})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "t3", got[0].ID)

	got, err = d.TradeHistory(ctx, TradeFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestOrderPartialFillProgression(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)
	require.NoError(t, d.SaveTrade(ctx, sampleTrade("t1", "BTCUSDT", TradeEntryPending)))

	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	o := Order{
		ID:        "o1",
		TradeID:   "t1",
		Symbol:    "BTCUSDT",
		ClientID:  "c1",
		Kind:      KindEntry,
		Side:      "buy",
		Type:      "market",
		Amount:    1.0,
		Status:    OrderPending,
		CreatedAt: created,
	}
	require.NoError(t, d.SaveOrder(ctx, o))

	// First sync: half filled.
	sync1 := created.Add(time.Second)
	o.ExchangeID = "X-1"
	o.Filled = 0.5
	o.AvgPrice = 60000
	o.Fee = 30
	o.Status = OrderPartiallyFilled
	o.SyncedAt = &sync1
	require.NoError(t, d.SaveOrder(ctx, o))

	// Second sync: complete.
	sync2 := created.Add(2 * time.Second)
	o.Filled = 1.0
	o.Fee = 60
	o.Status = OrderFilled
	o.SyncedAt = &sync2
	require.NoError(t, d.SaveOrder(ctx, o))

	orders, err := d.OrdersForTrade(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	got := orders[0]
	assert.Equal(t, "X-1", got.ExchangeID)
	assert.Equal(t, OrderFilled, got.Status)
	assert.InDelta(t, 1.0, got.Filled, 1e-12)
	assert.InDelta(t, 60.0, got.Fee, 1e-9)
	require.NotNil(t, got.SyncedAt)
	assert.True(t, got.SyncedAt.Equal(sync2))
	assert.True(t, got.IsTerminal())
}

func TestActiveOrdersOnlyNonTerminal(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)
	require.NoError(t, d.SaveTrade(ctx, sampleTrade("t1", "BTCUSDT", TradeOpen)))

	created := time.Now().UTC().Truncate(time.Second)
	statuses := map[string]string{
		"o1": OrderPending,
		"o2": OrderPartiallyFilled,
		"o3": OrderFilled,
		"o4": OrderCancelled,
		"o5": OrderRejected,
	}
	for id, status := range statuses {
		require.NoError(t, d.SaveOrder(ctx, Order{
			ID: id, TradeID: "t1", Symbol: "BTCUSDT", ClientID: "c-" + id,
			Kind: KindEntry, Side: "buy", Type: "market", Amount: 1,
			Status: status, CreatedAt: created,
		}))
	}

	active, err := d.ActiveOrders(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	for _, o := range active {
		assert.False(t, o.IsTerminal())
	}
}

func TestProfitSummary(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)
	dayStart := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)

	save := func(id string, pnl float64, closedAt time.Time) {
		tr := sampleTrade(id, "BTCUSDT", TradeClosed)
		tr.RealizedPnL = pnl
		tr.ClosedAt = &closedAt
		require.NoError(t, d.SaveTrade(ctx, tr))
	}
	save("old", 100, dayStart.Add(-2*time.Hour))
	save("today-1", 30, dayStart.Add(time.Hour))
	save("today-2", -10, dayStart.Add(3*time.Hour))

	// Open trades carry no realized figure yet.
	require.NoError(t, d.SaveTrade(ctx, sampleTrade("live", "ETHUSDT", TradeOpen)))

	s, err := d.Profit(ctx, dayStart)
	require.NoError(t, err)
	assert.Equal(t, 3, s.ClosedTrades)
	assert.InDelta(t, 120.0, s.TotalPnL, 1e-9)
	assert.InDelta(t, 20.0, s.DailyPnL, 1e-9)
}
