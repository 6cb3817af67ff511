package exchange

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPaper(balance float64) *Paper {
	return NewPaper(PaperConfig{
		QuoteAsset:     "USDT",
		InitialBalance: balance,
		FeeRate:        0.001,
		SlippageBps:    0,
	})
}

func TestPaperMarketBuyMovesBalances(t *testing.T) {
	ctx := context.Background()
	p := newPaper(10000)
	p.MarkPrice("BTCUSDT", 100)

	snap, err := p.PlaceOrder(ctx, OrderRequest{
		Symbol: "BTCUSDT", Side: Buy, Type: Market, Amount: 10, ClientID: "c1",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, snap.Status)
	assert.InDelta(t, 100.0, snap.AvgPrice, 1e-9)
	assert.InDelta(t, 10.0, snap.Filled, 1e-9)

	balances, err := p.Balances(ctx)
	require.NoError(t, err)
	free := map[string]float64{}
	for _, b := range balances {
		free[b.Asset] = b.Free
	}
	// 10000 - 1000 gross - 1 fee
	assert.InDelta(t, 8999.0, free["USDT"], 1e-9)
	assert.InDelta(t, 10.0, free["BTC"], 1e-9)
}

func TestPaperMarketSlippageWorksAgainstTaker(t *testing.T) {
	ctx := context.Background()
	p := NewPaper(PaperConfig{QuoteAsset: "USDT", InitialBalance: 10000, SlippageBps: 10})
	p.MarkPrice("BTCUSDT", 100)

	buy, err := p.PlaceOrder(ctx, OrderRequest{
		Symbol: "BTCUSDT", Side: Buy, Type: Market, Amount: 1, ClientID: "c1",
	})
	require.NoError(t, err)
	assert.InDelta(t, 100.1, buy.AvgPrice, 1e-9)

	sell, err := p.PlaceOrder(ctx, OrderRequest{
		Symbol: "BTCUSDT", Side: Sell, Type: Market, Amount: 1, ClientID: "c2",
	})
	require.NoError(t, err)
	assert.InDelta(t, 99.9, sell.AvgPrice, 1e-9)
}

func TestPaperDuplicateClientIDReturnsOriginal(t *testing.T) {
	ctx := context.Background()
	p := newPaper(10000)
	p.MarkPrice("BTCUSDT", 100)

	first, err := p.PlaceOrder(ctx, OrderRequest{
		Symbol: "BTCUSDT", Side: Buy, Type: Market, Amount: 1, ClientID: "once",
	})
	require.NoError(t, err)

	second, err := p.PlaceOrder(ctx, OrderRequest{
		Symbol: "BTCUSDT", Side: Buy, Type: Market, Amount: 1, ClientID: "once",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ExchangeID, second.ExchangeID)

	// No double spend: only one order's worth of quote left the wallet.
	balances, _ := p.Balances(ctx)
	for _, b := range balances {
		if b.Asset == "USDT" {
			assert.InDelta(t, 10000-100*1.001, b.Free, 1e-9)
		}
	}
}

func TestPaperInsufficientBalance(t *testing.T) {
	ctx := context.Background()
	p := newPaper(50)
	p.MarkPrice("BTCUSDT", 100)

	_, err := p.PlaceOrder(ctx, OrderRequest{
		Symbol: "BTCUSDT", Side: Buy, Type: Market, Amount: 1, ClientID: "c1",
	})
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestPaperMarketWithoutPriceRejected(t *testing.T) {
	ctx := context.Background()
	p := newPaper(10000)

	_, err := p.PlaceOrder(ctx, OrderRequest{
		Symbol: "BTCUSDT", Side: Buy, Type: Market, Amount: 1, ClientID: "c1",
	})
	var rej *RejectedError
	assert.ErrorAs(t, err, &rej)
}

func TestPaperStopLossTriggersOnPriceDrop(t *testing.T) {
	ctx := context.Background()
	p := newPaper(10000)
	p.MarkPrice("BTCUSDT", 100)

	// Acquire the position, then park a protective sell stop at 90.
	_, err := p.PlaceOrder(ctx, OrderRequest{
		Symbol: "BTCUSDT", Side: Buy, Type: Market, Amount: 10, ClientID: "entry",
	})
	require.NoError(t, err)

	stop, err := p.PlaceOrder(ctx, OrderRequest{
		Symbol: "BTCUSDT", Side: Sell, Type: StopLossLimit, Amount: 10, StopPrice: 90, ClientID: "stop",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stop.Status)
	// Limit price derives from the stop when not given.
	assert.InDelta(t, 90*0.99, stop.Price, 1e-9)

	// Price holds above the stop: nothing happens.
	p.MarkPrice("BTCUSDT", 95)
	snap, err := p.OrderStatus(ctx, "BTCUSDT", stop.ExchangeID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, snap.Status)

	// Price crashes through it: the stop fills at its limit price.
	p.MarkPrice("BTCUSDT", 88)
	snap, err = p.OrderStatus(ctx, "BTCUSDT", stop.ExchangeID)
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, snap.Status)
	assert.InDelta(t, 90*0.99, snap.AvgPrice, 1e-9)
}

func TestPaperCancelReleasesLockedFunds(t *testing.T) {
	ctx := context.Background()
	p := newPaper(10000)
	p.MarkPrice("BTCUSDT", 100)

	limit, err := p.PlaceOrder(ctx, OrderRequest{
		Symbol: "BTCUSDT", Side: Buy, Type: Limit, Amount: 10, Price: 90, ClientID: "c1",
	})
	require.NoError(t, err)

	balances, _ := p.Balances(ctx)
	for _, b := range balances {
		if b.Asset == "USDT" {
			assert.InDelta(t, 10000-900*1.001, b.Free, 1e-9)
			assert.InDelta(t, 900*1.001, b.Locked, 1e-9)
		}
	}

	require.NoError(t, p.CancelOrder(ctx, "BTCUSDT", limit.ExchangeID))

	balances, _ = p.Balances(ctx)
	for _, b := range balances {
		if b.Asset == "USDT" {
			assert.InDelta(t, 10000.0, b.Free, 1e-9)
			assert.InDelta(t, 0.0, b.Locked, 1e-9)
		}
	}
}

func TestPaperCancelFilledOrder(t *testing.T) {
	ctx := context.Background()
	p := newPaper(10000)
	p.MarkPrice("BTCUSDT", 100)

	snap, err := p.PlaceOrder(ctx, OrderRequest{
		Symbol: "BTCUSDT", Side: Buy, Type: Market, Amount: 1, ClientID: "c1",
	})
	require.NoError(t, err)

	assert.ErrorIs(t, p.CancelOrder(ctx, "BTCUSDT", snap.ExchangeID), ErrAlreadyFilled)
	assert.ErrorIs(t, p.CancelOrder(ctx, "BTCUSDT", "no-such-order"), ErrOrderNotFound)
}

func TestPaperFindOrderByClientID(t *testing.T) {
	ctx := context.Background()
	p := newPaper(10000)
	p.MarkPrice("BTCUSDT", 100)

	placed, err := p.PlaceOrder(ctx, OrderRequest{
		Symbol: "BTCUSDT", Side: Buy, Type: Market, Amount: 1, ClientID: "lost-ack",
	})
	require.NoError(t, err)

	found, err := p.FindOrderByClientID(ctx, "BTCUSDT", "lost-ack")
	require.NoError(t, err)
	assert.Equal(t, placed.ExchangeID, found.ExchangeID)

	_, err = p.FindOrderByClientID(ctx, "BTCUSDT", "never-sent")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}
