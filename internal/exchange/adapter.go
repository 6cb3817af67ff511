package exchange

import (
	"context"
	"time"

	"tradebot/internal/market"
)

// Side of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// OrderType supported across venues.
type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
	// StopLossLimit is an exchange-side protective order: triggers at
	// StopPrice and rests as a limit at Price.
	StopLossLimit OrderType = "stop-loss-limit"
)

// Status of an exchange order snapshot.
type Status string

const (
	StatusPending         Status = "pending"
	StatusPartiallyFilled Status = "partially-filled"
	StatusFilled          Status = "filled"
	StatusCancelled       Status = "cancelled"
	StatusRejected        Status = "rejected"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// OrderRequest is a venue-neutral order submission.
type OrderRequest struct {
	Symbol    string
	Side      Side
	Type      OrderType
	Amount    float64
	Price     float64 // limit price; unused for market orders
	StopPrice float64 // trigger price for stop orders
	ClientID  string  // caller-supplied idempotency token
}

// OrderSnapshot is the exchange-reported view of an order. Exchange state is
// authoritative over local expectation during reconciliation.
type OrderSnapshot struct {
	ExchangeID string
	ClientID   string
	Symbol     string
	Side       Side
	Type       OrderType
	Price      float64
	StopPrice  float64
	Amount     float64
	Filled     float64
	AvgPrice   float64
	Status     Status
	UpdatedAt  time.Time
}

// Balance is one asset's wallet snapshot. Only the latest value is
// authoritative for sizing; balances are never persisted as history.
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
}

// Adapter abstracts a trading venue. All calls are idempotent from the
// caller's perspective: after a TransientError of unknown outcome the caller
// reconciles via FindOrderByClientID before resubmitting.
type Adapter interface {
	Name() string

	PlaceOrder(ctx context.Context, req OrderRequest) (OrderSnapshot, error)
	CancelOrder(ctx context.Context, symbol, exchangeID string) error
	OrderStatus(ctx context.Context, symbol, exchangeID string) (OrderSnapshot, error)

	// FindOrderByClientID resolves an order by the caller's idempotency
	// token, used when the exchange id was lost to a network fault.
	FindOrderByClientID(ctx context.Context, symbol, clientID string) (OrderSnapshot, error)

	Balances(ctx context.Context) ([]Balance, error)

	// Fee returns the taker fee rate for a symbol as a decimal.
	Fee(symbol string) float64

	// Candles returns up to limit bars, most recent last.
	Candles(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error)

	// SupportsStopOrders reports whether protective stop orders can rest on
	// the venue; otherwise the engine emulates stops per tick.
	SupportsStopOrders() bool
}
