package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Trade lifecycle statuses. A trade row exists from the moment an entry
// order is submitted; "discarded" records entries that never became a
// position (rejected, cancelled or timed out).
const (
	TradeEntryPending = "entry-pending"
	TradeOpen         = "open"
	TradeExitPending  = "exit-pending"
	TradeClosed       = "closed"
	TradeDiscarded    = "discarded"
)

// Order statuses mirror what exchanges report.
const (
	OrderPending         = "pending"
	OrderPartiallyFilled = "partially-filled"
	OrderFilled          = "filled"
	OrderCancelled       = "cancelled"
	OrderRejected        = "rejected"
)

// Order kinds within a trade.
const (
	KindEntry    = "entry"
	KindExit     = "exit"
	KindStoploss = "stoploss"
)

// Trade directions.
const (
	DirLong  = "long"
	DirShort = "short"
)

// Trade is one open-to-close position lifecycle.
type Trade struct {
	ID          string
	Symbol      string
	Exchange    string
	Direction   string
	Status      string
	Amount      float64 // filled entry amount, base asset
	EntryPrice  float64 // average entry fill price
	Stoploss    float64
	RealizedPnL float64
	ExitReason  string
	OpenedAt    time.Time
	ClosedAt    *time.Time
}

// Order is one exchange-facing request belonging to a trade.
type Order struct {
	ID         string
	TradeID    string
	Symbol     string
	ExchangeID string // exchange-assigned id, set after submission
	ClientID   string // idempotency token sent with the order
	Kind       string
	Side       string
	Type       string
	Price      float64
	StopPrice  float64
	Amount     float64
	Filled     float64
	AvgPrice   float64
	Status     string
	Fee        float64
	SyncedAt   *time.Time
	CreatedAt  time.Time
}

// IsTerminal reports whether the order needs no further reconciliation.
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	}
	return false
}

// TradeFilter narrows TradeHistory results.
type TradeFilter struct {
	Symbol string
	Status string
	Limit  int
}

// SaveTrade upserts a trade row.
func (d *Database) SaveTrade(ctx context.Context, t Trade) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO trades (
			id, symbol, exchange, direction, status, amount, entry_price,
			stoploss, realized_pnl, exit_reason, opened_at, closed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			amount = excluded.amount,
			entry_price = excluded.entry_price,
			stoploss = excluded.stoploss,
			realized_pnl = excluded.realized_pnl,
			exit_reason = excluded.exit_reason,
			closed_at = excluded.closed_at
	`, t.ID, t.Symbol, t.Exchange, t.Direction, t.Status, t.Amount, t.EntryPrice,
		t.Stoploss, t.RealizedPnL, t.ExitReason, t.OpenedAt, nullableTime(t.ClosedAt))
	if err != nil {
		return fmt.Errorf("save trade %s: %w", t.ID, err)
	}
	return nil
}

// SaveOrder upserts an order row.
func (d *Database) SaveOrder(ctx context.Context, o Order) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (
			id, trade_id, symbol, exchange_id, client_id, kind, side, type, price,
			stop_price, amount, filled, avg_price, status, fee, synced_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			exchange_id = excluded.exchange_id,
			price = excluded.price,
			stop_price = excluded.stop_price,
			filled = excluded.filled,
			avg_price = excluded.avg_price,
			status = excluded.status,
			fee = excluded.fee,
			synced_at = excluded.synced_at
	`, o.ID, o.TradeID, o.Symbol, o.ExchangeID, o.ClientID, o.Kind, o.Side, o.Type, o.Price,
		o.StopPrice, o.Amount, o.Filled, o.AvgPrice, o.Status, o.Fee,
		nullableTime(o.SyncedAt), o.CreatedAt)
	if err != nil {
		return fmt.Errorf("save order %s: %w", o.ID, err)
	}
	return nil
}

// LoadOpenTrades returns every trade that is not in a terminal status.
// This is the recovery entry point after a restart.
func (d *Database) LoadOpenTrades(ctx context.Context) ([]Trade, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE status IN (?, ?, ?)
		ORDER BY opened_at ASC
	`, TradeEntryPending, TradeOpen, TradeExitPending)
	if err != nil {
		return nil, fmt.Errorf("load open trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// GetTrade returns a single trade, or nil when no such trade exists.
func (d *Database) GetTrade(ctx context.Context, id string) (*Trade, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT `+tradeColumns+` FROM trades WHERE id = ?
	`, id)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// TradeHistory returns trades matching the filter, newest first.
func (d *Database) TradeHistory(ctx context.Context, f TradeFilter) ([]Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE 1=1`
	var args []any
	if f.Symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, f.Symbol)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY opened_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("trade history: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// OrdersForTrade returns all orders of a trade, oldest first.
func (d *Database) OrdersForTrade(ctx context.Context, tradeID string) ([]Order, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE trade_id = ? ORDER BY created_at ASC
	`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("orders for trade %s: %w", tradeID, err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// ActiveOrders returns every non-terminal order across all trades. The
// reconciliation pass walks exactly this set each tick.
func (d *Database) ActiveOrders(ctx context.Context) ([]Order, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status IN (?, ?)
		ORDER BY created_at ASC
	`, OrderPending, OrderPartiallyFilled)
	if err != nil {
		return nil, fmt.Errorf("active orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// ProfitSummary aggregates realized performance over closed trades.
type ProfitSummary struct {
	ClosedTrades int
	TotalPnL     float64
	DailyPnL     float64 // closed since the given day boundary
}

// Profit computes the realized profit summary. dayStart bounds the daily
// figure, normally midnight UTC.
func (d *Database) Profit(ctx context.Context, dayStart time.Time) (ProfitSummary, error) {
	var s ProfitSummary
	err := d.DB.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(realized_pnl), 0),
			COALESCE(SUM(CASE WHEN closed_at >= ? THEN realized_pnl ELSE 0 END), 0)
		FROM trades WHERE status = ?
	`, dayStart, TradeClosed).Scan(&s.ClosedTrades, &s.TotalPnL, &s.DailyPnL)
	if err != nil {
		return ProfitSummary{}, fmt.Errorf("profit summary: %w", err)
	}
	return s, nil
}

const tradeColumns = `id, symbol, exchange, direction, status, amount,
	entry_price, stoploss, realized_pnl, exit_reason, opened_at, closed_at`

const orderColumns = `id, trade_id, symbol, exchange_id, client_id, kind, side,
	type, price, stop_price, amount, filled, avg_price, status, fee, synced_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(r rowScanner) (*Trade, error) {
	var t Trade
	var closedAt sql.NullTime
	if err := r.Scan(&t.ID, &t.Symbol, &t.Exchange, &t.Direction, &t.Status,
		&t.Amount, &t.EntryPrice, &t.Stoploss, &t.RealizedPnL, &t.ExitReason,
		&t.OpenedAt, &closedAt); err != nil {
		return nil, err
	}
	if closedAt.Valid {
		t.ClosedAt = &closedAt.Time
	}
	return &t, nil
}

func scanTrades(rows *sql.Rows) ([]Trade, error) {
	var res []Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *t)
	}
	return res, rows.Err()
}

func scanOrders(rows *sql.Rows) ([]Order, error) {
	var res []Order
	for rows.Next() {
		var o Order
		var syncedAt sql.NullTime
		if err := rows.Scan(&o.ID, &o.TradeID, &o.Symbol, &o.ExchangeID, &o.ClientID,
			&o.Kind, &o.Side, &o.Type, &o.Price, &o.StopPrice, &o.Amount,
			&o.Filled, &o.AvgPrice, &o.Status, &o.Fee, &syncedAt, &o.CreatedAt); err != nil {
			return nil, err
		}
		if syncedAt.Valid {
			o.SyncedAt = &syncedAt.Time
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
