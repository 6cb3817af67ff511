package events

import "time"

// Event enumerates high-level topics inside the engine.
type Event string

const (
	EventTradeTransition Event = "trade.transition"
	EventTradeAlert      Event = "trade.alert"
	EventTickCompleted   Event = "tick.completed"
)

// TradeTransition is published on every trade state change.
type TradeTransition struct {
	TradeID string    `json:"trade_id"`
	Symbol  string    `json:"symbol"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	At      time.Time `json:"at"`
	Details string    `json:"details,omitempty"`
}

// TradeAlert flags conditions an operator must see: exit-order failures on an
// open position, invariant violations, halted loops.
type TradeAlert struct {
	TradeID string    `json:"trade_id,omitempty"`
	Symbol  string    `json:"symbol,omitempty"`
	Reason  string    `json:"reason"`
	Fatal   bool      `json:"fatal"`
	At      time.Time `json:"at"`
}

// TickCompleted summarizes one control-loop iteration.
type TickCompleted struct {
	Seq        uint64        `json:"seq"`
	OpenTrades int           `json:"open_trades"`
	Duration   time.Duration `json:"duration"`
	At         time.Time     `json:"at"`
}
