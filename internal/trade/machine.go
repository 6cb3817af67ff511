package trade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"tradebot/internal/events"
	"tradebot/internal/exchange"
	"tradebot/internal/strategy"
	"tradebot/pkg/db"
	"tradebot/pkg/logger"
)

// Config tunes the state machine.
type Config struct {
	Exchange      string
	QuoteAsset    string
	MaxOpenTrades int
	RiskFraction  float64
	StoplossPct   float64
	TrailingPct   float64 // 0 disables trailing
	EntryTimeout  time.Duration
	RetryCeiling  int // reconciliation attempts per order per tick
	ROI           ROITable
}

// Exit reasons recorded on trades, in trigger priority order.
const (
	ReasonStoploss     = "stoploss"
	ReasonForceExit    = "force-exit"
	ReasonROI          = "roi"
	ReasonStrategyExit = "strategy-exit"
)

// Machine owns every trade from signal to close. All writes to a symbol's
// trade are serialized behind a per-symbol lock; other components only ever
// see snapshots. Exchange-reported state is authoritative: each tick the
// machine re-reads every non-terminal order and folds the result in before
// acting on anything new.
type Machine struct {
	cfg   Config
	store *db.Database
	ex    exchange.Adapter
	bus   *events.Bus

	mu       sync.Mutex
	bySymbol map[string]*db.Trade // non-terminal trades
	byID     map[string]*db.Trade
	locks    map[string]*sync.Mutex
	forced   map[string]bool // trade id -> operator requested exit
	now      func() time.Time
}

// NewMachine wires the state machine. Call Restore before the first tick.
func NewMachine(cfg Config, store *db.Database, ex exchange.Adapter, bus *events.Bus) *Machine {
	return &Machine{
		cfg:      cfg,
		store:    store,
		ex:       ex,
		bus:      bus,
		bySymbol: make(map[string]*db.Trade),
		byID:     make(map[string]*db.Trade),
		locks:    make(map[string]*sync.Mutex),
		forced:   make(map[string]bool),
		now:      time.Now,
	}
}

// Restore seeds in-memory state from persisted open trades after a restart.
// Finding two live trades for one symbol is an invariant violation, not a
// tie to break silently.
func (m *Machine) Restore(ctx context.Context) error {
	trades, err := m.store.LoadOpenTrades(ctx)
	if err != nil {
		return fmt.Errorf("restore trades: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range trades {
		t := trades[i]
		if _, dup := m.bySymbol[t.Symbol]; dup {
			return &InvariantError{Symbol: t.Symbol, Detail: "multiple non-terminal trades found on restore"}
		}
		m.bySymbol[t.Symbol] = &t
		m.byID[t.ID] = &t
	}
	if len(trades) > 0 {
		logger.Info("restored open trades", zap.Int("count", len(trades)))
	}
	return nil
}

// OpenTrades returns a snapshot of all non-terminal trades.
func (m *Machine) OpenTrades() []db.Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]db.Trade, 0, len(m.bySymbol))
	for _, t := range m.bySymbol {
		out = append(out, *t)
	}
	return out
}

// OpenCount returns the number of non-terminal trades.
func (m *Machine) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bySymbol)
}

// HasTrade reports whether a symbol currently has a live trade.
func (m *Machine) HasTrade(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.bySymbol[symbol]
	return ok
}

// ForceExit requests an operator-initiated close, applied on the next tick.
func (m *Machine) ForceExit(tradeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[tradeID]; !ok {
		return fmt.Errorf("no live trade %s", tradeID)
	}
	m.forced[tradeID] = true
	return nil
}

// Open handles an entry signal: size the position, persist the trade in
// entry-pending, then submit the entry order. The pending row is written
// before the exchange call so a crash mid-placement is recoverable by
// client-id lookup.
func (m *Machine) Open(ctx context.Context, sig strategy.Signal, price, freeQuote float64) error {
	if sig.Direction != strategy.Long && sig.Direction != strategy.Short {
		return nil
	}
	lock := m.lockFor(sig.Symbol)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	_, exists := m.bySymbol[sig.Symbol]
	atCeiling := len(m.bySymbol) >= m.cfg.MaxOpenTrades
	m.mu.Unlock()
	if exists || atCeiling {
		return nil
	}
	if price <= 0 {
		return nil
	}

	stake := freeQuote * m.cfg.RiskFraction
	amount := stake / price
	if amount <= 0 {
		logger.Debug("entry skipped, stake too small",
			zap.String("symbol", sig.Symbol), zap.Float64("free_quote", freeQuote))
		return nil
	}

	now := m.now()
	t := &db.Trade{
		ID:        uuid.NewString(),
		Symbol:    sig.Symbol,
		Exchange:  m.cfg.Exchange,
		Direction: string(sig.Direction),
		Status:    db.TradeEntryPending,
		OpenedAt:  now,
	}
	side := exchange.Buy
	if sig.Direction == strategy.Short {
		side = exchange.Sell
	}
	o := db.Order{
		ID:        uuid.NewString(),
		TradeID:   t.ID,
		Symbol:    t.Symbol,
		ClientID:  uuid.NewString(),
		Kind:      db.KindEntry,
		Side:      string(side),
		Type:      string(exchange.Market),
		Amount:    amount,
		Status:    db.OrderPending,
		CreatedAt: now,
	}

	if err := m.store.SaveTrade(ctx, *t); err != nil {
		return err
	}
	if err := m.store.SaveOrder(ctx, o); err != nil {
		return err
	}
	m.track(t)
	m.publishTransition(t, "idle", db.TradeEntryPending, fmt.Sprintf("entry %s %.8f", side, amount))

	snap, err := m.ex.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:   sig.Symbol,
		Side:     side,
		Type:     exchange.Market,
		Amount:   amount,
		ClientID: o.ClientID,
	})
	if err != nil {
		var te *exchange.TransientError
		if errors.As(err, &te) {
			// Outcome unknown: leave the trade entry-pending, next tick's
			// reconciliation looks the order up by client id.
			logger.Warn("entry placement outcome unknown",
				zap.String("trade_id", t.ID), zap.Error(err))
			return nil
		}
		// Definitive failure: the order never booked.
		o.Status = db.OrderRejected
		if saveErr := m.store.SaveOrder(ctx, o); saveErr != nil {
			return saveErr
		}
		if discardErr := m.discard(ctx, t, err.Error()); discardErr != nil {
			return discardErr
		}
		logger.Info("entry rejected",
			zap.String("symbol", sig.Symbol), zap.Error(err))
		return nil
	}

	m.applySnapshot(&o, snap)
	if err := m.store.SaveOrder(ctx, o); err != nil {
		return err
	}
	if snap.Status == exchange.StatusFilled {
		return m.promote(ctx, t, &o)
	}
	return nil
}

// HandleExitSignal closes an open trade on a strategy exit signal. It is
// the lowest-priority exit trigger: the loop calls it after Reconcile and
// CheckExits have run for the tick.
func (m *Machine) HandleExitSignal(ctx context.Context, symbol string) error {
	lock := m.lockFor(symbol)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	t := m.bySymbol[symbol]
	m.mu.Unlock()
	if t == nil || t.Status != db.TradeOpen {
		return nil
	}
	return m.issueExit(ctx, t, ReasonStrategyExit)
}

// CheckExits evaluates every open trade against current prices in fixed
// priority: stoploss, then operator force-exit, then the ROI ladder.
// Strategy exits arrive later in the tick through HandleExitSignal.
func (m *Machine) CheckExits(ctx context.Context, prices map[string]float64) error {
	var errs []error
	for _, snapshot := range m.OpenTrades() {
		if snapshot.Status != db.TradeOpen {
			continue
		}
		price, ok := prices[snapshot.Symbol]
		if !ok || price <= 0 {
			continue
		}

		lock := m.lockFor(snapshot.Symbol)
		lock.Lock()
		m.mu.Lock()
		t := m.bySymbol[snapshot.Symbol]
		forced := t != nil && m.forced[t.ID]
		m.mu.Unlock()
		if t == nil || t.Status != db.TradeOpen {
			lock.Unlock()
			continue
		}

		reason := ""
		switch {
		case m.stoplossHit(t, price):
			reason = ReasonStoploss
		case forced:
			reason = ReasonForceExit
		case m.roiHit(t, price):
			reason = ReasonROI
		}
		if reason == "" {
			m.trailStop(ctx, t, price)
			lock.Unlock()
			continue
		}

		if err := m.issueExit(ctx, t, reason); err != nil {
			// An open position we failed to protect is the worst outcome;
			// surface immediately and keep serving other trades.
			m.alert(t, fmt.Sprintf("exit order failed (%s): %v", reason, err), false)
			errs = append(errs, fmt.Errorf("exit %s: %w", t.ID, err))
		}
		lock.Unlock()
	}
	return errors.Join(errs...)
}

// Reconcile re-reads exchange state for every non-terminal persisted order
// and updates local state to match before any new decision is made this
// tick. The exchange wins every disagreement.
func (m *Machine) Reconcile(ctx context.Context) error {
	orders, err := m.store.ActiveOrders(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	var errs []error
	for i := range orders {
		o := orders[i]
		m.mu.Lock()
		t := m.byID[o.TradeID]
		m.mu.Unlock()
		if t == nil {
			// Order belongs to a trade another path already finalized.
			continue
		}

		lock := m.lockFor(t.Symbol)
		lock.Lock()
		err := m.reconcileOrder(ctx, t, &o)
		lock.Unlock()

		if err != nil {
			var inv *InvariantError
			if errors.As(err, &inv) {
				return err
			}
			if t.Status == db.TradeOpen && o.Kind == db.KindStoploss {
				// A live position whose risk control cannot be verified is
				// escalated without waiting for the next tick.
				m.alert(t, fmt.Sprintf("stoploss check failed: %v", err), true)
			}
			errs = append(errs, fmt.Errorf("order %s: %w", o.ID, err))
		}
	}
	return errors.Join(errs...)
}

// reconcileOrder fetches the authoritative snapshot with bounded backoff and
// folds it into the trade. Caller holds the symbol lock.
func (m *Machine) reconcileOrder(ctx context.Context, t *db.Trade, o *db.Order) error {
	snap, err := m.fetchWithRetry(ctx, o)
	if err != nil {
		if errors.Is(err, exchange.ErrOrderNotFound) && o.ExchangeID == "" {
			// The placement never reached the venue. Close the order row;
			// entries are discarded, exits re-trigger on the next pass.
			return m.abandonUnplaced(ctx, t, o)
		}
		return err
	}

	m.applySnapshot(o, snap)
	// Persist the observed order state before acting on it, so a crash here
	// never loses what the exchange already told us.
	if err := m.store.SaveOrder(ctx, *o); err != nil {
		return err
	}
	return m.advance(ctx, t, o)
}

// fetchWithRetry polls order status, retrying transient failures with
// exponential backoff up to the configured ceiling.
func (m *Machine) fetchWithRetry(ctx context.Context, o *db.Order) (exchange.OrderSnapshot, error) {
	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: 2 * time.Second, Factor: 2, Jitter: true}

	var snap exchange.OrderSnapshot
	var err error
	attempts := m.cfg.RetryCeiling
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if o.ExchangeID != "" {
			snap, err = m.ex.OrderStatus(ctx, o.Symbol, o.ExchangeID)
		} else {
			snap, err = m.ex.FindOrderByClientID(ctx, o.Symbol, o.ClientID)
		}
		if err == nil || !exchange.IsTransient(err) {
			return snap, err
		}
		select {
		case <-ctx.Done():
			return exchange.OrderSnapshot{}, ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
	return snap, err
}

// advance applies trade-level consequences of a freshly synced order.
// Caller holds the symbol lock; the order row is already persisted.
func (m *Machine) advance(ctx context.Context, t *db.Trade, o *db.Order) error {
	switch o.Kind {
	case db.KindEntry:
		return m.advanceEntry(ctx, t, o)
	case db.KindExit:
		return m.advanceExit(ctx, t, o)
	case db.KindStoploss:
		return m.advanceStoploss(ctx, t, o)
	default:
		return fmt.Errorf("unknown order kind %q", o.Kind)
	}
}

func (m *Machine) advanceEntry(ctx context.Context, t *db.Trade, o *db.Order) error {
	switch o.Status {
	case db.OrderFilled:
		if t.Status == db.TradeEntryPending {
			return m.promote(ctx, t, o)
		}
	case db.OrderCancelled, db.OrderRejected:
		// The exchange dropped our entry (possibly while we were down);
		// never leave the trade dangling.
		if t.Status == db.TradeEntryPending {
			if o.Filled > 0 {
				return m.promote(ctx, t, o)
			}
			return m.discard(ctx, t, "entry "+o.Status)
		}
	case db.OrderPending, db.OrderPartiallyFilled:
		if t.Status == db.TradeEntryPending && m.now().Sub(o.CreatedAt) > m.cfg.EntryTimeout {
			return m.expireEntry(ctx, t, o)
		}
	}
	return nil
}

func (m *Machine) advanceExit(ctx context.Context, t *db.Trade, o *db.Order) error {
	switch o.Status {
	case db.OrderFilled:
		return m.close(ctx, t, o)
	case db.OrderCancelled, db.OrderRejected:
		if t.Status != db.TradeExitPending {
			return nil
		}
		// The position is live again with no exit in flight.
		m.alert(t, fmt.Sprintf("exit order %s %s, position re-opened", o.ID, o.Status), false)
		return m.transition(ctx, t, db.TradeOpen, "exit "+o.Status)
	}
	return nil
}

func (m *Machine) advanceStoploss(ctx context.Context, t *db.Trade, o *db.Order) error {
	switch o.Status {
	case db.OrderFilled:
		t.ExitReason = ReasonStoploss
		return m.close(ctx, t, o)
	case db.OrderCancelled, db.OrderRejected:
		if t.Status == db.TradeOpen {
			// Tick-level stoploss emulation still protects the position,
			// but the operator should know the resting order is gone.
			m.alert(t, fmt.Sprintf("exchange stoploss order %s %s", o.ID, o.Status), false)
		}
	}
	return nil
}

// promote moves an entry-pending trade to open: record the fill, derive the
// stoploss from the actual entry price, and try to park a protective stop on
// the exchange.
func (m *Machine) promote(ctx context.Context, t *db.Trade, entry *db.Order) error {
	t.Amount = entry.Filled
	t.EntryPrice = entry.AvgPrice
	if t.EntryPrice <= 0 {
		t.EntryPrice = entry.Price
	}
	if t.Direction == db.DirLong {
		t.Stoploss = t.EntryPrice * (1 - m.cfg.StoplossPct)
	} else {
		t.Stoploss = t.EntryPrice * (1 + m.cfg.StoplossPct)
	}
	if err := m.transition(ctx, t, db.TradeOpen,
		fmt.Sprintf("filled %.8f @ %.8f", t.Amount, t.EntryPrice)); err != nil {
		return err
	}

	if m.ex.SupportsStopOrders() {
		if err := m.placeStopOrder(ctx, t); err != nil {
			// Not fatal: the per-tick stoploss check still covers the trade.
			m.alert(t, fmt.Sprintf("could not place exchange stoploss: %v", err), false)
		}
	}
	return nil
}

// trailStop ratchets the stoploss toward a profitable price. The stop only
// ever tightens; a pullback never loosens it. Caller holds the symbol lock.
func (m *Machine) trailStop(ctx context.Context, t *db.Trade, price float64) {
	if m.cfg.TrailingPct <= 0 || t.Stoploss <= 0 {
		return
	}
	var desired float64
	if t.Direction == db.DirLong {
		desired = price * (1 - m.cfg.TrailingPct)
		if desired <= t.Stoploss {
			return
		}
	} else {
		desired = price * (1 + m.cfg.TrailingPct)
		if desired >= t.Stoploss {
			return
		}
	}

	previous := t.Stoploss
	t.Stoploss = desired
	if err := m.store.SaveTrade(ctx, *t); err != nil {
		t.Stoploss = previous
		m.alert(t, fmt.Sprintf("trailing stop update failed: %v", err), false)
		return
	}
	logger.Info("stoploss trailed",
		zap.String("trade_id", t.ID),
		zap.String("symbol", t.Symbol),
		zap.Float64("from", previous),
		zap.Float64("to", desired))

	if !m.ex.SupportsStopOrders() {
		return
	}
	if err := m.cancelRestingStops(ctx, t); err != nil {
		if errors.Is(err, exchange.ErrAlreadyFilled) {
			// The old stop filled under us; reconciliation closes the trade.
			return
		}
		m.alert(t, fmt.Sprintf("could not replace exchange stoploss: %v", err), false)
		return
	}
	if err := m.placeStopOrder(ctx, t); err != nil {
		// Tick-level checks still guard the position at the new level.
		m.alert(t, fmt.Sprintf("could not place trailed stoploss: %v", err), false)
	}
}

// placeStopOrder parks a stop-loss-limit order on the venue.
func (m *Machine) placeStopOrder(ctx context.Context, t *db.Trade) error {
	side := exchange.Sell
	if t.Direction == db.DirShort {
		side = exchange.Buy
	}
	o := db.Order{
		ID:        uuid.NewString(),
		TradeID:   t.ID,
		Symbol:    t.Symbol,
		ClientID:  uuid.NewString(),
		Kind:      db.KindStoploss,
		Side:      string(side),
		Type:      string(exchange.StopLossLimit),
		StopPrice: t.Stoploss,
		Amount:    t.Amount,
		Status:    db.OrderPending,
		CreatedAt: m.now(),
	}
	if err := m.store.SaveOrder(ctx, o); err != nil {
		return err
	}
	snap, err := m.ex.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:    t.Symbol,
		Side:      side,
		Type:      exchange.StopLossLimit,
		Amount:    t.Amount,
		StopPrice: t.Stoploss,
		ClientID:  o.ClientID,
	})
	if err != nil {
		if !exchange.IsTransient(err) {
			o.Status = db.OrderRejected
			if saveErr := m.store.SaveOrder(ctx, o); saveErr != nil {
				return saveErr
			}
		}
		return err
	}
	m.applySnapshot(&o, snap)
	return m.store.SaveOrder(ctx, o)
}

// issueExit cancels any resting stop order and submits a market exit, moving
// the trade to exit-pending. Caller holds the symbol lock.
func (m *Machine) issueExit(ctx context.Context, t *db.Trade, reason string) error {
	if t.Status != db.TradeOpen {
		return nil
	}
	if err := m.cancelRestingStops(ctx, t); err != nil {
		if errors.Is(err, exchange.ErrAlreadyFilled) {
			// The stop beat us to it; reconciliation will close the trade.
			return nil
		}
		return err
	}

	side := exchange.Sell
	if t.Direction == db.DirShort {
		side = exchange.Buy
	}
	o := db.Order{
		ID:        uuid.NewString(),
		TradeID:   t.ID,
		Symbol:    t.Symbol,
		ClientID:  uuid.NewString(),
		Kind:      db.KindExit,
		Side:      string(side),
		Type:      string(exchange.Market),
		Amount:    t.Amount,
		Status:    db.OrderPending,
		CreatedAt: m.now(),
	}
	if err := m.store.SaveOrder(ctx, o); err != nil {
		return err
	}

	t.ExitReason = reason
	if err := m.transition(ctx, t, db.TradeExitPending, reason); err != nil {
		return err
	}

	snap, err := m.ex.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:   t.Symbol,
		Side:     side,
		Type:     exchange.Market,
		Amount:   t.Amount,
		ClientID: o.ClientID,
	})
	if err != nil {
		var te *exchange.TransientError
		if errors.As(err, &te) {
			// Unknown outcome; reconcile by client id next tick.
			return nil
		}
		o.Status = db.OrderRejected
		if saveErr := m.store.SaveOrder(ctx, o); saveErr != nil {
			return saveErr
		}
		if trErr := m.transition(ctx, t, db.TradeOpen, "exit rejected"); trErr != nil {
			return trErr
		}
		return fmt.Errorf("exit placement: %w", err)
	}

	m.applySnapshot(&o, snap)
	if err := m.store.SaveOrder(ctx, o); err != nil {
		return err
	}
	if snap.Status == exchange.StatusFilled {
		return m.close(ctx, t, &o)
	}
	return nil
}

// cancelRestingStops cancels live exchange-side stop orders for a trade.
func (m *Machine) cancelRestingStops(ctx context.Context, t *db.Trade) error {
	orders, err := m.store.OrdersForTrade(ctx, t.ID)
	if err != nil {
		return err
	}
	for i := range orders {
		o := orders[i]
		if o.Kind != db.KindStoploss || o.IsTerminal() || o.ExchangeID == "" {
			continue
		}
		if err := m.ex.CancelOrder(ctx, t.Symbol, o.ExchangeID); err != nil {
			if errors.Is(err, exchange.ErrOrderNotFound) {
				o.Status = db.OrderCancelled
				if saveErr := m.store.SaveOrder(ctx, o); saveErr != nil {
					return saveErr
				}
				continue
			}
			return err
		}
		o.Status = db.OrderCancelled
		if err := m.store.SaveOrder(ctx, o); err != nil {
			return err
		}
	}
	return nil
}

// close finalizes a trade whose exit (or stoploss) order filled.
func (m *Machine) close(ctx context.Context, t *db.Trade, exitOrder *db.Order) error {
	if t.Status == db.TradeClosed {
		return nil
	}
	if err := m.cancelRestingStops(ctx, t); err != nil && !errors.Is(err, exchange.ErrAlreadyFilled) {
		logger.Warn("could not cancel sibling stop order",
			zap.String("trade_id", t.ID), zap.Error(err))
	}

	exitPrice := exitOrder.AvgPrice
	if exitPrice <= 0 {
		exitPrice = exitOrder.Price
	}
	fees, err := m.totalFees(ctx, t)
	if err != nil {
		return err
	}
	if t.Direction == db.DirLong {
		t.RealizedPnL = (exitPrice-t.EntryPrice)*exitOrder.Filled - fees
	} else {
		t.RealizedPnL = (t.EntryPrice-exitPrice)*exitOrder.Filled - fees
	}
	now := m.now()
	t.ClosedAt = &now
	if t.ExitReason == "" {
		t.ExitReason = ReasonStrategyExit
	}
	if err := m.transition(ctx, t, db.TradeClosed,
		fmt.Sprintf("%s, pnl %.8f", t.ExitReason, t.RealizedPnL)); err != nil {
		return err
	}
	m.untrack(t)
	logger.Info("trade closed",
		zap.String("trade_id", t.ID),
		zap.String("symbol", t.Symbol),
		zap.String("reason", t.ExitReason),
		zap.Float64("pnl", t.RealizedPnL))
	return nil
}

// expireEntry cancels an entry order that outlived the entry timeout. Any
// partial fill becomes the position; a clean miss is discarded.
func (m *Machine) expireEntry(ctx context.Context, t *db.Trade, o *db.Order) error {
	if err := m.ex.CancelOrder(ctx, t.Symbol, o.ExchangeID); err != nil {
		if errors.Is(err, exchange.ErrAlreadyFilled) {
			// Filled during the race; the next status sync promotes it.
			return nil
		}
		if !errors.Is(err, exchange.ErrOrderNotFound) {
			return err
		}
	}
	o.Status = db.OrderCancelled
	if err := m.store.SaveOrder(ctx, *o); err != nil {
		return err
	}
	if o.Filled > 0 {
		return m.promote(ctx, t, o)
	}
	return m.discard(ctx, t, "entry timed out")
}

// abandonUnplaced finalizes an order whose placement never reached the
// exchange (lookup by client id found nothing).
func (m *Machine) abandonUnplaced(ctx context.Context, t *db.Trade, o *db.Order) error {
	o.Status = db.OrderCancelled
	if err := m.store.SaveOrder(ctx, *o); err != nil {
		return err
	}
	switch o.Kind {
	case db.KindEntry:
		if t.Status == db.TradeEntryPending {
			return m.discard(ctx, t, "entry never reached exchange")
		}
	case db.KindExit:
		if t.Status == db.TradeExitPending {
			// Re-arm: CheckExits re-issues the exit on this or the next tick.
			return m.transition(ctx, t, db.TradeOpen, "exit never reached exchange")
		}
	}
	return nil
}

// discard retires a trade that never became a position.
func (m *Machine) discard(ctx context.Context, t *db.Trade, detail string) error {
	now := m.now()
	t.ClosedAt = &now
	if err := m.transition(ctx, t, db.TradeDiscarded, detail); err != nil {
		return err
	}
	m.untrack(t)
	return nil
}

// transition persists the status change, then notifies. Persistence comes
// first: an event for a state we failed to store would be a lie.
func (m *Machine) transition(ctx context.Context, t *db.Trade, to, details string) error {
	from := t.Status
	t.Status = to
	if err := m.store.SaveTrade(ctx, *t); err != nil {
		t.Status = from
		return fmt.Errorf("persist transition %s -> %s: %w", from, to, err)
	}
	m.publishTransition(t, from, to, details)
	return nil
}

func (m *Machine) publishTransition(t *db.Trade, from, to, details string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.EventTradeTransition, events.TradeTransition{
		TradeID: t.ID,
		Symbol:  t.Symbol,
		From:    from,
		To:      to,
		At:      m.now(),
		Details: details,
	})
}

func (m *Machine) alert(t *db.Trade, reason string, fatal bool) {
	logger.Error("trade alert",
		zap.String("trade_id", t.ID),
		zap.String("symbol", t.Symbol),
		zap.String("reason", reason),
		zap.Bool("fatal", fatal))
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.EventTradeAlert, events.TradeAlert{
		TradeID: t.ID,
		Symbol:  t.Symbol,
		Reason:  reason,
		Fatal:   fatal,
		At:      m.now(),
	})
}

func (m *Machine) stoplossHit(t *db.Trade, price float64) bool {
	if t.Stoploss <= 0 {
		return false
	}
	if t.Direction == db.DirLong {
		return price <= t.Stoploss
	}
	return price >= t.Stoploss
}

func (m *Machine) roiHit(t *db.Trade, price float64) bool {
	if t.EntryPrice <= 0 {
		return false
	}
	target, ok := m.cfg.ROI.Target(m.now().Sub(t.OpenedAt))
	if !ok {
		return false
	}
	var profit float64
	if t.Direction == db.DirLong {
		profit = (price - t.EntryPrice) / t.EntryPrice
	} else {
		profit = (t.EntryPrice - price) / t.EntryPrice
	}
	return profit >= target
}

// applySnapshot copies exchange-reported fields onto the local order row and
// estimates the fee on newly observed fill volume.
func (m *Machine) applySnapshot(o *db.Order, snap exchange.OrderSnapshot) {
	if snap.ExchangeID != "" {
		o.ExchangeID = snap.ExchangeID
	}
	if snap.Filled > o.Filled && snap.AvgPrice > 0 {
		newVolume := (snap.Filled - o.Filled) * snap.AvgPrice
		o.Fee += newVolume * m.ex.Fee(o.Symbol)
	}
	o.Filled = snap.Filled
	if snap.AvgPrice > 0 {
		o.AvgPrice = snap.AvgPrice
	}
	if snap.Price > 0 {
		o.Price = snap.Price
	}
	o.Status = string(snap.Status)
	now := m.now()
	o.SyncedAt = &now
}

func (m *Machine) totalFees(ctx context.Context, t *db.Trade) (float64, error) {
	orders, err := m.store.OrdersForTrade(ctx, t.ID)
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, o := range orders {
		sum += o.Fee
	}
	return sum, nil
}

func (m *Machine) track(t *db.Trade) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bySymbol[t.Symbol] = t
	m.byID[t.ID] = t
}

func (m *Machine) untrack(t *db.Trade) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bySymbol, t.Symbol)
	delete(m.byID, t.ID)
	delete(m.forced, t.ID)
}

func (m *Machine) lockFor(symbol string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[symbol]
	if !ok {
		l = &sync.Mutex{}
		m.locks[symbol] = l
	}
	return l
}
