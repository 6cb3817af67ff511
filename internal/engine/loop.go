package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tradebot/internal/events"
	"tradebot/internal/exchange"
	"tradebot/internal/market"
	"tradebot/internal/strategy"
	"tradebot/internal/trade"
	"tradebot/pkg/db"
	"tradebot/pkg/logger"
)

// Config tunes the control loop.
type Config struct {
	Symbols      []string
	QuoteAsset   string
	TickInterval time.Duration
	TickTimeout  time.Duration
}

// command kinds applied at tick boundaries, never mid-tick.
type commandKind int

const (
	cmdPause commandKind = iota
	cmdResume
	cmdForceExit
)

type command struct {
	kind    commandKind
	tradeID string
}

// Loop drives the pipeline: refresh data, reconcile, check exits, evaluate,
// open. Each symbol fails in isolation; only invariant violations or a dead
// persistence store halt the loop.
type Loop struct {
	cfg     Config
	gate    *market.Gate
	machine *trade.Machine
	eval    strategy.Evaluator
	ex      exchange.Adapter
	store   *db.Database
	bus     *events.Bus

	cmds   chan command
	paused atomic.Bool
	seq    atomic.Uint64
}

// NewLoop wires the loop.
func NewLoop(cfg Config, gate *market.Gate, machine *trade.Machine, eval strategy.Evaluator,
	ex exchange.Adapter, store *db.Database, bus *events.Bus) *Loop {
	return &Loop{
		cfg:     cfg,
		gate:    gate,
		machine: machine,
		eval:    eval,
		ex:      ex,
		store:   store,
		bus:     bus,
		cmds:    make(chan command, 64),
	}
}

// Pause stops trading at the next tick boundary. Reconciliation pauses too;
// open positions keep their exchange-side stop orders.
func (l *Loop) Pause() { l.enqueue(command{kind: cmdPause}) }

// Resume restarts ticking at the next boundary.
func (l *Loop) Resume() { l.enqueue(command{kind: cmdResume}) }

// RequestForceExit schedules an operator-initiated close for the next tick.
func (l *Loop) RequestForceExit(tradeID string) {
	l.enqueue(command{kind: cmdForceExit, tradeID: tradeID})
}

// Paused reports whether trading is currently suspended.
func (l *Loop) Paused() bool { return l.paused.Load() }

// TickCount returns the number of completed ticks.
func (l *Loop) TickCount() uint64 { return l.seq.Load() }

func (l *Loop) enqueue(c command) {
	select {
	case l.cmds <- c:
	default:
		logger.Warn("command queue full, dropping command")
	}
}

// Run ticks until ctx ends or a fatal condition halts the loop.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()

	logger.Info("control loop started",
		zap.Duration("interval", l.cfg.TickInterval),
		zap.Strings("symbols", l.cfg.Symbols))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := l.Tick(ctx); err != nil {
				l.publishHalt(err)
				return err
			}
		}
	}
}

// Tick runs one full pipeline pass. The returned error is fatal: anything
// recoverable is logged and retried next tick instead.
func (l *Loop) Tick(ctx context.Context) error {
	started := time.Now()
	tctx, cancel := context.WithTimeout(ctx, l.cfg.TickTimeout)
	defer cancel()

	l.drainCommands()
	if l.paused.Load() {
		return nil
	}

	// A dead store means local and persisted state would diverge; stop
	// ticking rather than trade on memory alone.
	if err := l.store.DB.PingContext(tctx); err != nil {
		return fmt.Errorf("persistence unavailable: %w", err)
	}

	freeQuote, walletOK := l.refreshWallet(tctx)
	healthy := l.refreshMarket(tctx)

	// Reconciliation always precedes new decisions for the same symbols.
	if err := l.machine.Reconcile(tctx); err != nil {
		var inv *trade.InvariantError
		if errors.As(err, &inv) {
			return err
		}
		logger.Warn("reconciliation incomplete", zap.Error(err))
	}

	prices := make(map[string]float64, len(healthy))
	for _, sym := range healthy {
		if px, ok := l.gate.LastClose(sym); ok {
			prices[sym] = px
		}
	}

	if err := l.machine.CheckExits(tctx, prices); err != nil {
		logger.Warn("exit checks incomplete", zap.Error(err))
	}

	l.applySignals(tctx, l.evaluate(healthy), prices, freeQuote, walletOK)

	seq := l.seq.Add(1)
	if l.bus != nil {
		l.bus.Publish(events.EventTickCompleted, events.TickCompleted{
			Seq:        seq,
			OpenTrades: l.machine.OpenCount(),
			Duration:   time.Since(started),
			At:         time.Now(),
		})
	}
	return nil
}

// refreshWallet snapshots the free quote balance used for sizing this tick.
func (l *Loop) refreshWallet(ctx context.Context) (float64, bool) {
	balances, err := l.ex.Balances(ctx)
	if err != nil {
		logger.Warn("wallet refresh failed, entries suspended for tick", zap.Error(err))
		return 0, false
	}
	for _, b := range balances {
		if b.Asset == l.cfg.QuoteAsset {
			return b.Free, true
		}
	}
	return 0, true
}

// refreshMarket refreshes all symbols in parallel and returns the ones whose
// series are current and gap-free. One symbol's failure never blocks others.
func (l *Loop) refreshMarket(ctx context.Context) []string {
	now := time.Now()
	results := make([]error, len(l.cfg.Symbols))
	var wg sync.WaitGroup
	for i, sym := range l.cfg.Symbols {
		wg.Add(1)
		go func(i int, sym string) {
			defer wg.Done()
			results[i] = l.gate.Refresh(ctx, sym, now)
		}(i, sym)
	}
	wg.Wait()

	healthy := make([]string, 0, len(l.cfg.Symbols))
	for i, sym := range l.cfg.Symbols {
		if err := results[i]; err != nil {
			var gap *market.GapError
			if errors.As(err, &gap) {
				logger.Warn("candle gap, symbol skipped this tick",
					zap.String("symbol", sym), zap.Error(err))
			} else {
				logger.Warn("market refresh failed, symbol skipped this tick",
					zap.String("symbol", sym), zap.Error(err))
			}
			continue
		}
		healthy = append(healthy, sym)
	}
	return healthy
}

// evaluate runs the pure evaluator over every healthy symbol in parallel.
func (l *Loop) evaluate(symbols []string) []strategy.Signal {
	type slot struct{ sig *strategy.Signal }
	slots := make([]slot, len(symbols))
	var wg sync.WaitGroup
	for i, sym := range symbols {
		wg.Add(1)
		go func(i int, sym string) {
			defer wg.Done()
			slots[i].sig = l.eval.Evaluate(sym, l.gate.History(sym))
		}(i, sym)
	}
	wg.Wait()

	var out []strategy.Signal
	for _, s := range slots {
		if s.sig != nil {
			out = append(out, *s.sig)
		}
	}
	return out
}

// applySignals acts on evaluator output: exits first (they free slots), then
// entries serially under the global open-trade ceiling.
func (l *Loop) applySignals(ctx context.Context, signals []strategy.Signal,
	prices map[string]float64, freeQuote float64, walletOK bool) {

	for _, sig := range signals {
		if sig.Direction != strategy.Exit {
			continue
		}
		if err := l.machine.HandleExitSignal(ctx, sig.Symbol); err != nil {
			logger.Error("strategy exit failed",
				zap.String("symbol", sig.Symbol), zap.Error(err))
		}
	}

	if !walletOK {
		return
	}
	for _, sig := range signals {
		if sig.Direction == strategy.Exit {
			continue
		}
		if l.machine.HasTrade(sig.Symbol) {
			continue
		}
		price, ok := prices[sig.Symbol]
		if !ok {
			continue
		}
		if err := l.machine.Open(ctx, sig, price, freeQuote); err != nil {
			logger.Error("entry failed",
				zap.String("symbol", sig.Symbol), zap.Error(err))
		}
	}
}

func (l *Loop) drainCommands() {
	for {
		select {
		case c := <-l.cmds:
			switch c.kind {
			case cmdPause:
				l.paused.Store(true)
				logger.Info("loop paused")
			case cmdResume:
				l.paused.Store(false)
				logger.Info("loop resumed")
			case cmdForceExit:
				if err := l.machine.ForceExit(c.tradeID); err != nil {
					logger.Warn("force-exit rejected",
						zap.String("trade_id", c.tradeID), zap.Error(err))
				}
			}
		default:
			return
		}
	}
}

func (l *Loop) publishHalt(err error) {
	logger.Error("control loop halted", zap.Error(err))
	if l.bus != nil {
		l.bus.Publish(events.EventTradeAlert, events.TradeAlert{
			Reason: fmt.Sprintf("control loop halted: %v", err),
			Fatal:  true,
			At:     time.Now(),
		})
	}
}
