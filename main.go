package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"tradebot/internal/api"
	"tradebot/internal/engine"
	"tradebot/internal/events"
	"tradebot/internal/exchange"
	"tradebot/internal/market"
	"tradebot/internal/strategy"
	"tradebot/internal/trade"
	"tradebot/pkg/config"
	"tradebot/pkg/db"
	"tradebot/pkg/logger"
)

const version = "1.0.0"

func main() {
	logger.Init()
	defer func() { _ = logger.L().Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config load failed", zap.Error(err))
	}
	bot := cfg.Bot

	logger.Info("starting",
		zap.String("version", version),
		zap.Bool("dry_run", cfg.DryRun),
		zap.String("exchange", bot.Exchange),
		zap.Strings("symbols", bot.Symbols),
		zap.String("interval", bot.Interval),
		zap.String("strategy", bot.Strategy.Name))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()

	store, err := db.New(cfg.DBPath)
	if err != nil {
		logger.Fatal("db init failed", zap.Error(err))
	}
	defer store.Close()
	if err := db.ApplyMigrations(store); err != nil {
		logger.Fatal("db migrations failed", zap.Error(err))
	}

	eval, err := strategy.New(bot.Strategy.Name, bot.Strategy.Params)
	if err != nil {
		logger.Fatal("strategy init failed", zap.Error(err))
	}

	live := exchange.NewBinance(exchange.BinanceConfig{
		APIKey:             cfg.BinanceAPIKey,
		APISecret:          cfg.BinanceAPISecret,
		Testnet:            cfg.BinanceTestnet,
		RateLimitPerMinute: bot.RateLimitPerMinute,
		RateLimitMaxWait:   bot.RateLimitMaxWait.Std(),
	})

	var adapter exchange.Adapter = live
	if cfg.DryRun {
		adapter = exchange.NewPaper(exchange.PaperConfig{
			QuoteAsset:     bot.QuoteAsset,
			InitialBalance: cfg.DryRunInitialBalance,
			FeeRate:        cfg.DryRunFeeRate,
			SlippageBps:    cfg.DryRunSlippageBps,
			Source:         live,
		})
		logger.Info("dry run enabled, orders are simulated",
			zap.Float64("initial_balance", cfg.DryRunInitialBalance))
	}

	lookback := bot.Lookback
	if min := eval.MinLookback(); lookback < min {
		lookback = min
	}
	gate, err := market.NewGate(adapter, bot.Interval, lookback)
	if err != nil {
		logger.Fatal("market gate init failed", zap.Error(err))
	}

	roi := make([]trade.ROIStep, 0, len(bot.ROI))
	for _, s := range bot.ROI {
		roi = append(roi, trade.ROIStep{After: s.After.Std(), Pct: s.Pct})
	}

	machine := trade.NewMachine(trade.Config{
		Exchange:      bot.Exchange,
		QuoteAsset:    bot.QuoteAsset,
		MaxOpenTrades: bot.MaxOpenTrades,
		RiskFraction:  bot.RiskFraction,
		StoplossPct:   bot.StoplossPct,
		TrailingPct:   bot.TrailingPct,
		EntryTimeout:  bot.EntryTimeout.Std(),
		RetryCeiling:  bot.RetryCeiling,
		ROI:           trade.NewROITable(roi),
	}, store, adapter, bus)

	if err := machine.Restore(ctx); err != nil {
		logger.Fatal("trade restore failed", zap.Error(err))
	}
	logger.Info("trades restored", zap.Int("open", machine.OpenCount()))

	loop := engine.NewLoop(engine.Config{
		Symbols:      bot.Symbols,
		QuoteAsset:   bot.QuoteAsset,
		TickInterval: bot.TickInterval.Std(),
		TickTimeout:  bot.TickTimeout.Std(),
	}, gate, machine, eval, adapter, store, bus)

	server, err := api.NewServer(bus, store, machine, loop, adapter, api.SystemMeta{
		DryRun:   cfg.DryRun,
		Venue:    bot.Exchange,
		Symbols:  bot.Symbols,
		Strategy: bot.Strategy.Name,
		Version:  version,
	}, cfg.JWTSecret, cfg.APIUsername, cfg.APIPassword)
	if err != nil {
		logger.Fatal("api init failed", zap.Error(err))
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info("api listening", zap.String("addr", addr))
		if err := server.Start(addr); err != nil {
			logger.Fatal("api server failed", zap.Error(err))
		}
	}()

	loopDone := make(chan error, 1)
	go func() { loopDone <- loop.Run(ctx) }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		logger.Info("shutting down", zap.String("signal", s.String()))
		cancel()
		select {
		case <-loopDone:
		case <-time.After(30 * time.Second):
			logger.Warn("loop did not stop in time")
		}
	case err := <-loopDone:
		if err != nil {
			logger.Error("trading loop halted", zap.Error(err))
			os.Exit(1)
		}
		logger.Info("trading loop stopped")
	}
}
