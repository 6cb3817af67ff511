package exchange

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"tradebot/internal/market"
	"tradebot/pkg/logger"
)

// PaperConfig configures the simulated venue.
type PaperConfig struct {
	QuoteAsset     string
	InitialBalance float64 // starting free quote balance
	FeeRate        float64 // decimal taker fee
	SlippageBps    float64 // applied against the taker on market fills
	Source         market.CandleSource
}

// Paper simulates an exchange: market orders fill at the last marked price
// with slippage and fees, limit and stop orders rest until a marked price
// crosses them. Candle fetches pass through to Source and mark the close, so
// the simulation tracks whatever data feed drives the engine.
type Paper struct {
	cfg PaperConfig

	mu        sync.Mutex
	balances  map[string]float64 // free, per asset
	locked    map[string]float64
	orders    map[string]*paperOrder // by exchange id
	byClient  map[string]string      // client id -> exchange id
	lastPrice map[string]float64
	seq       int64
}

type paperOrder struct {
	snap OrderSnapshot
}

// NewPaper builds the simulator with the initial quote balance.
func NewPaper(cfg PaperConfig) *Paper {
	p := &Paper{
		cfg:       cfg,
		balances:  make(map[string]float64),
		locked:    make(map[string]float64),
		orders:    make(map[string]*paperOrder),
		byClient:  make(map[string]string),
		lastPrice: make(map[string]float64),
	}
	p.balances[cfg.QuoteAsset] = cfg.InitialBalance
	return p
}

func (p *Paper) Name() string             { return "paper" }
func (p *Paper) Fee(string) float64       { return p.cfg.FeeRate }
func (p *Paper) SupportsStopOrders() bool { return true }

// MarkPrice feeds a new price into the simulation, filling any resting
// orders it crosses.
func (p *Paper) MarkPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastPrice[symbol] = price
	p.crossRestingOrders(symbol, price)
}

// PlaceOrder simulates submission. A repeated client id returns the original
// order, mirroring how the engine recovers placements of unknown outcome.
func (p *Paper) PlaceOrder(ctx context.Context, req OrderRequest) (OrderSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id, ok := p.byClient[req.ClientID]; ok {
		return p.orders[id].snap, nil
	}
	if req.Amount <= 0 {
		return OrderSnapshot{}, &RejectedError{Op: "place", Reason: "amount must be positive"}
	}

	p.seq++
	snap := OrderSnapshot{
		ExchangeID: fmt.Sprintf("P-%d", p.seq),
		ClientID:   req.ClientID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.Type,
		Price:      req.Price,
		StopPrice:  req.StopPrice,
		Amount:     req.Amount,
		Status:     StatusPending,
		UpdatedAt:  time.Now(),
	}
	o := &paperOrder{snap: snap}

	switch req.Type {
	case Market:
		last, ok := p.lastPrice[req.Symbol]
		if !ok {
			return OrderSnapshot{}, &RejectedError{Op: "place", Reason: "no price marked for " + req.Symbol}
		}
		price := p.slip(last, req.Side)
		if err := p.settle(o, price); err != nil {
			return OrderSnapshot{}, err
		}
	case Limit:
		if err := p.lockFunds(o, req.Price); err != nil {
			return OrderSnapshot{}, err
		}
	case StopLossLimit:
		if req.StopPrice <= 0 {
			return OrderSnapshot{}, &RejectedError{Op: "place", Reason: "stop price required"}
		}
		if o.snap.Price <= 0 {
			o.snap.Price = req.StopPrice * stopLimitRatio
		}
		if err := p.lockFunds(o, o.snap.Price); err != nil {
			return OrderSnapshot{}, err
		}
	default:
		return OrderSnapshot{}, &RejectedError{Op: "place", Reason: fmt.Sprintf("unsupported order type %s", req.Type)}
	}

	p.orders[o.snap.ExchangeID] = o
	p.byClient[o.snap.ClientID] = o.snap.ExchangeID
	logger.Debug("paper order placed",
		zap.String("symbol", o.snap.Symbol),
		zap.String("exchange_id", o.snap.ExchangeID),
		zap.String("status", string(o.snap.Status)))
	return o.snap, nil
}

// CancelOrder cancels a resting order and releases locked funds.
func (p *Paper) CancelOrder(ctx context.Context, symbol, exchangeID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[exchangeID]
	if !ok {
		return ErrOrderNotFound
	}
	if o.snap.Status == StatusFilled {
		return ErrAlreadyFilled
	}
	if o.snap.Status.Terminal() {
		return nil
	}
	p.releaseFunds(o)
	o.snap.Status = StatusCancelled
	o.snap.UpdatedAt = time.Now()
	return nil
}

// OrderStatus returns the simulated order state.
func (p *Paper) OrderStatus(ctx context.Context, symbol, exchangeID string) (OrderSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[exchangeID]
	if !ok {
		return OrderSnapshot{}, ErrOrderNotFound
	}
	return o.snap, nil
}

// FindOrderByClientID resolves an order by idempotency token.
func (p *Paper) FindOrderByClientID(ctx context.Context, symbol, clientID string) (OrderSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.byClient[clientID]
	if !ok {
		return OrderSnapshot{}, ErrOrderNotFound
	}
	return p.orders[id].snap, nil
}

// Balances returns the simulated wallet.
func (p *Paper) Balances(ctx context.Context) ([]Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Balance, 0, len(p.balances))
	for asset, free := range p.balances {
		locked := p.locked[asset]
		if free == 0 && locked == 0 {
			continue
		}
		out = append(out, Balance{Asset: asset, Free: free, Locked: locked})
	}
	return out, nil
}

// Candles delegates to the configured source and marks the latest close so
// resting orders react to the same data the strategy sees.
func (p *Paper) Candles(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	if p.cfg.Source == nil {
		return nil, fmt.Errorf("paper adapter has no candle source")
	}
	candles, err := p.cfg.Source.Candles(ctx, symbol, interval, limit)
	if err != nil {
		return nil, err
	}
	if len(candles) > 0 {
		p.MarkPrice(symbol, candles[len(candles)-1].Close)
	}
	return candles, nil
}

// slip worsens the price for the taker by the configured slippage.
func (p *Paper) slip(price float64, side Side) float64 {
	frac := p.cfg.SlippageBps / 10000.0
	if side == Buy {
		return price * (1 + frac)
	}
	return price * (1 - frac)
}

// settle fully fills an order at price, moving balances. Caller holds mu.
func (p *Paper) settle(o *paperOrder, price float64) error {
	base := p.baseAsset(o.snap.Symbol)
	quote := p.cfg.QuoteAsset
	gross := price * o.snap.Amount
	fee := gross * p.cfg.FeeRate

	if o.snap.Side == Buy {
		if p.balances[quote] < gross+fee {
			return fmt.Errorf("%w: need %.8f %s", ErrInsufficientBalance, gross+fee, quote)
		}
		p.balances[quote] -= gross + fee
		p.balances[base] += o.snap.Amount
	} else {
		if p.balances[base] < o.snap.Amount {
			return fmt.Errorf("%w: need %.8f %s", ErrInsufficientBalance, o.snap.Amount, base)
		}
		p.balances[base] -= o.snap.Amount
		p.balances[quote] += gross - fee
	}

	o.snap.Filled = o.snap.Amount
	o.snap.AvgPrice = price
	o.snap.Status = StatusFilled
	o.snap.UpdatedAt = time.Now()
	return nil
}

// lockFunds reserves balance for a resting order. Caller holds mu.
func (p *Paper) lockFunds(o *paperOrder, price float64) error {
	quote := p.cfg.QuoteAsset
	base := p.baseAsset(o.snap.Symbol)
	if o.snap.Side == Buy {
		cost := price * o.snap.Amount * (1 + p.cfg.FeeRate)
		if p.balances[quote] < cost {
			return fmt.Errorf("%w: need %.8f %s", ErrInsufficientBalance, cost, quote)
		}
		p.balances[quote] -= cost
		p.locked[quote] += cost
	} else {
		if p.balances[base] < o.snap.Amount {
			return fmt.Errorf("%w: need %.8f %s", ErrInsufficientBalance, o.snap.Amount, base)
		}
		p.balances[base] -= o.snap.Amount
		p.locked[base] += o.snap.Amount
	}
	return nil
}

// releaseFunds returns locked balance for a cancelled resting order.
func (p *Paper) releaseFunds(o *paperOrder) {
	quote := p.cfg.QuoteAsset
	base := p.baseAsset(o.snap.Symbol)
	if o.snap.Side == Buy {
		cost := o.snap.Price * o.snap.Amount * (1 + p.cfg.FeeRate)
		p.locked[quote] -= cost
		p.balances[quote] += cost
	} else {
		p.locked[base] -= o.snap.Amount
		p.balances[base] += o.snap.Amount
	}
}

// crossRestingOrders fills limit/stop orders crossed by price. Caller holds mu.
func (p *Paper) crossRestingOrders(symbol string, price float64) {
	for _, o := range p.orders {
		if o.snap.Symbol != symbol || o.snap.Status.Terminal() {
			continue
		}
		var fillAt float64
		switch o.snap.Type {
		case Limit:
			if o.snap.Side == Buy && price <= o.snap.Price {
				fillAt = o.snap.Price
			}
			if o.snap.Side == Sell && price >= o.snap.Price {
				fillAt = o.snap.Price
			}
		case StopLossLimit:
			// Sell stop triggers when price drops through the stop; buy stop
			// (short cover) when it rises through it.
			if o.snap.Side == Sell && price <= o.snap.StopPrice {
				fillAt = o.snap.Price
			}
			if o.snap.Side == Buy && price >= o.snap.StopPrice {
				fillAt = o.snap.Price
			}
		}
		if fillAt == 0 {
			continue
		}
		p.releaseFunds(o)
		if err := p.settle(o, fillAt); err != nil {
			// Released funds were just re-credited, a settle failure here
			// means the account drifted; reject the order and surface it.
			o.snap.Status = StatusRejected
			logger.Warn("paper fill failed", zap.String("exchange_id", o.snap.ExchangeID), zap.Error(err))
		}
	}
}

func (p *Paper) baseAsset(symbol string) string {
	return strings.TrimSuffix(symbol, p.cfg.QuoteAsset)
}
