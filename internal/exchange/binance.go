package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"go.uber.org/zap"

	"tradebot/internal/market"
	"tradebot/pkg/logger"
)

// Stop-loss-limit orders rest with a limit slightly below the trigger so the
// exit still fills in a fast market.
const stopLimitRatio = 0.99

// BinanceConfig configures the spot adapter.
type BinanceConfig struct {
	APIKey             string
	APISecret          string
	Testnet            bool
	TakerFeeRate       float64 // decimal; 0 defaults to 0.001
	RateLimitPerMinute int
	RateLimitMaxWait   time.Duration
}

// Binance adapts the spot venue through the go-binance client.
type Binance struct {
	client  *binance.Client
	bucket  *tokenBucket
	feeRate float64
}

// NewBinance builds the adapter.
func NewBinance(cfg BinanceConfig) *Binance {
	if cfg.Testnet {
		binance.UseTestnet = true
	}
	fee := cfg.TakerFeeRate
	if fee <= 0 {
		fee = 0.001
	}
	perMin := cfg.RateLimitPerMinute
	if perMin <= 0 {
		perMin = 1200
	}
	maxWait := cfg.RateLimitMaxWait
	if maxWait <= 0 {
		maxWait = 10 * time.Second
	}
	return &Binance{
		client:  binance.NewClient(cfg.APIKey, cfg.APISecret),
		bucket:  newTokenBucket(perMin, maxWait),
		feeRate: fee,
	}
}

func (b *Binance) Name() string             { return "binance" }
func (b *Binance) Fee(string) float64       { return b.feeRate }
func (b *Binance) SupportsStopOrders() bool { return true }

// PlaceOrder submits an order; ClientID travels as newClientOrderId so an
// outcome lost to a network fault can be recovered by FindOrderByClientID.
func (b *Binance) PlaceOrder(ctx context.Context, req OrderRequest) (OrderSnapshot, error) {
	if err := b.bucket.take(ctx); err != nil {
		return OrderSnapshot{}, err
	}

	svc := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(toBinanceSide(req.Side)).
		Quantity(formatFloat(req.Amount)).
		NewClientOrderID(req.ClientID)

	switch req.Type {
	case Market:
		svc = svc.Type(binance.OrderTypeMarket)
	case Limit:
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(formatFloat(req.Price))
	case StopLossLimit:
		limit := req.Price
		if limit <= 0 {
			limit = req.StopPrice * stopLimitRatio
		}
		if req.StopPrice <= limit {
			return OrderSnapshot{}, &RejectedError{Op: "place", Reason: "stop price must exceed limit price"}
		}
		svc = svc.Type(binance.OrderTypeStopLossLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			StopPrice(formatFloat(req.StopPrice)).
			Price(formatFloat(limit))
	default:
		return OrderSnapshot{}, &RejectedError{Op: "place", Reason: fmt.Sprintf("unsupported order type %s", req.Type)}
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return OrderSnapshot{}, mapAPIError("place", err)
	}

	snap := OrderSnapshot{
		ExchangeID: strconv.FormatInt(res.OrderID, 10),
		ClientID:   res.ClientOrderID,
		Symbol:     res.Symbol,
		Side:       req.Side,
		Type:       req.Type,
		Price:      parseFloat(res.Price),
		StopPrice:  req.StopPrice,
		Amount:     parseFloat(res.OrigQuantity),
		Filled:     parseFloat(res.ExecutedQuantity),
		Status:     fromBinanceStatus(res.Status),
		UpdatedAt:  time.UnixMilli(res.TransactTime),
	}
	if snap.Filled > 0 {
		snap.AvgPrice = parseFloat(res.CummulativeQuoteQuantity) / snap.Filled
	}
	logger.Info("order placed",
		zap.String("symbol", snap.Symbol),
		zap.String("exchange_id", snap.ExchangeID),
		zap.String("status", string(snap.Status)))
	return snap, nil
}

// CancelOrder cancels a resting order.
func (b *Binance) CancelOrder(ctx context.Context, symbol, exchangeID string) error {
	if err := b.bucket.take(ctx); err != nil {
		return err
	}
	id, err := strconv.ParseInt(exchangeID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid exchange order id %q: %w", exchangeID, err)
	}
	if _, err := b.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx); err != nil {
		return mapAPIError("cancel", err)
	}
	return nil
}

// OrderStatus fetches the authoritative state of an order.
func (b *Binance) OrderStatus(ctx context.Context, symbol, exchangeID string) (OrderSnapshot, error) {
	if err := b.bucket.take(ctx); err != nil {
		return OrderSnapshot{}, err
	}
	id, err := strconv.ParseInt(exchangeID, 10, 64)
	if err != nil {
		return OrderSnapshot{}, fmt.Errorf("invalid exchange order id %q: %w", exchangeID, err)
	}
	o, err := b.client.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return OrderSnapshot{}, mapAPIError("status", err)
	}
	return fromBinanceOrder(o), nil
}

// FindOrderByClientID resolves an order by idempotency token after a
// placement of unknown outcome.
func (b *Binance) FindOrderByClientID(ctx context.Context, symbol, clientID string) (OrderSnapshot, error) {
	if err := b.bucket.take(ctx); err != nil {
		return OrderSnapshot{}, err
	}
	o, err := b.client.NewGetOrderService().Symbol(symbol).OrigClientOrderID(clientID).Do(ctx)
	if err != nil {
		return OrderSnapshot{}, mapAPIError("lookup", err)
	}
	return fromBinanceOrder(o), nil
}

// Balances returns the spot wallet snapshot, zero balances filtered out.
func (b *Binance) Balances(ctx context.Context) ([]Balance, error) {
	if err := b.bucket.take(ctx); err != nil {
		return nil, err
	}
	acct, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, mapAPIError("balances", err)
	}
	out := make([]Balance, 0, len(acct.Balances))
	for _, bal := range acct.Balances {
		free := parseFloat(bal.Free)
		locked := parseFloat(bal.Locked)
		if free == 0 && locked == 0 {
			continue
		}
		out = append(out, Balance{Asset: bal.Asset, Free: free, Locked: locked})
	}
	return out, nil
}

// Candles fetches klines, most recent last.
func (b *Binance) Candles(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	if err := b.bucket.take(ctx); err != nil {
		return nil, err
	}
	klines, err := b.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, mapAPIError("klines", err)
	}
	out := make([]market.Candle, 0, len(klines))
	for _, k := range klines {
		out = append(out, market.Candle{
			OpenTime: time.UnixMilli(k.OpenTime),
			Open:     parseFloat(k.Open),
			High:     parseFloat(k.High),
			Low:      parseFloat(k.Low),
			Close:    parseFloat(k.Close),
			Volume:   parseFloat(k.Volume),
		})
	}
	return out, nil
}

func fromBinanceOrder(o *binance.Order) OrderSnapshot {
	snap := OrderSnapshot{
		ExchangeID: strconv.FormatInt(o.OrderID, 10),
		ClientID:   o.ClientOrderID,
		Symbol:     o.Symbol,
		Side:       fromBinanceSide(o.Side),
		Price:      parseFloat(o.Price),
		StopPrice:  parseFloat(o.StopPrice),
		Amount:     parseFloat(o.OrigQuantity),
		Filled:     parseFloat(o.ExecutedQuantity),
		Status:     fromBinanceStatus(o.Status),
		UpdatedAt:  time.UnixMilli(o.UpdateTime),
	}
	if snap.Filled > 0 {
		snap.AvgPrice = parseFloat(o.CummulativeQuoteQuantity) / snap.Filled
	}
	switch o.Type {
	case binance.OrderTypeMarket:
		snap.Type = Market
	case binance.OrderTypeStopLossLimit:
		snap.Type = StopLossLimit
	default:
		snap.Type = Limit
	}
	return snap
}

func fromBinanceStatus(s binance.OrderStatusType) Status {
	switch s {
	case binance.OrderStatusTypeNew, binance.OrderStatusTypePendingCancel:
		return StatusPending
	case binance.OrderStatusTypePartiallyFilled:
		return StatusPartiallyFilled
	case binance.OrderStatusTypeFilled:
		return StatusFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeExpired:
		return StatusCancelled
	case binance.OrderStatusTypeRejected:
		return StatusRejected
	default:
		return StatusPending
	}
}

func toBinanceSide(s Side) binance.SideType {
	if s == Buy {
		return binance.SideTypeBuy
	}
	return binance.SideTypeSell
}

func fromBinanceSide(s binance.SideType) Side {
	if s == binance.SideTypeBuy {
		return Buy
	}
	return Sell
}

// mapAPIError folds venue errors into the engine taxonomy.
func mapAPIError(op string, err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -1003, -1015: // TOO_MANY_REQUESTS / TOO_MANY_ORDERS
			return fmt.Errorf("%w: %s", ErrRateLimited, apiErr.Message)
		case -1021: // timestamp outside recvWindow
			return &TransientError{Op: op, Err: err}
		case -2013: // NO_SUCH_ORDER
			return fmt.Errorf("%w: %s", ErrOrderNotFound, apiErr.Message)
		case -2011: // CANCEL_REJECTED, typically because the order filled
			return fmt.Errorf("%w: %s", ErrAlreadyFilled, apiErr.Message)
		case -2010: // NEW_ORDER_REJECTED
			if strings.Contains(strings.ToLower(apiErr.Message), "insufficient balance") {
				return fmt.Errorf("%w: %s", ErrInsufficientBalance, apiErr.Message)
			}
			return &RejectedError{Op: op, Reason: apiErr.Message}
		default:
			if apiErr.Code <= -1100 && apiErr.Code >= -1199 {
				// request validation family: bad params, never retry
				return &RejectedError{Op: op, Reason: apiErr.Message}
			}
			return &TransientError{Op: op, Err: err}
		}
	}
	// No structured code: treat as network fault with unknown outcome.
	return &TransientError{Op: op, Err: err}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
