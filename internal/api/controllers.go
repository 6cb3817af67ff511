package api

import (
	"net/http"
	"strconv"
	"time"

	"tradebot/pkg/db"

	"github.com/gin-gonic/gin"
)

type tradeView struct {
	ID          string  `json:"id"`
	Symbol      string  `json:"symbol"`
	Exchange    string  `json:"exchange"`
	Direction   string  `json:"direction"`
	Status      string  `json:"status"`
	Amount      float64 `json:"amount"`
	EntryPrice  float64 `json:"entry_price"`
	Stoploss    float64 `json:"stoploss"`
	RealizedPnL float64 `json:"realized_pnl"`
	ExitReason  string  `json:"exit_reason,omitempty"`
	OpenedAt    string  `json:"opened_at"`
	ClosedAt    string  `json:"closed_at,omitempty"`
}

func toTradeView(t db.Trade) tradeView {
	v := tradeView{
		ID:          t.ID,
		Symbol:      t.Symbol,
		Exchange:    t.Exchange,
		Direction:   t.Direction,
		Status:      t.Status,
		Amount:      t.Amount,
		EntryPrice:  t.EntryPrice,
		Stoploss:    t.Stoploss,
		RealizedPnL: t.RealizedPnL,
		ExitReason:  t.ExitReason,
		OpenedAt:    t.OpenedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	if t.ClosedAt != nil {
		v.ClosedAt = t.ClosedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	return v
}

type orderView struct {
	ID         string  `json:"id"`
	TradeID    string  `json:"trade_id"`
	Symbol     string  `json:"symbol"`
	ExchangeID string  `json:"exchange_id,omitempty"`
	ClientID   string  `json:"client_id"`
	Kind       string  `json:"kind"`
	Side       string  `json:"side"`
	Type       string  `json:"type"`
	Price      float64 `json:"price,omitempty"`
	StopPrice  float64 `json:"stop_price,omitempty"`
	Amount     float64 `json:"amount"`
	Filled     float64 `json:"filled"`
	AvgPrice   float64 `json:"avg_price"`
	Status     string  `json:"status"`
	Fee        float64 `json:"fee"`
}

func toOrderView(o db.Order) orderView {
	return orderView{
		ID:         o.ID,
		TradeID:    o.TradeID,
		Symbol:     o.Symbol,
		ExchangeID: o.ExchangeID,
		ClientID:   o.ClientID,
		Kind:       o.Kind,
		Side:       o.Side,
		Type:       o.Type,
		Price:      o.Price,
		StopPrice:  o.StopPrice,
		Amount:     o.Amount,
		Filled:     o.Filled,
		AvgPrice:   o.AvgPrice,
		Status:     o.Status,
		Fee:        o.Fee,
	}
}

// getStatus reports the loop, open-trade and realized-profit state.
func (s *Server) getStatus(c *gin.Context) {
	dayStart := time.Now().UTC().Truncate(24 * time.Hour)
	profit, err := s.Store.Profit(c.Request.Context(), dayStart)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "profit summary unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"dry_run":       s.Meta.DryRun,
		"venue":         s.Meta.Venue,
		"symbols":       s.Meta.Symbols,
		"strategy":      s.Meta.Strategy,
		"version":       s.Meta.Version,
		"paused":        s.Loop.Paused(),
		"tick_count":    s.Loop.TickCount(),
		"open_trades":   s.Machine.OpenCount(),
		"closed_trades": profit.ClosedTrades,
		"total_pnl":     profit.TotalPnL,
		"daily_pnl":     profit.DailyPnL,
	})
}

// getTrades lists trades, optionally filtered by status.
func (s *Server) getTrades(c *gin.Context) {
	filter := db.TradeFilter{
		Status: c.Query("status"),
		Symbol: c.Query("symbol"),
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		filter.Limit = n
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}

	trades, err := s.Store.TradeHistory(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load trades"})
		return
	}

	views := make([]tradeView, 0, len(trades))
	for _, t := range trades {
		views = append(views, toTradeView(t))
	}
	c.JSON(http.StatusOK, gin.H{"trades": views, "count": len(views)})
}

// getTradeOrders lists all orders belonging to a trade.
func (s *Server) getTradeOrders(c *gin.Context) {
	id := c.Param("id")

	t, err := s.Store.GetTrade(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load trade"})
		return
	}
	if t == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "trade not found"})
		return
	}

	orders, err := s.Store.OrdersForTrade(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load orders"})
		return
	}

	views := make([]orderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, toOrderView(o))
	}
	c.JSON(http.StatusOK, gin.H{"trade": toTradeView(*t), "orders": views})
}

// getBalance returns exchange wallet balances.
func (s *Server) getBalance(c *gin.Context) {
	balances, err := s.Exchange.Balances(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to fetch balances"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balances": balances})
}

// forceExit queues a force-exit command for the next tick.
func (s *Server) forceExit(c *gin.Context) {
	id := c.Param("id")

	t, err := s.Store.GetTrade(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load trade"})
		return
	}
	if t == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "trade not found"})
		return
	}
	if t.Status != db.TradeOpen {
		c.JSON(http.StatusConflict, gin.H{"error": "trade is not open", "status": t.Status})
		return
	}

	s.Loop.RequestForceExit(id)
	c.JSON(http.StatusAccepted, gin.H{"message": "force exit queued", "trade_id": id})
}

// pauseLoop stops new entries and exits until resumed. In-flight orders
// keep being reconciled by the next ticks once resumed.
func (s *Server) pauseLoop(c *gin.Context) {
	s.Loop.Pause()
	c.JSON(http.StatusAccepted, gin.H{"message": "pause queued"})
}

func (s *Server) resumeLoop(c *gin.Context) {
	s.Loop.Resume()
	c.JSON(http.StatusAccepted, gin.H{"message": "resume queued"})
}
