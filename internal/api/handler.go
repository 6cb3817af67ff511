package api

import (
	"net/http"
	"time"

	"tradebot/internal/engine"
	"tradebot/internal/events"
	"tradebot/internal/exchange"
	"tradebot/internal/trade"
	"tradebot/pkg/db"

	"github.com/gin-gonic/gin"
)

// Server wires HTTP endpoints around the trading engine.
type Server struct {
	Router    *gin.Engine
	Bus       *events.Bus
	Store     *db.Database
	Machine   *trade.Machine
	Loop      *engine.Loop
	Exchange  exchange.Adapter
	JWTSecret string
	Meta      SystemMeta

	operator credentials
}

// SystemMeta describes runtime status exposed to clients.
type SystemMeta struct {
	DryRun   bool
	Venue    string
	Symbols  []string
	Strategy string
	Version  string
}

func NewServer(bus *events.Bus, store *db.Database, machine *trade.Machine, loop *engine.Loop,
	ex exchange.Adapter, meta SystemMeta, jwtSecret, username, password string) (*Server, error) {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())        // Panic recovery (first)
	r.Use(RequestIDMiddleware()) // Request ID tracking
	r.Use(RequestLogger())       // Request logging (after ID is set)
	r.Use(RateLimitMiddleware()) // Rate limiting
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware()) // CORS (last before routes)

	op, err := newCredentials(username, password)
	if err != nil {
		return nil, err
	}

	s := &Server{
		Router:    r,
		Bus:       bus,
		Store:     store,
		Machine:   machine,
		Loop:      loop,
		Exchange:  ex,
		JWTSecret: jwtSecret,
		Meta:      meta,
		operator:  op,
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.POST("/auth/login", s.login)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/status", s.getStatus)
			protected.GET("/trades", s.getTrades)
			protected.GET("/trades/:id/orders", s.getTradeOrders)
			protected.GET("/balance", s.getBalance)

			protected.POST("/trades/:id/forceexit", s.forceExit)
			protected.POST("/loop/pause", s.pauseLoop)
			protected.POST("/loop/resume", s.resumeLoop)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
