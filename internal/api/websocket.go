package api

import (
	"net/http"

	"tradebot/internal/events"
	"tradebot/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsEnvelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// websocket streams trade transitions, alerts and tick summaries to the
// client until it disconnects.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	out := make(chan wsEnvelope, 64)
	forward := func(e events.Event, buffer int) func() {
		ch, unsub := s.Bus.Subscribe(e, buffer)
		go func() {
			// exits when unsubscribe closes ch
			for msg := range ch {
				select {
				case out <- wsEnvelope{Event: string(e), Payload: msg}:
				default:
					// drop when the client cannot keep up
				}
			}
		}()
		return unsub
	}

	defer forward(events.EventTradeTransition, 100)()
	defer forward(events.EventTradeAlert, 100)()
	defer forward(events.EventTickCompleted, 10)()

	// Detect client disconnects; we never expect inbound messages.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case msg := <-out:
			if err := conn.WriteJSON(msg); err != nil {
				logger.Debug("ws write failed", zap.Error(err))
				return
			}
		}
	}
}
