package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"breakout-core/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

type wsMessage struct {
	Type events.Event `json:"type"`
	Data any          `json:"data"`
}

// websocket streams strategy status changes, bracket results and breakouts
// until the client goes away.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	statuses, unsubStatus := s.Bus.Subscribe(events.EventStrategyStatus, 100)
	defer unsubStatus()
	brackets, unsubBracket := s.Bus.Subscribe(events.EventBracketResult, 20)
	defer unsubBracket()
	breakouts, unsubBreakout := s.Bus.Subscribe(events.EventBreakout, 20)
	defer unsubBreakout()

	// reader drains control frames and notices the client closing
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// current snapshots first so a fresh client does not wait for a change
	if s.Registry != nil {
		for _, st := range s.Registry.List() {
			if !s.writeWS(conn, events.EventStrategyStatus, st) {
				return
			}
		}
	}

	for {
		var msg wsMessage
		select {
		case <-gone:
			return
		case <-c.Request.Context().Done():
			return
		case p, ok := <-statuses:
			if !ok {
				return
			}
			msg = wsMessage{events.EventStrategyStatus, p}
		case p, ok := <-brackets:
			if !ok {
				return
			}
			msg = wsMessage{events.EventBracketResult, p}
		case p, ok := <-breakouts:
			if !ok {
				return
			}
			msg = wsMessage{events.EventBreakout, p}
		}
		if !s.writeWS(conn, msg.Type, msg.Data) {
			return
		}
	}
}

func (s *Server) writeWS(conn *websocket.Conn, typ events.Event, data any) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(wsMessage{Type: typ, Data: data}); err != nil {
		log.Printf("ws write error: %v", err)
		return false
	}
	return true
}
