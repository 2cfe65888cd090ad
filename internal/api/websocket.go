package api

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"copytrade-core/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// alertsWebsocket streams guard trips, divergences and closures to the
// operator console.
func (s *Server) alertsWebsocket(c *gin.Context) {
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

	type sub struct {
		event  events.Event
		stream <-chan any
		unsub  func()
	}
	var subs []sub
	for _, e := range []events.Event{
		events.EventGuardTrip,
		events.EventDivergence,
		events.EventPositionClosed,
		events.EventAlert,
	} {
		stream, unsub := s.Bus.Subscribe(e, 100)
		subs = append(subs, sub{event: e, stream: stream, unsub: unsub})
	}
	defer func() {
		for _, s := range subs {
			s.unsub()
		}
	}()

	merged := make(chan gin.H, 100)
	done := make(chan struct{})
	defer close(done)
	for _, s := range subs {
		go func(s sub) {
			for msg := range s.stream {
				select {
				case merged <- gin.H{"event": string(s.event), "payload": msg}:
				case <-done:
					return
				}
			}
		}(s)
	}

	for msg := range merged {
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("ws write error: %v", err)
			return
		}
	}
}
