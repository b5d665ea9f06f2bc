package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/toolhost/internal/events"
)

const (
	eventsWriteWait  = 10 * time.Second
	eventsPongWait   = 60 * time.Second
	eventsPingPeriod = eventsPongWait * 9 / 10
	eventsBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// handleEvents streams bus events to a websocket client as JSON
// messages. ?source= and ?kind= filter the stream. Slow clients miss
// events rather than holding up publishers.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	bus := s.host.Bus()
	if bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "unavailable", "event stream not enabled")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug("event stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	source := r.URL.Query().Get("source")
	kind := r.URL.Query().Get("kind")

	ch := bus.SubscribeFunc(eventsBuffer, events.Match(source, kind))
	defer bus.Unsubscribe(ch)

	s.logger.Debug("event stream opened", "remote", r.RemoteAddr, "source", source, "kind", kind)

	// The reader only services control frames and notices the close.
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(eventsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(eventsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			s.logger.Debug("event stream closed", "remote", r.RemoteAddr)
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case e, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}
