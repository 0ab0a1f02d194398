package server

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

const (
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// upgrader leaves CheckOrigin unset: gorilla then accepts requests without
// an Origin header and browser requests whose Origin host equals the Host
// header, and rejects cross-site pages.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// handleEvents streams every event published after the connection opens,
// one JSON text message per event.
func (s *Server) handleEvents() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		sub := s.app.Bus.Subscribe()
		defer sub.Unsubscribe()

		// The client never sends; reading detects the close.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
						s.logger.Debug("websocket client closed connection")
					}
					return
				}
			}
		}()

		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-r.Context().Done():
				return
			case ev, ok := <-sub.C:
				if !ok {
					conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
					return
				}
				payload, err := json.Marshal(ev)
				if err != nil {
					s.logger.Warn("failed to encode event", "seq", ev.Seq, "error", err)
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					s.logger.Debug("websocket write failed", "error", err)
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}
}
