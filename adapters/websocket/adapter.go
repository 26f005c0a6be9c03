package websocket

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"savekit/core"
	"savekit/realtime"

	gorillaws "github.com/gorilla/websocket"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Handler returns an http.Handler that upgrades to WebSocket and streams
// engine events from the hub. A user_id query parameter narrows the stream to
// one user's events.
func Handler(hub *realtime.Hub, allowedOrigins []string) http.Handler {
	upgrader := gorillaws.Upgrader{CheckOrigin: originChecker(allowedOrigins)}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var user core.UserID
		if raw := r.URL.Query().Get("user_id"); raw != "" {
			normalized, err := core.NormalizeUserID(core.UserID(raw))
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			user = normalized
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Debug("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()
		id, ch := hub.SubscribeUser(user, 256)
		defer hub.Unsubscribe(id)

		// reader goroutine: handles pongs and notices client close
		closed := make(chan struct{})
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(gorillaws.TextMessage, realtime.MarshalJSON(ev)); err != nil {
					return
				}
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(gorillaws.PingMessage, nil); err != nil {
					return
				}
			case <-closed:
				return
			case <-r.Context().Done():
				return
			}
		}
	})
}

// originChecker accepts any origin when the list is empty or contains "*".
func originChecker(allowed []string) func(*http.Request) bool {
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
	}
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}
