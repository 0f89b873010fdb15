package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func registerWSRoute(mux *http.ServeMux, hub *Hub) {
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("ws upgrade failed", "error", err)
			return
		}
		defer func() { _ = conn.Close() }()

		ch := hub.Subscribe()
		defer hub.Unsubscribe(ch)

		payload, err := json.Marshal(ConnectionEvent{
			Event:     newEvent("connection", time.Now().UTC()),
			Connected: true,
		})
		if err == nil {
			_ = conn.WriteMessage(websocket.TextMessage, payload)
		}

		// The client never sends; reading only detects the close.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-closed:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			}
		}
	})
}
