package handlers

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/proximo-app/proximo/pkg/hub"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for development
		// In production, specify allowed origins
		return true
	},
}

// identity resolves the caller. Authentication happens upstream (the gateway
// verifies the token and forwards the subject); here the identity is trusted.
func identity(r *http.Request) string {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id
	}
	return r.URL.Query().Get("user_id")
}

func HandleWS(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := identity(r)
		if userID == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("WebSocket upgrade error", "error", err)
			return
		}

		client := &hub.Client{
			Hub:    h,
			UserID: userID,
			ConnID: uuid.NewString(),
			Conn:   conn,
			Send:   make(chan []byte, 256),
		}

		h.Register <- client

		go client.WritePump()
		go client.ReadPump()

		slog.Info("WebSocket connection established", "user_id", userID, "conn_id", client.ConnID)
	}
}
