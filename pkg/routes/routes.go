package routes

import (
	"log/slog"
	"net/http"

	"github.com/proximo-app/proximo/config"
	"github.com/proximo-app/proximo/pkg/handlers"
	"github.com/proximo-app/proximo/pkg/hub"
	"github.com/proximo-app/proximo/pkg/objstore"
	"github.com/proximo-app/proximo/pkg/store"
)

func NewRouter(h *hub.Hub, s *store.Store, storage objstore.Storage, cfg *config.Config, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	profileHandler := handlers.NewProfileHandler(s, logger)
	nearbyHandler := handlers.NewNearbyHandler(s, cfg.Proximity, logger)
	conversationHandler := handlers.NewConversationHandler(s, logger)
	mediaHandler := handlers.NewMediaHandler(storage, cfg.Storage.UploadMaxMiB, logger)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// WebSocket endpoint: the realtime session surface
	mux.HandleFunc("/ws", handlers.HandleWS(h))

	// Profile endpoints
	mux.HandleFunc("GET /api/profiles/me", profileHandler.GetMe)
	mux.HandleFunc("PUT /api/profiles/me", profileHandler.UpsertMe)
	mux.HandleFunc("PATCH /api/profiles/me", profileHandler.UpdateMe)
	mux.HandleFunc("GET /api/profiles/{id}", profileHandler.GetProfile)
	mux.HandleFunc("POST /api/profiles/{id}/block", profileHandler.BlockUser)
	mux.HandleFunc("DELETE /api/profiles/{id}/block", profileHandler.UnblockUser)
	mux.HandleFunc("GET /api/winks", profileHandler.GetWinks)

	// Cold-start fetches; live updates flow over the WebSocket
	mux.HandleFunc("GET /api/nearby", nearbyHandler.GetNearby)
	mux.HandleFunc("GET /api/conversations", conversationHandler.GetConversations)
	mux.HandleFunc("GET /api/conversations/{id}/messages", conversationHandler.GetMessages)

	// Media endpoints
	mux.HandleFunc("POST /api/media", mediaHandler.Upload)

	return mux
}
