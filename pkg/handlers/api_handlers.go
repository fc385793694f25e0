package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/proximo-app/proximo/config"
	"github.com/proximo-app/proximo/pkg/geo"
	"github.com/proximo-app/proximo/pkg/models"
	"github.com/proximo-app/proximo/pkg/objstore"
	"github.com/proximo-app/proximo/pkg/store"
)

type ProfileHandler struct {
	store  *store.Store
	logger *slog.Logger
}

func NewProfileHandler(store *store.Store, logger *slog.Logger) *ProfileHandler {
	return &ProfileHandler{store: store, logger: logger}
}

func (h *ProfileHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity(r)
	if userID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	profile, err := h.store.GetProfile(r.Context(), userID)
	if err != nil {
		h.logger.Error("GetMe: failed to get profile", "error", err, "user_id", userID)
		http.Error(w, "Failed to get profile", http.StatusInternalServerError)
		return
	}
	if profile == nil {
		http.Error(w, "Profile not found", http.StatusNotFound)
		return
	}

	writeJSON(w, profile)
}

func (h *ProfileHandler) UpsertMe(w http.ResponseWriter, r *http.Request) {
	userID := identity(r)
	if userID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req models.Profile
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.ID = userID

	if err := h.store.UpsertProfile(r.Context(), &req); err != nil {
		h.logger.Error("UpsertMe: failed to upsert profile", "error", err, "user_id", userID)
		http.Error(w, "Failed to save profile", http.StatusInternalServerError)
		return
	}

	profile, err := h.store.GetProfile(r.Context(), userID)
	if err != nil || profile == nil {
		http.Error(w, "Failed to get profile", http.StatusInternalServerError)
		return
	}
	writeJSON(w, profile)
}

func (h *ProfileHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	userID := identity(r)
	if userID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		DisplayName string  `json:"display_name"`
		AvatarRef   *string `json:"avatar_ref"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	profile, err := h.store.UpdateProfile(r.Context(), userID, req.DisplayName, req.AvatarRef)
	if err != nil {
		h.logger.Error("UpdateMe: failed to update profile", "error", err, "user_id", userID)
		http.Error(w, "Failed to update profile", http.StatusInternalServerError)
		return
	}
	writeJSON(w, profile)
}

func (h *ProfileHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	userID := identity(r)
	if userID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	profile, err := h.store.GetProfile(r.Context(), r.PathValue("id"))
	if err != nil {
		http.Error(w, "Failed to get profile", http.StatusInternalServerError)
		return
	}
	if profile == nil {
		http.Error(w, "Profile not found", http.StatusNotFound)
		return
	}
	writeJSON(w, profile)
}

func (h *ProfileHandler) BlockUser(w http.ResponseWriter, r *http.Request) {
	userID := identity(r)
	if userID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if err := h.store.BlockUser(r.Context(), userID, r.PathValue("id")); err != nil {
		http.Error(w, "Failed to block user", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ProfileHandler) UnblockUser(w http.ResponseWriter, r *http.Request) {
	userID := identity(r)
	if userID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if err := h.store.UnblockUser(r.Context(), userID, r.PathValue("id")); err != nil {
		http.Error(w, "Failed to unblock user", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ProfileHandler) GetWinks(w http.ResponseWriter, r *http.Request) {
	userID := identity(r)
	if userID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	limit := 50
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= 200 {
		limit = l
	}

	winks, err := h.store.GetWinksReceived(r.Context(), userID, limit)
	if err != nil {
		http.Error(w, "Failed to list winks", http.StatusInternalServerError)
		return
	}
	writeJSON(w, winks)
}

// nearbyStore is the slice of the store the nearby endpoint touches.
// *store.Store satisfies it.
type nearbyStore interface {
	GetCachedNearby(ctx context.Context, userID string) ([]models.ProximityResult, error)
	GetNearbyProfiles(ctx context.Context, userID string, c geo.Coordinates, radiusMeters float64, maxResults int) ([]models.ProximityResult, error)
	CacheNearby(ctx context.Context, userID string, results []models.ProximityResult) error
}

type NearbyHandler struct {
	store  nearbyStore
	cfg    config.ProximityConfig
	logger *slog.Logger
}

func NewNearbyHandler(store nearbyStore, cfg config.ProximityConfig, logger *slog.Logger) *NearbyHandler {
	return &NearbyHandler{store: store, cfg: cfg, logger: logger}
}

// GetNearby is the cold-start fetch: query coordinates come from the caller
// since a plain HTTP request carries no live fix. Live refreshes flow through
// the session instead.
func (h *NearbyHandler) GetNearby(w http.ResponseWriter, r *http.Request) {
	userID := identity(r)
	if userID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	lat, errLat := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(r.URL.Query().Get("lng"), 64)
	if errLat != nil || errLng != nil {
		http.Error(w, "lat and lng are required", http.StatusBadRequest)
		return
	}

	if cached, err := h.store.GetCachedNearby(r.Context(), userID); err == nil && cached != nil {
		writeJSON(w, cached)
		return
	}

	results, err := h.store.GetNearbyProfiles(r.Context(), userID,
		geo.Coordinates{Lat: lat, Lng: lng}, h.cfg.RadiusMeters, h.cfg.MaxResults)
	if err != nil {
		h.logger.Error("GetNearby: query failed", "error", err, "user_id", userID)
		http.Error(w, "Failed to query nearby profiles", http.StatusInternalServerError)
		return
	}

	// Request context dies when the handler returns; the cache fill keeps its
	// own so it can land after the response.
	go func() {
		if err := h.store.CacheNearby(context.Background(), userID, results); err != nil {
			h.logger.Debug("GetNearby: cache fill failed", "user_id", userID, "error", err)
		}
	}()
	writeJSON(w, results)
}

type ConversationHandler struct {
	store  *store.Store
	logger *slog.Logger
}

func NewConversationHandler(store *store.Store, logger *slog.Logger) *ConversationHandler {
	return &ConversationHandler{store: store, logger: logger}
}

func (h *ConversationHandler) GetConversations(w http.ResponseWriter, r *http.Request) {
	userID := identity(r)
	if userID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	previews, err := h.store.GetMyConversations(r.Context(), userID)
	if err != nil {
		h.logger.Error("GetConversations: failed", "error", err, "user_id", userID)
		http.Error(w, "Failed to get conversations", http.StatusInternalServerError)
		return
	}
	writeJSON(w, previews)
}

func (h *ConversationHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID := identity(r)
	if userID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conversationID := r.PathValue("id")
	conv, err := h.store.GetConversation(r.Context(), conversationID)
	if err != nil {
		http.Error(w, "Conversation not found", http.StatusNotFound)
		return
	}
	if conv.ParticipantA != userID && conv.ParticipantB != userID {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	limit := 100
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= 500 {
		limit = l
	}

	messages, err := h.store.GetMessages(r.Context(), conversationID, limit)
	if err != nil {
		h.logger.Error("GetMessages: failed", "error", err, "conversation_id", conversationID)
		http.Error(w, "Failed to get messages", http.StatusInternalServerError)
		return
	}
	writeJSON(w, messages)
}

type MediaHandler struct {
	storage  objstore.Storage
	maxBytes int64
	logger   *slog.Logger
}

func NewMediaHandler(storage objstore.Storage, maxMiB int64, logger *slog.Logger) *MediaHandler {
	return &MediaHandler{storage: storage, maxBytes: maxMiB << 20, logger: logger}
}

// Upload stores an image and returns the opaque storage path the client puts
// in a message's image_ref. The path is not a URL; viewing goes through
// ResolveURL so view-once semantics hold.
func (h *MediaHandler) Upload(w http.ResponseWriter, r *http.Request) {
	userID := identity(r)
	if userID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)
	if err := r.ParseMultipartForm(h.maxBytes); err != nil {
		http.Error(w, "Invalid upload", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "file field is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Failed to read upload", http.StatusBadRequest)
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	path, err := h.storage.Upload(r.Context(), header.Filename, contentType, data)
	if err != nil {
		h.logger.Error("Upload: storage write failed", "error", err, "user_id", userID)
		http.Error(w, "Failed to store file", http.StatusInternalServerError)
		return
	}

	h.logger.Info("Media uploaded", "user_id", userID, "path", path, "bytes", len(data))
	writeJSON(w, map[string]string{"image_ref": path})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
