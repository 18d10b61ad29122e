package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/server/middleware"
	"github.com/keygate/keygate/internal/telemetry"
)

// KeyStore is the part of *config.Store the key endpoints use.
type KeyStore interface {
	CreateAPIKey(ctx context.Context, name string, permissions []string, expiresAt *time.Time) (string, *model.APIKey, error)
	GetAPIKey(ctx context.Context, id string) (*model.APIKey, error)
	ListAPIKeys(ctx context.Context, includeRevoked bool) ([]model.APIKey, error)
	RevokeAPIKey(ctx context.Context, id string) (bool, error)
	DeleteAPIKey(ctx context.Context, id string) (bool, error)
	RenameAPIKey(ctx context.Context, id, name string) (bool, error)
}

// KeyHandler serves the key management API. Every route is expected to sit
// behind RequireAdmin.
type KeyHandler struct {
	store   KeyStore
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// NewKeyHandler creates a new KeyHandler. metrics may be nil.
func NewKeyHandler(store KeyStore, logger *slog.Logger, metrics *telemetry.Metrics) *KeyHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyHandler{
		store:   store,
		logger:  logger,
		metrics: metrics,
	}
}

// createKeyRequest is the expected payload for CreateKey. A missing or null
// permissions field means ["*"]; expiresAt is epoch milliseconds.
type createKeyRequest struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
	ExpiresAt   *int64   `json:"expiresAt"`
}

// renameKeyRequest is the expected payload for UpdateKey.
type renameKeyRequest struct {
	Name string `json:"name"`
}

// CreateKey issues a new key and returns the plaintext exactly once.
// POST /keys
func (h *KeyHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	plaintext, key, err := h.store.CreateAPIKey(r.Context(), req.Name, req.Permissions, model.TimePtr(req.ExpiresAt))
	if err != nil {
		writeStoreError(w, r, h.logger, err, "create api key")
		return
	}

	h.metrics.KeyEvent(telemetry.EventCreated)
	h.logger.Info("api key created",
		"key_id", key.ID,
		"prefix", key.Prefix,
		"by", actor(r),
		"request_id", middleware.GetRequestID(r.Context()),
	)
	writeJSON(w, http.StatusCreated, model.NewCreatedKey(plaintext, key))
}

// ListKeys returns keys newest first. Revoked keys are included with
// ?includeRevoked=true.
// GET /keys
func (h *KeyHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.store.ListAPIKeys(r.Context(), queryBool(r, "includeRevoked"))
	if err != nil {
		writeStoreError(w, r, h.logger, err, "list api keys")
		return
	}

	views := make([]model.KeyView, 0, len(keys))
	for i := range keys {
		views = append(views, keys[i].View())
	}
	writeJSON(w, http.StatusOK, views)
}

// GetKey returns a single key, revoked or not.
// GET /keys/{id}
func (h *KeyHandler) GetKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.store.GetAPIKey(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, r, h.logger, err, "get api key")
		return
	}
	if key == nil {
		writeStoreError(w, r, h.logger, config.ErrNotFound, "get api key")
		return
	}
	writeJSON(w, http.StatusOK, key.View())
}

// UpdateKey renames a key.
// PUT /keys/{id}
func (h *KeyHandler) UpdateKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req renameKeyRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	ok, err := h.store.RenameAPIKey(r.Context(), id, req.Name)
	if err != nil {
		writeStoreError(w, r, h.logger, err, "rename api key")
		return
	}
	if !ok {
		writeStoreError(w, r, h.logger, config.ErrNotFound, "rename api key")
		return
	}

	h.metrics.KeyEvent(telemetry.EventRenamed)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":      id,
		"name":    strings.TrimSpace(req.Name),
		"updated": true,
	})
}

// DeleteKey revokes a key, or removes it for good with ?permanent=true.
// Revoking an already revoked key succeeds.
// DELETE /keys/{id}
func (h *KeyHandler) DeleteKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if queryBool(r, "permanent") {
		ok, err := h.store.DeleteAPIKey(r.Context(), id)
		if err != nil {
			writeStoreError(w, r, h.logger, err, "delete api key")
			return
		}
		if !ok {
			writeStoreError(w, r, h.logger, config.ErrNotFound, "delete api key")
			return
		}
		h.metrics.KeyEvent(telemetry.EventDeleted)
		h.logger.Info("api key deleted", "key_id", id, "by", actor(r))
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "action": "deleted"})
		return
	}

	changed, err := h.store.RevokeAPIKey(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, h.logger, err, "revoke api key")
		return
	}
	if !changed {
		// Either unknown or already revoked.
		key, err := h.store.GetAPIKey(r.Context(), id)
		if err != nil {
			writeStoreError(w, r, h.logger, err, "revoke api key")
			return
		}
		if key == nil {
			writeStoreError(w, r, h.logger, config.ErrNotFound, "revoke api key")
			return
		}
	} else {
		h.metrics.KeyEvent(telemetry.EventRevoked)
		h.logger.Info("api key revoked", "key_id", id, "by", actor(r))
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "action": "revoked"})
}

// actor names the principal performing an admin action, for audit logs.
func actor(r *http.Request) string {
	p := middleware.GetPrincipal(r.Context())
	switch {
	case p == nil:
		return "unknown"
	case p.Key != nil:
		return "key:" + p.Key.ID
	default:
		return p.Type
	}
}
