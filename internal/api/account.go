package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/RichardoC/paam/internal/keys"
	"github.com/RichardoC/paam/internal/models"
	"go.uber.org/zap"
)

const maxKeyNameLength = 100

type CreateAPIKeyRequest struct {
	Service string `json:"service"`
	KeyName string `json:"keyName"`
	Key     string `json:"key"`
}

type APIKeyResponse struct {
	models.APIKey
	Hint string `json:"hint"`
}

// CreateAPIKey seals and stores a provider key for the caller.
func (h *Handler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	if h.sealer == nil {
		h.Error(w, http.StatusServiceUnavailable, "Key storage is not configured")
		return
	}

	var req CreateAPIKeyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.Service = strings.ToLower(strings.TrimSpace(req.Service))
	req.KeyName = strings.TrimSpace(req.KeyName)
	req.Key = strings.TrimSpace(req.Key)
	if req.Service == "" || req.Key == "" {
		h.Error(w, http.StatusBadRequest, "service and key are required")
		return
	}
	if req.KeyName == "" {
		req.KeyName = req.Service
	}
	if len(req.KeyName) > maxKeyNameLength {
		h.Error(w, http.StatusBadRequest, "keyName is too long")
		return
	}

	sealed, err := h.sealer.Seal(req.Key)
	if err != nil {
		h.logger.Error("failed to seal api key", zap.Error(err))
		h.Error(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	caller := callerFrom(r.Context())
	if err := h.store.UpsertUser(r.Context(), caller.UserID, caller.Email); err != nil {
		h.logger.Error("failed to record user", zap.Error(err), zap.String("userId", caller.UserID))
		h.Error(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	key := &models.APIKey{
		UserID:       caller.UserID,
		Service:      req.Service,
		KeyName:      req.KeyName,
		EncryptedKey: sealed,
	}
	if err := h.store.CreateAPIKey(r.Context(), key); err != nil {
		h.logger.Error("failed to store api key", zap.Error(err), zap.String("userId", caller.UserID))
		h.Error(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	meta, _ := json.Marshal(map[string]string{"service": key.Service})
	if err := h.store.AppendActivity(r.Context(), &models.ActivityLog{
		UserID:     caller.UserID,
		Action:     "api_key.create",
		Resource:   "api_key",
		ResourceID: key.ID,
		Metadata:   meta,
		IPAddress:  caller.IPAddress,
		UserAgent:  caller.UserAgent,
	}); err != nil {
		h.logger.Warn("failed to record activity", zap.Error(err), zap.String("action", "api_key.create"))
	}

	h.JSON(w, http.StatusCreated, Response{
		Success: true,
		Data:    APIKeyResponse{APIKey: *key, Hint: keys.Hint(req.Key)},
	})
}

// ListAPIKeys returns key metadata for the caller. Sealed material is never returned.
func (h *Handler) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())
	list, err := h.store.ListAPIKeys(r.Context(), caller.UserID)
	if err != nil {
		h.logger.Error("failed to list api keys", zap.Error(err), zap.String("userId", caller.UserID))
		h.Error(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.OK(w, list)
}

func (h *Handler) ListSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.store.ListPublicSettings(r.Context())
	if err != nil {
		h.logger.Error("failed to list settings", zap.Error(err))
		h.Error(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.OK(w, settings)
}
