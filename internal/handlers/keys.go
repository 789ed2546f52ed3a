package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/teehee/chat-backend/internal/models"
	"github.com/teehee/chat-backend/internal/services"
)

type addKeyRequest struct {
	Provider string `json:"provider_name"`
	APIKey   string `json:"api_key"`
}

// HandleListKeys lists the authenticated user's stored provider keys. The
// keys themselves never leave the store through this endpoint, only their
// metadata.
func (m Main) HandleListKeys(w http.ResponseWriter, r *http.Request) {
	user, ok := m.requireUser(w, r)
	if !ok {
		return
	}

	keys, err := m.store.ProviderKeys(r.Context(), user.ID)
	if err != nil {
		m.logger.Error("Failed to list provider keys", slog.String(errLoggerKey, err.Error()))
		m.writeError(w, http.StatusInternalServerError, "Failed to list keys")
		return
	}
	if keys == nil {
		keys = []models.ProviderKey{}
	}
	m.writeJSON(w, http.StatusOK, keys)
}

// HandleAddKey stores a new provider API key for the authenticated user,
// encrypted at rest. A user holds at most one key per provider.
func (m Main) HandleAddKey(w http.ResponseWriter, r *http.Request) {
	user, ok := m.requireUser(w, r)
	if !ok {
		return
	}

	var req addKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Provider == "" || req.APIKey == "" {
		m.writeError(w, http.StatusBadRequest, "Provider name and API key are required")
		return
	}
	if !services.ValidProvider(req.Provider) {
		m.writeError(w, http.StatusBadRequest, fmt.Sprintf("Unsupported provider: %s", req.Provider))
		return
	}

	encrypted, err := m.cipher.Encrypt(req.APIKey)
	if err != nil {
		m.logger.Error("Failed to encrypt API key", slog.String(errLoggerKey, err.Error()))
		m.writeError(w, http.StatusInternalServerError, "Failed to store key")
		return
	}

	key := models.ProviderKey{
		ID:           uuid.New().String(),
		UserID:       user.ID,
		Provider:     req.Provider,
		EncryptedKey: encrypted,
		CreatedAt:    time.Now(),
	}
	if err := m.store.AddProviderKey(r.Context(), key); err != nil {
		m.writeError(w, http.StatusBadRequest, fmt.Sprintf("API key for %s already exists", req.Provider))
		return
	}

	m.writeJSON(w, http.StatusOK, key)
}

// HandleDeleteKey removes one of the authenticated user's provider keys.
func (m Main) HandleDeleteKey(w http.ResponseWriter, r *http.Request) {
	user, ok := m.requireUser(w, r)
	if !ok {
		return
	}

	keyID := chi.URLParam(r, "keyID")
	if err := m.store.DeleteProviderKey(r.Context(), user.ID, keyID); err != nil {
		if isNotFound(err) {
			m.writeError(w, http.StatusNotFound, "API key not found")
			return
		}
		m.logger.Error("Failed to delete provider key", slog.String(errLoggerKey, err.Error()))
		m.writeError(w, http.StatusInternalServerError, "Failed to delete key")
		return
	}
	m.writeJSON(w, http.StatusOK, map[string]string{"message": "API key deleted successfully"})
}

// HandleDecryptKey returns the plaintext key for one provider. It exists for
// internal use by trusted frontends; the caller must own the key.
func (m Main) HandleDecryptKey(w http.ResponseWriter, r *http.Request) {
	user, ok := m.requireUser(w, r)
	if !ok {
		return
	}

	provider := chi.URLParam(r, "provider")
	key, err := m.store.ProviderKey(r.Context(), user.ID, provider)
	if err != nil {
		m.writeError(w, http.StatusNotFound, fmt.Sprintf("No API key found for %s", provider))
		return
	}

	plaintext, err := m.cipher.Decrypt(key.EncryptedKey)
	if err != nil {
		m.logger.Error("Failed to decrypt API key", slog.String(errLoggerKey, err.Error()))
		m.writeError(w, http.StatusInternalServerError, "Failed to decrypt API key")
		return
	}
	m.writeJSON(w, http.StatusOK, map[string]string{"api_key": plaintext})
}
