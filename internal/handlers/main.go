// Package handlers exposes the HTTP and WebSocket surface of the chat
// backend: account auth, provider key management, chat and message CRUD, the
// models catalog, and the streaming endpoints that drive the coordinator in
// internal/streaming.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/teehee/chat-backend/internal/auth"
	"github.com/teehee/chat-backend/internal/models"
	"github.com/teehee/chat-backend/internal/services"
	"github.com/teehee/chat-backend/internal/streaming"
)

const errLoggerKey = "err"

// Store defines the persistence operations the handlers depend on. BoltDB
// implements it; tests substitute in-memory fakes.
type Store interface {
	AddUser(ctx context.Context, user models.User) error
	UserByEmail(ctx context.Context, email string) (models.User, error)
	UpdateUser(ctx context.Context, user models.User) error

	AddProviderKey(ctx context.Context, key models.ProviderKey) error
	ProviderKeys(ctx context.Context, userID string) ([]models.ProviderKey, error)
	ProviderKey(ctx context.Context, userID, provider string) (models.ProviderKey, error)
	DeleteProviderKey(ctx context.Context, userID, id string) error

	Chats(ctx context.Context, userID string) ([]models.Chat, error)
	AddChat(ctx context.Context, chat models.Chat) (string, error)
	Chat(ctx context.Context, chatID string) (models.Chat, error)
	UpdateChat(ctx context.Context, chat models.Chat) error
	DeleteChat(ctx context.Context, chatID string) error

	Messages(ctx context.Context, chatID string) ([]models.Message, error)
	AddMessage(ctx context.Context, chatID string, message models.Message) (string, error)
	Message(ctx context.Context, chatID, messageID string) (models.Message, error)
	FindMessage(ctx context.Context, messageID string) (string, models.Message, error)
	UpdateMessage(ctx context.Context, chatID string, message models.Message) error
}

// ProviderOpener opens a token source for a named provider with the given
// credentials. services.Factory implements it.
type ProviderOpener interface {
	Open(provider, apiKey string) (streaming.Provider, error)
}

// Main wires the application's collaborators into HTTP handlers. It holds no
// per-request state; one instance serves the whole process.
type Main struct {
	store    Store
	tokens   *auth.Manager
	cipher   auth.KeyCipher
	registry *streaming.Registry
	runner   *streaming.Runner
	openers  ProviderOpener

	logger *slog.Logger
}

// NewMain creates a Main instance from its collaborators.
func NewMain(
	store Store,
	tokens *auth.Manager,
	cipher auth.KeyCipher,
	registry *streaming.Registry,
	runner *streaming.Runner,
	openers ProviderOpener,
	logger *slog.Logger,
) Main {
	return Main{
		store:    store,
		tokens:   tokens,
		cipher:   cipher,
		registry: registry,
		runner:   runner,
		openers:  openers,
		logger:   logger.With(slog.String("module", "handlers")),
	}
}

// Router builds the chi router for the full API surface.
func (m Main) Router() chi.Router {
	r := chi.NewRouter()

	r.Route("/auth", func(r chi.Router) {
		r.Post("/signup", m.HandleSignup)
		r.Post("/signin", m.HandleSignin)
		r.Post("/sso", m.HandleSSO)
		r.Get("/session", m.HandleSession)
		r.Post("/logout", m.HandleLogout)
	})

	r.Route("/user/keys", func(r chi.Router) {
		r.Get("/", m.HandleListKeys)
		r.Post("/", m.HandleAddKey)
		r.Delete("/{keyID}", m.HandleDeleteKey)
		r.Get("/{provider}/decrypt", m.HandleDecryptKey)
	})

	r.Route("/chats", func(r chi.Router) {
		r.Get("/", m.HandleListChats)
		r.Post("/", m.HandleCreateChat)
		r.Get("/{chatID}", m.HandleGetChat)
		r.Patch("/{chatID}", m.HandleUpdateChat)
		r.Delete("/{chatID}", m.HandleDeleteChat)

		r.Get("/{chatID}/messages", m.HandleListMessages)
		r.Post("/{chatID}/messages", m.HandleCreateMessage)
		r.Patch("/{chatID}/messages/{messageID}", m.HandleEditMessage)
		r.Delete("/{chatID}/messages/{messageID}", m.HandleDeleteMessage)
	})

	r.Route("/stream", func(r chi.Router) {
		r.Get("/{chatID}", m.HandleStreamSocket)
		r.Post("/{messageID}/abort", m.HandleAbortStream)
		r.Post("/{messageID}/continue", m.HandleContinueStream)
	})

	r.Get("/models", m.HandleListModels)

	return r
}

// currentUser authenticates a request from its Authorization bearer token.
func (m Main) currentUser(r *http.Request) (models.User, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return models.User{}, auth.ErrInvalidToken
	}
	return m.userForToken(r.Context(), token)
}

// userForToken resolves a raw token to its account. The WebSocket endpoint
// uses it directly since browsers cannot set headers on socket upgrades.
func (m Main) userForToken(ctx context.Context, token string) (models.User, error) {
	email, err := m.tokens.VerifyToken(token)
	if err != nil {
		return models.User{}, err
	}
	user, err := m.store.UserByEmail(ctx, email)
	if err != nil {
		return models.User{}, auth.ErrInvalidToken
	}
	return user, nil
}

// requireUser authenticates the request or writes a 401 and returns false.
func (m Main) requireUser(w http.ResponseWriter, r *http.Request) (models.User, bool) {
	user, err := m.currentUser(r)
	if err != nil {
		m.writeError(w, http.StatusUnauthorized, "Could not validate credentials")
		return models.User{}, false
	}
	return user, true
}

func (m Main) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.logger.Error("Failed to encode response", slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) writeError(w http.ResponseWriter, status int, detail string) {
	m.writeJSON(w, status, map[string]string{"detail": detail})
}

// HandleListModels serves the catalog of providers and their models.
func (m Main) HandleListModels(w http.ResponseWriter, r *http.Request) {
	if _, ok := m.requireUser(w, r); !ok {
		return
	}
	m.writeJSON(w, http.StatusOK, services.Providers())
}

func isNotFound(err error) bool {
	return errors.Is(err, services.ErrNotFound)
}
