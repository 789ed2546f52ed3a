package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/teehee/chat-backend/internal/auth"
	"github.com/teehee/chat-backend/internal/models"
)

type signupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	SSOID    string `json:"sso_id"`
}

type signinRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type ssoRequest struct {
	SSOID string `json:"sso_id"`
	Email string `json:"email"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

func (m Main) issueToken(w http.ResponseWriter, email string) {
	token, err := m.tokens.IssueToken(email)
	if err != nil {
		m.logger.Error("Failed to issue token", slog.String(errLoggerKey, err.Error()))
		m.writeError(w, http.StatusInternalServerError, "Failed to issue token")
		return
	}
	m.writeJSON(w, http.StatusOK, tokenResponse{AccessToken: token, TokenType: "bearer"})
}

// HandleSignup creates a new account from an email plus either a password or
// an SSO id, and returns an access token.
func (m Main) HandleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		m.writeError(w, http.StatusBadRequest, "Email is required")
		return
	}
	if req.Password == "" && req.SSOID == "" {
		m.writeError(w, http.StatusBadRequest, "Either password or SSO ID must be provided")
		return
	}

	if _, err := m.store.UserByEmail(r.Context(), req.Email); err == nil {
		m.writeError(w, http.StatusBadRequest, "Email already registered")
		return
	}

	user := models.User{
		ID:        uuid.New().String(),
		Email:     req.Email,
		SSOID:     req.SSOID,
		CreatedAt: time.Now(),
	}
	if req.Password != "" {
		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			m.logger.Error("Failed to hash password", slog.String(errLoggerKey, err.Error()))
			m.writeError(w, http.StatusInternalServerError, "Failed to create account")
			return
		}
		user.PasswordHash = hash
	}

	if err := m.store.AddUser(r.Context(), user); err != nil {
		m.logger.Error("Failed to add user", slog.String(errLoggerKey, err.Error()))
		m.writeError(w, http.StatusBadRequest, "Email already registered")
		return
	}

	m.issueToken(w, user.Email)
}

// HandleSignin authenticates an email/password pair and returns an access
// token.
func (m Main) HandleSignin(w http.ResponseWriter, r *http.Request) {
	var req signinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		m.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	user, err := m.store.UserByEmail(r.Context(), req.Email)
	if err != nil {
		m.writeError(w, http.StatusUnauthorized, "Incorrect email or password")
		return
	}
	if user.PasswordHash == "" || !auth.CheckPassword(req.Password, user.PasswordHash) {
		m.writeError(w, http.StatusUnauthorized, "Incorrect email or password")
		return
	}

	m.issueToken(w, user.Email)
}

// HandleSSO signs a user in through an external identity provider, creating
// the account on first login and recording the SSO id on accounts that
// predate it.
func (m Main) HandleSSO(w http.ResponseWriter, r *http.Request) {
	var req ssoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SSOID == "" || req.Email == "" {
		m.writeError(w, http.StatusBadRequest, "SSO ID and email are required")
		return
	}

	user, err := m.store.UserByEmail(r.Context(), req.Email)
	switch {
	case err == nil:
		if user.SSOID == "" {
			user.SSOID = req.SSOID
			if err := m.store.UpdateUser(r.Context(), user); err != nil {
				m.logger.Error("Failed to update user", slog.String(errLoggerKey, err.Error()))
				m.writeError(w, http.StatusInternalServerError, "Failed to update account")
				return
			}
		}
	case isNotFound(err):
		user = models.User{
			ID:        uuid.New().String(),
			Email:     req.Email,
			SSOID:     req.SSOID,
			CreatedAt: time.Now(),
		}
		if err := m.store.AddUser(r.Context(), user); err != nil {
			m.logger.Error("Failed to add user", slog.String(errLoggerKey, err.Error()))
			m.writeError(w, http.StatusInternalServerError, "Failed to create account")
			return
		}
	default:
		m.logger.Error("Failed to look up user", slog.String(errLoggerKey, err.Error()))
		m.writeError(w, http.StatusInternalServerError, "Failed to look up account")
		return
	}

	m.issueToken(w, user.Email)
}

// HandleSession returns the account behind the presented token.
func (m Main) HandleSession(w http.ResponseWriter, r *http.Request) {
	user, ok := m.requireUser(w, r)
	if !ok {
		return
	}
	m.writeJSON(w, http.StatusOK, user)
}

// HandleLogout acknowledges a logout; tokens are stateless, so the client
// simply discards its copy.
func (m Main) HandleLogout(w http.ResponseWriter, r *http.Request) {
	m.writeJSON(w, http.StatusOK, map[string]string{"message": "Successfully logged out"})
}
