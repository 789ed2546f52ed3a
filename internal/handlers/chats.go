package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/teehee/chat-backend/internal/models"
)

type chatRequest struct {
	Name string `json:"name"`
}

type chatWithMessages struct {
	models.Chat
	Messages []models.Message `json:"messages"`
}

// ownedChat loads a chat and verifies it belongs to the user; it writes the
// appropriate error response itself and reports success through the bool.
func (m Main) ownedChat(w http.ResponseWriter, r *http.Request, userID, chatID string) (models.Chat, bool) {
	chat, err := m.store.Chat(r.Context(), chatID)
	if err != nil || chat.UserID != userID {
		m.writeError(w, http.StatusNotFound, "Chat session not found")
		return models.Chat{}, false
	}
	return chat, true
}

// HandleListChats lists the authenticated user's chats, newest first.
func (m Main) HandleListChats(w http.ResponseWriter, r *http.Request) {
	user, ok := m.requireUser(w, r)
	if !ok {
		return
	}

	chats, err := m.store.Chats(r.Context(), user.ID)
	if err != nil {
		m.logger.Error("Failed to list chats", slog.String(errLoggerKey, err.Error()))
		m.writeError(w, http.StatusInternalServerError, "Failed to list chats")
		return
	}
	if chats == nil {
		chats = []models.Chat{}
	}
	m.writeJSON(w, http.StatusOK, chats)
}

// HandleCreateChat creates a new chat for the authenticated user.
func (m Main) HandleCreateChat(w http.ResponseWriter, r *http.Request) {
	user, ok := m.requireUser(w, r)
	if !ok {
		return
	}

	var req chatRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Name == "" {
		req.Name = "New Chat"
	}

	chat := models.Chat{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		Name:      req.Name,
		CreatedAt: time.Now(),
	}
	newID, err := m.store.AddChat(r.Context(), chat)
	if err != nil {
		m.logger.Error("Failed to add chat", slog.String(errLoggerKey, err.Error()))
		m.writeError(w, http.StatusInternalServerError, "Failed to create chat")
		return
	}
	chat.ID = newID
	m.writeJSON(w, http.StatusOK, chat)
}

// HandleGetChat returns a chat together with all of its messages.
func (m Main) HandleGetChat(w http.ResponseWriter, r *http.Request) {
	user, ok := m.requireUser(w, r)
	if !ok {
		return
	}

	chat, ok := m.ownedChat(w, r, user.ID, chi.URLParam(r, "chatID"))
	if !ok {
		return
	}

	messages, err := m.store.Messages(r.Context(), chat.ID)
	if err != nil {
		m.logger.Error("Failed to get messages", slog.String(errLoggerKey, err.Error()))
		m.writeError(w, http.StatusInternalServerError, "Failed to load messages")
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	m.writeJSON(w, http.StatusOK, chatWithMessages{Chat: chat, Messages: messages})
}

// HandleUpdateChat renames a chat.
func (m Main) HandleUpdateChat(w http.ResponseWriter, r *http.Request) {
	user, ok := m.requireUser(w, r)
	if !ok {
		return
	}

	chat, ok := m.ownedChat(w, r, user.ID, chi.URLParam(r, "chatID"))
	if !ok {
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		m.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name != "" {
		chat.Name = req.Name
	}
	if err := m.store.UpdateChat(r.Context(), chat); err != nil {
		m.logger.Error("Failed to update chat", slog.String(errLoggerKey, err.Error()))
		m.writeError(w, http.StatusInternalServerError, "Failed to update chat")
		return
	}
	m.writeJSON(w, http.StatusOK, chat)
}

// HandleDeleteChat deletes a chat and all its messages.
func (m Main) HandleDeleteChat(w http.ResponseWriter, r *http.Request) {
	user, ok := m.requireUser(w, r)
	if !ok {
		return
	}

	chat, ok := m.ownedChat(w, r, user.ID, chi.URLParam(r, "chatID"))
	if !ok {
		return
	}

	if err := m.store.DeleteChat(r.Context(), chat.ID); err != nil {
		m.logger.Error("Failed to delete chat", slog.String(errLoggerKey, err.Error()))
		m.writeError(w, http.StatusInternalServerError, "Failed to delete chat")
		return
	}
	m.writeJSON(w, http.StatusOK, map[string]string{"message": "Chat session deleted successfully"})
}
