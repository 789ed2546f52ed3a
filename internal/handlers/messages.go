package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/teehee/chat-backend/internal/models"
	"github.com/teehee/chat-backend/internal/streaming"
)

type createMessageRequest struct {
	Role     string `json:"role"`
	Text     string `json:"text"`
	ParentID string `json:"parent_message_id"`
}

type editMessageRequest struct {
	Text string `json:"text"`
}

// HandleListMessages lists the messages of a chat in stored order.
func (m Main) HandleListMessages(w http.ResponseWriter, r *http.Request) {
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
	m.writeJSON(w, http.StatusOK, messages)
}

// HandleCreateMessage adds a message to a chat. The parent message, when
// given, must belong to the same chat.
func (m Main) HandleCreateMessage(w http.ResponseWriter, r *http.Request) {
	user, ok := m.requireUser(w, r)
	if !ok {
		return
	}

	chat, ok := m.ownedChat(w, r, user.ID, chi.URLParam(r, "chatID"))
	if !ok {
		return
	}

	var req createMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Role == "" {
		m.writeError(w, http.StatusBadRequest, "Role and text are required")
		return
	}

	if req.ParentID != "" {
		if _, err := m.store.Message(r.Context(), chat.ID, req.ParentID); err != nil {
			m.writeError(w, http.StatusBadRequest, "Parent message not found in this chat session")
			return
		}
	}

	msg := models.Message{
		ID:        uuid.New().String(),
		ParentID:  req.ParentID,
		Role:      models.Role(req.Role),
		Text:      req.Text,
		Timestamp: time.Now(),
	}
	newID, err := m.store.AddMessage(r.Context(), chat.ID, msg)
	if err != nil {
		m.logger.Error("Failed to add message", slog.String(errLoggerKey, err.Error()))
		m.writeError(w, http.StatusInternalServerError, "Failed to create message")
		return
	}
	msg.ID = newID
	m.writeJSON(w, http.StatusOK, msg)
}

// HandleEditMessage rewrites the text of a user message. Assistant output is
// immutable through this endpoint.
func (m Main) HandleEditMessage(w http.ResponseWriter, r *http.Request) {
	user, ok := m.requireUser(w, r)
	if !ok {
		return
	}

	chat, ok := m.ownedChat(w, r, user.ID, chi.URLParam(r, "chatID"))
	if !ok {
		return
	}

	msg, err := m.store.Message(r.Context(), chat.ID, chi.URLParam(r, "messageID"))
	if err != nil {
		m.writeError(w, http.StatusNotFound, "Message not found or not accessible")
		return
	}
	if msg.Role != models.RoleUser {
		m.writeError(w, http.StatusBadRequest, "Only user messages can be edited")
		return
	}

	var req editMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		m.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	msg.Text = req.Text
	if err := m.store.UpdateMessage(r.Context(), chat.ID, msg); err != nil {
		m.logger.Error("Failed to update message", slog.String(errLoggerKey, err.Error()))
		m.writeError(w, http.StatusInternalServerError, "Failed to update message")
		return
	}
	m.writeJSON(w, http.StatusOK, msg)
}

// HandleDeleteMessage soft-deletes a message. The record stays in the tree
// so replies keep their parent, but the text is blanked and the message is
// excluded from future conversation history.
func (m Main) HandleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	user, ok := m.requireUser(w, r)
	if !ok {
		return
	}

	chat, ok := m.ownedChat(w, r, user.ID, chi.URLParam(r, "chatID"))
	if !ok {
		return
	}

	msg, err := m.store.Message(r.Context(), chat.ID, chi.URLParam(r, "messageID"))
	if err != nil {
		m.writeError(w, http.StatusNotFound, "Message not found or not accessible")
		return
	}

	msg.Text = "[Message deleted]"
	msg.Deleted = true
	if err := m.store.UpdateMessage(r.Context(), chat.ID, msg); err != nil {
		m.logger.Error("Failed to delete message", slog.String(errLoggerKey, err.Error()))
		m.writeError(w, http.StatusInternalServerError, "Failed to delete message")
		return
	}
	m.writeJSON(w, http.StatusOK, map[string]string{"message": "Message deleted successfully"})
}

// historyUpTo rebuilds the conversation history a token source needs: every
// non-deleted message of the chat in stored order, stopping before the given
// message id. An empty id means the whole chat. The streaming core never
// walks the message tree itself; this query is its only view of it.
func (m Main) historyUpTo(ctx context.Context, chatID, beforeMessageID string) ([]streaming.Turn, error) {
	messages, err := m.store.Messages(ctx, chatID)
	if err != nil {
		return nil, err
	}

	var turns []streaming.Turn
	for _, msg := range messages {
		if msg.ID == beforeMessageID {
			break
		}
		if msg.Deleted {
			continue
		}
		turns = append(turns, streaming.Turn{
			Role: string(msg.Role),
			Text: msg.Text,
		})
	}
	return turns, nil
}
