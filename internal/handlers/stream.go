package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/teehee/chat-backend/internal/models"
	"github.com/teehee/chat-backend/internal/services"
	"github.com/teehee/chat-backend/internal/streaming"
)

// Close codes for the streaming socket, matching the API contract clients
// already implement.
const (
	closeInvalidToken = 4001
	closeChatNotFound = 4004
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Auth happens via token, not origin; browsers from any host may connect.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsSink adapts a WebSocket connection to the streaming.Sink interface.
// gorilla/websocket allows only one concurrent writer, so pushes are
// serialized with a mutex: the read loop and the stream runner both write
// through here.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSink) Push(ev streaming.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(ev)
}

// pushError sends a request-level error to the client, outside the stream
// event protocol.
func (s *wsSink) pushError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteJSON(map[string]string{"type": "error", "message": msg})
}

// wsRequest is a client→server control message on the streaming socket.
type wsRequest struct {
	Type     string `json:"type"`
	Content  string `json:"content"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	ParentID string `json:"parent_message_id"`
}

// HandleStreamSocket serves the per-chat streaming WebSocket. The client
// authenticates with a token query parameter, then sends stream_message and
// abort_stream control messages; the server pushes stream events. The socket
// going away never interrupts a generation in progress: the run continues
// headless and its tokens stay retrievable through the message record.
func (m Main) HandleStreamSocket(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Error("Failed to upgrade connection", slog.String(errLoggerKey, err.Error()))
		return
	}
	defer conn.Close()

	closeWith := func(code int, reason string) {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}

	user, err := m.userForToken(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		closeWith(closeInvalidToken, "Invalid token")
		return
	}

	chat, err := m.store.Chat(r.Context(), chatID)
	if err != nil || chat.UserID != user.ID {
		closeWith(closeChatNotFound, "Chat session not found")
		return
	}

	sink := &wsSink{conn: conn}
	m.registry.AttachSink(chatID, sink)
	defer m.registry.DetachSink(chatID, sink)

	m.logger.Info("Stream socket connected",
		slog.String("chatID", chatID),
		slog.String("userID", user.ID))

	for {
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.logger.Warn("Stream socket closed unexpectedly",
					slog.String("chatID", chatID),
					slog.String(errLoggerKey, err.Error()))
			}
			return
		}

		switch req.Type {
		case "stream_message":
			// The generation runs in its own goroutine so the read loop
			// stays responsive to abort_stream while tokens flow.
			go m.streamMessage(user, chatID, req, sink)
		case "abort_stream":
			m.registry.RequestAbort(chatID)
		default:
			sink.pushError("Unknown message type: " + req.Type)
		}
	}
}

// streamMessage handles one stream_message request: persist the user's
// message, create the partial assistant record, and drive the generation to
// completion. It runs detached from the socket's request context because the
// run must survive a client disconnect.
func (m Main) streamMessage(user models.User, chatID string, req wsRequest, sink *wsSink) {
	ctx := context.Background()

	if req.Content == "" || req.Provider == "" || req.Model == "" {
		sink.pushError("Content, provider, and model are required")
		return
	}

	// Advisory early reject; the authoritative check is the registry slot
	// reservation inside the runner.
	if m.registry.Streaming(chatID) {
		sink.pushError("A stream is already active for this chat")
		return
	}

	apiKey, err := m.providerKey(ctx, user.ID, req.Provider)
	if err != nil {
		sink.pushError("No API key found for " + req.Provider)
		return
	}

	source, err := m.openers.Open(req.Provider, apiKey)
	if err != nil {
		sink.pushError(err.Error())
		return
	}

	userMsg := models.Message{
		ID:        uuid.New().String(),
		ParentID:  req.ParentID,
		Role:      models.RoleUser,
		Text:      req.Content,
		Timestamp: time.Now(),
	}
	userMsgID, err := m.store.AddMessage(ctx, chatID, userMsg)
	if err != nil {
		m.logger.Error("Failed to add user message", slog.String(errLoggerKey, err.Error()))
		sink.pushError("Failed to save message")
		return
	}

	// History is built before the assistant placeholder exists, so it
	// contains everything up to and including the user's new message.
	history, err := m.historyUpTo(ctx, chatID, "")
	if err != nil {
		m.logger.Error("Failed to build history", slog.String(errLoggerKey, err.Error()))
		sink.pushError("Failed to build conversation history")
		return
	}

	assistantMsg := models.Message{
		ID:        uuid.New().String(),
		ParentID:  userMsgID,
		Role:      models.RoleAssistant,
		IsPartial: true,
		Model:     req.Model,
		Provider:  req.Provider,
		Timestamp: time.Now(),
	}
	assistantMsgID, err := m.store.AddMessage(ctx, chatID, assistantMsg)
	if err != nil {
		m.logger.Error("Failed to add assistant message", slog.String(errLoggerKey, err.Error()))
		sink.pushError("Failed to save message")
		return
	}

	_, err = m.runner.Run(ctx, streaming.Request{
		ChatID:    chatID,
		MessageID: assistantMsgID,
		Provider:  source,
		Model:     req.Model,
		History:   history,
	})
	switch {
	case errors.Is(err, streaming.ErrAlreadyStreaming):
		sink.pushError("A stream is already active for this chat")
	case err != nil:
		// Terminal failures are already persisted and pushed as
		// stream_error by the runner; nothing further to send.
		m.logger.Error("Stream run failed",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
	}
}

// providerKey fetches and decrypts the user's API key for a provider.
// Providers that need no key (local Ollama) skip the lookup.
func (m Main) providerKey(ctx context.Context, userID, provider string) (string, error) {
	if !services.ProviderRequiresKey(provider) {
		return "", nil
	}
	key, err := m.store.ProviderKey(ctx, userID, provider)
	if err != nil {
		return "", err
	}
	return m.cipher.Decrypt(key.EncryptedKey)
}

type continueRequest struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// HandleAbortStream flags the active run for the chat owning the given
// message to stop at its next fragment boundary. Aborting a chat with no
// active run is not an error; the response says nothing was found.
func (m Main) HandleAbortStream(w http.ResponseWriter, r *http.Request) {
	user, ok := m.requireUser(w, r)
	if !ok {
		return
	}

	chatID, _, err := m.findOwnedMessage(r, user.ID)
	if err != nil {
		m.writeError(w, http.StatusNotFound, "Message not found")
		return
	}

	if m.registry.RequestAbort(chatID) {
		m.writeJSON(w, http.StatusOK, map[string]string{"message": "Stream aborted successfully"})
		return
	}
	m.writeJSON(w, http.StatusOK, map[string]string{"message": "No active stream to abort"})
}

// HandleContinueStream resumes a partial assistant message: the stored text
// is kept as the run's starting point and the same record is extended rather
// than recreated. The request blocks until the resumed run reaches a
// terminal state and returns the final text.
func (m Main) HandleContinueStream(w http.ResponseWriter, r *http.Request) {
	user, ok := m.requireUser(w, r)
	if !ok {
		return
	}

	chatID, msg, err := m.findOwnedMessage(r, user.ID)
	if err != nil || !msg.IsPartial {
		m.writeError(w, http.StatusNotFound, "Partial message not found")
		return
	}

	var req continueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Provider == "" || req.Model == "" {
		m.writeError(w, http.StatusBadRequest, "Provider and model are required")
		return
	}

	apiKey, err := m.providerKey(r.Context(), user.ID, req.Provider)
	if err != nil {
		m.writeError(w, http.StatusNotFound, "No API key found for "+req.Provider)
		return
	}

	source, err := m.openers.Open(req.Provider, apiKey)
	if err != nil {
		m.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	history, err := m.historyUpTo(r.Context(), chatID, msg.ID)
	if err != nil {
		m.logger.Error("Failed to build history", slog.String(errLoggerKey, err.Error()))
		m.writeError(w, http.StatusInternalServerError, "Failed to build conversation history")
		return
	}

	// Detached from the request context: once resumed, the run should not
	// die with the HTTP connection.
	final, err := m.runner.Run(context.Background(), streaming.Request{
		ChatID:    chatID,
		MessageID: msg.ID,
		Provider:  source,
		Model:     req.Model,
		History:   history,
		Initial:   msg.Text,
		Resume:    true,
	})
	switch {
	case errors.Is(err, streaming.ErrAlreadyStreaming):
		m.writeError(w, http.StatusConflict, "A stream is already active for this chat")
		return
	case err != nil:
		m.writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	m.writeJSON(w, http.StatusOK, map[string]string{
		"message": "Stream continued",
		"content": final,
	})
}

// findOwnedMessage resolves the messageID URL parameter to its chat and
// record, verifying the chat belongs to the user.
func (m Main) findOwnedMessage(r *http.Request, userID string) (string, models.Message, error) {
	messageID := chi.URLParam(r, "messageID")
	chatID, msg, err := m.store.FindMessage(r.Context(), messageID)
	if err != nil {
		return "", models.Message{}, err
	}
	chat, err := m.store.Chat(r.Context(), chatID)
	if err != nil {
		return "", models.Message{}, err
	}
	if chat.UserID != userID {
		return "", models.Message{}, services.ErrNotFound
	}
	return chatID, msg, nil
}
