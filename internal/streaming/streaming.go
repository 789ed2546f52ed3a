// Package streaming coordinates in-flight LLM generations. It owns the
// process-wide registry of active runs (at most one per chat), the state
// machine that drives a single generation from its token source into the
// message store and out to a connected client, and the abort/resume
// semantics that let an interrupted generation pick up where it left off.
//
// Everything else in the application (persistence, provider HTTP clients,
// the WebSocket transport) is reached through the small interfaces declared
// here, so the coordinator itself carries no knowledge of bolt, vendors, or
// sockets.
package streaming

import (
	"context"
	"errors"
	"iter"
)

// ErrAlreadyStreaming is returned by Registry.TryStart when a run is already
// active for the chat. The caller must wait for the active run to finish
// before starting another one.
var ErrAlreadyStreaming = errors.New("a stream is already active for this chat")

// Turn is a single role/text entry of the conversation history handed to a
// provider.
type Turn struct {
	Role string
	Text string
}

// Provider opens a lazy, finite stream of text fragments for a conversation.
// The returned sequence yields fragments until the provider finishes, and at
// most one terminal error after which no further fragments are produced.
// Abandoning the iteration (together with cancelling ctx) releases the
// underlying connection; no provider-side abort handshake is required.
type Provider interface {
	Stream(ctx context.Context, model string, turns []Turn) iter.Seq2[string, error]
}

// MessageStore is the slice of persistence the stream runner writes through.
// UpdateMessageText overwrites the full accumulated text of an in-progress
// message; FinalizeMessage clears the partial flag and records the final
// text, plus an error description for failed runs. Both take effect
// atomically per call.
type MessageStore interface {
	UpdateMessageText(ctx context.Context, chatID, messageID, text string) error
	FinalizeMessage(ctx context.Context, chatID, messageID, text, errorText string) error
}

// Sink receives stream events for a client attached to a chat. Push errors
// mean the client is gone; the runner logs them and keeps generating, so a
// disconnect never interrupts an in-flight run.
type Sink interface {
	Push(ev Event) error
}
