package streaming

// EventType identifies a stream event pushed to a connected client.
type EventType string

// Event types in the order a client normally observes them. A run opens with
// StreamStart (or StreamContinue when resuming), emits a Token per fragment,
// and closes with exactly one of StreamComplete, StreamError, or
// StreamAborted.
const (
	EventStreamStart    EventType = "stream_start"
	EventStreamContinue EventType = "stream_continue"
	EventToken          EventType = "token"
	EventStreamComplete EventType = "stream_complete"
	EventStreamError    EventType = "stream_error"
	EventStreamAborted  EventType = "stream_aborted"
)

// Event is the wire form of a single stream notification. Token events carry
// both the new fragment and the full accumulated content so a client that
// missed an event can overwrite instead of append.
type Event struct {
	Type      EventType `json:"type"`
	MessageID string    `json:"message_id,omitempty"`
	Status    string    `json:"status,omitempty"`

	Token   string `json:"token,omitempty"`
	Content string `json:"content,omitempty"`

	// ExistingContent is set on stream_continue so the client can render the
	// text accumulated by the interrupted run before new tokens arrive.
	ExistingContent string `json:"existing_content,omitempty"`

	Error string `json:"error,omitempty"`
}
