package streaming

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Registry tracks the active run and the attached sink for every chat. It is
// created once at process start and injected wherever stream coordination is
// needed; all methods are safe for concurrent use and none of them block
// beyond a map operation under the mutex.
type Registry struct {
	logger *slog.Logger

	mu    sync.Mutex
	runs  map[string]*Run
	sinks map[string]Sink
}

// NewRegistry creates an empty Registry logging through the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger.With(slog.String("module", "streaming")),
		runs:   make(map[string]*Run),
		sinks:  make(map[string]Sink),
	}
}

// Run is the handle for one active generation. It is handed out by TryStart
// and owned by the runner driving the generation; the only outside influence
// on it is the abort flag set through Registry.RequestAbort.
type Run struct {
	chatID    string
	messageID string

	reg    *Registry
	abort  atomic.Bool
	finish sync.Once
}

// MessageID returns the id of the message record this run writes to.
func (r *Run) MessageID() string { return r.messageID }

// AbortRequested reports whether an abort has been requested for this run.
// The runner checks it at fragment granularity; an in-flight provider call
// is never pre-empted mid-fragment.
func (r *Run) AbortRequested() bool { return r.abort.Load() }

// Finish releases the chat's run slot so a new generation may start. It is
// idempotent and is called by the runner on every terminal path, including
// the ones where emitting the final event failed.
func (r *Run) Finish() {
	r.finish.Do(func() {
		r.reg.mu.Lock()
		if r.reg.runs[r.chatID] == r {
			delete(r.reg.runs, r.chatID)
		}
		r.reg.mu.Unlock()
	})
}

// TryStart atomically reserves the run slot for a chat. It returns
// ErrAlreadyStreaming if a run is still active, guaranteeing that no two
// runs ever write the same chat's messages concurrently.
func (r *Registry) TryStart(chatID, messageID string) (*Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, active := r.runs[chatID]; active {
		return nil, ErrAlreadyStreaming
	}
	run := &Run{chatID: chatID, messageID: messageID, reg: r}
	r.runs[chatID] = run
	return run, nil
}

// Streaming reports whether a run is currently active for the chat.
func (r *Registry) Streaming(chatID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, active := r.runs[chatID]
	return active
}

// RequestAbort flags the active run for the chat to stop at its next
// fragment boundary. It returns whether a run was found; with no active run
// there is nothing to abort. Idempotent.
func (r *Registry) RequestAbort(chatID string) bool {
	r.mu.Lock()
	run, active := r.runs[chatID]
	r.mu.Unlock()

	if !active {
		return false
	}
	run.abort.Store(true)
	return true
}

// AttachSink associates a connected client with a chat. A later attach for
// the same chat replaces the earlier one; at most one sink observes a chat's
// stream at a time. Attaching has no effect on an in-progress run, which
// keeps persisting whether or not anyone is watching.
func (r *Registry) AttachSink(chatID string, sink Sink) {
	r.mu.Lock()
	r.sinks[chatID] = sink
	r.mu.Unlock()
}

// DetachSink removes the sink associated with a chat, if it is the given
// one. Passing nil removes whatever sink is attached. A run in progress
// continues headless.
func (r *Registry) DetachSink(chatID string, sink Sink) {
	r.mu.Lock()
	if sink == nil || r.sinks[chatID] == sink {
		delete(r.sinks, chatID)
	}
	r.mu.Unlock()
}

// publish pushes an event to the chat's sink if one is attached. Push
// failures are logged and swallowed; run correctness never depends on sink
// liveness. The push happens outside the registry lock so a slow client
// cannot stall control operations.
func (r *Registry) publish(chatID string, ev Event) {
	r.mu.Lock()
	sink := r.sinks[chatID]
	r.mu.Unlock()

	if sink == nil {
		return
	}
	if err := sink.Push(ev); err != nil {
		r.logger.Warn("Failed to push stream event",
			slog.String("chatID", chatID),
			slog.String("eventType", string(ev.Type)),
			slog.String("err", err.Error()))
	}
}
