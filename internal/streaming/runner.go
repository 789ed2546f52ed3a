package streaming

import (
	"context"
	"log/slog"
)

// Runner drives generations to a terminal state. A single Runner is shared
// by all chats; each call to Run handles exactly one generation and may be
// invoked from any goroutine.
type Runner struct {
	registry *Registry
	store    MessageStore
	logger   *slog.Logger
}

// NewRunner creates a Runner writing through the given store and
// coordinating through the given registry.
func NewRunner(registry *Registry, store MessageStore, logger *slog.Logger) *Runner {
	return &Runner{
		registry: registry,
		store:    store,
		logger:   logger.With(slog.String("module", "streaming")),
	}
}

// Request describes one generation. MessageID names the assistant message
// record being written; it must already exist with its partial flag set.
// For a resumed run, Initial carries the text accumulated before the
// interruption and Resume selects the stream_continue opening event.
type Request struct {
	ChatID    string
	MessageID string

	Provider Provider
	Model    string
	History  []Turn

	Initial string
	Resume  bool
}

// Run executes the streaming state machine for one generation: reserve the
// chat's run slot, pull fragments from the provider, persist the accumulated
// text after every fragment, then push the fragment to the attached sink (in
// that order, so a client never sees a token that is not durably saved), and
// finalize the message on whichever terminal path is reached. It returns the
// full text produced, including the resumed prefix.
//
// Run blocks until the generation reaches a terminal state. Abort requests
// arrive asynchronously through the registry and are honored at the next
// fragment boundary; the fragment already requested from the provider still
// lands before the run stops.
func (r *Runner) Run(ctx context.Context, req Request) (string, error) {
	run, err := r.registry.TryStart(req.ChatID, req.MessageID)
	if err != nil {
		return "", err
	}
	// The slot must be freed on every exit path, even when pushing the final
	// event or finalizing the record fails.
	defer run.Finish()

	logger := r.logger.With(
		slog.String("chatID", req.ChatID),
		slog.String("messageID", req.MessageID))

	opening := Event{Type: EventStreamStart, MessageID: req.MessageID, Status: "streaming"}
	if req.Resume {
		opening = Event{
			Type:            EventStreamContinue,
			MessageID:       req.MessageID,
			Status:          "streaming",
			ExistingContent: req.Initial,
		}
	}
	r.registry.publish(req.ChatID, opening)

	// Cancelling releases the provider connection once iteration stops.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	text := req.Initial

	if run.AbortRequested() {
		return text, r.abortRun(ctx, req, logger, text)
	}

	for fragment, err := range req.Provider.Stream(ctx, req.Model, req.History) {
		if err != nil {
			logger.Error("Provider stream failed", slog.String("err", err.Error()))
			if ferr := r.store.FinalizeMessage(ctx, req.ChatID, req.MessageID, text, err.Error()); ferr != nil {
				logger.Error("Failed to finalize errored message", slog.String("err", ferr.Error()))
			}
			r.registry.publish(req.ChatID, Event{
				Type:      EventStreamError,
				MessageID: req.MessageID,
				Status:    "error",
				Error:     err.Error(),
				Content:   text,
			})
			return text, err
		}

		text += fragment
		if serr := r.store.UpdateMessageText(ctx, req.ChatID, req.MessageID, text); serr != nil {
			logger.Error("Failed to persist fragment", slog.String("err", serr.Error()))
			if ferr := r.store.FinalizeMessage(ctx, req.ChatID, req.MessageID, text, serr.Error()); ferr != nil {
				logger.Error("Failed to finalize errored message", slog.String("err", ferr.Error()))
			}
			r.registry.publish(req.ChatID, Event{
				Type:      EventStreamError,
				MessageID: req.MessageID,
				Status:    "error",
				Error:     serr.Error(),
				Content:   text,
			})
			return text, serr
		}

		r.registry.publish(req.ChatID, Event{
			Type:      EventToken,
			MessageID: req.MessageID,
			Token:     fragment,
			Content:   text,
		})

		if run.AbortRequested() {
			break
		}
	}

	if run.AbortRequested() {
		// Stop pulling without waiting for the provider to finish naturally.
		cancel()
		return text, r.abortRun(ctx, req, logger, text)
	}

	if err := r.store.FinalizeMessage(ctx, req.ChatID, req.MessageID, text, ""); err != nil {
		logger.Error("Failed to finalize message", slog.String("err", err.Error()))
		r.registry.publish(req.ChatID, Event{
			Type:      EventStreamError,
			MessageID: req.MessageID,
			Status:    "error",
			Error:     err.Error(),
			Content:   text,
		})
		return text, err
	}
	r.registry.publish(req.ChatID, Event{
		Type:      EventStreamComplete,
		MessageID: req.MessageID,
		Status:    "complete",
		Content:   text,
	})
	logger.Info("Stream complete", slog.Int("length", len(text)))
	return text, nil
}

// abortRun finalizes an aborted generation with whatever text accumulated so
// far. The message leaves its partial state; an abort is a deliberate stop,
// not an interruption to resume later.
func (r *Runner) abortRun(ctx context.Context, req Request, logger *slog.Logger, text string) error {
	// The stream context may already be cancelled; finalizing must still
	// reach the store.
	ctx = context.WithoutCancel(ctx)
	if err := r.store.FinalizeMessage(ctx, req.ChatID, req.MessageID, text, ""); err != nil {
		logger.Error("Failed to finalize aborted message", slog.String("err", err.Error()))
		return err
	}
	r.registry.publish(req.ChatID, Event{
		Type:      EventStreamAborted,
		MessageID: req.MessageID,
		Status:    "aborted",
		Content:   text,
	})
	logger.Info("Stream aborted", slog.Int("length", len(text)))
	return nil
}
