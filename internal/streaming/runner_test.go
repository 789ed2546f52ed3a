package streaming_test

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/teehee/chat-backend/internal/streaming"
)

// fakeProvider yields its fragments in order, then err if set. It counts how
// many fragments were actually pulled so tests can assert that an abort
// stopped iteration early.
type fakeProvider struct {
	fragments []string
	err       error

	mu     sync.Mutex
	pulled int
}

func (p *fakeProvider) Stream(ctx context.Context, _ string, _ []streaming.Turn) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, f := range p.fragments {
			if ctx.Err() != nil {
				return
			}
			p.mu.Lock()
			p.pulled++
			p.mu.Unlock()
			if !yield(f, nil) {
				return
			}
		}
		if p.err != nil {
			yield("", p.err)
		}
	}
}

func (p *fakeProvider) pulledCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pulled
}

// memStore is an in-memory MessageStore recording the sequence of persisted
// texts, so ordering properties can be checked.
type memStore struct {
	mu        sync.Mutex
	text      string
	isPartial bool
	errorText string
	writes    []string
	updateErr error
}

func newMemStore() *memStore {
	return &memStore{isPartial: true}
}

func (s *memStore) UpdateMessageText(_ context.Context, _, _, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	s.text = text
	s.writes = append(s.writes, text)
	return nil
}

func (s *memStore) FinalizeMessage(_ context.Context, _, _, text, errorText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text = text
	s.isPartial = false
	s.errorText = errorText
	return nil
}

func (s *memStore) snapshot() (string, bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text, s.isPartial, s.errorText
}

// recordSink records pushed events. Optional hooks fire synchronously on
// push, letting tests trigger aborts at precise points of the stream.
type recordSink struct {
	mu      sync.Mutex
	events  []streaming.Event
	onPush  func(streaming.Event)
	pushErr error
}

func (s *recordSink) Push(ev streaming.Event) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	hook := s.onPush
	s.mu.Unlock()
	if hook != nil {
		hook(ev)
	}
	return s.pushErr
}

func (s *recordSink) recorded() []streaming.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]streaming.Event(nil), s.events...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRunner(store streaming.MessageStore) (*streaming.Registry, *streaming.Runner) {
	registry := streaming.NewRegistry(testLogger())
	return registry, streaming.NewRunner(registry, store, testLogger())
}

func eventTypes(events []streaming.Event) []string {
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = string(ev.Type)
	}
	return types
}

func TestRunStreamsToCompletion(t *testing.T) {
	store := newMemStore()
	registry, runner := newRunner(store)
	sink := &recordSink{}
	registry.AttachSink("c1", sink)

	provider := &fakeProvider{fragments: []string{"Hel", "lo"}}
	final, err := runner.Run(context.Background(), streaming.Request{
		ChatID:    "c1",
		MessageID: "m1",
		Provider:  provider,
		Model:     "m",
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if final != "Hello" {
		t.Errorf("Run() final = %q, want %q", final, "Hello")
	}

	text, isPartial, errorText := store.snapshot()
	if text != "Hello" || isPartial || errorText != "" {
		t.Errorf("store = (%q, partial=%v, err=%q), want (Hello, false, empty)", text, isPartial, errorText)
	}

	events := sink.recorded()
	want := []string{"stream_start", "token", "token", "stream_complete"}
	got := eventTypes(events)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	if events[1].Token != "Hel" || events[1].Content != "Hel" {
		t.Errorf("first token event = %+v, want token Hel content Hel", events[1])
	}
	if events[2].Token != "lo" || events[2].Content != "Hello" {
		t.Errorf("second token event = %+v, want token lo content Hello", events[2])
	}
	if events[3].Content != "Hello" {
		t.Errorf("complete event content = %q, want Hello", events[3].Content)
	}

	if registry.Streaming("c1") {
		t.Error("run should be deregistered after completion")
	}
}

func TestRunAbortBeforeFirstFragment(t *testing.T) {
	store := newMemStore()
	registry, runner := newRunner(store)

	// Abort as soon as the run announces itself, before any fragment is
	// pulled from the provider.
	sink := &recordSink{}
	sink.onPush = func(ev streaming.Event) {
		if ev.Type == streaming.EventStreamStart {
			if !registry.RequestAbort("c1") {
				t.Error("RequestAbort should find the active run")
			}
		}
	}
	registry.AttachSink("c1", sink)

	provider := &fakeProvider{fragments: []string{"never"}}
	final, err := runner.Run(context.Background(), streaming.Request{
		ChatID:    "c1",
		MessageID: "m1",
		Provider:  provider,
		Model:     "m",
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if final != "" {
		t.Errorf("Run() final = %q, want empty", final)
	}
	if provider.pulledCount() != 0 {
		t.Errorf("provider pulled %d fragments, want 0", provider.pulledCount())
	}

	text, isPartial, errorText := store.snapshot()
	if text != "" || isPartial || errorText != "" {
		t.Errorf("store = (%q, partial=%v, err=%q), want (empty, false, empty)", text, isPartial, errorText)
	}

	want := []string{"stream_start", "stream_aborted"}
	if got := eventTypes(sink.recorded()); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("event types = %v, want %v", got, want)
	}
}

func TestRunAbortMidStream(t *testing.T) {
	store := newMemStore()
	registry, runner := newRunner(store)

	sink := &recordSink{}
	sink.onPush = func(ev streaming.Event) {
		if ev.Type == streaming.EventToken && ev.Token == "b" {
			registry.RequestAbort("c1")
		}
	}
	registry.AttachSink("c1", sink)

	provider := &fakeProvider{fragments: []string{"a", "b", "c", "d", "e"}}
	final, err := runner.Run(context.Background(), streaming.Request{
		ChatID:    "c1",
		MessageID: "m1",
		Provider:  provider,
		Model:     "m",
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if final != "ab" {
		t.Errorf("Run() final = %q, want %q", final, "ab")
	}
	// The abort lands at the fragment boundary; the remaining fragments are
	// never pulled.
	if provider.pulledCount() != 2 {
		t.Errorf("provider pulled %d fragments, want 2", provider.pulledCount())
	}

	text, isPartial, _ := store.snapshot()
	if text != "ab" || isPartial {
		t.Errorf("store = (%q, partial=%v), want (ab, false)", text, isPartial)
	}

	events := sink.recorded()
	if events[len(events)-1].Type != streaming.EventStreamAborted {
		t.Errorf("last event = %v, want stream_aborted", events[len(events)-1].Type)
	}
}

func TestRunProviderError(t *testing.T) {
	store := newMemStore()
	registry, runner := newRunner(store)
	sink := &recordSink{}
	registry.AttachSink("c1", sink)

	provider := &fakeProvider{fragments: []string{"Hel"}, err: errors.New("connection reset")}
	final, err := runner.Run(context.Background(), streaming.Request{
		ChatID:    "c1",
		MessageID: "m1",
		Provider:  provider,
		Model:     "m",
	})
	if err == nil {
		t.Fatal("Run() should return the provider error")
	}
	if final != "Hel" {
		t.Errorf("Run() final = %q, want %q", final, "Hel")
	}

	text, isPartial, errorText := store.snapshot()
	if text != "Hel" || isPartial || errorText != "connection reset" {
		t.Errorf("store = (%q, partial=%v, err=%q), want (Hel, false, connection reset)", text, isPartial, errorText)
	}

	events := sink.recorded()
	last := events[len(events)-1]
	if last.Type != streaming.EventStreamError || last.Error != "connection reset" || last.Content != "Hel" {
		t.Errorf("last event = %+v, want stream_error with partial text preserved", last)
	}

	if registry.Streaming("c1") {
		t.Error("run should be deregistered after a provider error")
	}
}

func TestRunResumeExtendsExistingText(t *testing.T) {
	store := newMemStore()
	store.text = "Hel"
	registry, runner := newRunner(store)
	sink := &recordSink{}
	registry.AttachSink("c1", sink)

	provider := &fakeProvider{fragments: []string{"lo"}}
	final, err := runner.Run(context.Background(), streaming.Request{
		ChatID:    "c1",
		MessageID: "m1",
		Provider:  provider,
		Model:     "m",
		Initial:   "Hel",
		Resume:    true,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if final != "Hello" {
		t.Errorf("Run() final = %q, want %q", final, "Hello")
	}

	text, isPartial, _ := store.snapshot()
	if text != "Hello" || isPartial {
		t.Errorf("store = (%q, partial=%v), want (Hello, false)", text, isPartial)
	}

	events := sink.recorded()
	if events[0].Type != streaming.EventStreamContinue || events[0].ExistingContent != "Hel" {
		t.Errorf("opening event = %+v, want stream_continue with existing content Hel", events[0])
	}
	if events[1].Token != "lo" || events[1].Content != "Hello" {
		t.Errorf("token event = %+v, want token lo content Hello", events[1])
	}
}

func TestRunPersistsBeforeEmitting(t *testing.T) {
	store := newMemStore()
	registry, runner := newRunner(store)

	// On every token push, the store must already hold the fragment.
	sink := &recordSink{}
	sink.onPush = func(ev streaming.Event) {
		if ev.Type != streaming.EventToken {
			return
		}
		text, _, _ := store.snapshot()
		if !strings.Contains(text, ev.Token) || text != ev.Content {
			t.Errorf("sink saw token %q before store write; store=%q content=%q", ev.Token, text, ev.Content)
		}
	}
	registry.AttachSink("c1", sink)

	provider := &fakeProvider{fragments: []string{"a", "b", "c"}}
	if _, err := runner.Run(context.Background(), streaming.Request{
		ChatID:    "c1",
		MessageID: "m1",
		Provider:  provider,
		Model:     "m",
	}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestRunAccumulatedTextNeverShrinks(t *testing.T) {
	store := newMemStore()
	_, runner := newRunner(store)

	provider := &fakeProvider{fragments: []string{"a", "bc", "", "def"}}
	if _, err := runner.Run(context.Background(), streaming.Request{
		ChatID:    "c1",
		MessageID: "m1",
		Provider:  provider,
		Model:     "m",
	}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	prev := 0
	for _, text := range store.writes {
		if len(text) < prev {
			t.Fatalf("persisted text shrank: %d -> %d", prev, len(text))
		}
		prev = len(text)
	}
}

func TestRunRejectsSecondConcurrentRun(t *testing.T) {
	store := newMemStore()
	registry, runner := newRunner(store)

	run, err := registry.TryStart("c1", "m0")
	if err != nil {
		t.Fatal(err)
	}

	provider := &fakeProvider{fragments: []string{"x"}}
	if _, err := runner.Run(context.Background(), streaming.Request{
		ChatID:    "c1",
		MessageID: "m1",
		Provider:  provider,
		Model:     "m",
	}); !errors.Is(err, streaming.ErrAlreadyStreaming) {
		t.Fatalf("Run() error = %v, want ErrAlreadyStreaming", err)
	}
	if provider.pulledCount() != 0 {
		t.Error("rejected run must not touch the provider")
	}

	run.Finish()

	if _, err := runner.Run(context.Background(), streaming.Request{
		ChatID:    "c1",
		MessageID: "m1",
		Provider:  provider,
		Model:     "m",
	}); err != nil {
		t.Fatalf("Run() after Finish error = %v", err)
	}
}

func TestRunContinuesWithoutSink(t *testing.T) {
	store := newMemStore()
	_, runner := newRunner(store)

	provider := &fakeProvider{fragments: []string{"Hel", "lo"}}
	final, err := runner.Run(context.Background(), streaming.Request{
		ChatID:    "c1",
		MessageID: "m1",
		Provider:  provider,
		Model:     "m",
	})
	if err != nil {
		t.Fatalf("Run() without sink error = %v", err)
	}
	if final != "Hello" {
		t.Errorf("Run() final = %q, want Hello", final)
	}
}

func TestRunSurvivesSinkFailure(t *testing.T) {
	store := newMemStore()
	registry, runner := newRunner(store)
	sink := &recordSink{pushErr: errors.New("client gone")}
	registry.AttachSink("c1", sink)

	provider := &fakeProvider{fragments: []string{"Hel", "lo"}}
	final, err := runner.Run(context.Background(), streaming.Request{
		ChatID:    "c1",
		MessageID: "m1",
		Provider:  provider,
		Model:     "m",
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if final != "Hello" {
		t.Errorf("Run() final = %q, want Hello", final)
	}

	text, isPartial, _ := store.snapshot()
	if text != "Hello" || isPartial {
		t.Errorf("store = (%q, partial=%v), want (Hello, false)", text, isPartial)
	}
	if registry.Streaming("c1") {
		t.Error("run should be deregistered even when every push failed")
	}
}

func TestRunPersistenceFailureIsTerminal(t *testing.T) {
	store := newMemStore()
	store.updateErr = errors.New("disk full")
	registry, runner := newRunner(store)
	sink := &recordSink{}
	registry.AttachSink("c1", sink)

	provider := &fakeProvider{fragments: []string{"Hel", "lo"}}
	_, err := runner.Run(context.Background(), streaming.Request{
		ChatID:    "c1",
		MessageID: "m1",
		Provider:  provider,
		Model:     "m",
	})
	if err == nil {
		t.Fatal("Run() should surface the persistence error")
	}

	events := sink.recorded()
	last := events[len(events)-1]
	if last.Type != streaming.EventStreamError {
		t.Errorf("last event = %v, want stream_error", last.Type)
	}
	if registry.Streaming("c1") {
		t.Error("run should be deregistered after a persistence failure")
	}
}
