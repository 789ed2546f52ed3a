package streaming_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/teehee/chat-backend/internal/streaming"
)

func TestTryStartSecondRunRejected(t *testing.T) {
	registry := streaming.NewRegistry(testLogger())

	run, err := registry.TryStart("c1", "m1")
	if err != nil {
		t.Fatalf("TryStart() error = %v", err)
	}
	if run.MessageID() != "m1" {
		t.Errorf("MessageID() = %q, want m1", run.MessageID())
	}

	if _, err := registry.TryStart("c1", "m2"); !errors.Is(err, streaming.ErrAlreadyStreaming) {
		t.Fatalf("second TryStart() error = %v, want ErrAlreadyStreaming", err)
	}

	// A different chat is unaffected.
	other, err := registry.TryStart("c2", "m3")
	if err != nil {
		t.Fatalf("TryStart() other chat error = %v", err)
	}
	other.Finish()

	run.Finish()
	if _, err := registry.TryStart("c1", "m4"); err != nil {
		t.Fatalf("TryStart() after Finish error = %v", err)
	}
}

func TestTryStartConcurrent(t *testing.T) {
	registry := streaming.NewRegistry(testLogger())

	const attempts = 64
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := registry.TryStart("c1", "m")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	won := 0
	for err := range results {
		if err == nil {
			won++
		} else if !errors.Is(err, streaming.ErrAlreadyStreaming) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if won != 1 {
		t.Fatalf("%d TryStart calls succeeded, want exactly 1", won)
	}
}

func TestFinishIsIdempotent(t *testing.T) {
	registry := streaming.NewRegistry(testLogger())

	run, err := registry.TryStart("c1", "m1")
	if err != nil {
		t.Fatal(err)
	}
	run.Finish()
	run.Finish()

	// A stale handle must not free a newer run's slot.
	next, err := registry.TryStart("c1", "m2")
	if err != nil {
		t.Fatal(err)
	}
	run.Finish()
	if !registry.Streaming("c1") {
		t.Error("stale Finish released the new run's slot")
	}
	next.Finish()
	if registry.Streaming("c1") {
		t.Error("slot still held after Finish")
	}
}

func TestRequestAbort(t *testing.T) {
	registry := streaming.NewRegistry(testLogger())

	if registry.RequestAbort("c1") {
		t.Error("RequestAbort() with no active run should report false")
	}

	run, err := registry.TryStart("c1", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if run.AbortRequested() {
		t.Error("fresh run should not be flagged")
	}
	if !registry.RequestAbort("c1") {
		t.Error("RequestAbort() with an active run should report true")
	}
	if !run.AbortRequested() {
		t.Error("abort flag not visible on the run")
	}
	// Repeat requests are harmless.
	if !registry.RequestAbort("c1") {
		t.Error("repeated RequestAbort() should still report true")
	}
	run.Finish()
}

func TestAttachSinkLastWins(t *testing.T) {
	store := newMemStore()
	registry, runner := newRunner(store)

	first := &recordSink{}
	second := &recordSink{}
	registry.AttachSink("c1", first)
	registry.AttachSink("c1", second)

	provider := &fakeProvider{fragments: []string{"hi"}}
	if _, err := runner.Run(context.Background(), streaming.Request{
		ChatID:    "c1",
		MessageID: "m1",
		Provider:  provider,
		Model:     "m",
	}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(first.recorded()) != 0 {
		t.Errorf("replaced sink received %d events, want 0", len(first.recorded()))
	}
	if len(second.recorded()) == 0 {
		t.Error("attached sink received no events")
	}
}

func TestDetachSinkOnlyRemovesOwn(t *testing.T) {
	store := newMemStore()
	registry, runner := newRunner(store)

	first := &recordSink{}
	second := &recordSink{}
	registry.AttachSink("c1", first)
	registry.AttachSink("c1", second)

	// A stale detach from the replaced connection must not tear down the
	// current one.
	registry.DetachSink("c1", first)

	provider := &fakeProvider{fragments: []string{"hi"}}
	if _, err := runner.Run(context.Background(), streaming.Request{
		ChatID:    "c1",
		MessageID: "m1",
		Provider:  provider,
		Model:     "m",
	}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(second.recorded()) == 0 {
		t.Error("current sink was detached by a stale handle")
	}

	registry.DetachSink("c1", second)
	provider2 := &fakeProvider{fragments: []string{"again"}}
	if _, err := runner.Run(context.Background(), streaming.Request{
		ChatID:    "c1",
		MessageID: "m2",
		Provider:  provider2,
		Model:     "m",
	}); err != nil {
		t.Fatalf("Run() after detach error = %v", err)
	}
	if got := len(second.recorded()); got != 3 {
		t.Errorf("detached sink received %d events, want only the 3 from before detach", got)
	}
}
