package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"inboxpilot/internal/catalog"
	"inboxpilot/internal/executor"
	"inboxpilot/internal/mailbox"
	"inboxpilot/internal/selector"
	"inboxpilot/internal/taskqueue"
)

type scriptedCompleter struct {
	mu      sync.Mutex
	calls   int
	prompts []string
	next    func(call int) (string, error)
}

func (c *scriptedCompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	c.mu.Lock()
	c.calls++
	call := c.calls
	c.prompts = append(c.prompts, prompt)
	c.mu.Unlock()
	return c.next(call)
}

func (c *scriptedCompleter) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *scriptedCompleter) allPrompts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.prompts...)
}

type recordingBackend struct {
	mu      sync.Mutex
	runs    []string
	message string
	err     error
}

func (b *recordingBackend) Run(ctx context.Context, name string, args map[string]string) (string, error) {
	b.mu.Lock()
	b.runs = append(b.runs, name)
	b.mu.Unlock()
	return b.message, b.err
}

const goodCompletion = `{
  "category": "Tickets and Bookings",
  "summary": "Trip to Denver from Sep 12 to Sep 16.",
  "functions": [
    {"name": "usps_hold_mail", "arguments": {"start_date": "2026-09-12", "end_date": "2026-09-16"}, "reason": "User is away."}
  ]
}`

type harness struct {
	orch      *Orchestrator
	store     *mailbox.Store
	completer *scriptedCompleter
	backend   *recordingBackend
	cancel    context.CancelFunc
}

func newHarness(t *testing.T, opts Options, next func(call int) (string, error)) *harness {
	t.Helper()
	store, err := mailbox.NewStore(mailbox.StoreOptions{})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	cat, err := catalog.New(catalog.Builtin())
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}
	completer := &scriptedCompleter{next: next}
	sel, err := selector.New(selector.Options{Completer: completer, Catalog: cat})
	if err != nil {
		t.Fatalf("selector.New: %v", err)
	}
	backend := &recordingBackend{message: "done"}
	exec, err := executor.New(executor.Options{Store: store, Catalog: cat, Backend: backend})
	if err != nil {
		t.Fatalf("executor.New: %v", err)
	}

	opts.Store = store
	opts.Selector = sel
	opts.Executor = exec
	if opts.Queue.RetryBaseDelay == 0 {
		opts.Queue.RetryBaseDelay = time.Millisecond
	}
	orch, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	orch.Start(ctx)
	t.Cleanup(func() {
		cancel()
		orch.Close()
	})
	return &harness{orch: orch, store: store, completer: completer, backend: backend, cancel: cancel}
}

func msg(id, subject string, at time.Time) mailbox.ThreadMessage {
	return mailbox.ThreadMessage{ID: id, From: "sender@example.com", Subject: subject, Body: subject, ReceivedAt: at}
}

func TestIngestTriggersSelection(t *testing.T) {
	h := newHarness(t, Options{}, func(int) (string, error) { return goodCompletion, nil })

	if err := h.orch.Ingest("t", msg("m1", "Flight confirmation", time.Now())); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !h.orch.WaitIdle(3 * time.Second) {
		t.Fatalf("queue never drained")
	}

	rec := h.store.Get("t")
	if rec.Category != "Tickets and Bookings" {
		t.Fatalf("expected category set, got %q", rec.Category)
	}
	if rec.Summary == "" || len(rec.SelectedFunctions) != 1 {
		t.Fatalf("selection not applied: %#v", rec)
	}
	if rec.SelectedFunctions[0].Name != "usps_hold_mail" {
		t.Fatalf("unexpected proposal: %#v", rec.SelectedFunctions)
	}
}

func TestIngestDedupesByMessageID(t *testing.T) {
	h := newHarness(t, Options{}, func(int) (string, error) { return goodCompletion, nil })
	at := time.Now()

	h.orch.Ingest("t", msg("m1", "Flight confirmation", at))
	h.orch.WaitIdle(3 * time.Second)
	callsAfterFirst := h.completer.callCount()

	// Same message again: no content change, no new selection pass.
	h.orch.Ingest("t", msg("m1", "Flight confirmation", at))
	h.orch.WaitIdle(3 * time.Second)

	if got := h.completer.callCount(); got != callsAfterFirst {
		t.Fatalf("duplicate message re-ran selection: %d -> %d calls", callsAfterFirst, got)
	}
	if got := len(h.store.Get("t").Messages); got != 1 {
		t.Fatalf("expected 1 message, got %d", got)
	}
}

func TestMessagesKeptInReceiptOrder(t *testing.T) {
	h := newHarness(t, Options{}, func(int) (string, error) { return goodCompletion, nil })
	base := time.Now()

	h.orch.Ingest("t", msg("m2", "second", base.Add(time.Minute)))
	h.orch.Ingest("t", msg("m1", "first", base))
	h.orch.WaitIdle(3 * time.Second)

	msgs := h.store.Get("t").Messages
	if len(msgs) != 2 || msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Fatalf("messages out of order: %#v", msgs)
	}
}

func TestRedundantSelectionSkipped(t *testing.T) {
	h := newHarness(t, Options{}, func(int) (string, error) { return goodCompletion, nil })

	h.orch.Ingest("t", msg("m1", "Flight confirmation", time.Now()))
	h.orch.WaitIdle(3 * time.Second)
	calls := h.completer.callCount()

	// Explicit re-request with unchanged content stays cheap.
	h.orch.RequestSelection("t")
	h.orch.WaitIdle(3 * time.Second)
	if got := h.completer.callCount(); got != calls {
		t.Fatalf("unchanged thread re-ran inference: %d -> %d", calls, got)
	}
}

func TestMessageArrivingDuringSelectionIsAnalyzed(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, Options{}, func(call int) (string, error) {
		if call == 1 {
			close(started)
			<-release
		}
		return goodCompletion, nil
	})

	h.orch.Ingest("t", msg("m1", "Flight confirmation", time.Now()))
	<-started

	// Lands while the first pass is suspended on the inference backend.
	h.orch.Ingest("t", msg("m2", "Updated itinerary", time.Now().Add(time.Minute)))
	close(release)

	if !h.orch.WaitIdle(5 * time.Second) {
		t.Fatalf("queue never drained")
	}

	sawSecond := false
	for _, p := range h.completer.allPrompts() {
		if strings.Contains(p, "Updated itinerary") {
			sawSecond = true
		}
	}
	if !sawSecond {
		t.Fatalf("no selection pass analyzed the message that arrived mid-flight")
	}
	if got := len(h.store.Get("t").Messages); got != 2 {
		t.Fatalf("expected 2 messages, got %d", got)
	}
}

func TestSelectionFailureKeepsPriorStateAndNotifies(t *testing.T) {
	var notified struct {
		sync.Mutex
		threadID string
		message  string
	}
	h := newHarness(t, Options{
		Queue: taskqueue.Options{SelectRetries: 1},
		NotifyError: func(threadID, message string) {
			notified.Lock()
			defer notified.Unlock()
			notified.threadID = threadID
			notified.message = message
		},
	}, func(call int) (string, error) {
		if call == 1 {
			return goodCompletion, nil
		}
		return "", errors.New("model unavailable")
	})

	h.orch.Ingest("t", msg("m1", "Flight confirmation", time.Now()))
	h.orch.WaitIdle(3 * time.Second)
	before := h.store.Get("t")

	h.orch.Ingest("t", msg("m2", "Updated itinerary", time.Now().Add(time.Minute)))
	h.orch.WaitIdle(5 * time.Second)

	after := h.store.Get("t")
	if after.Category != before.Category || after.Summary != before.Summary {
		t.Fatalf("failed selection revised analysis: %#v", after)
	}
	if len(after.SelectedFunctions) != len(before.SelectedFunctions) {
		t.Fatalf("failed selection revised proposals: %#v", after.SelectedFunctions)
	}

	notified.Lock()
	defer notified.Unlock()
	if notified.threadID != "t" || notified.message == "" {
		t.Fatalf("expected failure notification for thread t, got %#v", &notified)
	}
}

func TestExecuteFunctionUsesStoredProposalArgs(t *testing.T) {
	h := newHarness(t, Options{}, func(int) (string, error) { return goodCompletion, nil })

	h.orch.Ingest("t", msg("m1", "Flight confirmation", time.Now()))
	h.orch.WaitIdle(3 * time.Second)

	if err := h.orch.ExecuteFunction("t", "usps_hold_mail", nil); err != nil {
		t.Fatalf("ExecuteFunction: %v", err)
	}
	h.orch.WaitIdle(3 * time.Second)

	rec := h.store.Get("t")
	if len(rec.ExecutedFunctions) != 1 {
		t.Fatalf("expected 1 execution, got %#v", rec.ExecutedFunctions)
	}
	exec := rec.ExecutedFunctions[0]
	if exec.Status != mailbox.StatusSuccess || exec.Arguments["start_date"] != "2026-09-12" {
		t.Fatalf("unexpected execution: %#v", exec)
	}
}

func TestExecuteFunctionValidationIsSynchronous(t *testing.T) {
	h := newHarness(t, Options{}, func(int) (string, error) { return goodCompletion, nil })

	err := h.orch.ExecuteFunction("t", "usps_hold_mail", map[string]string{"start_date": "not-a-date", "end_date": "2026-09-16"})
	var verr *catalog.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	h.orch.WaitIdle(time.Second)
	h.backend.mu.Lock()
	defer h.backend.mu.Unlock()
	if len(h.backend.runs) != 0 {
		t.Fatalf("rejected command reached the backend: %v", h.backend.runs)
	}
}

func TestSelectionSupersedesPreviousProposals(t *testing.T) {
	h := newHarness(t, Options{}, func(call int) (string, error) {
		if call == 1 {
			return goodCompletion, nil
		}
		return `{"category": "Correspondence", "summary": "Plans changed, trip cancelled.", "functions": []}`, nil
	})

	h.orch.Ingest("t", msg("m1", "Flight confirmation", time.Now()))
	h.orch.WaitIdle(3 * time.Second)

	h.orch.Ingest("t", msg("m2", "Trip cancelled", time.Now().Add(time.Minute)))
	h.orch.WaitIdle(3 * time.Second)

	rec := h.store.Get("t")
	if rec.Category != "Correspondence" || len(rec.SelectedFunctions) != 0 {
		t.Fatalf("second pass did not supersede first: %#v", rec)
	}
}
