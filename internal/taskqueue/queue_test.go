package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"inboxpilot/internal/selector"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestSameThreadTasksRunInOrderWithoutOverlap(t *testing.T) {
	var mu sync.Mutex
	var order []string
	inFlight := 0
	maxInFlight := 0

	q, err := New(Options{
		Workers: 4,
		Handler: func(ctx context.Context, task Task) error {
			mu.Lock()
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)

			mu.Lock()
			order = append(order, task.Payload.FunctionName)
			inFlight--
			mu.Unlock()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	for i := 0; i < 5; i++ {
		if err := q.Submit(Task{
			ThreadID: "t1",
			Kind:     KindExecute,
			Payload:  ExecutePayload{FunctionName: fmt.Sprintf("fn-%d", i)},
		}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 5
	})

	mu.Lock()
	defer mu.Unlock()
	for i, name := range order {
		if want := fmt.Sprintf("fn-%d", i); name != want {
			t.Fatalf("tasks ran out of order: %v", order)
		}
	}
	if maxInFlight != 1 {
		t.Fatalf("same-thread tasks overlapped: max in flight %d", maxInFlight)
	}
}

func TestDistinctThreadsRunConcurrently(t *testing.T) {
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)

	q, _ := New(Options{
		Workers: 2,
		Handler: func(ctx context.Context, task Task) error {
			started.Done()
			<-release
			return nil
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	q.Submit(Task{ThreadID: "a", Kind: KindSelect})
	q.Submit(Task{ThreadID: "b", Kind: KindSelect})

	done := make(chan struct{})
	go func() {
		started.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("threads a and b did not run concurrently")
	}
	close(release)
}

func TestQueuedSelectCoalesces(t *testing.T) {
	block := make(chan struct{})
	var mu sync.Mutex
	handled := 0

	q, _ := New(Options{
		Workers: 1,
		Handler: func(ctx context.Context, task Task) error {
			if task.ThreadID == "blocker" {
				<-block
				return nil
			}
			mu.Lock()
			handled++
			mu.Unlock()
			return nil
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	// Occupy the only worker so later submissions stay queued.
	q.Submit(Task{ThreadID: "blocker", Kind: KindExecute})
	waitFor(t, time.Second, func() bool { return q.Depth() == 1 })

	for i := 0; i < 4; i++ {
		q.Submit(Task{ThreadID: "t", Kind: KindSelect})
	}
	if got := q.Depth(); got != 2 {
		t.Fatalf("expected queued selects to coalesce to depth 2, got %d", got)
	}

	close(block)
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return handled == 1
	})
	// A brief settle: nothing further should run.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if handled != 1 {
		t.Fatalf("coalesced selects ran %d times", handled)
	}
}

func TestExecuteTasksNeverCoalesce(t *testing.T) {
	block := make(chan struct{})
	q, _ := New(Options{
		Workers: 1,
		Handler: func(ctx context.Context, task Task) error {
			<-block
			return nil
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	q.Submit(Task{ThreadID: "t", Kind: KindExecute, Payload: ExecutePayload{FunctionName: "a"}})
	q.Submit(Task{ThreadID: "t", Kind: KindExecute, Payload: ExecutePayload{FunctionName: "a"}})
	q.Submit(Task{ThreadID: "t", Kind: KindExecute, Payload: ExecutePayload{FunctionName: "a"}})

	waitFor(t, time.Second, func() bool { return q.Depth() == 3 })
	close(block)
}

func TestSelectDroppedAtDepthBound(t *testing.T) {
	block := make(chan struct{})
	q, _ := New(Options{
		Workers:  1,
		MaxDepth: 2,
		Handler: func(ctx context.Context, task Task) error {
			<-block
			return nil
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	q.Submit(Task{ThreadID: "a", Kind: KindExecute})
	q.Submit(Task{ThreadID: "b", Kind: KindExecute})
	waitFor(t, time.Second, func() bool { return q.Depth() == 2 })

	// Past the bound, a new select is shed without error.
	if err := q.Submit(Task{ThreadID: "c", Kind: KindSelect}); err != nil {
		t.Fatalf("dropped select must not error: %v", err)
	}
	if got := q.Depth(); got != 2 {
		t.Fatalf("dropped select changed depth to %d", got)
	}

	// Execute tasks are user actions and still queue past the bound.
	if err := q.Submit(Task{ThreadID: "d", Kind: KindExecute}); err != nil {
		t.Fatalf("Submit execute: %v", err)
	}
	if got := q.Depth(); got != 3 {
		t.Fatalf("expected execute to queue past bound, depth %d", got)
	}
	close(block)
}

func TestSelectRetriesThenSucceeds(t *testing.T) {
	var mu sync.Mutex
	calls := 0

	q, _ := New(Options{
		Workers:        1,
		SelectRetries:  2,
		RetryBaseDelay: time.Millisecond,
		Handler: func(ctx context.Context, task Task) error {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls < 3 {
				return &selector.SelectionFailed{ThreadID: task.ThreadID, Err: errors.New("malformed completion")}
			}
			return nil
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	q.Submit(Task{ThreadID: "t", Kind: KindSelect})
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 3
	})
	waitFor(t, time.Second, func() bool { return q.Depth() == 0 })
}

func TestSelectRetriesExhaustedNotifies(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	var failedThread string
	failed := make(chan struct{})

	q, _ := New(Options{
		Workers:        1,
		SelectRetries:  1,
		RetryBaseDelay: time.Millisecond,
		Handler: func(ctx context.Context, task Task) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return &selector.SelectionFailed{ThreadID: task.ThreadID, Err: errors.New("still broken")}
		},
		OnSelectFailed: func(threadID string, err error) {
			failedThread = threadID
			close(failed)
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	q.Submit(Task{ThreadID: "t", Kind: KindSelect})
	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatalf("OnSelectFailed never fired")
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("expected 1 attempt + 1 retry, got %d calls", calls)
	}
	if failedThread != "t" {
		t.Fatalf("unexpected failed thread %q", failedThread)
	}
}

func TestPermanentSelectFailureSkipsRetries(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	failed := make(chan struct{})

	q, _ := New(Options{
		Workers:        1,
		SelectRetries:  3,
		RetryBaseDelay: time.Millisecond,
		Handler: func(ctx context.Context, task Task) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return &selector.SelectionFailed{ThreadID: task.ThreadID, Permanent: true, Err: errors.New("invalid api key")}
		},
		OnSelectFailed: func(threadID string, err error) {
			close(failed)
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	q.Submit(Task{ThreadID: "t", Kind: KindSelect})
	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatalf("OnSelectFailed never fired")
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("permanent failure burned retries: %d calls", calls)
	}
}

func TestExecuteErrorsDoNotRetry(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	q, _ := New(Options{
		Workers:        1,
		SelectRetries:  3,
		RetryBaseDelay: time.Millisecond,
		Handler: func(ctx context.Context, task Task) error {
			mu.Lock()
			defer mu.Unlock()
			calls++
			return errors.New("boom")
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	q.Submit(Task{ThreadID: "t", Kind: KindExecute})
	waitFor(t, time.Second, func() bool { return q.Depth() == 0 })

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("execute task retried: %d calls", calls)
	}
}

func TestHandlerPanicIsConfined(t *testing.T) {
	var mu sync.Mutex
	var handled []string
	q, _ := New(Options{
		Workers: 1,
		Handler: func(ctx context.Context, task Task) error {
			if task.Payload.FunctionName == "bad" {
				panic("handler exploded")
			}
			mu.Lock()
			handled = append(handled, task.Payload.FunctionName)
			mu.Unlock()
			return nil
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	q.Submit(Task{ThreadID: "t", Kind: KindExecute, Payload: ExecutePayload{FunctionName: "bad"}})
	q.Submit(Task{ThreadID: "t", Kind: KindExecute, Payload: ExecutePayload{FunctionName: "good"}})

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handled) == 1 && handled[0] == "good"
	})
}

func TestSubmitValidation(t *testing.T) {
	q, _ := New(Options{Handler: func(ctx context.Context, task Task) error { return nil }})
	if err := q.Submit(Task{ThreadID: "  ", Kind: KindSelect}); err == nil {
		t.Fatalf("expected blank thread id to be rejected")
	}
	q.Close()
	if err := q.Submit(Task{ThreadID: "t", Kind: KindSelect}); err == nil {
		t.Fatalf("expected closed queue to reject submissions")
	}
}
