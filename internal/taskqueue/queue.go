// Package taskqueue serializes and schedules selection and execution work
// off the request-handling path. One logical queue, a bounded worker pool,
// and two invariants: at most one task per thread runs at a time, and tasks
// for the same thread run in arrival order.
package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"inboxpilot/internal/metrics"
	"inboxpilot/internal/selector"
)

type Kind string

const (
	KindSelect  Kind = "select"
	KindExecute Kind = "execute"
)

// ExecutePayload carries the user-triggered side effect of an execute task.
type ExecutePayload struct {
	FunctionName string
	Arguments    map[string]string
}

type Task struct {
	ThreadID string
	Kind     Kind
	Payload  ExecutePayload
}

// Handler processes one task. A non-permanent SelectionFailed error from a
// select task is retried with backoff; permanent selection failures and any
// error from an execute task are terminal.
type Handler func(ctx context.Context, task Task) error

type Options struct {
	Workers        int
	MaxDepth       int
	SelectRetries  int
	RetryBaseDelay time.Duration
	Handler        Handler
	Logf           func(format string, args ...any)
	Metrics        *metrics.Metrics
	// OnSelectFailed fires after select retries are exhausted.
	OnSelectFailed func(threadID string, err error)
}

// lane is the per-thread FIFO. running marks a task for this thread being
// actively processed by some worker.
type lane struct {
	tasks   []Task
	running bool
}

type Queue struct {
	workers        int
	maxDepth       int
	selectRetries  int
	retryBaseDelay time.Duration
	handler        Handler
	logf           func(format string, args ...any)
	metrics        *metrics.Metrics
	onSelectFailed func(threadID string, err error)

	mu       sync.Mutex
	cond     *sync.Cond
	lanes    map[string]*lane
	runnable []string
	depth    int
	closed   bool

	wg sync.WaitGroup
}

func New(opts Options) (*Queue, error) {
	if opts.Handler == nil {
		return nil, errors.New("handler is required")
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 256
	}
	retries := opts.SelectRetries
	if retries < 0 {
		retries = 0
	} else if retries == 0 {
		retries = 2
	}
	baseDelay := opts.RetryBaseDelay
	if baseDelay <= 0 {
		baseDelay = 2 * time.Second
	}
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	q := &Queue{
		workers:        workers,
		maxDepth:       maxDepth,
		selectRetries:  retries,
		retryBaseDelay: baseDelay,
		handler:        opts.Handler,
		logf:           logf,
		metrics:        opts.Metrics,
		onSelectFailed: opts.OnSelectFailed,
		lanes:          make(map[string]*lane),
	}
	q.cond = sync.NewCond(&q.mu)
	return q, nil
}

// Start launches the worker pool. Workers drain until ctx is cancelled or
// Close is called.
func (q *Queue) Start(ctx context.Context) {
	if q == nil {
		return
	}
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.work(ctx)
	}
	// Wake blocked workers when the context dies.
	go func() {
		<-ctx.Done()
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		q.cond.Broadcast()
	}()
}

// Close stops accepting tasks and waits for in-flight tasks to finish.
func (q *Queue) Close() {
	if q == nil {
		return
	}
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
	q.wg.Wait()
}

// Submit enqueues a task. Select tasks coalesce with an already-queued (not
// yet started) select for the same thread, and are dropped when the queue is
// over its depth bound. Execute tasks always queue: they are explicit user
// actions, each one runs (or fails) individually.
func (q *Queue) Submit(task Task) error {
	if q == nil {
		return errors.New("queue is nil")
	}
	id := strings.TrimSpace(task.ThreadID)
	if id == "" {
		return errors.New("task thread id is required")
	}
	task.ThreadID = id

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("queue is closed")
	}

	ln := q.lanes[id]
	if ln == nil {
		ln = &lane{}
		q.lanes[id] = ln
	}

	if task.Kind == KindSelect {
		for i := range ln.tasks {
			if ln.tasks[i].Kind == KindSelect {
				ln.tasks[i] = task
				return nil
			}
		}
		if q.depth >= q.maxDepth {
			q.metrics.TaskDropped()
			q.logf("taskqueue: depth %d at bound, dropping select task for thread %s", q.depth, id)
			return nil
		}
	}

	ln.tasks = append(ln.tasks, task)
	q.depth++
	q.metrics.SetQueueDepth(q.depth)
	if !ln.running && len(ln.tasks) == 1 {
		q.runnable = append(q.runnable, id)
		q.cond.Signal()
	}
	return nil
}

// Depth reports queued plus running tasks.
func (q *Queue) Depth() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth
}

func (q *Queue) work(ctx context.Context) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		for len(q.runnable) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed && len(q.runnable) == 0 {
			q.mu.Unlock()
			return
		}
		id := q.runnable[0]
		q.runnable = q.runnable[1:]
		ln := q.lanes[id]
		if ln == nil || len(ln.tasks) == 0 {
			q.mu.Unlock()
			continue
		}
		task := ln.tasks[0]
		ln.tasks = ln.tasks[1:]
		ln.running = true
		q.mu.Unlock()

		q.runTask(ctx, task)

		q.mu.Lock()
		ln.running = false
		q.depth--
		q.metrics.SetQueueDepth(q.depth)
		if len(ln.tasks) > 0 {
			q.runnable = append(q.runnable, id)
			q.cond.Signal()
		} else {
			delete(q.lanes, id)
		}
		q.mu.Unlock()
	}
}

// runTask drives one task to completion, including the retry loop for
// select tasks. The thread's lane stays held for the whole retry sequence,
// so retries cannot interleave with later tasks for the same thread.
func (q *Queue) runTask(ctx context.Context, task Task) {
	attempts := 1
	if task.Kind == KindSelect {
		attempts += q.selectRetries
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			q.metrics.TaskRetried()
			delay := q.retryBaseDelay << (attempt - 1)
			select {
			case <-ctx.Done():
				q.metrics.TaskDone(string(task.Kind), "cancelled")
				return
			case <-time.After(delay):
			}
		}
		err = q.safeHandle(ctx, task)
		if err == nil {
			q.metrics.TaskDone(string(task.Kind), "ok")
			return
		}
		var selErr *selector.SelectionFailed
		if task.Kind != KindSelect || !errors.As(err, &selErr) || selErr.Permanent {
			break
		}
		q.logf("taskqueue: select for thread %s failed (attempt %d/%d): %v", task.ThreadID, attempt+1, attempts, err)
	}

	q.metrics.TaskDone(string(task.Kind), "error")
	q.logf("taskqueue: %s task for thread %s failed: %v", task.Kind, task.ThreadID, err)
	if task.Kind == KindSelect && q.onSelectFailed != nil {
		q.onSelectFailed(task.ThreadID, err)
	}
}

// safeHandle confines a panicking handler to the task it was processing.
func (q *Queue) safeHandle(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task handler panic: %v", r)
		}
	}()
	return q.handler(ctx, task)
}
