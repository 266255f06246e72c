// Package orchestrator owns the single-writer path into the thread record
// store and the select/execute pipelines that run behind it. Request
// handling (the sync channel, ingestion) only ever talks to the
// orchestrator; workers mutate records, commits fan out to subscribers.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"inboxpilot/internal/executor"
	"inboxpilot/internal/mailbox"
	"inboxpilot/internal/metrics"
	"inboxpilot/internal/selector"
	"inboxpilot/internal/taskqueue"
)

type Options struct {
	Store    *mailbox.Store
	Selector *selector.Selector
	Executor *executor.Executor
	Queue    taskqueue.Options
	Logf     func(format string, args ...any)
	Metrics  *metrics.Metrics
	// NotifyError surfaces a non-fatal failure notice to subscribers, e.g.
	// selection retries being exhausted.
	NotifyError func(threadID, message string)
}

type Orchestrator struct {
	store       *mailbox.Store
	selector    *selector.Selector
	executor    *executor.Executor
	queue       *taskqueue.Queue
	logf        func(format string, args ...any)
	notifyError func(threadID, message string)

	mu             sync.Mutex
	selectedAtVers map[string]uint64
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Selector == nil {
		return nil, fmt.Errorf("selector is required")
	}
	if opts.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	o := &Orchestrator{
		store:          opts.Store,
		selector:       opts.Selector,
		executor:       opts.Executor,
		logf:           logf,
		notifyError:    opts.NotifyError,
		selectedAtVers: make(map[string]uint64),
	}

	queueOpts := opts.Queue
	queueOpts.Handler = o.handleTask
	queueOpts.Logf = logf
	queueOpts.Metrics = opts.Metrics
	queueOpts.OnSelectFailed = o.selectFailed
	queue, err := taskqueue.New(queueOpts)
	if err != nil {
		return nil, err
	}
	o.queue = queue
	return o, nil
}

func (o *Orchestrator) Start(ctx context.Context) {
	if o == nil {
		return
	}
	o.queue.Start(ctx)
}

func (o *Orchestrator) Close() {
	if o == nil {
		return
	}
	o.queue.Close()
}

// Store exposes the record store for read-only consumers (snapshots, the
// thread-view query).
func (o *Orchestrator) Store() *mailbox.Store {
	if o == nil {
		return nil
	}
	return o.store
}

// Ingest merges an already-fetched message into its thread record and, when
// that changed the content, schedules a selection pass. Messages are deduped
// by id and kept ordered by receipt time.
func (o *Orchestrator) Ingest(threadID string, msg mailbox.ThreadMessage) error {
	if o == nil {
		return fmt.Errorf("orchestrator is nil")
	}
	id := strings.TrimSpace(threadID)
	if id == "" {
		return fmt.Errorf("thread id is required")
	}

	_, changed := o.store.Mutate(id, func(rec *mailbox.ThreadRecord) {
		for i := range rec.Messages {
			if rec.Messages[i].ID == msg.ID && msg.ID != "" {
				rec.Messages[i] = msg
				sortMessages(rec.Messages)
				return
			}
		}
		rec.Messages = append(rec.Messages, msg)
		sortMessages(rec.Messages)
	})
	if !changed {
		return nil
	}
	return o.RequestSelection(id)
}

// RequestSelection enqueues a selection pass for threadID. Rapid successive
// requests coalesce in the queue.
func (o *Orchestrator) RequestSelection(threadID string) error {
	if o == nil {
		return fmt.Errorf("orchestrator is nil")
	}
	return o.queue.Submit(taskqueue.Task{ThreadID: threadID, Kind: taskqueue.KindSelect})
}

// ExecuteFunction validates an execute-function command and enqueues it.
// Validation failures surface synchronously, before any state mutation;
// accepted commands run behind any in-flight work for the same thread and
// are never coalesced or dropped.
func (o *Orchestrator) ExecuteFunction(threadID, functionName string, args map[string]string) error {
	if o == nil {
		return fmt.Errorf("orchestrator is nil")
	}
	resolved, err := o.executor.Validate(threadID, functionName, args)
	if err != nil {
		return err
	}
	return o.queue.Submit(taskqueue.Task{
		ThreadID: threadID,
		Kind:     taskqueue.KindExecute,
		Payload: taskqueue.ExecutePayload{
			FunctionName: functionName,
			Arguments:    resolved,
		},
	})
}

func (o *Orchestrator) handleTask(ctx context.Context, task taskqueue.Task) error {
	switch task.Kind {
	case taskqueue.KindSelect:
		return o.handleSelect(ctx, task.ThreadID)
	case taskqueue.KindExecute:
		return o.handleExecute(ctx, task)
	default:
		return fmt.Errorf("unknown task kind: %s", task.Kind)
	}
}

// handleSelect runs one selection pass. The record is read before the
// inference call and written only after it returns; no store lock is held
// while the worker is suspended on the backend.
func (o *Orchestrator) handleSelect(ctx context.Context, threadID string) error {
	rec := o.store.Get(threadID)
	if len(rec.Messages) == 0 {
		return nil
	}

	o.mu.Lock()
	doneVersion, done := o.selectedAtVers[threadID]
	o.mu.Unlock()
	if done && doneVersion == rec.Version {
		// Content unchanged since the last pass; a redundant inference
		// call buys nothing.
		return nil
	}

	res, err := o.selector.Run(ctx, rec)
	if err != nil {
		return err
	}

	committed, changed := o.store.Mutate(threadID, func(r *mailbox.ThreadRecord) {
		r.Category = res.Category
		r.Summary = res.Summary
		// A new pass supersedes the previous selection wholesale.
		r.SelectedFunctions = res.Proposals
	})

	expect := rec.Version
	if changed {
		expect++
	}
	if committed.Version != expect {
		// The thread changed while this pass was suspended on the backend,
		// so the result just stored reflects older content. Leave the skip
		// guard alone and run another pass over the current record.
		return o.RequestSelection(threadID)
	}

	o.mu.Lock()
	o.selectedAtVers[threadID] = committed.Version
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) handleExecute(ctx context.Context, task taskqueue.Task) error {
	final, err := o.executor.Execute(ctx, task.ThreadID, task.Payload.FunctionName, task.Payload.Arguments)
	if err != nil {
		return err
	}
	if final.Status == mailbox.StatusError {
		o.logf("orchestrator: thread %s: %s finished with error: %s", task.ThreadID, final.Name, final.ResultMessage)
	}
	return nil
}

func (o *Orchestrator) selectFailed(threadID string, err error) {
	if o.notifyError == nil {
		return
	}
	o.notifyError(threadID, fmt.Sprintf("analysis failed: %v", err))
}

func sortMessages(msgs []mailbox.ThreadMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i].ReceivedAt, msgs[j].ReceivedAt
		if a.Equal(b) {
			return msgs[i].ID < msgs[j].ID
		}
		return a.Before(b)
	})
}

// WaitIdle blocks until the queue drains or the timeout passes. Test helper
// semantics; production callers rely on Close.
func (o *Orchestrator) WaitIdle(timeout time.Duration) bool {
	if o == nil {
		return true
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if o.queue.Depth() == 0 {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return o.queue.Depth() == 0
}
