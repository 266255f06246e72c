// Package selector decides which agent functions, if any, apply to a
// thread's current content, and computes the thread's category and summary
// in the same inference pass.
package selector

import (
	"context"
	"fmt"
	"time"

	"inboxpilot/internal/catalog"
	"inboxpilot/internal/llm"
	"inboxpilot/internal/mailbox"
)

// SelectionFailed marks an inference timeout or a malformed completion.
// Non-fatal: the thread's prior selection stays in place and the task queue
// decides whether to retry. Permanent marks backend errors that won't clear
// on their own (auth failures, invalid requests); the queue skips its retry
// budget for those.
type SelectionFailed struct {
	ThreadID  string
	Permanent bool
	Err       error
}

func (e *SelectionFailed) Error() string {
	return fmt.Sprintf("selection failed for thread %s: %v", e.ThreadID, e.Err)
}

func (e *SelectionFailed) Unwrap() error { return e.Err }

// Completer is the inference backend boundary.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Result is the outcome of one selection pass. Proposals holds only
// catalog-valid entries; Dropped counts proposals discarded during parsing.
type Result struct {
	Category  string
	Summary   string
	Proposals []mailbox.FunctionProposal
	Dropped   int
}

type Options struct {
	Completer Completer
	Catalog   *catalog.Catalog
	Timeout   time.Duration
	Logf      func(format string, args ...any)
}

type Selector struct {
	completer Completer
	catalog   *catalog.Catalog
	timeout   time.Duration
	logf      func(format string, args ...any)
}

func New(opts Options) (*Selector, error) {
	if opts.Completer == nil {
		return nil, fmt.Errorf("completer is required")
	}
	if opts.Catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Selector{
		completer: opts.Completer,
		catalog:   opts.Catalog,
		timeout:   timeout,
		logf:      logf,
	}, nil
}

// Run performs one selection pass over rec. Safe to call any number of times
// on unchanged content; redundant invocation is the task queue's problem,
// not ours. The store is not touched while the inference call is in flight:
// rec was read before the call and the result is committed by the caller
// after it returns.
func (s *Selector) Run(ctx context.Context, rec mailbox.ThreadRecord) (Result, error) {
	if s == nil {
		return Result{}, &SelectionFailed{ThreadID: rec.ID, Permanent: true, Err: fmt.Errorf("selector is nil")}
	}

	prompt := renderPrompt(s.catalog.List(), rec)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	completion, err := s.completer.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		// Parse failures below stay retryable: the model may well produce
		// usable output next time. Backend errors are retried only when
		// they look transient.
		return Result{}, &SelectionFailed{ThreadID: rec.ID, Permanent: !llm.IsLikelyTransientError(err), Err: err}
	}

	res, err := parseCompletion(s.catalog, completion)
	if err != nil {
		return Result{}, &SelectionFailed{ThreadID: rec.ID, Err: err}
	}
	if res.Dropped > 0 {
		s.logf("selector: thread %s: dropped %d invalid proposal(s)", rec.ID, res.Dropped)
	}
	return res, nil
}
