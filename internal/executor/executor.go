// Package executor runs one selected agent function against its backing
// automation implementation and records the outcome on the thread record.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"inboxpilot/internal/catalog"
	"inboxpilot/internal/mailbox"
)

// Backend dispatches a validated function call to its automation
// implementation.
type Backend interface {
	Run(ctx context.Context, name string, args map[string]string) (string, error)
}

type Options struct {
	Store   *mailbox.Store
	Catalog *catalog.Catalog
	Backend Backend
	Timeout time.Duration
	Logf    func(format string, args ...any)
}

type Executor struct {
	store   *mailbox.Store
	catalog *catalog.Catalog
	backend Backend
	timeout time.Duration
	logf    func(format string, args ...any)
}

func New(opts Options) (*Executor, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	if opts.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Executor{
		store:   opts.Store,
		catalog: opts.Catalog,
		backend: opts.Backend,
		timeout: timeout,
		logf:    logf,
	}, nil
}

// Validate checks an execution request against the catalog without touching
// any state. When args is nil the thread's stored proposal supplies them.
// The resolved arguments are returned so callers enqueue exactly what will
// run.
func (e *Executor) Validate(threadID, functionName string, args map[string]string) (map[string]string, error) {
	if e == nil {
		return nil, fmt.Errorf("executor is nil")
	}
	name := strings.TrimSpace(functionName)
	if args == nil {
		rec := e.store.Get(threadID)
		for _, p := range rec.SelectedFunctions {
			if p.Name == name {
				args = p.Arguments
				break
			}
		}
	}
	if err := e.catalog.Validate(name, args); err != nil {
		return nil, err
	}
	return args, nil
}

// Execute runs functionName for threadID with already-validated arguments.
// It appends a pending FunctionExecution, invokes the automation backend
// under a bounded timeout, and transitions that same entry (located by id,
// not index) to its terminal status. The automation failing is a recorded,
// user-visible outcome, not a returned error; only a pre-flight validation
// problem comes back as an error. No retries happen here.
func (e *Executor) Execute(ctx context.Context, threadID, functionName string, args map[string]string) (mailbox.FunctionExecution, error) {
	if e == nil {
		return mailbox.FunctionExecution{}, fmt.Errorf("executor is nil")
	}
	name := strings.TrimSpace(functionName)
	if err := e.catalog.Validate(name, args); err != nil {
		return mailbox.FunctionExecution{}, err
	}

	entry := mailbox.FunctionExecution{
		ID:        uuid.NewString(),
		Name:      name,
		Arguments: args,
		Status:    mailbox.StatusPending,
		StartedAt: time.Now().UTC(),
	}
	e.store.Mutate(threadID, func(rec *mailbox.ThreadRecord) {
		rec.ExecutedFunctions = append(rec.ExecutedFunctions, entry)
	})

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	message, err := e.backend.Run(runCtx, name, args)
	cancel()

	status := mailbox.StatusSuccess
	result := strings.TrimSpace(message)
	if err != nil {
		status = mailbox.StatusError
		result = err.Error()
		e.logf("executor: thread %s: %s failed: %v", threadID, name, err)
	} else if result == "" {
		result = fmt.Sprintf("%s completed", name)
	}

	var final mailbox.FunctionExecution
	e.store.Mutate(threadID, func(rec *mailbox.ThreadRecord) {
		for i := range rec.ExecutedFunctions {
			if rec.ExecutedFunctions[i].ID != entry.ID {
				continue
			}
			if rec.ExecutedFunctions[i].Status != mailbox.StatusPending {
				// Terminal states are never revised.
				final = rec.ExecutedFunctions[i]
				return
			}
			rec.ExecutedFunctions[i].Status = status
			rec.ExecutedFunctions[i].ResultMessage = result
			rec.ExecutedFunctions[i].FinishedAt = time.Now().UTC()
			final = rec.ExecutedFunctions[i]
			return
		}
	})
	return final, nil
}
