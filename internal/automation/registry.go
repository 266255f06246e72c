// Package automation is the boundary to the browser-automation
// implementations behind the function catalog. The engine hands a runner
// validated arguments and gets back a human-readable message or an error;
// how the action is carried out is not its business.
package automation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Runner executes one agent function.
type Runner interface {
	Name() string
	Run(ctx context.Context, args map[string]string) (string, error)
}

// Registry maps function names to their backing runners.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Runner
}

func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]Runner)}
}

func (r *Registry) Register(runner Runner) {
	if r == nil || runner == nil {
		return
	}
	name := strings.TrimSpace(runner.Name())
	if name == "" {
		return
	}
	r.mu.Lock()
	if r.runners == nil {
		r.runners = make(map[string]Runner)
	}
	r.runners[name] = runner
	r.mu.Unlock()
}

// Names returns all registered runner names in lexical order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	names := make([]string, 0, len(r.runners))
	for name := range r.runners {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Run dispatches to the runner registered under name.
func (r *Registry) Run(ctx context.Context, name string, args map[string]string) (string, error) {
	if r == nil {
		return "", fmt.Errorf("automation registry is nil")
	}
	r.mu.RLock()
	runner, ok := r.runners[strings.TrimSpace(name)]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("no automation backend for function: %s", name)
	}
	return runner.Run(ctx, args)
}

// RunnerFunc adapts a plain function into a Runner.
type RunnerFunc struct {
	FuncName string
	Fn       func(ctx context.Context, args map[string]string) (string, error)
}

func (r RunnerFunc) Name() string { return r.FuncName }

func (r RunnerFunc) Run(ctx context.Context, args map[string]string) (string, error) {
	if r.Fn == nil {
		return "", fmt.Errorf("runner %s has no implementation", r.FuncName)
	}
	return r.Fn(ctx, args)
}
