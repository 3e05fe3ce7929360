// Package executor runs actions and reports their results back to the
// engine. The Local executor executes registered system actions on an
// in-process worker pool; a remote executor behind the same interface can be
// substituted without touching the engine.
package executor

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Result is the outcome of one action run. Err is non-empty on failure; the
// engine turns it into an ERROR action execution.
type Result struct {
	Data any
	Err  string
}

// IsError reports whether the action failed.
func (r Result) IsError() bool { return r.Err != "" }

// ErrorResult builds a failed Result.
func ErrorResult(format string, args ...any) Result {
	return Result{Err: fmt.Sprintf(format, args...)}
}

// Request identifies one action invocation.
type Request struct {
	ActionExID string
	Name       string
	Input      map[string]any
}

// Callback receives the result of a completed action run.
type Callback func(ctx context.Context, actionExID string, res Result)

// Executor accepts action invocations.
type Executor interface {
	// Submit enqueues an action run. It returns once the request is
	// accepted, not once the action completes.
	Submit(ctx context.Context, req Request) error
}

// Local runs actions on a fixed pool of worker goroutines.
type Local struct {
	actions  *Registry
	callback Callback
	workers  int

	queue   chan Request
	group   *errgroup.Group
	mu      sync.Mutex
	started bool
}

// LocalOption configures a Local executor.
type LocalOption func(*Local)

// WithWorkers sets the worker pool size.
func WithWorkers(n int) LocalOption {
	return func(l *Local) {
		if n > 0 {
			l.workers = n
		}
	}
}

// WithRegistry substitutes the action registry.
func WithRegistry(r *Registry) LocalOption {
	return func(l *Local) { l.actions = r }
}

// NewLocal creates a local executor. The callback is invoked for every
// completed run, including failed ones.
func NewLocal(callback Callback, opts ...LocalOption) *Local {
	l := &Local{
		actions:  SystemRegistry(),
		callback: callback,
		workers:  8,
		queue:    make(chan Request, 256),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start launches the worker pool. Workers drain the queue until ctx is
// cancelled.
func (l *Local) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return
	}
	l.started = true

	l.group, ctx = errgroup.WithContext(ctx)
	for i := 0; i < l.workers; i++ {
		l.group.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case req := <-l.queue:
					l.run(ctx, req)
				}
			}
		})
	}
}

// Wait blocks until all workers exit.
func (l *Local) Wait() error {
	l.mu.Lock()
	g := l.group
	l.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Submit enqueues an action run. If the executor has not been started the
// request runs synchronously on the caller's goroutine; this keeps single
// process embedding and tests deterministic.
func (l *Local) Submit(ctx context.Context, req Request) error {
	l.mu.Lock()
	started := l.started
	l.mu.Unlock()

	if !started {
		l.run(ctx, req)
		return nil
	}

	select {
	case l.queue <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Local) run(ctx context.Context, req Request) {
	action, err := l.actions.Lookup(req.Name)
	if err != nil {
		l.callback(ctx, req.ActionExID, Result{Err: err.Error()})
		return
	}

	data, err := action.Run(ctx, req.Input)
	if err != nil {
		l.callback(ctx, req.ActionExID, Result{Err: err.Error()})
		return
	}

	l.callback(ctx, req.ActionExID, Result{Data: data})
}
