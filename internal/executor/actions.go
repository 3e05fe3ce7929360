package executor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/millrace/mill/internal/errors"
)

// Action is a runnable unit of work. Input is the evaluated task input.
type Action interface {
	Run(ctx context.Context, input map[string]any) (any, error)
}

// ActionFunc adapts a function to the Action interface.
type ActionFunc func(ctx context.Context, input map[string]any) (any, error)

// Run implements Action.
func (f ActionFunc) Run(ctx context.Context, input map[string]any) (any, error) {
	return f(ctx, input)
}

// Registry maps action names to implementations.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Action)}
}

// Register adds or replaces an action.
func (r *Registry) Register(name string, a Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[name] = a
}

// Lookup resolves an action by name.
func (r *Registry) Lookup(name string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	if !ok {
		return nil, errors.NotFound("action %q is not registered", name)
	}
	return a, nil
}

// Names lists registered action names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	return names
}

// SystemRegistry returns a registry with the std.* actions.
func SystemRegistry() *Registry {
	r := NewRegistry()
	r.Register("std.noop", ActionFunc(noopAction))
	r.Register("std.echo", ActionFunc(echoAction))
	r.Register("std.fail", ActionFunc(failAction))
	r.Register("std.sleep", ActionFunc(sleepAction))
	r.Register("std.http", ActionFunc(httpAction))
	return r
}

func noopAction(ctx context.Context, input map[string]any) (any, error) {
	return nil, nil
}

// echoAction returns its "output" input verbatim, optionally after "delay"
// seconds.
func echoAction(ctx context.Context, input map[string]any) (any, error) {
	if d := toSeconds(input["delay"]); d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return input["output"], nil
}

func failAction(ctx context.Context, input map[string]any) (any, error) {
	msg, _ := input["error_data"].(string)
	if msg == "" {
		msg = "fail action triggered"
	}
	return nil, fmt.Errorf("%s", msg)
}

func sleepAction(ctx context.Context, input map[string]any) (any, error) {
	d := toSeconds(input["seconds"])
	select {
	case <-time.After(d):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// httpAction performs an HTTP request. Input: url (required), method,
// headers, body, timeout (seconds).
func httpAction(ctx context.Context, input map[string]any) (any, error) {
	url, _ := input["url"].(string)
	if url == "" {
		return nil, errors.InputInvalid("std.http requires a url")
	}

	method, _ := input["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if b, ok := input["body"].(string); ok && b != "" {
		body = strings.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), url, body)
	if err != nil {
		return nil, err
	}

	if headers, ok := input["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}

	client := &http.Client{}
	if t := toSeconds(input["timeout"]); t > 0 {
		client.Timeout = t
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	result := map[string]any{
		"status":  resp.StatusCode,
		"headers": flattenHeaders(resp.Header),
		"content": string(respBody),
	}

	if resp.StatusCode >= 400 {
		return result, fmt.Errorf("http %s %s returned %d", method, url, resp.StatusCode)
	}

	return result, nil
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func toSeconds(v any) time.Duration {
	switch n := v.(type) {
	case int:
		return time.Duration(n) * time.Second
	case int64:
		return time.Duration(n) * time.Second
	case float64:
		return time.Duration(n * float64(time.Second))
	default:
		return 0
	}
}
