// Package authctx carries the security context of an engine operation.
//
// Every engine entry point receives the caller's security context through
// the standard context.Context. Delayed calls persist the context alongside
// the call row so the scheduler can restore it at dispatch time.
package authctx

import "context"

// Context identifies the caller of an engine operation.
type Context struct {
	UserID    string `json:"user_id,omitempty"`
	ProjectID string `json:"project_id"`
	TrustID   string `json:"trust_id,omitempty"`
	IsAdmin   bool   `json:"is_admin,omitempty"`
}

// DefaultProjectID is used when no security context is present.
const DefaultProjectID = "<default-project>"

type ctxKey struct{}

// With returns a child context carrying the security context.
func With(ctx context.Context, ac *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, ac)
}

// From extracts the security context, or nil when absent.
func From(ctx context.Context) *Context {
	ac, _ := ctx.Value(ctxKey{}).(*Context)
	return ac
}

// ProjectID returns the caller's project, falling back to the default.
func ProjectID(ctx context.Context) string {
	if ac := From(ctx); ac != nil && ac.ProjectID != "" {
		return ac.ProjectID
	}
	return DefaultProjectID
}

// Trusted returns a context impersonating the given trust. Cron triggers
// fire workflows under the trust recorded at trigger creation.
func Trusted(ctx context.Context, trustID, projectID string) context.Context {
	return With(ctx, &Context{
		ProjectID: projectID,
		TrustID:   trustID,
	})
}
