package phiaccess

import "context"

type contextKey string

const (
	scopeKey       contextKey = "phi_scope"
	auditHandleKey contextKey = "phi_audit_handle"
)

// WithScope stores the ALLOW decision's scope and audit handle on ctx.
func WithScope(ctx context.Context, scope *ScopedContext, handle *AuditHandle) context.Context {
	ctx = context.WithValue(ctx, scopeKey, scope)
	return context.WithValue(ctx, auditHandleKey, handle)
}

// ScopeFromContext returns the scope set by the PHI guard, or nil.
func ScopeFromContext(ctx context.Context) *ScopedContext {
	s, _ := ctx.Value(scopeKey).(*ScopedContext)
	return s
}

// AuditHandleFromContext returns the audit handle of the request's ALLOW
// decision, or nil.
func AuditHandleFromContext(ctx context.Context) *AuditHandle {
	h, _ := ctx.Value(auditHandleKey).(*AuditHandle)
	return h
}
