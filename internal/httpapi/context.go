package httpapi

import (
	"context"

	"github.com/takotech/acsg/internal/access"
	"github.com/takotech/acsg/internal/session"
)

type ctxKey int

const (
	principalKey ctxKey = iota
	sessionKey
	requestIDKey
)

func contextWithPrincipal(ctx context.Context, p access.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the authenticated caller, if any.
func PrincipalFromContext(ctx context.Context) (access.Principal, bool) {
	p, ok := ctx.Value(principalKey).(access.Principal)
	return p, ok
}

func contextWithSession(ctx context.Context, s session.Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

// SessionFromContext returns the caller's live session, if any.
func SessionFromContext(ctx context.Context) (session.Session, bool) {
	s, ok := ctx.Value(sessionKey).(session.Session)
	return s, ok
}

func contextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext returns the request id attached by middleware.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}
