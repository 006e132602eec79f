package http

import (
	"context"
	"log/slog"

	"github.com/example/gym-scheduler/internal/logging"
	"github.com/example/gym-scheduler/internal/membership"
)

type contextKey string

const (
	principalContextKey contextKey = "principal"
	classIDContextKey   contextKey = "class_id"
)

// Principal identifies the authenticated gym member behind a request.
type Principal struct {
	UserID     string
	Membership membership.Tier
}

// ContextWithPrincipal returns a derived context containing the authenticated principal.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, principal)
}

// PrincipalFromContext extracts the authenticated principal from context if available.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	principal, ok := ctx.Value(principalContextKey).(Principal)
	return principal, ok
}

// ContextWithClassID injects the class identifier resolved from the request path.
func ContextWithClassID(ctx context.Context, classID string) context.Context {
	return context.WithValue(ctx, classIDContextKey, classID)
}

// ClassIDFromContext extracts a class identifier previously associated with the context.
func ClassIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(classIDContextKey).(string)
	return id, ok
}

// ContextWithLogger attaches a request scoped logger.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return logging.ContextWithLogger(ctx, logger)
}

// LoggerFromContext returns the request scoped logger, or nil.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx)
}
