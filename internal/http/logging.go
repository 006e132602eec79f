package http

import (
	"context"
	"log/slog"

	"github.com/example/gym-scheduler/internal/logging"
)

// defaultLogger resolves the base logger of a handler.
func defaultLogger(logger *slog.Logger) *slog.Logger {
	return logging.OrDefault(logger)
}

// handlerLogger prefers the request logger installed by RequestLogger so
// handler lines share its method and path attributes.
func handlerLogger(ctx context.Context, fallback *slog.Logger, handlerName, operation string, attrs ...any) *slog.Logger {
	return logging.Component(ctx, fallback, "handler", handlerName, operation, attrs...)
}
