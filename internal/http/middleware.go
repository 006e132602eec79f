package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/example/gym-scheduler/internal/auth"
	"github.com/example/gym-scheduler/internal/membership"
	"github.com/example/gym-scheduler/internal/persistence"
)

// TokenVerifier resolves a bearer token into the caller uid.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// ProfileReader loads the membership data of the caller.
type ProfileReader interface {
	GetProfile(ctx context.Context, uid string) (persistence.UserProfile, error)
}

// RequireUser authenticates the bearer token and attaches a Principal whose
// tier comes from the profile store. Callers without a profile are treated
// as bronze members.
func RequireUser(verifier TokenVerifier, profiles ProfileReader, logger *slog.Logger) func(http.Handler) http.Handler {
	responder := newResponder(logger)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractTokenFromRequest(r)
			if token == "" {
				responder.writeError(r.Context(), w, http.StatusUnauthorized, errMissingToken)
				return
			}

			uid, err := verifier.Verify(token)
			if err != nil {
				responder.writeJSON(r.Context(), w, http.StatusUnauthorized, errorResponse{
					ErrorCode: "unauthenticated",
					Message:   "Tu sesión no es válida. Volvé a iniciar sesión.",
				})
				return
			}

			principal := Principal{UserID: uid, Membership: membership.TierBronze}
			if profiles != nil {
				profile, err := profiles.GetProfile(r.Context(), uid)
				switch {
				case err == nil:
					principal.Membership = membership.ParseTier(profile.Membership)
				case errors.Is(err, persistence.ErrNotFound):
				default:
					responder.loggerFor(r.Context()).ErrorContext(r.Context(), "profile lookup failed", "user_id", uid, "error", err)
					responder.writeJSON(r.Context(), w, http.StatusServiceUnavailable, errorResponse{
						ErrorCode: "store_unavailable",
						Message:   "No pudimos cargar tu perfil. Intentá nuevamente.",
					})
					return
				}
			}

			ctx := ContextWithPrincipal(r.Context(), principal)
			if logger := LoggerFromContext(ctx); logger != nil {
				ctx = ContextWithLogger(ctx, logger.With("user_id", uid))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractTokenFromRequest(r *http.Request) string {
	if token := auth.BearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	// Browsers cannot set headers on websocket upgrades.
	return r.URL.Query().Get("access_token")
}

func RequestLogger(base *slog.Logger) func(http.Handler) http.Handler {
	if base == nil {
		base = slog.Default()
	}
	var counter atomic.Uint64

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := counter.Add(1)
			logger := base.With(
				"request_id", id,
				"method", r.Method,
				"path", r.URL.Path,
			)

			ctx := ContextWithLogger(r.Context(), logger)
			start := time.Now()
			logger.InfoContext(ctx, "request started")
			next.ServeHTTP(w, r.WithContext(ctx))
			logger.InfoContext(ctx, "request completed", "duration", time.Since(start))
		})
	}
}
