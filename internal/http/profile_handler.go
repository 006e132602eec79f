package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/example/gym-scheduler/internal/persistence"
)

const maxPushTokenBody = 4 << 10

var (
	errInvalidPushToken = errors.New("El token del dispositivo no es válido.")
	errProfileStore     = errors.New("No pudimos registrar el dispositivo. Intentá más tarde.")
)

type pushTokenStore interface {
	AddPushToken(ctx context.Context, uid, token string) (persistence.UserProfile, error)
}

// ProfileHandler serves the member's device registration.
type ProfileHandler struct {
	store     pushTokenStore
	responder responder
	logger    *slog.Logger
}

func NewProfileHandler(store pushTokenStore, logger *slog.Logger) *ProfileHandler {
	base := defaultLogger(logger)
	return &ProfileHandler{
		store:     store,
		responder: newResponder(base),
		logger:    base,
	}
}

type pushTokenRequest struct {
	Token string `json:"token"`
}

type pushTokensResponse struct {
	TokenCount int `json:"token_count"`
}

// RegisterPushToken adds the device token in the body to the caller's
// profile. Registering the same token again is a no-op.
func (h *ProfileHandler) RegisterPushToken(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.store == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	principal, _ := PrincipalFromContext(r.Context())
	logger := handlerLogger(r.Context(), h.logger, "ProfileHandler", "RegisterPushToken", "principal_id", principal.UserID)

	var req pushTokenRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPushTokenBody)).Decode(&req); err != nil {
		logger.InfoContext(r.Context(), "invalid push token body", "error", err)
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidPushToken)
		return
	}

	profile, err := h.store.AddPushToken(r.Context(), principal.UserID, req.Token)
	switch {
	case errors.Is(err, persistence.ErrConstraintViolation):
		logger.InfoContext(r.Context(), "push token rejected", "error", err)
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidPushToken)
		return
	case errors.Is(err, persistence.ErrUnavailable):
		h.responder.writeError(r.Context(), w, http.StatusServiceUnavailable, errProfileStore)
		return
	case err != nil:
		h.responder.writeError(r.Context(), w, http.StatusInternalServerError, errProfileStore)
		return
	}

	logger.InfoContext(r.Context(), "push token registered", "token_count", len(profile.PushTokens))
	h.responder.writeJSON(r.Context(), w, http.StatusOK, pushTokensResponse{TokenCount: len(profile.PushTokens)})
}
