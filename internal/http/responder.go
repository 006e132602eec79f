package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/example/gym-scheduler/internal/enrollment"
)

var (
	errInvalidClassID = errors.New("El identificador de la clase no es válido.")
	errInvalidWeek    = errors.New("La semana debe tener el formato AAAA-MM-DD.")
	errMissingToken   = errors.New("Tenés que iniciar sesión para continuar.")
)

type responder struct {
	logger *slog.Logger
}

func newResponder(logger *slog.Logger) responder {
	if logger == nil {
		logger = slog.Default()
	}
	return responder{logger: logger}
}

func (r responder) writeJSON(ctx context.Context, w http.ResponseWriter, status int, payload any) {
	if w == nil {
		return
	}

	if status == http.StatusNoContent || payload == nil {
		w.WriteHeader(status)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.loggerFor(ctx).ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (r responder) writeError(ctx context.Context, w http.ResponseWriter, status int, err error) {
	message := localizedStatusMessage(status)
	if err != nil {
		if msg := strings.TrimSpace(err.Error()); msg != "" {
			message = msg
		}
		r.loggerFor(ctx).ErrorContext(ctx, "request failed", "status", status, "error", err)
	}

	r.writeJSON(ctx, w, status, errorResponse{Message: message})
}

// handleEngineError maps enrollment errors to a status, a stable error code
// and the member facing message.
func (r responder) handleEngineError(ctx context.Context, w http.ResponseWriter, err error) {
	status, message := engineErrorStatus(err)
	r.writeJSON(ctx, w, status, errorResponse{
		ErrorCode: enrollment.ErrorKind(err),
		Message:   message,
	})
}

func engineErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, enrollment.ErrInvalidInput):
		return http.StatusBadRequest, "La solicitud no es válida."
	case errors.Is(err, enrollment.ErrClassNotFound):
		return http.StatusNotFound, "La clase no existe o fue eliminada"
	case errors.Is(err, enrollment.ErrClassUnavailable):
		return http.StatusConflict, "La clase no está disponible en este momento"
	case errors.Is(err, enrollment.ErrAlreadyEnrolled):
		return http.StatusConflict, "Ya estás inscripto en esta clase"
	case errors.Is(err, enrollment.ErrCapacityReached):
		return http.StatusConflict, "La clase ya alcanzó el cupo máximo"
	case errors.Is(err, enrollment.ErrQuotaExceeded):
		return http.StatusConflict, "Alcanzaste el máximo de reservas para esta semana según tu membresía."
	case errors.Is(err, enrollment.ErrNotEnrolled):
		return http.StatusConflict, "No estás inscripto en esta clase"
	case errors.Is(err, enrollment.ErrConflict):
		return http.StatusConflict, "Hubo mucha demanda sobre esta clase. Intentá nuevamente."
	case errors.Is(err, enrollment.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "El servicio no está disponible. Intentá más tarde."
	default:
		return http.StatusInternalServerError, localizedStatusMessage(http.StatusInternalServerError)
	}
}

func (r responder) loggerFor(ctx context.Context) *slog.Logger {
	if logger := LoggerFromContext(ctx); logger != nil {
		return logger
	}
	return r.logger
}

func localizedStatusMessage(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "La solicitud no es válida."
	case http.StatusUnauthorized:
		return "Tenés que iniciar sesión para continuar."
	case http.StatusNotFound:
		return "No encontramos lo que buscabas."
	case http.StatusConflict:
		return "La solicitud entra en conflicto con el estado actual."
	case http.StatusServiceUnavailable:
		return "El servicio no está disponible. Intentá más tarde."
	default:
		return "Ocurrió un error inesperado."
	}
}

type errorResponse struct {
	ErrorCode string `json:"error_code,omitempty"`
	Message   string `json:"message"`
}
