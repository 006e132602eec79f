package http

import (
	"net/http"
	"time"
)

type cacheHealth interface {
	Err() error
	Ready() bool
	RefreshedAt() time.Time
}

// HealthHandler reports whether the class cache is serving fresh data.
type HealthHandler struct {
	cache     cacheHealth
	responder responder
}

func NewHealthHandler(cache cacheHealth) *HealthHandler {
	return &HealthHandler{cache: cache, responder: newResponder(nil)}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	status := http.StatusOK

	switch {
	case !h.cache.Ready():
		resp.Status = "starting"
		status = http.StatusServiceUnavailable
	case h.cache.Err() != nil:
		resp.Status = "degraded"
		resp.Error = h.cache.Err().Error()
		status = http.StatusServiceUnavailable
	}
	if at := h.cache.RefreshedAt(); !at.IsZero() {
		resp.RefreshedAt = &at
	}

	h.responder.writeJSON(r.Context(), w, status, resp)
}

type healthResponse struct {
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	RefreshedAt *time.Time `json:"refreshed_at,omitempty"`
}
