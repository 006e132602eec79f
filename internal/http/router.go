package http

import (
	"net/http"
	"strings"
)

type RouterConfig struct {
	Classes  *ClassHandler
	Profiles *ProfileHandler
	Live     http.Handler
	Health   http.Handler
	Metrics  http.Handler
	// Auth guards the member endpoints; health and metrics stay public.
	Auth       func(http.Handler) http.Handler
	Middleware []func(http.Handler) http.Handler
}

func NewRouter(cfg RouterConfig) http.Handler {
	mux := http.NewServeMux()

	protect := func(h http.Handler) http.Handler {
		if cfg.Auth == nil {
			return h
		}
		return cfg.Auth(h)
	}

	if cfg.Health != nil {
		mux.Handle("/healthz", cfg.Health)
	}
	if cfg.Metrics != nil {
		mux.Handle("/metrics", cfg.Metrics)
	}

	if cfg.Live != nil {
		mux.Handle("/classes/live", protect(onlyMethod(http.MethodGet, cfg.Live)))
	}

	if cfg.Classes != nil {
		mux.Handle("/classes", protect(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				methodNotAllowed(w, http.MethodGet)
				return
			}
			cfg.Classes.List(w, r)
		})))
		mux.Handle("/classes/", protect(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rest := strings.TrimPrefix(r.URL.Path, "/classes/")
			id, tail, found := strings.Cut(rest, "/")
			if id == "" || !found || tail != "enrollment" {
				http.NotFound(w, r)
				return
			}
			ctx := ContextWithClassID(r.Context(), id)
			r = r.WithContext(ctx)
			switch r.Method {
			case http.MethodPost:
				cfg.Classes.Enroll(w, r)
			case http.MethodDelete:
				cfg.Classes.Unenroll(w, r)
			default:
				methodNotAllowed(w, http.MethodPost, http.MethodDelete)
			}
		})))
		mux.Handle("/me/weekly-enrollments", protect(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				methodNotAllowed(w, http.MethodGet)
				return
			}
			cfg.Classes.WeeklyEnrollments(w, r)
		})))
	}

	if cfg.Profiles != nil {
		mux.Handle("/me/push-tokens", protect(onlyMethod(http.MethodPut, http.HandlerFunc(cfg.Profiles.RegisterPushToken))))
	}

	var handler http.Handler = mux
	if len(cfg.Middleware) > 0 {
		for i := len(cfg.Middleware) - 1; i >= 0; i-- {
			if cfg.Middleware[i] != nil {
				handler = cfg.Middleware[i](handler)
			}
		}
	}

	return handler
}

func onlyMethod(method string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			methodNotAllowed(w, method)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
}
