package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/example/gym-scheduler/internal/auth"
	"github.com/example/gym-scheduler/internal/cache"
	"github.com/example/gym-scheduler/internal/config"
	"github.com/example/gym-scheduler/internal/enrollment"
	httptransport "github.com/example/gym-scheduler/internal/http"
	"github.com/example/gym-scheduler/internal/notify"
	"github.com/example/gym-scheduler/internal/persistence"
	"github.com/example/gym-scheduler/internal/persistence/memory"
	"github.com/example/gym-scheduler/internal/persistence/sqlite"
	"github.com/example/gym-scheduler/internal/schedule"
	"github.com/example/gym-scheduler/internal/sweeper"
	"github.com/example/gym-scheduler/internal/tracing"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("failed to load .env file", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	shutdownTracing, err := tracing.InitTracerProvider(ctx, "gymd", cfg.OTELEndpoint, logger)
	if err != nil {
		logger.Error("failed to initialise tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error("failed to shutdown tracing", "error", err)
		}
	}()

	gym, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer gym.Close()

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           gym.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		gym.live.Close()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("failed to shutdown server", "error", err)
		}
	}()

	logger.Info("gym API listening", "addr", server.Addr, "store", cfg.Store)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server encountered error", "error", err)
		os.Exit(1)
	}
}

// gymStore is what the service needs from a store implementation.
type gymStore interface {
	persistence.ClassStore
	persistence.ProfileStore
	Close() error
}

type app struct {
	store   gymStore
	cache   *cache.Cache
	live    *httptransport.LiveFeed
	handler http.Handler
	closers []func()
}

// newApp wires the store, the read cache with its refresh hooks, the engine
// and the HTTP surface, then starts the cache subscription.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a := &app{store: store}
	a.closers = append(a.closers, func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close storage", "error", err)
		}
	})

	dispatcher, closeDispatcher, err := newDispatcher(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, closeDispatcher)

	sweep := sweeper.New(store, sweeper.Options{
		Calendar: schedule.NewCalendar(cfg.Location),
		Logger:   logger,
	})
	a.live = httptransport.NewLiveFeed(cfg.CORSOrigins, logger)
	a.cache = cache.New(cache.Options{
		Logger: logger,
		Hooks:  []cache.RefreshHook{sweep.OnRefresh, a.live.OnRefresh},
	})

	engine := enrollment.NewEngineWithOptions(store, a.cache, cfg.Policy(), dispatcher, enrollment.Options{Logger: logger})
	verifier := auth.NewVerifier(cfg.JWTSecret, nil)

	router := httptransport.NewRouter(httptransport.RouterConfig{
		Classes:    httptransport.NewClassHandler(engine, a.cache, cfg.Location, nil, logger),
		Profiles:   httptransport.NewProfileHandler(store, logger),
		Live:       a.live,
		Health:     httptransport.NewHealthHandler(a.cache),
		Metrics:    promhttp.Handler(),
		Auth:       httptransport.RequireUser(verifier, store, logger),
		Middleware: []func(http.Handler) http.Handler{httptransport.RequestLogger(logger)},
	})
	a.handler = cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(router)

	if err := a.cache.Start(ctx, store); err != nil {
		a.Close()
		return nil, fmt.Errorf("start class cache: %w", err)
	}
	a.closers = append(a.closers, a.cache.Stop)

	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (gymStore, error) {
	switch cfg.Store {
	case config.StoreMemory:
		logger.Warn("using in-memory store, data is lost on restart")
		return memory.New(memory.Options{
			MaxAttempts: cfg.TxMaxRetries + 1,
			Resync:      cfg.ResyncInterval,
		}), nil
	case config.StoreSQLite:
		retry := sqlite.DefaultRetryConfig()
		retry.MaxRetries = cfg.TxMaxRetries
		store, err := sqlite.Open(cfg.SQLiteDSN, sqlite.Options{Retry: retry, Resync: cfg.ResyncInterval})
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		logger.InfoContext(ctx, "applying database migrations")
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
		logger.InfoContext(ctx, "database migrations completed")
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

// newDispatcher publishes slot freed events to NATS, or logs them when no
// server is configured.
func newDispatcher(cfg config.Config, logger *slog.Logger) (enrollment.Dispatcher, func(), error) {
	if cfg.NATSURL == "" {
		logger.Warn("GYM_NATS_URL not set, slot freed notifications are only logged")
		return notify.NewLogDispatcher(logger), func() {}, nil
	}

	conn, err := nats.Connect(cfg.NATSURL, nats.Name("gymd"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, nil, fmt.Errorf("connect to nats: %w", err)
	}
	logger.Info("connected to nats", "url", cfg.NATSURL)

	closeConn := func() {
		if err := conn.Drain(); err != nil {
			logger.Error("failed to drain nats connection", "error", err)
		}
	}
	return notify.NewNATSDispatcher(conn, time.Now, logger), closeConn, nil
}
