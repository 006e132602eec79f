// Command notify-worker fans slot freed events out to every registered device.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"github.com/example/gym-scheduler/internal/config"
	"github.com/example/gym-scheduler/internal/notify"
	"github.com/example/gym-scheduler/internal/persistence/sqlite"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("failed to load .env file", "error", err)
	}

	cfg, err := config.LoadWorker()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.Store != config.StoreSQLite {
		logger.Error("the notification worker reads push tokens from the sqlite store", "store", cfg.Store)
		os.Exit(1)
	}

	store, err := sqlite.Open(cfg.SQLiteDSN, sqlite.Options{})
	if err != nil {
		logger.Error("failed to open storage", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close storage", "error", err)
		}
	}()
	if err := store.Migrate(ctx); err != nil {
		logger.Error("failed to apply migrations", "error", err)
		os.Exit(1)
	}

	conn, err := nats.Connect(cfg.NATSURL, nats.Name("notify-worker"), nats.MaxReconnects(-1))
	if err != nil {
		logger.Error("failed to connect to nats", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	fanout := notify.NewFanout(store, notify.NewLogSender(logger), logger)
	if _, err := fanout.Subscribe(ctx, conn); err != nil {
		logger.Error("failed to subscribe", "subject", notify.SubjectSlotFreed, "error", err)
		os.Exit(1)
	}

	logger.Info("notification worker listening", "subject", notify.SubjectSlotFreed)
	<-ctx.Done()

	if err := conn.Drain(); err != nil {
		logger.Error("failed to drain nats connection", "error", err)
	}
	logger.Info("notification worker stopped")
}
