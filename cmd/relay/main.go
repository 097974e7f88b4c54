package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pitch-relay/internal/api"
	"pitch-relay/internal/config"
	"pitch-relay/internal/crdt"
	"pitch-relay/internal/db"
	"pitch-relay/internal/relay"
	"pitch-relay/internal/repository"
	"pitch-relay/internal/services/collaboration"
	"pitch-relay/internal/telemetry"
)

/*
LEARNING: STARTUP ORDER

 1. Config and logging
 2. Tracing (optional)
 3. Session ledger (optional)
 4. Shared state: exactly one document + awareness for the process
 5. Broadcast group bound to that state
 6. Router and server; Start blocks until SIGINT/SIGTERM or a bind error
 7. Shutdown: server, broadcast group, ledger, tracing
*/

func main() {
	if err := run(); err != nil {
		slog.Error("relay stopped", "err", err)
		if errors.Is(err, relay.ErrBind) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	host := flag.String("host", cfg.ServerHost, "the host to listen on")
	port := flag.Int("port", cfg.ServerPort, "the port to listen on")
	flag.Parse()
	cfg.ServerHost = *host
	cfg.ServerPort = *port
	if err := cfg.Validate(); err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))
	slog.Info("🚀 starting sync relay", "addr", cfg.Addr(), "path", cfg.SyncPath)

	if cfg.TracingEnabled {
		shutdownTracing, err := telemetry.InitJaeger("pitch-relay", cfg.JaegerEndpoint)
		if err != nil {
			slog.Warn("failed to initialize Jaeger, continuing without tracing", "err", err)
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTracing(ctx); err != nil {
					slog.Warn("failed to shutdown Jaeger", "err", err)
				}
			}()
		}
	}

	var (
		recorder collaboration.SessionRecorder
		ledger   api.SessionLedger
	)
	if cfg.DatabaseURL != "" {
		database, err := db.NewGorm(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer database.Close()

		sessionRepo := repository.NewPeerSessionRepository(database.DB)
		recorder = sessionRepo
		ledger = sessionRepo
	}

	// One document and one awareness set for the whole process
	state := crdt.NewSharedState(crdt.NewAutomergeDoc(), crdt.NewAwareness())

	group := collaboration.NewBroadcastGroup(state, collaboration.Options{
		Capacity:         cfg.SendBuffer,
		SendTimeout:      cfg.SendTimeout,
		AwarenessTimeout: cfg.AwarenessTimeout,
		Recorder:         recorder,
	})
	group.Start()
	defer group.Shutdown()

	wsHandler := collaboration.NewWebSocketHandler(group, collaboration.WSOptions{
		WriteTimeout:    cfg.WriteTimeout,
		MaxMessageBytes: cfg.MaxMessageBytes,
	})

	handler := api.NewHandler(group, wsHandler, ledger)
	router := api.SetupRoutes(handler, cfg.SyncPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := relay.NewServer(cfg.Addr(), router)
	if err := server.Start(ctx); err != nil {
		return err
	}

	slog.Info("🛑 shutting down relay")
	return nil
}
