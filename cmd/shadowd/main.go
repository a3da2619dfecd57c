package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/moru-ai/shadow/internal/adapter/docker"
	shadowhttp "github.com/moru-ai/shadow/internal/adapter/http"
	"github.com/moru-ai/shadow/internal/adapter/natsobj"
	"github.com/moru-ai/shadow/internal/adapter/otel"
	"github.com/moru-ai/shadow/internal/adapter/postgres"
	"github.com/moru-ai/shadow/internal/adapter/ristretto"
	"github.com/moru-ai/shadow/internal/adapter/ws"
	"github.com/moru-ai/shadow/internal/config"
	"github.com/moru-ai/shadow/internal/logger"
	"github.com/moru-ai/shadow/internal/resilience"
	"github.com/moru-ai/shadow/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := logger.New(cfg.Logging)
	slog.SetDefault(log)

	log.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"sandbox_image", cfg.Sandbox.Image,
	)

	ctx := context.Background()

	// --- Infrastructure ---

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	log.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	log.Info("migrations applied")

	blobs, err := natsobj.Connect(ctx, cfg.NATS.URL, cfg.NATS.Bucket)
	if err != nil {
		return fmt.Errorf("nats object store: %w", err)
	}
	defer func() { _ = blobs.Close() }()
	log.Info("archive store connected", "bucket", cfg.NATS.Bucket)

	cache, err := ristretto.New(cfg.Cache.MaxBytes)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer cache.Close()

	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Services ---

	hub := ws.NewHub()
	store := postgres.NewStore(pool)
	events := postgres.NewEventStore(pool)
	provider := docker.NewProvider(cfg.Sandbox, cfg.Sandbox.WorkspacesDir)
	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)

	turns := service.NewTurnRegistry()
	streams := service.NewStreamRegistry()
	watchers := service.NewWatcherRegistry()
	hub.SetJoinHook(streams.JoinHook())
	hub.SetBufferHook(streams.BufferHook())

	archives := service.NewArchiveService(blobs, cache, cfg.Archive.MaxConcurrent, metrics, log)
	checkpoints := service.NewCheckpointService(store, watchers, hub, cfg.Watcher.SettleDelay, log)
	tasks := service.NewTaskService(store, events, log)

	supervisor := service.NewSupervisor(service.SupervisorDeps{
		Config:      *cfg,
		DB:          store,
		Events:      events,
		Provider:    provider,
		Breaker:     breaker,
		Archives:    archives,
		Checkpoints: checkpoints,
		Turns:       turns,
		Streams:     streams,
		Watchers:    watchers,
		Broadcaster: hub,
		Metrics:     metrics,
		Logger:      log,
	})

	// --- HTTP ---

	handlers := &shadowhttp.Handlers{
		Tasks:       tasks,
		Supervisor:  supervisor,
		Checkpoints: checkpoints,
		Archives:    archives,
		Hub:         hub,
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(shadowhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(shadowhttp.Logger)
	r.Use(chimw.Recoverer)
	r.Use(otel.HTTPMiddleware(cfg.Logging.Service))

	shadowhttp.MountRoutes(r, handlers)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		// No write timeout: message delivery blocks for the whole turn,
		// and the WebSocket endpoint holds its connection open.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
		}
	}()

	<-done
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}
