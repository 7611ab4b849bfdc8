package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/rpattn/versionlog/internal/api"
	"github.com/rpattn/versionlog/internal/config"
	"github.com/rpattn/versionlog/internal/db"
	"github.com/rpattn/versionlog/internal/history"
	"github.com/rpattn/versionlog/internal/ingestion"
	"github.com/rpattn/versionlog/internal/metrics"
	"github.com/rpattn/versionlog/internal/middleware"
	"github.com/rpattn/versionlog/internal/repository"
)

func main() {
	configPath := flag.String("config", ".", "directory containing config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath, nil)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup database connection
	conn, err := db.NewConnection(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Run migrations
	if err := db.RunMigrations(ctx, conn.DB.DB, logger); err != nil {
		return err
	}

	store := repository.NewSQLStore(conn.DB,
		repository.WithIsolation(cfg.Isolation),
		repository.WithStoreLogger(logger),
	)
	if err := history.EnsureIDMode(ctx, store, cfg.History.Identity); err != nil {
		return err
	}

	registry, err := cfg.Registry()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	recorder, err := metrics.NewRecorder(reg)
	if err != nil {
		return err
	}

	opts := []history.Option{history.WithLogger(logger), history.WithMetrics(recorder)}
	engine := history.NewEngine(store, registry, cfg.History, opts...)
	tracker := history.NewTracker(store, registry, cfg.History, opts...)

	// Setup CORS
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
	})

	historyHandler := middleware.LoggingMiddleware(logger)(
		middleware.AttributionMiddleware(
			middleware.DataLoaderMiddleware(engine, 5*time.Millisecond)(
				api.NewHandler(engine, tracker, logger),
			),
		),
	)

	importHandler := middleware.LoggingMiddleware(logger)(
		middleware.AttributionMiddleware(
			ingestion.NewHTTPHandler(ingestion.NewService(tracker, registry, logger)),
		),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	mux.Handle("/imports", corsHandler.Handler(importHandler))
	mux.Handle("/", corsHandler.Handler(historyHandler))

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting history server", zap.String("addr", cfg.Server.Addr), zap.Strings("kinds", registry.Tags()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		return err
	case <-quit:
	}
	logger.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}

	logger.Info("server exited")
	return nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zapCfg.Level = level
	}
	return zapCfg.Build()
}
