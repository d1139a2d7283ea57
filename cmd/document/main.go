package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/doclet/internal/config"
	"github.com/example/doclet/internal/docservice"
	"github.com/example/doclet/internal/history"
	"github.com/example/doclet/internal/observability"
	"github.com/example/doclet/internal/snapshot"
	"github.com/example/doclet/internal/storage"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := log.With().Str("app", cfg.AppName).Str("service", "document").Logger()
	observability.RegisterRuntimeCollectors()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resources, err := config.NewResources(ctx, cfg, config.Requirements{
		Postgres: true,
		Redis:    cfg.RedisAddr != "",
		Object:   cfg.ObjectEndpoint != "",
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize resources")
	}
	defer resources.Close()

	telemetry, err := observability.Start(ctx, observability.Config{
		ServiceName:  cfg.AppName + "-document",
		Role:         "document",
		InstanceID:   cfg.InstanceID,
		MetricsAddr:  cfg.MetricsAddr,
		OTLPEndpoint: cfg.OTLPEndpoint,
		Ready:        resources.HealthCheck,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer telemetry.Shutdown(context.Background())

	store := storage.NewDocuments(resources.Postgres)
	if err := store.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate schema")
	}

	var historyHandler *history.HTTPHandler
	var archiver snapshot.Archiver
	if resources.Object != nil {
		archive := history.NewService(history.NewMinioStore(resources.Object, cfg.ObjectBucket), logger, history.Config{CacheSize: cfg.HistoryCacheSize})
		historyHandler = history.NewHTTPHandler(archive, logger)
		archiver = archive
	} else {
		logger.Info().Msg("object storage not configured; history disabled")
	}

	if resources.Redis != nil {
		consumer := snapshot.NewConsumer(resources.Redis, store, archiver, snapshot.Config{ArchiveInterval: cfg.ArchiveInterval}, logger)
		consumer.Start(ctx)
		logger.Info().Msg("snapshot consumer started")
	} else {
		logger.Warn().Msg("redis not configured; snapshots from the relay will not be persisted")
	}

	server := docservice.NewServer(store, historyHandler, logger)
	httpServer := &http.Server{
		Addr:              cfg.DocumentAddr,
		Handler:           observability.AccessLog("document", logger, server.Router()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", cfg.DocumentAddr).Msg("document server starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("document server failed")
			stop()
		}
	}()

	go func() {
		ticker := time.NewTicker(cfg.HealthcheckProbe)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := resources.HealthCheck(ctx); err != nil {
					logger.Error().Err(err).Msg("dependency healthcheck failed")
				} else {
					logger.Debug().Msg("dependency healthcheck ok")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
		return
	}
	logger.Info().Msg("shutdown complete")
}
