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

	"github.com/example/doclet/internal/broadcast"
	"github.com/example/doclet/internal/config"
	"github.com/example/doclet/internal/observability"
	"github.com/example/doclet/internal/presence"
	"github.com/example/doclet/internal/relay"
	"github.com/example/doclet/internal/ws"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := log.With().Str("app", cfg.AppName).Str("service", "collab").Str("instance", cfg.InstanceID).Logger()
	observability.RegisterRuntimeCollectors()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resources, err := config.NewResources(ctx, cfg, config.Requirements{Redis: cfg.RedisAddr != ""})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize resources")
	}
	defer resources.Close()

	telemetry, err := observability.Start(ctx, observability.Config{
		ServiceName:  cfg.AppName + "-collab",
		Role:         "collab",
		InstanceID:   cfg.InstanceID,
		MetricsAddr:  cfg.MetricsAddr,
		OTLPEndpoint: cfg.OTLPEndpoint,
		Ready:        resources.HealthCheck,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer telemetry.Shutdown(context.Background())

	registry := ws.NewConnectionRegistry()

	var relayOpts relay.Options
	var presencePublisher presence.Publisher
	if resources.Redis != nil {
		broadcaster := broadcast.NewRedisBroadcaster(resources.Redis, registry, cfg.InstanceID, logger)
		broadcaster.Start(ctx)
		relayOpts.Publisher = broadcaster
		presencePublisher = broadcaster
		logger.Info().Msg("cross-instance relay enabled")
	} else {
		logger.Info().Msg("redis not configured; relaying within this instance only")
	}

	tracker := presence.NewTracker(resources.Redis, registry, presencePublisher, cfg.PresenceTTL, logger)
	tracker.Start(ctx)
	relayOpts.Presence = tracker

	server := relay.NewServer(registry, logger, relayOpts)
	gateway, err := ws.NewGateway(registry, logger, server.Hooks(), ws.GatewayConfig{
		HeartbeatInterval:  cfg.HeartbeatInterval,
		HeartbeatTolerance: cfg.HeartbeatTolerance,
		SendBuffer:         cfg.SendBuffer,
		WriteTimeout:       cfg.WriteTimeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build websocket gateway")
	}

	httpServer := &http.Server{
		Addr:              cfg.CollabAddr,
		Handler:           observability.AccessLog("collab", logger, server.Router(gateway)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", cfg.CollabAddr).Msg("collab server starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("collab server failed")
			stop()
		}
	}()

	go healthLoop(ctx, resources, cfg.HealthcheckProbe, logger)

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

func healthLoop(ctx context.Context, resources *config.Resources, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
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
}
