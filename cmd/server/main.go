// Lenswatch - Camera Event and Media Lifecycle Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenswatch

// Package main is the entry point for the Lenswatch server.
//
// Lenswatch sits between a cloud camera service and local consumers. It
// ingests push event messages, aggregates them into logical events per
// camera session, caches event media through a memory/disk hierarchy, and
// manages live-stream token renewal. Consumers get a REST API plus a
// WebSocket feed of finalized events.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: environment variables and optional YAML file (Koanf v2)
//  2. Storage: BadgerDB for the media index, plus the media directory
//  3. Cloud client: rate-limited, circuit-broken upstream API access
//  4. Pipeline: media cache, stream manager, event dispatcher
//  5. WebSocket hub: real-time fan-out of finalized events
//  6. NATS (optional): JetStream ingest of push messages, embedded or external
//  7. HTTP server: REST API with JWT auth and Casbin RBAC
//
// All long-running components run under a suture supervisor tree; a crash
// in one layer restarts only that layer.
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins): environment variables, config file (CONFIG_PATH), then
// built-in defaults. Required settings:
//
//   - CLOUD_BASE_URL: upstream camera API root
//   - SECURITY_JWT_SECRET: 32+ character signing secret
//     (or SECURITY_AUTH_DISABLED=true for development)
//
// # Signal Handling
//
// SIGINT and SIGTERM trigger graceful shutdown: the HTTP server drains
// connections, open streams are revoked upstream, and the media index is
// flushed to disk.
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

	"github.com/dgraph-io/badger/v4"

	"github.com/tomtom215/lenswatch/internal/api"
	"github.com/tomtom215/lenswatch/internal/auth"
	"github.com/tomtom215/lenswatch/internal/authz"
	"github.com/tomtom215/lenswatch/internal/cloud"
	"github.com/tomtom215/lenswatch/internal/config"
	"github.com/tomtom215/lenswatch/internal/devices"
	"github.com/tomtom215/lenswatch/internal/dispatcher"
	"github.com/tomtom215/lenswatch/internal/events"
	"github.com/tomtom215/lenswatch/internal/logging"
	"github.com/tomtom215/lenswatch/internal/media"
	"github.com/tomtom215/lenswatch/internal/stream"
	"github.com/tomtom215/lenswatch/internal/supervisor"
	"github.com/tomtom215/lenswatch/internal/supervisor/services"
	ws "github.com/tomtom215/lenswatch/internal/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Default logger; config is not available yet.
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("cloud_url", cfg.Cloud.BaseURL).
		Str("media_dir", cfg.Media.Dir).
		Bool("nats_enabled", cfg.NATS.Enabled).
		Msg("Starting Lenswatch")

	// Media index store. Badger also backs JetStream dedupe state via its
	// own store dir; this database holds only the media records.
	badgerOpts := badger.DefaultOptions(cfg.Database.Path)
	badgerOpts.Logger = nil
	db, err := badger.Open(badgerOpts)
	if err != nil {
		logging.Fatal().Err(err).Str("path", cfg.Database.Path).Msg("Failed to open media index database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing media index database")
		}
	}()

	cloudClient := cloud.NewClient(cloud.ClientConfig{
		BaseURL:                 cfg.Cloud.BaseURL,
		Timeout:                 cfg.Cloud.Timeout,
		RequestsPerSecond:       cfg.Cloud.RequestsPerSecond,
		BreakerFailureThreshold: cfg.Cloud.BreakerFailureThreshold,
		BreakerTimeout:          cfg.Cloud.BreakerTimeout,
	}, cloud.StaticTokenSource(cfg.Cloud.AccessToken))

	registry := devices.NewRegistry()

	disk, err := media.OpenDiskStore(db, media.DiskStoreConfig{
		MediaDir:    cfg.Media.Dir,
		SaveDelay:   cfg.Media.SaveDelay,
		FileLRUSize: cfg.Media.FileLRUSize,
		Workers:     cfg.Media.Workers,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open media disk store")
	}
	defer func() {
		if err := disk.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing media disk store")
		}
	}()

	mediaCache := media.NewCache(media.CacheConfig{
		MemoryEntries: cfg.Media.MemoryEntries,
		Retention:     cfg.Media.Retention,
	}, disk, cloudClient)

	streams := stream.NewManager(stream.Config{
		RenewalBuffer:      cfg.Stream.RenewalBuffer,
		MinRefreshInterval: cfg.Stream.MinRefreshInterval,
	}, cloudClient, registry, nil)

	d := dispatcher.New(dispatcher.Config{
		QueueSize: cfg.Events.QueueSize,
		Aggregator: events.AggregatorConfig{
			IdleTimeout:    cfg.Events.IdleTimeout,
			OldestEventAge: cfg.Events.OldestEventAge,
		},
	}, mediaCache, streams, registry)

	// Real-time feed: finalized events and stream renewals reach every
	// connected WebSocket client.
	wsHub := ws.NewHub()
	d.SubscribeAll(wsHub.BroadcastEvent)
	streams.SetNotifyFunc(wsHub.BroadcastStreamRenewed)

	var jwtManager *auth.JWTManager
	if cfg.Security.AuthDisabled {
		logging.Warn().Msg("============================================================")
		logging.Warn().Msg("  SECURITY WARNING: Authentication is DISABLED")
		logging.Warn().Msg("  All endpoints are publicly accessible.")
		logging.Warn().Msg("  Use SECURITY_AUTH_DISABLED=true only for local development.")
		logging.Warn().Msg("============================================================")
	} else {
		jwtManager, err = auth.NewJWTManager(&cfg.Security)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to initialize JWT manager")
		}
		logging.Info().Msg("JWT authentication enabled")
	}

	enforcerCfg := authz.DefaultConfig()
	enforcerCfg.ModelPath = cfg.Security.CasbinModelPath
	enforcerCfg.PolicyPath = cfg.Security.CasbinPolicyPath
	enforcer, err := authz.NewEnforcer(enforcerCfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize authorization enforcer")
	}
	defer enforcer.Close()

	authMW := auth.NewMiddleware(jwtManager, enforcer, cfg.Security.AuthDisabled)

	handler := api.NewHandler(registry, mediaCache, streams, d, wsHub)
	chiMW := api.NewChiMiddleware(&api.ChiMiddlewareConfig{
		CORSAllowedOrigins: cfg.Security.CORSOrigins,
		RateLimitRequests:  cfg.Security.RateLimitReqs,
		RateLimitWindow:    cfg.Security.RateLimitWindow,
	})
	router := api.NewRouter(handler, chiMW, authMW)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Setup(),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bridge zerolog to slog for sutureslog.
	slogger := slog.New(logging.NewSlogHandler())
	tree, err := supervisor.NewTree(slogger, supervisor.DefaultTreeConfig())
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create supervisor tree")
	}

	nats, err := initNATS(ctx, cfg, d)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize NATS transport")
	}
	defer nats.close()

	tree.AddMediaService(services.NewRetentionService(mediaCache, cfg.Media.SweepInterval))
	tree.AddEventService(services.NewRunnerService("event-dispatcher", d))
	tree.AddEventService(services.NewRunnerService("websocket-hub", wsHub))
	if nats != nil {
		tree.AddEventService(services.NewRunnerService("transport-ingestor", nats.ingestor))
	}
	tree.AddAPIService(services.NewHTTPServerService(server, 10*time.Second))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	// Revoke live streams upstream so grants do not outlive the process.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	streams.CloseAll(shutdownCtx)
	shutdownCancel()

	logging.Info().Msg("Lenswatch stopped gracefully")
}
