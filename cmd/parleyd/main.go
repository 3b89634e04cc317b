// Package main is the entry point for the parleyd chat session server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parleyhq/parley/internal/ai"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/gateway"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/internal/redispool"
	"github.com/parleyhq/parley/internal/secret"
	"github.com/parleyhq/parley/internal/secret/env"
	secretvault "github.com/parleyhq/parley/internal/secret/vault"
	"github.com/parleyhq/parley/internal/session"
	"github.com/parleyhq/parley/internal/ws"
	"github.com/parleyhq/parley/pkg/types"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	// Bootstrap logger; rebuilt below once the config says how to log.
	logger := observability.NewLogger(observability.LoggerConfig{
		Level:      slog.LevelInfo,
		Output:     os.Stdout,
		JSONFormat: true,
	}, observability.NewRedactor())

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logger = observability.NewLogger(observability.LoggerConfig{
		Level:      observability.ParseLevel(cfg.Logging.Level),
		Output:     os.Stdout,
		JSONFormat: cfg.Logging.Format != "text",
	}, observability.NewRedactor())
	slog.SetDefault(logger.Slog())

	logger.Info("starting parleyd", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Secret resolution: env:// always works, vault:// when configured.
	// Resolved values replace their references in the config in place.
	secrets := secret.NewManager()
	secrets.Register("env", secret.NewCachedProvider(env.New(), cfg.Secrets.CacheTTL))

	resolveCtx, cancelResolve := context.WithTimeout(ctx, 30*time.Second)
	resolve := func(name string, field *string) {
		value, err := secrets.Get(resolveCtx, *field)
		if err != nil {
			logger.Error("secret resolution failed", "field", name, "error", err)
			os.Exit(1)
		}
		*field = value
	}

	if cfg.Secrets.Vault.Enabled {
		// Vault's own login credentials may be env:// references, so they
		// resolve before the client exists. A vault:// reference here is a
		// bootstrap cycle and fails as an unregistered scheme.
		resolve("secrets.vault.role_id", &cfg.Secrets.Vault.RoleID)
		resolve("secrets.vault.secret_id", &cfg.Secrets.Vault.SecretID)
		vaultProvider, err := secretvault.New(secretvault.Config{
			Address:    cfg.Secrets.Vault.Address,
			AuthMethod: cfg.Secrets.Vault.AuthMethod,
			RoleID:     cfg.Secrets.Vault.RoleID,
			SecretID:   cfg.Secrets.Vault.SecretID,
			CACert:     cfg.Secrets.Vault.CACert,
			ClientCert: cfg.Secrets.Vault.ClientCert,
			ClientKey:  cfg.Secrets.Vault.ClientKey,
		}, logger.Slog())
		if err != nil {
			logger.Error("vault login failed", "error", err)
			os.Exit(1)
		}
		secrets.Register("vault", secret.NewCachedProvider(vaultProvider, cfg.Secrets.CacheTTL))
	}

	// Only secrets for enabled features are resolved, so a reference to an
	// unset variable in a disabled section does not block startup.
	if cfg.Redis.Enabled {
		resolve("redis.password", &cfg.Redis.Password)
	}
	if cfg.AI.Provider == provider.OpenAIName {
		resolve("ai.openai.api_key", &cfg.AI.OpenAI.APIKey)
	}
	if cfg.Archive.Enabled {
		resolve("archive.access_key_id", &cfg.Archive.AccessKeyID)
		resolve("archive.secret_key", &cfg.Archive.SecretKey)
	}
	cancelResolve()

	tracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		logger.Error("tracing init failed", "error", err)
		os.Exit(1)
	}

	pool := redispool.New(redispool.Config{
		Enabled:      cfg.Redis.Enabled,
		Host:         cfg.Redis.Host,
		Port:         cfg.Redis.Port,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		KeyPrefix:    cfg.Redis.KeyPrefix,
		DialTimeout:  cfg.Redis.DialTimeout,
		ProbeTimeout: cfg.Redis.ProbeTimeout,
	}, logger.Slog())

	store := session.NewRedisStore(pool, logger.Slog())
	coordinatorOpts := []session.CoordinatorOption{session.WithStore(store)}

	var archiver *session.Archiver
	if cfg.Archive.Enabled {
		archiver, err = session.NewArchiver(session.ArchiveConfig{
			Enabled:       true,
			Bucket:        cfg.Archive.Bucket,
			Region:        cfg.Archive.Region,
			AccessKeyID:   cfg.Archive.AccessKeyID,
			SecretKey:     cfg.Archive.SecretKey,
			Endpoint:      cfg.Archive.Endpoint,
			PathPrefix:    cfg.Archive.PathPrefix,
			FlushInterval: cfg.Archive.FlushInterval,
			BatchSize:     cfg.Archive.BatchSize,
		}, logger.Slog())
		if err != nil {
			logger.Error("archiver init failed", "error", err)
			os.Exit(1)
		}
		coordinatorOpts = append(coordinatorOpts, session.WithArchiver(archiver))
	}

	coordinator := session.NewCoordinator(session.CoordinatorConfig{
		TTL:           cfg.Session.TTL,
		SweepInterval: cfg.Session.SweepInterval,
	}, logger.Slog(), coordinatorOpts...)

	// Connect to the store and restore previous sessions without holding up
	// startup. A store that is down leaves the service memory-only; the
	// pool logs the details.
	if cfg.Redis.Enabled {
		go func() {
			if !store.Connect(ctx) {
				return
			}
			restored, err := coordinator.RestoreSessions(ctx)
			if err != nil {
				logger.Warn("session restore failed", "error", err)
				return
			}
			logger.Info("sessions restored from store", "count", restored)
		}()
	}

	registry := provider.NewRegistry()
	registry.Register(provider.NewStub())
	if cfg.AI.Provider == provider.OpenAIName {
		registry.Register(provider.NewOpenAI(
			provider.WithAPIKey(cfg.AI.OpenAI.APIKey),
			provider.WithBaseURL(cfg.AI.OpenAI.BaseURL),
			provider.WithModel(cfg.AI.OpenAI.Model),
			provider.WithTimeout(cfg.AI.OpenAI.Timeout),
		))
	}

	svc, err := ai.NewService(registry, ai.Config{
		Provider: cfg.AI.Provider,
		Options: types.CompletionOptions{
			Temperature: cfg.AI.Temperature,
			MaxTokens:   cfg.AI.MaxTokens,
		},
		CacheEnabled: cfg.AI.Cache.Enabled,
		CacheMaxSize: cfg.AI.Cache.MaxSize,
		CacheTTL:     cfg.AI.Cache.TTL,
	}, logger.Slog())
	if err != nil {
		logger.Error("ai service init failed", "error", err)
		os.Exit(1)
	}

	gw := gateway.New(coordinator, svc, gateway.Config{
		MaxMessageBytes: cfg.Gateway.MaxMessageBytes,
		Limiter: gateway.LimiterConfig{
			MessagesPerMinute: cfg.Gateway.RateLimit.MessagesPerMinute,
			Burst:             cfg.Gateway.RateLimit.Burst,
			IdleTTL:           cfg.Gateway.RateLimit.IdleTTL,
		},
	}, logger)

	wsServer := ws.NewServer(gw, ws.Config{}, logger)

	mux := http.NewServeMux()
	mux.Handle("GET /ws", observability.RequestIDMiddleware(wsServer.Handler()))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		storeState := "disabled"
		if cfg.Redis.Enabled {
			storeState = "degraded"
			if pool.IsAvailable() {
				storeState = "connected"
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   "ok",
			"version":  version,
			"sessions": coordinator.ActiveCount(),
			"store":    storeState,
			"provider": svc.ActiveProvider(),
		})
	})
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("server listening", "port", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()

	// Teardown mirrors construction in reverse. The HTTP server stops
	// accepting first; websocket connections are hijacked, so the ws server
	// interrupts and drains them itself.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("websocket shutdown incomplete", "error", err)
	}
	gw.Close()
	coordinator.Close()
	if archiver != nil {
		if err := archiver.Shutdown(shutdownCtx); err != nil {
			logger.Warn("archiver shutdown incomplete", "error", err)
		}
	}
	pool.Disconnect()
	if err := secrets.Close(); err != nil {
		logger.Warn("secret providers close failed", "error", err)
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown incomplete", "error", err)
	}

	logger.Info("stopped")
}
