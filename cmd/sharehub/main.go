package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/sharehub/pkg/audit"
	"github.com/platinummonkey/sharehub/pkg/auth"
	"github.com/platinummonkey/sharehub/pkg/config"
	"github.com/platinummonkey/sharehub/pkg/httputil"
	"github.com/platinummonkey/sharehub/pkg/middleware"
	"github.com/platinummonkey/sharehub/pkg/observability"
	"github.com/platinummonkey/sharehub/pkg/rbac"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "sharehub: %v\n", err)
		os.Exit(1)
	}

	// Flags override environment
	flag.StringVar(&cfg.Server.Addr, "addr", cfg.Server.Addr, "Address to listen on")
	flag.StringVar(&cfg.Observability.LogLevel, "log-level", cfg.Observability.LogLevel, "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.Observability.LogFormat, "log-format", cfg.Observability.LogFormat, "Log format (json, text)")
	flag.StringVar(&cfg.RBAC.PolicyFile, "policy", cfg.RBAC.PolicyFile, "YAML policy file applied at startup")
	flag.BoolVar(&cfg.RBAC.WatchPolicy, "watch-policy", cfg.RBAC.WatchPolicy, "Reapply the policy file when it changes")
	flag.DurationVar(&cfg.RBAC.CacheTTL, "cache-ttl", cfg.RBAC.CacheTTL, "Identity cache TTL")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "sharehub: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sharehub: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("sharehub exited with error")
	}
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	db, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	logger.Info("Connected to PostgreSQL")

	redisClient, err := openRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient == nil {
		logger.Warn("SHAREHUB_REDIS_URL not set, running without identity cache and rate limiting")
	} else {
		logger.Info("Connected to Redis")
	}

	registry := observability.NewRegistry()

	auditStore, err := audit.NewSQLStore(db)
	if err != nil {
		return fmt.Errorf("failed to create audit store: %w", err)
	}
	if err := auditStore.EnsureTable(ctx, "postgres"); err != nil {
		return fmt.Errorf("failed to prepare audit table: %w", err)
	}
	trail := audit.NewTrail(auditStore, logger, registry)

	rbacConfig := rbac.DefaultConfig()
	rbacConfig.CacheTTL = cfg.RBAC.CacheTTL
	rbacConfig.CachePrefix = cfg.RBAC.CachePrefix
	rbacConfig.PolicyFile = cfg.RBAC.PolicyFile
	rbacConfig.SweepSchedule = cfg.RBAC.SweepSchedule

	authz := rbac.NewManager(db, redisClient, trail, registry, logger, rbacConfig)
	if err := authz.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize authorization: %w", err)
	}

	tokens := auth.NewTokenManager([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	router := newRouter(cfg, logger, registry, db, redisClient, tokens, trail, authz)

	server := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: httputil.Chain(
			httputil.RequestIDMiddleware,
			httputil.LoggingMiddleware(logger),
			httputil.RecoveryMiddleware(logger),
			httputil.MaxBytesMiddleware(cfg.Server.MaxBodyBytes),
		)(otelhttp.NewHandler(router, "sharehub")),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	scheduler := cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(logger))))
	if err := authz.ScheduleSweeps(scheduler); err != nil {
		return err
	}
	scheduler.Start()

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.Register("database", func(context.Context) error { return db.Close() })
	if redisClient != nil {
		shutdown.Register("redis", func(context.Context) error { return redisClient.Close() })
	}
	shutdown.Register("opentelemetry", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, logger)
	})
	shutdown.Register("scheduler", func(ctx context.Context) error {
		select {
		case <-scheduler.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	shutdown.Register("background", func(context.Context) error {
		cancel()
		return nil
	})

	g, gctx := errgroup.WithContext(ctx)
	if cfg.RBAC.WatchPolicy {
		g.Go(func() error {
			defer observability.RecoverPanic(logger, "policy watcher")
			return authz.WatchPolicy(gctx)
		})
	}
	g.Go(func() error {
		logger.WithFields(logrus.Fields{
			"addr":    cfg.Server.Addr,
			"version": version,
		}).Info("Starting sharehub server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return shutdown.WaitForSignal(gctx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Server stopped")
	return nil
}

func newRouter(
	cfg *config.Config,
	logger logrus.FieldLogger,
	registry *prometheus.Registry,
	db *sql.DB,
	redisClient *redis.Client,
	tokens *auth.TokenManager,
	trail *audit.Trail,
	authz *rbac.Manager,
) *mux.Router {
	router := mux.NewRouter()

	httpMetrics := observability.NewHTTPMetrics(registry)
	router.Use(httpMetrics.Middleware)

	observability.RegisterHealthRoutes(router, observability.NewHealthChecker(db, redisClient, version))
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(router, registry)
	}

	authn := middleware.NewAuthenticator(tokens, logger)

	api := router.PathPrefix("/").Subrouter()
	api.Use(authn.Handler)

	limited := api
	if redisClient != nil && cfg.RateLimit.Enabled {
		proxies, err := middleware.ParseTrustedProxies(cfg.RateLimit.TrustedProxies)
		if err != nil {
			logger.WithError(err).Warn("ignoring trusted proxies, forwarding headers will not be honoured")
		}
		limiter := middleware.NewRateLimiter(redisClient, cfg.RateLimit.Prefix, logger, middleware.WithTrustedProxies(proxies))

		authLimit := middleware.AuthLimit()
		authLimit.Window = cfg.RateLimit.AuthWindow
		authLimit.MaxRequests = cfg.RateLimit.AuthMax
		api.Handle("/auth/refresh", limiter.RateLimit(authLimit)(middleware.RefreshHandler(tokens, logger))).Methods("POST")

		defaultLimit := middleware.DefaultLimit()
		defaultLimit.Window = cfg.RateLimit.Window
		defaultLimit.MaxRequests = cfg.RateLimit.MaxRequests
		limited = api.PathPrefix("/").Subrouter()
		limited.Use(limiter.RateLimit(defaultLimit))
	} else {
		api.Handle("/auth/refresh", middleware.RefreshHandler(tokens, logger)).Methods("POST")
	}

	authz.RegisterRoutes(limited)

	auditRoutes := limited.NewRoute().Subrouter()
	auditRoutes.Use(authz.Guards().RequireRole(rbac.RoleAdmin))
	audit.NewHandlers(trail).RegisterRoutes(auditRoutes)

	return router
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func openRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opts.MaxRetries = cfg.MaxRetries
	opts.PoolSize = cfg.PoolSize

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}
