package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/triage-ai/warden/internal/api"
	"github.com/triage-ai/warden/internal/auth"
	"github.com/triage-ai/warden/internal/chread"
	"github.com/triage-ai/warden/internal/config"
	"github.com/triage-ai/warden/internal/guard"
	"github.com/triage-ai/warden/internal/metrics"
	"github.com/triage-ai/warden/internal/semantic"
	"github.com/triage-ai/warden/internal/server"
	"github.com/triage-ai/warden/internal/storage"
	"github.com/triage-ai/warden/internal/store"
)

func main() {
	// Logger
	logger := mustBuildLogger(envOrDefault("GUARD_LOG_LEVEL", "info"))
	defer logger.Sync() //nolint:errcheck // best-effort flush

	// Server settings from env; guard behaviour comes from the config file
	httpPort := envOrDefault("GUARD_HTTP_PORT", "8080")
	grpcPort := os.Getenv("GUARD_GRPC_PORT")
	configPath := os.Getenv("GUARD_CONFIG")
	clickhouseDSN := os.Getenv("CLICKHOUSE_DSN")
	clickhouseSecure := envOrDefaultBool("CLICKHOUSE_SECURE", false)
	postgresDSN := os.Getenv("POSTGRES_DSN")
	authCacheTTL := envOrDefaultInt("GUARD_AUTH_CACHE_TTL_S", 30)
	refreshInterval := envOrDefaultInt("GUARD_CAPABILITY_REFRESH_S", 30)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", configPath), zap.Error(err))
	}

	logger.Info("starting guard server",
		zap.String("http_port", httpPort),
		zap.String("config", configPath),
		zap.Float64("trust_threshold", cfg.TrustThreshold),
		zap.Bool("guardrails", cfg.EnableGuardrails),
		zap.String("cache_backend", cfg.CacheBackend),
	)

	m := metrics.New()
	deps := guard.Deps{
		Logger:          logger,
		Metrics:         m,
		RefreshInterval: time.Duration(refreshInterval) * time.Second,
	}

	// Semantic classifier over gRPC
	if cfg.SemanticEndpoint != "" {
		classifier, err := semantic.NewGRPCClassifier(cfg.SemanticEndpoint, logger)
		if err != nil {
			logger.Error("failed to create semantic classifier, skipping",
				zap.String("endpoint", cfg.SemanticEndpoint),
				zap.Error(err),
			)
		} else {
			defer func() { _ = classifier.Close() }()
			deps.Classifier = classifier
			logger.Info("semantic classifier enabled", zap.String("endpoint", cfg.SemanticEndpoint))
		}
	}

	// Shared validation cache
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis ping failed, cache lookups will miss until it recovers", zap.Error(err))
		}
		deps.Redis = rdb
	}

	// Storage: ClickHouse or LogWriter fallback
	var writer storage.EventWriter
	if clickhouseDSN != "" {
		chWriter, err := storage.NewClickHouseWriter(clickhouseDSN, clickhouseSecure, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer",
				zap.Error(err),
			)
			writer = storage.NewLogWriter(logger)
		} else {
			writer = chWriter
			logger.Info("clickhouse writer connected")
		}
	} else {
		writer = storage.NewLogWriter(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
	}
	defer writer.Close()
	deps.Events = writer

	// Postgres (tool overrides and API keys)
	var pgStore *store.Store
	if postgresDSN != "" {
		db, err := sql.Open("pgx", postgresDSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(context.Background()); err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}
		pgStore = store.NewStore(db)
		if err := pgStore.Migrate(context.Background()); err != nil {
			logger.Fatal("failed to migrate postgres", zap.Error(err))
		}
		deps.Capabilities = pgStore
		logger.Info("postgres connected")
	} else {
		logger.Info("no POSTGRES_DSN set, tool overrides and stored API keys disabled")
	}

	runtime, err := guard.NewRuntime(cfg, deps)
	if err != nil {
		logger.Fatal("failed to build guard", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go runtime.Run(ctx)

	// Hot reload
	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, func(c *config.Config) {
			if err := runtime.Reload(c); err != nil {
				logger.Error("config rejected, keeping previous guard", zap.Error(err))
			}
		}, logger)
		if err != nil {
			logger.Warn("config hot reload disabled", zap.Error(err))
		} else {
			go func() { _ = watcher.Run(ctx) }()
		}
	}

	// Authentication: static keys first, then Postgres
	var chain auth.Chain
	if v := os.Getenv("GUARD_API_KEYS"); v != "" {
		keys, err := auth.ParseStaticKeys(v)
		if err != nil {
			logger.Fatal("invalid GUARD_API_KEYS", zap.Error(err))
		}
		chain = append(chain, auth.NewStaticAuthenticator(keys))
	}
	if pgStore != nil {
		chain = append(chain, auth.NewPostgresAuthenticator(pgStore, time.Duration(authCacheTTL)*time.Second, logger))
	}
	if len(chain) == 0 {
		logger.Fatal("no API keys configured: set GUARD_API_KEYS or POSTGRES_DSN")
	}

	apiDeps := &api.Dependencies{
		Runtime: runtime,
		Auth:    chain,
		Metrics: m,
		Logger:  logger,
	}
	if pgStore != nil {
		apiDeps.Capabilities = pgStore
	}

	// ClickHouse reader (for events HTTP endpoints)
	if clickhouseDSN != "" {
		chReader, err := chread.NewReader(clickhouseDSN, clickhouseSecure, logger)
		if err != nil {
			logger.Warn("clickhouse reader connection failed", zap.Error(err))
		} else {
			defer func() { _ = chReader.Close() }()
			apiDeps.Reader = chReader
			logger.Info("clickhouse reader connected")
		}
	}

	httpServer := &http.Server{
		Addr:         ":" + httpPort,
		Handler:      api.NewRouter(apiDeps),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// gRPC server (optional)
	var (
		grpcServer   *grpc.Server
		healthServer *health.Server
	)
	if grpcPort != "" {
		lis, err := net.Listen("tcp", ":"+grpcPort)
		if err != nil {
			logger.Fatal("failed to listen", zap.String("port", grpcPort), zap.Error(err))
		}
		grpcServer = grpc.NewServer(
			grpc.KeepaliveParams(keepalive.ServerParameters{
				MaxConnectionIdle:     5 * time.Minute,
				MaxConnectionAge:      30 * time.Minute,
				MaxConnectionAgeGrace: 10 * time.Second,
				Time:                  30 * time.Second,
				Timeout:               5 * time.Second,
			}),
			grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
				MinTime:             10 * time.Second,
				PermitWithoutStream: true,
			}),
			grpc.MaxRecvMsgSize(4*1024*1024),
			grpc.MaxSendMsgSize(4*1024*1024),
		)
		server.Register(grpcServer, server.NewGuardServer(runtime, chain, logger))

		// Register health service for load balancer checks
		healthServer = health.NewServer()
		healthpb.RegisterHealthServer(grpcServer, healthServer)
		healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_SERVING)

		// Enable reflection for debugging with grpcurl
		reflection.Register(grpcServer)

		go func() {
			logger.Info("grpc server listening", zap.String("addr", lis.Addr().String()))
			if err := grpcServer.Serve(lis); err != nil {
				logger.Fatal("grpc server failed", zap.Error(err))
			}
		}()
	}

	// Block until shutdown signal
	<-ctx.Done()
	logger.Info("received signal, shutting down")
	if grpcServer != nil {
		healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		grpcServer.GracefulStop()
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	logger.Info("guard server stopped")
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
