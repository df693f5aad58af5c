package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"github.com/redis/go-redis/v9"
	"github.com/triage-ai/runguard/internal/api"
	"github.com/triage-ai/runguard/internal/auth"
	"github.com/triage-ai/runguard/internal/catalog"
	"github.com/triage-ai/runguard/internal/chread"
	"github.com/triage-ai/runguard/internal/config"
	"github.com/triage-ai/runguard/internal/policy"
	"github.com/triage-ai/runguard/internal/ratecount"
	"github.com/triage-ai/runguard/internal/run"
	"github.com/triage-ai/runguard/internal/server"
	"github.com/triage-ai/runguard/internal/signature"
	"github.com/triage-ai/runguard/internal/storage"
	"github.com/triage-ai/runguard/internal/store"
	"github.com/triage-ai/runguard/internal/window"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
)

// backend is what the server needs from its run, rule and client storage.
// Both store.Store and store.Memory satisfy it.
type backend interface {
	run.Store
	api.RunLister
	api.RuleStore
	api.ClientStore
	policy.RuleSource
	auth.ClientStore
}

func main() {
	cfg, err := config.Load()

	// Logger
	logger := mustBuildLogger(cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	logger.Info("starting runguard server",
		zap.String("http_port", cfg.HTTPPort),
		zap.String("grpc_port", cfg.GRPCPort),
		zap.Duration("idempotency_bucket", cfg.IdempotencyBucket),
		zap.Float64("webhook_rps", cfg.WebhookRPS),
	)

	ctx := context.Background()
	checks := map[string]server.Check{}
	clock := window.SystemClock{}

	// Postgres, or in-memory storage for local runs
	var db *sql.DB
	var st backend
	if cfg.PostgresDSN != "" {
		db, err = sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		pg := store.NewStore(db)
		if err := pg.Ping(ctx); err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}
		if cfg.AutoMigrate {
			if err := pg.Migrate(ctx); err != nil {
				logger.Fatal("failed to migrate postgres", zap.Error(err))
			}
			logger.Info("postgres schema applied")
		}
		checks["postgres"] = pg.Ping
		st = pg
		logger.Info("postgres connected")
	} else {
		st = store.NewMemory()
		logger.Warn("no POSTGRES_DSN set, runs, rules and clients are kept in memory")
	}

	// Audit feed: ClickHouse, or LogWriter fallback
	var feed storage.EventWriter
	var feedToClickHouse bool
	if cfg.ClickHouseDSN != "" {
		chWriter, err := storage.NewClickHouseWriter(cfg.ClickHouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer", zap.Error(err))
			feed = storage.NewLogWriter(logger)
		} else {
			feed = chWriter
			feedToClickHouse = true
			logger.Info("clickhouse writer connected")
		}
	} else {
		feed = storage.NewLogWriter(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
	}

	// ClickHouse reader (events/analytics endpoints, and fallback rate counter)
	var chReader *chread.Reader
	if cfg.ClickHouseDSN != "" {
		chReader, err = chread.NewReader(cfg.ClickHouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse reader connection failed", zap.Error(err))
			chReader = nil
		} else {
			defer func() { _ = chReader.Close() }()
			checks["clickhouse"] = chReader.Ping
			logger.Info("clickhouse reader connected")
		}
	}

	// Rate counter
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer func() { _ = rdb.Close() }()
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	var shared ratecount.Counter
	if chReader != nil && feedToClickHouse {
		shared = chReader
	}
	counter, counterWriters := buildCounter(rdb, shared, logger)
	writers := append(storage.Fanout{feed}, counterWriters...)
	defer writers.Close()

	// Seed rules
	if cfg.RulesFile != "" {
		if err := seedRules(ctx, st, cfg.RulesFile, logger); err != nil {
			logger.Fatal("failed to load rules file", zap.String("path", cfg.RulesFile), zap.Error(err))
		}
	}

	// Tool catalog from file or Postgres. Without one, input is not validated.
	var validator run.InputValidator
	switch {
	case cfg.ToolsFile != "":
		static, err := catalog.LoadStaticFile(cfg.ToolsFile)
		if err != nil {
			logger.Fatal("failed to load tools file", zap.String("path", cfg.ToolsFile), zap.Error(err))
		}
		validator = catalog.Validator{Catalog: static}
		logger.Info("static tool catalog loaded", zap.String("path", cfg.ToolsFile))
	case db != nil:
		validator = catalog.Validator{Catalog: catalog.NewPostgresCatalog(catalog.PostgresCatalogConfig{
			DB:       db,
			CacheTTL: cfg.ToolCacheTTL,
			Logger:   logger,
		})}
		logger.Info("postgres tool catalog enabled")
	default:
		logger.Warn("no tool catalog configured, tool input is not validated")
	}

	deps := &api.Dependencies{
		Machine: run.NewMachine(st, run.MachineConfig{Clock: clock, Writer: writers, Logger: logger}),
		Guard: run.NewGuard(st, run.GuardConfig{
			Bucket:    cfg.IdempotencyBucket,
			Clock:     clock,
			Validator: validator,
			Writer:    writers,
			Logger:    logger,
		}),
		Runs:    st,
		Engine:  policy.NewEngine(st, counter, policy.Config{Clock: clock}),
		Rules:   st,
		Clients: st,
		Auth: auth.NewKeyAuthenticator(auth.KeyAuthConfig{
			Store:    st,
			CacheTTL: cfg.AuthCacheTTL,
			Logger:   logger,
		}),
		Writer:         writers,
		Reader:         chReader,
		Verifier:       signature.NewVerifier(clock),
		WebhookSecret:  cfg.WebhookSecret,
		WebhookLimiter: rate.NewLimiter(rate.Limit(cfg.WebhookRPS), int(math.Ceil(cfg.WebhookRPS))),
		AdminToken:     cfg.AdminToken,
		Clock:          clock,
		Logger:         logger,
	}
	if cfg.AdminToken == "" {
		logger.Warn("no RUNGUARD_ADMIN_TOKEN set, admin routes are disabled")
	}

	// HTTP API server
	httpServer := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      api.NewRouter(deps),
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

	// gRPC health + reflection
	healthServer := server.NewHealthServer(checks, logger)
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("port", cfg.GRPCPort), zap.Error(err))
	}
	probeCtx, stopProbes := context.WithCancel(ctx)
	defer stopProbes()
	go healthServer.Watch(probeCtx, 15*time.Second)
	go func() {
		logger.Info("grpc health server listening", zap.String("addr", lis.Addr().String()))
		if err := healthServer.Serve(lis); err != nil {
			logger.Error("grpc server failed", zap.Error(err))
		}
	}()

	// Block until shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	// Graceful shutdown
	stopProbes()
	healthServer.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	logger.Info("runguard server stopped")
}

// seedRules inserts the rules from a YAML file. Rules whose code already
// exists are left as stored so edits made through the API survive restarts.
func seedRules(ctx context.Context, st api.RuleStore, path string, logger *zap.Logger) error {
	rules, err := policy.LoadRulesFile(path)
	if err != nil {
		return err
	}
	var created int
	for _, r := range rules {
		_, err := st.CreateRule(ctx, r)
		switch {
		case err == nil:
			created++
		case errors.Is(err, policy.ErrRuleExists):
			logger.Debug("rule already present, skipping", zap.String("code", r.Code))
		default:
			return fmt.Errorf("seed rule %s: %w", r.Code, err)
		}
	}
	logger.Info("rules seeded", zap.String("path", path), zap.Int("created", created), zap.Int("total", len(rules)))
	return nil
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
