// Safeguard daemon — hosts the SAFEGUARD approval core: the approval queue,
// the deferred action manager and the expiry/due sweeper, plus a metrics and
// health endpoint. The operator-facing transport (RPC/HTTP/MCP) and the
// action executor are separate deployables that embed the same packages.
package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/marcus-qen/safeguard/internal/config"
	"github.com/marcus-qen/safeguard/internal/keystore"
	"github.com/marcus-qen/safeguard/internal/metrics"
	"github.com/marcus-qen/safeguard/internal/safeguard"
	"github.com/marcus-qen/safeguard/internal/telemetry"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	configPath := flag.String("config", "", "path to JSON config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}
	if cfg.KeystoreKey == "" {
		logger.Fatal("keystore_key is required (hex-encoded 32 bytes)")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		logger.Fatal("failed to init tracing", zap.Error(err))
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	metrics.Register(prometheus.DefaultRegisterer)

	// One pool per component, min idle 1 / max 5.
	approvalsDB := openPool(ctx, logger, cfg.PostgresDSN)
	deferredDB := openPool(ctx, logger, cfg.PostgresDSN)

	migrateCtx, cancelMigrate := context.WithTimeout(ctx, 30*time.Second)
	defer cancelMigrate()
	if err := safeguard.Migrate(migrateCtx, approvalsDB); err != nil {
		logger.Fatal("schema migration failed", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer func() { _ = rdb.Close() }()

	key, err := cfg.KeystoreKeyBytes()
	if err != nil {
		logger.Fatal("invalid keystore key", zap.Error(err))
	}
	secretStore, err := keystore.NewRedisStore(rdb, key, logger.Named("keystore"))
	if err != nil {
		logger.Fatal("failed to init keystore", zap.Error(err))
	}

	queue := safeguard.NewQueue(approvalsDB, secretStore, cfg.DefaultTTLMinutes, logger.Named("queue"))
	defer func() { _ = queue.Close() }()

	deferredMgr := safeguard.NewDeferredManager(deferredDB, cfg.DefaultDelayHours, logger.Named("deferred"))
	defer func() { _ = deferredMgr.Close() }()

	// No executor wired here: the daemon expires stale requests and reports
	// due actions; the executor deployable drives dispatch.
	sweeper := safeguard.NewSweeper(queue, deferredMgr, nil, cfg.SweepCadence, logger.Named("sweeper"))
	sweeper.Start(ctx)
	defer sweeper.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		pingCtx, cancelPing := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancelPing()
		if err := approvalsDB.PingContext(pingCtx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("safeguard core started",
			zap.String("version", version),
			zap.String("commit", commit),
			zap.String("listen_addr", cfg.ListenAddr),
			zap.String("sweep_cadence", cfg.SweepCadence),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown", zap.Error(err))
	}
	logger.Info("safeguard core stopped")
}

func openPool(ctx context.Context, logger *zap.Logger, dsn string) *sql.DB {
	db, err := sql.Open(safeguard.DriverName, dsn)
	if err != nil {
		logger.Fatal("failed to open postgres pool", zap.Error(err))
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(1)

	pingCtx, cancelPing := context.WithTimeout(ctx, 10*time.Second)
	defer cancelPing()
	if err := db.PingContext(pingCtx); err != nil {
		logger.Fatal("failed to reach postgres", zap.Error(err))
	}
	return db
}
