package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"fundcard/observability"
	"fundcard/observability/logging"
	telemetry "fundcard/observability/otel"
	"fundcard/services/redeemd/auth"
	"fundcard/services/redeemd/config"
	"fundcard/services/redeemd/counters"
	"fundcard/services/redeemd/directory"
	"fundcard/services/redeemd/fraud"
	"fundcard/services/redeemd/ledger"
	redeemmw "fundcard/services/redeemd/middleware"
	"fundcard/services/redeemd/scan"
	"fundcard/services/redeemd/server"
	"fundcard/services/redeemd/storage"
	"fundcard/services/redeemd/token"
)

const idempotencyTTL = 24 * time.Hour

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to redeemd configuration file (yaml or toml)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("redeemd: load config: %v", err)
	}
	logger := logging.Setup("redeemd", cfg.Environment, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("redeemd exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "redeemd",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     cfg.Telemetry.Headers,
		Metrics:     cfg.Telemetry.Enabled,
		Traces:      cfg.Telemetry.Enabled,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	db, err := storage.Open(cfg.Database)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("database handle: %w", err)
	}
	defer sqlDB.Close()

	metrics := observability.Redemption()
	healthChecks := map[string]server.HealthCheck{
		"database": sqlDB.PingContext,
	}

	var store fraud.CounterStore
	if cfg.Redis.Addr != "" {
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Redis.Addr},
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		redisStore, err := counters.NewRedisStore(client, cfg.Redis.KeyPrefix)
		if err != nil {
			return err
		}
		if err := redisStore.Ping(ctx); err != nil {
			logger.Warn("redis unreachable at startup", slog.Any("error", err))
		}
		healthChecks["redis"] = redisStore.Ping
		store = redisStore
		logger.Info("counter store ready", slog.String("backend", "redis"))
	} else {
		retention := cfg.Fraud.Window.Duration
		if cfg.Fraud.DuplicateWindow.Duration > retention {
			retention = cfg.Fraud.DuplicateWindow.Duration
		}
		sqlStore, err := counters.NewSQLStore(db, 2*retention)
		if err != nil {
			return err
		}
		go sqlStore.RunJanitor(ctx, cfg.Fraud.PruneInterval.Duration, logging.Component(logger, "counters"))
		store = sqlStore
		logger.Info("counter store ready", slog.String("backend", "sql"))
	}

	codec, err := token.NewCodec(cfg.Token.ActiveKey, cfg.KeyRing())
	if err != nil {
		return fmt.Errorf("token codec: %w", err)
	}

	failOpen := true
	if cfg.Fraud.FailOpen != nil {
		failOpen = *cfg.Fraud.FailOpen
	}
	detector, err := fraud.New(store, fraud.Config{
		Window:          cfg.Fraud.Window.Duration,
		SoftLimit:       cfg.Fraud.SoftLimit,
		HardLimit:       cfg.Fraud.HardLimit,
		GeoThresholdKm:  cfg.Fraud.GeoThresholdKm,
		DuplicateWindow: cfg.Fraud.DuplicateWindow.Duration,
		FailOpen:        failOpen,
	}, fraud.WithLogger(logging.Component(logger, "fraud")), fraud.WithMetrics(metrics))
	if err != nil {
		return fmt.Errorf("fraud detector: %w", err)
	}

	redemptions, err := ledger.New(db, ledger.WithLogger(logging.Component(logger, "ledger")), ledger.WithMetrics(metrics))
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	offerDirectory, err := directory.New(db)
	if err != nil {
		return fmt.Errorf("directory: %w", err)
	}

	orchestrator, err := scan.New(codec, offerDirectory, detector, redemptions, scan.Config{
		DirectoryTimeout: cfg.Directory.Timeout.Duration,
		FraudTimeout:     cfg.Fraud.Timeout.Duration,
		LedgerTimeout:    cfg.Ledger.Timeout.Duration,
		RequeryTimeout:   cfg.Ledger.RequeryTimeout.Duration,
	}, scan.WithLogger(logging.Component(logger, "scan")), scan.WithMetrics(metrics))
	if err != nil {
		return fmt.Errorf("scan orchestrator: %w", err)
	}

	authMiddleware, err := auth.NewMiddleware(auth.Options{
		Alg:              cfg.Auth.Alg,
		Issuer:           cfg.Auth.Issuer,
		Audience:         cfg.Auth.Audience,
		MaxSkew:          cfg.Auth.MaxSkew.Duration,
		HSSecretEnv:      cfg.Auth.HSSecretEnv,
		RSAPublicKeyFile: cfg.Auth.RSAPublicKeyFile,
		RoleClaim:        cfg.Auth.RoleClaim,
		RoleMap:          cfg.Auth.RoleMap,
	})
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	idempotency := redeemmw.NewIdempotency(db, logging.Component(logger, "idempotency"))
	go pruneIdempotency(ctx, idempotency, logger)

	srv, err := server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		Scanner:       orchestrator,
		Redemptions:   redemptions,
		Tokens:        codec,
		Directory:     offerDirectory,
		Auth:          authMiddleware,
		Throttle: redeemmw.NewRateLimiter(redeemmw.RateLimit{
			RequestsPerMinute: float64(cfg.Throttle.RequestsPerMinute),
			Burst:             cfg.Throttle.Burst,
		}),
		Idempotency:   idempotency,
		Observability: redeemmw.NewObservability(logging.Component(logger, "http"), observability.HTTP()),
		Metrics:       metrics,
		Logger:        logging.Component(logger, "server"),
		HealthChecks:  healthChecks,
		DefaultTTL:    cfg.Token.DefaultTTL.Duration,
		MaxTTL:        cfg.Token.MaxTTL.Duration,
	})
	if err != nil {
		return err
	}

	logger.Info("redeemd starting",
		slog.String("listen", cfg.ListenAddress),
		slog.String("active_key", codec.ActiveKey()),
		slog.String("db_driver", cfg.Database.Driver),
	)
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("redeemd stopped")
	return nil
}

func pruneIdempotency(ctx context.Context, idem *redeemmw.Idempotency, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := idem.Prune(idempotencyTTL)
			if err != nil {
				logger.Warn("prune idempotency keys", slog.Any("error", err))
				continue
			}
			if removed > 0 {
				logger.Debug("pruned idempotency keys", slog.Int64("removed", removed))
			}
		}
	}
}
