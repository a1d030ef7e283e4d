package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/PortNumber53/creator-membership/backend/internal/billing"
	"github.com/PortNumber53/creator-membership/backend/internal/cache"
	"github.com/PortNumber53/creator-membership/backend/internal/config"
	"github.com/PortNumber53/creator-membership/backend/internal/handlers"
	"github.com/PortNumber53/creator-membership/backend/internal/httpserver"
	"github.com/PortNumber53/creator-membership/backend/internal/migrations"
	"github.com/PortNumber53/creator-membership/backend/internal/paypal"
	"github.com/PortNumber53/creator-membership/backend/internal/store"
	"github.com/PortNumber53/creator-membership/backend/internal/worker"
)

func main() {
	// Best-effort: load environment variables from .env-style files in local
	// development. These calls are safe to ignore in production environments.
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("failed to load configuration", zap.Error(err))
	}

	logger := newLogger(cfg.PayPal.Live())
	defer func() { _ = logger.Sync() }()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()

	logDBTarget(logger, cfg.DatabaseURL)
	configureDB(db)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		logger.Fatal("failed to ping database", zap.Error(err))
	}

	if err := runMigrationsWithDirtyFix(db, logger); err != nil {
		logger.Fatal("failed to apply database migrations", zap.Error(err))
	}

	st, err := store.New(db)
	if err != nil {
		logger.Fatal("failed to create store", zap.Error(err))
	}
	jobs, err := store.NewJobStore(db)
	if err != nil {
		logger.Fatal("failed to create job store", zap.Error(err))
	}

	client := paypal.NewClient(paypal.Options{
		BaseURL:      paypal.BaseURL(cfg.PayPal.Live()),
		ClientID:     cfg.PayPal.ClientID,
		ClientSecret: cfg.PayPal.ClientSecret,
		Timeout:      cfg.PayPal.HTTPTimeout,
		Cache:        tokenCache(cfg, logger),
		Logger:       logger.Named("paypal"),
	})

	w := worker.New(worker.DefaultConfig(), jobs, logger.Named("worker"))
	worker.RegisterFollowupJobs(w, client)

	resolver := billing.NewResolver(billing.NewPlanTable(cfg.Plans), client, logger)
	lifecycle := billing.NewLifecycle(st, resolver, logger)
	seats := billing.NewSeatAllocator(st, client, w, cfg.EliteSeatCapacity, logger)
	processor := billing.NewProcessor(st, lifecycle, seats, logger.Named("billing"))
	verifier := billing.NewVerifier(client, cfg.PayPal.WebhookID, cfg.PayPal.Live(), logger)

	deps := httpserver.Dependencies{
		DB:            st,
		Webhook:       handlers.NewPayPalWebhookHandler(verifier, processor, logger),
		Subscriptions: st,
		Seats:         seats,
	}
	if cfg.WorkerEnabled {
		deps.Worker = w
	}
	srv := httpserver.New(cfg, deps, logger)

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-shutdownCtx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("graceful shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("backend starting",
		zap.String("addr", cfg.ServerAddress),
		zap.String("paypal_env", cfg.PayPal.Environment),
		zap.Int("plans", len(cfg.Plans)),
		zap.Bool("worker", cfg.WorkerEnabled),
	)
	if err := srv.Start(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(live bool) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if live {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		return zap.NewExample()
	}
	return logger
}

// tokenCache returns nil when Redis is not configured or unreachable; the
// client then falls back to its in-process cache.
func tokenCache(cfg config.Config, logger *zap.Logger) paypal.TokenCache {
	if cfg.RedisURL == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	rdb, err := cache.Connect(ctx, cfg.RedisURL)
	if err != nil {
		logger.Warn("redis unavailable, using in-process token cache", zap.Error(err))
		return nil
	}
	tc, err := cache.NewTokenCache(rdb, cache.TokenKey(cfg.PayPal.Environment, cfg.PayPal.ClientID))
	if err != nil {
		logger.Warn("failed to create token cache", zap.Error(err))
		return nil
	}
	return tc
}

func configureDB(db *sql.DB) {
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
}

func runMigrationsWithDirtyFix(db *sql.DB, logger *zap.Logger) error {
	err := migrations.Up(db, logger)
	if err == nil || !migrations.IsDirty(err) {
		return err
	}

	logger.Warn("migrations: dirty database detected, attempting to fix", zap.Error(err))
	if fixErr := migrations.FixDirtyDatabase(db); fixErr != nil {
		logger.Error("migrations: failed to fix dirty database", zap.Error(fixErr))
		return err
	}
	return migrations.Up(db, logger)
}

func logDBTarget(logger *zap.Logger, dsn string) {
	// Only hostname and database name; the DSN carries credentials.
	u, err := url.Parse(dsn)
	if err != nil {
		logger.Info("db: configured", zap.NamedError("dsn_parse_error", err))
		return
	}
	logger.Info("db: configured",
		zap.String("host", u.Hostname()),
		zap.String("db", strings.TrimPrefix(u.Path, "/")),
	)
}
