package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sableintel/humint-escrow/internal/api"
	"github.com/sableintel/humint-escrow/internal/api/middleware"
	"github.com/sableintel/humint-escrow/internal/config"
	"github.com/sableintel/humint-escrow/internal/db"
	"github.com/sableintel/humint-escrow/internal/domain"
	"github.com/sableintel/humint-escrow/internal/idempotency"
	"github.com/sableintel/humint-escrow/internal/observability"
	"github.com/sableintel/humint-escrow/internal/repository"
	"github.com/sableintel/humint-escrow/internal/service"
	"github.com/sableintel/humint-escrow/internal/wallet"
	"github.com/sableintel/humint-escrow/internal/worker"
)

// Run bootstraps the HTTP server and background workers, blocking until
// shutdown.
func Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	observability.Init()
	middleware.SetJWTSecret(cfg.JWTSecret)
	middleware.SetJWTValidation(cfg.JWTIssuer, cfg.JWTAudience)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	redisClient, err := newRedisClient(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redisClient.Close()

	idemStore := idempotency.NewStore(redisClient, pool, cfg.IdempotencyTTL)
	store := repository.NewStore(pool)

	escrowWallet := newWallet(cfg, logger)
	delayFn := service.UniformDelay(cfg.WithdrawalDelayMin, cfg.WithdrawalDelayMax)

	escrowSvc := service.NewEscrowService(store)
	withdrawalSvc := service.NewWithdrawalService(store).WithDelayFn(delayFn)
	payoutSvc := service.NewPayoutService(store, escrowWallet).
		WithBatchSize(cfg.PayoutBatchSize).
		WithMinPoolSize(cfg.PayoutMinPoolSize).
		WithDelayFn(delayFn).
		WithRequeueFailed(cfg.RequeueFailed)
	reconciliationSvc := service.NewReconciliationService(store)

	payoutWorker := worker.NewPayoutWorker(payoutSvc).WithPollInterval(cfg.PayoutPollInterval)
	stopPayout := payoutWorker.Run(ctx)
	logger.Info("payout worker started",
		zap.Duration("interval", cfg.PayoutPollInterval),
		zap.Int32("batch", cfg.PayoutBatchSize),
		zap.Int("min_pool", cfg.PayoutMinPoolSize),
	)

	reconciliationWorker := worker.NewReconciliationWorker(reconciliationSvc).WithInterval(cfg.ReconciliationInterval)
	stopReconciliation := reconciliationWorker.Run(ctx)

	router := api.NewRouter(cfg, logger, pool, redisClient, idemStore, escrowSvc, withdrawalSvc, payoutSvc)

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("port", cfg.HTTPPort))
		serverErr <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("stopping workers")
	stopPayout()
	stopReconciliation()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

func newWallet(cfg *config.Config, logger *zap.Logger) wallet.Wallet {
	if cfg.UseMockWallet {
		logger.Warn("using mock wallet, no real coins will move")
		return wallet.NewMockWallet(1000 * domain.ZatoshisPerZEC)
	}
	return wallet.NewRPCClient(cfg.ZcashRPCURL, cfg.ZcashRPCUser, cfg.ZcashRPCPassword, cfg.ZcashFromAddress, 30*time.Second)
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch strings.ToLower(level) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info", "":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func newRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
