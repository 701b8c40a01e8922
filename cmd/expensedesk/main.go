package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/expensedesk/expensedesk/internal/app"
	"github.com/expensedesk/expensedesk/internal/expense"
	"github.com/expensedesk/expensedesk/internal/observability"
	"github.com/expensedesk/expensedesk/internal/platform/cache"
	"github.com/expensedesk/expensedesk/internal/platform/db"
	"github.com/expensedesk/expensedesk/internal/settlement"
	"github.com/expensedesk/expensedesk/internal/shared"
	"github.com/expensedesk/expensedesk/internal/tax"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	auditLogger := shared.NewAuditLogger(dbpool)
	listCache := expense.NewCache(redisClient, cfg.ListCacheTTL)
	metrics := observability.NewMetrics()

	expenseRepo := expense.NewRepository(dbpool)
	expenseService := expense.NewService(expenseRepo, auditLogger, listCache, logger)
	expenseHandler := expense.NewHandler(logger, expenseService)

	settlementService := settlement.NewService(expenseRepo, auditLogger, listCache, logger)
	settlementHandler := settlement.NewHandler(logger, settlementService)

	taxRepo := tax.NewRepository(dbpool)
	taxService := tax.NewService(taxRepo, auditLogger, listCache, logger)
	taxHandler := tax.NewHandler(logger, taxService)

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		ExpenseHandler:    expenseHandler,
		SettlementHandler: settlementHandler,
		TaxHandler:        taxHandler,
		Metrics:           metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
