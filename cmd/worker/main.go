package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/expensedesk/expensedesk/internal/app"
	"github.com/expensedesk/expensedesk/internal/expense"
	jobmetrics "github.com/expensedesk/expensedesk/internal/jobs"
	"github.com/expensedesk/expensedesk/internal/platform/cache"
	"github.com/expensedesk/expensedesk/internal/platform/db"
	"github.com/expensedesk/expensedesk/internal/tax"
	"github.com/expensedesk/expensedesk/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

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

	listCache := expense.NewCache(redisClient, cfg.ListCacheTTL)
	taxRepo := tax.NewRepository(pool)
	taxService := tax.NewService(taxRepo, nil, listCache, logger)
	sweepJob := jobs.NewTaxSweepJob(taxService, logger, jobmetrics.NewMetrics(nil))

	sweepTask, err := jobs.NewTaxSweepTask()
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskTaxSweep, Handler: sweepJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			// First day of each month, after midnight UTC.
			{Spec: "30 0 1 * *", Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
