package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/helios-ops/helios-ops/internal/app"
	jobmetrics "github.com/helios-ops/helios-ops/internal/jobs"
	"github.com/helios-ops/helios-ops/internal/masterdata"
	"github.com/helios-ops/helios-ops/internal/payroll"
	"github.com/helios-ops/helios-ops/internal/payroll/export"
	"github.com/helios-ops/helios-ops/internal/platform/cache"
	"github.com/helios-ops/helios-ops/internal/platform/db"
	"github.com/helios-ops/helios-ops/internal/platform/docstore"
	"github.com/helios-ops/helios-ops/internal/shared"
	"github.com/helios-ops/helios-ops/jobs"
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

	auditLogger := shared.NewAuditLogger(pool)
	locker := shared.NewRedisLocker(redisClient)

	payrollRepo := payroll.NewRepository(pool)
	employees := masterdata.NewEmployeeDirectory(pool)
	companies := masterdata.NewCompanyProfiles(pool)
	statutory := masterdata.NewStatutoryStore(pool)
	renderer := export.NewPayslipRenderer()
	documents := docstore.NewDiskStore(cfg.PayslipDir, cfg.PayslipURLPrefix)

	payrollService := payroll.NewService(
		payrollRepo,
		employees,
		companies,
		statutory,
		renderer,
		documents,
		auditLogger,
		locker,
		logger,
	)
	payrollService.WithRenderLimit(cfg.RenderWorkers)
	payrollService.WithPayLockTTL(cfg.PayLockTTL)

	tasks := &jobs.PayrollTasks{
		Service:   payrollService,
		Companies: companies,
		Metrics:   jobmetrics.NewMetrics(nil),
		Logger:    logger,
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskTypePeriodsRefresh, Handler: tasks.HandlePeriodsRefresh},
			{Type: jobs.TaskTypeDocumentsRetry, Handler: tasks.HandleDocumentsRetry},
		},
		Cron: []jobs.CronRegistration{
			// First and sixteenth of the month, after midnight local payroll time.
			{Spec: "0 6 1,16 * *", Task: jobs.NewPeriodsRefreshTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
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
