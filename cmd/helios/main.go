package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/helios-ops/helios-ops/internal/app"
	"github.com/helios-ops/helios-ops/internal/masterdata"
	"github.com/helios-ops/helios-ops/internal/observability"
	"github.com/helios-ops/helios-ops/internal/payroll"
	"github.com/helios-ops/helios-ops/internal/payroll/export"
	payrollhttp "github.com/helios-ops/helios-ops/internal/payroll/http"
	"github.com/helios-ops/helios-ops/internal/platform/cache"
	"github.com/helios-ops/helios-ops/internal/platform/db"
	"github.com/helios-ops/helios-ops/internal/platform/docstore"
	"github.com/helios-ops/helios-ops/internal/shared"
	"github.com/helios-ops/helios-ops/jobs"
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
	locker := shared.NewRedisLocker(redisClient)

	payrollRepo := payroll.NewRepository(dbpool)
	employees := masterdata.NewEmployeeDirectory(dbpool)
	companies := masterdata.NewCompanyProfiles(dbpool)
	statutory := masterdata.NewStatutoryStore(dbpool)
	renderer := export.NewPayslipRenderer()
	documents := docstore.NewDiskStore(cfg.PayslipDir, cfg.PayslipURLPrefix)
	metrics := observability.NewMetrics()

	jobsClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()

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
	payrollService.WithMetrics(metrics)
	payrollService.WithRetryQueue(jobsClient)

	payrollHandler := payrollhttp.NewHandler(logger, payrollService, auditLogger)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobsHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		PayrollHandler: payrollHandler,
		JobsHandler:    jobsHandler,
		Metrics:        metrics,
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
