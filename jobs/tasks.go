// Package jobs contains background task definitions and the Asynq worker.
package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/helios-ops/helios-ops/internal/jobs"
	"github.com/helios-ops/helios-ops/internal/payroll"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypePeriodsRefresh ensures the current month's pay periods exist
	// for every company.
	TaskTypePeriodsRefresh = "payroll:periods_refresh"
	// TaskTypeDocumentsRetry re-renders payslip documents that failed after
	// a run was paid.
	TaskTypeDocumentsRetry = "payroll:documents_retry"
)

// DocumentsRetryPayload identifies the run whose documents need another pass.
type DocumentsRetryPayload struct {
	RunID int64 `json:"run_id"`
}

// NewPeriodsRefreshTask constructs the scheduled periods-refresh task.
func NewPeriodsRefreshTask() *asynq.Task {
	return asynq.NewTask(TaskTypePeriodsRefresh, nil)
}

// NewDocumentsRetryTask constructs a retry task for a paid run.
func NewDocumentsRetryTask(payload DocumentsRetryPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeDocumentsRetry, data), nil
}

type companyLister interface {
	ListCompanyIDs(ctx context.Context) ([]int64, error)
}

// PayrollTasks bundles the payroll task handlers with their dependencies.
type PayrollTasks struct {
	Service   *payroll.Service
	Companies companyLister
	Metrics   *jobmetrics.Metrics
	Logger    *slog.Logger
}

// HandlePeriodsRefresh upserts the current month's periods for all companies.
func (t *PayrollTasks) HandlePeriodsRefresh(ctx context.Context, task *asynq.Task) error {
	return t.Metrics.Track(TaskTypePeriodsRefresh).End(t.periodsRefresh(ctx))
}

func (t *PayrollTasks) periodsRefresh(ctx context.Context) error {
	ids, err := t.Companies.ListCompanyIDs(ctx)
	if err != nil {
		return err
	}
	for _, companyID := range ids {
		if _, err := t.Service.EnsureCurrentPeriods(ctx, payroll.EnsurePeriodsInput{CompanyID: companyID}); err != nil {
			t.Logger.Error("periods refresh", slog.Int64("company_id", companyID), slog.Any("error", err))
			return err
		}
	}
	t.Logger.Info("periods refreshed", slog.Int("companies", len(ids)))
	return nil
}

// HandleDocumentsRetry re-renders missing payslip documents for a run.
func (t *PayrollTasks) HandleDocumentsRetry(ctx context.Context, task *asynq.Task) error {
	return t.Metrics.Track(TaskTypeDocumentsRetry).End(t.documentsRetry(ctx, task))
}

func (t *PayrollTasks) documentsRetry(ctx context.Context, task *asynq.Task) error {
	var payload DocumentsRetryPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	rendered, err := t.Service.RegeneratePayslipDocuments(ctx, payload.RunID, 0)
	if err != nil {
		t.Logger.Warn("documents retry", slog.Int64("run_id", payload.RunID), slog.Any("error", err))
		return err
	}
	t.Logger.Info("documents retried", slog.Int64("run_id", payload.RunID), slog.Int64("rendered", rendered))
	return nil
}
