package payroll

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/helios-ops/helios-ops/internal/shared"
)

// RepositoryPort describes repository operations used by Service outside a
// transaction. All reads here are safe before any mutation begins.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetPeriod(ctx context.Context, id int64) (Period, error)
	FindPeriod(ctx context.Context, companyID int64, year, month int, half PeriodHalf) (Period, error)
	GetRun(ctx context.Context, id int64) (Run, error)
	ListRuns(ctx context.Context, companyID int64, limit, offset int) ([]Run, error)
	ListSummaries(ctx context.Context, runID int64) ([]EmployeeSummary, error)
	ListLineItems(ctx context.Context, summaryID int64) ([]LineItem, error)
	GetMovement(ctx context.Context, id int64) (Movement, error)
	ListMovements(ctx context.Context, companyID int64, status MovementStatus, limit, offset int) ([]Movement, error)
	ListPayslips(ctx context.Context, runID int64) ([]Payslip, error)
}

// TxRepository is the unit-of-work surface. Every mutation of a logical
// operation goes through one TxRepository instance, so atomicity is part of
// the type contract rather than an ambient connection.
type TxRepository interface {
	UpsertPeriod(ctx context.Context, p Period) (Period, error)
	GetPeriod(ctx context.Context, id int64) (Period, error)

	LockRun(ctx context.Context, id int64) (Run, error)
	RunExistsForPeriod(ctx context.Context, periodID int64) (bool, error)
	InsertRun(ctx context.Context, run Run) (int64, error)
	SetRunStatus(ctx context.Context, id int64, status RunStatus) error
	SetRunApproved(ctx context.Context, id int64, approvedBy int64) error
	SetRunPaid(ctx context.Context, id int64, paidBy int64, paidAt time.Time) error

	InsertSummary(ctx context.Context, s EmployeeSummary) (int64, error)
	ListSummaries(ctx context.Context, runID int64) ([]EmployeeSummary, error)
	UpdateSummaryFigures(ctx context.Context, s EmployeeSummary) error
	LockSummaries(ctx context.Context, runID int64) error

	DeleteLineItems(ctx context.Context, summaryID int64) error
	InsertLineItem(ctx context.Context, li LineItem) (int64, error)
	ListLineItems(ctx context.Context, summaryID int64) ([]LineItem, error)

	InsertMovement(ctx context.Context, m Movement) (int64, error)
	UpdateMovement(ctx context.Context, m Movement) error
	SetMovementStatus(ctx context.Context, id int64, status MovementStatus) error
	ClaimMovements(ctx context.Context, companyID, periodID int64, from, to time.Time) (int64, error)
	ApplyClaimedMovements(ctx context.Context, periodID int64) (int64, error)
	ListPendingMovements(ctx context.Context, periodID, employeeID int64) ([]Movement, error)

	UpsertPayslip(ctx context.Context, p Payslip) (int64, error)
	SetPayslipURL(ctx context.Context, runID, employeeID int64, url string) error
}

// DirectoryPort exposes the employee directory, read at run creation.
type DirectoryPort interface {
	ListActiveEmployees(ctx context.Context, companyID int64) ([]Employee, error)
}

// CompanyPort exposes the company profile, read at approval for snapshotting.
type CompanyPort interface {
	GetCompanyInfo(ctx context.Context, companyID int64) (CompanyInfo, error)
}

// StatutoryPort returns the active withholding rates for a company and year.
type StatutoryPort interface {
	GetActiveConfig(ctx context.Context, companyID int64, year int) (StatutoryConfig, error)
}

// RendererPort turns an immutable snapshot into document bytes.
type RendererPort interface {
	Render(ctx context.Context, snapshot PayslipSnapshot) ([]byte, error)
}

// DocumentStorePort persists rendered documents and returns a stable URL.
type DocumentStorePort interface {
	Save(ctx context.Context, data []byte, path string) (string, error)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// RunLocker guards the slow payment path against duplicate invocations.
type RunLocker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// MetricsPort counts run status transitions and rendered documents.
type MetricsPort interface {
	ObserveRunTransition(status string)
	ObservePayslipRendered()
}

// RetryQueuePort schedules a background re-render for a paid run whose
// documents did not all come out.
type RetryQueuePort interface {
	EnqueueDocumentsRetry(ctx context.Context, runID int64) error
}

// Service orchestrates the payroll run engine.
type Service struct {
	repo        RepositoryPort
	directory   DirectoryPort
	company     CompanyPort
	statutory   StatutoryPort
	renderer    RendererPort
	docs        DocumentStorePort
	audit       AuditPort
	locker      RunLocker
	metrics     MetricsPort
	retry       RetryQueuePort
	logger      *slog.Logger
	now         func() time.Time
	renderLimit int
	payLockTTL  time.Duration
}

// NewService constructs a Service instance.
func NewService(
	repo RepositoryPort,
	directory DirectoryPort,
	company CompanyPort,
	statutory StatutoryPort,
	renderer RendererPort,
	docs DocumentStorePort,
	audit AuditPort,
	locker RunLocker,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        repo,
		directory:   directory,
		company:     company,
		statutory:   statutory,
		renderer:    renderer,
		docs:        docs,
		audit:       audit,
		locker:      locker,
		logger:      logger,
		now:         time.Now,
		renderLimit: 4,
		payLockTTL:  defaultPayLockTTL,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithRenderLimit bounds the number of payslips rendered concurrently.
func (s *Service) WithRenderLimit(n int) {
	if n > 0 {
		s.renderLimit = n
	}
}

// WithPayLockTTL overrides how long the payment advisory lock is held.
func (s *Service) WithPayLockTTL(ttl time.Duration) {
	if ttl > 0 {
		s.payLockTTL = ttl
	}
}

// WithMetrics publishes run transition and document counters.
func (s *Service) WithMetrics(m MetricsPort) {
	s.metrics = m
}

// WithRetryQueue enables background retries for documents that fail to
// render during payment.
func (s *Service) WithRetryQueue(q RetryQueuePort) {
	s.retry = q
}

// EnsurePeriodsInput selects the target month. Zero values default to the
// current calendar month.
type EnsurePeriodsInput struct {
	CompanyID int64
	Year      int
	Month     int
	ActorID   int64
}

// EnsureCurrentPeriods idempotently creates or refreshes both bi-weekly
// periods for the target month: FIRST covers day 1-15, SECOND covers day 16
// through the last day of the month. Calling twice with the same arguments
// yields the same two period ids with unchanged boundaries.
func (s *Service) EnsureCurrentPeriods(ctx context.Context, in EnsurePeriodsInput) ([]Period, error) {
	if in.CompanyID == 0 {
		return nil, fmt.Errorf("%w: company id required", ErrInvalidInput)
	}
	now := s.now()
	if in.Year == 0 {
		in.Year = now.Year()
	}
	if in.Month == 0 {
		in.Month = int(now.Month())
	}
	if in.Year < 2000 || in.Year > 2100 {
		return nil, fmt.Errorf("%w: year %d out of range", ErrInvalidInput, in.Year)
	}
	if in.Month < 1 || in.Month > 12 {
		return nil, fmt.Errorf("%w: month %d out of range", ErrInvalidInput, in.Month)
	}

	first := Period{
		CompanyID: in.CompanyID,
		Year:      in.Year,
		Month:     in.Month,
		Half:      HalfFirst,
		DateFrom:  time.Date(in.Year, time.Month(in.Month), 1, 0, 0, 0, 0, time.UTC),
		DateTo:    time.Date(in.Year, time.Month(in.Month), 15, 0, 0, 0, 0, time.UTC),
	}
	second := Period{
		CompanyID: in.CompanyID,
		Year:      in.Year,
		Month:     in.Month,
		Half:      HalfSecond,
		DateFrom:  time.Date(in.Year, time.Month(in.Month), 16, 0, 0, 0, 0, time.UTC),
		DateTo:    LastDayOfMonth(in.Year, in.Month),
	}

	var out []Period
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var e error
		if first, e = tx.UpsertPeriod(ctx, first); e != nil {
			return e
		}
		if second, e = tx.UpsertPeriod(ctx, second); e != nil {
			return e
		}
		out = []Period{first, second}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.recordAudit(ctx, in.CompanyID, in.ActorID, "PERIOD_ENSURE", "period", first.ID,
		map[string]any{"year": in.Year, "month": in.Month})
	return out, nil
}

// CreateRunInput bundles parameters for opening a payroll run.
type CreateRunInput struct {
	PeriodID int64
	ActorID  int64
	Notes    string
}

// CreateRun opens a DRAFT run for the period and snapshots every currently
// active employee into a blank summary. The base salary is half the monthly
// salary; employees with no salary on file start at zero and NEEDS_REVIEW.
// Only one run may exist per period.
func (s *Service) CreateRun(ctx context.Context, in CreateRunInput) (Run, error) {
	if in.PeriodID == 0 || in.ActorID == 0 {
		return Run{}, fmt.Errorf("%w: period and actor are required", ErrInvalidInput)
	}
	period, err := s.repo.GetPeriod(ctx, in.PeriodID)
	if err != nil {
		return Run{}, err
	}
	employees, err := s.directory.ListActiveEmployees(ctx, period.CompanyID)
	if err != nil {
		return Run{}, fmt.Errorf("payroll: list active employees: %w", err)
	}
	info, err := s.company.GetCompanyInfo(ctx, period.CompanyID)
	if err != nil {
		return Run{}, fmt.Errorf("payroll: company profile: %w", err)
	}

	run := Run{
		PeriodID:  period.ID,
		CompanyID: period.CompanyID,
		Status:    RunStatusDraft,
		CreatedBy: in.ActorID,
		Notes:     in.Notes,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		exists, err := tx.RunExistsForPeriod(ctx, period.ID)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: run already exists for period %d", ErrConflict, period.ID)
		}
		runID, err := tx.InsertRun(ctx, run)
		if err != nil {
			return err
		}
		run.ID = runID
		for _, emp := range employees {
			summary := EmployeeSummary{
				RunID:        runID,
				EmployeeID:   emp.ID,
				EmployeeName: emp.Name,
				Currency:     info.Currency,
				Status:       SummaryStatusReady,
			}
			if emp.MonthlySalary > 0 {
				summary.BaseSalary = Round2(emp.MonthlySalary / 2)
			} else {
				summary.Status = SummaryStatusNeedsReview
			}
			if _, err := tx.InsertSummary(ctx, summary); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Run{}, err
	}
	s.recordAudit(ctx, run.CompanyID, in.ActorID, "RUN_CREATE", "payroll_run", run.ID,
		map[string]any{"period_id": period.ID, "employees": len(employees)})
	return run, nil
}

// GetRun returns a run by id.
func (s *Service) GetRun(ctx context.Context, id int64) (Run, error) {
	return s.repo.GetRun(ctx, id)
}

// RunDetail aggregates a run with its summaries.
type RunDetail struct {
	Run       Run
	Period    Period
	Summaries []EmployeeSummary
}

// GetRunDetail loads a run with its period and employee summaries.
func (s *Service) GetRunDetail(ctx context.Context, id int64) (RunDetail, error) {
	run, err := s.repo.GetRun(ctx, id)
	if err != nil {
		return RunDetail{}, err
	}
	period, err := s.repo.GetPeriod(ctx, run.PeriodID)
	if err != nil {
		return RunDetail{}, err
	}
	summaries, err := s.repo.ListSummaries(ctx, run.ID)
	if err != nil {
		return RunDetail{}, err
	}
	return RunDetail{Run: run, Period: period, Summaries: summaries}, nil
}

// ListRuns returns paginated runs for a company.
func (s *Service) ListRuns(ctx context.Context, companyID int64, limit, offset int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.repo.ListRuns(ctx, companyID, limit, offset)
}

// ListLineItems returns the generated breakdown for one summary.
func (s *Service) ListLineItems(ctx context.Context, summaryID int64) ([]LineItem, error) {
	return s.repo.ListLineItems(ctx, summaryID)
}

// ListPayslips returns the payslips of a run.
func (s *Service) ListPayslips(ctx context.Context, runID int64) ([]Payslip, error) {
	return s.repo.ListPayslips(ctx, runID)
}

// observeTransition counts a run reaching a status.
func (s *Service) observeTransition(status RunStatus) {
	if s.metrics != nil {
		s.metrics.ObserveRunTransition(string(status))
	}
}

// recordAudit writes a best-effort audit entry. Failures are logged and never
// abort the caller's operation.
func (s *Service) recordAudit(ctx context.Context, companyID, actorID int64, action, entity string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		CompanyID: companyID,
		ActorID:   actorID,
		Action:    action,
		Entity:    entity,
		EntityID:  fmt.Sprintf("%d", entityID),
		Meta:      meta,
		At:        s.now(),
	})
	if err != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}
