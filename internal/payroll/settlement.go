package payroll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/helios-ops/helios-ops/internal/shared"
)

const defaultPayLockTTL = 5 * time.Minute

// Approve locks the run for payment. Atomically the run becomes APPROVED,
// every summary is LOCKED against further recalculation, every PENDING
// movement claimed by the period becomes APPLIED, and one payslip per
// employee is upserted with a deep, timestamped snapshot. The snapshot is
// the only source of truth for rendering from this point on.
func (s *Service) Approve(ctx context.Context, runID, actorID int64) (Run, error) {
	if actorID == 0 {
		return Run{}, fmt.Errorf("%w: actor required", ErrInvalidInput)
	}
	run, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		return Run{}, err
	}
	if run.Status != RunStatusDraft && run.Status != RunStatusReview {
		return Run{}, fmt.Errorf("%w: cannot approve run %d in status %s", ErrInvalidState, runID, run.Status)
	}
	period, err := s.repo.GetPeriod(ctx, run.PeriodID)
	if err != nil {
		return Run{}, err
	}
	info, err := s.company.GetCompanyInfo(ctx, run.CompanyID)
	if err != nil {
		return Run{}, fmt.Errorf("payroll: company profile: %w", err)
	}

	generatedAt := s.now()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked, err := tx.LockRun(ctx, runID)
		if err != nil {
			return err
		}
		if locked.Status != RunStatusDraft && locked.Status != RunStatusReview {
			return fmt.Errorf("%w: cannot approve run %d in status %s", ErrInvalidState, runID, locked.Status)
		}
		if err := tx.SetRunApproved(ctx, runID, actorID); err != nil {
			return err
		}
		if err := tx.LockSummaries(ctx, runID); err != nil {
			return err
		}
		if _, err := tx.ApplyClaimedMovements(ctx, period.ID); err != nil {
			return err
		}
		summaries, err := tx.ListSummaries(ctx, runID)
		if err != nil {
			return err
		}
		for _, summary := range summaries {
			lines, err := tx.ListLineItems(ctx, summary.ID)
			if err != nil {
				return err
			}
			snapshot := buildSnapshot(generatedAt, info, period, summary, lines)
			if _, err := tx.UpsertPayslip(ctx, Payslip{
				RunID:      runID,
				EmployeeID: summary.EmployeeID,
				Snapshot:   snapshot,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Run{}, err
	}
	run.Status = RunStatusApproved
	run.ApprovedBy = &actorID
	s.observeTransition(RunStatusApproved)
	s.recordAudit(ctx, run.CompanyID, actorID, "RUN_APPROVE", "payroll_run", runID,
		map[string]any{"period_id": period.ID})
	return run, nil
}

// MarkPaid flips an APPROVED run to PAID, then renders and stores one
// document per payslip. The PAID transition commits in its own transaction
// before any rendering starts: a failed render leaves that payslip without a
// URL but never un-pays the run. Rendering errors are joined and returned so
// the caller can retry the gaps with RegeneratePayslipDocuments.
func (s *Service) MarkPaid(ctx context.Context, runID, actorID int64) (Run, error) {
	if actorID == 0 {
		return Run{}, fmt.Errorf("%w: actor required", ErrInvalidInput)
	}
	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, shared.RunLockKey(runID), s.payLockTTL)
		if err != nil {
			if errors.Is(err, shared.ErrLockHeld) {
				return Run{}, fmt.Errorf("%w: payment already in progress for run %d", ErrConflict, runID)
			}
			return Run{}, fmt.Errorf("payroll: acquire payment lock: %w", err)
		}
		defer release()
	}

	run, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		return Run{}, err
	}
	if run.Status != RunStatusApproved {
		return Run{}, fmt.Errorf("%w: cannot pay run %d in status %s", ErrInvalidState, runID, run.Status)
	}

	paidAt := s.now()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked, err := tx.LockRun(ctx, runID)
		if err != nil {
			return err
		}
		if locked.Status != RunStatusApproved {
			return fmt.Errorf("%w: cannot pay run %d in status %s", ErrInvalidState, runID, locked.Status)
		}
		return tx.SetRunPaid(ctx, runID, actorID, paidAt)
	})
	if err != nil {
		return Run{}, err
	}
	run.Status = RunStatusPaid
	run.PaidBy = &actorID
	run.PaidAt = &paidAt
	s.observeTransition(RunStatusPaid)
	s.recordAudit(ctx, run.CompanyID, actorID, "RUN_PAY", "payroll_run", runID, nil)

	_, renderErr := s.renderDocuments(ctx, run, actorID)
	if renderErr != nil {
		s.scheduleDocumentsRetry(ctx, runID)
	}
	return run, renderErr
}

// scheduleDocumentsRetry queues a background pass over the run's missing
// documents. Best effort: the caller already reports the render failures.
func (s *Service) scheduleDocumentsRetry(ctx context.Context, runID int64) {
	if s.retry == nil {
		return
	}
	if err := s.retry.EnqueueDocumentsRetry(ctx, runID); err != nil {
		s.logger.Warn("enqueue documents retry", slog.Int64("run_id", runID), slog.Any("error", err))
	}
}

// RegeneratePayslipDocuments retries rendering for payslips that are still
// missing a URL. The run must already be PAID. Payslips that already have a
// document are left untouched.
func (s *Service) RegeneratePayslipDocuments(ctx context.Context, runID, actorID int64) (int64, error) {
	run, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		return 0, err
	}
	if run.Status != RunStatusPaid {
		return 0, fmt.Errorf("%w: run %d is %s, documents regenerate only after payment", ErrInvalidState, runID, run.Status)
	}
	return s.renderDocuments(ctx, run, actorID)
}

// renderDocuments renders and stores documents for every payslip of the run
// that has no URL yet, a bounded number at a time. Each employee's document
// is independently retryable; failures are joined into one error.
func (s *Service) renderDocuments(ctx context.Context, run Run, actorID int64) (int64, error) {
	payslips, err := s.repo.ListPayslips(ctx, run.ID)
	if err != nil {
		return 0, err
	}

	var (
		mu       sync.Mutex
		rendered int64
		failures []error
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.renderLimit)
	for _, slip := range payslips {
		if slip.PDFURL != "" {
			continue
		}
		slip := slip
		g.Go(func() error {
			err := s.renderOne(ctx, run, slip, actorID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, fmt.Errorf("payroll: payslip employee %d: %w", slip.EmployeeID, err))
				return nil
			}
			rendered++
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return rendered, err
	}
	return rendered, errors.Join(failures...)
}

func (s *Service) renderOne(ctx context.Context, run Run, slip Payslip, actorID int64) error {
	data, err := s.renderer.Render(ctx, slip.Snapshot)
	if err != nil {
		return fmt.Errorf("render: %w", err)
	}
	path := fmt.Sprintf("payslips/%d/%d-%s.pdf", run.ID, slip.EmployeeID, uuid.NewString())
	url, err := s.docs.Save(ctx, data, path)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SetPayslipURL(ctx, run.ID, slip.EmployeeID, url)
	})
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.ObservePayslipRendered()
	}
	s.recordAudit(ctx, run.CompanyID, actorID, "PAYSLIP_NOTIFY", "payslip", slip.ID, map[string]any{
		"run_id":      run.ID,
		"employee_id": slip.EmployeeID,
		"pdf_url":     url,
	})
	return nil
}

func buildSnapshot(generatedAt time.Time, info CompanyInfo, period Period, summary EmployeeSummary, lines []LineItem) PayslipSnapshot {
	snapshot := PayslipSnapshot{
		GeneratedAt: generatedAt,
		Company:     info,
		Employee:    SnapshotEmployee{ID: summary.EmployeeID, Name: summary.EmployeeName},
		Period: SnapshotPeriod{
			Year:     period.Year,
			Month:    period.Month,
			Half:     period.Half,
			DateFrom: period.DateFrom,
			DateTo:   period.DateTo,
		},
		Figures: SnapshotFigures{
			BaseSalary:          summary.BaseSalary,
			Commissions:         summary.Commissions,
			OtherEarnings:       summary.OtherEarnings,
			GrossAmount:         summary.GrossAmount,
			StatutoryDeductions: summary.StatutoryDeductions,
			OtherDeductions:     summary.OtherDeductions,
			NetAmount:           summary.NetAmount,
			Currency:            summary.Currency,
		},
	}
	for _, line := range lines {
		snap := SnapshotLine{
			Type:        line.Type,
			ConceptCode: line.ConceptCode,
			ConceptName: line.ConceptName,
			Amount:      line.Amount,
		}
		if line.MovementID != nil {
			id := *line.MovementID
			snap.MovementID = &id
		}
		snapshot.Lines = append(snapshot.Lines, snap)
	}
	return snapshot
}
