package payroll

import (
	"context"
	"fmt"
)

// Statutory concept codes used for generated line items.
const (
	conceptBaseSalary = "BASE_SALARY"
)

// Recalculate derives gross and net figures for every employee summary in the
// run from its stored base salary, the movements claimed by the run's period,
// and the active statutory rates for the period's year. Line items are
// regenerated in full. The run moves to REVIEW afterwards.
//
// Allowed only while the run is DRAFT or REVIEW; the run row is locked for
// the duration so racing calls serialize.
func (s *Service) Recalculate(ctx context.Context, runID, actorID int64) error {
	run, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != RunStatusDraft && run.Status != RunStatusReview {
		return fmt.Errorf("%w: cannot recalculate run %d in status %s", ErrInvalidState, runID, run.Status)
	}
	period, err := s.repo.GetPeriod(ctx, run.PeriodID)
	if err != nil {
		return err
	}
	config, err := s.statutory.GetActiveConfig(ctx, run.CompanyID, period.Year)
	if err != nil {
		return fmt.Errorf("payroll: statutory config for %d: %w", period.Year, err)
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked, err := tx.LockRun(ctx, runID)
		if err != nil {
			return err
		}
		if locked.Status != RunStatusDraft && locked.Status != RunStatusReview {
			return fmt.Errorf("%w: cannot recalculate run %d in status %s", ErrInvalidState, runID, locked.Status)
		}
		summaries, err := tx.ListSummaries(ctx, runID)
		if err != nil {
			return err
		}
		for _, summary := range summaries {
			movements, err := tx.ListPendingMovements(ctx, period.ID, summary.EmployeeID)
			if err != nil {
				return err
			}
			updated := computeSummary(summary, movements, config.Rates)
			if err := tx.UpdateSummaryFigures(ctx, updated); err != nil {
				return err
			}
			if err := regenerateLineItems(ctx, tx, updated, movements, config.Rates); err != nil {
				return err
			}
		}
		return tx.SetRunStatus(ctx, runID, RunStatusReview)
	})
	if err != nil {
		return err
	}
	s.observeTransition(RunStatusReview)
	s.recordAudit(ctx, run.CompanyID, actorID, "RUN_RECALCULATE", "payroll_run", runID, nil)
	return nil
}

// computeSummary applies the pay formula to one employee. Every intermediate
// sum is rounded to two decimals so repeated recalculations are stable.
func computeSummary(summary EmployeeSummary, movements []Movement, rates []StatutoryRate) EmployeeSummary {
	var commissions, otherEarnings, otherDeductions float64
	for _, m := range movements {
		switch {
		case m.Type == MovementEarning && m.Source == SourceSalesCommission:
			commissions = Round2(commissions + m.Amount)
		case m.Type == MovementEarning:
			otherEarnings = Round2(otherEarnings + m.Amount)
		case m.Type == MovementDeduction:
			otherDeductions = Round2(otherDeductions + m.Amount)
		}
	}

	gross := Round2(summary.BaseSalary + commissions + otherEarnings)

	// Each configured rate applies independently to gross, then the rounded
	// amounts are summed. Rates are never compounded.
	var statutoryTotal float64
	for _, rate := range rates {
		statutoryTotal = Round2(statutoryTotal + Round2(gross*rate.Rate))
	}

	net := Round2(gross - statutoryTotal - otherDeductions)

	summary.Commissions = commissions
	summary.OtherEarnings = otherEarnings
	summary.OtherDeductions = otherDeductions
	summary.GrossAmount = gross
	summary.StatutoryDeductions = statutoryTotal
	summary.NetAmount = net
	if net < 0 || summary.BaseSalary <= 0 {
		summary.Status = SummaryStatusNeedsReview
	} else {
		summary.Status = SummaryStatusReady
	}
	return summary
}

// regenerateLineItems deletes and recreates the breakdown rows for one
// summary: base salary, one row per statutory rate, and one row per claimed
// movement so each amount stays traceable to its originating movement.
func regenerateLineItems(ctx context.Context, tx TxRepository, summary EmployeeSummary, movements []Movement, rates []StatutoryRate) error {
	if err := tx.DeleteLineItems(ctx, summary.ID); err != nil {
		return err
	}
	if summary.BaseSalary > 0 {
		if _, err := tx.InsertLineItem(ctx, LineItem{
			SummaryID:   summary.ID,
			Type:        MovementEarning,
			ConceptCode: conceptBaseSalary,
			ConceptName: "Base salary",
			Amount:      summary.BaseSalary,
		}); err != nil {
			return err
		}
	}
	for _, m := range movements {
		movementID := m.ID
		if _, err := tx.InsertLineItem(ctx, LineItem{
			SummaryID:   summary.ID,
			Type:        m.Type,
			ConceptCode: m.ConceptCode,
			ConceptName: m.ConceptName,
			Amount:      m.Amount,
			MovementID:  &movementID,
		}); err != nil {
			return err
		}
	}
	for _, rate := range rates {
		amount := Round2(summary.GrossAmount * rate.Rate)
		if _, err := tx.InsertLineItem(ctx, LineItem{
			SummaryID:   summary.ID,
			Type:        MovementDeduction,
			ConceptCode: rate.Code,
			ConceptName: rate.Name,
			Amount:      amount,
		}); err != nil {
			return err
		}
	}
	return nil
}
