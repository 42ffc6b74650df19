package payroll

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// CreateMovementInput captures a new earning or deduction event.
type CreateMovementInput struct {
	CompanyID     int64
	EmployeeID    int64
	Type          MovementType
	Source        MovementSource
	ConceptCode   string
	ConceptName   string
	Amount        float64
	EffectiveDate string // YYYY-MM-DD
	ActorID       int64
}

// UpdateMovementInput mutates a movement that has not been claimed yet.
type UpdateMovementInput struct {
	MovementID  int64
	ConceptCode string
	ConceptName string
	Amount      float64
	ActorID     int64
}

func parseDate(v string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", strings.TrimSpace(v))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: effective date %q", ErrInvalidInput, v)
	}
	return t, nil
}

func validMovementType(t MovementType) bool {
	return t == MovementEarning || t == MovementDeduction
}

func validMovementSource(src MovementSource) bool {
	switch src {
	case SourceManual, SourceSalesCommission, SourceAdvance, SourceLoan, SourceAdjustment, SourceOther:
		return true
	default:
		return false
	}
}

// CreateMovement inserts a PENDING movement not yet bound to any period.
func (s *Service) CreateMovement(ctx context.Context, in CreateMovementInput) (Movement, error) {
	if in.CompanyID == 0 || in.EmployeeID == 0 {
		return Movement{}, fmt.Errorf("%w: company and employee are required", ErrInvalidInput)
	}
	if in.Amount <= 0 {
		return Movement{}, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	if !validMovementType(in.Type) {
		return Movement{}, fmt.Errorf("%w: unknown movement type %q", ErrInvalidInput, in.Type)
	}
	if !validMovementSource(in.Source) {
		return Movement{}, fmt.Errorf("%w: unknown movement source %q", ErrInvalidInput, in.Source)
	}
	if strings.TrimSpace(in.ConceptName) == "" {
		return Movement{}, fmt.Errorf("%w: concept name required", ErrInvalidInput)
	}
	effective, err := parseDate(in.EffectiveDate)
	if err != nil {
		return Movement{}, err
	}

	movement := Movement{
		CompanyID:     in.CompanyID,
		EmployeeID:    in.EmployeeID,
		Type:          in.Type,
		Source:        in.Source,
		ConceptCode:   strings.TrimSpace(in.ConceptCode),
		ConceptName:   strings.TrimSpace(in.ConceptName),
		Amount:        Round2(in.Amount),
		EffectiveDate: effective,
		Status:        MovementPending,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertMovement(ctx, movement)
		if err != nil {
			return err
		}
		movement.ID = id
		return nil
	})
	if err != nil {
		return Movement{}, err
	}
	s.recordAudit(ctx, in.CompanyID, in.ActorID, "MOVEMENT_CREATE", "movement", movement.ID,
		map[string]any{"employee_id": in.EmployeeID, "type": in.Type, "amount": movement.Amount})
	return movement, nil
}

// UpdateMovement edits a movement while it is still PENDING and unclaimed.
// Once a calculation has claimed the movement it becomes immutable.
func (s *Service) UpdateMovement(ctx context.Context, in UpdateMovementInput) (Movement, error) {
	if in.Amount <= 0 {
		return Movement{}, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	movement, err := s.repo.GetMovement(ctx, in.MovementID)
	if err != nil {
		return Movement{}, err
	}
	if movement.Status != MovementPending || movement.PeriodID != nil {
		return Movement{}, fmt.Errorf("%w: movement %d already claimed by a calculation", ErrInvalidState, in.MovementID)
	}
	if code := strings.TrimSpace(in.ConceptCode); code != "" {
		movement.ConceptCode = code
	}
	if name := strings.TrimSpace(in.ConceptName); name != "" {
		movement.ConceptName = name
	}
	movement.Amount = Round2(in.Amount)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateMovement(ctx, movement)
	})
	if err != nil {
		return Movement{}, err
	}
	s.recordAudit(ctx, movement.CompanyID, in.ActorID, "MOVEMENT_UPDATE", "movement", movement.ID,
		map[string]any{"amount": movement.Amount})
	return movement, nil
}

// VoidMovement cancels a movement while it is still PENDING and unclaimed.
func (s *Service) VoidMovement(ctx context.Context, movementID, actorID int64) error {
	movement, err := s.repo.GetMovement(ctx, movementID)
	if err != nil {
		return err
	}
	if movement.Status != MovementPending || movement.PeriodID != nil {
		return fmt.Errorf("%w: movement %d already claimed by a calculation", ErrInvalidState, movementID)
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SetMovementStatus(ctx, movementID, MovementVoided)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, movement.CompanyID, actorID, "MOVEMENT_VOID", "movement", movementID, nil)
	return nil
}

// ListMovements returns paginated movements for a company, optionally
// filtered by status.
func (s *Service) ListMovements(ctx context.Context, companyID int64, status MovementStatus, limit, offset int) ([]Movement, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.repo.ListMovements(ctx, companyID, status, limit, offset)
}

// ImportMovements bulk-claims every PENDING movement of the run's company
// whose effective date falls inside the run's period and that no period has
// claimed yet. Repeated calls converge: already-claimed movements are never
// reassigned, so the second call claims zero additional movements.
func (s *Service) ImportMovements(ctx context.Context, runID, actorID int64) (int64, error) {
	run, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		return 0, err
	}
	if run.Status != RunStatusDraft && run.Status != RunStatusReview {
		return 0, fmt.Errorf("%w: run %d is %s", ErrInvalidState, runID, run.Status)
	}
	period, err := s.repo.GetPeriod(ctx, run.PeriodID)
	if err != nil {
		return 0, err
	}
	var claimed int64
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var e error
		claimed, e = tx.ClaimMovements(ctx, run.CompanyID, period.ID, period.DateFrom, period.DateTo)
		return e
	})
	if err != nil {
		return 0, err
	}
	s.recordAudit(ctx, run.CompanyID, actorID, "MOVEMENT_IMPORT", "payroll_run", runID,
		map[string]any{"claimed": claimed})
	return claimed, nil
}
