package payroll

import (
	"errors"
	"math"
	"time"
)

// PeriodHalf identifies which half of the month a pay period covers.
type PeriodHalf string

const (
	HalfFirst  PeriodHalf = "FIRST"
	HalfSecond PeriodHalf = "SECOND"
)

// RunStatus captures the payroll run lifecycle. Transitions only move forward.
type RunStatus string

const (
	RunStatusDraft    RunStatus = "DRAFT"
	RunStatusReview   RunStatus = "REVIEW"
	RunStatusApproved RunStatus = "APPROVED"
	RunStatusPaid     RunStatus = "PAID"
	RunStatusClosed   RunStatus = "CLOSED"
)

// CanTransitionTo reports whether the next status is the immediate forward step.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	switch s {
	case RunStatusDraft:
		return next == RunStatusReview || next == RunStatusApproved
	case RunStatusReview:
		return next == RunStatusReview || next == RunStatusApproved
	case RunStatusApproved:
		return next == RunStatusPaid
	case RunStatusPaid:
		return next == RunStatusClosed
	default:
		return false
	}
}

// SummaryStatus describes the review state of an employee summary.
type SummaryStatus string

const (
	SummaryStatusReady       SummaryStatus = "READY"
	SummaryStatusNeedsReview SummaryStatus = "NEEDS_REVIEW"
	SummaryStatusLocked      SummaryStatus = "LOCKED"
)

// MovementType partitions movements into earnings and deductions.
type MovementType string

const (
	MovementEarning   MovementType = "EARNING"
	MovementDeduction MovementType = "DEDUCTION"
)

// MovementSource records where a movement originated.
type MovementSource string

const (
	SourceManual          MovementSource = "MANUAL"
	SourceSalesCommission MovementSource = "SALES_COMMISSION"
	SourceAdvance         MovementSource = "ADVANCE"
	SourceLoan            MovementSource = "LOAN"
	SourceAdjustment      MovementSource = "ADJUSTMENT"
	SourceOther           MovementSource = "OTHER"
)

// MovementStatus tracks a movement from capture to settlement.
type MovementStatus string

const (
	MovementPending MovementStatus = "PENDING"
	MovementApplied MovementStatus = "APPLIED"
	MovementVoided  MovementStatus = "VOIDED"
)

// Period is a bi-weekly pay window, unique per company/year/month/half.
type Period struct {
	ID        int64
	CompanyID int64
	Year      int
	Month     int
	Half      PeriodHalf
	DateFrom  time.Time
	DateTo    time.Time
}

// Run is one payroll cycle bound to exactly one period.
type Run struct {
	ID         int64
	PeriodID   int64
	CompanyID  int64
	Status     RunStatus
	CreatedBy  int64
	ApprovedBy *int64
	PaidBy     *int64
	PaidAt     *time.Time
	Notes      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// EmployeeSummary holds the derived pay figures for one employee in a run.
// Figures are overwritten by every recalculation until the summary is locked.
type EmployeeSummary struct {
	ID                  int64
	RunID               int64
	EmployeeID          int64
	EmployeeName        string
	BaseSalary          float64
	Commissions         float64
	OtherEarnings       float64
	GrossAmount         float64
	StatutoryDeductions float64
	OtherDeductions     float64
	NetAmount           float64
	Currency            string
	Status              SummaryStatus
}

// LineItem is derived, disposable breakdown data regenerated on each recalculation.
type LineItem struct {
	ID          int64
	SummaryID   int64
	Type        MovementType
	ConceptCode string
	ConceptName string
	Amount      float64
	MovementID  *int64
}

// Movement is a single earning or deduction event. It exists independently of
// any run until claimed into a period, after which it is immutable to edits.
type Movement struct {
	ID            int64
	CompanyID     int64
	EmployeeID    int64
	Type          MovementType
	Source        MovementSource
	ConceptCode   string
	ConceptName   string
	Amount        float64
	EffectiveDate time.Time
	PeriodID      *int64
	Status        MovementStatus
	ApprovedBy    *int64
	CreatedAt     time.Time
}

// StatutoryRate is one mandated withholding applied independently to gross pay.
type StatutoryRate struct {
	Code string  `json:"code"`
	Name string  `json:"name"`
	Rate float64 `json:"rate"`
}

// StatutoryConfig carries the injected rates for a company and year.
// At most one config is active per (company, year).
type StatutoryConfig struct {
	CompanyID int64
	Year      int
	Rates     []StatutoryRate
	Active    bool
}

// Employee is the directory view consumed at run creation.
type Employee struct {
	ID            int64
	Name          string
	Role          string
	MonthlySalary float64
}

// CompanyInfo is the company profile captured into payslip snapshots.
type CompanyInfo struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	TaxID    string `json:"tax_id"`
	Address  string `json:"address"`
	Phone    string `json:"phone"`
	LogoURL  string `json:"logo_url"`
	Currency string `json:"currency"`
}

// Payslip binds an immutable snapshot to a run/employee pair. The snapshot is
// the only source of truth for rendering; the URL is filled at payment time.
type Payslip struct {
	ID         int64
	RunID      int64
	EmployeeID int64
	Snapshot   PayslipSnapshot
	PDFURL     string
}

// PayslipSnapshot is a deep, timestamped copy of everything needed to render a
// payslip, decoupled from later mutations of company or employee records.
type PayslipSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Company     CompanyInfo      `json:"company"`
	Employee    SnapshotEmployee `json:"employee"`
	Period      SnapshotPeriod   `json:"period"`
	Figures     SnapshotFigures  `json:"figures"`
	Lines       []SnapshotLine   `json:"lines"`
}

// SnapshotEmployee captures employee identity at approval time.
type SnapshotEmployee struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// SnapshotPeriod captures the pay window at approval time.
type SnapshotPeriod struct {
	Year     int        `json:"year"`
	Month    int        `json:"month"`
	Half     PeriodHalf `json:"half"`
	DateFrom time.Time  `json:"date_from"`
	DateTo   time.Time  `json:"date_to"`
}

// SnapshotFigures mirrors the summary totals at approval time.
type SnapshotFigures struct {
	BaseSalary          float64 `json:"base_salary"`
	Commissions         float64 `json:"commissions"`
	OtherEarnings       float64 `json:"other_earnings"`
	GrossAmount         float64 `json:"gross_amount"`
	StatutoryDeductions float64 `json:"statutory_deductions"`
	OtherDeductions     float64 `json:"other_deductions"`
	NetAmount           float64 `json:"net_amount"`
	Currency            string  `json:"currency"`
}

// SnapshotLine mirrors one line item at approval time.
type SnapshotLine struct {
	Type        MovementType `json:"type"`
	ConceptCode string       `json:"concept_code"`
	ConceptName string       `json:"concept_name"`
	Amount      float64      `json:"amount"`
	MovementID  *int64       `json:"movement_id,omitempty"`
}

var (
	// ErrNotFound indicates an unknown period, run, movement, or payslip.
	ErrNotFound = errors.New("payroll: not found")
	// ErrInvalidInput indicates malformed amounts, dates, or missing references.
	ErrInvalidInput = errors.New("payroll: invalid input")
	// ErrConflict indicates a duplicate run for a period or a held run lock.
	ErrConflict = errors.New("payroll: conflict")
	// ErrInvalidState occurs when an operation violates the status workflow.
	ErrInvalidState = errors.New("payroll: invalid state")
)

// Round2 rounds to two decimals, half away from zero. Applied at every
// intermediate sum so repeated recalculations cannot drift.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// LastDayOfMonth returns the final calendar day for a year/month pair.
func LastDayOfMonth(year, month int) time.Time {
	return time.Date(year, time.Month(month)+1, 0, 0, 0, 0, 0, time.UTC)
}
