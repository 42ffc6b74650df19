package payroll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed persistence for the payroll engine.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository using the provided pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx so read queries can be
// shared between the pool-backed repository and the transactional view.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WithTx executes fn inside a repeatable-read transaction. The TxRepository
// handed to fn is only valid for the duration of the call.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("payroll: repository not initialised")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if err := fn(ctx, &txRepository{db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// txRepository implements TxRepository over one open transaction.
type txRepository struct {
	db pgx.Tx
}

// --- Periods ---

const periodColumns = `id, company_id, year, month, half, date_from, date_to`

func scanPeriod(row pgx.Row) (Period, error) {
	var p Period
	var half string
	var from, to pgtype.Date
	if err := row.Scan(&p.ID, &p.CompanyID, &p.Year, &p.Month, &half, &from, &to); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Period{}, fmt.Errorf("%w: period", ErrNotFound)
		}
		return Period{}, err
	}
	p.Half = PeriodHalf(half)
	p.DateFrom = from.Time
	p.DateTo = to.Time
	return p, nil
}

func getPeriod(ctx context.Context, db dbtx, id int64) (Period, error) {
	row := db.QueryRow(ctx, `SELECT `+periodColumns+` FROM payroll_periods WHERE id=$1`, id)
	return scanPeriod(row)
}

// GetPeriod fetches a single period by id.
func (r *Repository) GetPeriod(ctx context.Context, id int64) (Period, error) {
	return getPeriod(ctx, r.pool, id)
}

func (t *txRepository) GetPeriod(ctx context.Context, id int64) (Period, error) {
	return getPeriod(ctx, t.db, id)
}

// FindPeriod fetches a period by its natural key.
func (r *Repository) FindPeriod(ctx context.Context, companyID int64, year, month int, half PeriodHalf) (Period, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+periodColumns+` FROM payroll_periods
WHERE company_id=$1 AND year=$2 AND month=$3 AND half=$4`, companyID, year, month, string(half))
	return scanPeriod(row)
}

// UpsertPeriod creates or refreshes a period keyed by (company, year, month,
// half). Re-running with the same arguments returns the same id.
func (t *txRepository) UpsertPeriod(ctx context.Context, p Period) (Period, error) {
	row := t.db.QueryRow(ctx, `INSERT INTO payroll_periods (company_id, year, month, half, date_from, date_to)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (company_id, year, month, half)
DO UPDATE SET date_from=EXCLUDED.date_from, date_to=EXCLUDED.date_to
RETURNING id`,
		p.CompanyID, p.Year, p.Month, string(p.Half),
		pgtype.Date{Time: p.DateFrom, Valid: true}, pgtype.Date{Time: p.DateTo, Valid: true})
	if err := row.Scan(&p.ID); err != nil {
		return Period{}, err
	}
	return p, nil
}

// --- Runs ---

const runColumns = `id, period_id, company_id, status, created_by, approved_by, paid_by, paid_at, notes, created_at, updated_at`

func scanRun(row pgx.Row) (Run, error) {
	var run Run
	var status string
	var approvedBy, paidBy pgtype.Int8
	var paidAt pgtype.Timestamptz
	var createdAt, updatedAt pgtype.Timestamptz
	err := row.Scan(&run.ID, &run.PeriodID, &run.CompanyID, &status, &run.CreatedBy,
		&approvedBy, &paidBy, &paidAt, &run.Notes, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Run{}, fmt.Errorf("%w: run", ErrNotFound)
		}
		return Run{}, err
	}
	run.Status = RunStatus(status)
	run.ApprovedBy = int8ToPointer(approvedBy)
	run.PaidBy = int8ToPointer(paidBy)
	run.PaidAt = timeToPointer(paidAt)
	run.CreatedAt = createdAt.Time
	run.UpdatedAt = updatedAt.Time
	return run, nil
}

// GetRun fetches a run by id.
func (r *Repository) GetRun(ctx context.Context, id int64) (Run, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM payroll_runs WHERE id=$1`, id)
	return scanRun(row)
}

// ListRuns returns paginated runs for a company, newest first.
func (r *Repository) ListRuns(ctx context.Context, companyID int64, limit, offset int) ([]Run, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+runColumns+` FROM payroll_runs
WHERE company_id=$1 ORDER BY id DESC LIMIT $2 OFFSET $3`, companyID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// LockRun loads the run row with FOR UPDATE so state transitions serialize.
func (t *txRepository) LockRun(ctx context.Context, id int64) (Run, error) {
	row := t.db.QueryRow(ctx, `SELECT `+runColumns+` FROM payroll_runs WHERE id=$1 FOR UPDATE`, id)
	return scanRun(row)
}

func (t *txRepository) RunExistsForPeriod(ctx context.Context, periodID int64) (bool, error) {
	var exists bool
	err := t.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payroll_runs WHERE period_id=$1)`, periodID).Scan(&exists)
	return exists, err
}

func (t *txRepository) InsertRun(ctx context.Context, run Run) (int64, error) {
	var id int64
	err := t.db.QueryRow(ctx, `INSERT INTO payroll_runs (period_id, company_id, status, created_by, notes, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, NOW(), NOW()) RETURNING id`,
		run.PeriodID, run.CompanyID, string(run.Status), run.CreatedBy, run.Notes).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, fmt.Errorf("%w: run already exists for period %d", ErrConflict, run.PeriodID)
		}
		return 0, err
	}
	return id, nil
}

func (t *txRepository) SetRunStatus(ctx context.Context, id int64, status RunStatus) error {
	_, err := t.db.Exec(ctx, `UPDATE payroll_runs SET status=$2, updated_at=NOW() WHERE id=$1`, id, string(status))
	return err
}

func (t *txRepository) SetRunApproved(ctx context.Context, id int64, approvedBy int64) error {
	_, err := t.db.Exec(ctx, `UPDATE payroll_runs SET status=$2, approved_by=$3, updated_at=NOW() WHERE id=$1`,
		id, string(RunStatusApproved), approvedBy)
	return err
}

func (t *txRepository) SetRunPaid(ctx context.Context, id int64, paidBy int64, paidAt time.Time) error {
	_, err := t.db.Exec(ctx, `UPDATE payroll_runs SET status=$2, paid_by=$3, paid_at=$4, updated_at=NOW() WHERE id=$1`,
		id, string(RunStatusPaid), paidBy, pgtype.Timestamptz{Time: paidAt, Valid: true})
	return err
}

// --- Summaries ---

const summaryColumns = `id, run_id, employee_id, employee_name, base_salary, commissions, other_earnings,
gross_amount, statutory_deductions, other_deductions, net_amount, currency, status`

func scanSummary(row pgx.Row) (EmployeeSummary, error) {
	var s EmployeeSummary
	var status string
	err := row.Scan(&s.ID, &s.RunID, &s.EmployeeID, &s.EmployeeName, &s.BaseSalary, &s.Commissions,
		&s.OtherEarnings, &s.GrossAmount, &s.StatutoryDeductions, &s.OtherDeductions, &s.NetAmount,
		&s.Currency, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return EmployeeSummary{}, fmt.Errorf("%w: summary", ErrNotFound)
		}
		return EmployeeSummary{}, err
	}
	s.Status = SummaryStatus(status)
	return s, nil
}

func listSummaries(ctx context.Context, db dbtx, runID int64) ([]EmployeeSummary, error) {
	rows, err := db.Query(ctx, `SELECT `+summaryColumns+` FROM employee_summaries WHERE run_id=$1 ORDER BY employee_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var summaries []EmployeeSummary
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// ListSummaries returns the employee summaries of a run.
func (r *Repository) ListSummaries(ctx context.Context, runID int64) ([]EmployeeSummary, error) {
	return listSummaries(ctx, r.pool, runID)
}

func (t *txRepository) ListSummaries(ctx context.Context, runID int64) ([]EmployeeSummary, error) {
	return listSummaries(ctx, t.db, runID)
}

func (t *txRepository) InsertSummary(ctx context.Context, s EmployeeSummary) (int64, error) {
	var id int64
	err := t.db.QueryRow(ctx, `INSERT INTO employee_summaries
(run_id, employee_id, employee_name, base_salary, commissions, other_earnings, gross_amount,
 statutory_deductions, other_deductions, net_amount, currency, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) RETURNING id`,
		s.RunID, s.EmployeeID, s.EmployeeName, s.BaseSalary, s.Commissions, s.OtherEarnings,
		s.GrossAmount, s.StatutoryDeductions, s.OtherDeductions, s.NetAmount, s.Currency, string(s.Status)).Scan(&id)
	return id, err
}

func (t *txRepository) UpdateSummaryFigures(ctx context.Context, s EmployeeSummary) error {
	_, err := t.db.Exec(ctx, `UPDATE employee_summaries SET
commissions=$2, other_earnings=$3, gross_amount=$4, statutory_deductions=$5,
other_deductions=$6, net_amount=$7, status=$8
WHERE id=$1`,
		s.ID, s.Commissions, s.OtherEarnings, s.GrossAmount, s.StatutoryDeductions,
		s.OtherDeductions, s.NetAmount, string(s.Status))
	return err
}

func (t *txRepository) LockSummaries(ctx context.Context, runID int64) error {
	_, err := t.db.Exec(ctx, `UPDATE employee_summaries SET status=$2 WHERE run_id=$1`,
		runID, string(SummaryStatusLocked))
	return err
}

// --- Line items ---

const lineItemColumns = `id, summary_id, type, concept_code, concept_name, amount, movement_id`

func scanLineItem(row pgx.Row) (LineItem, error) {
	var li LineItem
	var typ string
	var movementID pgtype.Int8
	err := row.Scan(&li.ID, &li.SummaryID, &typ, &li.ConceptCode, &li.ConceptName, &li.Amount, &movementID)
	if err != nil {
		return LineItem{}, err
	}
	li.Type = MovementType(typ)
	li.MovementID = int8ToPointer(movementID)
	return li, nil
}

func listLineItems(ctx context.Context, db dbtx, summaryID int64) ([]LineItem, error) {
	rows, err := db.Query(ctx, `SELECT `+lineItemColumns+` FROM line_items WHERE summary_id=$1 ORDER BY id`, summaryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []LineItem
	for rows.Next() {
		li, err := scanLineItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, li)
	}
	return items, rows.Err()
}

// ListLineItems returns the breakdown rows for one summary.
func (r *Repository) ListLineItems(ctx context.Context, summaryID int64) ([]LineItem, error) {
	return listLineItems(ctx, r.pool, summaryID)
}

func (t *txRepository) ListLineItems(ctx context.Context, summaryID int64) ([]LineItem, error) {
	return listLineItems(ctx, t.db, summaryID)
}

func (t *txRepository) DeleteLineItems(ctx context.Context, summaryID int64) error {
	_, err := t.db.Exec(ctx, `DELETE FROM line_items WHERE summary_id=$1`, summaryID)
	return err
}

func (t *txRepository) InsertLineItem(ctx context.Context, li LineItem) (int64, error) {
	var movementID pgtype.Int8
	if li.MovementID != nil {
		movementID = pgtype.Int8{Int64: *li.MovementID, Valid: true}
	}
	var id int64
	err := t.db.QueryRow(ctx, `INSERT INTO line_items (summary_id, type, concept_code, concept_name, amount, movement_id)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		li.SummaryID, string(li.Type), li.ConceptCode, li.ConceptName, li.Amount, movementID).Scan(&id)
	return id, err
}

// --- Movements ---

const movementColumns = `id, company_id, employee_id, movement_type, source, concept_code, concept_name,
amount, effective_date, period_id, status, approved_by, created_at`

func scanMovement(row pgx.Row) (Movement, error) {
	var m Movement
	var typ, source, status string
	var effective pgtype.Date
	var periodID, approvedBy pgtype.Int8
	var createdAt pgtype.Timestamptz
	err := row.Scan(&m.ID, &m.CompanyID, &m.EmployeeID, &typ, &source, &m.ConceptCode, &m.ConceptName,
		&m.Amount, &effective, &periodID, &status, &approvedBy, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Movement{}, fmt.Errorf("%w: movement", ErrNotFound)
		}
		return Movement{}, err
	}
	m.Type = MovementType(typ)
	m.Source = MovementSource(source)
	m.Status = MovementStatus(status)
	m.EffectiveDate = effective.Time
	m.PeriodID = int8ToPointer(periodID)
	m.ApprovedBy = int8ToPointer(approvedBy)
	m.CreatedAt = createdAt.Time
	return m, nil
}

// GetMovement fetches a movement by id.
func (r *Repository) GetMovement(ctx context.Context, id int64) (Movement, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+movementColumns+` FROM movements WHERE id=$1`, id)
	return scanMovement(row)
}

// ListMovements returns paginated movements for a company, optionally
// filtered by status.
func (r *Repository) ListMovements(ctx context.Context, companyID int64, status MovementStatus, limit, offset int) ([]Movement, error) {
	query := `SELECT ` + movementColumns + ` FROM movements WHERE company_id=$1`
	args := []any{companyID}
	if status != "" {
		query += ` AND status=$2`
		args = append(args, string(status))
	}
	query += fmt.Sprintf(` ORDER BY id DESC LIMIT %d OFFSET %d`, limit, offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var movements []Movement
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

func (t *txRepository) InsertMovement(ctx context.Context, m Movement) (int64, error) {
	var id int64
	err := t.db.QueryRow(ctx, `INSERT INTO movements
(company_id, employee_id, movement_type, source, concept_code, concept_name, amount, effective_date, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW()) RETURNING id`,
		m.CompanyID, m.EmployeeID, string(m.Type), string(m.Source), m.ConceptCode, m.ConceptName,
		m.Amount, pgtype.Date{Time: m.EffectiveDate, Valid: true}, string(m.Status)).Scan(&id)
	return id, err
}

func (t *txRepository) UpdateMovement(ctx context.Context, m Movement) error {
	_, err := t.db.Exec(ctx, `UPDATE movements SET concept_code=$2, concept_name=$3, amount=$4
WHERE id=$1 AND status='PENDING' AND period_id IS NULL`,
		m.ID, m.ConceptCode, m.ConceptName, m.Amount)
	return err
}

func (t *txRepository) SetMovementStatus(ctx context.Context, id int64, status MovementStatus) error {
	_, err := t.db.Exec(ctx, `UPDATE movements SET status=$2 WHERE id=$1`, id, string(status))
	return err
}

// ClaimMovements assigns the period to every unclaimed PENDING movement in
// the date window. Already-claimed movements are never touched, which makes
// repeated imports converge to a fixed point.
func (t *txRepository) ClaimMovements(ctx context.Context, companyID, periodID int64, from, to time.Time) (int64, error) {
	tag, err := t.db.Exec(ctx, `UPDATE movements SET period_id=$2
WHERE company_id=$1 AND status='PENDING' AND period_id IS NULL AND effective_date BETWEEN $3 AND $4`,
		companyID, periodID,
		pgtype.Date{Time: from, Valid: true}, pgtype.Date{Time: to, Valid: true})
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ApplyClaimedMovements settles every PENDING movement claimed by the period.
func (t *txRepository) ApplyClaimedMovements(ctx context.Context, periodID int64) (int64, error) {
	tag, err := t.db.Exec(ctx, `UPDATE movements SET status='APPLIED' WHERE period_id=$1 AND status='PENDING'`, periodID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *txRepository) ListPendingMovements(ctx context.Context, periodID, employeeID int64) ([]Movement, error) {
	rows, err := t.db.Query(ctx, `SELECT `+movementColumns+` FROM movements
WHERE period_id=$1 AND employee_id=$2 AND status='PENDING' ORDER BY id`, periodID, employeeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var movements []Movement
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

// --- Payslips ---

// ListPayslips returns the payslips of a run with decoded snapshots.
func (r *Repository) ListPayslips(ctx context.Context, runID int64) ([]Payslip, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, run_id, employee_id, snapshot, COALESCE(pdf_url, '')
FROM payslips WHERE run_id=$1 ORDER BY employee_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var slips []Payslip
	for rows.Next() {
		var slip Payslip
		var snapshot []byte
		if err := rows.Scan(&slip.ID, &slip.RunID, &slip.EmployeeID, &snapshot, &slip.PDFURL); err != nil {
			return nil, err
		}
		if len(snapshot) > 0 {
			if err := json.Unmarshal(snapshot, &slip.Snapshot); err != nil {
				return nil, fmt.Errorf("payroll: decode snapshot: %w", err)
			}
		}
		slips = append(slips, slip)
	}
	return slips, rows.Err()
}

// UpsertPayslip stores the snapshot for one run/employee pair, replacing any
// previous snapshot from an earlier approval of the same run.
func (t *txRepository) UpsertPayslip(ctx context.Context, p Payslip) (int64, error) {
	snapshot, err := json.Marshal(p.Snapshot)
	if err != nil {
		return 0, fmt.Errorf("payroll: encode snapshot: %w", err)
	}
	var id int64
	err = t.db.QueryRow(ctx, `INSERT INTO payslips (run_id, employee_id, snapshot)
VALUES ($1, $2, $3)
ON CONFLICT (run_id, employee_id) DO UPDATE SET snapshot=EXCLUDED.snapshot
RETURNING id`, p.RunID, p.EmployeeID, snapshot).Scan(&id)
	return id, err
}

func (t *txRepository) SetPayslipURL(ctx context.Context, runID, employeeID int64, url string) error {
	_, err := t.db.Exec(ctx, `UPDATE payslips SET pdf_url=$3 WHERE run_id=$1 AND employee_id=$2`, runID, employeeID, url)
	return err
}

// --- Helpers ---

func int8ToPointer(i pgtype.Int8) *int64 {
	if !i.Valid {
		return nil
	}
	v := i.Int64
	return &v
}

func timeToPointer(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
