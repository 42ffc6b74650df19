package payroll

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/helios-ops/helios-ops/internal/shared"
)

type fakeRepo struct {
	mu sync.Mutex

	periods   map[int64]Period
	runs      map[int64]Run
	summaries map[int64]EmployeeSummary
	lines     map[int64]LineItem
	movements map[int64]Movement
	payslips  map[string]Payslip

	nextID int64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		periods:   map[int64]Period{},
		runs:      map[int64]Run{},
		summaries: map[int64]EmployeeSummary{},
		lines:     map[int64]LineItem{},
		movements: map[int64]Movement{},
		payslips:  map[string]Payslip{},
	}
}

func (f *fakeRepo) id() int64 {
	f.nextID++
	return f.nextID
}

func payslipKey(runID, employeeID int64) string {
	return fmt.Sprintf("%d/%d", runID, employeeID)
}

func (f *fakeRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, f)
}

func (f *fakeRepo) GetPeriod(ctx context.Context, id int64) (Period, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.periods[id]
	if !ok {
		return Period{}, fmt.Errorf("%w: period %d", ErrNotFound, id)
	}
	return p, nil
}

func (f *fakeRepo) FindPeriod(ctx context.Context, companyID int64, year, month int, half PeriodHalf) (Period, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.periods {
		if p.CompanyID == companyID && p.Year == year && p.Month == month && p.Half == half {
			return p, nil
		}
	}
	return Period{}, fmt.Errorf("%w: period %d/%d %s", ErrNotFound, year, month, half)
}

func (f *fakeRepo) UpsertPeriod(ctx context.Context, in Period) (Period, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, p := range f.periods {
		if p.CompanyID == in.CompanyID && p.Year == in.Year && p.Month == in.Month && p.Half == in.Half {
			in.ID = id
			f.periods[id] = in
			return in, nil
		}
	}
	in.ID = f.id()
	f.periods[in.ID] = in
	return in, nil
}

func (f *fakeRepo) GetRun(ctx context.Context, id int64) (Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok {
		return Run{}, fmt.Errorf("%w: run %d", ErrNotFound, id)
	}
	return r, nil
}

func (f *fakeRepo) LockRun(ctx context.Context, id int64) (Run, error) {
	return f.GetRun(ctx, id)
}

func (f *fakeRepo) RunExistsForPeriod(ctx context.Context, periodID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.runs {
		if r.PeriodID == periodID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRepo) InsertRun(ctx context.Context, run Run) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run.ID = f.id()
	f.runs[run.ID] = run
	return run.ID, nil
}

func (f *fakeRepo) SetRunStatus(ctx context.Context, id int64, status RunStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.runs[id]
	r.Status = status
	f.runs[id] = r
	return nil
}

func (f *fakeRepo) SetRunApproved(ctx context.Context, id int64, approvedBy int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.runs[id]
	r.Status = RunStatusApproved
	r.ApprovedBy = &approvedBy
	f.runs[id] = r
	return nil
}

func (f *fakeRepo) SetRunPaid(ctx context.Context, id int64, paidBy int64, paidAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.runs[id]
	r.Status = RunStatusPaid
	r.PaidBy = &paidBy
	r.PaidAt = &paidAt
	f.runs[id] = r
	return nil
}

func (f *fakeRepo) ListRuns(ctx context.Context, companyID int64, limit, offset int) ([]Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Run
	for _, r := range f.runs {
		if r.CompanyID == companyID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeRepo) InsertSummary(ctx context.Context, s EmployeeSummary) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s.ID = f.id()
	f.summaries[s.ID] = s
	return s.ID, nil
}

func (f *fakeRepo) ListSummaries(ctx context.Context, runID int64) ([]EmployeeSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []EmployeeSummary
	for _, s := range f.summaries {
		if s.RunID == runID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeRepo) UpdateSummaryFigures(ctx context.Context, s EmployeeSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaries[s.ID] = s
	return nil
}

func (f *fakeRepo) LockSummaries(ctx context.Context, runID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, s := range f.summaries {
		if s.RunID == runID {
			s.Status = SummaryStatusLocked
			f.summaries[id] = s
		}
	}
	return nil
}

func (f *fakeRepo) DeleteLineItems(ctx context.Context, summaryID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, li := range f.lines {
		if li.SummaryID == summaryID {
			delete(f.lines, id)
		}
	}
	return nil
}

func (f *fakeRepo) InsertLineItem(ctx context.Context, li LineItem) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	li.ID = f.id()
	f.lines[li.ID] = li
	return li.ID, nil
}

func (f *fakeRepo) ListLineItems(ctx context.Context, summaryID int64) ([]LineItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []LineItem
	for _, li := range f.lines {
		if li.SummaryID == summaryID {
			out = append(out, li)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeRepo) GetMovement(ctx context.Context, id int64) (Movement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.movements[id]
	if !ok {
		return Movement{}, fmt.Errorf("%w: movement %d", ErrNotFound, id)
	}
	return m, nil
}

func (f *fakeRepo) InsertMovement(ctx context.Context, m Movement) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m.ID = f.id()
	f.movements[m.ID] = m
	return m.ID, nil
}

func (f *fakeRepo) UpdateMovement(ctx context.Context, m Movement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.movements[m.ID] = m
	return nil
}

func (f *fakeRepo) SetMovementStatus(ctx context.Context, id int64, status MovementStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.movements[id]
	m.Status = status
	f.movements[id] = m
	return nil
}

func (f *fakeRepo) ClaimMovements(ctx context.Context, companyID, periodID int64, from, to time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var claimed int64
	for id, m := range f.movements {
		if m.CompanyID != companyID || m.Status != MovementPending || m.PeriodID != nil {
			continue
		}
		if m.EffectiveDate.Before(from) || m.EffectiveDate.After(to) {
			continue
		}
		pid := periodID
		m.PeriodID = &pid
		f.movements[id] = m
		claimed++
	}
	return claimed, nil
}

func (f *fakeRepo) ApplyClaimedMovements(ctx context.Context, periodID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var applied int64
	for id, m := range f.movements {
		if m.PeriodID != nil && *m.PeriodID == periodID && m.Status == MovementPending {
			m.Status = MovementApplied
			f.movements[id] = m
			applied++
		}
	}
	return applied, nil
}

func (f *fakeRepo) ListPendingMovements(ctx context.Context, periodID, employeeID int64) ([]Movement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Movement
	for _, m := range f.movements {
		if m.PeriodID != nil && *m.PeriodID == periodID && m.EmployeeID == employeeID && m.Status == MovementPending {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeRepo) ListMovements(ctx context.Context, companyID int64, status MovementStatus, limit, offset int) ([]Movement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Movement
	for _, m := range f.movements {
		if m.CompanyID != companyID {
			continue
		}
		if status != "" && m.Status != status {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeRepo) UpsertPayslip(ctx context.Context, p Payslip) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := payslipKey(p.RunID, p.EmployeeID)
	if existing, ok := f.payslips[key]; ok {
		existing.Snapshot = p.Snapshot
		f.payslips[key] = existing
		return existing.ID, nil
	}
	p.ID = f.id()
	f.payslips[key] = p
	return p.ID, nil
}

func (f *fakeRepo) SetPayslipURL(ctx context.Context, runID, employeeID int64, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := payslipKey(runID, employeeID)
	p, ok := f.payslips[key]
	if !ok {
		return fmt.Errorf("%w: payslip %s", ErrNotFound, key)
	}
	p.PDFURL = url
	f.payslips[key] = p
	return nil
}

func (f *fakeRepo) ListPayslips(ctx context.Context, runID int64) ([]Payslip, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Payslip
	for _, p := range f.payslips {
		if p.RunID == runID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type fakeDirectory struct{ employees []Employee }

func (d fakeDirectory) ListActiveEmployees(ctx context.Context, companyID int64) ([]Employee, error) {
	return d.employees, nil
}

type fakeCompany struct{ info CompanyInfo }

func (c fakeCompany) GetCompanyInfo(ctx context.Context, companyID int64) (CompanyInfo, error) {
	return c.info, nil
}

type fakeStatutory struct{ config StatutoryConfig }

func (s fakeStatutory) GetActiveConfig(ctx context.Context, companyID int64, year int) (StatutoryConfig, error) {
	return s.config, nil
}

type fakeRenderer struct {
	mu      sync.Mutex
	failFor map[int64]bool
	renders int
}

func (r *fakeRenderer) Render(ctx context.Context, snapshot PayslipSnapshot) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failFor[snapshot.Employee.ID] {
		return nil, errors.New("render blew up")
	}
	r.renders++
	return []byte("%PDF-fake"), nil
}

type fakeDocStore struct {
	mu    sync.Mutex
	saved map[string][]byte
}

func (d *fakeDocStore) Save(ctx context.Context, data []byte, path string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.saved == nil {
		d.saved = map[string][]byte{}
	}
	d.saved[path] = data
	return "/files/" + path, nil
}

type fakeAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
	err  error
}

func (a *fakeAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.logs = append(a.logs, log)
	return nil
}

func (a *fakeAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.logs))
	for _, l := range a.logs {
		out = append(out, l.Action)
	}
	return out
}

type fakeLocker struct {
	held    bool
	err     error
	lastTTL time.Duration
}

func (l *fakeLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	l.lastTTL = ttl
	if l.err != nil {
		return nil, l.err
	}
	if l.held {
		return nil, shared.ErrLockHeld
	}
	l.held = true
	return func() { l.held = false }, nil
}

type fakeMetrics struct {
	mu          sync.Mutex
	transitions map[string]int
	rendered    int
}

func (m *fakeMetrics) ObserveRunTransition(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transitions == nil {
		m.transitions = map[string]int{}
	}
	m.transitions[status]++
}

func (m *fakeMetrics) ObservePayslipRendered() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rendered++
}

type fakeRetryQueue struct {
	mu     sync.Mutex
	runIDs []int64
}

func (q *fakeRetryQueue) EnqueueDocumentsRetry(ctx context.Context, runID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.runIDs = append(q.runIDs, runID)
	return nil
}

type fixture struct {
	repo     *fakeRepo
	service  *Service
	renderer *fakeRenderer
	docs     *fakeDocStore
	audit    *fakeAudit
	locker   *fakeLocker
	metrics  *fakeMetrics
	retry    *fakeRetryQueue
}

func newFixture(t *testing.T, employees []Employee, rates []StatutoryRate) *fixture {
	t.Helper()
	repo := newFakeRepo()
	renderer := &fakeRenderer{failFor: map[int64]bool{}}
	docs := &fakeDocStore{}
	audit := &fakeAudit{}
	locker := &fakeLocker{}
	svc := NewService(
		repo,
		fakeDirectory{employees: employees},
		fakeCompany{info: CompanyInfo{ID: 1, Name: "Helios Demo SRL", TaxID: "1-30-12345-6", Currency: "DOP"}},
		fakeStatutory{config: StatutoryConfig{CompanyID: 1, Year: 2026, Rates: rates, Active: true}},
		renderer,
		docs,
		audit,
		locker,
		nil,
	)
	svc.WithNow(func() time.Time { return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC) })
	metrics := &fakeMetrics{}
	retry := &fakeRetryQueue{}
	svc.WithMetrics(metrics)
	svc.WithRetryQueue(retry)
	return &fixture{
		repo: repo, service: svc, renderer: renderer, docs: docs,
		audit: audit, locker: locker, metrics: metrics, retry: retry,
	}
}

func defaultRates() []StatutoryRate {
	return []StatutoryRate{
		{Code: "TSS_SFS", Name: "Seguro Familiar de Salud", Rate: 0.0304},
		{Code: "TSS_AFP", Name: "Fondo de Pensiones", Rate: 0.0287},
		{Code: "ISR", Name: "Impuesto Sobre la Renta", Rate: 0},
	}
}

func (fx *fixture) ensureMarch(t *testing.T) []Period {
	t.Helper()
	periods, err := fx.service.EnsureCurrentPeriods(context.Background(), EnsurePeriodsInput{CompanyID: 1, Year: 2026, Month: 3, ActorID: 7})
	require.NoError(t, err)
	require.Len(t, periods, 2)
	return periods
}

func TestEnsureCurrentPeriodsIdempotent(t *testing.T) {
	fx := newFixture(t, nil, defaultRates())

	first := fx.ensureMarch(t)
	require.Equal(t, HalfFirst, first[0].Half)
	require.Equal(t, 1, first[0].DateFrom.Day())
	require.Equal(t, 15, first[0].DateTo.Day())
	require.Equal(t, HalfSecond, first[1].Half)
	require.Equal(t, 16, first[1].DateFrom.Day())
	require.Equal(t, 31, first[1].DateTo.Day())

	second := fx.ensureMarch(t)
	require.Equal(t, first[0].ID, second[0].ID)
	require.Equal(t, first[1].ID, second[1].ID)
	require.Len(t, fx.repo.periods, 2)
}

func TestEnsureCurrentPeriodsDefaultsToCurrentMonth(t *testing.T) {
	fx := newFixture(t, nil, defaultRates())

	periods, err := fx.service.EnsureCurrentPeriods(context.Background(), EnsurePeriodsInput{CompanyID: 1, ActorID: 7})
	require.NoError(t, err)
	require.Equal(t, 2026, periods[0].Year)
	require.Equal(t, 3, periods[0].Month)
}

func TestEnsureCurrentPeriodsValidation(t *testing.T) {
	fx := newFixture(t, nil, defaultRates())
	ctx := context.Background()

	_, err := fx.service.EnsureCurrentPeriods(ctx, EnsurePeriodsInput{Year: 2026, Month: 3})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = fx.service.EnsureCurrentPeriods(ctx, EnsurePeriodsInput{CompanyID: 1, Year: 1999, Month: 3})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = fx.service.EnsureCurrentPeriods(ctx, EnsurePeriodsInput{CompanyID: 1, Year: 2026, Month: 13})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestCreateRunSnapshotsActiveEmployees(t *testing.T) {
	fx := newFixture(t, []Employee{
		{ID: 10, Name: "Ana Castillo", MonthlySalary: 30000},
		{ID: 11, Name: "Carlos Duran", MonthlySalary: 0},
	}, defaultRates())
	ctx := context.Background()
	periods := fx.ensureMarch(t)

	run, err := fx.service.CreateRun(ctx, CreateRunInput{PeriodID: periods[0].ID, ActorID: 7})
	require.NoError(t, err)
	require.Equal(t, RunStatusDraft, run.Status)

	summaries, err := fx.repo.ListSummaries(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	require.InDelta(t, 15000, summaries[0].BaseSalary, 1e-9)
	require.Equal(t, SummaryStatusReady, summaries[0].Status)
	require.Equal(t, "DOP", summaries[0].Currency)
	require.Zero(t, summaries[1].BaseSalary)
	require.Equal(t, SummaryStatusNeedsReview, summaries[1].Status)

	_, err = fx.service.CreateRun(ctx, CreateRunInput{PeriodID: periods[0].ID, ActorID: 7})
	require.ErrorIs(t, err, ErrConflict)
}

func TestRecalculateAppliesFormula(t *testing.T) {
	fx := newFixture(t, []Employee{{ID: 10, Name: "Ana Castillo", MonthlySalary: 30000}}, defaultRates())
	ctx := context.Background()
	periods := fx.ensureMarch(t)
	run, err := fx.service.CreateRun(ctx, CreateRunInput{PeriodID: periods[0].ID, ActorID: 7})
	require.NoError(t, err)

	_, err = fx.service.CreateMovement(ctx, CreateMovementInput{
		CompanyID: 1, EmployeeID: 10,
		Type: MovementEarning, Source: SourceSalesCommission,
		ConceptCode: "COMM", ConceptName: "Comision de ventas",
		Amount: 2000, EffectiveDate: "2026-03-05", ActorID: 7,
	})
	require.NoError(t, err)

	claimed, err := fx.service.ImportMovements(ctx, run.ID, 7)
	require.NoError(t, err)
	require.EqualValues(t, 1, claimed)

	require.NoError(t, fx.service.Recalculate(ctx, run.ID, 7))

	updated, err := fx.repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, RunStatusReview, updated.Status)

	summaries, err := fx.repo.ListSummaries(ctx, run.ID)
	require.NoError(t, err)
	s := summaries[0]
	require.InDelta(t, 15000, s.BaseSalary, 1e-9)
	require.InDelta(t, 2000, s.Commissions, 1e-9)
	require.InDelta(t, 17000, s.GrossAmount, 1e-9)
	require.InDelta(t, 1004.70, s.StatutoryDeductions, 1e-9)
	require.InDelta(t, 15995.30, s.NetAmount, 1e-9)
	require.Equal(t, SummaryStatusReady, s.Status)

	lines, err := fx.repo.ListLineItems(ctx, s.ID)
	require.NoError(t, err)
	// base salary + one movement + three statutory rows
	require.Len(t, lines, 5)
	require.Equal(t, "BASE_SALARY", lines[0].ConceptCode)
	require.NotNil(t, lines[1].MovementID)
	require.InDelta(t, 516.80, lines[2].Amount, 1e-9)
	require.InDelta(t, 487.90, lines[3].Amount, 1e-9)
	require.Zero(t, lines[4].Amount)

	// Recalculating again yields identical figures and no duplicate lines.
	require.NoError(t, fx.service.Recalculate(ctx, run.ID, 7))
	again, err := fx.repo.ListSummaries(ctx, run.ID)
	require.NoError(t, err)
	require.InDelta(t, s.NetAmount, again[0].NetAmount, 1e-9)
	lines, err = fx.repo.ListLineItems(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, lines, 5)
}

func TestRecalculateFlagsNegativeNet(t *testing.T) {
	fx := newFixture(t, []Employee{{ID: 10, Name: "Ana Castillo", MonthlySalary: 1000}}, defaultRates())
	ctx := context.Background()
	periods := fx.ensureMarch(t)
	run, err := fx.service.CreateRun(ctx, CreateRunInput{PeriodID: periods[0].ID, ActorID: 7})
	require.NoError(t, err)

	_, err = fx.service.CreateMovement(ctx, CreateMovementInput{
		CompanyID: 1, EmployeeID: 10,
		Type: MovementDeduction, Source: SourceLoan,
		ConceptName: "Prestamo", Amount: 5000, EffectiveDate: "2026-03-02", ActorID: 7,
	})
	require.NoError(t, err)
	_, err = fx.service.ImportMovements(ctx, run.ID, 7)
	require.NoError(t, err)

	require.NoError(t, fx.service.Recalculate(ctx, run.ID, 7))
	summaries, err := fx.repo.ListSummaries(ctx, run.ID)
	require.NoError(t, err)
	require.Negative(t, summaries[0].NetAmount)
	require.Equal(t, SummaryStatusNeedsReview, summaries[0].Status)
}

func TestImportMovementsIsIdempotent(t *testing.T) {
	fx := newFixture(t, []Employee{{ID: 10, Name: "Ana Castillo", MonthlySalary: 30000}}, defaultRates())
	ctx := context.Background()
	periods := fx.ensureMarch(t)
	run, err := fx.service.CreateRun(ctx, CreateRunInput{PeriodID: periods[0].ID, ActorID: 7})
	require.NoError(t, err)

	for _, date := range []string{"2026-03-03", "2026-03-14", "2026-03-20"} {
		_, err = fx.service.CreateMovement(ctx, CreateMovementInput{
			CompanyID: 1, EmployeeID: 10,
			Type: MovementEarning, Source: SourceOther,
			ConceptName: "Bono", Amount: 100, EffectiveDate: date, ActorID: 7,
		})
		require.NoError(t, err)
	}

	claimed, err := fx.service.ImportMovements(ctx, run.ID, 7)
	require.NoError(t, err)
	require.EqualValues(t, 2, claimed) // the 2026-03-20 movement is outside the first half

	claimed, err = fx.service.ImportMovements(ctx, run.ID, 7)
	require.NoError(t, err)
	require.Zero(t, claimed)
}

func TestMovementImmutableOnceClaimed(t *testing.T) {
	fx := newFixture(t, []Employee{{ID: 10, Name: "Ana Castillo", MonthlySalary: 30000}}, defaultRates())
	ctx := context.Background()
	periods := fx.ensureMarch(t)
	run, err := fx.service.CreateRun(ctx, CreateRunInput{PeriodID: periods[0].ID, ActorID: 7})
	require.NoError(t, err)

	m, err := fx.service.CreateMovement(ctx, CreateMovementInput{
		CompanyID: 1, EmployeeID: 10,
		Type: MovementEarning, Source: SourceOther,
		ConceptName: "Bono", Amount: 100, EffectiveDate: "2026-03-03", ActorID: 7,
	})
	require.NoError(t, err)

	_, err = fx.service.UpdateMovement(ctx, UpdateMovementInput{MovementID: m.ID, Amount: 150, ActorID: 7})
	require.NoError(t, err)

	_, err = fx.service.ImportMovements(ctx, run.ID, 7)
	require.NoError(t, err)

	_, err = fx.service.UpdateMovement(ctx, UpdateMovementInput{MovementID: m.ID, Amount: 200, ActorID: 7})
	require.ErrorIs(t, err, ErrInvalidState)
	require.ErrorIs(t, fx.service.VoidMovement(ctx, m.ID, 7), ErrInvalidState)
}

func TestCreateMovementValidation(t *testing.T) {
	fx := newFixture(t, nil, defaultRates())
	ctx := context.Background()

	cases := []CreateMovementInput{
		{CompanyID: 1, EmployeeID: 10, Type: MovementEarning, Source: SourceOther, ConceptName: "x", Amount: 0, EffectiveDate: "2026-03-03"},
		{CompanyID: 1, EmployeeID: 10, Type: "BONUS", Source: SourceOther, ConceptName: "x", Amount: 10, EffectiveDate: "2026-03-03"},
		{CompanyID: 1, EmployeeID: 10, Type: MovementEarning, Source: "PAYROLL", ConceptName: "x", Amount: 10, EffectiveDate: "2026-03-03"},
		{CompanyID: 1, EmployeeID: 10, Type: MovementEarning, Source: SourceOther, ConceptName: " ", Amount: 10, EffectiveDate: "2026-03-03"},
		{CompanyID: 1, EmployeeID: 10, Type: MovementEarning, Source: SourceOther, ConceptName: "x", Amount: 10, EffectiveDate: "03/03/2026"},
		{EmployeeID: 10, Type: MovementEarning, Source: SourceOther, ConceptName: "x", Amount: 10, EffectiveDate: "2026-03-03"},
	}
	for _, in := range cases {
		_, err := fx.service.CreateMovement(ctx, in)
		require.ErrorIs(t, err, ErrInvalidInput)
	}
}

func TestApproveLocksRunAndBuildsSnapshots(t *testing.T) {
	fx := newFixture(t, []Employee{{ID: 10, Name: "Ana Castillo", MonthlySalary: 30000}}, defaultRates())
	ctx := context.Background()
	periods := fx.ensureMarch(t)
	run, err := fx.service.CreateRun(ctx, CreateRunInput{PeriodID: periods[0].ID, ActorID: 7})
	require.NoError(t, err)

	m, err := fx.service.CreateMovement(ctx, CreateMovementInput{
		CompanyID: 1, EmployeeID: 10,
		Type: MovementEarning, Source: SourceSalesCommission,
		ConceptName: "Comision", Amount: 2000, EffectiveDate: "2026-03-05", ActorID: 7,
	})
	require.NoError(t, err)
	_, err = fx.service.ImportMovements(ctx, run.ID, 7)
	require.NoError(t, err)
	require.NoError(t, fx.service.Recalculate(ctx, run.ID, 7))

	approved, err := fx.service.Approve(ctx, run.ID, 9)
	require.NoError(t, err)
	require.Equal(t, RunStatusApproved, approved.Status)
	require.NotNil(t, approved.ApprovedBy)
	require.EqualValues(t, 9, *approved.ApprovedBy)

	summaries, err := fx.repo.ListSummaries(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, SummaryStatusLocked, summaries[0].Status)

	claimed, err := fx.repo.GetMovement(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, MovementApplied, claimed.Status)

	slips, err := fx.repo.ListPayslips(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, slips, 1)
	snap := slips[0].Snapshot
	require.Equal(t, "Helios Demo SRL", snap.Company.Name)
	require.Equal(t, "Ana Castillo", snap.Employee.Name)
	require.InDelta(t, 15995.30, snap.Figures.NetAmount, 1e-9)
	require.Len(t, snap.Lines, 5)
	require.False(t, snap.GeneratedAt.IsZero())
	require.Empty(t, slips[0].PDFURL)

	// Approved runs reject further recalculation and re-approval.
	require.ErrorIs(t, fx.service.Recalculate(ctx, run.ID, 7), ErrInvalidState)
	_, err = fx.service.Approve(ctx, run.ID, 9)
	require.ErrorIs(t, err, ErrInvalidState)
	_, err = fx.service.ImportMovements(ctx, run.ID, 7)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestMarkPaidRendersDocuments(t *testing.T) {
	fx := newFixture(t, []Employee{
		{ID: 10, Name: "Ana Castillo", MonthlySalary: 30000},
		{ID: 11, Name: "Luis Mejia", MonthlySalary: 45000},
	}, defaultRates())
	ctx := context.Background()
	periods := fx.ensureMarch(t)
	run, err := fx.service.CreateRun(ctx, CreateRunInput{PeriodID: periods[0].ID, ActorID: 7})
	require.NoError(t, err)
	require.NoError(t, fx.service.Recalculate(ctx, run.ID, 7))
	_, err = fx.service.Approve(ctx, run.ID, 9)
	require.NoError(t, err)

	paid, err := fx.service.MarkPaid(ctx, run.ID, 9)
	require.NoError(t, err)
	require.Equal(t, RunStatusPaid, paid.Status)
	require.NotNil(t, paid.PaidAt)
	require.NotNil(t, paid.PaidBy)

	slips, err := fx.repo.ListPayslips(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, slips, 2)
	for _, slip := range slips {
		require.NotEmpty(t, slip.PDFURL)
	}
	require.Len(t, fx.docs.saved, 2)
	require.Equal(t, 2, fx.renderer.renders)
	require.Contains(t, fx.audit.actions(), "PAYSLIP_NOTIFY")
	require.Empty(t, fx.retry.runIDs)

	_, err = fx.service.MarkPaid(ctx, run.ID, 9)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestMarkPaidSurvivesRenderFailure(t *testing.T) {
	fx := newFixture(t, []Employee{
		{ID: 10, Name: "Ana Castillo", MonthlySalary: 30000},
		{ID: 11, Name: "Luis Mejia", MonthlySalary: 45000},
	}, defaultRates())
	ctx := context.Background()
	periods := fx.ensureMarch(t)
	run, err := fx.service.CreateRun(ctx, CreateRunInput{PeriodID: periods[0].ID, ActorID: 7})
	require.NoError(t, err)
	require.NoError(t, fx.service.Recalculate(ctx, run.ID, 7))
	_, err = fx.service.Approve(ctx, run.ID, 9)
	require.NoError(t, err)

	fx.renderer.failFor[11] = true

	paid, err := fx.service.MarkPaid(ctx, run.ID, 9)
	require.Error(t, err)
	require.Equal(t, RunStatusPaid, paid.Status)

	// The failure queues exactly one background retry for the run.
	require.Equal(t, []int64{run.ID}, fx.retry.runIDs)

	stored, err := fx.repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, RunStatusPaid, stored.Status)

	slips, err := fx.repo.ListPayslips(ctx, run.ID)
	require.NoError(t, err)
	withURL := 0
	for _, slip := range slips {
		if slip.PDFURL != "" {
			withURL++
		}
	}
	require.Equal(t, 1, withURL)

	// Retrying fills only the missing document.
	fx.renderer.failFor[11] = false
	rendered, err := fx.service.RegeneratePayslipDocuments(ctx, run.ID, 9)
	require.NoError(t, err)
	require.EqualValues(t, 1, rendered)

	slips, err = fx.repo.ListPayslips(ctx, run.ID)
	require.NoError(t, err)
	for _, slip := range slips {
		require.NotEmpty(t, slip.PDFURL)
	}
}

func TestMarkPaidRejectsConcurrentPayment(t *testing.T) {
	fx := newFixture(t, []Employee{{ID: 10, Name: "Ana Castillo", MonthlySalary: 30000}}, defaultRates())
	ctx := context.Background()
	periods := fx.ensureMarch(t)
	run, err := fx.service.CreateRun(ctx, CreateRunInput{PeriodID: periods[0].ID, ActorID: 7})
	require.NoError(t, err)
	require.NoError(t, fx.service.Recalculate(ctx, run.ID, 7))
	_, err = fx.service.Approve(ctx, run.ID, 9)
	require.NoError(t, err)

	fx.locker.held = true
	_, err = fx.service.MarkPaid(ctx, run.ID, 9)
	require.ErrorIs(t, err, ErrConflict)

	fx.locker.held = false
	_, err = fx.service.MarkPaid(ctx, run.ID, 9)
	require.NoError(t, err)
}

func TestLifecycleCountsTransitionsAndDocuments(t *testing.T) {
	fx := newFixture(t, []Employee{{ID: 10, Name: "Ana Castillo", MonthlySalary: 30000}}, defaultRates())
	ctx := context.Background()
	periods := fx.ensureMarch(t)
	run, err := fx.service.CreateRun(ctx, CreateRunInput{PeriodID: periods[0].ID, ActorID: 7})
	require.NoError(t, err)
	require.NoError(t, fx.service.Recalculate(ctx, run.ID, 7))
	_, err = fx.service.Approve(ctx, run.ID, 9)
	require.NoError(t, err)
	_, err = fx.service.MarkPaid(ctx, run.ID, 9)
	require.NoError(t, err)

	require.Equal(t, 1, fx.metrics.transitions[string(RunStatusReview)])
	require.Equal(t, 1, fx.metrics.transitions[string(RunStatusApproved)])
	require.Equal(t, 1, fx.metrics.transitions[string(RunStatusPaid)])
	require.Equal(t, 1, fx.metrics.rendered)
}

func TestAuditFailureDoesNotBlockLifecycle(t *testing.T) {
	fx := newFixture(t, []Employee{{ID: 10, Name: "Ana Castillo", MonthlySalary: 30000}}, defaultRates())
	fx.audit.err = errors.New("audit store down")
	ctx := context.Background()

	periods := fx.ensureMarch(t)
	run, err := fx.service.CreateRun(ctx, CreateRunInput{PeriodID: periods[0].ID, ActorID: 7})
	require.NoError(t, err)
	require.NoError(t, fx.service.Recalculate(ctx, run.ID, 7))
	_, err = fx.service.Approve(ctx, run.ID, 9)
	require.NoError(t, err)
	paid, err := fx.service.MarkPaid(ctx, run.ID, 9)
	require.NoError(t, err)
	require.Equal(t, RunStatusPaid, paid.Status)
	require.Empty(t, fx.audit.logs)
}

func TestMarkPaidUsesConfiguredLockTTL(t *testing.T) {
	fx := newFixture(t, []Employee{{ID: 10, Name: "Ana Castillo", MonthlySalary: 30000}}, defaultRates())
	fx.service.WithPayLockTTL(90 * time.Second)
	ctx := context.Background()
	periods := fx.ensureMarch(t)
	run, err := fx.service.CreateRun(ctx, CreateRunInput{PeriodID: periods[0].ID, ActorID: 7})
	require.NoError(t, err)
	require.NoError(t, fx.service.Recalculate(ctx, run.ID, 7))
	_, err = fx.service.Approve(ctx, run.ID, 9)
	require.NoError(t, err)

	_, err = fx.service.MarkPaid(ctx, run.ID, 9)
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, fx.locker.lastTTL)
}

func TestMarkPaidLockerOutageIsNotConflict(t *testing.T) {
	fx := newFixture(t, []Employee{{ID: 10, Name: "Ana Castillo", MonthlySalary: 30000}}, defaultRates())
	ctx := context.Background()
	periods := fx.ensureMarch(t)
	run, err := fx.service.CreateRun(ctx, CreateRunInput{PeriodID: periods[0].ID, ActorID: 7})
	require.NoError(t, err)
	require.NoError(t, fx.service.Recalculate(ctx, run.ID, 7))
	_, err = fx.service.Approve(ctx, run.ID, 9)
	require.NoError(t, err)

	fx.locker.err = errors.New("redis unreachable")
	_, err = fx.service.MarkPaid(ctx, run.ID, 9)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrConflict)

	// The run was never paid.
	stored, err := fx.repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, RunStatusApproved, stored.Status)
}

func TestRegenerateRequiresPaidRun(t *testing.T) {
	fx := newFixture(t, []Employee{{ID: 10, Name: "Ana Castillo", MonthlySalary: 30000}}, defaultRates())
	ctx := context.Background()
	periods := fx.ensureMarch(t)
	run, err := fx.service.CreateRun(ctx, CreateRunInput{PeriodID: periods[0].ID, ActorID: 7})
	require.NoError(t, err)

	_, err = fx.service.RegeneratePayslipDocuments(ctx, run.ID, 7)
	require.ErrorIs(t, err, ErrInvalidState)
}
