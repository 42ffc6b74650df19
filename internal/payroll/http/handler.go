// Package payrollhttp wires the payroll engine into the HTTP API.
package payrollhttp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/helios-ops/helios-ops/internal/payroll"
	"github.com/helios-ops/helios-ops/internal/platform/httpx"
	"github.com/helios-ops/helios-ops/internal/shared"
)

type payrollService interface {
	EnsureCurrentPeriods(ctx context.Context, in payroll.EnsurePeriodsInput) ([]payroll.Period, error)
	CreateRun(ctx context.Context, in payroll.CreateRunInput) (payroll.Run, error)
	GetRunDetail(ctx context.Context, id int64) (payroll.RunDetail, error)
	ListRuns(ctx context.Context, companyID int64, limit, offset int) ([]payroll.Run, error)
	ListLineItems(ctx context.Context, summaryID int64) ([]payroll.LineItem, error)
	ListPayslips(ctx context.Context, runID int64) ([]payroll.Payslip, error)
	ImportMovements(ctx context.Context, runID, actorID int64) (int64, error)
	Recalculate(ctx context.Context, runID, actorID int64) error
	Approve(ctx context.Context, runID, actorID int64) (payroll.Run, error)
	MarkPaid(ctx context.Context, runID, actorID int64) (payroll.Run, error)
	RegeneratePayslipDocuments(ctx context.Context, runID, actorID int64) (int64, error)
	CreateMovement(ctx context.Context, in payroll.CreateMovementInput) (payroll.Movement, error)
	UpdateMovement(ctx context.Context, in payroll.UpdateMovementInput) (payroll.Movement, error)
	VoidMovement(ctx context.Context, movementID, actorID int64) error
	ListMovements(ctx context.Context, companyID int64, status payroll.MovementStatus, limit, offset int) ([]payroll.Movement, error)
}

type notificationFeed interface {
	ListNotifications(ctx context.Context, companyID, employeeID int64, limit int) ([]shared.AuditLog, error)
}

// Handler exposes the payroll run engine endpoints.
type Handler struct {
	logger        *slog.Logger
	service       payrollService
	notifications notificationFeed
	validate      *validator.Validate
}

// NewHandler constructs a payroll HTTP handler.
func NewHandler(logger *slog.Logger, service payrollService, notifications notificationFeed) *Handler {
	return &Handler{
		logger:        logger,
		service:       service,
		notifications: notifications,
		validate:      validator.New(),
	}
}

// MountRoutes registers payroll routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/payroll", func(r chi.Router) {
		r.Post("/periods/ensure", h.ensurePeriods)

		r.Post("/runs", h.createRun)
		r.Get("/runs", h.listRuns)
		r.Get("/runs/{id}", h.getRun)
		r.Get("/runs/{id}/payslips", h.listPayslips)
		r.Post("/runs/{id}/import-movements", h.importMovements)
		r.Post("/runs/{id}/recalculate", h.recalculate)
		r.Post("/runs/{id}/approve", h.approve)
		r.Post("/runs/{id}/pay", h.markPaid)
		r.Post("/runs/{id}/documents/regenerate", h.regenerateDocuments)

		r.Get("/summaries/{id}/lines", h.listLineItems)

		r.Post("/movements", h.createMovement)
		r.Get("/movements", h.listMovements)
		r.Put("/movements/{id}", h.updateMovement)
		r.Delete("/movements/{id}", h.voidMovement)

		r.Get("/notifications", h.listNotifications)
	})
}

type ensurePeriodsRequest struct {
	Year  int `json:"year" validate:"omitempty,min=2000,max=2100"`
	Month int `json:"month" validate:"omitempty,min=1,max=12"`
}

type periodResponse struct {
	ID       int64  `json:"id"`
	Year     int    `json:"year"`
	Month    int    `json:"month"`
	Half     string `json:"half"`
	DateFrom string `json:"date_from"`
	DateTo   string `json:"date_to"`
}

func (h *Handler) ensurePeriods(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	var req ensurePeriodsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Input", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Input", err.Error())
		return
	}
	periods, err := h.service.EnsureCurrentPeriods(r.Context(), payroll.EnsurePeriodsInput{
		CompanyID: actor.CompanyID,
		Year:      req.Year,
		Month:     req.Month,
		ActorID:   actor.UserID,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]periodResponse, 0, len(periods))
	for _, p := range periods {
		out = append(out, periodResponse{
			ID:       p.ID,
			Year:     p.Year,
			Month:    p.Month,
			Half:     string(p.Half),
			DateFrom: p.DateFrom.Format("2006-01-02"),
			DateTo:   p.DateTo.Format("2006-01-02"),
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"periods": out})
}

type createRunRequest struct {
	PeriodID int64  `json:"period_id" validate:"required"`
	Notes    string `json:"notes" validate:"max=500"`
}

type runResponse struct {
	ID         int64      `json:"id"`
	PeriodID   int64      `json:"period_id"`
	Status     string     `json:"status"`
	CreatedBy  int64      `json:"created_by"`
	ApprovedBy *int64     `json:"approved_by,omitempty"`
	PaidBy     *int64     `json:"paid_by,omitempty"`
	PaidAt     *time.Time `json:"paid_at,omitempty"`
	Notes      string     `json:"notes,omitempty"`
}

func mapRun(run payroll.Run) runResponse {
	return runResponse{
		ID:         run.ID,
		PeriodID:   run.PeriodID,
		Status:     string(run.Status),
		CreatedBy:  run.CreatedBy,
		ApprovedBy: run.ApprovedBy,
		PaidBy:     run.PaidBy,
		PaidAt:     run.PaidAt,
		Notes:      run.Notes,
	}
}

func (h *Handler) createRun(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	var req createRunRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Input", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Input", err.Error())
		return
	}
	run, err := h.service.CreateRun(r.Context(), payroll.CreateRunInput{
		PeriodID: req.PeriodID,
		ActorID:  actor.UserID,
		Notes:    req.Notes,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, mapRun(run))
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	limit, offset := paging(r)
	runs, err := h.service.ListRuns(r.Context(), actor.CompanyID, limit, offset)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, mapRun(run))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"runs": out})
}

type summaryResponse struct {
	ID                  int64   `json:"id"`
	EmployeeID          int64   `json:"employee_id"`
	EmployeeName        string  `json:"employee_name"`
	BaseSalary          float64 `json:"base_salary"`
	Commissions         float64 `json:"commissions"`
	OtherEarnings       float64 `json:"other_earnings"`
	GrossAmount         float64 `json:"gross_amount"`
	StatutoryDeductions float64 `json:"statutory_deductions"`
	OtherDeductions     float64 `json:"other_deductions"`
	NetAmount           float64 `json:"net_amount"`
	Currency            string  `json:"currency"`
	Status              string  `json:"status"`
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Input", "invalid run id")
		return
	}
	detail, err := h.service.GetRunDetail(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	summaries := make([]summaryResponse, 0, len(detail.Summaries))
	for _, s := range detail.Summaries {
		summaries = append(summaries, summaryResponse{
			ID:                  s.ID,
			EmployeeID:          s.EmployeeID,
			EmployeeName:        s.EmployeeName,
			BaseSalary:          s.BaseSalary,
			Commissions:         s.Commissions,
			OtherEarnings:       s.OtherEarnings,
			GrossAmount:         s.GrossAmount,
			StatutoryDeductions: s.StatutoryDeductions,
			OtherDeductions:     s.OtherDeductions,
			NetAmount:           s.NetAmount,
			Currency:            s.Currency,
			Status:              string(s.Status),
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"run": mapRun(detail.Run),
		"period": periodResponse{
			ID:       detail.Period.ID,
			Year:     detail.Period.Year,
			Month:    detail.Period.Month,
			Half:     string(detail.Period.Half),
			DateFrom: detail.Period.DateFrom.Format("2006-01-02"),
			DateTo:   detail.Period.DateTo.Format("2006-01-02"),
		},
		"summaries": summaries,
	})
}

func (h *Handler) listPayslips(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Input", "invalid run id")
		return
	}
	slips, err := h.service.ListPayslips(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	type payslipResponse struct {
		ID         int64                   `json:"id"`
		EmployeeID int64                   `json:"employee_id"`
		PDFURL     string                  `json:"pdf_url,omitempty"`
		Snapshot   payroll.PayslipSnapshot `json:"snapshot"`
	}
	out := make([]payslipResponse, 0, len(slips))
	for _, slip := range slips {
		out = append(out, payslipResponse{
			ID:         slip.ID,
			EmployeeID: slip.EmployeeID,
			PDFURL:     slip.PDFURL,
			Snapshot:   slip.Snapshot,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"payslips": out})
}

func (h *Handler) importMovements(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Input", "invalid run id")
		return
	}
	claimed, err := h.service.ImportMovements(r.Context(), id, actor.UserID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"claimed": claimed})
}

func (h *Handler) recalculate(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Input", "invalid run id")
		return
	}
	if err := h.service.Recalculate(r.Context(), id, actor.UserID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	detail, err := h.service.GetRunDetail(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, mapRun(detail.Run))
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Input", "invalid run id")
		return
	}
	run, err := h.service.Approve(r.Context(), id, actor.UserID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, mapRun(run))
}

func (h *Handler) markPaid(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Input", "invalid run id")
		return
	}
	run, err := h.service.MarkPaid(r.Context(), id, actor.UserID)
	if err != nil && run.Status != payroll.RunStatusPaid {
		httpx.RespondError(w, err)
		return
	}
	resp := map[string]any{"run": mapRun(run)}
	if err != nil {
		// The run is paid; some documents failed and can be regenerated.
		h.logger.Warn("payslip documents incomplete", slog.Int64("run_id", id), slog.Any("error", err))
		resp["documents_pending"] = true
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) regenerateDocuments(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Input", "invalid run id")
		return
	}
	rendered, err := h.service.RegeneratePayslipDocuments(r.Context(), id, actor.UserID)
	if err != nil && !isPartialRenderError(err) {
		httpx.RespondError(w, err)
		return
	}
	resp := map[string]any{"rendered": rendered}
	if err != nil {
		resp["documents_pending"] = true
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) listLineItems(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Input", "invalid summary id")
		return
	}
	items, err := h.service.ListLineItems(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	type lineResponse struct {
		ID          int64   `json:"id"`
		Type        string  `json:"type"`
		ConceptCode string  `json:"concept_code"`
		ConceptName string  `json:"concept_name"`
		Amount      float64 `json:"amount"`
		MovementID  *int64  `json:"movement_id,omitempty"`
	}
	out := make([]lineResponse, 0, len(items))
	for _, li := range items {
		out = append(out, lineResponse{
			ID:          li.ID,
			Type:        string(li.Type),
			ConceptCode: li.ConceptCode,
			ConceptName: li.ConceptName,
			Amount:      li.Amount,
			MovementID:  li.MovementID,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"lines": out})
}

type movementRequest struct {
	EmployeeID    int64   `json:"employee_id" validate:"required"`
	Type          string  `json:"type" validate:"required,oneof=EARNING DEDUCTION"`
	Source        string  `json:"source" validate:"required"`
	ConceptCode   string  `json:"concept_code" validate:"max=40"`
	ConceptName   string  `json:"concept_name" validate:"required,max=120"`
	Amount        float64 `json:"amount" validate:"required,gt=0"`
	EffectiveDate string  `json:"effective_date" validate:"required"`
}

type movementResponse struct {
	ID            int64   `json:"id"`
	EmployeeID    int64   `json:"employee_id"`
	Type          string  `json:"type"`
	Source        string  `json:"source"`
	ConceptCode   string  `json:"concept_code,omitempty"`
	ConceptName   string  `json:"concept_name"`
	Amount        float64 `json:"amount"`
	EffectiveDate string  `json:"effective_date"`
	PeriodID      *int64  `json:"period_id,omitempty"`
	Status        string  `json:"status"`
}

func mapMovement(m payroll.Movement) movementResponse {
	return movementResponse{
		ID:            m.ID,
		EmployeeID:    m.EmployeeID,
		Type:          string(m.Type),
		Source:        string(m.Source),
		ConceptCode:   m.ConceptCode,
		ConceptName:   m.ConceptName,
		Amount:        m.Amount,
		EffectiveDate: m.EffectiveDate.Format("2006-01-02"),
		PeriodID:      m.PeriodID,
		Status:        string(m.Status),
	}
}

func (h *Handler) createMovement(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	var req movementRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Input", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Input", err.Error())
		return
	}
	movement, err := h.service.CreateMovement(r.Context(), payroll.CreateMovementInput{
		CompanyID:     actor.CompanyID,
		EmployeeID:    req.EmployeeID,
		Type:          payroll.MovementType(req.Type),
		Source:        payroll.MovementSource(req.Source),
		ConceptCode:   req.ConceptCode,
		ConceptName:   req.ConceptName,
		Amount:        req.Amount,
		EffectiveDate: req.EffectiveDate,
		ActorID:       actor.UserID,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, mapMovement(movement))
}

func (h *Handler) updateMovement(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Input", "invalid movement id")
		return
	}
	var req struct {
		ConceptCode string  `json:"concept_code" validate:"max=40"`
		ConceptName string  `json:"concept_name" validate:"max=120"`
		Amount      float64 `json:"amount" validate:"required,gt=0"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Input", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Input", err.Error())
		return
	}
	movement, err := h.service.UpdateMovement(r.Context(), payroll.UpdateMovementInput{
		MovementID:  id,
		ConceptCode: req.ConceptCode,
		ConceptName: req.ConceptName,
		Amount:      req.Amount,
		ActorID:     actor.UserID,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, mapMovement(movement))
}

func (h *Handler) voidMovement(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Input", "invalid movement id")
		return
	}
	if err := h.service.VoidMovement(r.Context(), id, actor.UserID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listMovements(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	limit, offset := paging(r)
	status := payroll.MovementStatus(r.URL.Query().Get("status"))
	movements, err := h.service.ListMovements(r.Context(), actor.CompanyID, status, limit, offset)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]movementResponse, 0, len(movements))
	for _, m := range movements {
		out = append(out, mapMovement(m))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"movements": out})
}

func (h *Handler) listNotifications(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	employeeID, err := strconv.ParseInt(r.URL.Query().Get("employee_id"), 10, 64)
	if err != nil || employeeID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Input", "employee_id required")
		return
	}
	limit, _ := paging(r)
	logs, err := h.notifications.ListNotifications(r.Context(), actor.CompanyID, employeeID, limit)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	type notification struct {
		At   time.Time      `json:"at"`
		Meta map[string]any `json:"meta"`
	}
	out := make([]notification, 0, len(logs))
	for _, log := range logs {
		out = append(out, notification{At: log.At, Meta: log.Meta})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"notifications": out})
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}

func paging(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func isPartialRenderError(err error) bool {
	return err != nil &&
		!errors.Is(err, payroll.ErrNotFound) &&
		!errors.Is(err, payroll.ErrInvalidState) &&
		!errors.Is(err, payroll.ErrInvalidInput) &&
		!errors.Is(err, payroll.ErrConflict)
}
