/*
handlers.go - HTTP API handlers for the ledger engine

PURPOSE:
  Exposes the engine via REST. Handles HTTP request/response, JSON
  serialization, tenant-context resolution and error mapping; domain
  logic stays in the engine packages.

ENDPOINTS:
  Persons:
    GET    /api/persons/{id}/balance      Derived balance for a period
    GET    /api/persons/{id}/ledger       Paginated entry listing
    POST   /api/persons/{id}/transfers    Checking/savings transfer
    POST   /api/persons/{id}/purchases    Store purchase
    POST   /api/persons/{id}/attendance   Manual attendance event
    POST   /api/persons/{id}/hallpass     System break (pass out)
    POST   /api/persons/{id}/hallpass/return System start (pass back)
    POST   /api/persons/{id}/rent/pay     Pay the current rent cycle
    GET    /api/persons/{id}/rent         Current rent cycle state
    POST   /api/persons/{id}/insurance    Enroll a policy
    POST   /api/persons/{id}/insurance/pay Premium payment
    POST   /api/persons/{id}/insurance/claim File a claim
    DELETE /api/persons/{id}/insurance    Request cancellation

  Entries:
    POST   /api/entries/{id}/void         Append a void marker

  Periods:
    POST   /api/periods/{key}/payroll/run   Atomic payroll run
    POST   /api/periods/{key}/interest/post Idempotent interest posting
    GET    /api/periods/{key}/params        Current rule parameters
    PUT    /api/periods/{key}/params        Validated parameter update
    POST   /api/periods/{key}/params/validate Dry-run band assessment
    POST   /api/periods/{key}/inflation     Inflation event
    POST   /api/periods/{key}/loans/evaluate Loan decision
    GET    /api/periods/{key}/items         Store items
    POST   /api/periods/{key}/items         Create/update item

  Admin:
    POST   /api/enrollments               Link person to period
    DELETE /api/attendance/{id}           Soft-remove a manual event

ERROR HANDLING:
  Errors map to JSON with appropriate status codes:
  - 400: Validation errors, missing/ambiguous period context
  - 404: Not found, including tenancy violations (no information leak)
  - 409: Conflicts, insufficient funds, already-voided, concurrent runs
  - 422: Out-of-band parameters without override confirmation
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tokenhub/ledger-engine/bank"
	"github.com/tokenhub/ledger-engine/econ"
	"github.com/tokenhub/ledger-engine/ledger"
	"github.com/tokenhub/ledger-engine/payroll"
	"github.com/tokenhub/ledger-engine/shop"
	"github.com/tokenhub/ledger-engine/tenant"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger      *ledger.Ledger
	Bank        *bank.Bank
	Shop        *shop.Shop
	Payroll     *payroll.Runner
	Attendance  *payroll.Attendance
	Resolver    *tenant.Resolver
	Enrollments tenant.EnrollmentStore
	Params      econ.ParamsStore
	BatchLocks  *ledger.PeriodLocks
	Metrics     *Metrics
	Log         *zap.Logger
}

// countEntries bumps the appended-entries counter. Metrics are optional;
// a handler wired without them still serves every route.
func (h *Handler) countEntries(n int) {
	if h.Metrics != nil {
		h.Metrics.EntriesAppended.Add(float64(n))
	}
}

func (h *Handler) countPayrollRun() {
	if h.Metrics != nil {
		h.Metrics.PayrollRuns.Inc()
	}
}

// resolveScope builds the explicit tenant context for a person route. The
// period comes from the ?period query parameter; with multiple enrollments
// and no selection the resolver refuses rather than guessing.
func (h *Handler) resolveScope(r *http.Request) (tenant.Context, error) {
	person := ledger.PersonID(chi.URLParam(r, "id"))
	selected := ledger.PeriodKey(r.URL.Query().Get("period"))
	return h.Resolver.Resolve(r.Context(), person, selected)
}

// =============================================================================
// BALANCES & LEDGER
// =============================================================================

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	scope, err := h.resolveScope(r)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	var at *time.Time
	if raw := r.URL.Query().Get("at"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid 'at' timestamp (use RFC3339)", err)
			return
		}
		at = &t
	}

	b, err := h.Bank.BalanceAsOf(r.Context(), scope, at)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceResponse(scope.Person, scope.Period, b))
}

func (h *Handler) ListLedger(w http.ResponseWriter, r *http.Request) {
	scope, err := h.resolveScope(r)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	f := ledger.Filter{Type: ledger.EntryType(r.URL.Query().Get("type"))}
	if raw := r.URL.Query().Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid 'from' timestamp", err)
			return
		}
		f.From = &t
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid 'to' timestamp", err)
			return
		}
		f.To = &t
	}
	f.Offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	f.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))

	es, err := h.Ledger.EntriesFor(r.Context(), scope.Person, scope.Period, f)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryResponses(es))
}

// =============================================================================
// TRANSFERS & PURCHASES
// =============================================================================

func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	scope, err := h.resolveScope(r)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	p, err := h.Params.Get(r.Context(), scope.Period)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	pair, err := h.Bank.Transfer(r.Context(), scope,
		ledger.Account(req.From), ledger.Account(req.To),
		ledger.Amount{Value: req.Amount}, p)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.countEntries(2)

	resp := TransferResponse{
		Debit:  toEntryResponse(pair.Debit),
		Credit: toEntryResponse(pair.Credit),
	}
	if pair.Fee != nil {
		fee := toEntryResponse(*pair.Fee)
		resp.Fee = &fee
		h.countEntries(1)
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	scope, err := h.resolveScope(r)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	var req PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ItemID == "" {
		writeError(w, http.StatusBadRequest, "item_id is required", nil)
		return
	}

	res, err := h.Shop.Purchase(r.Context(), scope, shop.ItemID(req.ItemID))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.countEntries(1)
	writeJSON(w, http.StatusCreated, toPurchaseResponse(res))
}

// =============================================================================
// VOID
// =============================================================================

func (h *Handler) VoidEntry(w http.ResponseWriter, r *http.Request) {
	id := ledger.EntryID(chi.URLParam(r, "id"))
	var req VoidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Actor == "" {
		writeError(w, http.StatusBadRequest, "actor is required", nil)
		return
	}

	marker, err := h.Ledger.Void(r.Context(), id, req.Actor, req.ActorType, req.Reason)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.countEntries(1)
	writeJSON(w, http.StatusCreated, toEntryResponse(marker))
}

// =============================================================================
// ATTENDANCE
// =============================================================================

func (h *Handler) RecordAttendance(w http.ResponseWriter, r *http.Request) {
	var req AttendanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	person := ledger.PersonID(chi.URLParam(r, "id"))
	scope, err := h.Resolver.Resolve(r.Context(), person, ledger.PeriodKey(req.Period))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	e, err := h.Attendance.Record(r.Context(), scope, payroll.EventKind(req.Kind), req.At)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEventResponse(e))
}

// HallPassOut writes a system break event for the scoped person. The pass
// span is unpaid until the matching return.
func (h *Handler) HallPassOut(w http.ResponseWriter, r *http.Request) {
	h.hallPass(w, r, (*payroll.Attendance).PassOut)
}

// HallPassReturn closes the pass with a system start event.
func (h *Handler) HallPassReturn(w http.ResponseWriter, r *http.Request) {
	h.hallPass(w, r, (*payroll.Attendance).PassReturn)
}

func (h *Handler) hallPass(w http.ResponseWriter, r *http.Request, record func(*payroll.Attendance, context.Context, tenant.Context, time.Time) (payroll.Event, error)) {
	var req HallPassRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	person := ledger.PersonID(chi.URLParam(r, "id"))
	scope, err := h.Resolver.Resolve(r.Context(), person, ledger.PeriodKey(req.Period))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	e, err := record(h.Attendance, r.Context(), scope, req.At)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEventResponse(e))
}

func (h *Handler) RemoveAttendance(w http.ResponseWriter, r *http.Request) {
	id := payroll.EventID(chi.URLParam(r, "id"))
	person := ledger.PersonID(r.URL.Query().Get("person"))
	scope, err := h.Resolver.Resolve(r.Context(), person, ledger.PeriodKey(r.URL.Query().Get("period")))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	if err := h.Attendance.Remove(r.Context(), scope, id); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// RENT & INSURANCE
// =============================================================================

func (h *Handler) GetRentCycle(w http.ResponseWriter, r *http.Request) {
	scope, err := h.resolveScope(r)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	cycle, err := h.Shop.RentCycleFor(r.Context(), scope, time.Now().UTC())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"person_id":     string(cycle.PersonID),
		"period_key":    string(cycle.PeriodKey),
		"start_at":      cycle.StartAt,
		"due_at":        cycle.DueAt,
		"paid_at":       cycle.PaidAt,
		"paid_in_grace": cycle.PaidInGrace,
		"late_count":    cycle.LateCount,
		"nsf_count":     cycle.NSFCount,
		"on_time":       cycle.OnTime(),
	})
}

func (h *Handler) PayRent(w http.ResponseWriter, r *http.Request) {
	scope, err := h.resolveScope(r)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	entry, err := h.Shop.PayRent(r.Context(), scope)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.countEntries(1)
	writeJSON(w, http.StatusCreated, toEntryResponse(entry))
}

func (h *Handler) EnrollInsurance(w http.ResponseWriter, r *http.Request) {
	scope, err := h.resolveScope(r)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	var req struct {
		WaitingDays int `json:"waiting_days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	pol, err := h.Shop.EnrollPolicy(r.Context(), scope, req.WaitingDays)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"person_id":    string(pol.PersonID),
		"period_key":   string(pol.PeriodKey),
		"enrolled_at":  pol.EnrolledAt,
		"waiting_days": pol.WaitingDays,
		"paid_through": pol.PaidThrough,
	})
}

func (h *Handler) PayPremium(w http.ResponseWriter, r *http.Request) {
	scope, err := h.resolveScope(r)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	entry, err := h.Shop.PayPremium(r.Context(), scope)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.countEntries(1)
	writeJSON(w, http.StatusCreated, toEntryResponse(entry))
}

func (h *Handler) FileClaim(w http.ResponseWriter, r *http.Request) {
	scope, err := h.resolveScope(r)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if !req.Loss.IsPositive() {
		writeError(w, http.StatusBadRequest, "loss must be positive", nil)
		return
	}

	entry, err := h.Shop.FileClaim(r.Context(), scope, ledger.Amount{Value: req.Loss}, req.Description)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.countEntries(1)
	writeJSON(w, http.StatusCreated, toEntryResponse(entry))
}

func (h *Handler) CancelInsurance(w http.ResponseWriter, r *http.Request) {
	scope, err := h.resolveScope(r)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if err := h.Shop.CancelPolicy(r.Context(), scope); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// PAYROLL & INTEREST
// =============================================================================

func (h *Handler) RunPayroll(w http.ResponseWriter, r *http.Request) {
	period := ledger.PeriodKey(chi.URLParam(r, "key"))

	result, err := h.Payroll.Run(r.Context(), period)
	if err != nil {
		if len(result.Failures) > 0 {
			// The run aborted naming the failing person; nothing posted.
			writeJSON(w, http.StatusConflict, result)
			return
		}
		h.writeDomainError(w, err)
		return
	}
	h.countPayrollRun()
	h.countEntries(result.PostedCount)
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) PostInterest(w http.ResponseWriter, r *http.Request) {
	period := ledger.PeriodKey(chi.URLParam(r, "key"))
	month := r.URL.Query().Get("month")
	if month == "" {
		month = time.Now().UTC().Format("2006-01")
	}
	p, err := h.Params.Get(r.Context(), period)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	run, err := h.Bank.PostInterest(r.Context(), period, month, h.Enrollments, p, h.BatchLocks)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.countEntries(run.PostedCount)
	writeJSON(w, http.StatusOK, InterestRunResponse{
		PeriodKey:    string(run.PeriodKey),
		PostingMonth: run.PostingMonth,
		PostedCount:  run.PostedCount,
		SkippedCount: run.SkippedCount,
	})
}

// =============================================================================
// RULE PARAMS
// =============================================================================

func (h *Handler) GetParams(w http.ResponseWriter, r *http.Request) {
	period := ledger.PeriodKey(chi.URLParam(r, "key"))
	p, err := h.Params.Get(r.Context(), period)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toParamsResponse(p))
}

func toParamsResponse(p econ.Params) ParamsResponse {
	return ParamsResponse{
		PeriodKey: string(p.PeriodKey),
		Version:   p.Version,
		WageIndex: p.WageIndex().String(),
		Params: ParamsRequest{
			Mode:                  string(p.Mode),
			RatePerMinute:         p.RatePerMinute,
			PresenceDayRate:       p.PresenceDayRate.Value,
			ExpectedWeeklyHours:   p.ExpectedWeeklyHours,
			RentAmount:            p.RentAmount.Value,
			UtilityAmount:         p.UtilityAmount.Value,
			InsurancePremium:      p.InsurancePremium.Value,
			InsuranceCoverage:     p.InsuranceCoverage.Value,
			InsurancePayoutCap:    p.InsurancePayoutCap.Value,
			FineAmount:            p.FineAmount.Value,
			InterestAPY:           p.InterestAPY,
			LoanAPR:               p.LoanAPR,
			SavingsBufferMultiple: p.SavingsBufferMultiple,
			OverdraftEnabled:      p.OverdraftEnabled,
			OverdraftFee:          p.OverdraftFee.Value,
			DiscountCap:           p.DiscountCap.Value,
			RentCycleDays:         p.RentCycleDays,
			GraceDays:             p.GraceDays,
			ConfirmOverride:       p.OverrideConfirmed,
		},
		Flagged:   toAssessmentResponses(p.Flagged),
		UpdatedAt: p.UpdatedAt,
	}
}

func paramsFromRequest(period ledger.PeriodKey, req ParamsRequest) econ.Params {
	return econ.Params{
		PeriodKey:             period,
		Mode:                  econ.PayrollMode(req.Mode),
		RatePerMinute:         req.RatePerMinute,
		PresenceDayRate:       ledger.Amount{Value: req.PresenceDayRate},
		ExpectedWeeklyHours:   req.ExpectedWeeklyHours,
		RentAmount:            ledger.Amount{Value: req.RentAmount},
		UtilityAmount:         ledger.Amount{Value: req.UtilityAmount},
		InsurancePremium:      ledger.Amount{Value: req.InsurancePremium},
		InsuranceCoverage:     ledger.Amount{Value: req.InsuranceCoverage},
		InsurancePayoutCap:    ledger.Amount{Value: req.InsurancePayoutCap},
		FineAmount:            ledger.Amount{Value: req.FineAmount},
		InterestAPY:           req.InterestAPY,
		LoanAPR:               req.LoanAPR,
		SavingsBufferMultiple: req.SavingsBufferMultiple,
		OverdraftEnabled:      req.OverdraftEnabled,
		OverdraftFee:          ledger.Amount{Value: req.OverdraftFee},
		DiscountCap:           ledger.Amount{Value: req.DiscountCap},
		RentCycleDays:         req.RentCycleDays,
		GraceDays:             req.GraceDays,
	}
}

func (h *Handler) PutParams(w http.ResponseWriter, r *http.Request) {
	period := ledger.PeriodKey(chi.URLParam(r, "key"))
	var req ParamsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	p := paramsFromRequest(period, req)
	flagged, err := econ.Validate(p, req.ConfirmOverride)
	if err != nil {
		resp := ErrorResponse{Error: "Parameters out of recommended range; set confirm_override to accept", Details: err.Error()}
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":   resp,
			"flagged": toAssessmentResponses(flagged),
		})
		return
	}
	p.Flagged = flagged
	p.OverrideConfirmed = req.ConfirmOverride && len(flagged) > 0

	if err := h.Params.Put(r.Context(), p); err != nil {
		h.writeDomainError(w, err)
		return
	}
	stored, err := h.Params.Get(r.Context(), period)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toParamsResponse(stored))
}

func (h *Handler) ValidateParams(w http.ResponseWriter, r *http.Request) {
	period := ledger.PeriodKey(chi.URLParam(r, "key"))
	var req ParamsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	p := paramsFromRequest(period, req)
	flagged, _ := econ.Validate(p, true)
	writeJSON(w, http.StatusOK, map[string]any{
		"wage_index": p.WageIndex().String(),
		"flagged":    toAssessmentResponses(flagged),
		"in_band":    len(flagged) == 0,
	})
}

func (h *Handler) ApplyInflation(w http.ResponseWriter, r *http.Request) {
	period := ledger.PeriodKey(chi.URLParam(r, "key"))
	var req InflationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	p, err := h.Params.Get(r.Context(), period)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	ev := econ.InflationEvent{
		Multiplier:          req.Multiplier,
		IntentionalOverride: req.IntentionalOverride,
	}
	for _, c := range req.Categories {
		ev.Categories = append(ev.Categories, econ.Category(c))
	}

	adjusted, err := econ.ApplyInflation(p, ev)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Inflation event refused", err)
		return
	}
	if err := h.Params.Put(r.Context(), adjusted); err != nil {
		h.writeDomainError(w, err)
		return
	}
	stored, err := h.Params.Get(r.Context(), period)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toParamsResponse(stored))
}

// =============================================================================
// LOANS
// =============================================================================

func (h *Handler) EvaluateLoan(w http.ResponseWriter, r *http.Request) {
	period := ledger.PeriodKey(chi.URLParam(r, "key"))
	var req LoanEvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	scope, err := h.Resolver.Resolve(r.Context(), ledger.PersonID(req.PersonID), period)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	p, err := h.Params.Get(r.Context(), period)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	bal, err := h.Bank.BalanceAsOf(r.Context(), scope, nil)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	decision, err := econ.EvaluateLoan(econ.LoanRequest{
		Principal:  ledger.Amount{Value: req.Principal},
		APR:        p.LoanAPR,
		TermCycles: req.TermCycles,
	}, p, bal.Checking, p.WageIndex())

	var rejected *ledger.LoanRejectedError
	if errors.As(err, &rejected) {
		writeJSON(w, http.StatusOK, LoanEvaluateResponse{
			Approved: false,
			Reason:   string(rejected.Reason),
			Detail:   rejected.Detail,
		})
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid loan request", err)
		return
	}
	writeJSON(w, http.StatusOK, LoanEvaluateResponse{
		Approved:    true,
		Installment: decision.Installment.String(),
		TotalOwed:   decision.TotalOwed.String(),
	})
}

// =============================================================================
// ENROLLMENTS & ITEMS
// =============================================================================

func (h *Handler) CreateEnrollment(w http.ResponseWriter, r *http.Request) {
	var req EnrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.PersonID == "" || req.Period == "" {
		writeError(w, http.StatusBadRequest, "person_id and period are required", nil)
		return
	}

	e, err := h.Enrollments.Create(r.Context(), ledger.PersonID(req.PersonID), ledger.PeriodKey(req.Period))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"person_id":  string(e.PersonID),
		"period_key": string(e.PeriodKey),
		"created_at": e.CreatedAt,
	})
}

func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	period := ledger.PeriodKey(chi.URLParam(r, "key"))
	items, err := h.Shop.Items().ListByPeriod(r.Context(), period)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	out := make([]ItemResponse, 0, len(items))
	for _, it := range items {
		out = append(out, toItemResponse(it))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) CreateItem(w http.ResponseWriter, r *http.Request) {
	period := ledger.PeriodKey(chi.URLParam(r, "key"))
	var req ItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required", nil)
		return
	}
	if !req.Price.IsPositive() {
		writeError(w, http.StatusUnprocessableEntity, "price must be positive", nil)
		return
	}

	it := shop.Item{
		ID:        shop.ItemID(uuid.NewString()),
		CreatedAt: time.Now().UTC(),
		PeriodKey: period,
		Name:      req.Name,
		Price:     ledger.Amount{Value: req.Price},
		Kind:      shop.ItemKind(req.Kind),
		Behavior:  shop.Behavior(req.Behavior),
		Tier:      econ.DiscountTier(req.Tier),
	}
	if it.Kind == "" {
		it.Kind = shop.KindRegular
	}
	if it.Behavior == "" {
		it.Behavior = shop.BehaviorNone
	}
	if err := h.Shop.Items().Put(r.Context(), it); err != nil {
		h.writeDomainError(w, err)
		return
	}

	resp := toItemResponse(it)
	// Judge the price against the published store-item band. An outlier
	// still saves; the response just flags it for the teacher.
	if p, err := h.Params.Get(r.Context(), period); err == nil {
		a := econ.AssessValue(econ.CategoryStoreItem, it.Price, p.WageIndex())
		if a.OutOfRecommendedRange {
			resp.Flagged = toAssessmentResponses([]econ.Assessment{a})
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case ledger.IsNotFound(err):
		// Tenancy violations land here too: the guard already logged the
		// real cause, the caller only learns "not found".
		writeError(w, http.StatusNotFound, "Not found", nil)
	case errors.Is(err, ledger.ErrAmbiguousTenantContext):
		writeError(w, http.StatusBadRequest, "Period selection is ambiguous; pass ?period=", err)
	case errors.Is(err, ledger.ErrNoActivePeriod):
		writeError(w, http.StatusBadRequest, "No active period for this person", err)
	case errors.Is(err, ledger.ErrUnknownPeriod):
		writeError(w, http.StatusNotFound, "Unknown period", nil)
	case errors.Is(err, ledger.ErrInsufficientFunds):
		writeError(w, http.StatusConflict, "Insufficient funds", err)
	case errors.Is(err, ledger.ErrAlreadyVoided):
		writeError(w, http.StatusConflict, "Entry already voided", err)
	case errors.Is(err, ledger.ErrConflict):
		writeError(w, http.StatusConflict, "Conflicting operation in progress", err)
	case errors.Is(err, ledger.ErrRuleOutOfBand):
		writeError(w, http.StatusUnprocessableEntity, "Parameters out of recommended range", err)
	case errors.Is(err, payroll.ErrSystemEvent):
		writeError(w, http.StatusForbidden, "System-generated events cannot be removed", err)
	case errors.Is(err, ledger.ErrTimeout):
		writeError(w, http.StatusServiceUnavailable, "Operation timed out; retry", err)
	default:
		h.Log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
	}
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		fmt.Printf("failed to encode response: %v\n", err)
	}
}
