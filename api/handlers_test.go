package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tokenhub/ledger-engine/api"
	"github.com/tokenhub/ledger-engine/bank"
	"github.com/tokenhub/ledger-engine/econ"
	"github.com/tokenhub/ledger-engine/ledger"
	"github.com/tokenhub/ledger-engine/ledger/store"
	"github.com/tokenhub/ledger-engine/payroll"
	"github.com/tokenhub/ledger-engine/shop"
	"github.com/tokenhub/ledger-engine/tenant"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type env struct {
	router      http.Handler
	ledger      *ledger.Ledger
	enrollments *store.MemoryEnrollments
	events      *store.MemoryAttendance
	params      *store.MemoryParams
	items       *store.MemoryShop
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return buildEnv(t, api.NewMetrics(prometheus.NewRegistry()))
}

func buildEnv(t *testing.T, metrics *api.Metrics) *env {
	t.Helper()
	log := zaptest.NewLogger(t)
	enrollments := store.NewMemoryEnrollments()
	events := store.NewMemoryAttendance()
	params := store.NewMemoryParams()
	items := store.NewMemoryShop()
	l := ledger.New(store.NewTxMemory(), enrollments)
	guard := tenant.NewGuard(log)
	acctLocks := ledger.NewAccountLocks()
	batchLocks := ledger.NewPeriodLocks()
	b := bank.New(l, guard, acctLocks)

	h := &api.Handler{
		Ledger:      l,
		Bank:        b,
		Shop:        shop.New(l, b, guard, acctLocks, items, items.Rent(), items.Policies(), params),
		Payroll:     payroll.NewRunner(l, events, events, enrollments, params, batchLocks, log),
		Attendance:  payroll.NewAttendance(events, guard),
		Resolver:    tenant.NewResolver(enrollments),
		Enrollments: enrollments,
		Params:      params,
		BatchLocks:  batchLocks,
		Metrics:     metrics,
		Log:         log,
	}

	return &env{
		router:      api.NewRouter(h, []string{"http://localhost:5173"}),
		ledger:      l,
		enrollments: enrollments,
		events:      events,
		params:      params,
		items:       items,
	}
}

func (e *env) seedPeriod(t *testing.T) {
	t.Helper()
	p := econ.Defaults("FALL24", decimal.NewFromFloat(0.25), decimal.NewFromInt(8))
	require.NoError(t, e.params.Put(context.Background(), p))
}

func (e *env) enroll(t *testing.T, person string) {
	t.Helper()
	_, err := e.enrollments.Create(context.Background(), ledger.PersonID(person), "FALL24")
	require.NoError(t, err)
}

func (e *env) deposit(t *testing.T, person string, account ledger.Account, amount string) ledger.Entry {
	t.Helper()
	entry, err := e.ledger.Append(context.Background(), ledger.Entry{
		PersonID:  ledger.PersonID(person),
		PeriodKey: "FALL24",
		Type:      ledger.EntryReward,
		Account:   account,
		Amount:    ledger.MustParseAmount(amount),
		Actor:     "teacher-1",
		ActorType: "teacher",
	})
	require.NoError(t, err)
	return entry
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(out))
}

// =============================================================================
// BALANCES & LEDGER
// =============================================================================

func TestAPI_GetBalance_ReturnsDerivedBalance(t *testing.T) {
	e := newEnv(t)
	e.enroll(t, "alice")
	e.deposit(t, "alice", ledger.AccountChecking, "30.00")
	e.deposit(t, "alice", ledger.AccountSavings, "12.00")

	rec := e.do(t, http.MethodGet, "/api/persons/alice/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	decode(t, rec, &body)
	assert.Equal(t, "30.00", body["checking"])
	assert.Equal(t, "12.00", body["savings"])
}

func TestAPI_GetBalance_MultiplePeriodsNoSelection_BadRequest(t *testing.T) {
	e := newEnv(t)
	e.enroll(t, "alice")
	_, err := e.enrollments.Create(context.Background(), "alice", "SPRING25")
	require.NoError(t, err)

	rec := e.do(t, http.MethodGet, "/api/persons/alice/balance", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/persons/alice/balance?period=FALL24", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_GetBalance_UnknownPerson_BadRequest(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodGet, "/api/persons/ghost/balance", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_ListLedger_FiltersByType(t *testing.T) {
	e := newEnv(t)
	e.enroll(t, "alice")
	e.deposit(t, "alice", ledger.AccountChecking, "30.00")

	rec := e.do(t, http.MethodGet, "/api/persons/alice/ledger?type=reward", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []map[string]any
	decode(t, rec, &entries)
	assert.Len(t, entries, 1)

	rec = e.do(t, http.MethodGet, "/api/persons/alice/ledger?type=fine", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &entries)
	assert.Empty(t, entries)
}

// =============================================================================
// TRANSFERS & VOID
// =============================================================================

func TestAPI_Transfer_MovesFundsAtomically(t *testing.T) {
	e := newEnv(t)
	e.seedPeriod(t)
	e.enroll(t, "alice")
	e.deposit(t, "alice", ledger.AccountChecking, "50.00")

	rec := e.do(t, http.MethodPost, "/api/persons/alice/transfers", map[string]any{
		"from": "checking", "to": "savings", "amount": "20.00",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/persons/alice/balance", nil)
	var body map[string]any
	decode(t, rec, &body)
	assert.Equal(t, "30.00", body["checking"])
	assert.Equal(t, "20.00", body["savings"])
}

func TestAPI_Transfer_Insufficient_Conflict(t *testing.T) {
	e := newEnv(t)
	e.seedPeriod(t)
	e.enroll(t, "alice")

	rec := e.do(t, http.MethodPost, "/api/persons/alice/transfers", map[string]any{
		"from": "savings", "to": "checking", "amount": "5.00",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPI_VoidEntry_ThenBalanceExcludesIt(t *testing.T) {
	e := newEnv(t)
	e.enroll(t, "alice")
	entry := e.deposit(t, "alice", ledger.AccountChecking, "99.00")

	rec := e.do(t, http.MethodPost, "/api/entries/"+string(entry.ID)+"/void", map[string]any{
		"actor": "teacher-1", "actor_type": "teacher", "reason": "entered twice",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/persons/alice/balance", nil)
	var body map[string]any
	decode(t, rec, &body)
	assert.Equal(t, "0.00", body["checking"])

	// Second void conflicts.
	rec = e.do(t, http.MethodPost, "/api/entries/"+string(entry.ID)+"/void", map[string]any{
		"actor": "teacher-1",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// =============================================================================
// PAYROLL & ATTENDANCE
// =============================================================================

func TestAPI_PayrollRun_PostsPay(t *testing.T) {
	e := newEnv(t)
	e.seedPeriod(t)
	e.enroll(t, "alice")

	base := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	rec := e.do(t, http.MethodPost, "/api/persons/alice/attendance", map[string]any{
		"period": "FALL24", "kind": "start", "at": base.Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = e.do(t, http.MethodPost, "/api/persons/alice/attendance", map[string]any{
		"period": "FALL24", "kind": "done", "at": base.Add(40 * time.Minute).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/periods/FALL24/payroll/run", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result map[string]any
	decode(t, rec, &result)
	assert.Equal(t, float64(1), result["posted_count"])

	rec = e.do(t, http.MethodGet, "/api/persons/alice/balance", nil)
	var body map[string]any
	decode(t, rec, &body)
	assert.Equal(t, "10.00", body["checking"])
}

func TestAPI_HallPass_SpanIsUnpaid(t *testing.T) {
	e := newEnv(t)
	e.seedPeriod(t)
	e.enroll(t, "alice")

	base := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	rec := e.do(t, http.MethodPost, "/api/persons/alice/attendance", map[string]any{
		"period": "FALL24", "kind": "start", "at": base.Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/persons/alice/hallpass", map[string]any{
		"period": "FALL24", "at": base.Add(20 * time.Minute).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var out map[string]any
	decode(t, rec, &out)
	assert.Equal(t, "break", out["kind"])
	assert.Equal(t, "hall_pass", out["source"])
	assert.Equal(t, true, out["system_generated"])

	rec = e.do(t, http.MethodPost, "/api/persons/alice/hallpass/return", map[string]any{
		"period": "FALL24", "at": base.Add(30 * time.Minute).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/persons/alice/attendance", map[string]any{
		"period": "FALL24", "kind": "done", "at": base.Add(60 * time.Minute).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/periods/FALL24/payroll/run", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/persons/alice/balance", nil)
	var body map[string]any
	decode(t, rec, &body)
	assert.Equal(t, "12.50", body["checking"]) // 50 paid minutes at 0.25
}

func TestAPI_HallPassEvent_NotRemovable(t *testing.T) {
	e := newEnv(t)
	e.seedPeriod(t)
	e.enroll(t, "alice")

	rec := e.do(t, http.MethodPost, "/api/persons/alice/hallpass", map[string]any{
		"period": "FALL24",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var out map[string]any
	decode(t, rec, &out)

	rec = e.do(t, http.MethodDelete,
		"/api/attendance/"+out["id"].(string)+"?person=alice&period=FALL24", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAPI_PayrollRun_UnknownPeriod_NotFound(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/api/periods/NOPE/payroll/run", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// PARAMS & LOANS
// =============================================================================

func TestAPI_PutParams_OutOfBandWithoutOverride_Unprocessable(t *testing.T) {
	e := newEnv(t)

	req := map[string]any{
		"mode":                  "duration",
		"rate_per_minute":       "0.25",
		"expected_weekly_hours": "8",
		"rent_amount":           "500", // ratio > 4, far out of band
	}
	rec := e.do(t, http.MethodPut, "/api/periods/FALL24/params", req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	req["confirm_override"] = true
	rec = e.do(t, http.MethodPut, "/api/periods/FALL24/params", req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	decode(t, rec, &body)
	assert.NotEmpty(t, body["flagged"])
}

func TestAPI_GetParams_Unknown_NotFound(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodGet, "/api/periods/NOPE/params", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_LoanEvaluate_RejectionIsStillOK(t *testing.T) {
	e := newEnv(t)
	e.seedPeriod(t)
	e.enroll(t, "alice")

	rec := e.do(t, http.MethodPost, "/api/periods/FALL24/loans/evaluate", map[string]any{
		"person_id": "alice", "principal": "5000", "term_cycles": 2,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	decode(t, rec, &body)
	assert.Equal(t, false, body["approved"])
	assert.Equal(t, "excessive_installment", body["reason"])
}

func TestAPI_LoanEvaluate_Approved(t *testing.T) {
	e := newEnv(t)
	e.seedPeriod(t)
	e.enroll(t, "alice")
	e.deposit(t, "alice", ledger.AccountChecking, "100.00")

	rec := e.do(t, http.MethodPost, "/api/periods/FALL24/loans/evaluate", map[string]any{
		"person_id": "alice", "principal": "100", "term_cycles": 8,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	decode(t, rec, &body)
	assert.Equal(t, true, body["approved"])
	assert.NotEmpty(t, body["installment"])
}

// =============================================================================
// SHOP
// =============================================================================

func TestAPI_PurchaseFlow_EndToEnd(t *testing.T) {
	e := newEnv(t)
	e.seedPeriod(t)
	e.enroll(t, "alice")
	e.deposit(t, "alice", ledger.AccountChecking, "100.00")

	rec := e.do(t, http.MethodPost, "/api/periods/FALL24/items", map[string]any{
		"name": "homework pass", "price": "20.00", "kind": "regular",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var item map[string]any
	decode(t, rec, &item)

	rec = e.do(t, http.MethodPost, "/api/persons/alice/purchases", map[string]any{
		"item_id": item["id"],
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/persons/alice/balance", nil)
	var body map[string]any
	decode(t, rec, &body)
	assert.Equal(t, "80.00", body["checking"])
}

func TestAPI_CreateItem_NonPositivePrice_Unprocessable(t *testing.T) {
	e := newEnv(t)
	e.seedPeriod(t)

	rec := e.do(t, http.MethodPost, "/api/periods/FALL24/items", map[string]any{
		"name": "freebie", "price": "0",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/periods/FALL24/items", map[string]any{
		"name": "refund trap", "price": "-5.00",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestAPI_CreateItem_PriceOutOfBand_Flagged(t *testing.T) {
	e := newEnv(t)
	e.seedPeriod(t)

	// Wage index 120; ratio 8.33 is far past the store-item max of 3.00.
	rec := e.do(t, http.MethodPost, "/api/periods/FALL24/items", map[string]any{
		"name": "golden ticket", "price": "1000.00",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var item map[string]any
	decode(t, rec, &item)
	require.NotEmpty(t, item["flagged"])
	flagged := item["flagged"].([]any)[0].(map[string]any)
	assert.Equal(t, "store_item", flagged["category"])
}

func TestAPI_InsuranceClaim_PaysOut(t *testing.T) {
	e := newEnv(t)
	e.seedPeriod(t)
	e.enroll(t, "alice")

	rec := e.do(t, http.MethodPost, "/api/persons/alice/insurance", map[string]any{
		"waiting_days": 0,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/persons/alice/insurance/claim", map[string]any{
		"loss": "50.00", "description": "lost calculator",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var entry map[string]any
	decode(t, rec, &entry)
	assert.Equal(t, "insurance_payout", entry["type"])
	assert.Equal(t, "50.00", entry["amount"])

	rec = e.do(t, http.MethodGet, "/api/persons/alice/balance", nil)
	var body map[string]any
	decode(t, rec, &body)
	assert.Equal(t, "50.00", body["checking"])
}

func TestAPI_InsuranceClaim_NoPolicy_NotFound(t *testing.T) {
	e := newEnv(t)
	e.seedPeriod(t)
	e.enroll(t, "alice")

	rec := e.do(t, http.MethodPost, "/api/persons/alice/insurance/claim", map[string]any{
		"loss": "50.00",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_Purchase_MissingItemID_BadRequest(t *testing.T) {
	e := newEnv(t)
	e.enroll(t, "alice")

	rec := e.do(t, http.MethodPost, "/api/persons/alice/purchases", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// ENROLLMENTS & HEALTH
// =============================================================================

func TestAPI_CreateEnrollment_ThenBalanceWorks(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/api/enrollments", map[string]any{
		"person_id": "alice", "period": "FALL24",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/persons/alice/balance", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_NilMetrics_HandlersStillServe(t *testing.T) {
	e := buildEnv(t, nil)
	e.seedPeriod(t)
	e.enroll(t, "alice")
	e.deposit(t, "alice", ledger.AccountChecking, "50.00")

	rec := e.do(t, http.MethodPost, "/api/persons/alice/transfers", map[string]any{
		"from": "checking", "to": "savings", "amount": "20.00",
	})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/periods/FALL24/payroll/run", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_Health_OK(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	decode(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
}
