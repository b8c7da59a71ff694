/*
dto.go - Request/response data structures for the HTTP API

PURPOSE:
  JSON shapes for the wire. Domain types stay inside the engine; handlers
  convert at the boundary. Monetary values serialize as fixed-point
  strings, never floats.
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/tokenhub/ledger-engine/bank"
	"github.com/tokenhub/ledger-engine/econ"
	"github.com/tokenhub/ledger-engine/ledger"
	"github.com/tokenhub/ledger-engine/payroll"
	"github.com/tokenhub/ledger-engine/shop"
)

// =============================================================================
// COMMON
// =============================================================================

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// BALANCES & ENTRIES
// =============================================================================

type BalanceResponse struct {
	PersonID  string `json:"person_id"`
	PeriodKey string `json:"period_key"`
	Checking  string `json:"checking"`
	Savings   string `json:"savings"`
	Earnings  string `json:"earnings"`
}

func toBalanceResponse(person ledger.PersonID, period ledger.PeriodKey, b bank.Balance) BalanceResponse {
	return BalanceResponse{
		PersonID:  string(person),
		PeriodKey: string(period),
		Checking:  b.Checking.String(),
		Savings:   b.Savings.String(),
		Earnings:  b.Earnings.String(),
	}
}

type EntryResponse struct {
	ID          string            `json:"id"`
	PersonID    string            `json:"person_id"`
	PeriodKey   string            `json:"period_key"`
	Type        string            `json:"type"`
	Account     string            `json:"account"`
	Amount      string            `json:"amount"`
	Unit        string            `json:"unit"`
	Seq         int64             `json:"seq"`
	Description string            `json:"description,omitempty"`
	ReferenceID string            `json:"reference_id,omitempty"`
	VoidOf      string            `json:"void_of,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Actor       string            `json:"actor,omitempty"`
	ActorType   string            `json:"actor_type,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

func toEntryResponse(e ledger.Entry) EntryResponse {
	return EntryResponse{
		ID:          string(e.ID),
		PersonID:    string(e.PersonID),
		PeriodKey:   string(e.PeriodKey),
		Type:        string(e.Type),
		Account:     string(e.Account),
		Amount:      e.Amount.String(),
		Unit:        e.Unit,
		Seq:         e.Seq,
		Description: e.Description,
		ReferenceID: e.ReferenceID,
		VoidOf:      string(e.VoidOf),
		Metadata:    e.Metadata,
		Actor:       e.Actor,
		ActorType:   e.ActorType,
		CreatedAt:   e.CreatedAt,
	}
}

func toEntryResponses(es []ledger.Entry) []EntryResponse {
	out := make([]EntryResponse, 0, len(es))
	for _, e := range es {
		out = append(out, toEntryResponse(e))
	}
	return out
}

// =============================================================================
// TRANSFERS & PURCHASES
// =============================================================================

type TransferRequest struct {
	From   string          `json:"from"`
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

type TransferResponse struct {
	Debit  EntryResponse  `json:"debit"`
	Credit EntryResponse  `json:"credit"`
	Fee    *EntryResponse `json:"fee,omitempty"`
}

type PurchaseRequest struct {
	ItemID string `json:"item_id"`
}

type PurchaseResponse struct {
	Entry           EntryResponse `json:"entry"`
	DiscountApplied bool          `json:"discount_applied"`
	DiscountAmount  string        `json:"discount_amount,omitempty"`
	DiscountReason  string        `json:"discount_reason,omitempty"`
}

func toPurchaseResponse(r shop.PurchaseResult) PurchaseResponse {
	resp := PurchaseResponse{
		Entry:           toEntryResponse(r.Entry),
		DiscountApplied: r.DiscountApplied,
		DiscountReason:  r.DiscountReason,
	}
	if r.DiscountApplied {
		resp.DiscountAmount = r.DiscountAmount.String()
	}
	return resp
}

// ClaimRequest reports an insured loss. The payout is capped by the
// period's coverage terms, so the posted amount can be smaller.
type ClaimRequest struct {
	Loss        decimal.Decimal `json:"loss"`
	Description string          `json:"description"`
}

// =============================================================================
// VOID
// =============================================================================

type VoidRequest struct {
	Actor     string `json:"actor"`
	ActorType string `json:"actor_type"`
	Reason    string `json:"reason"`
}

// =============================================================================
// PAYROLL & ATTENDANCE
// =============================================================================

type AttendanceRequest struct {
	Period string    `json:"period"`
	Kind   string    `json:"kind"`
	At     time.Time `json:"at"`
}

type HallPassRequest struct {
	Period string    `json:"period"`
	At     time.Time `json:"at"`
}

type EventResponse struct {
	ID              string    `json:"id"`
	PersonID        string    `json:"person_id"`
	PeriodKey       string    `json:"period_key"`
	Kind            string    `json:"kind"`
	At              time.Time `json:"at"`
	SystemGenerated bool      `json:"system_generated"`
	Source          string    `json:"source,omitempty"`
}

func toEventResponse(e payroll.Event) EventResponse {
	return EventResponse{
		ID:              string(e.ID),
		PersonID:        string(e.PersonID),
		PeriodKey:       string(e.PeriodKey),
		Kind:            string(e.Kind),
		At:              e.At,
		SystemGenerated: e.SystemGenerated,
		Source:          e.Source,
	}
}

// =============================================================================
// RULE PARAMS & LOANS
// =============================================================================

// ParamsRequest carries teacher-set economic values. Decimal fields accept
// JSON numbers or strings.
type ParamsRequest struct {
	Mode                  string          `json:"mode"`
	RatePerMinute         decimal.Decimal `json:"rate_per_minute"`
	PresenceDayRate       decimal.Decimal `json:"presence_day_rate"`
	ExpectedWeeklyHours   decimal.Decimal `json:"expected_weekly_hours"`
	RentAmount            decimal.Decimal `json:"rent_amount"`
	UtilityAmount         decimal.Decimal `json:"utility_amount"`
	InsurancePremium      decimal.Decimal `json:"insurance_premium"`
	InsuranceCoverage     decimal.Decimal `json:"insurance_coverage"`
	InsurancePayoutCap    decimal.Decimal `json:"insurance_payout_cap"`
	FineAmount            decimal.Decimal `json:"fine_amount"`
	InterestAPY           decimal.Decimal `json:"interest_apy"`
	LoanAPR               decimal.Decimal `json:"loan_apr"`
	SavingsBufferMultiple decimal.Decimal `json:"savings_buffer_multiple"`
	OverdraftEnabled      bool            `json:"overdraft_enabled"`
	OverdraftFee          decimal.Decimal `json:"overdraft_fee"`
	DiscountCap           decimal.Decimal `json:"discount_cap"`
	RentCycleDays         int             `json:"rent_cycle_days"`
	GraceDays             int             `json:"grace_days"`

	// ConfirmOverride accepts out-of-band values explicitly.
	ConfirmOverride bool `json:"confirm_override"`
}

type AssessmentResponse struct {
	Category            string `json:"category"`
	Value               string `json:"value"`
	Ratio               string `json:"ratio"`
	Min                 string `json:"min"`
	Max                 string `json:"max"`
	OutOfRecommendedRange bool `json:"out_of_recommended_range"`
}

func toAssessmentResponses(as []econ.Assessment) []AssessmentResponse {
	out := make([]AssessmentResponse, 0, len(as))
	for _, a := range as {
		out = append(out, AssessmentResponse{
			Category:              string(a.Category),
			Value:                 a.Value.String(),
			Ratio:                 a.Ratio.StringFixed(4),
			Min:                   a.Band.Min.String(),
			Max:                   a.Band.Max.String(),
			OutOfRecommendedRange: a.OutOfRecommendedRange,
		})
	}
	return out
}

type ParamsResponse struct {
	PeriodKey string               `json:"period_key"`
	Version   int                  `json:"version"`
	WageIndex string               `json:"wage_index"`
	Params    ParamsRequest        `json:"params"`
	Flagged   []AssessmentResponse `json:"flagged,omitempty"`
	UpdatedAt time.Time            `json:"updated_at"`
}

type InflationRequest struct {
	Multiplier decimal.Decimal `json:"multiplier"`
	Categories []string        `json:"categories,omitempty"`
	// IntentionalOverride must be set for selective inflation.
	IntentionalOverride bool `json:"intentional_override"`
}

type LoanEvaluateRequest struct {
	PersonID   string          `json:"person_id"`
	Principal  decimal.Decimal `json:"principal"`
	TermCycles int             `json:"term_cycles"`
}

type LoanEvaluateResponse struct {
	Approved    bool   `json:"approved"`
	Reason      string `json:"reason,omitempty"`
	Detail      string `json:"detail,omitempty"`
	Installment string `json:"installment,omitempty"`
	TotalOwed   string `json:"total_owed,omitempty"`
}

// =============================================================================
// ENROLLMENTS, ITEMS, RUN RESULTS
// =============================================================================

type EnrollRequest struct {
	PersonID string `json:"person_id"`
	Period   string `json:"period"`
}

type ItemRequest struct {
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Kind     string          `json:"kind"`
	Behavior string          `json:"behavior"`
	Tier     int             `json:"tier"`
}

type ItemResponse struct {
	ID        string               `json:"id"`
	PeriodKey string               `json:"period_key"`
	Name      string               `json:"name"`
	Price     string               `json:"price"`
	Kind      string               `json:"kind"`
	Behavior  string               `json:"behavior"`
	Tier      int                  `json:"tier"`
	Flagged   []AssessmentResponse `json:"flagged,omitempty"`
}

func toItemResponse(it shop.Item) ItemResponse {
	return ItemResponse{
		ID:        string(it.ID),
		PeriodKey: string(it.PeriodKey),
		Name:      it.Name,
		Price:     it.Price.String(),
		Kind:      string(it.Kind),
		Behavior:  string(it.Behavior),
		Tier:      int(it.Tier),
	}
}

type InterestRunResponse struct {
	PeriodKey    string `json:"period_key"`
	PostingMonth string `json:"posting_month"`
	PostedCount  int    `json:"posted_count"`
	SkippedCount int    `json:"skipped_count"`
}
