/*
params.go - Per-period economic configuration

PURPOSE:
  Params is the tagged, versioned configuration record for one period's
  economy: wage settings, the ratio-driven prices, the overdraft policy,
  and the discount knobs. Explicit validated fields, not an open map;
  validation happens on write, never on read.

OUT-OF-BAND VALUES:
  Validate accepts out-of-band values but requires the caller to confirm
  the override; the confirmation is recorded on the stored record together
  with the flagged assessments. Unconfirmed out-of-band writes fail with
  ErrRuleOutOfBand.

INFLATION:
  Inflation multiplies every monetary category uniformly within one event.
  Changing a subset of categories requires the explicit selective-override
  flag in the event; without the flag a selective event is refused.

SEE ALSO:
  - bands.go: Published bands, wage index, tiers
*/
package econ

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tokenhub/ledger-engine/ledger"
)

// =============================================================================
// PAYROLL MODE
// =============================================================================

type PayrollMode string

const (
	// ModeDuration pays per minute between start and break/done events.
	ModeDuration PayrollMode = "duration"
	// ModePresence pays a flat day rate per present event.
	ModePresence PayrollMode = "presence"
)

// =============================================================================
// PARAMS - versioned per-period record
// =============================================================================

type Params struct {
	PeriodKey ledger.PeriodKey

	// Wage settings. RatePerMinute drives duration-mode payroll;
	// PresenceDayRate drives presence mode. ExpectedWeeklyHours anchors
	// the wage index.
	Mode                PayrollMode
	RatePerMinute       decimal.Decimal
	PresenceDayRate     ledger.Amount
	ExpectedWeeklyHours decimal.Decimal

	// Monetary categories, absolute token values judged against Bands.
	RentAmount       ledger.Amount
	UtilityAmount    ledger.Amount
	InsurancePremium ledger.Amount
	FineAmount       ledger.Amount

	// Insurance coverage terms. Coverage is the most one claim pays out;
	// PayoutCap bounds the lifetime payout of a policy.
	InsuranceCoverage  ledger.Amount
	InsurancePayoutCap ledger.Amount

	// Rates.
	InterestAPY decimal.Decimal
	LoanAPR     decimal.Decimal

	// Savings-buffer discount threshold: multiple of the wage index.
	SavingsBufferMultiple decimal.Decimal

	// Overdraft policy for checking. Savings can never go negative.
	OverdraftEnabled bool
	OverdraftFee     ledger.Amount

	// Global per-transaction discount cap, applied after tier resolution.
	DiscountCap ledger.Amount

	// Rent cycle shape for pays_on_time eligibility.
	RentCycleDays  int
	GraceDays      int

	Version   int
	UpdatedAt time.Time

	// OverrideConfirmed records that the teacher explicitly accepted
	// out-of-band values in this version. Stored with the record.
	OverrideConfirmed bool
	Flagged           []Assessment
}

// WageIndex returns the period's reference wage index.
func (p Params) WageIndex() ledger.Amount {
	return WageIndex(p.RatePerMinute, p.ExpectedWeeklyHours)
}

// MonthlyInterestRate derives the per-posting rate from the APY.
func (p Params) MonthlyInterestRate() decimal.Decimal {
	return p.InterestAPY.Div(decimal.NewFromInt(12))
}

// Defaults returns a Params seeded from the published band defaults for
// the given wage settings.
func Defaults(period ledger.PeriodKey, ratePerMinute, weeklyHours decimal.Decimal) Params {
	wi := WageIndex(ratePerMinute, weeklyHours)
	value := func(cat Category) ledger.Amount {
		return ledger.Amount{Value: wi.Value.Mul(Bands[cat].Default)}
	}
	return Params{
		PeriodKey:             period,
		Mode:                  ModeDuration,
		RatePerMinute:         ratePerMinute,
		ExpectedWeeklyHours:   weeklyHours,
		PresenceDayRate:       ledger.Amount{Value: wi.Value.Div(decimal.NewFromInt(5))},
		RentAmount:            value(CategoryRent),
		UtilityAmount:         value(CategoryUtilities),
		InsurancePremium:      value(CategoryInsurancePremium),
		FineAmount:            value(CategoryFine),
		InsuranceCoverage:     value(CategoryInsuranceCover),
		InsurancePayoutCap:    value(CategoryInsurancePayout),
		InterestAPY:           Bands[CategoryInterestAPY].Default,
		LoanAPR:               Bands[CategoryLoanAPR].Default,
		SavingsBufferMultiple: decimal.NewFromFloat(1.5),
		OverdraftFee:          ledger.NewAmount(10),
		DiscountCap:           ledger.NewAmount(50),
		RentCycleDays:         28,
		GraceDays:             3,
		Version:               1,
		UpdatedAt:             time.Now().UTC(),
	}
}

// =============================================================================
// VALIDATION ON WRITE
// =============================================================================

// Validate judges every category against its band. Out-of-band values are
// returned as flagged assessments; the write proceeds only when the caller
// confirmed the override. The returned error wraps ErrRuleOutOfBand when
// confirmation is missing.
func Validate(p Params, confirmed bool) ([]Assessment, error) {
	wi := p.WageIndex()

	checks := []Assessment{
		AssessValue(CategoryRent, p.RentAmount, wi),
		AssessValue(CategoryUtilities, p.UtilityAmount, wi),
		AssessValue(CategoryInsurancePremium, p.InsurancePremium, wi),
		AssessValue(CategoryInsuranceCover, p.InsuranceCoverage, wi),
		AssessValue(CategoryInsurancePayout, p.InsurancePayoutCap, wi),
		AssessValue(CategoryFine, p.FineAmount, wi),
		AssessRatio(CategoryInterestAPY, p.InterestAPY),
		AssessRatio(CategoryLoanAPR, p.LoanAPR),
	}

	var flagged []Assessment
	for _, a := range checks {
		if a.OutOfRecommendedRange {
			flagged = append(flagged, a)
		}
	}
	if len(flagged) > 0 && !confirmed {
		return flagged, fmt.Errorf("%d value(s) outside recommended bands, override not confirmed: %w",
			len(flagged), ledger.ErrRuleOutOfBand)
	}
	return flagged, nil
}

// =============================================================================
// INFLATION EVENTS
// =============================================================================

// InflationEvent adjusts the monetary categories of a period atomically.
// Uniform inflation scales everything by Multiplier. A selective event
// names the categories it touches and must set IntentionalOverride.
type InflationEvent struct {
	Multiplier          decimal.Decimal
	Categories          []Category // empty = uniform, all categories
	IntentionalOverride bool
}

// ApplyInflation returns the adjusted Params. Selective events without the
// intentional-override flag are refused: partial inflation must be an
// explicit decision, never an accident.
func ApplyInflation(p Params, ev InflationEvent) (Params, error) {
	if ev.Multiplier.LessThanOrEqual(decimal.Zero) {
		return Params{}, fmt.Errorf("inflation multiplier must be positive, got %s", ev.Multiplier)
	}
	if len(ev.Categories) > 0 && !ev.IntentionalOverride {
		return Params{}, fmt.Errorf("selective inflation for %d categories requires the intentional override flag", len(ev.Categories))
	}

	touch := func(cat Category) bool {
		if len(ev.Categories) == 0 {
			return true
		}
		for _, c := range ev.Categories {
			if c == cat {
				return true
			}
		}
		return false
	}
	scale := func(a ledger.Amount) ledger.Amount { return a.Mul(ev.Multiplier) }

	out := p
	if touch(CategoryRent) {
		out.RentAmount = scale(p.RentAmount)
	}
	if touch(CategoryUtilities) {
		out.UtilityAmount = scale(p.UtilityAmount)
	}
	if touch(CategoryInsurancePremium) {
		out.InsurancePremium = scale(p.InsurancePremium)
	}
	if touch(CategoryInsuranceCover) {
		out.InsuranceCoverage = scale(p.InsuranceCoverage)
	}
	if touch(CategoryInsurancePayout) {
		out.InsurancePayoutCap = scale(p.InsurancePayoutCap)
	}
	if touch(CategoryFine) {
		out.FineAmount = scale(p.FineAmount)
	}
	out.Version = p.Version + 1
	out.UpdatedAt = time.Now().UTC()
	return out, nil
}

// =============================================================================
// PARAMS STORE
// =============================================================================

type ParamsStore interface {
	// Get returns the current Params for a period, or ErrUnknownPeriod.
	Get(ctx context.Context, period ledger.PeriodKey) (Params, error)

	// Put stores a new version. Implementations bump Version and keep the
	// record whole (no partial field updates).
	Put(ctx context.Context, p Params) error

	// Periods lists every period with stored params. Used by schedulers.
	Periods(ctx context.Context) ([]ledger.PeriodKey, error)
}
