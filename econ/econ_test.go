package econ_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenhub/ledger-engine/econ"
	"github.com/tokenhub/ledger-engine/ledger"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// =============================================================================
// WAGE INDEX
// =============================================================================

func TestWageIndex_QuarterTokenPerMinute_EightHours(t *testing.T) {
	// 0.25/min x 8h x 60 = 120 tokens per week
	wi := econ.WageIndex(dec("0.25"), dec("8"))
	assert.Equal(t, "120.00", wi.String())
}

func TestWageIndex_ZeroRate_Zero(t *testing.T) {
	wi := econ.WageIndex(decimal.Zero, dec("8"))
	assert.True(t, wi.IsZero())
}

// =============================================================================
// BANDS & ASSESSMENT
// =============================================================================

func TestAssessValue_RentInsideBand_NotFlagged(t *testing.T) {
	wi := econ.WageIndex(dec("0.25"), dec("8")) // 120

	// 60 / 120 = 0.50, the rent default ratio.
	a := econ.AssessValue(econ.CategoryRent, ledger.NewAmountFromInt(60), wi)
	assert.False(t, a.OutOfRecommendedRange)
	assert.Equal(t, "0.5", a.Ratio.String())
}

func TestAssessValue_RentAboveBand_Flagged(t *testing.T) {
	wi := econ.WageIndex(dec("0.25"), dec("8"))

	// 120 / 120 = 1.00 > rent max 0.80
	a := econ.AssessValue(econ.CategoryRent, ledger.NewAmountFromInt(120), wi)
	assert.True(t, a.OutOfRecommendedRange)
}

func TestAssessValue_ZeroWageIndex_AlwaysFlagged(t *testing.T) {
	a := econ.AssessValue(econ.CategoryRent, ledger.NewAmountFromInt(1), ledger.ZeroAmount())
	assert.True(t, a.OutOfRecommendedRange)
}

func TestTierPercent_FixedValues(t *testing.T) {
	assert.Equal(t, "0.05", econ.TierPercent(econ.Tier1).String())
	assert.Equal(t, "0.1", econ.TierPercent(econ.Tier2).String())
	assert.Equal(t, "0.15", econ.TierPercent(econ.Tier3).String())
	assert.True(t, econ.TierPercent(econ.TierNone).IsZero())
	assert.False(t, econ.DiscountTier(7).Valid())
}

// =============================================================================
// VALIDATION ON WRITE
// =============================================================================

func TestValidate_DefaultsPass(t *testing.T) {
	p := econ.Defaults("FALL24", dec("0.25"), dec("8"))

	flagged, err := econ.Validate(p, false)
	require.NoError(t, err)
	assert.Empty(t, flagged)
}

func TestValidate_OutOfBandWithoutConfirmation_Refused(t *testing.T) {
	p := econ.Defaults("FALL24", dec("0.25"), dec("8"))
	p.RentAmount = ledger.NewAmountFromInt(500) // ratio > 4, far past max 0.80

	flagged, err := econ.Validate(p, false)
	assert.ErrorIs(t, err, ledger.ErrRuleOutOfBand)
	require.Len(t, flagged, 1)
	assert.Equal(t, econ.CategoryRent, flagged[0].Category)
}

func TestValidate_OutOfBandConfirmed_ProceedsFlagged(t *testing.T) {
	p := econ.Defaults("FALL24", dec("0.25"), dec("8"))
	p.RentAmount = ledger.NewAmountFromInt(500)

	flagged, err := econ.Validate(p, true)
	require.NoError(t, err)
	assert.Len(t, flagged, 1)
}

func TestValidate_CoverageOutOfBand_Flagged(t *testing.T) {
	p := econ.Defaults("FALL24", dec("0.25"), dec("8"))
	p.InsuranceCoverage = ledger.NewAmountFromInt(10) // ratio 0.083, below min 0.50

	flagged, err := econ.Validate(p, false)
	assert.ErrorIs(t, err, ledger.ErrRuleOutOfBand)
	require.Len(t, flagged, 1)
	assert.Equal(t, econ.CategoryInsuranceCover, flagged[0].Category)
}

func TestValidate_PayoutCapOutOfBand_Flagged(t *testing.T) {
	p := econ.Defaults("FALL24", dec("0.25"), dec("8"))
	p.InsurancePayoutCap = ledger.NewAmountFromInt(2000) // ratio > 8

	flagged, err := econ.Validate(p, false)
	assert.ErrorIs(t, err, ledger.ErrRuleOutOfBand)
	require.Len(t, flagged, 1)
	assert.Equal(t, econ.CategoryInsurancePayout, flagged[0].Category)
}

// =============================================================================
// INFLATION EVENTS
// =============================================================================

func TestApplyInflation_Uniform_ScalesAllCategories(t *testing.T) {
	p := econ.Defaults("FALL24", dec("0.25"), dec("8"))

	out, err := econ.ApplyInflation(p, econ.InflationEvent{Multiplier: dec("1.10")})
	require.NoError(t, err)

	assert.True(t, out.RentAmount.Equal(p.RentAmount.Mul(dec("1.10"))))
	assert.True(t, out.UtilityAmount.Equal(p.UtilityAmount.Mul(dec("1.10"))))
	assert.True(t, out.FineAmount.Equal(p.FineAmount.Mul(dec("1.10"))))
	assert.True(t, out.InsuranceCoverage.Equal(p.InsuranceCoverage.Mul(dec("1.10"))))
	assert.True(t, out.InsurancePayoutCap.Equal(p.InsurancePayoutCap.Mul(dec("1.10"))))
	assert.Equal(t, p.Version+1, out.Version)
}

func TestApplyInflation_Selective_WithoutOverride_Refused(t *testing.T) {
	p := econ.Defaults("FALL24", dec("0.25"), dec("8"))

	_, err := econ.ApplyInflation(p, econ.InflationEvent{
		Multiplier: dec("1.10"),
		Categories: []econ.Category{econ.CategoryRent},
	})
	require.Error(t, err)
}

func TestApplyInflation_Selective_TouchesOnlyNamed(t *testing.T) {
	p := econ.Defaults("FALL24", dec("0.25"), dec("8"))

	out, err := econ.ApplyInflation(p, econ.InflationEvent{
		Multiplier:          dec("2"),
		Categories:          []econ.Category{econ.CategoryRent},
		IntentionalOverride: true,
	})
	require.NoError(t, err)
	assert.True(t, out.RentAmount.Equal(p.RentAmount.Mul(dec("2"))))
	assert.True(t, out.UtilityAmount.Equal(p.UtilityAmount))
}

func TestApplyInflation_NonPositiveMultiplier_Rejected(t *testing.T) {
	p := econ.Defaults("FALL24", dec("0.25"), dec("8"))

	_, err := econ.ApplyInflation(p, econ.InflationEvent{Multiplier: decimal.Zero})
	require.Error(t, err)
}

// =============================================================================
// LOAN GATES
// =============================================================================

func TestEvaluateLoan_Affordable_Approved(t *testing.T) {
	p := econ.Defaults("FALL24", dec("0.25"), dec("8")) // wage index 120

	decision, err := econ.EvaluateLoan(econ.LoanRequest{
		Principal:  ledger.NewAmountFromInt(100),
		APR:        p.LoanAPR,
		TermCycles: 8,
	}, p, ledger.NewAmountFromInt(50), p.WageIndex())
	require.NoError(t, err)
	assert.True(t, decision.Approved)
	assert.Len(t, decision.Projection, 8)
}

func TestEvaluateLoan_InstallmentOver40Percent_Rejected(t *testing.T) {
	p := econ.Defaults("FALL24", dec("0.25"), dec("8")) // wage index 120, cap 48/cycle

	_, err := econ.EvaluateLoan(econ.LoanRequest{
		Principal:  ledger.NewAmountFromInt(500),
		APR:        p.LoanAPR,
		TermCycles: 2, // ~250+ per cycle
	}, p, ledger.NewAmountFromInt(1000), p.WageIndex())

	var rejected *ledger.LoanRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, ledger.LoanExcessiveInstallment, rejected.Reason)
}

func TestEvaluateLoan_ProjectedInsolvency_Rejected(t *testing.T) {
	p := econ.Defaults("FALL24", dec("0.25"), dec("8"))

	// Expected payroll of zero: obligations plus installment sink the
	// budget and keep it negative past the allowed two cycles.
	_, err := econ.EvaluateLoan(econ.LoanRequest{
		Principal:  ledger.NewAmountFromInt(200),
		APR:        p.LoanAPR,
		TermCycles: 10,
	}, p, ledger.ZeroAmount(), ledger.ZeroAmount())

	var rejected *ledger.LoanRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, ledger.LoanProjectedInsolvency, rejected.Reason)
}

func TestEvaluateLoan_InvalidTerm_Error(t *testing.T) {
	p := econ.Defaults("FALL24", dec("0.25"), dec("8"))

	_, err := econ.EvaluateLoan(econ.LoanRequest{
		Principal:  ledger.NewAmountFromInt(10),
		APR:        decimal.Zero,
		TermCycles: 0,
	}, p, ledger.ZeroAmount(), p.WageIndex())
	require.Error(t, err)

	var rejected *ledger.LoanRejectedError
	assert.False(t, errors.As(err, &rejected))
}
