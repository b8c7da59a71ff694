/*
Package econ computes and validates the economic rule set for a period.

PURPOSE:
  Every monetary recommendation in the engine is expressed as a ratio of
  the reference wage index: the expected full-attendance weekly pay for the
  period. Teachers tune absolute values; the engine judges them against
  published [min, max, default] ratio bands and flags - but does not
  reject - values outside the band. A flagged value is recorded together
  with the teacher's override confirmation.

  The exceptions are the non-negotiable categories: discount tiers are
  exactly {5%, 10%, 15%} and custom tier percentages are refused outright.

KEY CONCEPTS:
  - WageIndex: rate-per-minute x expected weekly minutes
  - Band: published [min, max, default] ratio range per category
  - Params: the tagged, versioned per-period configuration record
  - Loan evaluation: installment and insolvency gates (loan.go)

SEE ALSO:
  - params.go: Params record, validation on write, inflation events
  - loan.go: Loan affordability simulation
*/
package econ

import (
	"github.com/shopspring/decimal"

	"github.com/tokenhub/ledger-engine/ledger"
)

// =============================================================================
// WAGE INDEX - the unit every ratio scales against
// =============================================================================

// WageIndex is the expected full-attendance weekly pay for a period:
// pay rate per minute x expected weekly hours x 60.
func WageIndex(ratePerMinute decimal.Decimal, expectedWeeklyHours decimal.Decimal) ledger.Amount {
	minutes := expectedWeeklyHours.Mul(decimal.NewFromInt(60))
	return ledger.Amount{Value: ratePerMinute.Mul(minutes)}
}

// =============================================================================
// CATEGORIES AND BANDS
// =============================================================================

type Category string

const (
	CategoryRent             Category = "rent"
	CategoryUtilities        Category = "utilities"
	CategoryStoreItem        Category = "store_item"
	CategoryInsurancePremium Category = "insurance_premium"
	CategoryInsuranceCover   Category = "insurance_coverage"
	CategoryInsurancePayout  Category = "insurance_payout_cap"
	CategoryFine             Category = "fine"
	CategoryInterestAPY      Category = "interest_apy"
	CategoryLoanAPR          Category = "loan_apr"
)

// Band is a published [min, max, default] range, expressed as a ratio of
// the wage index (interest and APR bands are plain rates).
type Band struct {
	Min     decimal.Decimal
	Max     decimal.Decimal
	Default decimal.Decimal
}

func band(min, max, def string) Band {
	return Band{
		Min:     mustDecimal(min),
		Max:     mustDecimal(max),
		Default: mustDecimal(def),
	}
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic("econ: bad band constant " + s)
	}
	return d
}

// Bands are the published recommended ranges. Values outside a band are
// accepted with OutOfRecommendedRange set; they are never silently
// clamped.
var Bands = map[Category]Band{
	CategoryRent:             band("0.20", "0.80", "0.50"),
	CategoryUtilities:        band("0.05", "0.30", "0.15"),
	CategoryStoreItem:        band("0.05", "3.00", "0.50"),
	CategoryInsurancePremium: band("0.05", "0.40", "0.15"),
	CategoryInsuranceCover:   band("0.50", "4.00", "2.00"),
	CategoryInsurancePayout:  band("1.00", "8.00", "4.00"),
	CategoryFine:             band("0.05", "0.50", "0.10"),
	CategoryInterestAPY:      band("0.00", "0.25", "0.05"),
	CategoryLoanAPR:          band("0.00", "0.40", "0.10"),
}

// =============================================================================
// ASSESSMENT - validation outcome for one value
// =============================================================================

type Assessment struct {
	Category              Category
	Value                 ledger.Amount
	Ratio                 decimal.Decimal // value / wage index (or raw rate)
	Band                  Band
	OutOfRecommendedRange bool
}

// AssessRatio judges a pre-computed ratio or rate against its band.
func AssessRatio(cat Category, ratio decimal.Decimal) Assessment {
	b := Bands[cat]
	return Assessment{
		Category:              cat,
		Ratio:                 ratio,
		Band:                  b,
		OutOfRecommendedRange: ratio.LessThan(b.Min) || ratio.GreaterThan(b.Max),
	}
}

// AssessValue judges an absolute token value against its band relative to
// the wage index. A zero wage index makes every value out of range: the
// economy is unconfigured and nothing can be recommended.
func AssessValue(cat Category, value ledger.Amount, wageIndex ledger.Amount) Assessment {
	if wageIndex.Value.IsZero() {
		return Assessment{Category: cat, Value: value, Band: Bands[cat], OutOfRecommendedRange: true}
	}
	a := AssessRatio(cat, value.Value.Div(wageIndex.Value))
	a.Value = value
	return a
}

// =============================================================================
// DISCOUNT TIERS - fixed, non-negotiable
// =============================================================================

type DiscountTier int

const (
	TierNone DiscountTier = 0
	Tier1    DiscountTier = 1 // 5%
	Tier2    DiscountTier = 2 // 10%
	Tier3    DiscountTier = 3 // 15%
)

// TierPercent returns the fixed percentage for a tier. Tiers are system
// constants; teacher configuration cannot introduce other values.
func TierPercent(t DiscountTier) decimal.Decimal {
	switch t {
	case Tier1:
		return mustDecimal("0.05")
	case Tier2:
		return mustDecimal("0.10")
	case Tier3:
		return mustDecimal("0.15")
	default:
		return decimal.Zero
	}
}

func (t DiscountTier) Valid() bool { return t >= TierNone && t <= Tier3 }
