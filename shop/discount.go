/*
discount.go - The discount evaluation pipeline

PURPOSE:
  Resolves at most one discount for one purchase, at the purchase instant.
  Stages run in a fixed order; the first stage that fails short-circuits to
  full price, recording which stage failed and why. A discount failure is
  never a purchase failure: the caller gets a full-price evaluation and the
  reason lands in the transaction metadata for audit.

STAGES:
  ItemEligibility -> BehaviorResolution -> StudentEligibility ->
  TierResolution -> CapEnforcement -> Apply

FRESHNESS:
  StudentEligibility reads rent, insurance and savings state through
  callbacks supplied by the purchase path, which invokes the pipeline
  inside its account-locked critical section. Nothing here is cached.
*/
package shop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tokenhub/ledger-engine/econ"
	"github.com/tokenhub/ledger-engine/ledger"
)

// =============================================================================
// STAGES
// =============================================================================

type Stage string

const (
	StageItemEligibility    Stage = "item_eligibility"
	StageBehaviorResolution Stage = "behavior_resolution"
	StageStudentEligibility Stage = "student_eligibility"
	StageTierResolution     Stage = "tier_resolution"
	StageCapEnforcement     Stage = "cap_enforcement"
	StageApply              Stage = "apply"
)

// Evaluation is the pipeline's outcome. Applied false means full price;
// FailedStage and Reason say why, for the audit trail only.
type Evaluation struct {
	Applied     bool
	Tier        econ.DiscountTier
	Amount      ledger.Amount
	Capped      bool
	FailedStage Stage
	Reason      string
}

func noDiscount(stage Stage, reason string) Evaluation {
	return Evaluation{FailedStage: stage, Reason: reason}
}

// GateState is the fresh period-scoped state the pipeline reads. The
// purchase path assembles it inside the account lock.
type GateState struct {
	Rent    func(ctx context.Context) (RentCycle, error)
	Policy  func(ctx context.Context) (Policy, error)
	Savings func(ctx context.Context) (ledger.Amount, error)
}

// =============================================================================
// PIPELINE
// =============================================================================

// Evaluate runs the pipeline for one item against the period's parameters.
// It only returns an error for infrastructure failures (a store read
// erroring); every policy outcome is an Evaluation, discounted or not.
func Evaluate(ctx context.Context, it Item, p econ.Params, state GateState, now time.Time) (Evaluation, error) {
	// ItemEligibility: rent and rent-covered items are never discountable,
	// regardless of configuration.
	if it.Kind == KindRent || it.Kind == KindRentCovered {
		return noDiscount(StageItemEligibility, "rent items are not discountable"), nil
	}

	// BehaviorResolution.
	switch it.Behavior {
	case BehaviorPaysOnTime, BehaviorInsured, BehaviorSavingsBuffer:
	case BehaviorNone, "":
		return noDiscount(StageBehaviorResolution, "no discount behavior configured"), nil
	default:
		return noDiscount(StageBehaviorResolution, fmt.Sprintf("unknown behavior %q", it.Behavior)), nil
	}

	// StudentEligibility.
	switch it.Behavior {
	case BehaviorPaysOnTime:
		cycle, err := state.Rent(ctx)
		if errors.Is(err, ledger.ErrEntryNotFound) {
			return noDiscount(StageStudentEligibility, "no rent cycle on record"), nil
		}
		if err != nil {
			return Evaluation{}, err
		}
		if !cycle.OnTime() {
			return noDiscount(StageStudentEligibility, "late, grace-window or NSF activity in current rent cycle"), nil
		}
	case BehaviorInsured:
		pol, err := state.Policy(ctx)
		if errors.Is(err, ledger.ErrEntryNotFound) {
			return noDiscount(StageStudentEligibility, "no insurance policy on record"), nil
		}
		if err != nil {
			return Evaluation{}, err
		}
		if !pol.ActiveAt(now) {
			return noDiscount(StageStudentEligibility, "policy inactive: waiting period, lapsed payment or pending cancellation"), nil
		}
	case BehaviorSavingsBuffer:
		savings, err := state.Savings(ctx)
		if err != nil {
			return Evaluation{}, err
		}
		threshold := p.WageIndex().Mul(p.SavingsBufferMultiple)
		if !savings.GreaterThanOrEqual(threshold) {
			return noDiscount(StageStudentEligibility,
				fmt.Sprintf("savings %s below buffer threshold %s", savings, threshold)), nil
		}
	}

	// TierResolution: tiers are fixed system constants.
	if !it.Tier.Valid() || it.Tier == econ.TierNone {
		return noDiscount(StageTierResolution, fmt.Sprintf("item has no valid tier (%d)", it.Tier)), nil
	}
	amount := it.Price.Mul(econ.TierPercent(it.Tier))

	// CapEnforcement: clamp to the period's per-transaction cap.
	capped := false
	if p.DiscountCap.IsPositive() && amount.GreaterThan(p.DiscountCap) {
		amount = p.DiscountCap
		capped = true
	}

	return Evaluation{Applied: true, Tier: it.Tier, Amount: amount, Capped: capped}, nil
}
