/*
purchase.go - Account-locked purchases

PURPOSE:
  A purchase is one ledger entry for the discounted price, appended after a
  fresh balance check inside the account lock. The discount pipeline runs
  in the same critical section, so its gates and the funds check see the
  same ledger state.
*/
package shop

import (
	"context"
	"fmt"
	"time"

	"github.com/tokenhub/ledger-engine/bank"
	"github.com/tokenhub/ledger-engine/econ"
	"github.com/tokenhub/ledger-engine/ledger"
	"github.com/tokenhub/ledger-engine/tenant"
)

// =============================================================================
// SHOP
// =============================================================================

type Shop struct {
	ledger   *ledger.Ledger
	bank     *bank.Bank
	guard    *tenant.Guard
	locks    *ledger.AccountLocks
	items    ItemStore
	rent     RentStore
	policies PolicyStore
	params   econ.ParamsStore
}

func New(l *ledger.Ledger, b *bank.Bank, guard *tenant.Guard, locks *ledger.AccountLocks, items ItemStore, rent RentStore, policies PolicyStore, params econ.ParamsStore) *Shop {
	return &Shop{
		ledger:   l,
		bank:     b,
		guard:    guard,
		locks:    locks,
		items:    items,
		rent:     rent,
		policies: policies,
		params:   params,
	}
}

// Items exposes the backing item catalogue for admin management.
func (s *Shop) Items() ItemStore { return s.items }

// PurchaseResult reports the appended entry and what the discount pipeline
// decided. DiscountReason carries the failing stage and reason when no
// discount applied.
type PurchaseResult struct {
	Entry           ledger.Entry
	DiscountApplied bool
	DiscountAmount  ledger.Amount
	DiscountReason  string
}

// Purchase buys one item for the scoped person.
func (s *Shop) Purchase(ctx context.Context, scope tenant.Context, itemID ItemID) (PurchaseResult, error) {
	if err := s.guard.Check(scope, scope.Period); err != nil {
		return PurchaseResult{}, err
	}
	it, err := s.items.Get(ctx, itemID)
	if err != nil {
		return PurchaseResult{}, err
	}
	if err := s.guard.Check(scope, it.PeriodKey); err != nil {
		return PurchaseResult{}, err
	}
	p, err := s.params.Get(ctx, scope.Period)
	if err != nil {
		return PurchaseResult{}, err
	}

	lock := s.locks.Lock(scope.Person, scope.Period)
	defer lock.Unlock()

	bal, err := s.bank.FreshBalance(ctx, scope)
	if err != nil {
		return PurchaseResult{}, err
	}

	now := time.Now().UTC()
	eval, err := Evaluate(ctx, it, p, GateState{
		Rent: func(ctx context.Context) (RentCycle, error) {
			return s.rent.Current(ctx, scope.Person, scope.Period)
		},
		Policy: func(ctx context.Context) (Policy, error) {
			return s.policies.Get(ctx, scope.Person, scope.Period)
		},
		Savings: func(ctx context.Context) (ledger.Amount, error) {
			return bal.Savings, nil
		},
	}, now)
	if err != nil {
		return PurchaseResult{}, err
	}

	price := it.Price
	if eval.Applied {
		price = price.Sub(eval.Amount)
	}
	if bal.Checking.LessThan(price) {
		return PurchaseResult{}, &ledger.InsufficientFundsError{
			PersonID:  scope.Person,
			PeriodKey: scope.Period,
			Account:   ledger.AccountChecking,
			Available: bal.Checking,
			Requested: price,
		}
	}

	meta := map[string]string{
		"item_id":   string(it.ID),
		"item_name": it.Name,
	}
	if eval.Applied {
		meta["discount_applied"] = "true"
		meta["discount_tier"] = fmt.Sprintf("%d", eval.Tier)
		meta["discount_amount"] = eval.Amount.String()
		if eval.Capped {
			meta["discount_capped"] = "true"
		}
	} else {
		meta["discount_applied"] = "false"
		meta["discount_stage"] = string(eval.FailedStage)
		meta["discount_reason"] = eval.Reason
	}

	entry, err := s.ledger.Append(ctx, ledger.Entry{
		PersonID:    scope.Person,
		PeriodKey:   scope.Period,
		Type:        ledger.EntryPurchase,
		Account:     ledger.AccountChecking,
		Amount:      price.Neg(),
		Description: fmt.Sprintf("purchase: %s", it.Name),
		Metadata:    meta,
		Actor:       string(scope.Person),
		ActorType:   "student",
		CreatedAt:   now,
	})
	if err != nil {
		return PurchaseResult{}, err
	}

	res := PurchaseResult{Entry: entry, DiscountApplied: eval.Applied}
	if eval.Applied {
		res.DiscountAmount = eval.Amount
	} else {
		res.DiscountReason = fmt.Sprintf("%s: %s", eval.FailedStage, eval.Reason)
	}
	return res, nil
}
