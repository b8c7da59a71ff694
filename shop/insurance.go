/*
insurance.go - Insurance enrollment and premium billing

PURPOSE:
  A policy covers one (person, period) pair. Coverage starts once the
  waiting period elapses and lasts while premiums keep PaidThrough ahead
  of the clock; a cancellation request leaves the policy pending-cancel,
  which already fails the insured gate.
*/
package shop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tokenhub/ledger-engine/ledger"
	"github.com/tokenhub/ledger-engine/tenant"
)

// Billing cycle length for premium payments.
const premiumCycleDays = 30

// EnrollPolicy opens a policy for the scoped person. The first billing
// cycle starts paid; coverage still waits out the waiting period.
func (s *Shop) EnrollPolicy(ctx context.Context, scope tenant.Context, waitingDays int) (Policy, error) {
	if err := s.guard.Check(scope, scope.Period); err != nil {
		return Policy{}, err
	}
	if _, err := s.policies.Get(ctx, scope.Person, scope.Period); err == nil {
		return Policy{}, fmt.Errorf("policy already exists for person %s in period %s: %w",
			scope.Person, scope.Period, ledger.ErrConflict)
	} else if !errors.Is(err, ledger.ErrEntryNotFound) {
		return Policy{}, err
	}

	now := time.Now().UTC()
	pol := Policy{
		PersonID:    scope.Person,
		PeriodKey:   scope.Period,
		EnrolledAt:  now,
		WaitingDays: waitingDays,
		PaidThrough: now.AddDate(0, 0, premiumCycleDays),
	}
	return pol, s.policies.Put(ctx, pol)
}

// PayPremium charges one billing cycle's premium from checking and extends
// PaidThrough. Paying early stacks coverage; paying after a lapse resumes
// from now.
func (s *Shop) PayPremium(ctx context.Context, scope tenant.Context) (ledger.Entry, error) {
	if err := s.guard.Check(scope, scope.Period); err != nil {
		return ledger.Entry{}, err
	}
	pol, err := s.policies.Get(ctx, scope.Person, scope.Period)
	if err != nil {
		return ledger.Entry{}, err
	}
	if pol.PendingCancel {
		return ledger.Entry{}, fmt.Errorf("policy pending cancellation: %w", ledger.ErrConflict)
	}
	p, err := s.params.Get(ctx, scope.Period)
	if err != nil {
		return ledger.Entry{}, err
	}

	lock := s.locks.Lock(scope.Person, scope.Period)
	defer lock.Unlock()

	bal, err := s.bank.FreshBalance(ctx, scope)
	if err != nil {
		return ledger.Entry{}, err
	}
	if bal.Checking.LessThan(p.InsurancePremium) {
		return ledger.Entry{}, &ledger.InsufficientFundsError{
			PersonID:  scope.Person,
			PeriodKey: scope.Period,
			Account:   ledger.AccountChecking,
			Available: bal.Checking,
			Requested: p.InsurancePremium,
		}
	}

	now := time.Now().UTC()
	entry, err := s.ledger.Append(ctx, ledger.Entry{
		PersonID:    scope.Person,
		PeriodKey:   scope.Period,
		Type:        ledger.EntryPremium,
		Account:     ledger.AccountChecking,
		Amount:      p.InsurancePremium.Neg(),
		Description: "insurance premium",
		Actor:       string(scope.Person),
		ActorType:   "student",
		CreatedAt:   now,
	})
	if err != nil {
		return ledger.Entry{}, err
	}

	from := pol.PaidThrough
	if from.Before(now) {
		from = now
	}
	pol.PaidThrough = from.AddDate(0, 0, premiumCycleDays)
	return entry, s.policies.Put(ctx, pol)
}

// FileClaim pays out an insured loss to checking. One claim pays at most
// the period's coverage amount; lifetime payouts on a policy never exceed
// the payout cap. The payout entry lands under the account lock so the cap
// check and the append see the same ledger state.
func (s *Shop) FileClaim(ctx context.Context, scope tenant.Context, loss ledger.Amount, description string) (ledger.Entry, error) {
	if err := s.guard.Check(scope, scope.Period); err != nil {
		return ledger.Entry{}, err
	}
	if !loss.IsPositive() {
		return ledger.Entry{}, fmt.Errorf("claim amount must be positive, got %s", loss)
	}
	pol, err := s.policies.Get(ctx, scope.Person, scope.Period)
	if err != nil {
		return ledger.Entry{}, err
	}
	now := time.Now().UTC()
	if !pol.ActiveAt(now) {
		return ledger.Entry{}, fmt.Errorf("policy not active for person %s in period %s: %w",
			scope.Person, scope.Period, ledger.ErrConflict)
	}
	p, err := s.params.Get(ctx, scope.Period)
	if err != nil {
		return ledger.Entry{}, err
	}

	lock := s.locks.Lock(scope.Person, scope.Period)
	defer lock.Unlock()

	paidOut, err := s.payoutsToDate(ctx, scope)
	if err != nil {
		return ledger.Entry{}, err
	}
	remaining := p.InsurancePayoutCap.Sub(paidOut)
	if !remaining.IsPositive() {
		return ledger.Entry{}, fmt.Errorf("policy payout cap %s exhausted: %w",
			p.InsurancePayoutCap, ledger.ErrConflict)
	}
	payout := loss.Min(p.InsuranceCoverage).Min(remaining)

	return s.ledger.Append(ctx, ledger.Entry{
		PersonID:    scope.Person,
		PeriodKey:   scope.Period,
		Type:        ledger.EntryPayout,
		Account:     ledger.AccountChecking,
		Amount:      payout,
		Description: fmt.Sprintf("insurance payout: %s", description),
		Metadata: map[string]string{
			"claimed_loss": loss.String(),
			"coverage":     p.InsuranceCoverage.String(),
		},
		Actor:     "system",
		ActorType: "system",
		CreatedAt: now,
	})
}

// payoutsToDate sums the non-voided payout entries for the scoped pair.
func (s *Shop) payoutsToDate(ctx context.Context, scope tenant.Context) (ledger.Amount, error) {
	entries, err := s.ledger.History(ctx, scope.Person, scope.Period)
	if err != nil {
		return ledger.ZeroAmount(), err
	}
	voided := ledger.Voided(entries)
	total := ledger.ZeroAmount()
	for _, e := range entries {
		if e.Type == ledger.EntryPayout && !voided[e.ID] {
			total = total.Add(e.Amount)
		}
	}
	return total, nil
}

// CancelPolicy flags the policy pending-cancel. Coverage for discount
// purposes ends immediately.
func (s *Shop) CancelPolicy(ctx context.Context, scope tenant.Context) error {
	if err := s.guard.Check(scope, scope.Period); err != nil {
		return err
	}
	pol, err := s.policies.Get(ctx, scope.Person, scope.Period)
	if err != nil {
		return err
	}
	pol.PendingCancel = true
	return s.policies.Put(ctx, pol)
}
