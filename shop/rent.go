/*
rent.go - Rent cycles and rent payments

PURPOSE:
  Rent runs on fixed-length cycles per (person, period). A payment before
  the due time is on-time; inside the grace window it escapes the late
  penalty but marks the cycle PaidInGrace; past the window it counts late
  and a fine posts with the payment. A payment the checking balance cannot
  cover records an NSF event and posts nothing. All three outcomes feed
  the pays_on_time gate for the rest of the cycle.
*/
package shop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tokenhub/ledger-engine/econ"
	"github.com/tokenhub/ledger-engine/ledger"
	"github.com/tokenhub/ledger-engine/tenant"
)

// RentCycleFor returns the pair's current cycle, opening the first one or
// rolling a paid, expired one forward as needed.
func (s *Shop) RentCycleFor(ctx context.Context, scope tenant.Context, now time.Time) (RentCycle, error) {
	if err := s.guard.Check(scope, scope.Period); err != nil {
		return RentCycle{}, err
	}
	p, err := s.params.Get(ctx, scope.Period)
	if err != nil {
		return RentCycle{}, err
	}
	return s.currentOrOpenCycle(ctx, scope, p, now)
}

func (s *Shop) currentOrOpenCycle(ctx context.Context, scope tenant.Context, p econ.Params, now time.Time) (RentCycle, error) {
	cycle, err := s.rent.Current(ctx, scope.Person, scope.Period)
	if errors.Is(err, ledger.ErrEntryNotFound) {
		cycle = newCycle(scope, now, p.RentCycleDays)
		return cycle, s.rent.Put(ctx, cycle)
	}
	if err != nil {
		return RentCycle{}, err
	}
	// A paid cycle past its due time rolls forward from the old due time,
	// wiping the counters. An unpaid cycle stays current until paid.
	if cycle.Paid() && now.After(cycle.DueAt) {
		cycle = newCycle(scope, cycle.DueAt, p.RentCycleDays)
		return cycle, s.rent.Put(ctx, cycle)
	}
	return cycle, nil
}

func newCycle(scope tenant.Context, start time.Time, cycleDays int) RentCycle {
	if cycleDays <= 0 {
		cycleDays = 7
	}
	return RentCycle{
		PersonID:  scope.Person,
		PeriodKey: scope.Period,
		StartAt:   start,
		DueAt:     start.AddDate(0, 0, cycleDays),
	}
}

// PayRent pays the current cycle's rent from checking.
func (s *Shop) PayRent(ctx context.Context, scope tenant.Context) (ledger.Entry, error) {
	if err := s.guard.Check(scope, scope.Period); err != nil {
		return ledger.Entry{}, err
	}
	p, err := s.params.Get(ctx, scope.Period)
	if err != nil {
		return ledger.Entry{}, err
	}

	lock := s.locks.Lock(scope.Person, scope.Period)
	defer lock.Unlock()

	now := time.Now().UTC()
	cycle, err := s.currentOrOpenCycle(ctx, scope, p, now)
	if err != nil {
		return ledger.Entry{}, err
	}
	if cycle.Paid() {
		return ledger.Entry{}, fmt.Errorf("rent already paid for cycle due %s: %w",
			cycle.DueAt.Format(time.RFC3339), ledger.ErrConflict)
	}

	bal, err := s.bank.FreshBalance(ctx, scope)
	if err != nil {
		return ledger.Entry{}, err
	}
	if bal.Checking.LessThan(p.RentAmount) {
		cycle.NSFCount++
		if err := s.rent.Put(ctx, cycle); err != nil {
			return ledger.Entry{}, err
		}
		return ledger.Entry{}, &ledger.InsufficientFundsError{
			PersonID:  scope.Person,
			PeriodKey: scope.Period,
			Account:   ledger.AccountChecking,
			Available: bal.Checking,
			Requested: p.RentAmount,
		}
	}

	graceEnd := cycle.DueAt.AddDate(0, 0, p.GraceDays)
	late := now.After(graceEnd)
	inGrace := !late && now.After(cycle.DueAt)

	entries := []ledger.Entry{{
		PersonID:    scope.Person,
		PeriodKey:   scope.Period,
		Type:        ledger.EntryRentPayment,
		Account:     ledger.AccountChecking,
		Amount:      p.RentAmount.Neg(),
		Description: fmt.Sprintf("rent for cycle due %s", cycle.DueAt.Format("2006-01-02")),
		Actor:       string(scope.Person),
		ActorType:   "student",
		CreatedAt:   now,
	}}
	if late {
		entries = append(entries, ledger.Entry{
			PersonID:    scope.Person,
			PeriodKey:   scope.Period,
			Type:        ledger.EntryFine,
			Account:     ledger.AccountChecking,
			Amount:      p.FineAmount.Neg(),
			Description: "late rent penalty",
			Actor:       "system",
			ActorType:   "system",
			CreatedAt:   now,
		})
	}
	stored, err := s.ledger.AppendBatch(ctx, entries)
	if err != nil {
		return ledger.Entry{}, err
	}

	cycle.PaidAt = &now
	cycle.PaidInGrace = inGrace
	if late {
		cycle.LateCount++
	}
	if err := s.rent.Put(ctx, cycle); err != nil {
		return ledger.Entry{}, err
	}
	return stored[0], nil
}
