/*
interest.go - Scheduled interest posting

PURPOSE:
  Interest is a batch operation per period: read each enrollment's savings
  balance at post time, append one interest entry per enrollment.

IDEMPOTENCY:
  The reference "interest:<period>:<YYYY-MM>:<person>" makes reposting a
  month a no-op per person; a second run for the same posting month posts
  zero new entries. No separate bookkeeping table is needed - the ledger's
  reference uniqueness is the watermark.

EXCLUSION:
  A posting run takes the period batch lock, so it cannot overlap another
  interest run or a payroll run for the same period. Individual purchases
  and transfers proceed concurrently under their own account locks.
*/
package bank

import (
	"context"
	"fmt"
	"time"

	"github.com/tokenhub/ledger-engine/econ"
	"github.com/tokenhub/ledger-engine/ledger"
	"github.com/tokenhub/ledger-engine/tenant"
)

// =============================================================================
// INTEREST POSTING
// =============================================================================

type InterestRun struct {
	PeriodKey    ledger.PeriodKey
	PostingMonth string // YYYY-MM
	PostedCount  int
	SkippedCount int // already-posted (idempotent repeats) or zero balances
}

// InterestRef builds the idempotency reference for one person's posting.
func InterestRef(period ledger.PeriodKey, month string, person ledger.PersonID) string {
	return fmt.Sprintf("interest:%s:%s:%s", period, month, person)
}

// PostInterest appends one interest entry per active enrollment in the
// period, computed from the savings balance at post time. Safe to re-run.
func (b *Bank) PostInterest(ctx context.Context, period ledger.PeriodKey, month string, enrollments tenant.EnrollmentStore, p econ.Params, batchLocks *ledger.PeriodLocks) (InterestRun, error) {
	run := InterestRun{PeriodKey: period, PostingMonth: month}

	lock := batchLocks.TryLock(period)
	if lock == nil {
		return run, fmt.Errorf("another batch job holds period %s: %w", period, ledger.ErrConflict)
	}
	defer lock.Unlock()

	rate := p.MonthlyInterestRate()
	if rate.IsZero() || rate.IsNegative() {
		return run, nil
	}

	members, err := enrollments.ListByPeriod(ctx, period)
	if err != nil {
		return run, err
	}

	now := time.Now().UTC()
	for _, m := range members {
		scope := tenant.Context{Person: m.PersonID, Period: period}

		accountLock := b.locks.Lock(m.PersonID, period)
		bal, err := b.FreshBalance(ctx, scope)
		if err != nil {
			accountLock.Unlock()
			return run, err
		}
		if !bal.Savings.IsPositive() {
			accountLock.Unlock()
			run.SkippedCount++
			continue
		}

		interest := bal.Savings.Mul(rate)
		entry := ledger.Entry{
			ID:          ledger.NewEntryID(),
			PersonID:    m.PersonID,
			PeriodKey:   period,
			Type:        ledger.EntryInterest,
			Account:     ledger.AccountSavings,
			Amount:      interest,
			Description: fmt.Sprintf("Savings interest for %s", month),
			ReferenceID: InterestRef(period, month, m.PersonID),
			Actor:       "system",
			ActorType:   "system",
			CreatedAt:   now,
		}

		stored, err := b.ledger.Append(ctx, entry)
		accountLock.Unlock()
		if err != nil {
			return run, err
		}
		// A prior posting for the month comes back with its original ID;
		// count it as skipped, not posted.
		if stored.ID != entry.ID {
			run.SkippedCount++
			continue
		}
		run.PostedCount++
	}
	return run, nil
}
