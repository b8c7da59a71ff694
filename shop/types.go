/*
types.go - Store items and the period-scoped state behind discount gates

PURPOSE:
  Items are teacher-configured goods priced in tokens. Each item carries at
  most one discount behavior; the behavior field is a single closed tag,
  so two discounts on one purchase are impossible by construction.

RENT CYCLES:
  One RentCycle record per (person, period) tracks the current cycle: when
  it opened, when payment is due, whether it was paid, and the late/NSF
  counters the pays_on_time gate reads. Payments inside the grace window
  avoid the late penalty but do not count as on-time.

INSURANCE:
  One Policy record per (person, period). A policy is active only once its
  waiting period has elapsed, it is paid through the current billing cycle
  and it is not pending cancellation.

SEE ALSO:
  - discount.go: The evaluation pipeline reading this state
  - purchase.go: Account-locked purchases
*/
package shop

import (
	"context"
	"time"

	"github.com/tokenhub/ledger-engine/econ"
	"github.com/tokenhub/ledger-engine/ledger"
)

// =============================================================================
// ITEMS
// =============================================================================

type ItemID string

type ItemKind string

const (
	KindRegular ItemKind = "regular"
	// KindRent is the rent obligation itself; KindRentCovered is a good
	// whose cost is bundled into rent. Neither is ever discountable.
	KindRent        ItemKind = "rent"
	KindRentCovered ItemKind = "rent_covered"
)

type Behavior string

const (
	BehaviorNone          Behavior = "none"
	BehaviorPaysOnTime    Behavior = "pays_on_time"
	BehaviorInsured       Behavior = "insured"
	BehaviorSavingsBuffer Behavior = "savings_buffer"
)

type Item struct {
	ID        ItemID
	PeriodKey ledger.PeriodKey
	Name      string
	Price     ledger.Amount
	Kind      ItemKind
	Behavior  Behavior
	Tier      econ.DiscountTier
	CreatedAt time.Time
}

type ItemStore interface {
	// Get returns the item, or ledger.ErrEntryNotFound.
	Get(ctx context.Context, id ItemID) (Item, error)
	Put(ctx context.Context, it Item) error
	ListByPeriod(ctx context.Context, period ledger.PeriodKey) ([]Item, error)
}

// =============================================================================
// RENT CYCLES
// =============================================================================

// RentCycle is the current cycle's state for one (person, period) pair.
// A new cycle resets PaidAt, PaidInGrace, LateCount and NSFCount.
type RentCycle struct {
	PersonID  ledger.PersonID
	PeriodKey ledger.PeriodKey
	StartAt   time.Time
	DueAt     time.Time
	PaidAt    *time.Time

	// PaidInGrace marks a payment made after DueAt but inside the grace
	// window. It escapes the late penalty but fails the on-time gate.
	PaidInGrace bool
	LateCount   int
	NSFCount    int
}

func (c RentCycle) Paid() bool { return c.PaidAt != nil }

// OnTime reports whether the cycle satisfies the pays_on_time gate as of
// now: no late payments, no NSF events, and no grace-window payment.
func (c RentCycle) OnTime() bool {
	return c.LateCount == 0 && c.NSFCount == 0 && !c.PaidInGrace
}

type RentStore interface {
	// Current returns the open cycle for the pair, or
	// ledger.ErrEntryNotFound when none has been opened.
	Current(ctx context.Context, person ledger.PersonID, period ledger.PeriodKey) (RentCycle, error)

	// Put stores the cycle state whole.
	Put(ctx context.Context, c RentCycle) error
}

// =============================================================================
// INSURANCE
// =============================================================================

type Policy struct {
	PersonID      ledger.PersonID
	PeriodKey     ledger.PeriodKey
	EnrolledAt    time.Time
	WaitingDays   int
	PaidThrough   time.Time
	PendingCancel bool
}

// ActiveAt reports whether the policy satisfies the insured gate at t.
func (p Policy) ActiveAt(t time.Time) bool {
	if p.PendingCancel {
		return false
	}
	if t.Before(p.EnrolledAt.AddDate(0, 0, p.WaitingDays)) {
		return false
	}
	return !p.PaidThrough.Before(t)
}

type PolicyStore interface {
	// Get returns the pair's policy, or ledger.ErrEntryNotFound.
	Get(ctx context.Context, person ledger.PersonID, period ledger.PeriodKey) (Policy, error)
	Put(ctx context.Context, p Policy) error
}
