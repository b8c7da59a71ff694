/*
Package tenant resolves and enforces period-scoped access.

PURPOSE:
  The tenant key for this system is the PeriodKey (join code): one
  teacher's one class section. A student enrolled in two periods - even two
  periods owned by the same teacher - has two fully separate economies.
  This package owns:

  - Enrollment: the (person, period) link, soft-retired, never deleted
  - Context: the explicit scope every engine call must carry
  - Resolver: turns (person, selected period) into an active PeriodKey
  - Guard: the cross-cutting invariant check used by every component

NO IMPLICIT SCOPE:
  The currently-selected period is never global state. It is resolved
  explicitly per request, and the absence of an explicit selection for a
  multi-period student is itself an error (ErrAmbiguousTenantContext), not
  a silent default. The resolver never infers "most recent" or "first".

VIOLATIONS:
  A Guard failure is a programming error somewhere in calling code.
  It is logged at Error severity with full detail, and the caller receives
  a generic not-found so nothing leaks about other periods.

SEE ALSO:
  - ledger/errors.go: Sentinel errors raised here
*/
package tenant

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tokenhub/ledger-engine/ledger"
)

// =============================================================================
// ENROLLMENT - (person, period) link
// =============================================================================

// Enrollment links a person to a period. Lifecycle: created on claim/link,
// soft-retired only; never deleted while any ledger entry references the
// pair.
type Enrollment struct {
	PersonID  ledger.PersonID
	PeriodKey ledger.PeriodKey
	CreatedAt time.Time
	RetiredAt *time.Time
}

func (e Enrollment) Active() bool { return e.RetiredAt == nil }

// EnrollmentStore persists enrollments. It extends the ledger's membership
// gate with the listing the resolver needs.
type EnrollmentStore interface {
	ledger.EnrollmentChecker

	// Create links a person to a period. Creating an existing link is a
	// no-op.
	Create(ctx context.Context, person ledger.PersonID, period ledger.PeriodKey) (Enrollment, error)

	// Retire soft-retires the link. Entries referencing the pair remain.
	Retire(ctx context.Context, person ledger.PersonID, period ledger.PeriodKey) error

	// ListByPerson returns all active enrollments for a person.
	ListByPerson(ctx context.Context, person ledger.PersonID) ([]Enrollment, error)

	// ListByPeriod returns all active enrollments in a period. Used by
	// batch jobs (payroll, interest).
	ListByPeriod(ctx context.Context, period ledger.PeriodKey) ([]Enrollment, error)
}

// =============================================================================
// CONTEXT - explicit scope for every engine call
// =============================================================================

// Context is the resolved (person, period) scope. It is always passed
// explicitly; a zero value fails every guard check.
type Context struct {
	Person ledger.PersonID
	Period ledger.PeriodKey
}

func (c Context) Valid() bool { return c.Person != "" && c.Period != "" }

// =============================================================================
// RESOLVER - session selection to active period key
// =============================================================================

type Resolver struct {
	enrollments EnrollmentStore
}

func NewResolver(enrollments EnrollmentStore) *Resolver {
	return &Resolver{enrollments: enrollments}
}

// Resolve maps (person, explicitly selected period) to the active scope.
//
//   - person with no active enrollments: ErrNoActivePeriod
//   - selected == "" and exactly one enrollment: that period
//   - selected == "" and several enrollments: ErrAmbiguousTenantContext -
//     the caller must make the student pick via an explicit period switch
//   - selected set but not among the person's enrollments: ErrNoActivePeriod
func (r *Resolver) Resolve(ctx context.Context, person ledger.PersonID, selected ledger.PeriodKey) (Context, error) {
	enrollments, err := r.enrollments.ListByPerson(ctx, person)
	if err != nil {
		return Context{}, err
	}
	active := enrollments[:0]
	for _, e := range enrollments {
		if e.Active() {
			active = append(active, e)
		}
	}
	if len(active) == 0 {
		return Context{}, ledger.ErrNoActivePeriod
	}

	if selected == "" {
		if len(active) > 1 {
			return Context{}, ledger.ErrAmbiguousTenantContext
		}
		return Context{Person: person, Period: active[0].PeriodKey}, nil
	}

	for _, e := range active {
		if e.PeriodKey == selected {
			return Context{Person: person, Period: selected}, nil
		}
	}
	return Context{}, ledger.ErrNoActivePeriod
}

// =============================================================================
// GUARD - the isolation invariant
// =============================================================================

// Guard is the cross-cutting checker every component calls before touching
// period-scoped data. One instance is shared engine-wide so violations all
// funnel through the same logger.
type Guard struct {
	log *zap.Logger
}

func NewGuard(log *zap.Logger) *Guard {
	if log == nil {
		log = zap.NewNop()
	}
	return &Guard{log: log}
}

// Check verifies that the requested period matches the resolved scope.
// On mismatch it logs at Error severity and returns ErrTenancyViolation;
// callers translate that to a generic not-found.
func (g *Guard) Check(scope Context, requested ledger.PeriodKey) error {
	if !scope.Valid() {
		g.log.Error("tenancy_violation",
			zap.String("reason", "empty scope"),
			zap.String("requested_period", string(requested)),
		)
		return ledger.ErrAmbiguousTenantContext
	}
	if requested != scope.Period {
		g.log.Error("tenancy_violation",
			zap.String("person_id", string(scope.Person)),
			zap.String("scoped_period", string(scope.Period)),
			zap.String("requested_period", string(requested)),
		)
		return &ledger.TenancyViolationError{
			PersonID:  scope.Person,
			Requested: requested,
			Scoped:    scope.Period,
		}
	}
	return nil
}

// CheckEntry verifies an entry stays inside the scope before it is
// appended on the scope's behalf.
func (g *Guard) CheckEntry(scope Context, e ledger.Entry) error {
	if err := g.Check(scope, e.PeriodKey); err != nil {
		return err
	}
	if e.PersonID != scope.Person {
		g.log.Error("tenancy_violation",
			zap.String("person_id", string(scope.Person)),
			zap.String("entry_person_id", string(e.PersonID)),
			zap.String("period", string(scope.Period)),
		)
		return &ledger.TenancyViolationError{
			PersonID:  scope.Person,
			Requested: e.PeriodKey,
			Scoped:    scope.Period,
		}
	}
	return nil
}
