/*
types.go - Attendance events and payroll run records

PURPOSE:
  Attendance is the second append-only log in the system, mirroring the
  ledger's contract: events are never updated, removal is a soft flag, and
  every event carries the period key it belongs to.

EVENT KINDS:
  Duration mode uses start/break/done pairs; presence mode uses
  present/absent/late day marks. The two sets never mix within a period;
  the period's payroll mode decides which kinds are meaningful.

SYSTEM EVENTS:
  Hall-pass automation writes break/start pairs with SystemGenerated set.
  Those events refuse manual removal by any caller.

SEE ALSO:
  - convert.go: Pure pay computation over event slices
  - run.go: Atomic payroll runs with watermark resume
*/
package payroll

import (
	"context"
	"errors"
	"time"

	"github.com/tokenhub/ledger-engine/ledger"
)

// =============================================================================
// EVENTS
// =============================================================================

type EventID string

type EventKind string

const (
	// Duration mode.
	KindStart EventKind = "start"
	KindBreak EventKind = "break"
	KindDone  EventKind = "done"

	// Presence mode.
	KindPresent EventKind = "present"
	KindAbsent  EventKind = "absent"
	KindLate    EventKind = "late"
)

func (k EventKind) Valid() bool {
	switch k {
	case KindStart, KindBreak, KindDone, KindPresent, KindAbsent, KindLate:
		return true
	}
	return false
}

// DurationKind reports whether k belongs to the duration-mode set.
func (k EventKind) DurationKind() bool {
	return k == KindStart || k == KindBreak || k == KindDone
}

const (
	SourceManual   = "manual"
	SourceHallPass = "hall_pass"
)

// Event is one immutable attendance fact.
type Event struct {
	ID        EventID
	PersonID  ledger.PersonID
	PeriodKey ledger.PeriodKey
	Kind      EventKind
	At        time.Time

	// SystemGenerated marks events written by automation (hall passes).
	// They cannot be removed manually.
	SystemGenerated bool
	Source          string

	// Removed is the soft-removal flag. Removed events are excluded from
	// every listing and computation but stay on record.
	Removed bool
}

// ErrSystemEvent rejects manual removal of automation-written events.
var ErrSystemEvent = errors.New("system-generated attendance event cannot be removed")

// =============================================================================
// STORES
// =============================================================================

// EventStore persists attendance events. Append-only: the only mutation is
// the soft Removed flag.
type EventStore interface {
	// Append stores the event, assigning an ID when empty.
	Append(ctx context.Context, e Event) (Event, error)

	// Get returns one event by ID, or ledger.ErrEntryNotFound.
	Get(ctx context.Context, id EventID) (Event, error)

	// ListSince returns the person's non-removed events in the period with
	// At strictly after the given time, ordered by At ascending. A zero
	// time returns the full history.
	ListSince(ctx context.Context, person ledger.PersonID, period ledger.PeriodKey, after time.Time) ([]Event, error)

	// MarkRemoved sets the soft-removal flag.
	MarkRemoved(ctx context.Context, id EventID) error
}

// RunStore persists per-(person, period) payroll watermarks: the timestamp
// of the last event covered by a posted run.
type RunStore interface {
	// Watermark returns the stored watermark, or the zero time when no run
	// has covered the pair yet.
	Watermark(ctx context.Context, person ledger.PersonID, period ledger.PeriodKey) (time.Time, error)

	// SetWatermark advances the watermark. Never moves backwards.
	SetWatermark(ctx context.Context, person ledger.PersonID, period ledger.PeriodKey, at time.Time) error
}

// =============================================================================
// RUN RESULTS
// =============================================================================

type RunFailure struct {
	PersonID ledger.PersonID `json:"person_id"`
	Reason   string          `json:"reason"`
}

// RunResult reports one payroll run. A run with Failures posted nothing.
type RunResult struct {
	PeriodKey   ledger.PeriodKey `json:"period_key"`
	PostedCount int              `json:"posted_count"`
	Failures    []RunFailure     `json:"failures,omitempty"`
}
