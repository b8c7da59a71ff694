/*
attendance.go - Recording and removing attendance events

PURPOSE:
  The write surface for the attendance log. Every call is scoped by an
  explicit tenant context and guard-checked before touching the store.
*/
package payroll

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tokenhub/ledger-engine/tenant"
)

// Attendance records and soft-removes events for one store.
type Attendance struct {
	events EventStore
	guard  *tenant.Guard
}

func NewAttendance(events EventStore, guard *tenant.Guard) *Attendance {
	return &Attendance{events: events, guard: guard}
}

// Record appends a manual attendance event for the scoped person.
func (a *Attendance) Record(ctx context.Context, scope tenant.Context, kind EventKind, at time.Time) (Event, error) {
	return a.record(ctx, scope, kind, at, SourceManual, false)
}

// RecordSystem appends an automation-written event. Only internal callers
// (hall-pass handling) reach this path.
func (a *Attendance) RecordSystem(ctx context.Context, scope tenant.Context, kind EventKind, at time.Time, source string) (Event, error) {
	return a.record(ctx, scope, kind, at, source, true)
}

// PassOut marks the scoped person as out of the room on a hall pass. The
// break event pauses duration pay until PassReturn.
func (a *Attendance) PassOut(ctx context.Context, scope tenant.Context, at time.Time) (Event, error) {
	return a.record(ctx, scope, KindBreak, at, SourceHallPass, true)
}

// PassReturn marks the scoped person back from a hall pass and resumes
// duration pay.
func (a *Attendance) PassReturn(ctx context.Context, scope tenant.Context, at time.Time) (Event, error) {
	return a.record(ctx, scope, KindStart, at, SourceHallPass, true)
}

func (a *Attendance) record(ctx context.Context, scope tenant.Context, kind EventKind, at time.Time, source string, system bool) (Event, error) {
	if err := a.guard.Check(scope, scope.Period); err != nil {
		return Event{}, err
	}
	if !kind.Valid() {
		return Event{}, fmt.Errorf("unknown attendance kind %q", kind)
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	e := Event{
		ID:              EventID(uuid.NewString()),
		PersonID:        scope.Person,
		PeriodKey:       scope.Period,
		Kind:            kind,
		At:              at,
		SystemGenerated: system,
		Source:          source,
	}
	return a.events.Append(ctx, e)
}

// Remove soft-removes a manual event. System-generated events are refused
// with ErrSystemEvent regardless of the caller.
func (a *Attendance) Remove(ctx context.Context, scope tenant.Context, id EventID) error {
	e, err := a.events.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := a.guard.Check(scope, e.PeriodKey); err != nil {
		return err
	}
	if e.SystemGenerated {
		return fmt.Errorf("event %s: %w", id, ErrSystemEvent)
	}
	return a.events.MarkRemoved(ctx, id)
}

// EventsSince lists the scoped person's events after a watermark.
func (a *Attendance) EventsSince(ctx context.Context, scope tenant.Context, after time.Time) ([]Event, error) {
	if err := a.guard.Check(scope, scope.Period); err != nil {
		return nil, err
	}
	return a.events.ListSince(ctx, scope.Person, scope.Period, after)
}
