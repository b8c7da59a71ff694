/*
convert.go - Pure pay computation over attendance events

PURPOSE:
  Converts an ordered slice of attendance events into a payable amount and
  the timestamp of the last event the computation consumed. Pure functions
  over already-filtered slices; persistence and locking live in run.go.

PAIRING (duration mode):
  A start opens an interval; the next break or done closes it. Hall-pass
  automation writes a break at tap-out and a start at tap-in, so a pass
  window is simply a closed interval followed by a reopened one and pauses
  accrual with no special casing here. Unmatched trailing starts are left
  uncovered: the watermark only advances to closing events, so the open
  interval is picked up once its done arrives.
*/
package payroll

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tokenhub/ledger-engine/ledger"
)

// =============================================================================
// DURATION MODE
// =============================================================================

// DurationPay sums paired start->break/done intervals and multiplies by the
// per-minute rate. Events must be ordered by At ascending and already
// filtered past the watermark. Returns the pay, the timestamp of the last
// closing event covered, and an error on an inconsistent stream (a close
// with no matching open is tolerated as a stray; a presence kind is not).
func DurationPay(events []Event, ratePerMinute decimal.Decimal) (ledger.Amount, time.Time, error) {
	var (
		minutes decimal.Decimal
		openAt  time.Time
		open    bool
		covered time.Time
	)
	for _, e := range events {
		if !e.Kind.DurationKind() {
			return ledger.ZeroAmount(), time.Time{}, fmt.Errorf("presence event %s in duration-mode stream for person %s", e.Kind, e.PersonID)
		}
		switch e.Kind {
		case KindStart:
			if !open {
				openAt = e.At
				open = true
			}
		case KindBreak, KindDone:
			if !open {
				// Stray close, usually a break after a done. Skip it but
				// still cover it so re-runs do not re-read it forever.
				covered = e.At
				continue
			}
			elapsed := e.At.Sub(openAt)
			if elapsed > 0 {
				minutes = minutes.Add(decimal.NewFromFloat(elapsed.Minutes()))
			}
			open = false
			covered = e.At
		}
	}
	pay := ledger.Amount{Value: minutes.Mul(ratePerMinute).Round(2)}
	return pay, covered, nil
}

// =============================================================================
// PRESENCE MODE
// =============================================================================

// PresencePay counts present events and multiplies by the flat day rate.
// Absent and late marks advance coverage without paying. Hall-pass events
// never affect a presence-mode day, so duration kinds in the stream are
// covered and ignored rather than rejected.
func PresencePay(events []Event, dayRate ledger.Amount) (ledger.Amount, time.Time) {
	var (
		days    int64
		covered time.Time
	)
	for _, e := range events {
		if e.Kind == KindPresent {
			days++
		}
		covered = e.At
	}
	pay := ledger.Amount{Value: dayRate.Value.Mul(decimal.NewFromInt(days))}
	return pay, covered
}
