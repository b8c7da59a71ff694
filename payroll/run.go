/*
run.go - Atomic payroll runs

PURPOSE:
  One run covers every active enrollment in a period: compute each person's
  pay from events past their watermark, then post all resulting entries as
  a single batch and advance the watermarks. Any computation error aborts
  the run before anything is posted and names the failing person.

IDEMPOTENCY:
  Each posted entry carries a reference built from the person's prior
  watermark, so a re-run over the same coverage resolves to a duplicate
  reference and posts nothing. Watermarks advance only after the batch is
  stored. A crash between the two heals on the next run: the duplicate
  comes back with its original covered-through stamp, and the watermark
  advances only to that stamp so events recorded after the crash are paid
  on the following run under a fresh reference.

LOCKING:
  A run holds the period's batch lock for its whole span, so payroll and
  interest posting for one period never interleave. Individual purchases
  and transfers are unaffected.
*/
package payroll

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tokenhub/ledger-engine/econ"
	"github.com/tokenhub/ledger-engine/ledger"
	"github.com/tokenhub/ledger-engine/tenant"
)

// =============================================================================
// RUNNER
// =============================================================================

type Runner struct {
	ledger      *ledger.Ledger
	events      EventStore
	runs        RunStore
	enrollments tenant.EnrollmentStore
	params      econ.ParamsStore
	batchLocks  *ledger.PeriodLocks
	log         *zap.Logger
}

func NewRunner(l *ledger.Ledger, events EventStore, runs RunStore, enrollments tenant.EnrollmentStore, params econ.ParamsStore, batchLocks *ledger.PeriodLocks, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		ledger:      l,
		events:      events,
		runs:        runs,
		enrollments: enrollments,
		params:      params,
		batchLocks:  batchLocks,
		log:         log,
	}
}

// PayrollRef builds the idempotency reference for one person's share of a
// run. The prior watermark pins the covered interval.
func PayrollRef(period ledger.PeriodKey, person ledger.PersonID, watermark time.Time) string {
	return fmt.Sprintf("payroll:%s:%s:%d", period, person, watermark.UnixNano())
}

type personPay struct {
	person    ledger.PersonID
	amount    ledger.Amount
	watermark time.Time
	covered   time.Time
}

// Run executes one payroll run for the period.
func (r *Runner) Run(ctx context.Context, period ledger.PeriodKey) (RunResult, error) {
	result := RunResult{PeriodKey: period}

	lock := r.batchLocks.TryLock(period)
	if lock == nil {
		return result, fmt.Errorf("payroll run already in progress for period %s: %w", period, ledger.ErrConflict)
	}
	defer lock.Unlock()

	p, err := r.params.Get(ctx, period)
	if err != nil {
		return result, err
	}
	members, err := r.enrollments.ListByPeriod(ctx, period)
	if err != nil {
		return result, err
	}

	// Fan out the per-person computation. Reads only; nothing is posted
	// until every person has computed cleanly.
	var (
		mu   sync.Mutex
		pays []personPay
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, m := range members {
		m := m
		g.Go(func() error {
			pay, err := r.compute(gctx, m.PersonID, period, p)
			if err != nil {
				mu.Lock()
				result.Failures = append(result.Failures, RunFailure{PersonID: m.PersonID, Reason: err.Error()})
				mu.Unlock()
				return fmt.Errorf("person %s: %w", m.PersonID, err)
			}
			if pay.covered.IsZero() {
				return nil
			}
			mu.Lock()
			pays = append(pays, pay)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.log.Error("payroll run aborted",
			zap.String("period", string(period)),
			zap.Error(err))
		return result, fmt.Errorf("payroll run for period %s aborted, no entries posted: %w", period, err)
	}
	if len(pays) == 0 {
		return result, nil
	}

	// Zero-pay persons (absent-only streams, stray closes) post nothing
	// but still advance their watermark below.
	entries := make([]ledger.Entry, 0, len(pays))
	for _, pp := range pays {
		if !pp.amount.IsPositive() {
			continue
		}
		entries = append(entries, ledger.Entry{
			ID:          ledger.NewEntryID(),
			PersonID:    pp.person,
			PeriodKey:   period,
			Type:        ledger.EntryPayroll,
			Account:     ledger.AccountChecking,
			Amount:      pp.amount,
			Description: "payroll",
			ReferenceID: PayrollRef(period, pp.person, pp.watermark),
			Metadata:    map[string]string{"covered_through": pp.covered.UTC().Format(time.RFC3339Nano)},
			Actor:       "system",
			ActorType:   "system",
		})
	}
	// Duplicates mean a prior run posted this reference but crashed before
	// advancing the watermark. The span computed now may reach past what was
	// actually paid, so clamp the watermark to the stored entry's
	// covered-through stamp and let the next run pay the remainder.
	healed := make(map[ledger.PersonID]time.Time)
	if len(entries) > 0 {
		stored, err := r.ledger.AppendBatch(ctx, entries)
		if err != nil {
			return result, err
		}
		// Count only freshly posted entries; duplicates come back with
		// their original IDs.
		fresh := make(map[ledger.EntryID]bool, len(entries))
		for _, e := range entries {
			fresh[e.ID] = true
		}
		for _, e := range stored {
			if fresh[e.ID] {
				result.PostedCount++
				continue
			}
			if stamp, ok := e.Metadata["covered_through"]; ok {
				if t, perr := time.Parse(time.RFC3339Nano, stamp); perr == nil {
					healed[e.PersonID] = t
				}
			}
		}
	}

	for _, pp := range pays {
		target := pp.covered
		if t, ok := healed[pp.person]; ok && t.Before(target) {
			target = t
		}
		if err := r.runs.SetWatermark(ctx, pp.person, period, target); err != nil {
			return result, err
		}
	}

	r.log.Info("payroll run posted",
		zap.String("period", string(period)),
		zap.Int("posted", result.PostedCount),
		zap.Int("computed", len(pays)))
	return result, nil
}

func (r *Runner) compute(ctx context.Context, person ledger.PersonID, period ledger.PeriodKey, p econ.Params) (personPay, error) {
	watermark, err := r.runs.Watermark(ctx, person, period)
	if err != nil {
		return personPay{}, err
	}
	events, err := r.events.ListSince(ctx, person, period, watermark)
	if err != nil {
		return personPay{}, err
	}
	if len(events) == 0 {
		return personPay{person: person, amount: ledger.ZeroAmount()}, nil
	}

	var (
		amount  ledger.Amount
		covered time.Time
	)
	switch p.Mode {
	case econ.ModeDuration:
		amount, covered, err = DurationPay(events, p.RatePerMinute)
		if err != nil {
			return personPay{}, err
		}
	case econ.ModePresence:
		amount, covered = PresencePay(events, p.PresenceDayRate)
	default:
		return personPay{}, fmt.Errorf("period %s has unknown payroll mode %q", period, p.Mode)
	}
	if covered.IsZero() {
		// Nothing closed yet (an open start with no done). Leave the
		// watermark alone.
		return personPay{person: person, amount: ledger.ZeroAmount()}, nil
	}
	return personPay{person: person, amount: amount, watermark: watermark, covered: covered}, nil
}
