/*
ledger.go - Append-only entry log with void-by-reference

PURPOSE:
  The Ledger is the immutable source of truth for every balance change in
  a class economy. Balance is always computed by replaying entries.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. TENANT-SCOPED: Every entry belongs to exactly one (person, period);
     appends for periods without a live enrollment are refused.
  3. IDEMPOTENT: A duplicate ReferenceID is a no-op returning the prior
     entry, so payroll and interest postings are safe to retry.
  4. AUDITABLE: Voided entries remain queryable forever.

CORRECTIONS:
  A mistake is never edited. Void(id) appends a zero-amount marker entry
  with VoidOf set; derivation then excludes the original entirely. Voiding
  an already-voided entry fails with ErrAlreadyVoided.

SEE ALSO:
  - store.go: Persistence interfaces
  - bank: Balance derivation (the fold lives there)
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// LEDGER
// =============================================================================

// Ledger validates and appends entries. It owns no state beyond its store
// and the enrollment gate.
type Ledger struct {
	store       Store
	enrollments EnrollmentChecker
}

func New(store Store, enrollments EnrollmentChecker) *Ledger {
	return &Ledger{store: store, enrollments: enrollments}
}

// Store exposes the underlying store for direct entry lookups.
func (l *Ledger) Store() Store { return l.store }

// History returns every entry for one (person, period), ordered by Seq.
// This is the full-replay read behind balance derivation.
func (l *Ledger) History(ctx context.Context, person PersonID, period PeriodKey) ([]Entry, error) {
	return l.store.Load(ctx, person, period)
}

// Append validates and persists one entry.
//
// Validation: non-empty period key, live enrollment, valid account, and a
// type other than EntryVoid (void markers only come from Void). A duplicate
// non-empty ReferenceID returns the previously stored entry with no error
// and no new write.
func (l *Ledger) Append(ctx context.Context, e Entry) (Entry, error) {
	if err := l.validate(ctx, &e); err != nil {
		return Entry{}, err
	}
	if e.Type == EntryVoid {
		return Entry{}, fmt.Errorf("void markers must be created via Void")
	}

	stored, err := l.store.Append(ctx, e)
	if errors.Is(err, ErrDuplicateReference) {
		return l.store.FindByReference(ctx, e.ReferenceID)
	}
	return stored, err
}

// AppendBatch validates and persists entries atomically. Used by payroll
// runs and transfer pairs: either every fresh entry lands or none do.
// Entries whose ReferenceID is already stored are returned as-is without a
// new write, matching Append's duplicate semantics.
//
// When the store supports transactions the duplicate scan and the append
// share one boundary, so a mid-batch failure leaves nothing behind.
func (l *Ledger) AppendBatch(ctx context.Context, es []Entry) ([]Entry, error) {
	for i := range es {
		if err := l.validate(ctx, &es[i]); err != nil {
			return nil, err
		}
	}

	var out []Entry
	if tx, ok := l.store.(TxStore); ok {
		err := tx.WithTx(ctx, func(s Store) error {
			var inner error
			out, inner = appendBatchOn(ctx, s, es)
			return inner
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return appendBatchOn(ctx, l.store, es)
}

func appendBatchOn(ctx context.Context, s Store, es []Entry) ([]Entry, error) {
	out := make([]Entry, len(es))
	fresh := make([]Entry, 0, len(es))
	freshIdx := make([]int, 0, len(es))
	for i, e := range es {
		if e.ReferenceID != "" {
			prior, err := s.FindByReference(ctx, e.ReferenceID)
			if err == nil {
				out[i] = prior
				continue
			}
			if !errors.Is(err, ErrEntryNotFound) {
				return nil, err
			}
		}
		fresh = append(fresh, e)
		freshIdx = append(freshIdx, i)
	}
	if len(fresh) > 0 {
		stored, err := s.AppendBatch(ctx, fresh)
		if err != nil {
			return nil, err
		}
		for j, e := range stored {
			out[freshIdx[j]] = e
		}
	}
	return out, nil
}

// Void appends a compensating marker for an existing entry. The original
// stays in the ledger and stays queryable; derivation excludes it from that
// point on. System rules:
//   - the original must exist (ErrEntryNotFound)
//   - void markers themselves cannot be voided
//   - a second void of the same entry fails with ErrAlreadyVoided
func (l *Ledger) Void(ctx context.Context, id EntryID, actor, actorType, reason string) (Entry, error) {
	original, err := l.store.Get(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	if original.Type == EntryVoid {
		return Entry{}, fmt.Errorf("cannot void a void marker: %w", ErrAlreadyVoided)
	}
	voided, err := l.store.HasVoid(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	if voided {
		return Entry{}, ErrAlreadyVoided
	}

	marker := Entry{
		ID:          NewEntryID(),
		PersonID:    original.PersonID,
		PeriodKey:   original.PeriodKey,
		Type:        EntryVoid,
		Account:     original.Account,
		Amount:      ZeroAmount(),
		Unit:        Unit,
		Description: reason,
		VoidOf:      id,
		Actor:       actor,
		ActorType:   actorType,
		CreatedAt:   time.Now().UTC(),
	}
	stored, err := l.store.Append(ctx, marker)
	if errors.Is(err, ErrDuplicateReference) {
		// A concurrent void won the race between HasVoid and Append; the
		// store's single-marker constraint caught the loser.
		return Entry{}, fmt.Errorf("entry %s: %w", id, ErrAlreadyVoided)
	}
	return stored, err
}

// EntriesFor returns the ordered, restartable entry sequence for exactly
// one (person, period). The store guarantees nothing outside the period is
// ever returned.
func (l *Ledger) EntriesFor(ctx context.Context, person PersonID, period PeriodKey, f Filter) ([]Entry, error) {
	return l.store.List(ctx, person, period, f)
}

func (l *Ledger) validate(ctx context.Context, e *Entry) error {
	if e.PeriodKey == "" {
		return fmt.Errorf("entry has empty period key: %w", ErrUnknownPeriod)
	}
	if e.PersonID == "" {
		return fmt.Errorf("entry has empty person id")
	}
	if !e.Account.Valid() {
		return fmt.Errorf("invalid account %q", e.Account)
	}
	ok, err := l.enrollments.Enrolled(ctx, e.PersonID, e.PeriodKey)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no enrollment for person %s in period %s: %w",
			e.PersonID, e.PeriodKey, ErrUnknownPeriod)
	}
	if e.ID == "" {
		e.ID = NewEntryID()
	}
	if e.Unit == "" {
		e.Unit = Unit
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return nil
}

// NewEntryID mints a fresh entry identifier.
func NewEntryID() EntryID { return EntryID(uuid.NewString()) }

// Voided returns the set of entry IDs excluded by void markers in es.
// Shared by every fold over a ledger slice.
func Voided(es []Entry) map[EntryID]bool {
	voided := make(map[EntryID]bool)
	for _, e := range es {
		if e.Type == EntryVoid && e.VoidOf != "" {
			voided[e.VoidOf] = true
		}
	}
	return voided
}
