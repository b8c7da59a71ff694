/*
store.go - Persistence interfaces for the ledger

PURPOSE:
  Defines the contract between domain logic and the database. Stores keep
  append-only semantics: there is no Update and no Delete on entries, ever.
  Corrections happen through void markers appended like any other entry.

KEY INTERFACES:
  Store:             Entry persistence (append, load, lookup by reference)
  TxStore:           Atomic multi-write transactions
  EnrollmentChecker: Period membership check used to gate appends

SEQUENCING:
  Append assigns Seq = previous Seq for (person, period) + 1. Stores must
  make assignment and insert atomic so concurrent appends can't share a
  sequence number.

IDEMPOTENCY:
  A non-empty ReferenceID is unique per store. On conflict the store
  returns ErrDuplicateReference and writes nothing; the Ledger layer turns
  that into a no-op success carrying the prior entry.

IMPLEMENTATIONS:
  - store/sqlite: production store (WAL, unique indexes)
  - ledger/store: in-memory store for tests and dev

SEE ALSO:
  - ledger.go: The Ledger type built on these interfaces
*/
package ledger

import "context"

// =============================================================================
// STORE - Entry persistence (append-only)
// =============================================================================

type Store interface {
	// Append persists one entry, assigning its Seq. Returns the stored
	// entry, or ErrDuplicateReference if its ReferenceID already exists.
	Append(ctx context.Context, e Entry) (Entry, error)

	// AppendBatch persists entries atomically: all or none.
	AppendBatch(ctx context.Context, es []Entry) ([]Entry, error)

	// Get returns one entry by ID, or ErrEntryNotFound.
	Get(ctx context.Context, id EntryID) (Entry, error)

	// FindByReference returns the entry carrying the reference, or
	// ErrEntryNotFound.
	FindByReference(ctx context.Context, ref string) (Entry, error)

	// HasVoid reports whether a void marker references the entry.
	HasVoid(ctx context.Context, id EntryID) (bool, error)

	// Load returns all entries for exactly one (person, period), ordered
	// by Seq. Never returns entries from any other period.
	Load(ctx context.Context, person PersonID, period PeriodKey) ([]Entry, error)

	// List returns entries for (person, period) matching the filter,
	// ordered by Seq. Restartable via Offset/Limit.
	List(ctx context.Context, person PersonID, period PeriodKey, f Filter) ([]Entry, error)
}

// TxStore wraps Store with transaction support for operations that must
// read fresh state and append within one atomic boundary (transfers,
// overdraft checks, payroll runs).
type TxStore interface {
	Store

	// WithTx executes fn within a transaction. If fn returns an error the
	// transaction rolls back and nothing is visible to readers.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// ENROLLMENT CHECK - Gate for appends
// =============================================================================

// EnrollmentChecker answers whether (person, period) is a live enrollment.
// The full enrollment model lives in package tenant; the ledger needs only
// this membership test to refuse entries for unknown periods.
type EnrollmentChecker interface {
	Enrolled(ctx context.Context, person PersonID, period PeriodKey) (bool, error)
}
