/*
Package sqlite provides the SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Production persistence for the ledger, enrollments, rule parameters,
  attendance, payroll watermarks and shop state. The same patterns apply
  to PostgreSQL; only minor SQL dialect differences.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE and no DELETE statements on the entries table, ever.
  - No UPDATE on attendance_events except the soft removed flag.
  - Corrections happen through void marker entries.

KEY TABLES:
  entries:            Immutable ledger, one row per fact
  enrollments:        Person-to-period links (soft-retire only)
  rule_params:        Versioned per-period economic configuration
  attendance_events:  Append-only attendance log
  payroll_watermarks: Last covered event timestamp per (person, period)
  items:              Store items
  rent_cycles:        Current rent cycle per (person, period)
  insurance_policies: One policy per (person, period)

TENANCY:
  Every table holding person-scoped financial data carries an indexed
  period_key column. Every query filters on it; there is no cross-period
  read path in this package.

INDEXES:
  - idx_entries_person_period_seq: balance derivation (hot path)
  - idx_entries_reference: partial unique, idempotency
  - idx_entries_void_of: partial unique, at most one void per entry

WAL MODE:
  Opened with WAL for concurrent readers and crash recovery. A sync.RWMutex
  serializes writers; with PostgreSQL the database would do this instead.

MIGRATION:
  Schema is auto-migrated on New(). For production rollouts use a
  versioned migration tool.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tokenhub/ledger-engine/ledger"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (or creates) the database at dbPath and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Entries (append-only ledger)
	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		person_id TEXT NOT NULL,
		period_key TEXT NOT NULL,
		type TEXT NOT NULL,
		account TEXT NOT NULL,
		amount TEXT NOT NULL,
		unit TEXT NOT NULL,
		seq INTEGER NOT NULL,
		description TEXT,
		reference_id TEXT,
		void_of TEXT,
		metadata_json TEXT,
		actor TEXT,
		actor_type TEXT,
		created_at TEXT NOT NULL
	);

	-- Balance derivation hot path
	CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_person_period_seq
		ON entries(person_id, period_key, seq);
	CREATE INDEX IF NOT EXISTS idx_entries_period
		ON entries(period_key);
	CREATE INDEX IF NOT EXISTS idx_entries_type
		ON entries(type);

	-- Idempotency: one entry per reference
	CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_reference
		ON entries(reference_id) WHERE reference_id IS NOT NULL;

	-- At most one void marker per original entry
	CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_void_of
		ON entries(void_of) WHERE void_of IS NOT NULL;

	-- Enrollments (soft-retire only)
	CREATE TABLE IF NOT EXISTS enrollments (
		person_id TEXT NOT NULL,
		period_key TEXT NOT NULL,
		created_at TEXT NOT NULL,
		retired_at TEXT,
		PRIMARY KEY (person_id, period_key)
	);
	CREATE INDEX IF NOT EXISTS idx_enrollments_period
		ON enrollments(period_key);

	-- Rule parameters, one versioned record per period
	CREATE TABLE IF NOT EXISTS rule_params (
		period_key TEXT PRIMARY KEY,
		config_json TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL
	);

	-- Attendance events (append-only, soft removal)
	CREATE TABLE IF NOT EXISTS attendance_events (
		id TEXT PRIMARY KEY,
		person_id TEXT NOT NULL,
		period_key TEXT NOT NULL,
		kind TEXT NOT NULL,
		at TEXT NOT NULL,
		system_generated INTEGER NOT NULL DEFAULT 0,
		source TEXT,
		removed INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_attendance_person_period_at
		ON attendance_events(person_id, period_key, at);
	CREATE INDEX IF NOT EXISTS idx_attendance_period
		ON attendance_events(period_key);

	-- Payroll watermarks
	CREATE TABLE IF NOT EXISTS payroll_watermarks (
		person_id TEXT NOT NULL,
		period_key TEXT NOT NULL,
		covered_at INTEGER NOT NULL,
		PRIMARY KEY (person_id, period_key)
	);

	-- Store items
	CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		period_key TEXT NOT NULL,
		name TEXT NOT NULL,
		price TEXT NOT NULL,
		kind TEXT NOT NULL,
		behavior TEXT NOT NULL,
		tier INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_items_period
		ON items(period_key);

	-- Rent cycles, one current cycle per (person, period)
	CREATE TABLE IF NOT EXISTS rent_cycles (
		person_id TEXT NOT NULL,
		period_key TEXT NOT NULL,
		start_at TEXT NOT NULL,
		due_at TEXT NOT NULL,
		paid_at TEXT,
		paid_in_grace INTEGER NOT NULL DEFAULT 0,
		late_count INTEGER NOT NULL DEFAULT 0,
		nsf_count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (person_id, period_key)
	);

	-- Insurance policies, one per (person, period)
	CREATE TABLE IF NOT EXISTS insurance_policies (
		person_id TEXT NOT NULL,
		period_key TEXT NOT NULL,
		enrolled_at TEXT NOT NULL,
		waiting_days INTEGER NOT NULL DEFAULT 0,
		paid_through TEXT NOT NULL,
		pending_cancel INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (person_id, period_key)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ENTRY STORE (ledger.Store interface)
// =============================================================================

// execer is satisfied by both *sql.DB and *sql.Tx, so every read and write
// helper can run either directly or inside WithTx without re-entering the
// store mutex.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Append adds one entry to the ledger, assigning its Seq.
func (s *Store) Append(ctx context.Context, e ledger.Entry) (ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendOn(ctx, s.db, e)
}

func (s *Store) appendOn(ctx context.Context, db execer, e ledger.Entry) (ledger.Entry, error) {
	var maxSeq sql.NullInt64
	err := db.QueryRowContext(ctx,
		"SELECT MAX(seq) FROM entries WHERE person_id = ? AND period_key = ?",
		e.PersonID, e.PeriodKey,
	).Scan(&maxSeq)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("failed to read sequence: %w", err)
	}
	e.Seq = maxSeq.Int64 + 1
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	metadataJSON, _ := json.Marshal(e.Metadata)
	_, err = db.ExecContext(ctx, `
		INSERT INTO entries
		(id, person_id, period_key, type, account, amount, unit, seq,
		 description, reference_id, void_of, metadata_json, actor, actor_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.PersonID,
		e.PeriodKey,
		e.Type,
		e.Account,
		e.Amount.Value.String(),
		e.Unit,
		e.Seq,
		e.Description,
		nullString(e.ReferenceID),
		nullString(string(e.VoidOf)),
		string(metadataJSON),
		e.Actor,
		e.ActorType,
		e.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.Entry{}, ledger.ErrDuplicateReference
		}
		return ledger.Entry{}, fmt.Errorf("failed to append entry: %w", err)
	}
	return e, nil
}

// AppendBatch adds entries atomically: all or none.
func (s *Store) AppendBatch(ctx context.Context, es []ledger.Entry) ([]ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	out := make([]ledger.Entry, 0, len(es))
	for _, e := range es {
		stored, err := s.appendOn(ctx, sqlTx, e)
		if err != nil {
			return nil, err
		}
		out = append(out, stored)
	}
	if err := sqlTx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

const entryColumns = `id, person_id, period_key, type, account, amount, unit, seq,
	description, reference_id, void_of, metadata_json, actor, actor_type, created_at`

// Get returns one entry by ID.
func (s *Store) Get(ctx context.Context, id ledger.EntryID) (ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryOne(ctx, s.db, "SELECT "+entryColumns+" FROM entries WHERE id = ?", id)
}

// FindByReference returns the entry carrying the reference.
func (s *Store) FindByReference(ctx context.Context, ref string) (ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryOne(ctx, s.db, "SELECT "+entryColumns+" FROM entries WHERE reference_id = ?", ref)
}

// HasVoid reports whether a void marker references the entry.
func (s *Store) HasVoid(ctx context.Context, id ledger.EntryID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return hasVoidOn(ctx, s.db, id)
}

func hasVoidOn(ctx context.Context, db execer, id ledger.EntryID) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM entries WHERE void_of = ?", id,
	).Scan(&count)
	return count > 0, err
}

// Load returns all entries for exactly one (person, period), ordered by Seq.
func (s *Store) Load(ctx context.Context, person ledger.PersonID, period ledger.PeriodKey) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadOn(ctx, s.db, person, period)
}

func loadOn(ctx context.Context, db execer, person ledger.PersonID, period ledger.PeriodKey) ([]ledger.Entry, error) {
	return queryEntries(ctx, db, "SELECT "+entryColumns+` FROM entries
		WHERE person_id = ? AND period_key = ?
		ORDER BY seq ASC`, person, period)
}

// List returns filtered entries for (person, period), ordered by Seq.
func (s *Store) List(ctx context.Context, person ledger.PersonID, period ledger.PeriodKey, f ledger.Filter) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listOn(ctx, s.db, person, period, f)
}

func listOn(ctx context.Context, db execer, person ledger.PersonID, period ledger.PeriodKey, f ledger.Filter) ([]ledger.Entry, error) {
	query := "SELECT " + entryColumns + " FROM entries WHERE person_id = ? AND period_key = ?"
	args := []any{person, period}
	if f.From != nil {
		query += " AND created_at >= ?"
		args = append(args, f.From.UTC().Format(time.RFC3339Nano))
	}
	if f.To != nil {
		query += " AND created_at <= ?"
		args = append(args, f.To.UTC().Format(time.RFC3339Nano))
	}
	if f.Type != "" {
		query += " AND type = ?"
		args = append(args, f.Type)
	}
	query += " ORDER BY seq ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	} else if f.Offset > 0 {
		query += " LIMIT -1"
	}
	if f.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, f.Offset)
	}
	return queryEntries(ctx, db, query, args...)
}

func queryOne(ctx context.Context, db execer, query string, args ...any) (ledger.Entry, error) {
	es, err := queryEntries(ctx, db, query, args...)
	if err != nil {
		return ledger.Entry{}, err
	}
	if len(es) == 0 {
		return ledger.Entry{}, ledger.ErrEntryNotFound
	}
	return es[0], nil
}

func queryEntries(ctx context.Context, db execer, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (ledger.Entry, error) {
	var (
		e            ledger.Entry
		amount       string
		description  sql.NullString
		referenceID  sql.NullString
		voidOf       sql.NullString
		metadataJSON sql.NullString
		actor        sql.NullString
		actorType    sql.NullString
		createdAt    string
	)
	err := rows.Scan(
		&e.ID, &e.PersonID, &e.PeriodKey, &e.Type, &e.Account,
		&amount, &e.Unit, &e.Seq, &description, &referenceID,
		&voidOf, &metadataJSON, &actor, &actorType, &createdAt,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}

	e.Amount = ledger.MustParseAmount(amount)
	e.Description = description.String
	e.ReferenceID = referenceID.String
	e.VoidOf = ledger.EntryID(voidOf.String)
	e.Actor = actor.String
	e.ActorType = actorType.String
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)

	if metadataJSON.Valid && metadataJSON.String != "" {
		json.Unmarshal([]byte(metadataJSON.String), &e.Metadata)
	}
	return e, nil
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	view := &txView{tx: sqlTx, parent: s}
	if err := fn(view); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type txView struct {
	tx     *sql.Tx
	parent *Store
}

func (tv *txView) Append(ctx context.Context, e ledger.Entry) (ledger.Entry, error) {
	return tv.parent.appendOn(ctx, tv.tx, e)
}

func (tv *txView) AppendBatch(ctx context.Context, es []ledger.Entry) ([]ledger.Entry, error) {
	out := make([]ledger.Entry, 0, len(es))
	for _, e := range es {
		stored, err := tv.parent.appendOn(ctx, tv.tx, e)
		if err != nil {
			return nil, err
		}
		out = append(out, stored)
	}
	return out, nil
}

func (tv *txView) Get(ctx context.Context, id ledger.EntryID) (ledger.Entry, error) {
	return queryOne(ctx, tv.tx, "SELECT "+entryColumns+" FROM entries WHERE id = ?", id)
}

func (tv *txView) FindByReference(ctx context.Context, ref string) (ledger.Entry, error) {
	return queryOne(ctx, tv.tx, "SELECT "+entryColumns+" FROM entries WHERE reference_id = ?", ref)
}

func (tv *txView) HasVoid(ctx context.Context, id ledger.EntryID) (bool, error) {
	return hasVoidOn(ctx, tv.tx, id)
}

func (tv *txView) Load(ctx context.Context, person ledger.PersonID, period ledger.PeriodKey) ([]ledger.Entry, error) {
	return loadOn(ctx, tv.tx, person, period)
}

func (tv *txView) List(ctx context.Context, person ledger.PersonID, period ledger.PeriodKey, f ledger.Filter) ([]ledger.Entry, error) {
	return listOn(ctx, tv.tx, person, period, f)
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
