/*
state.go - SQLite persistence for period-scoped state

PURPOSE:
  Enrollments, rule parameters, attendance events, payroll watermarks,
  store items, rent cycles and insurance policies. Rule parameters are
  stored as one JSON document per period; the record is validated before
  it reaches Put, never on read.
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tokenhub/ledger-engine/econ"
	"github.com/tokenhub/ledger-engine/ledger"
	"github.com/tokenhub/ledger-engine/payroll"
	"github.com/tokenhub/ledger-engine/shop"
	"github.com/tokenhub/ledger-engine/tenant"
)

// =============================================================================
// ENROLLMENTS (tenant.EnrollmentStore)
// =============================================================================

func (s *Store) Enrolled(ctx context.Context, person ledger.PersonID, period ledger.PeriodKey) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM enrollments
		WHERE person_id = ? AND period_key = ? AND retired_at IS NULL`,
		person, period,
	).Scan(&count)
	return count > 0, err
}

func (s *Store) Create(ctx context.Context, person ledger.PersonID, period ledger.PeriodKey) (tenant.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO enrollments (person_id, period_key, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (person_id, period_key) DO NOTHING`,
		person, period, now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return tenant.Enrollment{}, fmt.Errorf("failed to create enrollment: %w", err)
	}
	return s.getEnrollment(ctx, person, period)
}

func (s *Store) getEnrollment(ctx context.Context, person ledger.PersonID, period ledger.PeriodKey) (tenant.Enrollment, error) {
	var (
		e         tenant.Enrollment
		createdAt string
		retiredAt sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT person_id, period_key, created_at, retired_at FROM enrollments
		WHERE person_id = ? AND period_key = ?`,
		person, period,
	).Scan(&e.PersonID, &e.PeriodKey, &createdAt, &retiredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.Enrollment{}, ledger.ErrEntryNotFound
	}
	if err != nil {
		return tenant.Enrollment{}, err
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if retiredAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, retiredAt.String)
		e.RetiredAt = &t
	}
	return e, nil
}

func (s *Store) Retire(ctx context.Context, person ledger.PersonID, period ledger.PeriodKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE enrollments SET retired_at = ?
		WHERE person_id = ? AND period_key = ? AND retired_at IS NULL`,
		time.Now().UTC().Format(time.RFC3339Nano), person, period,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ledger.ErrEntryNotFound
	}
	return nil
}

func (s *Store) ListByPerson(ctx context.Context, person ledger.PersonID) ([]tenant.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryEnrollments(ctx, `
		SELECT person_id, period_key, created_at, retired_at FROM enrollments
		WHERE person_id = ? AND retired_at IS NULL
		ORDER BY period_key`, person)
}

func (s *Store) ListByPeriod(ctx context.Context, period ledger.PeriodKey) ([]tenant.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryEnrollments(ctx, `
		SELECT person_id, period_key, created_at, retired_at FROM enrollments
		WHERE period_key = ? AND retired_at IS NULL
		ORDER BY person_id`, period)
}

func (s *Store) queryEnrollments(ctx context.Context, query string, args ...any) ([]tenant.Enrollment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query enrollments: %w", err)
	}
	defer rows.Close()

	var out []tenant.Enrollment
	for rows.Next() {
		var (
			e         tenant.Enrollment
			createdAt string
			retiredAt sql.NullString
		)
		if err := rows.Scan(&e.PersonID, &e.PeriodKey, &createdAt, &retiredAt); err != nil {
			return nil, err
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if retiredAt.Valid {
			t, _ := time.Parse(time.RFC3339Nano, retiredAt.String)
			e.RetiredAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// RULE PARAMS (econ.ParamsStore)
// =============================================================================

func (s *Store) GetParams(ctx context.Context, period ledger.PeriodKey) (econ.Params, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		configJSON string
		version    int
		updatedAt  string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT config_json, version, updated_at FROM rule_params WHERE period_key = ?",
		period,
	).Scan(&configJSON, &version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return econ.Params{}, ledger.ErrUnknownPeriod
	}
	if err != nil {
		return econ.Params{}, err
	}

	var p econ.Params
	if err := json.Unmarshal([]byte(configJSON), &p); err != nil {
		return econ.Params{}, fmt.Errorf("failed to decode params for period %s: %w", period, err)
	}
	p.PeriodKey = period
	p.Version = version
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return p, nil
}

func (s *Store) PutParams(ctx context.Context, p econ.Params) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	configJSON, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode params: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rule_params (period_key, config_json, version, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT (period_key) DO UPDATE SET
			config_json = excluded.config_json,
			version = rule_params.version + 1,
			updated_at = excluded.updated_at`,
		p.PeriodKey, string(configJSON), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *Store) Periods(ctx context.Context) ([]ledger.PeriodKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT period_key FROM rule_params ORDER BY period_key")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.PeriodKey
	for rows.Next() {
		var k ledger.PeriodKey
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// ParamsStore adapts the Store to econ.ParamsStore. The method names on
// Store itself stay distinct because Get is taken by the entry store.
func (s *Store) ParamsStore() econ.ParamsStore { return paramsView{s} }

type paramsView struct{ s *Store }

func (v paramsView) Get(ctx context.Context, period ledger.PeriodKey) (econ.Params, error) {
	return v.s.GetParams(ctx, period)
}
func (v paramsView) Put(ctx context.Context, p econ.Params) error { return v.s.PutParams(ctx, p) }
func (v paramsView) Periods(ctx context.Context) ([]ledger.PeriodKey, error) {
	return v.s.Periods(ctx)
}

// =============================================================================
// ATTENDANCE (payroll.EventStore + payroll.RunStore)
// =============================================================================

// Attendance adapts the Store to payroll's event and run stores.
func (s *Store) Attendance() *AttendanceStore { return &AttendanceStore{s: s} }

type AttendanceStore struct {
	s *Store
}

func (a *AttendanceStore) Append(ctx context.Context, e payroll.Event) (payroll.Event, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()

	_, err := a.s.db.ExecContext(ctx, `
		INSERT INTO attendance_events (id, person_id, period_key, kind, at, system_generated, source, removed)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		e.ID, e.PersonID, e.PeriodKey, e.Kind,
		e.At.UTC().Format(time.RFC3339Nano), e.SystemGenerated, e.Source,
	)
	if err != nil {
		return payroll.Event{}, fmt.Errorf("failed to append attendance event: %w", err)
	}
	return e, nil
}

func (a *AttendanceStore) Get(ctx context.Context, id payroll.EventID) (payroll.Event, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()

	var (
		e  payroll.Event
		at string
	)
	err := a.s.db.QueryRowContext(ctx, `
		SELECT id, person_id, period_key, kind, at, system_generated, source, removed
		FROM attendance_events WHERE id = ?`, id,
	).Scan(&e.ID, &e.PersonID, &e.PeriodKey, &e.Kind, &at, &e.SystemGenerated, &e.Source, &e.Removed)
	if errors.Is(err, sql.ErrNoRows) {
		return payroll.Event{}, ledger.ErrEntryNotFound
	}
	if err != nil {
		return payroll.Event{}, err
	}
	e.At, _ = time.Parse(time.RFC3339Nano, at)
	return e, nil
}

func (a *AttendanceStore) ListSince(ctx context.Context, person ledger.PersonID, period ledger.PeriodKey, after time.Time) ([]payroll.Event, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()

	query := `
		SELECT id, person_id, period_key, kind, at, system_generated, source, removed
		FROM attendance_events
		WHERE person_id = ? AND period_key = ? AND removed = 0`
	args := []any{person, period}
	if !after.IsZero() {
		query += " AND at > ?"
		args = append(args, after.UTC().Format(time.RFC3339Nano))
	}
	query += " ORDER BY at ASC"

	rows, err := a.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query attendance events: %w", err)
	}
	defer rows.Close()

	var out []payroll.Event
	for rows.Next() {
		var (
			e  payroll.Event
			at string
		)
		if err := rows.Scan(&e.ID, &e.PersonID, &e.PeriodKey, &e.Kind, &at, &e.SystemGenerated, &e.Source, &e.Removed); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (a *AttendanceStore) MarkRemoved(ctx context.Context, id payroll.EventID) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()

	res, err := a.s.db.ExecContext(ctx,
		"UPDATE attendance_events SET removed = 1 WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ledger.ErrEntryNotFound
	}
	return nil
}

func (a *AttendanceStore) Watermark(ctx context.Context, person ledger.PersonID, period ledger.PeriodKey) (time.Time, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()

	var covered int64
	err := a.s.db.QueryRowContext(ctx,
		"SELECT covered_at FROM payroll_watermarks WHERE person_id = ? AND period_key = ?",
		person, period,
	).Scan(&covered)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, covered).UTC(), nil
}

func (a *AttendanceStore) SetWatermark(ctx context.Context, person ledger.PersonID, period ledger.PeriodKey, at time.Time) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()

	// Stored as unix nanos so MAX keeps the watermark monotonic even on
	// concurrent upserts.
	_, err := a.s.db.ExecContext(ctx, `
		INSERT INTO payroll_watermarks (person_id, period_key, covered_at)
		VALUES (?, ?, ?)
		ON CONFLICT (person_id, period_key) DO UPDATE SET
			covered_at = MAX(payroll_watermarks.covered_at, excluded.covered_at)`,
		person, period, at.UnixNano(),
	)
	return err
}

// =============================================================================
// SHOP STATE (shop.ItemStore, shop.RentStore, shop.PolicyStore)
// =============================================================================

// Items adapts the Store to shop.ItemStore.
func (s *Store) Items() *ItemStore { return &ItemStore{s: s} }

type ItemStore struct {
	s *Store
}

func (is *ItemStore) Get(ctx context.Context, id shop.ItemID) (shop.Item, error) {
	is.s.mu.RLock()
	defer is.s.mu.RUnlock()

	var (
		it        shop.Item
		price     string
		createdAt string
	)
	err := is.s.db.QueryRowContext(ctx, `
		SELECT id, period_key, name, price, kind, behavior, tier, created_at
		FROM items WHERE id = ?`, id,
	).Scan(&it.ID, &it.PeriodKey, &it.Name, &price, &it.Kind, &it.Behavior, &it.Tier, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return shop.Item{}, ledger.ErrEntryNotFound
	}
	if err != nil {
		return shop.Item{}, err
	}
	it.Price = ledger.MustParseAmount(price)
	it.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return it, nil
}

func (is *ItemStore) Put(ctx context.Context, it shop.Item) error {
	is.s.mu.Lock()
	defer is.s.mu.Unlock()

	if it.CreatedAt.IsZero() {
		it.CreatedAt = time.Now().UTC()
	}
	_, err := is.s.db.ExecContext(ctx, `
		INSERT INTO items (id, period_key, name, price, kind, behavior, tier, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			price = excluded.price,
			kind = excluded.kind,
			behavior = excluded.behavior,
			tier = excluded.tier`,
		it.ID, it.PeriodKey, it.Name, it.Price.Value.String(),
		it.Kind, it.Behavior, it.Tier, it.CreatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (is *ItemStore) ListByPeriod(ctx context.Context, period ledger.PeriodKey) ([]shop.Item, error) {
	is.s.mu.RLock()
	defer is.s.mu.RUnlock()

	rows, err := is.s.db.QueryContext(ctx, `
		SELECT id, period_key, name, price, kind, behavior, tier, created_at
		FROM items WHERE period_key = ? ORDER BY name`, period)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []shop.Item
	for rows.Next() {
		var (
			it        shop.Item
			price     string
			createdAt string
		)
		if err := rows.Scan(&it.ID, &it.PeriodKey, &it.Name, &price, &it.Kind, &it.Behavior, &it.Tier, &createdAt); err != nil {
			return nil, err
		}
		it.Price = ledger.MustParseAmount(price)
		it.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, it)
	}
	return out, rows.Err()
}

// Rent adapts the Store to shop.RentStore.
func (s *Store) Rent() *RentStore { return &RentStore{s: s} }

type RentStore struct {
	s *Store
}

func (r *RentStore) Current(ctx context.Context, person ledger.PersonID, period ledger.PeriodKey) (shop.RentCycle, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var (
		c       shop.RentCycle
		startAt string
		dueAt   string
		paidAt  sql.NullString
	)
	err := r.s.db.QueryRowContext(ctx, `
		SELECT person_id, period_key, start_at, due_at, paid_at, paid_in_grace, late_count, nsf_count
		FROM rent_cycles WHERE person_id = ? AND period_key = ?`,
		person, period,
	).Scan(&c.PersonID, &c.PeriodKey, &startAt, &dueAt, &paidAt, &c.PaidInGrace, &c.LateCount, &c.NSFCount)
	if errors.Is(err, sql.ErrNoRows) {
		return shop.RentCycle{}, ledger.ErrEntryNotFound
	}
	if err != nil {
		return shop.RentCycle{}, err
	}
	c.StartAt, _ = time.Parse(time.RFC3339Nano, startAt)
	c.DueAt, _ = time.Parse(time.RFC3339Nano, dueAt)
	if paidAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, paidAt.String)
		c.PaidAt = &t
	}
	return c, nil
}

func (r *RentStore) Put(ctx context.Context, c shop.RentCycle) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	_, err := r.s.db.ExecContext(ctx, `
		INSERT INTO rent_cycles (person_id, period_key, start_at, due_at, paid_at, paid_in_grace, late_count, nsf_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (person_id, period_key) DO UPDATE SET
			start_at = excluded.start_at,
			due_at = excluded.due_at,
			paid_at = excluded.paid_at,
			paid_in_grace = excluded.paid_in_grace,
			late_count = excluded.late_count,
			nsf_count = excluded.nsf_count`,
		c.PersonID, c.PeriodKey,
		c.StartAt.UTC().Format(time.RFC3339Nano),
		c.DueAt.UTC().Format(time.RFC3339Nano),
		nullTime(c.PaidAt), c.PaidInGrace, c.LateCount, c.NSFCount,
	)
	return err
}

// Policies adapts the Store to shop.PolicyStore.
func (s *Store) Policies() *PolicyStore { return &PolicyStore{s: s} }

type PolicyStore struct {
	s *Store
}

func (p *PolicyStore) Get(ctx context.Context, person ledger.PersonID, period ledger.PeriodKey) (shop.Policy, error) {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()

	var (
		pol         shop.Policy
		enrolledAt  string
		paidThrough string
	)
	err := p.s.db.QueryRowContext(ctx, `
		SELECT person_id, period_key, enrolled_at, waiting_days, paid_through, pending_cancel
		FROM insurance_policies WHERE person_id = ? AND period_key = ?`,
		person, period,
	).Scan(&pol.PersonID, &pol.PeriodKey, &enrolledAt, &pol.WaitingDays, &paidThrough, &pol.PendingCancel)
	if errors.Is(err, sql.ErrNoRows) {
		return shop.Policy{}, ledger.ErrEntryNotFound
	}
	if err != nil {
		return shop.Policy{}, err
	}
	pol.EnrolledAt, _ = time.Parse(time.RFC3339Nano, enrolledAt)
	pol.PaidThrough, _ = time.Parse(time.RFC3339Nano, paidThrough)
	return pol, nil
}

func (p *PolicyStore) Put(ctx context.Context, pol shop.Policy) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()

	_, err := p.s.db.ExecContext(ctx, `
		INSERT INTO insurance_policies (person_id, period_key, enrolled_at, waiting_days, paid_through, pending_cancel)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (person_id, period_key) DO UPDATE SET
			waiting_days = excluded.waiting_days,
			paid_through = excluded.paid_through,
			pending_cancel = excluded.pending_cancel`,
		pol.PersonID, pol.PeriodKey,
		pol.EnrolledAt.UTC().Format(time.RFC3339Nano),
		pol.WaitingDays,
		pol.PaidThrough.UTC().Format(time.RFC3339Nano),
		pol.PendingCancel,
	)
	return err
}
