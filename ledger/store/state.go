/*
state.go - In-memory implementations of the period-scoped state stores

PURPOSE:
  Memory-backed enrollments, rule params, attendance events, payroll
  watermarks, shop items, rent cycles and insurance policies. Same role as
  memory.go for the entry log; everything here is for tests and dev.
*/
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tokenhub/ledger-engine/econ"
	"github.com/tokenhub/ledger-engine/ledger"
	"github.com/tokenhub/ledger-engine/payroll"
	"github.com/tokenhub/ledger-engine/shop"
	"github.com/tokenhub/ledger-engine/tenant"
)

// =============================================================================
// ENROLLMENTS
// =============================================================================

type MemoryEnrollments struct {
	mu    sync.RWMutex
	links map[key]*tenant.Enrollment
}

func NewMemoryEnrollments() *MemoryEnrollments {
	return &MemoryEnrollments{links: make(map[key]*tenant.Enrollment)}
}

func (s *MemoryEnrollments) Enrolled(_ context.Context, person ledger.PersonID, period ledger.PeriodKey) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.links[key{Person: person, Period: period}]
	return ok && e.Active(), nil
}

func (s *MemoryEnrollments) Create(_ context.Context, person ledger.PersonID, period ledger.PeriodKey) (tenant.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{Person: person, Period: period}
	if e, ok := s.links[k]; ok && e.Active() {
		return *e, nil
	}
	e := &tenant.Enrollment{PersonID: person, PeriodKey: period, CreatedAt: time.Now().UTC()}
	s.links[k] = e
	return *e, nil
}

func (s *MemoryEnrollments) Retire(_ context.Context, person ledger.PersonID, period ledger.PeriodKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.links[key{Person: person, Period: period}]
	if !ok {
		return ledger.ErrEntryNotFound
	}
	if e.RetiredAt == nil {
		now := time.Now().UTC()
		e.RetiredAt = &now
	}
	return nil
}

func (s *MemoryEnrollments) ListByPerson(_ context.Context, person ledger.PersonID) ([]tenant.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []tenant.Enrollment
	for k, e := range s.links {
		if k.Person == person && e.Active() {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodKey < out[j].PeriodKey })
	return out, nil
}

func (s *MemoryEnrollments) ListByPeriod(_ context.Context, period ledger.PeriodKey) ([]tenant.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []tenant.Enrollment
	for k, e := range s.links {
		if k.Period == period && e.Active() {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PersonID < out[j].PersonID })
	return out, nil
}

// =============================================================================
// RULE PARAMS
// =============================================================================

type MemoryParams struct {
	mu      sync.RWMutex
	records map[ledger.PeriodKey]econ.Params
}

func NewMemoryParams() *MemoryParams {
	return &MemoryParams{records: make(map[ledger.PeriodKey]econ.Params)}
}

func (s *MemoryParams) Get(_ context.Context, period ledger.PeriodKey) (econ.Params, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.records[period]
	if !ok {
		return econ.Params{}, ledger.ErrUnknownPeriod
	}
	return p, nil
}

func (s *MemoryParams) Put(_ context.Context, p econ.Params) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.records[p.PeriodKey]
	if ok {
		p.Version = prev.Version + 1
	} else if p.Version == 0 {
		p.Version = 1
	}
	p.UpdatedAt = time.Now().UTC()
	s.records[p.PeriodKey] = p
	return nil
}

func (s *MemoryParams) Periods(_ context.Context) ([]ledger.PeriodKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ledger.PeriodKey, 0, len(s.records))
	for k := range s.records {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// =============================================================================
// ATTENDANCE EVENTS + WATERMARKS
// =============================================================================

type MemoryAttendance struct {
	mu         sync.RWMutex
	events     map[key][]payroll.Event
	byID       map[payroll.EventID]*payroll.Event
	watermarks map[key]time.Time
}

func NewMemoryAttendance() *MemoryAttendance {
	return &MemoryAttendance{
		events:     make(map[key][]payroll.Event),
		byID:       make(map[payroll.EventID]*payroll.Event),
		watermarks: make(map[key]time.Time),
	}
}

func (s *MemoryAttendance) Append(_ context.Context, e payroll.Event) (payroll.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = payroll.EventID(uuid.NewString())
	}
	k := key{Person: e.PersonID, Period: e.PeriodKey}
	es := s.events[k]

	i := sort.Search(len(es), func(i int) bool { return es[i].At.After(e.At) })
	es = append(es, payroll.Event{})
	copy(es[i+1:], es[i:])
	es[i] = e
	s.events[k] = es

	// Reindex pointers; the insert shifted everything after i.
	for j := range s.events[k] {
		s.byID[s.events[k][j].ID] = &s.events[k][j]
	}
	return e, nil
}

func (s *MemoryAttendance) Get(_ context.Context, id payroll.EventID) (payroll.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return payroll.Event{}, ledger.ErrEntryNotFound
	}
	return *e, nil
}

func (s *MemoryAttendance) ListSince(_ context.Context, person ledger.PersonID, period ledger.PeriodKey, after time.Time) ([]payroll.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []payroll.Event
	for _, e := range s.events[key{Person: person, Period: period}] {
		if e.Removed {
			continue
		}
		if !after.IsZero() && !e.At.After(after) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *MemoryAttendance) MarkRemoved(_ context.Context, id payroll.EventID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return ledger.ErrEntryNotFound
	}
	e.Removed = true
	return nil
}

func (s *MemoryAttendance) Watermark(_ context.Context, person ledger.PersonID, period ledger.PeriodKey) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watermarks[key{Person: person, Period: period}], nil
}

func (s *MemoryAttendance) SetWatermark(_ context.Context, person ledger.PersonID, period ledger.PeriodKey, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{Person: person, Period: period}
	if at.After(s.watermarks[k]) {
		s.watermarks[k] = at
	}
	return nil
}

// =============================================================================
// SHOP STATE
// =============================================================================

type MemoryShop struct {
	mu       sync.RWMutex
	items    map[shop.ItemID]shop.Item
	cycles   map[key]shop.RentCycle
	policies map[key]shop.Policy
}

func NewMemoryShop() *MemoryShop {
	return &MemoryShop{
		items:    make(map[shop.ItemID]shop.Item),
		cycles:   make(map[key]shop.RentCycle),
		policies: make(map[key]shop.Policy),
	}
}

func (s *MemoryShop) Get(_ context.Context, id shop.ItemID) (shop.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	if !ok {
		return shop.Item{}, ledger.ErrEntryNotFound
	}
	return it, nil
}

func (s *MemoryShop) Put(_ context.Context, it shop.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it.ID == "" {
		it.ID = shop.ItemID(uuid.NewString())
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = time.Now().UTC()
	}
	s.items[it.ID] = it
	return nil
}

func (s *MemoryShop) ListByPeriod(_ context.Context, period ledger.PeriodKey) ([]shop.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []shop.Item
	for _, it := range s.items {
		if it.PeriodKey == period {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type MemoryRent struct {
	shop *MemoryShop
}

func (s *MemoryShop) Rent() *MemoryRent { return &MemoryRent{shop: s} }

func (r *MemoryRent) Current(_ context.Context, person ledger.PersonID, period ledger.PeriodKey) (shop.RentCycle, error) {
	r.shop.mu.RLock()
	defer r.shop.mu.RUnlock()
	c, ok := r.shop.cycles[key{Person: person, Period: period}]
	if !ok {
		return shop.RentCycle{}, ledger.ErrEntryNotFound
	}
	return c, nil
}

func (r *MemoryRent) Put(_ context.Context, c shop.RentCycle) error {
	r.shop.mu.Lock()
	defer r.shop.mu.Unlock()
	r.shop.cycles[key{Person: c.PersonID, Period: c.PeriodKey}] = c
	return nil
}

type MemoryPolicies struct {
	shop *MemoryShop
}

func (s *MemoryShop) Policies() *MemoryPolicies { return &MemoryPolicies{shop: s} }

func (p *MemoryPolicies) Get(_ context.Context, person ledger.PersonID, period ledger.PeriodKey) (shop.Policy, error) {
	p.shop.mu.RLock()
	defer p.shop.mu.RUnlock()
	pol, ok := p.shop.policies[key{Person: person, Period: period}]
	if !ok {
		return shop.Policy{}, ledger.ErrEntryNotFound
	}
	return pol, nil
}

func (p *MemoryPolicies) Put(_ context.Context, pol shop.Policy) error {
	p.shop.mu.Lock()
	defer p.shop.mu.Unlock()
	p.shop.policies[key{Person: pol.PersonID, Period: pol.PeriodKey}] = pol
	return nil
}
