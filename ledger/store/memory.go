// Package store provides in-memory store implementations for tests and dev.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/tokenhub/ledger-engine/ledger"
)

// =============================================================================
// MEMORY STORE - entries
// =============================================================================

type Memory struct {
	mu      sync.RWMutex
	entries map[key][]ledger.Entry
	byID    map[ledger.EntryID]ledger.Entry
	byRef   map[string]ledger.EntryID
	voided  map[ledger.EntryID]bool
}

type key struct {
	Person ledger.PersonID
	Period ledger.PeriodKey
}

func NewMemory() *Memory {
	return &Memory{
		entries: make(map[key][]ledger.Entry),
		byID:    make(map[ledger.EntryID]ledger.Entry),
		byRef:   make(map[string]ledger.EntryID),
		voided:  make(map[ledger.EntryID]bool),
	}
}

// Append adds a single entry, assigning its Seq. Append-only.
func (m *Memory) Append(_ context.Context, e ledger.Entry) (ledger.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(e)
}

// AppendBatch adds entries atomically: the duplicate check runs for the
// whole batch before anything is written.
func (m *Memory) AppendBatch(_ context.Context, es []ledger.Entry) ([]ledger.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range es {
		if e.ReferenceID != "" {
			if _, ok := m.byRef[e.ReferenceID]; ok {
				return nil, ledger.ErrDuplicateReference
			}
		}
	}
	out := make([]ledger.Entry, 0, len(es))
	for _, e := range es {
		stored, err := m.appendLocked(e)
		if err != nil {
			return nil, err
		}
		out = append(out, stored)
	}
	return out, nil
}

func (m *Memory) appendLocked(e ledger.Entry) (ledger.Entry, error) {
	if e.ReferenceID != "" {
		if _, ok := m.byRef[e.ReferenceID]; ok {
			return ledger.Entry{}, ledger.ErrDuplicateReference
		}
	}
	// One void marker per entry, matching the sqlite unique index.
	if e.Type == ledger.EntryVoid && e.VoidOf != "" && m.voided[e.VoidOf] {
		return ledger.Entry{}, ledger.ErrDuplicateReference
	}
	k := key{Person: e.PersonID, Period: e.PeriodKey}
	e.Seq = int64(len(m.entries[k]) + 1)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	m.entries[k] = append(m.entries[k], e)
	m.byID[e.ID] = e
	if e.ReferenceID != "" {
		m.byRef[e.ReferenceID] = e.ID
	}
	if e.Type == ledger.EntryVoid && e.VoidOf != "" {
		m.voided[e.VoidOf] = true
	}
	return e, nil
}

func (m *Memory) Get(_ context.Context, id ledger.EntryID) (ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byID[id]
	if !ok {
		return ledger.Entry{}, ledger.ErrEntryNotFound
	}
	return e, nil
}

func (m *Memory) FindByReference(_ context.Context, ref string) (ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byRef[ref]
	if !ok {
		return ledger.Entry{}, ledger.ErrEntryNotFound
	}
	return m.byID[id], nil
}

func (m *Memory) HasVoid(_ context.Context, id ledger.EntryID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.voided[id], nil
}

func (m *Memory) Load(_ context.Context, person ledger.PersonID, period ledger.PeriodKey) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	es := m.entries[key{Person: person, Period: period}]
	out := make([]ledger.Entry, len(es))
	copy(out, es)
	return out, nil
}

func (m *Memory) List(_ context.Context, person ledger.PersonID, period ledger.PeriodKey, f ledger.Filter) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.Entry
	for _, e := range m.entries[key{Person: person, Period: period}] {
		if f.From != nil && e.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && e.CreatedAt.After(*f.To) {
			continue
		}
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		out = append(out, e)
	}
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// =============================================================================
// TX MEMORY - snapshot/rollback transactions
// =============================================================================

// TxMemory wraps Memory with WithTx. A transaction snapshots the maps and
// restores them when fn fails; writes inside fn land directly on the
// underlying store and survive only on success.
type TxMemory struct {
	*Memory
	txMu sync.Mutex
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

func (tm *TxMemory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tm.txMu.Lock()
	defer tm.txMu.Unlock()

	snap := tm.snapshot()
	if err := fn(tm.Memory); err != nil {
		tm.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	entries map[key][]ledger.Entry
	byID    map[ledger.EntryID]ledger.Entry
	byRef   map[string]ledger.EntryID
	voided  map[ledger.EntryID]bool
}

func (tm *TxMemory) snapshot() memorySnapshot {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	s := memorySnapshot{
		entries: make(map[key][]ledger.Entry, len(tm.entries)),
		byID:    make(map[ledger.EntryID]ledger.Entry, len(tm.byID)),
		byRef:   make(map[string]ledger.EntryID, len(tm.byRef)),
		voided:  make(map[ledger.EntryID]bool, len(tm.voided)),
	}
	for k, es := range tm.entries {
		cp := make([]ledger.Entry, len(es))
		copy(cp, es)
		s.entries[k] = cp
	}
	for id, e := range tm.byID {
		s.byID[id] = e
	}
	for ref, id := range tm.byRef {
		s.byRef[ref] = id
	}
	for id, v := range tm.voided {
		s.voided[id] = v
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.entries = s.entries
	tm.byID = s.byID
	tm.byRef = s.byRef
	tm.voided = s.voided
}
