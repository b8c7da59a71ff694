/*
locks.go - Serialization primitives for account and period mutation

PURPOSE:
  Per-(person, period) account mutation must be serializable: two
  concurrent transfers or purchases touching the same accounts must not
  interleave between "read fresh balance" and "append". Batch jobs
  (payroll, interest) must be mutually exclusive per period while still
  running alongside individual purchases.

  AccountLocks hands out one mutex per (person, period) pair.
  PeriodLocks hands out one mutex per period for batch jobs; payroll and
  interest posting share the same registry, so they exclude each other.

  With the SQLite store this is the whole story (single writer). A
  PostgreSQL store would use row-level or advisory locks instead, with the
  same call sites.
*/
package ledger

import "sync"

// =============================================================================
// ACCOUNT LOCKS - one mutex per (person, period)
// =============================================================================

type AccountLocks struct {
	mu    sync.Mutex
	locks map[accountKey]*sync.Mutex
}

type accountKey struct {
	Person PersonID
	Period PeriodKey
}

func NewAccountLocks() *AccountLocks {
	return &AccountLocks{locks: make(map[accountKey]*sync.Mutex)}
}

// Lock acquires the mutex for (person, period), creating it on first use.
// Callers must defer Unlock on the returned mutex.
func (a *AccountLocks) Lock(person PersonID, period PeriodKey) *sync.Mutex {
	a.mu.Lock()
	k := accountKey{Person: person, Period: period}
	m, ok := a.locks[k]
	if !ok {
		m = &sync.Mutex{}
		a.locks[k] = m
	}
	a.mu.Unlock()

	m.Lock()
	return m
}

// =============================================================================
// PERIOD LOCKS - one mutex per period for batch jobs
// =============================================================================

type PeriodLocks struct {
	mu    sync.Mutex
	locks map[PeriodKey]*sync.Mutex
}

func NewPeriodLocks() *PeriodLocks {
	return &PeriodLocks{locks: make(map[PeriodKey]*sync.Mutex)}
}

// Lock acquires the batch mutex for a period.
func (p *PeriodLocks) Lock(period PeriodKey) *sync.Mutex {
	p.mu.Lock()
	m, ok := p.locks[period]
	if !ok {
		m = &sync.Mutex{}
		p.locks[period] = m
	}
	p.mu.Unlock()

	m.Lock()
	return m
}

// TryLock attempts the batch mutex without blocking. Returns nil when
// another batch job holds the period.
func (p *PeriodLocks) TryLock(period PeriodKey) *sync.Mutex {
	p.mu.Lock()
	m, ok := p.locks[period]
	if !ok {
		m = &sync.Mutex{}
		p.locks[period] = m
	}
	p.mu.Unlock()

	if m.TryLock() {
		return m
	}
	return nil
}
