/*
Package bank derives balances and performs account mutations.

PURPOSE:
  The authoritative balance for a (person, period) pair is never stored;
  it is a pure fold over the non-voided ledger entries for exactly that
  pair. This package owns the fold and the two mutation paths that must be
  serialized against it: checking/savings transfers and interest posting.

THE FOLD:
  balance = sum of non-voided entry amounts per sub-account. Void markers
  contribute zero and the entries they reference are excluded entirely,
  so voiding an entry and re-deriving reproduces the pre-entry balance
  exactly. Lifetime earnings sum the positive non-transfer entries.

FRESHNESS:
  Display reads may be stale. Validation gates (overdraft checks, the
  discount pipeline's savings-buffer test) always re-read inside the same
  account lock as the write.

SEE ALSO:
  - transfer.go: Atomic two-entry transfers and overdraft policy
  - interest.go: Idempotent monthly interest batch
*/
package bank

import (
	"context"
	"time"

	"github.com/tokenhub/ledger-engine/ledger"
	"github.com/tokenhub/ledger-engine/tenant"
)

// =============================================================================
// BALANCE - derived state
// =============================================================================

type Balance struct {
	Checking ledger.Amount
	Savings  ledger.Amount
	// Earnings is the lifetime sum of positive non-transfer entries.
	Earnings ledger.Amount
}

// =============================================================================
// BANK
// =============================================================================

type Bank struct {
	ledger *ledger.Ledger
	guard  *tenant.Guard
	locks  *ledger.AccountLocks
}

func New(l *ledger.Ledger, guard *tenant.Guard, locks *ledger.AccountLocks) *Bank {
	return &Bank{ledger: l, guard: guard, locks: locks}
}

// BalanceAsOf folds the ledger for the scope's (person, period). A nil
// `at` means "now"; otherwise only entries created at or before `at`
// participate, including void markers - a later void does not rewrite a
// point-in-time statement.
func (b *Bank) BalanceAsOf(ctx context.Context, scope tenant.Context, at *time.Time) (Balance, error) {
	if err := b.guard.Check(scope, scope.Period); err != nil {
		return Balance{}, err
	}
	entries, err := b.ledger.EntriesFor(ctx, scope.Person, scope.Period, ledger.Filter{To: at})
	if err != nil {
		return Balance{}, err
	}
	return Fold(entries), nil
}

// Fold derives a Balance from one (person, period)'s entries. Pure; used
// by validation gates that already hold fresh entries.
func Fold(entries []ledger.Entry) Balance {
	voided := ledger.Voided(entries)

	var bal Balance
	bal.Checking = ledger.ZeroAmount()
	bal.Savings = ledger.ZeroAmount()
	bal.Earnings = ledger.ZeroAmount()

	for _, e := range entries {
		if e.Type == ledger.EntryVoid || voided[e.ID] {
			continue
		}
		switch e.Account {
		case ledger.AccountChecking:
			bal.Checking = bal.Checking.Add(e.Amount)
		case ledger.AccountSavings:
			bal.Savings = bal.Savings.Add(e.Amount)
		}
		if e.Amount.IsPositive() && !e.IsTransfer() {
			bal.Earnings = bal.Earnings.Add(e.Amount)
		}
	}
	return bal
}

// FreshBalance re-reads and folds inside a caller-held account lock. It is
// the validation-gate read used by transfers, interest posting and the shop
// discount pipeline; display reads go through BalanceAsOf.
func (b *Bank) FreshBalance(ctx context.Context, scope tenant.Context) (Balance, error) {
	entries, err := b.ledger.History(ctx, scope.Person, scope.Period)
	if err != nil {
		return Balance{}, err
	}
	return Fold(entries), nil
}
