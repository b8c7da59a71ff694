/*
transfer.go - Atomic checking/savings transfers

PURPOSE:
  A transfer between sub-accounts is two linked entries - a debit and a
  credit sharing a pair reference - appended atomically: both or neither.

POLICY:
  - Savings may never go negative from a transfer; insufficient savings
    rejects the whole transfer (no clamping, no partial moves).
  - Checking may go negative only when the period enables overdraft, in
    which case the configured overdraft fee is appended in the same batch.
  - The balance check re-reads fresh state inside the account lock, so two
    concurrent transfers cannot both spend the same funds.
*/
package bank

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tokenhub/ledger-engine/econ"
	"github.com/tokenhub/ledger-engine/ledger"
	"github.com/tokenhub/ledger-engine/tenant"
)

// =============================================================================
// TRANSFER
// =============================================================================

// EntryPair is the two legs of a completed transfer, plus the overdraft
// fee entry when one was charged.
type EntryPair struct {
	Debit  ledger.Entry
	Credit ledger.Entry
	Fee    *ledger.Entry
}

// Transfer moves amount between the scope's checking and savings. The
// read-validate-append sequence runs under the (person, period) account
// lock; policy comes from the period's Params.
func (b *Bank) Transfer(ctx context.Context, scope tenant.Context, from, to ledger.Account, amount ledger.Amount, p econ.Params) (EntryPair, error) {
	if err := b.guard.Check(scope, scope.Period); err != nil {
		return EntryPair{}, err
	}
	if !from.Valid() || !to.Valid() || from == to {
		return EntryPair{}, fmt.Errorf("invalid transfer accounts %q -> %q", from, to)
	}
	if !amount.IsPositive() {
		return EntryPair{}, fmt.Errorf("transfer amount must be positive, got %s", amount)
	}

	lock := b.locks.Lock(scope.Person, scope.Period)
	defer lock.Unlock()

	bal, err := b.FreshBalance(ctx, scope)
	if err != nil {
		return EntryPair{}, err
	}

	overdrafting := false
	switch from {
	case ledger.AccountSavings:
		if bal.Savings.LessThan(amount) {
			return EntryPair{}, &ledger.InsufficientFundsError{
				PersonID:  scope.Person,
				PeriodKey: scope.Period,
				Account:   from,
				Available: bal.Savings,
				Requested: amount,
			}
		}
	case ledger.AccountChecking:
		if bal.Checking.LessThan(amount) {
			if !p.OverdraftEnabled {
				return EntryPair{}, &ledger.InsufficientFundsError{
					PersonID:  scope.Person,
					PeriodKey: scope.Period,
					Account:   from,
					Available: bal.Checking,
					Requested: amount,
				}
			}
			overdrafting = true
		}
	}

	now := time.Now().UTC()
	pairRef := uuid.NewString()

	debit := ledger.Entry{
		PersonID:    scope.Person,
		PeriodKey:   scope.Period,
		Type:        ledger.EntryTransferDebit,
		Account:     from,
		Amount:      amount.Neg(),
		Description: fmt.Sprintf("Transfer to %s", to),
		Metadata:    map[string]string{"transfer_pair": pairRef},
		Actor:       string(scope.Person),
		ActorType:   "student",
		CreatedAt:   now,
	}
	credit := ledger.Entry{
		PersonID:    scope.Person,
		PeriodKey:   scope.Period,
		Type:        ledger.EntryTransferCredit,
		Account:     to,
		Amount:      amount,
		Description: fmt.Sprintf("Transfer from %s", from),
		Metadata:    map[string]string{"transfer_pair": pairRef},
		Actor:       string(scope.Person),
		ActorType:   "student",
		CreatedAt:   now,
	}

	batch := []ledger.Entry{debit, credit}
	if overdrafting && p.OverdraftFee.IsPositive() {
		batch = append(batch, ledger.Entry{
			PersonID:    scope.Person,
			PeriodKey:   scope.Period,
			Type:        ledger.EntryOverdraftFee,
			Account:     ledger.AccountChecking,
			Amount:      p.OverdraftFee.Neg(),
			Description: "Overdraft fee",
			Metadata:    map[string]string{"transfer_pair": pairRef},
			Actor:       "system",
			ActorType:   "system",
			CreatedAt:   now,
		})
	}

	stored, err := b.ledger.AppendBatch(ctx, batch)
	if err != nil {
		return EntryPair{}, err
	}

	pair := EntryPair{Debit: stored[0], Credit: stored[1]}
	if len(stored) == 3 {
		pair.Fee = &stored[2]
	}
	return pair, nil
}
