/*
Package ledger provides the core append-only money ledger for the classroom
economy engine.

PURPOSE:
  This package contains the tenant-scoped types and algorithms for recording
  monetary events. Every payroll posting, purchase, transfer, rent payment,
  fine, reward, and interest credit for a student in a class period is an
  immutable Entry here. Balances are always derived by folding entries -
  there is no stored balance that can drift.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A token quantity backed by decimal.Decimal
  - Entry: An immutable ledger fact, keyed by (person, period)
  - PersonID/PeriodKey/EntryID: Type-safe identifiers
  - Account: The checking/savings sub-account an entry touches

DESIGN PRINCIPLES:
  1. Immutability: Entries are never modified, only voided by reference
  2. Precision: Uses decimal.Decimal to avoid floating-point errors
  3. Tenancy: Every entry carries its PeriodKey; it is set once and never
     changes, and no computation may mix entries across two PeriodKeys
  4. Auditability: Every entry has an actor, reference, and description

SEE ALSO:
  - ledger.go: Append/void/list operations over a Store
  - errors.go: Error taxonomy for the whole engine
  - store.go: Persistence interfaces
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Token quantity
// =============================================================================

// Unit is the currency unit for all amounts. The classroom economy has
// exactly one.
const Unit = "token"

type Amount struct {
	Value decimal.Decimal
}

func NewAmount(value float64) Amount         { return Amount{Value: decimal.NewFromFloat(value)} }
func NewAmountFromInt(value int) Amount      { return Amount{Value: decimal.NewFromInt(int64(value))} }
func ZeroAmount() Amount                     { return Amount{Value: decimal.Zero} }

func MustParseAmount(s string) Amount {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return ZeroAmount()
	}
	return Amount{Value: d}
}

func (a Amount) Add(b Amount) Amount          { return Amount{Value: a.Value.Add(b.Value)} }
func (a Amount) Sub(b Amount) Amount          { return Amount{Value: a.Value.Sub(b.Value)} }
func (a Amount) Mul(s decimal.Decimal) Amount { return Amount{Value: a.Value.Mul(s)} }
func (a Amount) Neg() Amount                  { return Amount{Value: a.Value.Neg()} }
func (a Amount) IsNegative() bool             { return a.Value.IsNegative() }
func (a Amount) IsPositive() bool             { return a.Value.IsPositive() }
func (a Amount) IsZero() bool                 { return a.Value.IsZero() }
func (a Amount) Equal(b Amount) bool          { return a.Value.Equal(b.Value) }
func (a Amount) LessThan(b Amount) bool       { return a.Value.LessThan(b.Value) }
func (a Amount) GreaterThan(b Amount) bool    { return a.Value.GreaterThan(b.Value) }
func (a Amount) GreaterThanOrEqual(b Amount) bool { return a.Value.GreaterThanOrEqual(b.Value) }
func (a Amount) Min(b Amount) Amount {
	if a.LessThan(b) {
		return a
	}
	return b
}

func (a Amount) String() string { return a.Value.StringFixed(2) }

// =============================================================================
// IDENTIFIERS
// =============================================================================

// PersonID identifies the underlying student. A person may be enrolled in
// several periods, including several owned by the same teacher.
type PersonID string

// PeriodKey is the tenant key: one teacher's one class section. It is the
// source of truth for isolation, immutable once entries reference it, and
// never reused after retirement.
type PeriodKey string

type EntryID string

// =============================================================================
// ACCOUNT - Sub-account within a (person, period) economy
// =============================================================================

type Account string

const (
	AccountChecking Account = "checking"
	AccountSavings  Account = "savings"
)

func (a Account) Valid() bool { return a == AccountChecking || a == AccountSavings }

// =============================================================================
// ENTRY - Immutable monetary fact
// =============================================================================

type EntryType string

const (
	EntryPayroll        EntryType = "payroll"
	EntryPurchase       EntryType = "purchase"
	EntryTransferDebit  EntryType = "transfer_debit"
	EntryTransferCredit EntryType = "transfer_credit"
	EntryRentPayment    EntryType = "rent_payment"
	EntryFine           EntryType = "fine"
	EntryReward         EntryType = "reward"
	EntryInterest       EntryType = "interest"
	EntryPremium        EntryType = "insurance_premium"
	EntryPayout         EntryType = "insurance_payout"
	EntryOverdraftFee   EntryType = "overdraft_fee"
	EntryVoid           EntryType = "void"
)

// Entry is one immutable fact in the ledger. Corrections are modeled as a
// new Entry of type EntryVoid carrying VoidOf; the original is never touched.
// A void marker contributes zero to every balance, and balance derivation
// excludes voided entries entirely.
type Entry struct {
	ID        EntryID
	PersonID  PersonID
	PeriodKey PeriodKey
	Type      EntryType
	Account   Account
	Amount    Amount
	Unit      string

	// Seq is assigned by the store: monotonically increasing per
	// (person, period). It orders the fold and detects write conflicts.
	Seq int64

	Description string

	// ReferenceID makes idempotency-sensitive postings safe to retry.
	// A duplicate non-empty reference is a no-op returning the prior entry.
	ReferenceID string

	// VoidOf is set only on EntryVoid markers.
	VoidOf EntryID

	Metadata map[string]string

	Actor     string
	ActorType string // "student", "teacher", "system"
	CreatedAt time.Time
}

// IsTransfer reports whether the entry is one leg of a checking/savings
// transfer. Transfer legs are excluded from lifetime earnings.
func (e Entry) IsTransfer() bool {
	return e.Type == EntryTransferDebit || e.Type == EntryTransferCredit
}

// =============================================================================
// FILTER - Read-side query options for EntriesFor
// =============================================================================

type Filter struct {
	From   *time.Time
	To     *time.Time
	Type   EntryType // zero value = all types
	Offset int
	Limit  int // 0 = no limit
}
