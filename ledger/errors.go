/*
errors.go - Centralized error taxonomy for the engine

PURPOSE:
  All error types in one place. Domain packages wrap these with context.

ERROR CLASSES:
  1. Tenancy - cross-period access; fatal, never suppressed
  2. Financial - insufficient funds, duplicate references, void conflicts
  3. Rules - out-of-band parameters (warning), loan rejections

USAGE:
  if errors.Is(err, ledger.ErrInsufficientFunds) { ... }

SEE ALSO:
  - ledger.go: Uses these errors
  - tenant: Raises ErrTenancyViolation / ErrAmbiguousTenantContext
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrTenancyViolation means calling code attempted to read or write
	// across period keys. This is a programming error: it aborts the
	// request, is logged at the highest severity, and must never be
	// caught-and-continued. Callers surface it as a generic not-found.
	ErrTenancyViolation = errors.New("tenancy violation")

	// ErrAmbiguousTenantContext means no period was explicitly selected for
	// a person enrolled in more than one period. The engine never infers a
	// period from "most recent" or "first".
	ErrAmbiguousTenantContext = errors.New("ambiguous tenant context")

	// ErrNoActivePeriod means the acting person has no usable enrollment
	// for the requested context.
	ErrNoActivePeriod = errors.New("no active period")

	// ErrUnknownPeriod is returned when an entry names a period key with no
	// live enrollment for the person, or an empty key.
	ErrUnknownPeriod = errors.New("unknown period")

	// ErrDuplicateReference is returned by stores when an entry's
	// ReferenceID already exists. The ledger converts it into an idempotent
	// no-op returning the prior entry; it is not a user-facing error.
	ErrDuplicateReference = errors.New("duplicate reference")

	// ErrAlreadyVoided is returned when voiding an entry that already has a
	// void marker pointing at it.
	ErrAlreadyVoided = errors.New("entry already voided")

	// ErrEntryNotFound is returned when a referenced entry doesn't exist.
	ErrEntryNotFound = errors.New("entry not found")

	// ErrInsufficientFunds is returned when a transfer or purchase exceeds
	// the available balance under the period's overdraft policy.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrRuleOutOfBand marks a teacher-set economic parameter outside its
	// recommended range. Warning-class: the write proceeds with the value
	// flagged and the override recorded.
	ErrRuleOutOfBand = errors.New("rule value out of recommended range")

	// ErrConflict is returned when optimistic sequencing detects a
	// concurrent writer. Retryable.
	ErrConflict = errors.New("concurrent modification detected")

	// ErrTimeout is returned when an operation could not complete its
	// atomic append in bounded time. Nothing was written. Retryable.
	ErrTimeout = errors.New("operation timed out before commit")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError reports the shortfall for a rejected debit.
type InsufficientFundsError struct {
	PersonID  PersonID
	PeriodKey PeriodKey
	Account   Account
	Available Amount
	Requested Amount
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds in %s: available %s, requested %s",
		e.Account, e.Available, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// LoanRejectedReason enumerates why a loan issuance was refused.
type LoanRejectedReason string

const (
	LoanExcessiveInstallment LoanRejectedReason = "excessive_installment"
	LoanProjectedInsolvency  LoanRejectedReason = "projected_insolvency"
)

// LoanRejectedError is returned when a loan fails the affordability gates.
type LoanRejectedError struct {
	Reason LoanRejectedReason
	Detail string
}

func (e *LoanRejectedError) Error() string {
	return fmt.Sprintf("loan rejected: %s (%s)", e.Reason, e.Detail)
}

// TenancyViolationError carries the mismatched keys for logging. The keys
// are logged server-side only; callers see a generic not-found.
type TenancyViolationError struct {
	PersonID  PersonID
	Requested PeriodKey
	Scoped    PeriodKey
}

func (e *TenancyViolationError) Error() string {
	return fmt.Sprintf("tenancy violation for person %s: requested %q outside scope %q",
		e.PersonID, e.Requested, e.Scoped)
}

func (e *TenancyViolationError) Unwrap() error { return ErrTenancyViolation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable reports whether the operation might succeed if retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrTimeout)
}

// IsClientError reports whether the error is due to invalid caller input
// rather than an engine fault.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrAlreadyVoided) ||
		errors.Is(err, ErrUnknownPeriod) ||
		errors.Is(err, ErrNoActivePeriod) ||
		errors.Is(err, ErrAmbiguousTenantContext)
}

// IsNotFound reports whether the error indicates a missing record. Tenancy
// violations deliberately present as not-found to avoid information leaks.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEntryNotFound) || errors.Is(err, ErrTenancyViolation)
}
