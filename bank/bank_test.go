package bank_test

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tokenhub/ledger-engine/bank"
	"github.com/tokenhub/ledger-engine/econ"
	"github.com/tokenhub/ledger-engine/ledger"
	"github.com/tokenhub/ledger-engine/ledger/store"
	"github.com/tokenhub/ledger-engine/tenant"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type fixture struct {
	ledger      *ledger.Ledger
	bank        *bank.Bank
	enrollments *store.MemoryEnrollments
	locks       *ledger.PeriodLocks
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	enrollments := store.NewMemoryEnrollments()
	l := ledger.New(store.NewTxMemory(), enrollments)
	guard := tenant.NewGuard(zaptest.NewLogger(t))
	return &fixture{
		ledger:      l,
		bank:        bank.New(l, guard, ledger.NewAccountLocks()),
		enrollments: enrollments,
		locks:       ledger.NewPeriodLocks(),
	}
}

func (f *fixture) enroll(t *testing.T, person, period string) tenant.Context {
	t.Helper()
	_, err := f.enrollments.Create(context.Background(), ledger.PersonID(person), ledger.PeriodKey(period))
	require.NoError(t, err)
	return tenant.Context{Person: ledger.PersonID(person), Period: ledger.PeriodKey(period)}
}

func (f *fixture) deposit(t *testing.T, scope tenant.Context, account ledger.Account, amount string) ledger.Entry {
	t.Helper()
	e, err := f.ledger.Append(context.Background(), ledger.Entry{
		PersonID:  scope.Person,
		PeriodKey: scope.Period,
		Type:      ledger.EntryReward,
		Account:   account,
		Amount:    ledger.MustParseAmount(amount),
		Actor:     "teacher-1",
		ActorType: "teacher",
	})
	require.NoError(t, err)
	return e
}

func params() econ.Params {
	return econ.Defaults("FALL24", decimal.NewFromFloat(0.25), decimal.NewFromInt(8))
}

// =============================================================================
// FOLD
// =============================================================================

func TestBalance_FoldsPerAccount(t *testing.T) {
	f := newFixture(t)
	scope := f.enroll(t, "alice", "FALL24")

	f.deposit(t, scope, ledger.AccountChecking, "30.00")
	f.deposit(t, scope, ledger.AccountChecking, "-5.00")
	f.deposit(t, scope, ledger.AccountSavings, "12.00")

	bal, err := f.bank.BalanceAsOf(context.Background(), scope, nil)
	require.NoError(t, err)
	assert.Equal(t, "25.00", bal.Checking.String())
	assert.Equal(t, "12.00", bal.Savings.String())
	assert.Equal(t, "42.00", bal.Earnings.String())
}

func TestBalance_VoidedEntryExcluded(t *testing.T) {
	f := newFixture(t)
	scope := f.enroll(t, "alice", "FALL24")

	f.deposit(t, scope, ledger.AccountChecking, "30.00")
	bad := f.deposit(t, scope, ledger.AccountChecking, "99.00")
	_, err := f.ledger.Void(context.Background(), bad.ID, "teacher-1", "teacher", "entered twice")
	require.NoError(t, err)

	bal, err := f.bank.BalanceAsOf(context.Background(), scope, nil)
	require.NoError(t, err)
	assert.Equal(t, "30.00", bal.Checking.String())
}

func TestBalance_TransferLegsDoNotCountAsEarnings(t *testing.T) {
	f := newFixture(t)
	scope := f.enroll(t, "alice", "FALL24")
	f.deposit(t, scope, ledger.AccountChecking, "50.00")

	_, err := f.bank.Transfer(context.Background(), scope,
		ledger.AccountChecking, ledger.AccountSavings, ledger.MustParseAmount("20.00"), params())
	require.NoError(t, err)

	bal, err := f.bank.BalanceAsOf(context.Background(), scope, nil)
	require.NoError(t, err)
	assert.Equal(t, "30.00", bal.Checking.String())
	assert.Equal(t, "20.00", bal.Savings.String())
	assert.Equal(t, "50.00", bal.Earnings.String())
}

// =============================================================================
// TRANSFERS
// =============================================================================

func TestTransfer_SavingsOverdraw_RejectedOutright(t *testing.T) {
	f := newFixture(t)
	scope := f.enroll(t, "alice", "FALL24")
	f.deposit(t, scope, ledger.AccountSavings, "10.00")

	p := params()
	p.OverdraftEnabled = true // overdraft never applies to savings

	_, err := f.bank.Transfer(context.Background(), scope,
		ledger.AccountSavings, ledger.AccountChecking, ledger.MustParseAmount("10.01"), p)
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	bal, err := f.bank.BalanceAsOf(context.Background(), scope, nil)
	require.NoError(t, err)
	assert.Equal(t, "10.00", bal.Savings.String())
}

func TestTransfer_CheckingOverdraw_DisabledPolicy_Rejected(t *testing.T) {
	f := newFixture(t)
	scope := f.enroll(t, "alice", "FALL24")
	f.deposit(t, scope, ledger.AccountChecking, "10.00")

	p := params()
	p.OverdraftEnabled = false

	_, err := f.bank.Transfer(context.Background(), scope,
		ledger.AccountChecking, ledger.AccountSavings, ledger.MustParseAmount("15.00"), p)

	var ife *ledger.InsufficientFundsError
	require.ErrorAs(t, err, &ife)
	assert.Equal(t, "10.00", ife.Available.String())
	assert.Equal(t, "15.00", ife.Requested.String())
}

func TestTransfer_CheckingOverdraw_EnabledPolicy_ChargesFee(t *testing.T) {
	f := newFixture(t)
	scope := f.enroll(t, "alice", "FALL24")
	f.deposit(t, scope, ledger.AccountChecking, "10.00")

	p := params()
	p.OverdraftEnabled = true
	p.OverdraftFee = ledger.MustParseAmount("2.50")

	pair, err := f.bank.Transfer(context.Background(), scope,
		ledger.AccountChecking, ledger.AccountSavings, ledger.MustParseAmount("15.00"), p)
	require.NoError(t, err)
	require.NotNil(t, pair.Fee)
	assert.Equal(t, ledger.EntryOverdraftFee, pair.Fee.Type)

	bal, err := f.bank.BalanceAsOf(context.Background(), scope, nil)
	require.NoError(t, err)
	assert.Equal(t, "-7.50", bal.Checking.String())
	assert.Equal(t, "15.00", bal.Savings.String())
}

func TestTransfer_SameAccount_Rejected(t *testing.T) {
	f := newFixture(t)
	scope := f.enroll(t, "alice", "FALL24")

	_, err := f.bank.Transfer(context.Background(), scope,
		ledger.AccountChecking, ledger.AccountChecking, ledger.MustParseAmount("1.00"), params())
	require.Error(t, err)
}

func TestTransfer_ConcurrentFullBalance_ExactlyOneSucceeds(t *testing.T) {
	f := newFixture(t)
	scope := f.enroll(t, "alice", "FALL24")
	f.deposit(t, scope, ledger.AccountChecking, "10.00")

	p := params()
	p.OverdraftEnabled = false

	const attempts = 8
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.bank.Transfer(context.Background(), scope,
				ledger.AccountChecking, ledger.AccountSavings, ledger.MustParseAmount("10.00"), p)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
		}
	}
	assert.Equal(t, 1, succeeded)

	bal, err := f.bank.BalanceAsOf(context.Background(), scope, nil)
	require.NoError(t, err)
	assert.Equal(t, "0.00", bal.Checking.String())
	assert.Equal(t, "10.00", bal.Savings.String())
}

// =============================================================================
// INTEREST POSTING
// =============================================================================

func TestPostInterest_PostsOncePerMonth(t *testing.T) {
	f := newFixture(t)
	scope := f.enroll(t, "alice", "FALL24")
	f.deposit(t, scope, ledger.AccountSavings, "120.00")

	p := params()
	p.InterestAPY = decimal.NewFromFloat(0.12) // 1% monthly

	run, err := f.bank.PostInterest(context.Background(), "FALL24", "2026-08", f.enrollments, p, f.locks)
	require.NoError(t, err)
	assert.Equal(t, 1, run.PostedCount)

	bal, err := f.bank.BalanceAsOf(context.Background(), scope, nil)
	require.NoError(t, err)
	assert.Equal(t, "121.20", bal.Savings.String())

	// Re-running the same month changes nothing.
	again, err := f.bank.PostInterest(context.Background(), "FALL24", "2026-08", f.enrollments, p, f.locks)
	require.NoError(t, err)
	assert.Equal(t, 0, again.PostedCount)
	assert.Equal(t, 1, again.SkippedCount)

	bal, err = f.bank.BalanceAsOf(context.Background(), scope, nil)
	require.NoError(t, err)
	assert.Equal(t, "121.20", bal.Savings.String())
}

func TestPostInterest_ZeroSavings_Skipped(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "alice", "FALL24")

	p := params()
	p.InterestAPY = decimal.NewFromFloat(0.12)

	run, err := f.bank.PostInterest(context.Background(), "FALL24", "2026-08", f.enrollments, p, f.locks)
	require.NoError(t, err)
	assert.Equal(t, 0, run.PostedCount)
	assert.Equal(t, 1, run.SkippedCount)
}

func TestPostInterest_ZeroRate_NoOp(t *testing.T) {
	f := newFixture(t)
	scope := f.enroll(t, "alice", "FALL24")
	f.deposit(t, scope, ledger.AccountSavings, "120.00")

	p := params()
	p.InterestAPY = decimal.Zero

	run, err := f.bank.PostInterest(context.Background(), "FALL24", "2026-08", f.enrollments, p, f.locks)
	require.NoError(t, err)
	assert.Equal(t, 0, run.PostedCount)
}

// =============================================================================
// TENANCY
// =============================================================================

func TestBalance_WrongScope_PresentsAsNotFound(t *testing.T) {
	f := newFixture(t)
	f.enroll(t, "alice", "FALL24")

	_, err := f.bank.BalanceAsOf(context.Background(), tenant.Context{Person: "alice"}, nil)
	require.Error(t, err)
}
