package shop_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tokenhub/ledger-engine/bank"
	"github.com/tokenhub/ledger-engine/econ"
	"github.com/tokenhub/ledger-engine/ledger"
	"github.com/tokenhub/ledger-engine/ledger/store"
	"github.com/tokenhub/ledger-engine/shop"
	"github.com/tokenhub/ledger-engine/tenant"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type fixture struct {
	ledger *ledger.Ledger
	bank   *bank.Bank
	shop   *shop.Shop
	params *store.MemoryParams
	items  *store.MemoryShop
	scope  tenant.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	enrollments := store.NewMemoryEnrollments()
	items := store.NewMemoryShop()
	params := store.NewMemoryParams()
	l := ledger.New(store.NewTxMemory(), enrollments)
	guard := tenant.NewGuard(zaptest.NewLogger(t))
	locks := ledger.NewAccountLocks()
	b := bank.New(l, guard, locks)

	p := econ.Defaults("FALL24", decimal.NewFromFloat(0.25), decimal.NewFromInt(8)) // wage index 120
	require.NoError(t, params.Put(context.Background(), p))

	_, err := enrollments.Create(context.Background(), "alice", "FALL24")
	require.NoError(t, err)

	return &fixture{
		ledger: l,
		bank:   b,
		shop:   shop.New(l, b, guard, locks, items, items.Rent(), items.Policies(), params),
		params: params,
		items:  items,
		scope:  tenant.Context{Person: "alice", Period: "FALL24"},
	}
}

func (f *fixture) deposit(t *testing.T, account ledger.Account, amount string) {
	t.Helper()
	_, err := f.ledger.Append(context.Background(), ledger.Entry{
		PersonID:  f.scope.Person,
		PeriodKey: f.scope.Period,
		Type:      ledger.EntryReward,
		Account:   account,
		Amount:    ledger.MustParseAmount(amount),
		Actor:     "teacher-1",
		ActorType: "teacher",
	})
	require.NoError(t, err)
}

func (f *fixture) addItem(t *testing.T, it shop.Item) shop.Item {
	t.Helper()
	if it.ID == "" {
		it.ID = shop.ItemID("item-" + it.Name)
	}
	it.PeriodKey = "FALL24"
	require.NoError(t, f.items.Put(context.Background(), it))
	return it
}

func (f *fixture) getParams(t *testing.T) econ.Params {
	t.Helper()
	p, err := f.params.Get(context.Background(), "FALL24")
	require.NoError(t, err)
	return p
}

func (f *fixture) putParams(t *testing.T, p econ.Params) {
	t.Helper()
	require.NoError(t, f.params.Put(context.Background(), p))
}

// =============================================================================
// DISCOUNT PIPELINE
// =============================================================================

func evalState() shop.GateState {
	return shop.GateState{
		Rent: func(context.Context) (shop.RentCycle, error) {
			return shop.RentCycle{}, ledger.ErrEntryNotFound
		},
		Policy: func(context.Context) (shop.Policy, error) {
			return shop.Policy{}, ledger.ErrEntryNotFound
		},
		Savings: func(context.Context) (ledger.Amount, error) {
			return ledger.ZeroAmount(), nil
		},
	}
}

func TestEvaluate_RentItem_NeverDiscounted(t *testing.T) {
	p := econ.Defaults("FALL24", decimal.NewFromFloat(0.25), decimal.NewFromInt(8))
	it := shop.Item{Kind: shop.KindRent, Behavior: shop.BehaviorPaysOnTime, Tier: econ.Tier3,
		Price: ledger.NewAmountFromInt(60)}

	eval, err := shop.Evaluate(context.Background(), it, p, evalState(), time.Now())
	require.NoError(t, err)
	assert.False(t, eval.Applied)
	assert.Equal(t, shop.StageItemEligibility, eval.FailedStage)
}

func TestEvaluate_NoBehavior_FailsClosed(t *testing.T) {
	p := econ.Defaults("FALL24", decimal.NewFromFloat(0.25), decimal.NewFromInt(8))
	it := shop.Item{Kind: shop.KindRegular, Behavior: shop.BehaviorNone, Tier: econ.Tier1,
		Price: ledger.NewAmountFromInt(20)}

	eval, err := shop.Evaluate(context.Background(), it, p, evalState(), time.Now())
	require.NoError(t, err)
	assert.False(t, eval.Applied)
	assert.Equal(t, shop.StageBehaviorResolution, eval.FailedStage)
	assert.NotEmpty(t, eval.Reason)
}

func TestEvaluate_SavingsBuffer_BoundaryIsInclusive(t *testing.T) {
	p := econ.Defaults("FALL24", decimal.NewFromFloat(0.25), decimal.NewFromInt(8))
	p.SavingsBufferMultiple = decimal.NewFromFloat(1.25) // threshold 150.00
	it := shop.Item{Kind: shop.KindRegular, Behavior: shop.BehaviorSavingsBuffer, Tier: econ.Tier1,
		Price: ledger.NewAmountFromInt(20)}

	state := evalState()
	state.Savings = func(context.Context) (ledger.Amount, error) {
		return ledger.MustParseAmount("149.99"), nil
	}
	eval, err := shop.Evaluate(context.Background(), it, p, state, time.Now())
	require.NoError(t, err)
	assert.False(t, eval.Applied)
	assert.Equal(t, shop.StageStudentEligibility, eval.FailedStage)

	state.Savings = func(context.Context) (ledger.Amount, error) {
		return ledger.MustParseAmount("150.00"), nil
	}
	eval, err = shop.Evaluate(context.Background(), it, p, state, time.Now())
	require.NoError(t, err)
	assert.True(t, eval.Applied)
	assert.Equal(t, "1.00", eval.Amount.String()) // 5% of 20
}

func TestEvaluate_PaysOnTime_GraceWindowPaymentFailsGate(t *testing.T) {
	p := econ.Defaults("FALL24", decimal.NewFromFloat(0.25), decimal.NewFromInt(8))
	it := shop.Item{Kind: shop.KindRegular, Behavior: shop.BehaviorPaysOnTime, Tier: econ.Tier2,
		Price: ledger.NewAmountFromInt(20)}

	paid := time.Now()
	state := evalState()
	state.Rent = func(context.Context) (shop.RentCycle, error) {
		return shop.RentCycle{PaidAt: &paid, PaidInGrace: true}, nil
	}
	eval, err := shop.Evaluate(context.Background(), it, p, state, time.Now())
	require.NoError(t, err)
	assert.False(t, eval.Applied)
	assert.Equal(t, shop.StageStudentEligibility, eval.FailedStage)
}

func TestEvaluate_PaysOnTime_CleanCyclePasses(t *testing.T) {
	p := econ.Defaults("FALL24", decimal.NewFromFloat(0.25), decimal.NewFromInt(8))
	it := shop.Item{Kind: shop.KindRegular, Behavior: shop.BehaviorPaysOnTime, Tier: econ.Tier2,
		Price: ledger.NewAmountFromInt(20)}

	paid := time.Now()
	state := evalState()
	state.Rent = func(context.Context) (shop.RentCycle, error) {
		return shop.RentCycle{PaidAt: &paid}, nil
	}
	eval, err := shop.Evaluate(context.Background(), it, p, state, time.Now())
	require.NoError(t, err)
	assert.True(t, eval.Applied)
	assert.Equal(t, "2.00", eval.Amount.String()) // 10% of 20
}

func TestEvaluate_InvalidTier_FailsClosed(t *testing.T) {
	p := econ.Defaults("FALL24", decimal.NewFromFloat(0.25), decimal.NewFromInt(8))
	it := shop.Item{Kind: shop.KindRegular, Behavior: shop.BehaviorSavingsBuffer,
		Tier: econ.DiscountTier(9), Price: ledger.NewAmountFromInt(20)}

	state := evalState()
	state.Savings = func(context.Context) (ledger.Amount, error) {
		return ledger.NewAmountFromInt(1000), nil
	}
	eval, err := shop.Evaluate(context.Background(), it, p, state, time.Now())
	require.NoError(t, err)
	assert.False(t, eval.Applied)
	assert.Equal(t, shop.StageTierResolution, eval.FailedStage)
}

func TestEvaluate_CapClampsDiscount(t *testing.T) {
	p := econ.Defaults("FALL24", decimal.NewFromFloat(0.25), decimal.NewFromInt(8))
	p.DiscountCap = ledger.NewAmountFromInt(50)
	it := shop.Item{Kind: shop.KindRegular, Behavior: shop.BehaviorSavingsBuffer, Tier: econ.Tier3,
		Price: ledger.NewAmountFromInt(400)} // 15% = 60, above cap

	state := evalState()
	state.Savings = func(context.Context) (ledger.Amount, error) {
		return ledger.NewAmountFromInt(1000), nil
	}
	eval, err := shop.Evaluate(context.Background(), it, p, state, time.Now())
	require.NoError(t, err)
	assert.True(t, eval.Applied)
	assert.True(t, eval.Capped)
	assert.Equal(t, "50.00", eval.Amount.String())
}

// =============================================================================
// PURCHASES
// =============================================================================

func TestPurchase_DebitsDiscountedPrice(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, ledger.AccountChecking, "100.00")
	f.deposit(t, ledger.AccountSavings, "200.00") // above the 180 buffer

	it := f.addItem(t, shop.Item{Name: "homework pass", Kind: shop.KindRegular,
		Behavior: shop.BehaviorSavingsBuffer, Tier: econ.Tier2, Price: ledger.NewAmountFromInt(20)})

	res, err := f.shop.Purchase(context.Background(), f.scope, it.ID)
	require.NoError(t, err)
	assert.True(t, res.DiscountApplied)
	assert.Equal(t, "2.00", res.DiscountAmount.String())
	assert.Equal(t, "-18.00", res.Entry.Amount.String())
	assert.Equal(t, "true", res.Entry.Metadata["discount_applied"])

	bal, err := f.bank.BalanceAsOf(context.Background(), f.scope, nil)
	require.NoError(t, err)
	assert.Equal(t, "82.00", bal.Checking.String())
}

func TestPurchase_NoDiscount_RecordsStageAndReason(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, ledger.AccountChecking, "100.00")

	it := f.addItem(t, shop.Item{Name: "sticker", Kind: shop.KindRegular,
		Behavior: shop.BehaviorNone, Price: ledger.NewAmountFromInt(5)})

	res, err := f.shop.Purchase(context.Background(), f.scope, it.ID)
	require.NoError(t, err)
	assert.False(t, res.DiscountApplied)
	assert.Equal(t, "false", res.Entry.Metadata["discount_applied"])
	assert.Equal(t, string(shop.StageBehaviorResolution), res.Entry.Metadata["discount_stage"])
	assert.NotEmpty(t, res.Entry.Metadata["discount_reason"])
	assert.Equal(t, "-5.00", res.Entry.Amount.String())
}

func TestPurchase_InsufficientChecking_Rejected(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, ledger.AccountChecking, "4.00")

	it := f.addItem(t, shop.Item{Name: "sticker", Kind: shop.KindRegular,
		Price: ledger.NewAmountFromInt(5)})

	_, err := f.shop.Purchase(context.Background(), f.scope, it.ID)
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	entries, err := f.ledger.EntriesFor(context.Background(), "alice", "FALL24", ledger.Filter{Type: ledger.EntryPurchase})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPurchase_UnknownItem_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.shop.Purchase(context.Background(), f.scope, "no-such-item")
	assert.True(t, ledger.IsNotFound(err))
}

// =============================================================================
// RENT
// =============================================================================

func TestPayRent_OnTime_DebitsRentOnly(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, ledger.AccountChecking, "100.00")

	entry, err := f.shop.PayRent(context.Background(), f.scope)
	require.NoError(t, err)
	assert.Equal(t, ledger.EntryRentPayment, entry.Type)

	cycle, err := f.shop.RentCycleFor(context.Background(), f.scope, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, cycle.Paid())
	assert.True(t, cycle.OnTime())

	fines, err := f.ledger.EntriesFor(context.Background(), "alice", "FALL24", ledger.Filter{Type: ledger.EntryFine})
	require.NoError(t, err)
	assert.Empty(t, fines)
}

func TestPayRent_Twice_Conflicts(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, ledger.AccountChecking, "200.00")

	_, err := f.shop.PayRent(context.Background(), f.scope)
	require.NoError(t, err)
	_, err = f.shop.PayRent(context.Background(), f.scope)
	assert.ErrorIs(t, err, ledger.ErrConflict)
}

func TestPayRent_Insufficient_CountsNSFAndPostsNothing(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, ledger.AccountChecking, "1.00")

	_, err := f.shop.PayRent(context.Background(), f.scope)
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	cycle, err := f.shop.RentCycleFor(context.Background(), f.scope, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, cycle.NSFCount)
	assert.False(t, cycle.OnTime())

	payments, err := f.ledger.EntriesFor(context.Background(), "alice", "FALL24", ledger.Filter{Type: ledger.EntryRentPayment})
	require.NoError(t, err)
	assert.Empty(t, payments)
}

func TestPayRent_PastGrace_PostsFineAndCountsLate(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, ledger.AccountChecking, "200.00")

	// Backdate the open cycle far enough that now is past due plus grace.
	p := f.getParams(t)
	cycle, err := f.shop.RentCycleFor(context.Background(), f.scope, time.Now().UTC())
	require.NoError(t, err)
	shift := time.Duration(p.RentCycleDays+p.GraceDays+1) * 24 * time.Hour
	cycle.StartAt = cycle.StartAt.Add(-shift)
	cycle.DueAt = cycle.DueAt.Add(-shift)
	require.NoError(t, f.items.Rent().Put(context.Background(), cycle))

	_, err = f.shop.PayRent(context.Background(), f.scope)
	require.NoError(t, err)

	fines, err := f.ledger.EntriesFor(context.Background(), "alice", "FALL24", ledger.Filter{Type: ledger.EntryFine})
	require.NoError(t, err)
	require.Len(t, fines, 1)
	assert.True(t, fines[0].Amount.IsNegative())

	paid, err := f.items.Rent().Current(context.Background(), "alice", "FALL24")
	require.NoError(t, err)
	assert.Equal(t, 1, paid.LateCount)
	assert.False(t, paid.OnTime())
}

// =============================================================================
// INSURANCE
// =============================================================================

func TestInsurance_WaitingPeriodDelaysGate(t *testing.T) {
	f := newFixture(t)

	pol, err := f.shop.EnrollPolicy(context.Background(), f.scope, 7)
	require.NoError(t, err)

	assert.False(t, pol.ActiveAt(pol.EnrolledAt.AddDate(0, 0, 6)))
	assert.True(t, pol.ActiveAt(pol.EnrolledAt.AddDate(0, 0, 7)))
}

func TestInsurance_DoubleEnroll_Conflicts(t *testing.T) {
	f := newFixture(t)

	_, err := f.shop.EnrollPolicy(context.Background(), f.scope, 0)
	require.NoError(t, err)
	_, err = f.shop.EnrollPolicy(context.Background(), f.scope, 0)
	assert.ErrorIs(t, err, ledger.ErrConflict)
}

func TestInsurance_PayPremium_DebitsAndExtendsCoverage(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, ledger.AccountChecking, "100.00")

	pol, err := f.shop.EnrollPolicy(context.Background(), f.scope, 0)
	require.NoError(t, err)

	entry, err := f.shop.PayPremium(context.Background(), f.scope)
	require.NoError(t, err)
	assert.Equal(t, ledger.EntryPremium, entry.Type)
	assert.True(t, entry.Amount.IsNegative())

	after, err := f.items.Policies().Get(context.Background(), "alice", "FALL24")
	require.NoError(t, err)
	assert.True(t, after.PaidThrough.After(pol.PaidThrough))
}

func TestInsurance_CancelThenPay_Refused(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, ledger.AccountChecking, "100.00")

	_, err := f.shop.EnrollPolicy(context.Background(), f.scope, 0)
	require.NoError(t, err)
	require.NoError(t, f.shop.CancelPolicy(context.Background(), f.scope))

	_, err = f.shop.PayPremium(context.Background(), f.scope)
	require.Error(t, err)
}

func TestInsurance_PendingCancel_FailsInsuredGate(t *testing.T) {
	f := newFixture(t)

	pol, err := f.shop.EnrollPolicy(context.Background(), f.scope, 0)
	require.NoError(t, err)
	require.NoError(t, f.shop.CancelPolicy(context.Background(), f.scope))

	after, err := f.items.Policies().Get(context.Background(), "alice", "FALL24")
	require.NoError(t, err)
	assert.True(t, after.PendingCancel)
	assert.False(t, after.ActiveAt(pol.EnrolledAt))
}

func TestInsurance_FileClaim_PaysLossToChecking(t *testing.T) {
	f := newFixture(t)

	_, err := f.shop.EnrollPolicy(context.Background(), f.scope, 0)
	require.NoError(t, err)

	entry, err := f.shop.FileClaim(context.Background(), f.scope, ledger.MustParseAmount("50.00"), "lost textbook")
	require.NoError(t, err)
	assert.Equal(t, ledger.EntryPayout, entry.Type)
	assert.Equal(t, "50.00", entry.Amount.String())
	assert.Equal(t, "50.00", entry.Metadata["claimed_loss"])

	bal, err := f.bank.FreshBalance(context.Background(), f.scope)
	require.NoError(t, err)
	assert.Equal(t, "50.00", bal.Checking.String())
}

func TestInsurance_FileClaim_CappedByCoverage(t *testing.T) {
	f := newFixture(t)

	_, err := f.shop.EnrollPolicy(context.Background(), f.scope, 0)
	require.NoError(t, err)

	// Defaults: coverage 240, lifetime cap 480.
	entry, err := f.shop.FileClaim(context.Background(), f.scope, ledger.MustParseAmount("500.00"), "flood")
	require.NoError(t, err)
	assert.Equal(t, "240.00", entry.Amount.String())
}

func TestInsurance_FileClaim_LifetimeCapExhausts(t *testing.T) {
	f := newFixture(t)

	_, err := f.shop.EnrollPolicy(context.Background(), f.scope, 0)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		entry, err := f.shop.FileClaim(context.Background(), f.scope, ledger.MustParseAmount("300.00"), "fire")
		require.NoError(t, err)
		assert.Equal(t, "240.00", entry.Amount.String())
	}

	_, err = f.shop.FileClaim(context.Background(), f.scope, ledger.MustParseAmount("10.00"), "fire again")
	assert.ErrorIs(t, err, ledger.ErrConflict)
}

func TestInsurance_FileClaim_WaitingPeriod_Refused(t *testing.T) {
	f := newFixture(t)

	_, err := f.shop.EnrollPolicy(context.Background(), f.scope, 30)
	require.NoError(t, err)

	_, err = f.shop.FileClaim(context.Background(), f.scope, ledger.MustParseAmount("10.00"), "too soon")
	assert.ErrorIs(t, err, ledger.ErrConflict)
}

func TestInsurance_FileClaim_NoPolicy_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.shop.FileClaim(context.Background(), f.scope, ledger.MustParseAmount("10.00"), "uninsured")
	assert.ErrorIs(t, err, ledger.ErrEntryNotFound)
}
