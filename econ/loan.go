/*
loan.go - Loan issuance gates

PURPOSE:
  A loan is only issued when the student can plausibly service it. Two
  gates, both computed against the period's reference wage index:

  1. ExcessiveInstallment: the per-cycle installment may not exceed 40%
     of the wage index.
  2. ProjectedInsolvency: simulating the installment against expected
     payroll and recurring obligations, the projected budget may not stay
     negative for more than two consecutive cycles.

  Rejections are specific (LoanRejectedError with a reason); the engine
  never issues a partial or restructured loan on its own.
*/
package econ

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tokenhub/ledger-engine/ledger"
)

// =============================================================================
// LOAN REQUEST / DECISION
// =============================================================================

type LoanRequest struct {
	Principal  ledger.Amount
	APR        decimal.Decimal
	TermCycles int // repayment cycles (weeks)
}

type LoanDecision struct {
	Approved    bool
	Installment ledger.Amount
	TotalOwed   ledger.Amount
	// Projection holds the simulated end-of-cycle budget for each cycle.
	Projection []ledger.Amount
}

const cyclesPerYear = 52

// maxInstallmentRatio caps the installment at 40% of the wage index.
var maxInstallmentRatio = mustDecimal("0.40")

// maxConsecutiveNegativeCycles: projected budget may dip below zero for at
// most this many consecutive cycles.
const maxConsecutiveNegativeCycles = 2

// =============================================================================
// EVALUATION
// =============================================================================

// EvaluateLoan applies both gates. startingBalance is the student's current
// checking balance; expectedPayroll is the expected per-cycle pay (full
// attendance); p supplies the recurring obligations simulated alongside
// the installment.
func EvaluateLoan(req LoanRequest, p Params, startingBalance, expectedPayroll ledger.Amount) (LoanDecision, error) {
	if req.TermCycles <= 0 {
		return LoanDecision{}, fmt.Errorf("loan term must be at least one cycle, got %d", req.TermCycles)
	}
	if !req.Principal.IsPositive() {
		return LoanDecision{}, fmt.Errorf("loan principal must be positive, got %s", req.Principal)
	}

	// Simple interest over the term, spread evenly.
	term := decimal.NewFromInt(int64(req.TermCycles))
	years := term.Div(decimal.NewFromInt(cyclesPerYear))
	totalOwed := ledger.Amount{Value: req.Principal.Value.Mul(decimal.NewFromInt(1).Add(req.APR.Mul(years)))}
	installment := ledger.Amount{Value: totalOwed.Value.Div(term)}

	decision := LoanDecision{Installment: installment, TotalOwed: totalOwed}

	wi := p.WageIndex()
	maxInstallment := wi.Mul(maxInstallmentRatio)
	if installment.GreaterThan(maxInstallment) {
		return decision, &ledger.LoanRejectedError{
			Reason: ledger.LoanExcessiveInstallment,
			Detail: fmt.Sprintf("installment %s exceeds 40%% of wage index %s", installment, wi),
		}
	}

	// Per-cycle obligations scale the weekly amounts by cycle length.
	obligations := perCycleObligations(p)

	balance := startingBalance
	consecutiveNegative := 0
	for cycle := 0; cycle < req.TermCycles; cycle++ {
		balance = balance.Add(expectedPayroll).Sub(installment).Sub(obligations)
		decision.Projection = append(decision.Projection, balance)
		if balance.IsNegative() {
			consecutiveNegative++
			if consecutiveNegative > maxConsecutiveNegativeCycles {
				return decision, &ledger.LoanRejectedError{
					Reason: ledger.LoanProjectedInsolvency,
					Detail: fmt.Sprintf("projected budget negative for %d consecutive cycles at cycle %d",
						consecutiveNegative, cycle+1),
				}
			}
		} else {
			consecutiveNegative = 0
		}
	}

	decision.Approved = true
	return decision, nil
}

// perCycleObligations sums the recurring weekly charges simulated against
// the loan: rent prorated over its cycle, utilities, insurance premium.
func perCycleObligations(p Params) ledger.Amount {
	out := p.UtilityAmount.Add(p.InsurancePremium)
	if p.RentCycleDays > 0 {
		weeksPerRentCycle := decimal.NewFromInt(int64(p.RentCycleDays)).Div(decimal.NewFromInt(7))
		out = out.Add(ledger.Amount{Value: p.RentAmount.Value.Div(weeksPerRentCycle)})
	}
	return out
}
