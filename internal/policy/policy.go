package policy

import (
	"context"
	"errors"
	"fmt"

	sdkmath "cosmossdk.io/math"

	"github.com/elys-network/avr/internal/analyzer"
	"github.com/elys-network/avr/internal/ledger"
	"github.com/elys-network/avr/internal/logger"
	"github.com/elys-network/avr/internal/planner"
	"github.com/elys-network/avr/internal/registry"
	"github.com/elys-network/avr/internal/types"
)

const (
	ReasonStaleLedger           = "stale ledger, rebalancing blocked"
	ReasonRegistryUnavailable   = "registry unavailable"
	ReasonNoCapital             = "no capital under management"
	ReasonInactiveHoldsCapital  = "inactive validator holds capital"
	ReasonRiskThresholdExceeded = "risk threshold exceeded"
	ReasonUnassignedCapital     = "unassigned capital awaiting delegation"
	ReasonDeferredMoves         = "deferred moves pending"
	ReasonYieldImprovement      = "yield improvement available"
	ReasonNoRebalanceNeeded     = "no rebalance needed"
)

// Decision is the answer to "should the portfolio be rebalanced now", with the figures behind it.
type Decision struct {
	NeedsRebalance  bool              `json:"needs_rebalance"`
	Reason          string            `json:"reason"`
	Stale           bool              `json:"stale"`
	ManagedCapital  sdkmath.Int       `json:"managed_capital"`
	CurrentYieldBps sdkmath.LegacyDec `json:"current_yield_bps"` // Delegation-weighted yield of the ledger
	OptimalYieldBps sdkmath.LegacyDec `json:"optimal_yield_bps"` // Blended yield of the optimal distribution
	BestYieldBps    sdkmath.LegacyDec `json:"best_yield_bps"`    // Highest yield among qualifying validators
}

// View is everything a decision cycle reads: the registry, its scores, the ledger and
// the distribution the policy would move towards.
type View struct {
	Validators     []types.Validator
	Scores         []types.ValidatorScore
	Records        []types.DelegationRecord
	Parked         sdkmath.Int
	ManagedCapital sdkmath.Int
	Allocations    []types.Allocation

	// DeferredPending is set when the last executed plan was cut by MaxMovesPerCycle.
	DeferredPending bool
}

// Observe reads the registry and the ledger and scores every validator. It does not reconcile.
func Observe(ctx context.Context, l ledger.Ledger, r registry.RegistryView, params types.PolicyParameters) (View, error) {
	validators, err := registry.GetAllValidators(ctx, r)
	if err != nil {
		return View{}, err
	}
	scores, err := analyzer.CalculateValidatorScores(validators, params)
	if err != nil {
		return View{}, err
	}
	allocations, err := analyzer.ComputeOptimalDistribution(scores, params)
	if err != nil {
		return View{}, err
	}
	return View{
		Validators:     validators,
		Scores:         scores,
		Records:        l.Entries(),
		Parked:         l.Parked(),
		ManagedCapital: ledger.ManagedCapital(l),
		Allocations:    allocations,
	}, nil
}

// ShouldRebalance decides whether a rebalance is warranted. It never writes to the ledger or the
// registry, so repeated calls against unchanged state return the same decision. Every decision
// carries a reason, including when the ledger is stale. An error is returned only when the registry
// cannot be read or the parameters are invalid; the decision then still explains why.
func ShouldRebalance(ctx context.Context, l ledger.Ledger, r registry.RegistryView, params types.PolicyParameters) (Decision, error) {
	return ShouldRebalanceWithDeferred(ctx, l, r, params, false)
}

// ShouldRebalanceWithDeferred is ShouldRebalance for a caller that knows whether its last plan
// left moves behind. Pending deferred moves warrant a rebalance while a plan is still non-empty.
func ShouldRebalanceWithDeferred(ctx context.Context, l ledger.Ledger, r registry.RegistryView, params types.PolicyParameters, deferredPending bool) (Decision, error) {
	policyLogger := logger.GetForComponent("rebalance_policy")

	if err := ledger.Reconcile(ctx, l, r); err != nil {
		var stale *ledger.StaleStateError
		if errors.As(err, &stale) {
			policyLogger.Warn().Err(err).Msg("Ledger disagrees with the registry")
			return Decision{
				Reason:          fmt.Sprintf("%s: %v", ReasonStaleLedger, stale),
				Stale:           true,
				ManagedCapital:  ledger.ManagedCapital(l),
				CurrentYieldBps: sdkmath.LegacyZeroDec(),
				OptimalYieldBps: sdkmath.LegacyZeroDec(),
				BestYieldBps:    sdkmath.LegacyZeroDec(),
			}, nil
		}
		return unavailable(l, err), err
	}

	view, err := Observe(ctx, l, r, params)
	if err != nil {
		return unavailable(l, err), err
	}
	view.DeferredPending = deferredPending

	decision, err := Evaluate(view, params)
	if err != nil {
		return decision, err
	}

	policyLogger.Debug().
		Bool("needsRebalance", decision.NeedsRebalance).
		Str("reason", decision.Reason).
		Str("currentYieldBps", decision.CurrentYieldBps.String()).
		Str("bestYieldBps", decision.BestYieldBps.String()).
		Msg("Rebalance decision evaluated")

	return decision, nil
}

// Evaluate applies the decision rules to an already reconciled view, in order: no capital,
// inactive validator holding capital, risk threshold, unassigned capital, deferred moves and
// finally yield improvement.
func Evaluate(view View, params types.PolicyParameters) (Decision, error) {
	decision := Decision{
		ManagedCapital:  view.ManagedCapital,
		CurrentYieldBps: analyzer.BlendedYield(view.Records, view.Scores),
		OptimalYieldBps: analyzer.AllocationYield(view.Allocations, view.Scores),
		BestYieldBps:    analyzer.BestYield(view.Scores, params),
	}

	if view.ManagedCapital.IsNil() || view.ManagedCapital.IsZero() {
		decision.Reason = ReasonNoCapital
		return decision, nil
	}

	byValidator := analyzer.ScoresByValidator(view.Scores)

	for _, rec := range view.Records {
		if !rec.Amount.IsPositive() {
			continue
		}
		s, ok := byValidator[rec.Validator]
		if !ok || !s.IsActive {
			decision.NeedsRebalance = true
			decision.Reason = fmt.Sprintf("%s: %s", ReasonInactiveHoldsCapital, rec.Validator.Hex())
			return decision, nil
		}
	}

	for _, rec := range view.Records {
		if !rec.Amount.IsPositive() {
			continue
		}
		s := byValidator[rec.Validator]
		if s.RiskScore > params.RiskScoreThreshold {
			decision.NeedsRebalance = true
			decision.Reason = fmt.Sprintf("%s: %s (risk %d > %d)", ReasonRiskThresholdExceeded, rec.Validator.Hex(), s.RiskScore, params.RiskScoreThreshold)
			return decision, nil
		}
	}

	if !view.Parked.IsNil() && view.Parked.GT(params.DustTolerance) && len(view.Allocations) > 0 {
		decision.NeedsRebalance = true
		decision.Reason = fmt.Sprintf("%s: %s", ReasonUnassignedCapital, view.Parked)
		return decision, nil
	}

	improvement := decision.BestYieldBps.Sub(decision.CurrentYieldBps)
	yieldTriggered := improvement.GT(sdkmath.LegacyNewDec(int64(params.ApyDeltaThresholdBps)))
	if view.DeferredPending || yieldTriggered {
		// Only worth it if the portfolio is not already sitting on its target.
		plan, err := planner.BuildPlan(view.Records, view.Parked, view.Allocations, view.ManagedCapital, view.Scores, params)
		if err != nil {
			decision.Reason = fmt.Sprintf("plan could not be built: %v", err)
			return decision, err
		}
		if !plan.IsEmpty() {
			decision.NeedsRebalance = true
			if view.DeferredPending {
				decision.Reason = fmt.Sprintf("%s: %d moves", ReasonDeferredMoves, len(plan.Moves)+len(plan.Deferred))
			} else {
				decision.Reason = fmt.Sprintf("%s: +%s bps", ReasonYieldImprovement, improvement.TruncateDec().String())
			}
			return decision, nil
		}
	}

	decision.Reason = ReasonNoRebalanceNeeded
	return decision, nil
}

func unavailable(l ledger.Ledger, err error) Decision {
	return Decision{
		Reason:          fmt.Sprintf("%s: %v", ReasonRegistryUnavailable, err),
		ManagedCapital:  ledger.ManagedCapital(l),
		CurrentYieldBps: sdkmath.LegacyZeroDec(),
		OptimalYieldBps: sdkmath.LegacyZeroDec(),
		BestYieldBps:    sdkmath.LegacyZeroDec(),
	}
}
