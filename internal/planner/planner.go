package planner

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"github.com/elys-network/avr/internal/analyzer"
	"github.com/elys-network/avr/internal/ledger"
	"github.com/elys-network/avr/internal/logger"
	"github.com/elys-network/avr/internal/types"
	"github.com/elys-network/avr/internal/utils"
)

// Error definitions for zero-tolerance error handling
var (
	ErrInvalidAllocations   = errors.New("target allocations contain invalid values")
	ErrInvalidLedgerState   = errors.New("ledger state contains invalid values")
	ErrCapitalMismatch      = errors.New("total managed capital does not match the ledger")
	ErrConservationViolated = errors.New("plan sources and targets do not sum to the same amount")
	ErrUnsafeTarget         = errors.New("plan targets a validator that is inactive or above the risk threshold")
	ErrInvalidPlan          = errors.New("invalid rebalance plan")
)

// BuildPlan turns a target distribution into the moves needed to reach it from the current ledger.
//
// Each allocation's target amount is totalManaged * bps / 10000; the rounding remainder goes to
// the top-ranked (first) allocation. Validators over target become sources, validators under
// target become destinations, and deviations within the dust tolerance are left alone unless the
// validator has no target at all. Parked capital is always a source. Sources and destinations are
// then paired greedily, largest first, and the plan is cut to MaxMovesPerCycle moves.
func BuildPlan(
	current []types.DelegationRecord,
	parked sdkmath.Int,
	allocations []types.Allocation,
	totalManaged sdkmath.Int,
	scores []types.ValidatorScore,
	params types.PolicyParameters,
) (types.RebalancePlan, error) {
	actionLogger := logger.GetForComponent("action_planner")

	// ===== INPUT VALIDATION =====
	if err := validateInputs(current, parked, allocations, totalManaged, params); err != nil {
		actionLogger.Error().Err(err).Msg("Input validation failed")
		return types.RebalancePlan{}, err
	}

	if len(allocations) == 0 {
		actionLogger.Info().Msg("No target distribution, nothing to plan")
		return types.RebalancePlan{}, nil
	}
	if totalManaged.IsZero() {
		actionLogger.Info().Msg("No managed capital, nothing to plan")
		return types.RebalancePlan{}, nil
	}

	// ===== SAFETY OF TARGETS =====
	byValidator := analyzer.ScoresByValidator(scores)
	for _, a := range allocations {
		s, ok := byValidator[a.Validator]
		if !ok || !analyzer.Qualifies(s, params) {
			return types.RebalancePlan{}, errors.Join(ErrUnsafeTarget, fmt.Errorf("validator %s", a.Validator.Hex()))
		}
	}

	// ===== ANALYZE REQUIRED CHANGES =====
	targets, err := TargetAmounts(allocations, totalManaged)
	if err != nil {
		return types.RebalancePlan{}, err
	}
	excess, deficit := analyzeRequiredChanges(current, parked, allocations, targets, params.DustTolerance)

	actionLogger.Debug().
		Int("sources", len(excess)).
		Int("destinations", len(deficit)).
		Msg("Required changes analyzed")

	// ===== PAIR AND BOUND =====
	moves := PairTransfers(excess, deficit)
	for i := range moves {
		moves[i].EstimatedYieldDeltaBps = yieldOf(byValidator, moves[i].To).Sub(yieldOf(byValidator, moves[i].From))
	}
	kept, deferred := applyMoveLimit(moves, params.MaxMovesPerCycle)
	if len(deferred) > 0 {
		actionLogger.Warn().
			Int("kept", len(kept)).
			Int("deferred", len(deferred)).
			Int("maxMovesPerCycle", params.MaxMovesPerCycle).
			Msg("Plan truncated, remaining moves deferred to a later cycle")
	}

	plan := types.RebalancePlan{
		Sources:  aggregateLegs(kept, func(m types.Move) common.Address { return m.From }),
		Targets:  aggregateLegs(kept, func(m types.Move) common.Address { return m.To }),
		Moves:    kept,
		Deferred: deferred,
	}

	// ===== FINAL VALIDATION =====
	if err := checkSourcesAgainstLedger(plan, current, parked); err != nil {
		actionLogger.Error().Err(err).Msg("Plan rejected against the ledger")
		return types.RebalancePlan{}, err
	}
	if err := CheckConservation(plan); err != nil {
		return types.RebalancePlan{}, err
	}

	actionLogger.Info().
		Int("moves", len(plan.Moves)).
		Int("deferred", len(plan.Deferred)).
		Str("totalMoved", plan.TotalMoved().String()).
		Msg("Rebalance plan generated")

	return plan, nil
}

// validateInputs performs comprehensive validation of all input parameters
func validateInputs(
	current []types.DelegationRecord,
	parked sdkmath.Int,
	allocations []types.Allocation,
	totalManaged sdkmath.Int,
	params types.PolicyParameters,
) error {
	if err := analyzer.ValidatePolicyParameters(params); err != nil {
		return errors.Join(analyzer.ErrInvalidPolicyParameters, err)
	}

	if parked.IsNil() || parked.IsNegative() {
		return errors.Join(ErrInvalidLedgerState, errors.New("parked capital must be set and non-negative"))
	}
	if totalManaged.IsNil() || totalManaged.IsNegative() {
		return errors.Join(ErrCapitalMismatch, errors.New("total managed capital must be set and non-negative"))
	}

	seen := make(map[common.Address]struct{}, len(current))
	sum := parked
	for i, r := range current {
		if r.Validator == types.ParkedCapital {
			return errors.Join(ErrInvalidLedgerState, fmt.Errorf("record %d uses the parked capital address", i))
		}
		if _, dup := seen[r.Validator]; dup {
			return errors.Join(ErrInvalidLedgerState, fmt.Errorf("validator %s recorded twice", r.Validator.Hex()))
		}
		seen[r.Validator] = struct{}{}
		if r.Amount.IsNil() || r.Amount.IsNegative() {
			return errors.Join(ErrInvalidLedgerState, fmt.Errorf("record for %s has an invalid amount", r.Validator.Hex()))
		}
		sum = sum.Add(r.Amount)
	}
	if !sum.Equal(totalManaged) {
		return errors.Join(ErrCapitalMismatch, fmt.Errorf("ledger holds %s, caller expects %s", sum, totalManaged))
	}

	if len(allocations) == 0 {
		return nil
	}
	var totalBps uint64
	targets := make(map[common.Address]struct{}, len(allocations))
	for _, a := range allocations {
		if a.Validator == types.ParkedCapital {
			return errors.Join(ErrInvalidAllocations, errors.New("allocation to the zero address"))
		}
		if _, dup := targets[a.Validator]; dup {
			return errors.Join(ErrInvalidAllocations, fmt.Errorf("validator %s allocated twice", a.Validator.Hex()))
		}
		targets[a.Validator] = struct{}{}
		if a.BasisPoints == 0 || a.BasisPoints > types.BasisPointsDenominator {
			return errors.Join(ErrInvalidAllocations, fmt.Errorf("allocation for %s is %d bps", a.Validator.Hex(), a.BasisPoints))
		}
		totalBps += a.BasisPoints
	}
	if totalBps != types.BasisPointsDenominator {
		return errors.Join(ErrInvalidAllocations, fmt.Errorf("allocations sum to %d bps, want %d", totalBps, types.BasisPointsDenominator))
	}
	return nil
}

// TargetAmounts converts basis points into amounts of total. Amounts are floored and the
// remainder goes to the first allocation so the targets sum to exactly total.
func TargetAmounts(allocations []types.Allocation, total sdkmath.Int) (map[common.Address]sdkmath.Int, error) {
	targets := make(map[common.Address]sdkmath.Int, len(allocations))
	assigned := sdkmath.ZeroInt()
	for _, a := range allocations {
		amount, err := utils.ApplyBasisPoints(total, a.BasisPoints)
		if err != nil {
			return nil, errors.Join(ErrInvalidAllocations, err)
		}
		targets[a.Validator] = amount
		assigned = assigned.Add(amount)
	}
	if len(allocations) > 0 {
		top := allocations[0].Validator
		targets[top] = targets[top].Add(total.Sub(assigned))
	}
	return targets, nil
}

// analyzeRequiredChanges compares the ledger with the target amounts.
func analyzeRequiredChanges(
	current []types.DelegationRecord,
	parked sdkmath.Int,
	allocations []types.Allocation,
	targets map[common.Address]sdkmath.Int,
	dust sdkmath.Int,
) (excess []deltaRecord, deficit []deltaRecord) {
	currentByValidator := make(map[common.Address]sdkmath.Int, len(current))
	for _, r := range current {
		currentByValidator[r.Validator] = r.Amount
	}

	// Capital that must move regardless of dust: parked capital and validators with no target.
	mustPlace := false
	if parked.IsPositive() {
		excess = append(excess, deltaRecord{validator: types.ParkedCapital, amount: parked})
		mustPlace = true
	}
	for _, r := range current {
		if _, ok := targets[r.Validator]; ok || !r.Amount.IsPositive() {
			continue
		}
		excess = append(excess, deltaRecord{validator: r.Validator, amount: r.Amount})
		mustPlace = true
	}

	var dustDeficit []deltaRecord
	for _, a := range allocations {
		target := targets[a.Validator]
		have, ok := currentByValidator[a.Validator]
		if !ok {
			have = sdkmath.ZeroInt()
		}
		switch {
		case have.GT(target):
			delta := have.Sub(target)
			if delta.GT(dust) {
				excess = append(excess, deltaRecord{validator: a.Validator, amount: delta})
			}
		case target.GT(have):
			delta := target.Sub(have)
			if delta.GT(dust) {
				deficit = append(deficit, deltaRecord{validator: a.Validator, amount: delta})
			} else {
				dustDeficit = append(dustDeficit, deltaRecord{validator: a.Validator, amount: delta})
			}
		}
	}

	sortDeltas(excess)
	sortDeltas(deficit)
	if mustPlace {
		// Small destinations still take capital that has to leave its current place.
		sortDeltas(dustDeficit)
		deficit = append(deficit, dustDeficit...)
	}
	return excess, deficit
}

// applyMoveLimit keeps the largest maxMoves moves and defers the rest.
func applyMoveLimit(moves []types.Move, maxMoves int) (kept []types.Move, deferred []types.Move) {
	if maxMoves <= 0 || len(moves) <= maxMoves {
		return moves, nil
	}
	ordered := make([]types.Move, len(moves))
	copy(ordered, moves)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Amount.GT(ordered[j].Amount)
	})
	return ordered[:maxMoves], ordered[maxMoves:]
}

// aggregateLegs sums moves per validator, keeping first-appearance order.
func aggregateLegs(moves []types.Move, key func(types.Move) common.Address) []types.PlanLeg {
	index := make(map[common.Address]int)
	legs := make([]types.PlanLeg, 0)
	for _, m := range moves {
		addr := key(m)
		if i, ok := index[addr]; ok {
			legs[i].Amount = legs[i].Amount.Add(m.Amount)
			continue
		}
		index[addr] = len(legs)
		legs = append(legs, types.PlanLeg{Validator: addr, Amount: m.Amount})
	}
	return legs
}

// checkSourcesAgainstLedger rejects plans that would move more than the ledger holds.
func checkSourcesAgainstLedger(plan types.RebalancePlan, current []types.DelegationRecord, parked sdkmath.Int) error {
	held := make(map[common.Address]sdkmath.Int, len(current)+1)
	for _, r := range current {
		held[r.Validator] = r.Amount
	}
	held[types.ParkedCapital] = parked
	for _, leg := range plan.Sources {
		have, ok := held[leg.Validator]
		if !ok || leg.Amount.GT(have) {
			if !ok {
				have = sdkmath.ZeroInt()
			}
			return fmt.Errorf("%w: source %s moves %s but the ledger holds %s", ledger.ErrStaleLedger, leg.Validator.Hex(), leg.Amount, have)
		}
	}
	return nil
}

// CheckConservation verifies a plan neither creates nor destroys capital.
func CheckConservation(plan types.RebalancePlan) error {
	sources := types.SumLegs(plan.Sources)
	targets := types.SumLegs(plan.Targets)
	if !sources.Equal(targets) {
		return fmt.Errorf("%w: sources %s, targets %s", ErrConservationViolated, sources, targets)
	}
	return nil
}

func yieldOf(scores map[common.Address]types.ValidatorScore, validator common.Address) sdkmath.LegacyDec {
	if s, ok := scores[validator]; ok {
		return s.EffectiveYieldBps
	}
	return sdkmath.LegacyZeroDec()
}

func sortDeltas(records []deltaRecord) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].amount.Equal(records[j].amount) {
			return records[i].amount.GT(records[j].amount)
		}
		return bytes.Compare(records[i].validator.Bytes(), records[j].validator.Bytes()) < 0
	})
}
