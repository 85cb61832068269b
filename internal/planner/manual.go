package planner

import (
	"context"
	"errors"
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"github.com/elys-network/avr/internal/analyzer"
	"github.com/elys-network/avr/internal/ledger"
	"github.com/elys-network/avr/internal/logger"
	"github.com/elys-network/avr/internal/registry"
	"github.com/elys-network/avr/internal/types"
)

// ManualPlanRequest is a caller-supplied plan in the parallel-array form operators submit.
type ManualPlanRequest struct {
	Sources       []common.Address
	SourceAmounts []sdkmath.Int
	Targets       []common.Address
	TargetAmounts []sdkmath.Int
}

// ValidateManualPlan checks a caller-supplied plan against the live ledger and registry and
// returns it as a RebalancePlan ready for execution. It only reads: a rejected plan leaves no
// trace. Sources may include the parked capital address to deploy undelegated capital.
//
// Stale ledger records are reported as *ledger.StaleStateError; every other rejection wraps
// ErrInvalidPlan.
func ValidateManualPlan(
	ctx context.Context,
	req ManualPlanRequest,
	l ledger.Ledger,
	r registry.RegistryView,
	params types.PolicyParameters,
) (types.RebalancePlan, error) {
	actionLogger := logger.GetForComponent("action_planner")

	if err := validateManualShape(req); err != nil {
		actionLogger.Warn().Err(err).Msg("Manual plan rejected")
		return types.RebalancePlan{}, err
	}

	// Every referenced validator must agree with the registry before amounts are trusted.
	for _, addr := range append(append([]common.Address{}, req.Sources...), req.Targets...) {
		if addr == types.ParkedCapital {
			continue
		}
		if err := ledger.CheckRecord(ctx, l, r, addr); err != nil {
			actionLogger.Warn().Err(err).Str("validator", addr.Hex()).Msg("Manual plan rejected, stale ledger")
			return types.RebalancePlan{}, err
		}
	}

	for i, src := range req.Sources {
		held := l.Get(src)
		if src == types.ParkedCapital {
			held = l.Parked()
		}
		if req.SourceAmounts[i].GT(held) {
			return types.RebalancePlan{}, errors.Join(ErrInvalidPlan,
				fmt.Errorf("source %s moves %s but only %s is tracked", src.Hex(), req.SourceAmounts[i], held))
		}
	}

	scores := make([]types.ValidatorScore, 0, len(req.Sources)+len(req.Targets))
	for _, addr := range append(append([]common.Address{}, req.Sources...), req.Targets...) {
		if addr == types.ParkedCapital {
			continue
		}
		v, err := r.GetValidatorInfo(ctx, addr)
		if err != nil {
			return types.RebalancePlan{}, errors.Join(ErrInvalidPlan, err)
		}
		s, err := analyzer.CalculateValidatorScore(v, params)
		if err != nil {
			return types.RebalancePlan{}, errors.Join(ErrInvalidPlan, err)
		}
		scores = append(scores, s)
	}
	byValidator := analyzer.ScoresByValidator(scores)
	for _, dst := range req.Targets {
		if !analyzer.Qualifies(byValidator[dst], params) {
			return types.RebalancePlan{}, errors.Join(ErrInvalidPlan, ErrUnsafeTarget, fmt.Errorf("validator %s", dst.Hex()))
		}
	}

	plan := types.RebalancePlan{
		Sources: make([]types.PlanLeg, len(req.Sources)),
		Targets: make([]types.PlanLeg, len(req.Targets)),
	}
	excess := make([]deltaRecord, len(req.Sources))
	deficit := make([]deltaRecord, len(req.Targets))
	for i := range req.Sources {
		plan.Sources[i] = types.PlanLeg{Validator: req.Sources[i], Amount: req.SourceAmounts[i]}
		excess[i] = deltaRecord{validator: req.Sources[i], amount: req.SourceAmounts[i]}
	}
	for i := range req.Targets {
		plan.Targets[i] = types.PlanLeg{Validator: req.Targets[i], Amount: req.TargetAmounts[i]}
		deficit[i] = deltaRecord{validator: req.Targets[i], amount: req.TargetAmounts[i]}
	}
	sortDeltas(excess)
	sortDeltas(deficit)
	plan.Moves = PairTransfers(excess, deficit)
	for i := range plan.Moves {
		plan.Moves[i].EstimatedYieldDeltaBps = yieldOf(byValidator, plan.Moves[i].To).Sub(yieldOf(byValidator, plan.Moves[i].From))
	}

	actionLogger.Info().
		Int("sources", len(plan.Sources)).
		Int("targets", len(plan.Targets)).
		Str("totalMoved", plan.TotalMoved().String()).
		Msg("Manual plan validated")

	return plan, nil
}

// validateManualShape runs the checks that need no state: lengths, amounts, duplicates and totals.
func validateManualShape(req ManualPlanRequest) error {
	if len(req.Sources) != len(req.SourceAmounts) {
		return errors.Join(ErrInvalidPlan, fmt.Errorf("%d sources but %d source amounts", len(req.Sources), len(req.SourceAmounts)))
	}
	if len(req.Targets) != len(req.TargetAmounts) {
		return errors.Join(ErrInvalidPlan, fmt.Errorf("%d targets but %d target amounts", len(req.Targets), len(req.TargetAmounts)))
	}
	if len(req.Sources) == 0 || len(req.Targets) == 0 {
		return errors.Join(ErrInvalidPlan, errors.New("plan needs at least one source and one target"))
	}

	sources := make(map[common.Address]struct{}, len(req.Sources))
	for i, src := range req.Sources {
		if _, dup := sources[src]; dup {
			return errors.Join(ErrInvalidPlan, fmt.Errorf("source %s listed twice", src.Hex()))
		}
		sources[src] = struct{}{}
		if err := positive(req.SourceAmounts[i]); err != nil {
			return errors.Join(ErrInvalidPlan, fmt.Errorf("source %s: %w", src.Hex(), err))
		}
	}
	targets := make(map[common.Address]struct{}, len(req.Targets))
	for i, dst := range req.Targets {
		if dst == types.ParkedCapital {
			return errors.Join(ErrInvalidPlan, errors.New("target cannot be the zero address"))
		}
		if _, dup := targets[dst]; dup {
			return errors.Join(ErrInvalidPlan, fmt.Errorf("target %s listed twice", dst.Hex()))
		}
		if _, both := sources[dst]; both {
			return errors.Join(ErrInvalidPlan, fmt.Errorf("validator %s is both source and target", dst.Hex()))
		}
		targets[dst] = struct{}{}
		if err := positive(req.TargetAmounts[i]); err != nil {
			return errors.Join(ErrInvalidPlan, fmt.Errorf("target %s: %w", dst.Hex(), err))
		}
	}

	sumSources := sdkmath.ZeroInt()
	for _, a := range req.SourceAmounts {
		sumSources = sumSources.Add(a)
	}
	sumTargets := sdkmath.ZeroInt()
	for _, a := range req.TargetAmounts {
		sumTargets = sumTargets.Add(a)
	}
	if !sumSources.Equal(sumTargets) {
		return errors.Join(ErrInvalidPlan, fmt.Errorf("%w: sources %s, targets %s", ErrConservationViolated, sumSources, sumTargets))
	}
	return nil
}

func positive(amount sdkmath.Int) error {
	if amount.IsNil() || !amount.IsPositive() {
		return errors.New("amount must be positive")
	}
	return nil
}
