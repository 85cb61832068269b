package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/elys-network/avr/internal/ledger"
	"github.com/elys-network/avr/internal/logger"
	"github.com/elys-network/avr/internal/planner"
	"github.com/elys-network/avr/internal/registry"
	"github.com/elys-network/avr/internal/types"
	"github.com/elys-network/avr/internal/utils"
)

var (
	ErrPartialExecution = errors.New("rebalance plan partially executed")
	ErrLedgerUpdate     = errors.New("ledger update failed")
	ErrInvalidExecutor  = errors.New("executor configuration is invalid")
)

// PartialExecutionError reports the step that failed. Every step before it took effect and
// is reflected in the ledger; nothing after it was attempted.
type PartialExecutionError struct {
	Phase     types.ExecutionPhase
	Step      int // Index into plan.Sources or plan.Targets, depending on Phase
	Validator common.Address
	Amount    sdkmath.Int
	Completed int // Registry calls that succeeded before the failure
	Err       error
}

func (e *PartialExecutionError) Error() string {
	return fmt.Sprintf("rebalance plan partially executed: %s step %d (%s, %s) failed after %d completed steps: %v",
		e.Phase, e.Step, e.Validator.Hex(), e.Amount, e.Completed, e.Err)
}

func (e *PartialExecutionError) Unwrap() []error {
	return []error{ErrPartialExecution, e.Err}
}

// StepObserver is notified of every registry call the executor makes.
type StepObserver interface {
	ObserveStep(phase types.ExecutionPhase, success bool)
}

// ExecutionReport is what an execution did, complete or not. A move is listed once the
// delegation into its destination has landed.
type ExecutionReport struct {
	Receipts    []types.MoveReceipt `json:"receipts"`
	Moves       []types.Move        `json:"moves"`
	Undelegated sdkmath.Int         `json:"undelegated"`
	Delegated   sdkmath.Int         `json:"delegated"`
}

// Executor applies rebalance plans to the registry and keeps the ledger in step with reality.
type Executor struct {
	registry registry.RegistryView
	ledger   ledger.Ledger
	denom    string
	observer StepObserver
	logger   zerolog.Logger
}

func NewExecutor(r registry.RegistryView, l ledger.Ledger, denom string, observer StepObserver) (*Executor, error) {
	if r == nil {
		return nil, errors.Join(ErrInvalidExecutor, errors.New("registry cannot be nil"))
	}
	if l == nil {
		return nil, errors.Join(ErrInvalidExecutor, errors.New("ledger cannot be nil"))
	}
	if denom == "" {
		return nil, errors.Join(ErrInvalidExecutor, errors.New("denom cannot be empty"))
	}
	return &Executor{
		registry: r,
		ledger:   l,
		denom:    denom,
		observer: observer,
		logger:   logger.GetForComponent("rebalance_executor"),
	}, nil
}

// Execute runs every undelegation of the plan, then every delegation, one registry call at a time.
// The first failure stops the plan and is returned as a *PartialExecutionError. Completed steps are
// never rolled back; undelegated capital that was not re-delegated stays parked in the ledger.
func (e *Executor) Execute(ctx context.Context, plan types.RebalancePlan) (ExecutionReport, error) {
	report := ExecutionReport{
		Receipts:    make([]types.MoveReceipt, 0, len(plan.Sources)+len(plan.Targets)),
		Moves:       make([]types.Move, 0, len(plan.Moves)),
		Undelegated: sdkmath.ZeroInt(),
		Delegated:   sdkmath.ZeroInt(),
	}

	if err := e.preflight(plan); err != nil {
		e.logger.Error().Err(err).Msg("Plan rejected before execution")
		return report, err
	}

	completed := 0

	// --- Phase 1: undelegate every source ---
	e.logger.Info().Int("sources", len(plan.Sources)).Msg("Executing undelegation phase...")
	for i, leg := range plan.Sources {
		if leg.Validator == types.ParkedCapital {
			// Already undelegated in an earlier cycle.
			continue
		}
		if err := e.step(ctx, types.PhaseUndelegate, leg, &report); err != nil {
			return report, &PartialExecutionError{
				Phase: types.PhaseUndelegate, Step: i, Validator: leg.Validator, Amount: leg.Amount, Completed: completed, Err: err,
			}
		}
		completed++
		if err := e.applyUndelegation(leg); err != nil {
			return report, err
		}
		report.Undelegated = report.Undelegated.Add(leg.Amount)
	}

	// --- Phase 2: delegate to every target ---
	e.logger.Info().Int("targets", len(plan.Targets)).Msg("Executing delegation phase...")
	for i, leg := range plan.Targets {
		if err := e.step(ctx, types.PhaseDelegate, leg, &report); err != nil {
			return report, &PartialExecutionError{
				Phase: types.PhaseDelegate, Step: i, Validator: leg.Validator, Amount: leg.Amount, Completed: completed, Err: err,
			}
		}
		completed++
		if err := e.applyDelegation(leg); err != nil {
			return report, err
		}
		report.Delegated = report.Delegated.Add(leg.Amount)
		e.completeMovesInto(plan.Moves, leg.Validator, &report)
	}

	return report, nil
}

// completeMovesInto records every move ending at validator. Its source was undelegated in phase 1.
func (e *Executor) completeMovesInto(moves []types.Move, validator common.Address, report *ExecutionReport) {
	for _, m := range moves {
		if m.To != validator {
			continue
		}
		report.Moves = append(report.Moves, m)
		e.logger.Info().
			Str("from", m.From.Hex()).
			Str("to", m.To.Hex()).
			Str("amount", m.Amount.String()).
			Str("denom", e.denom).
			Str("estimatedYieldDeltaBps", m.EstimatedYieldDeltaBps.String()).
			Msg("Rebalance move executed")
	}
}

// preflight re-checks the plan invariants against the ledger right before any registry call.
func (e *Executor) preflight(plan types.RebalancePlan) error {
	if err := planner.CheckConservation(plan); err != nil {
		return err
	}
	for _, leg := range plan.Sources {
		if leg.Amount.IsNil() || !leg.Amount.IsPositive() {
			return fmt.Errorf("%w: source %s has a non-positive amount", planner.ErrInvalidPlan, leg.Validator.Hex())
		}
		held := e.ledger.Get(leg.Validator)
		if leg.Validator == types.ParkedCapital {
			held = e.ledger.Parked()
		}
		if leg.Amount.GT(held) {
			return fmt.Errorf("%w: source %s moves %s but the ledger holds %s", ledger.ErrStaleLedger, leg.Validator.Hex(), leg.Amount, held)
		}
	}
	for _, leg := range plan.Targets {
		if leg.Validator == types.ParkedCapital {
			return fmt.Errorf("%w: the parked capital address cannot be a target", planner.ErrInvalidPlan)
		}
		if leg.Amount.IsNil() || !leg.Amount.IsPositive() {
			return fmt.Errorf("%w: target %s has a non-positive amount", planner.ErrInvalidPlan, leg.Validator.Hex())
		}
	}
	return nil
}

func (e *Executor) step(ctx context.Context, phase types.ExecutionPhase, leg types.PlanLeg, report *ExecutionReport) error {
	err := ctx.Err()
	if err == nil {
		switch phase {
		case types.PhaseUndelegate:
			err = e.registry.Undelegate(ctx, leg.Validator, leg.Amount)
		case types.PhaseDelegate:
			err = e.registry.Delegate(ctx, leg.Validator, leg.Amount)
		}
	}

	receipt := types.MoveReceipt{
		Phase:     phase,
		Validator: leg.Validator,
		Amount:    utils.ToCoin(e.denom, leg.Amount),
		Success:   err == nil,
		Timestamp: time.Now(),
	}
	if err != nil {
		receipt.Message = err.Error()
		e.logger.Error().
			Err(err).
			Str("phase", string(phase)).
			Str("validator", leg.Validator.Hex()).
			Str("amount", leg.Amount.String()).
			Msg("Registry call failed, aborting the rest of the plan")
	} else {
		receipt.Message = fmt.Sprintf("%s executed successfully", phase)
		e.logger.Info().
			Str("phase", string(phase)).
			Str("validator", leg.Validator.Hex()).
			Str("amount", leg.Amount.String()).
			Msg("Registry call succeeded")
	}
	report.Receipts = append(report.Receipts, receipt)

	if e.observer != nil {
		e.observer.ObserveStep(phase, err == nil)
	}
	return err
}

func (e *Executor) applyUndelegation(leg types.PlanLeg) error {
	remaining := e.ledger.Get(leg.Validator).Sub(leg.Amount)
	if err := e.ledger.Set(leg.Validator, remaining); err != nil {
		return errors.Join(ErrLedgerUpdate, err)
	}
	if err := e.ledger.SetParked(e.ledger.Parked().Add(leg.Amount)); err != nil {
		return errors.Join(ErrLedgerUpdate, err)
	}
	return nil
}

func (e *Executor) applyDelegation(leg types.PlanLeg) error {
	if err := e.ledger.SetParked(e.ledger.Parked().Sub(leg.Amount)); err != nil {
		return errors.Join(ErrLedgerUpdate, err)
	}
	if err := e.ledger.Set(leg.Validator, e.ledger.Get(leg.Validator).Add(leg.Amount)); err != nil {
		return errors.Join(ErrLedgerUpdate, err)
	}
	return nil
}
