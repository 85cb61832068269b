package avr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/elys-network/avr/internal/analyzer"
	"github.com/elys-network/avr/internal/executor"
	"github.com/elys-network/avr/internal/ledger"
	"github.com/elys-network/avr/internal/planner"
	"github.com/elys-network/avr/internal/policy"
	"github.com/elys-network/avr/internal/types"
)

// CycleResult is what one decision cycle decided and did.
type CycleResult struct {
	CycleID     string                   `json:"cycle_id"`
	CycleNumber int                      `json:"cycle_number"`
	Outcome     types.CycleOutcome       `json:"outcome"`
	Decision    policy.Decision          `json:"decision"`
	Plan        types.RebalancePlan      `json:"plan"`
	Report      executor.ExecutionReport `json:"report"`
	Snapshot    types.CycleSnapshot      `json:"-"`
}

// RunLoop runs a decision cycle immediately and then on every interval until ctx is done.
// Cycle errors are logged, never returned. After a partially executed plan the next cycle
// comes after retryDelay instead of the full interval, so stranded capital is picked up early.
func (m *Manager) RunLoop(ctx context.Context, interval, retryDelay time.Duration) {
	m.logger.Info().
		Dur("interval", interval).
		Dur("retryDelay", retryDelay).
		Msg("Starting AVR main loop")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("AVR loop stopped due to context cancellation")
			return
		case <-timer.C:
			next := interval
			result, err := m.RunCycle(ctx)
			switch {
			case err == nil:
			case errors.Is(err, ErrPaused):
				m.logger.Info().Msg("Rebalancing paused, skipping cycle")
			case errors.Is(err, ErrCycleInProgress):
				m.logger.Warn().Msg("Previous cycle still running, skipping cycle")
			case errors.Is(err, executor.ErrPartialExecution):
				m.logger.Error().Err(err).Str("cycle_id", result.CycleID).Dur("retryIn", retryDelay).Msg("Plan partially executed, scheduling an early retry")
				if retryDelay > 0 {
					next = retryDelay
				}
			default:
				m.logger.Error().Err(err).Str("cycle_id", result.CycleID).Msg("AVR cycle failed")
			}
			timer.Reset(next)
		}
	}
}

// RunCycle runs one complete decision cycle: decide, compute the distribution, plan and execute.
// It fails with ErrPaused or ErrCycleInProgress without doing anything when the manager is paused
// or another cycle is running.
func (m *Manager) RunCycle(ctx context.Context) (CycleResult, error) {
	if err := m.acquire(); err != nil {
		return CycleResult{}, err
	}
	defer m.release()
	return m.runCycle(ctx)
}

func (m *Manager) runCycle(ctx context.Context) (CycleResult, error) {
	cycleStartTime := time.Now()

	// Generate unique cycle ID for tracing logs across the entire cycle
	cycleID := uuid.New().String()
	cycleLogger := m.logger.With().Str("cycle_id", cycleID).Logger()

	cycleLogger.Info().Msg("--- Starting AVR Cycle ---")

	params, paramsID := m.currentParams()

	snapshot := types.CycleSnapshot{
		CycleID:         cycleID,
		CycleNumber:     m.nextCycleNumber(ctx, cycleLogger),
		Timestamp:       cycleStartTime,
		PolicyParamsID:  paramsID,
		ManagedCapital:  ledger.ManagedCapital(m.ledger),
		InitialLedger:   ledgerSnapshot(m.ledger),
		InitialYieldBps: sdkmath.LegacyZeroDec(),
		TargetYieldBps:  sdkmath.LegacyZeroDec(),
		Receipts:        make([]types.MoveReceipt, 0),
	}
	result := CycleResult{CycleID: cycleID, CycleNumber: snapshot.CycleNumber}

	// --- Step 1: Decision ---
	cycleLogger.Info().Msg("Step 1: Evaluating rebalance policy...")
	decision, err := policy.ShouldRebalanceWithDeferred(ctx, m.ledger, m.registry, params, m.deferred.Load())
	result.Decision = decision
	snapshot.Reason = decision.Reason
	if !decision.CurrentYieldBps.IsNil() {
		snapshot.InitialYieldBps = decision.CurrentYieldBps
		snapshot.TargetYieldBps = decision.OptimalYieldBps
	}
	if err != nil {
		cycleLogger.Error().Err(err).Msg("Cycle aborted: Failed to evaluate the rebalance policy.")
		return m.finishCycle(ctx, snapshot, result, types.OutcomeFailed, err, cycleStartTime, cycleLogger)
	}
	if m.metrics != nil && !decision.Stale {
		m.metrics.SetBlendedYield(decision.CurrentYieldBps)
	}
	if decision.Stale {
		cycleLogger.Error().Str("reason", decision.Reason).Msg("Cycle halted: ledger is stale, operator action required.")
		return m.finishCycle(ctx, snapshot, result, types.OutcomeStaleLedger, fmt.Errorf("%w: %s", ledger.ErrStaleLedger, decision.Reason), cycleStartTime, cycleLogger)
	}
	if !decision.NeedsRebalance {
		cycleLogger.Info().Str("reason", decision.Reason).Msg("Step 1: No rebalance needed.")
		m.deferred.Store(false)
		return m.finishCycle(ctx, snapshot, result, types.OutcomeNoOp, nil, cycleStartTime, cycleLogger)
	}
	cycleLogger.Info().Str("reason", decision.Reason).Msg("Step 1: Rebalance warranted.")

	// --- Step 2: Optimal Distribution ---
	cycleLogger.Info().Msg("Step 2: Computing optimal validator distribution...")
	view, err := policy.Observe(ctx, m.ledger, m.registry, params)
	if err != nil {
		cycleLogger.Error().Err(err).Msg("Cycle aborted: Failed to read registry state.")
		return m.finishCycle(ctx, snapshot, result, types.OutcomeFailed, err, cycleStartTime, cycleLogger)
	}
	snapshot.TargetAllocations = view.Allocations
	if len(view.Allocations) == 0 {
		// Expected steady state when every validator is unsafe. Capital stays where it is.
		snapshot.Reason = decision.Reason + "; no safe target"
		cycleLogger.Warn().Msg("Step 2: No validator qualifies as a target, holding position.")
		return m.finishCycle(ctx, snapshot, result, types.OutcomeNoSafeTarget, nil, cycleStartTime, cycleLogger)
	}
	cycleLogger.Info().Int("targets", len(view.Allocations)).Msg("Step 2: Distribution computed.")

	// --- Step 3: Plan ---
	cycleLogger.Info().Msg("Step 3: Building rebalance plan...")
	plan, err := planner.BuildPlan(view.Records, view.Parked, view.Allocations, view.ManagedCapital, view.Scores, params)
	if err != nil {
		outcome := types.OutcomeFailed
		if errors.Is(err, ledger.ErrStaleLedger) {
			outcome = types.OutcomeStaleLedger
		}
		cycleLogger.Error().Err(err).Msg("Cycle aborted: Failed to build the rebalance plan.")
		return m.finishCycle(ctx, snapshot, result, outcome, err, cycleStartTime, cycleLogger)
	}
	snapshot.Plan = plan
	result.Plan = plan
	if plan.IsEmpty() {
		m.deferred.Store(false)
		cycleLogger.Info().Msg("Step 3: Every deviation is within the dust tolerance, nothing to move.")
		return m.finishCycle(ctx, snapshot, result, types.OutcomeNoOp, nil, cycleStartTime, cycleLogger)
	}
	cycleLogger.Info().
		Int("moves", len(plan.Moves)).
		Int("deferred", len(plan.Deferred)).
		Str("totalMoved", plan.TotalMoved().String()).
		Msg("Step 3: Plan built.")
	if planJSON, err := json.MarshalIndent(plan, "", "  "); err == nil {
		cycleLogger.Debug().Str("plan", string(planJSON)).Msg("--- Detailed Rebalance Plan ---")
	}

	// --- Step 4: Execution ---
	cycleLogger.Info().Msg("Step 4: Executing rebalance plan...")
	report, err := m.executor.Execute(ctx, plan)
	snapshot.Receipts = report.Receipts
	result.Report = report
	m.deferred.Store(len(plan.Deferred) > 0)
	m.persistLedger(ctx, cycleLogger)
	if m.metrics != nil {
		m.metrics.SetBlendedYield(analyzer.BlendedYield(m.ledger.Entries(), view.Scores))
	}
	if err != nil {
		outcome := types.OutcomeFailed
		if errors.Is(err, executor.ErrPartialExecution) {
			outcome = types.OutcomePartialFailure
		}
		cycleLogger.Error().Err(err).Msg("Step 4: Plan execution stopped.")
		return m.finishCycle(ctx, snapshot, result, outcome, err, cycleStartTime, cycleLogger)
	}
	cycleLogger.Info().Int("receipts", len(report.Receipts)).Msg("Step 4: Plan executed.")

	return m.finishCycle(ctx, snapshot, result, types.OutcomeRebalanced, nil, cycleStartTime, cycleLogger)
}

// finishCycle completes the snapshot, records it and returns the cycle's result with cycleErr.
func (m *Manager) finishCycle(
	ctx context.Context,
	snapshot types.CycleSnapshot,
	result CycleResult,
	outcome types.CycleOutcome,
	cycleErr error,
	cycleStartTime time.Time,
	cycleLogger zerolog.Logger,
) (CycleResult, error) {
	snapshot.Outcome = outcome
	snapshot.FinalLedger = ledgerSnapshot(m.ledger)
	if cycleErr != nil {
		snapshot.Error = cycleErr.Error()
	}

	if m.recorder != nil {
		id, err := m.recorder.RecordCycle(ctx, snapshot)
		if err != nil {
			cycleLogger.Error().Err(err).Msg("Failed to save cycle snapshot")
		} else {
			snapshot.SnapshotID = id
		}
	}

	duration := time.Since(cycleStartTime)
	if m.metrics != nil {
		m.metrics.ObserveCycle(outcome, duration)
		m.metrics.SetManagedCapital(ledger.ManagedCapital(m.ledger))
	}

	result.Outcome = outcome
	result.Snapshot = snapshot

	cycleLogger.Info().
		Str("outcome", string(outcome)).
		Int("cycleNumber", snapshot.CycleNumber).
		Str("managedCapital", ledger.ManagedCapital(m.ledger).String()).
		Str("parked", m.ledger.Parked().String()).
		Dur("duration", duration).
		Msg("--- AVR Cycle Complete ---")

	return result, cycleErr
}

// nextCycleNumber numbers a cycle through the recorder, falling back to a process-local counter
// when there is no recorder or it fails.
func (m *Manager) nextCycleNumber(ctx context.Context, cycleLogger zerolog.Logger) int {
	local := int(m.cycleCount.Add(1))
	if m.recorder == nil {
		return local
	}
	n, err := m.recorder.NextCycleNumber(ctx)
	if err != nil {
		cycleLogger.Error().Err(err).Int("fallback", local).Msg("Failed to get global cycle number, using local counter")
		return local
	}
	return n
}

func (m *Manager) persistLedger(ctx context.Context, cycleLogger zerolog.Logger) {
	if m.ledgerStore == nil {
		return
	}
	if err := m.ledgerStore.SaveLedger(ctx, m.ledger.Entries(), m.ledger.Parked()); err != nil {
		// The in-memory ledger is still right; the next successful save catches the store up.
		cycleLogger.Error().Err(err).Msg("Failed to persist the delegation ledger")
	}
}
