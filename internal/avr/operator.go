package avr

import (
	"context"
	"errors"
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/elys-network/avr/internal/analyzer"
	"github.com/elys-network/avr/internal/executor"
	"github.com/elys-network/avr/internal/ledger"
	"github.com/elys-network/avr/internal/planner"
	"github.com/elys-network/avr/internal/policy"
	"github.com/elys-network/avr/internal/types"
)

// ShouldRebalance reports whether a rebalance is warranted and why. It never changes state.
func (m *Manager) ShouldRebalance(ctx context.Context) (policy.Decision, error) {
	decision, err := policy.ShouldRebalanceWithDeferred(ctx, m.ledger, m.registry, m.Params(), m.deferred.Load())
	if m.metrics != nil && err == nil {
		m.metrics.SetStale(decision.Stale)
	}
	return decision, err
}

// GetOptimalValidatorDistribution returns the target distribution as parallel arrays of
// validators and basis points. Both are empty when no validator is a safe target.
func (m *Manager) GetOptimalValidatorDistribution(ctx context.Context) ([]common.Address, []uint64, error) {
	view, err := policy.Observe(ctx, m.ledger, m.registry, m.Params())
	if err != nil {
		return nil, nil, err
	}
	validators, bps := analyzer.SplitAllocations(view.Allocations)
	return validators, bps, nil
}

// Rebalance executes a caller-supplied plan after validating it against the live ledger and
// registry. Only the operator may call it, and it shares the in-progress guard with scheduled
// cycles. A rejected plan causes no registry call and no ledger change.
func (m *Manager) Rebalance(
	ctx context.Context,
	caller common.Address,
	sources []common.Address,
	sourceAmounts []sdkmath.Int,
	targets []common.Address,
	targetAmounts []sdkmath.Int,
) (CycleResult, error) {
	if err := m.authorize(caller); err != nil {
		return CycleResult{}, err
	}
	if err := m.acquire(); err != nil {
		return CycleResult{}, err
	}
	defer m.release()

	startTime := time.Now()
	cycleID := uuid.New().String()
	cycleLogger := m.logger.With().Str("cycle_id", cycleID).Bool("manual", true).Logger()
	cycleLogger.Info().Str("caller", caller.Hex()).Int("sources", len(sources)).Int("targets", len(targets)).Msg("--- Starting Manual Rebalance ---")

	params, paramsID := m.currentParams()
	plan, err := planner.ValidateManualPlan(ctx, planner.ManualPlanRequest{
		Sources:       sources,
		SourceAmounts: sourceAmounts,
		Targets:       targets,
		TargetAmounts: targetAmounts,
	}, m.ledger, m.registry, params)
	if err != nil {
		if m.metrics != nil && errors.Is(err, ledger.ErrStaleLedger) {
			m.metrics.SetStale(true)
		}
		cycleLogger.Warn().Err(err).Msg("Manual plan rejected")
		return CycleResult{CycleID: cycleID}, err
	}

	snapshot := types.CycleSnapshot{
		CycleID:         cycleID,
		CycleNumber:     m.nextCycleNumber(ctx, cycleLogger),
		Timestamp:       startTime,
		PolicyParamsID:  paramsID,
		Reason:          fmt.Sprintf("manual rebalance by %s", caller.Hex()),
		ManagedCapital:  ledger.ManagedCapital(m.ledger),
		InitialLedger:   ledgerSnapshot(m.ledger),
		Plan:            plan,
		InitialYieldBps: sdkmath.LegacyZeroDec(),
		TargetYieldBps:  sdkmath.LegacyZeroDec(),
		Receipts:        make([]types.MoveReceipt, 0),
	}
	result := CycleResult{CycleID: cycleID, CycleNumber: snapshot.CycleNumber, Plan: plan}

	report, err := m.executor.Execute(ctx, plan)
	snapshot.Receipts = report.Receipts
	result.Report = report
	m.persistLedger(ctx, cycleLogger)
	if err != nil {
		outcome := types.OutcomeFailed
		if errors.Is(err, executor.ErrPartialExecution) {
			outcome = types.OutcomePartialFailure
		}
		return m.finishCycle(ctx, snapshot, result, outcome, err, startTime, cycleLogger)
	}
	return m.finishCycle(ctx, snapshot, result, types.OutcomeRebalanced, nil, startTime, cycleLogger)
}

// SetThresholds changes the yield improvement and risk thresholds. Only the operator may call it.
// With a parameter store the change is saved as a new active version before it takes effect.
func (m *Manager) SetThresholds(ctx context.Context, caller common.Address, apyDeltaBps, riskScoreThreshold uint64) error {
	if err := m.authorize(caller); err != nil {
		return err
	}
	if apyDeltaBps > types.BasisPointsDenominator {
		return fmt.Errorf("%w: apy delta %d exceeds %d bps", ErrInvalidThreshold, apyDeltaBps, types.BasisPointsDenominator)
	}
	if riskScoreThreshold > types.MaxRiskScore {
		return fmt.Errorf("%w: risk score threshold %d exceeds %d", ErrInvalidThreshold, riskScoreThreshold, types.MaxRiskScore)
	}

	m.paramsMu.Lock()
	defer m.paramsMu.Unlock()

	updated := m.params
	updated.ApyDeltaThresholdBps = apyDeltaBps
	updated.RiskScoreThreshold = riskScoreThreshold

	if m.paramStore != nil {
		id, err := m.paramStore.SavePolicyParameters(ctx, updated, caller)
		if err != nil {
			return fmt.Errorf("failed to persist thresholds: %w", err)
		}
		m.paramsID = &id
	}
	previous := m.params
	m.params = updated

	m.logger.Info().
		Str("caller", caller.Hex()).
		Uint64("previousApyDeltaBps", previous.ApyDeltaThresholdBps).
		Uint64("apyDeltaBps", apyDeltaBps).
		Uint64("previousRiskThreshold", previous.RiskScoreThreshold).
		Uint64("riskThreshold", riskScoreThreshold).
		Msg("Policy thresholds updated")
	return nil
}

// ResyncLedger rebuilds the ledger's delegation records from the registry, clearing a stale-ledger
// halt after the operator has reviewed the discrepancy (a slash, for example). Parked capital is kept
// since the registry does not report it. Only the operator may call it. It shares the in-progress
// guard with cycles but is allowed while paused, so the operator can pause, resync and resume.
func (m *Manager) ResyncLedger(ctx context.Context, caller common.Address) (CycleResult, error) {
	if err := m.authorize(caller); err != nil {
		return CycleResult{}, err
	}
	if !m.inProgress.CompareAndSwap(false, true) {
		return CycleResult{}, ErrCycleInProgress
	}
	defer m.release()

	startTime := time.Now()
	cycleID := uuid.New().String()
	cycleLogger := m.logger.With().Str("cycle_id", cycleID).Bool("resync", true).Logger()
	cycleLogger.Warn().Str("caller", caller.Hex()).Msg("--- Starting Ledger Resync ---")

	_, paramsID := m.currentParams()
	snapshot := types.CycleSnapshot{
		CycleID:         cycleID,
		CycleNumber:     m.nextCycleNumber(ctx, cycleLogger),
		Timestamp:       startTime,
		PolicyParamsID:  paramsID,
		Reason:          fmt.Sprintf("ledger resync by %s", caller.Hex()),
		ManagedCapital:  ledger.ManagedCapital(m.ledger),
		InitialLedger:   ledgerSnapshot(m.ledger),
		InitialYieldBps: sdkmath.LegacyZeroDec(),
		TargetYieldBps:  sdkmath.LegacyZeroDec(),
		Receipts:        make([]types.MoveReceipt, 0),
	}
	result := CycleResult{CycleID: cycleID, CycleNumber: snapshot.CycleNumber}

	var stale *ledger.StaleStateError
	if err := ledger.Reconcile(ctx, m.ledger, m.registry); errors.As(err, &stale) {
		snapshot.Reason = fmt.Sprintf("%s: %v", snapshot.Reason, stale)
		for _, d := range stale.Discrepancies {
			cycleLogger.Warn().
				Str("validator", d.Validator.Hex()).
				Str("ledger", d.Ledger.String()).
				Str("registry", d.Registry.String()).
				Msg("Replacing ledger record with the registry's delegation")
		}
	}

	// Read everything first so a registry failure leaves the ledger untouched.
	fresh := ledger.NewMemoryLedger()
	count, err := ledger.Bootstrap(ctx, fresh, m.registry)
	if err != nil {
		cycleLogger.Error().Err(err).Msg("Ledger resync aborted: failed to read registry delegations.")
		return m.finishCycle(ctx, snapshot, result, types.OutcomeFailed, err, startTime, cycleLogger)
	}

	for _, rec := range m.ledger.Entries() {
		if err := m.ledger.Set(rec.Validator, sdkmath.ZeroInt()); err != nil {
			return m.finishCycle(ctx, snapshot, result, types.OutcomeFailed, errors.Join(executor.ErrLedgerUpdate, err), startTime, cycleLogger)
		}
	}
	for _, rec := range fresh.Entries() {
		if err := m.ledger.Set(rec.Validator, rec.Amount); err != nil {
			return m.finishCycle(ctx, snapshot, result, types.OutcomeFailed, errors.Join(executor.ErrLedgerUpdate, err), startTime, cycleLogger)
		}
	}
	m.deferred.Store(false)
	m.persistLedger(ctx, cycleLogger)
	cycleLogger.Info().Int("records", count).Str("parked", m.ledger.Parked().String()).Msg("Ledger rebuilt from registry delegations")

	return m.finishCycle(ctx, snapshot, result, types.OutcomeLedgerResynced, nil, startTime, cycleLogger)
}

// Pause stops new cycles from starting. A cycle already running completes.
func (m *Manager) Pause(caller common.Address) error {
	return m.setPaused(caller, true)
}

func (m *Manager) Unpause(caller common.Address) error {
	return m.setPaused(caller, false)
}

func (m *Manager) setPaused(caller common.Address, paused bool) error {
	if err := m.authorize(caller); err != nil {
		return err
	}
	m.paused.Store(paused)
	if m.metrics != nil {
		m.metrics.SetPaused(paused)
	}
	m.logger.Warn().Str("caller", caller.Hex()).Bool("paused", paused).Bool("cycleInProgress", m.inProgress.Load()).Msg("Rebalancing pause flag changed")
	return nil
}
