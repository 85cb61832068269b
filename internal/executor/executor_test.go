package executor

import (
	"context"
	"errors"
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elys-network/avr/internal/ledger"
	"github.com/elys-network/avr/internal/planner"
	"github.com/elys-network/avr/internal/registry"
	"github.com/elys-network/avr/internal/types"
)

var (
	valA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	valB = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	valC = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

type countingObserver struct {
	ok, failed map[types.ExecutionPhase]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{ok: map[types.ExecutionPhase]int{}, failed: map[types.ExecutionPhase]int{}}
}

func (o *countingObserver) ObserveStep(phase types.ExecutionPhase, success bool) {
	if success {
		o.ok[phase]++
		return
	}
	o.failed[phase]++
}

func leg(v common.Address, amount int64) types.PlanLeg {
	return types.PlanLeg{Validator: v, Amount: sdkmath.NewInt(amount)}
}

// setup returns a registry and a matching ledger: A=600, B=400, C=0.
func setup(t *testing.T) (*registry.MemoryRegistry, *ledger.MemoryLedger) {
	t.Helper()
	reg := registry.NewMemoryRegistry(
		types.Validator{Address: valA, DelegatedAmount: sdkmath.NewInt(600), CommissionRate: 500, HybridScore: 850, IsActive: true},
		types.Validator{Address: valB, DelegatedAmount: sdkmath.NewInt(400), CommissionRate: 300, HybridScore: 900, IsActive: true},
		types.Validator{Address: valC, DelegatedAmount: sdkmath.ZeroInt(), CommissionRate: 700, HybridScore: 800, IsActive: true},
	)
	l, err := ledger.NewMemoryLedgerFrom([]types.DelegationRecord{
		{Validator: valA, Amount: sdkmath.NewInt(600)},
		{Validator: valB, Amount: sdkmath.NewInt(400)},
	}, sdkmath.ZeroInt())
	require.NoError(t, err)
	return reg, l
}

func Test_NewExecutor(t *testing.T) {
	reg, l := setup(t)

	t.Run("Should reject missing dependencies", func(t *testing.T) {
		_, err := NewExecutor(nil, l, "uelys", nil)
		assert.ErrorIs(t, err, ErrInvalidExecutor)
		_, err = NewExecutor(reg, nil, "uelys", nil)
		assert.ErrorIs(t, err, ErrInvalidExecutor)
		_, err = NewExecutor(reg, l, "", nil)
		assert.ErrorIs(t, err, ErrInvalidExecutor)
	})
}

func Test_Execute(t *testing.T) {
	ctx := context.Background()

	t.Run("Should apply a full plan and keep the ledger in step with the registry", func(t *testing.T) {
		reg, l := setup(t)
		obs := newCountingObserver()
		exec, err := NewExecutor(reg, l, "uelys", obs)
		require.NoError(t, err)

		plan := types.RebalancePlan{
			Sources: []types.PlanLeg{leg(valA, 300), leg(valB, 100)},
			Targets: []types.PlanLeg{leg(valC, 400)},
			Moves: []types.Move{
				{From: valA, To: valC, Amount: sdkmath.NewInt(300), EstimatedYieldDeltaBps: sdkmath.LegacyZeroDec()},
				{From: valB, To: valC, Amount: sdkmath.NewInt(100), EstimatedYieldDeltaBps: sdkmath.LegacyZeroDec()},
			},
		}

		report, err := exec.Execute(ctx, plan)
		require.NoError(t, err)

		assert.Equal(t, "300", l.Get(valA).String())
		assert.Equal(t, "300", l.Get(valB).String())
		assert.Equal(t, "400", l.Get(valC).String())
		assert.True(t, l.Parked().IsZero())
		assert.Equal(t, "1000", ledger.ManagedCapital(l).String())
		require.NoError(t, ledger.Reconcile(ctx, l, reg))

		assert.Len(t, report.Receipts, 3)
		for _, r := range report.Receipts {
			assert.True(t, r.Success)
			assert.Equal(t, "uelys", r.Amount.Denom)
		}
		assert.Equal(t, "400", report.Undelegated.String())
		assert.Equal(t, "400", report.Delegated.String())
		assert.Equal(t, plan.Moves, report.Moves)
		assert.Equal(t, 2, obs.ok[types.PhaseUndelegate])
		assert.Equal(t, 1, obs.ok[types.PhaseDelegate])
	})

	t.Run("Should stop at the first failed undelegation and never delegate", func(t *testing.T) {
		reg, l := setup(t)
		obs := newCountingObserver()
		reg.FailUndelegate(valB, errors.New("validator jailed"))
		exec, err := NewExecutor(reg, l, "uelys", obs)
		require.NoError(t, err)

		plan := types.RebalancePlan{
			Sources: []types.PlanLeg{leg(valA, 300), leg(valB, 100)},
			Targets: []types.PlanLeg{leg(valC, 400)},
		}

		report, err := exec.Execute(ctx, plan)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrPartialExecution)
		assert.ErrorIs(t, err, registry.ErrUndelegateFailed)

		var partial *PartialExecutionError
		require.True(t, errors.As(err, &partial))
		assert.Equal(t, types.PhaseUndelegate, partial.Phase)
		assert.Equal(t, 1, partial.Step)
		assert.Equal(t, valB, partial.Validator)
		assert.Equal(t, "100", partial.Amount.String())
		assert.Equal(t, 1, partial.Completed)

		// First undelegation took effect, second did not.
		assert.Equal(t, "300", l.Get(valA).String())
		assert.Equal(t, "400", l.Get(valB).String())
		assert.True(t, l.Get(valC).IsZero())
		assert.Equal(t, "300", l.Parked().String())
		assert.Equal(t, "1000", ledger.ManagedCapital(l).String())
		assert.Equal(t, 0, reg.DelegateCalls)
		require.NoError(t, ledger.Reconcile(ctx, l, reg))

		require.Len(t, report.Receipts, 2)
		assert.True(t, report.Receipts[0].Success)
		assert.False(t, report.Receipts[1].Success)
		assert.Equal(t, 1, obs.failed[types.PhaseUndelegate])
	})

	t.Run("Should leave undelegated capital parked when a delegation fails", func(t *testing.T) {
		reg, l := setup(t)
		reg.FailDelegate(valC, errors.New("out of gas"))
		exec, err := NewExecutor(reg, l, "uelys", nil)
		require.NoError(t, err)

		plan := types.RebalancePlan{
			Sources: []types.PlanLeg{leg(valA, 200)},
			Targets: []types.PlanLeg{leg(valC, 200)},
		}

		_, err = exec.Execute(ctx, plan)
		var partial *PartialExecutionError
		require.True(t, errors.As(err, &partial))
		assert.Equal(t, types.PhaseDelegate, partial.Phase)
		assert.Equal(t, 0, partial.Step)

		assert.Equal(t, "400", l.Get(valA).String())
		assert.True(t, l.Get(valC).IsZero())
		assert.Equal(t, "200", l.Parked().String())
		assert.Equal(t, "1000", ledger.ManagedCapital(l).String())
	})

	t.Run("Should report the moves whose delegation landed before a failure", func(t *testing.T) {
		reg, l := setup(t)
		reg.FailDelegate(valC, errors.New("out of gas"))
		exec, err := NewExecutor(reg, l, "uelys", nil)
		require.NoError(t, err)

		toB := types.Move{From: valA, To: valB, Amount: sdkmath.NewInt(100), EstimatedYieldDeltaBps: sdkmath.LegacyZeroDec()}
		toC := types.Move{From: valA, To: valC, Amount: sdkmath.NewInt(200), EstimatedYieldDeltaBps: sdkmath.LegacyZeroDec()}
		plan := types.RebalancePlan{
			Sources: []types.PlanLeg{leg(valA, 300)},
			Targets: []types.PlanLeg{leg(valB, 100), leg(valC, 200)},
			Moves:   []types.Move{toB, toC},
		}

		report, err := exec.Execute(ctx, plan)
		var partial *PartialExecutionError
		require.True(t, errors.As(err, &partial))
		assert.Equal(t, 2, partial.Completed)
		assert.Equal(t, []types.Move{toB}, report.Moves)
		assert.Equal(t, "500", l.Get(valB).String())
		assert.Equal(t, "200", l.Parked().String())
	})

	t.Run("Should draw parked capital without calling the registry", func(t *testing.T) {
		reg, l := setup(t)
		require.NoError(t, l.SetParked(sdkmath.NewInt(250)))
		exec, err := NewExecutor(reg, l, "uelys", nil)
		require.NoError(t, err)

		plan := types.RebalancePlan{
			Sources: []types.PlanLeg{leg(types.ParkedCapital, 250)},
			Targets: []types.PlanLeg{leg(valC, 250)},
		}

		report, err := exec.Execute(ctx, plan)
		require.NoError(t, err)
		assert.Equal(t, 0, reg.UndelegateCalls)
		assert.Equal(t, 1, reg.DelegateCalls)
		assert.True(t, l.Parked().IsZero())
		assert.Equal(t, "250", l.Get(valC).String())
		assert.Len(t, report.Receipts, 1)
	})

	t.Run("Should reject an unbalanced plan before touching the registry", func(t *testing.T) {
		reg, l := setup(t)
		exec, err := NewExecutor(reg, l, "uelys", nil)
		require.NoError(t, err)

		_, err = exec.Execute(ctx, types.RebalancePlan{
			Sources: []types.PlanLeg{leg(valA, 200)},
			Targets: []types.PlanLeg{leg(valC, 150)},
		})
		assert.ErrorIs(t, err, planner.ErrConservationViolated)
		assert.Equal(t, 0, reg.Calls())
	})

	t.Run("Should reject a source larger than its ledger record", func(t *testing.T) {
		reg, l := setup(t)
		exec, err := NewExecutor(reg, l, "uelys", nil)
		require.NoError(t, err)

		_, err = exec.Execute(ctx, types.RebalancePlan{
			Sources: []types.PlanLeg{leg(valB, 500)},
			Targets: []types.PlanLeg{leg(valC, 500)},
		})
		assert.ErrorIs(t, err, ledger.ErrStaleLedger)
		assert.Equal(t, 0, reg.Calls())
	})

	t.Run("Should not start steps once the context is cancelled", func(t *testing.T) {
		reg, l := setup(t)
		exec, err := NewExecutor(reg, l, "uelys", nil)
		require.NoError(t, err)

		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		_, err = exec.Execute(cancelled, types.RebalancePlan{
			Sources: []types.PlanLeg{leg(valA, 100)},
			Targets: []types.PlanLeg{leg(valC, 100)},
		})
		assert.ErrorIs(t, err, ErrPartialExecution)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 0, reg.Calls())
		assert.Equal(t, "600", l.Get(valA).String())
	})
}
