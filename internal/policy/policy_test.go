package policy

import (
	"context"
	"strings"
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elys-network/avr/internal/analyzer"
	"github.com/elys-network/avr/internal/ledger"
	"github.com/elys-network/avr/internal/registry"
	"github.com/elys-network/avr/internal/types"
)

var (
	valA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	valB = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	valC = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

func testParams() types.PolicyParameters {
	return types.PolicyParameters{
		ApyDeltaThresholdBps: 50,
		RiskScoreThreshold:   300,
		BaseRewardRateBps:    800,
		MaxValidators:        10,
		DustTolerance:        sdkmath.NewInt(5),
		MaxMovesPerCycle:     8,
	}
}

// scenario builds the three-validator setup with the given delegations, mirrored in the ledger.
func scenario(t *testing.T, a, b, c int64) (*registry.MemoryRegistry, *ledger.MemoryLedger) {
	t.Helper()
	reg := registry.NewMemoryRegistry(
		types.Validator{Address: valA, DelegatedAmount: sdkmath.NewInt(a), CommissionRate: 500, HybridScore: 850, IsActive: true},
		types.Validator{Address: valB, DelegatedAmount: sdkmath.NewInt(b), CommissionRate: 300, HybridScore: 900, IsActive: true},
		types.Validator{Address: valC, DelegatedAmount: sdkmath.NewInt(c), CommissionRate: 700, HybridScore: 800, IsActive: true},
	)
	l := ledger.NewMemoryLedger()
	_, err := ledger.Bootstrap(context.Background(), l, reg)
	require.NoError(t, err)
	return reg, l
}

func Test_ShouldRebalance(t *testing.T) {
	ctx := context.Background()
	params := testParams()

	t.Run("Should report a yield improvement in the three validator scenario", func(t *testing.T) {
		reg, l := scenario(t, 1000, 0, 0)

		decision, err := ShouldRebalance(ctx, l, reg, params)
		require.NoError(t, err)
		assert.True(t, decision.NeedsRebalance)
		assert.True(t, strings.HasPrefix(decision.Reason, ReasonYieldImprovement), decision.Reason)
		assert.Equal(t, "646.000000000000000000", decision.CurrentYieldBps.String())
		assert.Equal(t, "698.400000000000000000", decision.BestYieldBps.String())
		assert.True(t, decision.OptimalYieldBps.GT(decision.CurrentYieldBps))
		assert.Equal(t, "1000", decision.ManagedCapital.String())
		assert.Equal(t, 0, reg.Calls())
	})

	t.Run("Should return the same answer when nothing changed", func(t *testing.T) {
		reg, l := scenario(t, 1000, 0, 0)

		first, err := ShouldRebalance(ctx, l, reg, params)
		require.NoError(t, err)
		second, err := ShouldRebalance(ctx, l, reg, params)
		require.NoError(t, err)

		assert.Equal(t, first.NeedsRebalance, second.NeedsRebalance)
		assert.Equal(t, first.Reason, second.Reason)
	})

	t.Run("Should flag an inactive validator holding capital", func(t *testing.T) {
		reg, l := scenario(t, 1000, 0, 0)
		require.NoError(t, reg.SetActive(valA, false))

		decision, err := ShouldRebalance(ctx, l, reg, params)
		require.NoError(t, err)
		assert.True(t, decision.NeedsRebalance)
		assert.True(t, strings.HasPrefix(decision.Reason, ReasonInactiveHoldsCapital), decision.Reason)
		assert.Contains(t, decision.Reason, valA.Hex())

		validators, err := registry.GetAllValidators(ctx, reg)
		require.NoError(t, err)
		scores, err := analyzer.CalculateValidatorScores(validators, params)
		require.NoError(t, err)
		allocations, err := analyzer.ComputeOptimalDistribution(scores, params)
		require.NoError(t, err)
		for _, a := range allocations {
			assert.NotEqual(t, valA, a.Validator)
		}
	})

	t.Run("Should flag a tracked validator above the risk threshold", func(t *testing.T) {
		reg, l := scenario(t, 0, 0, 1000)
		reg.Upsert(types.Validator{Address: valC, DelegatedAmount: sdkmath.NewInt(1000), CommissionRate: 700, HybridScore: 600, IsActive: true})

		decision, err := ShouldRebalance(ctx, l, reg, params)
		require.NoError(t, err)
		assert.True(t, decision.NeedsRebalance)
		assert.True(t, strings.HasPrefix(decision.Reason, ReasonRiskThresholdExceeded), decision.Reason)
	})

	t.Run("Should block on a stale ledger without touching the registry", func(t *testing.T) {
		reg, l := scenario(t, 1000, 0, 0)
		require.NoError(t, l.Set(valA, sdkmath.NewInt(900)))

		decision, err := ShouldRebalance(ctx, l, reg, params)
		require.NoError(t, err)
		assert.False(t, decision.NeedsRebalance)
		assert.True(t, decision.Stale)
		assert.True(t, strings.HasPrefix(decision.Reason, ReasonStaleLedger), decision.Reason)
		assert.Equal(t, 0, reg.Calls())
	})

	t.Run("Should report no capital when nothing is managed", func(t *testing.T) {
		reg, l := scenario(t, 0, 0, 0)

		decision, err := ShouldRebalance(ctx, l, reg, params)
		require.NoError(t, err)
		assert.False(t, decision.NeedsRebalance)
		assert.Equal(t, ReasonNoCapital, decision.Reason)
	})

	t.Run("Should redeploy parked capital above the dust tolerance", func(t *testing.T) {
		reg, l := scenario(t, 361, 333, 306)
		require.NoError(t, l.SetParked(sdkmath.NewInt(100)))

		decision, err := ShouldRebalance(ctx, l, reg, params)
		require.NoError(t, err)
		assert.True(t, decision.NeedsRebalance)
		assert.True(t, strings.HasPrefix(decision.Reason, ReasonUnassignedCapital), decision.Reason)
	})

	t.Run("Should not rebalance below the yield threshold", func(t *testing.T) {
		reg, l := scenario(t, 1000, 0, 0)
		high := params
		high.ApyDeltaThresholdBps = 100

		decision, err := ShouldRebalance(ctx, l, reg, high)
		require.NoError(t, err)
		assert.False(t, decision.NeedsRebalance)
		assert.Equal(t, ReasonNoRebalanceNeeded, decision.Reason)
	})

	t.Run("Should not rebalance a portfolio already on its target", func(t *testing.T) {
		// B 361, A 333, C 306 is the optimal distribution of 1000.
		reg, l := scenario(t, 333, 361, 306)
		low := params
		low.ApyDeltaThresholdBps = 10

		decision, err := ShouldRebalance(ctx, l, reg, low)
		require.NoError(t, err)
		assert.False(t, decision.NeedsRebalance)
		assert.Equal(t, ReasonNoRebalanceNeeded, decision.Reason)
	})
}

func Test_Evaluate(t *testing.T) {
	params := testParams()

	t.Run("Should treat a tracked validator missing from the scores as inactive", func(t *testing.T) {
		view := View{
			Records:        []types.DelegationRecord{{Validator: valA, Amount: sdkmath.NewInt(10)}},
			Parked:         sdkmath.ZeroInt(),
			ManagedCapital: sdkmath.NewInt(10),
		}
		decision, err := Evaluate(view, params)
		require.NoError(t, err)
		assert.True(t, decision.NeedsRebalance)
		assert.True(t, strings.HasPrefix(decision.Reason, ReasonInactiveHoldsCapital))
	})
}

func Test_ShouldRebalanceWithDeferred(t *testing.T) {
	ctx := context.Background()
	params := testParams()

	t.Run("Should resume deferred moves the yield trigger no longer sees", func(t *testing.T) {
		// One move into B already done, the move into C was cut by the bound.
		reg, l := scenario(t, 639, 361, 0)

		without, err := ShouldRebalance(ctx, l, reg, params)
		require.NoError(t, err)
		assert.False(t, without.NeedsRebalance)

		decision, err := ShouldRebalanceWithDeferred(ctx, l, reg, params, true)
		require.NoError(t, err)
		assert.True(t, decision.NeedsRebalance)
		assert.True(t, strings.HasPrefix(decision.Reason, ReasonDeferredMoves))
	})

	t.Run("Should settle once the target is reached", func(t *testing.T) {
		reg, l := scenario(t, 333, 361, 306)

		decision, err := ShouldRebalanceWithDeferred(ctx, l, reg, params, true)
		require.NoError(t, err)
		assert.False(t, decision.NeedsRebalance)
		assert.Equal(t, ReasonNoRebalanceNeeded, decision.Reason)
	})
}
