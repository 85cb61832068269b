package analyzer

import (
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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
		DustTolerance:        sdkmath.NewInt(1),
		MaxMovesPerCycle:     8,
	}
}

func scenarioValidators() []types.Validator {
	return []types.Validator{
		{Address: valA, DelegatedAmount: sdkmath.NewInt(1000), CommissionRate: 500, HybridScore: 850, IsActive: true},
		{Address: valB, DelegatedAmount: sdkmath.ZeroInt(), CommissionRate: 300, HybridScore: 900, IsActive: true},
		{Address: valC, DelegatedAmount: sdkmath.ZeroInt(), CommissionRate: 700, HybridScore: 800, IsActive: true},
	}
}

func Test_EffectiveYield(t *testing.T) {
	params := testParams()

	t.Run("Should net commission off the scaled base rate", func(t *testing.T) {
		v := scenarioValidators()
		assert.Equal(t, "646.000000000000000000", EffectiveYield(v[0], params).String())
		assert.Equal(t, "698.400000000000000000", EffectiveYield(v[1], params).String())
		assert.Equal(t, "595.200000000000000000", EffectiveYield(v[2], params).String())
	})

	t.Run("Should be zero for inactive validators", func(t *testing.T) {
		v := scenarioValidators()[1]
		v.IsActive = false
		assert.True(t, EffectiveYield(v, params).IsZero())
	})

	t.Run("Should be zero when commission takes everything", func(t *testing.T) {
		v := scenarioValidators()[1]
		v.CommissionRate = types.BasisPointsDenominator
		assert.True(t, EffectiveYield(v, params).IsZero())
	})

	t.Run("Should never decrease as hybrid score grows", func(t *testing.T) {
		v := scenarioValidators()[0]
		prevYield := sdkmath.LegacyZeroDec()
		prevRisk := uint64(types.MaxRiskScore)
		for hybrid := uint64(0); hybrid <= types.MaxHybridScore; hybrid += 7 {
			v.HybridScore = hybrid
			y := EffectiveYield(v, params)
			r := RiskScore(v)
			assert.True(t, y.GTE(prevYield), "yield dropped at hybrid %d", hybrid)
			assert.LessOrEqual(t, r, prevRisk, "risk rose at hybrid %d", hybrid)
			prevYield, prevRisk = y, r
		}
	})

	t.Run("Should never increase as commission grows", func(t *testing.T) {
		v := scenarioValidators()[0]
		prev := EffectiveYield(types.Validator{Address: valA, HybridScore: v.HybridScore, IsActive: true}, params)
		for commission := uint64(0); commission <= types.BasisPointsDenominator; commission += 37 {
			v.CommissionRate = commission
			y := EffectiveYield(v, params)
			assert.True(t, y.LTE(prev), "yield rose at commission %d", commission)
			prev = y
		}
	})
}

func Test_RiskScore(t *testing.T) {
	v := scenarioValidators()[0]
	assert.Equal(t, uint64(150), RiskScore(v))

	v.IsActive = false
	assert.Equal(t, uint64(types.MaxRiskScore), RiskScore(v))
}

func Test_CalculateValidatorScores(t *testing.T) {
	t.Run("Should reject out of range hybrid scores", func(t *testing.T) {
		v := scenarioValidators()
		v[0].HybridScore = 1001
		_, err := CalculateValidatorScores(v, testParams())
		assert.ErrorIs(t, err, ErrInvalidValidatorData)
	})

	t.Run("Should reject invalid parameters", func(t *testing.T) {
		params := testParams()
		params.MaxMovesPerCycle = 0
		_, err := CalculateValidatorScores(scenarioValidators(), params)
		assert.ErrorIs(t, err, ErrInvalidPolicyParameters)
	})

	t.Run("Should score in input order", func(t *testing.T) {
		scores, err := CalculateValidatorScores(scenarioValidators(), testParams())
		require.NoError(t, err)
		require.Len(t, scores, 3)
		assert.Equal(t, valA, scores[0].Validator)
		assert.Equal(t, uint64(100), scores[1].RiskScore)
	})
}

func Test_ComputeOptimalDistribution(t *testing.T) {
	params := testParams()
	scores, err := CalculateValidatorScores(scenarioValidators(), params)
	require.NoError(t, err)

	t.Run("Should rank B, then A, then C and weight toward B", func(t *testing.T) {
		allocs, err := ComputeOptimalDistribution(scores, params)
		require.NoError(t, err)
		require.Len(t, allocs, 3)

		validators, bps := SplitAllocations(allocs)
		assert.Equal(t, []common.Address{valB, valA, valC}, validators)
		assert.Equal(t, []uint64{3601, 3330, 3069}, bps)
		assert.Greater(t, bps[0], bps[1])
		assert.Greater(t, bps[1], bps[2])
	})

	t.Run("Should sum to exactly 10000 basis points", func(t *testing.T) {
		validators := scenarioValidators()
		for i := 0; i < 7; i++ {
			validators = append(validators, types.Validator{
				Address:        common.BigToAddress(sdkmath.NewInt(int64(0x100 + i)).BigInt()),
				CommissionRate: uint64(100 * i),
				HybridScore:    uint64(710 + 37*i),
				IsActive:       true,
			})
		}
		s, err := CalculateValidatorScores(validators, params)
		require.NoError(t, err)
		allocs, err := ComputeOptimalDistribution(s, params)
		require.NoError(t, err)

		var total uint64
		for _, a := range allocs {
			total += a.BasisPoints
		}
		assert.Equal(t, uint64(types.BasisPointsDenominator), total)
	})

	t.Run("Should exclude inactive validators", func(t *testing.T) {
		validators := scenarioValidators()
		validators[0].IsActive = false
		s, err := CalculateValidatorScores(validators, params)
		require.NoError(t, err)
		allocs, err := ComputeOptimalDistribution(s, params)
		require.NoError(t, err)
		for _, a := range allocs {
			assert.NotEqual(t, valA, a.Validator)
		}
		assert.Len(t, allocs, 2)
	})

	t.Run("Should exclude validators above the risk threshold", func(t *testing.T) {
		p := params
		p.RiskScoreThreshold = 150
		allocs, err := ComputeOptimalDistribution(scores, p)
		require.NoError(t, err)
		validators, _ := SplitAllocations(allocs)
		assert.Equal(t, []common.Address{valB, valA}, validators)
	})

	t.Run("Should give a single qualifying validator everything", func(t *testing.T) {
		p := params
		p.RiskScoreThreshold = 100
		allocs, err := ComputeOptimalDistribution(scores, p)
		require.NoError(t, err)
		require.Len(t, allocs, 1)
		assert.Equal(t, valB, allocs[0].Validator)
		assert.Equal(t, uint64(types.BasisPointsDenominator), allocs[0].BasisPoints)
	})

	t.Run("Should return nothing when no validator is safe", func(t *testing.T) {
		p := params
		p.RiskScoreThreshold = 50
		allocs, err := ComputeOptimalDistribution(scores, p)
		require.NoError(t, err)
		assert.Empty(t, allocs)
	})

	t.Run("Should cap the target set at MaxValidators", func(t *testing.T) {
		p := params
		p.MaxValidators = 2
		allocs, err := ComputeOptimalDistribution(scores, p)
		require.NoError(t, err)
		validators, _ := SplitAllocations(allocs)
		assert.Equal(t, []common.Address{valB, valA}, validators)
	})

	t.Run("Should break yield ties by commission then address", func(t *testing.T) {
		tied := []types.ValidatorScore{
			{Validator: valC, EffectiveYieldBps: sdkmath.LegacyNewDec(500), CommissionRate: 100, IsActive: true},
			{Validator: valB, EffectiveYieldBps: sdkmath.LegacyNewDec(500), CommissionRate: 200, IsActive: true},
			{Validator: valA, EffectiveYieldBps: sdkmath.LegacyNewDec(500), CommissionRate: 100, IsActive: true},
		}
		ranked := RankValidators(tied, params)
		assert.Equal(t, valA, ranked[0].Validator)
		assert.Equal(t, valC, ranked[1].Validator)
		assert.Equal(t, valB, ranked[2].Validator)
	})
}

func Test_BlendedYield(t *testing.T) {
	params := testParams()
	scores, err := CalculateValidatorScores(scenarioValidators(), params)
	require.NoError(t, err)

	t.Run("Should weight by delegation", func(t *testing.T) {
		records := []types.DelegationRecord{
			{Validator: valA, Amount: sdkmath.NewInt(500)},
			{Validator: valB, Amount: sdkmath.NewInt(500)},
		}
		assert.Equal(t, "672.200000000000000000", BlendedYield(records, scores).String())
	})

	t.Run("Should be zero without delegations", func(t *testing.T) {
		assert.True(t, BlendedYield(nil, scores).IsZero())
	})

	t.Run("Should report the best qualifying yield", func(t *testing.T) {
		assert.Equal(t, "698.400000000000000000", BestYield(scores, params).String())
	})

	t.Run("Should weight a distribution by basis points", func(t *testing.T) {
		allocs := []types.Allocation{{Validator: valB, BasisPoints: 10000}}
		assert.Equal(t, "698.400000000000000000", AllocationYield(allocs, scores).String())
	})
}
