/*

This file contains the functions for ranking scored validators and turning the
ranking into a target distribution expressed in basis points.

*/

package analyzer

import (
	"bytes"
	"errors"
	"sort"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"github.com/elys-network/avr/internal/logger"
	"github.com/elys-network/avr/internal/types"
)

// Qualifies reports whether a validator may receive capital: active, within the risk
// threshold, and with a positive effective yield.
func Qualifies(score types.ValidatorScore, params types.PolicyParameters) bool {
	return score.IsActive &&
		score.RiskScore <= params.RiskScoreThreshold &&
		score.EffectiveYieldBps.IsPositive()
}

// RankValidators returns the qualifying validators ordered by effective yield descending,
// then commission ascending, then address ascending, capped at MaxValidators.
func RankValidators(scores []types.ValidatorScore, params types.PolicyParameters) []types.ValidatorScore {
	ranked := make([]types.ValidatorScore, 0, len(scores))
	for _, s := range scores {
		if Qualifies(s, params) {
			ranked = append(ranked, s)
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return rankLess(ranked[i], ranked[j])
	})

	if params.MaxValidators > 0 && len(ranked) > params.MaxValidators {
		ranked = ranked[:params.MaxValidators]
	}
	return ranked
}

func rankLess(a, b types.ValidatorScore) bool {
	if !a.EffectiveYieldBps.Equal(b.EffectiveYieldBps) {
		return a.EffectiveYieldBps.GT(b.EffectiveYieldBps)
	}
	if a.CommissionRate != b.CommissionRate {
		return a.CommissionRate < b.CommissionRate
	}
	return bytes.Compare(a.Validator.Bytes(), b.Validator.Bytes()) < 0
}

// ComputeOptimalDistribution allocates 10000 basis points across the ranked validators in
// proportion to their effective yield. Rounding uses the largest remainder method so the
// allocations always sum to exactly 10000. An empty result means there is no safe target.
func ComputeOptimalDistribution(scores []types.ValidatorScore, params types.PolicyParameters) ([]types.Allocation, error) {
	selectorLogger := logger.GetForComponent("validator_selector")

	if err := ValidatePolicyParameters(params); err != nil {
		return nil, errors.Join(ErrInvalidPolicyParameters, err)
	}

	ranked := RankValidators(scores, params)
	if len(ranked) == 0 {
		selectorLogger.Warn().Msg("No validator meets the safety criteria, no target distribution")
		return []types.Allocation{}, nil
	}

	totalYield := sdkmath.LegacyZeroDec()
	for _, s := range ranked {
		totalYield = totalYield.Add(s.EffectiveYieldBps)
	}

	type share struct {
		bps       uint64
		remainder sdkmath.LegacyDec
	}
	shares := make([]share, len(ranked))
	var assigned uint64
	for i, s := range ranked {
		exact := s.EffectiveYieldBps.MulInt64(types.BasisPointsDenominator).Quo(totalYield)
		floor := exact.TruncateInt()
		shares[i] = share{bps: floor.Uint64(), remainder: exact.Sub(sdkmath.LegacyNewDecFromInt(floor))}
		assigned += shares[i].bps
	}

	// Hand out the leftover basis points one at a time, largest remainder first, rank breaks ties.
	order := make([]int, len(ranked))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return shares[order[a]].remainder.GT(shares[order[b]].remainder)
	})
	for k := 0; assigned < types.BasisPointsDenominator; k++ {
		shares[order[k%len(order)]].bps++
		assigned++
	}

	allocations := make([]types.Allocation, 0, len(ranked))
	for i, s := range ranked {
		if shares[i].bps == 0 {
			continue
		}
		allocations = append(allocations, types.Allocation{Validator: s.Validator, BasisPoints: shares[i].bps})
		selectorLogger.Debug().
			Int("rank", i+1).
			Str("validator", s.Validator.Hex()).
			Str("effectiveYieldBps", s.EffectiveYieldBps.String()).
			Uint64("basisPoints", shares[i].bps).
			Msg("Validator allocation")
	}

	selectorLogger.Info().
		Int("qualifying", len(ranked)).
		Int("allocated", len(allocations)).
		Msg("Optimal distribution calculated")

	return allocations, nil
}

// SplitAllocations returns the distribution as the parallel arrays operators consume.
func SplitAllocations(allocations []types.Allocation) ([]common.Address, []uint64) {
	validators := make([]common.Address, len(allocations))
	bps := make([]uint64, len(allocations))
	for i, a := range allocations {
		validators[i] = a.Validator
		bps[i] = a.BasisPoints
	}
	return validators, bps
}

// ScoresByValidator indexes scores by address.
func ScoresByValidator(scores []types.ValidatorScore) map[common.Address]types.ValidatorScore {
	out := make(map[common.Address]types.ValidatorScore, len(scores))
	for _, s := range scores {
		out[s.Validator] = s
	}
	return out
}
