package analyzer

import (
	sdkmath "cosmossdk.io/math"

	"github.com/elys-network/avr/internal/types"
)

// BlendedYield is the delegation-weighted average effective yield of the given records.
// Validators without a score contribute zero yield. Returns zero when nothing is delegated.
func BlendedYield(records []types.DelegationRecord, scores []types.ValidatorScore) sdkmath.LegacyDec {
	byValidator := ScoresByValidator(scores)
	weighted := sdkmath.LegacyZeroDec()
	total := sdkmath.ZeroInt()
	for _, r := range records {
		if r.Amount.IsNil() || !r.Amount.IsPositive() {
			continue
		}
		total = total.Add(r.Amount)
		if s, ok := byValidator[r.Validator]; ok {
			weighted = weighted.Add(s.EffectiveYieldBps.MulInt(r.Amount))
		}
	}
	if total.IsZero() {
		return sdkmath.LegacyZeroDec()
	}
	return weighted.QuoInt(total)
}

// AllocationYield is the blended yield a distribution would earn.
func AllocationYield(allocations []types.Allocation, scores []types.ValidatorScore) sdkmath.LegacyDec {
	byValidator := ScoresByValidator(scores)
	weighted := sdkmath.LegacyZeroDec()
	for _, a := range allocations {
		if s, ok := byValidator[a.Validator]; ok {
			weighted = weighted.Add(s.EffectiveYieldBps.MulInt64(int64(a.BasisPoints)))
		}
	}
	return weighted.QuoInt64(types.BasisPointsDenominator)
}

// BestYield is the highest effective yield among the qualifying validators, zero if none qualify.
func BestYield(scores []types.ValidatorScore, params types.PolicyParameters) sdkmath.LegacyDec {
	best := sdkmath.LegacyZeroDec()
	for _, s := range scores {
		if Qualifies(s, params) && s.EffectiveYieldBps.GT(best) {
			best = s.EffectiveYieldBps
		}
	}
	return best
}
