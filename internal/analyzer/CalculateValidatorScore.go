/*

This file contains the functions for scoring a validator: its effective yield after commission
and its risk score.

Both are pure functions of the validator's registry state and the policy parameters.

*/

package analyzer

import (
	"errors"
	"fmt"

	sdkmath "cosmossdk.io/math"

	"github.com/elys-network/avr/internal/logger"
	"github.com/elys-network/avr/internal/types"
)

var ErrInvalidValidatorData = errors.New("invalid validator data")
var ErrInvalidPolicyParameters = errors.New("invalid policy parameters")

// MaxBaseRewardRateBps caps the base reward rate at 1000% to catch unit mistakes.
const MaxBaseRewardRateBps = 100 * types.BasisPointsDenominator

// EffectiveYield estimates the validator's net annualized yield in basis points:
//
//	BaseRewardRateBps * hybridScore/1000 * (10000 - commission)/10000
//
// Inactive validators, and validators keeping all rewards as commission, yield zero.
func EffectiveYield(v types.Validator, params types.PolicyParameters) sdkmath.LegacyDec {
	if !v.IsActive || v.CommissionRate >= types.BasisPointsDenominator {
		return sdkmath.LegacyZeroDec()
	}
	hybrid := v.HybridScore
	if hybrid > types.MaxHybridScore {
		hybrid = types.MaxHybridScore
	}
	return sdkmath.LegacyNewDecFromInt(sdkmath.NewIntFromUint64(params.BaseRewardRateBps)).
		MulInt64(int64(hybrid)).
		QuoInt64(types.MaxHybridScore).
		MulInt64(int64(types.BasisPointsDenominator - v.CommissionRate)).
		QuoInt64(types.BasisPointsDenominator)
}

// RiskScore is the inverse of the hybrid score, higher is worse. Inactive validators
// always get MaxRiskScore so they are flagged for exit.
func RiskScore(v types.Validator) uint64 {
	if !v.IsActive {
		return types.MaxRiskScore
	}
	if v.HybridScore >= types.MaxHybridScore {
		return 0
	}
	return types.MaxRiskScore - v.HybridScore
}

// CalculateValidatorScore validates a validator and derives its score.
func CalculateValidatorScore(v types.Validator, params types.PolicyParameters) (types.ValidatorScore, error) {
	if err := ValidateValidatorData(v); err != nil {
		return types.ValidatorScore{}, errors.Join(ErrInvalidValidatorData, err)
	}
	return types.ValidatorScore{
		Validator:         v.Address,
		EffectiveYieldBps: EffectiveYield(v, params),
		RiskScore:         RiskScore(v),
		CommissionRate:    v.CommissionRate,
		IsActive:          v.IsActive,
	}, nil
}

// CalculateValidatorScores scores every validator, in input order.
func CalculateValidatorScores(validators []types.Validator, params types.PolicyParameters) ([]types.ValidatorScore, error) {
	scoreLogger := logger.GetForComponent("validator_scorer")

	if err := ValidatePolicyParameters(params); err != nil {
		scoreLogger.Error().Err(err).Msg("Policy parameters validation failed")
		return nil, errors.Join(ErrInvalidPolicyParameters, err)
	}

	scores := make([]types.ValidatorScore, 0, len(validators))
	for _, v := range validators {
		score, err := CalculateValidatorScore(v, params)
		if err != nil {
			scoreLogger.Error().
				Str("validator", v.Address.Hex()).
				Err(err).
				Msg("Validator data validation failed")
			return nil, err
		}
		scoreLogger.Debug().
			Str("validator", v.Address.Hex()).
			Str("effectiveYieldBps", score.EffectiveYieldBps.String()).
			Uint64("riskScore", score.RiskScore).
			Bool("active", score.IsActive).
			Msg("Validator scored")
		scores = append(scores, score)
	}
	return scores, nil
}

// ValidateValidatorData checks the registry fields are within their documented ranges.
func ValidateValidatorData(v types.Validator) error {
	if v.Address == types.ParkedCapital {
		return errors.New("validator address cannot be the zero address")
	}
	if v.HybridScore > types.MaxHybridScore {
		return fmt.Errorf("hybrid score %d for %s exceeds %d", v.HybridScore, v.Address.Hex(), types.MaxHybridScore)
	}
	if v.CommissionRate > types.BasisPointsDenominator {
		return fmt.Errorf("commission rate %d for %s exceeds %d", v.CommissionRate, v.Address.Hex(), types.BasisPointsDenominator)
	}
	if !v.DelegatedAmount.IsNil() && v.DelegatedAmount.IsNegative() {
		return fmt.Errorf("delegated amount for %s is negative", v.Address.Hex())
	}
	return nil
}

// ValidatePolicyParameters checks every tunable is usable.
func ValidatePolicyParameters(params types.PolicyParameters) error {
	if params.BaseRewardRateBps == 0 {
		return errors.New("BaseRewardRateBps must be positive")
	}
	if params.BaseRewardRateBps > MaxBaseRewardRateBps {
		return fmt.Errorf("BaseRewardRateBps (%d) exceeds %d", params.BaseRewardRateBps, MaxBaseRewardRateBps)
	}
	if params.RiskScoreThreshold > types.MaxRiskScore {
		return fmt.Errorf("RiskScoreThreshold (%d) exceeds %d", params.RiskScoreThreshold, types.MaxRiskScore)
	}
	if params.ApyDeltaThresholdBps > types.BasisPointsDenominator {
		return fmt.Errorf("ApyDeltaThresholdBps (%d) exceeds %d", params.ApyDeltaThresholdBps, types.BasisPointsDenominator)
	}
	if params.MaxValidators < 0 {
		return errors.New("MaxValidators cannot be negative")
	}
	if params.DustTolerance.IsNil() || params.DustTolerance.IsNegative() {
		return errors.New("DustTolerance must be set and non-negative")
	}
	if params.MaxMovesPerCycle <= 0 {
		return errors.New("MaxMovesPerCycle must be positive")
	}
	return nil
}
