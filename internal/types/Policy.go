/*

This file contains the operator-tunable parameters read by the policy on every decision cycle.

*/

package types

import (
	sdkmath "cosmossdk.io/math"
)

// PolicyParameters holds all tunable thresholds and bounds used for scoring,
// deciding and planning. Only the operator may change them.
type PolicyParameters struct {
	// --- Decision Thresholds ---
	ApyDeltaThresholdBps uint64 `json:"apy_delta_threshold_bps"` // Minimum estimated yield improvement (bps) that justifies a rebalance.
	RiskScoreThreshold   uint64 `json:"risk_score_threshold"`    // Validators whose risk score exceeds this are exited and never targeted.

	// --- Scoring ---
	BaseRewardRateBps uint64 `json:"base_reward_rate_bps"` // Network reward rate before commission, scaled by the hybrid score.

	// --- Distribution ---
	MaxValidators int `json:"max_validators"` // Maximum validators in the target set. 0 means no cap.

	// --- Execution Bounds ---
	DustTolerance    sdkmath.Int `json:"dust_tolerance"`      // Deviations at or below this amount are not moved.
	MaxMovesPerCycle int         `json:"max_moves_per_cycle"` // Discrete moves allowed per cycle. Larger plans are truncated.
}
