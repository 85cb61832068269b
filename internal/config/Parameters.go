/*

This file contains the default policy parameters for the AVR.

These parameters are designed for managing a large delegation book in a production environment.
Each value trades responsiveness against the cost and risk of moving stake.

*/

package config

import (
	sdkmath "cosmossdk.io/math"

	"github.com/elys-network/avr/internal/types"
)

// DefaultPolicyParameters provides a baseline set of parameters for the AVR's policy.
// These values are used if no active parameters are found in the database during initialization.
var DefaultPolicyParameters = types.PolicyParameters{
	// --- Decision Thresholds ---
	ApyDeltaThresholdBps: 50, // Rebalance only for at least 0.5% of estimated yield.
	// Rationale: Every move costs an undelegation and a delegation. Smaller gains
	// are eaten by fees and by rewards lost while capital is parked.

	RiskScoreThreshold: 300, // Exit validators whose risk score is above 300 (hybrid score below 700).
	// Rationale: A hybrid score under 700 usually means missed blocks or a recent jail.
	// Capital should leave before a slash, not after.

	// --- Scoring ---
	BaseRewardRateBps: 800, // 8% network reward rate before commission.
	// Rationale: Only relative yields drive decisions, so this mainly scales the
	// APY delta threshold into meaningful units.

	// --- Distribution ---
	MaxValidators: 10, // Spread capital across at most 10 validators.
	// Rationale: Enough to contain a single validator failure, few enough that each
	// position stays meaningful and plans stay small.

	// --- Execution Bounds ---
	DustTolerance: sdkmath.NewInt(1_000_000), // Ignore deviations up to 1 token (6 decimals).
	// Rationale: Moving dust costs more in gas than it earns.

	MaxMovesPerCycle: 8, // At most 8 registry calls' worth of moves per cycle.
	// Rationale: Bounds the transaction cost of a single cycle. Larger plans finish
	// over the following cycles, largest imbalances first.
}
