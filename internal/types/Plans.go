/*

This file contains the types for rebalance plans and the receipts produced when they are executed.

*/

package types

import (
	"time"

	sdkmath "cosmossdk.io/math"
	sdktypes "github.com/cosmos/cosmos-sdk/types"
	"github.com/ethereum/go-ethereum/common"
)

// PlanLeg is a single undelegation (source) or delegation (target) of a plan.
type PlanLeg struct {
	Validator common.Address `json:"validator"`
	Amount    sdkmath.Int    `json:"amount"`
}

// Move pairs a source with a destination so every transfer can be audited on its own.
type Move struct {
	From                   common.Address    `json:"from"`
	To                     common.Address    `json:"to"`
	Amount                 sdkmath.Int       `json:"amount"`
	EstimatedYieldDeltaBps sdkmath.LegacyDec `json:"estimated_yield_delta_bps"`
}

// RebalancePlan describes the exact moves of one cycle. sum(Sources) == sum(Targets) always.
type RebalancePlan struct {
	Sources  []PlanLeg `json:"sources"`
	Targets  []PlanLeg `json:"targets"`
	Moves    []Move    `json:"moves"`
	Deferred []Move    `json:"deferred,omitempty"` // Cut by the per-cycle move bound, left for a later cycle
}

func (p RebalancePlan) IsEmpty() bool {
	return len(p.Sources) == 0 && len(p.Targets) == 0
}

func (p RebalancePlan) SourceValidators() []common.Address { return legValidators(p.Sources) }
func (p RebalancePlan) SourceAmounts() []sdkmath.Int        { return legAmounts(p.Sources) }
func (p RebalancePlan) TargetValidators() []common.Address { return legValidators(p.Targets) }
func (p RebalancePlan) TargetAmounts() []sdkmath.Int        { return legAmounts(p.Targets) }

// TotalMoved is the capital rerouted by the plan.
func (p RebalancePlan) TotalMoved() sdkmath.Int {
	return SumLegs(p.Sources)
}

func SumLegs(legs []PlanLeg) sdkmath.Int {
	total := sdkmath.ZeroInt()
	for _, leg := range legs {
		total = total.Add(leg.Amount)
	}
	return total
}

func legValidators(legs []PlanLeg) []common.Address {
	out := make([]common.Address, len(legs))
	for i, leg := range legs {
		out[i] = leg.Validator
	}
	return out
}

func legAmounts(legs []PlanLeg) []sdkmath.Int {
	out := make([]sdkmath.Int, len(legs))
	for i, leg := range legs {
		out[i] = leg.Amount
	}
	return out
}

// ExecutionPhase identifies which half of a plan a step belongs to.
type ExecutionPhase string

const (
	PhaseUndelegate ExecutionPhase = "UNDELEGATE"
	PhaseDelegate   ExecutionPhase = "DELEGATE"
)

// MoveReceipt records the outcome of a single registry call.
type MoveReceipt struct {
	Phase     ExecutionPhase `json:"phase"`
	Validator common.Address `json:"validator"`
	Amount    sdktypes.Coin  `json:"amount"`
	Success   bool           `json:"success"`
	Message   string         `json:"message,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
