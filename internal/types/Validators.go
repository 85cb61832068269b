/*

This is a custom type for validators which contains all the state needed for scoring validators.

The registry owns validator state; the rebalancer only reads it and routes capital to it.

*/

package types

import (
	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
)

const (
	// BasisPointsDenominator is 100% expressed in basis points.
	BasisPointsDenominator = 10_000
	// MaxHybridScore is the top of the registry's hybrid score range.
	MaxHybridScore = 1_000
	// MaxRiskScore is the worst possible risk score. Inactive validators always get it.
	MaxRiskScore = 1_000
)

// ParkedCapital is the pseudo-validator holding capital that was undelegated but not yet
// re-delegated. It never appears in the registry.
var ParkedCapital = common.Address{}

type Validator struct {
	Address         common.Address `json:"address"`
	DelegatedAmount sdkmath.Int    `json:"delegated_amount"` // Delegated by the managing account, as the registry reports it
	CommissionRate  uint64         `json:"commission_rate"`  // Basis points taken from yield
	HybridScore     uint64         `json:"hybrid_score"`     // 0..MaxHybridScore, higher is better
	IsActive        bool           `json:"is_active"`
}

// DelegationRecord is the rebalancer's own view of capital routed to a validator.
type DelegationRecord struct {
	Validator common.Address `json:"validator"`
	Amount    sdkmath.Int    `json:"amount"`
}

type ValidatorScore struct {
	Validator         common.Address    `json:"validator"`
	EffectiveYieldBps sdkmath.LegacyDec `json:"effective_yield_bps"`
	RiskScore         uint64            `json:"risk_score"`
	CommissionRate    uint64            `json:"commission_rate"`
	IsActive          bool              `json:"is_active"`
}

// Allocation is one entry of a target distribution.
type Allocation struct {
	Validator   common.Address `json:"validator"`
	BasisPoints uint64         `json:"basis_points"`
}
