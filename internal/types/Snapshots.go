/*

This file contains the types persisted for every decision cycle so operators can audit
what the rebalancer saw, what it decided and what actually happened.

*/

package types

import (
	"time"

	sdkmath "cosmossdk.io/math"
)

type CycleOutcome string

const (
	OutcomeNoOp           CycleOutcome = "NO_OP"
	OutcomeRebalanced     CycleOutcome = "REBALANCED"
	OutcomeNoSafeTarget   CycleOutcome = "NO_SAFE_TARGET"
	OutcomeStaleLedger    CycleOutcome = "STALE_LEDGER"
	OutcomePartialFailure CycleOutcome = "PARTIAL_FAILURE"
	OutcomeFailed         CycleOutcome = "FAILED"
	OutcomeLedgerResynced CycleOutcome = "LEDGER_RESYNCED"
)

type CycleSnapshot struct {
	SnapshotID        int64              `json:"snapshot_id,omitempty"`
	CycleID           string             `json:"cycle_id"`
	CycleNumber       int                `json:"cycle_number"`
	Timestamp         time.Time          `json:"timestamp"`
	PolicyParamsID    *int64             `json:"policy_params_id,omitempty"`
	Outcome           CycleOutcome       `json:"outcome"`
	Reason            string             `json:"reason"`
	ManagedCapital    sdkmath.Int        `json:"managed_capital"`
	InitialLedger     []DelegationRecord `json:"initial_ledger"`
	TargetAllocations []Allocation       `json:"target_allocations"`
	Plan              RebalancePlan      `json:"plan"`
	Receipts          []MoveReceipt      `json:"receipts"`
	FinalLedger       []DelegationRecord `json:"final_ledger"`
	InitialYieldBps   sdkmath.LegacyDec  `json:"initial_yield_bps"`
	TargetYieldBps    sdkmath.LegacyDec  `json:"target_yield_bps"`
	Error             string             `json:"error,omitempty"`
}

// TouchedValidators lists every validator a cycle's plan referenced.
func (s CycleSnapshot) TouchedValidators() []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, legs := range [][]PlanLeg{s.Plan.Sources, s.Plan.Targets} {
		for _, leg := range legs {
			hex := leg.Validator.Hex()
			if _, ok := seen[hex]; ok {
				continue
			}
			seen[hex] = struct{}{}
			out = append(out, hex)
		}
	}
	return out
}
