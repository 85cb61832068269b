package state

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lib/pq" // PostgreSQL driver for array support
	"github.com/rs/zerolog/log"

	"github.com/elys-network/avr/internal/types"
)

// snapshotColumns is shared by the insert and every select so the two never drift apart.
const snapshotColumns = `
	cycle_id, cycle_number, snapshot_timestamp, policy_params_id, outcome, reason,
	managed_capital, initial_ledger, initial_yield_bps,
	target_allocations, plan, target_yield_bps,
	receipts, final_ledger, touched_validators, error`

// snapshotJSON holds the JSONB columns of a snapshot.
type snapshotJSON struct {
	initialLedger, targetAllocations, plan, receipts, finalLedger []byte
}

func marshalSnapshot(snapshot types.CycleSnapshot) (snapshotJSON, error) {
	var (
		out snapshotJSON
		err error
	)
	if out.initialLedger, err = json.Marshal(snapshot.InitialLedger); err != nil {
		return out, fmt.Errorf("failed to marshal initial_ledger: %w", err)
	}
	if out.targetAllocations, err = json.Marshal(snapshot.TargetAllocations); err != nil {
		return out, fmt.Errorf("failed to marshal target_allocations: %w", err)
	}
	if out.plan, err = json.Marshal(snapshot.Plan); err != nil {
		return out, fmt.Errorf("failed to marshal plan: %w", err)
	}
	if out.receipts, err = json.Marshal(snapshot.Receipts); err != nil {
		return out, fmt.Errorf("failed to marshal receipts: %w", err)
	}
	if out.finalLedger, err = json.Marshal(snapshot.FinalLedger); err != nil {
		return out, fmt.Errorf("failed to marshal final_ledger: %w", err)
	}
	return out, nil
}

func unmarshalSnapshot(snapshot *types.CycleSnapshot, raw snapshotJSON) error {
	fields := []struct {
		name string
		data []byte
		dst  interface{}
	}{
		{"initial_ledger", raw.initialLedger, &snapshot.InitialLedger},
		{"target_allocations", raw.targetAllocations, &snapshot.TargetAllocations},
		{"plan", raw.plan, &snapshot.Plan},
		{"receipts", raw.receipts, &snapshot.Receipts},
		{"final_ledger", raw.finalLedger, &snapshot.FinalLedger},
	}
	for _, f := range fields {
		if len(f.data) == 0 {
			continue
		}
		if err := json.Unmarshal(f.data, f.dst); err != nil {
			return fmt.Errorf("failed to unmarshal %s: %w", f.name, err)
		}
	}
	return nil
}

// SaveCycleSnapshot saves a complete cycle snapshot to the database.
func SaveCycleSnapshot(ctx context.Context, snapshot types.CycleSnapshot) (int64, error) {
	if DB == nil {
		return 0, ErrDBNotInitialized
	}

	raw, err := marshalSnapshot(snapshot)
	if err != nil {
		return 0, err
	}

	query := `INSERT INTO cycle_snapshots (` + snapshotColumns + `
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING snapshot_id;`

	managed := "0"
	if !snapshot.ManagedCapital.IsNil() {
		managed = snapshot.ManagedCapital.String()
	}

	var snapshotID int64
	err = DB.QueryRowContext(ctx,
		query,
		snapshot.CycleID, snapshot.CycleNumber, snapshot.Timestamp, snapshot.PolicyParamsID, string(snapshot.Outcome), snapshot.Reason,
		managed, raw.initialLedger, decString(snapshot.InitialYieldBps),
		raw.targetAllocations, raw.plan, decString(snapshot.TargetYieldBps),
		raw.receipts, raw.finalLedger, pq.Array(snapshot.TouchedValidators()), nullString(snapshot.Error),
	).Scan(&snapshotID)
	if err != nil {
		return 0, fmt.Errorf("failed to save cycle snapshot: %w", err)
	}

	log.Info().
		Int64("snapshot_id", snapshotID).
		Int("cycle_number", snapshot.CycleNumber).
		Str("outcome", string(snapshot.Outcome)).
		Msg("Cycle snapshot saved to database")

	return snapshotID, nil
}
