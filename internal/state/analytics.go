package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/elys-network/avr/internal/types"
)

var ErrCycleNotFound = errors.New("cycle not found")

// CycleSummary aggregates every recorded cycle by outcome.
type CycleSummary struct {
	TotalCycles     int        `json:"total_cycles"`
	Rebalanced      int        `json:"rebalanced"`
	NoOps           int        `json:"no_ops"`
	NoSafeTarget    int        `json:"no_safe_target"`
	StaleLedger     int        `json:"stale_ledger"`
	PartialFailures int        `json:"partial_failures"`
	Failed          int        `json:"failed"`
	LastCycleAt     *time.Time `json:"last_cycle_at,omitempty"`
}

// selectSnapshots reads the snapshot id followed by snapshotColumns, with the managed capital
// and yields rendered as text.
const selectSnapshots = `
	SELECT snapshot_id, cycle_id::TEXT, cycle_number, snapshot_timestamp, policy_params_id, outcome, reason,
		managed_capital::TEXT, initial_ledger, COALESCE(initial_yield_bps::TEXT, ''),
		target_allocations, plan, COALESCE(target_yield_bps::TEXT, ''),
		receipts, final_ledger, touched_validators, error
	FROM cycle_snapshots`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSnapshot(row rowScanner) (types.CycleSnapshot, error) {
	var (
		cycle                          types.CycleSnapshot
		raw                            snapshotJSON
		outcome, managed, initY, targY string
		touched                        []string
		errText                        sql.NullString
	)
	err := row.Scan(
		&cycle.SnapshotID, &cycle.CycleID, &cycle.CycleNumber, &cycle.Timestamp, &cycle.PolicyParamsID, &outcome, &cycle.Reason,
		&managed, &raw.initialLedger, &initY,
		&raw.targetAllocations, &raw.plan, &targY,
		&raw.receipts, &raw.finalLedger, pq.Array(&touched), &errText,
	)
	if err != nil {
		return cycle, err
	}
	cycle.Outcome = types.CycleOutcome(outcome)
	cycle.Error = errText.String
	if cycle.ManagedCapital, err = parseAmount(managed); err != nil {
		return cycle, err
	}
	if cycle.InitialYieldBps, err = parseDec(initY); err != nil {
		return cycle, err
	}
	if cycle.TargetYieldBps, err = parseDec(targY); err != nil {
		return cycle, err
	}
	if err := unmarshalSnapshot(&cycle, raw); err != nil {
		return cycle, err
	}
	return cycle, nil
}

// GetRecentCycles retrieves the most recent cycle snapshots, newest first.
func GetRecentCycles(ctx context.Context, limit int) ([]types.CycleSnapshot, error) {
	if DB == nil {
		return nil, ErrDBNotInitialized
	}

	if limit <= 0 || limit > 100 {
		limit = 10
	}

	rows, err := DB.QueryContext(ctx, selectSnapshots+` ORDER BY snapshot_timestamp DESC LIMIT $1`, limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to query recent cycles")
		return nil, fmt.Errorf("failed to query recent cycles: %w", err)
	}
	defer rows.Close()

	cycles := make([]types.CycleSnapshot, 0, limit)
	for rows.Next() {
		cycle, err := scanSnapshot(rows)
		if err != nil {
			log.Error().Err(err).Msg("Failed to scan cycle row")
			continue
		}
		cycles = append(cycles, cycle)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	log.Debug().Int("count", len(cycles)).Int("limit", limit).Msg("Retrieved recent cycles")
	return cycles, nil
}

// GetCycleByNumber retrieves the snapshot of one cycle.
func GetCycleByNumber(ctx context.Context, cycleNumber int) (*types.CycleSnapshot, error) {
	if DB == nil {
		return nil, ErrDBNotInitialized
	}

	row := DB.QueryRowContext(ctx, selectSnapshots+` WHERE cycle_number = $1 ORDER BY snapshot_id DESC LIMIT 1`, cycleNumber)
	cycle, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrCycleNotFound, cycleNumber)
		}
		return nil, fmt.Errorf("failed to query cycle %d: %w", cycleNumber, err)
	}
	return &cycle, nil
}

// GetCycleSummary counts recorded cycles by outcome.
func GetCycleSummary(ctx context.Context) (*CycleSummary, error) {
	if DB == nil {
		return nil, ErrDBNotInitialized
	}

	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE outcome = $1),
			COUNT(*) FILTER (WHERE outcome = $2),
			COUNT(*) FILTER (WHERE outcome = $3),
			COUNT(*) FILTER (WHERE outcome = $4),
			COUNT(*) FILTER (WHERE outcome = $5),
			COUNT(*) FILTER (WHERE outcome = $6),
			MAX(snapshot_timestamp)
		FROM cycle_snapshots`

	summary := &CycleSummary{}
	var last sql.NullTime
	err := DB.QueryRowContext(ctx, query,
		string(types.OutcomeRebalanced), string(types.OutcomeNoOp), string(types.OutcomeNoSafeTarget),
		string(types.OutcomeStaleLedger), string(types.OutcomePartialFailure), string(types.OutcomeFailed),
	).Scan(
		&summary.TotalCycles, &summary.Rebalanced, &summary.NoOps, &summary.NoSafeTarget,
		&summary.StaleLedger, &summary.PartialFailures, &summary.Failed, &last,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get cycle summary: %w", err)
	}
	if last.Valid {
		summary.LastCycleAt = &last.Time
	}
	return summary, nil
}
