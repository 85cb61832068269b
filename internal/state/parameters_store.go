package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/elys-network/avr/internal/types"
)

var ErrNoActiveParameters = errors.New("no active policy parameters")

// SavePolicyParameters saves a new version of the policy parameters. When makeActive is set,
// the previously active version of the same config is deactivated in the same transaction.
func SavePolicyParameters(ctx context.Context, params types.PolicyParameters, configName string, version int, makeActive bool, updatedBy string) (paramsID int64, err error) {
	if DB == nil {
		return 0, ErrDBNotInitialized
	}

	tx, err := DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p) // Re-panic after rollback
		} else if err != nil {
			tx.Rollback()
		}
	}()

	if makeActive {
		stmtDeactivate := `UPDATE policy_parameters SET is_active = FALSE WHERE config_name = $1 AND is_active = TRUE;`
		if _, err = tx.ExecContext(ctx, stmtDeactivate, configName); err != nil {
			return 0, fmt.Errorf("failed to deactivate existing active parameters for %s: %w", configName, err)
		}
	}

	stmt := `
        INSERT INTO policy_parameters (
            version, config_name, is_active, activated_at, created_at, updated_by,
            apy_delta_threshold_bps, risk_score_threshold, base_reward_rate_bps,
            max_validators, dust_tolerance, max_moves_per_cycle
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
        RETURNING params_id;`

	currentTime := time.Now()
	err = tx.QueryRowContext(ctx,
		stmt,
		version, configName, makeActive, currentTime, currentTime, nullString(updatedBy),
		int64(params.ApyDeltaThresholdBps), int64(params.RiskScoreThreshold), int64(params.BaseRewardRateBps),
		params.MaxValidators, params.DustTolerance.String(), params.MaxMovesPerCycle,
	).Scan(&paramsID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert policy parameters: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	log.Info().
		Int("version", version).
		Str("config", configName).
		Int64("params_id", paramsID).
		Bool("active", makeActive).
		Msg("Saved policy parameters")
	return paramsID, nil
}

// LoadActivePolicyParameters loads the currently active policy parameters and their row id.
func LoadActivePolicyParameters(ctx context.Context, configName string) (*types.PolicyParameters, int64, error) {
	if DB == nil {
		return nil, 0, ErrDBNotInitialized
	}

	query := `
        SELECT params_id, apy_delta_threshold_bps, risk_score_threshold, base_reward_rate_bps,
               max_validators, dust_tolerance::TEXT, max_moves_per_cycle
        FROM policy_parameters
        WHERE config_name = $1 AND is_active = TRUE
        ORDER BY activated_at DESC
        LIMIT 1;`

	var (
		paramsID             int64
		apyDelta, risk, base int64
		dust                 string
		p                    types.PolicyParameters
	)
	err := DB.QueryRowContext(ctx, query, configName).Scan(
		&paramsID, &apyDelta, &risk, &base, &p.MaxValidators, &dust, &p.MaxMovesPerCycle,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, fmt.Errorf("%w for config '%s'", ErrNoActiveParameters, configName)
		}
		return nil, 0, fmt.Errorf("failed to scan active policy parameters for config '%s': %w", configName, err)
	}

	p.ApyDeltaThresholdBps = uint64(apyDelta)
	p.RiskScoreThreshold = uint64(risk)
	p.BaseRewardRateBps = uint64(base)
	if p.DustTolerance, err = parseAmount(dust); err != nil {
		return nil, 0, fmt.Errorf("invalid dust_tolerance for config '%s': %w", configName, err)
	}

	log.Info().Str("config", configName).Int64("params_id", paramsID).Msg("Loaded active policy parameters")
	return &p, paramsID, nil
}

// LatestPolicyVersion returns the highest saved version for a config, 0 when none exists.
func LatestPolicyVersion(ctx context.Context, configName string) (int, error) {
	if DB == nil {
		return 0, ErrDBNotInitialized
	}
	var version sql.NullInt64
	err := DB.QueryRowContext(ctx, `SELECT MAX(version) FROM policy_parameters WHERE config_name = $1;`, configName).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read latest policy version for config '%s': %w", configName, err)
	}
	return int(version.Int64), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
