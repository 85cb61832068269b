package state

import (
	"context"
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/elys-network/avr/internal/types"
)

// SaveLedger replaces the persisted ledger with the given records and parked capital.
func SaveLedger(ctx context.Context, records []types.DelegationRecord, parked sdkmath.Int) (err error) {
	if DB == nil {
		return ErrDBNotInitialized
	}

	tx, err := DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM delegation_ledger;`); err != nil {
		return fmt.Errorf("failed to clear delegation ledger: %w", err)
	}

	stmt := `INSERT INTO delegation_ledger (validator, amount, updated_at) VALUES ($1, $2, CURRENT_TIMESTAMP);`
	for _, row := range ledgerRows(records, parked) {
		if _, err = tx.ExecContext(ctx, stmt, row.Validator.Hex(), row.Amount.String()); err != nil {
			return fmt.Errorf("failed to save ledger record for %s: %w", row.Validator.Hex(), err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	log.Debug().Int("records", len(records)).Str("parked", parked.String()).Msg("Delegation ledger persisted")
	return nil
}

// LoadLedger reads the persisted ledger. found is false when nothing was ever saved.
func LoadLedger(ctx context.Context) (records []types.DelegationRecord, parked sdkmath.Int, found bool, err error) {
	parked = sdkmath.ZeroInt()
	if DB == nil {
		return nil, parked, false, ErrDBNotInitialized
	}

	rows, err := DB.QueryContext(ctx, `SELECT validator, amount::TEXT FROM delegation_ledger ORDER BY validator;`)
	if err != nil {
		return nil, parked, false, fmt.Errorf("failed to query delegation ledger: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var validator, amount string
		if err := rows.Scan(&validator, &amount); err != nil {
			return nil, parked, false, fmt.Errorf("failed to scan ledger row: %w", err)
		}
		found = true
		rec, err := parseLedgerRow(validator, amount)
		if err != nil {
			return nil, parked, false, err
		}
		if rec.Validator == types.ParkedCapital {
			parked = rec.Amount
			continue
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, parked, false, fmt.Errorf("error during row iteration: %w", err)
	}
	return records, parked, found, nil
}

// ledgerRows lists what is written for a ledger. The parked row is always present so an
// emptied ledger can be told apart from one that was never saved.
func ledgerRows(records []types.DelegationRecord, parked sdkmath.Int) []types.DelegationRecord {
	if parked.IsNil() {
		parked = sdkmath.ZeroInt()
	}
	rows := make([]types.DelegationRecord, 0, len(records)+1)
	for _, r := range records {
		if r.Amount.IsNil() || r.Amount.IsZero() {
			continue
		}
		rows = append(rows, r)
	}
	return append(rows, types.DelegationRecord{Validator: types.ParkedCapital, Amount: parked})
}

func parseLedgerRow(validator, amount string) (types.DelegationRecord, error) {
	if !common.IsHexAddress(validator) {
		return types.DelegationRecord{}, fmt.Errorf("invalid validator address in ledger: %q", validator)
	}
	a, err := parseAmount(amount)
	if err != nil {
		return types.DelegationRecord{}, fmt.Errorf("invalid ledger amount for %s: %w", validator, err)
	}
	return types.DelegationRecord{Validator: common.HexToAddress(validator), Amount: a}, nil
}
