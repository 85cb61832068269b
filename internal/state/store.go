package state

import (
	"context"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"github.com/elys-network/avr/internal/types"
)

// PostgresStore exposes the package-level persistence functions to the manager, scoped to one
// policy config name.
type PostgresStore struct {
	ConfigName string
}

func NewPostgresStore(configName string) *PostgresStore {
	if configName == "" {
		configName = "default"
	}
	return &PostgresStore{ConfigName: configName}
}

func (s *PostgresStore) NextCycleNumber(ctx context.Context) (int, error) {
	return IncrementCycleNumber(ctx)
}

func (s *PostgresStore) RecordCycle(ctx context.Context, snapshot types.CycleSnapshot) (int64, error) {
	return SaveCycleSnapshot(ctx, snapshot)
}

func (s *PostgresStore) SaveLedger(ctx context.Context, records []types.DelegationRecord, parked sdkmath.Int) error {
	return SaveLedger(ctx, records, parked)
}

// SavePolicyParameters stores params as the next active version of the config.
func (s *PostgresStore) SavePolicyParameters(ctx context.Context, params types.PolicyParameters, updatedBy common.Address) (int64, error) {
	latest, err := LatestPolicyVersion(ctx, s.ConfigName)
	if err != nil {
		return 0, err
	}
	by := ""
	if updatedBy != (common.Address{}) {
		by = updatedBy.Hex()
	}
	return SavePolicyParameters(ctx, params, s.ConfigName, latest+1, true, by)
}

func (s *PostgresStore) LoadActivePolicyParameters(ctx context.Context) (*types.PolicyParameters, int64, error) {
	return LoadActivePolicyParameters(ctx, s.ConfigName)
}

func (s *PostgresStore) LoadLedger(ctx context.Context) ([]types.DelegationRecord, sdkmath.Int, bool, error) {
	return LoadLedger(ctx)
}
