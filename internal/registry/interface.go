package registry

import (
	"context"
	"errors"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"github.com/elys-network/avr/internal/types"
)

var (
	ErrValidatorNotFound = errors.New("validator not found in registry")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrDelegateFailed    = errors.New("delegate failed")
	ErrUndelegateFailed  = errors.New("undelegate failed")
	ErrInactiveValidator = errors.New("validator is inactive")
)

// RegistryView is the rebalancer's read/invoke-only window onto the external staking registry.
// The registry owns validator state; implementations never let the caller mutate it directly.
type RegistryView interface {
	// GetValidatorInfo returns the registry's state for one validator, including the amount
	// the managing account has delegated to it.
	GetValidatorInfo(ctx context.Context, validator common.Address) (types.Validator, error)

	// GetAllValidatorAddresses lists every validator known to the registry.
	GetAllValidatorAddresses(ctx context.Context) ([]common.Address, error)

	// Delegate routes amount of the managing account's free balance to validator.
	Delegate(ctx context.Context, validator common.Address, amount sdkmath.Int) error

	// Undelegate withdraws amount from validator back to the managing account.
	Undelegate(ctx context.Context, validator common.Address, amount sdkmath.Int) error
}

// GetAllValidators reads every validator the registry knows about, in registry order.
func GetAllValidators(ctx context.Context, r RegistryView) ([]types.Validator, error) {
	addresses, err := r.GetAllValidatorAddresses(ctx)
	if err != nil {
		return nil, err
	}
	validators := make([]types.Validator, 0, len(addresses))
	for _, addr := range addresses {
		v, err := r.GetValidatorInfo(ctx, addr)
		if err != nil {
			return nil, err
		}
		validators = append(validators, v)
	}
	return validators, nil
}
