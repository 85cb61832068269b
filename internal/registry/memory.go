package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"github.com/elys-network/avr/internal/types"
)

// MemoryRegistry is an in-process registry used in simulation mode and in tests.
// Validators keep their insertion order so runs are deterministic.
type MemoryRegistry struct {
	mu         sync.RWMutex
	order      []common.Address
	validators map[common.Address]types.Validator

	failUndelegate map[common.Address]error
	failDelegate   map[common.Address]error

	DelegateCalls   int
	UndelegateCalls int
}

func NewMemoryRegistry(validators ...types.Validator) *MemoryRegistry {
	r := &MemoryRegistry{
		validators:     make(map[common.Address]types.Validator),
		failUndelegate: make(map[common.Address]error),
		failDelegate:   make(map[common.Address]error),
	}
	for _, v := range validators {
		r.Upsert(v)
	}
	return r
}

// Upsert adds or replaces a validator. This stands in for the external platform
// onboarding, slashing or deactivating validators.
func (r *MemoryRegistry) Upsert(v types.Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v.DelegatedAmount.IsNil() {
		v.DelegatedAmount = sdkmath.ZeroInt()
	}
	if _, ok := r.validators[v.Address]; !ok {
		r.order = append(r.order, v.Address)
	}
	r.validators[v.Address] = v
}

// SetActive flips a validator's active flag.
func (r *MemoryRegistry) SetActive(validator common.Address, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.validators[validator]
	if !ok {
		return fmt.Errorf("%w: %s", ErrValidatorNotFound, validator.Hex())
	}
	v.IsActive = active
	r.validators[validator] = v
	return nil
}

// FailUndelegate makes every later Undelegate against validator fail with err.
func (r *MemoryRegistry) FailUndelegate(validator common.Address, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failUndelegate[validator] = err
}

// FailDelegate makes every later Delegate against validator fail with err.
func (r *MemoryRegistry) FailDelegate(validator common.Address, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failDelegate[validator] = err
}

// ClearFaults removes every injected failure.
func (r *MemoryRegistry) ClearFaults() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failUndelegate = make(map[common.Address]error)
	r.failDelegate = make(map[common.Address]error)
}

// Calls returns the number of registry writes attempted so far.
func (r *MemoryRegistry) Calls() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.DelegateCalls + r.UndelegateCalls
}

func (r *MemoryRegistry) GetValidatorInfo(_ context.Context, validator common.Address) (types.Validator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.validators[validator]
	if !ok {
		return types.Validator{}, fmt.Errorf("%w: %s", ErrValidatorNotFound, validator.Hex())
	}
	return v, nil
}

func (r *MemoryRegistry) GetAllValidatorAddresses(_ context.Context) ([]common.Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]common.Address, len(r.order))
	copy(out, r.order)
	return out, nil
}

func (r *MemoryRegistry) Delegate(ctx context.Context, validator common.Address, amount sdkmath.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.DelegateCalls++

	if err, ok := r.failDelegate[validator]; ok {
		return errors.Join(ErrDelegateFailed, err)
	}
	if amount.IsNil() || !amount.IsPositive() {
		return ErrInvalidAmount
	}
	v, ok := r.validators[validator]
	if !ok {
		return fmt.Errorf("%w: %s", ErrValidatorNotFound, validator.Hex())
	}
	if !v.IsActive {
		return fmt.Errorf("%w: %s", ErrInactiveValidator, validator.Hex())
	}
	v.DelegatedAmount = v.DelegatedAmount.Add(amount)
	r.validators[validator] = v
	return nil
}

func (r *MemoryRegistry) Undelegate(ctx context.Context, validator common.Address, amount sdkmath.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.UndelegateCalls++

	if err, ok := r.failUndelegate[validator]; ok {
		return errors.Join(ErrUndelegateFailed, err)
	}
	if amount.IsNil() || !amount.IsPositive() {
		return ErrInvalidAmount
	}
	v, ok := r.validators[validator]
	if !ok {
		return fmt.Errorf("%w: %s", ErrValidatorNotFound, validator.Hex())
	}
	if amount.GT(v.DelegatedAmount) {
		return fmt.Errorf("%w: %s holds %s, asked for %s", ErrUndelegateFailed, validator.Hex(), v.DelegatedAmount, amount)
	}
	v.DelegatedAmount = v.DelegatedAmount.Sub(amount)
	r.validators[validator] = v
	return nil
}
