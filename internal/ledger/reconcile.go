package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"github.com/elys-network/avr/internal/registry"
)

var ErrStaleLedger = errors.New("stale ledger")

// Discrepancy is one validator where the ledger and the registry disagree.
type Discrepancy struct {
	Validator common.Address `json:"validator"`
	Ledger    sdkmath.Int    `json:"ledger"`
	Registry  sdkmath.Int    `json:"registry"`
}

// StaleStateError reports every discrepancy found by a reconciliation.
type StaleStateError struct {
	Discrepancies []Discrepancy
}

func (e *StaleStateError) Error() string {
	parts := make([]string, 0, len(e.Discrepancies))
	for _, d := range e.Discrepancies {
		parts = append(parts, fmt.Sprintf("%s ledger=%s registry=%s", d.Validator.Hex(), d.Ledger, d.Registry))
	}
	return "ledger disagrees with registry: " + strings.Join(parts, "; ")
}

func (e *StaleStateError) Unwrap() error {
	return ErrStaleLedger
}

// Reconcile compares every ledger record with the registry, and every registry validator
// holding a delegation with the ledger. Any mismatch returns a *StaleStateError.
func Reconcile(ctx context.Context, l Ledger, r registry.RegistryView) error {
	addresses, err := r.GetAllValidatorAddresses(ctx)
	if err != nil {
		return fmt.Errorf("failed to list registry validators: %w", err)
	}

	checked := make(map[common.Address]struct{}, len(addresses))
	var discrepancies []Discrepancy

	for _, addr := range addresses {
		v, err := r.GetValidatorInfo(ctx, addr)
		if err != nil {
			return fmt.Errorf("failed to read validator %s: %w", addr.Hex(), err)
		}
		checked[addr] = struct{}{}
		recorded := l.Get(addr)
		if !recorded.Equal(v.DelegatedAmount) {
			discrepancies = append(discrepancies, Discrepancy{Validator: addr, Ledger: recorded, Registry: v.DelegatedAmount})
		}
	}

	for _, entry := range l.Entries() {
		if _, ok := checked[entry.Validator]; ok {
			continue
		}
		// The ledger tracks a validator the registry no longer lists.
		discrepancies = append(discrepancies, Discrepancy{Validator: entry.Validator, Ledger: entry.Amount, Registry: sdkmath.ZeroInt()})
	}

	if len(discrepancies) > 0 {
		return &StaleStateError{Discrepancies: discrepancies}
	}
	return nil
}

// CheckRecord compares a single validator's ledger record with the registry.
func CheckRecord(ctx context.Context, l Ledger, r registry.RegistryView, validator common.Address) error {
	v, err := r.GetValidatorInfo(ctx, validator)
	if err != nil {
		return fmt.Errorf("failed to read validator %s: %w", validator.Hex(), err)
	}
	recorded := l.Get(validator)
	if !recorded.Equal(v.DelegatedAmount) {
		return &StaleStateError{Discrepancies: []Discrepancy{{Validator: validator, Ledger: recorded, Registry: v.DelegatedAmount}}}
	}
	return nil
}

// Bootstrap fills an empty ledger from the registry's delegations. Used on first start only.
func Bootstrap(ctx context.Context, l Ledger, r registry.RegistryView) (int, error) {
	validators, err := registry.GetAllValidators(ctx, r)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, v := range validators {
		if v.DelegatedAmount.IsNil() || v.DelegatedAmount.IsZero() {
			continue
		}
		if err := l.Set(v.Address, v.DelegatedAmount); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
