package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/elys-network/avr/internal/types"
)

var ErrInvalidSeed = errors.New("simulation seed is invalid")

// LoadSimulationRegistry builds a MemoryRegistry from a JSON array of validators, e.g.
//
//	[{"address":"0x…","delegated_amount":"1000","commission_rate":500,"hybrid_score":850,"is_active":true}]
func LoadSimulationRegistry(path string) (*MemoryRegistry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read simulation seed %s: %w", path, err)
	}
	var validators []types.Validator
	if err := json.Unmarshal(raw, &validators); err != nil {
		return nil, errors.Join(ErrInvalidSeed, err)
	}
	seen := make(map[string]struct{}, len(validators))
	for i, v := range validators {
		if v.Address == types.ParkedCapital {
			return nil, errors.Join(ErrInvalidSeed, fmt.Errorf("validator %d has the zero address", i))
		}
		if _, dup := seen[v.Address.Hex()]; dup {
			return nil, errors.Join(ErrInvalidSeed, fmt.Errorf("validator %s listed twice", v.Address.Hex()))
		}
		seen[v.Address.Hex()] = struct{}{}
		if !v.DelegatedAmount.IsNil() && v.DelegatedAmount.IsNegative() {
			return nil, errors.Join(ErrInvalidSeed, fmt.Errorf("validator %s has a negative delegation", v.Address.Hex()))
		}
		if v.HybridScore > types.MaxHybridScore {
			return nil, errors.Join(ErrInvalidSeed, fmt.Errorf("validator %s hybrid score %d out of range", v.Address.Hex(), v.HybridScore))
		}
		if v.CommissionRate > types.BasisPointsDenominator {
			return nil, errors.Join(ErrInvalidSeed, fmt.Errorf("validator %s commission %d out of range", v.Address.Hex(), v.CommissionRate))
		}
	}
	return NewMemoryRegistry(validators...), nil
}
