package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"

	"github.com/elys-network/avr/internal/types"
)

var (
	ErrNegativeAmount = errors.New("ledger amount cannot be negative")
	ErrNilAmount      = errors.New("ledger amount cannot be nil")
	ErrParkedAddress  = errors.New("the parked capital address cannot hold a delegation record")
)

// Ledger is the rebalancer's own record of capital it routed to each validator, plus the
// capital it has undelegated and not yet re-delegated ("parked").
type Ledger interface {
	Get(validator common.Address) sdkmath.Int
	Set(validator common.Address, amount sdkmath.Int) error
	DelegatedTotal() sdkmath.Int
	Entries() []types.DelegationRecord
	Parked() sdkmath.Int
	SetParked(amount sdkmath.Int) error
}

// ManagedCapital is everything the rebalancer controls: delegated plus parked capital.
func ManagedCapital(l Ledger) sdkmath.Int {
	return l.DelegatedTotal().Add(l.Parked())
}

// MemoryLedger is a Ledger held in memory. The executor is its only writer.
type MemoryLedger struct {
	mu      sync.RWMutex
	records map[common.Address]sdkmath.Int
	parked  sdkmath.Int
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		records: make(map[common.Address]sdkmath.Int),
		parked:  sdkmath.ZeroInt(),
	}
}

// NewMemoryLedgerFrom builds a ledger from persisted records.
func NewMemoryLedgerFrom(records []types.DelegationRecord, parked sdkmath.Int) (*MemoryLedger, error) {
	l := NewMemoryLedger()
	for _, r := range records {
		if err := l.Set(r.Validator, r.Amount); err != nil {
			return nil, err
		}
	}
	if !parked.IsNil() {
		if err := l.SetParked(parked); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (l *MemoryLedger) Get(validator common.Address) sdkmath.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if amount, ok := l.records[validator]; ok {
		return amount
	}
	return sdkmath.ZeroInt()
}

// Set records amount for validator. Zero removes the record.
func (l *MemoryLedger) Set(validator common.Address, amount sdkmath.Int) error {
	if err := validateAmount(amount); err != nil {
		return err
	}
	if validator == types.ParkedCapital {
		return ErrParkedAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if amount.IsZero() {
		delete(l.records, validator)
		return nil
	}
	l.records[validator] = amount
	return nil
}

func (l *MemoryLedger) DelegatedTotal() sdkmath.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := sdkmath.ZeroInt()
	for _, amount := range l.records {
		total = total.Add(amount)
	}
	return total
}

// Entries returns every non-zero record sorted by address.
func (l *MemoryLedger) Entries() []types.DelegationRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]types.DelegationRecord, 0, len(l.records))
	for validator, amount := range l.records {
		out = append(out, types.DelegationRecord{Validator: validator, Amount: amount})
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Validator.Bytes(), out[j].Validator.Bytes()) < 0
	})
	return out
}

func (l *MemoryLedger) Parked() sdkmath.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.parked
}

func (l *MemoryLedger) SetParked(amount sdkmath.Int) error {
	if err := validateAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.parked = amount
	return nil
}

func validateAmount(amount sdkmath.Int) error {
	if amount.IsNil() {
		return ErrNilAmount
	}
	if amount.IsNegative() {
		return fmt.Errorf("%w: %s", ErrNegativeAmount, amount)
	}
	return nil
}
