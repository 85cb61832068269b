package ledger

import (
	"context"
	"errors"
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elys-network/avr/internal/registry"
	"github.com/elys-network/avr/internal/types"
)

var (
	valA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	valB = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	valC = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

func Test_MemoryLedger(t *testing.T) {
	t.Run("Should return zero for unknown validators", func(t *testing.T) {
		l := NewMemoryLedger()
		assert.True(t, l.Get(valA).IsZero())
	})

	t.Run("Should sum delegations", func(t *testing.T) {
		l := NewMemoryLedger()
		require.NoError(t, l.Set(valA, sdkmath.NewInt(600)))
		require.NoError(t, l.Set(valB, sdkmath.NewInt(400)))
		assert.Equal(t, sdkmath.NewInt(1000), l.DelegatedTotal())
	})

	t.Run("Should remove a record set to zero", func(t *testing.T) {
		l := NewMemoryLedger()
		require.NoError(t, l.Set(valA, sdkmath.NewInt(600)))
		require.NoError(t, l.Set(valA, sdkmath.ZeroInt()))
		assert.Empty(t, l.Entries())
	})

	t.Run("Should reject negative amounts", func(t *testing.T) {
		l := NewMemoryLedger()
		assert.ErrorIs(t, l.Set(valA, sdkmath.NewInt(-1)), ErrNegativeAmount)
		assert.ErrorIs(t, l.SetParked(sdkmath.NewInt(-1)), ErrNegativeAmount)
	})

	t.Run("Should refuse a record for the parked address", func(t *testing.T) {
		l := NewMemoryLedger()
		assert.ErrorIs(t, l.Set(types.ParkedCapital, sdkmath.NewInt(1)), ErrParkedAddress)
	})

	t.Run("Should sort entries by address", func(t *testing.T) {
		l := NewMemoryLedger()
		require.NoError(t, l.Set(valC, sdkmath.NewInt(3)))
		require.NoError(t, l.Set(valA, sdkmath.NewInt(1)))
		entries := l.Entries()
		require.Len(t, entries, 2)
		assert.Equal(t, valA, entries[0].Validator)
		assert.Equal(t, valC, entries[1].Validator)
	})

	t.Run("Should count parked capital as managed", func(t *testing.T) {
		l := NewMemoryLedger()
		require.NoError(t, l.Set(valA, sdkmath.NewInt(600)))
		require.NoError(t, l.SetParked(sdkmath.NewInt(400)))
		assert.Equal(t, sdkmath.NewInt(1000), ManagedCapital(l))
	})

	t.Run("Should restore from records", func(t *testing.T) {
		l, err := NewMemoryLedgerFrom([]types.DelegationRecord{{Validator: valA, Amount: sdkmath.NewInt(5)}}, sdkmath.NewInt(2))
		require.NoError(t, err)
		assert.Equal(t, sdkmath.NewInt(7), ManagedCapital(l))
	})
}

func newRegistry() *registry.MemoryRegistry {
	return registry.NewMemoryRegistry(
		types.Validator{Address: valA, DelegatedAmount: sdkmath.NewInt(1000), CommissionRate: 500, HybridScore: 850, IsActive: true},
		types.Validator{Address: valB, CommissionRate: 300, HybridScore: 900, IsActive: true},
	)
}

func Test_Reconcile(t *testing.T) {
	ctx := context.Background()

	t.Run("Should pass when ledger matches registry", func(t *testing.T) {
		l := NewMemoryLedger()
		require.NoError(t, l.Set(valA, sdkmath.NewInt(1000)))
		assert.NoError(t, Reconcile(ctx, l, newRegistry()))
	})

	t.Run("Should report an out of band ledger change", func(t *testing.T) {
		l := NewMemoryLedger()
		require.NoError(t, l.Set(valA, sdkmath.NewInt(900)))

		err := Reconcile(ctx, l, newRegistry())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrStaleLedger)

		var stale *StaleStateError
		require.True(t, errors.As(err, &stale))
		require.Len(t, stale.Discrepancies, 1)
		assert.Equal(t, valA, stale.Discrepancies[0].Validator)
		assert.Equal(t, sdkmath.NewInt(900), stale.Discrepancies[0].Ledger)
		assert.Equal(t, sdkmath.NewInt(1000), stale.Discrepancies[0].Registry)
	})

	t.Run("Should report registry delegations the ledger does not know", func(t *testing.T) {
		err := Reconcile(ctx, NewMemoryLedger(), newRegistry())
		assert.ErrorIs(t, err, ErrStaleLedger)
	})

	t.Run("Should report ledger records for validators missing from the registry", func(t *testing.T) {
		l := NewMemoryLedger()
		require.NoError(t, l.Set(valA, sdkmath.NewInt(1000)))
		require.NoError(t, l.Set(valC, sdkmath.NewInt(1)))

		var stale *StaleStateError
		require.ErrorAs(t, Reconcile(ctx, l, newRegistry()), &stale)
		assert.Equal(t, valC, stale.Discrepancies[0].Validator)
	})
}

func Test_CheckRecord(t *testing.T) {
	l := NewMemoryLedger()
	require.NoError(t, l.Set(valA, sdkmath.NewInt(999)))
	assert.ErrorIs(t, CheckRecord(context.Background(), l, newRegistry(), valA), ErrStaleLedger)
	assert.NoError(t, CheckRecord(context.Background(), l, newRegistry(), valB))
}

func Test_Bootstrap(t *testing.T) {
	l := NewMemoryLedger()
	n, err := Bootstrap(context.Background(), l, newRegistry())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, sdkmath.NewInt(1000), l.Get(valA))
	assert.NoError(t, Reconcile(context.Background(), l, newRegistry()))
}
