package state

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elys-network/avr/internal/types"
)

var (
	valA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	valB = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func Test_Codec(t *testing.T) {
	t.Run("Should parse NUMERIC text into amounts", func(t *testing.T) {
		v, err := parseAmount("123456789012345678901234567890")
		require.NoError(t, err)
		assert.Equal(t, "123456789012345678901234567890", v.String())

		_, err = parseAmount("-5")
		assert.ErrorIs(t, err, ErrInvalidAmount)
		_, err = parseAmount("abc")
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("Should parse yields and default empty text to zero", func(t *testing.T) {
		d, err := parseDec("646.000000000000000000")
		require.NoError(t, err)
		assert.Equal(t, "646.000000000000000000", d.String())

		d, err = parseDec("")
		require.NoError(t, err)
		assert.True(t, d.IsZero())

		assert.Equal(t, "0", decString(sdkmath.LegacyDec{}))
	})
}

func Test_LedgerRows(t *testing.T) {
	t.Run("Should always write the parked row and skip empty records", func(t *testing.T) {
		rows := ledgerRows([]types.DelegationRecord{
			{Validator: valA, Amount: sdkmath.NewInt(10)},
			{Validator: valB, Amount: sdkmath.ZeroInt()},
		}, sdkmath.Int{})

		require.Len(t, rows, 2)
		assert.Equal(t, valA, rows[0].Validator)
		assert.Equal(t, types.ParkedCapital, rows[1].Validator)
		assert.True(t, rows[1].Amount.IsZero())
	})

	t.Run("Should reject malformed stored rows", func(t *testing.T) {
		_, err := parseLedgerRow("not-an-address", "10")
		assert.Error(t, err)
		_, err = parseLedgerRow(valA.Hex(), "-1")
		assert.ErrorIs(t, err, ErrInvalidAmount)

		rec, err := parseLedgerRow(valA.Hex(), "10")
		require.NoError(t, err)
		assert.Equal(t, valA, rec.Validator)
	})
}

func Test_SnapshotJSON(t *testing.T) {
	t.Run("Should carry the plan and ledgers through the JSONB columns", func(t *testing.T) {
		snapshot := types.CycleSnapshot{
			InitialLedger: []types.DelegationRecord{{Validator: valA, Amount: sdkmath.NewInt(1000)}},
			Plan: types.RebalancePlan{
				Sources: []types.PlanLeg{{Validator: valA, Amount: sdkmath.NewInt(400)}},
				Targets: []types.PlanLeg{{Validator: valB, Amount: sdkmath.NewInt(400)}},
			},
			FinalLedger: []types.DelegationRecord{
				{Validator: valA, Amount: sdkmath.NewInt(600)},
				{Validator: valB, Amount: sdkmath.NewInt(400)},
			},
		}
		raw, err := marshalSnapshot(snapshot)
		require.NoError(t, err)

		var decoded types.CycleSnapshot
		require.NoError(t, unmarshalSnapshot(&decoded, raw))
		assert.Equal(t, "400", decoded.Plan.Targets[0].Amount.String())
		assert.Equal(t, valB, decoded.Plan.Targets[0].Validator)
		assert.Len(t, decoded.FinalLedger, 2)
		assert.Equal(t, []string{valA.Hex(), valB.Hex()}, snapshot.TouchedValidators())
	})
}

func Test_NotInitialized(t *testing.T) {
	if DB != nil {
		t.Skip("database already initialized")
	}
	ctx := context.Background()

	t.Run("Should refuse to run without a database", func(t *testing.T) {
		_, err := IncrementCycleNumber(ctx)
		assert.ErrorIs(t, err, ErrDBNotInitialized)
		_, _, _, err = LoadLedger(ctx)
		assert.ErrorIs(t, err, ErrDBNotInitialized)
		_, _, err = LoadActivePolicyParameters(ctx, "default")
		assert.ErrorIs(t, err, ErrDBNotInitialized)
		assert.ErrorIs(t, EnsureSchema(), ErrDBNotInitialized)
	})
}

// Test_Postgres runs against a real database when AVR_TEST_DB_HOST is set.
func Test_Postgres(t *testing.T) {
	host := os.Getenv("AVR_TEST_DB_HOST")
	if host == "" {
		t.Skip("AVR_TEST_DB_HOST not set")
	}
	port, _ := strconv.Atoi(os.Getenv("AVR_TEST_DB_PORT"))
	if port == 0 {
		port = 5432
	}
	require.NoError(t, InitDB(DBConfig{
		Host: host, Port: port,
		User: os.Getenv("AVR_TEST_DB_USER"), Password: os.Getenv("AVR_TEST_DB_PASSWORD"),
		DBName: os.Getenv("AVR_TEST_DB_NAME"), SSLMode: "disable",
	}))
	defer func() {
		CloseDB()
		DB = nil
	}()
	require.NoError(t, DropSchema())
	require.NoError(t, EnsureSchema())

	ctx := context.Background()
	store := NewPostgresStore("test")

	t.Run("Should version policy parameters", func(t *testing.T) {
		params := types.PolicyParameters{
			ApyDeltaThresholdBps: 50, RiskScoreThreshold: 300, BaseRewardRateBps: 800,
			MaxValidators: 10, DustTolerance: sdkmath.NewInt(1_000_000), MaxMovesPerCycle: 8,
		}
		first, err := store.SavePolicyParameters(ctx, params, common.Address{})
		require.NoError(t, err)

		params.ApyDeltaThresholdBps = 75
		second, err := store.SavePolicyParameters(ctx, params, valA)
		require.NoError(t, err)
		assert.NotEqual(t, first, second)

		loaded, id, err := store.LoadActivePolicyParameters(ctx)
		require.NoError(t, err)
		assert.Equal(t, second, id)
		assert.Equal(t, uint64(75), loaded.ApyDeltaThresholdBps)
		assert.Equal(t, "1000000", loaded.DustTolerance.String())
	})

	t.Run("Should round trip the ledger including parked capital", func(t *testing.T) {
		_, _, found, err := LoadLedger(ctx)
		require.NoError(t, err)
		assert.False(t, found)

		require.NoError(t, store.SaveLedger(ctx, []types.DelegationRecord{{Validator: valA, Amount: sdkmath.NewInt(600)}}, sdkmath.NewInt(400)))
		records, parked, found, err := LoadLedger(ctx)
		require.NoError(t, err)
		assert.True(t, found)
		require.Len(t, records, 1)
		assert.Equal(t, "600", records[0].Amount.String())
		assert.Equal(t, "400", parked.String())
	})

	t.Run("Should count cycles from a reset value", func(t *testing.T) {
		require.NoError(t, ResetCycleNumber(ctx, 41))
		n, err := store.NextCycleNumber(ctx)
		require.NoError(t, err)
		assert.Equal(t, 42, n)

		current, err := GetCurrentCycleNumber(ctx)
		require.NoError(t, err)
		assert.Equal(t, 42, current)
	})

	t.Run("Should record and query cycles", func(t *testing.T) {
		n, err := store.NextCycleNumber(ctx)
		require.NoError(t, err)

		_, err = store.RecordCycle(ctx, types.CycleSnapshot{
			CycleID:         uuid.New().String(),
			CycleNumber:     n,
			Timestamp:       time.Now(),
			Outcome:         types.OutcomeNoOp,
			Reason:          "no rebalance needed",
			ManagedCapital:  sdkmath.NewInt(1000),
			InitialYieldBps: sdkmath.LegacyNewDec(646),
			TargetYieldBps:  sdkmath.LegacyNewDec(646),
		})
		require.NoError(t, err)

		cycle, err := GetCycleByNumber(ctx, n)
		require.NoError(t, err)
		assert.Equal(t, types.OutcomeNoOp, cycle.Outcome)
		assert.Equal(t, "1000", cycle.ManagedCapital.String())

		summary, err := GetCycleSummary(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, summary.NoOps)
	})
}
