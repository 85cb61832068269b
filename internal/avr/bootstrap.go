package avr

import (
	"context"
	"fmt"

	sdkmath "cosmossdk.io/math"

	"github.com/elys-network/avr/internal/ledger"
	"github.com/elys-network/avr/internal/logger"
	"github.com/elys-network/avr/internal/registry"
	"github.com/elys-network/avr/internal/types"
)

// LedgerLoader reads a previously persisted ledger.
type LedgerLoader interface {
	LoadLedger(ctx context.Context) (records []types.DelegationRecord, parked sdkmath.Int, found bool, err error)
}

// LoadOrBootstrapLedger builds the in-memory ledger on startup. A persisted ledger wins; without
// one the ledger is seeded from the registry's current delegations and saved right away.
func LoadOrBootstrapLedger(ctx context.Context, loader LedgerLoader, store LedgerStore, r registry.RegistryView) (*ledger.MemoryLedger, error) {
	bootLogger := logger.GetForComponent("ledger_bootstrap")

	if loader != nil {
		records, parked, found, err := loader.LoadLedger(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load persisted ledger: %w", err)
		}
		if found {
			l, err := ledger.NewMemoryLedgerFrom(records, parked)
			if err != nil {
				return nil, fmt.Errorf("persisted ledger is invalid: %w", err)
			}
			bootLogger.Info().Int("records", len(records)).Str("parked", parked.String()).Msg("Loaded persisted delegation ledger")
			return l, nil
		}
	}

	l := ledger.NewMemoryLedger()
	count, err := ledger.Bootstrap(ctx, l, r)
	if err != nil {
		return nil, fmt.Errorf("failed to bootstrap ledger from registry: %w", err)
	}
	bootLogger.Warn().Int("records", count).Msg("No persisted ledger, bootstrapped from registry delegations")

	if store != nil {
		if err := store.SaveLedger(ctx, l.Entries(), l.Parked()); err != nil {
			return nil, fmt.Errorf("failed to persist bootstrapped ledger: %w", err)
		}
	}
	return l, nil
}
