package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/elys-network/avr/internal/avr"
	"github.com/elys-network/avr/internal/config"
	"github.com/elys-network/avr/internal/logger"
	"github.com/elys-network/avr/internal/metrics"
	"github.com/elys-network/avr/internal/registry"
	"github.com/elys-network/avr/internal/state"
	"github.com/elys-network/avr/internal/types"
)

var rootCmd = &cobra.Command{
	Use:   "avr",
	Short: "Validator rebalancer that routes delegated capital to the best validators in a staking registry",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// --- 1. Initialization Phase ---
		if err := godotenv.Load(); err != nil {
			log.Warn().Msg("Warning: .env file not found. Relying on OS environment variables.")
		}

		// Load configuration from environment variables
		if err := config.LoadConfig(); err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		logger.InitializeWithOptions(os.Getenv("LOG_LEVEL"), logger.Options{
			JSON:     strings.EqualFold(os.Getenv("LOG_FORMAT"), "json"),
			FilePath: os.Getenv("LOG_FILE"),
		})
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(distributionCmd)
	rootCmd.AddCommand(resyncCmd)
}

// main is the entry point for the AVR system.
func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app is everything a command needs once startup has finished.
type app struct {
	manager *avr.Manager
	metrics *metrics.Metrics
	close   func()
}

// setup connects the database, loads the policy parameters, builds the registry for the
// configured mode and restores the ledger.
func setup(ctx context.Context) (*app, error) {
	// Initialize Database Connection
	if err := state.InitDB(config.Database); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := state.EnsureSchema(); err != nil {
		state.CloseDB()
		return nil, fmt.Errorf("failed to ensure database schema: %w", err)
	}

	store := state.NewPostgresStore(config.PolicyConfigName)

	// Load Policy Parameters
	params, paramsID, err := store.LoadActivePolicyParameters(ctx)
	if err != nil {
		if !errors.Is(err, state.ErrNoActiveParameters) {
			state.CloseDB()
			return nil, fmt.Errorf("failed to load policy parameters: %w", err)
		}
		log.Warn().Str("configName", config.PolicyConfigName).Msg("No active policy parameters, using defaults and saving.")
		defaults := config.DefaultPolicyParameters
		paramsID, err = store.SavePolicyParameters(ctx, defaults, common.Address{})
		if err != nil {
			state.CloseDB()
			return nil, fmt.Errorf("failed to save initial default policy parameters: %w", err)
		}
		params = &defaults
	}
	log.Info().Int64("paramsId", paramsID).Msg("Policy parameters loaded successfully.")

	// --- 2. Registry Initialization (with Safety Switch) ---
	var reg registry.RegistryView
	closeRegistry := func() {}
	switch config.Mode {
	case config.ModeLive:
		log.Warn().Msg("Initializing AVR in LIVE mode. Real delegations will be sent to the registry.")
		evmRegistry, err := registry.DialEVMRegistry(ctx, config.EVMRPC, config.RegistryContract, config.EVMChainID, config.SignerPrivateKey, config.GasLimitMultiplier)
		if err != nil {
			state.CloseDB()
			return nil, fmt.Errorf("failed to initialize registry client: %w", err)
		}
		log.Info().Str("endpoint", config.EVMRPC).Str("delegator", evmRegistry.Delegator().Hex()).Msg("Registry connected")
		reg = evmRegistry
		closeRegistry = evmRegistry.Close
	default:
		log.Warn().Str("seed", config.SimulationValidatorsFile).Msg("Initializing AVR in SIMULATION mode against an in-memory registry.")
		simRegistry, err := registry.LoadSimulationRegistry(config.SimulationValidatorsFile)
		if err != nil {
			state.CloseDB()
			return nil, fmt.Errorf("failed to load simulation registry: %w", err)
		}
		reg = simRegistry
	}

	l, err := avr.LoadOrBootstrapLedger(ctx, store, store, reg)
	if err != nil {
		closeRegistry()
		state.CloseDB()
		return nil, err
	}

	// --- 3. Create AVR Manager with Dependency Injection ---
	m := metrics.New()
	manager, err := avr.NewManager(avr.Config{
		Registry:       reg,
		Ledger:         l,
		Params:         params,
		PolicyParamsID: &paramsID,
		Operator:       config.OperatorAddress,
		Denom:          config.StakingDenom,
		Recorder:       store,
		LedgerStore:    store,
		ParameterStore: store,
		Metrics:        m,
	})
	if err != nil {
		closeRegistry()
		state.CloseDB()
		return nil, fmt.Errorf("failed to create AVR manager: %w", err)
	}

	return &app{
		manager: manager,
		metrics: m,
		close: func() {
			closeRegistry()
			state.CloseDB()
		},
	}, nil
}

// formatBps renders basis points as a percentage string.
func formatBps(bps uint64) string {
	return strconv.FormatFloat(float64(bps)*100/float64(types.BasisPointsDenominator), 'f', 2, 64) + "%"
}
