package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
)

const (
	ModeLive       = "live"
	ModeSimulation = "simulation"
)

// AppConfig holds all application configuration loaded from environment variables.
// These are populated at startup by the LoadConfig function.
var (
	// Mode selects the registry backend: "live" talks to the staking registry contract,
	// "simulation" runs against an in-memory registry seeded from a file.
	Mode string

	// OperatorAddress is the only address allowed to change thresholds, pause, or submit manual plans.
	OperatorAddress common.Address

	// StakingDenom is the denomination of the staked token, used for receipts and logs.
	StakingDenom string

	// LoopInterval is the time between two scheduled decision cycles.
	LoopInterval time.Duration

	// SimulationValidatorsFile is the JSON file that seeds the in-memory registry in simulation mode.
	SimulationValidatorsFile string
)

// LoadConfig loads configuration from environment variables and sets the global config vars.
// All environment variables are required and must be set, except those that only apply to the other mode.
func LoadConfig() error {
	log.Info().Msg("Loading application configuration from environment variables...")

	var err error

	Mode, err = getEnv("AVR_MODE")
	if err != nil {
		return err
	}
	Mode = strings.ToLower(strings.TrimSpace(Mode))
	if Mode != ModeLive && Mode != ModeSimulation {
		return errors.New("environment variable AVR_MODE must be 'live' or 'simulation', got: " + Mode)
	}

	operator, err := getEnv("OPERATOR_ADDRESS")
	if err != nil {
		return err
	}
	if !common.IsHexAddress(operator) {
		return errors.New("environment variable OPERATOR_ADDRESS must be a hex address, got: " + operator)
	}
	OperatorAddress = common.HexToAddress(operator)

	StakingDenom, err = getEnv("STAKING_DENOM")
	if err != nil {
		return err
	}

	intervalSeconds, err := getEnvAsUint64("LOOP_INTERVAL_SECONDS")
	if err != nil {
		return err
	}
	if intervalSeconds == 0 {
		return errors.New("environment variable LOOP_INTERVAL_SECONDS must be greater than zero")
	}
	LoopInterval = time.Duration(intervalSeconds) * time.Second

	if Mode == ModeSimulation {
		SimulationValidatorsFile, err = getEnv("SIMULATION_VALIDATORS_FILE")
		if err != nil {
			return err
		}
	}

	if err := loadServiceConfig(); err != nil {
		return err
	}

	Database, err = LoadDBConfig()
	if err != nil {
		return err
	}

	// Load endpoint configuration
	if Mode == ModeLive {
		if err := loadEndpointConfig(); err != nil {
			return err
		}
	}

	log.Debug().
		Str("Mode", Mode).
		Str("Operator", OperatorAddress.Hex()).
		Str("Denom", StakingDenom).
		Dur("LoopInterval", LoopInterval).
		Dur("RetryDelay", RetryDelay).
		Str("WebPort", WebPort).
		Str("DBHost", Database.Host).
		Int("DBPort", Database.Port).
		Msg("Configuration loaded successfully.")

	return nil
}

// getEnv retrieves a string environment variable. Returns error if not set.
func getEnv(key string) (string, error) {
	if value, exists := os.LookupEnv(key); exists {
		return value, nil
	}
	return "", errors.New("environment variable " + key + " is required but not set")
}

// getEnvAsUint64 retrieves an environment variable as a uint64. Returns error if not set or invalid.
func getEnvAsUint64(key string) (uint64, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseUint(valueStr, 10, 64)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid uint64, got: " + valueStr)
	}
	return value, nil
}

// getEnvAsFloat64 retrieves an environment variable as a float64. Returns error if not set or invalid.
func getEnvAsFloat64(key string) (float64, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid float64, got: " + valueStr)
	}
	return value, nil
}
