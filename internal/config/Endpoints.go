package config

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
)

// Endpoint configuration loaded from environment variables.
// Only live mode needs these; they are populated by LoadConfig.
var (
	// EVMRPC is the JSON-RPC endpoint of the chain hosting the staking registry.
	EVMRPC string
	// RegistryContract is the address of the staking registry contract.
	RegistryContract common.Address
	// EVMChainID is the chain id used when signing registry transactions.
	EVMChainID uint64
	// SignerPrivateKey is the hex private key of the managing account (no 0x prefix required).
	SignerPrivateKey string
	// GasLimitMultiplier pads the node's gas estimate for delegate/undelegate transactions.
	GasLimitMultiplier float64
)

// loadEndpointConfig loads endpoint configuration from environment variables.
// This function is called by LoadConfig() in General.go.
func loadEndpointConfig() error {
	log.Info().Msg("Loading endpoint configuration from environment variables...")

	var err error

	EVMRPC, err = getEnv("EVM_RPC")
	if err != nil {
		return err
	}

	registry, err := getEnv("REGISTRY_CONTRACT")
	if err != nil {
		return err
	}
	if !common.IsHexAddress(registry) {
		return errors.New("environment variable REGISTRY_CONTRACT must be a hex address, got: " + registry)
	}
	RegistryContract = common.HexToAddress(registry)

	EVMChainID, err = getEnvAsUint64("EVM_CHAIN_ID")
	if err != nil {
		return err
	}

	SignerPrivateKey, err = getEnv("SIGNER_PRIVATE_KEY")
	if err != nil {
		return err
	}
	SignerPrivateKey = strings.TrimPrefix(SignerPrivateKey, "0x")

	GasLimitMultiplier, err = getEnvAsFloat64("GAS_LIMIT_MULTIPLIER")
	if err != nil {
		return err
	}
	if GasLimitMultiplier < 1 {
		return errors.New("environment variable GAS_LIMIT_MULTIPLIER must be at least 1")
	}

	log.Debug().
		Str("EVMRPC", EVMRPC).
		Str("RegistryContract", RegistryContract.Hex()).
		Uint64("EVMChainID", EVMChainID).
		Msg("Endpoint configuration loaded successfully.")

	return nil
}
