package config

import (
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setSimulationEnv(t *testing.T) {
	t.Helper()
	t.Setenv("AVR_MODE", "simulation")
	t.Setenv("OPERATOR_ADDRESS", "0x00000000000000000000000000000000000000aa")
	t.Setenv("STAKING_DENOM", "uelys")
	t.Setenv("LOOP_INTERVAL_SECONDS", "600")
	t.Setenv("SIMULATION_VALIDATORS_FILE", "validators.json")
	t.Setenv("DB_USER", "avr")
	t.Setenv("DB_NAME", "avr")
	t.Setenv("DB_HOST", "")
	t.Setenv("DB_PORT", "")
	t.Setenv("DB_SSLMODE", "")
}

func Test_LoadConfig(t *testing.T) {
	t.Run("Should load a simulation configuration with service defaults", func(t *testing.T) {
		setSimulationEnv(t)
		t.Setenv("WEB_PORT", "")

		require.NoError(t, LoadConfig())
		assert.Equal(t, ModeSimulation, Mode)
		assert.Equal(t, common.HexToAddress("0x00000000000000000000000000000000000000aa"), OperatorAddress)
		assert.Equal(t, 10*time.Minute, LoopInterval)
		assert.Equal(t, "validators.json", SimulationValidatorsFile)
		assert.Equal(t, DefaultWebPort, WebPort)
		assert.Equal(t, DefaultPolicyConfigName, PolicyConfigName)
		assert.Equal(t, 150*time.Second, RetryDelay)
	})

	t.Run("Should cap the retry delay at the loop interval", func(t *testing.T) {
		setSimulationEnv(t)
		t.Setenv("RETRY_DELAY_SECONDS", "3600")

		require.NoError(t, LoadConfig())
		assert.Equal(t, LoopInterval, RetryDelay)
	})

	t.Run("Should reject an unknown mode", func(t *testing.T) {
		setSimulationEnv(t)
		t.Setenv("AVR_MODE", "paper")
		assert.Error(t, LoadConfig())
	})

	t.Run("Should reject a malformed operator address", func(t *testing.T) {
		setSimulationEnv(t)
		t.Setenv("OPERATOR_ADDRESS", "operator")
		assert.Error(t, LoadConfig())
	})

	t.Run("Should require endpoint settings in live mode", func(t *testing.T) {
		setSimulationEnv(t)
		t.Setenv("AVR_MODE", "live")
		t.Setenv("EVM_RPC", "http://localhost:8545")
		t.Setenv("REGISTRY_CONTRACT", "0x00000000000000000000000000000000000000cc")
		t.Setenv("EVM_CHAIN_ID", "1")
		t.Setenv("SIGNER_PRIVATE_KEY", "0xabc")
		t.Setenv("GAS_LIMIT_MULTIPLIER", "0.5")
		assert.Error(t, LoadConfig())

		t.Setenv("GAS_LIMIT_MULTIPLIER", "1.2")
		require.NoError(t, LoadConfig())
		assert.Equal(t, "abc", SignerPrivateKey)
		assert.Equal(t, uint64(1), EVMChainID)
	})
}

func Test_LoadDBConfig(t *testing.T) {
	t.Run("Should fill defaults around the required settings", func(t *testing.T) {
		setSimulationEnv(t)
		t.Setenv("DB_PASSWORD", "pw")

		cfg, err := LoadDBConfig()
		require.NoError(t, err)
		assert.Equal(t, DefaultDBHost, cfg.Host)
		assert.Equal(t, DefaultDBPort, cfg.Port)
		assert.Equal(t, DefaultDBSSLMode, cfg.SSLMode)
		assert.Equal(t, "avr", cfg.User)
		assert.Equal(t, "pw", cfg.Password)

		require.NoError(t, LoadConfig())
		assert.Equal(t, cfg, Database)
	})

	t.Run("Should reject a malformed port instead of falling back", func(t *testing.T) {
		setSimulationEnv(t)
		for _, port := range []string{"postgres", "0", "70000"} {
			t.Setenv("DB_PORT", port)
			_, err := LoadDBConfig()
			assert.Error(t, err, port)
		}

		t.Setenv("DB_PORT", "6543")
		cfg, err := LoadDBConfig()
		require.NoError(t, err)
		assert.Equal(t, 6543, cfg.Port)
	})

	t.Run("Should require the user and database name", func(t *testing.T) {
		setSimulationEnv(t)
		require.NoError(t, os.Unsetenv("DB_NAME"))
		_, err := LoadDBConfig()
		assert.Error(t, err)
	})
}

func Test_DefaultPolicyParameters(t *testing.T) {
	t.Run("Should ship sane defaults", func(t *testing.T) {
		p := DefaultPolicyParameters
		assert.Equal(t, uint64(50), p.ApyDeltaThresholdBps)
		assert.Equal(t, uint64(300), p.RiskScoreThreshold)
		assert.Positive(t, p.MaxMovesPerCycle)
		assert.False(t, p.DustTolerance.IsNegative())
	})
}
