package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

const (
	DefaultWebPort          = "8080"
	DefaultPolicyConfigName = "default_avr_policy"
)

// Service configuration. Every variable here is optional.
var (
	// WebPort is the port of the operator API and the /metrics endpoint.
	WebPort string
	// OperatorAPIToken guards the mutating operator routes. Empty disables them.
	OperatorAPIToken string
	// RetryDelay is how soon the loop runs again after a partially executed plan.
	RetryDelay time.Duration
	// PolicyConfigName selects the versioned policy parameter set in the database.
	PolicyConfigName string
)

func loadServiceConfig() error {
	WebPort = getEnvOrDefault("WEB_PORT", DefaultWebPort)
	OperatorAPIToken = os.Getenv("OPERATOR_API_TOKEN")
	PolicyConfigName = getEnvOrDefault("POLICY_CONFIG_NAME", DefaultPolicyConfigName)

	RetryDelay = LoopInterval / 4
	if raw, ok := os.LookupEnv("RETRY_DELAY_SECONDS"); ok {
		seconds, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return errors.New("environment variable RETRY_DELAY_SECONDS must be a valid uint64, got: " + raw)
		}
		RetryDelay = time.Duration(seconds) * time.Second
	}
	if RetryDelay > LoopInterval {
		RetryDelay = LoopInterval
	}
	return nil
}

func getEnvOrDefault(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}
