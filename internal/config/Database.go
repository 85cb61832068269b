package config

import (
	"errors"
	"os"
	"strconv"

	"github.com/elys-network/avr/internal/state"
)

const (
	DefaultDBHost    = "localhost"
	DefaultDBPort    = 5432
	DefaultDBSSLMode = "disable"
)

// Database is the PostgreSQL connection populated by LoadConfig.
var Database state.DBConfig

// LoadDBConfig reads the PostgreSQL settings on their own, for tools that need the database
// but not the rest of the service configuration. DB_USER and DB_NAME are required.
func LoadDBConfig() (state.DBConfig, error) {
	cfg := state.DBConfig{
		Host:     getEnvOrDefault("DB_HOST", DefaultDBHost),
		Port:     DefaultDBPort,
		Password: os.Getenv("DB_PASSWORD"),
		SSLMode:  getEnvOrDefault("DB_SSLMODE", DefaultDBSSLMode),
	}

	var err error
	cfg.User, err = getEnv("DB_USER")
	if err != nil {
		return state.DBConfig{}, err
	}
	cfg.DBName, err = getEnv("DB_NAME")
	if err != nil {
		return state.DBConfig{}, err
	}

	if raw, ok := os.LookupEnv("DB_PORT"); ok && raw != "" {
		port, err := strconv.ParseUint(raw, 10, 16)
		if err != nil || port == 0 {
			return state.DBConfig{}, errors.New("environment variable DB_PORT must be a valid port, got: " + raw)
		}
		cfg.Port = int(port)
	}
	return cfg, nil
}
