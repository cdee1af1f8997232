package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// parseEnv overlays Config fields from HUXLEY_* environment variables. An
// optional .env file in the working directory is loaded first; a missing
// file is not an error, and real environment variables win over it.
func parseEnv(config *Config) {
	_ = godotenv.Load()

	if v := os.Getenv("HUXLEY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.Port = port
		}
	}
	if v := os.Getenv("HUXLEY_DB_PATH"); v != "" {
		config.DatabasePath = v
	}
	if v := os.Getenv("HUXLEY_MASTER_KEY_PATH"); v != "" {
		config.MasterKeyPath = v
	}
	if v := os.Getenv("HUXLEY_SESSION_KEY_PATH"); v != "" {
		config.SessionKeyPath = v
	}
	if v := os.Getenv("HUXLEY_WORKERS"); v != "" {
		if workers, err := strconv.Atoi(v); err == nil && workers > 0 {
			config.Workers = workers
		}
	}
}
