// Package config handles configuration for the server daemon: defaults,
// an optional .env overlay, HUXLEY_* environment variables, and finally
// command-line flags.
package config

import "runtime"

// Config holds runtime settings for the Huxley server.
//
// Fields:
//   - Port: TCP port the acceptor binds.
//   - DatabasePath: path of the SQLite database file.
//   - MasterKeyPath / SessionKeyPath: key material locations (§6 formats).
//   - Workers: size of the worker-reactor pool.
//   - DurationSeconds: headless run time; 0 means no time limit.
//   - NoBlock: run headless until SIGINT/SIGTERM instead of waiting on stdin.
type Config struct {
	Port            int
	DatabasePath    string
	MasterKeyPath   string
	SessionKeyPath  string
	Workers         int
	DurationSeconds int
	NoBlock         bool
}

// LoadDefaults populates Config with the daemon defaults.
func (c *Config) LoadDefaults() {
	c.Port = 8080
	c.DatabasePath = "huxley.db"
	c.MasterKeyPath = "/etc/huxley/master.key"
	c.SessionKeyPath = "/etc/huxley/session.key.enc"
	c.Workers = max(1, runtime.NumCPU())
	c.DurationSeconds = 0
	c.NoBlock = false
}

// LoadConfig builds a Config by applying defaults, then overlaying values
// from the environment (including an optional .env file) and finally from
// command-line flags.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseEnv(cfg)
	if err := parseFlags(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
