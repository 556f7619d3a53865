package bootstrap

import (
	"fmt"
	"os"

	"sanad/internal/config"
)

// Config is an alias for the project's main configuration struct.
type Config = config.Config

// LoadConfig delegates to the project's config loader and runs pre-flight
// checks beyond schema validation. Missing config at startup aborts the
// process.
func LoadConfig(path string) (*Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}

	return cfg, nil
}

// checkPreFlight performs environment checks beyond schema validation: the
// data/lease directories must exist (or be creatable) before any worker
// writes a lease file or the kill-switch marker.
func checkPreFlight(cfg *Config) error {
	for _, dir := range []string{cfg.System.DataDir, cfg.System.LeaseDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create required directory %s: %w", dir, err)
		}
	}
	return nil
}
