package bootstrap

import (
	"fmt"
	"os"

	"github.com/JohnCCarter/Genesis-sub002/internal/config"
)

// LoadConfig loads and validates the YAML configuration, then runs the
// pre-flight checks schema validation cannot cover.
func LoadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}
	return cfg, nil
}

// checkPreFlight verifies the environment the config points at: the state
// directory must be writable and live trading needs credentials.
func checkPreFlight(cfg *config.Config) error {
	if cfg.System.StateDir != "" {
		if err := os.MkdirAll(cfg.System.StateDir, 0o700); err != nil {
			return fmt.Errorf("state_dir %s not usable: %w", cfg.System.StateDir, err)
		}
	}

	if !cfg.Trading.DryRun && !cfg.Bitfinex.HasCredentials() {
		return fmt.Errorf("api credentials are required when dry_run_enabled is false")
	}

	return nil
}
