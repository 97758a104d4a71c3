package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	databaseURLEnv   = "TREK_DATABASE_URL"
	migrationsDirEnv = "TREK_MIGRATIONS_DIR"

	defaultConfigPath    = "trek.yaml"
	defaultMigrationsDir = "migrations"
)

// config holds everything the CLI needs to reach the database and find the
// migration scripts. Each field resolves with precedence
// flag > environment > config file > default.
type config struct {
	URL   string `yaml:"url"`
	Dir   string `yaml:"migrations_dir"`
	Table string `yaml:"ledger_table"`
}

// loadConfig reads the YAML config at path (a missing file is fine unless the
// user pointed at it explicitly) and layers environment variables and
// non-empty flag values on top.
func loadConfig(path string, explicit bool, flagURL, flagDir, flagTable string) (config, error) {
	cfg := config{Dir: defaultMigrationsDir}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		if cfg.Dir == "" {
			cfg.Dir = defaultMigrationsDir
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
		// the config file is optional
	default:
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if v := os.Getenv(databaseURLEnv); v != "" {
		cfg.URL = v
	}
	if v := os.Getenv(migrationsDirEnv); v != "" {
		cfg.Dir = v
	}

	if flagURL != "" {
		cfg.URL = flagURL
	}
	if flagDir != "" {
		cfg.Dir = flagDir
	}
	if flagTable != "" {
		cfg.Table = flagTable
	}

	return cfg, nil
}
