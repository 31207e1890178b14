package main

import (
	"errors"
	"fmt"

	"github.com/cleanse-io/cleanse/internal/config"
	"github.com/cleanse-io/cleanse/internal/storage"
)

const defaultMigrationTable = "schema_migrations"

// ErrMigrationTableEmpty is returned when the migration tracking table name
// is blank.
var ErrMigrationTableEmpty = errors.New("MIGRATION_TABLE cannot be empty")

// Config holds all configuration for the migration tool.
type Config struct {
	// DatabaseURL is the PostgreSQL connection string.
	DatabaseURL string

	// MigrationTable is the name of the table tracking applied migrations.
	MigrationTable string
}

// LoadConfig loads configuration from environment variables with sensible
// defaults.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabaseURL:    config.GetEnvStr("DATABASE_URL", ""),
		MigrationTable: config.GetEnvStr("MIGRATION_TABLE", defaultMigrationTable),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return storage.ErrDatabaseURLEmpty
	}

	if c.MigrationTable == "" {
		return ErrMigrationTableEmpty
	}

	return nil
}

// String returns a representation of the configuration safe for logging.
func (c *Config) String() string {
	masked := storage.NewConfig(c.DatabaseURL).MaskDatabaseURL()

	return fmt.Sprintf("Config{DatabaseURL: %s, MigrationTable: %s}", masked, c.MigrationTable)
}
