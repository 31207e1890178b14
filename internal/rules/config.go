package rules

import (
	"errors"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cleanse-io/cleanse/internal/config"
	"github.com/cleanse-io/cleanse/internal/engine"
)

// Config holds the optional rule-set configuration loaded from .cleanse.yaml.
type Config struct {
	// Rules lists rule ids in execution order. Empty means the built-in
	// default set in its default order.
	Rules []string `yaml:"rules"`
}

// DefaultConfigPath is the default location of the rule-set configuration
// file, following the hidden-file convention of tool configs.
const DefaultConfigPath = ".cleanse.yaml"

// ConfigPathEnvVar overrides the configuration file path.
const ConfigPathEnvVar = "CLEANSE_CONFIG_PATH"

// LoadConfig loads the rule-set configuration from a YAML file at the given
// path.
//
// Behavior:
//   - Returns empty config (not error) if the file doesn't exist - the
//     built-in rule set applies
//   - Returns empty config + logs warning if the YAML is invalid (graceful
//     degradation)
//   - Returns populated config on success
//
// Rule-set configuration is optional; a broken file must not stop the engine
// from running with its defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Rule config file not found, using built-in rule set",
				slog.String("path", path))

			return cfg, nil
		}

		slog.Warn("Failed to read rule config file, using built-in rule set",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return cfg, nil
	}

	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		slog.Warn("Failed to parse rule config file, using built-in rule set",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return &Config{}, nil
	}

	return cfg, nil
}

// LoadConfigFromEnv loads config from the path in CLEANSE_CONFIG_PATH,
// falling back to ".cleanse.yaml" in the current directory.
func LoadConfigFromEnv() (*Config, error) {
	path := config.GetEnvStr(ConfigPathEnvVar, DefaultConfigPath)

	return LoadConfig(path)
}

// Entries resolves the configured rule selection against the registered
// rules. Unlike a broken file, an unknown rule id is a hard error: the
// operator asked for a specific set and silently running a different one
// would corrupt the run's meaning.
func (c *Config) Entries(sources Sources) ([]engine.PipelineEntry, error) {
	return SelectEntries(sources, c.Rules)
}
