package engine

import (
	"errors"
	"fmt"

	"github.com/cleanse-io/cleanse/internal/config"
)

const (
	defaultMovementCollection = "movement_holdings"
	defaultRegisterCollection = "register_holdings"
	defaultPageSize           = 500
	defaultProgressEvery      = 250
	defaultProgressPerSecond  = 1.0
	defaultParallelism        = 4
)

// Sentinel errors for orchestrator configuration.
var (
	// ErrCollectionEmpty is returned when a registry collection name is empty.
	ErrCollectionEmpty = errors.New("registry collection name cannot be empty")

	// ErrInvalidPageSize is returned when the scan page size is not positive.
	ErrInvalidPageSize = errors.New("page size must be greater than zero")

	// ErrInvalidParallelism is returned when the worker bound is not positive.
	ErrInvalidParallelism = errors.New("parallelism must be greater than zero")
)

// Config holds orchestrator settings with production-ready defaults.
type Config struct {
	// MovementCollection is the movement-service registry collection.
	MovementCollection string

	// RegisterCollection is the location-register collection.
	RegisterCollection string

	// PageSize bounds each page of the holding-id scan.
	PageSize int

	// ProgressEvery is the record-count floor between progress reports.
	ProgressEvery int

	// ProgressPerSecond is the rate ceiling on progress writes, bounding
	// write amplification against the run-tracking store.
	ProgressPerSecond float64

	// Parallelism bounds concurrent holding evaluations. 1 means a strictly
	// sequential pass.
	Parallelism int
}

// LoadConfig loads orchestrator configuration from environment variables with
// fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		MovementCollection: config.GetEnvStr("CLEANSE_MOVEMENT_COLLECTION", defaultMovementCollection),
		RegisterCollection: config.GetEnvStr("CLEANSE_REGISTER_COLLECTION", defaultRegisterCollection),
		PageSize:           config.GetEnvInt("CLEANSE_SCAN_PAGE_SIZE", defaultPageSize),
		ProgressEvery:      config.GetEnvInt("CLEANSE_PROGRESS_EVERY", defaultProgressEvery),
		ProgressPerSecond:  config.GetEnvFloat("CLEANSE_PROGRESS_PER_SECOND", defaultProgressPerSecond),
		Parallelism:        config.GetEnvInt("CLEANSE_PARALLELISM", defaultParallelism),
	}
}

// Validate checks the configuration before any I/O happens.
func (c *Config) Validate() error {
	if c.MovementCollection == "" {
		return fmt.Errorf("%w: movement collection", ErrCollectionEmpty)
	}

	if c.RegisterCollection == "" {
		return fmt.Errorf("%w: register collection", ErrCollectionEmpty)
	}

	if c.PageSize <= 0 {
		return ErrInvalidPageSize
	}

	if c.Parallelism <= 0 {
		return ErrInvalidParallelism
	}

	return nil
}
