package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/cleanse-io/cleanse/internal/config"
	"github.com/cleanse-io/cleanse/internal/engine"
	"github.com/cleanse-io/cleanse/internal/issues"
	"github.com/cleanse-io/cleanse/internal/operations"
)

const (
	defaultMaxRetries         = 3
	defaultInitialInterval    = 200 * time.Millisecond
	defaultMaxInterval        = 5 * time.Second
	defaultAttemptTimeout     = 10 * time.Second
	defaultBreakerRatio       = 0.6
	defaultBreakerMinRequests = 5
	defaultBreakerTimeout     = 30 * time.Second
)

// ResilienceConfig tunes the retry and circuit-breaker policy shared by the
// registry query client and the durable stores.
type ResilienceConfig struct {
	// MaxRetries bounds retry attempts per call, not counting the first try.
	MaxRetries uint64

	// InitialInterval is the first retry backoff delay.
	InitialInterval time.Duration

	// MaxInterval caps the exponential backoff delay.
	MaxInterval time.Duration

	// AttemptTimeout bounds each individual attempt. Zero disables the
	// per-attempt deadline and leaves only the caller's context.
	AttemptTimeout time.Duration

	// BreakerFailureRatio is the failure fraction over observed requests at
	// which the breaker opens.
	BreakerFailureRatio float64

	// BreakerMinRequests is the minimum sample size before the ratio is
	// consulted; below it the breaker never opens.
	BreakerMinRequests uint32

	// BreakerTimeout is how long the breaker stays open before probing again.
	BreakerTimeout time.Duration
}

// LoadResilienceConfig reads the policy from environment variables with
// fallback to defaults.
func LoadResilienceConfig() *ResilienceConfig {
	return &ResilienceConfig{
		MaxRetries:          uint64(config.GetEnvInt("CLEANSE_MAX_RETRIES", defaultMaxRetries)), //nolint:gosec // bounded small value
		InitialInterval:     config.GetEnvDuration("CLEANSE_RETRY_INITIAL", defaultInitialInterval),
		MaxInterval:         config.GetEnvDuration("CLEANSE_RETRY_MAX", defaultMaxInterval),
		AttemptTimeout:      config.GetEnvDuration("CLEANSE_ATTEMPT_TIMEOUT", defaultAttemptTimeout),
		BreakerFailureRatio: config.GetEnvFloat("CLEANSE_BREAKER_FAILURE_RATIO", defaultBreakerRatio),
		BreakerMinRequests:  uint32(config.GetEnvInt("CLEANSE_BREAKER_MIN_REQUESTS", defaultBreakerMinRequests)), //nolint:gosec // bounded small value
		BreakerTimeout:      config.GetEnvDuration("CLEANSE_BREAKER_TIMEOUT", defaultBreakerTimeout),
	}
}

// domainErrors are business outcomes, not infrastructure failures: retrying
// cannot change them and they must neither consume retry budget nor count
// against the circuit breaker.
var domainErrors = []error{
	operations.ErrOperationNotFound,
	operations.ErrAnalysisAlreadyRunning,
	operations.ErrNoRunningOperation,
	operations.ErrOperationNil,
	issues.ErrIssueNotFound,
	issues.ErrIssueNil,
	issues.ErrHistoryEntryNil,
}

func isDomainError(err error) bool {
	for _, sentinel := range domainErrors {
		if errors.Is(err, sentinel) {
			return true
		}
	}

	return false
}

// resiliencePolicy applies per-attempt timeouts, jittered exponential retry,
// and a failure-ratio circuit breaker around one downstream dependency. Each
// wrapped dependency carries its own breaker so a dead registry cannot open
// the database's circuit, and vice versa.
type resiliencePolicy struct {
	cfg     *ResilienceConfig
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

func newResiliencePolicy(name string, cfg *ResilienceConfig) *resiliencePolicy {
	return &resiliencePolicy{
		cfg: cfg,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: cfg.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < cfg.BreakerMinRequests {
					return false
				}

				ratio := float64(counts.TotalFailures) / float64(counts.Requests)

				return ratio >= cfg.BreakerFailureRatio
			},
		}),
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// run executes op under the policy. Domain errors pass through untouched on
// the first attempt; an open breaker aborts the retry loop immediately since
// waiting out the backoff cannot help.
func (p *resiliencePolicy) run(ctx context.Context, label string, op func(context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.cfg.InitialInterval
	policy.MaxInterval = p.cfg.MaxInterval

	attempt := func() error {
		var domainErr error

		_, err := p.breaker.Execute(func() (any, error) {
			attemptCtx := ctx

			if p.cfg.AttemptTimeout > 0 {
				var cancel context.CancelFunc

				attemptCtx, cancel = context.WithTimeout(ctx, p.cfg.AttemptTimeout)
				defer cancel()
			}

			if err := op(attemptCtx); err != nil {
				if isDomainError(err) {
					// A business outcome is a successful round trip as far
					// as the breaker is concerned.
					domainErr = err

					return nil, nil
				}

				return nil, err
			}

			return nil, nil
		})

		if domainErr != nil {
			return backoff.Permanent(domainErr)
		}

		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}

			p.logger.Warn("call failed, retrying",
				slog.String("call", label),
				slog.String("breaker", p.breaker.Name()),
				slog.String("error", err.Error()))

			return err
		}

		return nil
	}

	wrapped := backoff.WithContext(backoff.WithMaxRetries(policy, p.cfg.MaxRetries), ctx)

	return backoff.Retry(attempt, wrapped)
}

// ResilientQueryService wraps a registry query service with the policy. A
// flaky registry backend should cost a run some latency, not the whole pass;
// a dead one should fail fast instead of being hammered with every holding's
// queries.
type ResilientQueryService struct {
	inner  engine.QueryService
	policy *resiliencePolicy
}

// Compile-time interface check.
var _ engine.QueryService = (*ResilientQueryService)(nil)

// NewResilientQueryService wraps the given query service with the policy.
func NewResilientQueryService(inner engine.QueryService, cfg *ResilienceConfig) *ResilientQueryService {
	return &ResilientQueryService{
		inner:  inner,
		policy: newResiliencePolicy("registry-query", cfg),
	}
}

// Execute implements engine.QueryService.
func (s *ResilientQueryService) Execute(ctx context.Context, params engine.QueryParams) (*engine.QueryResult, error) {
	var result *engine.QueryResult

	err := s.policy.run(ctx, "query "+params.Collection, func(ctx context.Context) error {
		var err error

		result, err = s.inner.Execute(ctx, params)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("registry query failed for %s: %w", params.Collection, err)
	}

	return result, nil
}
