package storage

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cleanse-io/cleanse/internal/engine"
)

var errRegistryDown = errors.New("registry down")

// flakyQueryService fails the first failures calls, then succeeds.
type flakyQueryService struct {
	failures int32
	calls    atomic.Int32
}

func (f *flakyQueryService) Execute(_ context.Context, _ engine.QueryParams) (*engine.QueryResult, error) {
	if f.calls.Add(1) <= f.failures {
		return nil, errRegistryDown
	}

	return &engine.QueryResult{Rows: []engine.Row{{"holding_id": "12/345/6789"}}}, nil
}

// stalledQueryService never returns until the attempt context expires.
type stalledQueryService struct {
	calls atomic.Int32
}

func (s *stalledQueryService) Execute(ctx context.Context, _ engine.QueryParams) (*engine.QueryResult, error) {
	s.calls.Add(1)

	<-ctx.Done()

	return nil, ctx.Err()
}

// fastResilienceConfig keeps retries quick and the breaker out of the way so
// each test controls exactly one knob.
func fastResilienceConfig() *ResilienceConfig {
	return &ResilienceConfig{
		MaxRetries:          3,
		InitialInterval:     time.Millisecond,
		MaxInterval:         5 * time.Millisecond,
		BreakerFailureRatio: 1.0,
		BreakerMinRequests:  1000,
		BreakerTimeout:      time.Second,
	}
}

func TestResilientQueryServiceRetriesTransientFailure(t *testing.T) {
	inner := &flakyQueryService{failures: 2}
	svc := NewResilientQueryService(inner, fastResilienceConfig())

	result, err := svc.Execute(context.Background(), engine.QueryParams{Collection: "movement_holdings"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if len(result.Rows) != 1 {
		t.Errorf("got %d rows, want 1", len(result.Rows))
	}

	if calls := inner.calls.Load(); calls != 3 {
		t.Errorf("inner called %d times, want 3", calls)
	}
}

func TestResilientQueryServiceExhaustsRetries(t *testing.T) {
	inner := &flakyQueryService{failures: 100}
	svc := NewResilientQueryService(inner, fastResilienceConfig())

	_, err := svc.Execute(context.Background(), engine.QueryParams{Collection: "movement_holdings"})
	if !errors.Is(err, errRegistryDown) {
		t.Fatalf("Execute() error = %v, want wrapped errRegistryDown", err)
	}

	// First attempt plus MaxRetries.
	if calls := inner.calls.Load(); calls != 4 {
		t.Errorf("inner called %d times, want 4", calls)
	}
}

func TestResilientQueryServiceBreakerOpensOnFailureRatio(t *testing.T) {
	inner := &flakyQueryService{failures: 1000}
	cfg := fastResilienceConfig()
	cfg.BreakerFailureRatio = 0.5
	cfg.BreakerMinRequests = 3

	svc := NewResilientQueryService(inner, cfg)

	// Three failing requests satisfy the minimum sample at 100% failure,
	// opening the breaker mid-retry-loop.
	_, err := svc.Execute(context.Background(), engine.QueryParams{Collection: "movement_holdings"})
	if err == nil {
		t.Fatal("expected failure while tripping the breaker")
	}

	before := inner.calls.Load()

	// Open breaker: no inner calls, immediate failure.
	if _, err := svc.Execute(context.Background(), engine.QueryParams{Collection: "movement_holdings"}); err == nil {
		t.Fatal("expected failure from open breaker")
	}

	if after := inner.calls.Load(); after != before {
		t.Errorf("open breaker still reached the inner service (%d -> %d calls)", before, after)
	}
}

func TestResilientQueryServiceBreakerRespectsMinimumSample(t *testing.T) {
	inner := &flakyQueryService{failures: 2}
	cfg := fastResilienceConfig()
	// Every observed request so far fails the ratio, but the sample is too
	// small to open the breaker, so the retry loop recovers.
	cfg.BreakerFailureRatio = 0.01
	cfg.BreakerMinRequests = 100

	svc := NewResilientQueryService(inner, cfg)

	if _, err := svc.Execute(context.Background(), engine.QueryParams{Collection: "movement_holdings"}); err != nil {
		t.Fatalf("Execute() error = %v, want recovery below minimum sample", err)
	}

	if calls := inner.calls.Load(); calls != 3 {
		t.Errorf("inner called %d times, want 3", calls)
	}
}

func TestResilientQueryServiceAttemptTimeout(t *testing.T) {
	inner := &stalledQueryService{}
	cfg := fastResilienceConfig()
	cfg.AttemptTimeout = 5 * time.Millisecond
	cfg.MaxRetries = 1

	svc := NewResilientQueryService(inner, cfg)

	start := time.Now()

	_, err := svc.Execute(context.Background(), engine.QueryParams{Collection: "movement_holdings"})
	if err == nil {
		t.Fatal("expected failure from stalled backend")
	}

	// Two attempts, each cut off by the per-attempt deadline.
	if calls := inner.calls.Load(); calls != 2 {
		t.Errorf("inner called %d times, want 2", calls)
	}

	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Execute() ran %v, expected the attempt deadline to cut it short", elapsed)
	}
}

func TestResilientQueryServiceHonorsCancellation(t *testing.T) {
	inner := &flakyQueryService{failures: 1000}
	cfg := fastResilienceConfig()
	cfg.MaxRetries = 10000
	cfg.InitialInterval = 50 * time.Millisecond

	svc := NewResilientQueryService(inner, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()

	if _, err := svc.Execute(ctx, engine.QueryParams{Collection: "movement_holdings"}); err == nil {
		t.Fatal("expected failure after cancellation")
	}

	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Execute() ran %v after cancellation, expected prompt return", elapsed)
	}
}
