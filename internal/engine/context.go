package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/cleanse-io/cleanse/internal/identity"
)

// RunContext is the per-run memoized query access handed to rules.
//
// It is scoped to exactly one reconciliation run and discarded when the run
// ends; nothing is shared across runs. Concurrent rule evaluations within the
// run share it, so correctness is single-flight de-duplication, not just
// memoization: two concurrent identical requests observe exactly one
// underlying query execution, with the one result published to all waiters.
//
// Failed queries are not cached; the next request for the same signature
// retries the underlying service.
type RunContext struct {
	operationID string
	queries     QueryService

	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]*QueryResult
}

// NewRunContext creates the cached query context for one run.
func NewRunContext(operationID string, queries QueryService) *RunContext {
	return &RunContext{
		operationID: operationID,
		queries:     queries,
		cache:       make(map[string]*QueryResult),
	}
}

// OperationID returns the id of the run this context belongs to.
func (c *RunContext) OperationID() string {
	return c.operationID
}

// Query executes the registry query, serving repeats of an identical
// parameter set from the run cache. Callers must treat the returned result as
// immutable; it is shared between every caller with the same signature.
func (c *RunContext) Query(ctx context.Context, params QueryParams) (*QueryResult, error) {
	sig := params.Signature()

	c.mu.RLock()
	cached, ok := c.cache[sig]
	c.mu.RUnlock()

	if ok {
		return cached, nil
	}

	value, err, _ := c.group.Do(sig, func() (any, error) {
		// A waiter that lost the cache race may arrive after the winning
		// flight completed and the group forgot the key; re-check before
		// hitting the underlying service.
		c.mu.RLock()
		cached, ok := c.cache[sig]
		c.mu.RUnlock()

		if ok {
			return cached, nil
		}

		result, err := c.queries.Execute(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("query %s failed: %w", params.Collection, err)
		}

		c.mu.Lock()
		c.cache[sig] = result
		c.mu.Unlock()

		return result, nil
	})
	if err != nil {
		return nil, err
	}

	result, ok := value.(*QueryResult)
	if !ok {
		return nil, fmt.Errorf("query %s: unexpected cached value type %T", params.Collection, value)
	}

	return result, nil
}

// QuerySingle delegates to Query and returns the first row, with ok=false
// when the query matched nothing.
func (c *RunContext) QuerySingle(ctx context.Context, params QueryParams) (Row, bool, error) {
	result, err := c.Query(ctx, params)
	if err != nil {
		return nil, false, err
	}

	if len(result.Rows) == 0 {
		return nil, false, nil
	}

	return result.Rows[0], true, nil
}

// Len returns the number of cached query results. Exposed for observability
// and tests.
func (c *RunContext) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.cache)
}

// Signature computes the canonical cache key of the parameter set: a stable
// hash over collection, filter, sort, skip, top, include-count flag, and the
// projected fields.
func (p QueryParams) Signature() string {
	return identity.QuerySignature(
		p.Collection,
		p.Filter,
		p.Sort,
		strconv.Itoa(p.Skip),
		strconv.Itoa(p.Top),
		strconv.FormatBool(p.IncludeCount),
		strings.Join(p.Fields, ","),
	)
}
