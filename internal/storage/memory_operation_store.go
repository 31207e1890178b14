package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cleanse-io/cleanse/internal/operations"
)

// InMemoryOperationStore implements operations.Store with a mutex-guarded
// map. Used by unit tests and local development; the single-Running guard
// holds because the existence check and the insert share one lock section.
type InMemoryOperationStore struct {
	mu  sync.RWMutex
	ops map[string]operations.Operation
}

// Compile-time interface check.
var _ operations.Store = (*InMemoryOperationStore)(nil)

// NewInMemoryOperationStore creates an empty in-memory operation store.
func NewInMemoryOperationStore() *InMemoryOperationStore {
	return &InMemoryOperationStore{
		ops: make(map[string]operations.Operation),
	}
}

// Insert persists a new operation, rejecting a second Running one.
func (s *InMemoryOperationStore) Insert(_ context.Context, op *operations.Operation) error {
	if op == nil {
		return operations.ErrOperationNil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if op.Status == operations.StatusRunning {
		for _, existing := range s.ops {
			if existing.Status == operations.StatusRunning {
				return fmt.Errorf("%w: operation %s", operations.ErrAnalysisAlreadyRunning, existing.ID)
			}
		}
	}

	s.ops[op.ID] = *op

	return nil
}

// GetByID returns a copy of the operation with the given id.
func (s *InMemoryOperationStore) GetByID(_ context.Context, id string) (*operations.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	op, ok := s.ops[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", operations.ErrOperationNotFound, id)
	}

	return &op, nil
}

// Update replaces the stored operation by id.
func (s *InMemoryOperationStore) Update(_ context.Context, op *operations.Operation) error {
	if op == nil {
		return operations.ErrOperationNil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ops[op.ID]; !ok {
		return fmt.Errorf("%w: %s", operations.ErrOperationNotFound, op.ID)
	}

	s.ops[op.ID] = *op

	return nil
}

// ListSummaries returns operation summaries ordered by startedAt descending.
func (s *InMemoryOperationStore) ListSummaries(_ context.Context, skip, top int) ([]operations.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]operations.Operation, 0, len(s.ops))
	for _, op := range s.ops {
		all = append(all, op)
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].StartedAt.Equal(all[j].StartedAt) {
			return all[i].ID < all[j].ID
		}

		return all[i].StartedAt.After(all[j].StartedAt)
	})

	if skip >= len(all) {
		return nil, nil
	}

	all = all[skip:]

	if limit := normalizeTop(top); limit < len(all) {
		all = all[:limit]
	}

	summaries := make([]operations.Summary, len(all))
	for i, op := range all {
		summaries[i] = op.Summarize()
	}

	return summaries, nil
}

// GetCurrentRunning returns the single Running operation.
func (s *InMemoryOperationStore) GetCurrentRunning(_ context.Context) (*operations.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, op := range s.ops {
		if op.Status == operations.StatusRunning {
			running := op

			return &running, nil
		}
	}

	return nil, operations.ErrNoRunningOperation
}

// DeleteAll removes every operation.
func (s *InMemoryOperationStore) DeleteAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ops = make(map[string]operations.Operation)

	return nil
}
