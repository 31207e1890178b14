package storage

import (
	"context"
	"time"

	"github.com/cleanse-io/cleanse/internal/issues"
	"github.com/cleanse-io/cleanse/internal/operations"
)

// ResilientOperationStore wraps an operations.Store with the retry and
// circuit-breaker policy, so transient database failures cost a call some
// latency instead of failing the run outright.
type ResilientOperationStore struct {
	inner  operations.Store
	policy *resiliencePolicy
}

// Compile-time interface check.
var _ operations.Store = (*ResilientOperationStore)(nil)

// NewResilientOperationStore wraps the given store with the policy.
func NewResilientOperationStore(inner operations.Store, cfg *ResilienceConfig) *ResilientOperationStore {
	return &ResilientOperationStore{
		inner:  inner,
		policy: newResiliencePolicy("operation-store", cfg),
	}
}

// Insert delegates under the policy. The single-running refusal is a domain
// outcome and passes through without retries.
func (s *ResilientOperationStore) Insert(ctx context.Context, op *operations.Operation) error {
	return s.policy.run(ctx, "insert operation", func(ctx context.Context) error {
		return s.inner.Insert(ctx, op)
	})
}

// GetByID delegates under the policy.
func (s *ResilientOperationStore) GetByID(ctx context.Context, id string) (*operations.Operation, error) {
	var op *operations.Operation

	err := s.policy.run(ctx, "get operation", func(ctx context.Context) error {
		var err error

		op, err = s.inner.GetByID(ctx, id)

		return err
	})

	return op, err
}

// Update delegates under the policy.
func (s *ResilientOperationStore) Update(ctx context.Context, op *operations.Operation) error {
	return s.policy.run(ctx, "update operation", func(ctx context.Context) error {
		return s.inner.Update(ctx, op)
	})
}

// ListSummaries delegates under the policy.
func (s *ResilientOperationStore) ListSummaries(ctx context.Context, skip, top int) ([]operations.Summary, error) {
	var summaries []operations.Summary

	err := s.policy.run(ctx, "list operations", func(ctx context.Context) error {
		var err error

		summaries, err = s.inner.ListSummaries(ctx, skip, top)

		return err
	})

	return summaries, err
}

// GetCurrentRunning delegates under the policy.
func (s *ResilientOperationStore) GetCurrentRunning(ctx context.Context) (*operations.Operation, error) {
	var op *operations.Operation

	err := s.policy.run(ctx, "get running operation", func(ctx context.Context) error {
		var err error

		op, err = s.inner.GetCurrentRunning(ctx)

		return err
	})

	return op, err
}

// DeleteAll delegates under the policy.
func (s *ResilientOperationStore) DeleteAll(ctx context.Context) error {
	return s.policy.run(ctx, "delete operations", func(ctx context.Context) error {
		return s.inner.DeleteAll(ctx)
	})
}

// ResilientIssueStore wraps an issues.Store with the retry and
// circuit-breaker policy.
type ResilientIssueStore struct {
	inner  issues.Store
	policy *resiliencePolicy
}

// Compile-time interface check.
var _ issues.Store = (*ResilientIssueStore)(nil)

// NewResilientIssueStore wraps the given store with the policy.
func NewResilientIssueStore(inner issues.Store, cfg *ResilienceConfig) *ResilientIssueStore {
	return &ResilientIssueStore{
		inner:  inner,
		policy: newResiliencePolicy("issue-store", cfg),
	}
}

// GetByThumbprint delegates under the policy.
func (s *ResilientIssueStore) GetByThumbprint(ctx context.Context, thumbprint string) (*issues.Issue, error) {
	var issue *issues.Issue

	err := s.policy.run(ctx, "get issue", func(ctx context.Context) error {
		var err error

		issue, err = s.inner.GetByThumbprint(ctx, thumbprint)

		return err
	})

	return issue, err
}

// ApplyChange delegates under the policy. The dual write is one transaction
// in the inner store, so a retried attempt never observes a half-applied
// mutation.
func (s *ResilientIssueStore) ApplyChange(ctx context.Context, issue *issues.Issue, entry *issues.HistoryEntry) error {
	return s.policy.run(ctx, "apply issue change", func(ctx context.Context) error {
		return s.inner.ApplyChange(ctx, issue, entry)
	})
}

// DeactivateStale delegates under the policy.
func (s *ResilientIssueStore) DeactivateStale(
	ctx context.Context,
	operationID, performedBy string,
	occurredAt time.Time,
) (int64, error) {
	var count int64

	err := s.policy.run(ctx, "deactivate stale issues", func(ctx context.Context) error {
		var err error

		count, err = s.inner.DeactivateStale(ctx, operationID, performedBy, occurredAt)

		return err
	})

	return count, err
}

// List delegates under the policy.
func (s *ResilientIssueStore) List(
	ctx context.Context,
	filter issues.Filter,
	sort issues.Sort,
	page issues.Page,
) ([]issues.Issue, int64, error) {
	var (
		list  []issues.Issue
		total int64
	)

	err := s.policy.run(ctx, "list issues", func(ctx context.Context) error {
		var err error

		list, total, err = s.inner.List(ctx, filter, sort, page)

		return err
	})

	return list, total, err
}

// GroupByIssueCode delegates under the policy.
func (s *ResilientIssueStore) GroupByIssueCode(
	ctx context.Context,
	filter issues.Filter,
	sampleSize int,
) ([]issues.CodeGroup, error) {
	var groups []issues.CodeGroup

	err := s.policy.run(ctx, "group issues", func(ctx context.Context) error {
		var err error

		groups, err = s.inner.GroupByIssueCode(ctx, filter, sampleSize)

		return err
	})

	return groups, err
}

// ListForExport delegates under the policy.
func (s *ResilientIssueStore) ListForExport(ctx context.Context) ([]issues.Issue, error) {
	var list []issues.Issue

	err := s.policy.run(ctx, "list issues for export", func(ctx context.Context) error {
		var err error

		list, err = s.inner.ListForExport(ctx)

		return err
	})

	return list, err
}

// ListHistory delegates under the policy.
func (s *ResilientIssueStore) ListHistory(
	ctx context.Context,
	issueID string,
	page issues.Page,
) ([]issues.HistoryEntry, error) {
	var entries []issues.HistoryEntry

	err := s.policy.run(ctx, "list issue history", func(ctx context.Context) error {
		var err error

		entries, err = s.inner.ListHistory(ctx, issueID, page)

		return err
	})

	return entries, err
}

// DeleteAll delegates under the policy.
func (s *ResilientIssueStore) DeleteAll(ctx context.Context) error {
	return s.policy.run(ctx, "delete issues", func(ctx context.Context) error {
		return s.inner.DeleteAll(ctx)
	})
}
