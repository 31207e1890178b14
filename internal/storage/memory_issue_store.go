package storage

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cleanse-io/cleanse/internal/issues"
)

// InMemoryIssueStore implements issues.Store with mutex-guarded maps. The
// dual-write consistency contract holds because the issue mutation and the
// history append share one lock section.
type InMemoryIssueStore struct {
	mu      sync.RWMutex
	items   map[string]issues.Issue
	history map[string][]issues.HistoryEntry
}

// Compile-time interface check.
var _ issues.Store = (*InMemoryIssueStore)(nil)

// NewInMemoryIssueStore creates an empty in-memory issue store.
func NewInMemoryIssueStore() *InMemoryIssueStore {
	return &InMemoryIssueStore{
		items:   make(map[string]issues.Issue),
		history: make(map[string][]issues.HistoryEntry),
	}
}

// GetByThumbprint returns a copy of the issue with the given identity.
func (s *InMemoryIssueStore) GetByThumbprint(_ context.Context, thumbprint string) (*issues.Issue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	issue, ok := s.items[thumbprint]
	if !ok {
		return nil, fmt.Errorf("%w: %s", issues.ErrIssueNotFound, thumbprint)
	}

	return copyIssue(issue), nil
}

// ApplyChange upserts the issue and appends its history entry under one lock.
func (s *InMemoryIssueStore) ApplyChange(_ context.Context, issue *issues.Issue, entry *issues.HistoryEntry) error {
	if issue == nil {
		return issues.ErrIssueNil
	}

	if entry == nil {
		return issues.ErrHistoryEntryNil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[issue.Thumbprint] = *copyIssue(*issue)
	s.history[entry.IssueID] = append(s.history[entry.IssueID], *entry)

	return nil
}

// DeactivateStale deactivates every active issue the run did not touch.
func (s *InMemoryIssueStore) DeactivateStale(
	_ context.Context,
	operationID, performedBy string,
	occurredAt time.Time,
) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64

	for thumbprint, issue := range s.items {
		if !issue.IsActive || issue.LastOperationID == operationID {
			continue
		}

		issue.IsActive = false
		issue.LastUpdatedAt = occurredAt
		s.items[thumbprint] = issue

		s.history[thumbprint] = append(s.history[thumbprint], issues.HistoryEntry{
			ID:          uuid.NewString(),
			IssueID:     thumbprint,
			Action:      issues.ActionDeactivated,
			PerformedBy: performedBy,
			OccurredAt:  occurredAt,
		})

		count++
	}

	return count, nil
}

// List returns issues matching the filter in the given order, with the total
// match count.
func (s *InMemoryIssueStore) List(
	_ context.Context,
	filter issues.Filter,
	sortBy issues.Sort,
	page issues.Page,
) ([]issues.Issue, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := s.filtered(filter)
	total := int64(len(matched))

	sortIssues(matched, sortBy)

	if page.Skip >= len(matched) {
		return nil, total, nil
	}

	matched = matched[page.Skip:]

	if top := normalizeTop(page.Top); top < len(matched) {
		matched = matched[:top]
	}

	return matched, total, nil
}

// GroupByIssueCode buckets matching issues by issue code, descending count.
func (s *InMemoryIssueStore) GroupByIssueCode(
	_ context.Context,
	filter issues.Filter,
	sampleSize int,
) ([]issues.CodeGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buckets := make(map[string][]issues.Issue)
	for _, issue := range s.filtered(filter) {
		buckets[issue.IssueCode] = append(buckets[issue.IssueCode], issue)
	}

	groups := make([]issues.CodeGroup, 0, len(buckets))

	for code, items := range buckets {
		sort.Slice(items, func(i, j int) bool {
			return items[i].HoldingID < items[j].HoldingID
		})

		sample := items
		if sampleSize > 0 && sampleSize < len(sample) {
			sample = sample[:sampleSize]
		}

		groups = append(groups, issues.CodeGroup{
			IssueCode: code,
			Count:     int64(len(items)),
			Sample:    sample,
		})
	}

	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Count == groups[j].Count {
			return groups[i].IssueCode < groups[j].IssueCode
		}

		return groups[i].Count > groups[j].Count
	})

	return groups, nil
}

// ListForExport returns every active issue ordered by rule code then holding id.
func (s *InMemoryIssueStore) ListForExport(_ context.Context) ([]issues.Issue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	active := true
	matched := s.filtered(issues.Filter{Active: &active})

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].RuleCode != matched[j].RuleCode {
			return matched[i].RuleCode < matched[j].RuleCode
		}

		if matched[i].HoldingID != matched[j].HoldingID {
			return matched[i].HoldingID < matched[j].HoldingID
		}

		return matched[i].SecondaryID < matched[j].SecondaryID
	})

	return matched, nil
}

// ListHistory returns audit entries for one issue, most recent first.
func (s *InMemoryIssueStore) ListHistory(_ context.Context, issueID string, page issues.Page) ([]issues.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := slices.Clone(s.history[issueID])

	// Entries are appended in detection order. Reversing first makes the
	// append index the tie-break: same-instant entries come back
	// newest-append-first, and the stable sort then orders distinct
	// timestamps without disturbing those ties.
	slices.Reverse(entries)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].OccurredAt.After(entries[j].OccurredAt)
	})

	if page.Skip >= len(entries) {
		return nil, nil
	}

	entries = entries[page.Skip:]

	if top := normalizeTop(page.Top); top < len(entries) {
		entries = entries[:top]
	}

	return entries, nil
}

// DeleteAll removes every issue and history entry.
func (s *InMemoryIssueStore) DeleteAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[string]issues.Issue)
	s.history = make(map[string][]issues.HistoryEntry)

	return nil
}

// filtered returns copies of every issue matching the filter. Callers hold at
// least the read lock.
func (s *InMemoryIssueStore) filtered(filter issues.Filter) []issues.Issue {
	var matched []issues.Issue

	for _, issue := range s.items {
		if matchesFilter(issue, filter) {
			matched = append(matched, *copyIssue(issue))
		}
	}

	return matched
}

func matchesFilter(issue issues.Issue, filter issues.Filter) bool {
	if filter.Active != nil && issue.IsActive != *filter.Active {
		return false
	}

	if filter.Ignored != nil && issue.IsIgnored != *filter.Ignored {
		return false
	}

	if filter.AssignedTo != nil && issue.AssignedTo != *filter.AssignedTo {
		return false
	}

	if filter.ResolutionStatus != nil && issue.ResolutionStatus != *filter.ResolutionStatus {
		return false
	}

	if filter.CreatedFrom != nil && issue.CreatedAt.Before(*filter.CreatedFrom) {
		return false
	}

	if filter.CreatedTo != nil && issue.CreatedAt.After(*filter.CreatedTo) {
		return false
	}

	if filter.HoldingIDContains != "" && !strings.Contains(issue.HoldingID, filter.HoldingIDContains) {
		return false
	}

	return true
}

func sortIssues(list []issues.Issue, sortBy issues.Sort) {
	less := func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	}

	switch sortBy {
	case issues.SortCreatedAtAsc:
		less = func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) }
	case issues.SortLastUpdatedDesc:
		less = func(i, j int) bool { return list[i].LastUpdatedAt.After(list[j].LastUpdatedAt) }
	case issues.SortHoldingID:
		less = func(i, j int) bool { return list[i].HoldingID < list[j].HoldingID }
	case issues.SortCreatedAtDesc:
	}

	sort.SliceStable(list, less)
}

// copyIssue deep-copies the issue so callers can never alias store-owned maps.
func copyIssue(issue issues.Issue) *issues.Issue {
	issue.ContextValues = maps.Clone(issue.ContextValues)
	issue.ContextItems = slices.Clone(issue.ContextItems)

	return &issue
}
