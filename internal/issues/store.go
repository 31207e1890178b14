package issues

import (
	"context"
	"time"
)

// Filter narrows issue list queries. Nil pointer fields mean "no constraint".
type Filter struct {
	Active            *bool
	Ignored           *bool
	AssignedTo        *string
	ResolutionStatus  *ResolutionStatus
	CreatedFrom       *time.Time
	CreatedTo         *time.Time
	HoldingIDContains string
}

// Sort identifies a supported list ordering.
type Sort string

// Supported issue list orderings.
const (
	SortCreatedAtDesc   Sort = "-createdAt"
	SortCreatedAtAsc    Sort = "createdAt"
	SortLastUpdatedDesc Sort = "-lastUpdatedAt"
	SortHoldingID       Sort = "holdingId"
)

// Page bounds a paged query.
type Page struct {
	Skip int
	Top  int
}

// CodeGroup is one group-by-issue-code bucket with a bounded sample of items.
type CodeGroup struct {
	IssueCode string  `json:"issueCode"`
	Count     int64   `json:"count"`
	Sample    []Issue `json:"sample"`
}

// Store defines durable persistence for issues and their audit history.
//
// The issue row and its history entry are a dual write: implementations must
// make them consistent — a single transaction in PostgreSQL, a single lock
// section in memory. A history entry without its issue mutation (or the
// reverse) is a corruption, not a degraded mode.
type Store interface {
	// GetByThumbprint returns the issue with the given identity, or ErrIssueNotFound.
	GetByThumbprint(ctx context.Context, thumbprint string) (*Issue, error)

	// ApplyChange upserts the issue and appends exactly one history entry,
	// consistently.
	ApplyChange(ctx context.Context, issue *Issue, entry *HistoryEntry) error

	// DeactivateStale sets isActive=false on every active issue whose
	// lastOperationID differs from operationID, appending one Deactivated
	// entry per affected issue, and returns the number deactivated.
	DeactivateStale(ctx context.Context, operationID, performedBy string, occurredAt time.Time) (int64, error)

	// List returns issues matching the filter in the given order, with the
	// total match count for pagination.
	List(ctx context.Context, filter Filter, sort Sort, page Page) ([]Issue, int64, error)

	// GroupByIssueCode buckets matching issues by issue code, carrying at
	// most sampleSize items per bucket, ordered by descending count.
	GroupByIssueCode(ctx context.Context, filter Filter, sampleSize int) ([]CodeGroup, error)

	// ListForExport returns every active issue ordered by rule code then
	// holding id — the deterministic order the CSV export contract requires.
	ListForExport(ctx context.Context) ([]Issue, error)

	// ListHistory returns audit entries for one issue, most recent first.
	ListHistory(ctx context.Context, issueID string, page Page) ([]HistoryEntry, error)

	// DeleteAll removes every issue and history entry. Administrative reset only.
	DeleteAll(ctx context.Context) error
}
