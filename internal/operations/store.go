package operations

import "context"

// Store defines durable persistence for operations.
//
// Implementations live in internal/storage (PostgreSQL and in-memory). Every
// method respects context cancellation.
type Store interface {
	// Insert persists a new operation. When the operation's status is
	// Running and another Running operation already exists, Insert must fail
	// with ErrAnalysisAlreadyRunning via an ATOMIC guard (unique constraint
	// or equivalent) — never a separate existence check followed by a write.
	Insert(ctx context.Context, op *Operation) error

	// GetByID returns the operation with the given id, or ErrOperationNotFound.
	GetByID(ctx context.Context, id string) (*Operation, error)

	// Update replaces the stored operation by id, or returns ErrOperationNotFound.
	Update(ctx context.Context, op *Operation) error

	// ListSummaries returns operation summaries ordered by startedAt
	// descending, honoring skip/top pagination.
	ListSummaries(ctx context.Context, skip, top int) ([]Summary, error)

	// GetCurrentRunning returns the single Running operation, or
	// ErrNoRunningOperation when none exists.
	GetCurrentRunning(ctx context.Context) (*Operation, error)

	// DeleteAll removes every operation. Administrative reset only.
	DeleteAll(ctx context.Context) error
}
