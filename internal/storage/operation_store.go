package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/cleanse-io/cleanse/internal/operations"
)

// pqUniqueViolation is the PostgreSQL error code for a unique constraint
// violation.
const pqUniqueViolation = "23505"

// PostgresOperationStore implements operations.Store on PostgreSQL. The
// single-Running invariant is enforced by a partial unique index, so Insert
// is an atomic claim on the running slot rather than a check-then-act.
type PostgresOperationStore struct {
	conn *Connection
}

// Compile-time interface check.
var _ operations.Store = (*PostgresOperationStore)(nil)

// NewPostgresOperationStore creates a PostgreSQL-backed operation store.
func NewPostgresOperationStore(conn *Connection) *PostgresOperationStore {
	return &PostgresOperationStore{conn: conn}
}

const operationColumns = `
	id, status, status_description, progress_percentage,
	records_analyzed, total_records, issues_found, issues_resolved,
	error_message, duration_ms, report_object_key, report_url,
	started_at, completed_at
`

// Insert persists a new operation. A unique violation on the single-running
// index maps to operations.ErrAnalysisAlreadyRunning.
func (s *PostgresOperationStore) Insert(ctx context.Context, op *operations.Operation) error {
	if op == nil {
		return operations.ErrOperationNil
	}

	query := `
		INSERT INTO operations (` + operationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	_, err := s.conn.ExecContext(ctx, query,
		op.ID, string(op.Status), op.StatusDescription, op.ProgressPercentage,
		op.RecordsAnalyzed, op.TotalRecords, op.IssuesFound, op.IssuesResolved,
		nullString(op.Error), nullInt64(op.DurationMs),
		nullString(op.ReportObjectKey), nullString(op.ReportURL),
		op.StartedAt, nullTime(op.CompletedAt),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return fmt.Errorf("%w: %s", operations.ErrAnalysisAlreadyRunning, pqErr.Constraint)
		}

		return fmt.Errorf("failed to insert operation: %w", err)
	}

	return nil
}

// GetByID returns the operation with the given id.
func (s *PostgresOperationStore) GetByID(ctx context.Context, id string) (*operations.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations WHERE id = $1`

	op, err := scanOperation(s.conn.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", operations.ErrOperationNotFound, id)
		}

		return nil, fmt.Errorf("failed to get operation: %w", err)
	}

	return op, nil
}

// Update replaces the stored operation by id.
func (s *PostgresOperationStore) Update(ctx context.Context, op *operations.Operation) error {
	if op == nil {
		return operations.ErrOperationNil
	}

	query := `
		UPDATE operations
		SET status = $2, status_description = $3, progress_percentage = $4,
		    records_analyzed = $5, total_records = $6, issues_found = $7,
		    issues_resolved = $8, error_message = $9, duration_ms = $10,
		    report_object_key = $11, report_url = $12,
		    started_at = $13, completed_at = $14, updated_at = NOW()
		WHERE id = $1
	`

	result, err := s.conn.ExecContext(ctx, query,
		op.ID, string(op.Status), op.StatusDescription, op.ProgressPercentage,
		op.RecordsAnalyzed, op.TotalRecords, op.IssuesFound, op.IssuesResolved,
		nullString(op.Error), nullInt64(op.DurationMs),
		nullString(op.ReportObjectKey), nullString(op.ReportURL),
		op.StartedAt, nullTime(op.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to update operation: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: %s", operations.ErrOperationNotFound, op.ID)
	}

	return nil
}

// ListSummaries returns operation summaries ordered by startedAt descending.
func (s *PostgresOperationStore) ListSummaries(ctx context.Context, skip, top int) ([]operations.Summary, error) {
	query := `SELECT ` + operationColumns + `
		FROM operations
		ORDER BY started_at DESC
		OFFSET $1 LIMIT $2
	`

	rows, err := s.conn.QueryContext(ctx, query, skip, normalizeTop(top))
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var summaries []operations.Summary

	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}

		summaries = append(summaries, op.Summarize())
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read operations: %w", err)
	}

	return summaries, nil
}

// GetCurrentRunning returns the single Running operation. The partial unique
// index guarantees at most one row matches.
func (s *PostgresOperationStore) GetCurrentRunning(ctx context.Context) (*operations.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations WHERE status = $1`

	op, err := scanOperation(s.conn.QueryRowContext(ctx, query, string(operations.StatusRunning)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, operations.ErrNoRunningOperation
		}

		return nil, fmt.Errorf("failed to get running operation: %w", err)
	}

	return op, nil
}

// DeleteAll removes every operation. Administrative reset only.
func (s *PostgresOperationStore) DeleteAll(ctx context.Context) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM operations`); err != nil {
		return fmt.Errorf("failed to delete operations: %w", err)
	}

	return nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scan code.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*operations.Operation, error) {
	var (
		op           operations.Operation
		status       string
		errorMessage sql.NullString
		durationMs   sql.NullInt64
		objectKey    sql.NullString
		reportURL    sql.NullString
		completedAt  sql.NullTime
	)

	err := row.Scan(
		&op.ID, &status, &op.StatusDescription, &op.ProgressPercentage,
		&op.RecordsAnalyzed, &op.TotalRecords, &op.IssuesFound, &op.IssuesResolved,
		&errorMessage, &durationMs, &objectKey, &reportURL,
		&op.StartedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	op.Status = operations.Status(status)
	op.Error = errorMessage.String
	op.ReportObjectKey = objectKey.String
	op.ReportURL = reportURL.String

	if durationMs.Valid {
		op.DurationMs = &durationMs.Int64
	}

	if completedAt.Valid {
		completed := completedAt.Time
		op.CompletedAt = &completed
	}

	return &op, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}

	return sql.NullTime{Time: *t, Valid: true}
}
