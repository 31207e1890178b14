package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cleanse-io/cleanse/internal/issues"
)

// PostgresIssueStore implements issues.Store on PostgreSQL. The issue upsert
// and its history entry always travel in one transaction: the audit trail is
// part of the write, not a best-effort side channel.
type PostgresIssueStore struct {
	conn *Connection
}

// Compile-time interface check.
var _ issues.Store = (*PostgresIssueStore)(nil)

// NewPostgresIssueStore creates a PostgreSQL-backed issue store.
func NewPostgresIssueStore(conn *Connection) *PostgresIssueStore {
	return &PostgresIssueStore{conn: conn}
}

const issueColumns = `
	thumbprint, last_operation_id, issue_code, rule_code, error_code,
	description, holding_id, secondary_id, is_active, is_ignored,
	resolution_status, assigned_to, context_values, context_items,
	created_at, last_updated_at
`

// GetByThumbprint returns the issue with the given identity.
func (s *PostgresIssueStore) GetByThumbprint(ctx context.Context, thumbprint string) (*issues.Issue, error) {
	query := `SELECT ` + issueColumns + ` FROM issues WHERE thumbprint = $1`

	issue, err := scanIssue(s.conn.QueryRowContext(ctx, query, thumbprint))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", issues.ErrIssueNotFound, thumbprint)
		}

		return nil, fmt.Errorf("failed to get issue: %w", err)
	}

	return issue, nil
}

// ApplyChange upserts the issue and appends its history entry in one
// transaction.
func (s *PostgresIssueStore) ApplyChange(ctx context.Context, issue *issues.Issue, entry *issues.HistoryEntry) error {
	if issue == nil {
		return issues.ErrIssueNil
	}

	if entry == nil {
		return issues.ErrHistoryEntryNil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	if err := upsertIssue(ctx, tx, issue); err != nil {
		return err
	}

	if err := insertHistory(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit issue change: %w", err)
	}

	return nil
}

// DeactivateStale deactivates every active issue the run did not touch,
// appending one Deactivated history entry per issue in the same transaction.
func (s *PostgresIssueStore) DeactivateStale(
	ctx context.Context,
	operationID, performedBy string,
	occurredAt time.Time,
) (int64, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(ctx, `
		UPDATE issues
		SET is_active = FALSE, last_updated_at = $2
		WHERE is_active = TRUE AND last_operation_id <> $1
		RETURNING thumbprint
	`, operationID, occurredAt)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate stale issues: %w", err)
	}

	var stale []string

	for rows.Next() {
		var thumbprint string
		if err := rows.Scan(&thumbprint); err != nil {
			_ = rows.Close()

			return 0, fmt.Errorf("failed to scan deactivated issue: %w", err)
		}

		stale = append(stale, thumbprint)
	}

	if err := rows.Err(); err != nil {
		_ = rows.Close()

		return 0, fmt.Errorf("failed to read deactivated issues: %w", err)
	}

	_ = rows.Close()

	for _, thumbprint := range stale {
		entry := &issues.HistoryEntry{
			ID:          uuid.NewString(),
			IssueID:     thumbprint,
			Action:      issues.ActionDeactivated,
			PerformedBy: performedBy,
			OccurredAt:  occurredAt,
		}
		if err := insertHistory(ctx, tx, entry); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit staleness sweep: %w", err)
	}

	return int64(len(stale)), nil
}

// List returns issues matching the filter in the given order, with the total
// match count.
func (s *PostgresIssueStore) List(
	ctx context.Context,
	filter issues.Filter,
	sort issues.Sort,
	page issues.Page,
) ([]issues.Issue, int64, error) {
	where, args := buildIssueFilter(filter)

	var total int64
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM issues`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count issues: %w", err)
	}

	query := fmt.Sprintf(
		`SELECT %s FROM issues%s ORDER BY %s OFFSET $%d LIMIT $%d`,
		issueColumns, where, orderClause(sort), len(args)+1, len(args)+2,
	)
	args = append(args, page.Skip, normalizeTop(page.Top))

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list issues: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	list, err := collectIssues(rows)
	if err != nil {
		return nil, 0, err
	}

	return list, total, nil
}

// GroupByIssueCode buckets matching issues by issue code, descending count,
// with a bounded sample per bucket.
func (s *PostgresIssueStore) GroupByIssueCode(
	ctx context.Context,
	filter issues.Filter,
	sampleSize int,
) ([]issues.CodeGroup, error) {
	where, args := buildIssueFilter(filter)

	rows, err := s.conn.QueryContext(ctx,
		`SELECT issue_code, COUNT(*) FROM issues`+where+
			` GROUP BY issue_code ORDER BY COUNT(*) DESC, issue_code`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to group issues: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var groups []issues.CodeGroup

	for rows.Next() {
		var group issues.CodeGroup
		if err := rows.Scan(&group.IssueCode, &group.Count); err != nil {
			return nil, fmt.Errorf("failed to scan issue group: %w", err)
		}

		groups = append(groups, group)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read issue groups: %w", err)
	}

	for i := range groups {
		sample, err := s.groupSample(ctx, filter, groups[i].IssueCode, sampleSize)
		if err != nil {
			return nil, err
		}

		groups[i].Sample = sample
	}

	return groups, nil
}

func (s *PostgresIssueStore) groupSample(
	ctx context.Context,
	filter issues.Filter,
	issueCode string,
	sampleSize int,
) ([]issues.Issue, error) {
	where, args := buildIssueFilter(filter)

	connector := " WHERE "
	if where != "" {
		connector = " AND "
	}

	query := fmt.Sprintf(
		`SELECT %s FROM issues%s%sissue_code = $%d ORDER BY holding_id LIMIT $%d`,
		issueColumns, where, connector, len(args)+1, len(args)+2,
	)
	args = append(args, issueCode, sampleSize)

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to sample issue group: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	return collectIssues(rows)
}

// ListForExport returns every active issue ordered by rule code then holding
// id, the deterministic order the CSV export requires.
func (s *PostgresIssueStore) ListForExport(ctx context.Context) ([]issues.Issue, error) {
	query := `SELECT ` + issueColumns + `
		FROM issues
		WHERE is_active = TRUE
		ORDER BY rule_code, holding_id, secondary_id NULLS FIRST
	`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list issues for export: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	return collectIssues(rows)
}

// ListHistory returns audit entries for one issue, most recent first.
func (s *PostgresIssueStore) ListHistory(ctx context.Context, issueID string, page issues.Page) ([]issues.HistoryEntry, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, issue_id, action, performed_by, detail, occurred_at
		FROM issue_history
		WHERE issue_id = $1
		ORDER BY occurred_at DESC, seq DESC
		OFFSET $2 LIMIT $3
	`, issueID, page.Skip, normalizeTop(page.Top))
	if err != nil {
		return nil, fmt.Errorf("failed to list issue history: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var entries []issues.HistoryEntry

	for rows.Next() {
		var (
			entry  issues.HistoryEntry
			action string
			detail sql.NullString
		)

		if err := rows.Scan(&entry.ID, &entry.IssueID, &action, &entry.PerformedBy, &detail, &entry.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}

		entry.Action = issues.HistoryAction(action)
		entry.Detail = detail.String

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read issue history: %w", err)
	}

	return entries, nil
}

// DeleteAll removes every issue and history entry. Administrative reset only.
func (s *PostgresIssueStore) DeleteAll(ctx context.Context) error {
	// issue_history cascades from issues.
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM issues`); err != nil {
		return fmt.Errorf("failed to delete issues: %w", err)
	}

	return nil
}

func upsertIssue(ctx context.Context, tx *sql.Tx, issue *issues.Issue) error {
	contextValues, contextItems, err := marshalContext(issue)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO issues (` + issueColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (thumbprint) DO UPDATE SET
			last_operation_id = EXCLUDED.last_operation_id,
			issue_code        = EXCLUDED.issue_code,
			rule_code         = EXCLUDED.rule_code,
			error_code        = EXCLUDED.error_code,
			description       = EXCLUDED.description,
			holding_id        = EXCLUDED.holding_id,
			secondary_id      = EXCLUDED.secondary_id,
			is_active         = EXCLUDED.is_active,
			is_ignored        = EXCLUDED.is_ignored,
			resolution_status = EXCLUDED.resolution_status,
			assigned_to       = EXCLUDED.assigned_to,
			context_values    = EXCLUDED.context_values,
			context_items     = EXCLUDED.context_items,
			last_updated_at   = EXCLUDED.last_updated_at
	`

	_, err = tx.ExecContext(ctx, query,
		issue.Thumbprint, issue.LastOperationID, issue.IssueCode, issue.RuleCode,
		issue.ErrorCode, issue.Description, issue.HoldingID, nullString(issue.SecondaryID),
		issue.IsActive, issue.IsIgnored, string(issue.ResolutionStatus), nullString(issue.AssignedTo),
		contextValues, contextItems, issue.CreatedAt, issue.LastUpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert issue: %w", err)
	}

	return nil
}

func insertHistory(ctx context.Context, tx *sql.Tx, entry *issues.HistoryEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO issue_history (id, issue_id, action, performed_by, detail, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.ID, entry.IssueID, string(entry.Action), entry.PerformedBy,
		nullString(entry.Detail), entry.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to insert history entry: %w", err)
	}

	return nil
}

func marshalContext(issue *issues.Issue) ([]byte, []byte, error) {
	var (
		contextValues []byte
		contextItems  []byte
		err           error
	)

	if issue.ContextValues != nil {
		contextValues, err = json.Marshal(issue.ContextValues)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal context values: %w", err)
		}
	}

	if issue.ContextItems != nil {
		contextItems, err = json.Marshal(issue.ContextItems)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal context items: %w", err)
		}
	}

	return contextValues, contextItems, nil
}

func scanIssue(row rowScanner) (*issues.Issue, error) {
	var (
		issue            issues.Issue
		secondaryID      sql.NullString
		resolutionStatus string
		assignedTo       sql.NullString
		contextValues    []byte
		contextItems     []byte
	)

	err := row.Scan(
		&issue.Thumbprint, &issue.LastOperationID, &issue.IssueCode, &issue.RuleCode,
		&issue.ErrorCode, &issue.Description, &issue.HoldingID, &secondaryID,
		&issue.IsActive, &issue.IsIgnored, &resolutionStatus, &assignedTo,
		&contextValues, &contextItems, &issue.CreatedAt, &issue.LastUpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	issue.SecondaryID = secondaryID.String
	issue.ResolutionStatus = issues.ResolutionStatus(resolutionStatus)
	issue.AssignedTo = assignedTo.String

	if len(contextValues) > 0 {
		if err := json.Unmarshal(contextValues, &issue.ContextValues); err != nil {
			return nil, fmt.Errorf("failed to unmarshal context values: %w", err)
		}
	}

	if len(contextItems) > 0 {
		if err := json.Unmarshal(contextItems, &issue.ContextItems); err != nil {
			return nil, fmt.Errorf("failed to unmarshal context items: %w", err)
		}
	}

	return &issue, nil
}

func collectIssues(rows *sql.Rows) ([]issues.Issue, error) {
	var list []issues.Issue

	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan issue: %w", err)
		}

		list = append(list, *issue)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read issues: %w", err)
	}

	return list, nil
}

// buildIssueFilter renders the filter as a WHERE clause with positional args.
func buildIssueFilter(filter issues.Filter) (string, []any) {
	var (
		clauses []string
		args    []any
	)

	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if filter.Active != nil {
		add("is_active = $%d", *filter.Active)
	}

	if filter.Ignored != nil {
		add("is_ignored = $%d", *filter.Ignored)
	}

	if filter.AssignedTo != nil {
		add("assigned_to = $%d", *filter.AssignedTo)
	}

	if filter.ResolutionStatus != nil {
		add("resolution_status = $%d", string(*filter.ResolutionStatus))
	}

	if filter.CreatedFrom != nil {
		add("created_at >= $%d", *filter.CreatedFrom)
	}

	if filter.CreatedTo != nil {
		add("created_at <= $%d", *filter.CreatedTo)
	}

	if filter.HoldingIDContains != "" {
		add("holding_id LIKE $%d", "%"+filter.HoldingIDContains+"%")
	}

	if len(clauses) == 0 {
		return "", nil
	}

	return " WHERE " + strings.Join(clauses, " AND "), args
}

func orderClause(sort issues.Sort) string {
	switch sort {
	case issues.SortCreatedAtAsc:
		return "created_at ASC, thumbprint"
	case issues.SortLastUpdatedDesc:
		return "last_updated_at DESC, thumbprint"
	case issues.SortHoldingID:
		return "holding_id ASC, thumbprint"
	case issues.SortCreatedAtDesc:
		return "created_at DESC, thumbprint"
	default:
		return "created_at DESC, thumbprint"
	}
}
