package operations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/cleanse-io/cleanse/internal/config"
)

const maxPercent = 100

// Tracker owns the lifecycle of reconciliation runs.
//
// All operation mutations flow through the Tracker so the state machine and
// the single-running invariant have exactly one enforcement point above the
// store.
type Tracker struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// TrackerOption configures optional Tracker behavior.
type TrackerOption func(*Tracker)

// WithClock sets the time source. Tests inject a fixed clock for
// deterministic timestamps.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		t.now = now
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) TrackerOption {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// NewTracker creates a Tracker over the given store.
func NewTracker(store Store, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		store: store,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		now: func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// StartAnalysis creates a new Running operation and returns its id.
//
// When another operation is already Running the second value is false and no
// operation is created; the caller must not proceed with a run. The guard is
// atomic at the store layer, so concurrent StartAnalysis calls cannot both
// succeed.
func (t *Tracker) StartAnalysis(ctx context.Context) (string, bool, error) {
	op := &Operation{
		ID:                uuid.NewString(),
		Status:            StatusRunning,
		StatusDescription: "Initializing",
		StartedAt:         t.now(),
	}

	err := t.store.Insert(ctx, op)
	if err != nil {
		if isAlreadyRunning(err) {
			t.logger.Info("analysis start refused, another operation is running")

			return "", false, nil
		}

		return "", false, fmt.Errorf("failed to start analysis operation: %w", err)
	}

	t.logger.Info("analysis operation started", slog.String("operation_id", op.ID))

	return op.ID, true, nil
}

// UpdateProgress records run progress. Fails with ErrOperationNotFound for an
// unknown id and rejects updates to terminal operations.
func (t *Tracker) UpdateProgress(
	ctx context.Context,
	id string,
	percent int,
	description string,
	recordsAnalyzed, issuesFound, issuesResolved int64,
) error {
	op, err := t.store.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if err := ValidateTransition(op.Status, StatusRunning); err != nil {
		return err
	}

	op.ProgressPercentage = clampPercent(percent)
	op.StatusDescription = description
	op.RecordsAnalyzed = recordsAnalyzed
	op.IssuesFound = issuesFound
	op.IssuesResolved = issuesResolved

	return t.store.Update(ctx, op)
}

// SetTotalRecords records the size of the pass once the orchestrator has
// counted the input set.
func (t *Tracker) SetTotalRecords(ctx context.Context, id string, total int64) error {
	op, err := t.store.GetByID(ctx, id)
	if err != nil {
		return err
	}

	op.TotalRecords = total

	return t.store.Update(ctx, op)
}

// Complete transitions the operation to Completed with final counters.
//
// Not idempotent: a second call overwrites the terminal record silently.
// Callers must call Complete (or Fail) at most once per run.
func (t *Tracker) Complete(
	ctx context.Context,
	id string,
	recordsAnalyzed, issuesFound, issuesResolved int64,
	durationMs int64,
) error {
	return t.finish(ctx, id, StatusCompleted, "Completed", "", func(op *Operation) {
		op.RecordsAnalyzed = recordsAnalyzed
		op.IssuesFound = issuesFound
		op.IssuesResolved = issuesResolved
		op.ProgressPercentage = maxPercent
		op.DurationMs = &durationMs
	})
}

// Fail transitions the operation to Failed, preserving whatever counters the
// run accumulated before the error. Not idempotent; see Complete.
func (t *Tracker) Fail(ctx context.Context, id, message string, durationMs int64) error {
	return t.finish(ctx, id, StatusFailed, "Failed", message, func(op *Operation) {
		op.DurationMs = &durationMs
	})
}

// Cancel transitions the operation to Cancelled, preserving partial counters.
func (t *Tracker) Cancel(ctx context.Context, id, reason string, durationMs int64) error {
	return t.finish(ctx, id, StatusCancelled, "Cancelled", reason, func(op *Operation) {
		op.DurationMs = &durationMs
	})
}

// SetReportDetails attaches export artifact metadata to the operation,
// independent of run state, so reports can be attached after completion.
func (t *Tracker) SetReportDetails(ctx context.Context, id, objectKey, url string) error {
	op, err := t.store.GetByID(ctx, id)
	if err != nil {
		return err
	}

	op.ReportObjectKey = objectKey
	op.ReportURL = url

	return t.store.Update(ctx, op)
}

// UpdateReportURL refreshes only the presigned download URL. Signed URLs
// expire, and reissuing one must not require rerunning analysis.
func (t *Tracker) UpdateReportURL(ctx context.Context, id, url string) error {
	op, err := t.store.GetByID(ctx, id)
	if err != nil {
		return err
	}

	op.ReportURL = url

	return t.store.Update(ctx, op)
}

// GetByID returns the operation for the given id, or ErrOperationNotFound.
func (t *Tracker) GetByID(ctx context.Context, id string) (*Operation, error) {
	return t.store.GetByID(ctx, id)
}

// ListSummaries returns operation summaries, most recent first.
func (t *Tracker) ListSummaries(ctx context.Context, skip, top int) ([]Summary, error) {
	return t.store.ListSummaries(ctx, skip, top)
}

// GetCurrentRunning returns the active operation, or ErrNoRunningOperation.
func (t *Tracker) GetCurrentRunning(ctx context.Context) (*Operation, error) {
	return t.store.GetCurrentRunning(ctx)
}

// finish moves an operation into a terminal state. Terminal-over-terminal
// overwrites are allowed deliberately; the at-most-once discipline is the
// caller's contract.
func (t *Tracker) finish(
	ctx context.Context,
	id string,
	status Status,
	description, message string,
	mutate func(*Operation),
) error {
	op, err := t.store.GetByID(ctx, id)
	if err != nil {
		return err
	}

	completedAt := t.now()
	op.Status = status
	op.StatusDescription = description
	op.Error = message
	op.CompletedAt = &completedAt

	mutate(op)

	if err := t.store.Update(ctx, op); err != nil {
		return err
	}

	t.logger.Info("analysis operation finished",
		slog.String("operation_id", id),
		slog.String("status", string(status)),
		slog.Int64("issues_found", op.IssuesFound),
		slog.Int64("issues_resolved", op.IssuesResolved),
	)

	return nil
}

func clampPercent(percent int) int {
	if percent < 0 {
		return 0
	}

	if percent > maxPercent {
		return maxPercent
	}

	return percent
}

// isAlreadyRunning reports whether the error is the single-running guard.
func isAlreadyRunning(err error) bool {
	return errors.Is(err, ErrAnalysisAlreadyRunning)
}
