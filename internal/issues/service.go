package issues

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cleanse-io/cleanse/internal/config"
	"github.com/cleanse-io/cleanse/internal/identity"
)

// DetectionActor is the audit identity recorded for engine-driven mutations
// (create, reactivate, touch, deactivate), as opposed to manual workflow
// actions which carry the acting user.
const DetectionActor = "analysis-engine"

// Service owns issue lifecycle semantics above the store.
//
// Detection-driven mutations (RecordIssue, DeactivateStaleIssues) are invoked
// by the orchestrator; manual workflow mutations (Ignore, Assign, resolution
// changes) come from the produced surface. Every mutation appends exactly one
// history entry via the store's consistent dual write.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	// keyed serializes concurrent RecordIssue calls per thumbprint so
	// parallel holding evaluation cannot interleave read-modify-write cycles
	// on one issue.
	keyed keyedMutex
}

// ServiceOption configures optional Service behavior.
type ServiceOption func(*Service)

// WithClock sets the time source for issue timestamps.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// WithIDGenerator sets the history entry id source.
func WithIDGenerator(newID func() string) ServiceOption {
	return func(s *Service) {
		s.newID = newID
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService creates an issue lifecycle service over the given store.
func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{
		store: store,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// RecordIssue records one detection against the aggregate.
//
// Outcomes:
//   - no issue exists for the thumbprint → create it active, history Created
//   - issue exists inactive → reactivate, overwrite context from the new
//     detection, history Reactivated
//   - issue exists active → refresh lastOperationID/lastUpdatedAt only,
//     history Touched, outcome NoChange
//
// Repeated identical detections within one run therefore converge: the first
// creates, every repeat is a NoChange touch with no duplicate Created entry.
func (s *Service) RecordIssue(ctx context.Context, operationID string, det Detection) (RecordOutcome, error) {
	if err := identity.ValidateThumbprint(det.Thumbprint); err != nil {
		return "", fmt.Errorf("record issue: %w", err)
	}

	unlock := s.keyed.lock(det.Thumbprint)
	defer unlock()

	now := s.now()

	existing, err := s.store.GetByThumbprint(ctx, det.Thumbprint)
	if err != nil && !isNotFound(err) {
		return "", fmt.Errorf("record issue: %w", err)
	}

	if existing == nil {
		issue := &Issue{
			Thumbprint:       det.Thumbprint,
			LastOperationID:  operationID,
			IssueCode:        det.IssueCode,
			RuleCode:         det.RuleCode,
			ErrorCode:        det.ErrorCode,
			Description:      det.Description,
			HoldingID:        det.HoldingID,
			SecondaryID:      det.SecondaryID,
			IsActive:         true,
			IsIgnored:        false,
			ResolutionStatus: ResolutionNone,
			ContextValues:    det.ContextValues,
			ContextItems:     det.ContextItems,
			CreatedAt:        now,
			LastUpdatedAt:    now,
		}

		if err := s.apply(ctx, issue, ActionCreated, DetectionActor, ""); err != nil {
			return "", err
		}

		return OutcomeCreated, nil
	}

	if !existing.IsActive {
		existing.IsActive = true
		existing.LastOperationID = operationID
		existing.LastUpdatedAt = now
		// A reactivating detection is the issue's current truth; stale
		// context from the previous occurrence must not survive it.
		existing.Description = det.Description
		existing.ContextValues = det.ContextValues
		existing.ContextItems = det.ContextItems

		if err := s.apply(ctx, existing, ActionReactivated, DetectionActor, ""); err != nil {
			return "", err
		}

		return OutcomeReactivated, nil
	}

	existing.LastOperationID = operationID
	existing.LastUpdatedAt = now

	if err := s.apply(ctx, existing, ActionTouched, DetectionActor, ""); err != nil {
		return "", err
	}

	return OutcomeNoChange, nil
}

// DeactivateStaleIssues sweeps every active issue the given operation did not
// touch, marking it inactive with one Deactivated entry each, and returns the
// count. This is the closed-world resolution inference: run it exactly once,
// only after a full uninterrupted pass — a partial pass must never reach it.
func (s *Service) DeactivateStaleIssues(ctx context.Context, operationID string) (int64, error) {
	count, err := s.store.DeactivateStale(ctx, operationID, DetectionActor, s.now())
	if err != nil {
		return 0, fmt.Errorf("deactivate stale issues: %w", err)
	}

	s.logger.Info("stale issue sweep complete",
		slog.String("operation_id", operationID),
		slog.Int64("deactivated", count),
	)

	return count, nil
}

// Ignore marks the issue ignored. Detection continues to touch ignored
// issues; ignoring only suppresses them from default views.
func (s *Service) Ignore(ctx context.Context, thumbprint, performedBy string) error {
	return s.mutate(ctx, thumbprint, func(issue *Issue) (HistoryAction, string) {
		issue.IsIgnored = true

		return ActionIgnored, ""
	}, performedBy)
}

// Unignore clears the ignored flag.
func (s *Service) Unignore(ctx context.Context, thumbprint, performedBy string) error {
	return s.mutate(ctx, thumbprint, func(issue *Issue) (HistoryAction, string) {
		issue.IsIgnored = false

		return ActionUnignored, ""
	}, performedBy)
}

// UpdateResolutionStatus moves the manual workflow state, recording the
// old→new transition in the audit detail.
func (s *Service) UpdateResolutionStatus(
	ctx context.Context,
	thumbprint string,
	status ResolutionStatus,
	performedBy string,
) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidResolutionStatus, status)
	}

	return s.mutate(ctx, thumbprint, func(issue *Issue) (HistoryAction, string) {
		detail := fmt.Sprintf("%s → %s", issue.ResolutionStatus, status)
		issue.ResolutionStatus = status

		return ActionResolutionStatusChanged, detail
	}, performedBy)
}

// Assign sets the assignee.
func (s *Service) Assign(ctx context.Context, thumbprint, assignee, performedBy string) error {
	if assignee == "" {
		return ErrAssigneeEmpty
	}

	return s.mutate(ctx, thumbprint, func(issue *Issue) (HistoryAction, string) {
		issue.AssignedTo = assignee

		return ActionAssigned, assignee
	}, performedBy)
}

// Unassign clears the assignee, recording who held the issue in the audit detail.
func (s *Service) Unassign(ctx context.Context, thumbprint, performedBy string) error {
	return s.mutate(ctx, thumbprint, func(issue *Issue) (HistoryAction, string) {
		prior := issue.AssignedTo
		issue.AssignedTo = ""

		return ActionUnassigned, prior
	}, performedBy)
}

// GetByThumbprint returns one issue, or ErrIssueNotFound.
func (s *Service) GetByThumbprint(ctx context.Context, thumbprint string) (*Issue, error) {
	return s.store.GetByThumbprint(ctx, thumbprint)
}

// List returns issues matching the filter with the total match count.
func (s *Service) List(ctx context.Context, filter Filter, sort Sort, page Page) ([]Issue, int64, error) {
	return s.store.List(ctx, filter, sort, page)
}

// GroupByIssueCode buckets matching issues by code with a bounded sample per bucket.
func (s *Service) GroupByIssueCode(ctx context.Context, filter Filter, sampleSize int) ([]CodeGroup, error) {
	return s.store.GroupByIssueCode(ctx, filter, sampleSize)
}

// ListHistory returns the audit trail for one issue, most recent first.
func (s *Service) ListHistory(ctx context.Context, issueID string, page Page) ([]HistoryEntry, error) {
	return s.store.ListHistory(ctx, issueID, page)
}

// ListForExport returns active issues in the deterministic export order.
func (s *Service) ListForExport(ctx context.Context) ([]Issue, error) {
	return s.store.ListForExport(ctx)
}

// DeleteAll removes every issue and history entry. Administrative reset only.
func (s *Service) DeleteAll(ctx context.Context) error {
	return s.store.DeleteAll(ctx)
}

// mutate loads, mutates, and persists one issue with its audit entry, holding
// the per-thumbprint lock across the read-modify-write.
func (s *Service) mutate(
	ctx context.Context,
	thumbprint string,
	fn func(*Issue) (HistoryAction, string),
	performedBy string,
) error {
	unlock := s.keyed.lock(thumbprint)
	defer unlock()

	issue, err := s.store.GetByThumbprint(ctx, thumbprint)
	if err != nil {
		return err
	}

	action, detail := fn(issue)
	issue.LastUpdatedAt = s.now()

	return s.apply(ctx, issue, action, performedBy, detail)
}

// apply persists the issue with exactly one history entry.
func (s *Service) apply(
	ctx context.Context,
	issue *Issue,
	action HistoryAction,
	performedBy, detail string,
) error {
	entry := &HistoryEntry{
		ID:          s.newID(),
		IssueID:     issue.Thumbprint,
		Action:      action,
		PerformedBy: performedBy,
		Detail:      detail,
		OccurredAt:  s.now(),
	}

	if err := s.store.ApplyChange(ctx, issue, entry); err != nil {
		return fmt.Errorf("apply issue change (%s): %w", action, err)
	}

	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrIssueNotFound)
}

// keyedMutex provides one mutex per key with lazy creation. Keys are never
// evicted within a run; the orchestrator holds one Service per process, and
// the key space is bounded by the number of distinct issues.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()

	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}

	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}

	k.mu.Unlock()

	m.Lock()

	return m.Unlock
}
