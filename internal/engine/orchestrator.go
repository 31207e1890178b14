package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/cleanse-io/cleanse/internal/config"
	"github.com/cleanse-io/cleanse/internal/identity"
	"github.com/cleanse-io/cleanse/internal/issues"
	"github.com/cleanse-io/cleanse/internal/operations"
)

const percentScale = 100

// ErrAnalysisAlreadyRunning is returned by Run when another operation holds
// the single-running slot.
var ErrAnalysisAlreadyRunning = errors.New("analysis already running")

// ReportPublisher exports the current issue set as a report artifact and
// returns its object key and presigned download URL. The concrete
// implementation lives in internal/reports.
type ReportPublisher interface {
	Publish(ctx context.Context, operationID string) (objectKey, url string, err error)
}

// Notifier dispatches run-completion notifications. The concrete
// implementation lives in internal/notify.
type Notifier interface {
	RunCompleted(ctx context.Context, op *operations.Operation) error
}

// Orchestrator drives one reconciliation run: it claims the running slot,
// unions the holding ids of both registries, evaluates the pipeline per
// holding, records issue signals, reports progress, sweeps stale issues after
// a full pass, and moves the operation to its terminal state.
type Orchestrator struct {
	cfg      *Config
	tracker  *operations.Tracker
	issueSvc *issues.Service
	pipeline *Pipeline
	queries  QueryService

	publisher ReportPublisher
	notifier  Notifier

	logger *slog.Logger
	now    func() time.Time
}

// OrchestratorOption configures optional Orchestrator behavior.
type OrchestratorOption func(*Orchestrator)

// WithReportPublisher enables post-completion report export.
func WithReportPublisher(p ReportPublisher) OrchestratorOption {
	return func(o *Orchestrator) {
		o.publisher = p
	}
}

// WithNotifier enables completion notifications.
func WithNotifier(n Notifier) OrchestratorOption {
	return func(o *Orchestrator) {
		o.notifier = n
	}
}

// WithOrchestratorClock sets the time source.
func WithOrchestratorClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithOrchestratorLogger sets the structured logger.
func WithOrchestratorLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// NewOrchestrator creates an orchestrator. The configuration must already be
// validated; NewOrchestrator fails fast on an invalid one rather than
// discovering it mid-run.
func NewOrchestrator(
	cfg *Config,
	tracker *operations.Tracker,
	issueSvc *issues.Service,
	pipeline *Pipeline,
	queries QueryService,
	opts ...OrchestratorOption,
) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator config invalid: %w", err)
	}

	o := &Orchestrator{
		cfg:      cfg,
		tracker:  tracker,
		issueSvc: issueSvc,
		pipeline: pipeline,
		queries:  queries,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		now: func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(o)
	}

	return o, nil
}

// Run executes one full reconciliation pass and returns the operation id.
//
// Returns ErrAnalysisAlreadyRunning without side effects when another run
// holds the slot. Any unhandled error mid-pass moves the operation to Failed
// (Cancelled for context cancellation) with partial counters preserved, and
// the staleness sweep is skipped — a partially evaluated pass must never
// deactivate issues it simply never reached. No error escapes Run without the
// operation reaching a terminal state.
func (o *Orchestrator) Run(ctx context.Context) (string, error) {
	operationID, started, err := o.tracker.StartAnalysis(ctx)
	if err != nil {
		return "", err
	}

	if !started {
		return "", ErrAnalysisAlreadyRunning
	}

	startedAt := o.now()

	analyzed, found, runErr := o.runPass(ctx, operationID)
	elapsedMs := o.now().Sub(startedAt).Milliseconds()

	if runErr != nil {
		// The terminal status write must survive the cancellation that may
		// have caused the failure.
		finishCtx := context.WithoutCancel(ctx)

		if errors.Is(runErr, context.Canceled) {
			if err := o.tracker.Cancel(finishCtx, operationID, runErr.Error(), elapsedMs); err != nil {
				o.logger.Error("failed to mark operation cancelled",
					slog.String("operation_id", operationID),
					slog.String("error", err.Error()))
			}
		} else if err := o.tracker.Fail(finishCtx, operationID, runErr.Error(), elapsedMs); err != nil {
			o.logger.Error("failed to mark operation failed",
				slog.String("operation_id", operationID),
				slog.String("error", err.Error()))
		}

		return operationID, runErr
	}

	resolved, err := o.issueSvc.DeactivateStaleIssues(ctx, operationID)
	if err != nil {
		sweepErr := fmt.Errorf("staleness sweep failed: %w", err)
		if failErr := o.tracker.Fail(context.WithoutCancel(ctx), operationID, sweepErr.Error(), elapsedMs); failErr != nil {
			o.logger.Error("failed to mark operation failed after sweep error",
				slog.String("operation_id", operationID),
				slog.String("error", failErr.Error()))
		}

		return operationID, sweepErr
	}

	elapsedMs = o.now().Sub(startedAt).Milliseconds()
	if err := o.tracker.Complete(ctx, operationID, analyzed, found, resolved, elapsedMs); err != nil {
		return operationID, fmt.Errorf("failed to complete operation: %w", err)
	}

	o.finishArtifacts(ctx, operationID)

	return operationID, nil
}

// runPass evaluates the pipeline over every holding and returns the
// (recordsAnalyzed, issuesFound) counters.
func (o *Orchestrator) runPass(ctx context.Context, operationID string) (int64, int64, error) {
	run := NewRunContext(operationID, o.queries)

	holdings, err := o.listHoldings(ctx, run)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list holdings: %w", err)
	}

	total := int64(len(holdings))
	if err := o.tracker.SetTotalRecords(ctx, operationID, total); err != nil {
		return 0, 0, err
	}

	o.logger.Info("analysis pass starting",
		slog.String("operation_id", operationID),
		slog.Int64("total_records", total),
	)

	var analyzed, found atomic.Int64

	limiter := rate.NewLimiter(rate.Limit(o.cfg.ProgressPerSecond), 1)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(o.cfg.Parallelism)

	for _, holdingID := range holdings {
		group.Go(func() error {
			newIssues, err := o.evaluateHolding(groupCtx, run, operationID, holdingID)
			if err != nil {
				return err
			}

			found.Add(newIssues)
			done := analyzed.Add(1)

			o.maybeReportProgress(groupCtx, operationID, limiter, done, total, found.Load())

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return analyzed.Load(), found.Load(), err
	}

	return analyzed.Load(), found.Load(), nil
}

// evaluateHolding runs the pipeline for one holding and records every issue
// signal, returning the number of results with an issue.
func (o *Orchestrator) evaluateHolding(
	ctx context.Context,
	run *RunContext,
	operationID, holdingID string,
) (int64, error) {
	input := &HoldingComparison{HoldingID: holdingID}

	results, err := o.pipeline.Execute(ctx, input, run)
	if err != nil {
		return 0, err
	}

	var newIssues int64

	for _, pr := range results {
		if !pr.Result.HasIssue {
			continue
		}

		findings := pr.Result.Findings
		if len(findings) == 0 {
			findings = []Finding{{
				SecondaryID:   pr.Result.SecondaryID,
				Description:   pr.Result.Description,
				ContextValues: pr.Result.ContextValues,
				ContextItems:  pr.Result.ContextItems,
			}}
		}

		for _, finding := range findings {
			if err := o.recordFinding(ctx, operationID, holdingID, pr, finding); err != nil {
				return newIssues, err
			}

			newIssues++
		}
	}

	return newIssues, nil
}

func (o *Orchestrator) recordFinding(
	ctx context.Context,
	operationID, holdingID string,
	pr PipelineRuleResult,
	finding Finding,
) error {
	thumbprint, err := identity.Thumbprint(pr.Descriptor.RuleID, holdingID, finding.SecondaryID)
	if err != nil {
		return fmt.Errorf("failed to derive thumbprint for rule %s: %w", pr.Descriptor.RuleID, err)
	}

	_, err = o.issueSvc.RecordIssue(ctx, operationID, issues.Detection{
		Thumbprint:    thumbprint,
		IssueCode:     pr.Result.IssueCode,
		RuleCode:      pr.Descriptor.RuleID,
		ErrorCode:     pr.Descriptor.UserErrorCode,
		Description:   finding.Description,
		HoldingID:     holdingID,
		SecondaryID:   finding.SecondaryID,
		ContextValues: finding.ContextValues,
		ContextItems:  finding.ContextItems,
	})

	return err
}

// maybeReportProgress writes a progress update when the record floor and the
// rate ceiling both allow it. The final record always reports so a completed
// pass never shows a stale percentage.
func (o *Orchestrator) maybeReportProgress(
	ctx context.Context,
	operationID string,
	limiter *rate.Limiter,
	analyzed, total, found int64,
) {
	last := analyzed == total

	if !last {
		if o.cfg.ProgressEvery <= 0 || analyzed%int64(o.cfg.ProgressEvery) != 0 {
			return
		}

		if !limiter.Allow() {
			return
		}
	}

	percent := 0
	if total > 0 {
		percent = int(analyzed * percentScale / total)
	}

	description := fmt.Sprintf("Analyzed %d of %d holdings", analyzed, total)

	if err := o.tracker.UpdateProgress(ctx, operationID, percent, description, analyzed, found, 0); err != nil {
		// Progress is best-effort; a failed update must not abort the pass.
		o.logger.Warn("progress update failed",
			slog.String("operation_id", operationID),
			slog.String("error", err.Error()))
	}
}

// listHoldings returns the sorted union of holding ids present in either
// registry. Sorting keeps the pass order deterministic, which keeps logs and
// repeated runs comparable.
func (o *Orchestrator) listHoldings(ctx context.Context, run *RunContext) ([]string, error) {
	seen := make(map[string]struct{})

	for _, collection := range []string{o.cfg.MovementCollection, o.cfg.RegisterCollection} {
		if err := o.scanHoldingIDs(ctx, run, collection, seen); err != nil {
			return nil, err
		}
	}

	holdings := make([]string, 0, len(seen))
	for id := range seen {
		holdings = append(holdings, id)
	}

	sort.Strings(holdings)

	return holdings, nil
}

// scanHoldingIDs pages through one collection projecting only holding_id.
func (o *Orchestrator) scanHoldingIDs(
	ctx context.Context,
	run *RunContext,
	collection string,
	seen map[string]struct{},
) error {
	for skip := 0; ; skip += o.cfg.PageSize {
		result, err := run.Query(ctx, QueryParams{
			Collection: collection,
			Sort:       "holding_id",
			Skip:       skip,
			Top:        o.cfg.PageSize,
			Fields:     []string{"holding_id"},
		})
		if err != nil {
			return err
		}

		for _, row := range result.Rows {
			if id, ok := row["holding_id"].(string); ok && id != "" {
				seen[id] = struct{}{}
			}
		}

		if len(result.Rows) < o.cfg.PageSize {
			return nil
		}
	}
}

// finishArtifacts publishes the report and dispatches notifications after a
// successful completion. Both are best-effort: the run is already Completed,
// and an export or notification hiccup must not turn it into a failure.
func (o *Orchestrator) finishArtifacts(ctx context.Context, operationID string) {
	if o.publisher != nil {
		objectKey, url, err := o.publisher.Publish(ctx, operationID)
		if err != nil {
			o.logger.Error("report publication failed",
				slog.String("operation_id", operationID),
				slog.String("error", err.Error()))
		} else if err := o.tracker.SetReportDetails(ctx, operationID, objectKey, url); err != nil {
			o.logger.Error("failed to attach report details",
				slog.String("operation_id", operationID),
				slog.String("error", err.Error()))
		}
	}

	if o.notifier != nil {
		op, err := o.tracker.GetByID(ctx, operationID)
		if err != nil {
			o.logger.Error("failed to load operation for notification",
				slog.String("operation_id", operationID),
				slog.String("error", err.Error()))

			return
		}

		if err := o.notifier.RunCompleted(ctx, op); err != nil {
			o.logger.Error("completion notification failed",
				slog.String("operation_id", operationID),
				slog.String("error", err.Error()))
		}
	}
}
