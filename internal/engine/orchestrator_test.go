package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cleanse-io/cleanse/internal/engine"
	"github.com/cleanse-io/cleanse/internal/identity"
	"github.com/cleanse-io/cleanse/internal/issues"
	"github.com/cleanse-io/cleanse/internal/operations"
	"github.com/cleanse-io/cleanse/internal/rules"
	"github.com/cleanse-io/cleanse/internal/storage"
)

// registryFixture serves canned registry rows, matching the holding-id filter
// convention the rules use.
type registryFixture struct {
	rows map[string][]engine.Row
	err  error
}

func (f *registryFixture) Execute(_ context.Context, params engine.QueryParams) (*engine.QueryResult, error) {
	if f.err != nil {
		return nil, f.err
	}

	var matched []engine.Row

	for _, row := range f.rows[params.Collection] {
		id, _ := row["holding_id"].(string)
		if params.Filter == "" || strings.Contains(params.Filter, "'"+id+"'") {
			matched = append(matched, row)
		}
	}

	if params.Skip > 0 {
		if params.Skip >= len(matched) {
			matched = nil
		} else {
			matched = matched[params.Skip:]
		}
	}

	if params.Top > 0 && len(matched) > params.Top {
		matched = matched[:params.Top]
	}

	return &engine.QueryResult{Rows: matched}, nil
}

type fakePublisher struct {
	published []string
	err       error
}

func (f *fakePublisher) Publish(_ context.Context, operationID string) (string, string, error) {
	if f.err != nil {
		return "", "", f.err
	}

	f.published = append(f.published, operationID)

	return "reports/" + operationID + ".csv", "https://storage.example.com/" + operationID, nil
}

type fakeNotifier struct {
	notified []*operations.Operation
}

func (f *fakeNotifier) RunCompleted(_ context.Context, op *operations.Operation) error {
	f.notified = append(f.notified, op)

	return nil
}

type orchestratorFixture struct {
	orch      *engine.Orchestrator
	tracker   *operations.Tracker
	issueSvc  *issues.Service
	queries   *registryFixture
	publisher *fakePublisher
	notifier  *fakeNotifier
}

func testConfig() *engine.Config {
	return &engine.Config{
		MovementCollection: "movement_holdings",
		RegisterCollection: "register_holdings",
		PageSize:           100,
		ProgressEvery:      1,
		ProgressPerSecond:  1000,
		Parallelism:        2,
	}
}

func newOrchestratorFixture(t *testing.T, queries *registryFixture) *orchestratorFixture {
	t.Helper()

	tracker := operations.NewTracker(storage.NewInMemoryOperationStore())
	issueSvc := issues.NewService(storage.NewInMemoryIssueStore())

	sources := rules.Sources{
		MovementCollection: "movement_holdings",
		RegisterCollection: "register_holdings",
	}
	pipeline := engine.NewPipeline(rules.DefaultEntries(sources))

	publisher := &fakePublisher{}
	notifier := &fakeNotifier{}

	orch, err := engine.NewOrchestrator(testConfig(), tracker, issueSvc, pipeline, queries,
		engine.WithReportPublisher(publisher),
		engine.WithNotifier(notifier),
	)
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}

	return &orchestratorFixture{
		orch:      orch,
		tracker:   tracker,
		issueSvc:  issueSvc,
		queries:   queries,
		publisher: publisher,
		notifier:  notifier,
	}
}

func matchedHoldingRows() map[string][]engine.Row {
	return map[string][]engine.Row{
		"movement_holdings": {
			{"holding_id": "11/111/1111", "postcode": "SW1A 1AA", "species": []any{"SHEEP"}},
			{"holding_id": "22/222/2222", "postcode": "EC1A 1BB", "species": []any{"CATTLE"}},
		},
		"register_holdings": {
			{"holding_id": "11/111/1111", "postcode": "SW1A 1AA", "species": []any{"SHEEP"}},
			{"holding_id": "33/333/3333", "postcode": "N1 9GU", "species": []any{"GOATS"}},
		},
	}
}

func TestOrchestratorRunHappyPath(t *testing.T) {
	ctx := context.Background()
	fx := newOrchestratorFixture(t, &registryFixture{rows: matchedHoldingRows()})

	// An active issue from a previous run that this pass will not re-detect.
	staleThumbprint, err := identity.Thumbprint("CR004", "44/444/4444", "")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := fx.issueSvc.RecordIssue(ctx, "previous-run", issues.Detection{
		Thumbprint: staleThumbprint,
		IssueCode:  "PostcodeMismatch",
		RuleCode:   "CR004",
		ErrorCode:  "E004",
		HoldingID:  "44/444/4444",
	}); err != nil {
		t.Fatal(err)
	}

	operationID, err := fx.orch.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	op, err := fx.tracker.GetByID(ctx, operationID)
	if err != nil {
		t.Fatal(err)
	}

	if op.Status != operations.StatusCompleted {
		t.Fatalf("status = %s, want Completed (error %q)", op.Status, op.Error)
	}

	// Union of 11/…, 22/…, 33/… across both registries.
	if op.TotalRecords != 3 || op.RecordsAnalyzed != 3 {
		t.Errorf("records = %d/%d, want 3/3", op.RecordsAnalyzed, op.TotalRecords)
	}

	// 22/… is missing from the register, 33/… from the movement service.
	if op.IssuesFound != 2 {
		t.Errorf("IssuesFound = %d, want 2", op.IssuesFound)
	}

	// The stale issue is the only sweep victim.
	if op.IssuesResolved != 1 {
		t.Errorf("IssuesResolved = %d, want 1", op.IssuesResolved)
	}

	if op.ProgressPercentage != 100 {
		t.Errorf("ProgressPercentage = %d, want 100", op.ProgressPercentage)
	}

	missingRegister, err := identity.Thumbprint("CR001", "22/222/2222", "")
	if err != nil {
		t.Fatal(err)
	}

	created, err := fx.issueSvc.GetByThumbprint(ctx, missingRegister)
	if err != nil {
		t.Fatalf("missing-from-register issue not recorded: %v", err)
	}

	if !created.IsActive || created.ErrorCode != "E001" || created.LastOperationID != operationID {
		t.Errorf("created issue = %+v", created)
	}

	swept, err := fx.issueSvc.GetByThumbprint(ctx, staleThumbprint)
	if err != nil {
		t.Fatal(err)
	}

	if swept.IsActive {
		t.Error("stale issue survived the sweep")
	}

	// Report and notification fire after completion.
	if len(fx.publisher.published) != 1 || fx.publisher.published[0] != operationID {
		t.Errorf("published = %v", fx.publisher.published)
	}

	if op.ReportObjectKey != "reports/"+operationID+".csv" {
		t.Errorf("ReportObjectKey = %q", op.ReportObjectKey)
	}

	if len(fx.notifier.notified) != 1 || fx.notifier.notified[0].ID != operationID {
		t.Errorf("notified = %v", fx.notifier.notified)
	}
}

func TestOrchestratorRunMatchedHoldingsRaiseNothing(t *testing.T) {
	ctx := context.Background()

	rows := map[string][]engine.Row{
		"movement_holdings": {{"holding_id": "11/111/1111", "postcode": "SW1A 1AA", "species": []any{"SHEEP"}}},
		"register_holdings": {{"holding_id": "11/111/1111", "postcode": "sw1a1aa", "species": []any{"SHEEP"}}},
	}

	fx := newOrchestratorFixture(t, &registryFixture{rows: rows})

	operationID, err := fx.orch.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	op, err := fx.tracker.GetByID(ctx, operationID)
	if err != nil {
		t.Fatal(err)
	}

	if op.IssuesFound != 0 {
		t.Errorf("IssuesFound = %d for fully matched registries, want 0", op.IssuesFound)
	}
}

func TestOrchestratorRunRefusedWhileRunning(t *testing.T) {
	ctx := context.Background()
	fx := newOrchestratorFixture(t, &registryFixture{rows: matchedHoldingRows()})

	// Occupy the slot.
	if _, started, err := fx.tracker.StartAnalysis(ctx); err != nil || !started {
		t.Fatalf("StartAnalysis() = (%v, %v)", started, err)
	}

	if _, err := fx.orch.Run(ctx); !errors.Is(err, engine.ErrAnalysisAlreadyRunning) {
		t.Fatalf("Run() = %v, want ErrAnalysisAlreadyRunning", err)
	}
}

func TestOrchestratorRunFailureSkipsSweep(t *testing.T) {
	ctx := context.Background()
	queries := &registryFixture{rows: matchedHoldingRows()}
	fx := newOrchestratorFixture(t, queries)

	staleThumbprint, err := identity.Thumbprint("CR004", "44/444/4444", "")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := fx.issueSvc.RecordIssue(ctx, "previous-run", issues.Detection{
		Thumbprint: staleThumbprint,
		IssueCode:  "PostcodeMismatch",
		RuleCode:   "CR004",
		ErrorCode:  "E004",
		HoldingID:  "44/444/4444",
	}); err != nil {
		t.Fatal(err)
	}

	queries.err = errors.New("registry unavailable")

	operationID, err := fx.orch.Run(ctx)
	if err == nil {
		t.Fatal("expected Run() to fail")
	}

	op, err := fx.tracker.GetByID(ctx, operationID)
	if err != nil {
		t.Fatal(err)
	}

	if op.Status != operations.StatusFailed {
		t.Errorf("status = %s, want Failed", op.Status)
	}

	if op.Error == "" {
		t.Error("failed operation carries no error message")
	}

	// A partial pass must never deactivate issues it never reached.
	stale, err := fx.issueSvc.GetByThumbprint(ctx, staleThumbprint)
	if err != nil {
		t.Fatal(err)
	}

	if !stale.IsActive {
		t.Error("failed run still swept stale issues")
	}

	if len(fx.publisher.published) != 0 || len(fx.notifier.notified) != 0 {
		t.Error("failed run still published artifacts")
	}
}

func TestOrchestratorRunCancellation(t *testing.T) {
	fx := newOrchestratorFixture(t, &registryFixture{rows: matchedHoldingRows()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	operationID, err := fx.orch.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}

	op, err := fx.tracker.GetByID(context.Background(), operationID)
	if err != nil {
		t.Fatal(err)
	}

	// The terminal write happens despite the cancelled context.
	if op.Status != operations.StatusCancelled {
		t.Errorf("status = %s, want Cancelled", op.Status)
	}
}

func TestOrchestratorPublishFailureDoesNotFailRun(t *testing.T) {
	ctx := context.Background()
	fx := newOrchestratorFixture(t, &registryFixture{rows: matchedHoldingRows()})
	fx.publisher.err = errors.New("bucket gone")

	operationID, err := fx.orch.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v, want publication failure swallowed", err)
	}

	op, err := fx.tracker.GetByID(ctx, operationID)
	if err != nil {
		t.Fatal(err)
	}

	if op.Status != operations.StatusCompleted {
		t.Errorf("status = %s, want Completed despite publish failure", op.Status)
	}

	if op.ReportObjectKey != "" {
		t.Errorf("ReportObjectKey = %q, want empty after failed publish", op.ReportObjectKey)
	}
}

func TestOrchestratorPerSpeciesFindings(t *testing.T) {
	ctx := context.Background()

	rows := map[string][]engine.Row{
		"movement_holdings": {{"holding_id": "11/111/1111", "postcode": "SW1A 1AA", "species": []any{"SHEEP", "CATTLE"}}},
		"register_holdings": {{"holding_id": "11/111/1111", "postcode": "SW1A 1AA", "species": []any{"SHEEP", "GOATS"}}},
	}

	fx := newOrchestratorFixture(t, &registryFixture{rows: rows})

	operationID, err := fx.orch.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	op, err := fx.tracker.GetByID(ctx, operationID)
	if err != nil {
		t.Fatal(err)
	}

	// One issue per mismatched species: CATTLE and GOATS.
	if op.IssuesFound != 2 {
		t.Errorf("IssuesFound = %d, want one per mismatched species", op.IssuesFound)
	}

	for _, species := range []string{"CATTLE", "GOATS"} {
		thumbprint, err := identity.Thumbprint("CR005", "11/111/1111", species)
		if err != nil {
			t.Fatal(err)
		}

		issue, err := fx.issueSvc.GetByThumbprint(ctx, thumbprint)
		if err != nil {
			t.Fatalf("no issue for species %s: %v", species, err)
		}

		if issue.SecondaryID != species {
			t.Errorf("SecondaryID = %q, want %s", issue.SecondaryID, species)
		}
	}
}

func TestOrchestratorRepeatedRunsConverge(t *testing.T) {
	ctx := context.Background()
	fx := newOrchestratorFixture(t, &registryFixture{rows: matchedHoldingRows()})

	firstID, err := fx.orch.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// Same registries, second run: same issues touched, nothing created, no
	// sweep victims.
	secondID, err := fx.orch.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}

	secondOp, err := fx.tracker.GetByID(ctx, secondID)
	if err != nil {
		t.Fatal(err)
	}

	if secondOp.IssuesResolved != 0 {
		t.Errorf("second run resolved %d, want 0", secondOp.IssuesResolved)
	}

	thumbprint, err := identity.Thumbprint("CR001", "22/222/2222", "")
	if err != nil {
		t.Fatal(err)
	}

	issue, err := fx.issueSvc.GetByThumbprint(ctx, thumbprint)
	if err != nil {
		t.Fatal(err)
	}

	if issue.LastOperationID != secondID || issue.LastOperationID == firstID {
		t.Errorf("issue not touched by the second run: %+v", issue)
	}

	history, err := fx.issueSvc.ListHistory(ctx, thumbprint, issues.Page{Top: 10})
	if err != nil {
		t.Fatal(err)
	}

	var createdEntries int

	for _, entry := range history {
		if entry.Action == issues.ActionCreated {
			createdEntries++
		}
	}

	if createdEntries != 1 {
		t.Errorf("%d Created entries after two runs, want 1", createdEntries)
	}

	// Operation history lists both runs, newest first.
	summaries, err := fx.tracker.ListSummaries(ctx, 0, 10)
	if err != nil {
		t.Fatal(err)
	}

	if len(summaries) != 2 {
		t.Errorf("got %d summaries, want 2", len(summaries))
	}
}
