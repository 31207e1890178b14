// Package engine provides the Cleanse analysis core: the per-run cached query
// context, the comparison rule pipeline, and the orchestrator that drives one
// reconciliation run end to end.
package engine

import (
	"context"
	"errors"
)

// Sentinel errors for rule and pipeline execution.
var (
	// ErrNilInput is returned when a pipeline execution receives a nil accumulator.
	ErrNilInput = errors.New("pipeline input cannot be nil")

	// ErrNilResult is returned when a rule yields neither a result nor an error.
	ErrNilResult = errors.New("rule returned nil result without error")
)

// Row is one record returned by the registry query service.
type Row map[string]any

// QueryParams are the canonical parameters of one registry query. Two
// parameter sets with equal canonical components are cache-equal within a run.
type QueryParams struct {
	Collection   string
	Filter       string
	Sort         string
	Skip         int
	Top          int
	Fields       []string
	IncludeCount bool
}

// QueryResult is the outcome of one registry query. TotalCount is populated
// only when the query asked for it.
type QueryResult struct {
	Rows       []Row
	TotalCount *int64
}

// QueryService is the read-only paged/filterable registry access consumed by
// rules. The concrete implementation (HTTP client, database view) lives
// outside the engine; the engine only ever sees this interface, wrapped in
// the per-run cache.
type QueryService interface {
	Execute(ctx context.Context, params QueryParams) (*QueryResult, error)
}

// RuleDescriptor is the static identity and metadata of one comparison rule.
type RuleDescriptor struct {
	// RuleID is the stable rule code, e.g. "CR003". It keys issue identity,
	// so renaming a rule orphans its persisted issues.
	RuleID string

	// UserRuleNo is the ordinal shown to users; it also defines export order.
	UserRuleNo int

	// UserErrorCode is the error code column value in exports, e.g. "E003".
	UserErrorCode string

	// UserDescription is the human-readable rule summary.
	UserDescription string

	// ExternalReferenceTag links the rule to its entry in the published
	// data-quality rule catalogue.
	ExternalReferenceTag string

	// StopWhen is the per-descriptor stop predicate. When non-nil and true
	// for this rule's result, the pipeline halts and later rules do not run
	// for the current input.
	StopWhen func(*RuleResult) bool
}

// Finding is one subject-level detection within a rule result. Rules whose
// discrepancies attach to a sub-entity of the holding (for example a species)
// report one Finding per subject; each SecondaryID yields a distinct issue
// identity.
type Finding struct {
	SecondaryID   string
	Description   string
	ContextValues map[string]string
	ContextItems  []string
}

// RuleResult is the transient outcome of evaluating one rule against one
// holding. Produced and consumed within a single pipeline execution.
type RuleResult struct {
	HasIssue    bool
	IssueCode   string
	Description string

	// SecondaryID refines issue identity below holding level (for example a
	// species code), letting one holding carry one issue per species.
	SecondaryID string

	// Findings, when non-empty, replaces the result's own identity fields:
	// each finding is recorded as its own detection under this rule.
	Findings []Finding

	ContextValues map[string]string
	ContextItems  []string

	// StopProcessing lets the rule itself halt the pipeline, in addition to
	// the descriptor's stop predicate.
	StopProcessing bool
}

// PipelineRuleResult pairs a produced result with the descriptor of the rule
// that produced it.
type PipelineRuleResult struct {
	Descriptor RuleDescriptor
	Result     RuleResult
}

// Rule is one executable comparison rule. Implementations must be stateless:
// everything an evaluation needs arrives through the input accumulator and
// the run context, and cancellation must be honored on every query.
type Rule interface {
	Evaluate(ctx context.Context, input *HoldingComparison, run *RunContext) (*RuleResult, error)
}

// HoldingComparison is the mutable accumulator threaded through one pipeline
// execution for one holding.
//
// Mutation contract: a rule may attach data here for rules later in the same
// execution to read — the record-fetching rules populate MovementRecord and
// RegisterRecords, and the field-comparison rules consume them instead of
// re-querying. Nothing outside one pipeline execution may retain or mutate
// the accumulator.
type HoldingComparison struct {
	HoldingID string

	// MovementRecord is the holding's row in the movement-service registry,
	// nil when absent there. Populated by the register-presence rule.
	MovementRecord Row

	// RegisterRecords are the holding's rows in the location register, empty
	// when absent there. More than one row is itself a discrepancy.
	RegisterRecords []Row
}

// StopOnIssue is a stop predicate halting the pipeline when the rule found an
// issue.
func StopOnIssue(result *RuleResult) bool {
	return result.HasIssue
}

// StopOnRequest is a stop predicate halting the pipeline only when the rule
// explicitly asked to stop (used by prerequisite-fetching rules that halt
// when a required record is absent).
func StopOnRequest(result *RuleResult) bool {
	return result.StopProcessing
}
