package rules

import (
	"context"
	"fmt"

	"github.com/cleanse-io/cleanse/internal/engine"
)

// RegisterPresenceRule (CR001) fetches the holding's records from both
// registries into the accumulator and raises an issue when the holding exists
// in the movement-service registry but not in the location register.
//
// It runs first: every later rule reads the records it fetched. Its stop
// predicate halts the pipeline when the register record is absent, because
// the comparison rules have nothing to compare against.
type RegisterPresenceRule struct {
	sources Sources
}

// NewRegisterPresenceRule creates the register-presence rule.
func NewRegisterPresenceRule(sources Sources) *RegisterPresenceRule {
	return &RegisterPresenceRule{sources: sources}
}

// Evaluate implements engine.Rule.
func (r *RegisterPresenceRule) Evaluate(
	ctx context.Context,
	input *engine.HoldingComparison,
	run *engine.RunContext,
) (*engine.RuleResult, error) {
	movement, movementFound, err := run.QuerySingle(ctx, engine.QueryParams{
		Collection: r.sources.MovementCollection,
		Filter:     holdingFilter(input.HoldingID),
		Top:        1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch movement record: %w", err)
	}

	register, err := run.Query(ctx, engine.QueryParams{
		Collection: r.sources.RegisterCollection,
		Filter:     holdingFilter(input.HoldingID),
		Sort:       "holding_id",
		Top:        registerPageSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch register records: %w", err)
	}

	if movementFound {
		input.MovementRecord = movement
	}

	input.RegisterRecords = register.Rows

	if len(register.Rows) > 0 {
		return &engine.RuleResult{}, nil
	}

	// No register record: nothing for later rules to compare, stop either way.
	result := &engine.RuleResult{StopProcessing: true}

	if movementFound {
		result.HasIssue = true
		result.IssueCode = "MissingFromRegister"
		result.Description = fmt.Sprintf(
			"Holding %s is recorded in the movement service but has no entry in the location register",
			input.HoldingID,
		)
	}

	return result, nil
}

// MovementPresenceRule (CR002) raises an issue when the holding exists in the
// location register but not in the movement-service registry. It reads the
// movement record fetched by the register-presence rule and never queries.
//
// Its stop predicate halts on issue: without a movement record the
// field-comparison rules cannot run.
type MovementPresenceRule struct{}

// NewMovementPresenceRule creates the movement-presence rule.
func NewMovementPresenceRule() *MovementPresenceRule {
	return &MovementPresenceRule{}
}

// Evaluate implements engine.Rule.
func (r *MovementPresenceRule) Evaluate(
	_ context.Context,
	input *engine.HoldingComparison,
	_ *engine.RunContext,
) (*engine.RuleResult, error) {
	if input.MovementRecord != nil {
		return &engine.RuleResult{}, nil
	}

	return &engine.RuleResult{
		HasIssue:  true,
		IssueCode: "MissingFromMovements",
		Description: fmt.Sprintf(
			"Holding %s is recorded in the location register but has no entry in the movement service",
			input.HoldingID,
		),
	}, nil
}
