package rules

import (
	"context"
	"fmt"
	"slices"
	"strconv"

	"github.com/cleanse-io/cleanse/internal/engine"
)

// PostcodeMismatchRule (CR004) compares the holding's postcode between the
// two registries. Postcodes are normalized before comparison so formatting
// differences alone never raise an issue.
type PostcodeMismatchRule struct{}

// NewPostcodeMismatchRule creates the postcode comparison rule.
func NewPostcodeMismatchRule() *PostcodeMismatchRule {
	return &PostcodeMismatchRule{}
}

// Evaluate implements engine.Rule.
func (r *PostcodeMismatchRule) Evaluate(
	_ context.Context,
	input *engine.HoldingComparison,
	_ *engine.RunContext,
) (*engine.RuleResult, error) {
	if input.MovementRecord == nil || len(input.RegisterRecords) == 0 {
		return &engine.RuleResult{}, nil
	}

	movementPostcode := rowString(input.MovementRecord, "postcode")
	registerPostcode := rowString(input.RegisterRecords[0], "postcode")

	if normalizePostcode(movementPostcode) == normalizePostcode(registerPostcode) {
		return &engine.RuleResult{}, nil
	}

	return &engine.RuleResult{
		HasIssue:  true,
		IssueCode: "PostcodeMismatch",
		Description: fmt.Sprintf(
			"Postcode for holding %s differs between registries: movement service has %q, register has %q",
			input.HoldingID, movementPostcode, registerPostcode,
		),
		ContextValues: map[string]string{
			"movement_postcode": movementPostcode,
			"register_postcode": registerPostcode,
		},
	}, nil
}

// SpeciesMismatchRule (CR005) compares the species kept at the holding
// between the two registries. Each species present on one side only yields
// its own finding, keyed by the species code, so a holding carries one issue
// per mismatched species and each resolves independently.
type SpeciesMismatchRule struct{}

// NewSpeciesMismatchRule creates the species comparison rule.
func NewSpeciesMismatchRule() *SpeciesMismatchRule {
	return &SpeciesMismatchRule{}
}

// Evaluate implements engine.Rule.
func (r *SpeciesMismatchRule) Evaluate(
	_ context.Context,
	input *engine.HoldingComparison,
	_ *engine.RunContext,
) (*engine.RuleResult, error) {
	if input.MovementRecord == nil || len(input.RegisterRecords) == 0 {
		return &engine.RuleResult{}, nil
	}

	movementSpecies := rowStrings(input.MovementRecord, "species")
	registerSpecies := rowStrings(input.RegisterRecords[0], "species")

	var findings []engine.Finding

	for _, species := range movementSpecies {
		if !slices.Contains(registerSpecies, species) {
			findings = append(findings, speciesFinding(input.HoldingID, species,
				"movement service", "location register", movementSpecies, registerSpecies))
		}
	}

	for _, species := range registerSpecies {
		if !slices.Contains(movementSpecies, species) {
			findings = append(findings, speciesFinding(input.HoldingID, species,
				"location register", "movement service", movementSpecies, registerSpecies))
		}
	}

	if len(findings) == 0 {
		return &engine.RuleResult{}, nil
	}

	return &engine.RuleResult{
		HasIssue:  true,
		IssueCode: "SpeciesMismatch",
		Findings:  findings,
	}, nil
}

func speciesFinding(
	holdingID, species, presentIn, absentFrom string,
	movementSpecies, registerSpecies []string,
) engine.Finding {
	return engine.Finding{
		SecondaryID: species,
		Description: fmt.Sprintf(
			"Species %s at holding %s is recorded in the %s but not in the %s",
			species, holdingID, presentIn, absentFrom,
		),
		ContextValues: map[string]string{
			"species": species,
		},
		ContextItems: append(
			prefixed("movement:", movementSpecies),
			prefixed("register:", registerSpecies)...,
		),
	}
}

func prefixed(prefix string, values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = prefix + v
	}

	return out
}

// DuplicateRegisterEntryRule (CR006) raises an issue when the location
// register holds more than one entry for the same holding number.
type DuplicateRegisterEntryRule struct{}

// NewDuplicateRegisterEntryRule creates the duplicate-entry rule.
func NewDuplicateRegisterEntryRule() *DuplicateRegisterEntryRule {
	return &DuplicateRegisterEntryRule{}
}

// Evaluate implements engine.Rule.
func (r *DuplicateRegisterEntryRule) Evaluate(
	_ context.Context,
	input *engine.HoldingComparison,
	_ *engine.RunContext,
) (*engine.RuleResult, error) {
	if len(input.RegisterRecords) <= 1 {
		return &engine.RuleResult{}, nil
	}

	entries := make([]string, 0, len(input.RegisterRecords))

	for _, row := range input.RegisterRecords {
		if id := rowString(row, "entry_id"); id != "" {
			entries = append(entries, id)
		}
	}

	return &engine.RuleResult{
		HasIssue:  true,
		IssueCode: "DuplicateRegisterEntry",
		Description: fmt.Sprintf(
			"Holding %s has %d entries in the location register",
			input.HoldingID, len(input.RegisterRecords),
		),
		ContextValues: map[string]string{
			"register_entries": strconv.Itoa(len(input.RegisterRecords)),
		},
		ContextItems: entries,
	}, nil
}
