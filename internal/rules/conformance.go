package rules

import (
	"context"
	"fmt"
	"regexp"

	"github.com/cleanse-io/cleanse/internal/engine"
)

// holdingNumberPattern is the county/parish/holding format: two digits, three
// digits, four digits, slash-separated.
var holdingNumberPattern = regexp.MustCompile(`^\d{2}/\d{3}/\d{4}$`)

// HoldingNumberFormatRule (CR003) checks the holding identifier against the
// NN/NNN/NNNN county/parish/holding format. It reads only the accumulator and
// never queries.
type HoldingNumberFormatRule struct{}

// NewHoldingNumberFormatRule creates the holding-number format rule.
func NewHoldingNumberFormatRule() *HoldingNumberFormatRule {
	return &HoldingNumberFormatRule{}
}

// Evaluate implements engine.Rule.
func (r *HoldingNumberFormatRule) Evaluate(
	_ context.Context,
	input *engine.HoldingComparison,
	_ *engine.RunContext,
) (*engine.RuleResult, error) {
	if holdingNumberPattern.MatchString(input.HoldingID) {
		return &engine.RuleResult{}, nil
	}

	return &engine.RuleResult{
		HasIssue:  true,
		IssueCode: "HoldingNumberFormat",
		Description: fmt.Sprintf(
			"Holding number %q does not match the NN/NNN/NNNN format", input.HoldingID,
		),
	}, nil
}
