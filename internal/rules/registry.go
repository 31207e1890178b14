package rules

import (
	"errors"
	"fmt"

	"github.com/cleanse-io/cleanse/internal/engine"
)

// ErrUnknownRule is returned when a configured rule id matches no registered
// rule.
var ErrUnknownRule = errors.New("unknown rule id")

// Rule identifiers. These key issue identity in persistence: renaming one
// orphans every issue the rule has ever raised.
const (
	RuleMissingFromRegister    = "CR001"
	RuleMissingFromMovements   = "CR002"
	RuleHoldingNumberFormat    = "CR003"
	RulePostcodeMismatch       = "CR004"
	RuleSpeciesMismatch        = "CR005"
	RuleDuplicateRegisterEntry = "CR006"
)

// DefaultEntries returns the built-in rule set in its default order. The
// presence rules run first: they fetch the registry records every comparison
// rule reads from the accumulator.
func DefaultEntries(sources Sources) []engine.PipelineEntry {
	return []engine.PipelineEntry{
		{
			Descriptor: engine.RuleDescriptor{
				RuleID:               RuleMissingFromRegister,
				UserRuleNo:           1,
				UserErrorCode:        "E001",
				UserDescription:      "Holding missing from the location register",
				ExternalReferenceTag: "DQ-CR001",
				StopWhen:             engine.StopOnRequest,
			},
			Rule: NewRegisterPresenceRule(sources),
		},
		{
			Descriptor: engine.RuleDescriptor{
				RuleID:               RuleMissingFromMovements,
				UserRuleNo:           2,
				UserErrorCode:        "E002",
				UserDescription:      "Holding missing from the movement service",
				ExternalReferenceTag: "DQ-CR002",
				StopWhen:             engine.StopOnIssue,
			},
			Rule: NewMovementPresenceRule(),
		},
		{
			Descriptor: engine.RuleDescriptor{
				RuleID:               RuleHoldingNumberFormat,
				UserRuleNo:           3,
				UserErrorCode:        "E003",
				UserDescription:      "Holding number format is invalid",
				ExternalReferenceTag: "DQ-CR003",
			},
			Rule: NewHoldingNumberFormatRule(),
		},
		{
			Descriptor: engine.RuleDescriptor{
				RuleID:               RulePostcodeMismatch,
				UserRuleNo:           4,
				UserErrorCode:        "E004",
				UserDescription:      "Postcode differs between registries",
				ExternalReferenceTag: "DQ-CR004",
			},
			Rule: NewPostcodeMismatchRule(),
		},
		{
			Descriptor: engine.RuleDescriptor{
				RuleID:               RuleSpeciesMismatch,
				UserRuleNo:           5,
				UserErrorCode:        "E005",
				UserDescription:      "Species kept differ between registries",
				ExternalReferenceTag: "DQ-CR005",
			},
			Rule: NewSpeciesMismatchRule(),
		},
		{
			Descriptor: engine.RuleDescriptor{
				RuleID:               RuleDuplicateRegisterEntry,
				UserRuleNo:           6,
				UserErrorCode:        "E006",
				UserDescription:      "Duplicate entries in the location register",
				ExternalReferenceTag: "DQ-CR006",
			},
			Rule: NewDuplicateRegisterEntryRule(),
		},
	}
}

// SelectEntries returns the subset of DefaultEntries named by ruleIDs, in the
// given order. An empty selection means the full default set.
func SelectEntries(sources Sources, ruleIDs []string) ([]engine.PipelineEntry, error) {
	defaults := DefaultEntries(sources)

	if len(ruleIDs) == 0 {
		return defaults, nil
	}

	byID := make(map[string]engine.PipelineEntry, len(defaults))
	for _, entry := range defaults {
		byID[entry.Descriptor.RuleID] = entry
	}

	entries := make([]engine.PipelineEntry, 0, len(ruleIDs))

	for _, id := range ruleIDs {
		entry, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRule, id)
		}

		entries = append(entries, entry)
	}

	return entries, nil
}
