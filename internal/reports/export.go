// Package reports renders the active issue set as a CSV report and publishes
// it to a blob store behind a presigned download URL.
package reports

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"sort"

	"github.com/cleanse-io/cleanse/internal/engine"
	"github.com/cleanse-io/cleanse/internal/issues"
)

// csvHeader is the fixed report header. Downstream consumers parse by column
// name, so this never changes without versioning the report.
var csvHeader = []string{"HoldingId", "ErrorCode"}

// Exporter renders active issues as the CSV report. Rows are ordered by rule
// priority, then holding id, then secondary id, so the same issue set always
// renders byte-identical output.
type Exporter struct {
	priorities map[string]int
}

// NewExporter creates an exporter that orders rows by the given pipeline's
// rule priorities.
func NewExporter(entries []engine.PipelineEntry) *Exporter {
	priorities := make(map[string]int, len(entries))
	for _, entry := range entries {
		priorities[entry.Descriptor.RuleID] = entry.Descriptor.UserRuleNo
	}

	return &Exporter{priorities: priorities}
}

// Render produces the CSV report for the given issues.
func (e *Exporter) Render(list []issues.Issue) ([]byte, error) {
	ordered := make([]issues.Issue, len(list))
	copy(ordered, list)

	sort.SliceStable(ordered, func(i, j int) bool {
		pi, pj := e.priority(ordered[i].RuleCode), e.priority(ordered[j].RuleCode)
		if pi != pj {
			return pi < pj
		}

		if ordered[i].HoldingID != ordered[j].HoldingID {
			return ordered[i].HoldingID < ordered[j].HoldingID
		}

		return ordered[i].SecondaryID < ordered[j].SecondaryID
	})

	var buf bytes.Buffer

	writer := csv.NewWriter(&buf)

	if err := writer.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("failed to write report header: %w", err)
	}

	for _, issue := range ordered {
		if err := writer.Write([]string{issue.HoldingID, issue.ErrorCode}); err != nil {
			return nil, fmt.Errorf("failed to write report row: %w", err)
		}
	}

	writer.Flush()

	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush report: %w", err)
	}

	return buf.Bytes(), nil
}

// priority returns the rule's export rank. Rules no longer in the pipeline
// (persisted issues from a retired rule) sort after every configured rule.
func (e *Exporter) priority(ruleCode string) int {
	if p, ok := e.priorities[ruleCode]; ok {
		return p
	}

	return int(^uint(0) >> 1)
}
