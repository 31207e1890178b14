// Package rules provides the concrete comparison rules of the Cleanse
// analysis engine: the default ordered rule set reconciling the
// movement-service registry against the location register, plus the optional
// YAML configuration selecting and ordering the rules for a deployment.
package rules

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cleanse-io/cleanse/internal/engine"
)

// Sources names the two registry collections the rules compare.
type Sources struct {
	// MovementCollection is the movement-service registry collection.
	MovementCollection string

	// RegisterCollection is the location-register collection.
	RegisterCollection string
}

// registerPageSize bounds the register-row fetch per holding. A holding with
// more rows than this is pathological; the duplicate rule still fires on it.
const registerPageSize = 50

func holdingFilter(holdingID string) string {
	return fmt.Sprintf("holding_id eq '%s'", strings.ReplaceAll(holdingID, "'", "''"))
}

// rowString extracts a string field from a registry row, tolerating absent
// and non-string values.
func rowString(row engine.Row, field string) string {
	if row == nil {
		return ""
	}

	if v, ok := row[field].(string); ok {
		return v
	}

	return ""
}

// rowStrings extracts a string-list field from a registry row. The query
// service decodes JSON arrays as []any; a comma-separated string is accepted
// for sources that flatten lists.
func rowStrings(row engine.Row, field string) []string {
	if row == nil {
		return nil
	}

	switch v := row[field].(type) {
	case []string:
		return normalizeList(v)
	case []any:
		out := make([]string, 0, len(v))

		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}

		return normalizeList(out)
	case string:
		return normalizeList(strings.Split(v, ","))
	default:
		return nil
	}
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))

	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}

	sort.Strings(out)

	return out
}

// normalizePostcode canonicalizes a postcode for comparison: uppercase with
// all whitespace removed, so "sw1a 1aa" and "SW1A1AA" compare equal.
func normalizePostcode(postcode string) string {
	return strings.ToUpper(strings.Join(strings.Fields(postcode), ""))
}
