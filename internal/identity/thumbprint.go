// Package identity provides content-derived identity for detected issues.
//
// Thumbprints enable idempotent re-detection: the same discrepancy found in
// two different runs always maps to the same issue entity, so the engine can
// distinguish "new", "still present", and "came back" without any stored
// correlation state.
//
// This package provides pure utility functions that operate on primitives
// (strings) rather than domain types, making it reusable for any rule that
// needs a deterministic key over its identifying fields.
//
// Key functions:
//   - Thumbprint: deterministic issue identity (SHA256 hash)
//   - QuerySignature: deterministic cache key for canonical query parameters
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"regexp"
	"strings"
)

// fieldSeparator joins identity components before hashing. A non-printable
// separator prevents ambiguous concatenations such as ("ab","c") == ("a","bc").
const fieldSeparator = "\x1f"

// ThumbprintLength is the length of a hex-encoded thumbprint (SHA256 output).
const ThumbprintLength = 64

// Sentinel errors for identity operations.
var (
	// ErrEmptyRuleCode is returned when the rule code component is empty.
	ErrEmptyRuleCode = errors.New("rule code cannot be empty")

	// ErrEmptyHoldingID is returned when the holding identifier component is empty.
	ErrEmptyHoldingID = errors.New("holding identifier cannot be empty")

	// ErrInvalidThumbprint is returned when a string is not a valid thumbprint.
	ErrInvalidThumbprint = errors.New("invalid thumbprint: expected 64 lowercase hex characters")
)

var thumbprintRegex = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Thumbprint generates the deterministic identity of a detected issue.
//
// Formula: SHA256(ruleCode <US> holdingID [<US> secondaryID])
//
// The same (ruleCode, holdingID, secondaryID) triple always produces the same
// thumbprint across calls and processes, so repeated detections of one
// condition converge on a single issue row. The secondary identifier is only
// folded in when non-empty, letting rules that need finer granularity (one
// issue per species, for example) coexist with per-holding rules.
//
// Inputs are trimmed before hashing; leading or trailing whitespace in
// registry data must not fork identities.
//
// Returns: 64-character lowercase hex string, or an error when a required
// component is empty.
func Thumbprint(ruleCode, holdingID, secondaryID string) (string, error) {
	ruleCode = strings.TrimSpace(ruleCode)
	holdingID = strings.TrimSpace(holdingID)
	secondaryID = strings.TrimSpace(secondaryID)

	if ruleCode == "" {
		return "", ErrEmptyRuleCode
	}

	if holdingID == "" {
		return "", ErrEmptyHoldingID
	}

	input := ruleCode + fieldSeparator + holdingID
	if secondaryID != "" {
		input += fieldSeparator + secondaryID
	}

	return hashSHA256(input), nil
}

// ValidateThumbprint reports whether the given string is a well-formed
// thumbprint. Used at store boundaries so malformed ids fail loudly instead
// of becoming unreachable rows.
func ValidateThumbprint(thumbprint string) error {
	if !thumbprintRegex.MatchString(thumbprint) {
		return ErrInvalidThumbprint
	}

	return nil
}

// QuerySignature generates a deterministic cache key for canonical query
// parameters. Components are joined in a fixed order with the same separator
// discipline as Thumbprint, so two queries are cache-equal exactly when every
// canonical component matches.
func QuerySignature(components ...string) string {
	return hashSHA256(strings.Join(components, fieldSeparator))
}

// hashSHA256 returns the lowercase hex SHA256 digest of the input.
func hashSHA256(input string) string {
	sum := sha256.Sum256([]byte(input))

	return hex.EncodeToString(sum[:])
}
