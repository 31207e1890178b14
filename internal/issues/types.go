// Package issues provides the data-quality issue aggregate, its append-only
// audit history, and the detection-driven lifecycle for the Cleanse analysis
// engine.
package issues

import (
	"errors"
	"time"
)

// ResolutionStatus represents the manual workflow state of an issue,
// independent of the detection-driven active flag.
type ResolutionStatus string

// Resolution workflow states.
const (
	ResolutionNone       ResolutionStatus = "None"
	ResolutionInProgress ResolutionStatus = "InProgress"
	ResolutionResolved   ResolutionStatus = "Resolved"
	ResolutionWontFix    ResolutionStatus = "WontFix"
)

// HistoryAction identifies the state transition an audit entry records.
type HistoryAction string

// Audit actions. Every issue mutation appends exactly one entry.
const (
	ActionCreated                 HistoryAction = "Created"
	ActionReactivated             HistoryAction = "Reactivated"
	ActionDeactivated             HistoryAction = "Deactivated"
	ActionTouched                 HistoryAction = "Touched"
	ActionIgnored                 HistoryAction = "Ignored"
	ActionUnignored               HistoryAction = "Unignored"
	ActionResolutionStatusChanged HistoryAction = "ResolutionStatusChanged"
	ActionAssigned                HistoryAction = "Assigned"
	ActionUnassigned              HistoryAction = "Unassigned"
)

// RecordOutcome is the result of recording a detection against the store.
type RecordOutcome string

// RecordIssue outcomes.
const (
	OutcomeCreated     RecordOutcome = "Created"
	OutcomeReactivated RecordOutcome = "Reactivated"
	OutcomeNoChange    RecordOutcome = "NoChange"
)

// Sentinel errors for issue storage and lifecycle.
var (
	// ErrIssueNotFound is returned when no issue exists for the given thumbprint.
	ErrIssueNotFound = errors.New("issue not found")

	// ErrIssueNil is returned when a nil issue is passed to a store.
	ErrIssueNil = errors.New("issue cannot be nil")

	// ErrHistoryEntryNil is returned when a nil history entry accompanies a mutation.
	ErrHistoryEntryNil = errors.New("history entry cannot be nil")

	// ErrAssigneeEmpty is returned when Assign is called with an empty assignee.
	ErrAssigneeEmpty = errors.New("assignee cannot be empty")

	// ErrInvalidResolutionStatus is returned for a resolution status outside the known set.
	ErrInvalidResolutionStatus = errors.New("invalid resolution status")
)

// Valid reports whether the resolution status is one of the known workflow states.
func (s ResolutionStatus) Valid() bool {
	switch s {
	case ResolutionNone, ResolutionInProgress, ResolutionResolved, ResolutionWontFix:
		return true
	}

	return false
}

// Issue is the aggregate root for one detected data-quality discrepancy.
//
// The thumbprint is the primary identity: a deterministic content hash of
// (ruleCode, holdingID[, secondaryID]), so re-detecting the same condition
// always lands on the same row. IsActive reflects whether the condition was
// detected in the most recent run that touched the issue; IsIgnored and the
// resolution/assignment fields are manual workflow state that detection never
// changes.
type Issue struct {
	Thumbprint       string            `json:"thumbprint"`
	LastOperationID  string            `json:"lastOperationId"`
	IssueCode        string            `json:"issueCode"`
	RuleCode         string            `json:"ruleCode"`
	ErrorCode        string            `json:"errorCode"`
	Description      string            `json:"description"`
	HoldingID        string            `json:"holdingId"`
	SecondaryID      string            `json:"secondaryId,omitempty"`
	IsActive         bool              `json:"isActive"`
	IsIgnored        bool              `json:"isIgnored"`
	ResolutionStatus ResolutionStatus  `json:"resolutionStatus"`
	AssignedTo       string            `json:"assignedTo,omitempty"`
	ContextValues    map[string]string `json:"contextValues,omitempty"`
	ContextItems     []string          `json:"contextItems,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	LastUpdatedAt    time.Time         `json:"lastUpdatedAt"`
}

// HistoryEntry is one immutable audit record of an issue state transition.
// Entries are appended in the same transaction as the issue mutation and are
// never edited or removed.
type HistoryEntry struct {
	ID          string        `json:"id"`
	IssueID     string        `json:"issueId"`
	Action      HistoryAction `json:"action"`
	PerformedBy string        `json:"performedBy"`
	Detail      string        `json:"detail,omitempty"`
	OccurredAt  time.Time     `json:"occurredAt"`
}

// Detection carries one issue signal from the rule pipeline into the
// aggregate. The thumbprint must already be derived from the rule code,
// holding id, and secondary identifier.
type Detection struct {
	Thumbprint    string
	IssueCode     string
	RuleCode      string
	ErrorCode     string
	Description   string
	HoldingID     string
	SecondaryID   string
	ContextValues map[string]string
	ContextItems  []string
}
