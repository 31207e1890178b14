// Package operations provides the reconciliation run aggregate and its
// lifecycle state machine for the Cleanse analysis engine.
package operations

import (
	"errors"
	"time"
)

// Status represents the lifecycle state of a reconciliation run.
type Status string

// Operation lifecycle states.
const (
	StatusNotStarted Status = "NotStarted"
	StatusRunning    Status = "Running"
	StatusCompleted  Status = "Completed"
	StatusFailed     Status = "Failed"
	StatusCancelled  Status = "Cancelled"
)

// Sentinel errors for operation storage and lifecycle.
var (
	// ErrOperationNotFound is returned when no operation exists for the given id.
	ErrOperationNotFound = errors.New("operation not found")

	// ErrNoRunningOperation is returned when no operation is currently running.
	ErrNoRunningOperation = errors.New("no running operation")

	// ErrAnalysisAlreadyRunning is returned when an insert would violate the
	// single-running invariant.
	ErrAnalysisAlreadyRunning = errors.New("an analysis operation is already running")

	// ErrOperationNil is returned when a nil operation is passed to a store.
	ErrOperationNil = errors.New("operation cannot be nil")
)

// IsTerminal reports whether the status permits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether the status is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusNotStarted, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}

	return false
}

// Operation is the aggregate root for one reconciliation run.
//
// Created by Tracker.StartAnalysis and mutated only through the Tracker;
// rows are never deleted outside an administrative reset.
type Operation struct {
	ID                 string     `json:"id"`
	Status             Status     `json:"status"`
	StatusDescription  string     `json:"statusDescription"`
	ProgressPercentage int        `json:"progressPercentage"`
	RecordsAnalyzed    int64      `json:"recordsAnalyzed"`
	TotalRecords       int64      `json:"totalRecords"`
	IssuesFound        int64      `json:"issuesFound"`
	IssuesResolved     int64      `json:"issuesResolved"`
	Error              string     `json:"error,omitempty"`
	DurationMs         *int64     `json:"durationMs,omitempty"`
	ReportObjectKey    string     `json:"reportObjectKey,omitempty"`
	ReportURL          string     `json:"reportUrl,omitempty"`
	StartedAt          time.Time  `json:"startedAt"`
	CompletedAt        *time.Time `json:"completedAt,omitempty"`
}

// Summary is the condensed operation view returned by list queries.
type Summary struct {
	ID                 string     `json:"id"`
	Status             Status     `json:"status"`
	StatusDescription  string     `json:"statusDescription"`
	ProgressPercentage int        `json:"progressPercentage"`
	IssuesFound        int64      `json:"issuesFound"`
	IssuesResolved     int64      `json:"issuesResolved"`
	StartedAt          time.Time  `json:"startedAt"`
	CompletedAt        *time.Time `json:"completedAt,omitempty"`
}

// Summarize returns the condensed view of the operation.
func (o *Operation) Summarize() Summary {
	return Summary{
		ID:                 o.ID,
		Status:             o.Status,
		StatusDescription:  o.StatusDescription,
		ProgressPercentage: o.ProgressPercentage,
		IssuesFound:        o.IssuesFound,
		IssuesResolved:     o.IssuesResolved,
		StartedAt:          o.StartedAt,
		CompletedAt:        o.CompletedAt,
	}
}
