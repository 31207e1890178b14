package engine

import (
	"context"
	"errors"
	"testing"
)

// scriptedRule returns a fixed result or error and records whether it ran.
type scriptedRule struct {
	result *RuleResult
	err    error
	ran    bool
}

func (r *scriptedRule) Evaluate(_ context.Context, _ *HoldingComparison, _ *RunContext) (*RuleResult, error) {
	r.ran = true

	return r.result, r.err
}

func entry(id string, rule Rule, stopWhen func(*RuleResult) bool) PipelineEntry {
	return PipelineEntry{
		Descriptor: RuleDescriptor{RuleID: id, StopWhen: stopWhen},
		Rule:       rule,
	}
}

func TestPipelineExecuteRunsAllRules(t *testing.T) {
	first := &scriptedRule{result: &RuleResult{}}
	second := &scriptedRule{result: &RuleResult{HasIssue: true, IssueCode: "PostcodeMismatch"}}

	pipeline := NewPipeline([]PipelineEntry{
		entry("CR003", first, nil),
		entry("CR004", second, nil),
	})

	results, err := pipeline.Execute(context.Background(), &HoldingComparison{HoldingID: "12/345/6789"}, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}

	if !results[1].Result.HasIssue || results[1].Descriptor.RuleID != "CR004" {
		t.Errorf("results[1] = %+v", results[1])
	}
}

func TestPipelineStopOnIssueShortCircuits(t *testing.T) {
	first := &scriptedRule{result: &RuleResult{HasIssue: true, IssueCode: "MissingFromMovements"}}
	second := &scriptedRule{result: &RuleResult{}}

	pipeline := NewPipeline([]PipelineEntry{
		entry("CR002", first, StopOnIssue),
		entry("CR003", second, nil),
	})

	results, err := pipeline.Execute(context.Background(), &HoldingComparison{HoldingID: "12/345/6789"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if len(results) != 1 {
		t.Fatalf("got %d results, want 1 (pipeline halted)", len(results))
	}

	if second.ran {
		t.Error("rule after the stop still ran")
	}
}

func TestPipelineStopOnRequest(t *testing.T) {
	// Stops without an issue: prerequisite data absent.
	first := &scriptedRule{result: &RuleResult{StopProcessing: true}}
	second := &scriptedRule{result: &RuleResult{}}

	pipeline := NewPipeline([]PipelineEntry{
		entry("CR001", first, StopOnRequest),
		entry("CR002", second, nil),
	})

	results, err := pipeline.Execute(context.Background(), &HoldingComparison{HoldingID: "12/345/6789"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if len(results) != 1 || results[0].Result.HasIssue {
		t.Errorf("results = %+v, want single no-issue stop", results)
	}

	if second.ran {
		t.Error("rule after the stop still ran")
	}

	// With no stop condition met the same rule does not halt anything.
	first.result = &RuleResult{}
	second.ran = false

	results, err = NewPipeline([]PipelineEntry{
		entry("CR001", first, StopOnRequest),
		entry("CR002", second, nil),
	}).Execute(context.Background(), &HoldingComparison{HoldingID: "12/345/6789"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if len(results) != 2 || !second.ran {
		t.Errorf("pipeline halted without a stop condition: %d results", len(results))
	}
}

func TestPipelineRuleErrorAborts(t *testing.T) {
	ruleErr := errors.New("query failed")
	first := &scriptedRule{err: ruleErr}
	second := &scriptedRule{result: &RuleResult{}}

	pipeline := NewPipeline([]PipelineEntry{
		entry("CR001", first, nil),
		entry("CR002", second, nil),
	})

	_, err := pipeline.Execute(context.Background(), &HoldingComparison{HoldingID: "12/345/6789"}, nil)
	if !errors.Is(err, ruleErr) {
		t.Fatalf("Execute() error = %v, want wrapped rule error", err)
	}

	if second.ran {
		t.Error("rule after the failure still ran")
	}
}

func TestPipelineNilResultIsAnError(t *testing.T) {
	pipeline := NewPipeline([]PipelineEntry{
		entry("CR001", &scriptedRule{}, nil),
	})

	_, err := pipeline.Execute(context.Background(), &HoldingComparison{HoldingID: "12/345/6789"}, nil)
	if !errors.Is(err, ErrNilResult) {
		t.Errorf("Execute() error = %v, want ErrNilResult", err)
	}
}

func TestPipelineNilInput(t *testing.T) {
	pipeline := NewPipeline(nil)

	if _, err := pipeline.Execute(context.Background(), nil, nil); !errors.Is(err, ErrNilInput) {
		t.Errorf("Execute(nil) error = %v, want ErrNilInput", err)
	}
}

func TestPipelineHonorsCancellation(t *testing.T) {
	first := &scriptedRule{result: &RuleResult{}}

	pipeline := NewPipeline([]PipelineEntry{entry("CR001", first, nil)})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := pipeline.Execute(ctx, &HoldingComparison{HoldingID: "12/345/6789"}, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("Execute() on cancelled context = %v, want context.Canceled", err)
	}

	if first.ran {
		t.Error("rule ran despite cancellation")
	}
}
