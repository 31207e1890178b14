package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/cleanse-io/cleanse/internal/config"
)

// PipelineEntry pairs one descriptor with its executable rule. The pipeline
// owns ordering explicitly; there is no registration magic.
type PipelineEntry struct {
	Descriptor RuleDescriptor
	Rule       Rule
}

// Pipeline sequences comparison rules over one holding with short-circuiting.
type Pipeline struct {
	entries []PipelineEntry
	logger  *slog.Logger
}

// PipelineOption configures optional Pipeline behavior.
type PipelineOption func(*Pipeline)

// WithPipelineLogger sets the structured logger.
func WithPipelineLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// NewPipeline creates a pipeline over the given ordered entries.
func NewPipeline(entries []PipelineEntry, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		entries: entries,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Entries returns the ordered entries the pipeline evaluates.
func (p *Pipeline) Entries() []PipelineEntry {
	return p.entries
}

// Execute evaluates the rules in list order against one input accumulator.
//
// The same accumulator instance is passed to every rule, so a rule may read
// fields an earlier rule in this execution attached. After each result the
// rule's StopProcessing flag and the descriptor's stop predicate are
// consulted; when either is true the pipeline halts and no further rules run
// for this input. The returned slice holds the results actually produced, in
// order.
//
// An error from any rule aborts the whole execution and propagates; there is
// no partial-credit result.
func (p *Pipeline) Execute(
	ctx context.Context,
	input *HoldingComparison,
	run *RunContext,
) ([]PipelineRuleResult, error) {
	if input == nil {
		return nil, ErrNilInput
	}

	results := make([]PipelineRuleResult, 0, len(p.entries))

	for _, entry := range p.entries {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("pipeline cancelled at rule %s: %w", entry.Descriptor.RuleID, err)
		}

		result, err := entry.Rule.Evaluate(ctx, input, run)
		if err != nil {
			return nil, fmt.Errorf("rule %s failed for holding %s: %w",
				entry.Descriptor.RuleID, input.HoldingID, err)
		}

		if result == nil {
			return nil, fmt.Errorf("rule %s: %w", entry.Descriptor.RuleID, ErrNilResult)
		}

		results = append(results, PipelineRuleResult{
			Descriptor: entry.Descriptor,
			Result:     *result,
		})

		if result.StopProcessing || (entry.Descriptor.StopWhen != nil && entry.Descriptor.StopWhen(result)) {
			p.logger.Debug("pipeline short-circuit",
				slog.String("rule_id", entry.Descriptor.RuleID),
				slog.String("holding_id", input.HoldingID),
				slog.Bool("has_issue", result.HasIssue),
			)

			break
		}
	}

	return results, nil
}
