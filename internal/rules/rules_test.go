package rules

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/cleanse-io/cleanse/internal/engine"
)

var testSources = Sources{
	MovementCollection: "movement_holdings",
	RegisterCollection: "register_holdings",
}

// fakeQueryService serves canned rows per collection, filtered by the holding
// id embedded in the filter expression.
type fakeQueryService struct {
	rows map[string][]engine.Row
}

func (f *fakeQueryService) Execute(_ context.Context, params engine.QueryParams) (*engine.QueryResult, error) {
	var matched []engine.Row

	for _, row := range f.rows[params.Collection] {
		id, _ := row["holding_id"].(string)
		if params.Filter == "" || strings.Contains(params.Filter, "'"+id+"'") {
			matched = append(matched, row)
		}
	}

	if params.Top > 0 && len(matched) > params.Top {
		matched = matched[:params.Top]
	}

	return &engine.QueryResult{Rows: matched}, nil
}

func TestRegisterPresenceRule(t *testing.T) {
	tests := []struct {
		name          string
		movement      []engine.Row
		register      []engine.Row
		wantIssue     bool
		wantStop      bool
		wantMovement  bool
		wantRegisters int
	}{
		{
			name:          "present in both",
			movement:      []engine.Row{{"holding_id": "12/345/6789"}},
			register:      []engine.Row{{"holding_id": "12/345/6789"}},
			wantMovement:  true,
			wantRegisters: 1,
		},
		{
			// The movement row lands in the accumulator even though the
			// pipeline stops: the missing-from-movements rule reads it.
			name:         "movements only",
			movement:     []engine.Row{{"holding_id": "12/345/6789"}},
			wantIssue:    true,
			wantStop:     true,
			wantMovement: true,
		},
		{
			name:          "register only",
			register:      []engine.Row{{"holding_id": "12/345/6789"}},
			wantRegisters: 1,
		},
		{
			name:     "absent from both",
			wantStop: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queries := &fakeQueryService{rows: map[string][]engine.Row{
				"movement_holdings": tt.movement,
				"register_holdings": tt.register,
			}}
			run := engine.NewRunContext("op-1", queries)
			input := &engine.HoldingComparison{HoldingID: "12/345/6789"}

			result, err := NewRegisterPresenceRule(testSources).Evaluate(context.Background(), input, run)
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}

			if result.HasIssue != tt.wantIssue {
				t.Errorf("HasIssue = %v, want %v", result.HasIssue, tt.wantIssue)
			}

			if result.StopProcessing != tt.wantStop {
				t.Errorf("StopProcessing = %v, want %v", result.StopProcessing, tt.wantStop)
			}

			if (input.MovementRecord != nil) != tt.wantMovement {
				t.Errorf("MovementRecord populated = %v, want %v", input.MovementRecord != nil, tt.wantMovement)
			}

			if len(input.RegisterRecords) != tt.wantRegisters {
				t.Errorf("RegisterRecords = %d rows, want %d", len(input.RegisterRecords), tt.wantRegisters)
			}
		})
	}
}

func TestMovementPresenceRule(t *testing.T) {
	rule := NewMovementPresenceRule()

	result, err := rule.Evaluate(context.Background(), &engine.HoldingComparison{
		HoldingID:       "12/345/6789",
		MovementRecord:  nil,
		RegisterRecords: []engine.Row{{"holding_id": "12/345/6789"}},
	}, nil)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}

	if !result.HasIssue {
		t.Error("expected issue for holding absent from movements")
	}

	if result.IssueCode != "MissingFromMovements" {
		t.Errorf("IssueCode = %q, want MissingFromMovements", result.IssueCode)
	}

	result, err = rule.Evaluate(context.Background(), &engine.HoldingComparison{
		HoldingID:      "12/345/6789",
		MovementRecord: engine.Row{"holding_id": "12/345/6789"},
	}, nil)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}

	if result.HasIssue {
		t.Error("expected no issue when movement record present")
	}
}

func TestHoldingNumberFormatRule(t *testing.T) {
	tests := []struct {
		holdingID string
		wantIssue bool
	}{
		{"12/345/6789", false},
		{"01/001/0001", false},
		{"1/345/6789", true},
		{"12/34/6789", true},
		{"12/345/678", true},
		{"12-345-6789", true},
		{"12/345/67890", true},
		{"ab/cde/fghi", true},
		{"", true},
	}

	rule := NewHoldingNumberFormatRule()

	for _, tt := range tests {
		t.Run(tt.holdingID, func(t *testing.T) {
			result, err := rule.Evaluate(context.Background(), &engine.HoldingComparison{
				HoldingID: tt.holdingID,
			}, nil)
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}

			if result.HasIssue != tt.wantIssue {
				t.Errorf("HasIssue(%q) = %v, want %v", tt.holdingID, result.HasIssue, tt.wantIssue)
			}
		})
	}
}

func TestPostcodeMismatchRule(t *testing.T) {
	tests := []struct {
		name      string
		movement  string
		register  string
		wantIssue bool
	}{
		{"identical", "SW1A 1AA", "SW1A 1AA", false},
		{"formatting only", "sw1a1aa", "SW1A 1AA", false},
		{"different", "SW1A 1AA", "EC1A 1BB", true},
		{"one empty", "SW1A 1AA", "", true},
	}

	rule := NewPostcodeMismatchRule()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := rule.Evaluate(context.Background(), &engine.HoldingComparison{
				HoldingID:       "12/345/6789",
				MovementRecord:  engine.Row{"postcode": tt.movement},
				RegisterRecords: []engine.Row{{"postcode": tt.register}},
			}, nil)
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}

			if result.HasIssue != tt.wantIssue {
				t.Errorf("HasIssue = %v, want %v", result.HasIssue, tt.wantIssue)
			}
		})
	}
}

func TestPostcodeMismatchRuleSkipsWithoutBothRecords(t *testing.T) {
	rule := NewPostcodeMismatchRule()

	result, err := rule.Evaluate(context.Background(), &engine.HoldingComparison{
		HoldingID:       "12/345/6789",
		RegisterRecords: []engine.Row{{"postcode": "SW1A 1AA"}},
	}, nil)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}

	if result.HasIssue {
		t.Error("expected no issue when movement record is absent")
	}
}

func TestSpeciesMismatchRule(t *testing.T) {
	rule := NewSpeciesMismatchRule()

	result, err := rule.Evaluate(context.Background(), &engine.HoldingComparison{
		HoldingID:       "12/345/6789",
		MovementRecord:  engine.Row{"species": []any{"SHEEP", "CATTLE"}},
		RegisterRecords: []engine.Row{{"species": []any{"SHEEP", "GOATS"}}},
	}, nil)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}

	if !result.HasIssue {
		t.Fatal("expected issue for differing species lists")
	}

	var secondaries []string
	for _, finding := range result.Findings {
		secondaries = append(secondaries, finding.SecondaryID)
	}

	// Movement-only species first, register-only second, each sorted.
	want := []string{"CATTLE", "GOATS"}
	if !reflect.DeepEqual(secondaries, want) {
		t.Errorf("finding secondary ids = %v, want %v", secondaries, want)
	}
}

func TestSpeciesMismatchRuleEqualSets(t *testing.T) {
	rule := NewSpeciesMismatchRule()

	result, err := rule.Evaluate(context.Background(), &engine.HoldingComparison{
		HoldingID:       "12/345/6789",
		MovementRecord:  engine.Row{"species": "CATTLE, SHEEP"},
		RegisterRecords: []engine.Row{{"species": []any{"SHEEP", "CATTLE"}}},
	}, nil)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}

	if result.HasIssue {
		t.Errorf("expected no issue for equal species sets, got findings %v", result.Findings)
	}
}

func TestDuplicateRegisterEntryRule(t *testing.T) {
	rule := NewDuplicateRegisterEntryRule()

	result, err := rule.Evaluate(context.Background(), &engine.HoldingComparison{
		HoldingID: "12/345/6789",
		RegisterRecords: []engine.Row{
			{"holding_id": "12/345/6789", "entry_id": "reg-1"},
			{"holding_id": "12/345/6789", "entry_id": "reg-2"},
		},
	}, nil)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}

	if !result.HasIssue {
		t.Fatal("expected issue for duplicate register entries")
	}

	if result.ContextValues["register_entries"] != "2" {
		t.Errorf("register_entries = %q, want 2", result.ContextValues["register_entries"])
	}

	if !reflect.DeepEqual(result.ContextItems, []string{"reg-1", "reg-2"}) {
		t.Errorf("ContextItems = %v, want entry ids", result.ContextItems)
	}
}

func TestSelectEntries(t *testing.T) {
	entries, err := SelectEntries(testSources, nil)
	if err != nil {
		t.Fatalf("SelectEntries() error = %v", err)
	}

	if len(entries) != 6 {
		t.Fatalf("default set has %d entries, want 6", len(entries))
	}

	for i, entry := range entries {
		if entry.Descriptor.UserRuleNo != i+1 {
			t.Errorf("entry %d has UserRuleNo %d", i, entry.Descriptor.UserRuleNo)
		}
	}

	subset, err := SelectEntries(testSources, []string{RulePostcodeMismatch, RuleMissingFromRegister})
	if err != nil {
		t.Fatalf("SelectEntries(subset) error = %v", err)
	}

	if len(subset) != 2 || subset[0].Descriptor.RuleID != RulePostcodeMismatch {
		t.Errorf("subset selection did not preserve configured order: %+v", subset)
	}

	if _, err := SelectEntries(testSources, []string{"CR999"}); !errors.Is(err, ErrUnknownRule) {
		t.Errorf("expected ErrUnknownRule for CR999, got %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
		if err != nil {
			t.Fatalf("LoadConfig() error = %v", err)
		}

		if len(cfg.Rules) != 0 {
			t.Errorf("expected empty rule list, got %v", cfg.Rules)
		}
	})

	t.Run("valid file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ".cleanse.yaml")
		content := "rules:\n  - CR003\n  - CR001\n"

		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}

		cfg, err := LoadConfig(path)
		if err != nil {
			t.Fatalf("LoadConfig() error = %v", err)
		}

		if !reflect.DeepEqual(cfg.Rules, []string{"CR003", "CR001"}) {
			t.Errorf("Rules = %v, want [CR003 CR001]", cfg.Rules)
		}
	})

	t.Run("invalid yaml degrades to defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ".cleanse.yaml")

		if err := os.WriteFile(path, []byte("rules: [unclosed"), 0o600); err != nil {
			t.Fatal(err)
		}

		cfg, err := LoadConfig(path)
		if err != nil {
			t.Fatalf("LoadConfig() error = %v", err)
		}

		entries, err := cfg.Entries(testSources)
		if err != nil {
			t.Fatalf("Entries() error = %v", err)
		}

		if len(entries) != 6 {
			t.Errorf("degraded config yields %d entries, want default 6", len(entries))
		}
	})
}
