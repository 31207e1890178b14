package operations

import (
	"errors"
	"testing"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		wantErr error
	}{
		{"not started to running", StatusNotStarted, StatusRunning, nil},
		{"running self loop", StatusRunning, StatusRunning, nil},
		{"running to completed", StatusRunning, StatusCompleted, nil},
		{"running to failed", StatusRunning, StatusFailed, nil},
		{"running to cancelled", StatusRunning, StatusCancelled, nil},
		{"not started to completed", StatusNotStarted, StatusCompleted, ErrInvalidTransition},
		{"not started to failed", StatusNotStarted, StatusFailed, ErrInvalidTransition},
		{"completed is terminal", StatusCompleted, StatusRunning, ErrTerminalStateImmutable},
		{"failed is terminal", StatusFailed, StatusCompleted, ErrTerminalStateImmutable},
		{"cancelled is terminal", StatusCancelled, StatusRunning, ErrTerminalStateImmutable},
		{"unknown from", Status("Paused"), StatusRunning, ErrUnknownStatus},
		{"unknown to", StatusRunning, Status("Paused"), ErrUnknownStatus},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)

			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("ValidateTransition(%s, %s) = %v, want nil", tt.from, tt.to, err)
				}

				return
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateTransition(%s, %s) = %v, want %v", tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestStatusIsTerminal(t *testing.T) {
	for status, terminal := range map[Status]bool{
		StatusNotStarted: false,
		StatusRunning:    false,
		StatusCompleted:  true,
		StatusFailed:     true,
		StatusCancelled:  true,
	} {
		if status.IsTerminal() != terminal {
			t.Errorf("%s.IsTerminal() = %v, want %v", status, !terminal, terminal)
		}
	}
}
