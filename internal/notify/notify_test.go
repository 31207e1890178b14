package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/cleanse-io/cleanse/internal/operations"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}

	f.messages = append(f.messages, msgs...)

	return nil
}

func TestKafkaDispatcherRunCompleted(t *testing.T) {
	writer := &fakeWriter{}
	dispatcher := NewKafkaDispatcherWithWriter(writer)

	completedAt := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	op := &operations.Operation{
		ID:              "op-1",
		Status:          operations.StatusCompleted,
		RecordsAnalyzed: 500,
		IssuesFound:     12,
		IssuesResolved:  3,
		ReportURL:       "https://storage.example.com/report.csv",
		CompletedAt:     &completedAt,
	}

	if err := dispatcher.RunCompleted(context.Background(), op); err != nil {
		t.Fatalf("RunCompleted() error = %v", err)
	}

	if len(writer.messages) != 1 {
		t.Fatalf("published %d messages, want 1", len(writer.messages))
	}

	msg := writer.messages[0]
	if string(msg.Key) != "op-1" {
		t.Errorf("message key = %q, want operation id", msg.Key)
	}

	var event CompletionEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}

	if event.Status != "Completed" || event.IssuesFound != 12 {
		t.Errorf("event = %+v", event)
	}

	if event.CompletedAt == nil || !event.CompletedAt.Equal(completedAt) {
		t.Errorf("CompletedAt = %v, want %v", event.CompletedAt, completedAt)
	}
}

func TestKafkaDispatcherNilOperation(t *testing.T) {
	dispatcher := NewKafkaDispatcherWithWriter(&fakeWriter{})

	if err := dispatcher.RunCompleted(context.Background(), nil); !errors.Is(err, operations.ErrOperationNil) {
		t.Errorf("RunCompleted(nil) error = %v, want ErrOperationNil", err)
	}
}

func TestKafkaDispatcherWriteFailure(t *testing.T) {
	brokerErr := errors.New("broker unreachable")
	dispatcher := NewKafkaDispatcherWithWriter(&fakeWriter{err: brokerErr})

	err := dispatcher.RunCompleted(context.Background(), &operations.Operation{
		ID:     "op-1",
		Status: operations.StatusCompleted,
	})
	if !errors.Is(err, brokerErr) {
		t.Errorf("RunCompleted() error = %v, want wrapped broker error", err)
	}
}
