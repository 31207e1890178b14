// Package notify dispatches run-completion notifications so downstream
// consumers (mail relay, dashboards) learn about finished analyses without
// polling the operations API.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/cleanse-io/cleanse/internal/config"
	"github.com/cleanse-io/cleanse/internal/engine"
	"github.com/cleanse-io/cleanse/internal/operations"
)

// CompletionEvent is the wire payload published for every completed run.
type CompletionEvent struct {
	OperationID     string     `json:"operationId"`
	Status          string     `json:"status"`
	RecordsAnalyzed int64      `json:"recordsAnalyzed"`
	IssuesFound     int64      `json:"issuesFound"`
	IssuesResolved  int64      `json:"issuesResolved"`
	ReportURL       string     `json:"reportUrl,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
}

// MessageWriter is the slice of kafka.Writer the dispatcher needs. Tests
// inject a fake.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaDispatcher publishes completion events to a Kafka topic, keyed by
// operation id so per-operation ordering holds under partitioning.
type KafkaDispatcher struct {
	writer MessageWriter
	logger *slog.Logger
}

// Compile-time interface check.
var _ engine.Notifier = (*KafkaDispatcher)(nil)

const (
	defaultBrokers = "localhost:9092"
	defaultTopic   = "cleanse.run.completed"
)

// NewKafkaDispatcher creates a dispatcher writing to the brokers and topic
// named by CLEANSE_KAFKA_BROKERS and CLEANSE_KAFKA_TOPIC.
func NewKafkaDispatcher() *KafkaDispatcher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.GetEnvStr("CLEANSE_KAFKA_BROKERS", defaultBrokers)),
		Topic:        config.GetEnvStr("CLEANSE_KAFKA_TOPIC", defaultTopic),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}

	return NewKafkaDispatcherWithWriter(writer)
}

// NewKafkaDispatcherWithWriter creates a dispatcher over an injected writer.
func NewKafkaDispatcherWithWriter(writer MessageWriter) *KafkaDispatcher {
	return &KafkaDispatcher{
		writer: writer,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// RunCompleted implements engine.Notifier.
func (d *KafkaDispatcher) RunCompleted(ctx context.Context, op *operations.Operation) error {
	if op == nil {
		return operations.ErrOperationNil
	}

	event := CompletionEvent{
		OperationID:     op.ID,
		Status:          string(op.Status),
		RecordsAnalyzed: op.RecordsAnalyzed,
		IssuesFound:     op.IssuesFound,
		IssuesResolved:  op.IssuesResolved,
		ReportURL:       op.ReportURL,
		CompletedAt:     op.CompletedAt,
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal completion event: %w", err)
	}

	err = d.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(op.ID),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("failed to publish completion event for %s: %w", op.ID, err)
	}

	d.logger.Info("completion event published",
		slog.String("operation_id", op.ID),
		slog.String("status", string(op.Status)),
	)

	return nil
}

// Close closes the underlying writer when it supports closing.
func (d *KafkaDispatcher) Close() error {
	if closer, ok := d.writer.(interface{ Close() error }); ok {
		return closer.Close()
	}

	return nil
}
