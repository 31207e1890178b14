package reports

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cleanse-io/cleanse/internal/config"
	"github.com/cleanse-io/cleanse/internal/engine"
	"github.com/cleanse-io/cleanse/internal/issues"
)

const reportContentType = "text/csv"

// IssueSource supplies the active issues to export. The issue service
// satisfies this.
type IssueSource interface {
	ListForExport(ctx context.Context) ([]issues.Issue, error)
}

// BlobStore stores report objects and issues presigned download URLs for
// them. The GCS adapter satisfies this; tests use an in-memory fake.
type BlobStore interface {
	Upload(ctx context.Context, objectKey, contentType string, data []byte) error
	SignedURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
}

// Publisher exports the issue set after a completed run: render CSV, upload,
// sign a download URL.
type Publisher struct {
	source    IssueSource
	exporter  *Exporter
	blobs     BlobStore
	urlExpiry time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// Compile-time interface check.
var _ engine.ReportPublisher = (*Publisher)(nil)

// PublisherOption configures optional Publisher behavior.
type PublisherOption func(*Publisher)

// WithURLExpiry sets the presigned URL lifetime.
func WithURLExpiry(expiry time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.urlExpiry = expiry
	}
}

// WithPublisherClock sets the time source used for object naming.
func WithPublisherClock(now func() time.Time) PublisherOption {
	return func(p *Publisher) {
		p.now = now
	}
}

// WithPublisherLogger sets the structured logger.
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

const defaultURLExpiry = 24 * time.Hour

// NewPublisher creates a report publisher.
func NewPublisher(source IssueSource, exporter *Exporter, blobs BlobStore, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		source:    source,
		exporter:  exporter,
		blobs:     blobs,
		urlExpiry: defaultURLExpiry,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		now: func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Publish implements engine.ReportPublisher.
func (p *Publisher) Publish(ctx context.Context, operationID string) (string, string, error) {
	list, err := p.source.ListForExport(ctx)
	if err != nil {
		return "", "", fmt.Errorf("failed to load issues for report: %w", err)
	}

	data, err := p.exporter.Render(list)
	if err != nil {
		return "", "", err
	}

	objectKey := fmt.Sprintf("reports/%s/cleanse-issues-%s.csv",
		p.now().Format("2006-01-02"), operationID)

	if err := p.blobs.Upload(ctx, objectKey, reportContentType, data); err != nil {
		return "", "", fmt.Errorf("failed to upload report %s: %w", objectKey, err)
	}

	url, err := p.blobs.SignedURL(ctx, objectKey, p.urlExpiry)
	if err != nil {
		return "", "", fmt.Errorf("failed to sign report URL for %s: %w", objectKey, err)
	}

	p.logger.Info("report published",
		slog.String("operation_id", operationID),
		slog.String("object_key", objectKey),
		slog.Int("issue_count", len(list)),
	)

	return objectKey, url, nil
}
