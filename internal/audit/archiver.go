package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/marketlens/backend/internal/metrics"
	"github.com/marketlens/backend/internal/repository"
)

const archiveBatchSize = 1000

// ArchiverConfig configures event retention and the S3/MinIO target
// archived batches are written to.
type ArchiverConfig struct {
	Retention time.Duration
	Interval  time.Duration

	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
}

// Archiver moves security events past the retention cutoff out of the
// database into object storage. Events are only deleted after the
// archive object for their batch has been written.
type Archiver struct {
	events repository.EventRepository
	client *s3.Client
	cfg    ArchiverConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewArchiver creates an archiver. The custom endpoint keeps it usable
// against MinIO in development.
func NewArchiver(events repository.EventRepository, cfg ArchiverConfig, logger *slog.Logger) *Archiver {
	if cfg.Retention <= 0 {
		cfg.Retention = 90 * 24 * time.Hour
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}

	opts := s3.Options{
		Region: cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		),
	}
	if cfg.Endpoint != "" {
		endpointURL := cfg.Endpoint
		if !strings.HasPrefix(endpointURL, "http://") && !strings.HasPrefix(endpointURL, "https://") {
			protocol := "http"
			if cfg.UseSSL {
				protocol = "https"
			}
			endpointURL = protocol + "://" + endpointURL
		}
		opts.BaseEndpoint = aws.String(endpointURL)
		opts.UsePathStyle = true
	}

	return &Archiver{
		events: events,
		client: s3.New(opts),
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Run archives on a fixed interval until the context is cancelled.
func (a *Archiver) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := a.ArchiveOnce(ctx); err != nil {
				a.logger.Error("security event archival failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// ArchiveOnce drains every batch of events past the retention cutoff.
func (a *Archiver) ArchiveOnce(ctx context.Context) error {
	cutoff := a.now().Add(-a.cfg.Retention)

	for {
		events, err := a.events.SelectOlderThan(ctx, cutoff, archiveBatchSize)
		if err != nil {
			return fmt.Errorf("select archivable events: %w", err)
		}
		if len(events) == 0 {
			return nil
		}

		if err := a.putBatch(ctx, events); err != nil {
			return err
		}

		maxID := events[len(events)-1].ID
		deleted, err := a.events.DeleteUpTo(ctx, maxID, cutoff)
		if err != nil {
			return fmt.Errorf("delete archived events: %w", err)
		}

		metrics.AuditEventsArchived.Add(float64(len(events)))
		a.logger.Info("security events archived",
			"count", len(events),
			"deleted", deleted,
			"max_id", maxID,
		)

		if len(events) < archiveBatchSize {
			return nil
		}
	}
}

// putBatch writes one batch as newline-delimited JSON, keyed by the
// batch's id range so re-runs overwrite rather than duplicate.
func (a *Archiver) putBatch(ctx context.Context, events []repository.SecurityEvent) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range events {
		if err := enc.Encode(&events[i]); err != nil {
			return fmt.Errorf("encode event %d: %w", events[i].ID, err)
		}
	}

	key := fmt.Sprintf("security-events/%s/%d-%d.ndjson",
		events[0].OccurredAt.UTC().Format("2006/01/02"),
		events[0].ID,
		events[len(events)-1].ID,
	)

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("put archive object %s: %w", key, err)
	}
	return nil
}
