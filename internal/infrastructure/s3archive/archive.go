// Package s3archive publishes ledger event batches as JSON objects to an
// S3-compatible bucket (AWS S3 or MinIO).
package s3archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pillpal/medledger/internal/domain/ledger"
)

// Config holds the bucket and client settings
type Config struct {
	Bucket    string
	Region    string
	Endpoint  string // optional; set for MinIO and other S3-compatible servers
	PathStyle bool
	// Prefix is prepended to every object key
	Prefix string
}

// Batch is the JSON document written per published batch
type Batch struct {
	Count  int                  `json:"count"`
	Events []ledger.DomainEvent `json:"events"`
}

// Archive writes event batches to S3
type Archive struct {
	client *s3.Client
	bucket string
	prefix string
	logger *zap.Logger
	tracer trace.Tracer
}

// New creates an archive using the default AWS credential chain
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Archive, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithClient(client, cfg, logger), nil
}

// NewWithClient creates an archive over an existing client
func NewWithClient(client *s3.Client, cfg Config, logger *zap.Logger) *Archive {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Archive{
		client: client,
		bucket: cfg.Bucket,
		prefix: prefix,
		logger: logger,
		tracer: otel.Tracer("s3archive"),
	}
}

// Key names the object of a batch after the day and ID of its first event.
// Republishing a batch that starts with the same event overwrites it.
func (a *Archive) Key(events []ledger.DomainEvent) string {
	first := events[0]
	return fmt.Sprintf("%sevents/%s/%s.json", a.prefix, first.Timestamp.UTC().Format("2006/01/02"), first.ID)
}

// Publish writes events as one object. It implements ledgersync.Publisher.
func (a *Archive) Publish(ctx context.Context, events []ledger.DomainEvent) error {
	if len(events) == 0 {
		return nil
	}
	key := a.Key(events)
	ctx, span := a.tracer.Start(ctx, "s3archive.publish",
		trace.WithAttributes(
			attribute.String("bucket", a.bucket),
			attribute.String("key", key),
			attribute.Int("batch_size", len(events)),
		))
	defer span.End()

	body, err := json.Marshal(Batch{Count: len(events), Events: events})
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("put %s: %w", key, err)
	}

	a.logger.Debug("batch archived",
		zap.String("bucket", a.bucket),
		zap.String("key", key),
		zap.Int("count", len(events)))
	return nil
}
