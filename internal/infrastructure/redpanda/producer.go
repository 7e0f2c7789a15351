// Package redpanda streams ledger events and commands over Kafka-compatible
// brokers with franz-go.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pillpal/medledger/internal/domain/ledger"
)

// Record headers set on every ledger event
const (
	HeaderEventType   = "event_type"
	HeaderOperationID = "operation_id"
)

// ProducerConfig holds configuration for the Redpanda producer
type ProducerConfig struct {
	// Brokers is a list of broker addresses
	Brokers []string
	// Topic receives ledger events
	Topic string
	// BatchMaxBytes is the maximum batch size
	BatchMaxBytes int32
	// LingerMS is the time to wait before sending a batch
	LingerMS int64
	// Compression is the compression codec to use
	Compression string
	// RequiredAcks sets the required acks level (-1 for all, 1 for leader)
	RequiredAcks int16
	// MaxRetries is the maximum number of retries for failed sends
	MaxRetries int
	// RetryBackoffMS is the backoff time between retries
	RetryBackoffMS int64
}

// DefaultProducerConfig returns durable defaults: the relay only marks events
// synced once every replica has them
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:        []string{"localhost:9092"},
		Topic:          TopicMedicationEvents,
		BatchMaxBytes:  1024 * 1024,
		LingerMS:       10,
		Compression:    "lz4",
		RequiredAcks:   -1,
		MaxRetries:     3,
		RetryBackoffMS: 100,
	}
}

// Producer publishes ledger events to Redpanda
type Producer struct {
	client *kgo.Client
	config ProducerConfig
	logger *zap.Logger
	tracer trace.Tracer

	mu           sync.RWMutex
	messagesSent int64
	bytesSent    int64
	errorCount   int64
}

// NewProducer creates a new Redpanda producer
func NewProducer(cfg ProducerConfig, logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Topic == "" {
		cfg.Topic = TopicMedicationEvents
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerBatchMaxBytes(cfg.BatchMaxBytes),
		kgo.ProducerLinger(time.Duration(cfg.LingerMS) * time.Millisecond),
		kgo.RecordRetries(cfg.MaxRetries),
		kgo.RetryBackoffFn(func(attempt int) time.Duration {
			return time.Duration(cfg.RetryBackoffMS) * time.Millisecond * time.Duration(attempt+1)
		}),
	}

	switch cfg.RequiredAcks {
	case -1:
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	case 1:
		// idempotent writes need all ISR acks
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	}

	switch cfg.Compression {
	case "lz4":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.Lz4Compression()))
	case "snappy":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.SnappyCompression()))
	case "gzip":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.GzipCompression()))
	case "zstd":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.ZstdCompression()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Producer{
		client: client,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("redpanda-producer"),
	}, nil
}

// EventRecord encodes a ledger event as a record keyed by medicine ID
func EventRecord(topic string, e ledger.DomainEvent) (*kgo.Record, error) {
	value, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", e.OperationID, err)
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(e.MedicineID.String()),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: HeaderEventType, Value: []byte(e.Type)},
			{Key: HeaderOperationID, Value: []byte(e.OperationID.String())},
		},
	}, nil
}

// DecodeEvent is the inverse of EventRecord
func DecodeEvent(r *kgo.Record) (ledger.DomainEvent, error) {
	var e ledger.DomainEvent
	if err := json.Unmarshal(r.Value, &e); err != nil {
		return e, fmt.Errorf("decode event at %s/%d@%d: %w", r.Topic, r.Partition, r.Offset, err)
	}
	return e, nil
}

// Publish produces events in order and waits for every acknowledgement.
// It implements ledgersync.Publisher.
func (p *Producer) Publish(ctx context.Context, events []ledger.DomainEvent) error {
	ctx, span := p.tracer.Start(ctx, "publish_events",
		trace.WithAttributes(
			attribute.String("topic", p.config.Topic),
			attribute.Int("batch_size", len(events)),
		))
	defer span.End()

	records := make([]*kgo.Record, 0, len(events))
	for _, e := range events {
		r, err := EventRecord(p.config.Topic, e)
		if err != nil {
			span.RecordError(err)
			return err
		}
		injectTraceHeaders(ctx, r)
		records = append(records, r)
	}

	if err := p.produce(ctx, records); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// Produce sends a single message and waits for its acknowledgement
func (p *Producer) Produce(ctx context.Context, topic, key string, value []byte) error {
	ctx, span := p.tracer.Start(ctx, "produce_message",
		trace.WithAttributes(
			attribute.String("topic", topic),
			attribute.String("key", key),
			attribute.Int("value_size", len(value)),
		))
	defer span.End()

	r := &kgo.Record{Topic: topic, Key: []byte(key), Value: value}
	injectTraceHeaders(ctx, r)
	if err := p.produce(ctx, []*kgo.Record{r}); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func (p *Producer) produce(ctx context.Context, records []*kgo.Record) error {
	var (
		wg       sync.WaitGroup
		errsMu   sync.Mutex
		firstErr error
		failed   int
	)

	for _, r := range records {
		wg.Add(1)
		p.client.Produce(ctx, r, func(r *kgo.Record, err error) {
			defer wg.Done()
			if err != nil {
				errsMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				failed++
				errsMu.Unlock()
				p.incrementErrorCount()
				p.logger.Error("failed to produce message",
					zap.String("topic", r.Topic),
					zap.ByteString("key", r.Key),
					zap.Error(err))
				return
			}
			p.incrementMetrics(len(r.Value))
			p.logger.Debug("message produced",
				zap.String("topic", r.Topic),
				zap.Int32("partition", r.Partition),
				zap.Int64("offset", r.Offset))
		})
	}
	wg.Wait()

	if firstErr != nil {
		return fmt.Errorf("produce failed for %d of %d records, first: %w", failed, len(records), firstErr)
	}
	return nil
}

// Close flushes and closes the producer
func (p *Producer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("error flushing on close", zap.Error(err))
	}

	p.client.Close()
	return nil
}

// Stats returns current producer statistics
func (p *Producer) Stats() ProducerStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return ProducerStats{
		MessagesSent: p.messagesSent,
		BytesSent:    p.bytesSent,
		ErrorCount:   p.errorCount,
	}
}

// ProducerStats holds producer statistics
type ProducerStats struct {
	MessagesSent int64
	BytesSent    int64
	ErrorCount   int64
}

func (p *Producer) incrementMetrics(bytes int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messagesSent++
	p.bytesSent += int64(bytes)
}

func (p *Producer) incrementErrorCount() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errorCount++
}
