// Package ledgersync forwards unsynced ledger events to an external sink.
//
// The relay polls the store, publishes each batch through a circuit breaker
// and marks the batch synced only after the sink accepted it. Delivery is
// at least once: a batch published but not marked is published again.
package ledgersync

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pillpal/medledger/internal/domain/ledger"
	"github.com/pillpal/medledger/internal/observability/metrics"
	"github.com/pillpal/medledger/pkg/circuitbreaker"
)

// Source is the part of the event store the relay reads and updates
type Source interface {
	FetchUnsyncedEvents(ctx context.Context, limit int) ([]ledger.DomainEvent, error)
	ledger.SyncMarker
}

// Publisher delivers a batch of events to the sync target. A nil error means
// every event in the batch was accepted.
type Publisher interface {
	Publish(ctx context.Context, events []ledger.DomainEvent) error
}

// Locker is implemented by sources that elect a single active relay.
// TryLock reports false when another relay holds the lock.
type Locker interface {
	TryLock(ctx context.Context) (unlock func(), acquired bool, err error)
}

// Config holds relay configuration
type Config struct {
	// BatchSize is the number of events published per batch
	BatchSize int
	// PollInterval is how often to poll for unsynced events
	PollInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		BatchSize:    100,
		PollInterval: time.Second,
	}
}

// Relay moves unsynced events to a Publisher
type Relay struct {
	source    Source
	publisher Publisher
	breaker   *circuitbreaker.CircuitBreaker
	config    Config
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started atomic.Bool
}

// New creates a relay. breaker and m may be nil.
func New(source Source, publisher Publisher, cfg Config, breaker *circuitbreaker.CircuitBreaker, m *metrics.Metrics, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		source:    source,
		publisher: publisher,
		breaker:   breaker,
		config:    cfg,
		metrics:   m,
		logger:    logger,
		tracer:    otel.Tracer("ledgersync"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Start begins polling in the background
func (r *Relay) Start() {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	go r.processLoop()
	r.logger.Info("sync relay started",
		zap.Int("batch_size", r.config.BatchSize),
		zap.Duration("poll_interval", r.config.PollInterval))
}

// Stop waits for the batch in flight and stops polling
func (r *Relay) Stop() {
	r.cancel()
	if r.started.Load() {
		<-r.done
	}
	r.logger.Info("sync relay stopped")
}

func (r *Relay) processLoop() {
	defer close(r.done)

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Drain(r.ctx); err != nil && r.ctx.Err() == nil {
				r.logger.Warn("sync pass failed", zap.Error(err))
			}
		}
	}
}

// Drain publishes batches until the backlog is empty or a batch fails.
// It returns the number of events synced.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := r.RunOnce(ctx)
		total += n
		if err != nil {
			return total, err
		}
		if n < r.config.BatchSize || ctx.Err() != nil {
			return total, nil
		}
	}
}

// RunOnce publishes at most one batch and returns the number of events synced
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "ledgersync.batch")
	defer span.End()

	if locker, ok := r.source.(Locker); ok {
		unlock, acquired, err := locker.TryLock(ctx)
		if err != nil {
			span.RecordError(err)
			return 0, fmt.Errorf("acquire relay lock: %w", err)
		}
		if !acquired {
			// another relay is active
			return 0, nil
		}
		defer unlock()
	}

	events, err := r.source.FetchUnsyncedEvents(ctx, r.config.BatchSize)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("fetch unsynced events: %w", err)
	}
	r.updateBacklog(ctx, len(events))
	if len(events) == 0 {
		return 0, nil
	}
	span.SetAttributes(attribute.Int("batch_size", len(events)))

	if err := r.publish(ctx, events); err != nil {
		r.metrics.SyncBatch(0, err)
		span.RecordError(err)
		return 0, fmt.Errorf("publish batch: %w", err)
	}

	ids := make([]uuid.UUID, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	if err := r.source.MarkSynced(ctx, ids...); err != nil {
		r.metrics.SyncBatch(0, err)
		span.RecordError(err)
		return 0, fmt.Errorf("mark synced: %w", err)
	}

	r.metrics.SyncBatch(len(events), nil)
	r.updateBacklog(ctx, -1)
	r.logger.Debug("events synced",
		zap.Int("count", len(events)),
		zap.String("first_operation_id", events[0].OperationID.String()))
	return len(events), nil
}

func (r *Relay) publish(ctx context.Context, events []ledger.DomainEvent) error {
	if r.breaker == nil {
		return r.publisher.Publish(ctx, events)
	}
	return r.breaker.Execute(ctx, func(ctx context.Context) error {
		return r.publisher.Publish(ctx, events)
	})
}

// updateBacklog prefers an exact count from the store. Without one it falls
// back to the fetched batch size; fetched < 0 skips the fallback.
func (r *Relay) updateBacklog(ctx context.Context, fetched int) {
	if counter, ok := r.source.(ledger.BacklogCounter); ok {
		n, err := counter.CountUnsynced(ctx)
		if err != nil {
			r.logger.Debug("count unsynced failed", zap.Error(err))
			return
		}
		r.metrics.Backlog(n)
		return
	}
	if fetched >= 0 {
		r.metrics.Backlog(fetched)
	}
}
