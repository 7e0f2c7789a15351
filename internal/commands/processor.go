package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/pillpal/medledger/internal/domain/ledger"
	"github.com/pillpal/medledger/internal/infrastructure/redpanda"
	"github.com/pillpal/medledger/internal/usecase"
	"github.com/pillpal/medledger/pkg/workerpool"
)

// DeadLetter receives commands that cannot be applied
type DeadLetter interface {
	Produce(ctx context.Context, topic, key string, value []byte) error
}

// deadLetterEntry is the JSON written to the dead-letter topic
type deadLetterEntry struct {
	Error     string          `json:"error"`
	Retryable bool            `json:"retryable"`
	Topic     string          `json:"topic"`
	Partition int32           `json:"partition"`
	Offset    int64           `json:"offset"`
	Command   json.RawMessage `json:"command"`
}

// Processor applies consumed commands through a worker pool. Save failures
// are retried by the pool; commands that still fail go to the dead-letter
// topic so the consumer can commit past them.
type Processor struct {
	exec       Executor
	pool       *workerpool.Pool
	deadLetter DeadLetter
	logger     *zap.Logger
}

// NewProcessor creates a processor. cfg.ShouldRetry is replaced with
// ledger.IsRetryable.
func NewProcessor(exec Executor, cfg workerpool.Config, deadLetter DeadLetter, logger *zap.Logger) (*Processor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Processor{exec: exec, deadLetter: deadLetter, logger: logger}

	cfg.ShouldRetry = ledger.IsRetryable
	pool, err := workerpool.New(cfg, p.work, logger)
	if err != nil {
		return nil, err
	}
	p.pool = pool
	return p, nil
}

// Start launches the pool workers
func (p *Processor) Start() { p.pool.Start() }

// Stop drains the pool
func (p *Processor) Stop() error { return p.pool.Stop() }

// Ready fails while the pool is stopped or its queue is close to full
func (p *Processor) Ready(context.Context) error {
	if !p.pool.IsHealthy() {
		stats := p.pool.Stats()
		return fmt.Errorf("worker pool unavailable: %d of %d queued", stats.QueueDepth, stats.QueueCapacity)
	}
	return nil
}

func (p *Processor) work(ctx context.Context, task *workerpool.Task) (any, error) {
	cmd, ok := task.Payload.(Command)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected payload %T", ledger.ErrInvalidInput, task.Payload)
	}
	return cmd.Execute(ctx, p.exec)
}

// Handle implements redpanda.MessageHandler. It returns an error only when
// the message should be redelivered: shutdown, a full queue or an
// unreachable dead-letter topic.
func (p *Processor) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	cmd, err := Decode(msg.Value)
	if err != nil {
		return p.reject(ctx, msg, err)
	}

	result, err := p.pool.SubmitWait(ctx, &workerpool.Task{
		ID:      cmd.OperationID.String(),
		Payload: cmd,
		Context: ctx,
	})
	if err != nil {
		return fmt.Errorf("submit command: %w", err)
	}
	if result.Err != nil {
		if errors.Is(result.Err, context.Canceled) || errors.Is(result.Err, context.DeadlineExceeded) {
			return result.Err
		}
		return p.reject(ctx, msg, result.Err)
	}

	res, _ := result.Data.(usecase.Result)
	p.logger.Info("command applied",
		zap.String("command", string(cmd.Kind)),
		zap.String("operation_id", res.OperationID.String()),
		zap.String("event_id", res.EventID.String()),
		zap.Bool("was_duplicate", res.WasDuplicate),
		zap.Int("attempts", result.Attempts))
	return nil
}

func (p *Processor) reject(ctx context.Context, msg *redpanda.ConsumedMessage, cause error) error {
	p.logger.Warn("command rejected",
		zap.String("topic", msg.Topic),
		zap.Int64("offset", msg.Offset),
		zap.Bool("retryable", ledger.IsRetryable(cause)),
		zap.Error(cause))

	if p.deadLetter == nil {
		return nil
	}

	command := json.RawMessage(msg.Value)
	if !json.Valid(command) {
		quoted, _ := json.Marshal(string(msg.Value))
		command = quoted
	}
	entry, err := json.Marshal(deadLetterEntry{
		Error:     cause.Error(),
		Retryable: ledger.IsRetryable(cause),
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Command:   command,
	})
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if err := p.deadLetter.Produce(ctx, redpanda.TopicDeadLetter, string(msg.Key), entry); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return nil
}
