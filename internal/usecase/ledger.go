// Package usecase implements the ledger commands: recording intakes, purchases,
// prescription requests and receipts, stock adjustments, and undo.
//
// Every command is idempotent on its caller-supplied operation ID. A command
// that was already applied, whether found up front or lost in a race at
// append time, reports success with WasDuplicate set.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pillpal/medledger/internal/domain/ledger"
	"github.com/pillpal/medledger/internal/observability/metrics"
)

// Result is the outcome of a ledger command
type Result struct {
	EventID      uuid.UUID          `json:"event_id"`
	OperationID  ledger.OperationID `json:"operation_id"`
	WasDuplicate bool               `json:"was_duplicate"`
}

// RecordInput is the input of the record-family commands
type RecordInput struct {
	OperationID ledger.OperationID
	MedicineID  ledger.MedicineID
	TherapyID   *ledger.TherapyID
	PackageID   *ledger.PackageID
}

// AdjustInput corrects the units on hand by a signed, non-zero Quantity
type AdjustInput struct {
	OperationID ledger.OperationID
	MedicineID  ledger.MedicineID
	PackageID   *ledger.PackageID
	Quantity    int
}

// UndoInput reverses the operation OriginalOperationID
type UndoInput struct {
	OriginalOperationID ledger.OperationID
	UndoOperationID     ledger.OperationID
}

// Ledger runs commands against an event store
type Ledger struct {
	store   ledger.EventStore
	clock   ledger.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// New creates a Ledger. A nil clock uses the system clock; nil logger and metrics disable them.
func New(store ledger.EventStore, clock ledger.Clock, logger *zap.Logger, m *metrics.Metrics) *Ledger {
	if clock == nil {
		clock = ledger.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		store:   store,
		clock:   clock,
		logger:  logger,
		metrics: m,
		tracer:  otel.Tracer("usecase"),
	}
}

// RecordIntake records that a dose was taken
func (l *Ledger) RecordIntake(ctx context.Context, in RecordInput) (Result, error) {
	return l.record(ctx, "record_intake", ledger.EventIntakeRecorded, in, nil)
}

// RecordPurchase records a purchased package; PackageID is required
func (l *Ledger) RecordPurchase(ctx context.Context, in RecordInput) (Result, error) {
	if in.PackageID == nil {
		return l.reject("record_purchase", time.Now(), fmt.Errorf("%w: package id is required for a purchase", ledger.ErrInvalidInput))
	}
	return l.record(ctx, "record_purchase", ledger.EventPurchaseRecorded, in, nil)
}

// RequestPrescription records that a prescription was requested
func (l *Ledger) RequestPrescription(ctx context.Context, in RecordInput) (Result, error) {
	return l.record(ctx, "request_prescription", ledger.EventPrescriptionRequested, in, nil)
}

// RecordPrescriptionReceived records that a requested prescription arrived
func (l *Ledger) RecordPrescriptionReceived(ctx context.Context, in RecordInput) (Result, error) {
	return l.record(ctx, "record_prescription_received", ledger.EventPrescriptionReceived, in, nil)
}

// AdjustStock records a manual stock correction. Adjustments cannot be undone;
// a compensating adjustment is recorded instead.
func (l *Ledger) AdjustStock(ctx context.Context, in AdjustInput) (Result, error) {
	if in.Quantity == 0 {
		return l.reject("adjust_stock", time.Now(), fmt.Errorf("%w: quantity must be non-zero", ledger.ErrInvalidInput))
	}
	q := in.Quantity
	return l.record(ctx, "adjust_stock", ledger.EventStockAdjusted, RecordInput{
		OperationID: in.OperationID,
		MedicineID:  in.MedicineID,
		PackageID:   in.PackageID,
	}, &q)
}

func (l *Ledger) record(ctx context.Context, command string, eventType ledger.EventType, in RecordInput, quantity *int) (Result, error) {
	started := time.Now()
	ctx, span := l.tracer.Start(ctx, command, trace.WithAttributes(
		attribute.String("operation_id", in.OperationID.String()),
		attribute.String("medicine_id", in.MedicineID.String()),
	))
	defer span.End()

	if in.OperationID.IsZero() {
		return l.reject(command, started, fmt.Errorf("%w: operation id is required", ledger.ErrInvalidInput))
	}
	if in.MedicineID.IsZero() {
		return l.reject(command, started, fmt.Errorf("%w: medicine id is required", ledger.ErrInvalidInput))
	}

	exists, err := l.store.Exists(ctx, in.OperationID)
	if err != nil {
		return l.fail(span, command, started, "check operation", err)
	}
	if exists {
		return l.duplicateOf(ctx, span, command, started, in.OperationID)
	}

	event := ledger.DomainEvent{
		ID:          uuid.New(),
		OperationID: in.OperationID,
		Type:        eventType,
		Timestamp:   l.clock.Now().UTC(),
		MedicineID:  in.MedicineID,
		TherapyID:   in.TherapyID,
		PackageID:   in.PackageID,
		Quantity:    quantity,
	}
	if err := event.Validate(); err != nil {
		return l.reject(command, started, err)
	}

	if err := l.store.Append(ctx, event); err != nil {
		if errors.Is(err, ledger.ErrDuplicateOperation) {
			return l.duplicateOf(ctx, span, command, started, in.OperationID)
		}
		return l.fail(span, command, started, "append event", err)
	}

	return l.recorded(span, command, started, event), nil
}

// UndoAction appends the reversal of an earlier operation. Only recorded
// events with an undo partner can be reversed, and each at most once.
func (l *Ledger) UndoAction(ctx context.Context, in UndoInput) (Result, error) {
	const command = "undo"
	started := time.Now()
	ctx, span := l.tracer.Start(ctx, command, trace.WithAttributes(
		attribute.String("operation_id", in.UndoOperationID.String()),
		attribute.String("original_operation_id", in.OriginalOperationID.String()),
	))
	defer span.End()

	switch {
	case in.OriginalOperationID.IsZero():
		return l.reject(command, started, fmt.Errorf("%w: original operation id is required", ledger.ErrInvalidInput))
	case in.UndoOperationID.IsZero():
		return l.reject(command, started, fmt.Errorf("%w: undo operation id is required", ledger.ErrInvalidInput))
	case in.UndoOperationID == in.OriginalOperationID:
		return l.reject(command, started, fmt.Errorf("%w: an operation cannot undo itself", ledger.ErrInvalidInput))
	}

	exists, err := l.store.Exists(ctx, in.UndoOperationID)
	if err != nil {
		return l.fail(span, command, started, "check operation", err)
	}
	if exists {
		return l.duplicateOf(ctx, span, command, started, in.UndoOperationID)
	}

	reversed, err := l.store.HasReversal(ctx, in.OriginalOperationID)
	if err != nil {
		return l.fail(span, command, started, "check reversal", err)
	}
	if reversed {
		return l.duplicateOf(ctx, span, command, started, in.OriginalOperationID)
	}

	original, found, err := l.store.Fetch(ctx, in.OriginalOperationID)
	if err != nil {
		return l.fail(span, command, started, "fetch original", err)
	}
	if !found {
		l.metrics.ObserveCommand(command, metrics.OutcomeRejected, time.Since(started))
		return Result{}, fmt.Errorf("operation %s: %w", in.OriginalOperationID, ledger.ErrNotFound)
	}

	undoType, ok := original.Type.UndoType()
	if !ok {
		return l.reject(command, started, fmt.Errorf("%w: %s cannot be undone", ledger.ErrInvalidInput, original.Type))
	}

	target := original.OperationID
	event := ledger.DomainEvent{
		ID:                    uuid.New(),
		OperationID:           in.UndoOperationID,
		Type:                  undoType,
		Timestamp:             l.clock.Now().UTC(),
		MedicineID:            original.MedicineID,
		TherapyID:             original.TherapyID,
		PackageID:             original.PackageID,
		ReversalOfOperationID: &target,
	}

	if err := l.store.Append(ctx, event); err != nil {
		if !errors.Is(err, ledger.ErrDuplicateOperation) {
			return l.fail(span, command, started, "append reversal", err)
		}
		// Lost a race: either the same undo landed first or another undo
		// claimed the original.
		if res, ok, ferr := l.lookup(ctx, in.UndoOperationID); ferr == nil && ok {
			return l.folded(span, command, started, res), nil
		}
		return l.duplicateOf(ctx, span, command, started, in.OriginalOperationID)
	}

	return l.recorded(span, command, started, event), nil
}

func (l *Ledger) lookup(ctx context.Context, op ledger.OperationID) (Result, bool, error) {
	e, found, err := l.store.Fetch(ctx, op)
	if err != nil || !found {
		return Result{}, found, err
	}
	return Result{EventID: e.ID, OperationID: op, WasDuplicate: true}, true, nil
}

// duplicateOf reports an already applied operation, identified by op
func (l *Ledger) duplicateOf(ctx context.Context, span trace.Span, command string, started time.Time, op ledger.OperationID) (Result, error) {
	res, found, err := l.lookup(ctx, op)
	if err != nil {
		return l.fail(span, command, started, "fetch duplicate", err)
	}
	if !found {
		return l.fail(span, command, started, "fetch duplicate", fmt.Errorf("operation %s reported present but not readable", op))
	}
	return l.folded(span, command, started, res), nil
}

func (l *Ledger) folded(span trace.Span, command string, started time.Time, res Result) Result {
	span.SetAttributes(attribute.Bool("duplicate", true))
	l.logger.Info("duplicate operation folded",
		zap.String("command", command),
		zap.String("operation_id", res.OperationID.String()),
		zap.String("event_id", res.EventID.String()),
	)
	l.metrics.ObserveCommand(command, metrics.OutcomeDuplicate, time.Since(started))
	return res
}

func (l *Ledger) recorded(span trace.Span, command string, started time.Time, event ledger.DomainEvent) Result {
	span.SetAttributes(attribute.String("event_id", event.ID.String()))
	l.logger.Info("event appended",
		zap.String("command", command),
		zap.String("type", string(event.Type)),
		zap.String("operation_id", event.OperationID.String()),
		zap.String("event_id", event.ID.String()),
	)
	l.metrics.EventAppended(string(event.Type))
	l.metrics.ObserveCommand(command, metrics.OutcomeRecorded, time.Since(started))
	return Result{EventID: event.ID, OperationID: event.OperationID}
}

func (l *Ledger) reject(command string, started time.Time, err error) (Result, error) {
	l.logger.Debug("command rejected", zap.String("command", command), zap.Error(err))
	l.metrics.ObserveCommand(command, metrics.OutcomeRejected, time.Since(started))
	return Result{}, err
}

// fail converts a storage error into ErrSaveFailed. The cause is kept in the
// message only, so callers cannot match on adapter error types.
func (l *Ledger) fail(span trace.Span, command string, started time.Time, step string, cause error) (Result, error) {
	err := fmt.Errorf("%w: %s: %v", ledger.ErrSaveFailed, step, cause)
	span.RecordError(err)
	span.SetStatus(codes.Error, step)
	l.logger.Error("ledger command failed",
		zap.String("command", command),
		zap.String("step", step),
		zap.Error(cause),
	)
	l.metrics.ObserveCommand(command, metrics.OutcomeFailed, time.Since(started))
	return Result{}, err
}
