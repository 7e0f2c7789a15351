// Package commands is the wire form of ledger commands, shared by the HTTP
// API and the Kafka command consumer.
package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pillpal/medledger/internal/domain/ledger"
	"github.com/pillpal/medledger/internal/usecase"
)

// Kind names a ledger command
type Kind string

const (
	KindRecordIntake               Kind = "record_intake"
	KindRecordPurchase             Kind = "record_purchase"
	KindRequestPrescription        Kind = "request_prescription"
	KindRecordPrescriptionReceived Kind = "record_prescription_received"
	KindAdjustStock                Kind = "adjust_stock"
	KindUndo                       Kind = "undo"
)

// Command is a ledger command as JSON. For undo, OperationID identifies the
// undo itself and OriginalOperationID the operation being reversed.
// Unset IDs are omitted: the nil UUID does not decode.
type Command struct {
	Kind                Kind               `json:"command"`
	OperationID         ledger.OperationID `json:"operation_id,omitzero"`
	MedicineID          ledger.MedicineID  `json:"medicine_id,omitzero"`
	TherapyID           *ledger.TherapyID  `json:"therapy_id,omitempty"`
	PackageID           *ledger.PackageID  `json:"package_id,omitempty"`
	Quantity            int                `json:"quantity,omitempty"`
	OriginalOperationID ledger.OperationID `json:"original_operation_id,omitzero"`
}

// Executor runs ledger commands; *usecase.Ledger implements it
type Executor interface {
	RecordIntake(ctx context.Context, in usecase.RecordInput) (usecase.Result, error)
	RecordPurchase(ctx context.Context, in usecase.RecordInput) (usecase.Result, error)
	RequestPrescription(ctx context.Context, in usecase.RecordInput) (usecase.Result, error)
	RecordPrescriptionReceived(ctx context.Context, in usecase.RecordInput) (usecase.Result, error)
	AdjustStock(ctx context.Context, in usecase.AdjustInput) (usecase.Result, error)
	UndoAction(ctx context.Context, in usecase.UndoInput) (usecase.Result, error)
}

var _ Executor = (*usecase.Ledger)(nil)

// Decode parses a JSON command. Malformed input matches ledger.ErrInvalidInput.
func Decode(data []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		// ID fields already report ErrInvalidInput
		if errors.Is(err, ledger.ErrInvalidInput) {
			return Command{}, err
		}
		return Command{}, fmt.Errorf("%w: %v", ledger.ErrInvalidInput, err)
	}
	return c, nil
}

// Execute dispatches the command to ex
func (c Command) Execute(ctx context.Context, ex Executor) (usecase.Result, error) {
	record := usecase.RecordInput{
		OperationID: c.OperationID,
		MedicineID:  c.MedicineID,
		TherapyID:   c.TherapyID,
		PackageID:   c.PackageID,
	}

	switch c.Kind {
	case KindRecordIntake:
		return ex.RecordIntake(ctx, record)
	case KindRecordPurchase:
		return ex.RecordPurchase(ctx, record)
	case KindRequestPrescription:
		return ex.RequestPrescription(ctx, record)
	case KindRecordPrescriptionReceived:
		return ex.RecordPrescriptionReceived(ctx, record)
	case KindAdjustStock:
		return ex.AdjustStock(ctx, usecase.AdjustInput{
			OperationID: c.OperationID,
			MedicineID:  c.MedicineID,
			PackageID:   c.PackageID,
			Quantity:    c.Quantity,
		})
	case KindUndo:
		return ex.UndoAction(ctx, usecase.UndoInput{
			OriginalOperationID: c.OriginalOperationID,
			UndoOperationID:     c.OperationID,
		})
	default:
		return usecase.Result{}, fmt.Errorf("%w: unknown command %q", ledger.ErrInvalidInput, c.Kind)
	}
}
