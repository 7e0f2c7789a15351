package ledger

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
)

// MaxQuantity bounds the unit delta of a stock adjustment so every store
// keeps it exactly in a 32-bit column
const MaxQuantity = math.MaxInt32

// EventType tags a domain event
type EventType string

const (
	EventIntakeRecorded             EventType = "intakeRecorded"
	EventIntakeUndone               EventType = "intakeUndone"
	EventPurchaseRecorded           EventType = "purchaseRecorded"
	EventPurchaseUndone             EventType = "purchaseUndone"
	EventPrescriptionRequested      EventType = "prescriptionRequested"
	EventPrescriptionRequestUndone  EventType = "prescriptionRequestUndone"
	EventPrescriptionReceived       EventType = "prescriptionReceived"
	EventPrescriptionReceivedUndone EventType = "prescriptionReceivedUndone"
	EventStockAdjusted              EventType = "stockAdjusted"
)

// typeRule describes how an event type behaves under undo.
// Every EventType constant must have an entry; see TestEventTypeTableIsComplete.
type typeRule struct {
	undo   EventType // partner produced by undo, empty when not undoable
	isUndo bool      // the type is itself a reversal
}

var typeRules = map[EventType]typeRule{
	EventIntakeRecorded:             {undo: EventIntakeUndone},
	EventIntakeUndone:               {isUndo: true},
	EventPurchaseRecorded:           {undo: EventPurchaseUndone},
	EventPurchaseUndone:             {isUndo: true},
	EventPrescriptionRequested:      {undo: EventPrescriptionRequestUndone},
	EventPrescriptionRequestUndone:  {isUndo: true},
	EventPrescriptionReceived:       {undo: EventPrescriptionReceivedUndone},
	EventPrescriptionReceivedUndone: {isUndo: true},
	EventStockAdjusted:              {},
}

// AllEventTypes returns every known event type in stable order
func AllEventTypes() []EventType {
	out := make([]EventType, 0, len(typeRules))
	for t := range typeRules {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Valid reports whether t is a known event type
func (t EventType) Valid() bool {
	_, ok := typeRules[t]
	return ok
}

// IsUndo reports whether t is a reversal type
func (t EventType) IsUndo() bool {
	return typeRules[t].isUndo
}

// UndoType returns the reversal partner of t. The second result is false when
// t cannot be undone (undo types and stockAdjusted).
func (t EventType) UndoType() (EventType, bool) {
	r := typeRules[t]
	return r.undo, r.undo != ""
}

// DomainEvent is the ledger's unit of fact. Events are immutable once appended.
type DomainEvent struct {
	ID                    uuid.UUID    `json:"id"`
	OperationID           OperationID  `json:"operation_id"`
	Type                  EventType    `json:"type"`
	Timestamp             time.Time    `json:"timestamp"`
	MedicineID            MedicineID   `json:"medicine_id"`
	TherapyID             *TherapyID   `json:"therapy_id,omitempty"`
	PackageID             *PackageID   `json:"package_id,omitempty"`
	ReversalOfOperationID *OperationID `json:"reversal_of_operation_id,omitempty"`
	// Quantity is the signed unit delta of a stockAdjusted event
	Quantity *int `json:"quantity,omitempty"`
}

// Validate checks the structural invariants of an event before it is appended
func (e DomainEvent) Validate() error {
	if e.ID == uuid.Nil {
		return fmt.Errorf("%w: event id is required", ErrInvalidInput)
	}
	if e.OperationID.IsZero() {
		return fmt.Errorf("%w: operation id is required", ErrInvalidInput)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidInput, e.Type)
	}
	if e.MedicineID.IsZero() {
		return fmt.Errorf("%w: medicine id is required", ErrInvalidInput)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidInput)
	}
	switch {
	case e.Type.IsUndo() && e.ReversalOfOperationID == nil:
		return fmt.Errorf("%w: %s requires a reversal target", ErrInvalidInput, e.Type)
	case !e.Type.IsUndo() && e.ReversalOfOperationID != nil:
		return fmt.Errorf("%w: %s cannot reverse an operation", ErrInvalidInput, e.Type)
	case e.ReversalOfOperationID != nil && *e.ReversalOfOperationID == e.OperationID:
		return fmt.Errorf("%w: event cannot reverse itself", ErrInvalidInput)
	}
	if (e.Type == EventStockAdjusted) != (e.Quantity != nil) {
		return fmt.Errorf("%w: quantity is only carried by %s", ErrInvalidInput, EventStockAdjusted)
	}
	if e.Quantity != nil && (*e.Quantity > MaxQuantity || *e.Quantity < -MaxQuantity) {
		return fmt.Errorf("%w: quantity %d exceeds %d units", ErrInvalidInput, *e.Quantity, MaxQuantity)
	}
	return nil
}

// IsReversal reports whether the event reverses an earlier operation
func (e DomainEvent) IsReversal() bool {
	return e.ReversalOfOperationID != nil
}
