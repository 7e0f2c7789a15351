package ledger

import (
	"context"

	"github.com/google/uuid"
)

// EventStore is the append-only persistence port of the ledger.
//
// Append must check the operation ID, and for reversals the reversal target,
// atomically with the write. A lost race surfaces as ErrDuplicateOperation,
// never as a second event.
type EventStore interface {
	// Exists reports whether an event with this operation ID has been appended
	Exists(ctx context.Context, op OperationID) (bool, error)
	// Fetch returns the event for op; ok is false when absent
	Fetch(ctx context.Context, op OperationID) (event DomainEvent, ok bool, err error)
	// HasReversal reports whether some event reverses op
	HasReversal(ctx context.Context, op OperationID) (bool, error)
	// Append durably persists the event. Events that fail Validate are
	// rejected with ErrInvalidInput.
	Append(ctx context.Context, event DomainEvent) error
	// FetchUnsyncedEvents returns up to limit unsynchronized events in append
	// order. A non-positive limit returns nothing.
	FetchUnsyncedEvents(ctx context.Context, limit int) ([]DomainEvent, error)
}

// SyncMarker records that events reached the external sync target
type SyncMarker interface {
	MarkSynced(ctx context.Context, eventIDs ...uuid.UUID) error
}

// HistoryReader gives aggregators read access to a medicine's history
type HistoryReader interface {
	// ListByMedicine returns all events of a medicine in append order
	ListByMedicine(ctx context.Context, medicine MedicineID) ([]DomainEvent, error)
}

// Store is implemented by every storage adapter
type Store interface {
	EventStore
	SyncMarker
	HistoryReader
}

// BacklogCounter is implemented by stores that can count unsynced events
// without reading them
type BacklogCounter interface {
	CountUnsynced(ctx context.Context) (int, error)
}
