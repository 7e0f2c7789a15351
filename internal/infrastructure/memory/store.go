// Package memory is an in-process ledger.Store used by tests and the CLI's dry runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/pillpal/medledger/internal/domain/ledger"
)

// Store keeps events in append order behind a single mutex. The duplicate
// checks and the append happen under the same write lock.
type Store struct {
	mu        sync.RWMutex
	events    []ledger.DomainEvent
	byOp      map[ledger.OperationID]int
	reversals map[ledger.OperationID]ledger.OperationID
	synced    map[uuid.UUID]bool
}

// New creates an empty store
func New() *Store {
	return &Store{
		byOp:      make(map[ledger.OperationID]int),
		reversals: make(map[ledger.OperationID]ledger.OperationID),
		synced:    make(map[uuid.UUID]bool),
	}
}

var _ ledger.Store = (*Store)(nil)

// Exists implements ledger.EventStore
func (s *Store) Exists(_ context.Context, op ledger.OperationID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byOp[op]
	return ok, nil
}

// Fetch implements ledger.EventStore
func (s *Store) Fetch(_ context.Context, op ledger.OperationID) (ledger.DomainEvent, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byOp[op]
	if !ok {
		return ledger.DomainEvent{}, false, nil
	}
	return clone(s.events[i]), true, nil
}

// HasReversal implements ledger.EventStore
func (s *Store) HasReversal(_ context.Context, op ledger.OperationID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.reversals[op]
	return ok, nil
}

// Append implements ledger.EventStore
func (s *Store) Append(_ context.Context, event ledger.DomainEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byOp[event.OperationID]; ok {
		return fmt.Errorf("operation %s: %w", event.OperationID, ledger.ErrDuplicateOperation)
	}
	if target := event.ReversalOfOperationID; target != nil {
		if _, ok := s.reversals[*target]; ok {
			return fmt.Errorf("reversal of %s: %w", *target, ledger.ErrDuplicateOperation)
		}
		s.reversals[*target] = event.OperationID
	}

	event = clone(event)
	event.Timestamp = event.Timestamp.UTC()
	s.byOp[event.OperationID] = len(s.events)
	s.events = append(s.events, event)
	return nil
}

// FetchUnsyncedEvents implements ledger.EventStore
func (s *Store) FetchUnsyncedEvents(_ context.Context, limit int) ([]ledger.DomainEvent, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ledger.DomainEvent
	for _, e := range s.events {
		if s.synced[e.ID] {
			continue
		}
		out = append(out, clone(e))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// MarkSynced implements ledger.SyncMarker. Unknown IDs are ignored.
func (s *Store) MarkSynced(_ context.Context, eventIDs ...uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range eventIDs {
		s.synced[id] = true
	}
	return nil
}

// CountUnsynced returns the number of events not yet marked synced
func (s *Store) CountUnsynced(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.events {
		if !s.synced[e.ID] {
			n++
		}
	}
	return n, nil
}

// ListByMedicine implements ledger.HistoryReader
func (s *Store) ListByMedicine(_ context.Context, medicine ledger.MedicineID) ([]ledger.DomainEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ledger.DomainEvent
	for _, e := range s.events {
		if e.MedicineID == medicine {
			out = append(out, clone(e))
		}
	}
	return out, nil
}

// Len returns the number of appended events
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// clone copies the optional fields so callers never share pointers with the
// stored event
func clone(e ledger.DomainEvent) ledger.DomainEvent {
	e.TherapyID = copyOf(e.TherapyID)
	e.PackageID = copyOf(e.PackageID)
	e.ReversalOfOperationID = copyOf(e.ReversalOfOperationID)
	e.Quantity = copyOf(e.Quantity)
	return e
}

func copyOf[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
