// Package ledgertest holds the behavioural contract every ledger.Store adapter
// must satisfy, plus event builders shared by tests.
package ledgertest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pillpal/medledger/internal/domain/ledger"
)

// Base is the timestamp of the first event built by the helpers. Microsecond
// precision keeps it exact in every backend.
var Base = time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

// Event builds a valid non-reversal event of type t
func Event(t ledger.EventType, medicine ledger.MedicineID, at time.Time) ledger.DomainEvent {
	e := ledger.DomainEvent{
		ID:          uuid.New(),
		OperationID: ledger.NewOperationID(),
		Type:        t,
		Timestamp:   at.Truncate(time.Microsecond),
		MedicineID:  medicine,
	}
	if t == ledger.EventStockAdjusted {
		q := 1
		e.Quantity = &q
	}
	return e
}

// Reversal builds the undo event of original
func Reversal(original ledger.DomainEvent, at time.Time) ledger.DomainEvent {
	undo, _ := original.Type.UndoType()
	target := original.OperationID
	return ledger.DomainEvent{
		ID:                    uuid.New(),
		OperationID:           ledger.NewOperationID(),
		Type:                  undo,
		Timestamp:             at.Truncate(time.Microsecond),
		MedicineID:            original.MedicineID,
		TherapyID:             original.TherapyID,
		PackageID:             original.PackageID,
		ReversalOfOperationID: &target,
	}
}

// AssertSameEvent compares events, treating timestamps by instant
func AssertSameEvent(t *testing.T, want, got ledger.DomainEvent) {
	t.Helper()
	assert.True(t, want.Timestamp.Equal(got.Timestamp), "timestamp: want %s, got %s", want.Timestamp, got.Timestamp)
	want.Timestamp, got.Timestamp = time.Time{}, time.Time{}
	assert.Equal(t, want, got)
}

// Factory returns a fresh, empty store for one subtest
type Factory func(t *testing.T) ledger.Store

// Run exercises the store contract against stores built by newStore
func Run(t *testing.T, newStore Factory) {
	t.Run("AppendAndFetch", func(t *testing.T) { testAppendAndFetch(t, newStore(t)) })
	t.Run("OptionalFieldsRoundTrip", func(t *testing.T) { testOptionalFields(t, newStore(t)) })
	t.Run("DuplicateOperation", func(t *testing.T) { testDuplicateOperation(t, newStore(t)) })
	t.Run("SingleReversal", func(t *testing.T) { testSingleReversal(t, newStore(t)) })
	t.Run("UnsyncedQueue", func(t *testing.T) { testUnsyncedQueue(t, newStore(t)) })
	t.Run("ListByMedicine", func(t *testing.T) { testListByMedicine(t, newStore(t)) })
	t.Run("ConcurrentDuplicates", func(t *testing.T) { testConcurrentDuplicates(t, newStore(t)) })
	t.Run("ConcurrentReversals", func(t *testing.T) { testConcurrentReversals(t, newStore(t)) })
	t.Run("RejectsInvalidEvents", func(t *testing.T) { testRejectsInvalidEvents(t, newStore(t)) })
	t.Run("StoredEventsAreImmutable", func(t *testing.T) { testStoredEventsAreImmutable(t, newStore(t)) })
}

func testAppendAndFetch(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	e := Event(ledger.EventIntakeRecorded, ledger.NewMedicineID(), Base)

	ok, err := s.Exists(ctx, e.OperationID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, found, err := s.Fetch(ctx, e.OperationID)
	require.NoError(t, err)
	assert.False(t, found, "absent is not an error")

	require.NoError(t, s.Append(ctx, e))

	ok, err = s.Exists(ctx, e.OperationID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, found, err := s.Fetch(ctx, e.OperationID)
	require.NoError(t, err)
	require.True(t, found)
	AssertSameEvent(t, e, got)
	assert.Equal(t, time.UTC, got.Timestamp.Location())
}

func testOptionalFields(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	therapy := ledger.NewTherapyID()
	pkg := ledger.NewPackageID()

	full := Event(ledger.EventPurchaseRecorded, ledger.NewMedicineID(), Base)
	full.TherapyID = &therapy
	full.PackageID = &pkg
	adjust := Event(ledger.EventStockAdjusted, full.MedicineID, Base.Add(time.Second))
	q := -3
	adjust.Quantity = &q
	undo := Reversal(full, Base.Add(2*time.Second))
	largest := Event(ledger.EventStockAdjusted, full.MedicineID, Base.Add(2500*time.Millisecond))
	high := ledger.MaxQuantity
	largest.Quantity = &high
	smallest := Event(ledger.EventStockAdjusted, full.MedicineID, Base.Add(2600*time.Millisecond))
	low := -ledger.MaxQuantity
	smallest.Quantity = &low

	stored := []ledger.DomainEvent{full, adjust, undo, largest, smallest}
	for _, e := range stored {
		require.NoError(t, s.Append(ctx, e))
	}
	for _, e := range stored {
		got, found, err := s.Fetch(ctx, e.OperationID)
		require.NoError(t, err)
		require.True(t, found)
		AssertSameEvent(t, e, got)
	}

	bare := Event(ledger.EventIntakeRecorded, full.MedicineID, Base.Add(3*time.Second))
	require.NoError(t, s.Append(ctx, bare))
	got, _, err := s.Fetch(ctx, bare.OperationID)
	require.NoError(t, err)
	assert.Nil(t, got.TherapyID)
	assert.Nil(t, got.PackageID)
	assert.Nil(t, got.ReversalOfOperationID)
	assert.Nil(t, got.Quantity)
}

func testDuplicateOperation(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	e := Event(ledger.EventIntakeRecorded, ledger.NewMedicineID(), Base)
	require.NoError(t, s.Append(ctx, e))

	again := Event(ledger.EventPurchaseRecorded, e.MedicineID, Base.Add(time.Minute))
	again.OperationID = e.OperationID
	err := s.Append(ctx, again)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrDuplicateOperation), "got %v", err)

	got, _, err := s.Fetch(ctx, e.OperationID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID, "first write wins")

	history, err := s.ListByMedicine(ctx, e.MedicineID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func testSingleReversal(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	e := Event(ledger.EventIntakeRecorded, ledger.NewMedicineID(), Base)
	require.NoError(t, s.Append(ctx, e))

	has, err := s.HasReversal(ctx, e.OperationID)
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, s.Append(ctx, Reversal(e, Base.Add(time.Minute))))

	has, err = s.HasReversal(ctx, e.OperationID)
	require.NoError(t, err)
	assert.True(t, has)

	err = s.Append(ctx, Reversal(e, Base.Add(2*time.Minute)))
	assert.True(t, errors.Is(err, ledger.ErrDuplicateOperation), "second reversal: %v", err)

	history, err := s.ListByMedicine(ctx, e.MedicineID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func testUnsyncedQueue(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	med := ledger.NewMedicineID()
	var appended []ledger.DomainEvent
	for i := 0; i < 5; i++ {
		e := Event(ledger.EventIntakeRecorded, med, Base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, s.Append(ctx, e))
		appended = append(appended, e)
	}

	none, err := s.FetchUnsyncedEvents(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, none)

	batch, err := s.FetchUnsyncedEvents(ctx, 3)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	for i := range batch {
		assert.Equal(t, appended[i].ID, batch[i].ID, "append order")
	}

	require.NoError(t, s.MarkSynced(ctx, batch[0].ID, batch[1].ID, uuid.New()))

	rest, err := s.FetchUnsyncedEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rest, 3)
	assert.Equal(t, appended[2].ID, rest[0].ID)
	assert.Equal(t, appended[4].ID, rest[2].ID)

	require.NoError(t, s.MarkSynced(ctx))
}

func testListByMedicine(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	a, b := ledger.NewMedicineID(), ledger.NewMedicineID()
	first := Event(ledger.EventPurchaseRecorded, a, Base)
	other := Event(ledger.EventPurchaseRecorded, b, Base.Add(time.Second))
	second := Event(ledger.EventIntakeRecorded, a, Base.Add(2*time.Second))
	for _, e := range []ledger.DomainEvent{first, other, second} {
		require.NoError(t, s.Append(ctx, e))
	}

	history, err := s.ListByMedicine(ctx, a)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, first.ID, history[0].ID)
	assert.Equal(t, second.ID, history[1].ID)

	empty, err := s.ListByMedicine(ctx, ledger.NewMedicineID())
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testConcurrentDuplicates(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	med := ledger.NewMedicineID()
	op := ledger.NewOperationID()

	const writers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		others   []error
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e := Event(ledger.EventIntakeRecorded, med, Base)
			e.OperationID = op
			err := s.Append(ctx, e)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				accepted++
			} else {
				others = append(others, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	for _, err := range others {
		assert.True(t, errors.Is(err, ledger.ErrDuplicateOperation), "got %v", err)
	}
	history, err := s.ListByMedicine(ctx, med)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func testConcurrentReversals(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	original := Event(ledger.EventIntakeRecorded, ledger.NewMedicineID(), Base)
	require.NoError(t, s.Append(ctx, original))

	const writers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Append(ctx, Reversal(original, Base.Add(time.Minute)))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				accepted++
				return
			}
			assert.True(t, errors.Is(err, ledger.ErrDuplicateOperation), "got %v", err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	history, err := s.ListByMedicine(ctx, original.MedicineID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func testRejectsInvalidEvents(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	tooLarge := Event(ledger.EventStockAdjusted, ledger.NewMedicineID(), Base)
	q := ledger.MaxQuantity
	q++
	tooLarge.Quantity = &q

	noMedicine := Event(ledger.EventIntakeRecorded, ledger.MedicineID{}, Base)

	for _, e := range []ledger.DomainEvent{tooLarge, noMedicine} {
		err := s.Append(ctx, e)
		assert.ErrorIs(t, err, ledger.ErrInvalidInput)
		exists, err := s.Exists(ctx, e.OperationID)
		require.NoError(t, err)
		assert.False(t, exists)
	}
}

func testStoredEventsAreImmutable(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	therapy := ledger.NewTherapyID()
	pkg := ledger.NewPackageID()
	e := Event(ledger.EventIntakeRecorded, ledger.NewMedicineID(), Base)
	e.TherapyID = &therapy
	e.PackageID = &pkg
	require.NoError(t, s.Append(ctx, e))
	want := e
	wantTherapy, wantPkg := therapy, pkg
	want.TherapyID, want.PackageID = &wantTherapy, &wantPkg

	// the caller's pointers are not the ledger's
	therapy = ledger.NewTherapyID()
	got, _, err := s.Fetch(ctx, e.OperationID)
	require.NoError(t, err)
	AssertSameEvent(t, want, got)

	// nor are the pointers handed out by reads
	*got.TherapyID = ledger.NewTherapyID()
	*got.PackageID = ledger.NewPackageID()
	again, _, err := s.Fetch(ctx, e.OperationID)
	require.NoError(t, err)
	AssertSameEvent(t, want, again)

	history, err := s.ListByMedicine(ctx, e.MedicineID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	*history[0].TherapyID = ledger.NewTherapyID()
	again, _, err = s.Fetch(ctx, e.OperationID)
	require.NoError(t, err)
	AssertSameEvent(t, want, again)
}
