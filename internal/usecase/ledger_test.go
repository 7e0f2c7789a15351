package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pillpal/medledger/internal/domain/ledger"
	"github.com/pillpal/medledger/internal/infrastructure/memory"
	"github.com/pillpal/medledger/internal/observability/metrics"
)

var now = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

func newLedger(t *testing.T) (*Ledger, *memory.Store) {
	t.Helper()
	store := memory.New()
	return New(store, ledger.NewFixedClock(now), nil, nil), store
}

func intakeInput() RecordInput {
	return RecordInput{OperationID: ledger.NewOperationID(), MedicineID: ledger.NewMedicineID()}
}

func TestRecordIntake(t *testing.T) {
	l, store := newLedger(t)
	ctx := context.Background()
	therapy := ledger.NewTherapyID()
	in := intakeInput()
	in.TherapyID = &therapy

	res, err := l.RecordIntake(ctx, in)
	require.NoError(t, err)
	assert.False(t, res.WasDuplicate)
	assert.Equal(t, in.OperationID, res.OperationID)

	e, found, err := store.Fetch(ctx, in.OperationID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, res.EventID, e.ID)
	assert.Equal(t, ledger.EventIntakeRecorded, e.Type)
	assert.Equal(t, now, e.Timestamp)
	assert.Equal(t, &therapy, e.TherapyID)
	assert.Nil(t, e.PackageID)
}

func TestRecordIsIdempotent(t *testing.T) {
	l, store := newLedger(t)
	ctx := context.Background()
	in := intakeInput()

	first, err := l.RecordIntake(ctx, in)
	require.NoError(t, err)
	second, err := l.RecordIntake(ctx, in)
	require.NoError(t, err)

	assert.True(t, second.WasDuplicate)
	assert.Equal(t, first.EventID, second.EventID)
	assert.Equal(t, 1, store.Len())
}

func TestRecordFamilyEventTypes(t *testing.T) {
	l, store := newLedger(t)
	ctx := context.Background()
	pkg := ledger.NewPackageID()

	cases := []struct {
		name string
		run  func(RecordInput) (Result, error)
		want ledger.EventType
	}{
		{"purchase", func(in RecordInput) (Result, error) { return l.RecordPurchase(ctx, in) }, ledger.EventPurchaseRecorded},
		{"request", func(in RecordInput) (Result, error) { return l.RequestPrescription(ctx, in) }, ledger.EventPrescriptionRequested},
		{"receipt", func(in RecordInput) (Result, error) { return l.RecordPrescriptionReceived(ctx, in) }, ledger.EventPrescriptionReceived},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := intakeInput()
			in.PackageID = &pkg
			_, err := tc.run(in)
			require.NoError(t, err)
			e, _, err := store.Fetch(ctx, in.OperationID)
			require.NoError(t, err)
			assert.Equal(t, tc.want, e.Type)
			assert.Equal(t, &pkg, e.PackageID)
		})
	}
}

func TestInvalidInput(t *testing.T) {
	l, store := newLedger(t)
	ctx := context.Background()

	_, err := l.RecordPurchase(ctx, intakeInput())
	assert.True(t, errors.Is(err, ledger.ErrInvalidInput), "purchase without package: %v", err)

	_, err = l.RecordIntake(ctx, RecordInput{MedicineID: ledger.NewMedicineID()})
	assert.True(t, errors.Is(err, ledger.ErrInvalidInput), "missing operation: %v", err)

	_, err = l.RecordIntake(ctx, RecordInput{OperationID: ledger.NewOperationID()})
	assert.True(t, errors.Is(err, ledger.ErrInvalidInput), "missing medicine: %v", err)

	_, err = l.AdjustStock(ctx, AdjustInput{OperationID: ledger.NewOperationID(), MedicineID: ledger.NewMedicineID()})
	assert.True(t, errors.Is(err, ledger.ErrInvalidInput), "zero quantity: %v", err)

	op := ledger.NewOperationID()
	_, err = l.UndoAction(ctx, UndoInput{OriginalOperationID: op, UndoOperationID: op})
	assert.True(t, errors.Is(err, ledger.ErrInvalidInput), "self undo: %v", err)

	assert.Equal(t, 0, store.Len())
}

func TestSelfUndoOfRecordedOperation(t *testing.T) {
	l, store := newLedger(t)
	ctx := context.Background()
	in := intakeInput()
	_, err := l.RecordIntake(ctx, in)
	require.NoError(t, err)

	// the undo id is already in the ledger, but an event cannot reverse itself
	_, err = l.UndoAction(ctx, UndoInput{OriginalOperationID: in.OperationID, UndoOperationID: in.OperationID})
	assert.True(t, errors.Is(err, ledger.ErrInvalidInput), "self undo: %v", err)
	assert.Equal(t, 1, store.Len())
}

func TestAdjustStock(t *testing.T) {
	l, store := newLedger(t)
	ctx := context.Background()
	in := AdjustInput{OperationID: ledger.NewOperationID(), MedicineID: ledger.NewMedicineID(), Quantity: -4}

	_, err := l.AdjustStock(ctx, in)
	require.NoError(t, err)
	e, _, err := store.Fetch(ctx, in.OperationID)
	require.NoError(t, err)
	assert.Equal(t, ledger.EventStockAdjusted, e.Type)
	require.NotNil(t, e.Quantity)
	assert.Equal(t, -4, *e.Quantity)

	_, err = l.UndoAction(ctx, UndoInput{OriginalOperationID: in.OperationID, UndoOperationID: ledger.NewOperationID()})
	assert.True(t, errors.Is(err, ledger.ErrInvalidInput), "adjustments are not undoable: %v", err)

	tooLarge := AdjustInput{OperationID: ledger.NewOperationID(), MedicineID: in.MedicineID, Quantity: ledger.MaxQuantity}
	tooLarge.Quantity++
	_, err = l.AdjustStock(ctx, tooLarge)
	assert.True(t, errors.Is(err, ledger.ErrInvalidInput), "got %v", err)
	assert.False(t, ledger.IsRetryable(err))
	exists, err := store.Exists(ctx, tooLarge.OperationID)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestUndoAction(t *testing.T) {
	l, store := newLedger(t)
	ctx := context.Background()
	therapy := ledger.NewTherapyID()
	pkg := ledger.NewPackageID()
	in := intakeInput()
	in.TherapyID = &therapy
	in.PackageID = &pkg

	orig, err := l.RecordIntake(ctx, in)
	require.NoError(t, err)

	undo := UndoInput{OriginalOperationID: in.OperationID, UndoOperationID: ledger.NewOperationID()}
	res, err := l.UndoAction(ctx, undo)
	require.NoError(t, err)
	assert.False(t, res.WasDuplicate)
	assert.Equal(t, undo.UndoOperationID, res.OperationID)

	e, _, err := store.Fetch(ctx, undo.UndoOperationID)
	require.NoError(t, err)
	assert.Equal(t, ledger.EventIntakeUndone, e.Type)
	require.NotNil(t, e.ReversalOfOperationID)
	assert.Equal(t, in.OperationID, *e.ReversalOfOperationID)
	assert.Equal(t, in.MedicineID, e.MedicineID)
	assert.Equal(t, &therapy, e.TherapyID)
	assert.Equal(t, &pkg, e.PackageID)

	// replaying the same undo returns the undo event
	again, err := l.UndoAction(ctx, undo)
	require.NoError(t, err)
	assert.True(t, again.WasDuplicate)
	assert.Equal(t, res.EventID, again.EventID)

	// a second, different undo references the original
	other, err := l.UndoAction(ctx, UndoInput{OriginalOperationID: in.OperationID, UndoOperationID: ledger.NewOperationID()})
	require.NoError(t, err)
	assert.True(t, other.WasDuplicate)
	assert.Equal(t, in.OperationID, other.OperationID)
	assert.Equal(t, orig.EventID, other.EventID)

	assert.Equal(t, 2, store.Len())
}

func TestUndoMapsEveryUndoableType(t *testing.T) {
	l, store := newLedger(t)
	ctx := context.Background()
	pkg := ledger.NewPackageID()

	record := map[ledger.EventType]func(RecordInput) (Result, error){
		ledger.EventIntakeRecorded:        func(in RecordInput) (Result, error) { return l.RecordIntake(ctx, in) },
		ledger.EventPurchaseRecorded:      func(in RecordInput) (Result, error) { return l.RecordPurchase(ctx, in) },
		ledger.EventPrescriptionRequested: func(in RecordInput) (Result, error) { return l.RequestPrescription(ctx, in) },
		ledger.EventPrescriptionReceived:  func(in RecordInput) (Result, error) { return l.RecordPrescriptionReceived(ctx, in) },
	}
	for typ, run := range record {
		in := intakeInput()
		in.PackageID = &pkg
		_, err := run(in)
		require.NoError(t, err)

		undoOp := ledger.NewOperationID()
		_, err = l.UndoAction(ctx, UndoInput{OriginalOperationID: in.OperationID, UndoOperationID: undoOp})
		require.NoError(t, err)

		e, _, err := store.Fetch(ctx, undoOp)
		require.NoError(t, err)
		want, _ := typ.UndoType()
		assert.Equal(t, want, e.Type, typ)
	}
}

func TestUndoUnknownOperation(t *testing.T) {
	l, store := newLedger(t)
	_, err := l.UndoAction(context.Background(), UndoInput{
		OriginalOperationID: ledger.NewOperationID(),
		UndoOperationID:     ledger.NewOperationID(),
	})
	assert.True(t, errors.Is(err, ledger.ErrNotFound), "got %v", err)
	assert.False(t, ledger.IsRetryable(err))
	assert.Equal(t, 0, store.Len())
}

func TestUndoOfUndoIsRejected(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	in := intakeInput()
	_, err := l.RecordIntake(ctx, in)
	require.NoError(t, err)
	undoOp := ledger.NewOperationID()
	_, err = l.UndoAction(ctx, UndoInput{OriginalOperationID: in.OperationID, UndoOperationID: undoOp})
	require.NoError(t, err)

	_, err = l.UndoAction(ctx, UndoInput{OriginalOperationID: undoOp, UndoOperationID: ledger.NewOperationID()})
	assert.True(t, errors.Is(err, ledger.ErrInvalidInput), "got %v", err)
}

func TestConcurrentDuplicateRecords(t *testing.T) {
	l, store := newLedger(t)
	ctx := context.Background()
	in := intakeInput()

	const callers = 16
	results := make([]Result, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = l.RecordIntake(ctx, in)
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i := range results {
		require.NoError(t, errs[i])
		if !results[i].WasDuplicate {
			fresh++
		}
		assert.Equal(t, results[0].EventID, results[i].EventID)
	}
	assert.LessOrEqual(t, fresh, 1)
	assert.Equal(t, 1, store.Len())
}

func TestConcurrentUndos(t *testing.T) {
	l, store := newLedger(t)
	ctx := context.Background()
	in := intakeInput()
	_, err := l.RecordIntake(ctx, in)
	require.NoError(t, err)

	const callers = 8
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fresh int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.UndoAction(ctx, UndoInput{OriginalOperationID: in.OperationID, UndoOperationID: ledger.NewOperationID()})
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			if !res.WasDuplicate {
				fresh++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, fresh)
	assert.Equal(t, 2, store.Len())
}

// racyStore hides existing operations from the pre-check so the duplicate
// surfaces at append time.
type racyStore struct {
	*memory.Store
}

func (racyStore) Exists(context.Context, ledger.OperationID) (bool, error) { return false, nil }

func (racyStore) HasReversal(context.Context, ledger.OperationID) (bool, error) { return false, nil }

func TestRaceLostDuplicatesFold(t *testing.T) {
	inner := memory.New()
	l := New(racyStore{inner}, ledger.NewFixedClock(now), nil, nil)
	ctx := context.Background()
	in := intakeInput()

	first, err := l.RecordIntake(ctx, in)
	require.NoError(t, err)
	second, err := l.RecordIntake(ctx, in)
	require.NoError(t, err)
	assert.True(t, second.WasDuplicate)
	assert.Equal(t, first.EventID, second.EventID)

	_, err = l.UndoAction(ctx, UndoInput{OriginalOperationID: in.OperationID, UndoOperationID: ledger.NewOperationID()})
	require.NoError(t, err)
	lost, err := l.UndoAction(ctx, UndoInput{OriginalOperationID: in.OperationID, UndoOperationID: ledger.NewOperationID()})
	require.NoError(t, err)
	assert.True(t, lost.WasDuplicate)
	assert.Equal(t, in.OperationID, lost.OperationID)
	assert.Equal(t, 2, inner.Len())
}

// driverError stands in for an adapter-specific error type
type driverError struct{ msg string }

func (e *driverError) Error() string { return e.msg }

type brokenStore struct {
	*memory.Store
	existsErr error
	appendErr error
}

func (s brokenStore) Exists(ctx context.Context, op ledger.OperationID) (bool, error) {
	if s.existsErr != nil {
		return false, s.existsErr
	}
	return s.Store.Exists(ctx, op)
}

func (s brokenStore) Append(ctx context.Context, e ledger.DomainEvent) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	return s.Store.Append(ctx, e)
}

func TestSaveFailedDoesNotLeakStorageErrors(t *testing.T) {
	ctx := context.Background()
	cases := map[string]brokenStore{
		"exists": {Store: memory.New(), existsErr: &driverError{"connection reset"}},
		"append": {Store: memory.New(), appendErr: &driverError{"connection reset"}},
	}
	for name, store := range cases {
		t.Run(name, func(t *testing.T) {
			l := New(store, ledger.NewFixedClock(now), nil, nil)
			_, err := l.RecordIntake(ctx, intakeInput())
			require.Error(t, err)
			assert.True(t, errors.Is(err, ledger.ErrSaveFailed))
			assert.True(t, ledger.IsRetryable(err))
			assert.Contains(t, err.Error(), "connection reset")

			var de *driverError
			assert.False(t, errors.As(err, &de), "storage error type must not be reachable")
		})
	}
}

func TestCommandMetrics(t *testing.T) {
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	l := New(memory.New(), ledger.NewFixedClock(now), nil, m)
	ctx := context.Background()
	in := intakeInput()

	_, err := l.RecordIntake(ctx, in)
	require.NoError(t, err)
	_, err = l.RecordIntake(ctx, in)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandsTotal.WithLabelValues("record_intake", metrics.OutcomeRecorded)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandsTotal.WithLabelValues("record_intake", metrics.OutcomeDuplicate)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsAppended.WithLabelValues(string(ledger.EventIntakeRecorded))))
}
