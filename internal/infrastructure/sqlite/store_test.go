package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pillpal/medledger/internal/domain/ledger"
	"github.com/pillpal/medledger/internal/domain/ledger/ledgertest"
)

func createTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreContract(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) ledger.Store { return createTestStore(t) })
}

func TestInMemoryDatabase(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	e := ledgertest.Event(ledger.EventIntakeRecorded, ledger.NewMedicineID(), ledgertest.Base)
	require.NoError(t, s.Append(context.Background(), e))
	ok, err := s.Exists(context.Background(), e.OperationID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEventsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	e := ledgertest.Event(ledger.EventPurchaseRecorded, ledger.NewMedicineID(), ledgertest.Base.Add(123456*time.Nanosecond))
	require.NoError(t, s.Append(ctx, e))
	require.NoError(t, s.MarkSynced(ctx, e.ID))
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, found, err := reopened.Fetch(ctx, e.OperationID)
	require.NoError(t, err)
	require.True(t, found)
	ledgertest.AssertSameEvent(t, e, got)

	unsynced, err := reopened.FetchUnsyncedEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, unsynced)
}

func TestClosedStoreFails(t *testing.T) {
	s := createTestStore(t)
	require.NoError(t, s.Close())

	_, err := s.Exists(context.Background(), ledger.NewOperationID())
	assert.Error(t, err)
	err = s.Append(context.Background(), ledgertest.Event(ledger.EventIntakeRecorded, ledger.NewMedicineID(), ledgertest.Base))
	assert.Error(t, err)
}

func TestCountUnsynced(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	medicine := ledger.NewMedicineID()

	first := ledgertest.Event(ledger.EventIntakeRecorded, medicine, ledgertest.Base)
	second := ledgertest.Event(ledger.EventPurchaseRecorded, medicine, ledgertest.Base.Add(time.Minute))
	require.NoError(t, s.Append(ctx, first))
	require.NoError(t, s.Append(ctx, second))
	require.NoError(t, s.MarkSynced(ctx, second.ID))

	n, err := s.CountUnsynced(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
