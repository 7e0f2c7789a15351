package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pillpal/medledger/internal/domain/ledger"
	"github.com/pillpal/medledger/internal/domain/ledger/ledgertest"
)

// createTestStore connects to TEST_DATABASE_URL and empties the ledger table
func createTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	s := NewStore(pool, zaptest.NewLogger(t))
	require.NoError(t, s.Migrate(ctx))
	_, err = pool.Exec(ctx, `TRUNCATE ledger_events RESTART IDENTITY`)
	require.NoError(t, err)
	return s
}

func TestStoreContract(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) ledger.Store { return createTestStore(t) })
}

func TestMigrateIsRepeatable(t *testing.T) {
	s := createTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Ping(context.Background()))
}

func TestCountUnsynced(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	medicine := ledger.NewMedicineID()

	first := ledgertest.Event(ledger.EventIntakeRecorded, medicine, ledgertest.Base)
	second := ledgertest.Event(ledger.EventIntakeRecorded, medicine, ledgertest.Base.Add(1))
	require.NoError(t, s.Append(ctx, first))
	require.NoError(t, s.Append(ctx, second))

	n, err := s.CountUnsynced(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.MarkSynced(ctx, first.ID))
	n, err = s.CountUnsynced(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTryLockElectsOneHolder(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	unlock, acquired, err := s.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	_, again, err := s.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, again, "second session must not get the lock")

	unlock()
	unlock2, acquired, err := s.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, acquired)
	unlock2()
}
