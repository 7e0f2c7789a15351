// Package postgres provides the PostgreSQL event store of the ledger.
//
// operation_id is UNIQUE and a partial unique index admits one reversal per
// original. Append inserts with ON CONFLICT DO NOTHING; a command tag with
// zero rows is a duplicate.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/pillpal/medledger/internal/domain/ledger"
)

//go:embed schema.sql
var schemaSQL string

// Store persists ledger events in PostgreSQL
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ ledger.Store = (*Store)(nil)

// NewStore creates a new store over an existing pool
func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, logger: logger}
}

// Migrate creates the ledger tables if they do not exist
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const selectColumns = `id, operation_id, event_type, occurred_at, medicine_id,
	therapy_id, package_id, reversal_of_operation_id, quantity`

// Exists implements ledger.EventStore
func (s *Store) Exists(ctx context.Context, op ledger.OperationID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM ledger_events WHERE operation_id = $1)`, op.String()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("exists: %w", err)
	}
	return exists, nil
}

// Fetch implements ledger.EventStore
func (s *Store) Fetch(ctx context.Context, op ledger.OperationID) (ledger.DomainEvent, bool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM ledger_events WHERE operation_id = $1`, op.String())
	e, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.DomainEvent{}, false, nil
	}
	if err != nil {
		return ledger.DomainEvent{}, false, fmt.Errorf("fetch: %w", err)
	}
	return e, true, nil
}

// HasReversal implements ledger.EventStore
func (s *Store) HasReversal(ctx context.Context, op ledger.OperationID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM ledger_events WHERE reversal_of_operation_id = $1)`, op.String()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has reversal: %w", err)
	}
	return exists, nil
}

// Append implements ledger.EventStore
func (s *Store) Append(ctx context.Context, e ledger.DomainEvent) error {
	if err := e.Validate(); err != nil {
		return err
	}
	query := `
		INSERT INTO ledger_events
		(id, operation_id, event_type, occurred_at, medicine_id, therapy_id, package_id, reversal_of_operation_id, quantity)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT DO NOTHING
	`
	var quantity *int32
	if e.Quantity != nil {
		q := int32(*e.Quantity)
		quantity = &q
	}

	var tag pgconn.CommandTag
	tag, err := s.pool.Exec(ctx, query,
		e.ID.String(),
		e.OperationID.String(),
		string(e.Type),
		e.Timestamp.UTC(),
		e.MedicineID.String(),
		optionalID(e.TherapyID),
		optionalID(e.PackageID),
		optionalID(e.ReversalOfOperationID),
		quantity,
	)
	if err != nil {
		return fmt.Errorf("append: %w", describe(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("operation %s: %w", e.OperationID, ledger.ErrDuplicateOperation)
	}
	return nil
}

// FetchUnsyncedEvents implements ledger.EventStore
func (s *Store) FetchUnsyncedEvents(ctx context.Context, limit int) ([]ledger.DomainEvent, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+selectColumns+` FROM ledger_events
		WHERE synced_at IS NULL
		ORDER BY seq ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch unsynced: %w", err)
	}
	return collect(rows)
}

// MarkSynced implements ledger.SyncMarker
func (s *Store) MarkSynced(ctx context.Context, eventIDs ...uuid.UUID) error {
	if len(eventIDs) == 0 {
		return nil
	}
	ids := make([]string, len(eventIDs))
	for i, id := range eventIDs {
		ids[i] = id.String()
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE ledger_events
		SET synced_at = NOW()
		WHERE synced_at IS NULL AND id = ANY($1)
	`, ids)
	if err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	return nil
}

// CountUnsynced returns the size of the sync backlog
func (s *Store) CountUnsynced(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_events WHERE synced_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unsynced: %w", err)
	}
	return n, nil
}

// relayLockID keys the advisory lock that elects the active sync relay
const relayLockID int64 = 0x6d65646c6564 // "medled"

// TryLock takes the relay advisory lock on a dedicated connection. The lock
// is session scoped, so the connection is held until unlock.
func (s *Store) TryLock(ctx context.Context) (func(), bool, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", relayLockID).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		if _, err := conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", relayLockID); err != nil {
			s.logger.Warn("release relay lock", zap.Error(err))
		}
		conn.Release()
	}
	return unlock, true, nil
}

// ListByMedicine implements ledger.HistoryReader
func (s *Store) ListByMedicine(ctx context.Context, medicine ledger.MedicineID) ([]ledger.DomainEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+selectColumns+` FROM ledger_events
		WHERE medicine_id = $1
		ORDER BY seq ASC
	`, medicine.String())
	if err != nil {
		return nil, fmt.Errorf("list by medicine: %w", err)
	}
	return collect(rows)
}

func scanEvent(row pgx.Row) (ledger.DomainEvent, error) {
	var (
		e                      ledger.DomainEvent
		id, op, typ, medicine  string
		occurredAt             time.Time
		therapy, pkg, reversal *string
		quantity               *int32
	)
	if err := row.Scan(&id, &op, &typ, &occurredAt, &medicine, &therapy, &pkg, &reversal, &quantity); err != nil {
		return e, err
	}

	var err error
	if e.ID, err = uuid.Parse(id); err != nil {
		return e, fmt.Errorf("event id %q: %w", id, err)
	}
	if e.OperationID, err = ledger.ParseOperationID(op); err != nil {
		return e, err
	}
	if e.MedicineID, err = ledger.ParseMedicineID(medicine); err != nil {
		return e, err
	}
	e.Type = ledger.EventType(typ)
	e.Timestamp = occurredAt.UTC()

	if therapy != nil {
		v, err := ledger.ParseTherapyID(*therapy)
		if err != nil {
			return e, err
		}
		e.TherapyID = &v
	}
	if pkg != nil {
		v, err := ledger.ParsePackageID(*pkg)
		if err != nil {
			return e, err
		}
		e.PackageID = &v
	}
	if reversal != nil {
		v, err := ledger.ParseOperationID(*reversal)
		if err != nil {
			return e, err
		}
		e.ReversalOfOperationID = &v
	}
	if quantity != nil {
		q := int(*quantity)
		e.Quantity = &q
	}
	return e, nil
}

func collect(rows pgx.Rows) ([]ledger.DomainEvent, error) {
	defer rows.Close()
	var out []ledger.DomainEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func optionalID[T fmt.Stringer](id *T) *string {
	if id == nil {
		return nil
	}
	s := (*id).String()
	return &s
}

// describe adds the server's error code and constraint to pg errors
func describe(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%s (sqlstate %s, constraint %q): %w", pgErr.Message, pgErr.Code, pgErr.ConstraintName, err)
	}
	return err
}
