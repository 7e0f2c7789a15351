// Package sqlite is a single-file ledger.Store for devices and the CLI.
//
// Atomicity comes from the schema: operation_id is UNIQUE and a partial
// unique index admits one reversal per original. Append inserts with
// ON CONFLICT DO NOTHING and treats zero affected rows as a duplicate.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/pillpal/medledger/internal/domain/ledger"
)

//go:embed schema.sql
var schemaSQL string

// Store is a SQLite-backed event store
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ ledger.Store = (*Store)(nil)

// Open creates or opens the database at path and applies the schema.
// Use ":memory:" for a private in-memory database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// one connection: SQLite has a single writer, and :memory: databases are per connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const selectColumns = `id, operation_id, event_type, occurred_at, medicine_id,
	therapy_id, package_id, reversal_of_operation_id, quantity`

// Exists implements ledger.EventStore
func (s *Store) Exists(ctx context.Context, op ledger.OperationID) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM ledger_events WHERE operation_id = ?`, op.String()).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists: %w", err)
	}
	return true, nil
}

// Fetch implements ledger.EventStore
func (s *Store) Fetch(ctx context.Context, op ledger.OperationID) (ledger.DomainEvent, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM ledger_events WHERE operation_id = ?`, op.String())
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return ledger.DomainEvent{}, false, nil
	}
	if err != nil {
		return ledger.DomainEvent{}, false, fmt.Errorf("fetch: %w", err)
	}
	return e, true, nil
}

// HasReversal implements ledger.EventStore
func (s *Store) HasReversal(ctx context.Context, op ledger.OperationID) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM ledger_events WHERE reversal_of_operation_id = ?`, op.String()).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has reversal: %w", err)
	}
	return true, nil
}

// Append implements ledger.EventStore
func (s *Store) Append(ctx context.Context, e ledger.DomainEvent) error {
	if err := e.Validate(); err != nil {
		return err
	}
	var quantity any
	if e.Quantity != nil {
		quantity = int64(*e.Quantity)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_events
		(id, operation_id, event_type, occurred_at, medicine_id, therapy_id, package_id, reversal_of_operation_id, quantity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		e.ID.String(),
		e.OperationID.String(),
		string(e.Type),
		e.Timestamp.UTC().UnixNano(),
		e.MedicineID.String(),
		nullableID(e.TherapyID),
		nullableID(e.PackageID),
		nullableID(e.ReversalOfOperationID),
		quantity,
	)
	if err != nil {
		return fmt.Errorf("append: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("append: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("operation %s: %w", e.OperationID, ledger.ErrDuplicateOperation)
	}
	return nil
}

// FetchUnsyncedEvents implements ledger.EventStore
func (s *Store) FetchUnsyncedEvents(ctx context.Context, limit int) ([]ledger.DomainEvent, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+` FROM ledger_events
		WHERE synced_at IS NULL
		ORDER BY seq
		LIMIT ?
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
	args := make([]any, 0, len(eventIDs)+1)
	args = append(args, s.now().UTC().UnixNano())
	for _, id := range eventIDs {
		args = append(args, id.String())
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(eventIDs)), ",")
	_, err := s.db.ExecContext(ctx,
		`UPDATE ledger_events SET synced_at = ? WHERE synced_at IS NULL AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	return nil
}

// CountUnsynced returns the size of the sync backlog
func (s *Store) CountUnsynced(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_events WHERE synced_at IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count unsynced: %w", err)
	}
	return n, nil
}

// ListByMedicine implements ledger.HistoryReader
func (s *Store) ListByMedicine(ctx context.Context, medicine ledger.MedicineID) ([]ledger.DomainEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+` FROM ledger_events
		WHERE medicine_id = ?
		ORDER BY seq
	`, medicine.String())
	if err != nil {
		return nil, fmt.Errorf("list by medicine: %w", err)
	}
	return collect(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (ledger.DomainEvent, error) {
	var (
		e                      ledger.DomainEvent
		id, op, typ, medicine  string
		occurredAt             int64
		therapy, pkg, reversal sql.NullString
		quantity               sql.NullInt64
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
	e.Timestamp = time.Unix(0, occurredAt).UTC()

	if therapy.Valid {
		v, err := ledger.ParseTherapyID(therapy.String)
		if err != nil {
			return e, err
		}
		e.TherapyID = &v
	}
	if pkg.Valid {
		v, err := ledger.ParsePackageID(pkg.String)
		if err != nil {
			return e, err
		}
		e.PackageID = &v
	}
	if reversal.Valid {
		v, err := ledger.ParseOperationID(reversal.String)
		if err != nil {
			return e, err
		}
		e.ReversalOfOperationID = &v
	}
	if quantity.Valid {
		q := int(quantity.Int64)
		e.Quantity = &q
	}
	return e, nil
}

func collect(rows *sql.Rows) ([]ledger.DomainEvent, error) {
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

func nullableID[T fmt.Stringer](id *T) any {
	if id == nil {
		return nil
	}
	return (*id).String()
}
