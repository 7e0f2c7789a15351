// Package redisstore keeps the ledger in Redis.
//
// Events are JSON values keyed by operation ID. A monotonically increasing
// sequence orders them in two sorted sets: the unsynced queue and the
// per-medicine history. Append runs as one Lua script, so the duplicate
// checks and every write are atomic.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pillpal/medledger/internal/domain/ledger"
)

// DefaultPrefix namespaces every key written by the store
const DefaultPrefix = "medledger:"

const (
	appendOK              = 1
	appendDuplicateOp     = 0
	appendDuplicateUndo   = -1
	noReversalPlaceholder = "none"
)

// KEYS: event, reversal, seq, unsynced, medicine, byid
// ARGV: payload, operation id, is reversal
var appendScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
if ARGV[3] == '1' and redis.call('EXISTS', KEYS[2]) == 1 then
	return -1
end

local seq = redis.call('INCR', KEYS[3])
redis.call('SET', KEYS[1], ARGV[1])
if ARGV[3] == '1' then
	redis.call('SET', KEYS[2], ARGV[2])
end
redis.call('ZADD', KEYS[4], seq, ARGV[2])
redis.call('ZADD', KEYS[5], seq, ARGV[2])
redis.call('SET', KEYS[6], ARGV[2])
return 1
`)

// KEYS: unsynced, byid...
var markSyncedScript = redis.NewScript(`
local n = 0
for i = 2, #KEYS do
	local op = redis.call('GET', KEYS[i])
	if op then
		n = n + redis.call('ZREM', KEYS[1], op)
	end
end
return n
`)

// Store is a Redis-backed event store
type Store struct {
	client *redis.Client
	prefix string
}

var _ ledger.Store = (*Store)(nil)

// NewStore creates a store writing keys under prefix. An empty prefix uses
// DefaultPrefix.
func NewStore(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// Ping checks the Redis connection
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) eventKey(op string) string    { return s.prefix + "event:" + op }
func (s *Store) reversalKey(op string) string { return s.prefix + "reversal:" + op }
func (s *Store) byIDKey(id string) string     { return s.prefix + "byid:" + id }
func (s *Store) medicineKey(id string) string { return s.prefix + "medicine:" + id }
func (s *Store) seqKey() string               { return s.prefix + "seq" }
func (s *Store) unsyncedKey() string          { return s.prefix + "unsynced" }

// Exists implements ledger.EventStore
func (s *Store) Exists(ctx context.Context, op ledger.OperationID) (bool, error) {
	n, err := s.client.Exists(ctx, s.eventKey(op.String())).Result()
	if err != nil {
		return false, fmt.Errorf("exists: %w", err)
	}
	return n == 1, nil
}

// Fetch implements ledger.EventStore
func (s *Store) Fetch(ctx context.Context, op ledger.OperationID) (ledger.DomainEvent, bool, error) {
	data, err := s.client.Get(ctx, s.eventKey(op.String())).Bytes()
	if errors.Is(err, redis.Nil) {
		return ledger.DomainEvent{}, false, nil
	}
	if err != nil {
		return ledger.DomainEvent{}, false, fmt.Errorf("fetch: %w", err)
	}
	var e ledger.DomainEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return ledger.DomainEvent{}, false, fmt.Errorf("decode event %s: %w", op, err)
	}
	return e, true, nil
}

// HasReversal implements ledger.EventStore
func (s *Store) HasReversal(ctx context.Context, op ledger.OperationID) (bool, error) {
	n, err := s.client.Exists(ctx, s.reversalKey(op.String())).Result()
	if err != nil {
		return false, fmt.Errorf("has reversal: %w", err)
	}
	return n == 1, nil
}

// Append implements ledger.EventStore
func (s *Store) Append(ctx context.Context, e ledger.DomainEvent) error {
	if err := e.Validate(); err != nil {
		return err
	}
	e.Timestamp = e.Timestamp.UTC()
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	op := e.OperationID.String()
	reversal, isReversal := s.reversalKey(noReversalPlaceholder), "0"
	if e.ReversalOfOperationID != nil {
		reversal, isReversal = s.reversalKey(e.ReversalOfOperationID.String()), "1"
	}

	keys := []string{
		s.eventKey(op),
		reversal,
		s.seqKey(),
		s.unsyncedKey(),
		s.medicineKey(e.MedicineID.String()),
		s.byIDKey(e.ID.String()),
	}
	result, err := appendScript.Run(ctx, s.client, keys, payload, op, isReversal).Int()
	if err != nil {
		return fmt.Errorf("append: %w", err)
	}

	switch result {
	case appendOK:
		return nil
	case appendDuplicateOp:
		return fmt.Errorf("operation %s: %w", op, ledger.ErrDuplicateOperation)
	case appendDuplicateUndo:
		return fmt.Errorf("reversal of %s: %w", e.ReversalOfOperationID, ledger.ErrDuplicateOperation)
	default:
		return fmt.Errorf("append: unexpected script result %d", result)
	}
}

// FetchUnsyncedEvents implements ledger.EventStore
func (s *Store) FetchUnsyncedEvents(ctx context.Context, limit int) ([]ledger.DomainEvent, error) {
	if limit <= 0 {
		return nil, nil
	}
	ops, err := s.client.ZRange(ctx, s.unsyncedKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch unsynced: %w", err)
	}
	return s.load(ctx, ops)
}

// MarkSynced implements ledger.SyncMarker
func (s *Store) MarkSynced(ctx context.Context, eventIDs ...uuid.UUID) error {
	if len(eventIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(eventIDs)+1)
	keys = append(keys, s.unsyncedKey())
	for _, id := range eventIDs {
		keys = append(keys, s.byIDKey(id.String()))
	}
	if err := markSyncedScript.Run(ctx, s.client, keys).Err(); err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	return nil
}

// CountUnsynced returns the size of the sync backlog
func (s *Store) CountUnsynced(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.unsyncedKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("count unsynced: %w", err)
	}
	return int(n), nil
}

// ListByMedicine implements ledger.HistoryReader
func (s *Store) ListByMedicine(ctx context.Context, medicine ledger.MedicineID) ([]ledger.DomainEvent, error) {
	ops, err := s.client.ZRange(ctx, s.medicineKey(medicine.String()), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list by medicine: %w", err)
	}
	return s.load(ctx, ops)
}

// load reads the events of ops, preserving order
func (s *Store) load(ctx context.Context, ops []string) ([]ledger.DomainEvent, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ops))
	for i, op := range ops {
		keys[i] = s.eventKey(op)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}

	out := make([]ledger.DomainEvent, 0, len(values))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("load events: missing event %s", ops[i])
		}
		var e ledger.DomainEvent
		if err := json.Unmarshal([]byte(str), &e); err != nil {
			return nil, fmt.Errorf("decode event %s: %w", ops[i], err)
		}
		out = append(out, e)
	}
	return out, nil
}
