// Package idempotency derives operation IDs for ledger commands.
// Deterministic keys: UUIDv5(namespace, medicine|therapy|scheduled slot)
package idempotency

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Namespace scopes every derived operation ID
var Namespace = uuid.MustParse("6f0c4c1e-4b0a-5d2e-9c3f-8a1b2c3d4e5f")

// NewOperationID returns a random operation ID for commands without a natural key
func NewOperationID() uuid.UUID {
	return uuid.New()
}

// DoseOperationID derives the operation ID of confirming one scheduled dose.
// Two devices confirming the same reminder produce the same ID, so the ledger
// records a single intake.
func DoseOperationID(medicine, therapy uuid.UUID, scheduledAt time.Time) uuid.UUID {
	// Truncate to the minute so dose slots compare across clocks
	slot := scheduledAt.UTC().Truncate(time.Minute).Format(time.RFC3339)
	return Derive("dose", medicine.String(), therapy.String(), slot)
}

// Derive builds a name-based ID from the kind and its parts
func Derive(kind string, parts ...string) uuid.UUID {
	data := kind + "|" + strings.Join(parts, "|")
	return uuid.NewSHA1(Namespace, []byte(data))
}
