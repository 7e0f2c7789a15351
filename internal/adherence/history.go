// Package adherence projects a medicine's ledger history into adherence
// reports and stock levels.
//
// Projections read the ledger through ledger.HistoryReader and never write.
// A reversed operation and its reversal cancel out: neither is counted.
package adherence

import (
	"time"

	"github.com/pillpal/medledger/internal/domain/ledger"
)

// Effective drops reversal events and the events they reverse, keeping the
// order of events
func Effective(events []ledger.DomainEvent) []ledger.DomainEvent {
	reversed := make(map[ledger.OperationID]bool)
	for _, e := range events {
		if e.ReversalOfOperationID != nil {
			reversed[*e.ReversalOfOperationID] = true
		}
	}

	out := make([]ledger.DomainEvent, 0, len(events))
	for _, e := range events {
		if e.IsReversal() || e.Type.IsUndo() || reversed[e.OperationID] {
			continue
		}
		out = append(out, e)
	}
	return out
}

// startOfDay returns midnight of the calendar day containing t in loc
func startOfDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// addDays steps whole calendar days, keeping midnight across DST changes
func addDays(day time.Time, n int) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d+n, 0, 0, 0, 0, day.Location())
}

func orUTC(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}
