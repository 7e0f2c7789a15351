// Package therapy describes medicines and the dose schedules they are taken on.
package therapy

import (
	"context"
	"time"

	"github.com/pillpal/medledger/internal/domain/ledger"
	"github.com/pillpal/medledger/internal/domain/recurrence"
)

// Medicine is a stocked medicine
type Medicine struct {
	ID              ledger.MedicineID
	Name            string
	UnitsPerPackage int
}

// Therapy is a medicine taken on a recurring schedule
type Therapy struct {
	ID         ledger.TherapyID
	MedicineID ledger.MedicineID
	Name       string
	// Rule is the RRULE string as configured. An unparseable rule plans nothing.
	Rule         string
	StartDate    time.Time
	DoseTimes    []recurrence.DoseTime
	UnitsPerDose int
}

// Recurrence returns the parsed schedule, or the zero rule when Rule is invalid
func (t Therapy) Recurrence() recurrence.Rule {
	return recurrence.ParseOrNone(t.Rule)
}

// DosesPerDay is the number of dose slots on a firing day
func (t Therapy) DosesPerDay() int {
	return len(t.DoseTimes)
}

// NextDose returns the first dose at or after `after`
func (t Therapy) NextDose(after time.Time, loc *time.Location) (time.Time, bool) {
	return recurrence.NextOccurrence(t.Recurrence(), t.StartDate, after, t.DoseTimes, loc)
}

// AllowedOn returns the doses planned on the calendar day containing day
func (t Therapy) AllowedOn(day time.Time, loc *time.Location) int {
	return recurrence.AllowedEvents(day, t.Recurrence(), t.StartDate, t.DosesPerDay(), loc)
}

// Describe renders the schedule in English
func (t Therapy) Describe() string {
	return recurrence.DescribeSchedule(t.Recurrence(), t.DoseTimes)
}

// Provider supplies medicines and therapies to aggregators and handlers.
// Lookups of unknown IDs return an error matching ledger.ErrNotFound.
type Provider interface {
	Medicine(ctx context.Context, id ledger.MedicineID) (Medicine, error)
	Therapy(ctx context.Context, id ledger.TherapyID) (Therapy, error)
	TherapiesOf(ctx context.Context, medicine ledger.MedicineID) ([]Therapy, error)
	// Location is the zone civil days are computed in
	Location() *time.Location
}
