package adherence

import (
	"context"
	"fmt"
	"time"

	"github.com/pillpal/medledger/internal/domain/ledger"
	"github.com/pillpal/medledger/internal/domain/recurrence"
	"github.com/pillpal/medledger/internal/domain/therapy"
)

// Level is the stock of one medicine at a point in time.
//
// DaysRemaining counts the calendar days after today fully covered by the
// units on hand. DaysRemaining and DepletionDate are nil when the therapies
// consume nothing within the lookahead.
type Level struct {
	MedicineID    ledger.MedicineID `json:"medicine_id"`
	At            time.Time         `json:"at"`
	UnitsOnHand   int               `json:"units_on_hand"`
	DaysRemaining *int              `json:"days_remaining,omitempty"`
	DepletionDate *time.Time        `json:"depletion_date,omitempty"`
}

// Stock computes units on hand for medicine from its history: purchases add
// a package, adjustments add their quantity and intakes remove the dose of
// their therapy. It then projects the medicine's therapies forward from now
// to find the day the stock runs out.
func Stock(ctx context.Context, history ledger.HistoryReader, provider therapy.Provider, medicine ledger.MedicineID, now time.Time, loc *time.Location) (Level, error) {
	loc = orUTC(loc)

	med, err := provider.Medicine(ctx, medicine)
	if err != nil {
		return Level{}, err
	}
	therapies, err := provider.TherapiesOf(ctx, medicine)
	if err != nil {
		return Level{}, err
	}
	events, err := history.ListByMedicine(ctx, medicine)
	if err != nil {
		return Level{}, fmt.Errorf("read history: %w", err)
	}

	dose := make(map[ledger.TherapyID]int, len(therapies))
	for _, t := range therapies {
		dose[t.ID] = unitsPerDose(t)
	}

	units := 0
	for _, e := range Effective(events) {
		switch e.Type {
		case ledger.EventPurchaseRecorded:
			units += med.UnitsPerPackage
		case ledger.EventStockAdjusted:
			if e.Quantity != nil {
				units += *e.Quantity
			}
		case ledger.EventIntakeRecorded:
			units -= intakeUnits(ctx, provider, dose, e)
		}
	}

	level := Level{MedicineID: medicine, At: now, UnitsOnHand: units}
	if days, depletion, ok := project(units, therapies, now, loc); ok {
		level.DaysRemaining = &days
		level.DepletionDate = &depletion
	}
	return level, nil
}

// intakeUnits is the dose of the intake's therapy. Intakes without a known
// therapy take one unit.
func intakeUnits(ctx context.Context, provider therapy.Provider, dose map[ledger.TherapyID]int, e ledger.DomainEvent) int {
	if e.TherapyID == nil {
		return 1
	}
	if n, ok := dose[*e.TherapyID]; ok {
		return n
	}
	t, err := provider.Therapy(ctx, *e.TherapyID)
	if err != nil {
		return 1
	}
	n := unitsPerDose(t)
	dose[t.ID] = n
	return n
}

func unitsPerDose(t therapy.Therapy) int {
	if t.UnitsPerDose < 1 {
		return 1
	}
	return t.UnitsPerDose
}

// project consumes units along the schedules: first the doses still due
// today after now, then whole days. It reports the number of days after
// today that were fully covered and the day the stock falls short.
func project(units int, therapies []therapy.Therapy, now time.Time, loc *time.Location) (int, time.Time, bool) {
	today := startOfDay(now, loc)
	if units <= 0 {
		return 0, today, true
	}

	tomorrow := addDays(today, 1)
	for _, t := range therapies {
		due := recurrence.Occurrences(t.Recurrence(), t.StartDate, now, tomorrow.Add(-time.Nanosecond), t.DoseTimes, loc, 0)
		units -= len(due) * unitsPerDose(t)
	}
	if units < 0 {
		return 0, today, true
	}

	for n := 1; n <= recurrence.MaxLookaheadDays; n++ {
		day := addDays(today, n)
		for _, t := range therapies {
			units -= t.AllowedOn(day, loc) * unitsPerDose(t)
		}
		if units < 0 {
			return n - 1, day, true
		}
	}
	return 0, time.Time{}, false
}
