package adherence

import (
	"context"
	"fmt"
	"time"

	"github.com/pillpal/medledger/internal/domain/ledger"
	"github.com/pillpal/medledger/internal/domain/recurrence"
	"github.com/pillpal/medledger/internal/domain/therapy"
)

// Day is one calendar day of an adherence report
type Day struct {
	Date    time.Time `json:"date"`
	Planned int       `json:"planned"`
	Taken   int       `json:"taken"`
}

// Summary is the adherence of one therapy over a range of days.
// Ratio credits at most Planned intakes per day, so extra intakes never
// offset missed days. With nothing planned the ratio is zero.
type Summary struct {
	TherapyID ledger.TherapyID `json:"therapy_id"`
	From      time.Time        `json:"from"`
	To        time.Time        `json:"to"`
	Days      []Day            `json:"days"`
	Planned   int              `json:"planned"`
	Taken     int              `json:"taken"`
	Ratio     float64          `json:"ratio"`
}

// Report compares planned doses of t with the intakes recorded for it on the
// calendar days from `from` to `to`, inclusive, in loc
func Report(ctx context.Context, history ledger.HistoryReader, t therapy.Therapy, from, to time.Time, loc *time.Location) (Summary, error) {
	loc = orUTC(loc)
	first, last := startOfDay(from, loc), startOfDay(to, loc)
	if last.Before(first) {
		return Summary{}, fmt.Errorf("%w: range ends before it starts", ledger.ErrInvalidInput)
	}
	if addDays(first, recurrence.MaxLookaheadDays).Before(last) {
		return Summary{}, fmt.Errorf("%w: range exceeds %d days", ledger.ErrInvalidInput, recurrence.MaxLookaheadDays)
	}

	events, err := history.ListByMedicine(ctx, t.MedicineID)
	if err != nil {
		return Summary{}, fmt.Errorf("read history: %w", err)
	}

	taken := make(map[time.Time]int)
	for _, e := range Effective(events) {
		if e.Type != ledger.EventIntakeRecorded || e.TherapyID == nil || *e.TherapyID != t.ID {
			continue
		}
		taken[startOfDay(e.Timestamp, loc)]++
	}

	s := Summary{TherapyID: t.ID, From: first, To: last}
	credited := 0
	for day := first; !day.After(last); day = addDays(day, 1) {
		d := Day{
			Date:    day,
			Planned: t.AllowedOn(day, loc),
			Taken:   taken[day],
		}
		s.Days = append(s.Days, d)
		s.Planned += d.Planned
		s.Taken += d.Taken
		credited += min(d.Taken, d.Planned)
	}
	if s.Planned > 0 {
		s.Ratio = float64(credited) / float64(s.Planned)
	}
	return s, nil
}
