package recurrence

import (
	"fmt"
	"sort"
	"time"
)

// DoseTime is an intra-day dose slot in wall-clock time
type DoseTime struct {
	Hour   int
	Minute int
}

// ParseDoseTime parses "HH:MM"
func ParseDoseTime(s string) (DoseTime, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return DoseTime{}, fmt.Errorf("dose time %q: want HH:MM", s)
	}
	return DoseTime{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (d DoseTime) String() string {
	return fmt.Sprintf("%02d:%02d", d.Hour, d.Minute)
}

func (d DoseTime) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *DoseTime) UnmarshalText(b []byte) error {
	v, err := ParseDoseTime(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d DoseTime) minutes() int { return d.Hour*60 + d.Minute }

// on places the slot on a civil day in loc. A slot inside a spring-forward
// gap moves forward by the length of the gap (02:30 becomes 03:30).
func (d DoseTime) on(day civilDate, loc *time.Location) time.Time {
	t := time.Date(day.year, day.month, day.day, d.Hour, d.Minute, 0, 0, loc)
	want := time.Date(day.year, day.month, day.day, d.Hour, d.Minute, 0, 0, time.UTC)
	if gap := want.Sub(wallClock(t)); gap > 0 {
		// time.Date resolves a missing wall time to before the gap
		t = t.Add(gap)
	}
	return t
}

// wallClock reads the wall time of t as if it were UTC
func wallClock(t time.Time) time.Time {
	y, m, dd := t.Date()
	h, mm, sec := t.Clock()
	return time.Date(y, m, dd, h, mm, sec, t.Nanosecond(), time.UTC)
}

// sortedDoses returns the slots in time-of-day order without duplicates
func sortedDoses(doses []DoseTime) []DoseTime {
	out := append([]DoseTime(nil), doses...)
	sort.Slice(out, func(i, j int) bool { return out[i].minutes() < out[j].minutes() })
	n := 0
	for i, d := range out {
		if i > 0 && d == out[n-1] {
			continue
		}
		out[n] = d
		n++
	}
	return out[:n]
}

// civilDate is a calendar day with no zone attached
type civilDate struct {
	year  int
	month time.Month
	day   int
}

func dateOf(t time.Time, loc *time.Location) civilDate {
	y, m, d := t.In(loc).Date()
	return civilDate{y, m, d}
}

// number counts days since 1970-01-01
func (c civilDate) number() int64 {
	return time.Date(c.year, c.month, c.day, 0, 0, 0, 0, time.UTC).Unix() / 86400
}

func (c civilDate) weekday() time.Weekday {
	return time.Date(c.year, c.month, c.day, 0, 0, 0, 0, time.UTC).Weekday()
}

func (c civilDate) addDays(n int) civilDate {
	y, m, d := time.Date(c.year, c.month, c.day+n, 0, 0, 0, 0, time.UTC).Date()
	return civilDate{y, m, d}
}

func (c civilDate) startIn(loc *time.Location) time.Time {
	return time.Date(c.year, c.month, c.day, 0, 0, 0, 0, loc)
}
