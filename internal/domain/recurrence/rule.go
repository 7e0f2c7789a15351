// Package recurrence interprets RRULE-style recurrence rules for dose schedules.
//
// The supported grammar is the RFC 5545 subset used by therapies:
//
//	FREQ=DAILY|WEEKLY;INTERVAL=n;BYDAY=MO,WE;UNTIL=20240301T000000Z;COUNT=n;WKST=MO
//
// Everything in this package is pure computation over a Rule and a caller
// supplied *time.Location; nothing reads the wall clock.
package recurrence

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Frequency is the recurrence unit
type Frequency string

const (
	Daily  Frequency = "DAILY"
	Weekly Frequency = "WEEKLY"
)

// ErrInvalidRule is returned by Parse for rules outside the supported grammar
var ErrInvalidRule = errors.New("invalid recurrence rule")

// Rule is a parsed recurrence rule. The zero Rule means "no recurrence".
type Rule struct {
	Freq     Frequency
	Interval int
	// ByDay restricts WEEKLY rules to these weekdays. Empty means the weekday of the start date.
	ByDay []time.Weekday
	// Until is the inclusive end of the rule
	Until *time.Time
	// Count caps the number of occurrence days counted from the start date
	Count     *int
	WeekStart time.Weekday

	// untilFloating marks an UNTIL without a zone designator; its wall clock
	// is interpreted in the caller's location
	untilFloating bool
}

// IsNone reports whether the rule plans no doses at all
func (r Rule) IsNone() bool {
	return r.Freq == ""
}

var weekdayCodes = map[string]time.Weekday{
	"SU": time.Sunday,
	"MO": time.Monday,
	"TU": time.Tuesday,
	"WE": time.Wednesday,
	"TH": time.Thursday,
	"FR": time.Friday,
	"SA": time.Saturday,
}

var weekdayNames = [...]string{"SU", "MO", "TU", "WE", "TH", "FR", "SA"}

// Parse decodes a rule string. Empty input yields the zero Rule and no error.
func Parse(s string) (Rule, error) {
	s = strings.TrimSpace(s)
	if len(s) >= 6 && strings.EqualFold(s[:6], "RRULE:") {
		s = s[6:]
	}
	if s == "" {
		return Rule{}, nil
	}

	r := Rule{Interval: 1, WeekStart: time.Monday}
	seen := make(map[string]bool)

	for _, part := range strings.Split(s, ";") {
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return Rule{}, fmt.Errorf("%w: malformed part %q", ErrInvalidRule, part)
		}
		key = strings.ToUpper(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if seen[key] {
			return Rule{}, fmt.Errorf("%w: repeated %s", ErrInvalidRule, key)
		}
		seen[key] = true

		switch key {
		case "FREQ":
			switch f := Frequency(strings.ToUpper(value)); f {
			case Daily, Weekly:
				r.Freq = f
			default:
				return Rule{}, fmt.Errorf("%w: unsupported FREQ %q", ErrInvalidRule, value)
			}
		case "INTERVAL":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return Rule{}, fmt.Errorf("%w: INTERVAL must be a positive integer", ErrInvalidRule)
			}
			r.Interval = n
		case "COUNT":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return Rule{}, fmt.Errorf("%w: COUNT must be a positive integer", ErrInvalidRule)
			}
			r.Count = &n
		case "UNTIL":
			u, floating, err := parseUntil(value)
			if err != nil {
				return Rule{}, err
			}
			r.Until = &u
			r.untilFloating = floating
		case "BYDAY":
			days, err := parseByDay(value)
			if err != nil {
				return Rule{}, err
			}
			r.ByDay = days
		case "WKST":
			wd, ok := weekdayCodes[strings.ToUpper(value)]
			if !ok {
				return Rule{}, fmt.Errorf("%w: WKST %q", ErrInvalidRule, value)
			}
			r.WeekStart = wd
		default:
			return Rule{}, fmt.Errorf("%w: unsupported part %s", ErrInvalidRule, key)
		}
	}

	if r.Freq == "" {
		return Rule{}, fmt.Errorf("%w: FREQ is required", ErrInvalidRule)
	}
	if r.Freq == Daily {
		// BYDAY only narrows weekly rules
		r.ByDay = nil
	}
	return r, nil
}

// ParseOrNone decodes a rule, mapping unparseable input to "no recurrence"
func ParseOrNone(s string) Rule {
	r, err := Parse(s)
	if err != nil {
		return Rule{}
	}
	return r
}

func parseUntil(v string) (time.Time, bool, error) {
	layouts := []struct {
		layout   string
		floating bool
		endOfDay bool
	}{
		{"20060102T150405Z", false, false},
		{"20060102T150405", true, false},
		{"20060102", true, true},
	}
	for _, l := range layouts {
		t, err := time.Parse(l.layout, v)
		if err != nil {
			continue
		}
		if l.endOfDay {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		return t, l.floating, nil
	}
	return time.Time{}, false, fmt.Errorf("%w: UNTIL %q", ErrInvalidRule, v)
}

func parseByDay(v string) ([]time.Weekday, error) {
	set := make(map[time.Weekday]bool)
	for _, code := range strings.Split(v, ",") {
		wd, ok := weekdayCodes[strings.ToUpper(strings.TrimSpace(code))]
		if !ok {
			return nil, fmt.Errorf("%w: BYDAY %q", ErrInvalidRule, code)
		}
		set[wd] = true
	}
	days := make([]time.Weekday, 0, len(set))
	for wd := range set {
		days = append(days, wd)
	}
	sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })
	return days, nil
}

// until returns the end bound in loc, or nil when unbounded
func (r Rule) until(loc *time.Location) *time.Time {
	if r.Until == nil {
		return nil
	}
	u := *r.Until
	if r.untilFloating {
		u = time.Date(u.Year(), u.Month(), u.Day(), u.Hour(), u.Minute(), u.Second(), u.Nanosecond(), loc)
	}
	return &u
}

// String renders the rule in canonical RRULE form
func (r Rule) String() string {
	if r.IsNone() {
		return ""
	}
	parts := []string{"FREQ=" + string(r.Freq)}
	if r.Interval > 1 {
		parts = append(parts, "INTERVAL="+strconv.Itoa(r.Interval))
	}
	if r.Freq == Weekly && len(r.ByDay) > 0 {
		codes := make([]string, 0, len(r.ByDay))
		for _, wd := range r.weekOrderedDays() {
			codes = append(codes, weekdayNames[wd])
		}
		parts = append(parts, "BYDAY="+strings.Join(codes, ","))
	}
	if r.Until != nil {
		switch {
		case !r.untilFloating:
			parts = append(parts, "UNTIL="+r.Until.UTC().Format("20060102T150405Z"))
		case r.Until.Hour() == 23 && r.Until.Minute() == 59 && r.Until.Nanosecond() == 999999999:
			parts = append(parts, "UNTIL="+r.Until.Format("20060102"))
		default:
			parts = append(parts, "UNTIL="+r.Until.Format("20060102T150405"))
		}
	}
	if r.Count != nil {
		parts = append(parts, "COUNT="+strconv.Itoa(*r.Count))
	}
	if r.WeekStart != time.Monday {
		parts = append(parts, "WKST="+weekdayNames[r.WeekStart])
	}
	return strings.Join(parts, ";")
}

// weekOrderedDays returns ByDay ordered from WeekStart
func (r Rule) weekOrderedDays() []time.Weekday {
	days := append([]time.Weekday(nil), r.ByDay...)
	sort.Slice(days, func(i, j int) bool {
		return r.weekPos(days[i]) < r.weekPos(days[j])
	})
	return days
}

// weekPos is the 0-based position of wd in a week starting at WeekStart
func (r Rule) weekPos(wd time.Weekday) int {
	return (int(wd) - int(r.WeekStart) + 7) % 7
}
