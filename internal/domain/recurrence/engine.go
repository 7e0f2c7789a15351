package recurrence

import "time"

// MaxLookaheadDays bounds forward scans against rules that never fire again
// (huge intervals, far-future search starts).
const MaxLookaheadDays = 3660

// NextOccurrence returns the earliest dose datetime at or after `after`.
// The start date is taken as a calendar day in loc; dose slots are expanded in
// time-of-day order. ok is false when the rule is exhausted, has no doses, or
// nothing fires within MaxLookaheadDays.
func NextOccurrence(rule Rule, start, after time.Time, doses []DoseTime, loc *time.Location) (next time.Time, ok bool) {
	if rule.IsNone() || len(doses) == 0 {
		return time.Time{}, false
	}
	loc = orUTC(loc)
	slots := sortedDoses(doses)
	startDay := dateOf(start, loc)
	until := rule.until(loc)

	from := dateOf(after, loc)
	if from.number() < startDay.number() {
		from = startDay
	}

	for i := 0; i <= MaxLookaheadDays; i++ {
		day := from.addDays(i)
		if until != nil && day.startIn(loc).After(*until) {
			return time.Time{}, false
		}
		ord := rule.ordinal(day, startDay)
		if ord == 0 {
			continue
		}
		if rule.Count != nil && ord > *rule.Count {
			return time.Time{}, false
		}
		// slots shifted past a DST gap can land after a later slot
		var best time.Time
		for _, slot := range slots {
			candidate := slot.on(day, loc)
			if candidate.Before(after) {
				continue
			}
			if best.IsZero() || candidate.Before(best) {
				best = candidate
			}
		}
		if best.IsZero() {
			continue
		}
		if until != nil && best.After(*until) {
			return time.Time{}, false
		}
		return best, true
	}
	return time.Time{}, false
}

// AllowedEvents returns the number of doses planned on the calendar day
// containing `day`: zero when the rule does not fire that day, otherwise
// dosesPerDay bounded below by one.
func AllowedEvents(day time.Time, rule Rule, start time.Time, dosesPerDay int, loc *time.Location) int {
	if !rule.firesOn(dateOf(day, orUTC(loc)), start, orUTC(loc)) {
		return 0
	}
	if dosesPerDay < 1 {
		return 1
	}
	return dosesPerDay
}

// PlannedDoses sums AllowedEvents over the calendar days from `from` to `to`, inclusive
func PlannedDoses(rule Rule, start, from, to time.Time, dosesPerDay int, loc *time.Location) int {
	loc = orUTC(loc)
	first, last := dateOf(from, loc), dateOf(to, loc)
	total := 0
	for d := first; d.number() <= last.number(); d = d.addDays(1) {
		total += AllowedEvents(d.startIn(loc), rule, start, dosesPerDay, loc)
	}
	return total
}

// Occurrences lists dose datetimes in [from, to], capped at limit entries
func Occurrences(rule Rule, start, from, to time.Time, doses []DoseTime, loc *time.Location, limit int) []time.Time {
	var out []time.Time
	after := from
	for limit <= 0 || len(out) < limit {
		next, ok := NextOccurrence(rule, start, after, doses, loc)
		if !ok || next.After(to) {
			break
		}
		out = append(out, next)
		after = next.Add(time.Nanosecond)
	}
	return out
}

func (r Rule) firesOn(day civilDate, start time.Time, loc *time.Location) bool {
	if r.IsNone() {
		return false
	}
	ord := r.ordinal(day, dateOf(start, loc))
	if ord == 0 {
		return false
	}
	if r.Count != nil && ord > *r.Count {
		return false
	}
	if until := r.until(loc); until != nil && day.startIn(loc).After(*until) {
		return false
	}
	return true
}

// ordinal returns the 1-based index of day among the rule's occurrence days
// counted from start, or 0 when the rule does not fire on day. Until and Count
// are not applied.
func (r Rule) ordinal(day, start civilDate) int {
	diff := day.number() - start.number()
	if diff < 0 {
		return 0
	}
	interval := int64(r.Interval)
	if interval < 1 {
		interval = 1
	}

	switch r.Freq {
	case Daily:
		if diff%interval != 0 {
			return 0
		}
		return int(diff/interval) + 1

	case Weekly:
		byDay := r.ByDay
		if len(byDay) == 0 {
			byDay = []time.Weekday{start.weekday()}
		}
		dayPos := r.weekPos(day.weekday())
		if !containsWeekday(byDay, day.weekday()) {
			return 0
		}

		startPos := r.weekPos(start.weekday())
		weekBegin := day.number() - int64(dayPos)
		startWeekBegin := start.number() - int64(startPos)
		weeks := (weekBegin - startWeekBegin) / 7
		if weeks%interval != 0 {
			return 0
		}

		firstWeek, upToDay := 0, 0
		for _, wd := range byDay {
			p := r.weekPos(wd)
			if p >= startPos {
				firstWeek++
			}
			if p <= dayPos {
				upToDay++
			}
		}
		k := weeks / interval
		if k == 0 {
			// only slots on or after the start weekday count in the first week
			n := 0
			for _, wd := range byDay {
				if p := r.weekPos(wd); p >= startPos && p <= dayPos {
					n++
				}
			}
			return n
		}
		return firstWeek + int(k-1)*len(byDay) + upToDay
	}
	return 0
}

func containsWeekday(days []time.Weekday, wd time.Weekday) bool {
	for _, d := range days {
		if d == wd {
			return true
		}
	}
	return false
}

func orUTC(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}
