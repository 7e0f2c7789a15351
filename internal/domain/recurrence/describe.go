package recurrence

import (
	"fmt"
	"strings"
	"time"
)

// Describe renders a short English description of the rule
func Describe(r Rule) string {
	if r.IsNone() {
		return "No recurrence"
	}

	var b strings.Builder
	switch r.Freq {
	case Daily:
		if r.Interval <= 1 {
			b.WriteString("Every day")
		} else {
			fmt.Fprintf(&b, "Every %d days", r.Interval)
		}
	case Weekly:
		if r.Interval <= 1 {
			b.WriteString("Every week")
		} else {
			fmt.Fprintf(&b, "Every %d weeks", r.Interval)
		}
		if len(r.ByDay) > 0 {
			names := make([]string, 0, len(r.ByDay))
			for _, wd := range r.weekOrderedDays() {
				names = append(names, wd.String()[:3])
			}
			b.WriteString(" on " + strings.Join(names, ", "))
		}
	}

	if r.Until != nil {
		b.WriteString(", until " + r.Until.Format("Jan 2, 2006"))
	}
	if r.Count != nil {
		if *r.Count == 1 {
			b.WriteString(", once")
		} else {
			fmt.Fprintf(&b, ", %d times", *r.Count)
		}
	}
	return b.String()
}

// DescribeSchedule adds the dose slots to the rule description
func DescribeSchedule(r Rule, doses []DoseTime) string {
	desc := Describe(r)
	if r.IsNone() || len(doses) == 0 {
		return desc
	}
	slots := sortedDoses(doses)
	labels := make([]string, len(slots))
	for i, d := range slots {
		labels[i] = time.Date(0, 1, 1, d.Hour, d.Minute, 0, 0, time.UTC).Format("15:04")
	}
	return desc + " at " + strings.Join(labels, ", ")
}
