package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pillpal/medledger/internal/adherence"
	"github.com/pillpal/medledger/internal/domain/ledger"
	"github.com/pillpal/medledger/internal/domain/recurrence"
)

const dateLayout = "2006-01-02"

// NextDose is the output of the next command.
type NextDose struct {
	Therapy  string     `json:"therapy"`
	Schedule string     `json:"schedule"`
	Next     *time.Time `json:"next,omitempty"`
}

// NewNextCommand creates the next command.
func NewNextCommand(rootOpts *RootOptions) *cobra.Command {
	var after string

	cmd := &cobra.Command{
		Use:   "next <therapy>",
		Short: "Show the next scheduled dose of a therapy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := rootOpts.formatter(cmd)
			from := rootOpts.clock().Now()
			if after != "" {
				t, err := time.Parse(time.RFC3339, after)
				if err != nil {
					return WrapExitError("next", fmt.Errorf("%w: --after must be RFC 3339", ledger.ErrInvalidInput))
				}
				from = t
			}

			s, err := rootOpts.open()
			if err != nil {
				return err
			}
			defer s.Close()

			t, err := s.therapy(cmd, args[0])
			if err != nil {
				return WrapExitError("next", err)
			}
			loc := s.catalog.Location()

			out := NextDose{Therapy: t.Name, Schedule: t.Describe()}
			text := fmt.Sprintf("%s (%s): no further doses", t.Name, out.Schedule)
			if next, ok := t.NextDose(from, loc); ok {
				out.Next = &next
				text = fmt.Sprintf("%s (%s): next dose %s", t.Name, out.Schedule, next.In(loc).Format("Mon 2 Jan 2006 15:04 MST"))
			}
			return formatter.Success(out, text)
		},
	}

	cmd.Flags().StringVar(&after, "after", "", "look from this time (RFC 3339) instead of now")

	return cmd
}

// NewAdherenceCommand creates the adherence command.
func NewAdherenceCommand(rootOpts *RootOptions) *cobra.Command {
	var from, to string

	cmd := &cobra.Command{
		Use:   "adherence <therapy>",
		Short: "Compare planned and taken doses over a range of days",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := rootOpts.formatter(cmd)
			s, err := rootOpts.open()
			if err != nil {
				return err
			}
			defer s.Close()

			t, err := s.therapy(cmd, args[0])
			if err != nil {
				return WrapExitError("adherence", err)
			}
			loc := s.catalog.Location()

			last := rootOpts.clock().Now().In(loc)
			if to != "" {
				if last, err = time.ParseInLocation(dateLayout, to, loc); err != nil {
					return WrapExitError("adherence", fmt.Errorf("%w: --to must be YYYY-MM-DD", ledger.ErrInvalidInput))
				}
			}
			first := last.AddDate(0, 0, -6)
			if from != "" {
				if first, err = time.ParseInLocation(dateLayout, from, loc); err != nil {
					return WrapExitError("adherence", fmt.Errorf("%w: --from must be YYYY-MM-DD", ledger.ErrInvalidInput))
				}
			}

			summary, err := adherence.Report(cmd.Context(), s.store, t, first, last, loc)
			if err != nil {
				return WrapExitError("adherence", err)
			}
			return formatter.Success(summary, adherenceText(t.Name, summary))
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "first day (YYYY-MM-DD), default a week before --to")
	cmd.Flags().StringVar(&to, "to", "", "last day (YYYY-MM-DD), default today")

	return cmd
}

func adherenceText(name string, s adherence.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d of %d doses taken (%.0f%%)\n", name, s.Taken, s.Planned, s.Ratio*100)
	for _, d := range s.Days {
		if d.Planned == 0 && d.Taken == 0 {
			continue
		}
		fmt.Fprintf(&b, "  %s  %d/%d\n", d.Date.Format(dateLayout), d.Taken, d.Planned)
	}
	return strings.TrimRight(b.String(), "\n")
}

// NewStockCommand creates the stock command.
func NewStockCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stock <medicine>",
		Short: "Show units on hand and when they run out",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := rootOpts.formatter(cmd)
			s, err := rootOpts.open()
			if err != nil {
				return err
			}
			defer s.Close()

			medicine, err := s.medicine(args[0])
			if err != nil {
				return WrapExitError("stock", err)
			}
			loc := s.catalog.Location()
			level, err := adherence.Stock(cmd.Context(), s.store, s.catalog, medicine, rootOpts.clock().Now(), loc)
			if err != nil {
				return WrapExitError("stock", err)
			}

			text := fmt.Sprintf("%d units on hand", level.UnitsOnHand)
			if level.DepletionDate != nil {
				text += fmt.Sprintf(", %d days remaining, runs out %s",
					*level.DaysRemaining, level.DepletionDate.In(loc).Format(dateLayout))
			}
			return formatter.Success(level, text)
		},
	}
}

// NewDescribeCommand creates the describe command.
func NewDescribeCommand(rootOpts *RootOptions) *cobra.Command {
	var doses []string

	cmd := &cobra.Command{
		Use:   "describe <rrule>",
		Short: "Describe a recurrence rule in plain English",
		Long: `Describe a recurrence rule in plain English.

Example:
  medledger describe "FREQ=WEEKLY;BYDAY=MO,WE;COUNT=10" --dose 08:00 --dose 20:00`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := rootOpts.formatter(cmd)
			rule, err := recurrence.Parse(args[0])
			if err != nil {
				return WrapExitError("describe", fmt.Errorf("%w: %v", ledger.ErrInvalidInput, err))
			}
			times := make([]recurrence.DoseTime, 0, len(doses))
			for _, d := range doses {
				dt, err := recurrence.ParseDoseTime(d)
				if err != nil {
					return WrapExitError("describe", fmt.Errorf("%w: %v", ledger.ErrInvalidInput, err))
				}
				times = append(times, dt)
			}
			text := recurrence.DescribeSchedule(rule, times)
			return formatter.Success(map[string]string{"rule": args[0], "description": text}, text)
		},
	}

	cmd.Flags().StringSliceVar(&doses, "dose", nil, "dose time HH:MM, repeatable")

	return cmd
}
