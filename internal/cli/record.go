package cli

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/pillpal/medledger/internal/domain/ledger"
	"github.com/pillpal/medledger/internal/usecase"
	"github.com/pillpal/medledger/pkg/idempotency"
)

// RecordOptions holds flags shared by the recording commands.
type RecordOptions struct {
	*RootOptions
	Medicine    string
	Therapy     string
	Package     string
	OperationID string
	ScheduledAt string
}

// NewIntakeCommand creates the intake command.
func NewIntakeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecordOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "intake <medicine>",
		Short: "Record a dose taken",
		Long: `Record that a dose of a medicine was taken.

The medicine is an ID or a catalog name. With --therapy and --scheduled the
operation ID is derived from the dose slot, so confirming the same reminder
twice records one intake.

Example:
  medledger intake ibuprofen --therapy "after meals" --scheduled 2024-01-03T08:00:00Z`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Medicine = args[0]
			return runRecord(opts, cmd, "intake", func(s *session, in usecase.RecordInput) (usecase.Result, error) {
				return s.ledger.RecordIntake(cmd.Context(), in)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Therapy, "therapy", "", "therapy ID or name")
	cmd.Flags().StringVar(&opts.Package, "package", "", "package ID the dose came from")
	cmd.Flags().StringVar(&opts.OperationID, "op", "", "operation ID (idempotency key)")
	cmd.Flags().StringVar(&opts.ScheduledAt, "scheduled", "", "scheduled dose time (RFC 3339)")

	return cmd
}

// NewPurchaseCommand creates the purchase command.
func NewPurchaseCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecordOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "purchase <medicine>",
		Short: "Record a purchased package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Medicine = args[0]
			if opts.Package == "" {
				opts.Package = uuid.NewString()
			}
			return runRecord(opts, cmd, "purchase", func(s *session, in usecase.RecordInput) (usecase.Result, error) {
				return s.ledger.RecordPurchase(cmd.Context(), in)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Package, "package", "", "package ID (generated when empty)")
	cmd.Flags().StringVar(&opts.OperationID, "op", "", "operation ID (idempotency key)")

	return cmd
}

func runRecord(opts *RecordOptions, cmd *cobra.Command, what string, record func(*session, usecase.RecordInput) (usecase.Result, error)) error {
	formatter := opts.formatter(cmd)
	s, err := opts.open()
	if err != nil {
		return err
	}
	defer s.Close()

	in, err := opts.input(s, cmd)
	if err != nil {
		return WrapExitError(what, err)
	}
	res, err := record(s, in)
	if err != nil {
		return WrapExitError(what, err)
	}
	return formatter.Success(res, resultText(what, res))
}

// input resolves the flags into a RecordInput
func (o *RecordOptions) input(s *session, cmd *cobra.Command) (usecase.RecordInput, error) {
	var in usecase.RecordInput

	medicine, err := s.medicine(o.Medicine)
	if err != nil {
		return in, err
	}
	in.MedicineID = medicine

	if o.Therapy != "" {
		t, err := s.therapy(cmd, o.Therapy)
		if err != nil {
			return in, err
		}
		if t.MedicineID != medicine {
			return in, fmt.Errorf("%w: therapy %q is not for this medicine", ledger.ErrInvalidInput, o.Therapy)
		}
		in.TherapyID = &t.ID
	}
	if o.Package != "" {
		pkg, err := ledger.ParsePackageID(o.Package)
		if err != nil {
			return in, fmt.Errorf("%w: %v", ledger.ErrInvalidInput, err)
		}
		in.PackageID = &pkg
	}

	switch {
	case o.OperationID != "":
		op, err := ledger.ParseOperationID(o.OperationID)
		if err != nil {
			return in, fmt.Errorf("%w: %v", ledger.ErrInvalidInput, err)
		}
		in.OperationID = op
	case o.ScheduledAt != "" && in.TherapyID != nil:
		at, err := time.Parse(time.RFC3339, o.ScheduledAt)
		if err != nil {
			return in, fmt.Errorf("%w: --scheduled must be RFC 3339", ledger.ErrInvalidInput)
		}
		in.OperationID = ledger.OperationID(idempotency.DoseOperationID(uuid.UUID(medicine), uuid.UUID(*in.TherapyID), at))
	default:
		in.OperationID = ledger.OperationID(idempotency.NewOperationID())
	}
	return in, nil
}

// NewUndoCommand creates the undo command.
func NewUndoCommand(rootOpts *RootOptions) *cobra.Command {
	var undoOp string

	cmd := &cobra.Command{
		Use:   "undo <operation-id>",
		Short: "Reverse an earlier intake, purchase or prescription event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := rootOpts.formatter(cmd)
			original, err := ledger.ParseOperationID(args[0])
			if err != nil {
				return WrapExitError("undo", fmt.Errorf("%w: %v", ledger.ErrInvalidInput, err))
			}
			in := usecase.UndoInput{OriginalOperationID: original}
			if undoOp == "" {
				// undoing the same operation twice from the CLI folds onto one reversal
				in.UndoOperationID = ledger.OperationID(idempotency.Derive("undo", original.String()))
			} else if in.UndoOperationID, err = ledger.ParseOperationID(undoOp); err != nil {
				return WrapExitError("undo", fmt.Errorf("%w: %v", ledger.ErrInvalidInput, err))
			}

			s, err := rootOpts.open()
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.ledger.UndoAction(cmd.Context(), in)
			if err != nil {
				return WrapExitError("undo", err)
			}
			return formatter.Success(res, resultText("undo", res))
		},
	}

	cmd.Flags().StringVar(&undoOp, "op", "", "operation ID of the undo (derived from the original when empty)")

	return cmd
}

func resultText(what string, res usecase.Result) string {
	if res.WasDuplicate {
		return fmt.Sprintf("%s already recorded (operation %s, event %s)", what, res.OperationID, res.EventID)
	}
	return fmt.Sprintf("%s recorded (operation %s, event %s)", what, res.OperationID, res.EventID)
}
