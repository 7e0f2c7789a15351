// Package cli implements the medledger command line: recording intakes,
// purchases and undos against a local SQLite ledger, and querying schedules,
// adherence and stock from a YAML therapy catalog.
package cli

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pillpal/medledger/internal/domain/ledger"
	"github.com/pillpal/medledger/internal/domain/therapy"
	"github.com/pillpal/medledger/internal/infrastructure/sqlite"
	"github.com/pillpal/medledger/internal/usecase"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	DB       string
	Catalog  string
	TimeZone string
	Format   string // "json" | "text"

	// Clock stamps recorded events and answers "now"; the system clock when nil
	Clock ledger.Clock
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the medledger CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "medledger",
		Short: "Medication ledger",
		Long:  "Record medication intakes and purchases, and check schedules, adherence and stock.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.DB, "db", envOr("SQLITE_PATH", "medledger.db"), "SQLite ledger file")
	cmd.PersistentFlags().StringVar(&opts.Catalog, "catalog", os.Getenv("CATALOG_PATH"), "therapy catalog (YAML)")
	cmd.PersistentFlags().StringVar(&opts.TimeZone, "tz", envOr("TZ_NAME", "UTC"), "time zone when the catalog names none")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewIntakeCommand(opts))
	cmd.AddCommand(NewPurchaseCommand(opts))
	cmd.AddCommand(NewUndoCommand(opts))
	cmd.AddCommand(NewNextCommand(opts))
	cmd.AddCommand(NewAdherenceCommand(opts))
	cmd.AddCommand(NewStockCommand(opts))
	cmd.AddCommand(NewDescribeCommand(opts))

	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (o *RootOptions) clock() ledger.Clock {
	if o.Clock == nil {
		return ledger.SystemClock{}
	}
	return o.Clock
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}

// session is an open ledger with its catalog
type session struct {
	store   *sqlite.Store
	ledger  *usecase.Ledger
	catalog *therapy.Catalog
}

func (o *RootOptions) open() (*session, error) {
	catalog, err := o.loadCatalog()
	if err != nil {
		return nil, &ExitError{Code: ExitCommandError, Message: "load catalog", Err: err}
	}
	store, err := sqlite.Open(o.DB)
	if err != nil {
		return nil, &ExitError{Code: ExitFailure, Message: "open ledger", Err: err}
	}
	return &session{
		store:   store,
		ledger:  usecase.New(store, o.clock(), nil, nil),
		catalog: catalog,
	}, nil
}

func (s *session) Close() {
	s.store.Close()
}

func (o *RootOptions) loadCatalog() (*therapy.Catalog, error) {
	if o.Catalog != "" {
		return therapy.LoadCatalog(o.Catalog)
	}
	loc, err := time.LoadLocation(o.TimeZone)
	if err != nil {
		return nil, err
	}
	return therapy.NewCatalog(loc), nil
}

// medicine resolves a medicine by ID or, case-insensitively, by catalog name
func (s *session) medicine(ref string) (ledger.MedicineID, error) {
	if id, err := ledger.ParseMedicineID(ref); err == nil {
		return id, nil
	}
	for _, m := range s.catalog.Medicines() {
		if strings.EqualFold(m.Name, ref) {
			return m.ID, nil
		}
	}
	return ledger.MedicineID{}, fmt.Errorf("medicine %q: %w", ref, ledger.ErrNotFound)
}

// therapy resolves a therapy by ID or by name among the catalog's therapies
func (s *session) therapy(cmd *cobra.Command, ref string) (therapy.Therapy, error) {
	ctx := cmd.Context()
	if id, err := ledger.ParseTherapyID(ref); err == nil {
		return s.catalog.Therapy(ctx, id)
	}
	for _, m := range s.catalog.Medicines() {
		therapies, err := s.catalog.TherapiesOf(ctx, m.ID)
		if err != nil {
			return therapy.Therapy{}, err
		}
		for _, t := range therapies {
			if strings.EqualFold(t.Name, ref) {
				return t, nil
			}
		}
	}
	return therapy.Therapy{}, fmt.Errorf("therapy %q: %w", ref, ledger.ErrNotFound)
}
