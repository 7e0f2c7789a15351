package adherence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pillpal/medledger/internal/domain/ledger"
	"github.com/pillpal/medledger/internal/domain/ledger/ledgertest"
	"github.com/pillpal/medledger/internal/domain/recurrence"
	"github.com/pillpal/medledger/internal/domain/therapy"
	"github.com/pillpal/medledger/internal/infrastructure/memory"
)

type fixture struct {
	store    *memory.Store
	catalog  *therapy.Catalog
	medicine therapy.Medicine
	therapy  therapy.Therapy
}

func newFixture(t *testing.T, rule string) *fixture {
	t.Helper()
	f := &fixture{
		store:   memory.New(),
		catalog: therapy.NewCatalog(time.UTC),
		medicine: therapy.Medicine{
			ID:              ledger.NewMedicineID(),
			Name:            "Ibuprofen",
			UnitsPerPackage: 30,
		},
	}
	morning, err := recurrence.ParseDoseTime("08:00")
	require.NoError(t, err)
	evening, err := recurrence.ParseDoseTime("20:00")
	require.NoError(t, err)

	f.therapy = therapy.Therapy{
		ID:           ledger.NewTherapyID(),
		MedicineID:   f.medicine.ID,
		Name:         "twice daily",
		Rule:         rule,
		StartDate:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		DoseTimes:    []recurrence.DoseTime{morning, evening},
		UnitsPerDose: 1,
	}
	require.NoError(t, f.catalog.AddMedicine(f.medicine))
	require.NoError(t, f.catalog.AddTherapy(f.therapy))
	return f
}

func (f *fixture) append(t *testing.T, e ledger.DomainEvent) ledger.DomainEvent {
	t.Helper()
	require.NoError(t, f.store.Append(context.Background(), e))
	return e
}

func (f *fixture) intake(t *testing.T, at time.Time) ledger.DomainEvent {
	t.Helper()
	e := ledgertest.Event(ledger.EventIntakeRecorded, f.medicine.ID, at)
	id := f.therapy.ID
	e.TherapyID = &id
	return f.append(t, e)
}

func (f *fixture) undo(t *testing.T, original ledger.DomainEvent) {
	t.Helper()
	f.append(t, ledgertest.Reversal(original, original.Timestamp.Add(time.Minute)))
}

func at(d, hh int) time.Time {
	return time.Date(2024, 1, d, hh, 0, 0, 0, time.UTC)
}

func TestEffectiveDropsReversedPairs(t *testing.T) {
	medicine := ledger.NewMedicineID()
	kept := ledgertest.Event(ledger.EventIntakeRecorded, medicine, at(1, 8))
	undone := ledgertest.Event(ledger.EventPurchaseRecorded, medicine, at(1, 9))
	reversal := ledgertest.Reversal(undone, at(1, 10))

	got := Effective([]ledger.DomainEvent{kept, undone, reversal})
	assert.Equal(t, []ledger.DomainEvent{kept}, got)
}

func TestReport(t *testing.T) {
	f := newFixture(t, "FREQ=DAILY")

	f.intake(t, at(1, 8))
	f.intake(t, at(1, 20))
	f.intake(t, at(2, 8))
	f.undo(t, f.intake(t, at(2, 20)))
	f.intake(t, at(3, 8))
	f.intake(t, at(3, 12))
	f.intake(t, at(3, 20))

	other := ledgertest.Event(ledger.EventIntakeRecorded, f.medicine.ID, at(2, 9))
	otherTherapy := ledger.NewTherapyID()
	other.TherapyID = &otherTherapy
	f.append(t, other)

	s, err := Report(context.Background(), f.store, f.therapy, at(1, 0), at(3, 23), time.UTC)
	require.NoError(t, err)

	require.Len(t, s.Days, 3)
	assert.Equal(t, Day{Date: at(1, 0), Planned: 2, Taken: 2}, s.Days[0])
	assert.Equal(t, Day{Date: at(2, 0), Planned: 2, Taken: 1}, s.Days[1])
	assert.Equal(t, Day{Date: at(3, 0), Planned: 2, Taken: 3}, s.Days[2])
	assert.Equal(t, 6, s.Planned)
	assert.Equal(t, 6, s.Taken)
	assert.InDelta(t, 5.0/6.0, s.Ratio, 1e-9)
}

func TestReportFollowsSchedule(t *testing.T) {
	f := newFixture(t, "FREQ=DAILY;INTERVAL=2")
	f.intake(t, at(1, 8))

	s, err := Report(context.Background(), f.store, f.therapy, at(1, 0), at(2, 0), time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Days[0].Planned)
	assert.Equal(t, 0, s.Days[1].Planned)
	assert.InDelta(t, 0.5, s.Ratio, 1e-9)
}

func TestReportWithNothingPlanned(t *testing.T) {
	f := newFixture(t, "")
	s, err := Report(context.Background(), f.store, f.therapy, at(1, 0), at(7, 0), time.UTC)
	require.NoError(t, err)
	assert.Zero(t, s.Planned)
	assert.Zero(t, s.Ratio)
	assert.Len(t, s.Days, 7)
}

func TestReportRejectsBadRange(t *testing.T) {
	f := newFixture(t, "FREQ=DAILY")

	_, err := Report(context.Background(), f.store, f.therapy, at(3, 0), at(1, 0), time.UTC)
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)

	_, err = Report(context.Background(), f.store, f.therapy, at(1, 0), at(1, 0).AddDate(20, 0, 0), time.UTC)
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
}

func TestStock(t *testing.T) {
	f := newFixture(t, "FREQ=DAILY")

	f.append(t, ledgertest.Event(ledger.EventPurchaseRecorded, f.medicine.ID, at(1, 7)))
	f.undo(t, f.append(t, ledgertest.Event(ledger.EventPurchaseRecorded, f.medicine.ID, at(1, 7))))
	adjust := ledgertest.Event(ledger.EventStockAdjusted, f.medicine.ID, at(1, 7))
	lost := -2
	adjust.Quantity = &lost
	f.append(t, adjust)
	f.append(t, ledgertest.Event(ledger.EventPrescriptionRequested, f.medicine.ID, at(1, 7)))

	f.intake(t, at(1, 8))
	f.intake(t, at(1, 20))
	f.intake(t, at(2, 8))
	f.intake(t, at(2, 20))
	f.undo(t, f.intake(t, at(3, 8)))

	now := at(3, 12)
	level, err := Stock(context.Background(), f.store, f.catalog, f.medicine.ID, now, time.UTC)
	require.NoError(t, err)

	// 30 - 2 - 4
	assert.Equal(t, 24, level.UnitsOnHand)
	assert.Equal(t, now, level.At)
	// 20:00 today leaves 23, two a day covers eleven more days
	require.NotNil(t, level.DaysRemaining)
	assert.Equal(t, 11, *level.DaysRemaining)
	require.NotNil(t, level.DepletionDate)
	assert.Equal(t, at(15, 0), *level.DepletionDate)
}

func TestStockIntakeWithoutTherapyTakesOneUnit(t *testing.T) {
	f := newFixture(t, "")
	f.append(t, ledgertest.Event(ledger.EventPurchaseRecorded, f.medicine.ID, at(1, 7)))
	f.append(t, ledgertest.Event(ledger.EventIntakeRecorded, f.medicine.ID, at(1, 8)))

	level, err := Stock(context.Background(), f.store, f.catalog, f.medicine.ID, at(2, 0), time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 29, level.UnitsOnHand)
	assert.Nil(t, level.DaysRemaining, "no schedule consumes stock")
	assert.Nil(t, level.DepletionDate)
}

func TestStockEmpty(t *testing.T) {
	f := newFixture(t, "FREQ=DAILY")
	level, err := Stock(context.Background(), f.store, f.catalog, f.medicine.ID, at(5, 9), time.UTC)
	require.NoError(t, err)
	assert.Zero(t, level.UnitsOnHand)
	require.NotNil(t, level.DaysRemaining)
	assert.Zero(t, *level.DaysRemaining)
	assert.Equal(t, at(5, 0), *level.DepletionDate)
}

func TestStockUnknownMedicine(t *testing.T) {
	f := newFixture(t, "FREQ=DAILY")
	_, err := Stock(context.Background(), f.store, f.catalog, ledger.NewMedicineID(), at(1, 0), time.UTC)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}
