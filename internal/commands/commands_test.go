package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pillpal/medledger/internal/domain/ledger"
	"github.com/pillpal/medledger/internal/infrastructure/memory"
	"github.com/pillpal/medledger/internal/infrastructure/redpanda"
	"github.com/pillpal/medledger/internal/usecase"
	"github.com/pillpal/medledger/pkg/workerpool"
)

func newLedger() (*usecase.Ledger, *memory.Store) {
	store := memory.New()
	clock := ledger.NewFixedClock(time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC))
	return usecase.New(store, clock, nil, nil), store
}

func TestDecode(t *testing.T) {
	op := ledger.NewOperationID()
	medicine := ledger.NewMedicineID()
	pkg := ledger.NewPackageID()

	cmd, err := Decode([]byte(fmt.Sprintf(
		`{"command":"record_purchase","operation_id":%q,"medicine_id":%q,"package_id":%q}`, op, medicine, pkg)))
	require.NoError(t, err)
	assert.Equal(t, KindRecordPurchase, cmd.Kind)
	assert.Equal(t, op, cmd.OperationID)
	assert.Equal(t, medicine, cmd.MedicineID)
	require.NotNil(t, cmd.PackageID)
	assert.Equal(t, pkg, *cmd.PackageID)
	assert.Nil(t, cmd.TherapyID)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	for _, raw := range []string{
		`{`,
		`{"command":"record_intake","operation_id":"not-a-uuid"}`,
		`[]`,
	} {
		_, err := Decode([]byte(raw))
		assert.ErrorIs(t, err, ledger.ErrInvalidInput, raw)
	}
}

func TestMarshalledCommandsDecode(t *testing.T) {
	medicine := ledger.NewMedicineID()
	therapy := ledger.NewTherapyID()
	pkg := ledger.NewPackageID()

	cmds := []Command{
		{Kind: KindRecordIntake, OperationID: ledger.NewOperationID(), MedicineID: medicine, TherapyID: &therapy},
		{Kind: KindRecordPurchase, OperationID: ledger.NewOperationID(), MedicineID: medicine, PackageID: &pkg},
		{Kind: KindRequestPrescription, OperationID: ledger.NewOperationID(), MedicineID: medicine},
		{Kind: KindRecordPrescriptionReceived, OperationID: ledger.NewOperationID(), MedicineID: medicine, PackageID: &pkg},
		{Kind: KindAdjustStock, OperationID: ledger.NewOperationID(), MedicineID: medicine, Quantity: 5},
		{Kind: KindUndo, OperationID: ledger.NewOperationID(), OriginalOperationID: ledger.NewOperationID()},
	}
	for _, cmd := range cmds {
		t.Run(string(cmd.Kind), func(t *testing.T) {
			data, err := json.Marshal(cmd)
			require.NoError(t, err)
			assert.NotContains(t, string(data), "00000000-0000-0000-0000-000000000000")

			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, cmd, got)
		})
	}
}

func TestDecodeReportsInvalidInputOnce(t *testing.T) {
	_, err := Decode([]byte(`{"command":"undo","operation_id":"00000000-0000-0000-0000-000000000000"}`))
	require.ErrorIs(t, err, ledger.ErrInvalidInput)
	assert.Equal(t, 1, strings.Count(err.Error(), ledger.ErrInvalidInput.Error()), err.Error())
}

func TestExecuteEveryKind(t *testing.T) {
	l, store := newLedger()
	ctx := context.Background()
	medicine := ledger.NewMedicineID()
	pkg := ledger.NewPackageID()

	intake := Command{Kind: KindRecordIntake, OperationID: ledger.NewOperationID(), MedicineID: medicine}
	cmds := []Command{
		intake,
		{Kind: KindRecordPurchase, OperationID: ledger.NewOperationID(), MedicineID: medicine, PackageID: &pkg},
		{Kind: KindRequestPrescription, OperationID: ledger.NewOperationID(), MedicineID: medicine},
		{Kind: KindRecordPrescriptionReceived, OperationID: ledger.NewOperationID(), MedicineID: medicine},
		{Kind: KindAdjustStock, OperationID: ledger.NewOperationID(), MedicineID: medicine, Quantity: -3},
		{Kind: KindUndo, OperationID: ledger.NewOperationID(), OriginalOperationID: intake.OperationID},
	}
	for _, cmd := range cmds {
		res, err := cmd.Execute(ctx, l)
		require.NoError(t, err, cmd.Kind)
		assert.False(t, res.WasDuplicate, cmd.Kind)
	}

	events, err := store.ListByMedicine(ctx, medicine)
	require.NoError(t, err)
	types := make([]ledger.EventType, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	assert.Equal(t, []ledger.EventType{
		ledger.EventIntakeRecorded,
		ledger.EventPurchaseRecorded,
		ledger.EventPrescriptionRequested,
		ledger.EventPrescriptionReceived,
		ledger.EventStockAdjusted,
		ledger.EventIntakeUndone,
	}, types)
	require.NotNil(t, events[4].Quantity)
	assert.Equal(t, -3, *events[4].Quantity)
}

func TestExecuteUnknownKind(t *testing.T) {
	l, _ := newLedger()
	_, err := Command{Kind: "teleport"}.Execute(context.Background(), l)
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
}

type recordingDeadLetter struct {
	mu      sync.Mutex
	entries []deadLetterEntry
	topics  []string
	err     error
}

func (d *recordingDeadLetter) Produce(_ context.Context, topic, _ string, value []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	var e deadLetterEntry
	if err := json.Unmarshal(value, &e); err != nil {
		return err
	}
	d.entries = append(d.entries, e)
	d.topics = append(d.topics, topic)
	return nil
}

func newProcessor(t *testing.T, exec Executor, dl DeadLetter) *Processor {
	t.Helper()
	cfg := workerpool.DefaultConfig()
	cfg.Workers = 2
	cfg.RetryDelay = time.Millisecond
	p, err := NewProcessor(exec, cfg, dl, nil)
	require.NoError(t, err)
	p.Start()
	t.Cleanup(func() { _ = p.Stop() })
	return p
}

func message(t *testing.T, cmd Command) *redpanda.ConsumedMessage {
	t.Helper()
	value, err := json.Marshal(cmd)
	require.NoError(t, err)
	return &redpanda.ConsumedMessage{Topic: redpanda.TopicMedicationCommands, Offset: 7, Value: value}
}

func TestProcessorAppliesCommand(t *testing.T) {
	l, store := newLedger()
	dl := &recordingDeadLetter{}
	p := newProcessor(t, l, dl)

	cmd := Command{Kind: KindRecordIntake, OperationID: ledger.NewOperationID(), MedicineID: ledger.NewMedicineID()}
	require.NoError(t, p.Handle(context.Background(), message(t, cmd)))
	// redelivery is folded by the ledger
	require.NoError(t, p.Handle(context.Background(), message(t, cmd)))

	assert.Equal(t, 1, store.Len())
	assert.Empty(t, dl.entries)
}

func TestProcessorDeadLettersRejectedCommands(t *testing.T) {
	l, store := newLedger()
	dl := &recordingDeadLetter{}
	p := newProcessor(t, l, dl)

	undo := Command{Kind: KindUndo, OperationID: ledger.NewOperationID(), OriginalOperationID: ledger.NewOperationID()}
	require.NoError(t, p.Handle(context.Background(), message(t, undo)))
	require.NoError(t, p.Handle(context.Background(), &redpanda.ConsumedMessage{Value: []byte("garbage")}))

	assert.Zero(t, store.Len())
	require.Len(t, dl.entries, 2)
	assert.Equal(t, []string{redpanda.TopicDeadLetter, redpanda.TopicDeadLetter}, dl.topics)
	assert.Contains(t, dl.entries[0].Error, "not found")
	assert.False(t, dl.entries[0].Retryable)
	assert.Equal(t, int64(7), dl.entries[0].Offset)
	assert.JSONEq(t, `"garbage"`, string(dl.entries[1].Command))
}

// flakyExecutor fails the first n intakes with a save failure
type flakyExecutor struct {
	Executor
	failures atomic.Int32
}

func (f *flakyExecutor) RecordIntake(ctx context.Context, in usecase.RecordInput) (usecase.Result, error) {
	if f.failures.Add(-1) >= 0 {
		return usecase.Result{}, fmt.Errorf("%w: append: connection reset", ledger.ErrSaveFailed)
	}
	return f.Executor.RecordIntake(ctx, in)
}

func TestProcessorRetriesSaveFailures(t *testing.T) {
	l, store := newLedger()
	exec := &flakyExecutor{Executor: l}
	exec.failures.Store(2)
	dl := &recordingDeadLetter{}
	p := newProcessor(t, exec, dl)

	cmd := Command{Kind: KindRecordIntake, OperationID: ledger.NewOperationID(), MedicineID: ledger.NewMedicineID()}
	require.NoError(t, p.Handle(context.Background(), message(t, cmd)))
	assert.Equal(t, 1, store.Len())
	assert.Empty(t, dl.entries)
}

func TestProcessorDeadLettersExhaustedRetries(t *testing.T) {
	l, _ := newLedger()
	exec := &flakyExecutor{Executor: l}
	exec.failures.Store(100)
	dl := &recordingDeadLetter{}
	p := newProcessor(t, exec, dl)

	cmd := Command{Kind: KindRecordIntake, OperationID: ledger.NewOperationID(), MedicineID: ledger.NewMedicineID()}
	require.NoError(t, p.Handle(context.Background(), message(t, cmd)))
	require.Len(t, dl.entries, 1)
	assert.True(t, dl.entries[0].Retryable)
}

func TestProcessorReady(t *testing.T) {
	l, _ := newLedger()
	p := newProcessor(t, l, &recordingDeadLetter{})
	assert.NoError(t, p.Ready(context.Background()))

	require.NoError(t, p.Stop())
	assert.Error(t, p.Ready(context.Background()))
}

func TestProcessorRedeliversWhenDeadLetterFails(t *testing.T) {
	l, _ := newLedger()
	dl := &recordingDeadLetter{err: errors.New("broker down")}
	p := newProcessor(t, l, dl)

	err := p.Handle(context.Background(), &redpanda.ConsumedMessage{Value: []byte("{")})
	assert.Error(t, err)
}
