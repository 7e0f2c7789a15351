package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveCommand("record_intake", OutcomeRecorded, time.Millisecond)
		m.EventAppended("intakeRecorded")
		m.SyncBatch(3, nil)
		m.Backlog(7)
		m.MessageConsumed()
		m.BreakerState("sync", 2)
	})
}

func TestMetricsRecord(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.ObserveCommand("record_intake", OutcomeRecorded, time.Millisecond)
	m.ObserveCommand("record_intake", OutcomeDuplicate, time.Millisecond)
	m.ObserveCommand("record_intake", OutcomeDuplicate, time.Millisecond)
	m.EventAppended("intakeRecorded")
	m.SyncBatch(3, nil)
	m.SyncBatch(5, errors.New("broker down"))
	m.Backlog(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CommandsTotal.WithLabelValues("record_intake", OutcomeDuplicate)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsAppended.WithLabelValues("intakeRecorded")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.SyncPublished))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncFailed))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.UnsyncedBacklog))
}
