package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ferry/internal/model"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.DrainOperation(ResultSynced)
	m.ObserveDrain(time.Second)
	m.ObserveBulk(time.Second, true)
	m.CollectionSynced("orders", 1, nil)
	m.SetQueueStats(model.QueueStats{Pending: 1})
	m.BackendOperation("primary", model.OpWrite)
	m.SetActiveBackend("primary", []string{"primary"})
	m.Rotation(true)
	m.Replicated("orders", 3)
	m.SetOnline(true)
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.DrainOperation(ResultSynced)
	m.DrainOperation(ResultSynced)
	m.DrainOperation(ResultRetry)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.drainOps.WithLabelValues(ResultSynced)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.drainOps.WithLabelValues(ResultRetry)))

	m.CollectionSynced("orders", 12, nil)
	m.CollectionSynced("orders", 0, errors.New("boom"))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.cacheRecords.WithLabelValues("orders")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.bulkCollection.WithLabelValues("orders", "error")))

	m.SetQueueStats(model.QueueStats{Pending: 3, Failed: 1})
	assert.Equal(t, 3.0, testutil.ToFloat64(m.queueOps.WithLabelValues("pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.queueOps.WithLabelValues("failed")))

	m.SetActiveBackend("standby", []string{"primary", "standby"})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.backendActive.WithLabelValues("primary")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.backendActive.WithLabelValues("standby")))

	m.Replicated("orders", 4)
	m.Replicated("orders", 1)
	assert.Equal(t, 5.0, testutil.ToFloat64(m.replicatedDocs.WithLabelValues("orders")))

	m.SetOnline(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.online))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestSeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}
