// Package metrics exposes Prometheus instruments for the sync engine.
//
// Instruments are registered on an injected registry so tests and embedded
// uses do not collide on the global one. A nil *Metrics is valid and records
// nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/roach88/ferry/internal/model"
)

const namespace = "ferry"

// Metrics holds every instrument.
type Metrics struct {
	drainOps       *prometheus.CounterVec
	drainDuration  prometheus.Histogram
	bulkDuration   *prometheus.HistogramVec
	bulkCollection *prometheus.CounterVec
	cacheRecords   *prometheus.GaugeVec
	queueOps       *prometheus.GaugeVec
	backendOps     *prometheus.CounterVec
	backendActive  *prometheus.GaugeVec
	rotations      *prometheus.CounterVec
	replicatedDocs *prometheus.CounterVec
	online         prometheus.Gauge
}

// New registers all instruments on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		drainOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drain_operations_total",
			Help:      "Queued operations processed by drain passes, by result",
		}, []string{"result"}),
		drainDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "drain_duration_seconds",
			Help:      "Duration of drain passes",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		}),
		bulkDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bulk_sync_duration_seconds",
			Help:      "Duration of bulk sync passes",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"status"}),
		bulkCollection: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bulk_sync_collections_total",
			Help:      "Collections downloaded by bulk sync, by status",
		}, []string{"collection", "status"}),
		cacheRecords: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_records",
			Help:      "Records cached per collection after the last bulk load",
		}, []string{"collection"}),
		queueOps: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_operations",
			Help:      "Mutation queue entries by state",
		}, []string{"state"}),
		backendOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_operations_total",
			Help:      "Remote operations per backend and class",
		}, []string{"backend", "class"}),
		backendActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_active",
			Help:      "1 for the active backend, 0 for the others",
		}, []string{"backend"}),
		rotations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rotations_total",
			Help:      "Backend activations by result",
		}, []string{"result"}),
		replicatedDocs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replicated_documents_total",
			Help:      "Documents copied between backends per collection",
		}, []string{"collection"}),
		online: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online",
			Help:      "1 while the active backend is reachable",
		}),
	}
}

// Drain result labels.
const (
	ResultSynced   = "synced"
	ResultRetry    = "retry"
	ResultFailed   = "failed"
	ResultDeferred = "deferred"
)

// DrainOperation counts one processed queue entry.
func (m *Metrics) DrainOperation(result string) {
	if m == nil {
		return
	}
	m.drainOps.WithLabelValues(result).Inc()
}

// ObserveDrain records the duration of a drain pass.
func (m *Metrics) ObserveDrain(d time.Duration) {
	if m == nil {
		return
	}
	m.drainDuration.Observe(d.Seconds())
}

// ObserveBulk records the duration of a bulk pass.
func (m *Metrics) ObserveBulk(d time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.bulkDuration.WithLabelValues(status(ok)).Observe(d.Seconds())
}

// CollectionSynced records the outcome of one collection download.
func (m *Metrics) CollectionSynced(collection string, count int, err error) {
	if m == nil {
		return
	}
	m.bulkCollection.WithLabelValues(collection, status(err == nil)).Inc()
	if err == nil {
		m.cacheRecords.WithLabelValues(collection).Set(float64(count))
	}
}

// SetQueueStats publishes queue sizes.
func (m *Metrics) SetQueueStats(s model.QueueStats) {
	if m == nil {
		return
	}
	m.queueOps.WithLabelValues(string(model.StatePending)).Set(float64(s.Pending))
	m.queueOps.WithLabelValues(string(model.StateRetrying)).Set(float64(s.Retrying))
	m.queueOps.WithLabelValues(string(model.StateSynced)).Set(float64(s.Synced))
	m.queueOps.WithLabelValues(string(model.StateFailed)).Set(float64(s.Failed))
}

// BackendOperation counts a read or write against a backend.
func (m *Metrics) BackendOperation(backendID string, class model.OpClass) {
	if m == nil {
		return
	}
	m.backendOps.WithLabelValues(backendID, string(class)).Inc()
}

// SetActiveBackend marks active with 1 and every other id with 0.
func (m *Metrics) SetActiveBackend(active string, ids []string) {
	if m == nil {
		return
	}
	for _, id := range ids {
		v := 0.0
		if id == active {
			v = 1
		}
		m.backendActive.WithLabelValues(id).Set(v)
	}
}

// Rotation counts an activation attempt.
func (m *Metrics) Rotation(success bool) {
	if m == nil {
		return
	}
	m.rotations.WithLabelValues(status(success)).Inc()
}

// Replicated counts documents copied for a collection.
func (m *Metrics) Replicated(collection string, copied int) {
	if m == nil {
		return
	}
	m.replicatedDocs.WithLabelValues(collection).Add(float64(copied))
}

// SetOnline records connectivity.
func (m *Metrics) SetOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.online.Set(1)
		return
	}
	m.online.Set(0)
}

func status(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
