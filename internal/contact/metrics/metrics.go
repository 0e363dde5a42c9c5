package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for identity reconciliation.
type Metrics struct {
	ContactsCreated  *prometheus.CounterVec
	ClustersMerged   prometheus.Counter
	ContactsDemoted  prometheus.Counter
	ContactsRelinked prometheus.Counter
	IdentifyDuration *prometheus.HistogramVec
	LockFallbacks    prometheus.Counter
	LockDegraded     prometheus.Gauge
}

// New registers the contact metrics with the default registry.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer registers the contact metrics with reg. Tests pass a
// fresh prometheus.NewRegistry() so repeated construction does not panic.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ContactsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "linkage_contacts_created_total",
			Help: "Total number of contacts created, by link precedence",
		}, []string{"precedence"}),
		ClustersMerged: factory.NewCounter(prometheus.CounterOpts{
			Name: "linkage_clusters_merged_total",
			Help: "Total number of identify calls that merged two or more clusters",
		}),
		ContactsDemoted: factory.NewCounter(prometheus.CounterOpts{
			Name: "linkage_contacts_demoted_total",
			Help: "Total number of primaries demoted to secondary during merges",
		}),
		ContactsRelinked: factory.NewCounter(prometheus.CounterOpts{
			Name: "linkage_contacts_relinked_total",
			Help: "Total number of secondaries re-pointed at a surviving primary",
		}),
		IdentifyDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "linkage_identify_duration_seconds",
			Help:    "Duration of identify operations, by outcome",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"outcome"}),
		LockFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "linkage_lock_fallbacks_total",
			Help: "Total number of identity-key locks served by the local fallback",
		}),
		LockDegraded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "linkage_lock_degraded",
			Help: "1 while the shared lock circuit is open",
		}),
	}
}

// IncrementContactsCreated records a new contact row.
func (m *Metrics) IncrementContactsCreated(precedence string) {
	m.ContactsCreated.WithLabelValues(precedence).Inc()
}

// RecordMerge records a merge and the rows it rewrote.
func (m *Metrics) RecordMerge(demoted, relinked int) {
	m.ClustersMerged.Inc()
	m.ContactsDemoted.Add(float64(demoted))
	m.ContactsRelinked.Add(float64(relinked))
}

// ObserveIdentify records the duration of an identify call.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveIdentify(start time.Time, outcome string) {
	m.IdentifyDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncrementLockFallback() {
	m.LockFallbacks.Inc()
}

func (m *Metrics) SetLockDegraded(degraded bool) {
	if degraded {
		m.LockDegraded.Set(1)
		return
	}
	m.LockDegraded.Set(0)
}
