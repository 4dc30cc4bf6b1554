package worlddb

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "worlddb"
	metricsSubsystem = "engine"
)

type metrics struct {
	passes       *prometheus.CounterVec
	passDuration prometheus.Histogram
	written      prometheus.Counter
	deleted      prometheus.Counter
	bytesStaged  prometheus.Counter
	loads        prometheus.Counter
	unreadable   prometheus.Counter
	allocations  *prometheus.CounterVec
	recoveries   prometheus.Counter

	encodeFailures prometheus.Counter
	freedIDs       prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		passes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "save_passes_total",
				Help:      "Save passes run. Broken down by result.",
			},
			[]string{"result"},
		),
		passDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "save_pass_duration_seconds",
				Help:      "Duration of save passes that had work to do.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
			},
		),
		written: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "objects_written_total",
				Help:      "Object records serialized into the prestage file.",
			},
		),
		deleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "objects_deleted_total",
				Help:      "Objects deleted by save passes.",
			},
		),
		bytesStaged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "staged_bytes_total",
				Help:      "Bytes of data chunks written to staged.bin.",
			},
		),
		loads: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "object_loads_total",
				Help:      "Objects decoded from disk.",
			},
		),
		unreadable: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "unreadable_lookups_total",
				Help:      "Lookups that hit a record of an unknown class.",
			},
		),
		allocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "space_allocations_total",
				Help:      "Placements of object data. Broken down by whether free space was reused or the file grew.",
			},
			[]string{"kind"},
		),
		recoveries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "recoveries_total",
				Help:      "Staged files replayed at startup.",
			},
		),
		encodeFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "encode_failures_total",
				Help:      "Objects left queued because they could not be serialized.",
			},
		),
		freedIDs: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "freed_ids_total",
				Help:      "Deleted ids returned to the free lists by free passes.",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.passes, m.passDuration, m.written, m.deleted, m.bytesStaged, m.loads, m.unreadable, m.allocations, m.recoveries, m.encodeFailures, m.freedIDs)
	}
	return m
}
