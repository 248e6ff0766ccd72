package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration is shared across every HTTP handler via middleware.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "loom",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "route", "status"},
)

var WeaversCreatedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "weavers",
		Name:      "created_total",
		Help:      "Total number of weavers created.",
	},
)

var WeaversDeletedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "weavers",
		Name:      "deleted_total",
		Help:      "Total number of weavers deleted.",
	},
)

var WeaversFailedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "weavers",
		Name:      "failed_total",
		Help:      "Total number of weavers that transitioned to Failed.",
	},
)

var WeaversActive = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "loom",
		Subsystem: "weavers",
		Name:      "active",
		Help:      "Number of weavers currently Running.",
	},
)

var WeaverCleanupRunsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "weavers",
		Name:      "cleanup_runs_total",
		Help:      "Total number of weaver TTL cleanup passes.",
	},
)

var SessionsActive = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "loom",
		Subsystem: "sessions",
		Name:      "active",
		Help:      "Number of live client-to-weaver sessions.",
	},
)

var IPAllocationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "ipalloc",
		Name:      "allocations_total",
		Help:      "Total number of IP allocations by subnet kind.",
	},
	[]string{"kind"},
)

var AuditSinkQueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "loom",
		Subsystem: "audit",
		Name:      "sink_queue_depth",
		Help:      "Number of buffered events awaiting delivery per sink.",
	},
	[]string{"sink"},
)

var AuditSinkDroppedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "audit",
		Name:      "sink_dropped_total",
		Help:      "Total number of audit events dropped due to a full sink queue.",
	},
	[]string{"sink"},
)

var JobHealthGauge = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "loom",
		Subsystem: "scheduler",
		Name:      "job_health",
		Help:      "Background job health: 0=Healthy, 1=Degraded, 2=Unhealthy.",
	},
	[]string{"job"},
)

var DirectPathUpgradesTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "wgengine",
		Name:      "direct_path_upgrades_total",
		Help:      "Total number of times a peer path upgraded from DERP to direct.",
	},
)

var DERPFallbacksTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "wgengine",
		Name:      "derp_fallbacks_total",
		Help:      "Total number of times a peer path fell back to DERP.",
	},
)

// All returns all Loom-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		WeaversCreatedTotal,
		WeaversDeletedTotal,
		WeaversFailedTotal,
		WeaversActive,
		WeaverCleanupRunsTotal,
		SessionsActive,
		IPAllocationsTotal,
		AuditSinkQueueDepth,
		AuditSinkDroppedTotal,
		JobHealthGauge,
		DirectPathUpgradesTotal,
		DERPFallbacksTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process
// collectors, the shared HTTPRequestDuration metric, and any additional
// service-specific collectors passed as arguments. HTTPRequestDuration is
// skipped if it appears among the extras, so All() can be passed whole.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		if c == HTTPRequestDuration {
			continue
		}
		reg.MustRegister(c)
	}
	return reg
}
