package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

// Domain-specific metric collectors.
//
// These complement the generic controller-runtime metrics (work queue depth,
// client latency, etc.) with site and tenant state that the framework cannot
// know about.
var (
	siteInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "site_controller_site_info",
			Help: "Info-style metric for site discovery and lifecycle state tracking. Always 1.",
		},
		[]string{"site", "slug", "tenant", "state"},
	)

	tenantQuota = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "site_controller_tenant_quota",
			Help: "Tenant quota per dimension, in millicores or bytes.",
		},
		[]string{"tenant", "dimension", "kind"},
	)

	tenantSites = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "site_controller_tenant_sites",
			Help: "Number of sites holding a quota reservation for a tenant.",
		},
		[]string{"tenant"},
	)

	reconcileStepTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "site_controller_reconcile_step_total",
			Help: "Total number of reconcile steps by starting state and outcome.",
		},
		[]string{"state", "result"},
	)

	reconcileStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "site_controller_reconcile_step_duration_seconds",
			Help:    "Latency of one reconcile step in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"state"},
	)

	clusterStepTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "site_controller_cluster_step_total",
			Help: "Total number of cluster adapter steps by step and result.",
		},
		[]string{"step", "result"},
	)

	clusterStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "site_controller_cluster_step_duration_seconds",
			Help:    "Latency of cluster adapter steps in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step"},
	)

	pendingEvents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "site_controller_pending_events",
			Help: "Number of site events queued in mailboxes and not yet consumed.",
		},
	)

	apiRequestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "site_controller_api_request_total",
			Help: "Total number of control API requests.",
		},
		[]string{"method", "route", "code"},
	)

	apiRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "site_controller_api_request_duration_seconds",
			Help:    "Latency of control API requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

func init() {
	metrics.Registry.MustRegister(Collectors()...)
}

// Collectors returns all registered metric collectors. This is useful for
// testing that metrics are properly registered.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		siteInfo,
		tenantQuota,
		tenantSites,
		reconcileStepTotal,
		reconcileStepDuration,
		clusterStepTotal,
		clusterStepDuration,
		pendingEvents,
		apiRequestTotal,
		apiRequestDuration,
	}
}
