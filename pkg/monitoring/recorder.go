package monitoring

import (
	"strconv"
	"time"
)

// SetSiteInfo sets the info-style gauge for a site.
// Old state labels are automatically cleaned up via DeletePartialMatch.
func SetSiteInfo(site, slug, tenant, state string) {
	siteInfo.DeletePartialMatch(map[string]string{"site": site})
	siteInfo.WithLabelValues(site, slug, tenant, state).Set(1)
}

// DeleteSiteInfo removes every series of a site whose record is gone.
func DeleteSiteInfo(site string) {
	siteInfo.DeletePartialMatch(map[string]string{"site": site})
}

// SetTenantQuota sets the used and limit gauges of one quota dimension.
func SetTenantQuota(tenant, dimension string, used, limit int64) {
	tenantQuota.WithLabelValues(tenant, dimension, "used").Set(float64(used))
	tenantQuota.WithLabelValues(tenant, dimension, "limit").Set(float64(limit))
}

// SetTenantSites sets the number of sites holding a reservation.
func SetTenantSites(tenant string, count int) {
	tenantSites.WithLabelValues(tenant).Set(float64(count))
}

// RecordReconcileStep records one engine step, labelled by the state the site
// was in when the step started.
func RecordReconcileStep(state, result string, duration time.Duration) {
	reconcileStepTotal.WithLabelValues(state, result).Inc()
	reconcileStepDuration.WithLabelValues(state).Observe(duration.Seconds())
}

// RecordClusterStep records one adapter step. An empty class means success.
func RecordClusterStep(step, class string, duration time.Duration) {
	result := class
	if result == "" {
		result = "success"
	}
	clusterStepTotal.WithLabelValues(step, result).Inc()
	clusterStepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// SetPendingEvents sets the number of queued site events.
func SetPendingEvents(n int) {
	pendingEvents.Set(float64(n))
}

// RecordAPIRequest records a control API request's status code and duration.
func RecordAPIRequest(method, route string, code int, duration time.Duration) {
	apiRequestTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	apiRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
