// Package monitoring provides Prometheus metrics, recording helpers and
// OpenTelemetry tracing for the site controller. It exposes site and tenant
// gauges and step counters that complement the generic controller-runtime
// metrics already registered by the framework.
//
// All metrics follow the naming convention site_controller_<metric>_<unit>
// and are registered against controller-runtime's default Prometheus registry
// on import.
//
// Usage in the engine:
//
//	monitoring.SetSiteInfo(site.ID, site.Slug, site.TenantID, string(site.State))
//	monitoring.RecordReconcileStep(string(state), "requeue", elapsed)
//
// Usage in the control API:
//
//	monitoring.RecordAPIRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), elapsed)
package monitoring
