package metadata

import (
	"maps"

	"sigs.k8s.io/controller-runtime/pkg/client"

	sitesv1alpha1 "github.com/numtide/site-controller/api/v1alpha1"
)

// Standard Kubernetes label keys following kubernetes.io conventions.
//
// See: https://kubernetes.io/docs/concepts/overview/working-with-objects/common-labels/
const (
	// LabelAppName is the standard label key for the application name.
	LabelAppName = "app.kubernetes.io/name"

	// LabelAppInstance is the standard label key for the unique instance name.
	LabelAppInstance = "app.kubernetes.io/instance"

	// LabelAppComponent is the standard label key for the component within the
	// application.
	LabelAppComponent = "app.kubernetes.io/component"

	// LabelAppPartOf is the standard label key for the name of a higher level
	// application this one is part of.
	LabelAppPartOf = "app.kubernetes.io/part-of"

	// LabelAppManagedBy is the standard label key for the tool managing the
	// resource.
	LabelAppManagedBy = "app.kubernetes.io/managed-by"
)

const (
	// AppNameSite is the fixed application name for all site resources.
	AppNameSite = "tenant-site"

	// PartOfPlatform names the hosting platform the sites belong to.
	PartOfPlatform = "site-platform"

	// ManagedBySiteController identifies the controller managing these
	// resources.
	ManagedBySiteController = "site-controller"
)

// Component names, one per kind of object created for a site.
const (
	ComponentNamespace   = "namespace"
	ComponentWorkload    = "workload"
	ComponentService     = "service"
	ComponentRoute       = "route"
	ComponentCertificate = "certificate"
)

const (
	// LabelSiteID carries the id of the owning site. Teardown finds every
	// object of a site through this label alone.
	LabelSiteID = "sites.numtide.com/site-id"

	// LabelTenantID carries the id of the tenant owning the site.
	LabelTenantID = "sites.numtide.com/tenant-id"

	// LabelSiteSlug carries the slug of the owning site, for humans.
	LabelSiteSlug = "sites.numtide.com/slug"
)

// BuildStandardLabels builds the labels applied to every object created for
// a site.
//
// Standard labels include:
//   - app.kubernetes.io/name: "tenant-site"
//   - app.kubernetes.io/instance: <site slug>
//   - app.kubernetes.io/component: <componentName>
//   - app.kubernetes.io/part-of: "site-platform"
//   - app.kubernetes.io/managed-by: "site-controller"
//   - sites.numtide.com/site-id: <site id>
//   - sites.numtide.com/tenant-id: <tenant id>
//   - sites.numtide.com/slug: <site slug>
func BuildStandardLabels(site *sitesv1alpha1.Site, componentName string) map[string]string {
	return map[string]string{
		LabelAppName:      AppNameSite,
		LabelAppInstance:  site.Slug,
		LabelAppComponent: componentName,
		LabelAppPartOf:    PartOfPlatform,
		LabelAppManagedBy: ManagedBySiteController,
		LabelSiteID:       site.ID,
		LabelTenantID:     site.TenantID,
		LabelSiteSlug:     site.Slug,
	}
}

// BuildSelectorLabels builds the subset of labels used in pod selectors.
// Selectors are immutable on Deployments, so this set must never change for
// a given site.
func BuildSelectorLabels(site *sitesv1alpha1.Site) map[string]string {
	return map[string]string{
		LabelAppName:     AppNameSite,
		LabelAppInstance: site.Slug,
		LabelSiteID:      site.ID,
	}
}

// SiteSelector returns the list option matching every object owned by the
// given site id.
func SiteSelector(siteID string) client.MatchingLabels {
	return client.MatchingLabels{LabelSiteID: siteID}
}

// MergeLabels merges custom labels with standard labels.
//
// Note that standard labels take precedence over custom labels to prevent users
// from overriding critical controller-managed labels.
func MergeLabels(standardLabels, customLabels map[string]string) map[string]string {
	merged := make(map[string]string, len(standardLabels)+len(customLabels))
	maps.Copy(merged, customLabels)
	maps.Copy(merged, standardLabels)
	return merged
}
