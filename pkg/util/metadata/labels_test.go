package metadata_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	sitesv1alpha1 "github.com/numtide/site-controller/api/v1alpha1"
	"github.com/numtide/site-controller/pkg/util/metadata"
)

func TestBuildStandardLabels(t *testing.T) {
	tests := map[string]struct {
		site          *sitesv1alpha1.Site
		componentName string
		want          map[string]string
	}{
		"typical case": {
			site:          &sitesv1alpha1.Site{ID: "site-1", Slug: "blog", TenantID: "acme"},
			componentName: metadata.ComponentWorkload,
			want: map[string]string{
				"app.kubernetes.io/name":       "tenant-site",
				"app.kubernetes.io/instance":   "blog",
				"app.kubernetes.io/component":  "workload",
				"app.kubernetes.io/part-of":    "site-platform",
				"app.kubernetes.io/managed-by": "site-controller",
				"sites.numtide.com/site-id":    "site-1",
				"sites.numtide.com/tenant-id":  "acme",
				"sites.numtide.com/slug":       "blog",
			},
		},
		"empty strings allowed": {
			site:          &sitesv1alpha1.Site{},
			componentName: "",
			want: map[string]string{
				"app.kubernetes.io/name":       "tenant-site",
				"app.kubernetes.io/instance":   "",
				"app.kubernetes.io/component":  "",
				"app.kubernetes.io/part-of":    "site-platform",
				"app.kubernetes.io/managed-by": "site-controller",
				"sites.numtide.com/site-id":    "",
				"sites.numtide.com/tenant-id":  "",
				"sites.numtide.com/slug":       "",
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got := metadata.BuildStandardLabels(tc.site, tc.componentName)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("BuildStandardLabels() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSelectorLabelsAreSubsetOfStandard(t *testing.T) {
	site := &sitesv1alpha1.Site{ID: "site-1", Slug: "blog", TenantID: "acme"}
	standard := metadata.BuildStandardLabels(site, metadata.ComponentWorkload)
	for k, v := range metadata.BuildSelectorLabels(site) {
		if standard[k] != v {
			t.Errorf("selector label %s=%s missing from standard labels", k, v)
		}
	}
	if got := metadata.SiteSelector("site-1"); got[metadata.LabelSiteID] != "site-1" {
		t.Errorf("SiteSelector() = %v", got)
	}
}

func TestMergeLabels(t *testing.T) {
	tests := map[string]struct {
		standardLabels map[string]string
		customLabels   map[string]string
		want           map[string]string
	}{
		"standard labels win on conflicts": {
			standardLabels: map[string]string{
				"app.kubernetes.io/name":    "tenant-site",
				"sites.numtide.com/site-id": "site-1",
			},
			customLabels: map[string]string{
				"sites.numtide.com/site-id": "spoofed",
				"team":                      "web",
			},
			want: map[string]string{
				"app.kubernetes.io/name":    "tenant-site",
				"sites.numtide.com/site-id": "site-1",
				"team":                      "web",
			},
		},
		"nil custom labels": {
			standardLabels: map[string]string{"a": "b"},
			want:           map[string]string{"a": "b"},
		},
		"both nil": {
			want: map[string]string{},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got := metadata.MergeLabels(tc.standardLabels, tc.customLabels)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("MergeLabels() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
