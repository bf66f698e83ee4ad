package cluster

import (
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	sitesv1alpha1 "github.com/numtide/site-controller/api/v1alpha1"
	"github.com/numtide/site-controller/pkg/util/metadata"
)

// BuildNamespace creates the Namespace holding every other object of the site.
func BuildNamespace(site *sitesv1alpha1.Site) *corev1.Namespace {
	return &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   site.Namespace,
			Labels: metadata.BuildStandardLabels(site, metadata.ComponentNamespace),
		},
	}
}
