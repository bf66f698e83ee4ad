package cluster

import (
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	sitesv1alpha1 "github.com/numtide/site-controller/api/v1alpha1"
	"github.com/numtide/site-controller/pkg/names"
	"github.com/numtide/site-controller/pkg/util/metadata"
)

// BuildService creates the ClusterIP Service in front of the site's workload.
// It always listens on port 80 and targets the container port by name.
func BuildService(site *sitesv1alpha1.Site) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      names.ServiceName,
			Namespace: site.Namespace,
			Labels:    metadata.BuildStandardLabels(site, metadata.ComponentService),
		},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: metadata.BuildSelectorLabels(site),
			Ports: []corev1.ServicePort{
				{
					Name:       names.ServicePortName,
					Port:       names.DefaultServicePort,
					TargetPort: intstr.FromString(names.ServicePortName),
					Protocol:   corev1.ProtocolTCP,
				},
			},
		},
	}
}
