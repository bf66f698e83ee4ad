package cluster

import (
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	sitesv1alpha1 "github.com/numtide/site-controller/api/v1alpha1"
	"github.com/numtide/site-controller/pkg/names"
	"github.com/numtide/site-controller/pkg/util/metadata"
)

// DefaultReplicas is the number of workload replicas when Options.Replicas is
// not set.
const DefaultReplicas int32 = 1

// BuildDeployment creates the Deployment running the site's container.
// Requests and limits are both set to the site's reserved resources, so the
// workload can never use more than what the tenant quota accounted for.
func BuildDeployment(site *sitesv1alpha1.Site, opts Options) *appsv1.Deployment {
	replicas := opts.Replicas
	if replicas <= 0 {
		replicas = DefaultReplicas
	}

	labels := metadata.BuildStandardLabels(site, metadata.ComponentWorkload)
	resources := corev1.ResourceList{
		corev1.ResourceCPU:              *site.Resources.CPUQuantity(),
		corev1.ResourceMemory:           *site.Resources.MemoryQuantity(),
		corev1.ResourceEphemeralStorage: *site.Resources.DiskQuantity(),
	}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      names.WorkloadName,
			Namespace: site.Namespace,
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{
				MatchLabels: metadata.BuildSelectorLabels(site),
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: labels,
				},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{
						{
							Name:  names.ContainerName,
							Image: site.Image,
							Ports: []corev1.ContainerPort{
								{
									Name:          names.ServicePortName,
									ContainerPort: site.ContainerPort,
									Protocol:      corev1.ProtocolTCP,
								},
							},
							Resources: corev1.ResourceRequirements{
								Requests: resources,
								Limits:   resources.DeepCopy(),
							},
							ReadinessProbe: &corev1.Probe{
								ProbeHandler: corev1.ProbeHandler{
									TCPSocket: &corev1.TCPSocketAction{
										Port: intstr.FromString(names.ServicePortName),
									},
								},
								PeriodSeconds: 10,
							},
						},
					},
				},
			},
		},
	}
}
