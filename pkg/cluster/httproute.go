package cluster

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"
	gatewayv1 "sigs.k8s.io/gateway-api/apis/v1"

	sitesv1alpha1 "github.com/numtide/site-controller/api/v1alpha1"
	"github.com/numtide/site-controller/pkg/names"
	"github.com/numtide/site-controller/pkg/util/metadata"
)

// BuildHTTPRoute creates the HTTPRoute attaching the site's domains to the
// shared Gateway and sending all traffic to the site's Service.
func BuildHTTPRoute(site *sitesv1alpha1.Site, opts Options) *gatewayv1.HTTPRoute {
	hosts := site.Domains.Hosts()
	hostnames := make([]gatewayv1.Hostname, 0, len(hosts))
	for _, h := range hosts {
		hostnames = append(hostnames, gatewayv1.Hostname(h))
	}

	parent := gatewayv1.ParentReference{
		Name: gatewayv1.ObjectName(opts.GatewayName),
	}
	if opts.GatewayNamespace != "" {
		parent.Namespace = ptr.To(gatewayv1.Namespace(opts.GatewayNamespace))
	}

	return &gatewayv1.HTTPRoute{
		ObjectMeta: metav1.ObjectMeta{
			Name:      names.RouteName,
			Namespace: site.Namespace,
			Labels:    metadata.BuildStandardLabels(site, metadata.ComponentRoute),
		},
		Spec: gatewayv1.HTTPRouteSpec{
			CommonRouteSpec: gatewayv1.CommonRouteSpec{
				ParentRefs: []gatewayv1.ParentReference{parent},
			},
			Hostnames: hostnames,
			Rules: []gatewayv1.HTTPRouteRule{
				{
					BackendRefs: []gatewayv1.HTTPBackendRef{
						{
							BackendRef: gatewayv1.BackendRef{
								BackendObjectReference: gatewayv1.BackendObjectReference{
									Name: gatewayv1.ObjectName(names.ServiceName),
									Port: ptr.To(gatewayv1.PortNumber(names.DefaultServicePort)),
								},
							},
						},
					},
				},
			},
		},
	}
}
