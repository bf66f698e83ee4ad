/*
Copyright 2026 Numtide.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package cluster translates a Site into Kubernetes objects and removes them
// again.
//
// The adapter holds no state of its own. Every object it creates carries the
// site-id label, and Teardown finds what to delete through that label alone,
// so a crash between two steps never leaves objects that cannot be found.
package cluster

import (
	"context"
	"fmt"
	"time"

	certmanagerv1 "github.com/cert-manager/cert-manager/pkg/apis/certmanager/v1"
	"go.uber.org/multierr"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"
	gatewayv1 "sigs.k8s.io/gateway-api/apis/v1"

	sitesv1alpha1 "github.com/numtide/site-controller/api/v1alpha1"
	"github.com/numtide/site-controller/pkg/monitoring"
	"github.com/numtide/site-controller/pkg/names"
	"github.com/numtide/site-controller/pkg/util/metadata"
)

// Options configures the objects built for every site.
type Options struct {
	// GatewayName is the Gateway every HTTPRoute attaches to.
	GatewayName string

	// GatewayNamespace is the namespace of the Gateway. Empty means the
	// route's own namespace.
	GatewayNamespace string

	// IssuerKind is the cert-manager issuer kind, Issuer or ClusterIssuer.
	IssuerKind string

	// Replicas is the workload replica count.
	Replicas int32
}

// Adapter applies and tears down the cluster objects of sites.
type Adapter struct {
	client.Client
	Options Options
}

// NewAdapter returns an Adapter writing through c.
func NewAdapter(c client.Client, opts Options) *Adapter {
	return &Adapter{Client: c, Options: opts}
}

type applyStep struct {
	step Step
	run  func(ctx context.Context, site *sitesv1alpha1.Site, handles *sitesv1alpha1.ClusterHandles) error
}

// Apply creates or updates every object of site in order: namespace,
// workload, route and certificate. It stops at the first failing step and
// returns a *ClusterError naming it. Objects created by earlier steps are left
// in place; callers undo them with Teardown.
//
// Applying the same site twice yields the same cluster state.
func (a *Adapter) Apply(
	ctx context.Context,
	site *sitesv1alpha1.Site,
) (sitesv1alpha1.ClusterHandles, error) {
	ctx, span := monitoring.StartChildSpan(ctx, "Adapter.Apply")
	defer span.End()
	logger := log.FromContext(ctx).WithValues("site", site.ID, "namespace", site.Namespace)

	steps := []applyStep{
		{step: StepNamespace, run: a.reconcileNamespace},
		{step: StepWorkload, run: a.reconcileWorkload},
		{step: StepRoute, run: a.reconcileRoute},
		{step: StepCertificate, run: a.reconcileCertificate},
	}

	var handles sitesv1alpha1.ClusterHandles
	for _, s := range steps {
		if err := a.runStep(ctx, s.step, func(ctx context.Context) error {
			return s.run(ctx, site, &handles)
		}); err != nil {
			monitoring.RecordSpanError(span, err)
			return handles, err
		}
	}

	logger.V(1).Info("Applied site objects", "handles", handles)
	return handles, nil
}

// Teardown deletes every object labelled with siteID, in the reverse order of
// Apply. Objects that are already gone count as deleted. A nil return means
// nothing labelled with siteID is left in the cluster.
func (a *Adapter) Teardown(ctx context.Context, siteID string) error {
	ctx, span := monitoring.StartChildSpan(ctx, "Adapter.Teardown")
	defer span.End()
	logger := log.FromContext(ctx).WithValues("site", siteID)

	err := a.runStep(ctx, StepTeardown, func(ctx context.Context) error {
		owned, err := a.listOwned(ctx, siteID)
		if err != nil {
			return err
		}

		var errs error
		for _, o := range owned {
			if !o.obj.GetDeletionTimestamp().IsZero() {
				continue
			}
			err := a.Delete(ctx, o.obj, client.PropagationPolicy(metav1.DeletePropagationBackground))
			if client.IgnoreNotFound(err) != nil {
				errs = multierr.Append(errs, fmt.Errorf("failed to delete %s %s: %w",
					o.kind, client.ObjectKeyFromObject(o.obj), err))
				continue
			}
			logger.V(1).Info("Deleted site object", "kind", o.kind, "name", o.obj.GetName())
		}
		if errs != nil {
			return errs
		}

		remaining, err := a.listOwned(ctx, siteID)
		if err != nil {
			return err
		}
		if len(remaining) > 0 {
			return fmt.Errorf("%d objects, first %s %s: %w", len(remaining),
				remaining[0].kind, client.ObjectKeyFromObject(remaining[0].obj), ErrObjectsRemaining)
		}
		return nil
	})
	if err != nil {
		monitoring.RecordSpanError(span, err)
		return err
	}

	logger.V(1).Info("Tore down site objects")
	return nil
}

func (a *Adapter) runStep(ctx context.Context, step Step, fn func(context.Context) error) error {
	ctx, span := monitoring.StartChildSpan(ctx, "Adapter."+string(step))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	if err == nil {
		monitoring.RecordClusterStep(string(step), "", time.Since(start))
		return nil
	}

	cerr := newError(step, err)
	monitoring.RecordClusterStep(string(step), string(cerr.Class), time.Since(start))
	monitoring.RecordSpanError(span, cerr)
	return cerr
}

func (a *Adapter) reconcileNamespace(
	ctx context.Context,
	site *sitesv1alpha1.Site,
	handles *sitesv1alpha1.ClusterHandles,
) error {
	desired := BuildNamespace(site)
	existing := &corev1.Namespace{}
	err := a.reconcileObject(ctx, site, "Namespace", desired, existing, func() {
		existing.Labels = metadata.MergeLabels(desired.Labels, existing.Labels)
	})
	if err != nil {
		return err
	}
	handles.Namespace = desired.Name
	return nil
}

func (a *Adapter) reconcileWorkload(
	ctx context.Context,
	site *sitesv1alpha1.Site,
	handles *sitesv1alpha1.ClusterHandles,
) error {
	deployment := BuildDeployment(site, a.Options)
	existingDeployment := &appsv1.Deployment{}
	err := a.reconcileObject(ctx, site, "Deployment", deployment, existingDeployment, func() {
		existingDeployment.Spec = deployment.Spec
		existingDeployment.Labels = deployment.Labels
	})
	if err != nil {
		return err
	}
	handles.Deployment = deployment.Name

	svc := BuildService(site)
	existingSvc := &corev1.Service{}
	err = a.reconcileObject(ctx, site, "Service", svc, existingSvc, func() {
		// ClusterIP is allocated by the API server and must be kept.
		existingSvc.Spec.Type = svc.Spec.Type
		existingSvc.Spec.Selector = svc.Spec.Selector
		existingSvc.Spec.Ports = svc.Spec.Ports
		existingSvc.Labels = svc.Labels
	})
	if err != nil {
		return err
	}
	handles.Service = svc.Name
	return nil
}

func (a *Adapter) reconcileRoute(
	ctx context.Context,
	site *sitesv1alpha1.Site,
	handles *sitesv1alpha1.ClusterHandles,
) error {
	desired := BuildHTTPRoute(site, a.Options)
	existing := &gatewayv1.HTTPRoute{}
	err := a.reconcileObject(ctx, site, "HTTPRoute", desired, existing, func() {
		existing.Spec = desired.Spec
		existing.Labels = desired.Labels
	})
	if err != nil {
		return err
	}
	handles.Route = desired.Name
	return nil
}

func (a *Adapter) reconcileCertificate(
	ctx context.Context,
	site *sitesv1alpha1.Site,
	handles *sitesv1alpha1.ClusterHandles,
) error {
	if !site.TLS.Enabled {
		stale := &certmanagerv1.Certificate{
			ObjectMeta: metav1.ObjectMeta{Name: names.CertificateName, Namespace: site.Namespace},
		}
		err := a.Delete(ctx, stale)
		if err != nil && !apierrors.IsNotFound(err) && !meta.IsNoMatchError(err) {
			return fmt.Errorf("failed to delete stale Certificate: %w", err)
		}
		return nil
	}

	desired := BuildCertificate(site, a.Options)
	existing := &certmanagerv1.Certificate{}
	err := a.reconcileObject(ctx, site, "Certificate", desired, existing, func() {
		existing.Spec = desired.Spec
		existing.Labels = desired.Labels
	})
	if err != nil {
		return err
	}
	handles.Certificate = desired.Name
	return nil
}

// reconcileObject creates desired when it does not exist yet. Otherwise it
// loads the live object into existing and lets mutate copy the desired fields
// over before updating it. Objects still being deleted, typically left over
// by an earlier site with the same slug, are waited for. Objects labelled for
// another site are never touched.
func (a *Adapter) reconcileObject(
	ctx context.Context,
	site *sitesv1alpha1.Site,
	kind string,
	desired, existing client.Object,
	mutate func(),
) error {
	key := client.ObjectKeyFromObject(desired)
	err := a.Get(ctx, key, existing)
	if err != nil {
		if apierrors.IsNotFound(err) {
			if err := a.Create(ctx, desired); err != nil {
				return fmt.Errorf("failed to create %s: %w", kind, err)
			}
			return nil
		}
		return fmt.Errorf("failed to get %s: %w", kind, err)
	}

	if !existing.GetDeletionTimestamp().IsZero() {
		return fmt.Errorf("%s %s: %w", kind, key, ErrTerminating)
	}
	if owner := existing.GetLabels()[metadata.LabelSiteID]; owner != site.ID {
		return fmt.Errorf("%s %s is labelled for site %q: %w", kind, key, owner, ErrForeignObject)
	}
	mutate()
	if err := a.Update(ctx, existing); err != nil {
		return fmt.Errorf("failed to update %s: %w", kind, err)
	}
	return nil
}

type ownedObject struct {
	kind string
	obj  client.Object
}

type ownedKind struct {
	kind string
	list client.ObjectList

	// optional kinds are served by CRDs that may not be installed. A cluster
	// without the CRD cannot hold such objects.
	optional bool
}

// ownedKinds returns the kinds created by Apply in teardown order.
func ownedKinds() []ownedKind {
	return []ownedKind{
		{kind: "Certificate", list: &certmanagerv1.CertificateList{}, optional: true},
		{kind: "HTTPRoute", list: &gatewayv1.HTTPRouteList{}, optional: true},
		{kind: "Service", list: &corev1.ServiceList{}},
		{kind: "Deployment", list: &appsv1.DeploymentList{}},
		{kind: "Namespace", list: &corev1.NamespaceList{}},
	}
}

// listOwned lists every object labelled with siteID across all namespaces.
func (a *Adapter) listOwned(ctx context.Context, siteID string) ([]ownedObject, error) {
	var owned []ownedObject
	for _, k := range ownedKinds() {
		if err := a.List(ctx, k.list, metadata.SiteSelector(siteID)); err != nil {
			if k.optional && meta.IsNoMatchError(err) {
				continue
			}
			return nil, fmt.Errorf("failed to list %s: %w", k.kind, err)
		}
		items, err := meta.ExtractList(k.list)
		if err != nil {
			return nil, fmt.Errorf("failed to extract %s list: %w", k.kind, err)
		}
		for _, item := range items {
			obj, ok := item.(client.Object)
			if !ok {
				continue
			}
			owned = append(owned, ownedObject{kind: k.kind, obj: obj})
		}
	}
	return owned, nil
}

// CountOwned returns how many objects labelled with siteID exist.
func (a *Adapter) CountOwned(ctx context.Context, siteID string) (int, error) {
	owned, err := a.listOwned(ctx, siteID)
	return len(owned), err
}
