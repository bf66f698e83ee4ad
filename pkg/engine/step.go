package engine

import (
	"context"
	"errors"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	sitesv1alpha1 "github.com/numtide/site-controller/api/v1alpha1"
	"github.com/numtide/site-controller/pkg/cluster"
	"github.com/numtide/site-controller/pkg/monitoring"
	"github.com/numtide/site-controller/pkg/quota"
	"github.com/numtide/site-controller/pkg/registry"
)

// stepQuota is the step recorded on errors raised while reserving quota.
const stepQuota = "quota"

// stepResult tells the worker when to look at a site again.
type stepResult struct {
	requeue bool
	after   time.Duration
}

var (
	done    = stepResult{}
	requeue = stepResult{requeue: true}
)

func retryAfter(d time.Duration) stepResult {
	return stepResult{after: d}
}

// step performs one lifecycle step of a site.
func (e *Engine) step(ctx context.Context, siteID string, ev Event) stepResult {
	start := e.opts.Clock.Now()
	logger := log.FromContext(ctx).WithValues("site", siteID, "event", ev.Kind)

	site, err := e.store.GetSite(ctx, siteID)
	if errors.Is(err, registry.ErrNotFound) {
		logger.V(1).Info("Site not found, ignoring")
		return done
	}
	if err != nil {
		logger.Error(err, "Failed to get site")
		return retryAfter(e.backoff(1))
	}

	ctx, span := monitoring.StartReconcileSpan(ctx, "Engine.step", site.ID, site.Slug, string(site.State))
	defer span.End()
	ctx = log.IntoContext(ctx, logger.WithValues("slug", site.Slug, "state", site.State))
	ctx = monitoring.EnrichLoggerWithTrace(ctx)
	logger = log.FromContext(ctx)

	res, err := e.dispatch(ctx, site, ev)
	result := "success"
	switch {
	case errors.Is(err, registry.ErrStaleState):
		logger.V(1).Info("Site changed concurrently, re-reading")
		result = "stale"
		res = requeue
	case err != nil:
		monitoring.RecordSpanError(span, err)
		logger.Error(err, "Step failed")
		result = "error"
		res = retryAfter(e.backoff(max(site.Attempts, 1)))
	case res.after > 0:
		result = "retry"
	}

	monitoring.RecordReconcileStep(string(site.State), result, e.opts.Clock.Since(start))
	return res
}

func (e *Engine) dispatch(ctx context.Context, site *sitesv1alpha1.Site, ev Event) (stepResult, error) {
	if ev.Kind == EventDelete && !site.DeletionRequested() && !deletingOrGone(site.State) {
		updated, err := e.store.RequestDeletion(ctx, site.ID, e.opts.Clock.Now())
		if err != nil {
			return done, err
		}
		site = updated
	}

	if site.DeletionRequested() && !deletingOrGone(site.State) {
		tr := e.next(site, sitesv1alpha1.StateDeleting)
		tr.Attempts = 0
		return requeue, e.commit(ctx, site, tr)
	}

	switch site.State {
	case sitesv1alpha1.StatePending:
		return e.reserve(ctx, site)
	case sitesv1alpha1.StateProvisioning:
		if rollbackRequired(site) {
			return e.rollback(ctx, site)
		}
		return e.provision(ctx, site)
	case sitesv1alpha1.StateDeleting:
		return e.teardown(ctx, site)
	case sitesv1alpha1.StateDeleted:
		return done, e.remove(ctx, site)
	}
	return done, nil
}

// reserve takes the site's quota out of its tenant's capacity.
func (e *Engine) reserve(ctx context.Context, site *sitesv1alpha1.Site) (stepResult, error) {
	token, err := e.quota.Reserve(ctx, site.TenantID, site.ID, site.Resources)

	var qerr *quota.QuotaExceededError
	switch {
	case errors.As(err, &qerr):
		tr := e.next(site, sitesv1alpha1.StateError)
		tr.LastError = &sitesv1alpha1.SiteError{
			Kind:    sitesv1alpha1.ErrorKindQuotaExceeded,
			Step:    stepQuota,
			Message: qerr.Error(),
		}
		return done, e.commit(ctx, site, tr)
	case errors.Is(err, quota.ErrUnknownTenant):
		tr := e.next(site, sitesv1alpha1.StateError)
		tr.LastError = &sitesv1alpha1.SiteError{
			Kind:    sitesv1alpha1.ErrorKindPermanent,
			Step:    stepQuota,
			Message: err.Error(),
		}
		return done, e.commit(ctx, site, tr)
	case err != nil:
		return done, err
	}

	tr := e.next(site, sitesv1alpha1.StateProvisioning)
	tr.ReservationToken = token
	tr.Attempts = 0
	tr.LastError = nil
	return requeue, e.commit(ctx, site, tr)
}

// provision applies the site's cluster objects.
func (e *Engine) provision(ctx context.Context, site *sitesv1alpha1.Site) (stepResult, error) {
	logger := log.FromContext(ctx)

	handles, err := e.adapter.Apply(ctx, site)
	if err == nil {
		tr := e.next(site, sitesv1alpha1.StateReady)
		tr.Handles = handles
		tr.Attempts = 0
		tr.LastError = nil
		return done, e.commit(ctx, site, tr)
	}

	var step string
	var cerr *cluster.ClusterError
	if errors.As(err, &cerr) {
		step = string(cerr.Step)
	}

	tr := e.next(site, sitesv1alpha1.StateProvisioning)
	tr.Handles = handles
	tr.Attempts = site.Attempts + 1
	siteErr := &sitesv1alpha1.SiteError{Step: step, Message: err.Error()}
	tr.LastError = siteErr

	switch {
	case cluster.IsPermanent(err):
		siteErr.Kind = sitesv1alpha1.ErrorKindPermanent
		logger.Info("Permanent cluster error, rolling back", "step", step, "error", err.Error())
		return requeue, e.commit(ctx, site, tr)
	case tr.Attempts >= e.opts.MaxAttempts:
		siteErr.Kind = sitesv1alpha1.ErrorKindRetriesExhausted
		logger.Info("Retries exhausted, rolling back", "step", step, "attempts", tr.Attempts)
		return requeue, e.commit(ctx, site, tr)
	default:
		siteErr.Kind = sitesv1alpha1.ErrorKindTransient
		delay := e.backoff(tr.Attempts)
		logger.Info("Transient cluster error, retrying",
			"step", step, "attempts", tr.Attempts, "delay", delay.String(), "error", err.Error())
		return retryAfter(delay), e.commit(ctx, site, tr)
	}
}

// rollback removes what a failed provisioning left behind and parks the
// site in error. The error that caused the rollback is kept.
func (e *Engine) rollback(ctx context.Context, site *sitesv1alpha1.Site) (stepResult, error) {
	if err := e.adapter.Teardown(ctx, site.ID); err != nil {
		tr := e.next(site, sitesv1alpha1.StateProvisioning)
		tr.Attempts = site.Attempts + 1
		delay := e.backoff(tr.Attempts)
		log.FromContext(ctx).Info("Rollback teardown incomplete, retrying",
			"delay", delay.String(), "error", err.Error())
		return retryAfter(delay), e.commit(ctx, site, tr)
	}
	if err := e.release(ctx, site); err != nil {
		return done, err
	}

	tr := e.next(site, sitesv1alpha1.StateError)
	tr.ReservationToken = ""
	tr.Handles = sitesv1alpha1.ClusterHandles{}
	return done, e.commit(ctx, site, tr)
}

// teardown deletes a site that is being deleted.
func (e *Engine) teardown(ctx context.Context, site *sitesv1alpha1.Site) (stepResult, error) {
	if err := e.adapter.Teardown(ctx, site.ID); err != nil {
		tr := e.next(site, sitesv1alpha1.StateDeleting)
		tr.Attempts = site.Attempts + 1
		tr.LastError = &sitesv1alpha1.SiteError{
			Kind:    sitesv1alpha1.ErrorKindTransient,
			Step:    string(cluster.StepTeardown),
			Message: err.Error(),
		}
		delay := e.backoff(tr.Attempts)
		log.FromContext(ctx).Info("Teardown incomplete, retrying",
			"attempts", tr.Attempts, "delay", delay.String(), "error", err.Error())
		return retryAfter(delay), e.commit(ctx, site, tr)
	}
	if err := e.release(ctx, site); err != nil {
		return done, err
	}

	tr := e.next(site, sitesv1alpha1.StateDeleted)
	tr.Attempts = 0
	tr.ReservationToken = ""
	tr.Handles = sitesv1alpha1.ClusterHandles{}
	if err := e.commit(ctx, site, tr); err != nil {
		return done, err
	}
	return done, e.remove(ctx, site)
}

// remove drops the record of a deleted site.
func (e *Engine) remove(ctx context.Context, site *sitesv1alpha1.Site) error {
	if err := e.store.DeleteSite(ctx, site.ID); err != nil && !errors.Is(err, registry.ErrNotFound) {
		return err
	}
	monitoring.DeleteSiteInfo(site.ID)
	log.FromContext(ctx).Info("Site removed")
	return nil
}

// release returns the site's reservation to its tenant.
func (e *Engine) release(ctx context.Context, site *sitesv1alpha1.Site) error {
	if site.ReservationToken != "" {
		return e.quota.Release(ctx, site.TenantID, site.ReservationToken)
	}
	return e.quota.ReleaseSite(ctx, site.TenantID, site.ID)
}

// next returns a transition to state that keeps every other field of site.
func (e *Engine) next(site *sitesv1alpha1.Site, to sitesv1alpha1.State) registry.Transition {
	return registry.Transition{
		From:             site.State,
		To:               to,
		Attempts:         site.Attempts,
		LastError:        site.LastError,
		ReservationToken: site.ReservationToken,
		Handles:          site.Handles,
		At:               e.opts.Clock.Now(),
	}
}

// commit persists tr. It returns registry.ErrStaleState when the site
// changed since it was read.
func (e *Engine) commit(ctx context.Context, site *sitesv1alpha1.Site, tr registry.Transition) error {
	updated, err := e.store.UpdateState(ctx, site.ID, tr)
	if err != nil {
		return err
	}
	monitoring.SetSiteInfo(updated.ID, updated.Slug, updated.TenantID, string(updated.State))
	if tr.From != tr.To {
		log.FromContext(ctx).Info("Site transitioned", "from", tr.From, "to", tr.To)
	}
	return nil
}

func rollbackRequired(site *sitesv1alpha1.Site) bool {
	if site.LastError == nil {
		return false
	}
	return site.LastError.Kind == sitesv1alpha1.ErrorKindPermanent ||
		site.LastError.Kind == sitesv1alpha1.ErrorKindRetriesExhausted
}

func deletingOrGone(state sitesv1alpha1.State) bool {
	return state == sitesv1alpha1.StateDeleting || state == sitesv1alpha1.StateDeleted
}
