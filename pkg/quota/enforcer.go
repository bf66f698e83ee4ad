// Package quota enforces per-tenant resource limits on site creation.
//
// An Enforcer serialises the changes it makes to a tenant's usage. Several
// Enforcers may share a registry, one per replica: ledger commits are
// conditional on the tenant generation read, and a commit that lost against
// another writer is re-read and retried. Each reservation is tied to a site
// and identified by a token; only the token can give the resources back.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"
	"k8s.io/utils/keymutex"
	"sigs.k8s.io/controller-runtime/pkg/log"

	sitesv1alpha1 "github.com/numtide/site-controller/api/v1alpha1"
	"github.com/numtide/site-controller/pkg/monitoring"
	"github.com/numtide/site-controller/pkg/registry"
)

var (
	// ErrUnknownTenant is returned when the tenant has not been onboarded.
	ErrUnknownTenant = errors.New("unknown tenant")

	// ErrTenantMismatch is returned by Release when the token was issued for
	// a different tenant.
	ErrTenantMismatch = errors.New("reservation belongs to another tenant")
)

// QuotaExceededError is returned by Reserve when a request does not fit in
// the tenant's remaining capacity. Dimension is the first dimension found
// short, checked in the order cpu, memory, disk.
type QuotaExceededError struct {
	Dimension string
	Requested int64
	Available int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s: requested %d, available %d",
		e.Dimension, e.Requested, e.Available)
}

// commitBackoff bounds the re-reads after a commit lost against a write made
// through another Enforcer.
var commitBackoff = wait.Backoff{
	Steps:    10,
	Duration: 5 * time.Millisecond,
	Factor:   1.5,
	Jitter:   0.5,
}

func isStale(err error) bool {
	return errors.Is(err, registry.ErrStaleState)
}

// Usage is a snapshot of a tenant's quota.
type Usage struct {
	Limits    sitesv1alpha1.ResourceList
	Used      sitesv1alpha1.ResourceList
	Available sitesv1alpha1.ResourceList
	SiteCount int
}

// Enforcer reserves and releases tenant capacity.
type Enforcer struct {
	ledger registry.Ledger
	locks  keymutex.KeyMutex
}

// NewEnforcer returns an Enforcer keeping its books in ledger.
func NewEnforcer(ledger registry.Ledger) *Enforcer {
	return &Enforcer{
		ledger: ledger,
		locks:  keymutex.NewHashed(0),
	}
}

func (e *Enforcer) lock(tenantID string) func() {
	e.locks.LockKey(tenantID)
	return func() { _ = e.locks.UnlockKey(tenantID) }
}

// Reserve takes request out of the tenant's remaining capacity on behalf of
// siteID and returns the reservation token. If the site already holds an
// active reservation its token is returned and nothing is charged again.
func (e *Enforcer) Reserve(
	ctx context.Context,
	tenantID string,
	siteID string,
	request sitesv1alpha1.ResourceList,
) (string, error) {
	defer e.lock(tenantID)()

	var token string
	err := retry.OnError(commitBackoff, isStale, func() error {
		var err error
		token, err = e.reserve(ctx, tenantID, siteID, request)
		return err
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

func (e *Enforcer) reserve(
	ctx context.Context,
	tenantID string,
	siteID string,
	request sitesv1alpha1.ResourceList,
) (string, error) {
	logger := log.FromContext(ctx).WithValues("tenant", tenantID, "site", siteID)

	existing, err := e.ledger.ActiveReservation(ctx, siteID)
	if err != nil {
		return "", fmt.Errorf("failed to look up reservation: %w", err)
	}
	if existing != nil {
		if existing.TenantID != tenantID {
			return "", ErrTenantMismatch
		}
		return existing.Token, nil
	}

	tenant, err := e.tenant(ctx, tenantID)
	if err != nil {
		return "", err
	}

	available := tenant.Available()
	for _, dim := range sitesv1alpha1.Dimensions() {
		if request.Get(dim) > available.Get(dim) {
			return "", &QuotaExceededError{
				Dimension: dim,
				Requested: request.Get(dim),
				Available: available.Get(dim),
			}
		}
	}

	tenant.Used = tenant.Used.Add(request)
	tenant.SiteCount++
	res := &sitesv1alpha1.Reservation{
		Token:     uuid.NewString(),
		TenantID:  tenantID,
		SiteID:    siteID,
		Resources: request,
	}
	if err := e.ledger.CommitReservation(ctx, tenant, res); err != nil {
		if isStale(err) {
			logger.V(1).Info("Tenant changed concurrently, retrying reservation")
		}
		return "", fmt.Errorf("failed to commit reservation: %w", err)
	}

	RecordUsage(tenant)
	logger.V(1).Info("Reserved quota", "token", res.Token, "resources", request.String())
	return res.Token, nil
}

// Release returns the resources held by token to the tenant. Releasing an
// empty, unknown or already released token does nothing.
func (e *Enforcer) Release(ctx context.Context, tenantID, token string) error {
	if token == "" {
		return nil
	}
	defer e.lock(tenantID)()
	return retry.OnError(commitBackoff, isStale, func() error {
		return e.release(ctx, tenantID, token)
	})
}

func (e *Enforcer) release(ctx context.Context, tenantID, token string) error {
	logger := log.FromContext(ctx).WithValues("tenant", tenantID, "token", token)

	res, err := e.ledger.GetReservation(ctx, token)
	if errors.Is(err, registry.ErrNotFound) {
		logger.V(1).Info("Reservation not found, nothing to release")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up reservation: %w", err)
	}
	if res.Released {
		return nil
	}
	if res.TenantID != tenantID {
		return ErrTenantMismatch
	}

	tenant, err := e.tenant(ctx, tenantID)
	if err != nil {
		return err
	}
	tenant.Used = tenant.Used.Sub(res.Resources)
	tenant.SiteCount = max(tenant.SiteCount-1, 0)
	res.Released = true

	if err := e.ledger.CommitReservation(ctx, tenant, res); err != nil {
		return fmt.Errorf("failed to commit release: %w", err)
	}

	RecordUsage(tenant)
	logger.V(1).Info("Released quota", "site", res.SiteID, "resources", res.Resources.String())
	return nil
}

// ReleaseSite releases the active reservation of siteID, if any. It covers a
// site whose token was never recorded because the process stopped between
// Reserve and the state write that stores the token.
func (e *Enforcer) ReleaseSite(ctx context.Context, tenantID, siteID string) error {
	res, err := e.ledger.ActiveReservation(ctx, siteID)
	if err != nil {
		return fmt.Errorf("failed to look up reservation: %w", err)
	}
	if res == nil {
		return nil
	}
	return e.Release(ctx, tenantID, res.Token)
}

// Usage returns the current quota of a tenant.
func (e *Enforcer) Usage(ctx context.Context, tenantID string) (Usage, error) {
	tenant, err := e.tenant(ctx, tenantID)
	if err != nil {
		return Usage{}, err
	}
	return Usage{
		Limits:    tenant.Limits,
		Used:      tenant.Used,
		Available: tenant.Available(),
		SiteCount: tenant.SiteCount,
	}, nil
}

func (e *Enforcer) tenant(ctx context.Context, tenantID string) (*sitesv1alpha1.Tenant, error) {
	tenant, err := e.ledger.GetTenant(ctx, tenantID)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return tenant, nil
}

// RecordUsage publishes the quota gauges of tenant.
func RecordUsage(tenant *sitesv1alpha1.Tenant) {
	for _, dim := range sitesv1alpha1.Dimensions() {
		monitoring.SetTenantQuota(tenant.ID, dim, tenant.Used.Get(dim), tenant.Limits.Get(dim))
	}
	monitoring.SetTenantSites(tenant.ID, tenant.SiteCount)
}
