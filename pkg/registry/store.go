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

// Package registry persists sites, tenants and quota reservations.
//
// The registry is the single source of truth for site lifecycle state. Every
// state change goes through UpdateState, which only succeeds when the stored
// state still equals Transition.From. Two writers racing on the same site
// therefore never both win; the loser gets ErrStaleState and re-reads.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	sitesv1alpha1 "github.com/numtide/site-controller/api/v1alpha1"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStaleState is returned when a conditional write lost against a
	// concurrent change of the same record.
	ErrStaleState = errors.New("stale state")

	// ErrSlugTaken is returned by CreateSite when another non-deleted site
	// already uses the slug.
	ErrSlugTaken = errors.New("slug already taken")

	// ErrInvalidTransition is returned when a Transition is not allowed by the
	// site lifecycle.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Filter selects sites in ListSites. Zero fields match everything.
type Filter struct {
	TenantID string
	States   []sitesv1alpha1.State
}

func (f Filter) matches(site *sitesv1alpha1.Site) bool {
	if f.TenantID != "" && site.TenantID != f.TenantID {
		return false
	}
	return len(f.States) == 0 || slices.Contains(f.States, site.State)
}

// Transition is a compare-and-set lifecycle update. Every field besides From
// replaces the stored value, so callers copy what they want to keep.
type Transition struct {
	From sitesv1alpha1.State
	To   sitesv1alpha1.State

	Attempts         int
	LastError        *sitesv1alpha1.SiteError
	ReservationToken string
	Handles          sitesv1alpha1.ClusterHandles

	// At is recorded as the reconcile and update time.
	At time.Time
}

func (tr Transition) validate() error {
	if !tr.From.CanTransitionTo(tr.To) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, tr.From, tr.To)
	}
	return nil
}

func (tr Transition) apply(site *sitesv1alpha1.Site) {
	at := tr.At
	site.State = tr.To
	site.Attempts = tr.Attempts
	site.LastError = tr.LastError
	site.ReservationToken = tr.ReservationToken
	site.Handles = tr.Handles
	site.LastReconciledAt = &at
	site.UpdatedAt = at
}

// Ledger is the part of the registry used for quota accounting.
type Ledger interface {
	// GetTenant returns the tenant or ErrNotFound.
	GetTenant(ctx context.Context, id string) (*sitesv1alpha1.Tenant, error)

	// ActiveReservation returns the unreleased reservation held by the site,
	// or nil when there is none.
	ActiveReservation(ctx context.Context, siteID string) (*sitesv1alpha1.Reservation, error)

	// GetReservation returns the reservation or ErrNotFound.
	GetReservation(ctx context.Context, token string) (*sitesv1alpha1.Reservation, error)

	// CommitReservation stores the tenant usage totals and the reservation in
	// one atomic write. The write only applies when the stored tenant still
	// has tenant.Generation; otherwise it fails with ErrStaleState and the
	// caller must re-read the tenant. On success tenant.Generation is set to
	// the new stored generation.
	CommitReservation(ctx context.Context, tenant *sitesv1alpha1.Tenant, res *sitesv1alpha1.Reservation) error
}

// Store is the site registry.
type Store interface {
	Ledger

	// CreateSite stores a new site. It fails with ErrSlugTaken when the slug
	// is in use by a non-deleted site.
	CreateSite(ctx context.Context, site *sitesv1alpha1.Site) error

	// GetSite returns the site or ErrNotFound.
	GetSite(ctx context.Context, id string) (*sitesv1alpha1.Site, error)

	// GetSiteBySlug returns the non-deleted site using slug or ErrNotFound.
	GetSiteBySlug(ctx context.Context, slug string) (*sitesv1alpha1.Site, error)

	// ListSites returns the sites matching filter, oldest first.
	ListSites(ctx context.Context, filter Filter) ([]*sitesv1alpha1.Site, error)

	// UpdateState applies tr when the stored state equals tr.From and
	// returns the updated site. It fails with ErrStaleState otherwise.
	UpdateState(ctx context.Context, id string, tr Transition) (*sitesv1alpha1.Site, error)

	// RequestDeletion marks the site for deletion. It fails with
	// ErrStaleState when deletion was already requested or is under way.
	RequestDeletion(ctx context.Context, id string, at time.Time) (*sitesv1alpha1.Site, error)

	// DeleteSite removes the record of a site in the deleted state, freeing
	// its slug.
	DeleteSite(ctx context.Context, id string) error

	// PutTenant creates the tenant or updates its namespace and limits.
	// Usage totals of an existing tenant are kept.
	PutTenant(ctx context.Context, tenant *sitesv1alpha1.Tenant) error

	// ListTenants returns every tenant ordered by id.
	ListTenants(ctx context.Context) ([]*sitesv1alpha1.Tenant, error)

	// Close releases the resources held by the store.
	Close() error
}

func deletable(site *sitesv1alpha1.Site) bool {
	return !site.DeletionRequested() &&
		site.State != sitesv1alpha1.StateDeleting &&
		site.State != sitesv1alpha1.StateDeleted
}
