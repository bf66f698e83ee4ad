package registry

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	sitesv1alpha1 "github.com/numtide/site-controller/api/v1alpha1"
)

// MemoryStore is an in-memory Store. It loses everything on restart and is
// meant for development clusters and tests.
type MemoryStore struct {
	mu           sync.RWMutex
	sites        map[string]*sitesv1alpha1.Site
	bySlug       map[string]string // slug -> site id, non-deleted sites only
	tenants      map[string]*sitesv1alpha1.Tenant
	reservations map[string]*sitesv1alpha1.Reservation
	activeBySite map[string]string // site id -> unreleased reservation token
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sites:        make(map[string]*sitesv1alpha1.Site),
		bySlug:       make(map[string]string),
		tenants:      make(map[string]*sitesv1alpha1.Tenant),
		reservations: make(map[string]*sitesv1alpha1.Reservation),
		activeBySite: make(map[string]string),
	}
}

// CreateSite stores a new site.
func (s *MemoryStore) CreateSite(_ context.Context, site *sitesv1alpha1.Site) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sites[site.ID]; exists {
		return ErrStaleState
	}
	if _, taken := s.bySlug[site.Slug]; taken {
		return ErrSlugTaken
	}

	s.sites[site.ID] = site.DeepCopy()
	s.bySlug[site.Slug] = site.ID
	return nil
}

// GetSite retrieves a site by id.
func (s *MemoryStore) GetSite(_ context.Context, id string) (*sitesv1alpha1.Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	site, exists := s.sites[id]
	if !exists {
		return nil, ErrNotFound
	}
	return site.DeepCopy(), nil
}

// GetSiteBySlug retrieves the non-deleted site using slug.
func (s *MemoryStore) GetSiteBySlug(_ context.Context, slug string) (*sitesv1alpha1.Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.bySlug[slug]
	if !exists {
		return nil, ErrNotFound
	}
	return s.sites[id].DeepCopy(), nil
}

// ListSites returns the sites matching filter, oldest first.
func (s *MemoryStore) ListSites(_ context.Context, filter Filter) ([]*sitesv1alpha1.Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*sitesv1alpha1.Site, 0, len(s.sites))
	for _, site := range s.sites {
		if filter.matches(site) {
			out = append(out, site.DeepCopy())
		}
	}
	slices.SortFunc(out, func(a, b *sitesv1alpha1.Site) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

// UpdateState applies tr when the stored state equals tr.From.
func (s *MemoryStore) UpdateState(
	_ context.Context,
	id string,
	tr Transition,
) (*sitesv1alpha1.Site, error) {
	if err := tr.validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	site, exists := s.sites[id]
	if !exists {
		return nil, ErrNotFound
	}
	if site.State != tr.From {
		return nil, ErrStaleState
	}

	tr.apply(site)
	if tr.To == sitesv1alpha1.StateDeleted && s.bySlug[site.Slug] == id {
		delete(s.bySlug, site.Slug)
	}
	return site.DeepCopy(), nil
}

// RequestDeletion marks the site for deletion.
func (s *MemoryStore) RequestDeletion(
	_ context.Context,
	id string,
	at time.Time,
) (*sitesv1alpha1.Site, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	site, exists := s.sites[id]
	if !exists {
		return nil, ErrNotFound
	}
	if !deletable(site) {
		return nil, ErrStaleState
	}

	site.DeletionRequestedAt = &at
	site.UpdatedAt = at
	return site.DeepCopy(), nil
}

// DeleteSite removes the record of a deleted site.
func (s *MemoryStore) DeleteSite(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	site, exists := s.sites[id]
	if !exists {
		return ErrNotFound
	}
	if site.State != sitesv1alpha1.StateDeleted {
		return ErrStaleState
	}

	delete(s.sites, id)
	if s.bySlug[site.Slug] == id {
		delete(s.bySlug, site.Slug)
	}
	return nil
}

// PutTenant creates the tenant or updates its namespace and limits.
func (s *MemoryStore) PutTenant(_ context.Context, tenant *sitesv1alpha1.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, exists := s.tenants[tenant.ID]; exists {
		existing.Namespace = tenant.Namespace
		existing.Limits = tenant.Limits
		existing.Generation++
		return nil
	}
	copied := *tenant
	copied.Generation = 0
	s.tenants[tenant.ID] = &copied
	return nil
}

// GetTenant retrieves a tenant by id.
func (s *MemoryStore) GetTenant(_ context.Context, id string) (*sitesv1alpha1.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tenant, exists := s.tenants[id]
	if !exists {
		return nil, ErrNotFound
	}
	copied := *tenant
	return &copied, nil
}

// ListTenants returns every tenant ordered by id.
func (s *MemoryStore) ListTenants(_ context.Context) ([]*sitesv1alpha1.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*sitesv1alpha1.Tenant, 0, len(s.tenants))
	for _, tenant := range s.tenants {
		copied := *tenant
		out = append(out, &copied)
	}
	slices.SortFunc(out, func(a, b *sitesv1alpha1.Tenant) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

// ActiveReservation returns the unreleased reservation of a site, or nil.
func (s *MemoryStore) ActiveReservation(
	_ context.Context,
	siteID string,
) (*sitesv1alpha1.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, exists := s.activeBySite[siteID]
	if !exists {
		return nil, nil
	}
	copied := *s.reservations[token]
	return &copied, nil
}

// GetReservation retrieves a reservation by token.
func (s *MemoryStore) GetReservation(
	_ context.Context,
	token string,
) (*sitesv1alpha1.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res, exists := s.reservations[token]
	if !exists {
		return nil, ErrNotFound
	}
	copied := *res
	return &copied, nil
}

// CommitReservation stores the tenant usage totals and the reservation.
func (s *MemoryStore) CommitReservation(
	_ context.Context,
	tenant *sitesv1alpha1.Tenant,
	res *sitesv1alpha1.Reservation,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.tenants[tenant.ID]
	if !exists {
		return ErrNotFound
	}
	if existing.Generation != tenant.Generation {
		return ErrStaleState
	}
	if token, active := s.activeBySite[res.SiteID]; active && token != res.Token {
		return ErrStaleState
	}

	existing.Used = tenant.Used
	existing.SiteCount = tenant.SiteCount
	existing.Generation++
	tenant.Generation = existing.Generation

	copied := *res
	s.reservations[res.Token] = &copied
	if res.Released {
		delete(s.activeBySite, res.SiteID)
	} else {
		s.activeBySite[res.SiteID] = res.Token
	}
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
