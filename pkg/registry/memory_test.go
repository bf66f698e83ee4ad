package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	sitesv1alpha1 "github.com/numtide/site-controller/api/v1alpha1"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestSite(id, slug string, created time.Time) *sitesv1alpha1.Site {
	return &sitesv1alpha1.Site{
		ID:        id,
		Slug:      slug,
		TenantID:  "acme",
		Namespace: "acme-" + slug,
		Domains: sitesv1alpha1.DomainSet{
			Primary:    slug + ".example.com",
			Additional: []string{"www." + slug + ".example.com"},
		},
		Resources: sitesv1alpha1.ResourceList{
			CPUMillicores: 500,
			MemoryBytes:   1 << 30,
			DiskBytes:     1 << 30,
		},
		Image:         "nginx:1.27",
		ContainerPort: 8080,
		State:         sitesv1alpha1.StatePending,
		CreatedAt:     created,
		UpdatedAt:     created,
	}
}

func TestMemoryStore_CreateSite(t *testing.T) {
	ctx := context.Background()

	tests := map[string]struct {
		existing []*sitesv1alpha1.Site
		site     *sitesv1alpha1.Site
		wantErr  error
	}{
		"empty store": {
			site: newTestSite("s1", "blog", epoch),
		},
		"slug taken": {
			existing: []*sitesv1alpha1.Site{newTestSite("s1", "blog", epoch)},
			site:     newTestSite("s2", "blog", epoch),
			wantErr:  ErrSlugTaken,
		},
		"duplicate id": {
			existing: []*sitesv1alpha1.Site{newTestSite("s1", "blog", epoch)},
			site:     newTestSite("s1", "shop", epoch),
			wantErr:  ErrStaleState,
		},
		"different slug": {
			existing: []*sitesv1alpha1.Site{newTestSite("s1", "blog", epoch)},
			site:     newTestSite("s2", "shop", epoch),
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			store := NewMemoryStore()
			for _, s := range tc.existing {
				if err := store.CreateSite(ctx, s); err != nil {
					t.Fatalf("seed CreateSite() error = %v", err)
				}
			}

			err := store.CreateSite(ctx, tc.site)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("CreateSite() error = %v, want %v", err, tc.wantErr)
			}
			if tc.wantErr != nil {
				return
			}

			got, err := store.GetSiteBySlug(ctx, tc.site.Slug)
			if err != nil {
				t.Fatalf("GetSiteBySlug() error = %v", err)
			}
			if diff := cmp.Diff(tc.site, got); diff != "" {
				t.Errorf("stored site mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	site := newTestSite("s1", "blog", epoch)
	if err := store.CreateSite(ctx, site); err != nil {
		t.Fatalf("CreateSite() error = %v", err)
	}

	site.Domains.Additional[0] = "changed.example.com"
	got, err := store.GetSite(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSite() error = %v", err)
	}
	got.State = sitesv1alpha1.StateReady

	again, err := store.GetSite(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSite() error = %v", err)
	}
	if again.State != sitesv1alpha1.StatePending {
		t.Errorf("state leaked through returned pointer: %s", again.State)
	}
	if again.Domains.Additional[0] != "www.blog.example.com" {
		t.Errorf("domains leaked through input pointer: %v", again.Domains.Additional)
	}
}

func TestMemoryStore_UpdateState(t *testing.T) {
	ctx := context.Background()
	at := epoch.Add(time.Minute)

	tests := map[string]struct {
		id      string
		tr      Transition
		wantErr error
	}{
		"matching from": {
			id: "s1",
			tr: Transition{From: sitesv1alpha1.StatePending, To: sitesv1alpha1.StateProvisioning, At: at},
		},
		"stale from": {
			id:      "s1",
			tr:      Transition{From: sitesv1alpha1.StateProvisioning, To: sitesv1alpha1.StateReady, At: at},
			wantErr: ErrStaleState,
		},
		"unknown site": {
			id:      "missing",
			tr:      Transition{From: sitesv1alpha1.StatePending, To: sitesv1alpha1.StateProvisioning, At: at},
			wantErr: ErrNotFound,
		},
		"forbidden transition": {
			id:      "s1",
			tr:      Transition{From: sitesv1alpha1.StatePending, To: sitesv1alpha1.StateReady, At: at},
			wantErr: ErrInvalidTransition,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			store := NewMemoryStore()
			if err := store.CreateSite(ctx, newTestSite("s1", "blog", epoch)); err != nil {
				t.Fatalf("CreateSite() error = %v", err)
			}

			got, err := store.UpdateState(ctx, tc.id, tc.tr)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("UpdateState() error = %v, want %v", err, tc.wantErr)
			}
			if tc.wantErr != nil {
				return
			}
			if got.State != tc.tr.To {
				t.Errorf("State = %s, want %s", got.State, tc.tr.To)
			}
			if got.LastReconciledAt == nil || !got.LastReconciledAt.Equal(at) {
				t.Errorf("LastReconciledAt = %v, want %v", got.LastReconciledAt, at)
			}
			if !got.UpdatedAt.Equal(at) {
				t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, at)
			}
		})
	}
}

func TestMemoryStore_ConcurrentTransitionsHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.CreateSite(ctx, newTestSite("s1", "blog", epoch)); err != nil {
		t.Fatalf("CreateSite() error = %v", err)
	}

	const writers = 16
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		wins   int
		stales int
	)
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.UpdateState(ctx, "s1", Transition{
				From: sitesv1alpha1.StatePending,
				To:   sitesv1alpha1.StateProvisioning,
				At:   epoch,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrStaleState):
				stales++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || stales != writers-1 {
		t.Errorf("wins = %d, stales = %d; want 1 and %d", wins, stales, writers-1)
	}
}

func TestMemoryStore_DeletedFreesSlug(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.CreateSite(ctx, newTestSite("s1", "blog", epoch)); err != nil {
		t.Fatalf("CreateSite() error = %v", err)
	}

	steps := []Transition{
		{From: sitesv1alpha1.StatePending, To: sitesv1alpha1.StateDeleting, At: epoch},
		{From: sitesv1alpha1.StateDeleting, To: sitesv1alpha1.StateDeleted, At: epoch},
	}
	for _, tr := range steps {
		if _, err := store.UpdateState(ctx, "s1", tr); err != nil {
			t.Fatalf("UpdateState(%s -> %s) error = %v", tr.From, tr.To, err)
		}
	}

	if _, err := store.GetSiteBySlug(ctx, "blog"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSiteBySlug() error = %v, want ErrNotFound", err)
	}
	if err := store.CreateSite(ctx, newTestSite("s2", "blog", epoch)); err != nil {
		t.Errorf("CreateSite() reusing slug error = %v", err)
	}
	if _, err := store.GetSite(ctx, "s1"); err != nil {
		t.Errorf("deleted record should stay readable by id: %v", err)
	}
	if err := store.DeleteSite(ctx, "s1"); err != nil {
		t.Errorf("DeleteSite() error = %v", err)
	}
	if got, err := store.GetSiteBySlug(ctx, "blog"); err != nil || got.ID != "s2" {
		t.Errorf("GetSiteBySlug() = %v, %v; want s2", got, err)
	}
}

func TestMemoryStore_DeleteSiteRequiresDeletedState(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.CreateSite(ctx, newTestSite("s1", "blog", epoch)); err != nil {
		t.Fatalf("CreateSite() error = %v", err)
	}
	if err := store.DeleteSite(ctx, "s1"); !errors.Is(err, ErrStaleState) {
		t.Errorf("DeleteSite() error = %v, want ErrStaleState", err)
	}
	if err := store.DeleteSite(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteSite() error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_RequestDeletion(t *testing.T) {
	ctx := context.Background()

	tests := map[string]struct {
		state     sitesv1alpha1.State
		requested bool
		wantErr   error
	}{
		"ready site":        {state: sitesv1alpha1.StateReady},
		"error site":        {state: sitesv1alpha1.StateError},
		"already requested": {state: sitesv1alpha1.StateReady, requested: true, wantErr: ErrStaleState},
		"already deleting":  {state: sitesv1alpha1.StateDeleting, wantErr: ErrStaleState},
		"already deleted":   {state: sitesv1alpha1.StateDeleted, wantErr: ErrStaleState},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			store := NewMemoryStore()
			site := newTestSite("s1", "blog", epoch)
			site.State = tc.state
			if tc.requested {
				site.DeletionRequestedAt = &epoch
			}
			if err := store.CreateSite(ctx, site); err != nil {
				t.Fatalf("CreateSite() error = %v", err)
			}

			at := epoch.Add(time.Hour)
			got, err := store.RequestDeletion(ctx, "s1", at)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("RequestDeletion() error = %v, want %v", err, tc.wantErr)
			}
			if tc.wantErr == nil && (got.DeletionRequestedAt == nil || !got.DeletionRequestedAt.Equal(at)) {
				t.Errorf("DeletionRequestedAt = %v, want %v", got.DeletionRequestedAt, at)
			}
		})
	}
}

func TestMemoryStore_ListSites(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	seed := []*sitesv1alpha1.Site{
		newTestSite("c", "third", epoch.Add(2*time.Minute)),
		newTestSite("a", "first", epoch),
		newTestSite("b", "second", epoch.Add(time.Minute)),
	}
	seed[0].State = sitesv1alpha1.StateReady
	seed[1].TenantID = "globex"
	for _, s := range seed {
		if err := store.CreateSite(ctx, s); err != nil {
			t.Fatalf("CreateSite() error = %v", err)
		}
	}

	tests := map[string]struct {
		filter Filter
		want   []string
	}{
		"everything oldest first": {
			want: []string{"a", "b", "c"},
		},
		"by tenant": {
			filter: Filter{TenantID: "acme"},
			want:   []string{"b", "c"},
		},
		"by state": {
			filter: Filter{States: []sitesv1alpha1.State{sitesv1alpha1.StatePending}},
			want:   []string{"a", "b"},
		},
		"tenant and state": {
			filter: Filter{TenantID: "acme", States: []sitesv1alpha1.State{sitesv1alpha1.StateReady}},
			want:   []string{"c"},
		},
		"no match": {
			filter: Filter{TenantID: "initech"},
			want:   []string{},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			sites, err := store.ListSites(ctx, tc.filter)
			if err != nil {
				t.Fatalf("ListSites() error = %v", err)
			}
			got := make([]string, 0, len(sites))
			for _, s := range sites {
				got = append(got, s.ID)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("ListSites() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMemoryStore_PutTenantKeepsUsage(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	tenant := &sitesv1alpha1.Tenant{
		ID:        "acme",
		Namespace: "acme",
		Limits:    sitesv1alpha1.ResourceList{CPUMillicores: 4000},
	}
	if err := store.PutTenant(ctx, tenant); err != nil {
		t.Fatalf("PutTenant() error = %v", err)
	}

	used := *tenant
	used.Used = sitesv1alpha1.ResourceList{CPUMillicores: 1000}
	used.SiteCount = 1
	res := &sitesv1alpha1.Reservation{Token: "tok", TenantID: "acme", SiteID: "s1", Resources: used.Used}
	if err := store.CommitReservation(ctx, &used, res); err != nil {
		t.Fatalf("CommitReservation() error = %v", err)
	}

	if err := store.PutTenant(ctx, &sitesv1alpha1.Tenant{
		ID:        "acme",
		Namespace: "acme-renamed",
		Limits:    sitesv1alpha1.ResourceList{CPUMillicores: 8000},
	}); err != nil {
		t.Fatalf("PutTenant() error = %v", err)
	}

	want := &sitesv1alpha1.Tenant{
		ID:        "acme",
		Namespace: "acme-renamed",
		Limits:    sitesv1alpha1.ResourceList{CPUMillicores: 8000},
		Used:       sitesv1alpha1.ResourceList{CPUMillicores: 1000},
		SiteCount:  1,
		Generation: 2,
	}
	got, err := store.GetTenant(ctx, "acme")
	if err != nil {
		t.Fatalf("GetTenant() error = %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("tenant mismatch (-want +got):\n%s", diff)
	}

	tenants, err := store.ListTenants(ctx)
	if err != nil || len(tenants) != 1 {
		t.Errorf("ListTenants() = %v, %v; want one tenant", tenants, err)
	}
}

func TestMemoryStore_Reservations(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tenant := &sitesv1alpha1.Tenant{ID: "acme", Namespace: "acme"}
	if err := store.PutTenant(ctx, tenant); err != nil {
		t.Fatalf("PutTenant() error = %v", err)
	}

	if res, err := store.ActiveReservation(ctx, "s1"); err != nil || res != nil {
		t.Fatalf("ActiveReservation() = %v, %v; want nil, nil", res, err)
	}
	if _, err := store.GetReservation(ctx, "tok-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetReservation() error = %v, want ErrNotFound", err)
	}

	first := &sitesv1alpha1.Reservation{Token: "tok-1", TenantID: "acme", SiteID: "s1"}
	if err := store.CommitReservation(ctx, tenant, first); err != nil {
		t.Fatalf("CommitReservation() error = %v", err)
	}
	res, err := store.ActiveReservation(ctx, "s1")
	if err != nil || res == nil || res.Token != "tok-1" {
		t.Fatalf("ActiveReservation() = %v, %v; want tok-1", res, err)
	}

	second := &sitesv1alpha1.Reservation{Token: "tok-2", TenantID: "acme", SiteID: "s1"}
	if err := store.CommitReservation(ctx, tenant, second); !errors.Is(err, ErrStaleState) {
		t.Errorf("second active reservation error = %v, want ErrStaleState", err)
	}

	first.Released = true
	if err := store.CommitReservation(ctx, tenant, first); err != nil {
		t.Fatalf("release CommitReservation() error = %v", err)
	}
	if res, err := store.ActiveReservation(ctx, "s1"); err != nil || res != nil {
		t.Errorf("ActiveReservation() after release = %v, %v; want nil, nil", res, err)
	}
	stored, err := store.GetReservation(ctx, "tok-1")
	if err != nil || !stored.Released {
		t.Errorf("GetReservation() = %v, %v; want released", stored, err)
	}

	stale := &sitesv1alpha1.Tenant{ID: "acme", Namespace: "acme"}
	third := &sitesv1alpha1.Reservation{Token: "tok-3", TenantID: "acme", SiteID: "s3"}
	if err := store.CommitReservation(ctx, stale, third); !errors.Is(err, ErrStaleState) {
		t.Errorf("commit against an old generation error = %v, want ErrStaleState", err)
	}
	if res, err := store.ActiveReservation(ctx, "s3"); err != nil || res != nil {
		t.Errorf("ActiveReservation() after stale commit = %v, %v; want nil, nil", res, err)
	}

	unknown := &sitesv1alpha1.Tenant{ID: "globex"}
	if err := store.CommitReservation(ctx, unknown, second); !errors.Is(err, ErrNotFound) {
		t.Errorf("CommitReservation() unknown tenant error = %v, want ErrNotFound", err)
	}
}
