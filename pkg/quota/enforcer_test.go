package quota

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	sitesv1alpha1 "github.com/numtide/site-controller/api/v1alpha1"
	"github.com/numtide/site-controller/pkg/registry"
)

const gi = 1 << 30

func newTestEnforcer(t *testing.T, limits sitesv1alpha1.ResourceList) (*Enforcer, *registry.MemoryStore) {
	t.Helper()
	store := registry.NewMemoryStore()
	if err := store.PutTenant(context.Background(), &sitesv1alpha1.Tenant{
		ID:        "acme",
		Namespace: "acme",
		Limits:    limits,
	}); err != nil {
		t.Fatalf("PutTenant() error = %v", err)
	}
	return NewEnforcer(store), store
}

func res(cpu, mem, disk int64) sitesv1alpha1.ResourceList {
	return sitesv1alpha1.ResourceList{CPUMillicores: cpu, MemoryBytes: mem, DiskBytes: disk}
}

func TestReserve(t *testing.T) {
	limits := res(2000, 4*gi, 10*gi)

	tests := map[string]struct {
		tenant  string
		request sitesv1alpha1.ResourceList
		wantErr error
		want    *QuotaExceededError
	}{
		"fits": {
			tenant:  "acme",
			request: res(500, gi, gi),
		},
		"exact fit": {
			tenant:  "acme",
			request: limits,
		},
		"cpu short": {
			tenant:  "acme",
			request: res(2001, gi, gi),
			want:    &QuotaExceededError{Dimension: "cpu", Requested: 2001, Available: 2000},
		},
		"memory short": {
			tenant:  "acme",
			request: res(100, 5*gi, gi),
			want:    &QuotaExceededError{Dimension: "memory", Requested: 5 * gi, Available: 4 * gi},
		},
		"disk short": {
			tenant:  "acme",
			request: res(100, gi, 11*gi),
			want:    &QuotaExceededError{Dimension: "disk", Requested: 11 * gi, Available: 10 * gi},
		},
		"cpu reported before memory": {
			tenant:  "acme",
			request: res(3000, 5*gi, gi),
			want:    &QuotaExceededError{Dimension: "cpu", Requested: 3000, Available: 2000},
		},
		"unknown tenant": {
			tenant:  "globex",
			request: res(100, gi, gi),
			wantErr: ErrUnknownTenant,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			enforcer, store := newTestEnforcer(t, limits)

			token, err := enforcer.Reserve(ctx, tc.tenant, "s1", tc.request)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("Reserve() error = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if tc.want != nil {
				var qerr *QuotaExceededError
				if !errors.As(err, &qerr) {
					t.Fatalf("Reserve() error = %v, want QuotaExceededError", err)
				}
				if diff := cmp.Diff(tc.want, qerr); diff != "" {
					t.Errorf("QuotaExceededError mismatch (-want +got):\n%s", diff)
				}
				usage, _ := enforcer.Usage(ctx, "acme")
				if usage.SiteCount != 0 || usage.Used != (sitesv1alpha1.ResourceList{}) {
					t.Errorf("rejected request changed usage: %+v", usage)
				}
				return
			}
			if err != nil {
				t.Fatalf("Reserve() error = %v", err)
			}
			if token == "" {
				t.Fatal("Reserve() returned an empty token")
			}

			tenant, err := store.GetTenant(ctx, "acme")
			if err != nil {
				t.Fatalf("GetTenant() error = %v", err)
			}
			if diff := cmp.Diff(tc.request, tenant.Used); diff != "" {
				t.Errorf("Used mismatch (-want +got):\n%s", diff)
			}
			if tenant.SiteCount != 1 {
				t.Errorf("SiteCount = %d, want 1", tenant.SiteCount)
			}
		})
	}
}

func TestReserve_IdempotentPerSite(t *testing.T) {
	ctx := context.Background()
	enforcer, _ := newTestEnforcer(t, res(2000, 4*gi, 10*gi))

	first, err := enforcer.Reserve(ctx, "acme", "s1", res(1000, gi, gi))
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	second, err := enforcer.Reserve(ctx, "acme", "s1", res(1000, gi, gi))
	if err != nil {
		t.Fatalf("second Reserve() error = %v", err)
	}
	if first != second {
		t.Errorf("tokens differ: %q != %q", first, second)
	}

	usage, err := enforcer.Usage(ctx, "acme")
	if err != nil {
		t.Fatalf("Usage() error = %v", err)
	}
	want := Usage{
		Limits:    res(2000, 4*gi, 10*gi),
		Used:      res(1000, gi, gi),
		Available: res(1000, 3*gi, 9*gi),
		SiteCount: 1,
	}
	if diff := cmp.Diff(want, usage); diff != "" {
		t.Errorf("Usage() mismatch (-want +got):\n%s", diff)
	}
}

func TestReserve_ThirdIdenticalRequestRejected(t *testing.T) {
	ctx := context.Background()
	enforcer, _ := newTestEnforcer(t, res(2000, 4*gi, 10*gi))
	request := res(1000, gi, gi)

	for i, site := range []string{"s1", "s2"} {
		if _, err := enforcer.Reserve(ctx, "acme", site, request); err != nil {
			t.Fatalf("Reserve() #%d error = %v", i+1, err)
		}
	}

	_, err := enforcer.Reserve(ctx, "acme", "s3", request)
	var qerr *QuotaExceededError
	if !errors.As(err, &qerr) {
		t.Fatalf("third Reserve() error = %v, want QuotaExceededError", err)
	}
	if qerr.Dimension != sitesv1alpha1.DimensionCPU {
		t.Errorf("Dimension = %q, want cpu", qerr.Dimension)
	}
}

func TestRelease(t *testing.T) {
	ctx := context.Background()
	enforcer, store := newTestEnforcer(t, res(2000, 4*gi, 10*gi))

	token, err := enforcer.Reserve(ctx, "acme", "s1", res(1000, gi, gi))
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}

	if err := enforcer.Release(ctx, "globex", token); !errors.Is(err, ErrTenantMismatch) {
		t.Errorf("Release() with wrong tenant error = %v, want ErrTenantMismatch", err)
	}

	for i := range 3 {
		if err := enforcer.Release(ctx, "acme", token); err != nil {
			t.Fatalf("Release() #%d error = %v", i+1, err)
		}
	}

	tenant, err := store.GetTenant(ctx, "acme")
	if err != nil {
		t.Fatalf("GetTenant() error = %v", err)
	}
	if tenant.Used != (sitesv1alpha1.ResourceList{}) || tenant.SiteCount != 0 {
		t.Errorf("after release Used = %+v, SiteCount = %d; want zero", tenant.Used, tenant.SiteCount)
	}

	for _, token := range []string{"", "no-such-token"} {
		if err := enforcer.Release(ctx, "acme", token); err != nil {
			t.Errorf("Release(%q) error = %v, want nil", token, err)
		}
	}

	// The site may reserve again once its reservation is released.
	again, err := enforcer.Reserve(ctx, "acme", "s1", res(1000, gi, gi))
	if err != nil {
		t.Fatalf("Reserve() after release error = %v", err)
	}
	if again == token {
		t.Error("a released token must not be handed out again")
	}
}

func TestUsage_UnknownTenant(t *testing.T) {
	enforcer, _ := newTestEnforcer(t, res(1, 1, 1))
	if _, err := enforcer.Usage(context.Background(), "globex"); !errors.Is(err, ErrUnknownTenant) {
		t.Errorf("Usage() error = %v, want ErrUnknownTenant", err)
	}
}

// TestConcurrentReserveRelease runs random reserve and release calls from
// many goroutines and then checks that the books balance: usage equals the
// sum of active reservations and never exceeds the limits.
func TestConcurrentReserveRelease(t *testing.T) {
	ctx := context.Background()
	limits := res(4000, 8*gi, 20*gi)
	enforcer, store := newTestEnforcer(t, limits)

	const (
		workers    = 8
		operations = 200
		sites      = 24
	)

	var (
		mu     sync.Mutex
		tokens = make(map[string]string) // site -> token
		wg     sync.WaitGroup
	)
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(w), 42))
			for range operations {
				site := fmt.Sprintf("s%d", rng.IntN(sites))
				if rng.IntN(2) == 0 {
					request := res(int64(100+rng.IntN(900)), int64(1+rng.IntN(2))*gi, gi)
					token, err := enforcer.Reserve(ctx, "acme", site, request)
					var qerr *QuotaExceededError
					switch {
					case errors.As(err, &qerr):
					case err != nil:
						t.Errorf("Reserve() error = %v", err)
					default:
						mu.Lock()
						tokens[site] = token
						mu.Unlock()
					}
					continue
				}

				mu.Lock()
				token := tokens[site]
				mu.Unlock()
				if err := enforcer.Release(ctx, "acme", token); err != nil {
					t.Errorf("Release() error = %v", err)
				}
			}
		}()
	}
	wg.Wait()

	tenant, err := store.GetTenant(ctx, "acme")
	if err != nil {
		t.Fatalf("GetTenant() error = %v", err)
	}

	var (
		sum    sitesv1alpha1.ResourceList
		active int
	)
	for i := range sites {
		r, err := store.ActiveReservation(ctx, fmt.Sprintf("s%d", i))
		if err != nil {
			t.Fatalf("ActiveReservation() error = %v", err)
		}
		if r != nil {
			sum = sum.Add(r.Resources)
			active++
		}
	}

	if diff := cmp.Diff(sum, tenant.Used); diff != "" {
		t.Errorf("Used does not match active reservations (-sum +used):\n%s", diff)
	}
	if tenant.SiteCount != active {
		t.Errorf("SiteCount = %d, want %d", tenant.SiteCount, active)
	}
	for _, dim := range sitesv1alpha1.Dimensions() {
		if tenant.Used.Get(dim) > limits.Get(dim) {
			t.Errorf("%s used %d exceeds limit %d", dim, tenant.Used.Get(dim), limits.Get(dim))
		}
	}
}

func TestReleaseSite(t *testing.T) {
	ctx := context.Background()
	enforcer, store := newTestEnforcer(t, res(2000, 4*gi, 10*gi))

	if err := enforcer.ReleaseSite(ctx, "acme", "s1"); err != nil {
		t.Fatalf("ReleaseSite() without reservation error = %v", err)
	}
	if _, err := enforcer.Reserve(ctx, "acme", "s1", res(1000, gi, gi)); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if err := enforcer.ReleaseSite(ctx, "acme", "s1"); err != nil {
		t.Fatalf("ReleaseSite() error = %v", err)
	}

	tenant, err := store.GetTenant(ctx, "acme")
	if err != nil {
		t.Fatalf("GetTenant() error = %v", err)
	}
	if tenant.SiteCount != 0 || tenant.Used != (sitesv1alpha1.ResourceList{}) {
		t.Errorf("ReleaseSite() left usage %+v, count %d", tenant.Used, tenant.SiteCount)
	}
}

// slowLedger widens the window between reading a tenant and committing it,
// as a round trip to a shared database does.
type slowLedger struct {
	registry.Ledger
	delay time.Duration
}

func (l slowLedger) GetTenant(ctx context.Context, id string) (*sitesv1alpha1.Tenant, error) {
	time.Sleep(l.delay)
	return l.Ledger.GetTenant(ctx, id)
}

func TestReserve_EnforcersSharingLedger(t *testing.T) {
	ctx := context.Background()
	limits := res(2000, 4*gi, 20*gi)
	_, store := newTestEnforcer(t, limits)
	ledger := slowLedger{Ledger: store, delay: 2 * time.Millisecond}
	replicas := []*Enforcer{NewEnforcer(ledger), NewEnforcer(ledger)}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		rejected int
	)
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := replicas[i%2].Reserve(ctx, "acme", fmt.Sprintf("s%d", i), res(1000, 2*gi, 10*gi))
			var qerr *QuotaExceededError
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.As(err, &qerr):
				rejected++
			default:
				t.Errorf("Reserve() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if accepted != 2 || rejected != 2 {
		t.Errorf("accepted %d and rejected %d requests, want 2 and 2", accepted, rejected)
	}
	tenant, err := store.GetTenant(ctx, "acme")
	if err != nil {
		t.Fatalf("GetTenant() error = %v", err)
	}
	if diff := cmp.Diff(limits, tenant.Used); diff != "" {
		t.Errorf("Used mismatch (-want +got):\n%s", diff)
	}
	if tenant.SiteCount != 2 {
		t.Errorf("SiteCount = %d, want 2", tenant.SiteCount)
	}
}

func TestRelease_RacingReserveOnAnotherEnforcer(t *testing.T) {
	ctx := context.Background()
	_, store := newTestEnforcer(t, res(2000, 4*gi, 20*gi))
	ledger := slowLedger{Ledger: store, delay: 2 * time.Millisecond}
	leader, follower := NewEnforcer(ledger), NewEnforcer(ledger)

	token, err := leader.Reserve(ctx, "acme", "s0", res(1000, gi, gi))
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := leader.Release(ctx, "acme", token); err != nil {
			t.Errorf("Release() error = %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if _, err := follower.Reserve(ctx, "acme", "s1", res(500, gi, gi)); err != nil {
			t.Errorf("Reserve() error = %v", err)
		}
	}()
	wg.Wait()

	tenant, err := store.GetTenant(ctx, "acme")
	if err != nil {
		t.Fatalf("GetTenant() error = %v", err)
	}
	if diff := cmp.Diff(res(500, gi, gi), tenant.Used); diff != "" {
		t.Errorf("Used mismatch (-want +got):\n%s", diff)
	}
	if tenant.SiteCount != 1 {
		t.Errorf("SiteCount = %d, want 1", tenant.SiteCount)
	}
}
