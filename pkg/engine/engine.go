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

// Package engine drives sites through their lifecycle.
//
// A fixed pool of workers consumes site ids from a workqueue. The workqueue
// never hands the same id to two workers at once, so every site is stepped by
// at most one worker at a time while different sites progress in parallel.
// A worker performs exactly one lifecycle step, persists the result with a
// compare-and-set on the registry and hands the site back to the queue,
// either right away or after a backoff delay. Nothing sleeps inside a step.
//
// Events submitted for a site are kept in a per-site FIFO mailbox and
// consumed one per step, in submission order.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	sitesv1alpha1 "github.com/numtide/site-controller/api/v1alpha1"
	"github.com/numtide/site-controller/pkg/monitoring"
	"github.com/numtide/site-controller/pkg/registry"
)

const (
	DefaultWorkers      = 4
	DefaultMaxAttempts  = 5
	DefaultBaseDelay    = time.Second
	DefaultMaxDelay     = 2 * time.Minute
	DefaultJitterFactor = 0.2
)

// Adapter is the part of the cluster adapter the engine needs.
type Adapter interface {
	Apply(ctx context.Context, site *sitesv1alpha1.Site) (sitesv1alpha1.ClusterHandles, error)
	Teardown(ctx context.Context, siteID string) error
}

// Quota is the part of the quota enforcer the engine needs.
type Quota interface {
	Reserve(ctx context.Context, tenantID, siteID string, request sitesv1alpha1.ResourceList) (string, error)
	Release(ctx context.Context, tenantID, token string) error
	ReleaseSite(ctx context.Context, tenantID, siteID string) error
}

// Options configures an Engine. Zero values select the defaults.
type Options struct {
	// Workers is the number of sites stepped in parallel.
	Workers int

	// MaxAttempts is the number of consecutive transient apply failures
	// after which a site is rolled back.
	MaxAttempts int

	// BaseDelay is the backoff after the first failure. It doubles with
	// every further attempt.
	BaseDelay time.Duration

	// MaxDelay caps the backoff before jitter is added.
	MaxDelay time.Duration

	// JitterFactor is the largest fraction of the delay added as jitter.
	JitterFactor float64

	// ResyncInterval is how often sites with pending work are re-read from
	// the registry. Zero disables the periodic resync; sites are still
	// resynced once at startup.
	ResyncInterval time.Duration

	// Clock drives backoff delays and timestamps.
	Clock clock.WithTicker
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.JitterFactor < 0 {
		o.JitterFactor = 0
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	return o
}

// Engine is the reconciliation engine.
type Engine struct {
	store   registry.Store
	adapter Adapter
	quota   Quota
	opts    Options

	queue   workqueue.TypedDelayingInterface[string]
	mailbox *mailbox

	delayMu   sync.Mutex
	notBefore map[string]time.Time // end of the backoff a site is waiting out

	started atomic.Bool
}

var _ manager.Runnable = (*Engine)(nil)
var _ manager.LeaderElectionRunnable = (*Engine)(nil)

// New creates an Engine. Start must be called before sites make progress;
// events enqueued earlier are kept.
func New(store registry.Store, adapter Adapter, quota Quota, opts Options) *Engine {
	opts = opts.withDefaults()
	return &Engine{
		store:   store,
		adapter: adapter,
		quota:   quota,
		opts:    opts,
		queue: workqueue.NewTypedDelayingQueueWithConfig(workqueue.TypedDelayingQueueConfig[string]{
			Name:  "sites",
			Clock: opts.Clock,
		}),
		mailbox:   newMailbox(),
		notBefore: make(map[string]time.Time),
	}
}

// Enqueue submits an event for a site.
func (e *Engine) Enqueue(ev Event) {
	monitoring.SetPendingEvents(e.mailbox.push(ev))
	e.queue.Add(ev.SiteID)
}

// NeedLeaderElection makes only the elected replica step sites. The registry
// CAS keeps two replicas from corrupting a site, but they would still run
// cluster calls twice.
func (e *Engine) NeedLeaderElection() bool {
	return true
}

// Start resyncs every site with pending work, runs the workers and blocks
// until ctx is cancelled. It implements manager.Runnable.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("engine already started")
	}

	logger := log.FromContext(ctx).WithName("engine")
	ctx = log.IntoContext(ctx, logger)

	if err := e.resync(ctx); err != nil {
		return fmt.Errorf("failed to resync sites: %w", err)
	}

	var wg sync.WaitGroup
	for range e.opts.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for e.processNext(ctx) {
			}
		}()
	}

	if e.opts.ResyncInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wait.UntilWithContext(ctx, func(ctx context.Context) {
				if err := e.resync(ctx); err != nil {
					logger.Error(err, "Periodic resync failed")
				}
			}, e.opts.ResyncInterval)
		}()
	}

	logger.Info("Engine started", "workers", e.opts.Workers, "maxAttempts", e.opts.MaxAttempts)
	<-ctx.Done()
	e.queue.ShutDown()
	wg.Wait()
	logger.Info("Engine stopped")
	return nil
}

// resync enqueues every site the engine still has work for.
func (e *Engine) resync(ctx context.Context) error {
	sites, err := e.store.ListSites(ctx, registry.Filter{})
	if err != nil {
		return err
	}
	n := 0
	for _, site := range sites {
		monitoring.SetSiteInfo(site.ID, site.Slug, site.TenantID, string(site.State))
		if !hasWork(site) {
			continue
		}
		e.Enqueue(Event{Kind: EventResync, SiteID: site.ID})
		n++
	}
	log.FromContext(ctx).V(1).Info("Resynced sites", "total", len(sites), "enqueued", n)
	return nil
}

func hasWork(site *sitesv1alpha1.Site) bool {
	if site.State == sitesv1alpha1.StateDeleted {
		// The record is removed once deleted; a leftover means the removal
		// did not happen yet.
		return true
	}
	return !site.State.AtRest() || site.DeletionRequested()
}

func (e *Engine) processNext(ctx context.Context) bool {
	siteID, shutdown := e.queue.Get()
	if shutdown {
		return false
	}
	defer e.queue.Done(siteID)

	// A site waiting out a backoff is only stepped early for a deletion.
	if wait := e.remainingDelay(siteID); wait > 0 && !e.mailbox.hasKind(siteID, EventDelete) {
		e.queue.AddAfter(siteID, wait)
		return true
	}

	ev, _ := e.mailbox.pop(siteID)
	monitoring.SetPendingEvents(e.mailbox.len())

	res := e.step(ctx, siteID, ev)
	e.setDelay(siteID, res.after)
	switch {
	case res.requeue || e.mailbox.has(siteID):
		e.queue.Add(siteID)
	case res.after > 0:
		e.queue.AddAfter(siteID, res.after)
	}
	return true
}

func (e *Engine) remainingDelay(siteID string) time.Duration {
	e.delayMu.Lock()
	defer e.delayMu.Unlock()
	notBefore, ok := e.notBefore[siteID]
	if !ok {
		return 0
	}
	wait := notBefore.Sub(e.opts.Clock.Now())
	if wait <= 0 {
		delete(e.notBefore, siteID)
	}
	return wait
}

func (e *Engine) setDelay(siteID string, d time.Duration) {
	e.delayMu.Lock()
	defer e.delayMu.Unlock()
	if d <= 0 {
		delete(e.notBefore, siteID)
		return
	}
	e.notBefore[siteID] = e.opts.Clock.Now().Add(d)
}

// backoff returns the delay before the next attempt after attempts
// consecutive failures.
func (e *Engine) backoff(attempts int) time.Duration {
	d := e.opts.BaseDelay
	for i := 1; i < attempts && d < e.opts.MaxDelay; i++ {
		d *= 2
	}
	d = min(d, e.opts.MaxDelay)
	if e.opts.JitterFactor > 0 {
		d = wait.Jitter(d, e.opts.JitterFactor)
	}
	return d
}
