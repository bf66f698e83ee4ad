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

// Package api serves the control API used by the panel.
//
// The API validates requests, reserves quota and records new sites and
// deletion requests in the registry. Everything that touches the cluster is
// left to the reconciliation engine; the API only ever reports site state.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	"github.com/numtide/site-controller/pkg/monitoring"
	"github.com/numtide/site-controller/pkg/registry"
)

const (
	DefaultBindAddress     = ":8090"
	DefaultShutdownTimeout = 10 * time.Second
)

// Options configures a Server.
type Options struct {
	// BindAddress is the address the API listens on.
	BindAddress string

	// Keys maps every accepted API key to its tenant id.
	Keys map[string]string

	// Defaults fill in optional fields of create requests.
	Defaults SiteDefaults

	// ShutdownTimeout bounds how long in-flight requests may take to finish
	// once the server is stopped.
	ShutdownTimeout time.Duration

	// Clock stamps creation and deletion times.
	Clock clock.PassiveClock
}

// Server is the control API server.
type Server struct {
	opts   Options
	router *gin.Engine
}

var _ manager.Runnable = (*Server)(nil)
var _ manager.LeaderElectionRunnable = (*Server)(nil)

// NewServer builds the router of the control API.
func NewServer(store registry.Store, quota Quota, queue Enqueuer, opts Options) *Server {
	if opts.BindAddress == "" {
		opts.BindAddress = DefaultBindAddress
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}

	h := &handlers{
		store:    store,
		quota:    quota,
		queue:    queue,
		defaults: opts.Defaults,
		now:      opts.Clock.Now,
	}

	router := gin.New()
	router.Use(gin.Recovery(), observe(), requireAPIKey(NewKeyRing(opts.Keys)))
	router.POST("/sites", h.createSite)
	router.GET("/sites", h.listSites)
	router.GET("/sites/:slug", h.getSite)
	router.DELETE("/sites/:slug", h.deleteSite)
	router.GET("/tenant", h.getTenant)

	return &Server{opts: opts, router: router}
}

// Handler returns the HTTP handler of the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// NeedLeaderElection lets every replica serve the API. Creates and deletes
// accepted by a replica that is not the leader only reach the leader's engine
// at its next resync, so they wait up to engine.resync_interval. This needs a
// registry shared by all replicas.
func (s *Server) NeedLeaderElection() bool {
	return false
}

// Start serves the API until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	logger := log.FromContext(ctx).WithName("api")
	srv := &http.Server{
		Addr:              s.opts.BindAddress,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return log.IntoContext(context.Background(), logger)
		},
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Serving control API", "address", s.opts.BindAddress)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("control API server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	logger.Info("Shutting down control API")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down control API: %w", err)
	}
	return nil
}

// observe records every request in the API metrics and logs it at debug
// level. The request context carries a logger for the handlers.
func observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		logger := logr.FromContextOrDiscard(c.Request.Context()).WithValues(
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
		)
		c.Request = c.Request.WithContext(log.IntoContext(c.Request.Context(), logger))

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		elapsed := time.Since(start)
		monitoring.RecordAPIRequest(c.Request.Method, route, status, elapsed)
		logger.V(1).Info("Handled request", "status", status, "duration", elapsed.String())
	}
}
