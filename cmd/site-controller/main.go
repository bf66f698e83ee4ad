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

package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"

	// Import all Kubernetes client auth plugins (e.g. Azure, GCP, OIDC, etc.)
	_ "k8s.io/client-go/plugin/pkg/client/auth"

	certmanagerv1 "github.com/cert-manager/cert-manager/pkg/apis/certmanager/v1"
	"github.com/gin-gonic/gin"
	uberzap "go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/metrics/filters"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"
	gatewayv1 "sigs.k8s.io/gateway-api/apis/v1"

	"github.com/numtide/site-controller/pkg/api"
	"github.com/numtide/site-controller/pkg/cluster"
	"github.com/numtide/site-controller/pkg/config"
	"github.com/numtide/site-controller/pkg/engine"
	"github.com/numtide/site-controller/pkg/monitoring"
	"github.com/numtide/site-controller/pkg/quota"
	"github.com/numtide/site-controller/pkg/registry"
)

// version is set at build time with -ldflags.
var version = "dev"

var setupLog = ctrl.Log.WithName("setup")

func main() {
	var configPath string
	var metricsAddr string
	var enableLeaderElection bool
	var probeAddr string
	var secureMetrics bool
	var enableHTTP2 bool
	var tlsOpts []func(*tls.Config)

	flag.StringVar(&configPath, "config", "", "Path to the controller configuration file.")
	flag.StringVar(&metricsAddr, "metrics-bind-address", "0", "The address the metrics endpoint binds to.")
	flag.StringVar(&probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	flag.BoolVar(&enableLeaderElection, "leader-elect", false, "Enable leader election for controller manager.")
	flag.BoolVar(&secureMetrics, "metrics-secure", true, "If set, the metrics endpoint is served securely via HTTPS.")
	flag.BoolVar(&enableHTTP2, "enable-http2", false, "If set, HTTP/2 will be enabled for the metrics server")

	opts := zap.Options{
		Development: true,
		TimeEncoder: zapcore.ISO8601TimeEncoder,
	}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts), zap.RawZapOpts(uberzap.AddCaller())))
	gin.SetMode(gin.ReleaseMode)

	if err := run(configPath, metricsAddr, probeAddr, enableLeaderElection, secureMetrics, enableHTTP2, tlsOpts); err != nil {
		setupLog.Error(err, "site controller failed")
		os.Exit(1)
	}
}

func run(
	configPath, metricsAddr, probeAddr string,
	enableLeaderElection, secureMetrics, enableHTTP2 bool,
	tlsOpts []func(*tls.Config),
) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.CheckLeaderElection(enableLeaderElection); err != nil {
		return err
	}

	ctx := ctrl.SetupSignalHandler()

	shutdownTracing, err := monitoring.InitTracing(ctx, "site-controller", version)
	if err != nil {
		return fmt.Errorf("unable to initialise tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			setupLog.Error(err, "failed to flush traces")
		}
	}()

	disableHTTP2 := func(c *tls.Config) {
		setupLog.Info("disabling http/2")
		c.NextProtos = []string{"http/1.1"}
	}
	if !enableHTTP2 {
		tlsOpts = append(tlsOpts, disableHTTP2)
	}

	metricsServerOptions := metricsserver.Options{
		BindAddress:   metricsAddr,
		SecureServing: secureMetrics,
		TLSOpts:       tlsOpts,
	}
	if secureMetrics {
		metricsServerOptions.FilterProvider = filters.WithAuthenticationAndAuthorization
	}

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme:                 cluster.NewScheme(),
		Metrics:                metricsServerOptions,
		HealthProbeBindAddress: probeAddr,
		LeaderElection:         enableLeaderElection,
		LeaderElectionID:       "site-controller.sites.numtide.com",
		Client: client.Options{
			// The adapter decides create vs update from what it reads, so
			// it must read the API server rather than a lagging cache.
			Cache: &client.CacheOptions{
				DisableFor: []client.Object{
					&corev1.Namespace{},
					&corev1.Service{},
					&appsv1.Deployment{},
					&gatewayv1.HTTPRoute{},
					&certmanagerv1.Certificate{},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("unable to start manager: %w", err)
	}

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			setupLog.Error(err, "failed to close store")
		}
	}()

	if err := seedTenants(ctx, cfg, store); err != nil {
		return err
	}

	enforcer := quota.NewEnforcer(store)
	adapter := cluster.NewAdapter(mgr.GetClient(), cluster.Options{
		GatewayName:      cfg.Cluster.GatewayName,
		GatewayNamespace: cfg.Cluster.GatewayNamespace,
		IssuerKind:       cfg.Cluster.IssuerKind,
		Replicas:         cfg.Cluster.Replicas,
	})

	eng := engine.New(store, adapter, enforcer, engine.Options{
		Workers:        cfg.Engine.Workers,
		MaxAttempts:    cfg.Engine.MaxAttempts,
		BaseDelay:      cfg.Engine.BaseDelay,
		MaxDelay:       cfg.Engine.MaxDelay,
		JitterFactor:   cfg.Engine.JitterFactor,
		ResyncInterval: cfg.Engine.ResyncInterval,
	})
	if err := mgr.Add(eng); err != nil {
		return fmt.Errorf("unable to add engine to manager: %w", err)
	}

	server := api.NewServer(store, enforcer, eng, api.Options{
		BindAddress:     cfg.API.BindAddress,
		Keys:            cfg.APIKeys(),
		ShutdownTimeout: cfg.API.ShutdownTimeout,
		Defaults: api.SiteDefaults{
			Image:         cfg.Defaults.Image,
			ContainerPort: cfg.Defaults.ContainerPort,
			TLSIssuer:     cfg.Defaults.TLSIssuer,
		},
	})
	if err := mgr.Add(server); err != nil {
		return fmt.Errorf("unable to add control API to manager: %w", err)
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		return fmt.Errorf("unable to set up health check: %w", err)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		return fmt.Errorf("unable to set up ready check: %w", err)
	}

	setupLog.Info("starting manager", "version", version, "store", cfg.Store.Driver)
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("problem running manager: %w", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (registry.Store, error) {
	if cfg.Driver != config.DriverPostgres {
		return registry.NewMemoryStore(), nil
	}

	store, err := registry.OpenPostgres(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.Migrate {
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	return store, nil
}

// seedTenants onboards the configured tenants. Usage totals already in the
// store are kept.
func seedTenants(ctx context.Context, cfg *config.Config, store registry.Store) error {
	tenants, err := cfg.TenantRecords()
	if err != nil {
		return err
	}
	for _, t := range tenants {
		if err := store.PutTenant(ctx, t); err != nil {
			return fmt.Errorf("failed to onboard tenant %q: %w", t.ID, err)
		}
	}

	stored, err := store.ListTenants(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tenants: %w", err)
	}
	for _, t := range stored {
		quota.RecordUsage(t)
	}
	setupLog.Info("tenants onboarded", "count", len(stored))
	return nil
}
