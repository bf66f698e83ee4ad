// Package config loads the site controller configuration from an optional
// YAML file and SITE_CONTROLLER_* environment variables.
//
// Flags handled by the binary itself (metrics, probes, leader election) are
// not part of this package; everything the controller core needs is.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
	"k8s.io/apimachinery/pkg/util/validation"

	sitesv1alpha1 "github.com/numtide/site-controller/api/v1alpha1"
)

// EnvPrefix prefixes every environment variable read by Load. Nested keys
// use underscores, e.g. SITE_CONTROLLER_API_BIND_ADDRESS.
const EnvPrefix = "SITE_CONTROLLER"

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Config holds the whole controller configuration.
type Config struct {
	API      APIConfig      `mapstructure:"api"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Store    StoreConfig    `mapstructure:"store"`
	Cluster  ClusterConfig  `mapstructure:"cluster"`
	Defaults DefaultsConfig `mapstructure:"defaults"`
	Tenants  []TenantConfig `mapstructure:"tenants"`
}

// APIConfig configures the control API server.
type APIConfig struct {
	BindAddress     string        `mapstructure:"bind_address"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// Key and Tenant declare a single key, typically from the environment.
	Key    string `mapstructure:"key"`
	Tenant string `mapstructure:"tenant"`

	// Keys declares any number of keys, each acting for one tenant.
	Keys []APIKeyConfig `mapstructure:"keys"`
}

// APIKeyConfig binds an API key to the tenant it acts for.
type APIKeyConfig struct {
	Key    string `mapstructure:"key"`
	Tenant string `mapstructure:"tenant"`
}

// EngineConfig configures the reconciliation engine.
type EngineConfig struct {
	Workers        int           `mapstructure:"workers"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	JitterFactor   float64       `mapstructure:"jitter_factor"`
	ResyncInterval time.Duration `mapstructure:"resync_interval"`
}

// StoreConfig selects the site registry backend.
type StoreConfig struct {
	Driver  string `mapstructure:"driver"`
	DSN     string `mapstructure:"dsn"`
	Migrate bool   `mapstructure:"migrate"`
}

// ClusterConfig shapes the objects created for every site.
type ClusterConfig struct {
	GatewayName      string `mapstructure:"gateway_name"`
	GatewayNamespace string `mapstructure:"gateway_namespace"`
	IssuerKind       string `mapstructure:"issuer_kind"`
	Replicas         int32  `mapstructure:"replicas"`
}

// DefaultsConfig fills in optional fields of site create requests.
type DefaultsConfig struct {
	Image         string `mapstructure:"image"`
	ContainerPort int32  `mapstructure:"container_port"`
	TLSIssuer     string `mapstructure:"tls_issuer"`
}

// TenantConfig onboards a tenant. Limits use the control API's units: CPU
// cores and GiB.
type TenantConfig struct {
	ID        string  `mapstructure:"id"`
	Namespace string  `mapstructure:"namespace"`
	CPU       float64 `mapstructure:"cpu"`
	RAMGi     float64 `mapstructure:"ram_gi"`
	DiskGi    float64 `mapstructure:"disk_gi"`
}

// Load reads the configuration file at path, when path is not empty, applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.bind_address", ":8090")
	v.SetDefault("api.shutdown_timeout", "10s")
	v.SetDefault("api.key", "")
	v.SetDefault("api.tenant", "")

	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.max_attempts", 5)
	v.SetDefault("engine.base_delay", "1s")
	v.SetDefault("engine.max_delay", "2m")
	v.SetDefault("engine.jitter_factor", 0.2)
	v.SetDefault("engine.resync_interval", "5m")

	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.migrate", true)

	v.SetDefault("cluster.gateway_name", "sites")
	v.SetDefault("cluster.gateway_namespace", "gateway-system")
	v.SetDefault("cluster.issuer_kind", "ClusterIssuer")
	v.SetDefault("cluster.replicas", 1)

	v.SetDefault("defaults.image", "nginx:stable")
	v.SetDefault("defaults.container_port", 80)
	v.SetDefault("defaults.tls_issuer", "letsencrypt")
}

// APIKeys returns every configured key mapped to its tenant id.
func (c *Config) APIKeys() map[string]string {
	keys := make(map[string]string, len(c.API.Keys)+1)
	if c.API.Key != "" {
		keys[c.API.Key] = c.API.Tenant
	}
	for _, k := range c.API.Keys {
		keys[k.Key] = k.Tenant
	}
	return keys
}

// TenantRecords converts the tenant list into registry records with zero
// usage. Existing usage is kept by the registry when the records are stored.
func (c *Config) TenantRecords() ([]*sitesv1alpha1.Tenant, error) {
	tenants := make([]*sitesv1alpha1.Tenant, 0, len(c.Tenants))
	for _, t := range c.Tenants {
		limits, err := sitesv1alpha1.ResourcesFromUnits(t.CPU, t.RAMGi, t.DiskGi)
		if err != nil {
			return nil, fmt.Errorf("tenant %q: %w", t.ID, err)
		}
		tenants = append(tenants, &sitesv1alpha1.Tenant{
			ID:        t.ID,
			Namespace: t.Namespace,
			Limits:    limits,
		})
	}
	return tenants, nil
}

// CheckLeaderElection rejects leader election with a registry that replicas
// cannot share: sites accepted by a non-leader would never be reconciled.
func (c *Config) CheckLeaderElection(enabled bool) error {
	if enabled && c.Store.Driver == DriverMemory {
		return fmt.Errorf("leader election requires a shared store, store.driver is %q", c.Store.Driver)
	}
	return nil
}

// Validate checks the startup requirements of the controller.
func (c *Config) Validate() error {
	var errs []error

	tenantIDs := make([]string, 0, len(c.Tenants))
	for i, t := range c.Tenants {
		if t.ID == "" {
			errs = append(errs, fmt.Errorf("tenants[%d]: id is required", i))
			continue
		}
		if slices.Contains(tenantIDs, t.ID) {
			errs = append(errs, fmt.Errorf("tenants[%d]: duplicate id %q", i, t.ID))
		}
		tenantIDs = append(tenantIDs, t.ID)
		// The id labels every cluster object of the tenant's sites.
		if msgs := validation.IsValidLabelValue(t.ID); len(msgs) > 0 {
			errs = append(errs, fmt.Errorf("tenants[%d]: id %q is not a valid label value: %s",
				i, t.ID, strings.Join(msgs, "; ")))
		}
		if msgs := validation.IsDNS1123Label(t.Namespace); len(msgs) > 0 {
			errs = append(errs, fmt.Errorf("tenant %q: invalid namespace %q: %s",
				t.ID, t.Namespace, strings.Join(msgs, "; ")))
		}
	}
	if _, err := c.TenantRecords(); err != nil {
		errs = append(errs, err)
	}

	if c.API.Key != "" && c.API.Tenant == "" {
		errs = append(errs, errors.New("api.tenant is required when api.key is set"))
	}
	keys := c.APIKeys()
	if len(keys) == 0 {
		errs = append(errs, errors.New("at least one API key is required"))
	}
	if len(keys) < len(c.API.Keys)+min(len(c.API.Key), 1) {
		errs = append(errs, errors.New("API keys must be unique"))
	}
	for key, tenant := range keys {
		if key == "" {
			errs = append(errs, errors.New("API keys must not be empty"))
			continue
		}
		if !slices.Contains(tenantIDs, tenant) {
			errs = append(errs, fmt.Errorf("API key for tenant %q: tenant is not configured", tenant))
		}
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}

	if c.Engine.Workers <= 0 {
		errs = append(errs, fmt.Errorf("engine.workers must be positive, got %d", c.Engine.Workers))
	}
	if c.Engine.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("engine.max_attempts must be positive, got %d", c.Engine.MaxAttempts))
	}
	if c.Engine.BaseDelay <= 0 || c.Engine.MaxDelay < c.Engine.BaseDelay {
		errs = append(errs, fmt.Errorf("engine delays must satisfy 0 < base_delay <= max_delay, got %s and %s",
			c.Engine.BaseDelay, c.Engine.MaxDelay))
	}

	if c.Cluster.GatewayName == "" {
		errs = append(errs, errors.New("cluster.gateway_name is required"))
	}
	if c.Cluster.IssuerKind != "Issuer" && c.Cluster.IssuerKind != "ClusterIssuer" {
		errs = append(errs, fmt.Errorf("cluster.issuer_kind must be Issuer or ClusterIssuer, got %q",
			c.Cluster.IssuerKind))
	}

	if strings.TrimSpace(c.Defaults.Image) == "" {
		errs = append(errs, errors.New("defaults.image is required"))
	}
	if c.Defaults.ContainerPort < 1 || c.Defaults.ContainerPort > 65535 {
		errs = append(errs, fmt.Errorf("defaults.container_port %d is outside 1-65535", c.Defaults.ContainerPort))
	}

	return errors.Join(errs...)
}
