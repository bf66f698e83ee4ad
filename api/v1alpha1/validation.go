package v1alpha1

import (
	"fmt"
	"math"
	"regexp"
	"slices"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/validation"
)

// MaxSlugLength is the maximum length of a site slug.
const MaxSlugLength = 63

var slugPattern = regexp.MustCompile(`^[a-z0-9-]{1,63}$`)

// ValidationError reports invalid input to one of the constructors in this
// package.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// NewSlug validates a slug.
func NewSlug(slug string) (string, error) {
	if !slugPattern.MatchString(slug) {
		return "", invalid("slug", "%q must match %s", slug, slugPattern.String())
	}
	return slug, nil
}

// SlugFromDomain derives a slug from a host name by replacing dots with
// hyphens, e.g. "blog.example.com" becomes "blog-example-com".
func SlugFromDomain(domain string) string {
	slug := strings.ReplaceAll(strings.ToLower(domain), ".", "-")
	if len(slug) > MaxSlugLength {
		slug = slug[:MaxSlugLength]
	}
	return strings.TrimRight(slug, "-")
}

// NewDomain validates a host name and returns it in canonical lower case.
func NewDomain(domain string) (string, error) {
	host := strings.ToLower(strings.TrimSpace(domain))
	if host == "" {
		return "", invalid("domain", "must not be empty")
	}
	if errs := validation.IsDNS1123Subdomain(host); len(errs) > 0 {
		return "", invalid("domain", "%q: %s", domain, strings.Join(errs, "; "))
	}
	for label := range strings.SplitSeq(host, ".") {
		if errs := validation.IsDNS1123Label(label); len(errs) > 0 {
			return "", invalid("domain", "%q: %s", domain, strings.Join(errs, "; "))
		}
	}
	return host, nil
}

// NewDomainSet validates the primary and additional host names. Duplicates
// of the primary in additional are dropped.
func NewDomainSet(primary string, additional []string) (DomainSet, error) {
	p, err := NewDomain(primary)
	if err != nil {
		return DomainSet{}, err
	}

	set := DomainSet{Primary: p}
	for _, d := range additional {
		host, err := NewDomain(d)
		if err != nil {
			return DomainSet{}, err
		}
		if set.Contains(host) {
			continue
		}
		set.Additional = append(set.Additional, host)
	}
	return set, nil
}

// NewResourceList validates that every component of a request is positive.
func NewResourceList(cpuMillicores, memoryBytes, diskBytes int64) (ResourceList, error) {
	r := ResourceList{
		CPUMillicores: cpuMillicores,
		MemoryBytes:   memoryBytes,
		DiskBytes:     diskBytes,
	}
	for _, dim := range Dimensions() {
		if r.Get(dim) <= 0 {
			return ResourceList{}, invalid(dim, "must be positive")
		}
	}
	return r, nil
}

// ResourcesFromUnits converts a request expressed in the control API's units
// (CPU cores, GiB of memory, GiB of disk) into a validated ResourceList.
func ResourcesFromUnits(cpu, ramGi, diskGi float64) (ResourceList, error) {
	for field, v := range map[string]float64{"cpu": cpu, "ramGi": ramGi, "diskGi": diskGi} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return ResourceList{}, invalid(field, "must be a finite number")
		}
	}
	return NewResourceList(
		int64(math.Round(cpu*millicoresPerCore)),
		int64(math.Round(ramGi*bytesPerGi)),
		int64(math.Round(diskGi*bytesPerGi)),
	)
}

// NewTLSConfig validates a TLS configuration.
func NewTLSConfig(enabled bool, issuer string) (TLSConfig, error) {
	issuer = strings.TrimSpace(issuer)
	if enabled && issuer == "" {
		return TLSConfig{}, invalid("tlsIssuer", "must be set when TLS is enabled")
	}
	if !enabled {
		issuer = ""
	}
	return TLSConfig{Enabled: enabled, Issuer: issuer}, nil
}

// SiteParams are the inputs of NewSite.
type SiteParams struct {
	ID            string
	Slug          string
	TenantID      string
	Namespace     string
	Domains       DomainSet
	TLS           TLSConfig
	Resources     ResourceList
	Image         string
	ContainerPort int32
	Now           time.Time
}

// NewSite validates params and returns a Site in the pending state.
func NewSite(params SiteParams) (*Site, error) {
	if params.ID == "" {
		return nil, invalid("id", "must not be empty")
	}
	if params.TenantID == "" {
		return nil, invalid("tenantId", "must not be empty")
	}
	// Slug and namespace are usually derived from the primary domain, so the
	// domains are checked first.
	domains, err := NewDomainSet(params.Domains.Primary, params.Domains.Additional)
	if err != nil {
		return nil, err
	}
	slug, err := NewSlug(params.Slug)
	if err != nil {
		return nil, err
	}
	if errs := validation.IsDNS1123Label(params.Namespace); len(errs) > 0 {
		return nil, invalid("namespace", "%q: %s", params.Namespace, strings.Join(errs, "; "))
	}
	tls, err := NewTLSConfig(params.TLS.Enabled, params.TLS.Issuer)
	if err != nil {
		return nil, err
	}
	resources, err := NewResourceList(
		params.Resources.CPUMillicores,
		params.Resources.MemoryBytes,
		params.Resources.DiskBytes,
	)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(params.Image) == "" {
		return nil, invalid("image", "must not be empty")
	}
	if params.ContainerPort < 1 || params.ContainerPort > 65535 {
		return nil, invalid("containerPort", "%d is outside 1-65535", params.ContainerPort)
	}

	return &Site{
		ID:            params.ID,
		Slug:          slug,
		TenantID:      params.TenantID,
		Namespace:     params.Namespace,
		Domains:       DomainSet{Primary: domains.Primary, Additional: slices.Clip(domains.Additional)},
		TLS:           tls,
		Resources:     resources,
		Image:         strings.TrimSpace(params.Image),
		ContainerPort: params.ContainerPort,
		State:         StatePending,
		CreatedAt:     params.Now,
		UpdatedAt:     params.Now,
	}, nil
}
