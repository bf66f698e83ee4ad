package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"sigs.k8s.io/controller-runtime/pkg/log"

	sitesv1alpha1 "github.com/numtide/site-controller/api/v1alpha1"
	"github.com/numtide/site-controller/pkg/engine"
	"github.com/numtide/site-controller/pkg/monitoring"
	"github.com/numtide/site-controller/pkg/names"
	"github.com/numtide/site-controller/pkg/quota"
	"github.com/numtide/site-controller/pkg/registry"
)

// Quota is the part of the quota enforcer the API needs.
type Quota interface {
	Reserve(ctx context.Context, tenantID, siteID string, request sitesv1alpha1.ResourceList) (string, error)
	Release(ctx context.Context, tenantID, token string) error
	Usage(ctx context.Context, tenantID string) (quota.Usage, error)
}

// Enqueuer hands site events to the reconciliation engine.
type Enqueuer interface {
	Enqueue(ev engine.Event)
}

// SiteDefaults fill in optional fields of a create request.
type SiteDefaults struct {
	Image         string
	ContainerPort int32
	TLSIssuer     string
}

// CreateSiteRequest is the body of POST /sites. CPU is in cores, RAMGi and
// DiskGi in GiB.
type CreateSiteRequest struct {
	Domain            string   `json:"domain"`
	CPU               float64  `json:"cpu"`
	RAMGi             float64  `json:"ramGi"`
	DiskGi            float64  `json:"diskGi"`
	TLSEnabled        bool     `json:"tlsEnabled,omitempty"`
	TLSIssuer         string   `json:"tlsIssuer,omitempty"`
	Slug              string   `json:"slug,omitempty"`
	AdditionalDomains []string `json:"additionalDomains,omitempty"`
	Image             string   `json:"image,omitempty"`
	ContainerPort     int32    `json:"containerPort,omitempty"`
}

// CreateSiteResponse is the body of an accepted POST /sites.
type CreateSiteResponse struct {
	ID        string              `json:"id"`
	Slug      string              `json:"slug"`
	Namespace string              `json:"namespace"`
	State     sitesv1alpha1.State `json:"state"`
}

// SiteView is how a site is rendered by GET /sites.
type SiteView struct {
	ID                string                   `json:"id"`
	Slug              string                   `json:"slug"`
	Namespace         string                   `json:"namespace"`
	Ready             bool                     `json:"ready"`
	State             sitesv1alpha1.State      `json:"state"`
	Domain            string                   `json:"domain"`
	AdditionalDomains []string                 `json:"additionalDomains,omitempty"`
	Image             string                   `json:"image"`
	ContainerPort     int32                    `json:"containerPort"`
	TLSEnabled        bool                     `json:"tlsEnabled"`
	Error             *sitesv1alpha1.SiteError `json:"error,omitempty"`
	DeletionRequested bool                     `json:"deletionRequested,omitempty"`
	CreatedAt         time.Time                `json:"createdAt"`
}

// TenantView is the body of GET /tenant.
type TenantView struct {
	ID        string                     `json:"id"`
	Limits    sitesv1alpha1.ResourceList `json:"limits"`
	Used      sitesv1alpha1.ResourceList `json:"used"`
	Available sitesv1alpha1.ResourceList `json:"available"`
	SiteCount int                        `json:"siteCount"`
}

func newSiteView(site *sitesv1alpha1.Site) SiteView {
	return SiteView{
		ID:                site.ID,
		Slug:              site.Slug,
		Namespace:         site.Namespace,
		Ready:             site.State == sitesv1alpha1.StateReady,
		State:             site.State,
		Domain:            site.Domains.Primary,
		AdditionalDomains: site.Domains.Additional,
		Image:             site.Image,
		ContainerPort:     site.ContainerPort,
		TLSEnabled:        site.TLS.Enabled,
		Error:             site.LastError,
		DeletionRequested: site.DeletionRequested(),
		CreatedAt:         site.CreatedAt,
	}
}

type handlers struct {
	store    registry.Store
	quota    Quota
	queue    Enqueuer
	defaults SiteDefaults
	now      func() time.Time
}

// createSite validates the request, reserves quota and stores the site as
// pending. Provisioning happens asynchronously.
func (h *handlers) createSite(c *gin.Context) {
	ctx := c.Request.Context()
	tenantID := tenantFrom(c)

	var req CreateSiteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, CodeBadRequest, "malformed request body", nil)
		return
	}

	tenant, err := h.store.GetTenant(ctx, tenantID)
	if err != nil {
		internalError(c, err)
		return
	}

	site, err := h.buildSite(tenant, &req)
	if err != nil {
		abortWithError(c, err)
		return
	}

	if _, err := h.store.GetSiteBySlug(ctx, site.Slug); err == nil {
		abortWithError(c, registry.ErrSlugTaken)
		return
	} else if !errors.Is(err, registry.ErrNotFound) {
		internalError(c, err)
		return
	}

	token, err := h.quota.Reserve(ctx, tenantID, site.ID, site.Resources)
	if err != nil {
		var qerr *quota.QuotaExceededError
		if errors.As(err, &qerr) {
			abortWithError(c, err)
		} else {
			internalError(c, err)
		}
		return
	}
	site.ReservationToken = token

	if err := h.store.CreateSite(ctx, site); err != nil {
		if rerr := h.quota.Release(ctx, tenantID, token); rerr != nil {
			log.FromContext(ctx).Error(rerr, "Failed to release reservation of rejected site", "token", token)
		}
		if errors.Is(err, registry.ErrSlugTaken) {
			abortWithError(c, err)
		} else {
			internalError(c, err)
		}
		return
	}

	monitoring.SetSiteInfo(site.ID, site.Slug, site.TenantID, string(site.State))
	h.queue.Enqueue(engine.Event{Kind: engine.EventCreate, SiteID: site.ID})
	log.FromContext(ctx).Info("Site accepted", "site", site.ID, "slug", site.Slug, "tenant", tenantID)

	c.JSON(http.StatusAccepted, CreateSiteResponse{
		ID:        site.ID,
		Slug:      site.Slug,
		Namespace: site.Namespace,
		State:     site.State,
	})
}

func (h *handlers) buildSite(
	tenant *sitesv1alpha1.Tenant,
	req *CreateSiteRequest,
) (*sitesv1alpha1.Site, error) {
	resources, err := sitesv1alpha1.ResourcesFromUnits(req.CPU, req.RAMGi, req.DiskGi)
	if err != nil {
		return nil, err
	}

	slug := req.Slug
	if slug == "" {
		slug = sitesv1alpha1.SlugFromDomain(req.Domain)
	}
	image := req.Image
	if image == "" {
		image = h.defaults.Image
	}
	port := req.ContainerPort
	if port == 0 {
		port = h.defaults.ContainerPort
	}
	issuer := req.TLSIssuer
	if req.TLSEnabled && issuer == "" {
		issuer = h.defaults.TLSIssuer
	}

	return sitesv1alpha1.NewSite(sitesv1alpha1.SiteParams{
		ID:            uuid.NewString(),
		Slug:          slug,
		TenantID:      tenant.ID,
		Namespace:     names.SiteNamespace(tenant.Namespace, slug),
		Domains:       sitesv1alpha1.DomainSet{Primary: req.Domain, Additional: req.AdditionalDomains},
		TLS:           sitesv1alpha1.TLSConfig{Enabled: req.TLSEnabled, Issuer: issuer},
		Resources:     resources,
		Image:         image,
		ContainerPort: port,
		Now:           h.now(),
	})
}

// listSites returns the sites of the caller's tenant.
func (h *handlers) listSites(c *gin.Context) {
	sites, err := h.store.ListSites(c.Request.Context(), registry.Filter{TenantID: tenantFrom(c)})
	if err != nil {
		internalError(c, err)
		return
	}

	views := make([]SiteView, 0, len(sites))
	for _, site := range sites {
		if site.State == sitesv1alpha1.StateDeleted {
			continue
		}
		views = append(views, newSiteView(site))
	}
	c.JSON(http.StatusOK, views)
}

func (h *handlers) getSite(c *gin.Context) {
	site, ok := h.siteOfTenant(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, newSiteView(site))
}

// deleteSite marks the site for deletion. Sites that are unknown, belong to
// another tenant or are already being deleted are reported as not found.
func (h *handlers) deleteSite(c *gin.Context) {
	ctx := c.Request.Context()
	site, ok := h.siteOfTenant(c)
	if !ok {
		return
	}
	if site.DeletionRequested() ||
		site.State == sitesv1alpha1.StateDeleting ||
		site.State == sitesv1alpha1.StateDeleted {
		abortWithError(c, registry.ErrNotFound)
		return
	}

	if _, err := h.store.RequestDeletion(ctx, site.ID, h.now()); err != nil {
		if errors.Is(err, registry.ErrStaleState) || errors.Is(err, registry.ErrNotFound) {
			abortWithError(c, registry.ErrNotFound)
		} else {
			internalError(c, err)
		}
		return
	}

	h.queue.Enqueue(engine.Event{Kind: engine.EventDelete, SiteID: site.ID})
	log.FromContext(ctx).Info("Site deletion requested", "site", site.ID, "slug", site.Slug)
	c.Status(http.StatusNoContent)
}

func (h *handlers) siteOfTenant(c *gin.Context) (*sitesv1alpha1.Site, bool) {
	site, err := h.store.GetSiteBySlug(c.Request.Context(), c.Param("slug"))
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			abortWithError(c, err)
		} else {
			internalError(c, err)
		}
		return nil, false
	}
	if site.TenantID != tenantFrom(c) {
		abortWithError(c, registry.ErrNotFound)
		return nil, false
	}
	return site, true
}

func (h *handlers) getTenant(c *gin.Context) {
	tenantID := tenantFrom(c)
	usage, err := h.quota.Usage(c.Request.Context(), tenantID)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, TenantView{
		ID:        tenantID,
		Limits:    usage.Limits,
		Used:      usage.Used,
		Available: usage.Available,
		SiteCount: usage.SiteCount,
	})
}

func internalError(c *gin.Context, err error) {
	log.FromContext(c.Request.Context()).Error(err, "Request failed",
		"method", c.Request.Method, "path", c.FullPath())
	abort(c, http.StatusInternalServerError, CodeInternal, "internal error", nil)
}
