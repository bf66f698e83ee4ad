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

package v1alpha1

import (
	"slices"
	"time"
)

// DomainSet is the set of host names a Site answers on. Primary is always a
// member of Hosts().
type DomainSet struct {
	// Primary is the canonical host name of the site.
	Primary string `json:"primary"`

	// Additional are the extra host names of the site, excluding Primary.
	// +optional
	Additional []string `json:"additional,omitempty"`
}

// Hosts returns every host name of the set, primary first.
func (d DomainSet) Hosts() []string {
	hosts := make([]string, 0, 1+len(d.Additional))
	hosts = append(hosts, d.Primary)
	return append(hosts, d.Additional...)
}

// Contains reports whether host is a member of the set.
func (d DomainSet) Contains(host string) bool {
	return host == d.Primary || slices.Contains(d.Additional, host)
}

// TLSConfig controls certificate issuance for a Site.
type TLSConfig struct {
	// Enabled requests a certificate covering all of the site's domains.
	Enabled bool `json:"enabled"`

	// Issuer is the name of the certificate issuer. Required when Enabled.
	// +optional
	Issuer string `json:"issuer,omitempty"`
}

// ErrorKind is the machine-checkable category of a Site's last error.
type ErrorKind string

const (
	// ErrorKindQuotaExceeded means the tenant had no capacity left.
	ErrorKindQuotaExceeded ErrorKind = "QuotaExceeded"

	// ErrorKindTransient is a retryable cluster failure.
	ErrorKindTransient ErrorKind = "TransientClusterError"

	// ErrorKindPermanent is a cluster failure that retrying will not fix.
	ErrorKindPermanent ErrorKind = "PermanentClusterError"

	// ErrorKindRetriesExhausted means transient failures persisted past the
	// configured attempt budget.
	ErrorKindRetriesExhausted ErrorKind = "RetriesExhausted"
)

// SiteError records the last failure observed while reconciling a Site.
type SiteError struct {
	// Kind is the machine-checkable category of the error.
	Kind ErrorKind `json:"kind"`

	// Step is the cluster step that failed, if the error came from the cluster.
	// +optional
	Step string `json:"step,omitempty"`

	// Message is a human-readable description.
	Message string `json:"message"`
}

// ClusterHandles names the cluster objects created for a Site.
type ClusterHandles struct {
	Namespace   string `json:"namespace,omitempty"`
	Deployment  string `json:"deployment,omitempty"`
	Service     string `json:"service,omitempty"`
	Route       string `json:"route,omitempty"`
	Certificate string `json:"certificate,omitempty"`
}

// Site is a tenant-owned web workload provisioned onto the cluster.
type Site struct {
	// ID is the unique identifier of the site. All cluster objects created for
	// the site are labelled with it.
	ID string `json:"id"`

	// Slug is the URL-safe name of the site. Unique among non-deleted sites and
	// immutable once assigned.
	Slug string `json:"slug"`

	// TenantID is the owning tenant.
	TenantID string `json:"tenantId"`

	// Namespace is the cluster namespace holding the site's objects. Derived
	// once at creation.
	Namespace string `json:"namespace"`

	// Domains are the host names the site answers on.
	Domains DomainSet `json:"domains"`

	// TLS controls certificate issuance.
	TLS TLSConfig `json:"tls"`

	// Resources is the resource request of the site.
	Resources ResourceList `json:"resources"`

	// Image is the workload container image reference.
	Image string `json:"image"`

	// ContainerPort is the port the workload listens on.
	ContainerPort int32 `json:"containerPort"`

	// State is the lifecycle state of the site.
	State State `json:"state"`

	// Attempts counts consecutive failed attempts in the current state.
	Attempts int `json:"attempts"`

	// ReservationToken identifies the quota reservation held by the site.
	// +optional
	ReservationToken string `json:"reservationToken,omitempty"`

	// Handles names the cluster objects created by the last successful apply.
	// +optional
	Handles ClusterHandles `json:"handles,omitzero"`

	// LastError is the last failure observed, if any.
	// +optional
	LastError *SiteError `json:"lastError,omitempty"`

	// CreatedAt is when the site was accepted.
	CreatedAt time.Time `json:"createdAt"`

	// UpdatedAt is when the record was last written.
	UpdatedAt time.Time `json:"updatedAt"`

	// LastReconciledAt is when the engine last completed a step for the site.
	// +optional
	LastReconciledAt *time.Time `json:"lastReconciledAt,omitempty"`

	// DeletionRequestedAt is set by the control API when deletion is
	// requested. The engine moves the site to deleting at its next step.
	// +optional
	DeletionRequestedAt *time.Time `json:"deletionRequestedAt,omitempty"`
}

// DeletionRequested reports whether deletion of the site has been requested.
func (s *Site) DeletionRequested() bool {
	return s.DeletionRequestedAt != nil
}

// DeepCopy returns an independent copy of the site.
func (s *Site) DeepCopy() *Site {
	if s == nil {
		return nil
	}
	out := *s
	out.Domains.Additional = slices.Clone(s.Domains.Additional)
	if s.LastError != nil {
		e := *s.LastError
		out.LastError = &e
	}
	if s.LastReconciledAt != nil {
		t := *s.LastReconciledAt
		out.LastReconciledAt = &t
	}
	if s.DeletionRequestedAt != nil {
		t := *s.DeletionRequestedAt
		out.DeletionRequestedAt = &t
	}
	return &out
}
