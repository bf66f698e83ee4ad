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
	"fmt"

	"k8s.io/apimachinery/pkg/api/resource"
)

// Resource dimensions tracked by tenant quotas. They are reported verbatim in
// quota errors, so they double as the machine-readable dimension names.
const (
	DimensionCPU    = "cpu"
	DimensionMemory = "memory"
	DimensionDisk   = "disk"
)

const (
	// bytesPerGi is the number of bytes in one gibibyte.
	bytesPerGi = 1 << 30

	// millicoresPerCore is the number of millicores in one CPU core.
	millicoresPerCore = 1000
)

// ResourceList is an amount of compute resources, either a request made by a
// Site or the limits and running totals of a Tenant.
type ResourceList struct {
	// CPUMillicores is the CPU amount in thousandths of a core.
	CPUMillicores int64 `json:"cpuMillicores"`

	// MemoryBytes is the memory amount in bytes.
	MemoryBytes int64 `json:"memoryBytes"`

	// DiskBytes is the ephemeral disk amount in bytes.
	DiskBytes int64 `json:"diskBytes"`
}

// Add returns the component-wise sum of r and o.
func (r ResourceList) Add(o ResourceList) ResourceList {
	return ResourceList{
		CPUMillicores: r.CPUMillicores + o.CPUMillicores,
		MemoryBytes:   r.MemoryBytes + o.MemoryBytes,
		DiskBytes:     r.DiskBytes + o.DiskBytes,
	}
}

// Sub returns the component-wise difference of r and o. Components never go
// below zero.
func (r ResourceList) Sub(o ResourceList) ResourceList {
	return ResourceList{
		CPUMillicores: max(r.CPUMillicores-o.CPUMillicores, 0),
		MemoryBytes:   max(r.MemoryBytes-o.MemoryBytes, 0),
		DiskBytes:     max(r.DiskBytes-o.DiskBytes, 0),
	}
}

// Get returns the amount for the named dimension.
func (r ResourceList) Get(dimension string) int64 {
	switch dimension {
	case DimensionCPU:
		return r.CPUMillicores
	case DimensionMemory:
		return r.MemoryBytes
	case DimensionDisk:
		return r.DiskBytes
	}
	return 0
}

// Dimensions lists the quota dimensions in the order they are checked.
func Dimensions() []string {
	return []string{DimensionCPU, DimensionMemory, DimensionDisk}
}

// CPUQuantity returns the CPU amount as a Kubernetes quantity.
func (r ResourceList) CPUQuantity() *resource.Quantity {
	return resource.NewMilliQuantity(r.CPUMillicores, resource.DecimalSI)
}

// MemoryQuantity returns the memory amount as a Kubernetes quantity.
func (r ResourceList) MemoryQuantity() *resource.Quantity {
	return resource.NewQuantity(r.MemoryBytes, resource.BinarySI)
}

// DiskQuantity returns the disk amount as a Kubernetes quantity.
func (r ResourceList) DiskQuantity() *resource.Quantity {
	return resource.NewQuantity(r.DiskBytes, resource.BinarySI)
}

// String renders the list in the units used by the control API.
func (r ResourceList) String() string {
	return fmt.Sprintf("cpu=%s memory=%s disk=%s",
		r.CPUQuantity(), r.MemoryQuantity(), r.DiskQuantity())
}

// Tenant is a billing and isolation boundary owning zero or more Sites.
//
// Tenants are onboarded outside of the controller. Once known, a Tenant is
// only mutated by the quota enforcer and is never deleted.
type Tenant struct {
	// ID is the stable identifier of the tenant.
	ID string `json:"id"`

	// Namespace is the tenant's namespace name. Site namespaces are derived
	// from it.
	Namespace string `json:"namespace"`

	// Limits is the fixed resource quota of the tenant.
	Limits ResourceList `json:"limits"`

	// Used is the running total of resources reserved by the tenant's sites.
	Used ResourceList `json:"used"`

	// SiteCount is the number of sites currently holding a reservation.
	SiteCount int `json:"siteCount"`

	// Generation is bumped by the registry on every write to the tenant.
	// Ledger commits only apply when it still matches the value read.
	Generation int64 `json:"generation"`
}

// Available returns the tenant's remaining capacity.
func (t *Tenant) Available() ResourceList {
	return t.Limits.Sub(t.Used)
}

// Reservation is a quota allocation held by one Site.
type Reservation struct {
	// Token identifies the reservation. It is the only handle that can release
	// the allocation.
	Token string `json:"token"`

	// TenantID is the tenant the resources were reserved from.
	TenantID string `json:"tenantId"`

	// SiteID is the site holding the reservation.
	SiteID string `json:"siteId"`

	// Resources is the reserved amount.
	Resources ResourceList `json:"resources"`

	// Released is true once the reservation has been returned to the tenant.
	Released bool `json:"released"`
}
