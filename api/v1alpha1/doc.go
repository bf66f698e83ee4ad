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

// Package v1alpha1 defines the resource model of the site controller.
//
// The types in this package are plain values: they carry no behaviour beyond
// validation and the lifecycle transition table. Every other package in the
// controller (registry, quota enforcer, cluster adapter, engine, API) speaks
// in terms of these types.
//
// # Resources
//
//   - Tenant: a billing and isolation boundary with a fixed resource quota and
//     running totals of what its sites have reserved.
//   - Site: a tenant-owned web workload with a slug, a set of domains, a TLS
//     configuration, a resource request and a lifecycle state.
//
// # Lifecycle
//
//	pending ──▶ provisioning ──▶ ready
//	   │             │  ▲          │
//	   │             ▼  │          │
//	   └──────────▶ error ◀────────┘ (via provisioning)
//	                 │
//	  any ──────▶ deleting ──▶ deleted
//
// Only the reconciliation engine moves a Site between states. The control API
// creates records in the pending state and marks them for deletion; it never
// writes a state transition itself.
//
// # Versioning
//
// This is the v1alpha1 version, indicating the model is in early development
// and may change in backward-incompatible ways.
package v1alpha1
