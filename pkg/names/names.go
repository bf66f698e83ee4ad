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

// Package names generates deterministic names for the cluster objects of a
// site.
//
// A site namespace is derived from the tenant namespace and the site slug.
// Both are user-controlled and may together exceed the 63 character limit of
// a namespace name, so the joined name always carries a short hash of the
// inputs. Truncation keeps the hash, which keeps two different (tenant, slug)
// pairs from ever landing in the same namespace.
//
// Objects inside a site namespace have fixed names since the namespace
// already isolates them.
package names

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// hashBytes is how much of the digest ends up in a name. Changing it
	// renames every existing site namespace.
	hashBytes = 4

	// hashLength is the hex-encoded length of the hash suffix.
	hashLength = 2 * hashBytes

	// truncationMark separates a truncated name from its hash.
	truncationMark = "---"

	// minTruncatedLength is one leading character, the mark and the hash.
	minTruncatedLength = 1 + len(truncationMark) + hashLength
)

// Fixed names of the objects living inside a site namespace.
const (
	WorkloadName       = "site"
	ServiceName        = "site"
	RouteName          = "site"
	CertificateName    = "site-tls"
	CertificateSecret  = "site-tls"
	ContainerName      = "web"
	ServicePortName    = "http"
	DefaultServicePort = 80
)

// Constraints specifies rules that the output of JoinWithConstraints must follow.
type Constraints struct {
	// MaxLength is the maximum length of the output, hash included. Values
	// below minTruncatedLength make JoinWithConstraints panic.
	MaxLength int

	// ValidFirstChar reports whether r may start the output.
	ValidFirstChar func(r rune) bool
}

// NamespaceConstraints are the rules for namespace names (RFC 1123 labels).
var NamespaceConstraints = Constraints{
	MaxLength:      63,
	ValidFirstChar: isLowercaseAlphanumeric,
}

// Hash returns the hex hash suffix for the given parts. The separator fed to
// the digest is not '-', so parts containing hyphens cannot be rearranged
// into a collision.
func Hash(parts []string) string {
	h := md5.New()
	for _, part := range parts {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:hashBytes])
}

// JoinWithConstraints joins parts with '-', appends a hash of the original
// parts and enforces cons on the result. The output depends only on parts,
// so calling it again with the same input yields the same name.
//
// Characters outside [a-z0-9-] are lower-cased or replaced by '-'. When the
// joined name is too long it is cut and the hash is preceded by "---" instead
// of "-".
func JoinWithConstraints(cons Constraints, parts ...string) string {
	if cons.MaxLength < minTruncatedLength {
		panic(fmt.Sprintf("MaxLength of %v is invalid; must be at least %v",
			cons.MaxLength, minTruncatedLength))
	}
	if len(parts) == 0 {
		return ""
	}

	hash := Hash(parts)

	sanitized := make([]string, len(parts))
	for i, part := range parts {
		sanitized[i] = strings.Map(sanitizeRune, part)
	}
	if first := sanitized[0]; first == "" || !cons.ValidFirstChar(rune(first[0])) {
		sanitized[0] = "x" + first
	}

	joined := strings.Join(sanitized, "-")
	if len(joined)+1+hashLength <= cons.MaxLength {
		return joined + "-" + hash
	}

	keep := cons.MaxLength - len(truncationMark) - hashLength
	return joined[:keep] + truncationMark + hash
}

// SiteNamespace returns the namespace name of a site.
func SiteNamespace(tenantNamespace, slug string) string {
	return JoinWithConstraints(NamespaceConstraints, tenantNamespace, slug)
}

func sanitizeRune(r rune) rune {
	switch {
	case isLowercaseAlphanumeric(r) || r == '-':
		return r
	case r >= 'A' && r <= 'Z':
		return r - 'A' + 'a'
	default:
		return '-'
	}
}

func isLowercaseAlphanumeric(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
}
