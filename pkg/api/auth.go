package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HeaderAPIKey carries the shared secret of a tenant.
const HeaderAPIKey = "x-api-key"

// contextKeyTenant is the gin context key holding the authenticated tenant.
const contextKeyTenant = "tenant_id"

type apiKey struct {
	key      []byte
	tenantID string
}

// KeyRing maps API keys to the tenant they act for. Every key belongs to
// exactly one tenant.
type KeyRing struct {
	keys []apiKey
}

// NewKeyRing builds a KeyRing from a key to tenant id map.
func NewKeyRing(keys map[string]string) *KeyRing {
	ring := &KeyRing{keys: make([]apiKey, 0, len(keys))}
	for key, tenant := range keys {
		ring.keys = append(ring.keys, apiKey{key: []byte(key), tenantID: tenant})
	}
	return ring
}

// Lookup returns the tenant of key. Every configured key is compared in
// constant time so the response time does not reveal which keys exist.
func (r *KeyRing) Lookup(key string) (string, bool) {
	if key == "" {
		return "", false
	}
	candidate := []byte(key)
	tenant := ""
	for _, k := range r.keys {
		if subtle.ConstantTimeCompare(k.key, candidate) == 1 {
			tenant = k.tenantID
		}
	}
	return tenant, tenant != ""
}

// requireAPIKey rejects requests without a valid x-api-key header before any
// other processing takes place.
func requireAPIKey(ring *KeyRing) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant, ok := ring.Lookup(c.GetHeader(HeaderAPIKey))
		if !ok {
			abort(c, http.StatusUnauthorized, CodeUnauthorized, "unauthorized", nil)
			return
		}
		c.Set(contextKeyTenant, tenant)
		c.Next()
	}
}

func tenantFrom(c *gin.Context) string {
	return c.GetString(contextKeyTenant)
}
