package auth

import (
	"strings"
	"time"
)

// Plan is a tenant's billing plan. The plan determines the monthly
// tool-call budget enforced by the quota accountant.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanPro        Plan = "pro"
	PlanAgency     Plan = "agency"
	PlanEnterprise Plan = "enterprise"
)

// Valid reports whether p is one of the known plans.
func (p Plan) Valid() bool {
	switch p {
	case PlanFree, PlanPro, PlanAgency, PlanEnterprise:
		return true
	}
	return false
}

// Credential is a stored API credential row. The bearer token itself
// is the lookup key; Token is only populated at creation time.
type Credential struct {
	ID         string     `json:"id"`
	Token      string     `json:"-"`
	Name       string     `json:"name"`
	TenantID   string     `json:"tenant_id"`
	Plan       Plan       `json:"plan"`
	Verified   bool       `json:"verified"`
	Scopes     []string   `json:"scopes,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// Identity is the authenticated caller resolved from a bearer
// credential. It is derived per request and never cached beyond it.
type Identity struct {
	TenantID     string
	Plan         Plan
	Verified     bool
	CredentialID string
	Scopes       []string
}

// AllowsTool reports whether the identity may invoke the named tool.
// An empty scope set means unrestricted.
func (id *Identity) AllowsTool(tool string) bool {
	if len(id.Scopes) == 0 {
		return true
	}
	for _, s := range id.Scopes {
		if s == tool {
			return true
		}
	}
	return false
}

// joinScopes encodes a scope set for storage.
func joinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// splitScopes decodes a stored scope set. Empty storage means an
// unrestricted credential, represented as a nil slice.
func splitScopes(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}
