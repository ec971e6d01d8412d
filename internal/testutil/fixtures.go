package testutil

import (
	"github.com/seomcp/gateway/internal/auth"
)

// Identity returns a verified pro-plan identity for tenantID with no
// scope restrictions.
func Identity(tenantID string) *auth.Identity {
	return &auth.Identity{
		TenantID:     tenantID,
		Plan:         auth.PlanPro,
		Verified:     true,
		CredentialID: "cred-" + tenantID,
	}
}

// ScopedIdentity returns an identity restricted to the given tools.
func ScopedIdentity(tenantID string, scopes ...string) *auth.Identity {
	id := Identity(tenantID)
	id.Scopes = scopes
	return id
}

// FreeIdentity returns an unverified free-plan identity, the most
// constrained quota case.
func FreeIdentity(tenantID string) *auth.Identity {
	return &auth.Identity{
		TenantID:     tenantID,
		Plan:         auth.PlanFree,
		Verified:     false,
		CredentialID: "cred-" + tenantID,
	}
}
