package auth

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "credentials.db"))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_CreateAndLookup(t *testing.T) {
	store := newTestStore(t)

	cred, token, err := store.Create("acme-prod", "tenant-acme", PlanPro, true, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if cred.Name != "acme-prod" {
		t.Errorf("Credential.Name = %v, want acme-prod", cred.Name)
	}
	if cred.TenantID != "tenant-acme" {
		t.Errorf("Credential.TenantID = %v, want tenant-acme", cred.TenantID)
	}
	if !strings.HasPrefix(token, "smp_") {
		t.Errorf("token should have prefix 'smp_', got %v", token[:min(8, len(token))])
	}
	if len(token) != len("smp_")+64 {
		t.Errorf("token length = %d, want %d", len(token), len("smp_")+64)
	}

	identity, err := store.Lookup(token)
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if identity.TenantID != "tenant-acme" {
		t.Errorf("Identity.TenantID = %v, want tenant-acme", identity.TenantID)
	}
	if identity.Plan != PlanPro {
		t.Errorf("Identity.Plan = %v, want pro", identity.Plan)
	}
	if !identity.Verified {
		t.Errorf("Identity.Verified = false, want true")
	}
	if identity.CredentialID != cred.ID {
		t.Errorf("Identity.CredentialID = %v, want %v", identity.CredentialID, cred.ID)
	}
	if len(identity.Scopes) != 0 {
		t.Errorf("Identity.Scopes = %v, want empty", identity.Scopes)
	}
}

func TestStore_Lookup_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Lookup("smp_" + strings.Repeat("0", 64))
	if !errors.Is(err, ErrCredentialNotFound) {
		t.Errorf("Lookup() error = %v, want ErrCredentialNotFound", err)
	}
}

func TestStore_Lookup_InvalidFormat(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Lookup("invalid-token")
	if !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Lookup() error = %v, want ErrInvalidToken", err)
	}
}

func TestStore_Lookup_Revoked(t *testing.T) {
	store := newTestStore(t)

	cred, token, err := store.Create("to-revoke", "tenant-a", PlanFree, false, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := store.Revoke(cred.ID); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	_, err = store.Lookup(token)
	if !errors.Is(err, ErrCredentialRevoked) {
		t.Errorf("Lookup() after revoke error = %v, want ErrCredentialRevoked", err)
	}
}

func TestStore_Revoke_Unknown(t *testing.T) {
	store := newTestStore(t)

	err := store.Revoke("no-such-id")
	if !errors.Is(err, ErrCredentialNotFound) {
		t.Errorf("Revoke() error = %v, want ErrCredentialNotFound", err)
	}
}

func TestStore_Create_UnknownPlan(t *testing.T) {
	store := newTestStore(t)

	if _, _, err := store.Create("bad", "tenant-a", Plan("platinum"), false, nil); err == nil {
		t.Errorf("Create() accepted unknown plan")
	}
}

func TestStore_ScopesRoundTrip(t *testing.T) {
	store := newTestStore(t)

	scopes := []string{"keyword_density", "meta_extract"}
	_, token, err := store.Create("scoped", "tenant-b", PlanAgency, true, scopes)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	identity, err := store.Lookup(token)
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if len(identity.Scopes) != 2 {
		t.Fatalf("Scopes = %v, want 2 entries", identity.Scopes)
	}
	if !identity.AllowsTool("keyword_density") {
		t.Errorf("AllowsTool(keyword_density) = false")
	}
	if identity.AllowsTool("robots_check") {
		t.Errorf("AllowsTool(robots_check) = true for out-of-scope tool")
	}
}

func TestStore_List(t *testing.T) {
	store := newTestStore(t)

	if _, _, err := store.Create("first", "tenant-a", PlanFree, false, nil); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	cred, _, err := store.Create("second", "tenant-b", PlanEnterprise, true, []string{"meta_extract"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := store.Revoke(cred.ID); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	creds, err := store.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(creds) != 2 {
		t.Fatalf("List() returned %d credentials, want 2", len(creds))
	}
	for _, c := range creds {
		if c.Token != "" {
			t.Errorf("List() exposed a bearer token for %s", c.Name)
		}
	}
	var revoked *Credential
	for _, c := range creds {
		if c.Name == "second" {
			revoked = c
		}
	}
	if revoked == nil || revoked.RevokedAt == nil {
		t.Errorf("revoked credential missing RevokedAt: %+v", revoked)
	}
}
