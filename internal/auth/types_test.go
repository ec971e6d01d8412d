package auth

import "testing"

func TestPlan_Valid(t *testing.T) {
	for _, p := range []Plan{PlanFree, PlanPro, PlanAgency, PlanEnterprise} {
		if !p.Valid() {
			t.Errorf("Plan(%q).Valid() = false", p)
		}
	}
	if Plan("platinum").Valid() {
		t.Errorf("Plan(platinum).Valid() = true")
	}
	if Plan("").Valid() {
		t.Errorf("empty Plan.Valid() = true")
	}
}

func TestIdentity_AllowsTool(t *testing.T) {
	unrestricted := &Identity{TenantID: "t1"}
	if !unrestricted.AllowsTool("anything") {
		t.Errorf("empty scope set should allow every tool")
	}

	scoped := &Identity{TenantID: "t2", Scopes: []string{"meta_extract", "robots_check"}}
	if !scoped.AllowsTool("robots_check") {
		t.Errorf("AllowsTool(robots_check) = false for granted scope")
	}
	if scoped.AllowsTool("keyword_density") {
		t.Errorf("AllowsTool(keyword_density) = true for ungranted scope")
	}
}

func TestScopeEncoding(t *testing.T) {
	got := splitScopes(joinScopes([]string{"a", "b", "c"}))
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Errorf("round trip = %v", got)
	}
	if splitScopes("") != nil {
		t.Errorf("splitScopes(\"\") != nil")
	}
}
