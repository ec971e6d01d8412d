package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRateLimiter_AllowsWithinBurst(t *testing.T) {
	limiter := NewRateLimiter(1, 5)

	for i := 0; i < 5; i++ {
		if !limiter.Allow("cred-1") {
			t.Fatalf("request %d denied within burst", i)
		}
	}
	if limiter.Allow("cred-1") {
		t.Errorf("request beyond burst allowed")
	}
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	limiter := NewRateLimiter(1, 1)

	if !limiter.Allow("cred-a") {
		t.Fatalf("first request for cred-a denied")
	}
	if limiter.Allow("cred-a") {
		t.Errorf("second request for cred-a allowed beyond burst")
	}
	if !limiter.Allow("cred-b") {
		t.Errorf("first request for cred-b denied; keys not independent")
	}
}

func TestRateLimiter_ResetRestoresBurst(t *testing.T) {
	limiter := NewRateLimiter(1, 2)

	limiter.Allow("cred-1")
	limiter.Allow("cred-1")
	if limiter.Allow("cred-1") {
		t.Fatalf("request beyond burst allowed before reset")
	}

	limiter.Reset()

	if !limiter.Allow("cred-1") {
		t.Errorf("request denied after reset; bucket not rebuilt")
	}
}

func TestRateLimitMiddleware_Returns429(t *testing.T) {
	limiter := NewRateLimiter(1, 1)

	handler := RateLimitMiddleware(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	identity := &Identity{TenantID: "tenant-a", CredentialID: "cred-a", Plan: PlanFree}

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req = req.WithContext(WithContext(req.Context(), identity))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want %d", rec.Code, http.StatusOK)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Errorf("429 response missing Retry-After header")
	}
}
