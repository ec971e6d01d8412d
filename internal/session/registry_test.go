package session

import (
	"errors"
	"testing"
	"time"

	"github.com/seomcp/gateway/internal/child"
	"github.com/seomcp/gateway/internal/testutil"
)

func TestCreateAndResolve(t *testing.T) {
	r := NewRegistry(0)
	identity := testutil.Identity("tenant-a")

	sess, err := r.Create(identity, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if len(sess.Token) != 64 {
		t.Errorf("token length = %d, want 64 hex chars", len(sess.Token))
	}

	got, err := r.Resolve(sess.Token, "tenant-a")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != sess {
		t.Error("Resolve returned a different session")
	}
	if got.Identity.Plan != identity.Plan {
		t.Errorf("identity plan = %v, want %v", got.Identity.Plan, identity.Plan)
	}
}

func TestResolveUnknownToken(t *testing.T) {
	r := NewRegistry(0)
	if _, err := r.Resolve("no-such-token", "tenant-a"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Resolve() = %v, want ErrSessionNotFound", err)
	}
}

func TestCrossTenantResolveIndistinguishable(t *testing.T) {
	r := NewRegistry(0)
	sess, err := r.Create(testutil.Identity("tenant-a"), nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	_, err = r.Resolve(sess.Token, "tenant-b")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("cross-tenant Resolve() = %v, want ErrSessionNotFound", err)
	}

	// The session itself stays valid for its owner.
	if _, err := r.Resolve(sess.Token, "tenant-a"); err != nil {
		t.Fatalf("owner Resolve() after cross-tenant attempt = %v", err)
	}
}

func TestExpiredSessionIsDestroyed(t *testing.T) {
	r := NewRegistry(time.Minute)
	sess, err := r.Create(testutil.Identity("tenant-a"), nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	r.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	if _, err := r.Resolve(sess.Token, "tenant-a"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Resolve() on expired session = %v, want ErrSessionNotFound", err)
	}
	if got := r.Count(); got != 0 {
		t.Errorf("Count = %d after expired resolve, want 0", got)
	}
}

func TestResolveRefreshesTTL(t *testing.T) {
	r := NewRegistry(time.Minute)
	sess, err := r.Create(testutil.Identity("tenant-a"), nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	base := time.Now()
	r.now = func() time.Time { return base.Add(45 * time.Second) }
	if _, err := r.Resolve(sess.Token, "tenant-a"); err != nil {
		t.Fatalf("first Resolve() = %v", err)
	}

	// 45s after the refresh, 90s after creation: still alive.
	r.now = func() time.Time { return base.Add(90 * time.Second) }
	if _, err := r.Resolve(sess.Token, "tenant-a"); err != nil {
		t.Fatalf("Resolve() after refresh = %v, want success", err)
	}
}

func TestDestroyKillsBoundInstance(t *testing.T) {
	fl := testutil.NewFakeLauncher()
	inst := child.NewInstance("tenant-a", "/tmp/a.json", fl, child.Options{Command: "fake-child"}, nil)

	r := NewRegistry(0)
	sess, err := r.Create(testutil.Identity("tenant-a"), inst)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := r.Destroy(sess.Token); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if !inst.Killed() {
		t.Error("bound instance not killed on destroy")
	}
	if err := r.Destroy(sess.Token); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("second Destroy() = %v, want ErrSessionNotFound", err)
	}
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	r := NewRegistry(time.Minute)

	old, err := r.Create(testutil.Identity("tenant-a"), nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	base := time.Now()
	r.now = func() time.Time { return base.Add(2 * time.Minute) }
	fresh, err := r.Create(testutil.Identity("tenant-b"), nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if got := r.Sweep(); got != 1 {
		t.Fatalf("Sweep() = %d, want 1", got)
	}
	if _, err := r.Resolve(old.Token, "tenant-a"); !errors.Is(err, ErrSessionNotFound) {
		t.Error("expired session survived sweep")
	}
	if _, err := r.Resolve(fresh.Token, "tenant-b"); err != nil {
		t.Errorf("fresh session swept: %v", err)
	}
}
