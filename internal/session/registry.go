// Package session binds authenticated callers to child instances. A
// session is identified by an opaque 256-bit token and is only valid
// for the tenant that created it.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/seomcp/gateway/internal/audit"
	"github.com/seomcp/gateway/internal/auth"
	"github.com/seomcp/gateway/internal/child"
	"github.com/seomcp/gateway/internal/logger"
	"github.com/seomcp/gateway/internal/metrics"
)

// DefaultTTL is how long a session survives after its last access.
const DefaultTTL = 30 * time.Minute

// ErrSessionNotFound covers missing, expired, and cross-tenant
// lookups alike, so callers cannot probe for session existence.
var ErrSessionNotFound = errors.New("session not found")

// Session is one authenticated binding between a caller and a child
// instance. Identity fields are a snapshot taken at creation.
type Session struct {
	Token     string
	TenantID  string
	Identity  *auth.Identity
	CreatedAt time.Time

	mu         sync.Mutex
	lastAccess time.Time
	instance   *child.Instance
}

// Instance returns the currently bound child instance.
func (s *Session) Instance() *child.Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instance
}

// BindInstance rebinds the session after the pool replaced an evicted
// instance.
func (s *Session) BindInstance(inst *child.Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instance = inst
}

// LastAccess returns the time of the most recent successful resolve.
func (s *Session) LastAccess() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastAccess = now
	s.mu.Unlock()
}

func (s *Session) expired(now time.Time, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastAccess) > ttl
}

// Registry owns every session. All mutation goes through its lock.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration
	now      func() time.Time
}

// NewRegistry creates an empty registry. ttl <= 0 selects DefaultTTL.
func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Create allocates a session bound to the identity and instance and
// returns it. The token is 32 bytes of crypto/rand, hex-encoded.
func (r *Registry) Create(identity *auth.Identity, inst *child.Instance) (*Session, error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return nil, fmt.Errorf("failed to generate session token: %w", err)
	}
	token := hex.EncodeToString(tokenBytes)

	now := r.now()
	sess := &Session{
		Token:      token,
		TenantID:   identity.TenantID,
		Identity:   identity,
		CreatedAt:  now,
		lastAccess: now,
		instance:   inst,
	}

	r.mu.Lock()
	r.sessions[token] = sess
	count := len(r.sessions)
	r.mu.Unlock()

	metrics.ActiveSessions.Set(float64(count))
	audit.Log(&audit.Event{
		Operation:    audit.OpSessionCreate,
		TenantID:     identity.TenantID,
		CredentialID: identity.CredentialID,
		SessionToken: token,
		Success:      true,
	})
	return sess, nil
}

// Resolve fetches the session for token on behalf of tenantID. It
// returns ErrSessionNotFound when the token is unknown, expired, or
// stored under a different tenant; a tenant mismatch is
// indistinguishable from a missing session by design. A successful
// resolve refreshes the last-access time.
func (r *Registry) Resolve(token, tenantID string) (*Session, error) {
	r.mu.RLock()
	sess, ok := r.sessions[token]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}

	now := r.now()
	if sess.expired(now, r.ttl) {
		r.destroy(token)
		return nil, ErrSessionNotFound
	}
	if sess.TenantID != tenantID {
		logger.Slog().Warn("cross-tenant session use refused",
			"session_token", audit.MaskToken(token), "tenant_id", tenantID)
		return nil, ErrSessionNotFound
	}

	sess.touch(now)
	return sess, nil
}

// Destroy removes the session and kills its bound instance.
func (r *Registry) Destroy(token string) error {
	if !r.destroy(token) {
		return ErrSessionNotFound
	}
	return nil
}

func (r *Registry) destroy(token string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[token]
	if ok {
		delete(r.sessions, token)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		return false
	}

	metrics.ActiveSessions.Set(float64(count))
	if inst := sess.Instance(); inst != nil {
		inst.Kill()
	}
	audit.Log(&audit.Event{
		Operation:    audit.OpSessionDestroy,
		TenantID:     sess.TenantID,
		SessionToken: token,
		Success:      true,
	})
	return true
}

// Sweep destroys every expired session and returns how many were
// removed. The scheduler runs it every five minutes.
func (r *Registry) Sweep() int {
	now := r.now()

	r.mu.RLock()
	var expired []string
	for token, sess := range r.sessions {
		if sess.expired(now, r.ttl) {
			expired = append(expired, token)
		}
	}
	r.mu.RUnlock()

	for _, token := range expired {
		r.destroy(token)
	}
	if len(expired) > 0 {
		logger.Slog().Info("session sweep", "expired", len(expired))
	}
	return len(expired)
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Clear drops every session without touching instances. Used at
// shutdown after the pool has already been drained.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	metrics.ActiveSessions.Set(0)
}
