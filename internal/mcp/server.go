// Package mcp is the gateway's HTTP surface and request pipeline. It
// authenticates callers, binds them to per-tenant child instances,
// enforces the monthly quota, forwards JSON-RPC traffic, and shapes
// responses as JSON or SSE.
package mcp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/seomcp/gateway/internal/auth"
	"github.com/seomcp/gateway/internal/child"
	"github.com/seomcp/gateway/internal/config"
	"github.com/seomcp/gateway/internal/logger"
	"github.com/seomcp/gateway/internal/metrics"
	"github.com/seomcp/gateway/internal/session"
	"github.com/seomcp/gateway/internal/tenantcfg"
	"github.com/seomcp/gateway/internal/usage"
)

const (
	// ServerName is the identity the gateway advertises in its own
	// initialize reply.
	ServerName = "seomcp-proxy"

	// ProtocolVersion is the MCP protocol version on the outward HTTP
	// surface. The inward child handshake uses its own constant.
	ProtocolVersion = "2024-11-05"

	// SessionHeader carries the session token on non-initialize
	// requests.
	SessionHeader = "Mcp-Session-Id"
)

// Server wires the pipeline's collaborators together and serves the
// HTTP surface.
type Server struct {
	cfg        *config.Config
	version    string
	authStore  *auth.Store
	usageStore *usage.Store
	accountant *usage.Accountant
	pool       *child.Pool
	sessions   *session.Registry
	tenantCfg  *tenantcfg.Producer
	limiter    *auth.RateLimiter

	httpServer *http.Server
}

// NewServer creates the gateway server. The pool, session registry,
// and stores are owned by the caller; the server only orchestrates.
func NewServer(cfg *config.Config, version string, authStore *auth.Store, usageStore *usage.Store,
	pool *child.Pool, sessions *session.Registry, producer *tenantcfg.Producer) *Server {

	var limiter *auth.RateLimiter
	if !cfg.RateLimit.Disabled {
		limiter = auth.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}

	return &Server{
		cfg:        cfg,
		version:    version,
		authStore:  authStore,
		usageStore: usageStore,
		accountant: usage.NewAccountant(usageStore),
		pool:       pool,
		sessions:   sessions,
		tenantCfg:  producer,
		limiter:    limiter,
	}
}

// Handler builds the full middleware chain: health, readiness, and
// metrics stay unauthenticated; /mcp runs through metrics, auth, and
// the per-credential burst limiter.
func (s *Server) Handler() http.Handler {
	mcpHandler := requestIDMiddleware(http.HandlerFunc(s.handleMCP))
	if s.limiter != nil {
		mcpHandler = auth.RateLimitMiddleware(s.limiter)(mcpHandler)
	}
	mcpHandler = auth.Middleware(s.authStore)(mcpHandler)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/mcp", metrics.Middleware(mcpHandler))
	return mux
}

// Serve starts the HTTP listener and blocks until it stops.
func (s *Server) Serve(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Slog().Info("gateway listening", "addr", addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// ResetRateLimiter drops every per-credential token bucket. The
// scheduler runs it so idle credentials do not accumulate forever;
// no-op when rate limiting is disabled.
func (s *Server) ResetRateLimiter() {
	if s.limiter != nil {
		s.limiter.Reset()
	}
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleReady verifies both stores answer before reporting ready.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if err := s.authStore.Ping(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not ready","reason":"credential store unavailable"}`))
		return
	}
	if err := s.usageStore.Ping(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not ready","reason":"usage store unavailable"}`))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, `{"status":"ready","instances":%d,"sessions":%d}`, s.pool.Size(), s.sessions.Count())
}

// requestIDMiddleware tags each request with an id for log
// correlation.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := logger.WithRequestID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func generateRequestID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
