package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seomcp/gateway/internal/audit"
	"github.com/seomcp/gateway/internal/auth"
	"github.com/seomcp/gateway/internal/child"
	"github.com/seomcp/gateway/internal/jsonrpc"
	"github.com/seomcp/gateway/internal/logger"
	"github.com/seomcp/gateway/internal/metrics"
	"github.com/seomcp/gateway/internal/session"
	"github.com/seomcp/gateway/internal/usage"
)

// maxBodyBytes bounds an inbound request body.
const maxBodyBytes = 4 * 1024 * 1024

// handleMCP is the /mcp endpoint. POST carries JSON-RPC traffic,
// DELETE destroys a session, GET is reserved for server-to-client
// streaming and refused.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		writeErrorEnvelope(w, http.StatusUnauthorized, nil, jsonrpc.CodeUnauthorized, "Authentication required")
		return
	}

	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r, identity)
	case http.MethodDelete:
		s.handleDelete(w, r, identity)
	default:
		w.Header().Set("Allow", "POST, DELETE")
		writeErrorEnvelope(w, http.StatusMethodNotAllowed, nil, jsonrpc.CodeInvalidRequest, "Method not allowed")
	}
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request, identity *auth.Identity) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, nil, jsonrpc.CodeParseError, "Failed to read request body")
		return
	}

	messages, batch, err := parseMessages(body)
	if err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, nil, jsonrpc.CodeParseError, "Parse error: invalid JSON")
		return
	}
	if len(messages) == 0 {
		writeErrorEnvelope(w, http.StatusBadRequest, nil, jsonrpc.CodeInvalidRequest, "Empty batch")
		return
	}

	// initialize creates the session; everything else requires one.
	if !batch && messages[0].Method == "initialize" {
		s.handleInitialize(w, r, identity, messages[0])
		return
	}

	token := r.Header.Get(SessionHeader)
	if token == "" {
		writeErrorEnvelope(w, http.StatusBadRequest, nil, jsonrpc.CodeInvalidRequest, "Missing "+SessionHeader+" header")
		return
	}
	sess, err := s.sessions.Resolve(token, identity.TenantID)
	if err != nil {
		writeErrorEnvelope(w, http.StatusNotFound, nil, jsonrpc.CodeInvalidRequest, "Session not found")
		return
	}

	inst := s.instanceFor(sess, identity)
	if inst == nil {
		writeErrorEnvelope(w, http.StatusInternalServerError, nil, jsonrpc.CodeInternalError, "Failed to prepare tenant instance")
		return
	}

	var requests []*jsonrpc.Request
	for _, msg := range messages {
		if msg.IsNotification() {
			if strings.HasPrefix(msg.Method, "notifications/") {
				if nerr := inst.Notify(ctx, msg); nerr != nil {
					logger.WarnContext(ctx, "notification forward failed", "method", msg.Method, "error", nerr)
				}
			}
			continue
		}
		requests = append(requests, msg)
	}

	// Pure notifications are acknowledged with 202 and no body.
	if len(requests) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	// Forward concurrently; slot per index keeps the response array
	// aligned with the request subarray.
	responses := make([]*jsonrpc.Response, len(requests))
	decisions := make([]*usage.Decision, len(requests))
	g, gctx := errgroup.WithContext(ctx)
	for i, req := range requests {
		i, req := i, req
		g.Go(func() error {
			responses[i], decisions[i] = s.dispatch(gctx, identity, inst, req)
			return nil
		})
	}
	_ = g.Wait()

	for _, dec := range decisions {
		if dec != nil {
			setRateLimitHeaders(w, dec)
		}
	}

	if acceptsSSE(r) {
		writeSSE(w, responses)
		return
	}
	if batch {
		writeJSON(w, http.StatusOK, responses)
		return
	}
	writeJSON(w, http.StatusOK, responses[0])
}

// handleInitialize spawns (or reuses) the tenant's child, creates a
// session, and answers with the gateway's own identity rather than
// the child's.
func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request, identity *auth.Identity, req *jsonrpc.Request) {
	ctx := r.Context()

	configPath, err := s.tenantCfg.Produce(identity.TenantID, string(identity.Plan))
	if err != nil {
		logger.ErrorContext(ctx, "tenant config render failed", "error", err)
		writeErrorEnvelope(w, http.StatusInternalServerError, req.ID, jsonrpc.CodeInternalError, "Failed to prepare tenant configuration")
		return
	}

	inst := s.pool.Acquire(identity.TenantID, configPath)
	readyCtx, cancel := context.WithTimeout(ctx, s.callTimeout())
	err = inst.EnsureReady(readyCtx)
	cancel()
	if err != nil {
		writeJSON(w, http.StatusOK, jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeServerError, sanitizeError(err, "initialize"), nil))
		return
	}

	sess, err := s.sessions.Create(identity, inst)
	if err != nil {
		writeErrorEnvelope(w, http.StatusInternalServerError, req.ID, jsonrpc.CodeInternalError, "Failed to create session")
		return
	}
	w.Header().Set(SessionHeader, sess.Token)

	result, _ := json.Marshal(map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities": map[string]any{
			"tools": map[string]any{"listChanged": false},
		},
		"serverInfo": map[string]any{
			"name":    ServerName,
			"version": s.version,
		},
	})
	resp := jsonrpc.NewResponse(req.ID, result)

	logger.InfoContext(ctx, "session initialized",
		"tenant_id", identity.TenantID, "session_token", audit.MaskToken(sess.Token))

	if acceptsSSE(r) {
		writeSSE(w, []*jsonrpc.Response{resp})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDelete destroys the caller's session and kills its instance.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, identity *auth.Identity) {
	token := r.Header.Get(SessionHeader)
	if token == "" {
		writeErrorEnvelope(w, http.StatusBadRequest, nil, jsonrpc.CodeInvalidRequest, "Missing "+SessionHeader+" header")
		return
	}

	sess, err := s.sessions.Resolve(token, identity.TenantID)
	if err != nil {
		writeErrorEnvelope(w, http.StatusNotFound, nil, jsonrpc.CodeInvalidRequest, "Session not found")
		return
	}

	inst := sess.Instance()
	_ = s.sessions.Destroy(token)
	if inst != nil {
		s.pool.Remove(identity.TenantID, inst)
	}
	_ = s.tenantCfg.Remove(identity.TenantID)

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// instanceFor returns the session's bound instance, re-acquiring
// through the pool when the previous one evicted itself.
func (s *Server) instanceFor(sess *session.Session, identity *auth.Identity) *child.Instance {
	inst := sess.Instance()
	if inst != nil && !inst.Killed() {
		return inst
	}
	configPath, err := s.tenantCfg.Produce(identity.TenantID, string(identity.Plan))
	if err != nil {
		logger.Slog().Error("tenant config render failed", "tenant_id", identity.TenantID, "error", err)
		return nil
	}
	inst = s.pool.Acquire(identity.TenantID, configPath)
	sess.BindInstance(inst)
	return inst
}

// dispatch routes one request. The method set at the gateway layer is
// closed; anything else is refused without consulting the child.
func (s *Server) dispatch(ctx context.Context, identity *auth.Identity, inst *child.Instance, req *jsonrpc.Request) (*jsonrpc.Response, *usage.Decision) {
	if req.JSONRPC != jsonrpc.Version {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInvalidRequest, `Invalid request: jsonrpc must be "2.0"`, nil), nil
	}

	switch req.Method {
	case "initialize":
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInvalidRequest, "initialize must be sent as a single message", nil), nil
	case "tools/list":
		return s.forward(ctx, inst, req), nil
	case "tools/call":
		return s.dispatchToolCall(ctx, identity, inst, req)
	default:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeMethodNotFound,
			fmt.Sprintf("Method not found: %s", truncateMethod(req.Method)), nil), nil
	}
}

// dispatchToolCall runs the scope check and the quota accountant
// before the child sees the request. Exactly one usage row is written
// per attempt, whatever the outcome.
func (s *Server) dispatchToolCall(ctx context.Context, identity *auth.Identity, inst *child.Instance, req *jsonrpc.Request) (*jsonrpc.Response, *usage.Decision) {
	toolName := toolNameFromParams(req.Params)

	if !identity.AllowsTool(toolName) {
		s.logUsage(ctx, identity, toolName, usage.OutcomeError, 0)
		metrics.RecordToolCall(toolName, "scope-denied", 0)
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeMethodNotFound,
			fmt.Sprintf("Method not found: tool %s is not available to this credential", truncateMethod(toolName)), nil), nil
	}

	decision, err := s.accountant.CheckAndCharge(ctx, identity)
	if err != nil {
		logger.ErrorContext(ctx, "quota check failed", "error", err)
		s.logUsage(ctx, identity, toolName, usage.OutcomeError, 0)
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInternalError, "Quota accounting unavailable", nil), nil
	}

	if !decision.Allowed {
		metrics.RecordQuotaDenial(string(identity.Plan))
		audit.Log(&audit.Event{
			Operation:    audit.OpQuotaDenied,
			TenantID:     identity.TenantID,
			CredentialID: identity.CredentialID,
			Success:      false,
			Details:      map[string]any{"used": decision.Used, "limit": decision.Limit},
		})
		s.logUsage(ctx, identity, toolName, usage.OutcomeQuotaExhausted, 0)
		metrics.RecordToolCall(toolName, string(usage.OutcomeQuotaExhausted), 0)
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeRateLimited,
			"Monthly call quota exceeded", map[string]any{
				"used":  decision.Used,
				"limit": decision.Limit,
				"plan":  string(identity.Plan),
			}), decision
	}

	start := time.Now()
	resp := s.forward(ctx, inst, req)
	elapsed := time.Since(start)

	outcome := usage.OutcomeSuccess
	if resp.Error != nil {
		outcome = usage.OutcomeError
	}
	s.logUsage(ctx, identity, toolName, outcome, elapsed)
	metrics.RecordToolCall(toolName, string(outcome), elapsed)
	return resp, decision
}

// forward sends one request to the child and maps instance failures
// onto the gateway error code. A JSON-RPC error from the child itself
// passes through verbatim.
func (s *Server) forward(ctx context.Context, inst *child.Instance, req *jsonrpc.Request) *jsonrpc.Response {
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout())
	defer cancel()

	resp, err := inst.Send(callCtx, req)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeServerError, sanitizeError(err, req.Method), nil)
	}
	return resp
}

// logUsage appends exactly one usage row. The write survives request
// cancellation; later quota checks depend on it.
func (s *Server) logUsage(ctx context.Context, identity *auth.Identity, tool string, outcome usage.Outcome, elapsed time.Duration) {
	rec := &usage.Record{
		TenantID:     identity.TenantID,
		CredentialID: identity.CredentialID,
		Tool:         tool,
		Outcome:      outcome,
		DurationMS:   elapsed.Milliseconds(),
	}
	if err := s.usageStore.Append(context.WithoutCancel(ctx), rec); err != nil {
		logger.ErrorContext(ctx, "usage log append failed", "tool", tool, "outcome", outcome, "error", err)
	}
}

func (s *Server) callTimeout() time.Duration {
	if s.cfg != nil && s.cfg.Child.CallTimeoutSeconds > 0 {
		return time.Duration(s.cfg.Child.CallTimeoutSeconds) * time.Second
	}
	return 60 * time.Second
}

// parseMessages decodes a single JSON-RPC message or a batch array.
func parseMessages(body []byte) ([]*jsonrpc.Request, bool, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, false, errors.New("empty body")
	}

	if trimmed[0] == '[' {
		var msgs []*jsonrpc.Request
		if err := json.Unmarshal(trimmed, &msgs); err != nil {
			return nil, true, err
		}
		return msgs, true, nil
	}

	var msg jsonrpc.Request
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil, false, err
	}
	return []*jsonrpc.Request{&msg}, false, nil
}

// toolNameFromParams extracts params.name from a tools/call request.
func toolNameFromParams(params json.RawMessage) string {
	var p struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return ""
	}
	return p.Name
}

func acceptsSSE(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func setRateLimitHeaders(w http.ResponseWriter, dec *usage.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
	w.Header().Set("X-RateLimit-Used", strconv.Itoa(dec.Used))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeSSE streams each response as one "message" event.
func writeSSE(w http.ResponseWriter, responses []*jsonrpc.Response) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	for _, resp := range responses {
		data, err := json.Marshal(resp)
		if err != nil {
			continue
		}
		_, _ = fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// writeErrorEnvelope writes a JSON-RPC-shaped error body with the
// given HTTP status.
func writeErrorEnvelope(w http.ResponseWriter, status int, id any, code int, message string) {
	writeJSON(w, status, jsonrpc.NewErrorResponse(id, code, message, nil))
}
