package audit

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Operation represents the type of auditable operation
type Operation string

const (
	OpCredentialCreate Operation = "credential.create"
	OpCredentialRevoke Operation = "credential.revoke"
	OpSessionCreate    Operation = "session.create"
	OpSessionDestroy   Operation = "session.destroy"
	OpInstanceSpawn    Operation = "instance.spawn"
	OpInstanceKill     Operation = "instance.kill"
	OpQuotaDenied      Operation = "quota.denied"
)

// Event represents an audit log entry
type Event struct {
	Timestamp    time.Time      `json:"timestamp"`
	Operation    Operation      `json:"operation"`
	TenantID     string         `json:"tenant_id,omitempty"`
	CredentialID string         `json:"credential_id,omitempty"`
	SessionToken string         `json:"session_token,omitempty"`
	RequestID    string         `json:"request_id,omitempty"`
	Success      bool           `json:"success"`
	Error        string         `json:"error,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// Logger handles audit logging
type Logger struct {
	logger  *slog.Logger
	enabled bool
	mu      sync.RWMutex
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Default returns the default audit logger
func Default() *Logger {
	once.Do(func() {
		defaultLogger = New(true)
	})
	return defaultLogger
}

// New creates a new audit logger
func New(enabled bool) *Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return &Logger{
		logger:  slog.New(handler),
		enabled: enabled,
	}
}

// SetEnabled enables or disables audit logging
func (l *Logger) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// Log records an audit event. Session tokens are masked before they
// reach the log stream.
func (l *Logger) Log(event *Event) {
	l.mu.RLock()
	enabled := l.enabled
	l.mu.RUnlock()

	if !enabled {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	attrs := []any{
		slog.String("audit", "true"),
		slog.String("operation", string(event.Operation)),
		slog.Bool("success", event.Success),
	}

	if event.TenantID != "" {
		attrs = append(attrs, slog.String("tenant_id", event.TenantID))
	}
	if event.CredentialID != "" {
		attrs = append(attrs, slog.String("credential_id", event.CredentialID))
	}
	if event.SessionToken != "" {
		attrs = append(attrs, slog.String("session_token", MaskToken(event.SessionToken)))
	}
	if event.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", event.RequestID))
	}
	if event.Error != "" {
		attrs = append(attrs, slog.String("error", event.Error))
	}
	if event.Details != nil {
		detailsJSON, _ := json.Marshal(event.Details)
		attrs = append(attrs, slog.String("details", string(detailsJSON)))
	}

	l.logger.Info("AUDIT", attrs...)
}

// LogSuccess records a successful operation
func (l *Logger) LogSuccess(op Operation, tenantID, credentialID string) {
	l.Log(&Event{
		Operation:    op,
		TenantID:     tenantID,
		CredentialID: credentialID,
		Success:      true,
	})
}

// LogFailure records a failed operation
func (l *Logger) LogFailure(op Operation, tenantID, credentialID string, err error) {
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	l.Log(&Event{
		Operation:    op,
		TenantID:     tenantID,
		CredentialID: credentialID,
		Success:      false,
		Error:        errMsg,
	})
}

// MaskToken shortens a token to a loggable prefix.
func MaskToken(token string) string {
	if len(token) <= 12 {
		return "***"
	}
	return token[:8] + "..."
}

// Convenience functions using default logger

func Log(event *Event) {
	Default().Log(event)
}

func LogSuccess(op Operation, tenantID, credentialID string) {
	Default().LogSuccess(op, tenantID, credentialID)
}

func LogFailure(op Operation, tenantID, credentialID string, err error) {
	Default().LogFailure(op, tenantID, credentialID, err)
}
