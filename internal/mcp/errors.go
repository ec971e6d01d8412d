package mcp

import (
	"fmt"
	"strings"

	"github.com/seomcp/gateway/internal/logger"
)

// sensitivePatterns contains substrings that indicate sensitive error
// details which must never reach a client.
var sensitivePatterns = []string{
	"api_key",
	"token",
	"password",
	"secret",
	"credential",
	"smp_",
}

// internalErrorPatterns contains substrings that indicate
// gateway-internal failures whose detail is for the operator log only.
var internalErrorPatterns = []string{
	"failed to exec",
	"failed to start",
	"connection refused",
	"no such file",
	"permission denied",
	"context canceled",
	"EOF",
	"sql",
}

// sanitizeError returns a client-safe error message. Internal details
// are logged but not exposed.
func sanitizeError(err error, operation string) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()
	lower := strings.ToLower(errStr)

	for _, pattern := range sensitivePatterns {
		if strings.Contains(lower, strings.ToLower(pattern)) {
			logger.Slog().Error("operation failed (sensitive detail withheld)", "operation", operation, "error", err)
			return fmt.Sprintf("%s failed: internal configuration error", operation)
		}
	}

	for _, pattern := range internalErrorPatterns {
		if strings.Contains(lower, strings.ToLower(pattern)) {
			logger.Slog().Error("operation failed (internal)", "operation", operation, "error", err)
			return fmt.Sprintf("%s failed: internal error", operation)
		}
	}

	if isUserFacingError(lower) {
		return errStr
	}

	logger.Slog().Error("operation failed", "operation", operation, "error", err)
	if len(errStr) < 80 {
		return fmt.Sprintf("%s failed: %s", operation, errStr)
	}
	return fmt.Sprintf("%s failed: an unexpected error occurred", operation)
}

// isUserFacingError reports whether the message is safe to show to
// callers as-is.
func isUserFacingError(lower string) bool {
	userFacingPatterns := []string{
		"not found",
		"timeout",
		"terminated",
		"exited",
		"exhausted",
		"invalid",
		"required",
		"exceeded",
		"limit",
	}
	for _, pattern := range userFacingPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// truncateMethod bounds a method name for inclusion in error
// messages. Callers control the method string; unbounded echo would
// let them inflate responses.
func truncateMethod(method string) string {
	const max = 64
	if len(method) <= max {
		return method
	}
	return method[:max] + "..."
}
