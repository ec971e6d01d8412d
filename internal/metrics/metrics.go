package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seomcp_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "seomcp_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ActiveSessions tracks currently active MCP sessions
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "seomcp_active_sessions",
			Help: "Number of active MCP sessions",
		},
	)

	// InstancesAlive tracks live child processes across all tenants
	InstancesAlive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "seomcp_instances_alive",
			Help: "Number of live child process instances",
		},
	)

	// InstanceSpawns counts child process spawns by result
	InstanceSpawns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seomcp_instance_spawns_total",
			Help: "Total number of child process spawn attempts",
		},
		[]string{"result"},
	)

	// InstanceEvictions counts idle evictions and kills
	InstanceEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seomcp_instance_evictions_total",
			Help: "Total number of instance terminations",
		},
		[]string{"reason"},
	)

	// ToolCalls tracks MCP tool invocations by outcome
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seomcp_tool_calls_total",
			Help: "Total number of MCP tool calls",
		},
		[]string{"tool", "outcome"},
	)

	// ToolCallDuration tracks time spent inside child tool calls
	ToolCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "seomcp_tool_call_duration_seconds",
			Help:    "Tool call duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"tool"},
	)

	// QuotaDenials counts monthly quota refusals by plan
	QuotaDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seomcp_quota_denials_total",
			Help: "Total number of tool calls denied by the monthly quota",
		},
		[]string{"plan"},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for SSE support
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware creates an HTTP middleware that records metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// normalizePath normalizes URL paths to avoid high cardinality
func normalizePath(path string) string {
	switch path {
	case "/health", "/ready", "/mcp", "/mcp/", "/metrics":
		return path
	default:
		if len(path) > 5 && path[:5] == "/mcp/" {
			return "/mcp"
		}
		return "other"
	}
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordSpawn records a child spawn attempt
func RecordSpawn(result string) {
	InstanceSpawns.WithLabelValues(result).Inc()
}

// RecordEviction records an instance termination
func RecordEviction(reason string) {
	InstanceEvictions.WithLabelValues(reason).Inc()
}

// RecordToolCall records an MCP tool invocation and its duration
func RecordToolCall(tool, outcome string, duration time.Duration) {
	ToolCalls.WithLabelValues(tool, outcome).Inc()
	ToolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordQuotaDenial records a monthly quota refusal
func RecordQuotaDenial(plan string) {
	QuotaDenials.WithLabelValues(plan).Inc()
}
