package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"github.com/Sentinel-Gate/guard-proxy/internal/service"
)

// HealthResponse is the JSON response from the /health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"`            // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`            // Component check results
	Version string            `json:"version,omitempty"` // Optional version info
}

// HealthChecker reports the proxy's configuration state.
type HealthChecker struct {
	mediation   *service.MediationService
	failureMode string
	version     string
}

// NewHealthChecker creates a HealthChecker. mediation may be nil.
func NewHealthChecker(mediation *service.MediationService, failureMode, version string) *HealthChecker {
	return &HealthChecker{
		mediation:   mediation,
		failureMode: failureMode,
		version:     version,
	}
}

// Check performs health checks on all components.
func (h *HealthChecker) Check() HealthResponse {
	checks := make(map[string]string)
	healthy := true

	if h.mediation == nil {
		checks["mediation"] = "not configured"
		healthy = false
	} else {
		checks["mediation"] = "ok"
		if h.mediation.ScannerConfigured() {
			checks["guardrails"] = "ok"
		} else {
			checks["guardrails"] = "not configured"
		}
		defaults := h.mediation.Defaults()
		checks["default_policy"] = fmt.Sprintf("scan_prompt=%t scan_response=%t redact_prompt=%t redact_response=%t",
			defaults.ScanPrompt, defaults.ScanResponse, defaults.RedactPrompt, defaults.RedactResponse)
	}
	if h.failureMode != "" {
		checks["failure_mode"] = h.failureMode
	}

	// Add Go runtime info
	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	return HealthResponse{
		Status:  status,
		Checks:  checks,
		Version: h.version,
	}
}

// Handler returns an HTTP handler for the health endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check()

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable) // 503
		} else {
			w.WriteHeader(http.StatusOK) // 200
		}

		_ = json.NewEncoder(w).Encode(health)
	})
}

// healthHandler returns a simple health check handler.
// Used when no HealthChecker is configured.
func healthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
}
