package observability

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// HealthChecker manages health check state and endpoints.
type HealthChecker struct {
	mu        sync.RWMutex
	ready     bool
	checks    map[string]HealthCheck
	info      func() map[string]string
	startedAt time.Time
}

// HealthCheck is a function that returns nil if healthy, error if not.
type HealthCheck func() error

// HealthStatus represents the health status response.
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Uptime    string            `json:"uptime,omitempty"`
	Checks    map[string]string `json:"checks,omitempty"`
	Info      map[string]string `json:"info,omitempty"`
}

// NewHealthChecker creates a new health checker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		checks:    make(map[string]HealthCheck),
		startedAt: time.Now(),
	}
}

// RegisterCheck registers a named health check.
func (h *HealthChecker) RegisterCheck(name string, check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// SetInfo sets a function whose result is reported by the readiness
// endpoint, e.g. the active rule-set fingerprint.
func (h *HealthChecker) SetInfo(fn func() map[string]string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.info = fn
}

// SetReady marks the service as ready to receive traffic.
func (h *HealthChecker) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

// IsReady returns whether the service is ready.
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

// LivenessHandler returns an http.Handler for the /healthz endpoint.
// Returns 200 while the process is alive.
func (h *HealthChecker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, HealthStatus{
			Status:    "ok",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Uptime:    time.Since(h.startedAt).Round(time.Second).String(),
		})
	})
}

// ReadinessHandler returns an http.Handler for the /readyz endpoint.
// Returns 200 when ready and every check passes, 503 otherwise.
func (h *HealthChecker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.mu.RLock()
		ready := h.ready
		info := h.info
		checks := make(map[string]HealthCheck, len(h.checks))
		for k, v := range h.checks {
			checks[k] = v
		}
		h.mu.RUnlock()

		status := HealthStatus{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Checks:    make(map[string]string),
		}
		if info != nil {
			status.Info = info()
		}

		healthy := ready
		for name, check := range checks {
			if err := check(); err != nil {
				status.Checks[name] = err.Error()
				healthy = false
			} else {
				status.Checks[name] = "ok"
			}
		}
		if !ready {
			status.Checks["ready"] = "not ready"
		}

		code := http.StatusOK
		status.Status = "ok"
		if !healthy {
			code = http.StatusServiceUnavailable
			status.Status = "unhealthy"
		}
		writeStatus(w, code, status)
	})
}

func writeStatus(w http.ResponseWriter, code int, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

// CommonChecks provides factory functions for common health checks.
type CommonChecks struct{}

// DatabaseCheck returns a health check for journal database connectivity.
func (CommonChecks) DatabaseCheck(pingFunc func() error) HealthCheck {
	return func() error {
		return pingFunc()
	}
}

// RulesCheck returns a health check that fails while the detection engine
// has no usable rule set. errFunc returns the engine's configuration error.
func (CommonChecks) RulesCheck(errFunc func() error) HealthCheck {
	return func() error {
		if err := errFunc(); err != nil {
			return fmt.Errorf("rule set unavailable: %w", err)
		}
		return nil
	}
}

// NewHealthMux creates an http.ServeMux with health and metrics endpoints.
func NewHealthMux(health *HealthChecker, provider *Provider) *http.ServeMux {
	mux := http.NewServeMux()

	if health != nil {
		mux.Handle("/healthz", health.LivenessHandler())
		mux.Handle("/readyz", health.ReadinessHandler())
	}

	if provider != nil {
		mux.Handle("/metrics", provider.PrometheusHandler())
	}

	return mux
}

// ListenAndServe starts an HTTP server on the given address.
func ListenAndServe(addr string, handler http.Handler) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return server.ListenAndServe()
}
