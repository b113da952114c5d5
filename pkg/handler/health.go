package handler

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/agile-defense/minetrack/pkg/service"
)

// HealthChecker reports the health of an optional collaborator
type HealthChecker func(ctx context.Context) error

// ServiceHealth reports process health
type ServiceHealth interface {
	Health() service.HealthStatus
}

// HealthHandler reports process and collaborator health
type HealthHandler struct {
	service ServiceHealth
	version string
	started time.Time

	names  []string
	checks map[string]HealthChecker
}

// NewHealthHandler creates a health handler. checks are keyed by
// component name, for example "postgres" or "sqlite".
func NewHealthHandler(svc ServiceHealth, version string, checks map[string]HealthChecker) *HealthHandler {
	h := &HealthHandler{
		service: svc,
		version: version,
		started: time.Now(),
		checks:  checks,
	}
	for name := range checks {
		h.names = append(h.names, name)
	}
	sort.Strings(h.names)
	return h
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	Uptime        string            `json:"uptime"`
	Components    map[string]string `json:"components"`
	CorrelationID string            `json:"correlation_id"`
}

// ServeHTTP handles GET /health. Collaborator failures degrade the status;
// only a stopped or disconnected service answers 503.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	svc := h.service.Health()
	response := HealthResponse{
		Status:        "healthy",
		Version:       h.version,
		Uptime:        time.Since(h.started).Round(time.Second).String(),
		Components:    map[string]string{"locator": svc.Status},
		CorrelationID: GetCorrelationID(r.Context()),
	}

	for _, name := range h.names {
		if err := h.checks[name](ctx); err != nil {
			response.Components[name] = "unhealthy: " + err.Error()
			response.Status = "degraded"
		} else {
			response.Components[name] = "healthy"
		}
	}

	status := http.StatusOK
	if !svc.Healthy {
		response.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	WriteJSON(w, status, response)
}
