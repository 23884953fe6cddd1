package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/auralabs/aura/internal/domain"
	"github.com/go-chi/chi/v5"
)

const defaultHealthCheckTimeout = 5 * time.Second

// HealthChecker is what the health endpoint inspects.
type HealthChecker interface {
	Ping(ctx context.Context) error
	JobStats(ctx context.Context) (domain.JobStats, error)
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo    HealthChecker
	timeout time.Duration
}

// NewHealthHandler creates a new health handler. A non-positive timeout uses
// the default of five seconds.
func NewHealthHandler(repo HealthChecker, timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = defaultHealthCheckTimeout
	}
	return &HealthHandler{repo: repo, timeout: timeout}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		JSON(w, http.StatusServiceUnavailable, status)
		return
	}
	checks["database"] = "ok"

	// Queue depth is informational; failing to read it does not make the
	// service unhealthy.
	if stats, err := h.repo.JobStats(ctx); err != nil {
		slog.Warn("Failed to read job stats", "error", err)
		checks["jobs"] = "unknown"
	} else {
		status["jobs"] = stats
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
