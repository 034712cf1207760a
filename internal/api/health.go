package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/supportsync/internal/domain"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	*Handler
	timeout time.Duration
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(base *Handler, timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthHandler{Handler: base, timeout: timeout}
}

// Health reports the realtime channel and local cache state. A Failed
// channel or an unreachable cache is degraded; reconnecting is not.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	st := h.engine.Status()
	checks["realtime"] = st.State.String()
	if st.State == domain.StateFailed {
		status["status"] = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	if h.repo != nil {
		if err := h.repo.Ping(ctx); err != nil {
			slog.Error("Health check failed", "error", err)
			status["status"] = "degraded"
			checks["database"] = "unreachable"
			statusCode = http.StatusServiceUnavailable
		} else {
			checks["database"] = "ok"
		}
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}
