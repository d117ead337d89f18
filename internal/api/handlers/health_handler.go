package handlers

import (
	"net/http"

	"aitrader/internal/service"
)

// HealthHandler отдаёт сводный вердикт о состоянии системы
type HealthHandler struct {
	health *service.HealthService
}

// NewHealthHandler создает health handler
func NewHealthHandler(health *service.HealthService) *HealthHandler {
	return &HealthHandler{health: health}
}

// GetHealth обрабатывает GET /api/health.
// unhealthy отдаётся с 503, чтобы работали внешние проверки живости.
func (h *HealthHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	report := h.health.Check(r.Context())

	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}
