package handlers

import (
	"net/http"

	"aitrader/internal/repository"
)

// LogsHandler отдаёт журнал решений агента
type LogsHandler struct {
	store *repository.Store
}

// NewLogsHandler создает handler журнала
func NewLogsHandler(store *repository.Store) *LogsHandler {
	return &LogsHandler{store: store}
}

// GetLogs обрабатывает GET /api/logs (?limit=100): последние решения
// агента с предпринятыми действиями, новые первыми
func (h *LogsHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	decisions, err := h.store.Decisions.GetRecentDecisions(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load decision log", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"logs":  decisions,
		"count": len(decisions),
	})
}
