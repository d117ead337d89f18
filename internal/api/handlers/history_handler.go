package handlers

import (
	"net/http"
	"time"

	"aitrader/internal/repository"
)

// HistoryHandler отдаёт историю счёта, сделки и статистику
type HistoryHandler struct {
	store *repository.Store
}

// NewHistoryHandler создает handler истории
func NewHistoryHandler(store *repository.Store) *HistoryHandler {
	return &HistoryHandler{store: store}
}

// GetHistory обрабатывает GET /api/history: снимки счёта от старых к
// новым за период (?hours=24 по умолчанию)
func (h *HistoryHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	hours := queryInt(r, "hours", 24)
	from := time.Now().Add(-time.Duration(hours) * time.Hour)

	snapshots, err := h.store.Decisions.GetHistory(from)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load history", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"history": snapshots,
		"count":   len(snapshots),
	})
}

// GetTrades обрабатывает GET /api/trades: последние сделки (?limit=50)
func (h *HistoryHandler) GetTrades(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)

	trades, err := h.store.Trades.GetRecent(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load trades", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"trades": trades,
		"count":  len(trades),
	})
}

// GetCompletedTrades обрабатывает GET /api/completed-trades:
// пары открытие-закрытие с PNL и причиной закрытия
func (h *HistoryHandler) GetCompletedTrades(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)

	trades, err := h.store.Trades.GetCompletedTrades(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load completed trades", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"trades": trades,
		"count":  len(trades),
	})
}

// GetStats обрабатывает GET /api/stats: агрегаты по закрытым сделкам
// за период (?hours=0 = за всё время)
func (h *HistoryHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	hours := queryInt(r, "hours", 0)
	var from time.Time
	if hours > 0 {
		from = time.Now().Add(-time.Duration(hours) * time.Hour)
	}

	stats, err := h.store.Trades.GetStats(from)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetDecisions обрабатывает GET /api/decisions: последние решения
// агента (?limit=20)
func (h *HistoryHandler) GetDecisions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)

	decisions, err := h.store.Decisions.GetRecentDecisions(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load decisions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"decisions": decisions,
		"count":     len(decisions),
	})
}
