package handlers

import (
	"context"
	"net/http"
	"time"

	"aitrader/internal/exchange"
	"aitrader/internal/repository"
)

// AccountHandler отдаёт состояние счёта
type AccountHandler struct {
	ex    exchange.Exchange
	cache *exchange.TTLCache
	store *repository.Store
}

// NewAccountHandler создает handler счёта
func NewAccountHandler(ex exchange.Exchange, cache *exchange.TTLCache, store *repository.Store) *AccountHandler {
	return &AccountHandler{ex: ex, cache: cache, store: store}
}

// AccountResponse - ответ GET /api/account
type AccountResponse struct {
	TotalBalance     float64   `json:"totalBalance"`
	AvailableBalance float64   `json:"availableBalance"`
	PositionMargin   float64   `json:"positionMargin"`
	UnrealizedPnl    float64   `json:"unrealisedPnl"`
	ReturnPercent    float64   `json:"returnPercent"`
	InitialBalance   float64   `json:"initialBalance"`
	Timestamp        time.Time `json:"timestamp"`
}

// GetAccount обрабатывает GET /api/account.
// Счёт идёт через TTL-кеш: при блокировке координатора отдаются
// последние известные значения.
func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	value, err := h.cache.GetOrLoad(r.Context(), exchange.CategoryAccount, "account", func(ctx context.Context) (interface{}, error) {
		return h.ex.GetAccount(ctx)
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "account unavailable", err)
		return
	}
	account := value.(*exchange.Account)
	// totalBalance - реализованный баланс, нереализованный PNL
	// отдаётся отдельным полем
	equity := account.Total + account.UnrealizedPnl

	initial, err := h.store.Decisions.InitialBalance()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load initial balance", err)
		return
	}
	returnPct := 0.0
	if initial > 0 {
		returnPct = (equity - initial) / initial * 100
	}

	writeJSON(w, http.StatusOK, &AccountResponse{
		TotalBalance:     account.Total,
		AvailableBalance: account.Available,
		PositionMargin:   account.PositionMargin,
		UnrealizedPnl:    account.UnrealizedPnl,
		ReturnPercent:    returnPct,
		InitialBalance:   initial,
		Timestamp:        time.Now().UTC(),
	})
}
