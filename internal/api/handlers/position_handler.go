package handlers

import (
	"net/http"
	"time"

	"aitrader/internal/bot"
	"aitrader/internal/exchange"
	"aitrader/internal/models"
	"aitrader/internal/repository"
	"aitrader/pkg/utils"
)

// PositionHandler отдаёт открытые позиции и активные триггеры
type PositionHandler struct {
	ex    exchange.Exchange
	cache *exchange.TTLCache
	store *repository.Store
}

// NewPositionHandler создает handler позиций
func NewPositionHandler(ex exchange.Exchange, cache *exchange.TTLCache, store *repository.Store) *PositionHandler {
	return &PositionHandler{ex: ex, cache: cache, store: store}
}

// PositionsResponse - ответ GET /api/positions
type PositionsResponse struct {
	Positions []*models.PositionView `json:"positions"`
	Count     int                    `json:"count"`
}

// GetPositions обрабатывает GET /api/positions.
// Каждая позиция обогащается текущей ценой и PNL; недоступный тикер
// не скрывает позицию, она отдаётся без обогащения.
func (h *PositionHandler) GetPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.store.Positions.GetAll()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load positions", err)
		return
	}

	views := make([]*models.PositionView, 0, len(positions))
	for _, pos := range positions {
		view := &models.PositionView{
			Position:      *pos,
			HoldingHours:  pos.HoldingDuration(time.Now()).Hours(),
			PartialStage:  bot.PartialStage(pos.PartialCloseFraction),
			ReversalScore: pos.WarningScore,
		}

		if ticker, tickerErr := h.ex.GetTicker(r.Context(), pos.Symbol, false); tickerErr == nil {
			view.CurrentPrice = ticker.LastPrice
			if contract, contractErr := h.ex.GetContract(r.Context(), pos.Symbol); contractErr == nil {
				pnl := h.ex.CalculatePnL(pos.EntryPrice, ticker.LastPrice, pos.Quantity, pos.Side, contract)
				qty := pos.Quantity
				if contract.Type == exchange.ContractTypeInverse {
					qty = pos.Quantity * contract.QuantoMultiplier
				}
				view.UnrealizedPnl = pnl
				view.PnlPercent = utils.PnlPercent(pnl, pos.EntryPrice, qty, pos.Leverage)
			}
		}
		views = append(views, view)
	}

	writeJSON(w, http.StatusOK, &PositionsResponse{Positions: views, Count: len(views)})
}

// GetPriceOrders обрабатывает GET /api/price-orders:
// только активные триггеры
func (h *PositionHandler) GetPriceOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.store.PriceOrders.GetActive()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load price orders", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"orders": orders,
		"count":  len(orders),
	})
}
