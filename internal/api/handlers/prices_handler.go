package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"aitrader/internal/exchange"
)

// PricesHandler отдаёт текущие цены по сконфигурированным символам
type PricesHandler struct {
	ex      exchange.Exchange
	cache   *exchange.TTLCache
	symbols []string
}

// NewPricesHandler создает handler цен
func NewPricesHandler(ex exchange.Exchange, cache *exchange.TTLCache, symbols []string) *PricesHandler {
	return &PricesHandler{ex: ex, cache: cache, symbols: symbols}
}

// GetPrices обрабатывает GET /api/prices. Цены идут через TTL-кеш:
// при блокировке координатора отдаются последние известные значения.
// Параметр ?symbols=BTC,ETH сужает выборку; недоступные символы
// опускаются.
func (h *PricesHandler) GetPrices(w http.ResponseWriter, r *http.Request) {
	symbols := h.symbols
	if raw := r.URL.Query().Get("symbols"); raw != "" {
		symbols = h.filterSymbols(raw)
	}

	prices := make(map[string]float64, len(symbols))
	for _, symbol := range symbols {
		symbol := symbol
		value, err := h.cache.GetOrLoad(r.Context(), exchange.CategoryTicker, symbol, func(ctx context.Context) (interface{}, error) {
			return h.ex.GetTicker(ctx, symbol, false)
		})
		if err != nil {
			continue
		}
		prices[symbol] = value.(*exchange.Ticker).LastPrice
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"prices":    prices,
		"timestamp": time.Now().UTC(),
	})
}

// filterSymbols пересекает CSV из запроса со сконфигурированным списком
func (h *PricesHandler) filterSymbols(raw string) []string {
	allowed := make(map[string]bool, len(h.symbols))
	for _, s := range h.symbols {
		allowed[s] = true
	}

	var out []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.ToUpper(strings.TrimSpace(s))
		if allowed[s] {
			out = append(out, s)
		}
	}
	return out
}
