package api

import (
	"net/http"

	"aitrader/internal/api/handlers"
	"aitrader/internal/api/middleware"
	"aitrader/internal/exchange"
	"aitrader/internal/repository"
	"aitrader/internal/service"
	"aitrader/internal/websocket"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dependencies содержит все зависимости для API handlers
type Dependencies struct {
	Exchange exchange.Exchange
	Cache    *exchange.TTLCache
	Store    *repository.Store
	Notifier *service.Notifier
	Health   *service.HealthService
	Hub      *websocket.Hub
	Symbols  []string
}

// SetupRoutes настраивает все HTTP маршруты приложения
//
// Назначение:
// Центральное место для определения всех API endpoints.
// Регистрирует handlers для каждого маршрута.
// Применяет middleware к группам маршрутов.
//
// Структура маршрутов:
//
// /api/
//
//	├── GET /account - состояние счета
//	├── GET /positions - открытые позиции с текущим PNL
//	├── GET /price-orders - активные триггерные ордера
//	├── GET /prices - текущие цены по отслеживаемым символам
//	├── GET /history - снимки счета за период
//	├── GET /trades - последние сделки
//	├── GET /completed-trades - завершенные сделки с PNL
//	├── GET /stats - агрегаты по закрытым сделкам
//	├── GET /decisions - последние решения агента
//	├── GET /logs - журнал решений агента
//	└── GET /health - сводный вердикт о состоянии системы
//
// /metrics - Prometheus метрики
//
// /ws/
//
//	└── /stream - WebSocket для real-time обновлений
//
// Middleware применяется в следующем порядке:
// 1. Recovery (для всех маршрутов)
// 2. Logging (для всех маршрутов)
// 3. CORS (для всех маршрутов)
func SetupRoutes(deps *Dependencies) *mux.Router {
	router := mux.NewRouter()

	// Глобальные middleware (применяются ко всем маршрутам)
	router.Use(middleware.Recovery)
	router.Use(middleware.Logging)
	router.Use(middleware.CORS)

	// Создание handlers с внедрением зависимостей
	var accountHandler *handlers.AccountHandler
	if deps != nil && deps.Exchange != nil && deps.Cache != nil && deps.Store != nil {
		accountHandler = handlers.NewAccountHandler(deps.Exchange, deps.Cache, deps.Store)
	}

	var positionHandler *handlers.PositionHandler
	if deps != nil && deps.Exchange != nil && deps.Cache != nil && deps.Store != nil {
		positionHandler = handlers.NewPositionHandler(deps.Exchange, deps.Cache, deps.Store)
	}

	var pricesHandler *handlers.PricesHandler
	if deps != nil && deps.Exchange != nil && deps.Cache != nil {
		pricesHandler = handlers.NewPricesHandler(deps.Exchange, deps.Cache, deps.Symbols)
	}

	var historyHandler *handlers.HistoryHandler
	if deps != nil && deps.Store != nil {
		historyHandler = handlers.NewHistoryHandler(deps.Store)
	}

	var logsHandler *handlers.LogsHandler
	if deps != nil && deps.Store != nil {
		logsHandler = handlers.NewLogsHandler(deps.Store)
	}

	var healthHandler *handlers.HealthHandler
	if deps != nil && deps.Health != nil {
		healthHandler = handlers.NewHealthHandler(deps.Health)
	}

	// API routes
	api := router.PathPrefix("/api").Subrouter()

	if accountHandler != nil {
		api.HandleFunc("/account", accountHandler.GetAccount).Methods("GET")
	}

	if positionHandler != nil {
		api.HandleFunc("/positions", positionHandler.GetPositions).Methods("GET")
		api.HandleFunc("/price-orders", positionHandler.GetPriceOrders).Methods("GET")
	}

	if pricesHandler != nil {
		api.HandleFunc("/prices", pricesHandler.GetPrices).Methods("GET")
	}

	if historyHandler != nil {
		api.HandleFunc("/history", historyHandler.GetHistory).Methods("GET")
		api.HandleFunc("/trades", historyHandler.GetTrades).Methods("GET")
		api.HandleFunc("/completed-trades", historyHandler.GetCompletedTrades).Methods("GET")
		api.HandleFunc("/stats", historyHandler.GetStats).Methods("GET")
		api.HandleFunc("/decisions", historyHandler.GetDecisions).Methods("GET")
	}

	if logsHandler != nil {
		api.HandleFunc("/logs", logsHandler.GetLogs).Methods("GET")
	}

	if healthHandler != nil {
		api.HandleFunc("/health", healthHandler.GetHealth).Methods("GET")
	}

	// Prometheus метрики
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// WebSocket route
	if deps != nil && deps.Hub != nil {
		hub := deps.Hub
		router.HandleFunc("/ws/stream", func(w http.ResponseWriter, r *http.Request) {
			websocket.ServeWS(hub, w, r)
		})
	}

	return router
}
