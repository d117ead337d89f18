package service

import (
	"context"
	"time"

	"aitrader/internal/bot"
	"aitrader/internal/exchange"
	"aitrader/internal/repository"
	"aitrader/pkg/utils"
)

// ============================================================
// Health
// ============================================================
//
// Сводит состояние координатора, reconciler'а, кеша и хранилища в
// один вердикт:
//
//	healthy   - все подсистемы в норме
//	degraded  - штрафное окно биржи, устаревший кеш или неразрешённые
//	            расхождения: сервис жив, reconciler и кеш работают
//	unhealthy - БД недоступна или позиции расходятся с биржей

// Вердикты
const (
	VerdictHealthy   = "healthy"
	VerdictDegraded  = "degraded"
	VerdictUnhealthy = "unhealthy"
)

// CircuitBreakerInfo - состояние штрафных окон координатора
type CircuitBreakerInfo struct {
	IsOpen           bool   `json:"isOpen"`
	Reason           string `json:"reason,omitempty"`
	RemainingSeconds int    `json:"remainingSeconds,omitempty"`
}

// PositionMismatches - расхождение позиций биржа/БД
type PositionMismatches struct {
	OnlyInExchange []string `json:"onlyInExchange"`
	OnlyInDB       []string `json:"onlyInDb"`
}

// HealthDetails - детали для операторского дашборда
type HealthDetails struct {
	OpenPositions      int                `json:"openPositions"`
	ActiveTriggers     int                `json:"activeTriggers"`
	OrphanOrders       int                `json:"orphanOrders"`
	InconsistentStates int                `json:"inconsistentStates"`
	PositionMismatches PositionMismatches `json:"positionMismatches"`
	CacheDegraded      bool               `json:"cacheDegraded"`
	StaleServes        int64              `json:"staleServes"`
}

// HealthReport - полный ответ health-проверки
type HealthReport struct {
	Healthy        bool               `json:"healthy"`
	Verdict        string             `json:"verdict"`
	Issues         []string           `json:"issues"`
	Warnings       []string           `json:"warnings"`
	Timestamp      time.Time          `json:"timestamp"`
	Details        HealthDetails      `json:"details"`
	CircuitBreaker CircuitBreakerInfo `json:"circuitBreaker"`
}

// HealthService собирает сводный вердикт о состоянии системы
type HealthService struct {
	coordinator *exchange.Coordinator
	cache       *exchange.TTLCache
	store       *repository.Store
	reconciler  *bot.Reconciler
	logger      *utils.Logger
}

// NewHealthService создает health-сервис
func NewHealthService(coordinator *exchange.Coordinator, cache *exchange.TTLCache, store *repository.Store, reconciler *bot.Reconciler, logger *utils.Logger) *HealthService {
	if logger == nil {
		logger = utils.L()
	}
	return &HealthService{
		coordinator: coordinator,
		cache:       cache,
		store:       store,
		reconciler:  reconciler,
		logger:      logger.WithComponent("health"),
	}
}

// Check собирает текущий отчёт о здоровье
func (h *HealthService) Check(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Healthy:   true,
		Verdict:   VerdictHealthy,
		Issues:    []string{},
		Warnings:  []string{},
		Timestamp: time.Now().UTC(),
	}

	h.checkCoordinator(report)
	h.checkCache(report)
	h.checkStore(report)
	h.checkReconciler(report)

	switch {
	case len(report.Issues) > 0:
		report.Healthy = false
		report.Verdict = VerdictUnhealthy
	case len(report.Warnings) > 0:
		report.Verdict = VerdictDegraded
	}
	return report
}

func (h *HealthService) checkCoordinator(report *HealthReport) {
	if h.coordinator == nil {
		return
	}
	status := h.coordinator.Status()

	report.CircuitBreaker = CircuitBreakerInfo{
		IsOpen:           status.IsBanned || status.IsCircuitBreakerOpen || status.IsBackoff,
		RemainingSeconds: status.RemainingSeconds,
	}

	// Штрафные окна биржи не делают процесс unhealthy: сам сервис жив,
	// данные идут из кеша. Состояние выражается через circuitBreaker
	// и вердикт degraded.
	switch status.BlockReason {
	case exchange.BlockReasonIPBan:
		report.CircuitBreaker.Reason = "IP封禁"
		report.Warnings = append(report.Warnings, "Биржа забанила IP, запросы остановлены до конца окна")
	case exchange.BlockReasonCircuit:
		report.CircuitBreaker.Reason = "circuit_breaker"
		report.Warnings = append(report.Warnings, "Circuit breaker открыт после серии сбоев")
	case exchange.BlockReasonBackoff:
		report.CircuitBreaker.Reason = "rate_limit"
		report.Warnings = append(report.Warnings, "Действует окно backoff после 429")
	}
}

func (h *HealthService) checkCache(report *HealthReport) {
	if h.cache == nil {
		return
	}
	report.Details.CacheDegraded = h.cache.Degraded()
	report.Details.StaleServes = h.cache.StaleServes()
	if report.Details.CacheDegraded {
		report.Warnings = append(report.Warnings, "Данные отдаются из устаревшего кеша")
	}
}

func (h *HealthService) checkStore(report *HealthReport) {
	if h.store == nil {
		return
	}

	if count, err := h.store.Positions.Count(); err == nil {
		report.Details.OpenPositions = count
	} else {
		report.Issues = append(report.Issues, "БД недоступна: "+err.Error())
		return
	}

	if active, err := h.store.PriceOrders.GetActive(); err == nil {
		report.Details.ActiveTriggers = len(active)
	}

	if unresolved, err := h.store.InconsistentStates.CountUnresolved(); err == nil {
		report.Details.InconsistentStates = unresolved
		if unresolved > 0 {
			// Reconciler разрешает их в фоне, это деградация, а не отказ
			report.Warnings = append(report.Warnings,
				"Есть неразрешённые расхождения биржа/БД")
		}
	}
}

func (h *HealthService) checkReconciler(report *HealthReport) {
	report.Details.PositionMismatches = PositionMismatches{
		OnlyInExchange: []string{},
		OnlyInDB:       []string{},
	}
	if h.reconciler == nil {
		return
	}
	status := h.reconciler.Status()

	report.Details.OrphanOrders = status.OrphanOrders
	if status.OnlyInExchange != nil {
		report.Details.PositionMismatches.OnlyInExchange = status.OnlyInExchange
	}
	if status.OnlyInDB != nil {
		report.Details.PositionMismatches.OnlyInDB = status.OnlyInDB
	}

	if len(status.OnlyInExchange)+len(status.OnlyInDB) > 0 {
		report.Issues = append(report.Issues,
			"Позиции на бирже расходятся с локальными")
	}
	if !status.LastRunOK && !status.LastRunAt.IsZero() {
		report.Warnings = append(report.Warnings,
			"Последний проход reconciler'а завершился с ошибками")
	}
}
