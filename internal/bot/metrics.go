package bot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики торгового ядра
// ============================================================
//
// Использование:
// - Grafana дашборды для визуализации
// - Alertmanager для уведомлений о проблемах
// - Анализ поведения агента в production

// ============ Метрики решающего цикла ============

// DecisionLoopDuration - длительность одного тика решающего цикла
var DecisionLoopDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "aitrader",
		Subsystem: "agent",
		Name:      "decision_loop_duration_seconds",
		Help:      "Duration of one decision loop tick in seconds",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
	},
)

// DecisionLoopTotal - количество тиков по результату
var DecisionLoopTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "aitrader",
		Subsystem: "agent",
		Name:      "decision_loop_total",
		Help:      "Total number of decision loop ticks",
	},
	[]string{"result"}, // success, error, skipped
)

// ToolCallsTotal - выполненные tool calls по имени и результату
var ToolCallsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "aitrader",
		Subsystem: "agent",
		Name:      "tool_calls_total",
		Help:      "Total number of executed LLM tool calls",
	},
	[]string{"tool", "result"}, // result: success, error, policy_violation
)

// ============ Метрики ордеров и позиций ============

// OrdersPlaced - размещённые ордера
var OrdersPlaced = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "aitrader",
		Subsystem: "trading",
		Name:      "orders_placed_total",
		Help:      "Total number of orders placed on the exchange",
	},
	[]string{"symbol", "type"}, // type: open, close, partial_close, trigger
)

// PositionsOpen - текущее количество открытых позиций
var PositionsOpen = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "aitrader",
		Subsystem: "trading",
		Name:      "positions_open",
		Help:      "Current number of open positions",
	},
)

// PositionsClosed - закрытия позиций по причинам
var PositionsClosed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "aitrader",
		Subsystem: "trading",
		Name:      "positions_closed_total",
		Help:      "Total number of position closes by reason",
	},
	[]string{"symbol", "reason"},
)

// PnlRealized - суммарный реализованный PNL в USDT
var PnlRealized = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "aitrader",
		Subsystem: "trading",
		Name:      "pnl_realized_usdt",
		Help:      "Total realized PnL in USDT",
	},
)

// ============ Метрики координатора и кеша ============

// CoordinatorBlocked - активные блокировки координатора (1 = активна)
var CoordinatorBlocked = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "aitrader",
		Subsystem: "coordinator",
		Name:      "blocked",
		Help:      "Coordinator block state by reason (1=active, 0=clear)",
	},
	[]string{"reason"}, // ip_ban, backoff, circuit_breaker
)

// CacheStaleServes - выдачи устаревших данных при блокировке
var CacheStaleServes = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "aitrader",
		Subsystem: "cache",
		Name:      "stale_serves_total",
		Help:      "Number of stale cache serves while the coordinator is blocked",
	},
)

// ============ Метрики risk-движка и reconciler'а ============

// EmergencyCloses - экстренные закрытия
var EmergencyCloses = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "aitrader",
		Subsystem: "risk",
		Name:      "emergency_closes_total",
		Help:      "Number of emergency position closes",
	},
	[]string{"symbol", "reason"}, // trend_reversal, peak_drawdown, time_limit
)

// TriggersAdvanced - перемещения стоп-лосса (trailing / после partial)
var TriggersAdvanced = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "aitrader",
		Subsystem: "risk",
		Name:      "triggers_advanced_total",
		Help:      "Number of stop-loss trigger advances",
	},
	[]string{"symbol", "cause"}, // trailing, partial
)

// ReconcilerRepairs - восстановленные reconciler'ом записи
var ReconcilerRepairs = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "aitrader",
		Subsystem: "reconciler",
		Name:      "repairs_total",
		Help:      "Number of inconsistent states repaired",
	},
	[]string{"operation"},
)

// ReconcilerFailures - неудачные попытки разрешения
var ReconcilerFailures = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "aitrader",
		Subsystem: "reconciler",
		Name:      "failures_total",
		Help:      "Number of failed reconcile attempts",
	},
)

// InconsistentStatesUnresolved - текущее количество неразрешённых расхождений
var InconsistentStatesUnresolved = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "aitrader",
		Subsystem: "reconciler",
		Name:      "inconsistent_states_unresolved",
		Help:      "Current number of unresolved inconsistent states",
	},
)

// ============ Вспомогательные функции ============

// RecordClose записывает закрытие позиции
func RecordClose(symbol, reason string, pnl float64) {
	PositionsClosed.WithLabelValues(symbol, reason).Inc()
	if pnl != 0 {
		PnlRealized.Add(pnl)
	}
}

// RecordToolCall записывает выполненный tool call
func RecordToolCall(tool, result string) {
	ToolCallsTotal.WithLabelValues(tool, result).Inc()
}

// UpdateCoordinatorState обновляет gauge блокировок координатора
func UpdateCoordinatorState(reason string, active bool) {
	v := 0.0
	if active {
		v = 1.0
	}
	CoordinatorBlocked.WithLabelValues(reason).Set(v)
}
