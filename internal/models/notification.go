package models

import "time"

// Notification представляет уведомление о событии
type Notification struct {
	ID        int                    `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`     // OPEN, CLOSE, PARTIAL, REVERSAL, RECONCILE, RATE_LIMIT, ERROR
	Severity  string                 `json:"severity"` // info, warn, error, critical
	Symbol    string                 `json:"symbol,omitempty"`
	Message   string                 `json:"message"`
	Meta      map[string]interface{} `json:"meta,omitempty"` // дополнительные данные
}

// Типы уведомлений
const (
	NotificationTypeOpen      = "OPEN"       // открытие позиции
	NotificationTypeClose     = "CLOSE"      // закрытие позиции
	NotificationTypePartial   = "PARTIAL"    // частичная фиксация прибыли
	NotificationTypeReversal  = "REVERSAL"   // экстренное закрытие по развороту
	NotificationTypeReconcile = "RECONCILE"  // восстановление reconciler'ом
	NotificationTypeRateLimit = "RATE_LIMIT" // 429/418 от биржи
	NotificationTypeError     = "ERROR"      // ошибка API/ордера
)

// Уровни важности
const (
	SeverityInfo     = "info"
	SeverityWarn     = "warn"
	SeverityError    = "error"
	SeverityCritical = "critical"
)
