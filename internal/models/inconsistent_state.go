package models

import "time"

// InconsistentState - расхождение между биржей и локальным хранилищем
//
// Создаётся когда запись в БД не удалась ПОСЛЕ того как биржа
// подтвердила мутацию (split-state). Жизненный цикл завершается
// когда reconciler выставляет Resolved=1.
type InconsistentState struct {
	ID              int        `json:"id" db:"id"`
	Operation       string     `json:"operation" db:"operation"` // open_position, close_position, partial_close
	Symbol          string     `json:"symbol" db:"symbol"`
	Side            string     `json:"side" db:"side"`
	ExchangeOrderID string     `json:"exchange_order_id" db:"exchange_order_id"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	Resolved        int        `json:"resolved" db:"resolved"` // 0 или 1
	ResolvedAt      *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	ResolvedBy      string     `json:"resolved_by,omitempty" db:"resolved_by"` // auto, manual
}

// Операции, приводящие к split-state
const (
	OperationOpenPosition  = "open_position"
	OperationClosePosition = "close_position"
	OperationPartialClose  = "partial_close"
)

// Кто разрешил расхождение
const (
	ResolvedByAuto   = "auto"
	ResolvedByManual = "manual"
)
