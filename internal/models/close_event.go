package models

import "time"

// PositionCloseEvent - событие закрытия позиции (полного или частичного)
//
// Пишется как штатным путём закрытия, так и reconciler'ом при
// восстановлении пропущенных записей. Processed выставляется после
// того как notifier обработал событие.
type PositionCloseEvent struct {
	ID          int       `json:"id" db:"id"`
	Symbol      string    `json:"symbol" db:"symbol"`
	Side        string    `json:"side" db:"side"`
	EntryPrice  float64   `json:"entry_price" db:"entry_price"`
	ClosePrice  float64   `json:"close_price" db:"close_price"`
	Quantity    float64   `json:"quantity" db:"quantity"`
	Leverage    int       `json:"leverage" db:"leverage"`
	Pnl         float64   `json:"pnl" db:"pnl"`
	PnlPercent  float64   `json:"pnl_percent" db:"pnl_percent"`
	Fee         float64   `json:"fee" db:"fee"`
	CloseReason string    `json:"close_reason" db:"close_reason"`
	TriggerType string    `json:"trigger_type,omitempty" db:"trigger_type"` // тип сработавшего триггера, если есть
	OrderID     string    `json:"order_id" db:"order_id"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	Processed   bool      `json:"processed" db:"processed"`
}

// Причины закрытия
const (
	CloseReasonManual          = "manual" // решение LLM
	CloseReasonStopLoss        = "stop_loss_triggered"
	CloseReasonTakeProfit      = "take_profit_triggered"
	CloseReasonPartialClose    = "partial_close"
	CloseReasonTrendReversal   = "trend_reversal"
	CloseReasonPeakDrawdown    = "peak_drawdown"
	CloseReasonTimeLimit       = "time_limit"
	CloseReasonSystemRecovered = "system_recovered" // восстановлено reconciler'ом
)
