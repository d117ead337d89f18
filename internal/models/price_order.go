package models

import "time"

// PriceOrder - локальное зеркало серверного триггерного ордера
//
// Инвариант: не более одного активного stop_loss и одного активного
// take_profit на (symbol, side). PositionOrderID связывает триггер
// с ордером открытия позиции.
type PriceOrder struct {
	ID              int       `json:"id" db:"id"`
	OrderID         string    `json:"order_id" db:"order_id"` // id триггера на бирже
	Symbol          string    `json:"symbol" db:"symbol"`
	Side            string    `json:"side" db:"side"` // сторона позиции: long, short
	Type            string    `json:"type" db:"type"` // stop_loss, take_profit, extreme_take_profit
	TriggerPrice    float64   `json:"trigger_price" db:"trigger_price"`
	OrderPrice      float64   `json:"order_price" db:"order_price"` // 0 = market
	Quantity        float64   `json:"quantity" db:"quantity"`
	Status          string    `json:"status" db:"status"` // active, triggered, cancelled
	PositionOrderID string    `json:"position_order_id" db:"position_order_id"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// Типы триггерных ордеров
const (
	PriceOrderStopLoss   = "stop_loss"
	PriceOrderTakeProfit = "take_profit"
	PriceOrderExtremeTP  = "extreme_take_profit"
)

// Статусы триггерных ордеров
const (
	PriceOrderStatusActive    = "active"
	PriceOrderStatusTriggered = "triggered"
	PriceOrderStatusCancelled = "cancelled"
)
