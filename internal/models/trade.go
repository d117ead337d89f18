package models

import "time"

// Trade - запись об исполненной сделке (открытие или закрытие)
//
// Инвариант: записи close должна предшествовать запись open
// с тем же (symbol, side) и строго меньшим timestamp.
type Trade struct {
	ID        int       `json:"id" db:"id"`
	OrderID   string    `json:"order_id" db:"order_id"`
	Symbol    string    `json:"symbol" db:"symbol"`
	Side      string    `json:"side" db:"side"` // long, short
	Type      string    `json:"type" db:"type"` // open, close
	Price     float64   `json:"price" db:"price"`
	Quantity  float64   `json:"quantity" db:"quantity"`
	Leverage  int       `json:"leverage" db:"leverage"`
	Pnl       *float64  `json:"pnl,omitempty" db:"pnl"` // только для close
	Fee       float64   `json:"fee" db:"fee"`           // в котируемой валюте
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
	Status    string    `json:"status" db:"status"`
}

// Типы сделок
const (
	TradeTypeOpen  = "open"
	TradeTypeClose = "close"
)

// Статусы сделок
const (
	TradeStatusFilled    = "filled"
	TradeStatusCancelled = "cancelled"
	TradeStatusRejected  = "rejected"
)

// CompletedTrade - пара open/close для отчёта по завершённым сделкам
type CompletedTrade struct {
	Symbol       string    `json:"symbol"`
	Side         string    `json:"side"`
	EntryPrice   float64   `json:"entry_price"`
	ClosePrice   float64   `json:"close_price"`
	Quantity     float64   `json:"quantity"`
	Leverage     int       `json:"leverage"`
	Pnl          float64   `json:"pnl"`
	TotalFee     float64   `json:"total_fee"`
	OpenedAt     time.Time `json:"opened_at"`
	ClosedAt     time.Time `json:"closed_at"`
	HoldingHours float64   `json:"holding_hours"`
	CloseReason  string    `json:"close_reason"`
}

// TradeStats - агрегированная статистика по закрытым сделкам
type TradeStats struct {
	TotalTrades int     `json:"totalTrades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	WinRate     float64 `json:"winRate"`
	TotalPnl    float64 `json:"totalPnl"`
	MaxWin      float64 `json:"maxWin"`
	MaxLoss     float64 `json:"maxLoss"`
	TotalFees   float64 `json:"totalFees"`
}
