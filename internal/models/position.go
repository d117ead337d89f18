package models

import "time"

// Position - локальное зеркало позиции на бирже
//
// Инвариант: не более одной позиции на (symbol, side).
// После каждого прохода reconciler'а Quantity должна совпадать
// с абсолютным размером позиции на бирже.
type Position struct {
	ID                   int       `json:"id" db:"id"`
	Symbol               string    `json:"symbol" db:"symbol"` // канонический символ (BTC, ETH)
	Side                 string    `json:"side" db:"side"`     // long, short
	Quantity             float64   `json:"quantity" db:"quantity"` // всегда > 0
	Leverage             int       `json:"leverage" db:"leverage"` // >= 1
	EntryPrice           float64   `json:"entry_price" db:"entry_price"`
	OpenedAt             time.Time `json:"opened_at" db:"opened_at"`
	OrderID              string    `json:"order_id" db:"order_id"` // ордер открытия на бирже
	StopLoss             float64   `json:"stop_loss,omitempty" db:"stop_loss"`
	TakeProfit           float64   `json:"take_profit,omitempty" db:"take_profit"`
	PartialCloseFraction float64   `json:"partial_close_fraction" db:"partial_close_fraction"` // [0, 1], записанное значение авторитетно

	// Метаданные risk-движка
	WarningScore    float64 `json:"warning_score" db:"warning_score"` // 0-100
	ReversalWarning bool    `json:"reversal_warning" db:"reversal_warning"`
	PeakPnlPercent  float64 `json:"peak_pnl_percent" db:"peak_pnl_percent"` // максимум PNL% с момента открытия
}

// Стороны позиции
const (
	SideLong  = "long"
	SideShort = "short"
)

// PositionKey - ключ (symbol, side) для индексов и мьютексов
type PositionKey struct {
	Symbol string
	Side   string
}

// Key возвращает ключ позиции
func (p *Position) Key() PositionKey {
	return PositionKey{Symbol: p.Symbol, Side: p.Side}
}

// HoldingDuration возвращает время удержания позиции
func (p *Position) HoldingDuration(now time.Time) time.Duration {
	return now.Sub(p.OpenedAt)
}

// PositionView - представление позиции для API и контекста LLM
type PositionView struct {
	Position
	CurrentPrice  float64 `json:"current_price"`
	UnrealizedPnl float64 `json:"unrealized_pnl"`
	PnlPercent    float64 `json:"pnl_percent"`
	HoldingHours  float64 `json:"holding_hours"`
	PartialStage  string  `json:"partial_stage"` // бейдж: none, tp1, tp2, final
	ReversalScore float64 `json:"reversal_score"`
}
