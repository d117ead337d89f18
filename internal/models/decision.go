package models

import "time"

// AgentDecision - запись решения LLM за один тик. Append-only.
type AgentDecision struct {
	ID             int       `json:"id" db:"id"`
	Timestamp      time.Time `json:"timestamp" db:"timestamp"`
	Iteration      int       `json:"iteration" db:"iteration"`
	Decision       string    `json:"decision" db:"decision"`           // рассуждение модели
	ActionsTaken   string    `json:"actions_taken" db:"actions_taken"` // сводка выполненных tool calls
	AccountValue   float64   `json:"account_value" db:"account_value"`
	PositionsCount int       `json:"positions_count" db:"positions_count"`
}

// AccountSnapshot - снимок состояния счёта, пишется раз в тик.
//
// Append-only, строго монотонный по Timestamp. Самая старая запись
// фиксирует "начальный баланс" для расчёта доходности.
type AccountSnapshot struct {
	ID            int       `json:"id" db:"id"`
	Timestamp     time.Time `json:"timestamp" db:"timestamp"`
	TotalValue    float64   `json:"total_value" db:"total_value"`
	UnrealizedPnl float64   `json:"unrealized_pnl" db:"unrealized_pnl"`
	ReturnPercent float64   `json:"return_percent" db:"return_percent"`
}
