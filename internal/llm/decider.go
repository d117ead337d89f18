// Package llm определяет контракт LLM-коллаборатора.
//
// Сам вызов модели вне ядра: ядро строит контекст, передаёт его
// Decider'у и исполняет возвращённые tool calls. Реализация может
// ходить в любой API, ядру важен только контракт.
package llm

import (
	"context"

	jsoniter "github.com/json-iterator/go"
)

// Имена инструментов, доступных модели. Закрытое множество:
// неизвестное имя — ошибка диспетчера, а не расширение протокола.
const (
	ToolAnalyzeOpeningOpportunities = "analyzeOpeningOpportunities"
	ToolOpenPosition                = "openPosition"
	ToolClosePosition               = "closePosition"
	ToolCheckPartialTakeProfit      = "checkPartialTakeProfitOpportunity"
	ToolExecutePartialTakeProfit    = "executePartialTakeProfit"
	ToolUpdateTrailingStop          = "updateTrailingStop"
)

// ToolCall - один вызов инструмента, возвращённый моделью
type ToolCall struct {
	Name string              `json:"name"`
	Args jsoniter.RawMessage `json:"args"`
}

// Decision - ответ модели за один тик
type Decision struct {
	Reasoning string     `json:"reasoning"`
	ToolCalls []ToolCall `json:"toolCalls"`
}

// Decider - контракт LLM-коллаборатора
type Decider interface {
	// Decide получает сериализованный контекст тика и возвращает
	// рассуждение и последовательность tool calls для исполнения
	Decide(ctx context.Context, prompt string) (*Decision, error)
}

// ============================================================
// Типизированные аргументы инструментов
// ============================================================

// OpenPositionArgs - аргументы openPosition
type OpenPositionArgs struct {
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"` // long, short
	NotionalUSDT float64 `json:"notionalUsdt"`
	Leverage     int     `json:"leverage"`
}

// ClosePositionArgs - аргументы closePosition
type ClosePositionArgs struct {
	Symbol string `json:"symbol"`
	Side   string `json:"side"`
	Reason string `json:"reason,omitempty"`
}

// AnalyzeOpportunitiesArgs - аргументы analyzeOpeningOpportunities
type AnalyzeOpportunitiesArgs struct {
	Symbols []string `json:"symbols,omitempty"` // пусто = все сконфигурированные
}

// PartialTakeProfitArgs - аргументы check/executePartialTakeProfit
type PartialTakeProfitArgs struct {
	Symbol string `json:"symbol"`
	Side   string `json:"side"`
}

// UpdateTrailingStopArgs - аргументы updateTrailingStop
type UpdateTrailingStopArgs struct {
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	NewStop  float64 `json:"newStop,omitempty"` // 0 = вычислить по тирам
}

// Opportunity - оценённый кандидат на открытие
type Opportunity struct {
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"`
	Score     float64 `json:"score"` // 0-100
	LastPrice float64 `json:"lastPrice"`
	Rationale string  `json:"rationale,omitempty"`
}
