package bot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aitrader/internal/llm"
	"aitrader/pkg/utils"
)

func testExecutor(t *testing.T) *ToolExecutor {
	t.Helper()

	ex := newFakeExchange()
	ex.candles = trendCandles(60, 49000, 50)
	engine, _ := testEngine(t, ex)

	logger := utils.InitLogger(utils.LogConfig{Level: "error"})
	analyzer := NewOpportunityAnalyzer(ex, engine.cache, DefaultAnalyzerConfig([]string{"BTC"}), logger)

	policy := DefaultToolPolicy()
	policy.MaxPositions = 0 // без обращения к БД в тестах политики
	return NewToolExecutor(engine, analyzer, policy, logger)
}

func TestExecuteUnknownTool(t *testing.T) {
	executor := testExecutor(t)

	results := executor.Execute(context.Background(), []llm.ToolCall{
		{Name: "deleteAllPositions", Args: []byte(`{}`)},
	})

	require.Len(t, results, 1)
	assert.Equal(t, ToolResultError, results[0].Result)
	assert.Contains(t, results[0].Detail, "unknown tool")
}

func TestExecuteMalformedArgs(t *testing.T) {
	executor := testExecutor(t)

	results := executor.Execute(context.Background(), []llm.ToolCall{
		{Name: llm.ToolOpenPosition, Args: []byte(`{not json`)},
	})

	require.Len(t, results, 1)
	assert.Equal(t, ToolResultError, results[0].Result)
}

func TestOpenPositionPolicyLeverage(t *testing.T) {
	executor := testExecutor(t)

	results := executor.Execute(context.Background(), []llm.ToolCall{
		{Name: llm.ToolOpenPosition, Args: []byte(`{"symbol":"BTC","side":"long","notionalUsdt":100,"leverage":50}`)},
	})

	require.Len(t, results, 1)
	assert.Equal(t, ToolResultPolicyViolation, results[0].Result)
	assert.Contains(t, results[0].Detail, "leverage")
}

func TestOpenPositionPolicyNotional(t *testing.T) {
	executor := testExecutor(t)

	results := executor.Execute(context.Background(), []llm.ToolCall{
		{Name: llm.ToolOpenPosition, Args: []byte(`{"symbol":"BTC","side":"long","notionalUsdt":5000,"leverage":5}`)},
	})

	require.Len(t, results, 1)
	assert.Equal(t, ToolResultPolicyViolation, results[0].Result)
	assert.Contains(t, results[0].Detail, "notional")
}

func TestOpenPositionRequiresAnalysisSameTick(t *testing.T) {
	executor := testExecutor(t)

	// Открытие без предшествующего анализа в этом тике
	results := executor.Execute(context.Background(), []llm.ToolCall{
		{Name: llm.ToolOpenPosition, Args: []byte(`{"symbol":"BTC","side":"long","notionalUsdt":100,"leverage":5}`)},
	})

	require.Len(t, results, 1)
	assert.Equal(t, ToolResultPolicyViolation, results[0].Result)
	assert.Contains(t, results[0].Detail, "not analyzed")
}

func TestOpenPositionInvalidSide(t *testing.T) {
	executor := testExecutor(t)

	results := executor.Execute(context.Background(), []llm.ToolCall{
		{Name: llm.ToolOpenPosition, Args: []byte(`{"symbol":"BTC","side":"up","notionalUsdt":100,"leverage":5}`)},
	})

	require.Len(t, results, 1)
	assert.Equal(t, ToolResultError, results[0].Result)
	assert.Contains(t, results[0].Detail, "invalid side")
}

func TestAnalyzeOpportunitiesReturnsPayload(t *testing.T) {
	executor := testExecutor(t)

	results := executor.Execute(context.Background(), []llm.ToolCall{
		{Name: llm.ToolAnalyzeOpeningOpportunities, Args: []byte(`{}`)},
	})

	require.Len(t, results, 1)
	assert.Equal(t, ToolResultSuccess, results[0].Result)

	opportunities, ok := results[0].Payload.([]llm.Opportunity)
	require.True(t, ok)
	require.Len(t, opportunities, 1)
	assert.Equal(t, "BTC", opportunities[0].Symbol)
}

func TestAnalysisDoesNotLeakBetweenTicks(t *testing.T) {
	executor := testExecutor(t)

	// Первый тик: анализ проходит
	first := executor.Execute(context.Background(), []llm.ToolCall{
		{Name: llm.ToolAnalyzeOpeningOpportunities, Args: []byte(`{}`)},
	})
	require.Equal(t, ToolResultSuccess, first[0].Result)

	// Второй тик: балл первого тика не действует
	second := executor.Execute(context.Background(), []llm.ToolCall{
		{Name: llm.ToolOpenPosition, Args: []byte(`{"symbol":"BTC","side":"long","notionalUsdt":100,"leverage":5}`)},
	})
	require.Len(t, second, 1)
	assert.Equal(t, ToolResultPolicyViolation, second[0].Result)
}
