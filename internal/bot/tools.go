package bot

import (
	"context"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"aitrader/internal/llm"
	"aitrader/internal/models"
	"aitrader/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ============================================================
// Диспетчер tool calls
// ============================================================
//
// Модель предлагает, политика располагает: каждый tool call проходит
// валидацию аргументов и политики до исполнения. Нарушение политики
// не ошибка модели и не ошибка исполнения — отдельный результат
// policy_violation, который возвращается модели в следующем тике.
//
// Состояние диспетчера живёт один тик: открытие позиции требует
// прохождения символа через analyzeOpeningOpportunities с проходным
// баллом в ТОМ ЖЕ тике.

// Результаты исполнения tool call
const (
	ToolResultSuccess         = "success"
	ToolResultError           = "error"
	ToolResultPolicyViolation = "policy_violation"
)

// ToolPolicy - ограничения на действия модели
type ToolPolicy struct {
	MaxLeverage     int
	MaxNotionalUSDT float64
	MaxPositions    int
	ScoreFloor      float64 // проходной балл анализатора для открытия
}

// DefaultToolPolicy возвращает ограничения по умолчанию
func DefaultToolPolicy() ToolPolicy {
	return ToolPolicy{
		MaxLeverage:     20,
		MaxNotionalUSDT: 1000,
		MaxPositions:    5,
		ScoreFloor:      55,
	}
}

// ToolResult - исход одного tool call
type ToolResult struct {
	Tool    string      `json:"tool"`
	Result  string      `json:"result"` // success, error, policy_violation
	Detail  string      `json:"detail,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

// ToolExecutor исполняет tool calls модели с валидацией политики
type ToolExecutor struct {
	engine   *RiskEngine
	analyzer *OpportunityAnalyzer
	policy   ToolPolicy
	logger   *utils.Logger
}

// NewToolExecutor создает диспетчер
func NewToolExecutor(engine *RiskEngine, analyzer *OpportunityAnalyzer, policy ToolPolicy, logger *utils.Logger) *ToolExecutor {
	if logger == nil {
		logger = utils.L()
	}
	return &ToolExecutor{
		engine:   engine,
		analyzer: analyzer,
		policy:   policy,
		logger:   logger.WithComponent("tools"),
	}
}

// Execute исполняет tool calls по порядку. Ошибка одного вызова не
// прерывает остальные: модель получает результаты всех вызовов.
func (t *ToolExecutor) Execute(ctx context.Context, calls []llm.ToolCall) []ToolResult {
	// Баллы анализатора живут один тик
	analyzed := make(map[models.PositionKey]float64)

	results := make([]ToolResult, 0, len(calls))
	for _, call := range calls {
		result := t.execute(ctx, call, analyzed)
		RecordToolCall(call.Name, result.Result)
		if result.Result != ToolResultSuccess {
			t.logger.Warn("Tool call не исполнен",
				utils.String("tool", call.Name),
				utils.String("result", result.Result),
				utils.String("detail", result.Detail))
		}
		results = append(results, result)
	}
	return results
}

func (t *ToolExecutor) execute(ctx context.Context, call llm.ToolCall, analyzed map[models.PositionKey]float64) ToolResult {
	switch call.Name {
	case llm.ToolAnalyzeOpeningOpportunities:
		return t.analyzeOpportunities(ctx, call, analyzed)
	case llm.ToolOpenPosition:
		return t.openPosition(ctx, call, analyzed)
	case llm.ToolClosePosition:
		return t.closePosition(ctx, call)
	case llm.ToolCheckPartialTakeProfit:
		return t.checkPartialTakeProfit(call)
	case llm.ToolExecutePartialTakeProfit:
		return t.executePartialTakeProfit(ctx, call)
	case llm.ToolUpdateTrailingStop:
		return t.updateTrailingStop(ctx, call)
	default:
		return ToolResult{
			Tool:   call.Name,
			Result: ToolResultError,
			Detail: fmt.Sprintf("unknown tool %q", call.Name),
		}
	}
}

func (t *ToolExecutor) analyzeOpportunities(ctx context.Context, call llm.ToolCall, analyzed map[models.PositionKey]float64) ToolResult {
	var args llm.AnalyzeOpportunitiesArgs
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return errResult(call.Name, err)
	}

	opportunities, err := t.analyzer.Analyze(ctx, args.Symbols)
	if err != nil {
		return errResult(call.Name, err)
	}

	for _, opp := range opportunities {
		key := models.PositionKey{Symbol: opp.Symbol, Side: opp.Side}
		if opp.Score > analyzed[key] {
			analyzed[key] = opp.Score
		}
	}

	return ToolResult{Tool: call.Name, Result: ToolResultSuccess, Payload: opportunities}
}

func (t *ToolExecutor) openPosition(ctx context.Context, call llm.ToolCall, analyzed map[models.PositionKey]float64) ToolResult {
	var args llm.OpenPositionArgs
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return errResult(call.Name, err)
	}

	if args.Side != models.SideLong && args.Side != models.SideShort {
		return errResult(call.Name, fmt.Errorf("invalid side %q", args.Side))
	}
	if args.Leverage < 1 || args.Leverage > t.policy.MaxLeverage {
		return policyResult(call.Name, fmt.Sprintf(
			"leverage %d outside [1, %d]", args.Leverage, t.policy.MaxLeverage))
	}
	if args.NotionalUSDT <= 0 || args.NotionalUSDT > t.policy.MaxNotionalUSDT {
		return policyResult(call.Name, fmt.Sprintf(
			"notional %.2f outside (0, %.2f]", args.NotionalUSDT, t.policy.MaxNotionalUSDT))
	}
	if t.policy.MaxPositions > 0 {
		count, err := t.engine.store.Positions.Count()
		if err != nil {
			return errResult(call.Name, err)
		}
		if count >= t.policy.MaxPositions {
			return policyResult(call.Name, fmt.Sprintf(
				"position limit %d reached", t.policy.MaxPositions))
		}
	}

	// Открытие только через анализатор этого же тика
	key := models.PositionKey{Symbol: args.Symbol, Side: args.Side}
	score, ok := analyzed[key]
	if !ok {
		return policyResult(call.Name, fmt.Sprintf(
			"%s %s was not analyzed this tick", args.Symbol, args.Side))
	}
	if score < t.policy.ScoreFloor {
		return policyResult(call.Name, fmt.Sprintf(
			"%s %s score %.0f below floor %.0f", args.Symbol, args.Side, score, t.policy.ScoreFloor))
	}

	pos, err := t.engine.OpenPosition(ctx, args.Symbol, args.Side, args.NotionalUSDT, args.Leverage)
	if err != nil {
		return errResult(call.Name, err)
	}
	return ToolResult{Tool: call.Name, Result: ToolResultSuccess, Payload: pos}
}

func (t *ToolExecutor) closePosition(ctx context.Context, call llm.ToolCall) ToolResult {
	var args llm.ClosePositionArgs
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return errResult(call.Name, err)
	}

	if err := t.engine.ClosePosition(ctx, args.Symbol, args.Side, models.CloseReasonManual, ""); err != nil {
		return errResult(call.Name, err)
	}
	return ToolResult{
		Tool:   call.Name,
		Result: ToolResultSuccess,
		Detail: args.Reason,
	}
}

func (t *ToolExecutor) checkPartialTakeProfit(call llm.ToolCall) ToolResult {
	var args llm.PartialTakeProfitArgs
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return errResult(call.Name, err)
	}

	pos, err := t.engine.store.Positions.GetBySymbolSide(args.Symbol, args.Side)
	if err != nil {
		return errResult(call.Name, err)
	}

	target, fraction, ok := t.engine.NextPartialTarget(pos)
	payload := map[string]interface{}{
		"symbol":          pos.Symbol,
		"side":            pos.Side,
		"currentFraction": pos.PartialCloseFraction,
		"stage":           PartialStage(pos.PartialCloseFraction),
		"hasNextTier":     ok,
	}
	if ok {
		payload["nextTargetPrice"] = target
		payload["nextFraction"] = fraction
	}
	return ToolResult{Tool: call.Name, Result: ToolResultSuccess, Payload: payload}
}

func (t *ToolExecutor) executePartialTakeProfit(ctx context.Context, call llm.ToolCall) ToolResult {
	var args llm.PartialTakeProfitArgs
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return errResult(call.Name, err)
	}

	action, err := t.engine.ExecutePartialTakeProfit(ctx, args.Symbol, args.Side)
	if err != nil {
		return errResult(call.Name, err)
	}
	if action == ActionNone {
		return ToolResult{
			Tool:   call.Name,
			Result: ToolResultSuccess,
			Detail: "no tier reached, nothing executed",
		}
	}
	return ToolResult{Tool: call.Name, Result: ToolResultSuccess, Detail: string(action)}
}

func (t *ToolExecutor) updateTrailingStop(ctx context.Context, call llm.ToolCall) ToolResult {
	var args llm.UpdateTrailingStopArgs
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return errResult(call.Name, err)
	}

	if err := t.engine.UpdateTrailingStop(ctx, args.Symbol, args.Side, args.NewStop); err != nil {
		return errResult(call.Name, err)
	}
	return ToolResult{Tool: call.Name, Result: ToolResultSuccess}
}

func errResult(tool string, err error) ToolResult {
	return ToolResult{Tool: tool, Result: ToolResultError, Detail: err.Error()}
}

func policyResult(tool, detail string) ToolResult {
	return ToolResult{Tool: tool, Result: ToolResultPolicyViolation, Detail: detail}
}
