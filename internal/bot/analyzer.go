package bot

import (
	"context"
	"fmt"
	"sort"

	"github.com/markcheno/go-talib"

	"aitrader/internal/exchange"
	"aitrader/internal/llm"
	"aitrader/internal/models"
	"aitrader/pkg/utils"
)

// ============================================================
// Анализатор возможностей открытия
// ============================================================
//
// Детерминированный скоринг кандидатов по техническим индикаторам.
// Модель получает отранжированный список и выбирает из него; политика
// диспетчера не даёт открыть позицию мимо проходного балла.
//
// Скоринг 0-100 для лучшей стороны символа:
//
//	RSI(14) в зоне перекупленности/перепроданности  до 35
//	EMA(9) против EMA(21)                           до 35
//	momentum ROC(10)                                до 30

const (
	rsiPeriod = 14
	emaFast   = 9
	emaSlow   = 21

	oppRSIMax      = 35.0
	oppEMAMax      = 35.0
	oppMomentumMax = 30.0
)

// AnalyzerConfig - параметры анализатора
type AnalyzerConfig struct {
	Symbols     []string // сконфигурированные символы
	MaxShow     int      // максимум кандидатов в выдаче
	ScoreFloor  float64  // проходной балл для открытия
	Interval    string   // таймфрейм анализа
	CandleLimit int
}

// DefaultAnalyzerConfig возвращает параметры по умолчанию
func DefaultAnalyzerConfig(symbols []string) AnalyzerConfig {
	return AnalyzerConfig{
		Symbols:     symbols,
		MaxShow:     5,
		ScoreFloor:  55,
		Interval:    "15m",
		CandleLimit: 100,
	}
}

// OpportunityAnalyzer оценивает кандидатов на открытие позиций
type OpportunityAnalyzer struct {
	ex     exchange.Exchange
	cache  *exchange.TTLCache
	cfg    AnalyzerConfig
	logger *utils.Logger
}

// NewOpportunityAnalyzer создает анализатор
func NewOpportunityAnalyzer(ex exchange.Exchange, cache *exchange.TTLCache, cfg AnalyzerConfig, logger *utils.Logger) *OpportunityAnalyzer {
	if logger == nil {
		logger = utils.L()
	}
	return &OpportunityAnalyzer{
		ex:     ex,
		cache:  cache,
		cfg:    cfg,
		logger: logger.WithComponent("analyzer"),
	}
}

// Analyze оценивает символы и возвращает кандидатов по убыванию
// балла, не более MaxShow. Пустой список символов - все
// сконфигурированные. Ошибка по одному символу пропускает его.
func (a *OpportunityAnalyzer) Analyze(ctx context.Context, symbols []string) ([]llm.Opportunity, error) {
	if len(symbols) == 0 {
		symbols = a.cfg.Symbols
	}

	opportunities := make([]llm.Opportunity, 0, len(symbols))
	for _, symbol := range symbols {
		opp, err := a.scoreSymbol(ctx, symbol)
		if err != nil {
			a.logger.Warn("Символ пропущен при анализе",
				utils.Symbol(symbol), utils.Err(err))
			continue
		}
		opportunities = append(opportunities, *opp)
	}

	sort.Slice(opportunities, func(i, j int) bool {
		return opportunities[i].Score > opportunities[j].Score
	})

	if a.cfg.MaxShow > 0 && len(opportunities) > a.cfg.MaxShow {
		opportunities = opportunities[:a.cfg.MaxShow]
	}
	return opportunities, nil
}

func (a *OpportunityAnalyzer) scoreSymbol(ctx context.Context, symbol string) (*llm.Opportunity, error) {
	candles, err := a.getCandles(ctx, symbol, a.cfg.Interval, a.cfg.CandleLimit)
	if err != nil {
		return nil, err
	}
	if len(candles) < emaSlow+1 {
		return nil, fmt.Errorf("not enough candles: %d", len(candles))
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	longScore, longWhy := directionScore(models.SideLong, closes)
	shortScore, shortWhy := directionScore(models.SideShort, closes)

	side, score, rationale := models.SideLong, longScore, longWhy
	if shortScore > longScore {
		side, score, rationale = models.SideShort, shortScore, shortWhy
	}

	return &llm.Opportunity{
		Symbol:    symbol,
		Side:      side,
		Score:     utils.Clamp(score, 0, 100),
		LastPrice: closes[len(closes)-1],
		Rationale: rationale,
	}, nil
}

// directionScore считает балл стороны и короткое обоснование
func directionScore(side string, closes []float64) (float64, string) {
	rsi := talib.Rsi(closes, rsiPeriod)
	fast := talib.Ema(closes, emaFast)
	slow := talib.Ema(closes, emaSlow)
	roc := talib.Roc(closes, rocPeriod)

	lastRSI := rsi[len(rsi)-1]
	lastFast := fast[len(fast)-1]
	lastSlow := slow[len(slow)-1]
	lastROC := roc[len(roc)-1]

	var score float64
	var parts []string

	// RSI: перепроданность в пользу лонга, перекупленность — шорта
	switch {
	case side == models.SideLong && lastRSI < 30:
		score += oppRSIMax
		parts = append(parts, fmt.Sprintf("RSI %.0f oversold", lastRSI))
	case side == models.SideLong && lastRSI < 45:
		score += oppRSIMax * (45 - lastRSI) / 15 * 0.5
	case side == models.SideShort && lastRSI > 70:
		score += oppRSIMax
		parts = append(parts, fmt.Sprintf("RSI %.0f overbought", lastRSI))
	case side == models.SideShort && lastRSI > 55:
		score += oppRSIMax * (lastRSI - 55) / 15 * 0.5
	}

	// EMA-кросс: тренд в направлении стороны
	spread := utils.PercentChange(lastSlow, lastFast)
	if side == models.SideShort {
		spread = -spread
	}
	if spread > 0 {
		score += utils.Min(spread/0.5, 1.0) * oppEMAMax
		parts = append(parts, fmt.Sprintf("EMA%d/%d trend", emaFast, emaSlow))
	}

	// Momentum в направлении стороны
	momentum := lastROC
	if side == models.SideShort {
		momentum = -lastROC
	}
	if momentum > 0 {
		score += utils.Min(momentum/2.0, 1.0) * oppMomentumMax
		parts = append(parts, fmt.Sprintf("ROC %.2f%%", lastROC))
	}

	rationale := ""
	for i, p := range parts {
		if i > 0 {
			rationale += ", "
		}
		rationale += p
	}
	return score, rationale
}

func (a *OpportunityAnalyzer) getCandles(ctx context.Context, symbol, interval string, limit int) ([]exchange.Candle, error) {
	cacheKey := fmt.Sprintf("%s:%s", symbol, interval)
	value, err := a.cache.GetOrLoad(ctx, exchange.CategoryCandles, cacheKey, func(ctx context.Context) (interface{}, error) {
		return a.ex.GetCandles(ctx, symbol, interval, limit)
	})
	if err != nil {
		return nil, err
	}
	return value.([]exchange.Candle), nil
}
