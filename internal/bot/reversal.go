package bot

import (
	"context"
	"fmt"

	"github.com/markcheno/go-talib"

	"aitrader/internal/exchange"
	"aitrader/internal/models"
	"aitrader/internal/repository"
	"aitrader/pkg/utils"
)

// ============================================================
// Монитор разворота тренда
// ============================================================
//
// Работает чаще решающего цикла и только по открытым позициям.
// Считает скоринг разворота 0-100 против стороны позиции:
//
//	momentum (ROC)      до 40
//	свечной паттерн     до 30
//	всплеск объёма      до 30
//
// Скоринг >= порога — запрос экстренного закрытия в очередь.
// Монитор никогда не открывает позиции и не закрывает их сам.

const (
	rocPeriod       = 10
	volumeLookback  = 20
	volumeSurgeMult = 2.0

	scoreMomentumMax = 40.0
	scoreCandleMax   = 30.0
	scoreVolumeMax   = 30.0
)

// ReversalConfig - параметры монитора разворота
type ReversalConfig struct {
	EmergencyScore float64 // порог экстренного закрытия
	WarningScore   float64 // порог предупреждения (флаг без закрытия)
}

// DefaultReversalConfig возвращает пороги по умолчанию
func DefaultReversalConfig() ReversalConfig {
	return ReversalConfig{
		EmergencyScore: 70,
		WarningScore:   50,
	}
}

// ReversalMonitor оценивает риск разворота по открытым позициям
type ReversalMonitor struct {
	ex     exchange.Exchange
	cache  *exchange.TTLCache
	store  *repository.Store
	closer *CloseWorker
	cfg    ReversalConfig
	logger *utils.Logger
}

// NewReversalMonitor создает монитор разворота
func NewReversalMonitor(ex exchange.Exchange, cache *exchange.TTLCache, store *repository.Store, closer *CloseWorker, cfg ReversalConfig, logger *utils.Logger) *ReversalMonitor {
	if logger == nil {
		logger = utils.L()
	}
	return &ReversalMonitor{
		ex:     ex,
		cache:  cache,
		store:  store,
		closer: closer,
		cfg:    cfg,
		logger: logger.WithComponent("reversal"),
	}
}

// CheckAll оценивает все открытые позиции за один проход.
// Ошибка по одной позиции не прерывает проход по остальным.
func (m *ReversalMonitor) CheckAll(ctx context.Context) error {
	positions, err := m.store.Positions.GetAll()
	if err != nil {
		return err
	}

	for _, pos := range positions {
		if err := m.checkPosition(ctx, pos); err != nil {
			m.logger.Error("Не удалось оценить позицию",
				utils.Symbol(pos.Symbol), utils.Side(pos.Side), utils.Err(err))
		}
	}
	return nil
}

func (m *ReversalMonitor) checkPosition(ctx context.Context, pos *models.Position) error {
	candles, err := m.getCandles(ctx, pos.Symbol, "5m", 100)
	if err != nil {
		return err
	}
	if len(candles) < volumeLookback+1 {
		return fmt.Errorf("not enough candles: %d", len(candles))
	}

	score := Score(pos.Side, candles)
	warning := score >= m.cfg.WarningScore

	if err := m.store.Positions.UpdateWarnings(pos.ID, score, warning); err != nil {
		return err
	}
	pos.WarningScore = score
	pos.ReversalWarning = warning

	if score >= m.cfg.EmergencyScore {
		m.logger.Warn("Разворот тренда, запрошено экстренное закрытие",
			utils.Symbol(pos.Symbol),
			utils.Side(pos.Side),
			utils.Float64("score", score))
		m.closer.Enqueue(CloseRequest{
			Key:    pos.Key(),
			Reason: models.CloseReasonTrendReversal,
		})
		return nil
	}

	if warning {
		m.logger.Info("Предупреждение о развороте",
			utils.Symbol(pos.Symbol),
			utils.Side(pos.Side),
			utils.Float64("score", score))
	}
	return nil
}

// Score считает скоринг разворота 0-100 против стороны позиции
func Score(side string, candles []exchange.Candle) float64 {
	closes := make([]float64, len(candles))
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		volumes[i] = c.Volume
	}

	score := momentumScore(side, closes) +
		candleScore(side, candles[len(candles)-1]) +
		volumeScore(side, candles, volumes)

	return utils.Clamp(score, 0, 100)
}

// momentumScore - вклад momentum: ROC против стороны позиции.
// ROC -2% против лонга даёт максимум.
func momentumScore(side string, closes []float64) float64 {
	if len(closes) <= rocPeriod {
		return 0
	}
	roc := talib.Roc(closes, rocPeriod)
	last := roc[len(roc)-1]

	adverse := -last // для лонга опасно падение
	if side == models.SideShort {
		adverse = last
	}
	if adverse <= 0 {
		return 0
	}
	return utils.Min(adverse/2.0, 1.0) * scoreMomentumMax
}

// candleScore - вклад свечного паттерна: последняя свеча с телом
// против позиции, занимающим большую часть диапазона
func candleScore(side string, last exchange.Candle) float64 {
	rng := last.High - last.Low
	if rng <= 0 {
		return 0
	}

	body := last.Close - last.Open
	adverse := -body // для лонга опасна медвежья свеча
	if side == models.SideShort {
		adverse = body
	}
	if adverse <= 0 {
		return 0
	}

	bodyRatio := adverse / rng
	if bodyRatio < 0.6 {
		return bodyRatio / 0.6 * scoreCandleMax * 0.5
	}
	return scoreCandleMax
}

// volumeScore - вклад объёма: всплеск на свече против позиции
func volumeScore(side string, candles []exchange.Candle, volumes []float64) float64 {
	n := len(volumes)
	start := n - 1 - volumeLookback
	if start < 0 {
		start = 0
	}

	var sum float64
	count := 0
	for _, v := range volumes[start : n-1] {
		sum += v
		count++
	}
	if count == 0 || sum == 0 {
		return 0
	}
	avg := sum / float64(count)

	last := candles[n-1]
	adverse := last.Close < last.Open // против лонга
	if side == models.SideShort {
		adverse = last.Close > last.Open
	}
	if !adverse {
		return 0
	}

	surge := last.Volume / avg
	if surge < volumeSurgeMult {
		return 0
	}
	// 2x даёт половину, 4x и выше — максимум
	return utils.Min((surge-volumeSurgeMult)/volumeSurgeMult, 1.0)*scoreVolumeMax*0.5 + scoreVolumeMax*0.5
}

func (m *ReversalMonitor) getCandles(ctx context.Context, symbol, interval string, limit int) ([]exchange.Candle, error) {
	cacheKey := fmt.Sprintf("%s:%s", symbol, interval)
	value, err := m.cache.GetOrLoad(ctx, exchange.CategoryCandles, cacheKey, func(ctx context.Context) (interface{}, error) {
		return m.ex.GetCandles(ctx, symbol, interval, limit)
	})
	if err != nil {
		return nil, err
	}
	return value.([]exchange.Candle), nil
}
