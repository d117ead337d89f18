package bot

import (
	"context"
	"fmt"
	"time"

	"github.com/markcheno/go-talib"

	"aitrader/internal/exchange"
	"aitrader/internal/models"
	"aitrader/internal/repository"
	"aitrader/pkg/utils"
)

// ============================================================
// Risk & Stop Engine
// ============================================================
//
// Три пути:
//   открытие  - расчёт стоп-дистанции по ATR и структурным уровням,
//               размещение стоп-лосса и extreme TP, атомарная запись
//   жизнь     - на каждом тике: экстренное закрытие, лесенка частичных
//               фиксаций, peak drawdown, trailing stop, лимит времени
//   закрытие  - отмена триггеров, reduce-only market, атомарная запись;
//               при сбое записи после успеха биржи — InconsistentState
//
// Все мутации одной позиции сериализуются PositionLocks.

// PartialTier - ступень лесенки частичных фиксаций
type PartialTier struct {
	RMultiple float64 // порог в R-множителях стоп-дистанции
	Fraction  float64 // накопленная доля закрытия после ступени
}

// TrailingTier - ступень trailing-стопа
type TrailingTier struct {
	ProfitPct float64 // порог PNL% позиции
	StopPct   float64 // смещение стопа от входа, в долях цены входа
}

// RiskConfig - параметры risk-движка
type RiskConfig struct {
	ATRMultiplier        float64 // множитель ATR(14, 5m) для стоп-дистанции
	MinStopDistancePct   float64 // нижний кламп дистанции, доля от входа
	MaxStopDistancePct   float64 // верхний кламп
	ExtremeTPMultiple    float64 // R для extreme take-profit
	PartialTiers         []PartialTier
	PeakDrawdownFraction float64 // доля отката от peakPnlPercent для закрытия
	TrailingTiers        []TrailingTier
	MaxHoldingHours      float64 // жёсткий лимит времени удержания
	TakerFeeRate         float64 // ставка для оценки комиссии без фактического филла
}

// DefaultRiskConfig возвращает параметры по умолчанию
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		ATRMultiplier:      2.0,
		MinStopDistancePct: 0.005,
		MaxStopDistancePct: 0.03,
		ExtremeTPMultiple:  5.0,
		PartialTiers: []PartialTier{
			{RMultiple: 2, Fraction: 0.33},
			{RMultiple: 3, Fraction: 0.66},
			{RMultiple: 4, Fraction: 1.0},
		},
		PeakDrawdownFraction: 0.5,
		TrailingTiers: []TrailingTier{
			{ProfitPct: 10, StopPct: 0.0},   // безубыток
			{ProfitPct: 20, StopPct: 0.005}, // вход +0.5%
			{ProfitPct: 40, StopPct: 0.015},
		},
		MaxHoldingHours: 36,
		TakerFeeRate:    0.0005,
	}
}

const (
	atrPeriod          = 14
	structuralLookback = 20
	triggerSafetyPct   = 0.003 // минимальная дистанция триггера от mark
	triggerShiftPct    = 0.005 // сдвиг при триггере на сработавшей стороне
	emergencyScore     = 70.0
)

// RiskEngine управляет стопами и жизненным циклом позиций
type RiskEngine struct {
	ex     exchange.Exchange
	cache  *exchange.TTLCache
	store  *repository.Store
	locks  *PositionLocks
	cfg    RiskConfig
	logger *utils.Logger

	// now подменяется в тестах
	now func() time.Time
}

// NewRiskEngine создает risk-движок
func NewRiskEngine(ex exchange.Exchange, cache *exchange.TTLCache, store *repository.Store, locks *PositionLocks, cfg RiskConfig, logger *utils.Logger) *RiskEngine {
	if logger == nil {
		logger = utils.L()
	}
	return &RiskEngine{
		ex:     ex,
		cache:  cache,
		store:  store,
		locks:  locks,
		cfg:    cfg,
		logger: logger.WithComponent("risk"),
		now:    time.Now,
	}
}

// ============================================================
// Открытие
// ============================================================

// OpenPosition открывает позицию: market-ордер, стоп-лосс и extreme TP,
// атомарная запись позиции, сделки открытия и зеркал триггеров
func (e *RiskEngine) OpenPosition(ctx context.Context, symbol, side string, notionalUSDT float64, leverage int) (*models.Position, error) {
	key := models.PositionKey{Symbol: symbol, Side: side}
	e.locks.Lock(key)
	defer e.locks.Unlock(key)

	if _, err := e.store.Positions.GetBySymbolSide(symbol, side); err == nil {
		return nil, fmt.Errorf("position %s %s already open", symbol, side)
	}

	contract, err := e.getContract(ctx, symbol)
	if err != nil {
		return nil, err
	}

	ticker, err := e.ex.GetTicker(ctx, symbol, true)
	if err != nil {
		return nil, err
	}

	// Ошибка смены плеча не фатальна
	if err := e.ex.SetLeverage(ctx, symbol, leverage); err != nil {
		e.logger.Warn("Не удалось установить плечо",
			utils.Symbol(symbol), utils.Leverage(leverage), utils.Err(err))
	}

	qty := e.ex.CalculateQuantity(notionalUSDT, ticker.LastPrice, leverage, contract)
	if qty <= 0 {
		return nil, fmt.Errorf("notional %.2f USDT too small for %s", notionalUSDT, symbol)
	}

	size := qty
	if side == models.SideShort {
		size = -size
	}

	order, err := e.ex.PlaceOrder(ctx, &exchange.OrderRequest{
		Symbol: symbol,
		Size:   size,
	})
	if err != nil {
		return nil, err
	}
	OrdersPlaced.WithLabelValues(symbol, "open").Inc()

	entry := order.AvgFillPrice
	if entry == 0 {
		entry = ticker.LastPrice
	}
	filledQty := order.FilledSize
	if filledQty <= 0 {
		filledQty = qty
	}

	d, err := e.stopDistance(ctx, symbol, side, entry)
	if err != nil {
		// Стоп-дистанция не посчиталась - позиция уже открыта,
		// ставим консервативный минимум вместо отказа
		e.logger.Warn("Стоп-дистанция недоступна, используется минимальная",
			utils.Symbol(symbol), utils.Err(err))
		d = entry * e.cfg.MinStopDistancePct
	}

	stopPrice, tpPrice := e.stopAndTP(side, entry, d)

	stopID, tpID, err := e.placeTriggers(ctx, symbol, side, filledQty, stopPrice, tpPrice, ticker.MarkPrice)
	if err != nil {
		e.logger.Error("Не удалось разместить триггеры после открытия",
			utils.Symbol(symbol), utils.Side(side), utils.Err(err))
		// Позиция без защиты хуже незаписанной: закрываем немедленно
		if closeErr := e.marketClose(ctx, symbol, side, filledQty); closeErr != nil {
			e.recordInconsistent(models.OperationOpenPosition, symbol, side, order.ID)
		}
		return nil, err
	}

	now := e.now()
	position := &models.Position{
		Symbol:     symbol,
		Side:       side,
		Quantity:   filledQty,
		Leverage:   leverage,
		EntryPrice: entry,
		OpenedAt:   now,
		OrderID:    order.ID,
		StopLoss:   stopPrice,
		TakeProfit: tpPrice,
	}
	trade := &models.Trade{
		OrderID:   order.ID,
		Symbol:    symbol,
		Side:      side,
		Type:      models.TradeTypeOpen,
		Price:     entry,
		Quantity:  filledQty,
		Leverage:  leverage,
		Fee:       e.estimateFee(entry, filledQty, contract),
		Timestamp: now,
		Status:    models.TradeStatusFilled,
	}
	triggers := []*models.PriceOrder{
		{
			OrderID: stopID, Symbol: symbol, Side: side,
			Type: models.PriceOrderStopLoss, TriggerPrice: stopPrice,
			Quantity: filledQty, Status: models.PriceOrderStatusActive,
			PositionOrderID: order.ID,
		},
		{
			OrderID: tpID, Symbol: symbol, Side: side,
			Type: models.PriceOrderExtremeTP, TriggerPrice: tpPrice,
			Quantity: filledQty, Status: models.PriceOrderStatusActive,
			PositionOrderID: order.ID,
		},
	}

	if err := e.store.OpenTx(position, trade, triggers); err != nil {
		// Биржа подтвердила открытие, запись не прошла: split-state
		e.recordInconsistent(models.OperationOpenPosition, symbol, side, order.ID)
		return nil, fmt.Errorf("open recorded on exchange but store failed: %w", err)
	}

	e.logger.Info("Позиция открыта",
		utils.Symbol(symbol),
		utils.Side(side),
		utils.Price(entry),
		utils.Quantity(filledQty),
		utils.Leverage(leverage),
		utils.Float64("stop_loss", stopPrice),
		utils.Float64("take_profit", tpPrice))

	return position, nil
}

// stopDistance вычисляет стоп-дистанцию d:
// max(atrMultiplier*ATR(14, 5m), дистанция до структурного уровня),
// с клампом [minPct, maxPct] от цены входа
func (e *RiskEngine) stopDistance(ctx context.Context, symbol, side string, entry float64) (float64, error) {
	candles, err := e.getCandles(ctx, symbol, "5m", 100)
	if err != nil {
		return 0, err
	}
	if len(candles) < atrPeriod+1 {
		return 0, fmt.Errorf("not enough candles for ATR: %d", len(candles))
	}

	high := make([]float64, len(candles))
	low := make([]float64, len(candles))
	closes := make([]float64, len(candles))
	for i, c := range candles {
		high[i] = c.High
		low[i] = c.Low
		closes[i] = c.Close
	}

	atr := talib.Atr(high, low, closes, atrPeriod)
	lastATR := atr[len(atr)-1]

	structural := e.structuralDistance(side, entry, candles)

	d := e.cfg.ATRMultiplier * lastATR
	if structural > d {
		d = structural
	}

	return utils.Clamp(d, entry*e.cfg.MinStopDistancePct, entry*e.cfg.MaxStopDistancePct), nil
}

// structuralDistance - дистанция до ближайшего структурного уровня:
// для лонга до минимума последних свечей, для шорта до максимума
func (e *RiskEngine) structuralDistance(side string, entry float64, candles []exchange.Candle) float64 {
	start := len(candles) - structuralLookback
	if start < 0 {
		start = 0
	}

	if side == models.SideLong {
		lowest := candles[start].Low
		for _, c := range candles[start:] {
			if c.Low < lowest {
				lowest = c.Low
			}
		}
		return entry - lowest
	}

	highest := candles[start].High
	for _, c := range candles[start:] {
		if c.High > highest {
			highest = c.High
		}
	}
	return highest - entry
}

// stopAndTP возвращает цену стоп-лосса и extreme take-profit
func (e *RiskEngine) stopAndTP(side string, entry, d float64) (stopPrice, tpPrice float64) {
	if side == models.SideLong {
		return entry - d, entry + e.cfg.ExtremeTPMultiple*d
	}
	return entry + d, entry - e.cfg.ExtremeTPMultiple*d
}

// ValidateTriggerPrice проверяет направление триггера относительно mark:
// триггер на уже сработавшей стороне сдвигается на 0.5%, триггер ближе
// 0.3% к mark отодвигается до 0.3%
func ValidateTriggerPrice(trigger, mark float64, rule int) float64 {
	switch rule {
	case exchange.TriggerRuleLTE: // сработает когда mark <= trigger
		if trigger >= mark {
			return mark * (1 - triggerShiftPct)
		}
		if trigger > mark*(1-triggerSafetyPct) {
			return mark * (1 - triggerSafetyPct)
		}
	case exchange.TriggerRuleGTE: // сработает когда mark >= trigger
		if trigger <= mark {
			return mark * (1 + triggerShiftPct)
		}
		if trigger < mark*(1+triggerSafetyPct) {
			return mark * (1 + triggerSafetyPct)
		}
	}
	return trigger
}

// triggerRules возвращает правила срабатывания стопа и TP для стороны
func triggerRules(side string) (stopRule, tpRule int) {
	if side == models.SideLong {
		return exchange.TriggerRuleLTE, exchange.TriggerRuleGTE
	}
	return exchange.TriggerRuleGTE, exchange.TriggerRuleLTE
}

// placeTriggers размещает пару серверных триггеров (стоп-лосс и TP)
func (e *RiskEngine) placeTriggers(ctx context.Context, symbol, side string, qty, stopPrice, tpPrice, mark float64) (stopID, tpID string, err error) {
	stopRule, tpRule := triggerRules(side)

	stopPrice = ValidateTriggerPrice(stopPrice, mark, stopRule)
	tpPrice = ValidateTriggerPrice(tpPrice, mark, tpRule)

	stopID, err = e.ex.PlaceTriggerOrder(ctx, &exchange.TriggerOrderRequest{
		Symbol:       symbol,
		PositionSide: side,
		TriggerPrice: stopPrice,
		CloseSize:    qty,
		Rule:         stopRule,
	})
	if err != nil {
		return "", "", fmt.Errorf("place stop-loss: %w", err)
	}
	OrdersPlaced.WithLabelValues(symbol, "trigger").Inc()

	tpID, err = e.ex.PlaceTriggerOrder(ctx, &exchange.TriggerOrderRequest{
		Symbol:       symbol,
		PositionSide: side,
		TriggerPrice: tpPrice,
		CloseSize:    qty,
		Rule:         tpRule,
	})
	if err != nil {
		return "", "", fmt.Errorf("place take-profit: %w", err)
	}
	OrdersPlaced.WithLabelValues(symbol, "trigger").Inc()

	return stopID, tpID, nil
}

// ============================================================
// Жизнь позиции (один вызов на позицию на тик)
// ============================================================

// ManageAction - действие, принятое за тик
type ManageAction string

const (
	ActionNone           ManageAction = "none"
	ActionEmergencyClose ManageAction = "emergency_close"
	ActionTimeLimit      ManageAction = "time_limit_close"
	ActionPeakDrawdown   ManageAction = "peak_drawdown_close"
	ActionPartial        ManageAction = "partial_close"
	ActionFinalPartial   ManageAction = "final_partial_close"
	ActionTrailing       ManageAction = "trailing_advance"
)

// ManagePosition оценивает позицию и исполняет не более одного
// действия за тик. Порядок: экстренное закрытие, лимит времени,
// peak drawdown, лесенка частичных, trailing.
func (e *RiskEngine) ManagePosition(ctx context.Context, pos *models.Position, currentPrice, markPrice float64) (ManageAction, error) {
	contract, err := e.getContract(ctx, pos.Symbol)
	if err != nil {
		return ActionNone, err
	}

	pnl := e.ex.CalculatePnL(pos.EntryPrice, currentPrice, pos.Quantity, pos.Side, contract)
	pnlPct := utils.PnlPercent(pnl, pos.EntryPrice, e.notionalQty(pos.Quantity, contract), pos.Leverage)

	// Peak PNL% обновляется до любых решений
	if pnlPct > pos.PeakPnlPercent {
		pos.PeakPnlPercent = pnlPct
		if err := e.store.Positions.UpdatePeakPnl(pos.ID, pnlPct); err != nil {
			e.logger.Error("Не удалось обновить peak PNL", utils.Symbol(pos.Symbol), utils.Err(err))
		}
	}

	// 1. Экстренное закрытие по тревоге reversal-монитора.
	// Предупреждение (score ниже порога) не закрывает позицию,
	// оно лишь попадает в контекст модели.
	if pos.WarningScore >= emergencyScore {
		EmergencyCloses.WithLabelValues(pos.Symbol, models.CloseReasonTrendReversal).Inc()
		err := e.ClosePosition(ctx, pos.Symbol, pos.Side, models.CloseReasonTrendReversal, "")
		return ActionEmergencyClose, err
	}

	// 2. Жёсткий лимит времени удержания
	if pos.HoldingDuration(e.now()).Hours() >= e.cfg.MaxHoldingHours {
		EmergencyCloses.WithLabelValues(pos.Symbol, models.CloseReasonTimeLimit).Inc()
		err := e.ClosePosition(ctx, pos.Symbol, pos.Side, models.CloseReasonTimeLimit, "")
		return ActionTimeLimit, err
	}

	// 3. Откат от пика
	if pos.PeakPnlPercent > 0 && pnlPct < pos.PeakPnlPercent*(1-e.cfg.PeakDrawdownFraction) {
		EmergencyCloses.WithLabelValues(pos.Symbol, models.CloseReasonPeakDrawdown).Inc()
		err := e.ClosePosition(ctx, pos.Symbol, pos.Side, models.CloseReasonPeakDrawdown, "")
		return ActionPeakDrawdown, err
	}

	// 4. Лесенка частичных фиксаций: не более одной ступени за тик
	if action, executed, err := e.checkPartialLadder(ctx, pos, currentPrice, contract); executed || err != nil {
		return action, err
	}

	// 5. Trailing stop: только без partial в этом тике и без тревог
	if err := e.checkTrailing(ctx, pos, pnlPct, markPrice); err != nil {
		return ActionNone, err
	}

	return ActionNone, nil
}

// riskDistance восстанавливает начальную стоп-дистанцию из extreme TP,
// который не двигается после открытия
func (e *RiskEngine) riskDistance(pos *models.Position) float64 {
	if e.cfg.ExtremeTPMultiple <= 0 {
		return 0
	}
	return utils.Abs(pos.TakeProfit-pos.EntryPrice) / e.cfg.ExtremeTPMultiple
}

// checkPartialLadder исполняет следующую достигнутую ступень лесенки.
// Переход между стадиями валидируется машиной состояний: записанная
// доля не может перепрыгнуть стадию или откатиться назад.
func (e *RiskEngine) checkPartialLadder(ctx context.Context, pos *models.Position, currentPrice float64, contract *exchange.Contract) (ManageAction, bool, error) {
	d := e.riskDistance(pos)
	if d <= 0 || len(e.cfg.PartialTiers) == 0 {
		return ActionNone, false, nil
	}

	state := StateFromFraction(pos.PartialCloseFraction)
	if IsTerminal(state) {
		return ActionNone, false, nil
	}

	for _, tier := range e.cfg.PartialTiers {
		if pos.PartialCloseFraction >= tier.Fraction {
			continue // ступень уже исполнена
		}

		target := pos.EntryPrice + tier.RMultiple*d
		reached := currentPrice >= target
		if pos.Side == models.SideShort {
			target = pos.EntryPrice - tier.RMultiple*d
			reached = currentPrice <= target
		}
		if !reached {
			return ActionNone, false, nil
		}

		next := StateFromFraction(tier.Fraction)
		if !CanTransition(state, next) {
			return ActionNone, false, fmt.Errorf("invalid partial stage transition %s -> %s (fraction %.2f)",
				state, next, pos.PartialCloseFraction)
		}

		if tier.Fraction >= 1.0 {
			// Финальная ступень: закрытие остатка
			err := e.ClosePosition(ctx, pos.Symbol, pos.Side, models.CloseReasonTakeProfit, models.PriceOrderTakeProfit)
			return ActionFinalPartial, true, err
		}

		err := e.executePartial(ctx, pos, tier, currentPrice, contract)
		return ActionPartial, true, err
	}

	return ActionNone, false, nil
}

// executePartial закрывает часть позиции до накопленной доли ступени
// и после первой ступени передвигает стоп-лосс в безубыток
func (e *RiskEngine) executePartial(ctx context.Context, pos *models.Position, tier PartialTier, currentPrice float64, contract *exchange.Contract) error {
	key := pos.Key()
	e.locks.Lock(key)
	defer e.locks.Unlock(key)

	originalQty := pos.Quantity / (1 - pos.PartialCloseFraction)
	closeQty := originalQty * (tier.Fraction - pos.PartialCloseFraction)
	if closeQty <= 0 || closeQty > pos.Quantity {
		return fmt.Errorf("invalid partial close quantity %.8f of %.8f", closeQty, pos.Quantity)
	}

	size := -closeQty
	if pos.Side == models.SideShort {
		size = closeQty
	}

	order, err := e.ex.PlaceOrder(ctx, &exchange.OrderRequest{
		Symbol:     pos.Symbol,
		Size:       size,
		ReduceOnly: true,
	})
	if err != nil {
		return err
	}
	OrdersPlaced.WithLabelValues(pos.Symbol, "partial_close").Inc()

	closePrice := order.AvgFillPrice
	if closePrice == 0 {
		closePrice = currentPrice
	}

	pnl := e.ex.CalculatePnL(pos.EntryPrice, closePrice, closeQty, pos.Side, contract)
	pnlPct := utils.PnlPercent(pnl, pos.EntryPrice, e.notionalQty(closeQty, contract), pos.Leverage)
	fee := e.estimateFee(closePrice, closeQty, contract)

	now := e.now()
	trade := &models.Trade{
		OrderID:   order.ID,
		Symbol:    pos.Symbol,
		Side:      pos.Side,
		Type:      models.TradeTypeClose,
		Price:     closePrice,
		Quantity:  closeQty,
		Leverage:  pos.Leverage,
		Pnl:       &pnl,
		Fee:       fee,
		Timestamp: now,
		Status:    models.TradeStatusFilled,
	}
	event := &models.PositionCloseEvent{
		Symbol:      pos.Symbol,
		Side:        pos.Side,
		EntryPrice:  pos.EntryPrice,
		ClosePrice:  closePrice,
		Quantity:    closeQty,
		Leverage:    pos.Leverage,
		Pnl:         pnl,
		PnlPercent:  pnlPct,
		Fee:         fee,
		CloseReason: models.CloseReasonPartialClose,
		OrderID:     order.ID,
		CreatedAt:   now,
	}

	remaining := pos.Quantity - closeQty
	if err := e.store.PartialCloseTx(pos.ID, remaining, tier.Fraction, trade, event); err != nil {
		e.recordInconsistent(models.OperationPartialClose, pos.Symbol, pos.Side, order.ID)
		return fmt.Errorf("partial close recorded on exchange but store failed: %w", err)
	}

	pos.Quantity = remaining
	prevFraction := pos.PartialCloseFraction
	pos.PartialCloseFraction = tier.Fraction

	RecordClose(pos.Symbol, models.CloseReasonPartialClose, pnl)

	e.logger.Info("Частичная фиксация",
		utils.Symbol(pos.Symbol),
		utils.Side(pos.Side),
		utils.Price(closePrice),
		utils.Quantity(closeQty),
		utils.PNL(pnl),
		utils.Float64("fraction", tier.Fraction))

	// После первой ступени стоп передвигается в безубыток
	if prevFraction == 0 {
		if err := e.advanceStop(ctx, pos, pos.EntryPrice, "partial"); err != nil {
			e.logger.Error("Не удалось передвинуть стоп после частичной фиксации",
				utils.Symbol(pos.Symbol), utils.Err(err))
		}
	}

	return nil
}

// ExecutePartialTakeProfit исполняет следующую достигнутую ступень
// лесенки по явному запросу. Если ни одна новая ступень не достигнута,
// возвращает ActionNone без ордеров.
func (e *RiskEngine) ExecutePartialTakeProfit(ctx context.Context, symbol, side string) (ManageAction, error) {
	pos, err := e.store.Positions.GetBySymbolSide(symbol, side)
	if err != nil {
		return ActionNone, err
	}

	contract, err := e.getContract(ctx, symbol)
	if err != nil {
		return ActionNone, err
	}

	ticker, err := e.ex.GetTicker(ctx, symbol, false)
	if err != nil {
		return ActionNone, err
	}

	action, _, err := e.checkPartialLadder(ctx, pos, ticker.LastPrice, contract)
	return action, err
}

// NextPartialTarget возвращает цену следующей ступени лесенки и её
// накопленную долю. reached=false когда все ступени исполнены.
func (e *RiskEngine) NextPartialTarget(pos *models.Position) (target, fraction float64, ok bool) {
	d := e.riskDistance(pos)
	if d <= 0 {
		return 0, 0, false
	}
	for _, tier := range e.cfg.PartialTiers {
		if pos.PartialCloseFraction >= tier.Fraction {
			continue
		}
		target = pos.EntryPrice + tier.RMultiple*d
		if pos.Side == models.SideShort {
			target = pos.EntryPrice - tier.RMultiple*d
		}
		return target, tier.Fraction, true
	}
	return 0, 0, false
}

// UpdateTrailingStop передвигает стоп по явному запросу.
// newStop = 0 означает расчёт по тирам из текущего PNL%.
// Движение в сторону убытка отклоняется.
func (e *RiskEngine) UpdateTrailingStop(ctx context.Context, symbol, side string, newStop float64) error {
	pos, err := e.store.Positions.GetBySymbolSide(symbol, side)
	if err != nil {
		return err
	}

	if newStop == 0 {
		contract, err := e.getContract(ctx, symbol)
		if err != nil {
			return err
		}
		ticker, err := e.ex.GetTicker(ctx, symbol, true)
		if err != nil {
			return err
		}
		pnl := e.ex.CalculatePnL(pos.EntryPrice, ticker.LastPrice, pos.Quantity, side, contract)
		pnlPct := utils.PnlPercent(pnl, pos.EntryPrice, e.notionalQty(pos.Quantity, contract), pos.Leverage)
		return e.checkTrailing(ctx, pos, pnlPct, ticker.MarkPrice)
	}

	if side == models.SideLong && newStop <= pos.StopLoss {
		return fmt.Errorf("stop %.8f would not advance beyond %.8f", newStop, pos.StopLoss)
	}
	if side == models.SideShort && newStop >= pos.StopLoss {
		return fmt.Errorf("stop %.8f would not advance beyond %.8f", newStop, pos.StopLoss)
	}

	key := pos.Key()
	e.locks.Lock(key)
	defer e.locks.Unlock(key)

	return e.advanceStop(ctx, pos, newStop, "trailing")
}

// checkTrailing передвигает стоп по тирам PNL%. Стоп никогда не
// двигается в сторону убытка.
func (e *RiskEngine) checkTrailing(ctx context.Context, pos *models.Position, pnlPct, markPrice float64) error {
	var newStop float64
	for _, tier := range e.cfg.TrailingTiers {
		if pnlPct < tier.ProfitPct {
			break
		}
		if pos.Side == models.SideLong {
			newStop = pos.EntryPrice * (1 + tier.StopPct)
		} else {
			newStop = pos.EntryPrice * (1 - tier.StopPct)
		}
	}
	if newStop == 0 {
		return nil
	}

	// Движение только в прибыльную сторону
	if pos.Side == models.SideLong && newStop <= pos.StopLoss {
		return nil
	}
	if pos.Side == models.SideShort && newStop >= pos.StopLoss {
		return nil
	}

	key := pos.Key()
	e.locks.Lock(key)
	defer e.locks.Unlock(key)

	return e.advanceStop(ctx, pos, newStop, "trailing")
}

// advanceStop заменяет серверные триггеры позиции: новый стоп,
// прежний extreme TP. Вызывается под мьютексом позиции.
func (e *RiskEngine) advanceStop(ctx context.Context, pos *models.Position, newStop float64, cause string) error {
	ticker, err := e.ex.GetTicker(ctx, pos.Symbol, true)
	if err != nil {
		return err
	}

	if err := e.ex.CancelTriggerOrders(ctx, pos.Symbol); err != nil {
		return err
	}
	if err := e.store.PriceOrders.CancelForPosition(pos.Symbol, pos.Side); err != nil {
		return err
	}

	stopID, tpID, err := e.placeTriggers(ctx, pos.Symbol, pos.Side, pos.Quantity, newStop, pos.TakeProfit, ticker.MarkPrice)
	if err != nil {
		return err
	}

	triggers := []*models.PriceOrder{
		{
			OrderID: stopID, Symbol: pos.Symbol, Side: pos.Side,
			Type: models.PriceOrderStopLoss, TriggerPrice: newStop,
			Quantity: pos.Quantity, Status: models.PriceOrderStatusActive,
			PositionOrderID: pos.OrderID,
		},
		{
			OrderID: tpID, Symbol: pos.Symbol, Side: pos.Side,
			Type: models.PriceOrderExtremeTP, TriggerPrice: pos.TakeProfit,
			Quantity: pos.Quantity, Status: models.PriceOrderStatusActive,
			PositionOrderID: pos.OrderID,
		},
	}
	for _, trigger := range triggers {
		if err := e.store.PriceOrders.Create(trigger); err != nil {
			return err
		}
	}

	if err := e.store.Positions.UpdateStops(pos.ID, newStop, pos.TakeProfit); err != nil {
		return err
	}
	pos.StopLoss = newStop

	TriggersAdvanced.WithLabelValues(pos.Symbol, cause).Inc()
	e.logger.Info("Стоп передвинут",
		utils.Symbol(pos.Symbol),
		utils.Side(pos.Side),
		utils.Float64("new_stop", newStop),
		utils.String("cause", cause))

	return nil
}

// ============================================================
// Закрытие
// ============================================================

// ClosePosition полностью закрывает позицию: отмена триггеров,
// reduce-only market, атомарная запись закрытия
func (e *RiskEngine) ClosePosition(ctx context.Context, symbol, side, reason, triggerType string) error {
	key := models.PositionKey{Symbol: symbol, Side: side}
	e.locks.Lock(key)
	defer e.locks.Unlock(key)

	pos, err := e.store.Positions.GetBySymbolSide(symbol, side)
	if err != nil {
		return err
	}

	contract, err := e.getContract(ctx, symbol)
	if err != nil {
		return err
	}

	if err := e.ex.CancelTriggerOrders(ctx, symbol); err != nil {
		e.logger.Warn("Не удалось отменить триггеры перед закрытием",
			utils.Symbol(symbol), utils.Err(err))
	}

	order, err := e.marketCloseOrder(ctx, symbol, side, pos.Quantity)
	if err != nil {
		return err
	}
	OrdersPlaced.WithLabelValues(symbol, "close").Inc()

	closePrice := order.AvgFillPrice
	if closePrice == 0 {
		if ticker, tickerErr := e.ex.GetTicker(ctx, symbol, false); tickerErr == nil {
			closePrice = ticker.LastPrice
		} else {
			closePrice = pos.EntryPrice
		}
	}

	pnl := e.ex.CalculatePnL(pos.EntryPrice, closePrice, pos.Quantity, side, contract)
	pnlPct := utils.PnlPercent(pnl, pos.EntryPrice, e.notionalQty(pos.Quantity, contract), pos.Leverage)
	fee := e.estimateFee(closePrice, pos.Quantity, contract)

	now := e.now()
	trade := &models.Trade{
		OrderID:   order.ID,
		Symbol:    symbol,
		Side:      side,
		Type:      models.TradeTypeClose,
		Price:     closePrice,
		Quantity:  pos.Quantity,
		Leverage:  pos.Leverage,
		Pnl:       &pnl,
		Fee:       fee,
		Timestamp: now,
		Status:    models.TradeStatusFilled,
	}
	event := &models.PositionCloseEvent{
		Symbol:      symbol,
		Side:        side,
		EntryPrice:  pos.EntryPrice,
		ClosePrice:  closePrice,
		Quantity:    pos.Quantity,
		Leverage:    pos.Leverage,
		Pnl:         pnl,
		PnlPercent:  pnlPct,
		Fee:         fee,
		CloseReason: reason,
		TriggerType: triggerType,
		OrderID:     order.ID,
		CreatedAt:   now,
	}

	if err := e.store.CloseTx(pos.ID, trade, event); err != nil {
		// Биржа закрыла позицию, запись не прошла: split-state
		e.recordInconsistent(models.OperationClosePosition, symbol, side, order.ID)
		return fmt.Errorf("close recorded on exchange but store failed: %w", err)
	}

	RecordClose(symbol, reason, pnl)
	e.logger.Info("Позиция закрыта",
		utils.Symbol(symbol),
		utils.Side(side),
		utils.Price(closePrice),
		utils.PNL(pnl),
		utils.CloseReason(reason))

	return nil
}

// marketCloseOrder размещает reduce-only market ордер закрытия
func (e *RiskEngine) marketCloseOrder(ctx context.Context, symbol, side string, qty float64) (*exchange.Order, error) {
	size := -qty
	if side == models.SideShort {
		size = qty
	}
	return e.ex.PlaceOrder(ctx, &exchange.OrderRequest{
		Symbol:     symbol,
		Size:       size,
		ReduceOnly: true,
	})
}

func (e *RiskEngine) marketClose(ctx context.Context, symbol, side string, qty float64) error {
	_, err := e.marketCloseOrder(ctx, symbol, side, qty)
	return err
}

// recordInconsistent пишет расхождение в собственной транзакции
func (e *RiskEngine) recordInconsistent(operation, symbol, side, orderID string) {
	state := &models.InconsistentState{
		Operation:       operation,
		Symbol:          symbol,
		Side:            side,
		ExchangeOrderID: orderID,
		CreatedAt:       e.now(),
	}
	if err := e.store.InconsistentStates.Create(state); err != nil {
		// Худший случай: и запись расхождения не прошла
		e.logger.Error("КРИТИЧНО: не удалось записать InconsistentState",
			utils.Symbol(symbol),
			utils.Side(side),
			utils.String("operation", operation),
			utils.OrderID(orderID),
			utils.Err(err))
		return
	}
	e.logger.Warn("Записано расхождение биржа/БД",
		utils.Symbol(symbol),
		utils.Side(side),
		utils.String("operation", operation),
		utils.OrderID(orderID))
}

// ============================================================
// Вспомогательные
// ============================================================

// notionalQty переводит размер позиции в количество монет для
// расчёта PNL% (контрактные единицы умножаются на множитель)
func (e *RiskEngine) notionalQty(qty float64, contract *exchange.Contract) float64 {
	if contract.Type == exchange.ContractTypeInverse {
		return qty * contract.QuantoMultiplier
	}
	return qty
}

// estimateFee оценивает комиссию по ставке тейкера
func (e *RiskEngine) estimateFee(price, qty float64, contract *exchange.Contract) float64 {
	return exchange.Notional(price, qty, contract) * e.cfg.TakerFeeRate
}

func (e *RiskEngine) getContract(ctx context.Context, symbol string) (*exchange.Contract, error) {
	value, err := e.cache.GetOrLoad(ctx, exchange.CategoryContract, symbol, func(ctx context.Context) (interface{}, error) {
		return e.ex.GetContract(ctx, symbol)
	})
	if err != nil {
		return nil, err
	}
	return value.(*exchange.Contract), nil
}

func (e *RiskEngine) getCandles(ctx context.Context, symbol, interval string, limit int) ([]exchange.Candle, error) {
	cacheKey := fmt.Sprintf("%s:%s", symbol, interval)
	value, err := e.cache.GetOrLoad(ctx, exchange.CategoryCandles, cacheKey, func(ctx context.Context) (interface{}, error) {
		return e.ex.GetCandles(ctx, symbol, interval, limit)
	})
	if err != nil {
		return nil, err
	}
	return value.([]exchange.Candle), nil
}
