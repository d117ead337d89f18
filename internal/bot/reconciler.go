package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"aitrader/internal/exchange"
	"aitrader/internal/models"
	"aitrader/internal/repository"
	"aitrader/pkg/utils"
)

// ============================================================
// Reconciler: восстановление после split-state
// ============================================================
//
// Split-state возникает когда биржа исполнила операцию, а запись в БД
// не прошла. Источник истины — биржа: reconciler сверяет каждую
// неразрешённую запись InconsistentState с фактическими позициями и
// филлами и синтезирует недостающие записи.
//
// Гарантии:
//   - повторный запуск на консистентной базе — no-op
//   - одна запись ремонтируется в одной транзакции вместе с resolve
//   - падение ремонта не блокирует остальные записи

// Уровни тревог reconciler'а
const (
	AlertWarning  = "warning"
	AlertCritical = "critical"

	consecutiveFailureAlert = 5  // подряд по одной записи -> WARNING
	totalFailureAlert       = 10 // всего за проход -> CRITICAL
)

// Alerter - получатель тревог reconciler'а
type Alerter interface {
	Alert(severity, title, message string)
}

// ReconcilerStatus - сводка для health-сервиса
type ReconcilerStatus struct {
	UnresolvedStates int       `json:"unresolvedStates"`
	OrphanOrders     int       `json:"orphanOrders"`
	OnlyInExchange   []string  `json:"onlyInExchange"` // "symbol side"
	OnlyInDB         []string  `json:"onlyInDb"`
	LastRunAt        time.Time `json:"lastRunAt"`
	LastRunOK        bool      `json:"lastRunOk"`
}

// ReconcilerConfig - параметры reconciler'а
type ReconcilerConfig struct {
	TakerFeeRate float64 // оценка комиссии без фактического филла
	FillLookback time.Duration
}

// DefaultReconcilerConfig возвращает параметры по умолчанию
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		TakerFeeRate: 0.0005,
		FillLookback: 5 * time.Minute,
	}
}

// Reconciler сверяет локальное состояние с биржей
type Reconciler struct {
	ex      exchange.Exchange
	store   *repository.Store
	locks   *PositionLocks
	alerter Alerter
	cfg     ReconcilerConfig
	logger  *utils.Logger

	mu          sync.Mutex
	status      ReconcilerStatus
	rowFailures map[int]int // подряд неудачных попыток по id записи
	now         func() time.Time
}

// NewReconciler создает reconciler
func NewReconciler(ex exchange.Exchange, store *repository.Store, locks *PositionLocks, alerter Alerter, cfg ReconcilerConfig, logger *utils.Logger) *Reconciler {
	if logger == nil {
		logger = utils.L()
	}
	return &Reconciler{
		ex:          ex,
		store:       store,
		locks:       locks,
		alerter:     alerter,
		cfg:         cfg,
		logger:      logger.WithComponent("reconciler"),
		rowFailures: make(map[int]int),
		now:         time.Now,
	}
}

// Status возвращает сводку последнего прохода
func (r *Reconciler) Status() ReconcilerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Run выполняет один проход reconciler'а:
// разрешение split-state записей, сверка позиций, уборка триггеров-сирот
func (r *Reconciler) Run(ctx context.Context) error {
	states, err := r.store.InconsistentStates.GetUnresolved()
	if err != nil {
		r.finishRun(0, 0, nil, nil, false)
		return fmt.Errorf("load unresolved states: %w", err)
	}

	exchangePositions, err := r.ex.GetPositions(ctx)
	if err != nil {
		r.finishRun(len(states), 0, nil, nil, false)
		return fmt.Errorf("load exchange positions: %w", err)
	}
	onExchange := make(map[models.PositionKey]*exchange.Position, len(exchangePositions))
	for _, p := range exchangePositions {
		onExchange[models.PositionKey{Symbol: p.Symbol, Side: p.Side}] = p
	}

	totalFailures := 0
	for _, state := range states {
		if err := r.resolveState(ctx, state, onExchange); err != nil {
			totalFailures++
			ReconcilerFailures.Inc()
			r.noteRowFailure(state, err)
		} else {
			r.mu.Lock()
			delete(r.rowFailures, state.ID)
			r.mu.Unlock()
			ReconcilerRepairs.WithLabelValues(state.Operation).Inc()
		}
	}
	if totalFailures >= totalFailureAlert && r.alerter != nil {
		r.alerter.Alert(AlertCritical, "Reconciler: массовые сбои",
			fmt.Sprintf("%d записей не удалось разрешить за один проход", totalFailures))
	}

	onlyInExchange, vanished := r.comparePositions(onExchange)

	// Позиция есть в БД, но исчезла с биржи: серверный стоп или TP
	// исполнился без записи. Биржа - источник истины, закрытие
	// синтезируется; в сводку попадают только неотремонтированные.
	var onlyInDB []string
	for _, pos := range vanished {
		if err := r.closeVanished(ctx, pos); err != nil {
			totalFailures++
			ReconcilerFailures.Inc()
			onlyInDB = append(onlyInDB, fmt.Sprintf("%s %s", pos.Symbol, pos.Side))
			r.logger.Error("Не удалось восстановить закрытие исчезнувшей позиции",
				utils.Symbol(pos.Symbol), utils.Side(pos.Side), utils.Err(err))
		} else {
			ReconcilerRepairs.WithLabelValues("triggered_close").Inc()
		}
	}

	orphans := r.sweepOrphanTriggers(ctx, onExchange)

	unresolved, err := r.store.InconsistentStates.CountUnresolved()
	if err != nil {
		unresolved = totalFailures
	}
	InconsistentStatesUnresolved.Set(float64(unresolved))

	r.finishRun(unresolved, orphans, onlyInExchange, onlyInDB, totalFailures == 0)
	return nil
}

// resolveState разрешает одну запись split-state
func (r *Reconciler) resolveState(ctx context.Context, state *models.InconsistentState, onExchange map[models.PositionKey]*exchange.Position) error {
	key := models.PositionKey{Symbol: state.Symbol, Side: state.Side}
	r.locks.Lock(key)
	defer r.locks.Unlock(key)

	localPos, localErr := r.store.Positions.GetBySymbolSide(state.Symbol, state.Side)
	hasLocal := localErr == nil
	_, hasExchange := onExchange[key]

	switch state.Operation {
	case models.OperationClosePosition, models.OperationPartialClose:
		// Биржа закрыла (полностью или частично), запись не прошла
		if !hasExchange && hasLocal {
			return r.synthesizeClose(ctx, state, localPos)
		}
		if hasExchange && hasLocal {
			// Биржа и БД согласны, что позиция жива: ложная тревога
			// (close на бирже не исполнился), запись разрешается
			return r.store.InconsistentStates.Resolve(state.ID, models.ResolvedByAuto)
		}
		if !hasExchange && !hasLocal {
			// Обе стороны согласны, что позиции нет
			return r.store.InconsistentStates.Resolve(state.ID, models.ResolvedByAuto)
		}
		// Позиция есть на бирже, но нет в БД - разрешается веткой open
		fallthrough

	case models.OperationOpenPosition:
		// Биржа открыла, запись не прошла: позиция без локального
		// учёта и без стопов закрывается немедленно
		if hasExchange && !hasLocal {
			return r.closeUntracked(ctx, state, onExchange[key])
		}
		if !hasExchange {
			// Позиции на бирже нет (открытие не исполнилось или уже
			// закрыто вручную) - расхождения больше нет
			return r.store.InconsistentStates.Resolve(state.ID, models.ResolvedByAuto)
		}
		// hasExchange && hasLocal: открытие в итоге записано
		return r.store.InconsistentStates.Resolve(state.ID, models.ResolvedByAuto)

	default:
		return fmt.Errorf("unknown operation %q", state.Operation)
	}
}

// synthesizeClose восстанавливает запись закрытия по филлам биржи.
// Сделка, событие закрытия, отмена зеркал триггеров, удаление позиции
// и resolve выполняются одной транзакцией.
func (r *Reconciler) synthesizeClose(ctx context.Context, state *models.InconsistentState, pos *models.Position) error {
	contract, err := r.ex.GetContract(ctx, state.Symbol)
	if err != nil {
		return err
	}

	since := state.CreatedAt.Add(-r.cfg.FillLookback)
	closePrice, actualFee, orderID := r.findCloseFill(ctx, state.Symbol, state.Side, since, state.ExchangeOrderID)
	if closePrice == 0 {
		closePrice = pos.EntryPrice // худший случай: PNL 0
	}

	pnl := r.ex.CalculatePnL(pos.EntryPrice, closePrice, pos.Quantity, pos.Side, contract)
	qty := pos.Quantity
	if contract.Type == exchange.ContractTypeInverse {
		qty = pos.Quantity * contract.QuantoMultiplier
	}
	pnlPct := utils.PnlPercent(pnl, pos.EntryPrice, qty, pos.Leverage)

	fee := actualFee
	if fee == 0 {
		fee = exchange.Notional(closePrice, pos.Quantity, contract) * r.cfg.TakerFeeRate
	}

	now := r.now()
	trade := &models.Trade{
		OrderID:   orderID,
		Symbol:    state.Symbol,
		Side:      state.Side,
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
		Symbol:      state.Symbol,
		Side:        state.Side,
		EntryPrice:  pos.EntryPrice,
		ClosePrice:  closePrice,
		Quantity:    pos.Quantity,
		Leverage:    pos.Leverage,
		Pnl:         pnl,
		PnlPercent:  pnlPct,
		Fee:         fee,
		CloseReason: models.CloseReasonSystemRecovered,
		OrderID:     orderID,
		CreatedAt:   now,
	}

	if err := r.store.RecoverCloseTx(pos.ID, state.ID, trade, event); err != nil {
		return err
	}

	RecordClose(state.Symbol, models.CloseReasonSystemRecovered, pnl)
	r.logger.Info("Закрытие восстановлено по данным биржи",
		utils.Symbol(state.Symbol),
		utils.Side(state.Side),
		utils.Price(closePrice),
		utils.PNL(pnl))
	return nil
}

// findCloseFill ищет закрывающий филл начиная с указанного времени.
// Возвращает нули если филл не найден.
func (r *Reconciler) findCloseFill(ctx context.Context, symbol, side string, since time.Time, fallbackOrderID string) (price, fee float64, orderID string) {
	fills, err := r.ex.GetMyTrades(ctx, symbol, 50, since)
	if err != nil {
		r.logger.Warn("Филлы недоступны, закрытие будет синтезировано без них",
			utils.Symbol(symbol), utils.Err(err))
		return 0, 0, fallbackOrderID
	}

	for _, fill := range fills {
		// Закрывающий филл направлен против позиции
		closing := fill.Size < 0
		if side == models.SideShort {
			closing = fill.Size > 0
		}
		if closing {
			return fill.Price, fill.Fee, fill.OrderID
		}
	}
	return 0, 0, fallbackOrderID
}

// closeVanished записывает закрытие позиции, которой больше нет на
// бирже: серверный триггер исполнился, локальная строка осталась.
// Без ремонта движок продолжал бы вести несуществующую позицию.
func (r *Reconciler) closeVanished(ctx context.Context, pos *models.Position) error {
	key := pos.Key()
	r.locks.Lock(key)
	defer r.locks.Unlock(key)

	// Позиция могла закрыться штатно, пока шёл проход
	current, err := r.store.Positions.GetBySymbolSide(pos.Symbol, pos.Side)
	if err != nil {
		return nil
	}
	pos = current

	contract, err := r.ex.GetContract(ctx, pos.Symbol)
	if err != nil {
		return err
	}

	closePrice, actualFee, orderID := r.findCloseFill(ctx, pos.Symbol, pos.Side, pos.OpenedAt, pos.OrderID)
	if closePrice == 0 {
		closePrice = pos.EntryPrice // худший случай: PNL 0
	}

	reason, triggerType := classifyTriggeredClose(pos, closePrice)

	pnl := r.ex.CalculatePnL(pos.EntryPrice, closePrice, pos.Quantity, pos.Side, contract)
	qty := pos.Quantity
	if contract.Type == exchange.ContractTypeInverse {
		qty = pos.Quantity * contract.QuantoMultiplier
	}
	pnlPct := utils.PnlPercent(pnl, pos.EntryPrice, qty, pos.Leverage)

	fee := actualFee
	if fee == 0 {
		fee = exchange.Notional(closePrice, pos.Quantity, contract) * r.cfg.TakerFeeRate
	}

	now := r.now()
	trade := &models.Trade{
		OrderID:   orderID,
		Symbol:    pos.Symbol,
		Side:      pos.Side,
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
		Symbol:      pos.Symbol,
		Side:        pos.Side,
		EntryPrice:  pos.EntryPrice,
		ClosePrice:  closePrice,
		Quantity:    pos.Quantity,
		Leverage:    pos.Leverage,
		Pnl:         pnl,
		PnlPercent:  pnlPct,
		Fee:         fee,
		CloseReason: reason,
		TriggerType: triggerType,
		OrderID:     orderID,
		CreatedAt:   now,
	}

	if err := r.store.TriggeredCloseTx(pos.ID, triggerType, trade, event); err != nil {
		return err
	}

	// Второй серверный триггер больше не нужен
	if err := r.ex.CancelTriggerOrders(ctx, pos.Symbol); err != nil {
		r.logger.Warn("Не удалось отменить оставшиеся триггеры",
			utils.Symbol(pos.Symbol), utils.Err(err))
	}

	RecordClose(pos.Symbol, reason, pnl)
	r.logger.Info("Закрытие серверным триггером восстановлено",
		utils.Symbol(pos.Symbol),
		utils.Side(pos.Side),
		utils.Price(closePrice),
		utils.CloseReason(reason),
		utils.PNL(pnl))
	return nil
}

// classifyTriggeredClose определяет сработавший триггер по близости
// цены закрытия к стопу и extreme TP
func classifyTriggeredClose(pos *models.Position, closePrice float64) (reason, triggerType string) {
	hasStop := pos.StopLoss > 0
	hasTP := pos.TakeProfit > 0

	switch {
	case !hasStop && !hasTP:
		return models.CloseReasonSystemRecovered, ""
	case !hasTP:
		return models.CloseReasonStopLoss, models.PriceOrderStopLoss
	case !hasStop:
		return models.CloseReasonTakeProfit, models.PriceOrderExtremeTP
	}

	if utils.Abs(closePrice-pos.StopLoss) <= utils.Abs(closePrice-pos.TakeProfit) {
		return models.CloseReasonStopLoss, models.PriceOrderStopLoss
	}
	return models.CloseReasonTakeProfit, models.PriceOrderExtremeTP
}

// closeUntracked закрывает позицию, открытую на бирже без локального
// учёта, и записывает синтетическое событие закрытия
func (r *Reconciler) closeUntracked(ctx context.Context, state *models.InconsistentState, exPos *exchange.Position) error {
	contract, err := r.ex.GetContract(ctx, state.Symbol)
	if err != nil {
		return err
	}

	size := -exPos.Size
	if exPos.Side == models.SideShort {
		size = exPos.Size
	}
	order, err := r.ex.PlaceOrder(ctx, &exchange.OrderRequest{
		Symbol:     state.Symbol,
		Size:       size,
		ReduceOnly: true,
	})
	if err != nil {
		return fmt.Errorf("close untracked position: %w", err)
	}

	closePrice := order.AvgFillPrice
	if closePrice == 0 {
		closePrice = exPos.MarkPrice
	}
	pnl := r.ex.CalculatePnL(exPos.EntryPrice, closePrice, exPos.Size, exPos.Side, contract)
	fee := exchange.Notional(closePrice, exPos.Size, contract) * r.cfg.TakerFeeRate

	now := r.now()
	trade := &models.Trade{
		OrderID:   order.ID,
		Symbol:    state.Symbol,
		Side:      exPos.Side,
		Type:      models.TradeTypeClose,
		Price:     closePrice,
		Quantity:  exPos.Size,
		Leverage:  exPos.Leverage,
		Pnl:       &pnl,
		Fee:       fee,
		Timestamp: now,
		Status:    models.TradeStatusFilled,
	}
	event := &models.PositionCloseEvent{
		Symbol:      state.Symbol,
		Side:        exPos.Side,
		EntryPrice:  exPos.EntryPrice,
		ClosePrice:  closePrice,
		Quantity:    exPos.Size,
		Leverage:    exPos.Leverage,
		Pnl:         pnl,
		Fee:         fee,
		CloseReason: models.CloseReasonSystemRecovered,
		OrderID:     order.ID,
		CreatedAt:   now,
	}

	if err := r.store.RecoverCloseTx(0, state.ID, trade, event); err != nil {
		return err
	}

	RecordClose(state.Symbol, models.CloseReasonSystemRecovered, pnl)
	r.logger.Warn("Неучтённая позиция закрыта",
		utils.Symbol(state.Symbol),
		utils.Side(exPos.Side),
		utils.Price(closePrice))
	return nil
}

// comparePositions сверяет позиции БД с биржей. Возвращает ключи
// позиций, которые есть только на бирже, и локальные позиции,
// которых на бирже больше нет
func (r *Reconciler) comparePositions(onExchange map[models.PositionKey]*exchange.Position) (onlyInExchange []string, vanished []*models.Position) {
	local, err := r.store.Positions.GetAll()
	if err != nil {
		r.logger.Error("Не удалось загрузить локальные позиции для сверки", utils.Err(err))
		return nil, nil
	}

	inDB := make(map[models.PositionKey]bool, len(local))
	for _, p := range local {
		key := p.Key()
		inDB[key] = true
		if _, ok := onExchange[key]; !ok {
			vanished = append(vanished, p)
		}
	}
	for key := range onExchange {
		if !inDB[key] {
			onlyInExchange = append(onlyInExchange, fmt.Sprintf("%s %s", key.Symbol, key.Side))
		}
	}

	if len(onlyInExchange)+len(vanished) > 0 {
		r.logger.Warn("Расхождение позиций биржа/БД",
			utils.Int("only_in_exchange", len(onlyInExchange)),
			utils.Int("only_in_db", len(vanished)))
	}
	return onlyInExchange, vanished
}

// sweepOrphanTriggers отменяет активные триггеры, у которых нет ни
// локальной позиции, ни позиции на бирже
func (r *Reconciler) sweepOrphanTriggers(ctx context.Context, onExchange map[models.PositionKey]*exchange.Position) int {
	active, err := r.store.PriceOrders.GetActive()
	if err != nil {
		r.logger.Error("Не удалось загрузить активные триггеры", utils.Err(err))
		return 0
	}

	swept := 0
	seen := make(map[models.PositionKey]bool)
	for _, trigger := range active {
		key := models.PositionKey{Symbol: trigger.Symbol, Side: trigger.Side}
		if seen[key] {
			continue
		}
		seen[key] = true

		if _, err := r.store.Positions.GetBySymbolSide(trigger.Symbol, trigger.Side); err == nil {
			continue
		}
		if _, ok := onExchange[key]; ok {
			continue
		}

		if err := r.ex.CancelTriggerOrders(ctx, trigger.Symbol); err != nil {
			r.logger.Error("Не удалось отменить триггеры-сироты",
				utils.Symbol(trigger.Symbol), utils.Err(err))
			continue
		}
		if err := r.store.PriceOrders.CancelForPosition(trigger.Symbol, trigger.Side); err != nil {
			r.logger.Error("Не удалось пометить триггеры-сироты отменёнными",
				utils.Symbol(trigger.Symbol), utils.Err(err))
			continue
		}
		swept++
		r.logger.Info("Триггеры-сироты отменены",
			utils.Symbol(trigger.Symbol), utils.Side(trigger.Side))
	}
	return swept
}

// noteRowFailure учитывает неудачу по записи и шлёт WARNING
// после серии подряд
func (r *Reconciler) noteRowFailure(state *models.InconsistentState, err error) {
	r.mu.Lock()
	r.rowFailures[state.ID]++
	count := r.rowFailures[state.ID]
	r.mu.Unlock()

	r.logger.Error("Запись не разрешена",
		utils.Int("state_id", state.ID),
		utils.Symbol(state.Symbol),
		utils.Int("consecutive_failures", count),
		utils.Err(err))

	if count == consecutiveFailureAlert && r.alerter != nil {
		r.alerter.Alert(AlertWarning, "Reconciler: запись не разрешается",
			fmt.Sprintf("%s %s (%s): %d неудачных попыток подряд",
				state.Symbol, state.Side, state.Operation, count))
	}
}

func (r *Reconciler) finishRun(unresolved, orphans int, onlyInExchange, onlyInDB []string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = ReconcilerStatus{
		UnresolvedStates: unresolved,
		OrphanOrders:     orphans,
		OnlyInExchange:   onlyInExchange,
		OnlyInDB:         onlyInDB,
		LastRunAt:        r.now(),
		LastRunOK:        ok,
	}
}
