package bot

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"aitrader/internal/exchange"
	"aitrader/internal/llm"
	"aitrader/internal/models"
	"aitrader/internal/repository"
	"aitrader/pkg/utils"
)

// ============================================================
// Планировщик решающего цикла
// ============================================================
//
// Один тик:
//
//	1. снимок счёта и позиций (деградация кеша допустима)
//	2. прогрев свечей по всем символам
//	3. детерминированный risk-проход по каждой позиции
//	4. запись снимка счёта
//	5. сборка контекста для модели
//	6. Decide + исполнение tool calls
//	7. запись решения
//
// Перекрытие тиков запрещено дважды: cron.SkipIfStillRunning плюс
// собственный inFlight-флаг на случай ручного Trigger.

// SchedulerConfig - интервалы и символы планировщика
type SchedulerConfig struct {
	TradingInterval  time.Duration // решающий цикл
	ReversalInterval time.Duration // монитор разворота
	ResolveInterval  time.Duration // reconciler
	Symbols          []string
	CandleIntervals  []string // прогреваемые таймфреймы
	TickTimeout      time.Duration
}

// DefaultSchedulerConfig возвращает интервалы по умолчанию
func DefaultSchedulerConfig(symbols []string) SchedulerConfig {
	return SchedulerConfig{
		TradingInterval:  15 * time.Minute,
		ReversalInterval: 3 * time.Minute,
		ResolveInterval:  10 * time.Minute,
		Symbols:          symbols,
		CandleIntervals:  []string{"5m", "15m", "1h"},
		TickTimeout:      5 * time.Minute,
	}
}

// TickContext - контекст тика, сериализуется модели
type TickContext struct {
	Timestamp   time.Time              `json:"timestamp"`
	Iteration   int                    `json:"iteration"`
	Account     *exchange.Account      `json:"account,omitempty"`
	Positions   []*models.PositionView `json:"positions"`
	Symbols     []string               `json:"symbols"`
	Degraded    bool                   `json:"degraded"` // данные из устаревшего кеша
	RiskActions []string               `json:"riskActions,omitempty"`
}

// Scheduler управляет cron-задачами торгового ядра
type Scheduler struct {
	ex       exchange.Exchange
	cache    *exchange.TTLCache
	store    *repository.Store
	engine   *RiskEngine
	tools    *ToolExecutor
	decider  llm.Decider
	reversal *ReversalMonitor
	cfg      SchedulerConfig
	logger   *utils.Logger

	cron     *cron.Cron
	inFlight atomic.Bool
}

// NewScheduler создает планировщик
func NewScheduler(
	ex exchange.Exchange,
	cache *exchange.TTLCache,
	store *repository.Store,
	engine *RiskEngine,
	tools *ToolExecutor,
	decider llm.Decider,
	reversal *ReversalMonitor,
	cfg SchedulerConfig,
	logger *utils.Logger,
) *Scheduler {
	if logger == nil {
		logger = utils.L()
	}
	logger = logger.WithComponent("scheduler")

	cronLogger := cron.PrintfLogger(utils.NewCronPrintfAdapter(logger))
	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cronLogger),
		cron.Recover(cronLogger),
	))

	return &Scheduler{
		ex:       ex,
		cache:    cache,
		store:    store,
		engine:   engine,
		tools:    tools,
		decider:  decider,
		reversal: reversal,
		cfg:      cfg,
		logger:   logger,
		cron:     c,
	}
}

// Start регистрирует задачи и запускает cron
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(every(s.cfg.TradingInterval), func() {
		s.RunTick(ctx)
	}); err != nil {
		return fmt.Errorf("schedule trading tick: %w", err)
	}

	if s.reversal != nil {
		if _, err := s.cron.AddFunc(every(s.cfg.ReversalInterval), func() {
			if err := s.reversal.CheckAll(ctx); err != nil {
				s.logger.Error("Проход монитора разворота не удался", utils.Err(err))
			}
		}); err != nil {
			return fmt.Errorf("schedule reversal monitor: %w", err)
		}
	}

	s.cron.Start()
	s.logger.Info("Планировщик запущен",
		utils.Duration("trading_interval", s.cfg.TradingInterval),
		utils.Duration("reversal_interval", s.cfg.ReversalInterval))
	return nil
}

// AddJob регистрирует дополнительную периодическую задачу
// (reconciler, health-опрос). Вызывать до Start.
func (s *Scheduler) AddJob(interval time.Duration, name string, fn func()) error {
	_, err := s.cron.AddFunc(every(interval), fn)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	return nil
}

// Stop останавливает cron и дожидается завершения задач
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("Планировщик остановлен")
}

// RunTick исполняет один тик решающего цикла. Пропускается если
// предыдущий тик ещё исполняется.
func (s *Scheduler) RunTick(ctx context.Context) {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.logger.Warn("Тик пропущен: предыдущий ещё исполняется")
		DecisionLoopTotal.WithLabelValues("skipped").Inc()
		return
	}
	defer s.inFlight.Store(false)

	tickCtx, cancel := context.WithTimeout(ctx, s.cfg.TickTimeout)
	defer cancel()

	started := time.Now()
	err := s.tick(tickCtx)
	DecisionLoopDuration.Observe(time.Since(started).Seconds())

	if err != nil {
		DecisionLoopTotal.WithLabelValues("error").Inc()
		s.logger.Error("Тик завершился с ошибкой", utils.Err(err))
		return
	}
	DecisionLoopTotal.WithLabelValues("success").Inc()
}

func (s *Scheduler) tick(ctx context.Context) error {
	iteration, err := s.store.Decisions.LastIteration()
	if err != nil {
		return fmt.Errorf("last iteration: %w", err)
	}
	iteration++

	s.logger.Info("Тик начат", utils.Iteration(iteration))

	// 1. Счёт: блокировка координатора не срывает тик,
	// допускается устаревший кеш
	account, degraded := s.loadAccount(ctx)

	// 2. Прогрев свечей
	s.warmCandles(ctx)

	// 3. Risk-проход по каждой позиции
	positions, riskActions, err := s.managePositions(ctx)
	if err != nil {
		return fmt.Errorf("manage positions: %w", err)
	}
	PositionsOpen.Set(float64(len(positions)))

	// 4. Снимок счёта
	if account != nil {
		if err := s.recordSnapshot(account); err != nil {
			s.logger.Error("Не удалось записать снимок счёта", utils.Err(err))
		}
	}

	// 5-6. Контекст, решение, исполнение
	tickContext := &TickContext{
		Timestamp:   time.Now().UTC(),
		Iteration:   iteration,
		Account:     account,
		Positions:   positions,
		Symbols:     s.cfg.Symbols,
		Degraded:    degraded,
		RiskActions: riskActions,
	}
	prompt, err := json.MarshalToString(tickContext)
	if err != nil {
		return fmt.Errorf("marshal tick context: %w", err)
	}

	decision, err := s.decider.Decide(ctx, prompt)
	if err != nil {
		return fmt.Errorf("decide: %w", err)
	}

	results := s.tools.Execute(ctx, decision.ToolCalls)

	// 7. Запись решения
	actionsTaken, err := json.MarshalToString(results)
	if err != nil {
		actionsTaken = fmt.Sprintf("marshal failed: %v", err)
	}
	accountValue := 0.0
	if account != nil {
		accountValue = account.Total + account.UnrealizedPnl
	}
	record := &models.AgentDecision{
		Timestamp:      time.Now().UTC(),
		Iteration:      iteration,
		Decision:       decision.Reasoning,
		ActionsTaken:   actionsTaken,
		AccountValue:   accountValue,
		PositionsCount: len(positions),
	}
	if err := s.store.Decisions.CreateDecision(record); err != nil {
		return fmt.Errorf("record decision: %w", err)
	}

	s.logger.Info("Тик завершён",
		utils.Iteration(iteration),
		utils.Int("tool_calls", len(decision.ToolCalls)),
		utils.Int("positions", len(positions)))
	return nil
}

// loadAccount загружает счёт через кеш. При блокировке координатора
// допускается устаревшее значение, при полном отказе - nil.
func (s *Scheduler) loadAccount(ctx context.Context) (*exchange.Account, bool) {
	value, err := s.cache.GetOrLoad(ctx, exchange.CategoryAccount, "account", func(ctx context.Context) (interface{}, error) {
		return s.ex.GetAccount(ctx)
	})
	if err != nil {
		s.logger.Warn("Счёт недоступен, тик продолжается без снимка", utils.Err(err))
		return nil, true
	}
	return value.(*exchange.Account), s.cache.Degraded()
}

func (s *Scheduler) warmCandles(ctx context.Context) {
	for _, symbol := range s.cfg.Symbols {
		for _, interval := range s.cfg.CandleIntervals {
			symbol, interval := symbol, interval
			cacheKey := fmt.Sprintf("%s:%s", symbol, interval)
			_, err := s.cache.GetOrLoad(ctx, exchange.CategoryCandles, cacheKey, func(ctx context.Context) (interface{}, error) {
				return s.ex.GetCandles(ctx, symbol, interval, 100)
			})
			if err != nil {
				s.logger.Warn("Прогрев свечей не удался",
					utils.Symbol(symbol),
					utils.String("interval", interval),
					utils.Err(err))
			}
		}
	}
}

// managePositions выполняет risk-проход и собирает представления
// позиций для контекста модели
func (s *Scheduler) managePositions(ctx context.Context) ([]*models.PositionView, []string, error) {
	positions, err := s.store.Positions.GetAll()
	if err != nil {
		return nil, nil, err
	}

	views := make([]*models.PositionView, 0, len(positions))
	var riskActions []string

	for _, pos := range positions {
		ticker, err := s.ex.GetTicker(ctx, pos.Symbol, true)
		if err != nil {
			s.logger.Error("Тикер недоступен, позиция пропущена в этом тике",
				utils.Symbol(pos.Symbol), utils.Err(err))
			continue
		}

		action, err := s.engine.ManagePosition(ctx, pos, ticker.LastPrice, ticker.MarkPrice)
		if err != nil {
			s.logger.Error("Risk-проход по позиции не удался",
				utils.Symbol(pos.Symbol), utils.Side(pos.Side), utils.Err(err))
		}
		if action != ActionNone {
			riskActions = append(riskActions,
				fmt.Sprintf("%s %s: %s", pos.Symbol, pos.Side, action))
		}
		// Закрывающие действия убирают позицию из контекста
		switch action {
		case ActionEmergencyClose, ActionTimeLimit, ActionPeakDrawdown, ActionFinalPartial:
			continue
		}

		views = append(views, s.buildView(ctx, pos, ticker.LastPrice))
	}
	return views, riskActions, nil
}

func (s *Scheduler) buildView(ctx context.Context, pos *models.Position, currentPrice float64) *models.PositionView {
	view := &models.PositionView{
		Position:      *pos,
		CurrentPrice:  currentPrice,
		HoldingHours:  pos.HoldingDuration(time.Now()).Hours(),
		PartialStage:  PartialStage(pos.PartialCloseFraction),
		ReversalScore: pos.WarningScore,
	}

	contract, err := s.getContract(ctx, pos.Symbol)
	if err == nil {
		pnl := s.ex.CalculatePnL(pos.EntryPrice, currentPrice, pos.Quantity, pos.Side, contract)
		qty := pos.Quantity
		if contract.Type == exchange.ContractTypeInverse {
			qty = pos.Quantity * contract.QuantoMultiplier
		}
		view.UnrealizedPnl = pnl
		view.PnlPercent = utils.PnlPercent(pnl, pos.EntryPrice, qty, pos.Leverage)
	}
	return view
}

func (s *Scheduler) recordSnapshot(account *exchange.Account) error {
	total := account.Total + account.UnrealizedPnl

	initial, err := s.store.Decisions.InitialBalance()
	if err != nil {
		return err
	}
	returnPct := 0.0
	if initial > 0 {
		returnPct = (total - initial) / initial * 100
	}

	return s.store.Decisions.CreateSnapshot(&models.AccountSnapshot{
		Timestamp:     time.Now().UTC(),
		TotalValue:    total,
		UnrealizedPnl: account.UnrealizedPnl,
		ReturnPercent: returnPct,
	})
}

func (s *Scheduler) getContract(ctx context.Context, symbol string) (*exchange.Contract, error) {
	value, err := s.cache.GetOrLoad(ctx, exchange.CategoryContract, symbol, func(ctx context.Context) (interface{}, error) {
		return s.ex.GetContract(ctx, symbol)
	})
	if err != nil {
		return nil, err
	}
	return value.(*exchange.Contract), nil
}

// every форматирует интервал в cron-спецификацию @every
func every(d time.Duration) string {
	return "@every " + d.String()
}
