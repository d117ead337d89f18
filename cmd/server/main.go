package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"aitrader/internal/api"
	"aitrader/internal/bot"
	"aitrader/internal/config"
	"aitrader/internal/exchange"
	"aitrader/internal/llm"
	"aitrader/internal/repository"
	"aitrader/internal/service"
	"aitrader/internal/websocket"
	"aitrader/pkg/utils"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

func main() {
	// .env необязателен: в контейнере конфигурация приходит из окружения
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := utils.InitGlobalLogger(utils.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	defer logger.Sync()

	// База данных
	db, err := initDatabase(cfg)
	if err != nil {
		logger.Fatal("Не удалось подключиться к базе данных", utils.Err(err))
	}
	defer db.Close()

	if err := repository.RunMigrations(db); err != nil {
		logger.Fatal("Миграции не применились", utils.Err(err))
	}
	logger.Info("База данных готова", utils.String("dsn", cfg.Database.DSNWithoutPassword()))

	store := repository.NewStore(db)

	// Биржа: координатор -> адаптер -> кеш
	coordinator := exchange.NewCoordinator(exchange.CoordinatorConfig{
		Exchange:             cfg.Exchange.Name,
		MaxRequestsPerMinute: cfg.Exchange.MaxRequestsPerMinute,
		MinRequestDelay:      cfg.Exchange.MinRequestDelay,
	}, logger)
	coordinator.Start()
	defer coordinator.Stop()

	ex, err := exchange.New(exchange.FactoryConfig{
		Exchange:  cfg.Exchange.Name,
		APIKey:    cfg.Exchange.APIKey,
		SecretKey: cfg.Exchange.SecretKey,
		Testnet:   cfg.Exchange.Testnet,
		Symbols:   cfg.Trading.Symbols,
	}, coordinator, logger)
	if err != nil {
		logger.Fatal("Не удалось создать биржевой адаптер", utils.Err(err))
	}

	cache := exchange.NewTTLCache(logger)

	// WebSocket hub
	hub := websocket.NewHub(logger)
	go hub.Run()

	// Уведомления: журнал + почта + WebSocket
	var senders []service.Sender
	if cfg.SMTP.Host != "" {
		senders = append(senders, service.NewSMTPSender(service.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
			To:       cfg.SMTP.To,
		}))
	}
	senders = append(senders, service.NewHubSender(hub))
	notifier := service.NewNotifier(store, senders, logger)

	// Торговое ядро
	riskCfg := bot.DefaultRiskConfig()
	riskCfg.ATRMultiplier = cfg.Risk.ATRMultiplier
	riskCfg.MinStopDistancePct = cfg.Risk.MinStopDistancePct
	riskCfg.MaxStopDistancePct = cfg.Risk.MaxStopDistancePct
	riskCfg.ExtremeTPMultiple = cfg.Risk.ExtremeTPMultiple
	riskCfg.PeakDrawdownFraction = cfg.Risk.PeakDrawdownFraction
	riskCfg.MaxHoldingHours = cfg.Risk.MaxHoldingHours
	riskCfg.TakerFeeRate = cfg.Risk.TakerFeeRate

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	locks := bot.NewPositionLocks()
	engine := bot.NewRiskEngine(ex, cache, store, locks, riskCfg, logger)

	closer := bot.NewCloseWorker(engine, 0, logger)
	go closer.Start(ctx)

	reversal := bot.NewReversalMonitor(ex, cache, store, closer, bot.DefaultReversalConfig(), logger)

	analyzerCfg := bot.DefaultAnalyzerConfig(cfg.Trading.Symbols)
	analyzerCfg.MaxShow = cfg.Trading.MaxOpportunitiesShown
	analyzerCfg.ScoreFloor = cfg.Trading.OpportunityScoreFloor
	analyzer := bot.NewOpportunityAnalyzer(ex, cache, analyzerCfg, logger)

	tools := bot.NewToolExecutor(engine, analyzer, bot.ToolPolicy{
		MaxLeverage:     cfg.Trading.MaxLeverage,
		MaxNotionalUSDT: cfg.Trading.MaxNotionalUSDT,
		MaxPositions:    cfg.Trading.MaxPositions,
		ScoreFloor:      cfg.Trading.OpportunityScoreFloor,
	}, logger)

	var decider llm.Decider
	if cfg.LLM.APIKey != "" {
		decider = llm.NewClient(llm.ClientConfig{
			APIURL:      cfg.LLM.APIURL,
			APIKey:      cfg.LLM.APIKey,
			Model:       cfg.LLM.Model,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
			Timeout:     cfg.LLM.Timeout,
			MaxRetries:  llm.DefaultClientConfig().MaxRetries,
		}, logger)
		logger.Info("LLM подключен", utils.String("model", cfg.LLM.Model))
	} else {
		decider = llm.Disabled{}
		logger.Warn("LLM_API_KEY не задан: агент ведёт позиции без модели")
	}

	reconcilerCfg := bot.DefaultReconcilerConfig()
	reconcilerCfg.TakerFeeRate = cfg.Risk.TakerFeeRate
	reconciler := bot.NewReconciler(ex, store, locks, notifier, reconcilerCfg, logger)

	health := service.NewHealthService(coordinator, cache, store, reconciler, logger)
	broadcaster := service.NewBroadcaster(ex, cache, store, hub, logger)

	// Планировщик: решающий цикл + монитор разворота + фоновые задачи
	scheduler := bot.NewScheduler(ex, cache, store, engine, tools, decider, reversal, bot.SchedulerConfig{
		TradingInterval:  cfg.Intervals.Trading,
		ReversalInterval: cfg.Intervals.ReversalMonitor,
		ResolveInterval:  cfg.Intervals.Resolve,
		Symbols:          cfg.Trading.Symbols,
		CandleIntervals:  []string{"5m", "15m", "1h"},
		TickTimeout:      5 * time.Minute,
	}, logger)

	if err := scheduler.AddJob(cfg.Intervals.Resolve, "reconciler", func() {
		if err := reconciler.Run(ctx); err != nil {
			logger.Error("Проход reconciler не удался", utils.Err(err))
		}
	}); err != nil {
		logger.Fatal("Не удалось зарегистрировать reconciler", utils.Err(err))
	}

	if err := scheduler.AddJob(cfg.Intervals.HealthCheck, "health", func() {
		hub.BroadcastHealthUpdate(health.Check(ctx))
	}); err != nil {
		logger.Fatal("Не удалось зарегистрировать health-опрос", utils.Err(err))
	}

	if err := scheduler.AddJob(cfg.Intervals.PriceOrderCheck, "close-events", func() {
		if err := notifier.ProcessCloseEvents(ctx); err != nil {
			logger.Error("Обработка событий закрытия не удалась", utils.Err(err))
		}
		broadcaster.Broadcast(ctx)
	}); err != nil {
		logger.Fatal("Не удалось зарегистрировать обработку событий", utils.Err(err))
	}

	if err := scheduler.Start(ctx); err != nil {
		logger.Fatal("Планировщик не запустился", utils.Err(err))
	}

	// HTTP сервер
	router := api.SetupRoutes(&api.Dependencies{
		Exchange: ex,
		Cache:    cache,
		Store:    store,
		Notifier: notifier,
		Health:   health,
		Hub:      hub,
		Symbols:  cfg.Trading.Symbols,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("HTTP сервер запущен", utils.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP сервер упал", utils.Err(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Останавливаемся...")

	scheduler.Stop()
	cancel()
	hub.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP сервер не остановился корректно", utils.Err(err))
	}

	if err := ex.Close(); err != nil {
		logger.Error("Биржевой адаптер не закрылся корректно", utils.Err(err))
	}
	exchange.CloseGlobalClient()

	logger.Info("Остановлено")
}

// initDatabase создает подключение к базе данных
func initDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Настройка пула соединений
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Проверка подключения
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
