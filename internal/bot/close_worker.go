package bot

import (
	"context"

	"aitrader/internal/models"
	"aitrader/pkg/utils"
)

// CloseRequest - запрос на закрытие позиции через очередь
type CloseRequest struct {
	Key         models.PositionKey
	Reason      string
	TriggerType string
}

// CloseWorker - очередь закрытий с единственным воркером
//
// Reversal-монитор и health-пути не закрывают позиции сами: они ставят
// запрос в очередь, закрытия исполняет один воркер. Это убирает гонку
// между экстренным закрытием и тиком решающего цикла на одной позиции.
type CloseWorker struct {
	engine *RiskEngine
	queue  chan CloseRequest
	logger *utils.Logger
}

// NewCloseWorker создает воркер закрытий
func NewCloseWorker(engine *RiskEngine, queueSize int, logger *utils.Logger) *CloseWorker {
	if queueSize <= 0 {
		queueSize = 64
	}
	if logger == nil {
		logger = utils.L()
	}
	return &CloseWorker{
		engine: engine,
		queue:  make(chan CloseRequest, queueSize),
		logger: logger.WithComponent("close_worker"),
	}
}

// Start запускает воркер. Блокирует до отмены контекста,
// вызывать в отдельной горутине.
func (w *CloseWorker) Start(ctx context.Context) {
	w.logger.Info("Воркер закрытий запущен")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Воркер закрытий остановлен")
			return
		case req := <-w.queue:
			w.process(ctx, req)
		}
	}
}

// Enqueue ставит запрос в очередь без блокировки.
// Переполнение очереди логируется и запрос отбрасывается:
// следующий тик переоценит позицию и повторит запрос.
func (w *CloseWorker) Enqueue(req CloseRequest) bool {
	select {
	case w.queue <- req:
		return true
	default:
		w.logger.Warn("Очередь закрытий переполнена, запрос отброшен",
			utils.Symbol(req.Key.Symbol),
			utils.Side(req.Key.Side),
			utils.CloseReason(req.Reason))
		return false
	}
}

func (w *CloseWorker) process(ctx context.Context, req CloseRequest) {
	err := w.engine.ClosePosition(ctx, req.Key.Symbol, req.Key.Side, req.Reason, req.TriggerType)
	if err != nil {
		w.logger.Error("Закрытие из очереди не удалось",
			utils.Symbol(req.Key.Symbol),
			utils.Side(req.Key.Side),
			utils.CloseReason(req.Reason),
			utils.Err(err))
		return
	}
	w.logger.Info("Позиция закрыта из очереди",
		utils.Symbol(req.Key.Symbol),
		utils.Side(req.Key.Side),
		utils.CloseReason(req.Reason))
}
