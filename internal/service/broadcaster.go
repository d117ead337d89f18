package service

import (
	"context"

	"aitrader/internal/exchange"
	"aitrader/internal/models"
	"aitrader/internal/repository"
	"aitrader/internal/websocket"
	"aitrader/pkg/utils"
)

// Broadcaster периодически толкает в WebSocket hub состояние счёта,
// позиции и свежие решения агента. Клиенты дашборда получают
// обновления без опроса REST API.
type Broadcaster struct {
	ex     exchange.Exchange
	cache  *exchange.TTLCache
	store  *repository.Store
	hub    *websocket.Hub
	logger *utils.Logger

	lastIteration int
}

// NewBroadcaster создает broadcaster
func NewBroadcaster(ex exchange.Exchange, cache *exchange.TTLCache, store *repository.Store, hub *websocket.Hub, logger *utils.Logger) *Broadcaster {
	if logger == nil {
		logger = utils.L()
	}
	return &Broadcaster{
		ex:     ex,
		cache:  cache,
		store:  store,
		hub:    hub,
		logger: logger.WithComponent("broadcaster"),
	}
}

// Broadcast выполняет один проход. Ошибки отдельных источников не
// срывают остальные рассылки.
func (b *Broadcaster) Broadcast(ctx context.Context) {
	b.broadcastAccount(ctx)
	b.broadcastPositions()
	b.broadcastDecision()
}

func (b *Broadcaster) broadcastAccount(ctx context.Context) {
	value, err := b.cache.GetOrLoad(ctx, exchange.CategoryAccount, "account", func(ctx context.Context) (interface{}, error) {
		return b.ex.GetAccount(ctx)
	})
	if err != nil {
		b.logger.Debug("Счёт недоступен для рассылки", utils.Err(err))
		return
	}
	account := value.(*exchange.Account)
	total := account.Total + account.UnrealizedPnl

	initial, err := b.store.Decisions.InitialBalance()
	if err != nil {
		b.logger.Debug("Начальный баланс недоступен", utils.Err(err))
		initial = 0
	}
	returnPct := 0.0
	if initial > 0 {
		returnPct = (total - initial) / initial * 100
	}

	b.hub.BroadcastAccountUpdate(total, account.UnrealizedPnl, returnPct)
}

func (b *Broadcaster) broadcastPositions() {
	positions, err := b.store.Positions.GetAll()
	if err != nil {
		b.logger.Debug("Позиции недоступны для рассылки", utils.Err(err))
		return
	}
	b.hub.BroadcastPositionUpdate(positions)
}

// broadcastDecision рассылает решение только когда появилась новая
// итерация, а не каждый проход
func (b *Broadcaster) broadcastDecision() {
	decisions, err := b.store.Decisions.GetRecentDecisions(1)
	if err != nil || len(decisions) == 0 {
		return
	}
	latest := decisions[0]
	if latest.Iteration <= b.lastIteration {
		return
	}
	b.lastIteration = latest.Iteration
	b.hub.BroadcastDecision(latest.Iteration, latest)
}

// HubSender дублирует уведомления в WebSocket hub.
// Подключается к Notifier наравне с почтовым отправителем.
type HubSender struct {
	hub *websocket.Hub
}

// NewHubSender создает sender поверх hub
func NewHubSender(hub *websocket.Hub) *HubSender {
	return &HubSender{hub: hub}
}

// Send реализует Sender
func (s *HubSender) Send(notification *models.Notification) error {
	s.hub.BroadcastNotification(notification)
	return nil
}
