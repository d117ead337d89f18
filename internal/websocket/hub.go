package websocket

import (
	"bytes"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"aitrader/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Пул буферов сериализации: Broadcast вызывается на каждый тик и
// каждое уведомление, аллокации на горячем пути нежелательны
var jsonBufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

// Hub управляет активными WebSocket-соединениями дашборда
//
// Один экземпляр на процесс. Все обновления (позиции, счёт,
// уведомления, health, решения агента) уходят broadcast'ом всем
// подключённым клиентам; клиенты ничего не запрашивают.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	stop       chan struct{}

	mu     sync.RWMutex
	logger *utils.Logger
}

// NewHub создает hub
func NewHub(logger *utils.Logger) *Hub {
	if logger == nil {
		logger = utils.L()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
		logger:     logger.WithComponent("websocket"),
	}
}

// Run запускает главный цикл hub'а. Запускать в отдельной горутине.
func (h *Hub) Run() {
	for {
		select {
		case <-h.stop:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("Клиент подключён", utils.Int("total", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("Клиент отключён", utils.Int("total", total))

		case message := <-h.broadcast:
			// Список клиентов копируется под коротким RLock,
			// отправка идёт без блокировки
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			var toRemove []*Client
			for _, client := range clients {
				select {
				case client.send <- message:
				default:
					// Клиент не успевает читать
					toRemove = append(toRemove, client)
				}
			}

			if len(toRemove) > 0 {
				h.mu.Lock()
				for _, client := range toRemove {
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
				}
				total := len(h.clients)
				h.mu.Unlock()
				h.logger.Warn("Медленные клиенты отключены",
					utils.Int("removed", len(toRemove)),
					utils.Int("total", total))
			}
		}
	}
}

// Broadcast сериализует сообщение и отправляет всем клиентам
func (h *Hub) Broadcast(message interface{}) {
	buf := jsonBufferPool.Get().(*bytes.Buffer)
	buf.Reset()

	if err := json.NewEncoder(buf).Encode(message); err != nil {
		h.logger.Error("Сериализация broadcast-сообщения не удалась", utils.Err(err))
		jsonBufferPool.Put(buf)
		return
	}

	data := buf.Bytes()
	if len(data) > 0 && data[len(data)-1] == '\n' {
		data = data[:len(data)-1]
	}

	msg := make([]byte, len(data))
	copy(msg, data)
	jsonBufferPool.Put(buf)

	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Broadcast-канал переполнен, сообщение отброшено")
	}
}

// BroadcastPositionUpdate отправляет обновление позиции
func (h *Hub) BroadcastPositionUpdate(position interface{}) {
	h.Broadcast(&PositionUpdateMessage{Type: "positionUpdate", Data: position})
}

// BroadcastAccountUpdate отправляет обновление счёта
func (h *Hub) BroadcastAccountUpdate(total, unrealizedPnl, returnPercent float64) {
	h.Broadcast(&AccountUpdateMessage{
		Type:          "accountUpdate",
		TotalBalance:  total,
		UnrealizedPnl: unrealizedPnl,
		ReturnPercent: returnPercent,
	})
}

// BroadcastNotification отправляет уведомление
func (h *Hub) BroadcastNotification(notification interface{}) {
	h.Broadcast(&NotificationMessage{Type: "notification", Data: notification})
}

// BroadcastHealthUpdate отправляет свежий health-вердикт
func (h *Hub) BroadcastHealthUpdate(report interface{}) {
	h.Broadcast(&HealthUpdateMessage{Type: "healthUpdate", Data: report})
}

// BroadcastDecision отправляет новое решение агента
func (h *Hub) BroadcastDecision(iteration int, decision interface{}) {
	h.Broadcast(&DecisionUpdateMessage{
		Type:      "decisionUpdate",
		Iteration: iteration,
		Data:      decision,
	})
}

// Stop завершает цикл Run и закрывает все соединения
func (h *Hub) Stop() {
	close(h.stop)
}

// ClientCount возвращает количество подключённых клиентов
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
