package websocket

// Типы сообщений, отправляемых клиентам дашборда.
// Сервер только пишет: входящие сообщения игнорируются.

// PositionUpdateMessage - обновление открытой позиции
type PositionUpdateMessage struct {
	Type string      `json:"type"` // positionUpdate
	Data interface{} `json:"data"`
}

// AccountUpdateMessage - обновление состояния счёта
type AccountUpdateMessage struct {
	Type          string  `json:"type"` // accountUpdate
	TotalBalance  float64 `json:"totalBalance"`
	UnrealizedPnl float64 `json:"unrealisedPnl"`
	ReturnPercent float64 `json:"returnPercent"`
}

// NotificationMessage - новое уведомление
type NotificationMessage struct {
	Type string      `json:"type"` // notification
	Data interface{} `json:"data"`
}

// HealthUpdateMessage - смена вердикта health-проверки
type HealthUpdateMessage struct {
	Type string      `json:"type"` // healthUpdate
	Data interface{} `json:"data"`
}

// DecisionUpdateMessage - новое решение агента
type DecisionUpdateMessage struct {
	Type      string      `json:"type"` // decisionUpdate
	Iteration int         `json:"iteration"`
	Data      interface{} `json:"data"`
}
