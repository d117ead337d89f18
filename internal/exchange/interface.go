package exchange

import (
	"context"
	"errors"
	"time"
)

// Exchange определяет унифицированный интерфейс для работы с любой биржей
//
// Две реализации: Gate (контрактная математика с quanto multiplier,
// размер в целых контрактах) и Binance (линейные USDT-M фьючерсы,
// размер в монетах). Весь остальной код работает только через этот
// интерфейс.
//
// Каждая операция ретраится при временных ошибках (1s, 2s, 4s);
// 401 и нехватка средств не ретраятся.
type Exchange interface {
	// GetName возвращает имя биржи
	GetName() string

	// ContractType возвращает тип контрактов: linear или inverse.
	// Определяет математику количества и PNL.
	ContractType() string

	// NormalizeSymbol приводит биржевой идентификатор контракта
	// к каноническому символу (BTC_USDT -> BTC, BTCUSDT -> BTC)
	NormalizeSymbol(contractID string) string

	// ContractID приводит канонический символ к биржевому
	// идентификатору контракта (BTC -> BTC_USDT или BTCUSDT)
	ContractID(symbol string) string

	// GetContract получает метаданные контракта.
	// Метаданные неизменны в рамках сессии и кешируются бессрочно.
	GetContract(ctx context.Context, symbol string) (*Contract, error)

	// GetTicker получает текущую цену актива.
	// MarkPrice/IndexPrice заполняются только при includeMark=true.
	GetTicker(ctx context.Context, symbol string, includeMark bool) (*Ticker, error)

	// GetCandles получает свечи по возрастанию времени.
	// interval из {1m,5m,15m,30m,1h,4h,1d}, limit <= 1000.
	// На тестовой сети volume может быть 0.
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)

	// GetAccount получает состояние фьючерсного счёта.
	// Total НЕ включает нереализованный PNL.
	GetAccount(ctx context.Context) (*Account, error)

	// GetPositions получает открытые позиции только по
	// сконфигурированным символам; позиции с size=0 отфильтрованы
	GetPositions(ctx context.Context) ([]*Position, error)

	// PlaceOrder размещает ордер. Размер со знаком (минус = шорт/продажа),
	// автоматически клампится к [OrderSizeMin, OrderSizeMax]; цена
	// клампится при отклонении > 1.5% от mark; market-ордер = tif ioc.
	// При нехватке средств возвращает ErrInsufficientFunds.
	PlaceOrder(ctx context.Context, req *OrderRequest) (*Order, error)

	// PlaceTriggerOrder размещает серверный триггерный ордер.
	// Rule кодирует условие >= / <= относительно mark price.
	// Цена триггера округляется до шага цены контракта.
	PlaceTriggerOrder(ctx context.Context, req *TriggerOrderRequest) (string, error)

	// CancelTriggerOrders снимает все триггерные ордера по символу
	// (пустой символ = по всем). Идемпотентна: 404 считается успехом.
	CancelTriggerOrders(ctx context.Context, symbol string) error

	// GetMyTrades получает историю сделок, новые первыми.
	// Каждая запись несёт комиссию в валюте котировки.
	GetMyTrades(ctx context.Context, symbol string, limit int, startTime time.Time) ([]*Fill, error)

	// SetLeverage устанавливает плечо. Ошибка не фатальна
	// если позиция уже открыта.
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// CalculateQuantity переводит нотионал в размер ордера
	// по математике типа контракта
	CalculateQuantity(usdt, price float64, leverage int, c *Contract) float64

	// CalculatePnL считает PNL по математике типа контракта
	CalculatePnL(entry, exit, qty float64, side string, c *Contract) float64

	// Close закрывает соединения с биржей
	Close() error
}

// Типы контрактов
const (
	ContractTypeLinear  = "linear"  // размер в монетах, PNL = Δ × qty
	ContractTypeInverse = "inverse" // размер в контрактах, PNL = Δ × qty × multiplier
)

// Правила срабатывания триггера относительно mark price
const (
	TriggerRuleGTE = 1 // сработать когда mark >= triggerPrice
	TriggerRuleLTE = 2 // сработать когда mark <= triggerPrice
)

// Ticker содержит информацию о текущей цене
type Ticker struct {
	Symbol     string    `json:"symbol"`
	LastPrice  float64   `json:"last_price"`
	MarkPrice  float64   `json:"mark_price,omitempty"`  // только при includeMark
	IndexPrice float64   `json:"index_price,omitempty"` // только при includeMark
	Timestamp  time.Time `json:"timestamp"`
}

// Candle представляет одну свечу OHLCV
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Account представляет состояние фьючерсного счёта
type Account struct {
	Total          float64 `json:"total"` // без нереализованного PNL
	Available      float64 `json:"available"`
	PositionMargin float64 `json:"position_margin"`
	UnrealizedPnl  float64 `json:"unrealized_pnl"`
}

// Position представляет открытую позицию на бирже
type Position struct {
	Symbol        string    `json:"symbol"` // канонический символ
	Side          string    `json:"side"`   // long, short
	Size          float64   `json:"size"`   // всегда > 0
	EntryPrice    float64   `json:"entry_price"`
	MarkPrice     float64   `json:"mark_price"`
	Leverage      int       `json:"leverage"`
	UnrealizedPnl float64   `json:"unrealized_pnl"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Contract содержит метаданные контракта
type Contract struct {
	Symbol           string  `json:"symbol"`      // канонический символ
	ContractID       string  `json:"contract_id"` // биржевой идентификатор
	Type             string  `json:"type"`        // linear, inverse
	QuantoMultiplier float64 `json:"quanto_multiplier"` // монет на один контракт (inverse)
	OrderSizeMin     float64 `json:"order_size_min"`
	OrderSizeMax     float64 `json:"order_size_max"`
	OrderPriceRound  float64 `json:"order_price_round"` // шаг цены ордера (tick)
	MarkPriceRound   float64 `json:"mark_price_round"`  // шаг mark price
	LeverageMax      int     `json:"leverage_max"`
}

// OrderRequest описывает размещаемый ордер
type OrderRequest struct {
	Symbol      string  // канонический символ
	Size        float64 // со знаком: >0 покупка, <0 продажа
	Price       float64 // 0 = market
	TimeInForce string  // ioc, gtc; пустое = ioc для market
	ReduceOnly  bool
}

// TriggerOrderRequest описывает серверный триггерный ордер
type TriggerOrderRequest struct {
	Symbol       string
	PositionSide string  // сторона закрываемой позиции: long, short
	TriggerPrice float64
	CloseSize    float64 // размер закрытия, всегда > 0
	Rule         int     // TriggerRuleGTE / TriggerRuleLTE
}

// Order представляет результат размещения ордера
type Order struct {
	ID           string    `json:"id"`
	Symbol       string    `json:"symbol"`
	Size         float64   `json:"size"` // со знаком, после клампинга
	AvgFillPrice float64   `json:"avg_fill_price"`
	FilledSize   float64   `json:"filled_size"`
	Status       string    `json:"status"` // filled, open, cancelled
	CreatedAt    time.Time `json:"created_at"`
}

// Статусы ордеров
const (
	OrderStatusFilled    = "filled"
	OrderStatusOpen      = "open"
	OrderStatusCancelled = "cancelled"
)

// Fill представляет исполненную сделку из истории биржи
type Fill struct {
	OrderID   string    `json:"order_id"`
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Size      float64   `json:"size"` // со знаком
	Fee       float64   `json:"fee"`  // в валюте котировки
	Timestamp time.Time `json:"timestamp"`
}

// ============================================================
// Ошибки
// ============================================================

// Типизированные ошибки биржевого слоя
var (
	// ErrInsufficientFunds - нехватка доступной маржи, не ретраится
	ErrInsufficientFunds = errors.New("insufficient available balance")

	// ErrPermissionDenied - 401/403, не ретраится, эскалируется в notifier
	ErrPermissionDenied = errors.New("permission denied")

	// ErrContractNotFound - неизвестный контракт
	ErrContractNotFound = errors.New("contract not found")

	// ErrTickerNotFound - тикер не найден
	ErrTickerNotFound = errors.New("ticker not found")
)

// ExchangeError представляет ошибку от биржи
type ExchangeError struct {
	Exchange string
	Code     string
	Message  string
	Original error
}

func (e *ExchangeError) Error() string {
	return e.Exchange + ": " + e.Message
}

// Unwrap возвращает оригинальную ошибку для поддержки errors.Is() и errors.As()
func (e *ExchangeError) Unwrap() error {
	return e.Original
}
