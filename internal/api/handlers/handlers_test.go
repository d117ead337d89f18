package handlers

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aitrader/internal/exchange"
	"aitrader/internal/repository"
	"aitrader/pkg/utils"
)

type stubExchange struct {
	account     *exchange.Account
	tickers     map[string]*exchange.Ticker
	tickerErr   error
	tickerCalls []string
}

func (s *stubExchange) GetName() string                        { return "gate" }
func (s *stubExchange) ContractType() string                   { return exchange.ContractTypeLinear }
func (s *stubExchange) NormalizeSymbol(contractID string) string { return contractID }
func (s *stubExchange) ContractID(symbol string) string        { return symbol }

func (s *stubExchange) GetContract(ctx context.Context, symbol string) (*exchange.Contract, error) {
	return &exchange.Contract{Symbol: symbol, Type: exchange.ContractTypeLinear}, nil
}

func (s *stubExchange) GetTicker(ctx context.Context, symbol string, includeMark bool) (*exchange.Ticker, error) {
	s.tickerCalls = append(s.tickerCalls, symbol)
	if s.tickerErr != nil {
		return nil, s.tickerErr
	}
	ticker, ok := s.tickers[symbol]
	if !ok {
		return nil, exchange.ErrTickerNotFound
	}
	return ticker, nil
}

func (s *stubExchange) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]exchange.Candle, error) {
	return nil, nil
}

func (s *stubExchange) GetAccount(ctx context.Context) (*exchange.Account, error) {
	return s.account, nil
}

func (s *stubExchange) GetPositions(ctx context.Context) ([]*exchange.Position, error) {
	return nil, nil
}

func (s *stubExchange) PlaceOrder(ctx context.Context, req *exchange.OrderRequest) (*exchange.Order, error) {
	return nil, nil
}

func (s *stubExchange) PlaceTriggerOrder(ctx context.Context, req *exchange.TriggerOrderRequest) (string, error) {
	return "", nil
}

func (s *stubExchange) CancelTriggerOrders(ctx context.Context, symbol string) error { return nil }

func (s *stubExchange) GetMyTrades(ctx context.Context, symbol string, limit int, startTime time.Time) ([]*exchange.Fill, error) {
	return nil, nil
}

func (s *stubExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}

func (s *stubExchange) CalculateQuantity(usdt, price float64, leverage int, c *exchange.Contract) float64 {
	return 0
}

func (s *stubExchange) CalculatePnL(entry, exit, qty float64, side string, c *exchange.Contract) float64 {
	return 0
}

func (s *stubExchange) Close() error { return nil }

func testCache(t *testing.T) *exchange.TTLCache {
	t.Helper()
	return exchange.NewTTLCache(utils.InitLogger(utils.LogConfig{Level: "error"}))
}

func TestGetAccountExcludesUnrealizedPnl(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ex := &stubExchange{account: &exchange.Account{
		Total:          1000,
		Available:      700,
		PositionMargin: 300,
		UnrealizedPnl:  50,
	}}
	h := NewAccountHandler(ex, testCache(t), repository.NewStore(db))

	mock.ExpectQuery("SELECT total_value FROM account_history").
		WillReturnRows(sqlmock.NewRows([]string{"total_value"}).AddRow(800.0))

	rec := httptest.NewRecorder()
	h.GetAccount(rec, httptest.NewRequest("GET", "/api/account", nil))

	require.Equal(t, 200, rec.Code)
	var resp AccountResponse
	require.NoError(t, jsoniter.Unmarshal(rec.Body.Bytes(), &resp))

	// Нереализованный PNL не входит в totalBalance, но участвует
	// в доходности
	assert.InDelta(t, 1000.0, resp.TotalBalance, 1e-9)
	assert.InDelta(t, 50.0, resp.UnrealizedPnl, 1e-9)
	assert.InDelta(t, (1050.0-800.0)/800.0*100, resp.ReturnPercent, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPricesServesFromCacheDuringBlock(t *testing.T) {
	ex := &stubExchange{
		tickers:   map[string]*exchange.Ticker{},
		tickerErr: &exchange.BlockedError{Reason: exchange.BlockReasonIPBan, RetryAfter: time.Minute},
	}
	cache := testCache(t)
	cache.Set(exchange.CategoryTicker, "BTC", &exchange.Ticker{Symbol: "BTC", LastPrice: 50000})

	h := NewPricesHandler(ex, cache, []string{"BTC"})

	rec := httptest.NewRecorder()
	h.GetPrices(rec, httptest.NewRequest("GET", "/api/prices", nil))

	// Цена отдана из кеша, биржа во время бана не опрашивалась
	require.Equal(t, 200, rec.Code)
	var resp struct {
		Prices map[string]float64 `json:"prices"`
	}
	require.NoError(t, jsoniter.Unmarshal(rec.Body.Bytes(), &resp))
	assert.InDelta(t, 50000.0, resp.Prices["BTC"], 1e-9)
	assert.Empty(t, ex.tickerCalls)
}

func TestGetLogsServesDecisionJournal(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := NewLogsHandler(repository.NewStore(db))

	mock.ExpectQuery("SELECT (.+) FROM agent_decisions").
		WithArgs(2).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "timestamp", "iteration", "decision", "actions_taken", "account_value", "positions_count",
		}).
			AddRow(8, time.Now(), 42, "BTC растёт, открываю лонг", "openPosition(BTC long)", 1050.0, 1).
			AddRow(7, time.Now().Add(-time.Hour), 41, "жду подтверждения", "", 1000.0, 0))

	rec := httptest.NewRecorder()
	h.GetLogs(rec, httptest.NewRequest("GET", "/api/logs?limit=2", nil))

	require.Equal(t, 200, rec.Code)
	var resp struct {
		Count int `json:"count"`
		Logs  []struct {
			Iteration int    `json:"iteration"`
			Decision  string `json:"decision"`
		} `json:"logs"`
	}
	require.NoError(t, jsoniter.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, 42, resp.Logs[0].Iteration)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPricesSymbolsFilter(t *testing.T) {
	ex := &stubExchange{tickers: map[string]*exchange.Ticker{
		"BTC": {Symbol: "BTC", LastPrice: 50000},
		"ETH": {Symbol: "ETH", LastPrice: 3000},
	}}
	h := NewPricesHandler(ex, testCache(t), []string{"BTC", "ETH"})

	rec := httptest.NewRecorder()
	h.GetPrices(rec, httptest.NewRequest("GET", "/api/prices?symbols=eth,SOL", nil))

	require.Equal(t, 200, rec.Code)
	var resp struct {
		Prices map[string]float64 `json:"prices"`
	}
	require.NoError(t, jsoniter.Unmarshal(rec.Body.Bytes(), &resp))

	// Несконфигурированный SOL отброшен, регистр нормализован
	assert.Len(t, resp.Prices, 1)
	assert.InDelta(t, 3000.0, resp.Prices["ETH"], 1e-9)
	assert.Equal(t, []string{"ETH"}, ex.tickerCalls)
}
