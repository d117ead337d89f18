package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aitrader/internal/exchange"
	"aitrader/internal/repository"
	"aitrader/pkg/utils"
)

func testHealthService(t *testing.T) (*HealthService, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := utils.InitLogger(utils.LogConfig{Level: "error"})
	coordinator := exchange.NewCoordinator(exchange.CoordinatorConfig{Exchange: "gate"}, logger)
	cache := exchange.NewTTLCache(logger)
	store := repository.NewStore(db)

	return NewHealthService(coordinator, cache, store, nil, logger), mock
}

func expectStoreQueries(mock sqlmock.Sqlmock, positions, unresolved int) {
	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(positions))
	mock.ExpectQuery("SELECT (.+) FROM price_orders").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "order_id", "symbol", "side", "type", "trigger_price", "order_price",
			"quantity", "status", "position_order_id", "created_at", "updated_at",
		}))
	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(unresolved))
}

func TestHealthCheckAllClear(t *testing.T) {
	h, mock := testHealthService(t)
	expectStoreQueries(mock, 2, 0)

	report := h.Check(context.Background())

	assert.True(t, report.Healthy)
	assert.Equal(t, VerdictHealthy, report.Verdict)
	assert.Empty(t, report.Issues)
	assert.Empty(t, report.Warnings)
	assert.Equal(t, 2, report.Details.OpenPositions)
	assert.False(t, report.CircuitBreaker.IsOpen)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthCheckUnresolvedStatesDegraded(t *testing.T) {
	h, mock := testHealthService(t)
	expectStoreQueries(mock, 1, 3)

	report := h.Check(context.Background())

	// Неразрешённые расхождения чинит reconciler: сервис жив
	assert.True(t, report.Healthy)
	assert.Equal(t, VerdictDegraded, report.Verdict)
	assert.Equal(t, 3, report.Details.InconsistentStates)
	assert.Empty(t, report.Issues)
	require.NotEmpty(t, report.Warnings)
}

func TestHealthCheckIPBanStaysHealthy(t *testing.T) {
	h, mock := testHealthService(t)
	expectStoreQueries(mock, 0, 0)

	h.coordinator.Handle418(4 * time.Minute)

	report := h.Check(context.Background())

	// Бан выражается через circuitBreaker, процесс остаётся живым
	assert.True(t, report.Healthy)
	assert.Equal(t, VerdictDegraded, report.Verdict)
	assert.True(t, report.CircuitBreaker.IsOpen)
	assert.Equal(t, "IP封禁", report.CircuitBreaker.Reason)
	assert.Greater(t, report.CircuitBreaker.RemainingSeconds, 0)
	assert.Empty(t, report.Issues)
}

func TestHealthCheckDatabaseDown(t *testing.T) {
	h, mock := testHealthService(t)
	mock.ExpectQuery("SELECT COUNT").WillReturnError(errors.New("connection refused"))

	report := h.Check(context.Background())

	assert.False(t, report.Healthy)
	assert.Equal(t, VerdictUnhealthy, report.Verdict)
}

func TestHealthCheckMismatchDetailsAlwaysPresent(t *testing.T) {
	h, mock := testHealthService(t)
	expectStoreQueries(mock, 0, 0)

	report := h.Check(context.Background())

	// JSON-контракт: массивы, а не null
	assert.NotNil(t, report.Details.PositionMismatches.OnlyInExchange)
	assert.NotNil(t, report.Details.PositionMismatches.OnlyInDB)
}
