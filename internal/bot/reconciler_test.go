package bot

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aitrader/internal/exchange"
	"aitrader/internal/models"
	"aitrader/internal/repository"
	"aitrader/pkg/utils"
)

type fakeAlerter struct {
	alerts []string
}

func (a *fakeAlerter) Alert(severity, title, message string) {
	a.alerts = append(a.alerts, severity+": "+title)
}

func testReconciler(t *testing.T, ex exchange.Exchange) (*Reconciler, sqlmock.Sqlmock, *fakeAlerter) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	alerter := &fakeAlerter{}
	logger := utils.InitLogger(utils.LogConfig{Level: "error"})
	r := NewReconciler(ex, repository.NewStore(db), NewPositionLocks(), alerter, DefaultReconcilerConfig(), logger)
	r.now = func() time.Time { return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC) }
	return r, mock, alerter
}

func stateRows(states ...*models.InconsistentState) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "operation", "symbol", "side", "exchange_order_id",
		"created_at", "resolved", "resolved_at", "resolved_by",
	})
	for _, s := range states {
		rows.AddRow(s.ID, s.Operation, s.Symbol, s.Side, s.ExchangeOrderID, s.CreatedAt, 0, nil, "")
	}
	return rows
}

func noPositionRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "symbol", "side", "quantity", "leverage", "entry_price",
		"opened_at", "order_id", "stop_loss", "take_profit",
		"partial_close_fraction", "warning_score", "reversal_warning", "peak_pnl_percent",
	})
}

func TestReconcilerNoopOnConsistentStore(t *testing.T) {
	ex := newFakeExchange()
	r, mock, alerter := testReconciler(t, ex)

	// Нет неразрешённых записей, нет позиций, нет триггеров
	mock.ExpectQuery("SELECT (.+) FROM inconsistent_states").WillReturnRows(stateRows())
	mock.ExpectQuery("SELECT (.+) FROM positions").WillReturnRows(noPositionRows())
	mock.ExpectQuery("SELECT (.+) FROM price_orders").WillReturnRows(sqlmock.NewRows([]string{
		"id", "order_id", "symbol", "side", "type", "trigger_price",
		"order_price", "quantity", "status", "position_order_id",
		"created_at", "updated_at",
	}))
	mock.ExpectQuery("SELECT COUNT").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	require.NoError(t, r.Run(context.Background()))

	status := r.Status()
	assert.Equal(t, 0, status.UnresolvedStates)
	assert.True(t, status.LastRunOK)
	assert.Empty(t, alerter.alerts)
	assert.Empty(t, ex.placedOrders)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcilerSynthesizesClose(t *testing.T) {
	ex := newFakeExchange()
	// Биржа: позиции нет, есть закрывающий филл
	ex.fills = []*exchange.Fill{
		{OrderID: "fill-9", Symbol: "BTC", Price: 50800, Size: -0.1, Fee: 2.5},
	}
	r, mock, _ := testReconciler(t, ex)

	state := &models.InconsistentState{
		ID:              7,
		Operation:       models.OperationClosePosition,
		Symbol:          "BTC",
		Side:            models.SideLong,
		ExchangeOrderID: "order-1",
		CreatedAt:       r.now().Add(-time.Minute),
	}
	mock.ExpectQuery("SELECT (.+) FROM inconsistent_states").WillReturnRows(stateRows(state))

	// Локальная позиция всё ещё числится открытой
	localRows := noPositionRows().
		AddRow(3, "BTC", "long", 0.1, 10, 50000, r.now().Add(-time.Hour), "order-1", 49500, 52500, 0, 0, false, 0)
	mock.ExpectQuery("SELECT (.+) FROM positions").WillReturnRows(localRows)

	// RecoverCloseTx: сделка, событие, отмена триггеров, удаление
	// позиции, resolve - одной транзакцией
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO trades").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))
	mock.ExpectQuery("INSERT INTO position_close_events").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(21))
	mock.ExpectExec("UPDATE price_orders").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM positions").WithArgs(3).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE inconsistent_states").
		WithArgs(sqlmock.AnyArg(), models.ResolvedByAuto, 7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// Сверка позиций и уборка триггеров после ремонта
	mock.ExpectQuery("SELECT (.+) FROM positions").WillReturnRows(noPositionRows())
	mock.ExpectQuery("SELECT (.+) FROM price_orders").WillReturnRows(sqlmock.NewRows([]string{
		"id", "order_id", "symbol", "side", "type", "trigger_price",
		"order_price", "quantity", "status", "position_order_id",
		"created_at", "updated_at",
	}))
	mock.ExpectQuery("SELECT COUNT").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	require.NoError(t, r.Run(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.True(t, r.Status().LastRunOK)
}

func TestReconcilerResolvesFalseAlarm(t *testing.T) {
	ex := newFakeExchange()
	// Биржа и БД согласны: позиция жива
	ex.positions = []*exchange.Position{
		{Symbol: "BTC", Side: models.SideLong, Size: 0.1, EntryPrice: 50000, Leverage: 10},
	}
	r, mock, _ := testReconciler(t, ex)

	state := &models.InconsistentState{
		ID:        4,
		Operation: models.OperationClosePosition,
		Symbol:    "BTC",
		Side:      models.SideLong,
		CreatedAt: r.now().Add(-time.Minute),
	}
	mock.ExpectQuery("SELECT (.+) FROM inconsistent_states").WillReturnRows(stateRows(state))

	localRows := noPositionRows().
		AddRow(3, "BTC", "long", 0.1, 10, 50000, r.now().Add(-time.Hour), "order-1", 49500, 52500, 0, 0, false, 0)
	mock.ExpectQuery("SELECT (.+) FROM positions").WillReturnRows(localRows)

	// Запись разрешается без ремонта
	mock.ExpectExec("UPDATE inconsistent_states").
		WithArgs(sqlmock.AnyArg(), models.ResolvedByAuto, 4).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Сверка: позиция есть с обеих сторон
	posRows := noPositionRows().
		AddRow(3, "BTC", "long", 0.1, 10, 50000, r.now().Add(-time.Hour), "order-1", 49500, 52500, 0, 0, false, 0)
	mock.ExpectQuery("SELECT (.+) FROM positions").WillReturnRows(posRows)
	mock.ExpectQuery("SELECT (.+) FROM price_orders").WillReturnRows(sqlmock.NewRows([]string{
		"id", "order_id", "symbol", "side", "type", "trigger_price",
		"order_price", "quantity", "status", "position_order_id",
		"created_at", "updated_at",
	}))
	mock.ExpectQuery("SELECT COUNT").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	require.NoError(t, r.Run(context.Background()))

	status := r.Status()
	assert.Empty(t, status.OnlyInDB)
	assert.Empty(t, status.OnlyInExchange)
	assert.Empty(t, ex.placedOrders, "ложная тревога не должна порождать ордеров")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcilerClosesUntrackedPosition(t *testing.T) {
	ex := newFakeExchange()
	ex.positions = []*exchange.Position{
		{Symbol: "BTC", Side: models.SideLong, Size: 0.1, EntryPrice: 50000, MarkPrice: 50200, Leverage: 10},
	}
	r, mock, _ := testReconciler(t, ex)

	state := &models.InconsistentState{
		ID:        9,
		Operation: models.OperationOpenPosition,
		Symbol:    "BTC",
		Side:      models.SideLong,
		CreatedAt: r.now().Add(-time.Minute),
	}
	mock.ExpectQuery("SELECT (.+) FROM inconsistent_states").WillReturnRows(stateRows(state))

	// Локальной записи нет
	mock.ExpectQuery("SELECT (.+) FROM positions").WillReturnRows(noPositionRows())

	// Синтетическое закрытие без удаления позиции (positionID = 0)
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO trades").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(12))
	mock.ExpectQuery("INSERT INTO position_close_events").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(22))
	mock.ExpectExec("UPDATE price_orders").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE inconsistent_states").
		WithArgs(sqlmock.AnyArg(), models.ResolvedByAuto, 9).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// Сверка: позиция закрыта ордером, но снимок onExchange уже взят,
	// расхождение only_in_exchange допустимо в этом же проходе
	mock.ExpectQuery("SELECT (.+) FROM positions").WillReturnRows(noPositionRows())
	mock.ExpectQuery("SELECT (.+) FROM price_orders").WillReturnRows(sqlmock.NewRows([]string{
		"id", "order_id", "symbol", "side", "type", "trigger_price",
		"order_price", "quantity", "status", "position_order_id",
		"created_at", "updated_at",
	}))
	mock.ExpectQuery("SELECT COUNT").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	require.NoError(t, r.Run(context.Background()))

	require.Len(t, ex.placedOrders, 1)
	assert.True(t, ex.placedOrders[0].ReduceOnly)
	assert.InDelta(t, -0.1, ex.placedOrders[0].Size, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcilerClosesVanishedPosition(t *testing.T) {
	ex := newFakeExchange()
	// Позиции на бирже нет: серверный стоп исполнился.
	// Филл по цене рядом со стопом
	ex.fills = []*exchange.Fill{
		{OrderID: "fill-3", Symbol: "BTC", Price: 49480, Size: -0.1, Fee: 2.1},
	}
	r, mock, _ := testReconciler(t, ex)

	mock.ExpectQuery("SELECT (.+) FROM inconsistent_states").WillReturnRows(stateRows())

	// Сверка: позиция числится только в БД
	localRows := noPositionRows().
		AddRow(3, "BTC", "long", 0.1, 10, 50000, r.now().Add(-time.Hour), "order-1", 49500, 52500, 0, 0, false, 0)
	mock.ExpectQuery("SELECT (.+) FROM positions").WillReturnRows(localRows)

	// Перепроверка под локом
	recheckRows := noPositionRows().
		AddRow(3, "BTC", "long", 0.1, 10, 50000, r.now().Add(-time.Hour), "order-1", 49500, 52500, 0, 0, false, 0)
	mock.ExpectQuery("SELECT (.+) FROM positions").WillReturnRows(recheckRows)

	// Синтез закрытия: сделка, событие, сработавший стоп, отмена
	// остальных триггеров, удаление позиции - одной транзакцией
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO trades").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(13))
	mock.ExpectQuery("INSERT INTO position_close_events").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(23))
	mock.ExpectExec("UPDATE price_orders").
		WithArgs(models.PriceOrderStatusTriggered, sqlmock.AnyArg(), "BTC", "long",
			models.PriceOrderStopLoss, models.PriceOrderStatusActive).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE price_orders").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM positions").WithArgs(3).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// Уборка триггеров после ремонта
	mock.ExpectQuery("SELECT (.+) FROM price_orders").WillReturnRows(sqlmock.NewRows([]string{
		"id", "order_id", "symbol", "side", "type", "trigger_price",
		"order_price", "quantity", "status", "position_order_id",
		"created_at", "updated_at",
	}))
	mock.ExpectQuery("SELECT COUNT").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	require.NoError(t, r.Run(context.Background()))

	status := r.Status()
	assert.Empty(t, status.OnlyInDB, "отремонтированная позиция не должна оставаться в сводке")
	assert.True(t, status.LastRunOK)
	assert.Contains(t, ex.cancelledFor, "BTC")
	assert.NoError(t, mock.ExpectationsWereMet())
}
