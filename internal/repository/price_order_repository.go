package repository

import (
	"database/sql"
	"errors"
	"time"

	"aitrader/internal/models"
)

// Ошибки репозитория триггерных ордеров
var (
	ErrPriceOrderNotFound = errors.New("price order not found")
)

const priceOrderColumns = `id, order_id, symbol, side, type, trigger_price, order_price,
	quantity, status, position_order_id, created_at, updated_at`

// PriceOrderRepository - работа с таблицей price_orders
type PriceOrderRepository struct {
	db *sql.DB
}

// NewPriceOrderRepository создает новый экземпляр репозитория
func NewPriceOrderRepository(db *sql.DB) *PriceOrderRepository {
	return &PriceOrderRepository{db: db}
}

func scanPriceOrder(row interface{ Scan(...interface{}) error }) (*models.PriceOrder, error) {
	o := &models.PriceOrder{}
	err := row.Scan(
		&o.ID,
		&o.OrderID,
		&o.Symbol,
		&o.Side,
		&o.Type,
		&o.TriggerPrice,
		&o.OrderPrice,
		&o.Quantity,
		&o.Status,
		&o.PositionOrderID,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return o, nil
}

const insertPriceOrderQuery = `
	INSERT INTO price_orders (order_id, symbol, side, type, trigger_price, order_price,
		quantity, status, position_order_id, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	RETURNING id`

// Create создает запись о триггерном ордере
func (r *PriceOrderRepository) Create(o *models.PriceOrder) error {
	now := time.Now()
	o.CreatedAt = now
	o.UpdatedAt = now

	return r.db.QueryRow(
		insertPriceOrderQuery,
		o.OrderID, o.Symbol, o.Side, o.Type, o.TriggerPrice, o.OrderPrice,
		o.Quantity, o.Status, o.PositionOrderID, o.CreatedAt, o.UpdatedAt,
	).Scan(&o.ID)
}

// CreateTx создает запись о триггерном ордере в рамках транзакции
func (r *PriceOrderRepository) CreateTx(tx *sql.Tx, o *models.PriceOrder) error {
	now := time.Now()
	o.CreatedAt = now
	o.UpdatedAt = now

	return tx.QueryRow(
		insertPriceOrderQuery,
		o.OrderID, o.Symbol, o.Side, o.Type, o.TriggerPrice, o.OrderPrice,
		o.Quantity, o.Status, o.PositionOrderID, o.CreatedAt, o.UpdatedAt,
	).Scan(&o.ID)
}

// GetActive возвращает все активные триггерные ордера
func (r *PriceOrderRepository) GetActive() ([]*models.PriceOrder, error) {
	query := `SELECT ` + priceOrderColumns + ` FROM price_orders WHERE status = $1 ORDER BY created_at`
	return r.queryOrders(query, models.PriceOrderStatusActive)
}

// GetActiveBySymbolSide возвращает активные триггеры позиции
func (r *PriceOrderRepository) GetActiveBySymbolSide(symbol, side string) ([]*models.PriceOrder, error) {
	query := `SELECT ` + priceOrderColumns + `
		FROM price_orders
		WHERE symbol = $1 AND side = $2 AND status = $3
		ORDER BY created_at`
	return r.queryOrders(query, symbol, side, models.PriceOrderStatusActive)
}

// UpdateStatus обновляет статус триггерного ордера
func (r *PriceOrderRepository) UpdateStatus(id int, status string) error {
	query := `UPDATE price_orders SET status = $1, updated_at = $2 WHERE id = $3`

	result, err := r.db.Exec(query, status, time.Now(), id)
	if err != nil {
		return err
	}
	return checkAffected(result, ErrPriceOrderNotFound)
}

// CancelForPosition отмечает все активные триггеры позиции отменёнными
func (r *PriceOrderRepository) CancelForPosition(symbol, side string) error {
	query := `
		UPDATE price_orders
		SET status = $1, updated_at = $2
		WHERE symbol = $3 AND side = $4 AND status = $5`

	_, err := r.db.Exec(query, models.PriceOrderStatusCancelled, time.Now(),
		symbol, side, models.PriceOrderStatusActive)
	return err
}

// MarkTriggeredTx отмечает активный триггер указанного типа
// сработавшим в рамках транзакции
func (r *PriceOrderRepository) MarkTriggeredTx(tx *sql.Tx, symbol, side, orderType string) error {
	query := `
		UPDATE price_orders
		SET status = $1, updated_at = $2
		WHERE symbol = $3 AND side = $4 AND type = $5 AND status = $6`

	_, err := tx.Exec(query, models.PriceOrderStatusTriggered, time.Now(),
		symbol, side, orderType, models.PriceOrderStatusActive)
	return err
}

// CancelForPositionTx отмечает триггеры позиции отменёнными в транзакции
func (r *PriceOrderRepository) CancelForPositionTx(tx *sql.Tx, symbol, side string) error {
	query := `
		UPDATE price_orders
		SET status = $1, updated_at = $2
		WHERE symbol = $3 AND side = $4 AND status = $5`

	_, err := tx.Exec(query, models.PriceOrderStatusCancelled, time.Now(),
		symbol, side, models.PriceOrderStatusActive)
	return err
}

// DeleteOlderThan удаляет неактивные триггеры старше указанной даты
func (r *PriceOrderRepository) DeleteOlderThan(timestamp time.Time) (int64, error) {
	query := `DELETE FROM price_orders WHERE status != $1 AND updated_at < $2`

	result, err := r.db.Exec(query, models.PriceOrderStatusActive, timestamp)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *PriceOrderRepository) queryOrders(query string, args ...interface{}) ([]*models.PriceOrder, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*models.PriceOrder
	for rows.Next() {
		o, err := scanPriceOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}
