package repository

import (
	"database/sql"
	"errors"
	"time"

	"aitrader/internal/models"
)

// Ошибки репозитория событий закрытия
var (
	ErrCloseEventNotFound = errors.New("close event not found")
)

const closeEventColumns = `id, symbol, side, entry_price, close_price, quantity, leverage,
	pnl, pnl_percent, fee, close_reason, trigger_type, order_id, created_at, processed`

// CloseEventRepository - работа с таблицей position_close_events
type CloseEventRepository struct {
	db *sql.DB
}

// NewCloseEventRepository создает новый экземпляр репозитория
func NewCloseEventRepository(db *sql.DB) *CloseEventRepository {
	return &CloseEventRepository{db: db}
}

func scanCloseEvent(row interface{ Scan(...interface{}) error }) (*models.PositionCloseEvent, error) {
	e := &models.PositionCloseEvent{}
	err := row.Scan(
		&e.ID,
		&e.Symbol,
		&e.Side,
		&e.EntryPrice,
		&e.ClosePrice,
		&e.Quantity,
		&e.Leverage,
		&e.Pnl,
		&e.PnlPercent,
		&e.Fee,
		&e.CloseReason,
		&e.TriggerType,
		&e.OrderID,
		&e.CreatedAt,
		&e.Processed,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

const insertCloseEventQuery = `
	INSERT INTO position_close_events (symbol, side, entry_price, close_price, quantity, leverage,
		pnl, pnl_percent, fee, close_reason, trigger_type, order_id, created_at, processed)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	RETURNING id`

// Create создает событие закрытия
func (r *CloseEventRepository) Create(e *models.PositionCloseEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	return r.db.QueryRow(
		insertCloseEventQuery,
		e.Symbol, e.Side, e.EntryPrice, e.ClosePrice, e.Quantity, e.Leverage,
		e.Pnl, e.PnlPercent, e.Fee, e.CloseReason, e.TriggerType, e.OrderID,
		e.CreatedAt, e.Processed,
	).Scan(&e.ID)
}

// CreateTx создает событие закрытия в рамках транзакции
func (r *CloseEventRepository) CreateTx(tx *sql.Tx, e *models.PositionCloseEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	return tx.QueryRow(
		insertCloseEventQuery,
		e.Symbol, e.Side, e.EntryPrice, e.ClosePrice, e.Quantity, e.Leverage,
		e.Pnl, e.PnlPercent, e.Fee, e.CloseReason, e.TriggerType, e.OrderID,
		e.CreatedAt, e.Processed,
	).Scan(&e.ID)
}

// GetUnprocessed возвращает необработанные события по возрастанию времени
func (r *CloseEventRepository) GetUnprocessed() ([]*models.PositionCloseEvent, error) {
	query := `SELECT ` + closeEventColumns + `
		FROM position_close_events
		WHERE processed = FALSE
		ORDER BY created_at`

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.PositionCloseEvent
	for rows.Next() {
		e, err := scanCloseEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// GetRecent возвращает последние N событий закрытия
func (r *CloseEventRepository) GetRecent(limit int) ([]*models.PositionCloseEvent, error) {
	query := `SELECT ` + closeEventColumns + `
		FROM position_close_events
		ORDER BY created_at DESC
		LIMIT $1`

	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.PositionCloseEvent
	for rows.Next() {
		e, err := scanCloseEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// MarkProcessed отмечает событие обработанным
func (r *CloseEventRepository) MarkProcessed(id int) error {
	result, err := r.db.Exec(`UPDATE position_close_events SET processed = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return checkAffected(result, ErrCloseEventNotFound)
}
