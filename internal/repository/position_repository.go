package repository

import (
	"database/sql"
	"errors"

	"aitrader/internal/models"
)

// Ошибки репозитория позиций
var (
	ErrPositionNotFound = errors.New("position not found")
)

const positionColumns = `id, symbol, side, quantity, leverage, entry_price, opened_at, order_id,
	stop_loss, take_profit, partial_close_fraction, warning_score, reversal_warning, peak_pnl_percent`

// PositionRepository - работа с таблицей positions
type PositionRepository struct {
	db *sql.DB
}

// NewPositionRepository создает новый экземпляр репозитория
func NewPositionRepository(db *sql.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

func scanPosition(row interface{ Scan(...interface{}) error }) (*models.Position, error) {
	p := &models.Position{}
	err := row.Scan(
		&p.ID,
		&p.Symbol,
		&p.Side,
		&p.Quantity,
		&p.Leverage,
		&p.EntryPrice,
		&p.OpenedAt,
		&p.OrderID,
		&p.StopLoss,
		&p.TakeProfit,
		&p.PartialCloseFraction,
		&p.WarningScore,
		&p.ReversalWarning,
		&p.PeakPnlPercent,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Create создает запись о позиции
func (r *PositionRepository) Create(p *models.Position) error {
	return r.createWith(r.db, p)
}

// CreateTx создает запись о позиции в рамках транзакции
func (r *PositionRepository) CreateTx(tx *sql.Tx, p *models.Position) error {
	return r.createWith(tx, p)
}

type execQuerier interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

func (r *PositionRepository) createWith(q execQuerier, p *models.Position) error {
	query := `
		INSERT INTO positions (symbol, side, quantity, leverage, entry_price, opened_at, order_id,
			stop_loss, take_profit, partial_close_fraction, warning_score, reversal_warning, peak_pnl_percent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`

	return q.QueryRow(
		query,
		p.Symbol,
		p.Side,
		p.Quantity,
		p.Leverage,
		p.EntryPrice,
		p.OpenedAt,
		p.OrderID,
		p.StopLoss,
		p.TakeProfit,
		p.PartialCloseFraction,
		p.WarningScore,
		p.ReversalWarning,
		p.PeakPnlPercent,
	).Scan(&p.ID)
}

// GetAll возвращает все открытые позиции
func (r *PositionRepository) GetAll() ([]*models.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions ORDER BY opened_at`

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*models.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}
	return positions, nil
}

// GetBySymbolSide возвращает позицию по ключу (symbol, side)
func (r *PositionRepository) GetBySymbolSide(symbol, side string) (*models.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE symbol = $1 AND side = $2`

	p, err := scanPosition(r.db.QueryRow(query, symbol, side))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPositionNotFound
		}
		return nil, err
	}
	return p, nil
}

// UpdateStops обновляет уровни stop-loss / take-profit
func (r *PositionRepository) UpdateStops(id int, stopLoss, takeProfit float64) error {
	query := `UPDATE positions SET stop_loss = $1, take_profit = $2 WHERE id = $3`
	return r.execOne(query, stopLoss, takeProfit, id)
}

// UpdateQuantity обновляет размер и долю частичного закрытия
func (r *PositionRepository) UpdateQuantity(id int, quantity, partialCloseFraction float64) error {
	query := `UPDATE positions SET quantity = $1, partial_close_fraction = $2 WHERE id = $3`
	return r.execOne(query, quantity, partialCloseFraction, id)
}

// UpdateQuantityTx обновляет размер и долю частичного закрытия в транзакции
func (r *PositionRepository) UpdateQuantityTx(tx *sql.Tx, id int, quantity, partialCloseFraction float64) error {
	query := `UPDATE positions SET quantity = $1, partial_close_fraction = $2 WHERE id = $3`
	result, err := tx.Exec(query, quantity, partialCloseFraction, id)
	if err != nil {
		return err
	}
	return checkAffected(result, ErrPositionNotFound)
}

// UpdateWarnings записывает метаданные reversal-монитора
func (r *PositionRepository) UpdateWarnings(id int, warningScore float64, reversalWarning bool) error {
	query := `UPDATE positions SET warning_score = $1, reversal_warning = $2 WHERE id = $3`
	return r.execOne(query, warningScore, reversalWarning, id)
}

// UpdatePeakPnl обновляет максимум PNL% с момента открытия
func (r *PositionRepository) UpdatePeakPnl(id int, peakPnlPercent float64) error {
	query := `UPDATE positions SET peak_pnl_percent = $1 WHERE id = $2`
	return r.execOne(query, peakPnlPercent, id)
}

// Delete удаляет позицию
func (r *PositionRepository) Delete(id int) error {
	return r.execOne(`DELETE FROM positions WHERE id = $1`, id)
}

// DeleteTx удаляет позицию в рамках транзакции
func (r *PositionRepository) DeleteTx(tx *sql.Tx, id int) error {
	result, err := tx.Exec(`DELETE FROM positions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return checkAffected(result, ErrPositionNotFound)
}

// Count возвращает количество открытых позиций
func (r *PositionRepository) Count() (int, error) {
	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM positions`).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *PositionRepository) execOne(query string, args ...interface{}) error {
	result, err := r.db.Exec(query, args...)
	if err != nil {
		return err
	}
	return checkAffected(result, ErrPositionNotFound)
}

func checkAffected(result sql.Result, notFound error) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return notFound
	}
	return nil
}
