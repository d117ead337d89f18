package repository

import (
	"database/sql"
	"errors"
	"time"

	"aitrader/internal/models"
)

// Ошибки репозитория сделок
var (
	ErrTradeNotFound = errors.New("trade not found")
)

const tradeColumns = `id, order_id, symbol, side, type, price, quantity, leverage, pnl, fee, timestamp, status`

// TradeRepository - работа с таблицей trades
type TradeRepository struct {
	db *sql.DB
}

// NewTradeRepository создает новый экземпляр репозитория
func NewTradeRepository(db *sql.DB) *TradeRepository {
	return &TradeRepository{db: db}
}

func scanTrade(row interface{ Scan(...interface{}) error }) (*models.Trade, error) {
	t := &models.Trade{}
	err := row.Scan(
		&t.ID,
		&t.OrderID,
		&t.Symbol,
		&t.Side,
		&t.Type,
		&t.Price,
		&t.Quantity,
		&t.Leverage,
		&t.Pnl,
		&t.Fee,
		&t.Timestamp,
		&t.Status,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

const insertTradeQuery = `
	INSERT INTO trades (order_id, symbol, side, type, price, quantity, leverage, pnl, fee, timestamp, status)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	RETURNING id`

// Create создает запись о сделке
func (r *TradeRepository) Create(t *models.Trade) error {
	return r.db.QueryRow(
		insertTradeQuery,
		t.OrderID, t.Symbol, t.Side, t.Type, t.Price, t.Quantity,
		t.Leverage, t.Pnl, t.Fee, t.Timestamp, t.Status,
	).Scan(&t.ID)
}

// CreateTx создает запись о сделке в рамках транзакции
func (r *TradeRepository) CreateTx(tx *sql.Tx, t *models.Trade) error {
	return tx.QueryRow(
		insertTradeQuery,
		t.OrderID, t.Symbol, t.Side, t.Type, t.Price, t.Quantity,
		t.Leverage, t.Pnl, t.Fee, t.Timestamp, t.Status,
	).Scan(&t.ID)
}

// GetRecent возвращает последние N сделок
func (r *TradeRepository) GetRecent(limit int) ([]*models.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades ORDER BY timestamp DESC LIMIT $1`
	return r.queryTrades(query, limit)
}

// GetBySymbol возвращает сделки по символу
func (r *TradeRepository) GetBySymbol(symbol string, limit int) ([]*models.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE symbol = $1 ORDER BY timestamp DESC LIMIT $2`
	return r.queryTrades(query, symbol, limit)
}

// GetOpenTradeByOrderID возвращает сделку открытия по биржевому orderId
func (r *TradeRepository) GetOpenTradeByOrderID(orderID string) (*models.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE order_id = $1 AND type = $2`

	t, err := scanTrade(r.db.QueryRow(query, orderID, models.TradeTypeOpen))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTradeNotFound
		}
		return nil, err
	}
	return t, nil
}

// GetSince возвращает сделки начиная с указанного времени
func (r *TradeRepository) GetSince(from time.Time) ([]*models.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE timestamp >= $1 ORDER BY timestamp DESC`
	return r.queryTrades(query, from)
}

// GetCompletedTrades возвращает пары open/close для отчёта.
// Закрытия сопоставляются с последним предшествующим открытием
// того же (symbol, side).
func (r *TradeRepository) GetCompletedTrades(limit int) ([]*models.CompletedTrade, error) {
	query := `
		SELECT c.symbol, c.side, o.price, c.price, c.quantity, c.leverage,
			COALESCE(c.pnl, 0), o.fee + c.fee, o.timestamp, c.timestamp,
			COALESCE(e.close_reason, '')
		FROM trades c
		JOIN LATERAL (
			SELECT price, fee, timestamp
			FROM trades o
			WHERE o.symbol = c.symbol AND o.side = c.side
				AND o.type = 'open' AND o.timestamp < c.timestamp
			ORDER BY o.timestamp DESC
			LIMIT 1
		) o ON TRUE
		LEFT JOIN LATERAL (
			SELECT close_reason
			FROM position_close_events e
			WHERE e.order_id = c.order_id
			ORDER BY e.created_at DESC
			LIMIT 1
		) e ON TRUE
		WHERE c.type = 'close'
		ORDER BY c.timestamp DESC
		LIMIT $1`

	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var completed []*models.CompletedTrade
	for rows.Next() {
		ct := &models.CompletedTrade{}
		err := rows.Scan(
			&ct.Symbol,
			&ct.Side,
			&ct.EntryPrice,
			&ct.ClosePrice,
			&ct.Quantity,
			&ct.Leverage,
			&ct.Pnl,
			&ct.TotalFee,
			&ct.OpenedAt,
			&ct.ClosedAt,
			&ct.CloseReason,
		)
		if err != nil {
			return nil, err
		}
		ct.HoldingHours = ct.ClosedAt.Sub(ct.OpenedAt).Hours()
		completed = append(completed, ct)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}
	return completed, nil
}

// GetStats возвращает агрегированную статистику по закрытым сделкам
// за период. Нулевое from = за всё время.
func (r *TradeRepository) GetStats(from time.Time) (*models.TradeStats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE pnl > 0),
			COUNT(*) FILTER (WHERE pnl < 0),
			COALESCE(SUM(pnl), 0),
			COALESCE(MAX(pnl), 0),
			COALESCE(MIN(pnl), 0),
			COALESCE(SUM(fee), 0)
		FROM trades
		WHERE type = 'close' AND pnl IS NOT NULL AND timestamp >= $1`

	stats := &models.TradeStats{}
	var maxPnl, minPnl float64
	err := r.db.QueryRow(query, from).Scan(
		&stats.TotalTrades,
		&stats.Wins,
		&stats.Losses,
		&stats.TotalPnl,
		&maxPnl,
		&minPnl,
		&stats.TotalFees,
	)
	if err != nil {
		return nil, err
	}

	if maxPnl > 0 {
		stats.MaxWin = maxPnl
	}
	if minPnl < 0 {
		stats.MaxLoss = minPnl
	}
	if stats.TotalTrades > 0 {
		stats.WinRate = float64(stats.Wins) / float64(stats.TotalTrades) * 100
	}
	return stats, nil
}

func (r *TradeRepository) queryTrades(query string, args ...interface{}) ([]*models.Trade, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*models.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}
	return trades, nil
}
