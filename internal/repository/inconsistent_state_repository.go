package repository

import (
	"database/sql"
	"errors"
	"time"

	"aitrader/internal/models"
)

// Ошибки репозитория расхождений
var (
	ErrInconsistentStateNotFound = errors.New("inconsistent state not found")
)

const inconsistentStateColumns = `id, operation, symbol, side, exchange_order_id,
	created_at, resolved, resolved_at, resolved_by`

// InconsistentStateRepository - работа с таблицей inconsistent_states
type InconsistentStateRepository struct {
	db *sql.DB
}

// NewInconsistentStateRepository создает новый экземпляр репозитория
func NewInconsistentStateRepository(db *sql.DB) *InconsistentStateRepository {
	return &InconsistentStateRepository{db: db}
}

func scanInconsistentState(row interface{ Scan(...interface{}) error }) (*models.InconsistentState, error) {
	s := &models.InconsistentState{}
	err := row.Scan(
		&s.ID,
		&s.Operation,
		&s.Symbol,
		&s.Side,
		&s.ExchangeOrderID,
		&s.CreatedAt,
		&s.Resolved,
		&s.ResolvedAt,
		&s.ResolvedBy,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Create создает запись о расхождении.
// Запись пишется в собственной транзакции: она создаётся ровно тогда,
// когда основная запись не прошла, и не должна откатываться вместе с ней.
func (r *InconsistentStateRepository) Create(s *models.InconsistentState) error {
	query := `
		INSERT INTO inconsistent_states (operation, symbol, side, exchange_order_id, created_at, resolved)
		VALUES ($1, $2, $3, $4, $5, 0)
		RETURNING id`

	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}

	return r.db.QueryRow(
		query,
		s.Operation,
		s.Symbol,
		s.Side,
		s.ExchangeOrderID,
		s.CreatedAt,
	).Scan(&s.ID)
}

// GetUnresolved возвращает неразрешённые расхождения по возрастанию
// времени создания (старые разрешаются первыми)
func (r *InconsistentStateRepository) GetUnresolved() ([]*models.InconsistentState, error) {
	query := `SELECT ` + inconsistentStateColumns + `
		FROM inconsistent_states
		WHERE resolved = 0
		ORDER BY created_at`

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*models.InconsistentState
	for rows.Next() {
		s, err := scanInconsistentState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, s)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}
	return states, nil
}

// Resolve отмечает расхождение разрешённым
func (r *InconsistentStateRepository) Resolve(id int, resolvedBy string) error {
	return r.resolveWith(r.db, id, resolvedBy)
}

// ResolveTx отмечает расхождение разрешённым в рамках транзакции
func (r *InconsistentStateRepository) ResolveTx(tx *sql.Tx, id int, resolvedBy string) error {
	return r.resolveWith(tx, id, resolvedBy)
}

func (r *InconsistentStateRepository) resolveWith(q execQuerier, id int, resolvedBy string) error {
	query := `
		UPDATE inconsistent_states
		SET resolved = 1, resolved_at = $1, resolved_by = $2
		WHERE id = $3 AND resolved = 0`

	result, err := q.Exec(query, time.Now(), resolvedBy, id)
	if err != nil {
		return err
	}
	return checkAffected(result, ErrInconsistentStateNotFound)
}

// CountUnresolved возвращает количество неразрешённых расхождений
func (r *InconsistentStateRepository) CountUnresolved() (int, error) {
	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM inconsistent_states WHERE resolved = 0`).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}
