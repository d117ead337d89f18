package repository

import (
	"database/sql"
	"errors"
	"time"

	"aitrader/internal/models"
)

// DecisionRepository - работа с таблицами agent_decisions и account_history.
// Обе таблицы append-only.
type DecisionRepository struct {
	db *sql.DB
}

// NewDecisionRepository создает новый экземпляр репозитория
func NewDecisionRepository(db *sql.DB) *DecisionRepository {
	return &DecisionRepository{db: db}
}

// CreateDecision сохраняет решение агента
func (r *DecisionRepository) CreateDecision(d *models.AgentDecision) error {
	query := `
		INSERT INTO agent_decisions (timestamp, iteration, decision, actions_taken, account_value, positions_count)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now()
	}

	return r.db.QueryRow(
		query,
		d.Timestamp,
		d.Iteration,
		d.Decision,
		d.ActionsTaken,
		d.AccountValue,
		d.PositionsCount,
	).Scan(&d.ID)
}

// GetRecentDecisions возвращает последние N решений агента
func (r *DecisionRepository) GetRecentDecisions(limit int) ([]*models.AgentDecision, error) {
	query := `
		SELECT id, timestamp, iteration, decision, actions_taken, account_value, positions_count
		FROM agent_decisions
		ORDER BY timestamp DESC
		LIMIT $1`

	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var decisions []*models.AgentDecision
	for rows.Next() {
		d := &models.AgentDecision{}
		err := rows.Scan(
			&d.ID,
			&d.Timestamp,
			&d.Iteration,
			&d.Decision,
			&d.ActionsTaken,
			&d.AccountValue,
			&d.PositionsCount,
		)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, d)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}
	return decisions, nil
}

// LastIteration возвращает номер последней итерации (0 если решений нет)
func (r *DecisionRepository) LastIteration() (int, error) {
	var iteration int
	err := r.db.QueryRow(`SELECT COALESCE(MAX(iteration), 0) FROM agent_decisions`).Scan(&iteration)
	if err != nil {
		return 0, err
	}
	return iteration, nil
}

// CreateSnapshot сохраняет снимок состояния счёта
func (r *DecisionRepository) CreateSnapshot(s *models.AccountSnapshot) error {
	query := `
		INSERT INTO account_history (timestamp, total_value, unrealized_pnl, return_percent)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}

	return r.db.QueryRow(
		query,
		s.Timestamp,
		s.TotalValue,
		s.UnrealizedPnl,
		s.ReturnPercent,
	).Scan(&s.ID)
}

// GetHistory возвращает снимки счёта за период по возрастанию времени
func (r *DecisionRepository) GetHistory(from time.Time) ([]*models.AccountSnapshot, error) {
	query := `
		SELECT id, timestamp, total_value, unrealized_pnl, return_percent
		FROM account_history
		WHERE timestamp >= $1
		ORDER BY timestamp`

	rows, err := r.db.Query(query, from)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snapshots []*models.AccountSnapshot
	for rows.Next() {
		s := &models.AccountSnapshot{}
		err := rows.Scan(&s.ID, &s.Timestamp, &s.TotalValue, &s.UnrealizedPnl, &s.ReturnPercent)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, s)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}
	return snapshots, nil
}

// InitialBalance возвращает самый старый снимок счёта как начальный
// баланс. Возвращает 0 если истории ещё нет.
func (r *DecisionRepository) InitialBalance() (float64, error) {
	var balance float64
	err := r.db.QueryRow(`
		SELECT total_value FROM account_history ORDER BY timestamp LIMIT 1`).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return balance, nil
}
