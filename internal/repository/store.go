package repository

import (
	"database/sql"

	"aitrader/internal/models"
)

// Store объединяет репозитории и даёт многострочные транзакционные
// операции открытия и закрытия позиции. Запись позиции, сделки и
// триггерных ордеров должна быть атомарной: частично записанное
// открытие хуже чем отсутствие записи, его придётся разрешать
// reconciler'у.
type Store struct {
	db *sql.DB

	Positions          *PositionRepository
	Trades             *TradeRepository
	PriceOrders        *PriceOrderRepository
	CloseEvents        *CloseEventRepository
	InconsistentStates *InconsistentStateRepository
	Decisions          *DecisionRepository
}

// NewStore создает хранилище поверх подключения к базе
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:                 db,
		Positions:          NewPositionRepository(db),
		Trades:             NewTradeRepository(db),
		PriceOrders:        NewPriceOrderRepository(db),
		CloseEvents:        NewCloseEventRepository(db),
		InconsistentStates: NewInconsistentStateRepository(db),
		Decisions:          NewDecisionRepository(db),
	}
}

// DB возвращает базовое подключение
func (s *Store) DB() *sql.DB {
	return s.db
}

// OpenTx атомарно записывает открытие позиции: строку позиции,
// сделку открытия и зеркала триггерных ордеров
func (s *Store) OpenTx(position *models.Position, trade *models.Trade, triggers []*models.PriceOrder) error {
	return WithTx(s.db, func(tx *sql.Tx) error {
		if err := s.Positions.CreateTx(tx, position); err != nil {
			return err
		}
		if err := s.Trades.CreateTx(tx, trade); err != nil {
			return err
		}
		for _, trigger := range triggers {
			if err := s.PriceOrders.CreateTx(tx, trigger); err != nil {
				return err
			}
		}
		return nil
	})
}

// CloseTx атомарно записывает полное закрытие позиции: сделку
// закрытия, событие закрытия, отмену зеркал триггеров и удаление
// строки позиции
func (s *Store) CloseTx(positionID int, trade *models.Trade, event *models.PositionCloseEvent) error {
	return WithTx(s.db, func(tx *sql.Tx) error {
		if err := s.Trades.CreateTx(tx, trade); err != nil {
			return err
		}
		if err := s.CloseEvents.CreateTx(tx, event); err != nil {
			return err
		}
		if err := s.PriceOrders.CancelForPositionTx(tx, event.Symbol, event.Side); err != nil {
			return err
		}
		return s.Positions.DeleteTx(tx, positionID)
	})
}

// PartialCloseTx атомарно записывает частичное закрытие: сделку
// закрытия, событие и уменьшение размера позиции
func (s *Store) PartialCloseTx(positionID int, quantity, partialCloseFraction float64, trade *models.Trade, event *models.PositionCloseEvent) error {
	return WithTx(s.db, func(tx *sql.Tx) error {
		if err := s.Trades.CreateTx(tx, trade); err != nil {
			return err
		}
		if err := s.CloseEvents.CreateTx(tx, event); err != nil {
			return err
		}
		return s.Positions.UpdateQuantityTx(tx, positionID, quantity, partialCloseFraction)
	})
}

// RecoverCloseTx атомарно записывает закрытие, восстановленное
// reconciler'ом, и разрешает породившее его расхождение
func (s *Store) RecoverCloseTx(positionID int, stateID int, trade *models.Trade, event *models.PositionCloseEvent) error {
	return WithTx(s.db, func(tx *sql.Tx) error {
		if err := s.Trades.CreateTx(tx, trade); err != nil {
			return err
		}
		if err := s.CloseEvents.CreateTx(tx, event); err != nil {
			return err
		}
		if err := s.PriceOrders.CancelForPositionTx(tx, event.Symbol, event.Side); err != nil {
			return err
		}
		if positionID > 0 {
			if err := s.Positions.DeleteTx(tx, positionID); err != nil {
				return err
			}
		}
		return s.InconsistentStates.ResolveTx(tx, stateID, models.ResolvedByAuto)
	})
}

// TriggeredCloseTx атомарно записывает закрытие, исполненное серверным
// триггером биржи: сделку, событие, сработавший триггер, отмену
// остальных триггеров и удаление позиции. Пустой triggerType означает,
// что сработавший триггер определить не удалось.
func (s *Store) TriggeredCloseTx(positionID int, triggerType string, trade *models.Trade, event *models.PositionCloseEvent) error {
	return WithTx(s.db, func(tx *sql.Tx) error {
		if err := s.Trades.CreateTx(tx, trade); err != nil {
			return err
		}
		if err := s.CloseEvents.CreateTx(tx, event); err != nil {
			return err
		}
		if triggerType != "" {
			if err := s.PriceOrders.MarkTriggeredTx(tx, event.Symbol, event.Side, triggerType); err != nil {
				return err
			}
		}
		if err := s.PriceOrders.CancelForPositionTx(tx, event.Symbol, event.Side); err != nil {
			return err
		}
		return s.Positions.DeleteTx(tx, positionID)
	})
}
