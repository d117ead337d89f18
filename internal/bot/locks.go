package bot

import (
	"sync"

	"aitrader/internal/models"
)

// PositionLocks - мьютексы по ключу (symbol, side)
//
// Все мутации одной позиции (открытие, partial, trailing, закрытие,
// reconcile-close) сериализуются: мьютекс удерживается на протяжении
// обеих фаз — биржевой и записи в БД.
type PositionLocks struct {
	mu    sync.Mutex
	locks map[models.PositionKey]*sync.Mutex
}

// NewPositionLocks создает карту мьютексов позиций
func NewPositionLocks() *PositionLocks {
	return &PositionLocks{
		locks: make(map[models.PositionKey]*sync.Mutex),
	}
}

// Lock блокирует мьютекс позиции, создавая его при первом обращении.
// Мьютексы не удаляются: множество (symbol, side) мало и фиксировано
// конфигурацией.
func (l *PositionLocks) Lock(key models.PositionKey) {
	l.get(key).Lock()
}

// Unlock освобождает мьютекс позиции
func (l *PositionLocks) Unlock(key models.PositionKey) {
	l.get(key).Unlock()
}

func (l *PositionLocks) get(key models.PositionKey) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	return m
}
