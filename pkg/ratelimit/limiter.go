package ratelimit

import (
	"context"
	"sync"
	"time"
)

// SlidingWindow - rate limiter со скользящим окном для контроля
// частоты запросов к API биржи
//
// Алгоритм скользящего окна:
// - Хранятся метки времени последних запросов
// - Запрос допускается если за последние window секунд было
//   меньше limit запросов
// - Метки старше window отбрасываются при каждой проверке
//
// В отличие от token bucket, скользящее окно точно повторяет
// модель учёта запросов на стороне биржи ("не более N запросов
// за последние 60 секунд"), поэтому не допускает краевых
// всплесков на границе окна.
//
// Использование:
//
//	limiter := NewSlidingWindow(60, time.Minute) // 60 req за 60 сек
//	err := limiter.Wait(ctx)                     // блокирующее ожидание
//	if limiter.Allow() { ... }                   // неблокирующая проверка
type SlidingWindow struct {
	limit      int           // максимум запросов в окне
	window     time.Duration // длина окна
	timestamps []time.Time   // метки времени допущенных запросов
	mu         sync.Mutex

	// now подменяется в тестах
	now func() time.Time
}

// NewSlidingWindow создаёт rate limiter со скользящим окном
//
// Параметры:
//   - limit: максимальное количество запросов в окне
//   - window: длина окна (обычно 60 секунд)
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}

	return &SlidingWindow{
		limit:      limit,
		window:     window,
		timestamps: make([]time.Time, 0, limit),
		now:        time.Now,
	}
}

// prune отбрасывает метки времени, вышедшие из окна.
// ВАЖНО: вызывается под lock'ом
func (sw *SlidingWindow) prune(now time.Time) {
	cutoff := now.Add(-sw.window)
	i := 0
	for i < len(sw.timestamps) && !sw.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		sw.timestamps = sw.timestamps[i:]
	}
}

// Allow проверяет доступность слота без блокировки
//
// Возвращает:
//   - true: слот занят, можно выполнять запрос
//   - false: окно заполнено, запрос нужно отложить
func (sw *SlidingWindow) Allow() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := sw.now()
	sw.prune(now)

	if len(sw.timestamps) >= sw.limit {
		return false
	}

	sw.timestamps = append(sw.timestamps, now)
	return true
}

// Wait блокирует до освобождения слота или отмены контекста
//
// Возвращает:
//   - nil: слот получен, можно выполнять запрос
//   - ctx.Err(): контекст отменён (timeout или cancel)
func (sw *SlidingWindow) Wait(ctx context.Context) error {
	for {
		sw.mu.Lock()
		now := sw.now()
		sw.prune(now)

		if len(sw.timestamps) < sw.limit {
			sw.timestamps = append(sw.timestamps, now)
			sw.mu.Unlock()
			return nil
		}

		// Ждём пока самая старая метка выйдет из окна
		waitTime := sw.timestamps[0].Add(sw.window).Sub(now)
		sw.mu.Unlock()

		if waitTime <= 0 {
			waitTime = time.Millisecond
		}

		select {
		case <-time.After(waitTime):
			// Повторяем попытку занять слот
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Len возвращает количество запросов в текущем окне
// Полезно для мониторинга и отладки
func (sw *SlidingWindow) Len() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.prune(sw.now())
	return len(sw.timestamps)
}

// Remaining возвращает количество свободных слотов в окне
func (sw *SlidingWindow) Remaining() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.prune(sw.now())
	return sw.limit - len(sw.timestamps)
}

// NextFreeIn возвращает время до освобождения ближайшего слота.
// 0 если слот доступен прямо сейчас.
func (sw *SlidingWindow) NextFreeIn() time.Duration {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := sw.now()
	sw.prune(now)

	if len(sw.timestamps) < sw.limit {
		return 0
	}

	wait := sw.timestamps[0].Add(sw.window).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// Limit возвращает максимум запросов в окне
func (sw *SlidingWindow) Limit() int {
	return sw.limit
}

// Window возвращает длину окна
func (sw *SlidingWindow) Window() time.Duration {
	return sw.window
}
