package exchange

import (
	"context"
	"sync"
	"time"

	"aitrader/pkg/utils"
)

// cache.go - TTL-кеш биржевых данных
//
// Единая карта (category, key) -> (value, timestamp) с TTL на категорию.
// Когда координатор отклоняет запрос, кеш возвращает последнее известное
// значение независимо от TTL и помечает выдачу как деградированную,
// чтобы health-агрегатор показал "using cached data".

// Category - категория кешируемых данных, определяет TTL
type Category string

const (
	CategoryTicker   Category = "ticker"
	CategoryCandles  Category = "candles"
	CategoryPosition Category = "position"
	CategoryAccount  Category = "account"
	CategoryFunding  Category = "funding"
	CategoryContract Category = "contract"
	CategoryFee      Category = "fee" // комиссия по orderId
)

// TTL по категориям. 0 = бессрочно (метаданные контрактов).
var categoryTTLs = map[Category]time.Duration{
	CategoryTicker:   60 * time.Second,
	CategoryCandles:  600 * time.Second,
	CategoryPosition: 30 * time.Second,
	CategoryAccount:  30 * time.Second,
	CategoryFunding:  3600 * time.Second,
	CategoryContract: 0,
	CategoryFee:      300 * time.Second,
}

type cacheEntry struct {
	value     interface{}
	timestamp time.Time
}

// TTLCache - потокобезопасный кеш с выдачей last-known-good
// при блокировке координатора
type TTLCache struct {
	mu      sync.RWMutex
	entries map[Category]map[string]cacheEntry

	// degraded выставляется при выдаче устаревших данных из-за
	// блокировки координатора и снимается первой успешной загрузкой
	degraded    bool
	staleServes int64

	logger *utils.Logger

	// now подменяется в тестах
	now func() time.Time
}

// NewTTLCache создаёт кеш
func NewTTLCache(logger *utils.Logger) *TTLCache {
	if logger == nil {
		logger = utils.L()
	}
	return &TTLCache{
		entries: make(map[Category]map[string]cacheEntry),
		logger:  logger.WithComponent("cache"),
		now:     time.Now,
	}
}

// ttl возвращает TTL категории
func (c *TTLCache) ttl(cat Category) time.Duration {
	if ttl, ok := categoryTTLs[cat]; ok {
		return ttl
	}
	return 60 * time.Second
}

// Get возвращает свежее значение из кеша.
// Второе значение false если записи нет или TTL истёк.
func (c *TTLCache) Get(cat Category, key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.lookupLocked(cat, key)
	if !ok {
		return nil, false
	}

	ttl := c.ttl(cat)
	if ttl > 0 && c.now().Sub(entry.timestamp) > ttl {
		return nil, false
	}
	return entry.value, true
}

// lookupLocked ищет запись без проверки TTL.
// ВАЖНО: вызывается под lock'ом
func (c *TTLCache) lookupLocked(cat Category, key string) (cacheEntry, bool) {
	byKey, ok := c.entries[cat]
	if !ok {
		return cacheEntry{}, false
	}
	entry, ok := byKey[key]
	return entry, ok
}

// Set кладёт значение в кеш
func (c *TTLCache) Set(cat Category, key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	byKey, ok := c.entries[cat]
	if !ok {
		byKey = make(map[string]cacheEntry)
		c.entries[cat] = byKey
	}
	byKey[key] = cacheEntry{value: value, timestamp: c.now()}
}

// GetOrLoad возвращает свежее значение, при необходимости вызывая loader.
//
// Политика деградации: если loader вернул отказ координатора
// (BlockedError), возвращается последнее известное значение независимо
// от TTL, а кеш помечается деградированным. Любая другая ошибка loader'а
// отдаётся вызывающему как есть.
func (c *TTLCache) GetOrLoad(ctx context.Context, cat Category, key string, loader func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if value, ok := c.Get(cat, key); ok {
		return value, nil
	}

	value, err := loader(ctx)
	if err == nil {
		c.Set(cat, key, value)
		c.mu.Lock()
		c.degraded = false
		c.mu.Unlock()
		return value, nil
	}

	if IsBlockedError(err) {
		// Координатор заблокирован: отдаём last-known-good вне TTL
		c.mu.Lock()
		entry, ok := c.lookupLocked(cat, key)
		if ok {
			c.degraded = true
			c.staleServes++
		}
		c.mu.Unlock()

		if ok {
			c.logger.Warn("Выдача устаревших данных: координатор заблокирован",
				utils.String("category", string(cat)),
				utils.String("key", key),
				utils.Duration("age", c.now().Sub(entry.timestamp)))
			return entry.value, nil
		}
	}

	return nil, err
}

// Invalidate удаляет запись из кеша
func (c *TTLCache) Invalidate(cat Category, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if byKey, ok := c.entries[cat]; ok {
		delete(byKey, key)
	}
}

// InvalidateCategory удаляет все записи категории
func (c *TTLCache) InvalidateCategory(cat Category) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cat)
}

// Degraded сообщает выдавал ли кеш устаревшие данные
// с момента последней успешной загрузки
func (c *TTLCache) Degraded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.degraded
}

// StaleServes возвращает количество выдач устаревших данных
func (c *TTLCache) StaleServes() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.staleServes
}
