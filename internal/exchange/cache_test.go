package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aitrader/pkg/utils"
)

func newTestCache() (*TTLCache, *time.Time) {
	c := NewTTLCache(utils.InitLogger(utils.LogConfig{Level: "error", Output: "/dev/null"}))
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestTTLCache_SetGet(t *testing.T) {
	c, _ := newTestCache()

	c.Set(CategoryTicker, "BTC", 30000.0)

	value, ok := c.Get(CategoryTicker, "BTC")
	require.True(t, ok)
	assert.Equal(t, 30000.0, value)
}

func TestTTLCache_Expiry(t *testing.T) {
	c, now := newTestCache()

	c.Set(CategoryTicker, "BTC", 30000.0)

	// Внутри TTL (60с для тикера)
	*now = now.Add(59 * time.Second)
	_, ok := c.Get(CategoryTicker, "BTC")
	assert.True(t, ok)

	// TTL истёк
	*now = now.Add(2 * time.Second)
	_, ok = c.Get(CategoryTicker, "BTC")
	assert.False(t, ok)
}

func TestTTLCache_CategoryTTLs(t *testing.T) {
	c, now := newTestCache()

	c.Set(CategoryPosition, "BTC:long", "pos")
	c.Set(CategoryCandles, "BTC:5m", "candles")
	c.Set(CategoryContract, "BTC", "contract")

	// Позиции протухают за 30с, свечи живут 600с, контракт бессрочно
	*now = now.Add(31 * time.Second)

	_, ok := c.Get(CategoryPosition, "BTC:long")
	assert.False(t, ok, "position must expire after 30s")

	_, ok = c.Get(CategoryCandles, "BTC:5m")
	assert.True(t, ok, "candles must live 600s")

	*now = now.Add(24 * time.Hour)
	_, ok = c.Get(CategoryContract, "BTC")
	assert.True(t, ok, "contract metadata never expires")
}

func TestTTLCache_GetOrLoad_Loads(t *testing.T) {
	c, _ := newTestCache()

	loads := 0
	loader := func(ctx context.Context) (interface{}, error) {
		loads++
		return 30000.0, nil
	}

	v, err := c.GetOrLoad(context.Background(), CategoryTicker, "BTC", loader)
	require.NoError(t, err)
	assert.Equal(t, 30000.0, v)

	// Повторный вызов берёт из кеша
	v, err = c.GetOrLoad(context.Background(), CategoryTicker, "BTC", loader)
	require.NoError(t, err)
	assert.Equal(t, 30000.0, v)
	assert.Equal(t, 1, loads)
}

func TestTTLCache_DegradedServing(t *testing.T) {
	c, now := newTestCache()

	// Прогреваем кеш
	_, err := c.GetOrLoad(context.Background(), CategoryTicker, "BTC", func(ctx context.Context) (interface{}, error) {
		return 30000.0, nil
	})
	require.NoError(t, err)
	assert.False(t, c.Degraded())

	// TTL истёк, координатор заблокирован
	*now = now.Add(2 * time.Minute)
	blockedLoader := func(ctx context.Context) (interface{}, error) {
		return nil, &BlockedError{Reason: BlockReasonBackoff, RetryAfter: 30 * time.Second}
	}

	v, err := c.GetOrLoad(context.Background(), CategoryTicker, "BTC", blockedLoader)
	require.NoError(t, err, "stale value must be served while blocked")
	assert.Equal(t, 30000.0, v)
	assert.True(t, c.Degraded())
	assert.Equal(t, int64(1), c.StaleServes())

	// Успешная загрузка снимает деградацию
	*now = now.Add(2 * time.Minute)
	_, err = c.GetOrLoad(context.Background(), CategoryTicker, "BTC", func(ctx context.Context) (interface{}, error) {
		return 31000.0, nil
	})
	require.NoError(t, err)
	assert.False(t, c.Degraded())
}

func TestTTLCache_BlockedWithoutCachedValue(t *testing.T) {
	c, _ := newTestCache()

	// Нет last-known-good — ошибка отдаётся вызывающему
	_, err := c.GetOrLoad(context.Background(), CategoryTicker, "ETH", func(ctx context.Context) (interface{}, error) {
		return nil, &BlockedError{Reason: BlockReasonIPBan, RetryAfter: time.Minute}
	})
	require.Error(t, err)
	assert.True(t, IsBlockedError(err))
}

func TestTTLCache_LoaderErrorPropagates(t *testing.T) {
	c, now := newTestCache()

	c.Set(CategoryTicker, "BTC", 30000.0)
	*now = now.Add(2 * time.Minute)

	// Обычная ошибка (не блокировка) не включает деградацию
	wantErr := errors.New("network down")
	_, err := c.GetOrLoad(context.Background(), CategoryTicker, "BTC", func(ctx context.Context) (interface{}, error) {
		return nil, wantErr
	})
	assert.ErrorIs(t, err, wantErr)
	assert.False(t, c.Degraded())
}

func TestTTLCache_Invalidate(t *testing.T) {
	c, _ := newTestCache()

	c.Set(CategoryFee, "order-1", 0.45)
	c.Invalidate(CategoryFee, "order-1")

	_, ok := c.Get(CategoryFee, "order-1")
	assert.False(t, ok)
}
