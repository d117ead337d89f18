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

func newTestCoordinator(maxRPM int) (*Coordinator, *time.Time) {
	c := NewCoordinator(CoordinatorConfig{
		Exchange:              "test",
		MaxRequestsPerMinute:  maxRPM,
		FailureThreshold:      3,
		CircuitBreakerTimeout: 2 * time.Minute,
	}, utils.InitLogger(utils.LogConfig{Level: "error", Output: "/dev/null"}))

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestCoordinator_AcquireAllowed(t *testing.T) {
	c, _ := newTestCoordinator(100)

	err := c.Acquire(context.Background(), "/futures/tickers")
	require.NoError(t, err)

	st := c.Status()
	assert.False(t, st.IsCircuitBreakerOpen)
	assert.Equal(t, 1, st.RequestsPerMinute)
}

func TestCoordinator_Backoff429(t *testing.T) {
	c, now := newTestCoordinator(100)

	c.Handle429()

	err := c.Acquire(context.Background(), "/futures/orders")
	require.Error(t, err)

	var blocked *BlockedError
	require.True(t, errors.As(err, &blocked))
	assert.Equal(t, BlockReasonBackoff, blocked.Reason)
	assert.InDelta(t, 60, blocked.RetryAfter.Seconds(), 1)

	// Статус отражает backoff
	st := c.Status()
	assert.True(t, st.IsBackoff)
	assert.False(t, st.IsBanned)
	assert.InDelta(t, 60, float64(st.RemainingSeconds), 1)

	// Через 61 секунду окно истекло
	*now = now.Add(61 * time.Second)
	err = c.Acquire(context.Background(), "/futures/orders")
	assert.NoError(t, err)
}

func TestCoordinator_Ban418(t *testing.T) {
	c, now := newTestCoordinator(100)

	// Биржа сообщила срок бана 240 секунд
	c.Handle418(240 * time.Second)

	err := c.Acquire(context.Background(), "/futures/orders")
	var blocked *BlockedError
	require.True(t, errors.As(err, &blocked))
	assert.Equal(t, BlockReasonIPBan, blocked.Reason)

	st := c.Status()
	assert.True(t, st.IsBanned)
	assert.True(t, st.IsCircuitBreakerOpen)
	assert.InDelta(t, 240, float64(st.RemainingSeconds), 1)

	// Бан истёк
	*now = now.Add(241 * time.Second)
	assert.NoError(t, c.Acquire(context.Background(), "/futures/orders"))
}

func TestCoordinator_Ban418DefaultDuration(t *testing.T) {
	c, _ := newTestCoordinator(100)

	// Без срока от биржи — 5 минут по умолчанию
	c.Handle418(0)

	st := c.Status()
	assert.InDelta(t, 300, float64(st.RemainingSeconds), 1)
}

func TestCoordinator_CircuitBreaker(t *testing.T) {
	c, now := newTestCoordinator(100)

	// Порог 3: две ошибки circuit ещё закрыт
	c.RecordFailure()
	c.RecordFailure()
	assert.NoError(t, c.Acquire(context.Background(), "/x"))

	// Третья открывает circuit
	c.RecordFailure()
	err := c.Acquire(context.Background(), "/x")
	var blocked *BlockedError
	require.True(t, errors.As(err, &blocked))
	assert.Equal(t, BlockReasonCircuit, blocked.Reason)

	// Успех после истечения circuit сбрасывает счётчик
	*now = now.Add(3 * time.Minute)
	require.NoError(t, c.Acquire(context.Background(), "/x"))
	assert.Equal(t, 0, c.Status().ConsecutiveFailures)
}

func TestCoordinator_SuccessResetsFailures(t *testing.T) {
	c, _ := newTestCoordinator(100)

	c.RecordFailure()
	c.RecordFailure()
	c.RecordSuccess()

	assert.Equal(t, 0, c.Status().ConsecutiveFailures)

	// После сброса нужно снова набрать полный порог
	c.RecordFailure()
	c.RecordFailure()
	assert.NoError(t, c.Acquire(context.Background(), "/x"))
}

func TestCoordinator_WindowBlocks(t *testing.T) {
	c, _ := newTestCoordinator(2)

	ctx := context.Background()
	require.NoError(t, c.Acquire(ctx, "/a"))
	require.NoError(t, c.Acquire(ctx, "/a"))

	// Окно заполнено: допуск не должен зависнуть дольше window+slack.
	// Используем короткий контекст чтобы тест не ждал минуту.
	shortCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()

	err := c.Acquire(shortCtx, "/a")
	require.Error(t, err)
}

func TestCoordinator_BlockedNeverBlocksCaller(t *testing.T) {
	c, _ := newTestCoordinator(100)
	c.Handle429()

	start := time.Now()
	_ = c.Acquire(context.Background(), "/x")
	elapsed := time.Since(start)

	// Отказ мгновенный, без ожидания окончания backoff
	assert.Less(t, elapsed, 100*time.Millisecond)
}

func TestIsBlockedError(t *testing.T) {
	assert.True(t, IsBlockedError(&BlockedError{Reason: BlockReasonBackoff}))
	assert.False(t, IsBlockedError(errors.New("network error")))
	assert.False(t, IsBlockedError(nil))
}
