package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"aitrader/pkg/ratelimit"
	"aitrader/pkg/utils"
)

// coordinator.go - координатор запросов к бирже
//
// Единственная точка допуска для всех исходящих запросов одной биржи.
// Предотвращает штрафы со стороны биржи (мягкие 429 и жёсткие IP-баны)
// и деградирует постепенно когда штраф уже получен:
//
//   - скользящее окно 60с ограничивает частоту запросов
//   - минимальный интервал между запросами
//   - счётчик последовательных ошибок открывает circuit breaker
//   - 429 -> backoff 60 секунд
//   - 418 -> IP-бан (длительность от биржи или 5 минут по умолчанию)
//   - счётчики по эндпоинтам, сбрасываются каждые 5 минут
//
// Отказ в допуске НИКОГДА не блокирует вызывающего: возвращается
// типизированная BlockedError, и вызывающий падает на кеш.

// Причины блокировки
const (
	BlockReasonIPBan   = "ip_ban"
	BlockReasonBackoff = "backoff"
	BlockReasonCircuit = "circuit_breaker"
)

// Дефолты координатора
const (
	defaultBackoffDuration = 60 * time.Second // мягкий backoff после 429
	defaultBanDuration     = 5 * time.Minute  // IP-бан если биржа не сообщила срок
	defaultCircuitTimeout  = 2 * time.Minute
	defaultFailureThreshold = 5
	counterRolloverPeriod  = 5 * time.Minute
	admissionSlack         = 100 * time.Millisecond
	hotEndpointThreshold   = 15 // запросов/мин для диагностической подсказки
)

// BlockedError - типизированный отказ координатора.
// Вызывающий не ретраит, а использует кешированные данные.
type BlockedError struct {
	Reason     string
	RetryAfter time.Duration
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("coordinator blocked: %s (retry after %s)", e.Reason, e.RetryAfter.Round(time.Second))
}

// Retryable сообщает pkg/retry что блокировку ретраить бессмысленно
func (e *BlockedError) Retryable() bool {
	return false
}

// CoordinatorConfig - конфигурация координатора
type CoordinatorConfig struct {
	Exchange              string
	MaxRequestsPerMinute  int
	MinRequestDelay       time.Duration
	FailureThreshold      int           // последовательных ошибок до открытия circuit
	CircuitBreakerTimeout time.Duration // на сколько открывается circuit
}

// Coordinator - координатор запросов, синглтон на биржу
type Coordinator struct {
	cfg    CoordinatorConfig
	window *ratelimit.SlidingWindow
	logger *utils.Logger

	mu                  sync.Mutex
	lastRequestTime     time.Time
	consecutiveFailures int
	circuitOpenUntil    time.Time
	backoffUntil        time.Time
	ipBannedUntil       time.Time
	banReason           string

	endpointCounts map[string]int
	windowStart    time.Time // начало текущего 5-минутного окна счётчиков

	stopCh chan struct{}
	wg     sync.WaitGroup

	// now подменяется в тестах
	now func() time.Time
}

// CoordinatorStatus - снимок состояния для health-агрегатора
type CoordinatorStatus struct {
	Exchange             string  `json:"exchange"`
	IsCircuitBreakerOpen bool    `json:"isCircuitBreakerOpen"`
	IsBanned             bool    `json:"isBanned"`
	IsBackoff            bool    `json:"isBackoff"`
	BlockReason          string  `json:"blockReason,omitempty"`
	RemainingSeconds     int     `json:"remainingSeconds"`
	RequestsPerMinute    int     `json:"requestsPerMinute"`
	ConsecutiveFailures  int     `json:"consecutiveFailures"`
}

// NewCoordinator создаёт координатор
func NewCoordinator(cfg CoordinatorConfig, logger *utils.Logger) *Coordinator {
	if cfg.MaxRequestsPerMinute <= 0 {
		cfg.MaxRequestsPerMinute = 60
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.CircuitBreakerTimeout <= 0 {
		cfg.CircuitBreakerTimeout = defaultCircuitTimeout
	}
	if logger == nil {
		logger = utils.L()
	}

	return &Coordinator{
		cfg:            cfg,
		window:         ratelimit.NewSlidingWindow(cfg.MaxRequestsPerMinute, time.Minute),
		logger:         logger.WithComponent("coordinator").WithExchange(cfg.Exchange),
		endpointCounts: make(map[string]int),
		windowStart:    time.Now(),
		stopCh:         make(chan struct{}),
		now:            time.Now,
	}
}

// Start запускает фоновый сброс счётчиков эндпоинтов
func (c *Coordinator) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(counterRolloverPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.rolloverCounters(false)
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop останавливает фоновые задачи координатора
func (c *Coordinator) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// Acquire запрашивает допуск на один исходящий запрос.
//
// Протокол допуска:
//  1. Активный бан / backoff / открытый circuit -> BlockedError,
//     вызывающий НЕ блокируется.
//  2. Истёкшие штрафные окна снимаются с логом восстановления.
//  3. Скользящее окно 60с: при заполнении ждём пока самая старая
//     метка выйдет из окна (плюс 100мс слака, не дольше).
//  4. Минимальный интервал между запросами.
//  5. Фиксация метки времени и инкремент счётчика эндпоинта.
func (c *Coordinator) Acquire(ctx context.Context, endpoint string) error {
	c.mu.Lock()
	now := c.now()

	// Шаг 2: снимаем истёкшие штрафы
	c.expirePenalties(now)

	// Шаг 1: активные штрафы -> немедленный отказ
	if blocked := c.blockedLocked(now); blocked != nil {
		c.mu.Unlock()
		return blocked
	}
	c.mu.Unlock()

	// Шаг 3: скользящее окно. Ожидание ограничено window + 100ms.
	waitCtx, cancel := context.WithTimeout(ctx, c.window.Window()+admissionSlack)
	defer cancel()
	if err := c.window.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &BlockedError{Reason: "rate_window", RetryAfter: c.window.NextFreeIn()}
	}

	// Шаг 4: минимальный интервал между запросами
	c.mu.Lock()
	if c.cfg.MinRequestDelay > 0 {
		elapsed := c.now().Sub(c.lastRequestTime)
		if elapsed < c.cfg.MinRequestDelay {
			wait := c.cfg.MinRequestDelay - elapsed
			c.mu.Unlock()
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
			c.mu.Lock()
		}
	}

	// Шаг 5: фиксируем запрос
	c.lastRequestTime = c.now()
	c.endpointCounts[endpoint]++
	c.mu.Unlock()

	return nil
}

// blockedLocked возвращает BlockedError если действует штрафное окно.
// ВАЖНО: вызывается под lock'ом
func (c *Coordinator) blockedLocked(now time.Time) *BlockedError {
	if now.Before(c.ipBannedUntil) {
		return &BlockedError{Reason: BlockReasonIPBan, RetryAfter: c.ipBannedUntil.Sub(now)}
	}
	if now.Before(c.backoffUntil) {
		return &BlockedError{Reason: BlockReasonBackoff, RetryAfter: c.backoffUntil.Sub(now)}
	}
	if now.Before(c.circuitOpenUntil) {
		return &BlockedError{Reason: BlockReasonCircuit, RetryAfter: c.circuitOpenUntil.Sub(now)}
	}
	return nil
}

// expirePenalties снимает истёкшие штрафные окна с логом восстановления.
// ВАЖНО: вызывается под lock'ом
func (c *Coordinator) expirePenalties(now time.Time) {
	if !c.ipBannedUntil.IsZero() && !now.Before(c.ipBannedUntil) {
		c.logger.Info("IP-бан истёк, возобновляем запросы")
		c.ipBannedUntil = time.Time{}
		c.banReason = ""
	}
	if !c.backoffUntil.IsZero() && !now.Before(c.backoffUntil) {
		c.logger.Info("Backoff истёк, возобновляем запросы")
		c.backoffUntil = time.Time{}
	}
	if !c.circuitOpenUntil.IsZero() && !now.Before(c.circuitOpenUntil) {
		c.logger.Info("Circuit breaker закрыт, возобновляем запросы")
		c.circuitOpenUntil = time.Time{}
		c.consecutiveFailures = 0
	}
}

// RecordSuccess сбрасывает счётчик последовательных ошибок
func (c *Coordinator) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutiveFailures = 0
}

// RecordFailure инкрементирует счётчик ошибок; при достижении
// порога открывает circuit breaker
func (c *Coordinator) RecordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.consecutiveFailures++
	if c.consecutiveFailures >= c.cfg.FailureThreshold && c.now().After(c.circuitOpenUntil) {
		c.circuitOpenUntil = c.now().Add(c.cfg.CircuitBreakerTimeout)
		c.logger.Warn("Circuit breaker открыт",
			utils.Int("consecutive_failures", c.consecutiveFailures),
			utils.Duration("timeout", c.cfg.CircuitBreakerTimeout))
	}
}

// Handle429 обрабатывает мягкое предупреждение биржи:
// backoff 60 секунд + аварийный дамп счётчиков
func (c *Coordinator) Handle429() {
	c.mu.Lock()
	c.backoffUntil = c.now().Add(defaultBackoffDuration)
	c.mu.Unlock()

	c.logger.Warn("Получен 429, backoff 60 секунд")
	c.rolloverCounters(true)
}

// Handle418 обрабатывает жёсткий IP-бан.
// banDuration <= 0 означает что биржа не сообщила срок (берём 5 минут).
// Circuit breaker открывается на тот же срок.
func (c *Coordinator) Handle418(banDuration time.Duration) {
	if banDuration <= 0 {
		banDuration = defaultBanDuration
	}

	c.mu.Lock()
	now := c.now()
	c.ipBannedUntil = now.Add(banDuration)
	c.circuitOpenUntil = now.Add(banDuration)
	c.banReason = BlockReasonIPBan
	c.mu.Unlock()

	c.logger.Error("Получен 418: IP забанен",
		utils.Duration("ban_duration", banDuration))
	c.rolloverCounters(true)
}

// rolloverCounters сбрасывает счётчики эндпоинтов и пишет отчёт.
// emergency=true добавляет диагностические подсказки по горячим эндпоинтам.
func (c *Coordinator) rolloverCounters(emergency bool) {
	c.mu.Lock()
	counts := make(map[string]int, len(c.endpointCounts))
	for ep, n := range c.endpointCounts {
		counts[ep] = n
	}
	elapsed := c.now().Sub(c.windowStart)
	if !emergency {
		c.endpointCounts = make(map[string]int)
		c.windowStart = c.now()
	}
	c.mu.Unlock()

	if elapsed < time.Second {
		elapsed = time.Second
	}
	minutes := elapsed.Minutes()

	type endpointStat struct {
		endpoint string
		count    int
	}

	total := 0
	stats := make([]endpointStat, 0, len(counts))
	for ep, n := range counts {
		total += n
		stats = append(stats, endpointStat{ep, n})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].count > stats[j].count })

	if len(stats) > 10 {
		stats = stats[:10] // топ-10
	}

	logFn := c.logger.Info
	if emergency {
		logFn = c.logger.Warn
	}

	logFn("Отчёт по запросам",
		utils.Int("total_requests", total),
		utils.Float64("requests_per_minute", float64(total)/minutes),
		utils.Any("top_endpoints", stats))

	if emergency {
		for _, s := range stats {
			perMin := float64(s.count) / minutes
			if perMin > hotEndpointThreshold {
				c.logger.Warn("Горячий эндпоинт — вероятный источник rate limit",
					utils.String("endpoint", s.endpoint),
					utils.Float64("requests_per_minute", perMin))
			}
		}
	}
}

// Status возвращает снимок состояния для health-агрегатора
func (c *Coordinator) Status() CoordinatorStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	st := CoordinatorStatus{
		Exchange:            c.cfg.Exchange,
		RequestsPerMinute:   c.window.Len(),
		ConsecutiveFailures: c.consecutiveFailures,
	}

	var until time.Time
	switch {
	case now.Before(c.ipBannedUntil):
		st.IsBanned = true
		st.IsCircuitBreakerOpen = true
		st.BlockReason = BlockReasonIPBan
		until = c.ipBannedUntil
	case now.Before(c.backoffUntil):
		st.IsBackoff = true
		st.BlockReason = BlockReasonBackoff
		until = c.backoffUntil
	case now.Before(c.circuitOpenUntil):
		st.IsCircuitBreakerOpen = true
		st.BlockReason = BlockReasonCircuit
		until = c.circuitOpenUntil
	}

	if !until.IsZero() {
		st.RemainingSeconds = int(until.Sub(now).Seconds() + 0.5)
	}

	return st
}

// IsBlocked сообщает действует ли сейчас какое-либо штрафное окно
func (c *Coordinator) IsBlocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blockedLocked(c.now()) != nil
}

// IsBlockedError проверяет что ошибка — отказ координатора
func IsBlockedError(err error) bool {
	if err == nil {
		return false
	}
	var blocked *BlockedError
	return errors.As(err, &blocked)
}
