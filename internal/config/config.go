package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config содержит всю конфигурацию приложения
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Exchange  ExchangeConfig
	Trading   TradingConfig
	Risk      RiskConfig
	Intervals IntervalsConfig
	LLM       LLMConfig
	SMTP      SMTPConfig
	Logging   LoggingConfig
}

// ServerConfig - настройки HTTP сервера
type ServerConfig struct {
	Port int
	Host string
}

// DatabaseConfig - настройки подключения к БД.
// DATABASE_URL имеет приоритет над отдельными DB_* переменными.
type DatabaseConfig struct {
	URL      string
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

// ExchangeConfig - биржа и ключи доступа
type ExchangeConfig struct {
	Name      string // gate, binance
	APIKey    string
	SecretKey string
	Testnet   bool

	// Пределы исходящих запросов, передаются координатору
	MaxRequestsPerMinute int
	MinRequestDelay      time.Duration
}

// TradingConfig - торговые параметры и лимиты агента
type TradingConfig struct {
	Symbols               []string
	MaxLeverage           int
	MaxNotionalUSDT       float64
	MaxPositions          int
	MaxOpportunitiesShown int
	OpportunityScoreFloor float64
}

// RiskConfig - параметры risk-движка
type RiskConfig struct {
	ATRMultiplier        float64
	MinStopDistancePct   float64
	MaxStopDistancePct   float64
	ExtremeTPMultiple    float64
	PeakDrawdownFraction float64
	MaxHoldingHours      float64
	TakerFeeRate         float64
}

// IntervalsConfig - периоды фоновых задач
type IntervalsConfig struct {
	Trading         time.Duration // решающий цикл
	ReversalMonitor time.Duration
	Resolve         time.Duration // reconciler
	HealthCheck     time.Duration
	PriceOrderCheck time.Duration // обработка событий закрытия и триггеров
}

// LLMConfig - доступ к модели-коллаборатору.
// Пустой APIKey переводит агента в режим без модели: риск-движок
// продолжает вести открытые позиции, новые не открываются.
type LLMConfig struct {
	APIURL      string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// SMTPConfig - почтовые уведомления (пустой Host отключает)
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level  string
	Format string
	Output string
}

// Load загружает конфигурацию из переменных окружения
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: getEnvAsInt("SERVER_PORT", 8080),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			Name:     getEnv("DB_NAME", "aitrader"),
			User:     getEnv("DB_USER", "aitrader"),
			Password: getEnv("DB_PASSWORD", ""),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Exchange: ExchangeConfig{
			Name:      getEnv("EXCHANGE", "gate"),
			APIKey:    getEnv("EXCHANGE_API_KEY", ""),
			SecretKey: getEnv("EXCHANGE_API_SECRET", ""),
			Testnet:   getEnvAsBool("EXCHANGE_TESTNET", true),

			MaxRequestsPerMinute: getEnvAsInt("MAX_REQUESTS_PER_MINUTE", 60),
			MinRequestDelay:      time.Duration(getEnvAsInt("MIN_REQUEST_DELAY_MS", 100)) * time.Millisecond,
		},
		Trading: TradingConfig{
			Symbols:               getEnvAsSlice("TRADING_SYMBOLS", []string{"BTC", "ETH"}),
			MaxLeverage:           getEnvAsInt("MAX_LEVERAGE", 20),
			MaxNotionalUSDT:       getEnvAsFloat("MAX_NOTIONAL_USDT", 1000),
			MaxPositions:          getEnvAsInt("MAX_POSITIONS", 5),
			MaxOpportunitiesShown: getEnvAsInt("MAX_OPPORTUNITIES_TO_SHOW", 5),
			OpportunityScoreFloor: getEnvAsFloat("OPPORTUNITY_SCORE_FLOOR", 55),
		},
		Risk: RiskConfig{
			ATRMultiplier:        getEnvAsFloat("RISK_ATR_MULTIPLIER", 2.0),
			MinStopDistancePct:   getEnvAsFloat("RISK_MIN_STOP_PCT", 0.005),
			MaxStopDistancePct:   getEnvAsFloat("RISK_MAX_STOP_PCT", 0.03),
			ExtremeTPMultiple:    getEnvAsFloat("RISK_EXTREME_TP_MULTIPLE", 5),
			PeakDrawdownFraction: getEnvAsFloat("RISK_PEAK_DRAWDOWN_FRACTION", 0.5),
			MaxHoldingHours:      getEnvAsFloat("RISK_MAX_HOLDING_HOURS", 36),
			TakerFeeRate:         getEnvAsFloat("TAKER_FEE_RATE", 0.0005),
		},
		Intervals: IntervalsConfig{
			Trading:         getEnvAsMinutes("TRADING_INTERVAL_MINUTES", 15),
			ReversalMonitor: getEnvAsMinutes("REVERSAL_MONITOR_INTERVAL_MINUTES", 3),
			Resolve:         getEnvAsMinutes("RESOLVE_INTERVAL_MINUTES", 10),
			HealthCheck:     getEnvAsMinutes("HEALTH_CHECK_INTERVAL_MINUTES", 5),
			PriceOrderCheck: getEnvAsDuration("PRICE_ORDER_CHECK_INTERVAL", time.Minute),
		},
		LLM: LLMConfig{
			APIURL:      getEnv("LLM_API_URL", "https://api.openai.com/v1/chat/completions"),
			APIKey:      getEnv("LLM_API_KEY", ""),
			Model:       getEnv("LLM_MODEL", "gpt-4o"),
			MaxTokens:   getEnvAsInt("LLM_MAX_TOKENS", 2048),
			Temperature: getEnvAsFloat("LLM_TEMPERATURE", 0.2),
			Timeout:     getEnvAsDuration("LLM_TIMEOUT", 120*time.Second),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnvAsInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", ""),
			To:       getEnvAsSlice("SMTP_TO", nil),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
			Output: getEnv("LOG_OUTPUT", ""),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate проверяет обязательные параметры и диапазоны
func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	switch c.Exchange.Name {
	case "gate", "binance":
	default:
		return fmt.Errorf("EXCHANGE must be gate or binance, got %q", c.Exchange.Name)
	}
	if c.Exchange.APIKey == "" || c.Exchange.SecretKey == "" {
		return fmt.Errorf("EXCHANGE_API_KEY and EXCHANGE_API_SECRET are required")
	}

	if len(c.Trading.Symbols) == 0 {
		return fmt.Errorf("TRADING_SYMBOLS must list at least one symbol")
	}
	if c.Trading.MaxLeverage < 1 || c.Trading.MaxLeverage > 125 {
		return fmt.Errorf("MAX_LEVERAGE must be between 1 and 125, got %d", c.Trading.MaxLeverage)
	}
	if c.Trading.MaxNotionalUSDT <= 0 {
		return fmt.Errorf("MAX_NOTIONAL_USDT must be positive, got %v", c.Trading.MaxNotionalUSDT)
	}

	if c.Risk.MinStopDistancePct <= 0 || c.Risk.MaxStopDistancePct <= c.Risk.MinStopDistancePct {
		return fmt.Errorf("stop distance bounds invalid: min %v, max %v",
			c.Risk.MinStopDistancePct, c.Risk.MaxStopDistancePct)
	}
	if c.Risk.ExtremeTPMultiple <= 1 {
		return fmt.Errorf("RISK_EXTREME_TP_MULTIPLE must exceed 1, got %v", c.Risk.ExtremeTPMultiple)
	}
	if c.Risk.MaxHoldingHours <= 0 {
		return fmt.Errorf("RISK_MAX_HOLDING_HOURS must be positive, got %v", c.Risk.MaxHoldingHours)
	}

	if c.Intervals.Trading < time.Minute {
		return fmt.Errorf("TRADING_INTERVAL_MINUTES must be at least 1, got %v", c.Intervals.Trading)
	}
	if c.Intervals.ReversalMonitor < time.Minute {
		return fmt.Errorf("REVERSAL_MONITOR_INTERVAL_MINUTES must be at least 1, got %v", c.Intervals.ReversalMonitor)
	}

	return nil
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	if d.URL != "" {
		return "DATABASE_URL"
	}
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvAsDuration принимает значения вида "90s"/"2m"; голое число
// трактуется как секунды
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
		if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

// getEnvAsMinutes читает интервал, заданный числом минут
func getEnvAsMinutes(key string, defaultMinutes int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultMinutes)) * time.Minute
}

// getEnvAsSlice читает comma-separated список
func getEnvAsSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
