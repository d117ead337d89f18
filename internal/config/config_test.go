package config

import (
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("EXCHANGE_API_KEY", "key")
	t.Setenv("EXCHANGE_API_SECRET", "secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Exchange.Name != "gate" {
		t.Errorf("Exchange.Name = %q, want gate", cfg.Exchange.Name)
	}
	if !cfg.Exchange.Testnet {
		t.Error("Exchange.Testnet should default to true")
	}
	if cfg.Intervals.Trading != 15*time.Minute {
		t.Errorf("Intervals.Trading = %v, want 15m", cfg.Intervals.Trading)
	}
	if cfg.Risk.ExtremeTPMultiple != 5 {
		t.Errorf("Risk.ExtremeTPMultiple = %v, want 5", cfg.Risk.ExtremeTPMultiple)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing api key", map[string]string{"EXCHANGE_API_KEY": "", "EXCHANGE_API_SECRET": ""}},
		{"unknown exchange", map[string]string{"EXCHANGE": "kraken"}},
		{"bad port", map[string]string{"SERVER_PORT": "99999"}},
		{"excessive leverage", map[string]string{"MAX_LEVERAGE": "500"}},
		{"inverted stop bounds", map[string]string{"RISK_MIN_STOP_PCT": "0.05", "RISK_MAX_STOP_PCT": "0.01"}},
		{"extreme tp too low", map[string]string{"RISK_EXTREME_TP_MULTIPLE": "0.5"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Error("Load() should fail validation")
			}
		})
	}
}

func TestRateLimitKeys(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("MAX_REQUESTS_PER_MINUTE", "30")
	t.Setenv("MIN_REQUEST_DELAY_MS", "250")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Exchange.MaxRequestsPerMinute != 30 {
		t.Errorf("MaxRequestsPerMinute = %d, want 30", cfg.Exchange.MaxRequestsPerMinute)
	}
	if cfg.Exchange.MinRequestDelay != 250*time.Millisecond {
		t.Errorf("MinRequestDelay = %v, want 250ms", cfg.Exchange.MinRequestDelay)
	}
}

func TestDurationAcceptsBareSeconds(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PRICE_ORDER_CHECK_INTERVAL", "30")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Intervals.PriceOrderCheck != 30*time.Second {
		t.Errorf("PriceOrderCheck = %v, want 30s", cfg.Intervals.PriceOrderCheck)
	}

	t.Setenv("PRICE_ORDER_CHECK_INTERVAL", "45s")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Intervals.PriceOrderCheck != 45*time.Second {
		t.Errorf("PriceOrderCheck = %v, want 45s", cfg.Intervals.PriceOrderCheck)
	}
}

func TestTradingSymbolsParsing(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TRADING_SYMBOLS", " BTC , ETH ,SOL,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	want := []string{"BTC", "ETH", "SOL"}
	if len(cfg.Trading.Symbols) != len(want) {
		t.Fatalf("Symbols = %v, want %v", cfg.Trading.Symbols, want)
	}
	for i, s := range want {
		if cfg.Trading.Symbols[i] != s {
			t.Errorf("Symbols[%d] = %q, want %q", i, cfg.Trading.Symbols[i], s)
		}
	}
}

func TestDatabaseDSNPriority(t *testing.T) {
	d := DatabaseConfig{
		URL:  "postgres://user:pass@db:5432/aitrader",
		Host: "ignored",
	}
	if d.DSN() != d.URL {
		t.Errorf("DSN() = %q, want DATABASE_URL to win", d.DSN())
	}

	d = DatabaseConfig{
		Host: "localhost", Port: 5432, User: "u", Password: "p", Name: "db", SSLMode: "disable",
	}
	want := "host=localhost port=5432 user=u password=p dbname=db sslmode=disable"
	if d.DSN() != want {
		t.Errorf("DSN() = %q, want %q", d.DSN(), want)
	}
}
