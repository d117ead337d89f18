package exchange

import (
	"fmt"

	"aitrader/pkg/utils"
)

// FactoryConfig описывает параметры создания биржевого адаптера
type FactoryConfig struct {
	Exchange  string // gate, binance
	APIKey    string
	SecretKey string
	Testnet   bool
	Symbols   []string
}

// New создает биржевой адаптер по имени биржи
func New(cfg FactoryConfig, coordinator *Coordinator, logger *utils.Logger) (Exchange, error) {
	switch cfg.Exchange {
	case "gate":
		return NewGate(cfg.APIKey, cfg.SecretKey, cfg.Testnet, cfg.Symbols, coordinator, logger), nil
	case "binance":
		return NewBinance(cfg.APIKey, cfg.SecretKey, cfg.Testnet, cfg.Symbols, coordinator, logger), nil
	default:
		return nil, fmt.Errorf("unknown exchange: %s", cfg.Exchange)
	}
}
