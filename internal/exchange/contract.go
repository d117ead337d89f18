package exchange

import (
	"math"

	"aitrader/pkg/utils"
)

// contract.go - математика контрактов
//
// Весь полиморфизм по типу контракта собран здесь: количество и PNL
// считаются по-разному для linear и inverse, без рефлексии, простым
// switch по Contract.Type. Адаптеры делегируют сюда.

// maxPriceDeviation - максимальное отклонение цены ордера от mark price.
// Цена за пределами полосы клампится к её границе.
const maxPriceDeviation = 0.015 // 1.5%

// CalculateQuantity переводит нотионал в размер ордера.
//
// Формулы:
//   - inverse: ⌊(usdt × leverage) / (multiplier × price)⌋ — целые контракты
//   - linear:  usdt × leverage / price — монеты
//
// Возвращает 0 при некорректных входных данных.
func CalculateQuantity(usdt, price float64, leverage int, c *Contract) float64 {
	if usdt <= 0 || price <= 0 || leverage < 1 || c == nil {
		return 0
	}

	switch c.Type {
	case ContractTypeInverse:
		if c.QuantoMultiplier <= 0 {
			return 0
		}
		return math.Floor(usdt * float64(leverage) / (c.QuantoMultiplier * price))
	case ContractTypeLinear:
		return usdt * float64(leverage) / price
	default:
		return 0
	}
}

// CalculatePnL считает прибыль/убыток по типу контракта.
//
// Формулы:
//   - inverse: (exit−entry или entry−exit) × qty × multiplier
//   - linear:  (Δ) × qty
//
// Инвариант: CalculatePnL(p, p, q, side, c) == 0 для обоих типов.
func CalculatePnL(entry, exit, qty float64, side string, c *Contract) float64 {
	if qty <= 0 || c == nil {
		return 0
	}

	var delta float64
	switch side {
	case "long":
		delta = exit - entry
	case "short":
		delta = entry - exit
	default:
		return 0
	}

	switch c.Type {
	case ContractTypeInverse:
		return delta * qty * c.QuantoMultiplier
	case ContractTypeLinear:
		return delta * qty
	default:
		return 0
	}
}

// ClampOrderSize клампит абсолютный размер ордера к границам контракта,
// сохраняя знак. Ниже минимума — вверх, выше максимума — вниз.
func ClampOrderSize(size float64, c *Contract) float64 {
	if c == nil || size == 0 {
		return size
	}

	sign := 1.0
	if size < 0 {
		sign = -1.0
	}
	abs := math.Abs(size)

	if c.OrderSizeMin > 0 && abs < c.OrderSizeMin {
		abs = c.OrderSizeMin
	}
	if c.OrderSizeMax > 0 && abs > c.OrderSizeMax {
		abs = c.OrderSizeMax
	}

	return sign * abs
}

// ClampOrderPrice клампит цену ордера к полосе ±1.5% от mark price
// и округляет до шага цены контракта.
func ClampOrderPrice(price, markPrice float64, c *Contract) float64 {
	if price <= 0 || markPrice <= 0 {
		return price
	}

	lower := markPrice * (1 - maxPriceDeviation)
	upper := markPrice * (1 + maxPriceDeviation)
	clamped := utils.Clamp(price, lower, upper)

	if c != nil && c.OrderPriceRound > 0 {
		clamped = utils.RoundToTick(clamped, c.OrderPriceRound)
	}
	return clamped
}

// RoundTriggerPrice округляет цену триггера до шага цены контракта
func RoundTriggerPrice(price float64, c *Contract) float64 {
	if c == nil || c.OrderPriceRound <= 0 {
		return price
	}
	return utils.RoundToTick(price, c.OrderPriceRound)
}

// Notional возвращает нотионал позиции в валюте котировки
func Notional(price, qty float64, c *Contract) float64 {
	if price <= 0 || qty <= 0 || c == nil {
		return 0
	}
	if c.Type == ContractTypeInverse {
		return price * qty * c.QuantoMultiplier
	}
	return price * qty
}
