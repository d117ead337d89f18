package utils

import (
	"math"
)

// math.go - математические утилиты для торговли перпетуалами
//
// Назначение:
// Вспомогательные математические функции для торговых операций.
// Все функции являются чистыми (pure functions) без побочных эффектов.
//
// Функции:
// - RoundToTick: округление цены до шага цены биржи
// - RoundToLotSize: округление объёма до lot size биржи
// - CalculatePNL: расчёт прибыли/убытка по позиции
// - PnlPercent: доходность на маржу с учётом плеча

// RoundToTick округляет цену до ближайшего кратного tickSize.
//
// Биржа отклоняет ордера с ценой, не кратной шагу цены контракта,
// поэтому все триггерные и лимитные цены проходят через эту функцию.
//
// Параметры:
//   - price: исходная цена
//   - tickSize: минимальный шаг цены на бирже
//
// Возвращает:
//   - Округлённую цену, кратную tickSize
//   - Если tickSize <= 0, возвращает исходную цену
//
// Примеры:
//   - RoundToTick(25123.456, 0.1) = 25123.5
//   - RoundToTick(0.12345, 0.0001) = 0.1235
func RoundToTick(price, tickSize float64) float64 {
	if tickSize <= 0 {
		return price
	}
	return math.Round(price/tickSize) * tickSize
}

// RoundToTickDown округляет цену ВНИЗ до кратного tickSize.
//
// Используется для стоп-цен лонга: округление вниз не ослабляет стоп.
func RoundToTickDown(price, tickSize float64) float64 {
	if tickSize <= 0 {
		return price
	}
	return math.Floor(price/tickSize) * tickSize
}

// RoundToTickUp округляет цену ВВЕРХ до кратного tickSize.
//
// Используется для стоп-цен шорта.
func RoundToTickUp(price, tickSize float64) float64 {
	if tickSize <= 0 {
		return price
	}
	return math.Ceil(price/tickSize) * tickSize
}

// RoundToLotSize округляет объём ВНИЗ до ближайшего кратного lotSize.
//
// Округление вниз гарантирует, что ордер не превысит доступную маржу.
//
// Параметры:
//   - value: исходный объём
//   - lotSize: минимальный шаг объёма на бирже
//
// Возвращает:
//   - Округлённое значение, кратное lotSize
//   - Если lotSize <= 0, возвращает исходное значение
//
// Примеры:
//   - RoundToLotSize(0.123456, 0.001) = 0.123
//   - RoundToLotSize(1.999, 0.01) = 1.99
func RoundToLotSize(value, lotSize float64) float64 {
	if lotSize <= 0 {
		return value
	}
	return math.Floor(value/lotSize) * lotSize
}

// RoundToLotSizeUp округляет объём ВВЕРХ до кратного lotSize.
//
// Используется когда нужно гарантировать минимальный объём (minQty).
func RoundToLotSizeUp(value, lotSize float64) float64 {
	if lotSize <= 0 {
		return value
	}
	return math.Ceil(value/lotSize) * lotSize
}

// CalculatePNL расчитывает прибыль/убыток по позиции.
//
// Формулы:
//   - Long PNL  = (P_close - P_open) × qty
//   - Short PNL = (P_open - P_close) × qty
//
// Параметры:
//   - side: "long" или "short"
//   - entryPrice: цена входа
//   - currentPrice: текущая/выходная цена
//   - quantity: объём позиции в монетах
//
// Возвращает:
//   - PNL в валюте котировки (USDT)
func CalculatePNL(side string, entryPrice, currentPrice, quantity float64) float64 {
	if quantity <= 0 {
		return 0
	}

	switch side {
	case "long":
		// Лонг: прибыль если цена выросла
		return (currentPrice - entryPrice) * quantity
	case "short":
		// Шорт: прибыль если цена упала
		return (entryPrice - currentPrice) * quantity
	default:
		return 0
	}
}

// PnlPercent расчитывает доходность позиции на вложенную маржу.
//
// Формула:
//
//	PNL% = PNL / (entryPrice × qty / leverage) × 100
//
// Плечо усиливает доходность: движение цены на 1% при плече 10
// даёт 10% на маржу.
//
// Параметры:
//   - pnl: прибыль/убыток в валюте котировки
//   - entryPrice: цена входа
//   - quantity: объём позиции
//   - leverage: плечо (>= 1)
//
// Возвращает:
//   - Доходность в процентах, 0 при некорректных входных данных
func PnlPercent(pnl, entryPrice, quantity float64, leverage int) float64 {
	if entryPrice <= 0 || quantity <= 0 || leverage < 1 {
		return 0
	}
	margin := entryPrice * quantity / float64(leverage)
	if margin <= 0 {
		return 0
	}
	return pnl / margin * 100
}

// PercentChange расчитывает относительное изменение в процентах.
//
// Примеры:
//   - PercentChange(100, 101) = 1.0
//   - PercentChange(100, 95) = -5.0
func PercentChange(from, to float64) float64 {
	if from <= 0 {
		return 0
	}
	return (to - from) / from * 100
}

// Abs возвращает абсолютное значение числа.
func Abs(x float64) float64 {
	return math.Abs(x)
}

// Min возвращает минимум из двух чисел.
func Min(a, b float64) float64 {
	return math.Min(a, b)
}

// Max возвращает максимум из двух чисел.
func Max(a, b float64) float64 {
	return math.Max(a, b)
}

// Clamp ограничивает значение диапазоном [min, max].
func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
