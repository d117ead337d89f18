package utils

import (
	"math"
	"testing"
)

// ============================================================
// Тесты RoundToTick
// ============================================================

func TestRoundToTick(t *testing.T) {
	tests := []struct {
		name     string
		price    float64
		tickSize float64
		expected float64
	}{
		// Базовые кейсы
		{"exact match", 25000.5, 0.5, 25000.5},
		{"round to nearest up", 25123.46, 0.1, 25123.5},
		{"round to nearest down", 25123.44, 0.1, 25123.4},
		{"whole tick", 100.4, 1.0, 100.0},

		// Граничные случаи
		{"zero price", 0, 0.1, 0},
		{"zero tickSize", 25123.456, 0, 25123.456},
		{"negative tickSize", 25123.456, -0.1, 25123.456},

		// Мелкие тики альткоинов
		{"small tick", 0.12346, 0.0001, 0.1235},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := RoundToTick(tt.price, tt.tickSize)
			if !floatEquals(result, tt.expected) {
				t.Errorf("RoundToTick(%v, %v) = %v, want %v",
					tt.price, tt.tickSize, result, tt.expected)
			}
		})
	}
}

func TestRoundToTickDown(t *testing.T) {
	tests := []struct {
		name     string
		price    float64
		tickSize float64
		expected float64
	}{
		{"exact match", 25000.5, 0.5, 25000.5},
		{"round down", 25123.49, 0.1, 25123.4},
		{"zero tickSize", 25123.49, 0, 25123.49},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := RoundToTickDown(tt.price, tt.tickSize)
			if !floatEquals(result, tt.expected) {
				t.Errorf("RoundToTickDown(%v, %v) = %v, want %v",
					tt.price, tt.tickSize, result, tt.expected)
			}
		})
	}
}

func TestRoundToTickUp(t *testing.T) {
	tests := []struct {
		name     string
		price    float64
		tickSize float64
		expected float64
	}{
		{"exact match", 25000.5, 0.5, 25000.5},
		{"round up", 25123.41, 0.1, 25123.5},
		{"zero tickSize", 25123.41, 0, 25123.41},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := RoundToTickUp(tt.price, tt.tickSize)
			if !floatEquals(result, tt.expected) {
				t.Errorf("RoundToTickUp(%v, %v) = %v, want %v",
					tt.price, tt.tickSize, result, tt.expected)
			}
		})
	}
}

// ============================================================
// Тесты RoundToLotSize
// ============================================================

func TestRoundToLotSize(t *testing.T) {
	tests := []struct {
		name     string
		value    float64
		lotSize  float64
		expected float64
	}{
		{"exact match", 0.123, 0.001, 0.123},
		{"round down", 0.123456, 0.001, 0.123},
		{"round down 2", 1.999, 0.01, 1.99},
		{"whole numbers", 100.5, 1.0, 100.0},

		{"zero value", 0, 0.001, 0},
		{"zero lotSize", 0.123, 0, 0.123},
		{"negative lotSize", 0.123, -0.001, 0.123},

		{"BTC lot 0.001", 0.5, 0.001, 0.5},
		{"BTC lot 0.001 round", 0.1234, 0.001, 0.123},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := RoundToLotSize(tt.value, tt.lotSize)
			if !floatEquals(result, tt.expected) {
				t.Errorf("RoundToLotSize(%v, %v) = %v, want %v",
					tt.value, tt.lotSize, result, tt.expected)
			}
		})
	}
}

func TestRoundToLotSizeUp(t *testing.T) {
	tests := []struct {
		name     string
		value    float64
		lotSize  float64
		expected float64
	}{
		{"exact match", 0.123, 0.001, 0.123},
		{"round up", 0.1231, 0.001, 0.124},
		{"round up 2", 1.991, 0.01, 2.0},
		{"zero lotSize", 0.123, 0, 0.123},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := RoundToLotSizeUp(tt.value, tt.lotSize)
			if !floatEquals(result, tt.expected) {
				t.Errorf("RoundToLotSizeUp(%v, %v) = %v, want %v",
					tt.value, tt.lotSize, result, tt.expected)
			}
		})
	}
}

// ============================================================
// Тесты CalculatePNL
// ============================================================

func TestCalculatePNL(t *testing.T) {
	tests := []struct {
		name     string
		side     string
		entry    float64
		current  float64
		quantity float64
		expected float64
	}{
		// Лонг
		{"long profit", "long", 25000, 26000, 0.5, 500},
		{"long loss", "long", 25000, 24000, 0.5, -500},
		{"long flat", "long", 25000, 25000, 0.5, 0},

		// Шорт
		{"short profit", "short", 25000, 24000, 0.5, 500},
		{"short loss", "short", 25000, 26000, 0.5, -500},
		{"short flat", "short", 25000, 25000, 0.5, 0},

		// Граничные случаи
		{"zero quantity", "long", 25000, 26000, 0, 0},
		{"negative quantity", "long", 25000, 26000, -1, 0},
		{"unknown side", "sideways", 25000, 26000, 0.5, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CalculatePNL(tt.side, tt.entry, tt.current, tt.quantity)
			if !floatEquals(result, tt.expected) {
				t.Errorf("CalculatePNL(%s, %v, %v, %v) = %v, want %v",
					tt.side, tt.entry, tt.current, tt.quantity, result, tt.expected)
			}
		})
	}
}

// ============================================================
// Тесты PnlPercent
// ============================================================

func TestPnlPercent(t *testing.T) {
	tests := []struct {
		name     string
		pnl      float64
		entry    float64
		quantity float64
		leverage int
		expected float64
	}{
		// Плечо 1: движение 1% даёт 1% на маржу
		{"no leverage 1pct", 250, 25000, 1, 1, 1.0},
		// Плечо 10: та же прибыль на маржу в 10 раз меньше
		{"leverage 10", 250, 25000, 1, 10, 10.0},
		{"leverage 10 loss", -250, 25000, 1, 10, -10.0},

		{"zero entry", 100, 0, 1, 10, 0},
		{"zero quantity", 100, 25000, 0, 10, 0},
		{"zero leverage", 100, 25000, 1, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := PnlPercent(tt.pnl, tt.entry, tt.quantity, tt.leverage)
			if !floatEquals(result, tt.expected) {
				t.Errorf("PnlPercent(%v, %v, %v, %d) = %v, want %v",
					tt.pnl, tt.entry, tt.quantity, tt.leverage, result, tt.expected)
			}
		})
	}
}

// ============================================================
// Тесты PercentChange и Clamp
// ============================================================

func TestPercentChange(t *testing.T) {
	tests := []struct {
		name     string
		from     float64
		to       float64
		expected float64
	}{
		{"up 1pct", 100, 101, 1.0},
		{"down 5pct", 100, 95, -5.0},
		{"flat", 100, 100, 0},
		{"zero from", 0, 100, 0},
		{"negative from", -10, 100, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := PercentChange(tt.from, tt.to)
			if !floatEquals(result, tt.expected) {
				t.Errorf("PercentChange(%v, %v) = %v, want %v",
					tt.from, tt.to, result, tt.expected)
			}
		})
	}
}

func TestClamp(t *testing.T) {
	tests := []struct {
		name     string
		value    float64
		min      float64
		max      float64
		expected float64
	}{
		{"inside range", 5, 0, 10, 5},
		{"below min", -5, 0, 10, 0},
		{"above max", 15, 0, 10, 10},
		{"equal min", 0, 0, 10, 0},
		{"equal max", 10, 0, 10, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Clamp(tt.value, tt.min, tt.max)
			if result != tt.expected {
				t.Errorf("Clamp(%v, %v, %v) = %v, want %v",
					tt.value, tt.min, tt.max, result, tt.expected)
			}
		})
	}
}

// floatEquals сравнивает float64 с допуском на погрешность
func floatEquals(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}
