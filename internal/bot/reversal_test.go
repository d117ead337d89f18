package bot

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"aitrader/internal/exchange"
	"aitrader/internal/models"
)

// downtrendCandles строит нисходящий ряд с медвежьей свечой на
// всплеске объёма в конце
func downtrendCandles(n int) []exchange.Candle {
	candles := make([]exchange.Candle, n)
	price := 51000.0
	for i := range candles {
		candles[i] = exchange.Candle{
			Open:   price,
			High:   price + 20,
			Low:    price - 120,
			Close:  price - 100,
			Volume: 100,
		}
		price -= 100
	}
	// Последняя свеча: сильное медвежье тело, объём x4
	last := &candles[n-1]
	last.Open = price
	last.High = price + 10
	last.Low = price - 500
	last.Close = price - 450
	last.Volume = 400
	return candles
}

func flatCandles(n int) []exchange.Candle {
	candles := make([]exchange.Candle, n)
	for i := range candles {
		candles[i] = exchange.Candle{
			Open:   50000,
			High:   50050,
			Low:    49950,
			Close:  50010,
			Volume: 100,
		}
	}
	return candles
}

func TestScoreDowntrendAgainstLong(t *testing.T) {
	candles := downtrendCandles(60)

	longScore := Score(models.SideLong, candles)
	shortScore := Score(models.SideShort, candles)

	assert.GreaterOrEqual(t, longScore, 70.0, "нисходящий тренд должен тревожить лонг")
	assert.Less(t, shortScore, 30.0, "нисходящий тренд безопасен для шорта")
}

func TestScoreFlatMarket(t *testing.T) {
	candles := flatCandles(60)

	assert.Less(t, Score(models.SideLong, candles), 30.0)
	assert.Less(t, Score(models.SideShort, candles), 30.0)
}

func TestScoreBounds(t *testing.T) {
	candles := downtrendCandles(60)
	score := Score(models.SideLong, candles)
	assert.GreaterOrEqual(t, score, 0.0)
	assert.LessOrEqual(t, score, 100.0)
}

func TestCandleScore(t *testing.T) {
	bearish := exchange.Candle{Open: 50000, High: 50010, Low: 49500, Close: 49550}

	long := candleScore(models.SideLong, bearish)
	short := candleScore(models.SideShort, bearish)

	assert.Greater(t, long, 0.0, "медвежья свеча против лонга")
	assert.Equal(t, 0.0, short, "медвежья свеча в пользу шорта")
}

func TestVolumeScoreRequiresSurgeAndAdverseClose(t *testing.T) {
	candles := flatCandles(30)
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		volumes[i] = c.Volume
	}

	// Обычный объём: вклада нет даже на медвежьей свече
	candles[len(candles)-1].Close = 49900
	assert.Equal(t, 0.0, volumeScore(models.SideLong, candles, volumes))

	// Всплеск объёма на медвежьей свече
	candles[len(candles)-1].Volume = 400
	volumes[len(volumes)-1] = 400
	assert.Greater(t, volumeScore(models.SideLong, candles, volumes), 0.0)

	// Тот же всплеск в пользу шорта не тревожит шорт
	assert.Equal(t, 0.0, volumeScore(models.SideShort, candles, volumes))
}
