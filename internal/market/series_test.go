package market

import (
	"errors"
	"testing"

	"futures-trading-bot/internal/exchange"
)

func uniformCandles(count int, spacing int64) []exchange.Candle {
	candles := make([]exchange.Candle, count)
	openTime := int64(1700000000000)
	for i := range candles {
		candles[i] = exchange.Candle{
			OpenTime:  openTime + int64(i)*spacing,
			Close:     100,
			CloseTime: openTime + int64(i+1)*spacing - 1,
		}
	}
	return candles
}

func TestCandleSeriesValidate(t *testing.T) {
	const spacing = int64(5 * 60 * 1000)

	t.Run("uniform window passes", func(t *testing.T) {
		candles := uniformCandles(10, spacing)
		if _, err := NewCandleSeries("BTCUSDT", "5m", candles); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("missing bar is a gap", func(t *testing.T) {
		candles := uniformCandles(10, spacing)
		// Drop the bar at index 5
		candles = append(candles[:5], candles[6:]...)

		_, err := NewCandleSeries("BTCUSDT", "5m", candles)
		if !errors.Is(err, ErrSeriesGap) {
			t.Errorf("error = %v, want ErrSeriesGap", err)
		}
	})

	t.Run("duplicate open time is a gap", func(t *testing.T) {
		candles := uniformCandles(10, spacing)
		candles[4].OpenTime = candles[3].OpenTime

		_, err := NewCandleSeries("BTCUSDT", "5m", candles)
		if !errors.Is(err, ErrSeriesGap) {
			t.Errorf("error = %v, want ErrSeriesGap", err)
		}
	})

	t.Run("descending window is rejected", func(t *testing.T) {
		candles := uniformCandles(10, spacing)
		candles[0].OpenTime, candles[1].OpenTime = candles[1].OpenTime, candles[0].OpenTime

		_, err := NewCandleSeries("BTCUSDT", "5m", candles)
		if !errors.Is(err, ErrSeriesGap) {
			t.Errorf("error = %v, want ErrSeriesGap", err)
		}
	})

	t.Run("single candle is too short", func(t *testing.T) {
		_, err := NewCandleSeries("BTCUSDT", "5m", uniformCandles(1, spacing))
		if !errors.Is(err, ErrSeriesTooShort) {
			t.Errorf("error = %v, want ErrSeriesTooShort", err)
		}
	})
}

func TestCandleSeriesAccessors(t *testing.T) {
	candles := uniformCandles(5, int64(60*1000))
	candles[4].Close = 123.45

	series, err := NewCandleSeries("ETHUSDT", "1m", candles)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if series.Len() != 5 {
		t.Errorf("Len = %d, want 5", series.Len())
	}
	if series.Last().Close != 123.45 {
		t.Errorf("Last().Close = %.2f, want 123.45", series.Last().Close)
	}
}
