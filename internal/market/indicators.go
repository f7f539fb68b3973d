package market

import (
	"math"

	"futures-trading-bot/internal/exchange"
)

// ============================================================================
// MOVING AVERAGES
// ============================================================================

// CalculateSMA calculates Simple Moving Average over the last period closes
func CalculateSMA(candles []exchange.Candle, period int) float64 {
	if len(candles) < period || period <= 0 {
		return 0
	}

	sum := 0.0
	startIdx := len(candles) - period

	for i := startIdx; i < len(candles); i++ {
		sum += candles[i].Close
	}

	return sum / float64(period)
}

// CalculateEMA calculates Exponential Moving Average seeded from the SMA of
// the first period bars
func CalculateEMA(candles []exchange.Candle, period int) float64 {
	if len(candles) < period || period <= 0 {
		return 0
	}

	sma := CalculateSMA(candles[:period], period)
	multiplier := 2.0 / float64(period+1)

	ema := sma
	for i := period; i < len(candles); i++ {
		ema = (candles[i].Close * multiplier) + (ema * (1 - multiplier))
	}

	return ema
}

// CalculateEMASeries returns the EMA aligned per bar. Entries before the
// warmup index (period-1) are zero.
func CalculateEMASeries(candles []exchange.Candle, period int) []float64 {
	if len(candles) < period || period <= 0 {
		return nil
	}

	series := make([]float64, len(candles))

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += candles[i].Close
	}
	ema := sum / float64(period)
	series[period-1] = ema

	multiplier := 2.0 / float64(period+1)
	for i := period; i < len(candles); i++ {
		ema = (candles[i].Close * multiplier) + (ema * (1 - multiplier))
		series[i] = ema
	}

	return series
}

// ============================================================================
// RSI (Relative Strength Index)
// ============================================================================

// CalculateRSI calculates RSI with Wilder's smoothing over the full window.
// Recomputing over identical candles yields bit-identical values.
func CalculateRSI(candles []exchange.Candle, period int) float64 {
	series := CalculateRSISeries(candles, period)
	if series == nil {
		return 50.0 // Neutral RSI
	}
	return series[len(series)-1]
}

// CalculateRSISeries returns the Wilder RSI aligned per bar. Entries before
// the warmup index (period) are zero.
func CalculateRSISeries(candles []exchange.Candle, period int) []float64 {
	if len(candles) < period+1 || period <= 0 {
		return nil
	}

	series := make([]float64, len(candles))

	// Initial averages over the first period changes
	gains := 0.0
	losses := 0.0
	for i := 1; i <= period; i++ {
		change := candles[i].Close - candles[i-1].Close
		if change > 0 {
			gains += change
		} else {
			losses += -change
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	series[period] = rsiFromAverages(avgGain, avgLoss)

	// Wilder smoothing for the rest of the window
	for i := period + 1; i < len(candles); i++ {
		change := candles[i].Close - candles[i-1].Close
		gain := 0.0
		loss := 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		series[i] = rsiFromAverages(avgGain, avgLoss)
	}

	return series
}

func rsiFromAverages(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100.0
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// RSIRange returns the lowest and highest RSI observed over the window,
// ignoring warmup bars
func RSIRange(candles []exchange.Candle, period int) (low, high float64) {
	series := CalculateRSISeries(candles, period)
	if series == nil {
		return 0, 0
	}

	low = 100.0
	high = 0.0
	for i := period; i < len(series); i++ {
		if series[i] < low {
			low = series[i]
		}
		if series[i] > high {
			high = series[i]
		}
	}

	return low, high
}

// ============================================================================
// ATR (Average True Range)
// ============================================================================

// CalculateATR calculates Average True Range over the last period bars
func CalculateATR(candles []exchange.Candle, period int) float64 {
	if len(candles) < period+1 || period <= 0 {
		return 0
	}

	trSum := 0.0
	startIdx := len(candles) - period

	for i := startIdx; i < len(candles); i++ {
		high := candles[i].High
		low := candles[i].Low
		prevClose := candles[i-1].Close

		tr := math.Max(
			high-low,
			math.Max(
				math.Abs(high-prevClose),
				math.Abs(low-prevClose),
			),
		)

		trSum += tr
	}

	return trSum / float64(period)
}

// VolatilityPercent expresses the ATR as a percentage of the last close
func VolatilityPercent(candles []exchange.Candle, period int) float64 {
	if len(candles) == 0 {
		return 0
	}
	lastClose := candles[len(candles)-1].Close
	if lastClose == 0 {
		return 0
	}
	return CalculateATR(candles, period) / lastClose * 100
}

// ============================================================================
// VOLUME
// ============================================================================

// AverageVolume calculates the mean volume over the last period bars
func AverageVolume(candles []exchange.Candle, period int) float64 {
	if len(candles) < period || period <= 0 {
		return 0
	}

	sum := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		sum += candles[i].Volume
	}

	return sum / float64(period)
}

// ============================================================================
// TREND
// ============================================================================

// TrendStreak counts consecutive closed bars where the fast EMA stays on one
// side of the slow EMA. Positive means fast above slow (bullish), negative
// means fast below slow (bearish). Zero means no established side.
func TrendStreak(candles []exchange.Candle, fastPeriod, slowPeriod int) int {
	fast := CalculateEMASeries(candles, fastPeriod)
	slow := CalculateEMASeries(candles, slowPeriod)
	if fast == nil || slow == nil {
		return 0
	}

	streak := 0
	for i := len(candles) - 1; i >= slowPeriod; i-- {
		diff := fast[i] - slow[i]
		if diff > 0 {
			if streak < 0 {
				break
			}
			streak++
		} else if diff < 0 {
			if streak > 0 {
				break
			}
			streak--
		} else {
			break
		}
	}

	return streak
}
