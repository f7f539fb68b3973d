package advisor

import (
	"context"
	"errors"

	"futures-trading-bot/internal/market"
	"futures-trading-bot/internal/signal"
)

// ErrUnavailable means the advisor cannot produce a prediction right now.
// Callers degrade to rule-only evaluation instead of failing the cycle.
var ErrUnavailable = errors.New("advisor unavailable")

// Features is the indicator subset an advisor receives for one symbol
type Features struct {
	RSI               float64 `json:"rsi"`
	EMAGapPercent     float64 `json:"ema_gap_percent"` // Fast vs slow EMA distance
	TrendStreak       int     `json:"trend_streak"`
	Volatility        float64 `json:"volatility"`
	VolumeRatio       float64 `json:"volume_ratio"` // Last vs average volume
	BullishDivergence bool    `json:"bullish_divergence"`
	BearishDivergence bool    `json:"bearish_divergence"`
}

// FeaturesFrom extracts advisor features from an indicator snapshot
func FeaturesFrom(snap *market.IndicatorSnapshot) Features {
	f := Features{
		RSI:               snap.RSI,
		TrendStreak:       snap.TrendStreak,
		Volatility:        snap.Volatility,
		BullishDivergence: snap.BullishDivergence,
		BearishDivergence: snap.BearishDivergence,
	}
	if snap.EMASlow != 0 {
		f.EMAGapPercent = (snap.EMAFast - snap.EMASlow) / snap.EMASlow * 100
	}
	if snap.AvgVolume != 0 {
		f.VolumeRatio = snap.LastVolume / snap.AvgVolume
	}
	return f
}

// Advisor produces an optional directional opinion for a symbol. A WAIT
// direction is a real opinion (no edge either way), distinct from
// ErrUnavailable.
type Advisor interface {
	Predict(ctx context.Context, symbol string, features Features) (*signal.Prediction, error)
}
