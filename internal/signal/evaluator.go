package signal

import (
	"fmt"
	"math"
	"time"

	"futures-trading-bot/internal/exchange"
	"futures-trading-bot/internal/market"
)

// Config holds the thresholds for one evaluation call. Callers capture a
// consistent copy from the live configuration before evaluating, so a single
// evaluation never mixes values from two configuration versions.
type Config struct {
	RSIOversold   float64
	RSIOverbought float64
	RSIExitLong   float64
	RSIExitShort  float64

	RequireTrend   bool
	MinTrendStreak int

	RequireVolume    bool
	VolumeSpikeRatio float64

	RequireDivergence bool

	UseML           bool
	MLMinConfidence float64

	MaxSnapshotAge time.Duration
}

// Evaluate maps an indicator snapshot to a trading decision. It is a pure
// function of its arguments and performs no I/O.
//
// Priority order: stale data wins over everything, exit checks run only for
// an open position, entry checks run only without one. Threshold comparisons
// are inclusive, so RSI exactly at the oversold threshold is still
// LONG-eligible.
//
// openSide is nil when no bot holds the symbol. prediction is nil when the
// advisor is disabled or unavailable; with ML enabled a nil prediction
// degrades to rule-only evaluation and flags ml_unavailable.
func Evaluate(cfg Config, snap *market.IndicatorSnapshot, openSide *exchange.PositionSide, prediction *Prediction) Signal {
	sig := Signal{
		Direction:   DirectionWait,
		GeneratedAt: time.Now(),
	}
	if snap != nil {
		sig.Symbol = snap.Symbol
	}

	// 1. Data freshness
	if snap == nil {
		sig.Reasons = append(sig.Reasons, "stale_data (no snapshot)")
		return sig
	}
	if snap.Stale(cfg.MaxSnapshotAge) {
		sig.Reasons = append(sig.Reasons,
			fmt.Sprintf("stale_data (snapshot %s old, max %s)",
				snap.Age().Round(time.Second), cfg.MaxSnapshotAge))
		return sig
	}

	// 2. Exit checks for an open position
	if openSide != nil {
		return evaluateExit(cfg, snap, *openSide, sig)
	}

	// 3. Entry checks
	if snap.RSI <= cfg.RSIOversold {
		return evaluateEntry(cfg, snap, DirectionLong, prediction, sig)
	}
	if snap.RSI >= cfg.RSIOverbought {
		return evaluateEntry(cfg, snap, DirectionShort, prediction, sig)
	}

	sig.Reasons = append(sig.Reasons,
		fmt.Sprintf("rsi_neutral (%.2f in (%.2f, %.2f))", snap.RSI, cfg.RSIOversold, cfg.RSIOverbought))
	return sig
}

func evaluateExit(cfg Config, snap *market.IndicatorSnapshot, side exchange.PositionSide, sig Signal) Signal {
	switch side {
	case exchange.PositionSideLong:
		if snap.RSI >= cfg.RSIExitLong {
			sig.Direction = DirectionExitLong
			sig.Confidence = exitConfidence(snap.RSI - cfg.RSIExitLong)
			sig.Reasons = append(sig.Reasons,
				fmt.Sprintf("rsi_exit_band (%.2f >= %.2f)", snap.RSI, cfg.RSIExitLong))
			return sig
		}
	case exchange.PositionSideShort:
		if snap.RSI <= cfg.RSIExitShort {
			sig.Direction = DirectionExitShort
			sig.Confidence = exitConfidence(cfg.RSIExitShort - snap.RSI)
			sig.Reasons = append(sig.Reasons,
				fmt.Sprintf("rsi_exit_band (%.2f <= %.2f)", snap.RSI, cfg.RSIExitShort))
			return sig
		}
	}

	sig.Reasons = append(sig.Reasons, fmt.Sprintf("holding_%s (rsi %.2f)", side, snap.RSI))
	return sig
}

func evaluateEntry(cfg Config, snap *market.IndicatorSnapshot, dir Direction, prediction *Prediction, sig Signal) Signal {
	if dir == DirectionLong {
		sig.Reasons = append(sig.Reasons,
			fmt.Sprintf("rsi_oversold (%.2f <= %.2f)", snap.RSI, cfg.RSIOversold))
	} else {
		sig.Reasons = append(sig.Reasons,
			fmt.Sprintf("rsi_overbought (%.2f >= %.2f)", snap.RSI, cfg.RSIOverbought))
	}

	if cfg.RequireTrend {
		ok, reason := checkTrend(cfg, snap, dir)
		sig.Reasons = append(sig.Reasons, reason)
		if !ok {
			return sig
		}
	}

	if cfg.RequireVolume {
		ok, reason := checkVolume(cfg, snap)
		sig.Reasons = append(sig.Reasons, reason)
		if !ok {
			return sig
		}
	}

	if cfg.RequireDivergence {
		ok, reason := checkDivergence(snap, dir)
		sig.Reasons = append(sig.Reasons, reason)
		if !ok {
			return sig
		}
	}

	confidence := entryConfidence(cfg, snap, dir)

	if cfg.UseML {
		if prediction == nil {
			sig.Reasons = append(sig.Reasons, "ml_unavailable")
		} else if prediction.Direction != dir {
			sig.Reasons = append(sig.Reasons,
				fmt.Sprintf("ml_disagrees (%s at %.2f)", prediction.Direction, prediction.Confidence))
			return sig
		} else if prediction.Confidence < cfg.MLMinConfidence {
			sig.Reasons = append(sig.Reasons,
				fmt.Sprintf("ml_below_floor (%.2f < %.2f)", prediction.Confidence, cfg.MLMinConfidence))
			return sig
		} else {
			sig.Reasons = append(sig.Reasons,
				fmt.Sprintf("ml_agrees (%s at %.2f)", prediction.Direction, prediction.Confidence))
			confidence = (confidence + prediction.Confidence) / 2
		}
	}

	sig.Direction = dir
	sig.Confidence = confidence
	return sig
}

// checkTrend requires the fast EMA to sit on the entry side of the slow EMA
// for at least the configured number of bars
func checkTrend(cfg Config, snap *market.IndicatorSnapshot, dir Direction) (bool, string) {
	streak := snap.TrendStreak
	if dir == DirectionLong {
		if streak >= cfg.MinTrendStreak {
			return true, fmt.Sprintf("trend_confirmed (streak %d)", streak)
		}
		return false, fmt.Sprintf("trend_unconfirmed (streak %d < %d)", streak, cfg.MinTrendStreak)
	}
	if streak <= -cfg.MinTrendStreak {
		return true, fmt.Sprintf("trend_confirmed (streak %d)", streak)
	}
	return false, fmt.Sprintf("trend_unconfirmed (streak %d > -%d)", streak, cfg.MinTrendStreak)
}

// checkVolume requires the last bar's volume to exceed the recent average by
// the configured ratio
func checkVolume(cfg Config, snap *market.IndicatorSnapshot) (bool, string) {
	if snap.AvgVolume == 0 {
		return false, "volume_unconfirmed (no average volume)"
	}
	ratio := snap.LastVolume / snap.AvgVolume
	if ratio >= cfg.VolumeSpikeRatio {
		return true, fmt.Sprintf("volume_confirmed (%.2fx average)", ratio)
	}
	return false, fmt.Sprintf("volume_unconfirmed (%.2fx < %.2fx average)", ratio, cfg.VolumeSpikeRatio)
}

func checkDivergence(snap *market.IndicatorSnapshot, dir Direction) (bool, string) {
	if dir == DirectionLong {
		if snap.BullishDivergence {
			return true, "divergence_confirmed (bullish)"
		}
		return false, "divergence_unconfirmed (no bullish divergence)"
	}
	if snap.BearishDivergence {
		return true, "divergence_confirmed (bearish)"
	}
	return false, "divergence_unconfirmed (no bearish divergence)"
}

// entryConfidence starts at 0.5 at the threshold and grows with how far RSI
// sits beyond it, capped at 1.0
func entryConfidence(cfg Config, snap *market.IndicatorSnapshot, dir Direction) float64 {
	var depth float64
	if dir == DirectionLong {
		depth = cfg.RSIOversold - snap.RSI
	} else {
		depth = snap.RSI - cfg.RSIOverbought
	}
	return 0.5 + 0.5*math.Min(1.0, depth/10.0)
}

func exitConfidence(depth float64) float64 {
	return 0.5 + 0.5*math.Min(1.0, depth/10.0)
}
