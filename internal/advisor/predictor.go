package advisor

import (
	"context"
	"math"
	"sync"
	"time"

	"futures-trading-bot/internal/signal"
)

// PredictorConfig holds the signal weights for the built-in predictor
type PredictorConfig struct {
	MomentumWeight      float64 // Weight for momentum signals
	MeanReversionWeight float64 // Weight for mean reversion
	VolumeWeight        float64 // Weight for volume signals
	TrendWeight         float64 // Weight for trend following
	CacheTTL            time.Duration
}

// DefaultPredictorConfig returns default config
func DefaultPredictorConfig() PredictorConfig {
	return PredictorConfig{
		MomentumWeight:      0.3,
		MeanReversionWeight: 0.2,
		VolumeWeight:        0.25,
		TrendWeight:         0.25,
		CacheTTL:            30 * time.Second,
	}
}

type cachedPrediction struct {
	prediction *signal.Prediction
	validUntil time.Time
}

// WeightedPredictor is the built-in advisor. It combines momentum, mean
// reversion, volume and trend signals into a weighted score and derives
// confidence from how many of them agree.
type WeightedPredictor struct {
	config  PredictorConfig
	cache   map[string]cachedPrediction
	cacheMu sync.RWMutex
}

// NewWeightedPredictor creates the built-in advisor
func NewWeightedPredictor(config PredictorConfig) *WeightedPredictor {
	if config.MomentumWeight == 0 && config.MeanReversionWeight == 0 &&
		config.VolumeWeight == 0 && config.TrendWeight == 0 {
		config = DefaultPredictorConfig()
	}
	return &WeightedPredictor{
		config: config,
		cache:  make(map[string]cachedPrediction),
	}
}

// Predict scores the features and returns a directional opinion. Recent
// predictions are served from cache to keep the scan cycle cheap.
func (p *WeightedPredictor) Predict(ctx context.Context, symbol string, features Features) (*signal.Prediction, error) {
	if cached := p.cached(symbol); cached != nil {
		return cached, nil
	}

	signals := map[string]float64{
		"momentum":       p.momentumSignal(features),
		"mean_reversion": p.meanReversionSignal(features),
		"volume":         p.volumeSignal(features),
		"trend":          p.trendSignal(features),
	}

	combined := signals["momentum"]*p.config.MomentumWeight +
		signals["mean_reversion"]*p.config.MeanReversionWeight +
		signals["volume"]*p.config.VolumeWeight +
		signals["trend"]*p.config.TrendWeight

	direction := signal.DirectionWait
	if combined > 0.1 {
		direction = signal.DirectionLong
	} else if combined < -0.1 {
		direction = signal.DirectionShort
	}

	prediction := &signal.Prediction{
		Direction:  direction,
		Confidence: p.confidence(signals),
	}

	p.store(symbol, prediction)
	return prediction, nil
}

func (p *WeightedPredictor) cached(symbol string) *signal.Prediction {
	p.cacheMu.RLock()
	defer p.cacheMu.RUnlock()

	entry, ok := p.cache[symbol]
	if !ok || time.Now().After(entry.validUntil) {
		return nil
	}
	return entry.prediction
}

func (p *WeightedPredictor) store(symbol string, prediction *signal.Prediction) {
	ttl := p.config.CacheTTL
	if ttl <= 0 {
		return
	}

	p.cacheMu.Lock()
	p.cache[symbol] = cachedPrediction{
		prediction: prediction,
		validUntil: time.Now().Add(ttl),
	}
	p.cacheMu.Unlock()
}

// momentumSignal leans on the trend streak and any divergence
func (p *WeightedPredictor) momentumSignal(f Features) float64 {
	value := clamp(float64(f.TrendStreak)/5.0, -1, 1) * 0.6

	if f.BullishDivergence {
		value += 0.4
	}
	if f.BearishDivergence {
		value -= 0.4
	}

	return clamp(value, -1, 1)
}

// meanReversionSignal pushes against RSI extremes
func (p *WeightedPredictor) meanReversionSignal(f Features) float64 {
	value := 0.0

	if f.RSI > 70 {
		value -= (f.RSI - 70) / 30 // Bearish signal
	} else if f.RSI < 30 {
		value += (30 - f.RSI) / 30 // Bullish signal
	}

	return clamp(value, -1, 1)
}

// volumeSignal treats a volume spike as confirmation of the current side
func (p *WeightedPredictor) volumeSignal(f Features) float64 {
	if f.VolumeRatio <= 1.5 {
		return 0
	}

	strength := clamp((f.VolumeRatio-1)*0.5, 0, 1)
	if f.TrendStreak < 0 {
		return -strength
	}
	if f.TrendStreak > 0 {
		return strength
	}
	return 0
}

// trendSignal follows the EMA gap and streak
func (p *WeightedPredictor) trendSignal(f Features) float64 {
	value := clamp(f.EMAGapPercent/2, -1, 1) * 0.6
	value += clamp(float64(f.TrendStreak)/10.0, -1, 1) * 0.4
	return clamp(value, -1, 1)
}

// confidence blends signal agreement with average signal strength
func (p *WeightedPredictor) confidence(signals map[string]float64) float64 {
	positive := 0
	negative := 0
	for _, s := range signals {
		if s > 0.1 {
			positive++
		} else if s < -0.1 {
			negative++
		}
	}

	total := len(signals)
	maxAgree := positive
	if negative > maxAgree {
		maxAgree = negative
	}

	baseConfidence := float64(maxAgree) / float64(total)
	if maxAgree == total {
		baseConfidence = 0.9
	}

	avgStrength := 0.0
	for _, s := range signals {
		avgStrength += math.Abs(s)
	}
	avgStrength /= float64(total)

	return clamp(baseConfidence*0.6+avgStrength*0.4, 0, 1)
}

func clamp(value, low, high float64) float64 {
	if value < low {
		return low
	}
	if value > high {
		return high
	}
	return value
}
