package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"futures-trading-bot/internal/exchange"
	"futures-trading-bot/internal/metrics"
)

// ErrStaleSnapshot means the cached indicators are older than the configured
// maximum age and must not drive entries
var ErrStaleSnapshot = errors.New("indicator snapshot is stale")

const divergenceLookback = 14

// IndicatorSnapshot is a complete set of derived indicators for one symbol.
// A snapshot is built whole and replaced whole, never mutated field by field.
type IndicatorSnapshot struct {
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`

	RSI     float64 `json:"rsi"`
	RSILow  float64 `json:"rsi_low"`
	RSIHigh float64 `json:"rsi_high"`

	EMAFast     float64 `json:"ema_fast"`
	EMASlow     float64 `json:"ema_slow"`
	TrendStreak int     `json:"trend_streak"`

	Volatility float64 `json:"volatility"`
	LastClose  float64 `json:"last_close"`
	LastVolume float64 `json:"last_volume"`
	AvgVolume  float64 `json:"avg_volume"`

	BullishDivergence bool `json:"bullish_divergence"`
	BearishDivergence bool `json:"bearish_divergence"`

	CandleCount int       `json:"candle_count"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Age returns how long ago the snapshot was computed
func (s *IndicatorSnapshot) Age() time.Duration {
	return time.Since(s.UpdatedAt)
}

// Stale reports whether the snapshot is older than maxAge
func (s *IndicatorSnapshot) Stale(maxAge time.Duration) bool {
	if maxAge <= 0 {
		return false
	}
	return s.Age() > maxAge
}

// CacheConfig holds the indicator parameters for the cache
type CacheConfig struct {
	Interval       string
	CandleLimit    int
	RSIPeriod      int
	EMAFastPeriod  int
	EMASlowPeriod  int
	ATRPeriod      int
	VolumePeriod   int
	MaxSnapshotAge time.Duration
	RefreshWorkers int
}

func (c *CacheConfig) applyDefaults() {
	if c.Interval == "" {
		c.Interval = "5m"
	}
	if c.CandleLimit <= 0 {
		c.CandleLimit = 200
	}
	if c.RSIPeriod <= 0 {
		c.RSIPeriod = 14
	}
	if c.EMAFastPeriod <= 0 {
		c.EMAFastPeriod = 9
	}
	if c.EMASlowPeriod <= 0 {
		c.EMASlowPeriod = 21
	}
	if c.ATRPeriod <= 0 {
		c.ATRPeriod = 14
	}
	if c.VolumePeriod <= 0 {
		c.VolumePeriod = 20
	}
	if c.MaxSnapshotAge <= 0 {
		c.MaxSnapshotAge = 3 * time.Minute
	}
	if c.RefreshWorkers <= 0 {
		c.RefreshWorkers = 5
	}
}

// Cache holds the latest indicator snapshot per symbol. Snapshots are
// computed off the lock and swapped in atomically, so readers always see a
// coherent set of values from a single refresh.
type Cache struct {
	mu        sync.RWMutex
	snapshots map[string]*IndicatorSnapshot

	feed    exchange.MarketData
	config  CacheConfig
	metrics *metrics.Recorder
	logger  zerolog.Logger
}

// NewCache creates an indicator cache over the given market data feed
func NewCache(feed exchange.MarketData, config CacheConfig, recorder *metrics.Recorder, logger zerolog.Logger) *Cache {
	config.applyDefaults()
	return &Cache{
		snapshots: make(map[string]*IndicatorSnapshot),
		feed:      feed,
		config:    config,
		metrics:   recorder,
		logger:    logger.With().Str("component", "indicator_cache").Logger(),
	}
}

// Config returns the cache parameters
func (c *Cache) Config() CacheConfig {
	return c.config
}

// MaxSnapshotAge returns the staleness threshold
func (c *Cache) MaxSnapshotAge() time.Duration {
	return c.config.MaxSnapshotAge
}

// Get returns the current snapshot for a symbol. The previous snapshot
// survives failed refreshes, so callers must check Stale before acting on it.
func (c *Cache) Get(symbol string) (*IndicatorSnapshot, bool) {
	c.mu.RLock()
	snap, ok := c.snapshots[symbol]
	c.mu.RUnlock()

	if ok {
		c.metrics.RecordSnapshot(symbol, snap.Age().Seconds(), snap.Stale(c.config.MaxSnapshotAge))
	}
	return snap, ok
}

// Fresh returns the snapshot only when it exists and is within the staleness
// threshold
func (c *Cache) Fresh(symbol string) (*IndicatorSnapshot, error) {
	snap, ok := c.Get(symbol)
	if !ok {
		return nil, fmt.Errorf("%w: no snapshot for %s", ErrStaleSnapshot, symbol)
	}
	if snap.Stale(c.config.MaxSnapshotAge) {
		return nil, fmt.Errorf("%w: %s is %s old", ErrStaleSnapshot, symbol, snap.Age().Round(time.Second))
	}
	return snap, nil
}

// Snapshots returns a copy of all cached snapshots
func (c *Cache) Snapshots() []*IndicatorSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*IndicatorSnapshot, 0, len(c.snapshots))
	for _, snap := range c.snapshots {
		out = append(out, snap)
	}
	return out
}

// Refresh fetches klines for a symbol and swaps in a freshly computed
// snapshot. On failure the previous snapshot is kept as-is.
func (c *Cache) Refresh(ctx context.Context, symbol string) (*IndicatorSnapshot, error) {
	series, err := c.fetchSeries(ctx, symbol)
	if err != nil {
		// A gapped window is refetched once before giving up
		if errors.Is(err, ErrSeriesGap) {
			c.logger.Warn().Str("symbol", symbol).Err(err).Msg("Gapped candle window, refetching")
			series, err = c.fetchSeries(ctx, symbol)
		}
		if err != nil {
			c.metrics.RecordRefreshError(symbol)
			return nil, err
		}
	}

	snap := c.buildSnapshot(series)

	c.mu.Lock()
	c.snapshots[symbol] = snap
	c.mu.Unlock()

	c.metrics.RecordSnapshot(symbol, 0, false)
	return snap, nil
}

func (c *Cache) fetchSeries(ctx context.Context, symbol string) (*CandleSeries, error) {
	candles, err := c.feed.GetKlines(ctx, symbol, c.config.Interval, c.config.CandleLimit)
	if err != nil {
		return nil, fmt.Errorf("fetch klines for %s: %w", symbol, err)
	}
	return NewCandleSeries(symbol, c.config.Interval, candles)
}

func (c *Cache) buildSnapshot(series *CandleSeries) *IndicatorSnapshot {
	candles := series.Candles
	last := series.Last()

	rsiSeries := CalculateRSISeries(candles, c.config.RSIPeriod)
	rsi := 50.0
	if rsiSeries != nil {
		rsi = rsiSeries[len(rsiSeries)-1]
	}
	rsiLow, rsiHigh := RSIRange(candles, c.config.RSIPeriod)

	bullDiv, bearDiv := detectDivergence(candles, rsiSeries, c.config.RSIPeriod)

	return &IndicatorSnapshot{
		Symbol:            series.Symbol,
		Interval:          series.Interval,
		RSI:               rsi,
		RSILow:            rsiLow,
		RSIHigh:           rsiHigh,
		EMAFast:           CalculateEMA(candles, c.config.EMAFastPeriod),
		EMASlow:           CalculateEMA(candles, c.config.EMASlowPeriod),
		TrendStreak:       TrendStreak(candles, c.config.EMAFastPeriod, c.config.EMASlowPeriod),
		Volatility:        VolatilityPercent(candles, c.config.ATRPeriod),
		LastClose:         last.Close,
		LastVolume:        last.Volume,
		AvgVolume:         AverageVolume(candles, c.config.VolumePeriod),
		BullishDivergence: bullDiv,
		BearishDivergence: bearDiv,
		CandleCount:       len(candles),
		UpdatedAt:         time.Now(),
	}
}

// detectDivergence compares the latest bar against the price extreme of the
// recent lookback. A lower price low with a higher RSI low is bullish, a
// higher price high with a lower RSI high is bearish.
func detectDivergence(candles []exchange.Candle, rsiSeries []float64, rsiPeriod int) (bullish, bearish bool) {
	if rsiSeries == nil || len(candles) < rsiPeriod+divergenceLookback+1 {
		return false, false
	}

	lastIdx := len(candles) - 1
	startIdx := lastIdx - divergenceLookback

	minIdx, maxIdx := startIdx, startIdx
	for i := startIdx; i < lastIdx; i++ {
		if candles[i].Close < candles[minIdx].Close {
			minIdx = i
		}
		if candles[i].Close > candles[maxIdx].Close {
			maxIdx = i
		}
	}

	if candles[lastIdx].Close < candles[minIdx].Close && rsiSeries[lastIdx] > rsiSeries[minIdx] {
		bullish = true
	}
	if candles[lastIdx].Close > candles[maxIdx].Close && rsiSeries[lastIdx] < rsiSeries[maxIdx] {
		bearish = true
	}

	return bullish, bearish
}

type refreshResult struct {
	symbol string
	err    error
}

// RefreshAll refreshes every symbol through a bounded worker pool and returns
// the per-symbol outcome
func (c *Cache) RefreshAll(ctx context.Context, symbols []string) map[string]error {
	results := make(map[string]error, len(symbols))
	if len(symbols) == 0 {
		return results
	}

	symbolChan := make(chan string)
	resultChan := make(chan refreshResult)

	var wg sync.WaitGroup
	for i := 0; i < c.config.RefreshWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for symbol := range symbolChan {
				_, err := c.Refresh(ctx, symbol)
				resultChan <- refreshResult{symbol: symbol, err: err}
			}
		}()
	}

	go func() {
		defer close(symbolChan)
		for _, symbol := range symbols {
			select {
			case symbolChan <- symbol:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	failed := 0
	for res := range resultChan {
		results[res.symbol] = res.err
		if res.err != nil {
			failed++
		}
	}

	if failed > 0 {
		c.logger.Warn().Int("failed", failed).Int("total", len(symbols)).Msg("Refresh cycle completed with errors")
	} else {
		c.logger.Debug().Int("total", len(symbols)).Msg("Refresh cycle completed")
	}

	return results
}
