package market

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MatureCoinEntry records the verified trading maturity of one symbol.
// Entries are re-verified on an interval and only removed on delisting.
type MatureCoinEntry struct {
	Symbol                 string    `json:"symbol"`
	FirstSeen              time.Time `json:"first_seen"`
	CandleCount            int       `json:"candle_count"`
	PassesVolatilityBounds bool      `json:"passes_volatility_bounds"`
	PassesRSIBounds        bool      `json:"passes_rsi_bounds"`
	LastVerified           time.Time `json:"last_verified"`
}

// EntryStore persists maturity entries across restarts
type EntryStore interface {
	LoadMatureCoins(ctx context.Context) ([]MatureCoinEntry, error)
	SaveMatureCoin(ctx context.Context, entry MatureCoinEntry) error
	DeleteMatureCoin(ctx context.Context, symbol string) error
}

// MaturityConfig holds the eligibility thresholds
type MaturityConfig struct {
	MinCandles     int
	RSIRangeMin    float64
	RSIRangeMax    float64
	MinVolatility  float64
	VerifyInterval time.Duration
}

func (c *MaturityConfig) applyDefaults() {
	if c.MinCandles <= 0 {
		c.MinCandles = 100
	}
	if c.RSIRangeMax <= 0 {
		c.RSIRangeMax = 95
	}
	if c.VerifyInterval <= 0 {
		c.VerifyInterval = 30 * time.Minute
	}
}

// MaturityFilter gates which symbols may receive new entries. A symbol is
// eligible once its history is long enough, its RSI range over the window
// stays inside the configured bounds and its volatility clears the minimum.
// Re-verification is gated by VerifyInterval; eligibility reads come from
// the cached entry.
type MaturityFilter struct {
	mu      sync.RWMutex
	entries map[string]*MatureCoinEntry

	cache  *Cache
	store  EntryStore
	config MaturityConfig
	logger zerolog.Logger
}

// NewMaturityFilter creates a filter over the indicator cache. store may be
// nil, in which case entries live only in memory.
func NewMaturityFilter(cache *Cache, store EntryStore, config MaturityConfig, logger zerolog.Logger) *MaturityFilter {
	config.applyDefaults()
	return &MaturityFilter{
		entries: make(map[string]*MatureCoinEntry),
		cache:   cache,
		store:   store,
		config:  config,
		logger:  logger.With().Str("component", "maturity_filter").Logger(),
	}
}

// Warm loads persisted entries so eligibility survives restarts
func (f *MaturityFilter) Warm(ctx context.Context) error {
	if f.store == nil {
		return nil
	}

	entries, err := f.store.LoadMatureCoins(ctx)
	if err != nil {
		return err
	}

	f.mu.Lock()
	for i := range entries {
		entry := entries[i]
		f.entries[entry.Symbol] = &entry
	}
	f.mu.Unlock()

	f.logger.Info().Int("entries", len(entries)).Msg("Loaded maturity entries")
	return nil
}

// SetConfig replaces the thresholds. Entries keep their verified flags until
// the next verification pass recomputes them.
func (f *MaturityFilter) SetConfig(config MaturityConfig) {
	config.applyDefaults()
	f.mu.Lock()
	f.config = config
	f.mu.Unlock()
}

// IsEligible reports whether the symbol passed its last verification
func (f *MaturityFilter) IsEligible(symbol string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	entry, ok := f.entries[symbol]
	if !ok {
		return false
	}
	return entry.CandleCount >= f.config.MinCandles &&
		entry.PassesRSIBounds &&
		entry.PassesVolatilityBounds
}

// Entry returns a copy of the cached entry for a symbol
func (f *MaturityFilter) Entry(symbol string) (MatureCoinEntry, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	entry, ok := f.entries[symbol]
	if !ok {
		return MatureCoinEntry{}, false
	}
	return *entry, true
}

// Entries returns copies of all cached entries
func (f *MaturityFilter) Entries() []MatureCoinEntry {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]MatureCoinEntry, 0, len(f.entries))
	for _, entry := range f.entries {
		out = append(out, *entry)
	}
	return out
}

// NeedsVerify reports whether the symbol was never verified or its last
// verification is older than the configured interval
func (f *MaturityFilter) NeedsVerify(symbol string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	entry, ok := f.entries[symbol]
	if !ok {
		return true
	}
	return time.Since(entry.LastVerified) > f.config.VerifyInterval
}

// VerifySymbol recomputes the maturity entry from the current indicator
// snapshot, refreshing the snapshot first when none is cached
func (f *MaturityFilter) VerifySymbol(ctx context.Context, symbol string) (MatureCoinEntry, error) {
	snap, ok := f.cache.Get(symbol)
	if !ok {
		var err error
		snap, err = f.cache.Refresh(ctx, symbol)
		if err != nil {
			return MatureCoinEntry{}, err
		}
	}

	f.mu.Lock()
	entry, ok := f.entries[symbol]
	if !ok {
		entry = &MatureCoinEntry{
			Symbol:    symbol,
			FirstSeen: time.Now(),
		}
		f.entries[symbol] = entry
	}
	entry.CandleCount = snap.CandleCount
	entry.PassesRSIBounds = snap.RSILow >= f.config.RSIRangeMin && snap.RSIHigh <= f.config.RSIRangeMax
	entry.PassesVolatilityBounds = snap.Volatility >= f.config.MinVolatility
	entry.LastVerified = time.Now()
	result := *entry
	f.mu.Unlock()

	if f.store != nil {
		if err := f.store.SaveMatureCoin(ctx, result); err != nil {
			f.logger.Warn().Str("symbol", symbol).Err(err).Msg("Failed to persist maturity entry")
		}
	}

	return result, nil
}

// VerifyAll re-verifies every symbol whose entry is due and returns the
// number of eligible symbols afterwards. Symbols with current entries are
// skipped unless force is set.
func (f *MaturityFilter) VerifyAll(ctx context.Context, symbols []string, force bool) int {
	verified := 0
	for _, symbol := range symbols {
		if ctx.Err() != nil {
			break
		}
		if !force && !f.NeedsVerify(symbol) {
			continue
		}
		if _, err := f.VerifySymbol(ctx, symbol); err != nil {
			f.logger.Warn().Str("symbol", symbol).Err(err).Msg("Maturity verification failed")
			continue
		}
		verified++
	}

	eligible := 0
	for _, symbol := range symbols {
		if f.IsEligible(symbol) {
			eligible++
		}
	}

	evt := f.logger.Debug()
	if verified > 0 {
		evt = f.logger.Info()
	}
	evt.
		Int("verified", verified).
		Int("eligible", eligible).
		Int("total", len(symbols)).
		Msg("Maturity verification pass completed")

	return eligible
}

// PruneDelisted drops entries for symbols no longer tradable on the exchange
func (f *MaturityFilter) PruneDelisted(ctx context.Context, activeSymbols []string) int {
	active := make(map[string]struct{}, len(activeSymbols))
	for _, symbol := range activeSymbols {
		active[symbol] = struct{}{}
	}

	f.mu.Lock()
	var removed []string
	for symbol := range f.entries {
		if _, ok := active[symbol]; !ok {
			delete(f.entries, symbol)
			removed = append(removed, symbol)
		}
	}
	f.mu.Unlock()

	for _, symbol := range removed {
		if f.store != nil {
			if err := f.store.DeleteMatureCoin(ctx, symbol); err != nil {
				f.logger.Warn().Str("symbol", symbol).Err(err).Msg("Failed to delete maturity entry")
			}
		}
		f.logger.Info().Str("symbol", symbol).Msg("Removed delisted symbol from maturity set")
	}

	return len(removed)
}
