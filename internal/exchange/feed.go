package exchange

import (
	"context"
	"sync"
	"time"
)

// defaultTickMaxAge bounds how old a streamed tick may be before
// CurrentPrice falls back to the REST endpoint.
const defaultTickMaxAge = 15 * time.Second

type priceTick struct {
	price float64
	at    time.Time
}

// LiveFeed overlays streamed mark prices onto a MarketData source.
// CurrentPrice serves the last tick while it is fresh, so paper fills and
// position marks avoid a REST round-trip per call. Klines always pass
// through to the underlying source.
type LiveFeed struct {
	rest   MarketData
	maxAge time.Duration

	mu    sync.RWMutex
	ticks map[string]priceTick
}

// NewLiveFeed wraps rest with a streamed-price overlay. maxAge <= 0 uses
// the default.
func NewLiveFeed(rest MarketData, maxAge time.Duration) *LiveFeed {
	if maxAge <= 0 {
		maxAge = defaultTickMaxAge
	}
	return &LiveFeed{
		rest:   rest,
		maxAge: maxAge,
		ticks:  make(map[string]priceTick),
	}
}

// Push records a streamed tick. Matches the MarkPriceStream callback shape.
func (f *LiveFeed) Push(symbol string, price float64, at time.Time) {
	if price <= 0 {
		return
	}
	f.mu.Lock()
	f.ticks[symbol] = priceTick{price: price, at: at}
	f.mu.Unlock()
}

// GetKlines passes through to the underlying source
func (f *LiveFeed) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	return f.rest.GetKlines(ctx, symbol, interval, limit)
}

// CurrentPrice returns the last streamed tick when fresh, the REST price
// otherwise
func (f *LiveFeed) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	f.mu.RLock()
	t, ok := f.ticks[symbol]
	f.mu.RUnlock()

	if ok && time.Since(t.at) <= f.maxAge {
		return t.price, nil
	}
	return f.rest.CurrentPrice(ctx, symbol)
}
