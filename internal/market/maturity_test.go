package market

import (
	"context"
	"sync"
	"testing"
	"time"

	"futures-trading-bot/internal/logging"
)

type fakeEntryStore struct {
	mu      sync.Mutex
	entries map[string]MatureCoinEntry
	deleted []string
}

func newFakeEntryStore() *fakeEntryStore {
	return &fakeEntryStore{entries: make(map[string]MatureCoinEntry)}
}

func (s *fakeEntryStore) LoadMatureCoins(ctx context.Context) ([]MatureCoinEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]MatureCoinEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		out = append(out, entry)
	}
	return out, nil
}

func (s *fakeEntryStore) SaveMatureCoin(ctx context.Context, entry MatureCoinEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.Symbol] = entry
	return nil
}

func (s *fakeEntryStore) DeleteMatureCoin(ctx context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, symbol)
	s.deleted = append(s.deleted, symbol)
	return nil
}

func maturityFixture(t *testing.T, config MaturityConfig) (*MaturityFilter, *fakeFeed, *fakeEntryStore) {
	t.Helper()

	feed := newFakeFeed()
	feed.candles["BTCUSDT"] = oscillatingCandles(50)
	store := newFakeEntryStore()
	cache := newTestCache(feed)
	filter := NewMaturityFilter(cache, store, config, logging.Nop())
	return filter, feed, store
}

func TestVerifySymbolMarksEligible(t *testing.T) {
	filter, _, store := maturityFixture(t, MaturityConfig{
		MinCandles:    30,
		RSIRangeMin:   5,
		RSIRangeMax:   95,
		MinVolatility: 0.1,
	})

	entry, err := filter.VerifySymbol(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("VerifySymbol failed: %v", err)
	}

	if entry.CandleCount != 50 {
		t.Errorf("CandleCount = %d, want 50", entry.CandleCount)
	}
	if !entry.PassesRSIBounds || !entry.PassesVolatilityBounds {
		t.Errorf("bounds flags = rsi:%v vol:%v, want both true",
			entry.PassesRSIBounds, entry.PassesVolatilityBounds)
	}
	if entry.FirstSeen.IsZero() || entry.LastVerified.IsZero() {
		t.Error("timestamps not set on verified entry")
	}

	if !filter.IsEligible("BTCUSDT") {
		t.Error("verified symbol should be eligible")
	}

	store.mu.Lock()
	_, persisted := store.entries["BTCUSDT"]
	store.mu.Unlock()
	if !persisted {
		t.Error("verified entry was not persisted")
	}
}

func TestIsEligibleRequiresVerification(t *testing.T) {
	filter, _, _ := maturityFixture(t, MaturityConfig{MinCandles: 30})

	if filter.IsEligible("BTCUSDT") {
		t.Error("unverified symbol must not be eligible")
	}
}

func TestEligibilityThresholds(t *testing.T) {
	tests := []struct {
		name   string
		config MaturityConfig
	}{
		{"insufficient history", MaturityConfig{MinCandles: 500, RSIRangeMin: 5, RSIRangeMax: 95}},
		{"volatility below minimum", MaturityConfig{MinCandles: 30, RSIRangeMin: 5, RSIRangeMax: 95, MinVolatility: 50}},
		{"rsi range outside bounds", MaturityConfig{MinCandles: 30, RSIRangeMin: 45, RSIRangeMax: 55}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filter, _, _ := maturityFixture(t, tt.config)

			if _, err := filter.VerifySymbol(context.Background(), "BTCUSDT"); err != nil {
				t.Fatalf("VerifySymbol failed: %v", err)
			}
			if filter.IsEligible("BTCUSDT") {
				t.Error("symbol should fail eligibility")
			}
		})
	}
}

func TestNeedsVerify(t *testing.T) {
	filter, _, _ := maturityFixture(t, MaturityConfig{MinCandles: 30, VerifyInterval: time.Hour})

	if !filter.NeedsVerify("BTCUSDT") {
		t.Error("never-verified symbol should need verification")
	}

	if _, err := filter.VerifySymbol(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("VerifySymbol failed: %v", err)
	}
	if filter.NeedsVerify("BTCUSDT") {
		t.Error("freshly verified symbol should not need verification")
	}

	filter.SetConfig(MaturityConfig{MinCandles: 30, VerifyInterval: time.Nanosecond})
	if !filter.NeedsVerify("BTCUSDT") {
		t.Error("symbol should need verification once the interval elapsed")
	}
}

func TestVerifyAllSkipsCurrentEntries(t *testing.T) {
	filter, feed, _ := maturityFixture(t, MaturityConfig{
		MinCandles:     30,
		RSIRangeMin:    5,
		RSIRangeMax:    95,
		VerifyInterval: time.Hour,
	})

	symbols := []string{"BTCUSDT"}
	if got := filter.VerifyAll(context.Background(), symbols, false); got != 1 {
		t.Errorf("eligible count = %d, want 1", got)
	}
	callsAfterFirst := feed.callCount("BTCUSDT")

	// Entry is current, so a second pass without force fetches nothing
	filter.VerifyAll(context.Background(), symbols, false)
	if got := feed.callCount("BTCUSDT"); got != callsAfterFirst {
		t.Errorf("feed called %d times, want %d (current entries skipped)", got, callsAfterFirst)
	}
}

func TestPruneDelisted(t *testing.T) {
	filter, feed, store := maturityFixture(t, MaturityConfig{MinCandles: 30, RSIRangeMin: 5, RSIRangeMax: 95})
	feed.candles["ETHUSDT"] = oscillatingCandles(50)

	ctx := context.Background()
	if _, err := filter.VerifySymbol(ctx, "BTCUSDT"); err != nil {
		t.Fatalf("VerifySymbol failed: %v", err)
	}
	if _, err := filter.VerifySymbol(ctx, "ETHUSDT"); err != nil {
		t.Fatalf("VerifySymbol failed: %v", err)
	}

	removed := filter.PruneDelisted(ctx, []string{"BTCUSDT"})
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if filter.IsEligible("ETHUSDT") {
		t.Error("delisted symbol should no longer be eligible")
	}
	if filter.IsEligible("BTCUSDT") != true {
		t.Error("active symbol should stay eligible")
	}

	store.mu.Lock()
	deleted := len(store.deleted) == 1 && store.deleted[0] == "ETHUSDT"
	store.mu.Unlock()
	if !deleted {
		t.Error("delisted entry was not removed from the store")
	}
}

func TestWarmLoadsPersistedEntries(t *testing.T) {
	feed := newFakeFeed()
	store := newFakeEntryStore()
	store.entries["BTCUSDT"] = MatureCoinEntry{
		Symbol:                 "BTCUSDT",
		FirstSeen:              time.Now().Add(-24 * time.Hour),
		CandleCount:            400,
		PassesVolatilityBounds: true,
		PassesRSIBounds:        true,
		LastVerified:           time.Now().Add(-10 * time.Minute),
	}

	filter := NewMaturityFilter(newTestCache(feed), store, MaturityConfig{MinCandles: 100}, logging.Nop())
	if err := filter.Warm(context.Background()); err != nil {
		t.Fatalf("Warm failed: %v", err)
	}

	if !filter.IsEligible("BTCUSDT") {
		t.Error("persisted entry should make the symbol eligible without refetching")
	}
	if got := feed.callCount("BTCUSDT"); got != 0 {
		t.Errorf("feed called %d times, want 0", got)
	}
}
