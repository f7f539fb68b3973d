package exchange

import (
	"context"
	"testing"
	"time"
)

func TestLiveFeedServesFreshTicks(t *testing.T) {
	rest := &stubFeed{price: 100}
	feed := NewLiveFeed(rest, time.Minute)

	feed.Push("BTCUSDT", 42123.5, time.Now())

	price, err := feed.CurrentPrice(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("CurrentPrice failed: %v", err)
	}
	if price != 42123.5 {
		t.Errorf("price = %.1f, want the streamed tick 42123.5", price)
	}
	if rest.calls != 0 {
		t.Errorf("REST lookups = %d, want 0 while the tick is fresh", rest.calls)
	}
}

func TestLiveFeedFallsBackWhenStale(t *testing.T) {
	rest := &stubFeed{price: 100}
	feed := NewLiveFeed(rest, time.Second)

	feed.Push("BTCUSDT", 42123.5, time.Now().Add(-time.Minute))

	price, err := feed.CurrentPrice(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("CurrentPrice failed: %v", err)
	}
	if price != 100 {
		t.Errorf("price = %.1f, want the REST price 100.0 for a stale tick", price)
	}
	if rest.calls != 1 {
		t.Errorf("REST lookups = %d, want 1", rest.calls)
	}
}

func TestLiveFeedUnknownSymbolFallsBack(t *testing.T) {
	rest := &stubFeed{price: 2200}
	feed := NewLiveFeed(rest, time.Minute)

	price, err := feed.CurrentPrice(context.Background(), "ETHUSDT")
	if err != nil {
		t.Fatalf("CurrentPrice failed: %v", err)
	}
	if price != 2200 {
		t.Errorf("price = %.1f, want REST fallback 2200.0", price)
	}
}

func TestLiveFeedIgnoresBadTicks(t *testing.T) {
	rest := &stubFeed{price: 100}
	feed := NewLiveFeed(rest, time.Minute)

	feed.Push("BTCUSDT", 0, time.Now())
	feed.Push("BTCUSDT", -5, time.Now())

	price, _ := feed.CurrentPrice(context.Background(), "BTCUSDT")
	if price != 100 {
		t.Errorf("price = %.1f, want REST price 100.0 (bad ticks dropped)", price)
	}
}

func TestLiveFeedKlinesPassThrough(t *testing.T) {
	rest := &stubFeed{klines: []Candle{{OpenTime: 1, Close: 100}, {OpenTime: 2, Close: 101}}}
	feed := NewLiveFeed(rest, time.Minute)

	candles, err := feed.GetKlines(context.Background(), "BTCUSDT", "5m", 10)
	if err != nil {
		t.Fatalf("GetKlines failed: %v", err)
	}
	if len(candles) != 2 || candles[1].Close != 101 {
		t.Errorf("klines = %+v, want passthrough of the REST bars", candles)
	}
}
