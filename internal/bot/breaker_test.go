package bot

import (
	"math"
	"strings"
	"testing"
	"time"

	"futures-trading-bot/internal/events"
)

func permissiveBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:              true,
		MaxLossPerHour:       100,
		MaxConsecutiveLosses: 100,
		CooldownMinutes:      30,
		MaxTradesPerMinute:   100,
		MaxDailyLoss:         100,
		MaxDailyTrades:       1000,
	}
}

func TestBreakerAllowsByDefault(t *testing.T) {
	b := NewBreaker(DefaultBreakerConfig(), events.NewBus())

	allowed, reason := b.AllowEntry()
	if !allowed {
		t.Errorf("fresh breaker denies entry: %s", reason)
	}
	if b.State() != BreakerClosed {
		t.Errorf("state = %s, want closed", b.State())
	}
}

func TestBreakerDisabledBypassesAllChecks(t *testing.T) {
	config := permissiveBreakerConfig()
	config.Enabled = false
	config.MaxConsecutiveLosses = 1
	b := NewBreaker(config, events.NewBus())

	for i := 0; i < 10; i++ {
		b.RecordTrade(-5.0)
	}

	if allowed, reason := b.AllowEntry(); !allowed {
		t.Errorf("disabled breaker denies entry: %s", reason)
	}
}

func TestBreakerTripsOnConsecutiveLosses(t *testing.T) {
	config := permissiveBreakerConfig()
	config.MaxConsecutiveLosses = 3
	b := NewBreaker(config, events.NewBus())

	b.RecordTrade(-0.5)
	b.RecordTrade(-0.5)
	if b.State() != BreakerClosed {
		t.Fatalf("tripped after 2 of 3 losses")
	}

	b.RecordTrade(-0.5)
	if b.State() != BreakerOpen {
		t.Fatalf("state = %s after 3 losses, want open", b.State())
	}

	allowed, reason := b.AllowEntry()
	if allowed {
		t.Error("open breaker allowed entry")
	}
	if !strings.Contains(reason, "cooldown") {
		t.Errorf("reason = %q, want cooldown message", reason)
	}

	stats := b.Stats()
	if !strings.Contains(stats["trip_reason"].(string), "consecutive losses") {
		t.Errorf("trip reason = %v", stats["trip_reason"])
	}
}

func TestBreakerTripsOnHourlyLoss(t *testing.T) {
	config := permissiveBreakerConfig()
	config.MaxLossPerHour = 2.0
	b := NewBreaker(config, events.NewBus())

	b.RecordTrade(-2.5)

	if b.State() != BreakerOpen {
		t.Fatalf("state = %s, want open", b.State())
	}
	if !strings.Contains(b.Stats()["trip_reason"].(string), "hourly loss") {
		t.Errorf("trip reason = %v", b.Stats()["trip_reason"])
	}
}

func TestBreakerWinResetsLossStreak(t *testing.T) {
	config := permissiveBreakerConfig()
	config.MaxConsecutiveLosses = 3
	b := NewBreaker(config, events.NewBus())

	b.RecordTrade(-0.5)
	b.RecordTrade(-0.5)
	b.RecordTrade(1.0)
	b.RecordTrade(-0.5)
	b.RecordTrade(-0.5)

	if b.State() != BreakerClosed {
		t.Errorf("state = %s, want closed (win broke the streak)", b.State())
	}
}

func TestBreakerCooldownRecovery(t *testing.T) {
	config := permissiveBreakerConfig()
	config.MaxConsecutiveLosses = 2
	b := NewBreaker(config, events.NewBus())

	b.RecordTrade(-0.5)
	b.RecordTrade(-0.5)
	if b.State() != BreakerOpen {
		t.Fatalf("state = %s, want open", b.State())
	}

	// Simulate the cooldown having elapsed
	b.mu.Lock()
	b.lastTripTime = time.Now().Add(-31 * time.Minute)
	b.mu.Unlock()

	// Entry still denied: the loss streak persists into half-open
	allowed, reason := b.AllowEntry()
	if allowed {
		t.Error("half-open breaker with live streak allowed entry")
	}
	if !strings.Contains(reason, "consecutive losses") {
		t.Errorf("reason = %q, want consecutive losses", reason)
	}
	if b.State() != BreakerHalfOpen {
		t.Fatalf("state = %s, want half_open", b.State())
	}

	// A winner from a still-open position heals the streak and closes
	// the breaker
	b.RecordTrade(2.0)
	if b.State() != BreakerClosed {
		t.Fatalf("state = %s after half-open win, want closed", b.State())
	}
	if allowed, reason := b.AllowEntry(); !allowed {
		t.Errorf("recovered breaker denies entry: %s", reason)
	}
}

func TestBreakerRateLimit(t *testing.T) {
	config := permissiveBreakerConfig()
	config.MaxTradesPerMinute = 3
	b := NewBreaker(config, events.NewBus())

	for i := 0; i < 3; i++ {
		b.RecordTrade(0.1)
	}

	allowed, reason := b.AllowEntry()
	if allowed {
		t.Error("entry allowed past the per-minute rate limit")
	}
	if !strings.Contains(reason, "rate limit") {
		t.Errorf("reason = %q, want rate limit", reason)
	}

	// Rate limiting gates entries without tripping the breaker
	if b.State() != BreakerClosed {
		t.Errorf("state = %s, want closed", b.State())
	}
}

func TestBreakerForceReset(t *testing.T) {
	config := permissiveBreakerConfig()
	config.MaxConsecutiveLosses = 1
	b := NewBreaker(config, events.NewBus())

	b.RecordTrade(-0.5)
	if b.State() != BreakerOpen {
		t.Fatalf("state = %s, want open", b.State())
	}

	b.ForceReset()

	if b.State() != BreakerClosed {
		t.Errorf("state = %s after reset, want closed", b.State())
	}
	if allowed, reason := b.AllowEntry(); !allowed {
		t.Errorf("reset breaker denies entry: %s", reason)
	}
}

func TestBreakerIgnoresInvalidPnL(t *testing.T) {
	config := permissiveBreakerConfig()
	config.MaxConsecutiveLosses = 1
	b := NewBreaker(config, events.NewBus())

	b.RecordTrade(math.NaN())
	b.RecordTrade(math.Inf(1))
	b.RecordTrade(math.Inf(-1))

	if b.State() != BreakerClosed {
		t.Errorf("state = %s, want closed after invalid inputs", b.State())
	}
	if got := b.Stats()["daily_trades"].(int); got != 0 {
		t.Errorf("daily trades = %d, want 0", got)
	}
}

func TestBreakerNilBusSafe(t *testing.T) {
	config := permissiveBreakerConfig()
	config.MaxConsecutiveLosses = 1
	b := NewBreaker(config, nil)

	b.RecordTrade(-1.0)
	b.ForceReset()

	if b.State() != BreakerClosed {
		t.Errorf("state = %s, want closed", b.State())
	}
}

func TestBreakerUpdateConfig(t *testing.T) {
	b := NewBreaker(DefaultBreakerConfig(), events.NewBus())

	b.UpdateConfig(BreakerConfig{Enabled: true, MaxConsecutiveLosses: 2})

	b.RecordTrade(-0.1)
	b.RecordTrade(-0.1)
	if b.State() != BreakerOpen {
		t.Errorf("state = %s, want open under updated limit", b.State())
	}
}
