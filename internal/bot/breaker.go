package bot

import (
	"fmt"
	"math"
	"sync"
	"time"

	"futures-trading-bot/internal/events"
)

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"    // Normal operation
	BreakerOpen     BreakerState = "open"      // New entries halted
	BreakerHalfOpen BreakerState = "half_open" // Testing recovery
)

// BreakerConfig holds circuit breaker configuration
type BreakerConfig struct {
	Enabled              bool    `json:"enabled"`
	MaxLossPerHour       float64 `json:"max_loss_per_hour"`      // Max loss % per hour
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"` // Max losing trades in a row
	CooldownMinutes      int     `json:"cooldown_minutes"`       // Cooldown after trip
	MaxTradesPerMinute   int     `json:"max_trades_per_minute"`  // Entry rate limit
	MaxDailyLoss         float64 `json:"max_daily_loss"`         // Max daily loss %
	MaxDailyTrades       int     `json:"max_daily_trades"`       // Max trades per day
}

// DefaultBreakerConfig returns safe defaults
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:              true,
		MaxLossPerHour:       3.0,
		MaxConsecutiveLosses: 5,
		CooldownMinutes:      30,
		MaxTradesPerMinute:   10,
		MaxDailyLoss:         5.0,
		MaxDailyTrades:       100,
	}
}

// Breaker halts new entries after loss streaks or loss-rate limits. Open
// positions are never touched; the breaker only gates SCANNING -> ENTERING.
type Breaker struct {
	config            BreakerConfig
	state             BreakerState
	consecutiveLosses int
	hourlyLoss        float64
	dailyLoss         float64
	tradesLastMinute  int
	dailyTrades       int
	lastTripTime      time.Time
	hourlyResetTime   time.Time
	dailyResetTime    time.Time
	minuteResetTime   time.Time
	tripReason        string
	mu                sync.RWMutex
	bus               *events.Bus
}

// NewBreaker creates a circuit breaker publishing state changes on the bus
func NewBreaker(config BreakerConfig, bus *events.Bus) *Breaker {
	now := time.Now()
	return &Breaker{
		config:          config,
		state:           BreakerClosed,
		bus:             bus,
		hourlyResetTime: now.Add(time.Hour),
		dailyResetTime:  now.Truncate(24 * time.Hour).Add(24 * time.Hour),
		minuteResetTime: now.Add(time.Minute),
	}
}

// AllowEntry checks whether a new position may be opened
func (b *Breaker) AllowEntry() (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.config.Enabled {
		return true, ""
	}

	b.resetCountersIfNeeded()

	if b.state == BreakerOpen {
		elapsed := time.Since(b.lastTripTime)
		cooldown := time.Duration(b.config.CooldownMinutes) * time.Minute

		if elapsed < cooldown {
			remaining := cooldown - elapsed
			return false, fmt.Sprintf("breaker open, cooldown remaining: %v (reason: %s)",
				remaining.Round(time.Second), b.tripReason)
		}

		// Cooldown passed, try half-open
		b.state = BreakerHalfOpen
	}

	if b.hourlyLoss >= b.config.MaxLossPerHour {
		return false, fmt.Sprintf("hourly loss limit reached: %.2f%% >= %.2f%%",
			b.hourlyLoss, b.config.MaxLossPerHour)
	}

	if b.dailyLoss >= b.config.MaxDailyLoss {
		return false, fmt.Sprintf("daily loss limit reached: %.2f%% >= %.2f%%",
			b.dailyLoss, b.config.MaxDailyLoss)
	}

	if b.consecutiveLosses >= b.config.MaxConsecutiveLosses {
		return false, fmt.Sprintf("max consecutive losses reached: %d", b.consecutiveLosses)
	}

	if b.tradesLastMinute >= b.config.MaxTradesPerMinute {
		return false, fmt.Sprintf("rate limit reached: %d trades/minute", b.tradesLastMinute)
	}

	if b.dailyTrades >= b.config.MaxDailyTrades {
		return false, fmt.Sprintf("daily trade limit reached: %d trades", b.dailyTrades)
	}

	return true, ""
}

// RecordTrade feeds a closed trade's PnL percent into the breaker
func (b *Breaker) RecordTrade(pnlPercent float64) {
	if math.IsNaN(pnlPercent) || math.IsInf(pnlPercent, 0) {
		return
	}

	b.mu.Lock()

	if !b.config.Enabled {
		b.mu.Unlock()
		return
	}

	b.resetCountersIfNeeded()

	b.tradesLastMinute++
	b.dailyTrades++

	recovered := false
	if pnlPercent < 0 {
		b.consecutiveLosses++
		b.hourlyLoss += -pnlPercent
		b.dailyLoss += -pnlPercent
	} else {
		b.consecutiveLosses = 0

		// A winner while half-open closes the breaker again
		if b.state == BreakerHalfOpen {
			b.state = BreakerClosed
			recovered = true
		}
	}

	tripped := b.checkAndTrip()
	state := b.state
	reason := b.tripReason
	b.mu.Unlock()

	if recovered {
		b.bus.PublishBreaker(string(BreakerClosed), "recovered after cooldown")
	}
	if tripped {
		b.bus.PublishBreaker(string(state), reason)
	}
}

func (b *Breaker) checkAndTrip() bool {
	if b.state == BreakerOpen {
		return false
	}

	var reason string
	if b.consecutiveLosses >= b.config.MaxConsecutiveLosses {
		reason = fmt.Sprintf("consecutive losses: %d", b.consecutiveLosses)
	} else if b.hourlyLoss >= b.config.MaxLossPerHour {
		reason = fmt.Sprintf("hourly loss: %.2f%%", b.hourlyLoss)
	} else if b.dailyLoss >= b.config.MaxDailyLoss {
		reason = fmt.Sprintf("daily loss: %.2f%%", b.dailyLoss)
	}

	if reason == "" {
		return false
	}

	b.state = BreakerOpen
	b.lastTripTime = time.Now()
	b.tripReason = reason
	return true
}

func (b *Breaker) resetCountersIfNeeded() {
	now := time.Now()

	if now.After(b.minuteResetTime) {
		b.tradesLastMinute = 0
		b.minuteResetTime = now.Add(time.Minute)
	}

	if now.After(b.hourlyResetTime) {
		b.hourlyLoss = 0
		b.hourlyResetTime = now.Add(time.Hour)
	}

	if now.After(b.dailyResetTime) {
		b.dailyLoss = 0
		b.dailyTrades = 0
		b.dailyResetTime = now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	}
}

// ForceReset manually closes the breaker and clears the loss streak
func (b *Breaker) ForceReset() {
	b.mu.Lock()
	b.state = BreakerClosed
	b.consecutiveLosses = 0
	b.tripReason = ""
	b.mu.Unlock()

	b.bus.PublishBreaker(string(BreakerClosed), "manual reset")
}

// State returns the current breaker state
func (b *Breaker) State() BreakerState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Stats returns current statistics
func (b *Breaker) Stats() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return map[string]interface{}{
		"enabled":            b.config.Enabled,
		"state":              string(b.state),
		"consecutive_losses": b.consecutiveLosses,
		"hourly_loss":        b.hourlyLoss,
		"daily_loss":         b.dailyLoss,
		"trades_last_minute": b.tradesLastMinute,
		"daily_trades":       b.dailyTrades,
		"trip_reason":        b.tripReason,
		"last_trip_time":     b.lastTripTime,
	}
}

// UpdateConfig merges positive fields into the breaker configuration
func (b *Breaker) UpdateConfig(updates BreakerConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.config.Enabled = updates.Enabled
	if updates.MaxLossPerHour > 0 {
		b.config.MaxLossPerHour = updates.MaxLossPerHour
	}
	if updates.MaxDailyLoss > 0 {
		b.config.MaxDailyLoss = updates.MaxDailyLoss
	}
	if updates.MaxConsecutiveLosses > 0 {
		b.config.MaxConsecutiveLosses = updates.MaxConsecutiveLosses
	}
	if updates.CooldownMinutes > 0 {
		b.config.CooldownMinutes = updates.CooldownMinutes
	}
	if updates.MaxTradesPerMinute > 0 {
		b.config.MaxTradesPerMinute = updates.MaxTradesPerMinute
	}
	if updates.MaxDailyTrades > 0 {
		b.config.MaxDailyTrades = updates.MaxDailyTrades
	}
}
