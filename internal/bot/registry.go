package bot

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"futures-trading-bot/internal/metrics"
)

type managedBot struct {
	lock   sync.Mutex
	record *BotRecord
}

// Registry is the authoritative map of symbol to bot state. All bot state
// lives here; callers never touch records directly, only copies or the
// per-symbol lock scope of WithLock.
type Registry struct {
	mu       sync.RWMutex
	bots     map[string]*managedBot
	capacity int

	// onChange fires after every successful mutation, outside the locks.
	// The persistence layer hooks it to snapshot the registry.
	onChange func()

	metrics *metrics.Recorder
	logger  zerolog.Logger
}

// NewRegistry creates a registry with the given concurrent-bot capacity
func NewRegistry(capacity int, recorder *metrics.Recorder, logger zerolog.Logger) *Registry {
	if capacity <= 0 {
		capacity = 5
	}
	return &Registry{
		bots:     make(map[string]*managedBot),
		capacity: capacity,
		metrics:  recorder,
		logger:   logger.With().Str("component", "bot_registry").Logger(),
	}
}

// OnChange registers the mutation hook. Must be called before workers start.
func (r *Registry) OnChange(fn func()) {
	r.onChange = fn
}

// SetCapacity replaces the concurrent-bot limit. Existing bots above the new
// limit keep running; only new creations are constrained.
func (r *Registry) SetCapacity(capacity int) {
	if capacity <= 0 {
		return
	}
	r.mu.Lock()
	r.capacity = capacity
	r.mu.Unlock()
}

// Capacity returns the current concurrent-bot limit
func (r *Registry) Capacity() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.capacity
}

// TryCreate inserts the record if and only if no bot holds the symbol and
// the registry has capacity. The existence check, the capacity check and the
// insert happen under one lock, so concurrent creations for the same symbol
// resolve to exactly one winner.
func (r *Registry) TryCreate(record *BotRecord) (BotRecord, error) {
	r.mu.Lock()
	if _, exists := r.bots[record.Symbol]; exists {
		r.mu.Unlock()
		return BotRecord{}, fmt.Errorf("%w: %s", ErrBotExists, record.Symbol)
	}
	if len(r.bots) >= r.capacity {
		count := len(r.bots)
		limit := r.capacity
		r.mu.Unlock()
		return BotRecord{}, fmt.Errorf("%w: %d of %d bots active", ErrCapacityExceeded, count, limit)
	}
	r.bots[record.Symbol] = &managedBot{record: record}
	count := len(r.bots)
	r.mu.Unlock()

	r.metrics.SetActiveBots(count)
	r.logger.Info().
		Str("symbol", record.Symbol).
		Str("side", string(record.Side)).
		Str("created_by", record.CreatedBy).
		Msg("Bot registered")
	r.notify()
	return record.Clone(), nil
}

// Get returns a copy of the record for the symbol
func (r *Registry) Get(symbol string) (BotRecord, bool) {
	r.mu.RLock()
	bot, ok := r.bots[symbol]
	r.mu.RUnlock()
	if !ok {
		return BotRecord{}, false
	}

	bot.lock.Lock()
	record := bot.record.Clone()
	bot.lock.Unlock()
	return record, true
}

// List returns copies of all records, sorted by symbol
func (r *Registry) List() []BotRecord {
	r.mu.RLock()
	managed := make([]*managedBot, 0, len(r.bots))
	for _, bot := range r.bots {
		managed = append(managed, bot)
	}
	r.mu.RUnlock()

	records := make([]BotRecord, 0, len(managed))
	for _, bot := range managed {
		bot.lock.Lock()
		records = append(records, bot.record.Clone())
		bot.lock.Unlock()
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Symbol < records[j].Symbol
	})
	return records
}

// Count returns the number of registered bots
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bots)
}

// WithLock runs fn with exclusive access to the symbol's live record. All
// mutating access goes through here; on success the record's version and
// last-action time advance. fn must not perform exchange I/O while holding
// the lock.
func (r *Registry) WithLock(symbol string, fn func(record *BotRecord) error) error {
	r.mu.RLock()
	bot, ok := r.bots[symbol]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrBotNotFound, symbol)
	}

	bot.lock.Lock()
	defer bot.lock.Unlock()

	// The bot may have been removed while waiting for its lock
	r.mu.RLock()
	current, ok := r.bots[symbol]
	r.mu.RUnlock()
	if !ok || current != bot {
		return fmt.Errorf("%w: %s", ErrBotNotFound, symbol)
	}

	if err := fn(bot.record); err != nil {
		return err
	}

	bot.record.Version++
	bot.record.LastActionAt = time.Now()
	r.notify()
	return nil
}

// Remove deletes the symbol's record. Callers finish the lifecycle first;
// the registry does not check state here.
func (r *Registry) Remove(symbol string) error {
	r.mu.Lock()
	if _, ok := r.bots[symbol]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBotNotFound, symbol)
	}
	delete(r.bots, symbol)
	count := len(r.bots)
	r.mu.Unlock()

	r.metrics.SetActiveBots(count)
	r.logger.Info().Str("symbol", symbol).Msg("Bot removed")
	r.notify()
	return nil
}

// Restore loads persisted records at startup. Terminal records are skipped.
func (r *Registry) Restore(records []BotRecord) int {
	restored := 0
	r.mu.Lock()
	for i := range records {
		record := records[i]
		if record.State.Terminal() || record.Symbol == "" {
			continue
		}
		if _, exists := r.bots[record.Symbol]; exists {
			continue
		}
		r.bots[record.Symbol] = &managedBot{record: &record}
		restored++
	}
	count := len(r.bots)
	r.mu.Unlock()

	r.metrics.SetActiveBots(count)
	if restored > 0 {
		r.logger.Info().Int("bots", restored).Msg("Restored bot records")
	}
	return restored
}

func (r *Registry) notify() {
	if r.onChange != nil {
		r.onChange()
	}
}
