// Redis-backed bot state persistence. The full registry snapshot is
// written on every mutation so a restart can resume supervision of
// live positions. When Redis is unavailable the repository falls back
// to an in-memory cache and trading continues without interruption.
package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"futures-trading-bot/internal/bot"
)

const (
	// botKeyPrefix is the prefix for individual bot record keys.
	// Format: ftb:bot:{symbol}
	botKeyPrefix = "ftb:bot"

	// botIndexKey holds the set of symbols with persisted records
	botIndexKey = "ftb:bots:index"

	// botStateTTL bounds how long stale records survive. Bots close
	// within hours or days; the margin covers extended downtime.
	botStateTTL = 7 * 24 * time.Hour
)

// RedisBotStateRepository stores bot records in Redis with an
// in-memory fallback cache when Redis is unavailable.
type RedisBotStateRepository struct {
	client    *redis.Client
	cache     map[string]bot.BotRecord
	cacheMu   sync.RWMutex
	available atomic.Bool
	logger    zerolog.Logger
}

// NewRedisBotStateRepository creates the repository. A nil client puts
// it in memory-only mode.
func NewRedisBotStateRepository(client *redis.Client, logger zerolog.Logger) *RedisBotStateRepository {
	repo := &RedisBotStateRepository{
		client: client,
		cache:  make(map[string]bot.BotRecord),
		logger: logger.With().Str("component", "redis_bot_state").Logger(),
	}

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			repo.logger.Warn().Err(err).Msg("Redis unavailable at startup, using in-memory cache")
			repo.available.Store(false)
		} else {
			repo.logger.Info().Msg("Redis connected")
			repo.available.Store(true)
		}
	} else {
		repo.logger.Info().Msg("no Redis client configured, using in-memory cache only")
		repo.available.Store(false)
	}

	return repo
}

func (r *RedisBotStateRepository) botKey(symbol string) string {
	return fmt.Sprintf("%s:%s", botKeyPrefix, symbol)
}

// SaveSnapshot persists the complete registry state. Symbols present
// in the previous snapshot but absent from this one are removed, so a
// restart cannot resurrect closed bots.
func (r *RedisBotStateRepository) SaveSnapshot(ctx context.Context, records []bot.BotRecord) error {
	r.replaceCache(records)

	if r.client == nil || !r.available.Load() {
		return nil
	}

	current := make(map[string][]byte, len(records))
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal bot record %s: %w", rec.Symbol, err)
		}
		current[rec.Symbol] = data
	}

	previous, err := r.client.SMembers(ctx, botIndexKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		r.logger.Warn().Err(err).Msg("snapshot index read failed, in-memory cache holds state")
		r.available.Store(false)
		return nil
	}

	pipe := r.client.TxPipeline()
	for symbol, data := range current {
		pipe.Set(ctx, r.botKey(symbol), data, botStateTTL)
		pipe.SAdd(ctx, botIndexKey, symbol)
	}
	for _, symbol := range previous {
		if _, keep := current[symbol]; !keep {
			pipe.Del(ctx, r.botKey(symbol))
			pipe.SRem(ctx, botIndexKey, symbol)
		}
	}
	pipe.Expire(ctx, botIndexKey, botStateTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("snapshot write failed, in-memory cache holds state")
		r.available.Store(false)
		return nil
	}

	return nil
}

// LoadSnapshot reads all persisted bot records. Missing keys and
// corrupt entries are skipped, never fatal: a fresh deployment starts
// from an empty registry.
func (r *RedisBotStateRepository) LoadSnapshot(ctx context.Context) ([]bot.BotRecord, error) {
	if r.client == nil || !r.available.Load() {
		return r.cachedRecords(), nil
	}

	symbols, err := r.client.SMembers(ctx, botIndexKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return r.cachedRecords(), nil
		}
		r.logger.Warn().Err(err).Msg("Redis read error, using in-memory cache")
		r.available.Store(false)
		return r.cachedRecords(), nil
	}
	r.available.Store(true)

	records := make([]bot.BotRecord, 0, len(symbols))
	for _, symbol := range symbols {
		data, err := r.client.Get(ctx, r.botKey(symbol)).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				r.logger.Warn().Str("symbol", symbol).Err(err).Msg("bot record read failed, skipped")
			}
			continue
		}

		var rec bot.BotRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			r.logger.Warn().Str("symbol", symbol).Err(err).Msg("corrupt bot record, skipped")
			continue
		}
		records = append(records, rec)
	}

	r.replaceCache(records)

	if len(records) > 0 {
		r.logger.Info().Int("bots", len(records)).Msg("loaded bot records from Redis")
	}
	return records, nil
}

// IsRedisAvailable reports whether Redis is currently reachable
func (r *RedisBotStateRepository) IsRedisAvailable() bool {
	return r.available.Load()
}

// CheckRedisConnection pings Redis and updates the availability flag
func (r *RedisBotStateRepository) CheckRedisConnection(ctx context.Context) error {
	if r.client == nil {
		return fmt.Errorf("no Redis client configured")
	}

	if err := r.client.Ping(ctx).Err(); err != nil {
		r.available.Store(false)
		return fmt.Errorf("redis ping failed: %w", err)
	}

	wasUnavailable := !r.available.Load()
	r.available.Store(true)
	if wasUnavailable {
		r.logger.Info().Msg("Redis connection recovered")
	}
	return nil
}

// SyncCacheToRedis writes the fallback cache back to Redis after a
// recovery, so state survives the next restart again
func (r *RedisBotStateRepository) SyncCacheToRedis(ctx context.Context) error {
	if r.client == nil || !r.available.Load() {
		return fmt.Errorf("redis not available for sync")
	}

	records := r.cachedRecords()
	if err := r.SaveSnapshot(ctx, records); err != nil {
		return err
	}
	if len(records) > 0 {
		r.logger.Info().Int("bots", len(records)).Msg("synced in-memory cache to Redis")
	}
	return nil
}

// BotStateStats describes the repository for the status API
type BotStateStats struct {
	RedisAvailable bool `json:"redis_available"`
	CachedBots     int  `json:"cached_bots"`
}

// Stats returns current repository statistics
func (r *RedisBotStateRepository) Stats() BotStateStats {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return BotStateStats{
		RedisAvailable: r.available.Load(),
		CachedBots:     len(r.cache),
	}
}

// --- in-memory cache operations ---

func (r *RedisBotStateRepository) replaceCache(records []bot.BotRecord) {
	next := make(map[string]bot.BotRecord, len(records))
	for _, rec := range records {
		next[rec.Symbol] = rec
	}

	r.cacheMu.Lock()
	r.cache = next
	r.cacheMu.Unlock()
}

func (r *RedisBotStateRepository) cachedRecords() []bot.BotRecord {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	records := make([]bot.BotRecord, 0, len(r.cache))
	for _, rec := range r.cache {
		records = append(records, rec)
	}
	return records
}
