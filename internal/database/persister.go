package database

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"futures-trading-bot/internal/bot"
)

const (
	defaultPersistDebounce = 500 * time.Millisecond
	redisProbeInterval     = time.Minute
	persistTimeout         = 5 * time.Second
)

// StatePersister saves registry snapshots whenever bots mutate.
// Registry mutations call MarkDirty from the bot lifecycle hot path,
// so saves are debounced onto a single background goroutine: a burst
// of mutations collapses into one snapshot write. When Redis drops,
// the persister probes for recovery on an interval; the next snapshot
// after recovery carries the full state, so nothing is replayed.
type StatePersister struct {
	store    *RedisBotStateRepository
	source   func() []bot.BotRecord
	debounce time.Duration
	logger   zerolog.Logger

	dirty chan struct{}

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewStatePersister wires the repository to a snapshot source,
// normally Registry.List
func NewStatePersister(store *RedisBotStateRepository, source func() []bot.BotRecord, debounce time.Duration, logger zerolog.Logger) *StatePersister {
	if debounce <= 0 {
		debounce = defaultPersistDebounce
	}
	return &StatePersister{
		store:    store,
		source:   source,
		debounce: debounce,
		logger:   logger.With().Str("component", "state_persister").Logger(),
		dirty:    make(chan struct{}, 1),
	}
}

// MarkDirty schedules a snapshot save. Safe to call from any
// goroutine; never blocks. Hook this to Registry.OnChange.
func (p *StatePersister) MarkDirty() {
	select {
	case p.dirty <- struct{}{}:
	default:
	}
}

// Start launches the persistence loop
func (p *StatePersister) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.running = true

	p.wg.Add(1)
	go p.run(ctx)
}

// Stop flushes a final snapshot and stops the loop
func (p *StatePersister) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
}

func (p *StatePersister) run(ctx context.Context) {
	defer p.wg.Done()

	probe := time.NewTicker(redisProbeInterval)
	defer probe.Stop()

	for {
		select {
		case <-ctx.Done():
			p.flush(context.Background())
			return

		case <-p.dirty:
			// Collapse the burst: marks arriving during the window
			// are covered by the snapshot taken when it ends
			timer := time.NewTimer(p.debounce)
			select {
			case <-ctx.Done():
				timer.Stop()
				p.flush(context.Background())
				return
			case <-timer.C:
			}
			p.flush(ctx)

		case <-probe.C:
			if p.store.client == nil || p.store.IsRedisAvailable() {
				continue
			}
			if err := p.store.CheckRedisConnection(ctx); err == nil {
				if err := p.store.SyncCacheToRedis(ctx); err != nil {
					p.logger.Warn().Err(err).Msg("cache sync after recovery failed")
				}
			}
		}
	}
}

func (p *StatePersister) flush(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	if err := p.store.SaveSnapshot(cctx, p.source()); err != nil {
		p.logger.Warn().Err(err).Msg("bot state snapshot failed")
	}
}
