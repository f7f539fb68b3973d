package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// WorkerConfig sets the background loop intervals
type WorkerConfig struct {
	ScanInterval    time.Duration `json:"scan_interval"`
	SyncInterval    time.Duration `json:"sync_interval"`
	ProtectInterval time.Duration `json:"protect_interval"`
	CleanupInterval time.Duration `json:"cleanup_interval"`
}

func (c *WorkerConfig) applyDefaults() {
	if c.ScanInterval <= 0 {
		c.ScanInterval = time.Minute
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = 30 * time.Second
	}
	if c.ProtectInterval <= 0 {
		c.ProtectInterval = 15 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 30 * time.Minute
	}
}

// Workers supervises the four background loops: signal scan, position
// sync, protective maintenance and cleanup. Each loop runs its engine
// method on a fixed interval until Stop cancels the shared context.
type Workers struct {
	engine *Engine
	config WorkerConfig
	logger zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWorkers creates the worker supervisor
func NewWorkers(engine *Engine, config WorkerConfig, logger zerolog.Logger) *Workers {
	config.applyDefaults()
	return &Workers{
		engine: engine,
		config: config,
		logger: logger.With().Str("component", "Workers").Logger(),
	}
}

// Start launches all loops. Calling Start on running workers is an error.
func (w *Workers) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("workers already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.running = true

	w.spawn(ctx, "signal_scan", w.config.ScanInterval, w.engine.ScanOnce)
	w.spawn(ctx, "position_sync", w.config.SyncInterval, func(c context.Context) { w.engine.SyncOnce(c) })
	w.spawn(ctx, "protective", w.config.ProtectInterval, w.engine.ProtectOnce)
	w.spawn(ctx, "cleanup", w.config.CleanupInterval, w.engine.CleanupOnce)

	w.logger.Info().
		Dur("scan", w.config.ScanInterval).
		Dur("sync", w.config.SyncInterval).
		Dur("protect", w.config.ProtectInterval).
		Dur("cleanup", w.config.CleanupInterval).
		Msg("workers started")
	return nil
}

// Stop cancels all loops and waits for them to finish in-flight work
func (w *Workers) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	w.mu.Unlock()

	cancel()
	w.wg.Wait()
	w.logger.Info().Msg("workers stopped")
}

// Running reports whether the loops are active
func (w *Workers) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// spawn runs fn immediately and then on every tick until ctx ends
func (w *Workers) spawn(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		w.runCycle(ctx, name, fn)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				w.logger.Debug().Str("worker", name).Msg("worker stopped")
				return
			case <-ticker.C:
				w.runCycle(ctx, name, fn)
			}
		}
	}()
}

// runCycle invokes one worker cycle, recovering a panic so a single bad
// cycle cannot take the whole loop down. The next tick runs normally.
func (w *Workers) runCycle(ctx context.Context, name string, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%v", r)
			}
			w.logger.Error().Str("worker", name).Err(err).Msg("worker cycle panicked")
		}
	}()
	fn(ctx)
}
