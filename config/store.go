package config

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"futures-trading-bot/internal/bot"
)

// Repository persists engine configuration documents. *database.DB
// satisfies it; a nil repository keeps the store memory-only.
type Repository interface {
	SaveEngineConfig(ctx context.Context, document []byte, updatedBy string) (int64, error)
	LoadEngineConfig(ctx context.Context) ([]byte, int64, error)
}

type storedConfig struct {
	engine  EngineConfig
	params  bot.Params
	version int64
}

// Store holds the runtime-mutable engine configuration. Readers load an
// immutable snapshot without locking; the engine reads Params at the top
// of every cycle, so an applied update takes effect on the next scan.
//
// Update merges a partial JSON document over the current configuration,
// validates the result as a whole and swaps it in atomically. A rejected
// update leaves the prior configuration untouched.
type Store struct {
	repo    Repository
	logger  zerolog.Logger
	mu      sync.Mutex // serializes writers
	current atomic.Pointer[storedConfig]
}

// NewStore creates the store with the boot configuration
func NewStore(initial EngineConfig, repo Repository, logger zerolog.Logger) (*Store, error) {
	if err := validate.Struct(initial); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	s := &Store{
		repo:   repo,
		logger: logger.With().Str("component", "ConfigStore").Logger(),
	}
	s.current.Store(&storedConfig{
		engine:  initial,
		params:  initial.ToParams(1),
		version: 1,
	})
	return s, nil
}

// LoadPersisted restores the last persisted engine configuration, if
// any. Persisted values take precedence over file and environment for
// the engine section; a corrupt or invalid document is logged and
// skipped so a bad row cannot block startup.
func (s *Store) LoadPersisted(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}

	doc, version, err := s.repo.LoadEngineConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to load persisted config: %w", err)
	}
	if doc == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	merged := s.snapshotEngine()
	if err := json.Unmarshal(doc, &merged); err != nil {
		s.logger.Warn().Err(err).Int64("version", version).Msg("Persisted config is corrupt, keeping boot config")
		return nil
	}
	if err := validate.Struct(merged); err != nil {
		s.logger.Warn().Err(err).Int64("version", version).Msg("Persisted config is invalid, keeping boot config")
		return nil
	}

	s.swap(merged, version)
	s.logger.Info().Int64("version", version).Msg("Restored persisted engine config")
	return nil
}

// Update merges a partial JSON document over the current configuration.
// The merged result is validated as a whole before anything changes;
// on failure the current configuration stays in effect and the error
// wraps ErrInvalidConfig.
//
// Persistence is best effort. The in-memory swap happens even when the
// save fails, so an operator can still disable trading during a
// database outage.
func (s *Store) Update(ctx context.Context, patch []byte, updatedBy string) (EngineConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := s.snapshotEngine()
	if err := json.Unmarshal(patch, &merged); err != nil {
		return EngineConfig{}, fmt.Errorf("%w: malformed update: %v", ErrInvalidConfig, err)
	}
	if err := validate.Struct(merged); err != nil {
		return EngineConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	version := s.current.Load().version + 1
	if s.repo != nil {
		doc, err := json.Marshal(merged)
		if err != nil {
			return EngineConfig{}, fmt.Errorf("failed to encode config: %w", err)
		}
		if saved, err := s.repo.SaveEngineConfig(ctx, doc, updatedBy); err != nil {
			s.logger.Warn().Err(err).Msg("Config persistence failed, applying in memory only")
		} else if saved > version {
			version = saved
		}
	}

	s.swap(merged, version)
	s.logger.Info().Int64("version", version).Str("updated_by", updatedBy).Msg("Engine config updated")
	return merged, nil
}

// Params returns the runtime parameter snapshot for the engine
func (s *Store) Params() bot.Params {
	return s.current.Load().params
}

// Engine returns a copy of the current engine configuration
func (s *Store) Engine() EngineConfig {
	return s.snapshotEngine()
}

// Version returns the current configuration version
func (s *Store) Version() int64 {
	return s.current.Load().version
}

// snapshotEngine copies the current engine config so merges cannot
// mutate the published snapshot
func (s *Store) snapshotEngine() EngineConfig {
	out := s.current.Load().engine
	out.Symbols = append([]string(nil), out.Symbols...)
	return out
}

func (s *Store) swap(engine EngineConfig, version int64) {
	s.current.Store(&storedConfig{
		engine:  engine,
		params:  engine.ToParams(version),
		version: version,
	})
}
