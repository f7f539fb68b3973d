package bot

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"futures-trading-bot/internal/events"
	"futures-trading-bot/internal/exchange"
	"futures-trading-bot/internal/metrics"
)

// SyncConfig tunes the reconciliation between local records and the
// exchange. Streak thresholds exist because a single-cycle disagreement
// is usually the exchange catching up, not a fault.
type SyncConfig struct {
	GracePeriod   time.Duration `json:"grace_period"`   // new bots exempt from missing-position checks
	EntryTimeout  time.Duration `json:"entry_timeout"`  // ENTERING with no fill rolls back after this
	MissingStreak int           `json:"missing_streak"` // consecutive missing cycles before external-close cleanup
	MismatchDelay int           `json:"mismatch_delay"` // consecutive mismatch cycles before adopting the exchange size
	SizeTolerance float64       `json:"size_tolerance"` // relative size delta treated as equal
}

func (c *SyncConfig) applyDefaults() {
	if c.GracePeriod <= 0 {
		c.GracePeriod = 2 * time.Minute
	}
	if c.EntryTimeout <= 0 {
		c.EntryTimeout = 3 * time.Minute
	}
	if c.MissingStreak <= 0 {
		c.MissingStreak = 2
	}
	if c.MismatchDelay <= 0 {
		c.MismatchDelay = 2
	}
	if c.SizeTolerance <= 0 {
		c.SizeTolerance = 0.01
	}
}

// OrphanPosition is an exchange position with no local bot record
type OrphanPosition struct {
	Symbol     string                `json:"symbol"`
	Side       exchange.PositionSide `json:"side"`
	Size       float64               `json:"size"`
	EntryPrice float64               `json:"entry_price"`
}

// SyncReport summarizes one reconciliation cycle
type SyncReport struct {
	Timestamp        time.Time        `json:"timestamp"`
	Duration         time.Duration    `json:"duration"`
	BotsChecked      int              `json:"bots_checked"`
	Confirmed        int              `json:"confirmed"`
	RolledBack       int              `json:"rolled_back"`
	ClosedExternally int              `json:"closed_externally"`
	Mismatched       int              `json:"mismatched"`
	Orphans          []OrphanPosition `json:"orphans,omitempty"`
	Errors           []string         `json:"errors,omitempty"`
}

// Synchronizer reconciles the registry against exchange-reported
// positions. One position fetch per cycle; per-symbol failures never
// abort the rest of the cycle. Orphan positions are reported, never
// adopted.
type Synchronizer struct {
	registry *Registry
	machine  *Machine
	gateway  exchange.Gateway
	bus      *events.Bus
	metrics  *metrics.Recorder
	config   SyncConfig
	logger   zerolog.Logger

	mu             sync.Mutex
	missingStreak  map[string]int
	mismatchStreak map[string]int
	lastReport     *SyncReport
}

// NewSynchronizer creates the reconciler
func NewSynchronizer(registry *Registry, machine *Machine, gateway exchange.Gateway, bus *events.Bus, recorder *metrics.Recorder, config SyncConfig, logger zerolog.Logger) *Synchronizer {
	config.applyDefaults()
	return &Synchronizer{
		registry:       registry,
		machine:        machine,
		gateway:        gateway,
		bus:            bus,
		metrics:        recorder,
		config:         config,
		logger:         logger.With().Str("component", "PositionSync").Logger(),
		missingStreak:  make(map[string]int),
		mismatchStreak: make(map[string]int),
	}
}

// Sync runs one reconciliation cycle
func (s *Synchronizer) Sync(ctx context.Context) SyncReport {
	start := time.Now()
	report := SyncReport{Timestamp: start}

	positions, err := s.gateway.GetPositions(ctx)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("fetching positions: %v", err))
		report.Duration = time.Since(start)
		s.metrics.RecordExchangeError("get_positions")
		s.logger.Warn().Err(err).Msg("sync cycle skipped, position fetch failed")
		s.store(report)
		return report
	}

	posBySymbol := make(map[string]exchange.PositionRecord, len(positions))
	for _, pos := range positions {
		posBySymbol[pos.Symbol] = pos
	}

	bots := s.registry.List()
	report.BotsChecked = len(bots)
	now := time.Now()

	for _, rec := range bots {
		pos, onExchange := posBySymbol[rec.Symbol]

		switch {
		case rec.State == StateEntering:
			s.syncEntering(ctx, rec, pos, onExchange, now, &report)
		case rec.Active():
			s.syncActive(ctx, rec, pos, onExchange, now, &report)
		case rec.State == StateExiting || rec.State == StateEmergencyClosing:
			s.syncClosing(ctx, rec, onExchange, &report)
		}
	}

	for symbol, pos := range posBySymbol {
		if _, tracked := s.registry.Get(symbol); tracked {
			continue
		}
		report.Orphans = append(report.Orphans, OrphanPosition{
			Symbol:     pos.Symbol,
			Side:       pos.Side,
			Size:       pos.Size,
			EntryPrice: pos.EntryPrice,
		})
		s.bus.PublishOrphanDetected(pos.Symbol, string(pos.Side), pos.Size)
		s.logger.Warn().Str("symbol", pos.Symbol).Str("side", string(pos.Side)).
			Float64("size", pos.Size).
			Msg("orphan position on exchange, not adopting")
	}

	s.pruneStreaks(bots)

	report.Duration = time.Since(start)
	s.metrics.RecordSyncCycle(len(report.Orphans))
	s.bus.PublishSyncCompleted(report.Confirmed, report.RolledBack, report.ClosedExternally, len(report.Orphans))
	s.store(report)

	s.logger.Debug().
		Int("bots", report.BotsChecked).
		Int("confirmed", report.Confirmed).
		Int("closed_externally", report.ClosedExternally).
		Int("orphans", len(report.Orphans)).
		Dur("took", report.Duration).
		Msg("sync cycle complete")
	return report
}

// syncEntering confirms a filled entry or rolls back one that timed out
func (s *Synchronizer) syncEntering(ctx context.Context, rec BotRecord, pos exchange.PositionRecord, onExchange bool, now time.Time, report *SyncReport) {
	if onExchange {
		if err := s.machine.ConfirmOpen(rec.Symbol, pos); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s confirm: %v", rec.Symbol, err))
			return
		}
		report.Confirmed++
		return
	}

	if now.Sub(rec.LastActionAt) < s.config.EntryTimeout {
		return
	}
	if err := s.machine.RollbackEntry(ctx, rec.Symbol, "entry timeout"); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("%s rollback: %v", rec.Symbol, err))
		return
	}
	report.RolledBack++
}

// syncActive handles bots that believe they hold a position
func (s *Synchronizer) syncActive(ctx context.Context, rec BotRecord, pos exchange.PositionRecord, onExchange bool, now time.Time, report *SyncReport) {
	if !onExchange {
		if now.Sub(rec.CreatedAt) < s.config.GracePeriod {
			return
		}
		streak := s.bump(s.missingStreak, rec.Symbol)
		if streak < s.config.MissingStreak {
			s.logger.Debug().Str("symbol", rec.Symbol).Int("streak", streak).
				Msg("position missing, tolerating transient mismatch")
			return
		}

		s.logger.Warn().Str("symbol", rec.Symbol).Str("state", string(rec.State)).
			Msg("position gone from exchange, cleaning up")
		if err := s.machine.RequestExit(rec.Symbol, "closed_externally"); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s external close: %v", rec.Symbol, err))
			return
		}
		if err := s.machine.Close(ctx, rec.Symbol); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s external close: %v", rec.Symbol, err))
			return
		}
		report.ClosedExternally++
		s.clear(rec.Symbol)
		return
	}

	s.clearMissing(rec.Symbol)

	if rec.PositionSize > 0 && relativeDelta(rec.PositionSize, pos.Size) > s.config.SizeTolerance {
		streak := s.bump(s.mismatchStreak, rec.Symbol)
		if streak < s.config.MismatchDelay {
			return
		}

		err := s.registry.WithLock(rec.Symbol, func(live *BotRecord) error {
			if !live.Active() {
				return nil
			}
			s.logger.Warn().Str("symbol", rec.Symbol).
				Float64("local_size", live.PositionSize).
				Float64("exchange_size", pos.Size).
				Err(ErrPositionMismatch).
				Msg("adopting exchange-reported size")
			live.PositionSize = pos.Size
			return nil
		})
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s size adopt: %v", rec.Symbol, err))
			return
		}
		report.Mismatched++
		s.clearMismatch(rec.Symbol)
		return
	}

	s.clearMismatch(rec.Symbol)
}

// syncClosing finalizes a closing bot once the exchange confirms flat
func (s *Synchronizer) syncClosing(ctx context.Context, rec BotRecord, onExchange bool, report *SyncReport) {
	if onExchange {
		return
	}
	if err := s.machine.Close(ctx, rec.Symbol); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("%s finalize: %v", rec.Symbol, err))
		return
	}
	report.ClosedExternally++
}

// relativeDelta returns |a-b| relative to a
func relativeDelta(a, b float64) float64 {
	if a == 0 {
		return 0
	}
	return math.Abs(a-b) / a
}

func (s *Synchronizer) bump(streaks map[string]int, symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	streaks[symbol]++
	return streaks[symbol]
}

func (s *Synchronizer) clearMissing(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.missingStreak, symbol)
}

func (s *Synchronizer) clearMismatch(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mismatchStreak, symbol)
}

func (s *Synchronizer) clear(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.missingStreak, symbol)
	delete(s.mismatchStreak, symbol)
}

// pruneStreaks drops streak entries for symbols no longer tracked
func (s *Synchronizer) pruneStreaks(bots []BotRecord) {
	tracked := make(map[string]bool, len(bots))
	for _, rec := range bots {
		tracked[rec.Symbol] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for symbol := range s.missingStreak {
		if !tracked[symbol] {
			delete(s.missingStreak, symbol)
		}
	}
	for symbol := range s.mismatchStreak {
		if !tracked[symbol] {
			delete(s.mismatchStreak, symbol)
		}
	}
}

func (s *Synchronizer) store(report SyncReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastReport = &report
}

// LastReport returns the most recent cycle summary, or nil before the
// first cycle
func (s *Synchronizer) LastReport() *SyncReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastReport == nil {
		return nil
	}
	out := *s.lastReport
	return &out
}
