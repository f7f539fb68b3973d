package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"futures-trading-bot/internal/advisor"
	"futures-trading-bot/internal/events"
	"futures-trading-bot/internal/exchange"
	"futures-trading-bot/internal/market"
	"futures-trading-bot/internal/metrics"
	"futures-trading-bot/internal/signal"
)

// Params is the runtime tuning the engine reads at the top of every
// cycle. Providers hand out an immutable copy, so one cycle never sees
// a half-applied update.
type Params struct {
	Enabled bool     `json:"enabled"`
	Symbols []string `json:"symbols"`
	MaxBots int      `json:"max_bots"`

	PositionSizeUSD float64 `json:"position_size_usd"`
	Leverage        int     `json:"leverage"`

	Signal signal.Config `json:"signal"`

	StopLossPercent   float64 `json:"stop_loss_percent"`
	TakeProfitPercent float64 `json:"take_profit_percent"`

	BreakEvenTriggerPercent   float64 `json:"break_even_trigger_percent"`
	BreakEvenOffsetPercent    float64 `json:"break_even_offset_percent"`
	TrailingActivationPercent float64 `json:"trailing_activation_percent"`
	TrailingStopPercent       float64 `json:"trailing_stop_percent"`

	// MaxLossPercent force-closes a position whose unrealized loss
	// exceeds it, regardless of resting stops
	MaxLossPercent float64 `json:"max_loss_percent"`

	Version int64 `json:"version"`
}

// ParamsProvider returns the current Params snapshot
type ParamsProvider func() Params

// TradeStore persists completed trades
type TradeStore interface {
	SaveTrade(ctx context.Context, trade TradeRecord) error
}

// SymbolLister exposes the venue's live symbol list, used for delisting
// detection
type SymbolLister interface {
	GetSymbols(ctx context.Context, quoteAsset string) ([]string, error)
}

// Deps collects everything the engine drives
type Deps struct {
	Registry   *Registry
	Machine    *Machine
	Sync       *Synchronizer
	Breaker    *Breaker
	Cache      *market.Cache
	Maturity   *market.MaturityFilter
	Advisor    advisor.Advisor // optional
	Gateway    exchange.Gateway
	Lister     SymbolLister // optional
	Trades     TradeStore   // optional
	Bus        *events.Bus
	Metrics    *metrics.Recorder
	Params     ParamsProvider
	QuoteAsset string
	Logger     zerolog.Logger
}

// Engine owns the trading loop bodies: the background workers call
// ScanOnce/ProtectOnce/CleanupOnce on their intervals, and the API layer
// calls the manual operations. All exchange effects go through Machine.
type Engine struct {
	registry   *Registry
	machine    *Machine
	sync       *Synchronizer
	breaker    *Breaker
	cache      *market.Cache
	maturity   *market.MaturityFilter
	advisor    advisor.Advisor
	gateway    exchange.Gateway
	lister     SymbolLister
	trades     TradeStore
	bus        *events.Bus
	metrics    *metrics.Recorder
	params     ParamsProvider
	quoteAsset string
	logger     zerolog.Logger

	sigMu       sync.RWMutex
	lastSignals map[string]signal.Signal

	// protectFailures counts consecutive failed stop placements per OPEN
	// symbol. Touched only by the protective loop.
	protectFailures map[string]int

	startedAt time.Time
}

// NewEngine wires the engine and hooks trade completion into the
// breaker and the trade store
func NewEngine(deps Deps) *Engine {
	e := &Engine{
		registry:        deps.Registry,
		machine:         deps.Machine,
		sync:            deps.Sync,
		breaker:         deps.Breaker,
		cache:           deps.Cache,
		maturity:        deps.Maturity,
		advisor:         deps.Advisor,
		gateway:         deps.Gateway,
		lister:          deps.Lister,
		trades:          deps.Trades,
		bus:             deps.Bus,
		metrics:         deps.Metrics,
		params:          deps.Params,
		quoteAsset:      deps.QuoteAsset,
		logger:          deps.Logger.With().Str("component", "Engine").Logger(),
		lastSignals:     make(map[string]signal.Signal),
		protectFailures: make(map[string]int),
		startedAt:       time.Now(),
	}

	e.machine.OnTrade(e.tradeCompleted)
	return e
}

func (e *Engine) tradeCompleted(trade TradeRecord) {
	e.breaker.RecordTrade(trade.PnLPercent)

	if e.trades != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.trades.SaveTrade(ctx, trade); err != nil {
			e.logger.Warn().Str("symbol", trade.Symbol).Err(err).Msg("persisting trade")
		}
	}
}

// ==================== SIGNAL SCAN ====================

// ScanOnce refreshes indicators for the configured universe, evaluates
// every symbol and dispatches entries and exits. A failed refresh leaves
// the symbol with its stale snapshot; the evaluator degrades it to WAIT.
func (e *Engine) ScanOnce(ctx context.Context) {
	params := e.params()
	e.registry.SetCapacity(params.MaxBots)

	if !params.Enabled {
		return
	}
	if len(params.Symbols) == 0 {
		e.logger.Debug().Msg("no symbols configured, scan skipped")
		return
	}

	refreshErrs := e.cache.RefreshAll(ctx, params.Symbols)
	for symbol, err := range refreshErrs {
		if err != nil {
			e.logger.Warn().Str("symbol", symbol).Err(err).Msg("indicator refresh failed")
		}
	}
	e.metrics.RecordScanCycle()

	// Re-verify maturity for symbols whose verify interval elapsed.
	// Between intervals this is a no-op.
	e.maturity.VerifyAll(ctx, params.Symbols, false)

	for _, symbol := range params.Symbols {
		if ctx.Err() != nil {
			return
		}

		sig := e.evaluateSymbol(ctx, symbol, params)
		e.storeSignal(sig)
		e.metrics.RecordSignal(string(sig.Direction))

		switch {
		case sig.Direction.Entry():
			e.bus.PublishSignal(symbol, string(sig.Direction), sig.Confidence, sig.Reasons)
			e.tryEnter(ctx, symbol, sig, params)
		case sig.Direction.Exit():
			e.bus.PublishSignal(symbol, string(sig.Direction), sig.Confidence, sig.Reasons)
			e.dispatchExit(ctx, symbol, sig)
		}
	}
}

// evaluateSymbol builds one Signal from the snapshot, the open bot (if
// any) and the advisor's opinion. Advisor failures degrade to rule-only
// evaluation.
func (e *Engine) evaluateSymbol(ctx context.Context, symbol string, params Params) signal.Signal {
	snap, _ := e.cache.Get(symbol)

	var openSide *exchange.PositionSide
	if rec, ok := e.registry.Get(symbol); ok && rec.Active() {
		side := rec.Side
		openSide = &side
	}

	var prediction *signal.Prediction
	if params.Signal.UseML && e.advisor != nil && snap != nil {
		pred, err := e.advisor.Predict(ctx, symbol, advisor.FeaturesFrom(snap))
		if err != nil {
			if !errors.Is(err, advisor.ErrUnavailable) {
				e.logger.Warn().Str("symbol", symbol).Err(err).Msg("advisor error")
			}
		} else {
			prediction = pred
		}
	}

	return signal.Evaluate(params.Signal, snap, openSide, prediction)
}

// tryEnter opens a bot for an entry signal. ErrBotExists and
// ErrCapacityExceeded are expected races, skipped without noise.
func (e *Engine) tryEnter(ctx context.Context, symbol string, sig signal.Signal, params Params) {
	if allowed, reason := e.breaker.AllowEntry(); !allowed {
		e.logger.Info().Str("symbol", symbol).Str("reason", reason).Msg("entry blocked by breaker")
		return
	}
	if !e.maturity.IsEligible(symbol) {
		e.logger.Debug().Str("symbol", symbol).Msg("symbol not mature, entry skipped")
		return
	}

	side := exchange.PositionSideLong
	if sig.Direction == signal.DirectionShort {
		side = exchange.PositionSideShort
	}

	price, err := e.gateway.CurrentPrice(ctx, symbol)
	if err != nil || price <= 0 {
		if snap, ok := e.cache.Get(symbol); ok && snap.LastClose > 0 {
			price = snap.LastClose
		} else {
			e.logger.Warn().Str("symbol", symbol).Err(err).Msg("no price for sizing, entry skipped")
			return
		}
	}

	qty := positionQuantity(params.PositionSizeUSD, params.Leverage, price)
	if qty <= 0 {
		e.logger.Warn().Str("symbol", symbol).Float64("price", price).Msg("computed zero quantity, entry skipped")
		return
	}

	stop, takeProfit := protectionPrices(side, price, params.StopLossPercent, params.TakeProfitPercent)

	_, err = e.machine.Enter(ctx, EntryRequest{
		Symbol:          symbol,
		Side:            side,
		Quantity:        qty,
		StopLossPrice:   stop,
		TakeProfitPrice: takeProfit,
		CreatedBy:       "auto",
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrBotExists), errors.Is(err, ErrCapacityExceeded):
		e.logger.Debug().Str("symbol", symbol).Err(err).Msg("entry skipped")
	default:
		e.logger.Warn().Str("symbol", symbol).Err(err).Msg("entry failed")
	}
}

func (e *Engine) dispatchExit(ctx context.Context, symbol string, sig signal.Signal) {
	reason := strings.Join(sig.Reasons, ",")
	if err := e.machine.RequestExit(symbol, reason); err != nil {
		e.logger.Warn().Str("symbol", symbol).Err(err).Msg("exit request failed")
		return
	}
	if err := e.machine.Close(ctx, symbol); err != nil {
		// Bot stays EXITING; the protective worker retries
		e.logger.Warn().Str("symbol", symbol).Err(err).Msg("close failed, will retry")
	}
}

// positionQuantity sizes an entry: notional = margin * leverage
func positionQuantity(sizeUSD float64, leverage int, price float64) float64 {
	if price <= 0 || sizeUSD <= 0 {
		return 0
	}
	if leverage < 1 {
		leverage = 1
	}
	return sizeUSD * float64(leverage) / price
}

// protectionPrices derives stop and take-profit triggers from entry
// price and configured percents. Zero percent disables the order.
func protectionPrices(side exchange.PositionSide, entryPrice, stopPct, takeProfitPct float64) (stop, takeProfit float64) {
	if entryPrice <= 0 {
		return 0, 0
	}
	if side == exchange.PositionSideLong {
		if stopPct > 0 {
			stop = entryPrice * (1 - stopPct/100)
		}
		if takeProfitPct > 0 {
			takeProfit = entryPrice * (1 + takeProfitPct/100)
		}
		return stop, takeProfit
	}
	if stopPct > 0 {
		stop = entryPrice * (1 + stopPct/100)
	}
	if takeProfitPct > 0 {
		takeProfit = entryPrice * (1 - takeProfitPct/100)
	}
	return stop, takeProfit
}

func (e *Engine) storeSignal(sig signal.Signal) {
	e.sigMu.Lock()
	e.lastSignals[sig.Symbol] = sig
	e.sigMu.Unlock()
}

// ==================== PROTECTION ====================

// ProtectOnce advances every bot that needs protective work: places
// initial stops for OPEN bots, evaluates break-even and trailing moves
// for PROTECTING bots, and retries pending closes.
func (e *Engine) ProtectOnce(ctx context.Context) {
	params := e.params()
	open := make(map[string]bool)

	for _, rec := range e.registry.List() {
		if ctx.Err() != nil {
			return
		}

		var err error
		switch rec.State {
		case StateOpen:
			open[rec.Symbol] = true
			stop, takeProfit := rec.StopLossPrice, rec.TakeProfitPrice
			if stop <= 0 && takeProfit <= 0 {
				stop, takeProfit = protectionPrices(rec.Side, rec.EntryPrice, params.StopLossPercent, params.TakeProfitPercent)
			}
			err = e.machine.Protect(ctx, rec.Symbol, stop, takeProfit)
			err = e.escalateProtectFailure(ctx, rec.Symbol, err)
		case StateProtecting:
			err = e.adjustProtection(ctx, rec, params)
		case StateExiting:
			err = e.machine.Close(ctx, rec.Symbol)
		case StateEmergencyClosing:
			err = e.machine.EmergencyClose(ctx, rec.Symbol, rec.CloseReason)
		}

		if err != nil && !errors.Is(err, ErrStateChanged) && !errors.Is(err, ErrBotNotFound) {
			e.logger.Warn().Str("symbol", rec.Symbol).Str("state", string(rec.State)).
				Err(err).Msg("protective cycle error")
		}
	}

	for symbol := range e.protectFailures {
		if !open[symbol] {
			delete(e.protectFailures, symbol)
		}
	}
}

// maxProtectRetries is how many protective cycles an OPEN bot may fail
// to get its stops placed before it is force-closed
const maxProtectRetries = 3

// escalateProtectFailure counts consecutive failed protection attempts
// for an OPEN bot. Once the retry budget is spent the position is closed
// at market instead of sitting unprotected.
func (e *Engine) escalateProtectFailure(ctx context.Context, symbol string, err error) error {
	if err == nil || errors.Is(err, ErrStateChanged) || errors.Is(err, ErrBotNotFound) {
		delete(e.protectFailures, symbol)
		return err
	}

	e.protectFailures[symbol]++
	if e.protectFailures[symbol] < maxProtectRetries {
		return err
	}

	delete(e.protectFailures, symbol)
	e.logger.Error().Str("symbol", symbol).Int("attempts", maxProtectRetries).Err(err).
		Msg("position still unprotected, forcing close")
	return e.machine.EmergencyClose(ctx, symbol, "protection_unavailable")
}

// adjustProtection checks one PROTECTING bot against the live price:
// guardian force-close, then break-even, then trailing. The best
// candidate stop wins; Machine.Adjust rejects non-improving moves.
func (e *Engine) adjustProtection(ctx context.Context, rec BotRecord, params Params) error {
	price, err := e.gateway.CurrentPrice(ctx, rec.Symbol)
	if err != nil {
		return fmt.Errorf("price for %s: %w", rec.Symbol, err)
	}
	if price <= 0 || rec.EntryPrice <= 0 {
		return nil
	}

	profitPct := (price - rec.EntryPrice) / rec.EntryPrice * 100
	if rec.Side == exchange.PositionSideShort {
		profitPct = -profitPct
	}

	if params.MaxLossPercent > 0 && profitPct <= -params.MaxLossPercent {
		e.logger.Error().Str("symbol", rec.Symbol).
			Float64("loss_percent", -profitPct).
			Msg("max loss exceeded, forcing close")
		return e.machine.EmergencyClose(ctx, rec.Symbol, "max_loss_exceeded")
	}

	candidate := 0.0
	kind := ""

	if params.BreakEvenTriggerPercent > 0 && profitPct >= params.BreakEvenTriggerPercent {
		candidate = breakEvenStop(rec.Side, rec.EntryPrice, params.BreakEvenOffsetPercent)
		kind = AdjustBreakEven
	}
	if params.TrailingActivationPercent > 0 && profitPct >= params.TrailingActivationPercent && params.TrailingStopPercent > 0 {
		trail := trailingStop(rec.Side, price, params.TrailingStopPercent)
		if candidate == 0 || stopImproves(rec.Side, candidate, trail) {
			candidate = trail
			kind = AdjustTrailing
		}
	}

	if candidate <= 0 {
		return nil
	}

	// A stop trigger past the current price would fire immediately
	if rec.Side == exchange.PositionSideLong && candidate >= price {
		return nil
	}
	if rec.Side == exchange.PositionSideShort && candidate <= price {
		return nil
	}

	return e.machine.Adjust(ctx, rec.Symbol, candidate, kind)
}

func breakEvenStop(side exchange.PositionSide, entryPrice, offsetPct float64) float64 {
	if side == exchange.PositionSideLong {
		return entryPrice * (1 + offsetPct/100)
	}
	return entryPrice * (1 - offsetPct/100)
}

func trailingStop(side exchange.PositionSide, price, trailPct float64) float64 {
	if side == exchange.PositionSideLong {
		return price * (1 - trailPct/100)
	}
	return price * (1 + trailPct/100)
}

// ==================== CLEANUP ====================

const adjustStuckAfter = 2 * time.Minute

// CleanupOnce recovers bots stuck mid-adjustment and force-closes bots
// whose symbols left the venue. Entry timeouts are handled by the
// synchronizer.
func (e *Engine) CleanupOnce(ctx context.Context) {
	now := time.Now()
	for _, rec := range e.registry.List() {
		if rec.State != StateAdjusting || now.Sub(rec.LastActionAt) < adjustStuckAfter {
			continue
		}

		version := rec.Version
		err := e.registry.WithLock(rec.Symbol, func(live *BotRecord) error {
			if live.State != StateAdjusting || live.Version != version {
				return nil
			}
			return live.Transition(StateProtecting)
		})
		if err != nil {
			e.logger.Warn().Str("symbol", rec.Symbol).Err(err).Msg("stuck adjust recovery failed")
			continue
		}
		e.logger.Warn().Str("symbol", rec.Symbol).Msg("recovered bot stuck in ADJUSTING")
	}

	if e.lister == nil {
		return
	}

	listed, err := e.lister.GetSymbols(ctx, e.quoteAsset)
	if err != nil {
		e.logger.Warn().Err(err).Msg("symbol list fetch failed, delisting check skipped")
		return
	}

	live := make(map[string]bool, len(listed))
	for _, s := range listed {
		live[s] = true
	}

	for _, rec := range e.registry.List() {
		if live[rec.Symbol] {
			continue
		}
		e.logger.Error().Str("symbol", rec.Symbol).Msg("symbol delisted, forcing close")
		if err := e.machine.EmergencyClose(ctx, rec.Symbol, "delisted"); err != nil {
			e.logger.Error().Str("symbol", rec.Symbol).Err(err).Msg("delisting close failed")
		}
	}

	if pruned := e.maturity.PruneDelisted(ctx, listed); pruned > 0 {
		e.logger.Info().Int("pruned", pruned).Msg("dropped delisted symbols from maturity cache")
	}
}

// SyncOnce runs one position reconciliation cycle
func (e *Engine) SyncOnce(ctx context.Context) SyncReport {
	return e.sync.Sync(ctx)
}

// ==================== MANUAL OPERATIONS ====================

// ManualBotParams overrides engine defaults for an operator-created bot
type ManualBotParams struct {
	Side              exchange.PositionSide `json:"side"`
	Quantity          float64               `json:"quantity,omitempty"`
	StopLossPercent   float64               `json:"stop_loss_percent,omitempty"`
	TakeProfitPercent float64               `json:"take_profit_percent,omitempty"`
}

// CreateManualBot opens a bot on operator request. Maturity is not
// checked; capacity and uniqueness still are.
func (e *Engine) CreateManualBot(ctx context.Context, symbol string, manual ManualBotParams) (BotRecord, error) {
	params := e.params()

	price, err := e.gateway.CurrentPrice(ctx, symbol)
	if err != nil {
		return BotRecord{}, fmt.Errorf("price for %s: %w", symbol, err)
	}

	qty := manual.Quantity
	if qty <= 0 {
		qty = positionQuantity(params.PositionSizeUSD, params.Leverage, price)
	}

	stopPct := manual.StopLossPercent
	if stopPct <= 0 {
		stopPct = params.StopLossPercent
	}
	takeProfitPct := manual.TakeProfitPercent
	if takeProfitPct <= 0 {
		takeProfitPct = params.TakeProfitPercent
	}
	stop, takeProfit := protectionPrices(manual.Side, price, stopPct, takeProfitPct)

	return e.machine.Enter(ctx, EntryRequest{
		Symbol:          symbol,
		Side:            manual.Side,
		Quantity:        qty,
		StopLossPrice:   stop,
		TakeProfitPrice: takeProfit,
		CreatedBy:       "manual",
	})
}

// CloseBot closes a bot on operator request
func (e *Engine) CloseBot(ctx context.Context, symbol string) error {
	if _, ok := e.registry.Get(symbol); !ok {
		return fmt.Errorf("%w: %s", ErrBotNotFound, symbol)
	}
	if err := e.machine.RequestExit(symbol, "manual"); err != nil {
		return err
	}
	return e.machine.Close(ctx, symbol)
}

// ListBots returns all current bot records
func (e *Engine) ListBots() []BotRecord {
	return e.registry.List()
}

// GetBot returns one bot record
func (e *Engine) GetBot(symbol string) (BotRecord, bool) {
	return e.registry.Get(symbol)
}

// SignalSnapshot returns the last evaluated signal for symbol,
// evaluating on demand if the scan has not covered it yet
func (e *Engine) SignalSnapshot(ctx context.Context, symbol string) signal.Signal {
	e.sigMu.RLock()
	sig, ok := e.lastSignals[symbol]
	e.sigMu.RUnlock()
	if ok {
		return sig
	}

	sig = e.evaluateSymbol(ctx, symbol, e.params())
	e.storeSignal(sig)
	return sig
}

// ActivateTradingRules force re-verifies maturity for the configured
// universe. It refreshes eligibility only; no bots are created here.
func (e *Engine) ActivateTradingRules(ctx context.Context) int {
	params := e.params()
	eligible := e.maturity.VerifyAll(ctx, params.Symbols, true)
	e.logger.Info().Int("eligible", eligible).Int("symbols", len(params.Symbols)).
		Msg("trading rules re-verified")
	return eligible
}

// RestoreState loads persisted bot records into the registry
func (e *Engine) RestoreState(records []BotRecord) int {
	return e.registry.Restore(records)
}

// LastSyncReport exposes the synchronizer's most recent cycle
func (e *Engine) LastSyncReport() *SyncReport {
	return e.sync.LastReport()
}

// BreakerStats exposes circuit breaker state for the API
func (e *Engine) BreakerStats() map[string]interface{} {
	return e.breaker.Stats()
}

// ResetBreaker manually closes the circuit breaker
func (e *Engine) ResetBreaker() {
	e.breaker.ForceReset()
}

// Status summarizes engine health for the API layer
func (e *Engine) Status() map[string]interface{} {
	params := e.params()

	status := map[string]interface{}{
		"enabled":        params.Enabled,
		"uptime_seconds": int(time.Since(e.startedAt).Seconds()),
		"active_bots":    e.registry.Count(),
		"max_bots":       e.registry.Capacity(),
		"symbols":        len(params.Symbols),
		"breaker_state":  string(e.breaker.State()),
		"config_version": params.Version,
	}
	if report := e.sync.LastReport(); report != nil {
		status["last_sync"] = report.Timestamp
		status["orphans"] = len(report.Orphans)
	}
	return status
}
