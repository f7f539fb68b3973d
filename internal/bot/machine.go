package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"futures-trading-bot/internal/events"
	"futures-trading-bot/internal/exchange"
	"futures-trading-bot/internal/metrics"
)

// Machine drives bot lifecycle transitions. Every transition follows the
// same shape: read state under the per-symbol lock, release the lock for
// exchange I/O, re-acquire and re-validate before applying the result. A
// Version captured before the I/O detects concurrent mutation.
type Machine struct {
	registry *Registry
	gateway  exchange.Gateway
	bus      *events.Bus
	metrics  *metrics.Recorder
	logger   zerolog.Logger
	onTrade  func(TradeRecord)
}

// NewMachine creates the transition driver
func NewMachine(registry *Registry, gateway exchange.Gateway, bus *events.Bus, recorder *metrics.Recorder, logger zerolog.Logger) *Machine {
	return &Machine{
		registry: registry,
		gateway:  gateway,
		bus:      bus,
		metrics:  recorder,
		logger:   logger.With().Str("component", "BotMachine").Logger(),
	}
}

// OnTrade registers a callback invoked once per completed trade
func (m *Machine) OnTrade(fn func(TradeRecord)) {
	m.onTrade = fn
}

// clientID builds a client order id from the bot id, an order tag and the
// record version. Stays under the exchange's 36 char limit.
func clientID(botID, tag string, version int64) string {
	short := botID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("fb-%s-%s%d", short, tag, version)
}

// ==================== ENTRY ====================

// EntryRequest describes a position the machine should acquire
type EntryRequest struct {
	Symbol          string                `json:"symbol"`
	Side            exchange.PositionSide `json:"side"`
	Quantity        float64               `json:"quantity"`
	Price           float64               `json:"price,omitempty"` // 0 -> market order
	StopLossPrice   float64               `json:"stop_loss_price,omitempty"`
	TakeProfitPrice float64               `json:"take_profit_price,omitempty"`
	CreatedBy       string                `json:"created_by"`
}

func (r EntryRequest) validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("entry request missing symbol")
	}
	if r.Side != exchange.PositionSideLong && r.Side != exchange.PositionSideShort {
		return fmt.Errorf("entry request for %s has invalid side %q", r.Symbol, r.Side)
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("entry request for %s has invalid quantity %.8f", r.Symbol, r.Quantity)
	}
	return nil
}

// Enter creates a bot for the symbol and places its entry order. Returns
// ErrBotExists or ErrCapacityExceeded unchanged so callers can skip the
// symbol without treating it as a failure.
func (m *Machine) Enter(ctx context.Context, req EntryRequest) (BotRecord, error) {
	if err := req.validate(); err != nil {
		return BotRecord{}, err
	}

	record := NewBotRecord(req.Symbol, req.Side, req.CreatedBy)
	record.StopLossPrice = req.StopLossPrice
	record.TakeProfitPrice = req.TakeProfitPrice

	created, err := m.registry.TryCreate(record)
	if err != nil {
		return BotRecord{}, err
	}

	// Mark the entry in flight before touching the exchange. A crash
	// between here and the order call leaves an ENTERING record with no
	// fill, which the cleanup worker rolls back after its timeout.
	entryID := clientID(created.ID, "e", created.Version)
	err = m.registry.WithLock(req.Symbol, func(rec *BotRecord) error {
		if err := rec.Transition(StateEntering); err != nil {
			return err
		}
		rec.EntryOrderID = entryID
		return nil
	})
	if err != nil {
		m.registry.Remove(req.Symbol)
		return BotRecord{}, err
	}
	m.transitioned(req.Symbol, StateScanning, StateEntering)

	orderType := exchange.OrderTypeMarket
	if req.Price > 0 {
		orderType = exchange.OrderTypeLimit
	}
	result, err := m.gateway.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:        req.Symbol,
		Side:          entrySide(req.Side),
		Type:          orderType,
		Quantity:      req.Quantity,
		Price:         req.Price,
		ClientOrderID: entryID,
	})
	if err != nil {
		if exchange.IsTransient(err) {
			// Failed-unknown: the order may have reached the exchange.
			// Leave ENTERING for the synchronizer to confirm or the
			// cleanup worker to roll back.
			m.logger.Warn().Str("symbol", req.Symbol).Err(err).
				Msg("entry order failed-unknown, awaiting sync")
			return created, fmt.Errorf("entry order for %s: %w", req.Symbol, err)
		}

		// Definite rejection: roll back and free the slot
		m.rollback(req.Symbol, entryID)
		return BotRecord{}, fmt.Errorf("entry order for %s rejected: %w", req.Symbol, err)
	}

	m.bus.PublishOrderPlaced(result.OrderID, req.Symbol, string(orderType), string(entrySide(req.Side)), req.Price, req.Quantity)

	if result.Status == exchange.OrderStatusFilled && result.ExecutedQty > 0 {
		if err := m.applyFill(req.Symbol, entryID, result.ExecutedQty, result.AvgPrice); err != nil {
			return created, err
		}
	}

	current, _ := m.registry.Get(req.Symbol)
	return current, nil
}

func entrySide(side exchange.PositionSide) exchange.OrderSide {
	if side == exchange.PositionSideLong {
		return exchange.OrderSideBuy
	}
	return exchange.OrderSideSell
}

// applyFill moves ENTERING -> OPEN from an immediate fill
func (m *Machine) applyFill(symbol, entryID string, qty, price float64) error {
	var side exchange.PositionSide
	err := m.registry.WithLock(symbol, func(rec *BotRecord) error {
		if rec.State != StateEntering || rec.EntryOrderID != entryID {
			return fmt.Errorf("%w: %s is %s", ErrStateChanged, symbol, rec.State)
		}
		if err := rec.Transition(StateOpen); err != nil {
			return err
		}
		rec.PositionSize = qty
		rec.EntryPrice = price
		side = rec.Side
		return nil
	})
	if err != nil {
		return err
	}

	m.transitioned(symbol, StateEntering, StateOpen)
	m.bus.PublishTradeOpened(symbol, string(side), price, qty)
	m.logger.Info().Str("symbol", symbol).Str("side", string(side)).
		Float64("qty", qty).Float64("price", price).Msg("position opened")
	return nil
}

// ConfirmOpen moves ENTERING -> OPEN from a synchronizer-observed position.
// A bot already past ENTERING is left alone.
func (m *Machine) ConfirmOpen(symbol string, pos exchange.PositionRecord) error {
	confirmed := false
	var side exchange.PositionSide
	err := m.registry.WithLock(symbol, func(rec *BotRecord) error {
		if rec.State != StateEntering {
			return nil
		}
		if rec.Side != pos.Side {
			return fmt.Errorf("%w: %s bot is %s but exchange reports %s",
				ErrPositionMismatch, symbol, rec.Side, pos.Side)
		}
		if err := rec.Transition(StateOpen); err != nil {
			return err
		}
		rec.PositionSize = pos.Size
		rec.EntryPrice = pos.EntryPrice
		side = rec.Side
		confirmed = true
		return nil
	})
	if err != nil || !confirmed {
		return err
	}

	m.transitioned(symbol, StateEntering, StateOpen)
	m.bus.PublishTradeOpened(symbol, string(side), pos.EntryPrice, pos.Size)
	m.logger.Info().Str("symbol", symbol).Str("side", string(side)).
		Float64("qty", pos.Size).Msg("entry confirmed by sync")
	return nil
}

// RollbackEntry abandons an ENTERING bot whose order never filled. The
// resting order is cancelled and the registry slot freed. If a position
// showed up in the meantime the rollback is aborted for sync to confirm.
func (m *Machine) RollbackEntry(ctx context.Context, symbol, reason string) error {
	current, ok := m.registry.Get(symbol)
	if !ok || current.State != StateEntering {
		return nil
	}

	if err := m.gateway.CancelOpenOrders(ctx, symbol); err != nil {
		return fmt.Errorf("cancelling entry orders for %s: %w", symbol, err)
	}

	// The order may have filled between the timeout check and the cancel
	pos, err := m.gateway.GetPosition(ctx, symbol)
	if err != nil {
		return fmt.Errorf("verifying %s before rollback: %w", symbol, err)
	}
	if pos != nil {
		m.logger.Info().Str("symbol", symbol).Msg("rollback aborted, position exists")
		return m.ConfirmOpen(symbol, *pos)
	}

	m.rollback(symbol, current.EntryOrderID)
	m.logger.Info().Str("symbol", symbol).Str("reason", reason).Msg("entry rolled back")
	return nil
}

// rollback removes an ENTERING record, re-verifying the entry id so a
// concurrently confirmed bot is never destroyed
func (m *Machine) rollback(symbol, entryID string) {
	stale := false
	err := m.registry.WithLock(symbol, func(rec *BotRecord) error {
		if rec.State != StateEntering || rec.EntryOrderID != entryID {
			stale = true
		}
		return nil
	})
	if err != nil || stale {
		return
	}

	if err := m.registry.Remove(symbol); err == nil {
		m.transitioned(symbol, StateEntering, StateScanning)
	}
}

// ==================== PROTECTION ====================

// Protect places the initial stop-loss and take-profit orders and moves
// OPEN -> PROTECTING. Idempotent: resting protective orders found on the
// exchange are adopted instead of re-placed, so a retry after a partial
// failure never duplicates orders.
func (m *Machine) Protect(ctx context.Context, symbol string, stopPrice, takeProfitPrice float64) error {
	current, ok := m.registry.Get(symbol)
	if !ok {
		return fmt.Errorf("%w: %s", ErrBotNotFound, symbol)
	}
	if current.State != StateOpen {
		return nil
	}
	if current.PositionSize <= 0 {
		return fmt.Errorf("protect %s: position size not confirmed", symbol)
	}

	// Check-before-place
	resting, err := m.gateway.GetOpenOrders(ctx, symbol)
	if err != nil {
		return fmt.Errorf("listing open orders for %s: %w", symbol, err)
	}

	stopID := findProtective(resting, exchange.OrderTypeStopMarket)
	if stopID == 0 && stopPrice > 0 {
		result, err := m.placeProtective(ctx, current, exchange.OrderTypeStopMarket, stopPrice)
		if err != nil {
			return fmt.Errorf("placing stop for %s: %w", symbol, err)
		}
		stopID = result.OrderID
	}

	tpID := findProtective(resting, exchange.OrderTypeTakeProfitMarket)
	if tpID == 0 && takeProfitPrice > 0 {
		result, err := m.placeProtective(ctx, current, exchange.OrderTypeTakeProfitMarket, takeProfitPrice)
		if err != nil {
			return fmt.Errorf("placing take profit for %s: %w", symbol, err)
		}
		tpID = result.OrderID
	}

	err = m.registry.WithLock(symbol, func(rec *BotRecord) error {
		if rec.State != StateOpen || rec.Version != current.Version {
			return fmt.Errorf("%w: %s moved during protect", ErrStateChanged, symbol)
		}
		if err := rec.Transition(StateProtecting); err != nil {
			return err
		}
		rec.StopOrderID = stopID
		rec.TakeProfitOrderID = tpID
		rec.StopLossPrice = stopPrice
		rec.TakeProfitPrice = takeProfitPrice
		return nil
	})
	if err != nil {
		// Orders are resting and reduce-only; the next Protect attempt
		// adopts them through the check-before-place pass
		return err
	}

	m.transitioned(symbol, StateOpen, StateProtecting)
	m.bus.PublishProtectionAdjusted(symbol, "initial", stopPrice)
	m.logger.Info().Str("symbol", symbol).
		Float64("stop", stopPrice).Float64("take_profit", takeProfitPrice).
		Msg("protective orders placed")
	return nil
}

func (m *Machine) placeProtective(ctx context.Context, rec BotRecord, orderType exchange.OrderType, triggerPrice float64) (*exchange.OrderResult, error) {
	tag := "sl"
	if orderType == exchange.OrderTypeTakeProfitMarket {
		tag = "tp"
	}
	result, err := m.gateway.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:        rec.Symbol,
		Side:          rec.Side.Opposite(),
		Type:          orderType,
		Quantity:      rec.PositionSize,
		StopPrice:     triggerPrice,
		ReduceOnly:    true,
		ClientOrderID: clientID(rec.ID, tag, rec.Version),
	})
	if err != nil {
		return nil, err
	}
	m.bus.PublishOrderPlaced(result.OrderID, rec.Symbol, string(orderType), string(rec.Side.Opposite()), triggerPrice, rec.PositionSize)
	return result, nil
}

func findProtective(orders []exchange.OpenOrder, orderType exchange.OrderType) int64 {
	for _, o := range orders {
		if o.Type == orderType && o.ReduceOnly {
			return o.OrderID
		}
	}
	return 0
}

// AdjustKind names why a stop is being moved
const (
	AdjustBreakEven = "break_even"
	AdjustTrailing  = "trailing"
)

// Adjust replaces the protective stop with one at newStop, moving
// PROTECTING -> ADJUSTING -> PROTECTING. The new order is placed before
// the old one is cancelled so the position is never unprotected. A stop
// never retreats: a newStop on the wrong side of the current one is a
// no-op.
func (m *Machine) Adjust(ctx context.Context, symbol string, newStop float64, kind string) error {
	if newStop <= 0 {
		return fmt.Errorf("adjust %s: invalid stop price %.8f", symbol, newStop)
	}

	var current BotRecord
	improved := false
	err := m.registry.WithLock(symbol, func(rec *BotRecord) error {
		if rec.State != StateProtecting {
			return nil
		}
		if !stopImproves(rec.Side, rec.StopLossPrice, newStop) {
			return nil
		}
		if err := rec.Transition(StateAdjusting); err != nil {
			return err
		}
		current = rec.Clone()
		improved = true
		return nil
	})
	if err != nil || !improved {
		return err
	}
	m.transitioned(symbol, StateProtecting, StateAdjusting)

	// Version after the ADJUSTING bump, compared before applying
	version := current.Version + 1

	result, err := m.placeProtective(ctx, current, exchange.OrderTypeStopMarket, newStop)
	if err != nil {
		// Old stop still rests, so the position stays protected
		m.revertAdjust(symbol, version)
		return fmt.Errorf("placing adjusted stop for %s: %w", symbol, err)
	}

	if current.StopOrderID > 0 {
		if err := m.gateway.CancelOrder(ctx, symbol, current.StopOrderID); err != nil {
			// Both stops are reduce-only; the stale one is harmless once
			// the new one fills. Cleaned up when the position closes.
			m.logger.Warn().Str("symbol", symbol).
				Int64("order_id", current.StopOrderID).Err(err).
				Msg("stale stop order not cancelled")
		}
	}

	err = m.registry.WithLock(symbol, func(rec *BotRecord) error {
		if rec.State != StateAdjusting || rec.Version != version {
			return fmt.Errorf("%w: %s moved during adjust", ErrStateChanged, symbol)
		}
		if err := rec.Transition(StateProtecting); err != nil {
			return err
		}
		rec.StopLossPrice = newStop
		rec.StopOrderID = result.OrderID
		if kind == AdjustTrailing {
			rec.TrailingActivated = true
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.transitioned(symbol, StateAdjusting, StateProtecting)
	m.bus.PublishProtectionAdjusted(symbol, kind, newStop)
	m.logger.Info().Str("symbol", symbol).Str("kind", kind).
		Float64("old_stop", current.StopLossPrice).Float64("new_stop", newStop).
		Msg("stop adjusted")
	return nil
}

// stopImproves reports whether newStop tightens the stop for the side.
// Long stops only move up, short stops only move down.
func stopImproves(side exchange.PositionSide, oldStop, newStop float64) bool {
	if oldStop <= 0 {
		return true
	}
	if side == exchange.PositionSideLong {
		return newStop > oldStop
	}
	return newStop < oldStop
}

func (m *Machine) revertAdjust(symbol string, version int64) {
	err := m.registry.WithLock(symbol, func(rec *BotRecord) error {
		if rec.State != StateAdjusting || rec.Version != version {
			return nil
		}
		return rec.Transition(StateProtecting)
	})
	if err != nil {
		m.logger.Warn().Str("symbol", symbol).Err(err).Msg("adjust revert failed")
		return
	}
	m.transitioned(symbol, StateAdjusting, StateProtecting)
}

// ==================== EXIT ====================

// RequestExit moves the bot to EXITING. The actual close happens in
// Close, retried by the protective worker until the exchange confirms a
// flat position. Already-exiting and terminal bots are left alone.
func (m *Machine) RequestExit(symbol, reason string) error {
	var from State
	requested := false
	err := m.registry.WithLock(symbol, func(rec *BotRecord) error {
		switch rec.State {
		case StateExiting, StateEmergencyClosing, StateClosed:
			return nil
		}
		from = rec.State
		if err := rec.Transition(StateExiting); err != nil {
			return err
		}
		rec.CloseReason = reason
		requested = true
		return nil
	})
	if err != nil || !requested {
		return err
	}

	m.transitioned(symbol, from, StateExiting)
	m.logger.Info().Str("symbol", symbol).Str("reason", reason).Msg("exit requested")
	return nil
}

// Close settles an EXITING bot. The position size is always re-fetched
// from the exchange first; a size that cannot be resolved fails the
// attempt and leaves the bot in EXITING for retry.
func (m *Machine) Close(ctx context.Context, symbol string) error {
	current, ok := m.registry.Get(symbol)
	if !ok {
		return fmt.Errorf("%w: %s", ErrBotNotFound, symbol)
	}
	if current.State != StateExiting {
		return nil
	}

	return m.settle(ctx, current, exchange.OrderTypeLimit)
}

// EmergencyClose force-closes the bot with a market order from any
// non-terminal state. Same fresh-size rule as Close: an unresolved size
// fails loudly, never guesses.
func (m *Machine) EmergencyClose(ctx context.Context, symbol, reason string) error {
	var from State
	moved := false
	err := m.registry.WithLock(symbol, func(rec *BotRecord) error {
		if rec.State == StateClosed {
			return nil
		}
		if rec.State != StateEmergencyClosing {
			from = rec.State
			if err := rec.Transition(StateEmergencyClosing); err != nil {
				return err
			}
			rec.CloseReason = reason
			moved = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	if moved {
		m.transitioned(symbol, from, StateEmergencyClosing)
		m.bus.PublishEmergencyClose(symbol, reason)
		m.logger.Error().Str("symbol", symbol).Str("reason", reason).Msg("emergency close")
	}

	current, ok := m.registry.Get(symbol)
	if !ok || current.State != StateEmergencyClosing {
		return nil
	}

	return m.settle(ctx, current, exchange.OrderTypeMarket)
}

// settle cancels resting orders, closes whatever position the exchange
// reports, and finalizes the record once the exchange confirms flat.
func (m *Machine) settle(ctx context.Context, current BotRecord, orderType exchange.OrderType) error {
	symbol := current.Symbol

	if err := m.gateway.CancelOpenOrders(ctx, symbol); err != nil {
		m.logger.Warn().Str("symbol", symbol).Err(err).Msg("cancelling resting orders before close")
	}

	pos, err := m.gateway.GetPosition(ctx, symbol)
	if err != nil {
		m.metrics.RecordExchangeError("get_position")
		return fmt.Errorf("%w: %s close aborted: %v", exchange.ErrUnresolvedSize, symbol, err)
	}
	if pos == nil {
		// Closed externally or by a protective fill
		return m.finalize(ctx, symbol, current.State, 0, 0)
	}

	result, err := m.gateway.ClosePosition(ctx, exchange.CloseRequest{
		Symbol:        symbol,
		Side:          pos.Side,
		Size:          pos.Size,
		Type:          orderType,
		ClientOrderID: clientID(current.ID, "x", current.Version),
	})
	if err != nil {
		if errors.Is(err, exchange.ErrNoPosition) {
			return m.finalize(ctx, symbol, current.State, 0, 0)
		}
		m.metrics.RecordExchangeError("close_position")
		return fmt.Errorf("closing %s: %w", symbol, err)
	}

	// Confirm flat before finalizing
	remaining, err := m.gateway.GetPosition(ctx, symbol)
	if err != nil {
		return fmt.Errorf("%w: %s close unconfirmed: %v", exchange.ErrUnresolvedSize, symbol, err)
	}
	if remaining != nil {
		m.logger.Info().Str("symbol", symbol).
			Float64("remaining", remaining.Size).Msg("partial close, retrying next cycle")
		return nil
	}

	return m.finalize(ctx, symbol, current.State, result.AvgPrice, pos.Size)
}

// finalize moves the bot to CLOSED, removes it from the registry and
// emits the trade record. exitPrice 0 means the fill price is unknown
// (external close); the current mark price is used best-effort.
// closedSize, when known, overrides the record's cached size so the
// trade summary reflects what actually closed.
func (m *Machine) finalize(ctx context.Context, symbol string, from State, exitPrice, closedSize float64) error {
	if exitPrice <= 0 {
		if price, err := m.gateway.CurrentPrice(ctx, symbol); err == nil {
			exitPrice = price
		}
	}

	var trade TradeRecord
	closed := false
	err := m.registry.WithLock(symbol, func(rec *BotRecord) error {
		if rec.State == StateClosed {
			return nil
		}
		if err := rec.Transition(StateClosed); err != nil {
			return err
		}
		if closedSize > 0 {
			rec.PositionSize = closedSize
		}
		trade = newTradeRecord(rec, exitPrice, rec.CloseReason)
		closed = true
		return nil
	})
	if err != nil || !closed {
		return err
	}

	if err := m.registry.Remove(symbol); err != nil && !errors.Is(err, ErrBotNotFound) {
		m.logger.Warn().Str("symbol", symbol).Err(err).Msg("removing closed bot")
	}

	m.transitioned(symbol, from, StateClosed)
	m.metrics.RecordTradeClosed(trade.PnLPercent)
	m.bus.PublishTradeClosed(symbol, trade.EntryPrice, trade.ExitPrice, trade.Size, trade.PnL, trade.PnLPercent)
	if m.onTrade != nil {
		m.onTrade(trade)
	}

	m.logger.Info().Str("symbol", symbol).
		Float64("pnl", trade.PnL).Float64("pnl_percent", trade.PnLPercent).
		Str("reason", trade.Reason).Msg("trade closed")
	return nil
}

func (m *Machine) transitioned(symbol string, from, to State) {
	m.metrics.RecordTransition(string(from), string(to))
	m.bus.PublishStateChanged(symbol, string(from), string(to))
}

// ==================== MAINTENANCE ====================

// entryAge returns how long a bot has sat in ENTERING, or 0
func entryAge(rec BotRecord, now time.Time) time.Duration {
	if rec.State != StateEntering {
		return 0
	}
	return now.Sub(rec.LastActionAt)
}

// DescribeOrders renders the live protective order ids for logging
func DescribeOrders(rec BotRecord) string {
	parts := make([]string, 0, 2)
	if rec.StopOrderID > 0 {
		parts = append(parts, fmt.Sprintf("sl=%d", rec.StopOrderID))
	}
	if rec.TakeProfitOrderID > 0 {
		parts = append(parts, fmt.Sprintf("tp=%d", rec.TakeProfitOrderID))
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, " ")
}
