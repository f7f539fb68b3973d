package bot

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"futures-trading-bot/internal/exchange"
)

// State is the lifecycle state of one managed bot
type State string

const (
	StateScanning         State = "SCANNING"
	StateEntering         State = "ENTERING"
	StateOpen             State = "OPEN"
	StateProtecting       State = "PROTECTING"
	StateAdjusting        State = "ADJUSTING"
	StateExiting          State = "EXITING"
	StateEmergencyClosing State = "EMERGENCY_CLOSING"
	StateClosed           State = "CLOSED"
)

// Terminal reports whether the state ends the bot's lifecycle
func (s State) Terminal() bool {
	return s == StateClosed
}

// validTransitions is the full transition table. EXITING and
// EMERGENCY_CLOSING are reachable from every non-terminal state.
var validTransitions = map[State][]State{
	StateScanning:         {StateEntering, StateExiting, StateEmergencyClosing},
	StateEntering:         {StateOpen, StateScanning, StateExiting, StateEmergencyClosing},
	StateOpen:             {StateProtecting, StateAdjusting, StateExiting, StateEmergencyClosing},
	StateProtecting:       {StateAdjusting, StateExiting, StateEmergencyClosing},
	StateAdjusting:        {StateProtecting, StateExiting, StateEmergencyClosing},
	StateExiting:          {StateClosed, StateEmergencyClosing},
	StateEmergencyClosing: {StateClosed},
	StateClosed:           {},
}

// CanTransition reports whether from -> to is a legal lifecycle step
func CanTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

var (
	// ErrBotExists means a bot already holds the symbol
	ErrBotExists = errors.New("bot already exists for symbol")

	// ErrCapacityExceeded means the registry is at its concurrent-bot limit
	ErrCapacityExceeded = errors.New("bot capacity exceeded")

	// ErrBotNotFound means no bot holds the symbol
	ErrBotNotFound = errors.New("bot not found")

	// ErrInvalidTransition means the requested lifecycle step is not legal
	// from the bot's current state
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrStateChanged means the bot was mutated by another worker between
	// reading its state and applying a result. The caller re-reads and
	// retries or abandons the operation.
	ErrStateChanged = errors.New("bot state changed concurrently")

	// ErrPositionMismatch means the exchange-reported position disagrees
	// with the local record beyond the grace period
	ErrPositionMismatch = errors.New("position mismatch")
)

// BotRecord is the authoritative local state of one managed bot. It is owned
// by the Registry and mutated only under the per-symbol lock.
type BotRecord struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	State  State  `json:"state"`

	Side            exchange.PositionSide `json:"side"`
	PositionSize    float64               `json:"position_size"`
	EntryPrice      float64               `json:"entry_price"`
	StopLossPrice   float64               `json:"stop_loss_price"`
	TakeProfitPrice float64               `json:"take_profit_price"`

	TrailingActivated bool `json:"trailing_activated"`

	// EntryOrderID is the client order id of the pending entry, used to
	// confirm fills and to cancel on rollback
	EntryOrderID string `json:"entry_order_id,omitempty"`
	// StopOrderID is the exchange order id of the live protective stop
	StopOrderID int64 `json:"stop_order_id,omitempty"`
	// TakeProfitOrderID is the exchange order id of the live take profit
	TakeProfitOrderID int64 `json:"take_profit_order_id,omitempty"`

	// CreatedBy records what opened the bot: "auto" or "manual"
	CreatedBy string `json:"created_by"`
	// CloseReason is set when the bot heads to CLOSED
	CloseReason string `json:"close_reason,omitempty"`

	// Version increments on every mutation. Workers capture it before
	// releasing the lock for I/O and compare before applying the result.
	Version int64 `json:"version"`

	CreatedAt    time.Time `json:"created_at"`
	LastActionAt time.Time `json:"last_action_at"`
}

// NewBotRecord creates a SCANNING record for the symbol
func NewBotRecord(symbol string, side exchange.PositionSide, createdBy string) *BotRecord {
	now := time.Now()
	return &BotRecord{
		ID:           uuid.NewString(),
		Symbol:       symbol,
		State:        StateScanning,
		Side:         side,
		CreatedBy:    createdBy,
		Version:      1,
		CreatedAt:    now,
		LastActionAt: now,
	}
}

// Clone returns an independent copy safe to hand outside the lock
func (r *BotRecord) Clone() BotRecord {
	return *r
}

// Transition moves the record to the next state, validating the step
func (r *BotRecord) Transition(to State) error {
	if !CanTransition(r.State, to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, r.Symbol, r.State, to)
	}
	r.State = to
	return nil
}

// Active reports whether the bot holds or is acquiring a position
func (r *BotRecord) Active() bool {
	switch r.State {
	case StateOpen, StateProtecting, StateAdjusting:
		return true
	}
	return false
}

// TradeRecord is the durable summary of one completed trade
type TradeRecord struct {
	ID         string                `json:"id"`
	BotID      string                `json:"bot_id"`
	Symbol     string                `json:"symbol"`
	Side       exchange.PositionSide `json:"side"`
	Size       float64               `json:"size"`
	EntryPrice float64               `json:"entry_price"`
	ExitPrice  float64               `json:"exit_price"`
	PnL        float64               `json:"pnl"`
	PnLPercent float64               `json:"pnl_percent"`
	Reason     string                `json:"reason"`
	OpenedAt   time.Time             `json:"opened_at"`
	ClosedAt   time.Time             `json:"closed_at"`
}

// newTradeRecord derives the trade summary from a closing bot
func newTradeRecord(record *BotRecord, exitPrice float64, reason string) TradeRecord {
	pnl := 0.0
	pnlPercent := 0.0
	if record.EntryPrice > 0 && exitPrice > 0 {
		direction := 1.0
		if record.Side == exchange.PositionSideShort {
			direction = -1.0
		}
		pnl = (exitPrice - record.EntryPrice) * record.PositionSize * direction
		pnlPercent = (exitPrice - record.EntryPrice) / record.EntryPrice * 100 * direction
	}
	return TradeRecord{
		ID:         uuid.NewString(),
		BotID:      record.ID,
		Symbol:     record.Symbol,
		Side:       record.Side,
		Size:       record.PositionSize,
		EntryPrice: record.EntryPrice,
		ExitPrice:  exitPrice,
		PnL:        pnl,
		PnLPercent: pnlPercent,
		Reason:     reason,
		OpenedAt:   record.CreatedAt,
		ClosedAt:   time.Now(),
	}
}
