package bot

import (
	"errors"
	"math"
	"testing"

	"futures-trading-bot/internal/exchange"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateScanning, StateEntering, true},
		{StateEntering, StateOpen, true},
		{StateEntering, StateScanning, true}, // rollback
		{StateOpen, StateProtecting, true},
		{StateProtecting, StateAdjusting, true},
		{StateAdjusting, StateProtecting, true},
		{StateProtecting, StateExiting, true},
		{StateExiting, StateClosed, true},
		{StateEmergencyClosing, StateClosed, true},

		// Emergency close reachable from every non-terminal state
		{StateScanning, StateEmergencyClosing, true},
		{StateEntering, StateEmergencyClosing, true},
		{StateOpen, StateEmergencyClosing, true},
		{StateProtecting, StateEmergencyClosing, true},
		{StateAdjusting, StateEmergencyClosing, true},
		{StateExiting, StateEmergencyClosing, true},

		{StateScanning, StateOpen, false},
		{StateOpen, StateScanning, false},
		{StateOpen, StateClosed, false},
		{StateProtecting, StateOpen, false},
		{StateClosed, StateScanning, false},
		{StateClosed, StateEmergencyClosing, false},
		{StateAdjusting, StateOpen, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestRecordTransitionValidation(t *testing.T) {
	rec := NewBotRecord("BTCUSDT", exchange.PositionSideLong, "auto")

	if rec.State != StateScanning {
		t.Fatalf("new record state = %s, want SCANNING", rec.State)
	}
	if err := rec.Transition(StateOpen); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("SCANNING -> OPEN error = %v, want ErrInvalidTransition", err)
	}
	if rec.State != StateScanning {
		t.Errorf("state after rejected transition = %s, want SCANNING", rec.State)
	}

	for _, next := range []State{StateEntering, StateOpen, StateProtecting, StateExiting, StateClosed} {
		if err := rec.Transition(next); err != nil {
			t.Fatalf("transition to %s: %v", next, err)
		}
	}
	if !rec.State.Terminal() {
		t.Errorf("CLOSED not terminal")
	}
}

func TestRecordActive(t *testing.T) {
	tests := []struct {
		state State
		want  bool
	}{
		{StateScanning, false},
		{StateEntering, false},
		{StateOpen, true},
		{StateProtecting, true},
		{StateAdjusting, true},
		{StateExiting, false},
		{StateEmergencyClosing, false},
		{StateClosed, false},
	}
	for _, tt := range tests {
		rec := BotRecord{State: tt.state}
		if got := rec.Active(); got != tt.want {
			t.Errorf("Active() in %s = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestNewTradeRecordPnL(t *testing.T) {
	tests := []struct {
		name       string
		side       exchange.PositionSide
		entry      float64
		exit       float64
		size       float64
		wantPnL    float64
		wantPnLPct float64
	}{
		{"long win", exchange.PositionSideLong, 100, 110, 2, 20, 10},
		{"long loss", exchange.PositionSideLong, 100, 95, 2, -10, -5},
		{"short win", exchange.PositionSideShort, 100, 90, 3, 30, 10},
		{"short loss", exchange.PositionSideShort, 100, 104, 3, -12, -4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := NewBotRecord("ETHUSDT", tt.side, "auto")
			rec.EntryPrice = tt.entry
			rec.PositionSize = tt.size

			trade := newTradeRecord(rec, tt.exit, "test")
			if math.Abs(trade.PnL-tt.wantPnL) > 1e-9 {
				t.Errorf("PnL = %.4f, want %.4f", trade.PnL, tt.wantPnL)
			}
			if math.Abs(trade.PnLPercent-tt.wantPnLPct) > 1e-9 {
				t.Errorf("PnLPercent = %.4f, want %.4f", trade.PnLPercent, tt.wantPnLPct)
			}
			if trade.Symbol != "ETHUSDT" || trade.BotID != rec.ID {
				t.Errorf("trade identity fields not carried over: %+v", trade)
			}
		})
	}
}

func TestNewTradeRecordUnknownExit(t *testing.T) {
	rec := NewBotRecord("BTCUSDT", exchange.PositionSideLong, "auto")
	rec.EntryPrice = 100
	rec.PositionSize = 1

	trade := newTradeRecord(rec, 0, "external")
	if trade.PnL != 0 || trade.PnLPercent != 0 {
		t.Errorf("unknown exit price should yield zero PnL, got %.4f / %.4f", trade.PnL, trade.PnLPercent)
	}
}
