package signal

import (
	"time"
)

// Direction is the outcome of one evaluation cycle
type Direction string

const (
	DirectionLong      Direction = "LONG"
	DirectionShort     Direction = "SHORT"
	DirectionWait      Direction = "WAIT"
	DirectionExitLong  Direction = "EXIT_LONG"
	DirectionExitShort Direction = "EXIT_SHORT"
)

// Entry reports whether the direction opens a new position
func (d Direction) Entry() bool {
	return d == DirectionLong || d == DirectionShort
}

// Exit reports whether the direction closes an existing position
func (d Direction) Exit() bool {
	return d == DirectionExitLong || d == DirectionExitShort
}

// Signal is a single trading decision with its full reason trace. Signals
// are consumed within the cycle that produced them and never persisted.
type Signal struct {
	Symbol      string    `json:"symbol"`
	Direction   Direction `json:"direction"`
	Confidence  float64   `json:"confidence"`
	Reasons     []string  `json:"reasons"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Prediction is a directional opinion from the ML advisor
type Prediction struct {
	Direction  Direction `json:"direction"`
	Confidence float64   `json:"confidence"`
}
