package market

import (
	"errors"
	"fmt"

	"futures-trading-bot/internal/exchange"
)

var (
	// ErrSeriesGap means the candle window skips or repeats an interval and
	// must be refetched before indicators are computed over it
	ErrSeriesGap = errors.New("candle series has a gap")

	// ErrSeriesTooShort means the window holds fewer bars than indicators need
	ErrSeriesTooShort = errors.New("candle series too short")
)

// CandleSeries is an ordered OHLCV window for one symbol and interval
type CandleSeries struct {
	Symbol   string
	Interval string
	Candles  []exchange.Candle
}

// NewCandleSeries validates the raw klines and wraps them. Candles must be
// ascending by open time with uniform spacing.
func NewCandleSeries(symbol, interval string, candles []exchange.Candle) (*CandleSeries, error) {
	s := &CandleSeries{
		Symbol:   symbol,
		Interval: interval,
		Candles:  candles,
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks ordering and contiguity of the window
func (s *CandleSeries) Validate() error {
	if len(s.Candles) < 2 {
		return fmt.Errorf("%w: %s has %d candles", ErrSeriesTooShort, s.Symbol, len(s.Candles))
	}

	spacing := s.Candles[1].OpenTime - s.Candles[0].OpenTime
	if spacing <= 0 {
		return fmt.Errorf("%w: %s candles not ascending", ErrSeriesGap, s.Symbol)
	}

	for i := 2; i < len(s.Candles); i++ {
		delta := s.Candles[i].OpenTime - s.Candles[i-1].OpenTime
		if delta != spacing {
			return fmt.Errorf("%w: %s at index %d (expected spacing %dms, got %dms)",
				ErrSeriesGap, s.Symbol, i, spacing, delta)
		}
	}

	return nil
}

// Len returns the number of candles in the window
func (s *CandleSeries) Len() int {
	return len(s.Candles)
}

// Last returns the most recent candle
func (s *CandleSeries) Last() exchange.Candle {
	return s.Candles[len(s.Candles)-1]
}
