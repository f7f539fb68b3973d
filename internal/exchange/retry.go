package exchange

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
)

const (
	defaultMaxRetries  = 3
	defaultCallTimeout = 10 * time.Second
	baseRetryDelay     = 500 * time.Millisecond
	maxRetryDelay      = 5 * time.Second
)

// Retrier wraps a Gateway with the process-wide retry policy: bounded
// attempts, exponential backoff with jitter, retries only on transient
// errors, and a per-attempt timeout. Order submissions additionally check
// for an already-resting order with the same client ID before resubmitting,
// so a timed-out attempt can never turn into a duplicate order.
type Retrier struct {
	next        Gateway
	maxRetries  int
	callTimeout time.Duration
	logger      zerolog.Logger
}

// NewRetrier wraps gw with the default retry policy
func NewRetrier(gw Gateway, logger zerolog.Logger) *Retrier {
	return &Retrier{
		next:        gw,
		maxRetries:  defaultMaxRetries,
		callTimeout: defaultCallTimeout,
		logger:      logger.With().Str("component", "ExchangeRetrier").Logger(),
	}
}

func (r *Retrier) newBackoff() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    baseRetryDelay,
		Max:    maxRetryDelay,
		Factor: 2,
		Jitter: true,
	}
}

// do runs fn up to maxRetries+1 times, sleeping per the backoff policy
// between transient failures. Each attempt gets its own timeout.
func (r *Retrier) do(ctx context.Context, op string, fn func(context.Context) error) error {
	b := r.newBackoff()
	var lastErr error

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			return nil
		}
		lastErr = err

		if !IsTransient(err) || attempt == r.maxRetries {
			return lastErr
		}

		delay := b.Duration()
		r.logger.Warn().
			Str("op", op).
			Int("attempt", attempt+1).
			Dur("retry_in", delay).
			Err(err).
			Msg("transient exchange error, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return lastErr
}

// findRestingOrder looks for an open order carrying clientOrderID. Used
// before retrying a submission whose first attempt failed-unknown.
func (r *Retrier) findRestingOrder(ctx context.Context, symbol, clientOrderID string) *OrderResult {
	if clientOrderID == "" {
		return nil
	}

	checkCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	orders, err := r.next.GetOpenOrders(checkCtx, symbol)
	if err != nil {
		return nil
	}
	for _, o := range orders {
		if o.ClientOrderID == clientOrderID {
			return &OrderResult{
				OrderID:       o.OrderID,
				ClientOrderID: o.ClientOrderID,
				Symbol:        o.Symbol,
				Status:        OrderStatusNew,
				ExecutedQty:   0,
				AvgPrice:      o.Price,
			}
		}
	}
	return nil
}

// ==================== MARKET DATA ====================

func (r *Retrier) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	var out []Candle
	err := r.do(ctx, "get_klines", func(c context.Context) error {
		var err error
		out, err = r.next.GetKlines(c, symbol, interval, limit)
		return err
	})
	return out, err
}

func (r *Retrier) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	var out float64
	err := r.do(ctx, "current_price", func(c context.Context) error {
		var err error
		out, err = r.next.CurrentPrice(c, symbol)
		return err
	})
	return out, err
}

// ==================== ACCOUNT ====================

func (r *Retrier) GetPositions(ctx context.Context) ([]PositionRecord, error) {
	var out []PositionRecord
	err := r.do(ctx, "get_positions", func(c context.Context) error {
		var err error
		out, err = r.next.GetPositions(c)
		return err
	})
	return out, err
}

func (r *Retrier) GetPosition(ctx context.Context, symbol string) (*PositionRecord, error) {
	var out *PositionRecord
	err := r.do(ctx, "get_position", func(c context.Context) error {
		var err error
		out, err = r.next.GetPosition(c, symbol)
		return err
	})
	return out, err
}

func (r *Retrier) GetBalance(ctx context.Context) (*Balance, error) {
	var out *Balance
	err := r.do(ctx, "get_balance", func(c context.Context) error {
		var err error
		out, err = r.next.GetBalance(c)
		return err
	})
	return out, err
}

// ==================== TRADING ====================

func (r *Retrier) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	var out *OrderResult
	first := true
	err := r.do(ctx, "place_order", func(c context.Context) error {
		if !first {
			if resting := r.findRestingOrder(c, req.Symbol, req.ClientOrderID); resting != nil {
				r.logger.Info().
					Str("symbol", req.Symbol).
					Str("client_order_id", req.ClientOrderID).
					Msg("order already resting, skipping resubmit")
				out = resting
				return nil
			}
		}
		first = false

		var err error
		out, err = r.next.PlaceOrder(c, req)
		return err
	})
	return out, err
}

func (r *Retrier) ClosePosition(ctx context.Context, req CloseRequest) (*OrderResult, error) {
	var out *OrderResult
	first := true
	err := r.do(ctx, "close_position", func(c context.Context) error {
		if !first {
			if resting := r.findRestingOrder(c, req.Symbol, req.ClientOrderID); resting != nil {
				out = resting
				return nil
			}
		}
		first = false

		var err error
		out, err = r.next.ClosePosition(c, req)
		return err
	})
	return out, err
}

func (r *Retrier) GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	var out []OpenOrder
	err := r.do(ctx, "get_open_orders", func(c context.Context) error {
		var err error
		out, err = r.next.GetOpenOrders(c, symbol)
		return err
	})
	return out, err
}

func (r *Retrier) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	return r.do(ctx, "cancel_order", func(c context.Context) error {
		return r.next.CancelOrder(c, symbol, orderID)
	})
}

func (r *Retrier) CancelOpenOrders(ctx context.Context, symbol string) error {
	return r.do(ctx, "cancel_open_orders", func(c context.Context) error {
		return r.next.CancelOpenOrders(c, symbol)
	})
}
