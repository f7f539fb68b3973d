package exchange

import "context"

// MarketData is the public market-data surface. It needs no credentials
// and is safe to hit from the indicator refresh path.
type MarketData interface {
	// GetKlines returns up to limit bars for symbol+interval, oldest first
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)

	// CurrentPrice returns the latest mark price for a symbol
	CurrentPrice(ctx context.Context, symbol string) (float64, error)
}

// Gateway is the full exchange capability surface the bot engine drives.
// Every call takes a context with a bounded timeout. A context timeout means
// failed-unknown, not failed-confirmed: callers re-verify through the
// position synchronizer before assuming an order did not execute.
type Gateway interface {
	MarketData

	// GetPositions returns all open positions (zero-size entries filtered out)
	GetPositions(ctx context.Context) ([]PositionRecord, error)

	// GetPosition returns the open position for a symbol, or nil if flat
	GetPosition(ctx context.Context, symbol string) (*PositionRecord, error)

	// PlaceOrder submits an order
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)

	// ClosePosition closes size of an open position. Size and Side are
	// mandatory; Type defaults to LIMIT when zero-valued.
	ClosePosition(ctx context.Context, req CloseRequest) (*OrderResult, error)

	// GetOpenOrders lists resting orders for a symbol
	GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)

	// CancelOrder cancels one resting order by exchange order ID
	CancelOrder(ctx context.Context, symbol string, orderID int64) error

	// CancelOpenOrders cancels all resting orders for a symbol
	CancelOpenOrders(ctx context.Context, symbol string) error

	// GetBalance returns the quote-asset account balance
	GetBalance(ctx context.Context) (*Balance, error)
}
