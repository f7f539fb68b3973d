package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// PaperGateway is an in-memory exchange for dry-run mode. Market and limit
// orders fill instantly at the feed price; stop-type orders rest as open
// orders so protective-order bookkeeping behaves like the real venue.
type PaperGateway struct {
	mu          sync.RWMutex
	feed        MarketData
	positions   map[string]*paperPosition // keyed by symbol
	openOrders  map[string][]OpenOrder    // keyed by symbol
	balance     float64
	nextOrderID int64
	logger      zerolog.Logger
}

type paperPosition struct {
	symbol     string
	amount     float64 // signed: positive long, negative short
	entryPrice float64
	openedAt   time.Time
}

// NewPaperGateway creates a paper exchange backed by feed for prices
func NewPaperGateway(initialBalance float64, feed MarketData, logger zerolog.Logger) *PaperGateway {
	return &PaperGateway{
		feed:        feed,
		positions:   make(map[string]*paperPosition),
		openOrders:  make(map[string][]OpenOrder),
		balance:     initialBalance,
		nextOrderID: 1000,
		logger:      logger.With().Str("component", "PaperGateway").Logger(),
	}
}

// ==================== MARKET DATA ====================

func (g *PaperGateway) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	return g.feed.GetKlines(ctx, symbol, interval, limit)
}

func (g *PaperGateway) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	return g.feed.CurrentPrice(ctx, symbol)
}

// ==================== ACCOUNT ====================

func (g *PaperGateway) GetPositions(ctx context.Context) ([]PositionRecord, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	records := make([]PositionRecord, 0, len(g.positions))
	for _, pos := range g.positions {
		if rec, ok := g.recordLocked(ctx, pos); ok {
			records = append(records, rec)
		}
	}
	return records, nil
}

func (g *PaperGateway) GetPosition(ctx context.Context, symbol string) (*PositionRecord, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	pos, exists := g.positions[symbol]
	if !exists {
		return nil, nil
	}
	rec, ok := g.recordLocked(ctx, pos)
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (g *PaperGateway) GetBalance(ctx context.Context) (*Balance, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return &Balance{Asset: "USDT", Total: g.balance, Available: g.balance}, nil
}

// recordLocked builds a PositionRecord with a live mark price. Falls back
// to the entry price when the feed is unavailable.
func (g *PaperGateway) recordLocked(ctx context.Context, pos *paperPosition) (PositionRecord, bool) {
	if pos.amount == 0 {
		return PositionRecord{}, false
	}

	markPrice := pos.entryPrice
	if price, err := g.feed.CurrentPrice(ctx, pos.symbol); err == nil && price > 0 {
		markPrice = price
	}

	side := PositionSideLong
	size := pos.amount
	pnl := (markPrice - pos.entryPrice) * pos.amount
	if pos.amount < 0 {
		side = PositionSideShort
		size = -pos.amount
	}

	return PositionRecord{
		Symbol:        pos.symbol,
		Side:          side,
		Size:          size,
		EntryPrice:    pos.entryPrice,
		MarkPrice:     markPrice,
		UnrealizedPnL: pnl,
		Leverage:      1,
		UpdatedAt:     time.Now(),
	}, true
}

// ==================== TRADING ====================

func (g *PaperGateway) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("invalid order quantity %.8f", req.Quantity)
	}

	// Stop-type orders rest, they do not fill
	if req.Type == OrderTypeStopMarket || req.Type == OrderTypeTakeProfitMarket {
		return g.restOrder(req)
	}

	fillPrice, err := g.fillPrice(ctx, req)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	orderID := g.nextOrderID
	g.nextOrderID++

	qty := req.Quantity
	if req.Side == OrderSideSell {
		qty = -req.Quantity
	}
	g.applyFillLocked(req.Symbol, qty, fillPrice)

	return &OrderResult{
		OrderID:       orderID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Status:        OrderStatusFilled,
		ExecutedQty:   req.Quantity,
		AvgPrice:      fillPrice,
	}, nil
}

func (g *PaperGateway) ClosePosition(ctx context.Context, req CloseRequest) (*OrderResult, error) {
	if req.Size <= 0 {
		return nil, fmt.Errorf("%w: close size %.8f", ErrUnresolvedSize, req.Size)
	}

	orderType := req.Type
	if orderType == "" {
		orderType = OrderTypeLimit
	}

	fillPrice := req.Price
	if orderType == OrderTypeMarket || fillPrice <= 0 {
		price, err := g.feed.CurrentPrice(ctx, req.Symbol)
		if err != nil {
			return nil, Transient(fmt.Errorf("close fill price for %s: %w", req.Symbol, err))
		}
		fillPrice = price
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	pos, exists := g.positions[req.Symbol]
	if !exists || pos.amount == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoPosition, req.Symbol)
	}

	held := pos.amount
	if req.Side == PositionSideShort {
		held = -held
	}
	if held <= 0 {
		return nil, fmt.Errorf("close side %s does not match held position on %s", req.Side, req.Symbol)
	}

	closeQty := req.Size
	if closeQty > held {
		closeQty = held
	}

	signed := -closeQty
	if req.Side == PositionSideShort {
		signed = closeQty
	}
	g.applyFillLocked(req.Symbol, signed, fillPrice)

	orderID := g.nextOrderID
	g.nextOrderID++

	return &OrderResult{
		OrderID:       orderID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Status:        OrderStatusFilled,
		ExecutedQty:   closeQty,
		AvgPrice:      fillPrice,
	}, nil
}

// applyFillLocked merges a signed fill into the book and realizes PnL on
// reductions. Caller holds the write lock.
func (g *PaperGateway) applyFillLocked(symbol string, qty, price float64) {
	pos, exists := g.positions[symbol]
	if !exists {
		pos = &paperPosition{symbol: symbol, openedAt: time.Now()}
		g.positions[symbol] = pos
	}

	oldAmt := pos.amount
	newAmt := oldAmt + qty

	switch {
	case oldAmt == 0:
		pos.entryPrice = price
	case (oldAmt > 0) == (qty > 0):
		// Adding to the position: average the entry
		totalCost := pos.entryPrice*abs(oldAmt) + price*abs(qty)
		pos.entryPrice = totalCost / abs(newAmt)
	default:
		// Reducing (or flipping): realize PnL on the reduced part
		reduced := abs(qty)
		if reduced > abs(oldAmt) {
			reduced = abs(oldAmt)
		}
		direction := 1.0
		if oldAmt < 0 {
			direction = -1.0
		}
		g.balance += (price - pos.entryPrice) * reduced * direction
		if (newAmt > 0) != (oldAmt > 0) && newAmt != 0 {
			pos.entryPrice = price
		}
	}

	pos.amount = newAmt
	if pos.amount == 0 {
		delete(g.positions, symbol)
	}
}

func (g *PaperGateway) fillPrice(ctx context.Context, req OrderRequest) (float64, error) {
	if req.Type == OrderTypeLimit && req.Price > 0 {
		return req.Price, nil
	}
	price, err := g.feed.CurrentPrice(ctx, req.Symbol)
	if err != nil {
		return 0, Transient(fmt.Errorf("fill price for %s: %w", req.Symbol, err))
	}
	return price, nil
}

func (g *PaperGateway) restOrder(req OrderRequest) (*OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	orderID := g.nextOrderID
	g.nextOrderID++

	g.openOrders[req.Symbol] = append(g.openOrders[req.Symbol], OpenOrder{
		OrderID:       orderID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		Quantity:      req.Quantity,
		ReduceOnly:    req.ReduceOnly,
	})

	return &OrderResult{
		OrderID:       orderID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Status:        OrderStatusNew,
		ExecutedQty:   0,
		AvgPrice:      req.StopPrice,
	}, nil
}

func (g *PaperGateway) GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	orders := make([]OpenOrder, len(g.openOrders[symbol]))
	copy(orders, g.openOrders[symbol])
	return orders, nil
}

func (g *PaperGateway) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	orders := g.openOrders[symbol]
	for i, o := range orders {
		if o.OrderID == orderID {
			g.openOrders[symbol] = append(orders[:i], orders[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("order %d not found on %s", orderID, symbol)
}

func (g *PaperGateway) CancelOpenOrders(ctx context.Context, symbol string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.openOrders, symbol)
	return nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
