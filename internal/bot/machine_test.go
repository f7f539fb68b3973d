package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"futures-trading-bot/internal/events"
	"futures-trading-bot/internal/exchange"
	"futures-trading-bot/internal/logging"
)

// fakeGateway is a scripted exchange. Positions and resting orders are
// set directly by tests; the ops log records call ordering.
type fakeGateway struct {
	mu               sync.Mutex
	price            float64
	priceErr         error
	klines           map[string][]exchange.Candle
	positions        map[string]exchange.PositionRecord
	positionErr      error
	orders           map[string][]exchange.OpenOrder
	ordersErr        error
	placeErr         error
	closeErr         error
	restOnly         bool    // entry orders rest instead of filling
	remainAfterClose float64 // size left open after a close fills
	nextID           int64
	placed           []exchange.OrderRequest
	closes           []exchange.CloseRequest
	ops              []string
}

func newFakeGateway(price float64) *fakeGateway {
	return &fakeGateway{
		price:     price,
		klines:    make(map[string][]exchange.Candle),
		positions: make(map[string]exchange.PositionRecord),
		orders:    make(map[string][]exchange.OpenOrder),
		nextID:    100,
	}
}

func (g *fakeGateway) setPosition(pos exchange.PositionRecord) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.positions[pos.Symbol] = pos
}

func (g *fakeGateway) opLog() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.ops))
	copy(out, g.ops)
	return out
}

func (g *fakeGateway) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]exchange.Candle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.klines[symbol], nil
}

func (g *fakeGateway) setKlines(symbol string, candles []exchange.Candle) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.klines[symbol] = candles
}

func (g *fakeGateway) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.priceErr != nil {
		return 0, g.priceErr
	}
	return g.price, nil
}

func (g *fakeGateway) GetPositions(ctx context.Context) ([]exchange.PositionRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.positionErr != nil {
		return nil, g.positionErr
	}
	out := make([]exchange.PositionRecord, 0, len(g.positions))
	for _, pos := range g.positions {
		out = append(out, pos)
	}
	return out, nil
}

func (g *fakeGateway) GetPosition(ctx context.Context, symbol string) (*exchange.PositionRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.positionErr != nil {
		return nil, g.positionErr
	}
	pos, ok := g.positions[symbol]
	if !ok {
		return nil, nil
	}
	out := pos
	return &out, nil
}

func (g *fakeGateway) GetBalance(ctx context.Context) (*exchange.Balance, error) {
	return &exchange.Balance{Asset: "USDT", Total: 10000, Available: 10000}, nil
}

func (g *fakeGateway) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.placeErr != nil {
		return nil, g.placeErr
	}

	g.nextID++
	id := g.nextID
	g.placed = append(g.placed, req)
	g.ops = append(g.ops, fmt.Sprintf("place:%s:%.2f", req.Type, req.StopPrice))

	resting := req.Type == exchange.OrderTypeStopMarket || req.Type == exchange.OrderTypeTakeProfitMarket || g.restOnly
	if resting {
		g.orders[req.Symbol] = append(g.orders[req.Symbol], exchange.OpenOrder{
			OrderID:       id,
			ClientOrderID: req.ClientOrderID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Type:          req.Type,
			Price:         req.Price,
			StopPrice:     req.StopPrice,
			Quantity:      req.Quantity,
			ReduceOnly:    req.ReduceOnly,
		})
		return &exchange.OrderResult{
			OrderID: id, ClientOrderID: req.ClientOrderID, Symbol: req.Symbol,
			Status: exchange.OrderStatusNew,
		}, nil
	}

	return &exchange.OrderResult{
		OrderID: id, ClientOrderID: req.ClientOrderID, Symbol: req.Symbol,
		Status: exchange.OrderStatusFilled, ExecutedQty: req.Quantity, AvgPrice: g.price,
	}, nil
}

func (g *fakeGateway) ClosePosition(ctx context.Context, req exchange.CloseRequest) (*exchange.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closeErr != nil {
		return nil, g.closeErr
	}

	g.closes = append(g.closes, req)
	g.ops = append(g.ops, fmt.Sprintf("close:%s:%.4f", req.Type, req.Size))

	pos, ok := g.positions[req.Symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", exchange.ErrNoPosition, req.Symbol)
	}

	if g.remainAfterClose > 0 {
		pos.Size = g.remainAfterClose
		g.positions[req.Symbol] = pos
	} else {
		delete(g.positions, req.Symbol)
	}

	g.nextID++
	return &exchange.OrderResult{
		OrderID: g.nextID, Symbol: req.Symbol,
		Status: exchange.OrderStatusFilled, ExecutedQty: req.Size, AvgPrice: g.price,
	}, nil
}

func (g *fakeGateway) GetOpenOrders(ctx context.Context, symbol string) ([]exchange.OpenOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ordersErr != nil {
		return nil, g.ordersErr
	}
	out := make([]exchange.OpenOrder, len(g.orders[symbol]))
	copy(out, g.orders[symbol])
	return out, nil
}

func (g *fakeGateway) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ops = append(g.ops, fmt.Sprintf("cancel:%d", orderID))
	orders := g.orders[symbol]
	for i, o := range orders {
		if o.OrderID == orderID {
			g.orders[symbol] = append(orders[:i], orders[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("order %d not found", orderID)
}

func (g *fakeGateway) CancelOpenOrders(ctx context.Context, symbol string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ops = append(g.ops, "cancel_all:"+symbol)
	delete(g.orders, symbol)
	return nil
}

func newTestMachine(t *testing.T, gw exchange.Gateway) (*Machine, *Registry) {
	t.Helper()
	reg := NewRegistry(5, nil, logging.Nop())
	m := NewMachine(reg, gw, events.NewBus(), nil, logging.Nop())
	return m, reg
}

// seedBot walks a bot through the legal transition path into target
func seedBot(t *testing.T, reg *Registry, symbol string, side exchange.PositionSide, target State, size, entry float64) {
	t.Helper()

	if _, err := reg.TryCreate(NewBotRecord(symbol, side, "auto")); err != nil {
		t.Fatalf("seed create %s: %v", symbol, err)
	}

	paths := map[State][]State{
		StateScanning:         {},
		StateEntering:         {StateEntering},
		StateOpen:             {StateEntering, StateOpen},
		StateProtecting:       {StateEntering, StateOpen, StateProtecting},
		StateAdjusting:        {StateEntering, StateOpen, StateProtecting, StateAdjusting},
		StateExiting:          {StateEntering, StateOpen, StateProtecting, StateExiting},
		StateEmergencyClosing: {StateEntering, StateOpen, StateEmergencyClosing},
	}

	for _, next := range paths[target] {
		err := reg.WithLock(symbol, func(rec *BotRecord) error {
			if err := rec.Transition(next); err != nil {
				return err
			}
			if next == StateOpen {
				rec.PositionSize = size
				rec.EntryPrice = entry
			}
			return nil
		})
		if err != nil {
			t.Fatalf("seed %s -> %s: %v", symbol, next, err)
		}
	}
}

// ==================== ENTRY ====================

func TestEnterMarketFillOpensBot(t *testing.T) {
	gw := newFakeGateway(100)
	m, reg := newTestMachine(t, gw)

	rec, err := m.Enter(context.Background(), EntryRequest{
		Symbol: "XUSDT", Side: exchange.PositionSideLong, Quantity: 10, CreatedBy: "auto",
	})
	if err != nil {
		t.Fatalf("enter: %v", err)
	}

	if rec.State != StateOpen {
		t.Errorf("state = %s, want OPEN", rec.State)
	}
	if rec.PositionSize != 10 || rec.EntryPrice != 100 {
		t.Errorf("fill not applied: size=%.2f entry=%.2f", rec.PositionSize, rec.EntryPrice)
	}

	if len(gw.placed) != 1 {
		t.Fatalf("orders placed = %d, want 1", len(gw.placed))
	}
	order := gw.placed[0]
	if order.Side != exchange.OrderSideBuy || order.Type != exchange.OrderTypeMarket {
		t.Errorf("entry order = %s %s, want BUY MARKET", order.Side, order.Type)
	}
	if !strings.HasPrefix(order.ClientOrderID, "fb-") {
		t.Errorf("client order id %q missing prefix", order.ClientOrderID)
	}
	if _, ok := reg.Get("XUSDT"); !ok {
		t.Error("bot missing from registry after entry")
	}
}

func TestEnterShortUsesSellOrder(t *testing.T) {
	gw := newFakeGateway(50)
	m, _ := newTestMachine(t, gw)

	if _, err := m.Enter(context.Background(), EntryRequest{
		Symbol: "OPUSDT", Side: exchange.PositionSideShort, Quantity: 4, CreatedBy: "auto",
	}); err != nil {
		t.Fatalf("enter: %v", err)
	}
	if gw.placed[0].Side != exchange.OrderSideSell {
		t.Errorf("short entry side = %s, want SELL", gw.placed[0].Side)
	}
}

func TestEnterDuplicateSymbol(t *testing.T) {
	gw := newFakeGateway(100)
	m, _ := newTestMachine(t, gw)

	req := EntryRequest{Symbol: "XUSDT", Side: exchange.PositionSideLong, Quantity: 1, CreatedBy: "auto"}
	if _, err := m.Enter(context.Background(), req); err != nil {
		t.Fatalf("first enter: %v", err)
	}
	if _, err := m.Enter(context.Background(), req); !errors.Is(err, ErrBotExists) {
		t.Errorf("second enter error = %v, want ErrBotExists", err)
	}
}

func TestEnterRejectionRollsBack(t *testing.T) {
	gw := newFakeGateway(100)
	gw.placeErr = errors.New("-2019 margin is insufficient")
	m, reg := newTestMachine(t, gw)

	_, err := m.Enter(context.Background(), EntryRequest{
		Symbol: "XUSDT", Side: exchange.PositionSideLong, Quantity: 10, CreatedBy: "auto",
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if reg.Count() != 0 {
		t.Errorf("registry count = %d after rejected entry, want 0", reg.Count())
	}
}

func TestEnterTransientFailureKeepsEntering(t *testing.T) {
	gw := newFakeGateway(100)
	gw.placeErr = exchange.Transient(errors.New("request timeout"))
	m, reg := newTestMachine(t, gw)

	_, err := m.Enter(context.Background(), EntryRequest{
		Symbol: "XUSDT", Side: exchange.PositionSideLong, Quantity: 10, CreatedBy: "auto",
	})
	if err == nil {
		t.Fatal("expected error")
	}

	// Failed-unknown: the record stays for sync to confirm or roll back
	rec, ok := reg.Get("XUSDT")
	if !ok {
		t.Fatal("bot removed after failed-unknown entry")
	}
	if rec.State != StateEntering {
		t.Errorf("state = %s, want ENTERING", rec.State)
	}
}

func TestEnterRestingLimitAwaitsSync(t *testing.T) {
	gw := newFakeGateway(100)
	gw.restOnly = true
	m, reg := newTestMachine(t, gw)

	rec, err := m.Enter(context.Background(), EntryRequest{
		Symbol: "XUSDT", Side: exchange.PositionSideLong, Quantity: 10, Price: 99.5, CreatedBy: "auto",
	})
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	if rec.State != StateEntering {
		t.Errorf("state = %s, want ENTERING", rec.State)
	}
	if gw.placed[0].Type != exchange.OrderTypeLimit || gw.placed[0].Price != 99.5 {
		t.Errorf("order = %s @ %.2f, want LIMIT @ 99.50", gw.placed[0].Type, gw.placed[0].Price)
	}
	if _, ok := reg.Get("XUSDT"); !ok {
		t.Error("resting entry lost its record")
	}
}

func TestConfirmOpen(t *testing.T) {
	gw := newFakeGateway(100)
	m, reg := newTestMachine(t, gw)
	seedBot(t, reg, "XUSDT", exchange.PositionSideLong, StateEntering, 0, 0)

	err := m.ConfirmOpen("XUSDT", exchange.PositionRecord{
		Symbol: "XUSDT", Side: exchange.PositionSideLong, Size: 3.5, EntryPrice: 101.2,
	})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}

	rec, _ := reg.Get("XUSDT")
	if rec.State != StateOpen {
		t.Errorf("state = %s, want OPEN", rec.State)
	}
	if rec.PositionSize != 3.5 || rec.EntryPrice != 101.2 {
		t.Errorf("exchange values not adopted: size=%.2f entry=%.2f", rec.PositionSize, rec.EntryPrice)
	}
}

func TestConfirmOpenSideMismatch(t *testing.T) {
	gw := newFakeGateway(100)
	m, reg := newTestMachine(t, gw)
	seedBot(t, reg, "XUSDT", exchange.PositionSideLong, StateEntering, 0, 0)

	err := m.ConfirmOpen("XUSDT", exchange.PositionRecord{
		Symbol: "XUSDT", Side: exchange.PositionSideShort, Size: 3.5,
	})
	if !errors.Is(err, ErrPositionMismatch) {
		t.Errorf("error = %v, want ErrPositionMismatch", err)
	}

	rec, _ := reg.Get("XUSDT")
	if rec.State != StateEntering {
		t.Errorf("state changed to %s on mismatch", rec.State)
	}
}

func TestConfirmOpenIgnoresNonEntering(t *testing.T) {
	gw := newFakeGateway(100)
	m, reg := newTestMachine(t, gw)
	seedBot(t, reg, "XUSDT", exchange.PositionSideLong, StateProtecting, 2, 100)

	if err := m.ConfirmOpen("XUSDT", exchange.PositionRecord{
		Symbol: "XUSDT", Side: exchange.PositionSideLong, Size: 9,
	}); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	rec, _ := reg.Get("XUSDT")
	if rec.State != StateProtecting || rec.PositionSize != 2 {
		t.Errorf("PROTECTING bot mutated by confirm: %+v", rec)
	}
}

func TestRollbackEntryRemovesBot(t *testing.T) {
	gw := newFakeGateway(100)
	m, reg := newTestMachine(t, gw)
	seedBot(t, reg, "XUSDT", exchange.PositionSideLong, StateEntering, 0, 0)

	if err := m.RollbackEntry(context.Background(), "XUSDT", "entry timeout"); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if reg.Count() != 0 {
		t.Errorf("registry count = %d, want 0", reg.Count())
	}

	ops := gw.opLog()
	if len(ops) == 0 || ops[0] != "cancel_all:XUSDT" {
		t.Errorf("resting orders not cancelled first: %v", ops)
	}
}

func TestRollbackEntryAbortsWhenPositionExists(t *testing.T) {
	gw := newFakeGateway(100)
	gw.setPosition(exchange.PositionRecord{
		Symbol: "XUSDT", Side: exchange.PositionSideLong, Size: 5, EntryPrice: 99,
	})
	m, reg := newTestMachine(t, gw)
	seedBot(t, reg, "XUSDT", exchange.PositionSideLong, StateEntering, 0, 0)

	if err := m.RollbackEntry(context.Background(), "XUSDT", "entry timeout"); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	// The late fill converts the rollback into a confirmation
	rec, ok := reg.Get("XUSDT")
	if !ok {
		t.Fatal("bot destroyed despite live position")
	}
	if rec.State != StateOpen || rec.PositionSize != 5 {
		t.Errorf("late fill not adopted: %+v", rec)
	}
}

// ==================== PROTECTION ====================

func TestProtectPlacesBothOrders(t *testing.T) {
	gw := newFakeGateway(100)
	m, reg := newTestMachine(t, gw)
	seedBot(t, reg, "XUSDT", exchange.PositionSideLong, StateOpen, 2, 100)

	if err := m.Protect(context.Background(), "XUSDT", 95, 110); err != nil {
		t.Fatalf("protect: %v", err)
	}

	if len(gw.placed) != 2 {
		t.Fatalf("orders placed = %d, want 2", len(gw.placed))
	}
	for _, order := range gw.placed {
		if !order.ReduceOnly {
			t.Errorf("%s order not reduce-only", order.Type)
		}
		if order.Side != exchange.OrderSideSell {
			t.Errorf("%s order side = %s, want SELL", order.Type, order.Side)
		}
		if order.Quantity != 2 {
			t.Errorf("%s order qty = %.2f, want 2", order.Type, order.Quantity)
		}
	}

	rec, _ := reg.Get("XUSDT")
	if rec.State != StateProtecting {
		t.Errorf("state = %s, want PROTECTING", rec.State)
	}
	if rec.StopOrderID == 0 || rec.TakeProfitOrderID == 0 {
		t.Errorf("order ids not recorded: sl=%d tp=%d", rec.StopOrderID, rec.TakeProfitOrderID)
	}
	if rec.StopLossPrice != 95 || rec.TakeProfitPrice != 110 {
		t.Errorf("prices = %.2f/%.2f, want 95/110", rec.StopLossPrice, rec.TakeProfitPrice)
	}
}

func TestProtectAdoptsRestingOrders(t *testing.T) {
	gw := newFakeGateway(100)
	gw.orders["XUSDT"] = []exchange.OpenOrder{{
		OrderID: 501, Symbol: "XUSDT", Side: exchange.OrderSideSell,
		Type: exchange.OrderTypeStopMarket, StopPrice: 95, Quantity: 2, ReduceOnly: true,
	}}
	m, reg := newTestMachine(t, gw)
	seedBot(t, reg, "XUSDT", exchange.PositionSideLong, StateOpen, 2, 100)

	if err := m.Protect(context.Background(), "XUSDT", 95, 110); err != nil {
		t.Fatalf("protect: %v", err)
	}

	// Only the take profit was missing
	if len(gw.placed) != 1 {
		t.Fatalf("orders placed = %d, want 1", len(gw.placed))
	}
	if gw.placed[0].Type != exchange.OrderTypeTakeProfitMarket {
		t.Errorf("placed %s, want TAKE_PROFIT_MARKET", gw.placed[0].Type)
	}

	rec, _ := reg.Get("XUSDT")
	if rec.StopOrderID != 501 {
		t.Errorf("resting stop not adopted: id = %d, want 501", rec.StopOrderID)
	}
}

func TestAdjustPlacesNewBeforeCancellingOld(t *testing.T) {
	gw := newFakeGateway(100)
	gw.orders["XUSDT"] = []exchange.OpenOrder{{
		OrderID: 11, Symbol: "XUSDT", Type: exchange.OrderTypeStopMarket, StopPrice: 95, ReduceOnly: true,
	}}
	m, reg := newTestMachine(t, gw)
	seedBot(t, reg, "XUSDT", exchange.PositionSideLong, StateProtecting, 2, 100)

	err := reg.WithLock("XUSDT", func(rec *BotRecord) error {
		rec.StopLossPrice = 95
		rec.StopOrderID = 11
		return nil
	})
	if err != nil {
		t.Fatalf("seed stop: %v", err)
	}

	if err := m.Adjust(context.Background(), "XUSDT", 97, AdjustTrailing); err != nil {
		t.Fatalf("adjust: %v", err)
	}

	ops := gw.opLog()
	if len(ops) != 2 {
		t.Fatalf("ops = %v, want place then cancel", ops)
	}
	if !strings.HasPrefix(ops[0], "place:STOP_MARKET") || ops[1] != "cancel:11" {
		t.Errorf("op order = %v, want new stop placed before old cancelled", ops)
	}

	rec, _ := reg.Get("XUSDT")
	if rec.State != StateProtecting {
		t.Errorf("state = %s, want PROTECTING", rec.State)
	}
	if rec.StopLossPrice != 97 {
		t.Errorf("stop = %.2f, want 97", rec.StopLossPrice)
	}
	if !rec.TrailingActivated {
		t.Error("trailing flag not set")
	}
	if rec.StopOrderID == 11 {
		t.Error("stop order id not replaced")
	}
}

func TestAdjustNeverRetreats(t *testing.T) {
	tests := []struct {
		name    string
		side    exchange.PositionSide
		current float64
		propose float64
	}{
		{"long stop down", exchange.PositionSideLong, 95, 93},
		{"long stop equal", exchange.PositionSideLong, 95, 95},
		{"short stop up", exchange.PositionSideShort, 105, 107},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := newFakeGateway(100)
			m, reg := newTestMachine(t, gw)
			seedBot(t, reg, "XUSDT", tt.side, StateProtecting, 2, 100)
			if err := reg.WithLock("XUSDT", func(rec *BotRecord) error {
				rec.StopLossPrice = tt.current
				rec.StopOrderID = 11
				return nil
			}); err != nil {
				t.Fatalf("seed: %v", err)
			}

			if err := m.Adjust(context.Background(), "XUSDT", tt.propose, AdjustTrailing); err != nil {
				t.Fatalf("adjust: %v", err)
			}

			if len(gw.placed) != 0 {
				t.Errorf("retreating adjust placed %d orders", len(gw.placed))
			}
			rec, _ := reg.Get("XUSDT")
			if rec.StopLossPrice != tt.current {
				t.Errorf("stop moved %.2f -> %.2f", tt.current, rec.StopLossPrice)
			}
			if rec.State != StateProtecting {
				t.Errorf("state = %s, want PROTECTING", rec.State)
			}
		})
	}
}

func TestAdjustPlaceFailureKeepsOldStop(t *testing.T) {
	gw := newFakeGateway(100)
	m, reg := newTestMachine(t, gw)
	seedBot(t, reg, "XUSDT", exchange.PositionSideLong, StateProtecting, 2, 100)
	if err := reg.WithLock("XUSDT", func(rec *BotRecord) error {
		rec.StopLossPrice = 95
		rec.StopOrderID = 11
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	gw.placeErr = errors.New("rejected")
	if err := m.Adjust(context.Background(), "XUSDT", 97, AdjustBreakEven); err == nil {
		t.Fatal("expected error")
	}

	rec, _ := reg.Get("XUSDT")
	if rec.State != StateProtecting {
		t.Errorf("state = %s, want PROTECTING after revert", rec.State)
	}
	if rec.StopLossPrice != 95 || rec.StopOrderID != 11 {
		t.Errorf("old stop lost: price=%.2f id=%d", rec.StopLossPrice, rec.StopOrderID)
	}
	for _, op := range gw.opLog() {
		if strings.HasPrefix(op, "cancel:") {
			t.Errorf("old stop cancelled despite placement failure: %v", gw.opLog())
		}
	}
}

// ==================== CLOSE ====================

func TestCloseUsesExchangeReportedSize(t *testing.T) {
	gw := newFakeGateway(100)
	// Exchange reports a different size than the local record cached
	gw.setPosition(exchange.PositionRecord{
		Symbol: "XUSDT", Side: exchange.PositionSideLong, Size: 2.5, EntryPrice: 100,
	})
	m, reg := newTestMachine(t, gw)
	seedBot(t, reg, "XUSDT", exchange.PositionSideLong, StateExiting, 1.0, 100)

	if err := m.Close(context.Background(), "XUSDT"); err != nil {
		t.Fatalf("close: %v", err)
	}

	if len(gw.closes) != 1 {
		t.Fatalf("closes = %d, want 1", len(gw.closes))
	}
	if gw.closes[0].Size != 2.5 {
		t.Errorf("close size = %.2f, want exchange-reported 2.5 (not cached 1.0)", gw.closes[0].Size)
	}
	if reg.Count() != 0 {
		t.Errorf("registry count = %d after close, want 0", reg.Count())
	}
}

func TestCloseUnresolvedSizeFails(t *testing.T) {
	gw := newFakeGateway(100)
	gw.positionErr = errors.New("api down")
	m, reg := newTestMachine(t, gw)
	seedBot(t, reg, "XUSDT", exchange.PositionSideLong, StateExiting, 1, 100)

	err := m.Close(context.Background(), "XUSDT")
	if !errors.Is(err, exchange.ErrUnresolvedSize) {
		t.Fatalf("error = %v, want ErrUnresolvedSize", err)
	}

	// The bot must stay EXITING for retry, never guess a size
	rec, ok := reg.Get("XUSDT")
	if !ok {
		t.Fatal("bot removed despite unresolved size")
	}
	if rec.State != StateExiting {
		t.Errorf("state = %s, want EXITING", rec.State)
	}
	if len(gw.closes) != 0 {
		t.Errorf("close submitted with unresolved size: %+v", gw.closes)
	}
}

func TestCloseAlreadyFlatFinalizes(t *testing.T) {
	gw := newFakeGateway(100)
	m, reg := newTestMachine(t, gw)
	seedBot(t, reg, "XUSDT", exchange.PositionSideLong, StateExiting, 1, 95)

	var trades []TradeRecord
	m.OnTrade(func(trade TradeRecord) { trades = append(trades, trade) })

	if err := m.Close(context.Background(), "XUSDT"); err != nil {
		t.Fatalf("close: %v", err)
	}

	if reg.Count() != 0 {
		t.Errorf("registry count = %d, want 0", reg.Count())
	}
	if len(trades) != 1 {
		t.Fatalf("trades recorded = %d, want 1", len(trades))
	}
	// Exit price falls back to the mark price
	if trades[0].ExitPrice != 100 {
		t.Errorf("exit price = %.2f, want 100", trades[0].ExitPrice)
	}
}

func TestClosePartialFillRetries(t *testing.T) {
	gw := newFakeGateway(100)
	gw.setPosition(exchange.PositionRecord{
		Symbol: "XUSDT", Side: exchange.PositionSideLong, Size: 3, EntryPrice: 100,
	})
	gw.remainAfterClose = 1
	m, reg := newTestMachine(t, gw)
	seedBot(t, reg, "XUSDT", exchange.PositionSideLong, StateExiting, 3, 100)

	if err := m.Close(context.Background(), "XUSDT"); err != nil {
		t.Fatalf("close: %v", err)
	}

	rec, ok := reg.Get("XUSDT")
	if !ok {
		t.Fatal("bot finalized despite remaining position")
	}
	if rec.State != StateExiting {
		t.Errorf("state = %s, want EXITING for retry", rec.State)
	}

	// Next cycle closes the remainder
	gw.remainAfterClose = 0
	if err := m.Close(context.Background(), "XUSDT"); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if gw.closes[1].Size != 1 {
		t.Errorf("second close size = %.2f, want fresh 1", gw.closes[1].Size)
	}
	if reg.Count() != 0 {
		t.Errorf("registry count = %d, want 0", reg.Count())
	}
}

func TestRequestExit(t *testing.T) {
	gw := newFakeGateway(100)
	m, reg := newTestMachine(t, gw)
	seedBot(t, reg, "XUSDT", exchange.PositionSideLong, StateProtecting, 2, 100)

	if err := m.RequestExit("XUSDT", "rsi_exit"); err != nil {
		t.Fatalf("request exit: %v", err)
	}
	rec, _ := reg.Get("XUSDT")
	if rec.State != StateExiting || rec.CloseReason != "rsi_exit" {
		t.Errorf("record = %s/%q, want EXITING/rsi_exit", rec.State, rec.CloseReason)
	}

	// Idempotent
	if err := m.RequestExit("XUSDT", "again"); err != nil {
		t.Fatalf("repeat request exit: %v", err)
	}
	rec, _ = reg.Get("XUSDT")
	if rec.CloseReason != "rsi_exit" {
		t.Errorf("close reason overwritten: %q", rec.CloseReason)
	}
}

// ==================== EMERGENCY ====================

func TestEmergencyCloseUsesMarketOrder(t *testing.T) {
	gw := newFakeGateway(100)
	gw.setPosition(exchange.PositionRecord{
		Symbol: "XUSDT", Side: exchange.PositionSideLong, Size: 4, EntryPrice: 100,
	})
	m, reg := newTestMachine(t, gw)
	seedBot(t, reg, "XUSDT", exchange.PositionSideLong, StateProtecting, 4, 100)

	if err := m.EmergencyClose(context.Background(), "XUSDT", "delisted"); err != nil {
		t.Fatalf("emergency close: %v", err)
	}

	if len(gw.closes) != 1 {
		t.Fatalf("closes = %d, want 1", len(gw.closes))
	}
	if gw.closes[0].Type != exchange.OrderTypeMarket {
		t.Errorf("close type = %s, want MARKET", gw.closes[0].Type)
	}
	if gw.closes[0].Size != 4 {
		t.Errorf("close size = %.2f, want fresh 4", gw.closes[0].Size)
	}
	if reg.Count() != 0 {
		t.Errorf("registry count = %d, want 0", reg.Count())
	}
}

func TestEmergencyCloseUnresolvedSizeFailsLoudly(t *testing.T) {
	gw := newFakeGateway(100)
	gw.positionErr = errors.New("api down")
	m, reg := newTestMachine(t, gw)
	seedBot(t, reg, "XUSDT", exchange.PositionSideLong, StateProtecting, 4, 100)

	err := m.EmergencyClose(context.Background(), "XUSDT", "critical")
	if !errors.Is(err, exchange.ErrUnresolvedSize) {
		t.Fatalf("error = %v, want ErrUnresolvedSize", err)
	}

	rec, ok := reg.Get("XUSDT")
	if !ok {
		t.Fatal("bot removed despite unresolved size")
	}
	if rec.State != StateEmergencyClosing {
		t.Errorf("state = %s, want EMERGENCY_CLOSING for retry", rec.State)
	}
}

func TestEmergencyCloseFromEveryNonTerminalState(t *testing.T) {
	for _, state := range []State{StateScanning, StateEntering, StateOpen, StateProtecting, StateAdjusting, StateExiting} {
		t.Run(string(state), func(t *testing.T) {
			gw := newFakeGateway(100)
			m, reg := newTestMachine(t, gw)
			seedBot(t, reg, "XUSDT", exchange.PositionSideLong, state, 1, 100)

			if err := m.EmergencyClose(context.Background(), "XUSDT", "critical"); err != nil {
				t.Fatalf("emergency close from %s: %v", state, err)
			}
			if reg.Count() != 0 {
				t.Errorf("registry count = %d, want 0", reg.Count())
			}
		})
	}
}
