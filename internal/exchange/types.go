package exchange

import (
	"fmt"
	"strconv"
	"time"
)

// OrderSide is the direction of an order
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// PositionSide is the direction of a held position
type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

// Opposite returns the closing order side for a position side
func (ps PositionSide) Opposite() OrderSide {
	if ps == PositionSideLong {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType is the execution type of an order
type OrderType string

const (
	OrderTypeLimit            OrderType = "LIMIT"
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// OrderStatus values reported by the exchange
const (
	OrderStatusNew             = "NEW"
	OrderStatusFilled          = "FILLED"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusCanceled        = "CANCELED"
	OrderStatusRejected        = "REJECTED"
	OrderStatusExpired         = "EXPIRED"
)

// Candle is one OHLCV bar for a symbol+interval
type Candle struct {
	OpenTime  int64   `json:"open_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	CloseTime int64   `json:"close_time"`
}

// PositionRecord is the normalized view of one exchange position.
// Size is always positive; direction lives in Side.
type PositionRecord struct {
	Symbol        string       `json:"symbol"`
	Side          PositionSide `json:"side"`
	Size          float64      `json:"size"`
	EntryPrice    float64      `json:"entry_price"`
	MarkPrice     float64      `json:"mark_price"`
	UnrealizedPnL float64      `json:"unrealized_pnl"`
	Leverage      int          `json:"leverage"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Balance is the account balance in the quote asset
type Balance struct {
	Asset     string  `json:"asset"`
	Total     float64 `json:"total"`
	Available float64 `json:"available"`
}

// OrderRequest describes an order to place
type OrderRequest struct {
	Symbol        string    `json:"symbol"`
	Side          OrderSide `json:"side"`
	Type          OrderType `json:"type"`
	Quantity      float64   `json:"quantity"`
	Price         float64   `json:"price,omitempty"`      // LIMIT orders
	StopPrice     float64   `json:"stop_price,omitempty"` // STOP_MARKET / TAKE_PROFIT_MARKET
	ReduceOnly    bool      `json:"reduce_only,omitempty"`
	ClientOrderID string    `json:"client_order_id,omitempty"`
}

// CloseRequest describes a position close. Size and Side are mandatory:
// callers must pass the exchange-reported size, never a cached one.
type CloseRequest struct {
	Symbol        string       `json:"symbol"`
	Side          PositionSide `json:"side"`
	Size          float64      `json:"size"`
	Type          OrderType    `json:"type"` // defaults to LIMIT; MARKET for emergency paths
	Price         float64      `json:"price,omitempty"`
	ClientOrderID string       `json:"client_order_id,omitempty"`
}

// OrderResult is the normalized response to a placed order
type OrderResult struct {
	OrderID       int64   `json:"order_id"`
	ClientOrderID string  `json:"client_order_id"`
	Symbol        string  `json:"symbol"`
	Status        string  `json:"status"`
	ExecutedQty   float64 `json:"executed_qty"`
	AvgPrice      float64 `json:"avg_price"`
}

// OpenOrder is an order resting on the exchange
type OpenOrder struct {
	OrderID       int64     `json:"order_id"`
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Side          OrderSide `json:"side"`
	Type          OrderType `json:"type"`
	Price         float64   `json:"price"`
	StopPrice     float64   `json:"stop_price"`
	Quantity      float64   `json:"quantity"`
	ReduceOnly    bool      `json:"reduce_only"`
}

// ==================== WIRE PARSING ====================

// ParseKline converts one raw kline array from the exchange into a Candle.
// Wire format: [openTime, "open", "high", "low", "close", "volume", closeTime, ...]
func ParseKline(raw []interface{}) (Candle, error) {
	if len(raw) < 7 {
		return Candle{}, fmt.Errorf("kline array too short: %d fields", len(raw))
	}

	openTime, ok := raw[0].(float64)
	if !ok {
		return Candle{}, fmt.Errorf("kline open time has unexpected type %T", raw[0])
	}
	closeTime, ok := raw[6].(float64)
	if !ok {
		return Candle{}, fmt.Errorf("kline close time has unexpected type %T", raw[6])
	}

	vals := make([]float64, 5)
	for i := 1; i <= 5; i++ {
		s, ok := raw[i].(string)
		if !ok {
			return Candle{}, fmt.Errorf("kline field %d has unexpected type %T", i, raw[i])
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Candle{}, fmt.Errorf("parsing kline field %d: %w", i, err)
		}
		vals[i-1] = v
	}

	return Candle{
		OpenTime:  int64(openTime),
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
		CloseTime: int64(closeTime),
	}, nil
}
