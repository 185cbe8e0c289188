package common

import "time"

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the side that reduces a position opened with s.
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	default:
		return ""
	}
}

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// OrderType denotes the order types the core submits.
type OrderType string

const (
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeLimit            OrderType = "LIMIT"
	OrderTypeStopLimit        OrderType = "STOP_LIMIT"         // resting entry, waits for price
	OrderTypeStopMarket       OrderType = "STOP_MARKET"        // protective stop-loss leg
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET" // take-profit leg
)

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // Good Till Cancelled
	TIFIOC TimeInForce = "IOC" // Immediate Or Cancel
	TIFFOK TimeInForce = "FOK" // Fill Or Kill
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// Terminal reports whether the venue will never change the order again.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// OrderRequest captures an order intent to be sent to an exchange.
type OrderRequest struct {
	Symbol      string
	ProductID   int
	Side        Side
	Type        OrderType
	Qty         float64
	Price       float64 // limit price, required for LIMIT and STOP_LIMIT
	StopPrice   float64 // trigger price for stop and take-profit orders
	TimeInForce TimeInForce
	ClientID    string // optional client order id
	ReduceOnly  bool
}

// OrderResult returns the exchange ack.
type OrderResult struct {
	ExchangeOrderID string
	Status          OrderStatus
	ClientID        string
}

// OrderState is the observed state of a single order.
type OrderState struct {
	ExchangeOrderID string
	Status          OrderStatus
	Qty             float64
	FilledQty       float64
	AvgFillPrice    float64
}

// Candle is one OHLC bar; Time is the bar's open time.
type Candle struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Position is an observed exchange position. Size is always >= 0; a flat
// position has Size 0 and an empty Side.
type Position struct {
	Symbol     string
	Side       Side
	Size       float64
	EntryPrice float64
}

// Flat reports whether no position is open.
func (p Position) Flat() bool { return p.Size == 0 }

// OpenOrder is a resting order as listed by the venue.
type OpenOrder struct {
	ExchangeOrderID string
	Symbol          string
	Side            Side
	Type            OrderType
	Qty             float64
	Price           float64
	StopPrice       float64
	ReduceOnly      bool
}
