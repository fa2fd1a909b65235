package engine

import (
	"fmt"
	"math"
	"time"
)

type OrderType int

const (
	OrderMarket OrderType = iota
	OrderLimit
	OrderStop
	OrderStopLimit
)

func (t OrderType) String() string {
	switch t {
	case OrderMarket:
		return "market"
	case OrderLimit:
		return "limit"
	case OrderStop:
		return "stop"
	case OrderStopLimit:
		return "stop_limit"
	}
	return fmt.Sprintf("order_type(%d)", int(t))
}

// TradeSide doubles as the trade direction: +1 buys, -1 sells.
type TradeSide int8

const (
	TradeSideBuy  TradeSide = 1
	TradeSideSell TradeSide = -1
)

func (s TradeSide) Dir() float64 { return float64(s) }

func (s TradeSide) Opposite() TradeSide { return -s }

func (s TradeSide) String() string {
	switch s {
	case TradeSideBuy:
		return "buy"
	case TradeSideSell:
		return "sell"
	}
	return fmt.Sprintf("side(%d)", int(s))
}

type TimeInForce int

const (
	TIFGTC TimeInForce = iota
	TIFDay
	TIFIOC
	TIFFOK
)

func (t TimeInForce) String() string {
	switch t {
	case TIFGTC:
		return "GTC"
	case TIFDay:
		return "DAY"
	case TIFIOC:
		return "IOC"
	case TIFFOK:
		return "FOK"
	}
	return fmt.Sprintf("tif(%d)", int(t))
}

type OrderStatus int

const (
	OrderPending OrderStatus = iota
	OrderPartiallyFilled
	OrderFilled
	OrderCanceled
	OrderRejected
	OrderExpired
)

func (s OrderStatus) String() string {
	switch s {
	case OrderPending:
		return "pending"
	case OrderPartiallyFilled:
		return "partially_filled"
	case OrderFilled:
		return "filled"
	case OrderCanceled:
		return "canceled"
	case OrderRejected:
		return "rejected"
	case OrderExpired:
		return "expired"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Terminal reports whether no further transition is allowed.
func (s OrderStatus) Terminal() bool {
	return s != OrderPending && s != OrderPartiallyFilled
}

func (s OrderStatus) canMoveTo(next OrderStatus) bool {
	switch s {
	case OrderPending:
		return next != OrderPending
	case OrderPartiallyFilled:
		return next == OrderFilled || next == OrderCanceled
	}
	return false
}

// OrderRequest carries the caller-supplied fields of a new order.
// A price field that is zero, negative or NaN counts as missing.
type OrderRequest struct {
	Symbol     string
	Type       OrderType
	Side       TradeSide
	Quantity   float64
	Price      float64
	StopPrice  float64
	LimitPrice float64
	TIF        TimeInForce
	CreatedAt  time.Time
}

type Order struct {
	ID         string
	Symbol     string
	Type       OrderType
	Side       TradeSide
	Quantity   float64
	Price      float64
	StopPrice  float64
	LimitPrice float64
	TIF        TimeInForce
	Status     OrderStatus

	FilledQuantity float64
	FilledPrice    float64
	Commission     float64
	Slippage       float64
	CreatedAt      time.Time
	FilledAt       time.Time
}

// NewOrder validates req and returns a Pending order. The ID is assigned on placement.
func NewOrder(req OrderRequest) (*Order, error) {
	if req.Side != TradeSideBuy && req.Side != TradeSideSell {
		return nil, &OrderValidationError{Field: "side", Msg: fmt.Sprintf("unknown side %d", req.Side)}
	}
	if req.TIF < TIFGTC || req.TIF > TIFFOK {
		return nil, &OrderValidationError{Field: "time_in_force", Msg: fmt.Sprintf("unknown time in force %d", req.TIF)}
	}
	if !(req.Quantity > 0) || math.IsInf(req.Quantity, 0) {
		return nil, &OrderValidationError{Field: "quantity", Msg: fmt.Sprintf("quantity must be positive, got %v", req.Quantity)}
	}
	switch req.Type {
	case OrderMarket:
	case OrderLimit:
		if !hasPrice(req.Price) {
			return nil, &OrderValidationError{Field: "price", Msg: "limit order requires price"}
		}
	case OrderStop:
		if !hasPrice(req.StopPrice) {
			return nil, &OrderValidationError{Field: "stop_price", Msg: "stop order requires stop_price"}
		}
	case OrderStopLimit:
		if !hasPrice(req.StopPrice) {
			return nil, &OrderValidationError{Field: "stop_price", Msg: "stop-limit order requires stop_price"}
		}
		if !hasPrice(req.LimitPrice) {
			return nil, &OrderValidationError{Field: "limit_price", Msg: "stop-limit order requires limit_price"}
		}
	default:
		return nil, &OrderValidationError{Field: "type", Msg: fmt.Sprintf("unknown order type %d", req.Type)}
	}

	return &Order{
		Symbol:     req.Symbol,
		Type:       req.Type,
		Side:       req.Side,
		Quantity:   req.Quantity,
		Price:      req.Price,
		StopPrice:  req.StopPrice,
		LimitPrice: req.LimitPrice,
		TIF:        req.TIF,
		Status:     OrderPending,
		CreatedAt:  req.CreatedAt,
	}, nil
}

func (o *Order) transition(next OrderStatus) error {
	if !o.Status.canMoveTo(next) {
		return fmt.Errorf("%w: order %s %s -> %s", ErrInvalidTransition, o.ID, o.Status, next)
	}
	o.Status = next
	return nil
}

// ShouldTrigger reports whether a stop or stop-limit order triggers at price.
func (o *Order) ShouldTrigger(price float64) bool {
	if o.Side == TradeSideBuy {
		return price >= o.StopPrice
	}
	return price <= o.StopPrice
}

// ShouldFillLimit reports whether a limit order is marketable at price.
func (o *Order) ShouldFillLimit(price float64) bool {
	if o.Side == TradeSideBuy {
		return price <= o.Price
	}
	return price >= o.Price
}

// Trade is a single fill. It is created once and never modified.
type Trade struct {
	ID           string
	OrderID      string
	Symbol       string
	Side         TradeSide
	Price        float64
	Quantity     float64
	Commission   float64
	Slippage     float64
	MarketImpact float64
	Timestamp    time.Time
}

// Signed returns the quantity with the trade direction applied.
func (t Trade) Signed() float64 { return t.Side.Dir() * t.Quantity }

// Notional is price times quantity, unsigned.
func (t Trade) Notional() float64 { return t.Price * t.Quantity }

func hasPrice(p float64) bool {
	return p > 0 && !math.IsInf(p, 0)
}
