package engine

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"go.uber.org/zap"
)

type SimulatorConfig struct {
	Slippage SlippageModel
	Impact   ImpactModel
	Fees     FeeModel
}

// Simulator owns working orders until they reach a terminal status. Every
// order is filled against one reference price per Execute call, fully or not
// at all.
type Simulator struct {
	cfg    SimulatorConfig
	ledger *Ledger
	events *EventLog
	ids    IDSource
	logger *zap.Logger

	stops   []*Order // stop and stop-limit orders waiting for their trigger
	pending []*Order // market and limit orders
	orders  map[string]*Order
	trades  []Trade
	clock   time.Time // time of the latest Execute
}

type SimulatorOption func(*Simulator)

func WithLedger(l *Ledger) SimulatorOption { return func(s *Simulator) { s.ledger = l } }

func WithEventLog(l *EventLog) SimulatorOption { return func(s *Simulator) { s.events = l } }

func WithIDSource(ids IDSource) SimulatorOption { return func(s *Simulator) { s.ids = ids } }

func WithSimulatorLogger(l *zap.Logger) SimulatorOption { return func(s *Simulator) { s.logger = l } }

func NewSimulator(cfg SimulatorConfig, opts ...SimulatorOption) *Simulator {
	if cfg.Slippage == nil {
		cfg.Slippage = NoSlippage{}
	}
	if cfg.Impact == nil {
		cfg.Impact = NoImpact{}
	}
	if cfg.Fees == nil {
		cfg.Fees = RateFee{}
	}
	s := &Simulator{
		cfg:    cfg,
		ledger: NewLedger(),
		ids:    RandomIDs{},
		logger: zap.NewNop(),
		orders: make(map[string]*Order),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Place queues a validated, pending order and returns its ID.
func (s *Simulator) Place(o *Order) (string, error) {
	if o == nil {
		return "", &OrderValidationError{Field: "order", Msg: "nil order"}
	}
	if o.Status != OrderPending {
		return "", fmt.Errorf("%w: cannot place order in status %s", ErrInvalidTransition, o.Status)
	}
	if o.ID == "" {
		o.ID = s.ids.Next()
	}
	if _, dup := s.orders[o.ID]; dup {
		return "", &OrderValidationError{Field: "id", Msg: "duplicate order id " + o.ID}
	}
	s.orders[o.ID] = o
	switch o.Type {
	case OrderStop, OrderStopLimit:
		s.stops = append(s.stops, o)
	default:
		s.pending = append(s.pending, o)
	}
	s.events.Append(Event{
		Ts:     tsMillis(o.CreatedAt),
		Type:   EventOrderSubmit,
		Symbol: o.Symbol,
		Details: map[string]string{
			"order_id": o.ID,
			"type":     o.Type.String(),
			"side":     o.Side.String(),
			"quantity": formatFloat(o.Quantity),
			"tif":      o.TIF.String(),
		},
	})
	return o.ID, nil
}

// Cancel removes a working order.
func (s *Simulator) Cancel(id string) error {
	o, ok := s.orders[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	if o.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrOrderTerminal, id, o.Status)
	}
	if err := o.transition(OrderCanceled); err != nil {
		return err
	}
	s.stops = removeOrder(s.stops, o)
	s.pending = removeOrder(s.pending, o)
	ts := o.CreatedAt
	if s.clock.After(ts) {
		ts = s.clock
	}
	s.events.Append(Event{Ts: tsMillis(ts), Type: EventOrderCancel, Symbol: o.Symbol, Details: map[string]string{"order_id": o.ID}})
	return nil
}

// Order looks up any order ever placed, terminal or not.
func (s *Simulator) Order(id string) (*Order, bool) {
	o, ok := s.orders[id]
	return o, ok
}

// Working returns the number of non-terminal orders.
func (s *Simulator) Working() int { return len(s.stops) + len(s.pending) }

// Trades returns every fill produced so far.
func (s *Simulator) Trades() []Trade { return append([]Trade(nil), s.trades...) }

func (s *Simulator) Ledger() *Ledger { return s.ledger }

// Execute evaluates every working order against price and returns the trades
// produced by this call. Stop triggers are processed before market and limit
// orders so a triggered stop fills on the same call.
func (s *Simulator) Execute(ts time.Time, price float64) []Trade {
	if ts.After(s.clock) {
		s.clock = ts
	}
	if !(price > 0) || math.IsInf(price, 0) {
		s.logger.Warn("Skipping execution on invalid reference price",
			zap.Time("ts", ts),
			zap.Float64("price", price),
		)
		return nil
	}
	s.expireDayOrders(ts)

	remaining := s.stops[:0]
	for _, o := range s.stops {
		if !o.ShouldTrigger(price) {
			if !s.cancelImmediate(o, ts) {
				remaining = append(remaining, o)
			}
			continue
		}
		s.events.Append(Event{
			Ts:      tsMillis(ts),
			Type:    EventStopHit,
			Symbol:  o.Symbol,
			Details: map[string]string{"order_id": o.ID, "stop_price": formatFloat(o.StopPrice)},
		})
		if o.Type == OrderStop {
			o.Type = OrderMarket
		} else {
			o.Type = OrderLimit
			o.Price = o.LimitPrice
		}
		s.pending = append(s.pending, o)
	}
	s.stops = remaining

	var trades []Trade
	working := s.pending[:0]
	for _, o := range s.pending {
		switch o.Type {
		case OrderMarket:
			trades = append(trades, s.fillMarket(o, ts, price))
			continue
		case OrderLimit:
			if o.ShouldFillLimit(price) {
				trades = append(trades, s.fill(o, ts, o.Price, 0, 0))
				continue
			}
		}
		if s.cancelImmediate(o, ts) {
			continue
		}
		working = append(working, o)
	}
	s.pending = working
	return trades
}

// cancelImmediate cancels an IOC or FOK order that did not fill on its first
// Execute. It reports whether o was canceled.
func (s *Simulator) cancelImmediate(o *Order, ts time.Time) bool {
	if o.TIF != TIFIOC && o.TIF != TIFFOK {
		return false
	}
	_ = o.transition(OrderCanceled)
	s.events.Append(Event{
		Ts:      tsMillis(ts),
		Type:    EventOrderCancel,
		Symbol:  o.Symbol,
		Details: map[string]string{"order_id": o.ID, "reason": "unfilled " + o.TIF.String()},
	})
	return true
}

func (s *Simulator) fillMarket(o *Order, ts time.Time, ref float64) Trade {
	slip := s.cfg.Slippage.Offset(o.Side, ref)
	impact := s.cfg.Impact.Impact(o.Side, ref, o.Quantity)
	return s.fill(o, ts, ref+slip+impact, slip, impact)
}

func (s *Simulator) fill(o *Order, ts time.Time, price, slip, impact float64) Trade {
	commission := s.cfg.Fees.Compute(o.Side, price, o.Quantity)
	t := Trade{
		ID:           s.ids.Next(),
		OrderID:      o.ID,
		Symbol:       o.Symbol,
		Side:         o.Side,
		Price:        price,
		Quantity:     o.Quantity,
		Commission:   commission,
		Slippage:     slip,
		MarketImpact: impact,
		Timestamp:    ts,
	}
	o.FilledQuantity = o.Quantity
	o.FilledPrice = price
	o.Commission = commission
	o.Slippage = slip
	o.FilledAt = ts
	_ = o.transition(OrderFilled)

	s.trades = append(s.trades, t)
	pos := s.ledger.Apply(t)
	s.events.Append(Event{
		Ts:     tsMillis(ts),
		Type:   EventOrderFill,
		Symbol: o.Symbol,
		Details: map[string]string{
			"order_id":   o.ID,
			"trade_id":   t.ID,
			"side":       o.Side.String(),
			"price":      formatFloat(price),
			"quantity":   formatFloat(o.Quantity),
			"commission": formatFloat(commission),
			"position":   formatFloat(pos.Quantity),
		},
	})
	s.logger.Debug("Order filled",
		zap.String("order_id", o.ID),
		zap.String("symbol", o.Symbol),
		zap.Stringer("side", o.Side),
		zap.Float64("price", price),
		zap.Float64("quantity", o.Quantity),
	)
	return t
}

// expireDayOrders expires DAY orders created on an earlier calendar day than ts.
func (s *Simulator) expireDayOrders(ts time.Time) {
	expired := func(o *Order) bool {
		if o.TIF != TIFDay || o.CreatedAt.IsZero() || sameDay(o.CreatedAt, ts) {
			return false
		}
		_ = o.transition(OrderExpired)
		s.events.Append(Event{Ts: tsMillis(ts), Type: EventOrderExpire, Symbol: o.Symbol, Details: map[string]string{"order_id": o.ID}})
		return true
	}
	s.stops = filterOrders(s.stops, expired)
	s.pending = filterOrders(s.pending, expired)
}

func filterOrders(orders []*Order, drop func(*Order) bool) []*Order {
	kept := orders[:0]
	for _, o := range orders {
		if !drop(o) {
			kept = append(kept, o)
		}
	}
	return kept
}

func removeOrder(orders []*Order, target *Order) []*Order {
	return filterOrders(orders, func(o *Order) bool { return o == target })
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.In(a.Location()).Date()
	return ay == by && am == bm && ad == bd
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
