package engine

import "math"

// quantities closer to zero than this are treated as flat
const qtyEpsilon = 1e-9

type PositionSide int

const (
	SideFlat PositionSide = iota
	SideLong
	SideShort
)

func (s PositionSide) String() string {
	switch s {
	case SideLong:
		return "long"
	case SideShort:
		return "short"
	}
	return "flat"
}

// Dir returns +1 for long, -1 for short and 0 when flat.
func (s PositionSide) Dir() float64 {
	switch s {
	case SideLong:
		return 1
	case SideShort:
		return -1
	}
	return 0
}

// Position is the holding in one symbol. Quantity is signed; AvgPrice is
// meaningful only while Quantity is non-zero.
type Position struct {
	Symbol        string
	Quantity      float64
	AvgPrice      float64
	RealizedPnL   float64
	UnrealizedPnL float64
	LastPrice     float64
	TradeIDs      []string
}

func (p *Position) Side() PositionSide {
	switch {
	case p.Quantity > qtyEpsilon:
		return SideLong
	case p.Quantity < -qtyEpsilon:
		return SideShort
	}
	return SideFlat
}

// ApplyFill updates the position with a fill of qty (> 0) at price.
func (p *Position) ApplyFill(side TradeSide, price, qty float64) {
	if qty <= 0 {
		return
	}
	signed := side.Dir() * qty
	held := math.Abs(p.Quantity)

	if p.Side() == SideFlat || sameSign(p.Quantity, signed) {
		// open or add
		p.AvgPrice = weightedAvg(p.AvgPrice, held, price, qty)
		p.Quantity += signed
	} else {
		closed := math.Min(held, qty)
		p.RealizedPnL += (price - p.AvgPrice) * closed * sign(p.Quantity)
		switch rest := qty - held; {
		case rest < -qtyEpsilon:
			p.Quantity += signed
		case rest <= qtyEpsilon:
			p.Quantity = 0
			p.AvgPrice = 0
		default:
			// flipped: remainder opens at the fill price
			p.Quantity = side.Dir() * rest
			p.AvgPrice = price
		}
	}
	if math.Abs(p.Quantity) <= qtyEpsilon {
		p.Quantity = 0
		p.AvgPrice = 0
	}
	p.Mark(price)
}

// Mark revalues the open quantity at price without trading.
func (p *Position) Mark(price float64) {
	p.LastPrice = price
	if p.Quantity == 0 {
		p.UnrealizedPnL = 0
		return
	}
	p.UnrealizedPnL = (price - p.AvgPrice) * p.Quantity
}

func (p Position) clone() Position {
	p.TradeIDs = append([]string(nil), p.TradeIDs...)
	return p
}

// Ledger applies trades to per-symbol positions. Positions are kept after
// they go flat so their trade history survives.
type Ledger struct {
	positions map[string]*Position
	order     []string
}

func NewLedger() *Ledger {
	return &Ledger{positions: make(map[string]*Position)}
}

func (l *Ledger) get(symbol string) *Position {
	p, ok := l.positions[symbol]
	if !ok {
		p = &Position{Symbol: symbol}
		l.positions[symbol] = p
		l.order = append(l.order, symbol)
	}
	return p
}

// Apply books t and returns a copy of the updated position.
func (l *Ledger) Apply(t Trade) Position {
	p := l.get(t.Symbol)
	p.ApplyFill(t.Side, t.Price, t.Quantity)
	p.TradeIDs = append(p.TradeIDs, t.ID)
	return p.clone()
}

// Mark revalues symbol at price. It reports false when no trade was ever booked for it.
func (l *Ledger) Mark(symbol string, price float64) (Position, bool) {
	p, ok := l.positions[symbol]
	if !ok {
		return Position{Symbol: symbol}, false
	}
	p.Mark(price)
	return p.clone(), true
}

func (l *Ledger) Position(symbol string) (Position, bool) {
	p, ok := l.positions[symbol]
	if !ok {
		return Position{Symbol: symbol}, false
	}
	return p.clone(), true
}

// Positions returns every position in order of first trade.
func (l *Ledger) Positions() []Position {
	out := make([]Position, 0, len(l.order))
	for _, s := range l.order {
		out = append(out, l.positions[s].clone())
	}
	return out
}

// PnL sums realized and unrealized P&L across symbols.
func (l *Ledger) PnL() (realized, unrealized float64) {
	for _, p := range l.positions {
		realized += p.RealizedPnL
		unrealized += p.UnrealizedPnL
	}
	return realized, unrealized
}

func weightedAvg(p1, q1, p2, q2 float64) float64 {
	if q1+q2 == 0 {
		return 0
	}
	return (p1*q1 + p2*q2) / (q1 + q2)
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}
